package tiles

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/woozymasta/cropstress/internal/config"
	"github.com/woozymasta/cropstress/internal/geo"

	"github.com/rs/zerolog/log"
)

// Fetcher fills the base layer cache from upstream tile servers.
type Fetcher struct {
	Client    *http.Client
	Cache     Cache
	Converter Converter
}

// Get returns the cached file of a tile, downloading and converting it
// first when missing or when force is set.
func (f *Fetcher) Get(ctx context.Context, layer config.BaseLayer, t geo.Tile, force bool) (string, error) {
	if !t.Valid() || t.Z > layer.MaxZoom {
		return "", ErrNoTile
	}

	path := f.Cache.Path(layer.Name, t)
	if !force && f.Cache.Has(layer.Name, t) {
		return path, nil
	}

	url := BuildURL(layer.URL, t, layer.Subdomains)
	data, err := Download(ctx, f.Client, url)
	if err != nil {
		return "", err
	}

	webpData, err := f.Converter.Convert(data)
	if err != nil {
		if !errors.Is(err, ErrNoTile) {
			log.Trace().Err(err).Str("url", url).Msg("Failed to decode image")
		}
		return "", ErrNoTile
	}

	if err := f.Cache.Store(layer.Name, t, webpData); err != nil {
		return "", err
	}

	return path, nil
}

type result struct {
	Tile  geo.Tile
	Valid bool
}

// Warm downloads the tiles with a bounded worker pool and returns the ones
// now present in the cache.
func (f *Fetcher) Warm(ctx context.Context, layer config.BaseLayer, tiles []geo.Tile, concurrency int, force bool) []geo.Tile {
	if concurrency <= 0 {
		concurrency = 1
	}

	jobs := make(chan geo.Tile, len(tiles))
	results := make(chan result, len(tiles))

	for _, t := range tiles {
		jobs <- t
	}
	close(jobs)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range jobs {
				if ctx.Err() != nil {
					results <- result{Tile: t}
					continue
				}

				_, err := f.Get(ctx, layer, t, force)
				if err != nil && !errors.Is(err, ErrNoTile) {
					log.Trace().
						Err(err).
						Str("url", BuildURL(layer.URL, t, layer.Subdomains)).
						Msg("Failed to download tile")
				}
				results <- result{Tile: t, Valid: err == nil}
			}
		}()
	}
	wg.Wait()
	close(results)

	var valid []geo.Tile
	for res := range results {
		if res.Valid {
			valid = append(valid, res.Tile)
		}
	}

	return valid
}
