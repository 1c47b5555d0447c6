package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/woozymasta/cropstress/internal/config"
	"github.com/woozymasta/cropstress/internal/geo"
	"github.com/woozymasta/cropstress/internal/logger"
	"github.com/woozymasta/cropstress/internal/tiles"

	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Logger logger.Logger `group:"Logger options"`

	ConfigFile  string   `short:"c" long:"config"      env:"CONFIG_FILE" description:"Path to configuration file" default:"config.yaml"`
	Limit       []string `short:"l" long:"limit"       env:"LIMIT_NAMES" description:"Limit processing to specific base layer names"`
	Concurrency int      `short:"p" long:"concurrency" env:"CONCURRENCY" description:"Concurrency" default:"16"`
	MinZoom     int      `long:"min-zoom"              env:"MIN_ZOOM"    description:"Lowest zoom to warm" default:"4"`
	MaxZoom     int      `short:"z" long:"max-zoom"    env:"MAX_ZOOM"    description:"Highest zoom to warm, view stress zoom when 0"`
	Radius      int      `short:"r" long:"radius"      env:"RADIUS"      description:"Tiles around the center on each side" default:"2"`
	Lat         *float64 `long:"lat"                   description:"Center latitude, view center when unset"`
	Lon         *float64 `long:"lon"                   description:"Center longitude, view center when unset"`
	Force       bool     `short:"f" long:"force"       description:"Force overwrite of existing files"`
	FastCheck   bool     `short:"F" long:"fast-check"  description:"Skip layers whose cache directory exists"`
}

func main() {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	opts.Logger.Setup()

	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	center := geo.Coordinate{Lat: cfg.View.Center[0], Lon: cfg.View.Center[1]}
	if opts.Lat != nil {
		center.Lat = *opts.Lat
	}
	if opts.Lon != nil {
		center.Lon = *opts.Lon
	}
	if err := center.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid center")
	}

	if opts.Concurrency <= 0 {
		opts.Concurrency = 16
	}
	if opts.MaxZoom <= 0 {
		opts.MaxZoom = cfg.View.StressZoom
	}
	if opts.MaxZoom > cfg.ZoomLimit {
		opts.MaxZoom = cfg.ZoomLimit
	}
	if opts.MinZoom < 0 || opts.MinZoom > opts.MaxZoom {
		log.Fatal().Int("min_zoom", opts.MinZoom).Int("max_zoom", opts.MaxZoom).Msg("Invalid zoom range")
	}

	client := &http.Client{
		Transport: &http.Transport{
			TLSNextProto:        make(map[string]func(string, *tls.Conn) http.RoundTripper),
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
		},
		Timeout: 15 * time.Second,
	}

	fetcher := &tiles.Fetcher{
		Client:    client,
		Cache:     tiles.Cache{Dir: cfg.CacheDir},
		Converter: tiles.Converter{TileSize: cfg.TileSize},
	}

	layers := selectLayers(cfg, opts.Limit)

	log.Info().
		Int("layers_total", len(cfg.BaseLayers)).
		Int("layers_queued", len(layers)).
		Str("center", center.String()).
		Int("min_zoom", opts.MinZoom).
		Int("max_zoom", opts.MaxZoom).
		Bool("fast_check", opts.FastCheck).
		Msg("Starting loader")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, layer := range layers {
		if opts.FastCheck && !opts.Force {
			if _, err := os.Stat(filepath.Join(cfg.CacheDir, "basemaps", layer.Name)); err == nil {
				log.Info().Str("layer", layer.Name).Msg("Cache exists, skipping layer")
				continue
			}
		}

		start := time.Now()
		maxZoom := min(opts.MaxZoom, layer.MaxZoom)
		total, valid := 0, 0

		for z := opts.MinZoom; z <= maxZoom; z++ {
			if ctx.Err() != nil {
				log.Warn().Msg("Loader interrupted")
				return
			}

			queue := geo.TilesAround(center, z, opts.Radius)
			done := fetcher.Warm(ctx, layer, queue, opts.Concurrency, opts.Force)
			total += len(queue)
			valid += len(done)

			log.Debug().
				Str("layer", layer.Name).
				Int("zoom", z).
				Int("tiles", len(queue)).
				Int("valid", len(done)).
				Msg("Zoom level processed")
		}

		log.Info().
			Str("layer", layer.Name).
			Int("tiles", total).
			Int("valid", valid).
			Dur("duration", time.Since(start)).
			Msg("Layer processed")
	}

	log.Info().Msg("Loader finished successfully")
}

// selectLayers returns the proxied base layers, limited to names when set.
func selectLayers(cfg *config.Config, names []string) []config.BaseLayer {
	var out []config.BaseLayer

	if len(names) == 0 {
		for _, l := range cfg.BaseLayers {
			if l.Proxy {
				out = append(out, l)
			}
		}
		return out
	}

	seen := make(map[string]bool)
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		l, ok := cfg.Layer(name)
		if !ok {
			log.Error().
				Str("name", name).
				Msg("Layer specified in --limit not found in configuration")
			continue
		}
		if !l.Proxy {
			log.Warn().Str("name", name).Msg("Layer is not proxied, tiles are warmed anyway")
		}
		out = append(out, l)
	}

	return out
}
