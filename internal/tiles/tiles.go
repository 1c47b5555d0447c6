// Package tiles downloads, converts and caches map tiles as WebP.
package tiles

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/woozymasta/cropstress/internal/geo"

	"github.com/chai2010/webp"
	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrNoTile is returned when the source has no tile at the address.
var ErrNoTile = errors.New("tile not found")

const userAgent = "cropstress/1.0 (+https://github.com/woozymasta/cropstress)"

// Converter turns source images of any supported format into WebP tiles.
// Lossless keeps every pixel value, which palette overlays need.
type Converter struct {
	TileSize int
	Quality  float32
	Lossless bool
}

// Convert decodes the image, scales it to the tile size when needed and
// encodes it as WebP. Scaling uses nearest neighbour, so with Lossless set
// class colors stay exact.
func (c Converter) Convert(data []byte) ([]byte, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode failed: %w", err)
	}

	// Filter out empty/1px tiles often returned by map servers for OOB areas
	if img.Bounds().Dx() <= 1 {
		return nil, ErrNoTile
	}

	size := c.TileSize
	if size <= 0 {
		size = 256
	}
	if b := img.Bounds(); b.Dx() != size || b.Dy() != size {
		log.Trace().Str("format", format).Int("width", b.Dx()).Int("height", b.Dy()).Msg("Scaling tile")
		dst := image.NewNRGBA(image.Rect(0, 0, size, size))
		xdraw.NearestNeighbor.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
		img = dst
	}

	quality := c.Quality
	if quality <= 0 {
		quality = 80
	}

	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Lossless: c.Lossless, Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode webp: %w", err)
	}

	return buf.Bytes(), nil
}

// Transparent returns an empty WebP tile of the given size.
func Transparent(size int) []byte {
	if size <= 0 {
		size = 256
	}

	var buf bytes.Buffer
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	if err := webp.Encode(&buf, img, &webp.Options{Lossless: true}); err != nil {
		log.Error().Err(err).Msg("Failed to encode transparent tile")
		return nil
	}

	return buf.Bytes()
}

// BuildURL fills an XYZ template. {s} takes a subdomain chosen from the tile
// address so the same tile always hits the same host.
func BuildURL(tpl string, t geo.Tile, subdomains []string) string {
	s := strings.ReplaceAll(tpl, "{z}", strconv.Itoa(t.Z))
	s = strings.ReplaceAll(s, "{x}", strconv.Itoa(t.X))
	s = strings.ReplaceAll(s, "{y}", strconv.Itoa(t.Y))

	if strings.Contains(s, "{tms_y}") {
		s = strings.ReplaceAll(s, "{tms_y}", strconv.Itoa(t.TMSY()))
	}

	if strings.Contains(s, "{s}") {
		sub := "a"
		if len(subdomains) > 0 {
			sub = subdomains[(t.X+t.Y)%len(subdomains)]
		}
		s = strings.ReplaceAll(s, "{s}", sub)
	}

	return s
}

// Download fetches raw tile bytes. A 404 yields ErrNoTile.
func Download(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		log.Trace().Str("url", url).Msg("Tile not found (404)")
		return nil, ErrNoTile
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status code %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// Cache stores converted base layer tiles on disk.
type Cache struct {
	Dir string
}

// Path returns the file of a tile in a layer.
func (c Cache) Path(layer string, t geo.Tile) string {
	return filepath.Join(
		c.Dir,
		"basemaps",
		layer,
		strconv.Itoa(t.Z),
		strconv.Itoa(t.X),
		strconv.Itoa(t.Y)+".webp",
	)
}

// Has reports whether a non-empty cached tile exists.
func (c Cache) Has(layer string, t geo.Tile) bool {
	info, err := os.Stat(c.Path(layer, t))
	return err == nil && !info.IsDir() && info.Size() > 0
}

// Store writes a converted tile.
func (c Cache) Store(layer string, t geo.Tile, data []byte) error {
	outPath := c.Path(layer, t)
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return err
	}

	// readers never see partial tiles
	tmp, err := os.CreateTemp(filepath.Dir(outPath), ".tile-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), outPath)
}
