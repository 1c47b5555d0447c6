package tiles

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/woozymasta/cropstress/internal/config"
	"github.com/woozymasta/cropstress/internal/geo"

	"github.com/chai2010/webp"
)

func pngTile(t *testing.T, size int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for x := 0; x < size; x++ {
		for y := 0; y < size; y++ {
			img.Set(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		tpl  string
		subs []string
		want string
	}{
		{"https://mt1.google.com/vt/lyrs=s&x={x}&y={y}&z={z}", nil, "https://mt1.google.com/vt/lyrs=s&x=3&y=5&z=4"},
		{"https://t/{z}/{x}/{tms_y}.png", nil, "https://t/4/3/10.png"},
		{"https://{s}.tile.osm.org/{z}/{x}/{y}.png", []string{"a", "b", "c"}, "https://c.tile.osm.org/4/3/5.png"},
		{"https://{s}.example/{z}", nil, "https://a.example/4"},
	}

	for _, tt := range tests {
		if got := BuildURL(tt.tpl, geo.Tile{Z: 4, X: 3, Y: 5}, tt.subs); got != tt.want {
			t.Errorf("BuildURL(%q) = %q, want %q", tt.tpl, got, tt.want)
		}
	}
}

func TestConvertScalesToTileSize(t *testing.T) {
	c := Converter{TileSize: 256}

	data, err := c.Convert(pngTile(t, 512, color.NRGBA{R: 255, A: 255}))
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}

	cfg, err := webp.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode webp: %v", err)
	}
	if cfg.Width != 256 || cfg.Height != 256 {
		t.Errorf("tile is %dx%d", cfg.Width, cfg.Height)
	}
}

func TestConvertRejects(t *testing.T) {
	c := Converter{}

	if _, err := c.Convert([]byte("not an image")); err == nil {
		t.Error("expected decode error")
	}
	if _, err := c.Convert(pngTile(t, 1, color.White)); !errors.Is(err, ErrNoTile) {
		t.Errorf("expected ErrNoTile for 1px tile, got %v", err)
	}
}

func TestTransparent(t *testing.T) {
	img, err := webp.Decode(bytes.NewReader(Transparent(256)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.Bounds().Dx() != 256 {
		t.Errorf("unexpected width %d", img.Bounds().Dx())
	}
	if _, _, _, a := img.At(10, 10).RGBA(); a != 0 {
		t.Errorf("pixel not transparent, alpha %d", a)
	}
}

func TestCacheStore(t *testing.T) {
	c := Cache{Dir: t.TempDir()}
	tile := geo.Tile{Z: 2, X: 1, Y: 3}

	if c.Has("sat", tile) {
		t.Fatal("empty cache reports tile")
	}
	if err := c.Store("sat", tile, []byte("data")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if !c.Has("sat", tile) {
		t.Fatal("stored tile missing")
	}

	data, err := os.ReadFile(c.Path("sat", tile))
	if err != nil || string(data) != "data" {
		t.Errorf("unexpected content %q (%v)", data, err)
	}
	if !strings.HasSuffix(c.Path("sat", tile), "basemaps/sat/2/1/3.webp") {
		t.Errorf("unexpected path %s", c.Path("sat", tile))
	}
}

func newUpstream(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	body := pngTile(t, 256, color.NRGBA{G: 128, A: 255})

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		if strings.HasPrefix(r.URL.Path, "/missing/") || r.URL.Path == "/1/1/1.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	}))
}

func TestFetcherGet(t *testing.T) {
	var hits int32
	srv := newUpstream(t, &hits)
	defer srv.Close()

	f := &Fetcher{Client: srv.Client(), Cache: Cache{Dir: t.TempDir()}, Converter: Converter{TileSize: 256}}
	layer := config.BaseLayer{Name: "sat", URL: srv.URL + "/{z}/{x}/{y}.png", MaxZoom: 19}
	tile := geo.Tile{Z: 1, X: 0, Y: 1}

	path, err := f.Get(context.Background(), layer, tile, false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("cached file missing: %v", err)
	}

	if _, err := f.Get(context.Background(), layer, tile, false); err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("expected cached tile to be reused, upstream hit %d times", atomic.LoadInt32(&hits))
	}

	if _, err := f.Get(context.Background(), layer, tile, true); err != nil {
		t.Fatalf("forced Get: %v", err)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("force did not refetch, upstream hit %d times", atomic.LoadInt32(&hits))
	}
}

func TestFetcherGetMissing(t *testing.T) {
	var hits int32
	srv := newUpstream(t, &hits)
	defer srv.Close()

	f := &Fetcher{Client: srv.Client(), Cache: Cache{Dir: t.TempDir()}}
	layer := config.BaseLayer{Name: "gone", URL: srv.URL + "/missing/{z}/{x}/{y}.png", MaxZoom: 19}

	if _, err := f.Get(context.Background(), layer, geo.Tile{Z: 1}, false); !errors.Is(err, ErrNoTile) {
		t.Errorf("expected ErrNoTile, got %v", err)
	}

	// beyond the layer zoom or outside the grid nothing is requested
	before := atomic.LoadInt32(&hits)
	if _, err := f.Get(context.Background(), layer, geo.Tile{Z: 20}, false); !errors.Is(err, ErrNoTile) {
		t.Errorf("expected ErrNoTile above max zoom, got %v", err)
	}
	if _, err := f.Get(context.Background(), layer, geo.Tile{Z: 1, X: 5}, false); !errors.Is(err, ErrNoTile) {
		t.Errorf("expected ErrNoTile outside grid, got %v", err)
	}
	if atomic.LoadInt32(&hits) != before {
		t.Error("upstream called for an invalid tile")
	}
}

func TestFetcherWarm(t *testing.T) {
	var hits int32
	srv := newUpstream(t, &hits)
	defer srv.Close()

	f := &Fetcher{Client: srv.Client(), Cache: Cache{Dir: t.TempDir()}}
	layer := config.BaseLayer{Name: "sat", URL: srv.URL + "/{z}/{x}/{y}.png", MaxZoom: 19}
	tiles := []geo.Tile{{Z: 1, X: 0, Y: 0}, {Z: 1, X: 0, Y: 1}, {Z: 1, X: 1, Y: 0}, {Z: 1, X: 1, Y: 1}}

	valid := f.Warm(context.Background(), layer, tiles, 3, false)
	if len(valid) != 3 {
		t.Errorf("expected 3 valid tiles, got %d", len(valid))
	}
	for _, tile := range valid {
		if tile == (geo.Tile{Z: 1, X: 1, Y: 1}) {
			t.Error("missing upstream tile reported valid")
		}
	}
}

func TestConvertLosslessKeepsPalette(t *testing.T) {
	palette := []color.NRGBA{
		{R: 0xFF, A: 0xFF},
		{R: 0xFF, G: 0xFF, A: 0xFF},
		{G: 0x80, A: 0xFF},
	}

	for _, size := range []int{256, 512} {
		block := 8 * size / 256
		src := image.NewNRGBA(image.Rect(0, 0, size, size))
		for x := 0; x < size; x++ {
			for y := 0; y < size; y++ {
				if y < size/8 {
					continue // transparent strip
				}
				src.SetNRGBA(x, y, palette[(x/block+y/block)%len(palette)])
			}
		}
		var in bytes.Buffer
		if err := png.Encode(&in, src); err != nil {
			t.Fatalf("encode png: %v", err)
		}

		data, err := Converter{TileSize: 256, Lossless: true}.Convert(in.Bytes())
		if err != nil {
			t.Fatalf("Convert %d: %v", size, err)
		}
		img, err := webp.Decode(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("decode webp: %v", err)
		}

		off := 0
		b := img.Bounds()
		for x := b.Min.X; x < b.Max.X; x++ {
			for y := b.Min.Y; y < b.Max.Y; y++ {
				got := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
				if y < 256/8 {
					if got.A != 0 {
						off++
					}
					continue
				}
				want := palette[(x/8+y/8)%len(palette)]
				if got != want {
					off++
				}
			}
		}
		if off > 0 {
			t.Errorf("source %dpx: %d pixels off palette", size, off)
		}
	}
}
