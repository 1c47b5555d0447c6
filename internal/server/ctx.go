package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/woozymasta/cropstress/assets"
	"github.com/woozymasta/cropstress/internal/config"
	"github.com/woozymasta/cropstress/internal/geo"
	"github.com/woozymasta/cropstress/internal/stress"
	"github.com/woozymasta/cropstress/internal/tiles"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// PageTitle is the heading of the page.
const PageTitle = "Sentinel-2 Crop Stress Detection"

// DefaultSelectTimeout bounds one stress computation.
const DefaultSelectTimeout = 2 * time.Minute

// TileSource renders tiles of a remote map layer.
type TileSource interface {
	FetchTile(ctx context.Context, mapName string, t geo.Tile) ([]byte, error)
}

// ServerContext holds dependencies for request handlers.
type ServerContext struct {
	Config          *config.Config
	Runner          stress.Runner
	Overlays        *stress.Registry
	OverlayTiles    TileSource
	Fetcher         *tiles.Fetcher
	Sessions        *SessionStore
	Converter       tiles.Converter
	IndexHTML       []byte
	Favicon         []byte
	TransparentTile []byte
	SelectTimeout   time.Duration
	upgrader        websocket.Upgrader
}

// NewServerContext renders the page and wires the stress pipeline, the
// overlay registry and the base layer cache into one handler context.
func NewServerContext(cfg *config.Config, runner stress.Runner, source TileSource, fetcher *tiles.Fetcher) (*ServerContext, error) {
	log.Info().
		Int("base_layers", len(cfg.BaseLayers)).
		Str("project", cfg.Project).
		Msg("Initializing server context")

	index, err := assets.Render(assets.PageData{Title: PageTitle, Config: cfg})
	if err != nil {
		return nil, fmt.Errorf("render page: %w", err)
	}

	favicon, err := assets.Favicon()
	if err != nil {
		return nil, fmt.Errorf("render favicon: %w", err)
	}

	for _, l := range cfg.BaseLayers {
		log.Debug().
			Str("layer", l.Name).
			Bool("proxy", l.Proxy).
			Int("max_zoom", l.MaxZoom).
			Msg("Base layer registered")
	}

	overlays := stress.NewRegistry()

	s := &ServerContext{
		Config:          cfg,
		Runner:          runner,
		Overlays:        overlays,
		OverlayTiles:    source,
		Fetcher:         fetcher,
		Sessions:        NewSessionStore(runner, overlays, cfg.View.StressZoom),
		Converter:       tiles.Converter{TileSize: cfg.TileSize, Lossless: true},
		IndexHTML:       index,
		Favicon:         favicon,
		TransparentTile: tiles.Transparent(cfg.TileSize),
		SelectTimeout:   DefaultSelectTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}

	log.Info().Int("page_bytes", len(index)).Msg("Server context initialized successfully")

	return s, nil
}

// Routes registers all handlers on a new mux.
func (s *ServerContext) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/config", s.HandleConfig)
	mux.HandleFunc("/api/state", s.HandleState)
	mux.HandleFunc("/api/select", s.HandleSelect)
	mux.HandleFunc("/ws", s.HandleWS)
	mux.HandleFunc("/basemaps/", s.HandleBaseTile)
	mux.HandleFunc(stress.OverlayPrefix, s.HandleOverlayTile)
	mux.HandleFunc("/healthz", s.HandleHealth)
	mux.HandleFunc("/favicon.svg", s.HandleFavicon)
	mux.HandleFunc("/", s.HandleIndex)
	return mux
}
