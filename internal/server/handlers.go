// Package server handles HTTP requests and middleware.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/woozymasta/cropstress/internal/geo"
	"github.com/woozymasta/cropstress/internal/stress"
	"github.com/woozymasta/cropstress/internal/tiles"

	"github.com/rs/zerolog/log"
)

const (
	etagCap       = 64
	maxSelectBody = 4 << 10
)

// selectRequest is the body of POST /api/select and of websocket select
// messages. Pointers tell a missing field from a zero coordinate.
type selectRequest struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

func (r selectRequest) coordinate() (geo.Coordinate, error) {
	if r.Lat == nil || r.Lon == nil {
		return geo.Coordinate{}, errors.New("lat and lon are required")
	}
	return geo.Coordinate{Lat: *r.Lat, Lon: *r.Lon}, nil
}

// HandleConfig serves the page configuration without credentials.
func (s *ServerContext) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Config)
}

// HandleFavicon serves the site favicon.
func (s *ServerContext) HandleFavicon(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	_, _ = w.Write(s.Favicon)
}

// HandleIndex serves the main HTML application.
func (s *ServerContext) HandleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	etag := fmt.Sprintf(`"%x-%x"`, len(s.IndexHTML), crc32.ChecksumIEEE(s.IndexHTML))

	if match := r.Header.Get("If-None-Match"); match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, no-cache")
	_, _ = w.Write(s.IndexHTML)
}

// HandleHealth reports liveness.
func (s *ServerContext) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.Sessions.Len(),
		"overlays": s.Overlays.Len(),
	})
}

// HandleState serves the current view state of the caller's session.
func (s *ServerContext) HandleState(w http.ResponseWriter, r *http.Request) {
	_, sess, cookie := s.Sessions.Get(r)
	if cookie != nil {
		http.SetCookie(w, cookie)
	}
	writeJSON(w, http.StatusOK, sess.State())
}

// HandleSelect runs the stress pipeline for a selected point and returns the
// resulting view state.
func (s *ServerContext) HandleSelect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req selectRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSelectBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	c, err := req.coordinate()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, sess, cookie := s.Sessions.Get(r)
	if cookie != nil {
		http.SetCookie(w, cookie)
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.SelectTimeout)
	defer cancel()

	log.Info().Str("session", id).Float64("lat", c.Lat).Float64("lon", c.Lon).Msg("Point selected")

	st := sess.Select(ctx, c, nil)

	status := http.StatusOK
	if st.ErrorKind == stress.ErrorInvalidInput {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, st)
}

// HandleBaseTile serves proxied base layer tiles from the cache, fetching
// missing ones from upstream.
func (s *ServerContext) HandleBaseTile(w http.ResponseWriter, r *http.Request) {
	// Path: /basemaps/{layer}/{z}/{x}/{y}.webp
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 5 {
		http.NotFound(w, r)
		return
	}

	layer, ok := s.Config.Layer(parts[1])
	if !ok || !layer.Proxy {
		http.NotFound(w, r)
		return
	}

	t, ok := parseTile(parts[2], parts[3], parts[4])
	if !ok {
		http.NotFound(w, r)
		return
	}

	path, err := s.Fetcher.Get(r.Context(), layer, t, false)
	if err != nil {
		if errors.Is(err, tiles.ErrNoTile) {
			s.writeTransparent(w, "public, max-age=3600")
			return
		}
		log.Warn().Err(err).Str("layer", layer.Name).Int("z", t.Z).Int("x", t.X).Int("y", t.Y).Msg("Base tile fetch failed")
		s.writeTransparent(w, "no-store")
		return
	}

	if !s.serveFile(w, r, path, "image/webp") {
		s.writeTransparent(w, "no-store")
	}
}

// HandleOverlayTile serves a tile of a rendered stress map. Remote tiles need
// the server credentials, so they are fetched here and re-encoded as WebP.
func (s *ServerContext) HandleOverlayTile(w http.ResponseWriter, r *http.Request) {
	// Path: /overlay/{token}/{z}/{x}/{y}.webp
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 5 {
		http.NotFound(w, r)
		return
	}

	mapName, ok := s.Overlays.Lookup(parts[1])
	if !ok {
		http.NotFound(w, r)
		return
	}

	t, ok := parseTile(parts[2], parts[3], parts[4])
	if !ok || t.Z > s.Config.ZoomLimit {
		http.NotFound(w, r)
		return
	}

	data, err := s.OverlayTiles.FetchTile(r.Context(), mapName, t)
	if err != nil {
		log.Warn().Err(err).Str("map", mapName).Int("z", t.Z).Int("x", t.X).Int("y", t.Y).Msg("Overlay tile fetch failed")
		s.writeTransparent(w, "no-store")
		return
	}

	webpData, err := s.Converter.Convert(data)
	if err != nil {
		if !errors.Is(err, tiles.ErrNoTile) {
			log.Warn().Err(err).Str("map", mapName).Msg("Overlay tile conversion failed")
		}
		s.writeTransparent(w, "private, max-age=3600")
		return
	}

	w.Header().Set("Content-Type", "image/webp")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	_, _ = w.Write(webpData)
}

func (s *ServerContext) writeTransparent(w http.ResponseWriter, cacheControl string) {
	w.Header().Set("Content-Type", "image/webp")
	w.Header().Set("Cache-Control", cacheControl)
	_, _ = w.Write(s.TransparentTile)
}

// parseTile parses z, x and "y.webp" path segments.
func parseTile(zs, xs, ys string) (geo.Tile, bool) {
	ys, ok := strings.CutSuffix(ys, ".webp")
	if !ok {
		return geo.Tile{}, false
	}

	z, errZ := strconv.Atoi(zs)
	x, errX := strconv.Atoi(xs)
	y, errY := strconv.Atoi(ys)
	if errZ != nil || errX != nil || errY != nil {
		return geo.Tile{}, false
	}

	t := geo.Tile{Z: z, X: x, Y: y}
	return t, t.Valid()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	// Ignoring error as we cannot handle client disconnects
	_ = json.NewEncoder(w).Encode(v)
}

// serveFile tries to serve a file from disk with ETag generation.
// It returns true if the file was found and served (or 304).
func (s *ServerContext) serveFile(w http.ResponseWriter, r *http.Request, path string, contentType string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if info.IsDir() {
		return false
	}

	buf := make([]byte, 0, etagCap)
	buf = append(buf, '"')
	buf = strconv.AppendInt(buf, info.Size(), 16)
	buf = append(buf, '-')
	buf = strconv.AppendInt(buf, info.ModTime().UnixNano(), 16)
	buf = append(buf, '"')
	etag := string(buf)

	// check If-None-Match (client sent ETag)
	if match := r.Header.Get("If-None-Match"); match == etag {
		w.WriteHeader(http.StatusNotModified)
		return true
	}

	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, no-cache")

	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}

	http.ServeFile(w, r, path)
	return true
}
