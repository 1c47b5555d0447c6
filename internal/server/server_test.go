package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/woozymasta/cropstress/internal/config"
	"github.com/woozymasta/cropstress/internal/earthengine"
	"github.com/woozymasta/cropstress/internal/geo"
	"github.com/woozymasta/cropstress/internal/stress"
	"github.com/woozymasta/cropstress/internal/tiles"

	"github.com/chai2010/webp"
	"github.com/gorilla/websocket"
)

const testMapName = "projects/test/maps/abc123"

type fakeRunner struct {
	err   error
	calls int
	mu    sync.Mutex
}

func (f *fakeRunner) Run(_ context.Context, c geo.Coordinate) (stress.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if err := c.Validate(); err != nil {
		return stress.Result{}, err
	}

	res := stress.Result{
		Query: stress.NewQuery(c, time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)),
		Bands: stress.NewBandSet([]string{"B4", "B8"}),
	}
	if f.err != nil {
		return res, f.err
	}
	res.Layer = earthengine.MapLayer{Name: testMapName}
	return res, nil
}

type fakeTiles struct {
	data []byte
	err  error
	seen []string
	mu   sync.Mutex
}

func (f *fakeTiles) FetchTile(_ context.Context, mapName string, _ geo.Tile) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, mapName)
	return f.data, f.err
}

func pngTile(t *testing.T, size int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for x := 0; x < size; x++ {
		for y := 0; y < size; y++ {
			img.Set(x, y, color.NRGBA{R: 255, A: 255})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func newTestServer(t *testing.T, runner stress.Runner, source TileSource) *ServerContext {
	t.Helper()

	cfg := config.Default()
	cfg.CacheDir = t.TempDir()
	cfg.Auth.ClientSecret = "very-secret"

	fetcher := &tiles.Fetcher{
		Client:    http.DefaultClient,
		Cache:     tiles.Cache{Dir: cfg.CacheDir},
		Converter: tiles.Converter{TileSize: cfg.TileSize},
	}

	s, err := NewServerContext(cfg, runner, source, fetcher)
	if err != nil {
		t.Fatalf("NewServerContext: %v", err)
	}
	return s
}

func do(t *testing.T, h http.Handler, method, target, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeState(t *testing.T, rec *httptest.ResponseRecorder) stress.ViewState {
	t.Helper()
	var st stress.ViewState
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode state %q: %v", rec.Body.String(), err)
	}
	return st
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookie {
			return c
		}
	}
	t.Fatal("session cookie not set")
	return nil
}

func TestHandleIndex(t *testing.T) {
	h := newTestServer(t, &fakeRunner{}, &fakeTiles{}).Routes()

	rec := do(t, h, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), PageTitle) {
		t.Error("page title missing")
	}
	if strings.Contains(rec.Body.String(), "very-secret") {
		t.Error("client secret leaked into page")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("If-None-Match", rec.Header().Get("ETag"))
	cached := httptest.NewRecorder()
	h.ServeHTTP(cached, req)
	if cached.Code != http.StatusNotModified {
		t.Errorf("expected 304, got %d", cached.Code)
	}

	if rec := do(t, h, http.MethodGet, "/missing.js", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandleConfig(t *testing.T) {
	h := newTestServer(t, &fakeRunner{}, &fakeTiles{}).Routes()

	rec := do(t, h, http.MethodGet, "/api/config", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}

	body := rec.Body.String()
	if strings.Contains(body, "very-secret") || strings.Contains(body, "ee-") {
		t.Errorf("config exposes credentials or project: %s", body)
	}

	var got struct {
		BaseLayers []config.BaseLayer `json:"base_layers"`
		View       config.View        `json:"view"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.BaseLayers) == 0 || got.View.StressZoom == 0 {
		t.Errorf("unexpected config %+v", got)
	}
}

func TestHandleFaviconAndHealth(t *testing.T) {
	h := newTestServer(t, &fakeRunner{}, &fakeTiles{}).Routes()

	rec := do(t, h, http.MethodGet, "/favicon.svg", "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/svg+xml" {
		t.Errorf("favicon: %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}

	rec = do(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("healthz: %d %s", rec.Code, rec.Body.String())
	}
}

func TestSelectRendersOverlay(t *testing.T) {
	source := &fakeTiles{data: pngTile(t, 256)}
	s := newTestServer(t, &fakeRunner{}, source)
	h := s.Routes()

	rec := do(t, h, http.MethodGet, "/api/state", "")
	if st := decodeState(t, rec); st.State != stress.StateNoSelection || st.Message != stress.PromptMessage {
		t.Fatalf("unexpected initial state %+v", st)
	}
	cookie := sessionCookie(t, rec)

	rec = do(t, h, http.MethodPost, "/api/select", `{"lat": 11.0168, "lon": 76.9558}`, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("select status %d: %s", rec.Code, rec.Body.String())
	}
	st := decodeState(t, rec)
	if st.State != stress.StateRendered {
		t.Fatalf("expected rendered state, got %+v", st)
	}
	if st.Overlay == nil || !strings.HasPrefix(st.Overlay.TileURL, stress.OverlayPrefix) {
		t.Fatalf("unexpected overlay %+v", st.Overlay)
	}
	if len(st.Legend) != 3 {
		t.Errorf("expected 3 legend entries, got %d", len(st.Legend))
	}

	// the same cookie sees the rendered state
	if got := decodeState(t, do(t, h, http.MethodGet, "/api/state", "", cookie)); got.Seq != st.Seq {
		t.Errorf("state not kept in session: %+v", got)
	}

	tileURL := strings.NewReplacer("{z}", "16", "{x}", "46385", "{y}", "30634").Replace(st.Overlay.TileURL)
	rec = do(t, h, http.MethodGet, tileURL, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("overlay tile status %d", rec.Code)
	}
	img, err := webp.Decode(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("overlay tile is not webp: %v", err)
	}
	if got := color.NRGBAModel.Convert(img.At(100, 100)).(color.NRGBA); got != (color.NRGBA{R: 255, A: 255}) {
		t.Errorf("overlay class color changed to %v", got)
	}
	if len(source.seen) != 1 || source.seen[0] != testMapName {
		t.Errorf("unexpected remote fetches %v", source.seen)
	}
}

func TestSelectErrors(t *testing.T) {
	s := newTestServer(t, &fakeRunner{}, &fakeTiles{})
	h := s.Routes()

	tests := []struct {
		name   string
		method string
		body   string
		code   int
	}{
		{"get", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"garbage", http.MethodPost, "not json", http.StatusBadRequest},
		{"missing lon", http.MethodPost, `{"lat": 1}`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, `{"lat": 1, "lon": 2, "x": 3}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, h, tt.method, "/api/select", tt.body); rec.Code != tt.code {
				t.Errorf("expected %d, got %d", tt.code, rec.Code)
			}
		})
	}

	rec := do(t, h, http.MethodPost, "/api/select", `{"lat": 95, "lon": 10}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("out of range coordinate: expected 400, got %d", rec.Code)
	}
	st := decodeState(t, rec)
	if st.State != stress.StateError || st.ErrorKind != stress.ErrorInvalidInput {
		t.Errorf("expected invalid input state, got %+v", st)
	}
}

func TestSelectMissingBands(t *testing.T) {
	runner := &fakeRunner{err: &stress.MissingBandsError{Missing: []string{"B8"}}}
	h := newTestServer(t, runner, &fakeTiles{}).Routes()

	st := decodeState(t, do(t, h, http.MethodPost, "/api/select", `{"lat": 11, "lon": 78}`))
	if st.State != stress.StateError || st.ErrorKind != stress.ErrorMissingBands {
		t.Fatalf("unexpected state %+v", st)
	}
	if st.Message != stress.MissingBandsNotice {
		t.Errorf("unexpected message %q", st.Message)
	}
	if st.Overlay != nil {
		t.Error("missing bands state carries an overlay")
	}
}

func TestOverlayTileErrors(t *testing.T) {
	source := &fakeTiles{err: errors.New("boom")}
	s := newTestServer(t, &fakeRunner{}, source)
	h := s.Routes()

	if rec := do(t, h, http.MethodGet, "/overlay/unknown/1/0/0.webp", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown token: expected 404, got %d", rec.Code)
	}

	token := s.Overlays.Register(testMapName)

	for _, path := range []string{
		"/overlay/" + token + "/1/0/0.png",
		"/overlay/" + token + "/1/5/0.webp",
		"/overlay/" + token + "/1/0",
	} {
		if rec := do(t, h, http.MethodGet, path, ""); rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, rec.Code)
		}
	}

	rec := do(t, h, http.MethodGet, "/overlay/"+token+"/1/0/0.webp", "")
	if rec.Code != http.StatusOK || !bytes.Equal(rec.Body.Bytes(), s.TransparentTile) {
		t.Errorf("remote failure should serve the transparent tile, got %d", rec.Code)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("failed tile must not be cached: %q", rec.Header().Get("Cache-Control"))
	}
}

func TestBaseTile(t *testing.T) {
	body := pngTile(t, 256)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/2/0/0.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	}))
	defer upstream.Close()

	s := newTestServer(t, &fakeRunner{}, &fakeTiles{})
	s.Config.BaseLayers[0].URL = upstream.URL + "/{z}/{x}/{y}.png"
	s.Config.BaseLayers[0].Proxy = true
	s.Config.BaseLayers[1].Proxy = false
	h := s.Routes()

	name := s.Config.BaseLayers[0].Name

	rec := do(t, h, http.MethodGet, "/basemaps/"+name+"/2/1/1.webp", "")
	if rec.Code != http.StatusOK || rec.Header().Get("ETag") == "" {
		t.Fatalf("tile: %d etag %q", rec.Code, rec.Header().Get("ETag"))
	}
	if _, err := webp.DecodeConfig(bytes.NewReader(rec.Body.Bytes())); err != nil {
		t.Errorf("tile is not webp: %v", err)
	}

	rec = do(t, h, http.MethodGet, "/basemaps/"+name+"/2/0/0.webp", "")
	if rec.Code != http.StatusOK || !bytes.Equal(rec.Body.Bytes(), s.TransparentTile) {
		t.Errorf("missing upstream tile should be transparent, got %d", rec.Code)
	}

	other := s.Config.BaseLayers[1].Name
	if rec := do(t, h, http.MethodGet, "/basemaps/"+other+"/2/1/1.webp", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unproxied layer: expected 404, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/basemaps/nope/2/1/1.webp", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown layer: expected 404, got %d", rec.Code)
	}
}

func TestParseTile(t *testing.T) {
	tests := []struct {
		z, x, y string
		want    geo.Tile
		ok      bool
	}{
		{"3", "2", "1.webp", geo.Tile{Z: 3, X: 2, Y: 1}, true},
		{"3", "2", "1.png", geo.Tile{}, false},
		{"3", "8", "1.webp", geo.Tile{}, false},
		{"a", "2", "1.webp", geo.Tile{}, false},
	}

	for _, tt := range tests {
		got, ok := parseTile(tt.z, tt.x, tt.y)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("parseTile(%s,%s,%s) = %v %v", tt.z, tt.x, tt.y, got, ok)
		}
	}
}

func TestWebsocketSelect(t *testing.T) {
	s := newTestServer(t, &fakeRunner{}, &fakeTiles{})
	srv := httptest.NewServer(RequestLogger(s.Routes()))
	defer srv.Close()

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	if len(resp.Cookies()) == 0 {
		t.Error("session cookie not set on upgrade")
	}

	read := func() serverMessage {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg serverMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		return msg
	}

	if msg := read(); msg.Type != MessageState || msg.State.State != stress.StateNoSelection {
		t.Fatalf("unexpected first message %+v", msg)
	}

	if err := conn.WriteJSON(map[string]any{"type": "select", "lat": 11.0, "lon": 78.0}); err != nil {
		t.Fatalf("write: %v", err)
	}

	if msg := read(); msg.State == nil || msg.State.State != stress.StateLoading {
		t.Fatalf("expected loading state, got %+v", msg)
	}
	msg := read()
	if msg.State == nil || msg.State.State != stress.StateRendered {
		t.Fatalf("expected rendered state, got %+v", msg)
	}
	if msg.State.Selected != "Selected Location: Latitude = 11.000000, Longitude = 78.000000" {
		t.Errorf("unexpected selection text %q", msg.State.Selected)
	}

	if err := conn.WriteJSON(map[string]any{"type": "bogus"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := read(); msg.Type != MessageError {
		t.Errorf("expected error message, got %+v", msg)
	}
}

func TestSessionStoreSweep(t *testing.T) {
	overlays := stress.NewRegistry()
	store := NewSessionStore(&fakeRunner{}, overlays, 16)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	id, sess, cookie := store.Get(req)
	if cookie == nil || cookie.Value != id {
		t.Fatal("new session did not return a cookie")
	}

	sess.Select(context.Background(), geo.Coordinate{Lat: 11, Lon: 78}, nil)
	if overlays.Len() != 1 {
		t.Fatalf("expected one overlay, got %d", overlays.Len())
	}

	req.AddCookie(cookie)
	if again, same, c := store.Get(req); again != id || same != sess || c != nil {
		t.Error("cookie did not resolve to the same session")
	}

	if n := store.Sweep(time.Hour); n != 0 {
		t.Errorf("fresh session swept")
	}
	if n := store.Sweep(-time.Minute); n != 1 {
		t.Errorf("expected one swept session, got %d", n)
	}
	if store.Len() != 0 || overlays.Len() != 0 {
		t.Errorf("sweep left %d sessions and %d overlays", store.Len(), overlays.Len())
	}

	bad := httptest.NewRequest(http.MethodGet, "/", nil)
	bad.AddCookie(&http.Cookie{Name: SessionCookie, Value: "not-a-uuid"})
	if _, _, c := store.Get(bad); c == nil {
		t.Error("malformed cookie accepted")
	}
}

func TestRequestLoggerStatus(t *testing.T) {
	h := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = io.WriteString(w, "tea")
	}))

	rec := do(t, h, http.MethodGet, "/", "")
	if rec.Code != http.StatusTeapot || rec.Body.String() != "tea" {
		t.Errorf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
}
