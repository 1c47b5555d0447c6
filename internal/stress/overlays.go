package stress

import (
	"sync"

	"github.com/google/uuid"
)

// OverlayPrefix is the route serving overlay tiles.
const OverlayPrefix = "/overlay/"

// Registry maps opaque overlay tokens to platform map names, so that the
// tile route only serves maps this server created.
type Registry struct {
	maps map[string]string
	mu   sync.RWMutex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{maps: make(map[string]string)}
}

// Register stores a map name and returns its token.
func (r *Registry) Register(mapName string) string {
	token := uuid.NewString()

	r.mu.Lock()
	r.maps[token] = mapName
	r.mu.Unlock()

	return token
}

// Lookup returns the map name of a token.
func (r *Registry) Lookup(token string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.maps[token]
	return name, ok
}

// Release forgets a token. Unknown tokens are ignored.
func (r *Registry) Release(token string) {
	if token == "" {
		return
	}

	r.mu.Lock()
	delete(r.maps, token)
	r.mu.Unlock()
}

// Len returns the number of live overlays.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.maps)
}

// TileURL returns the XYZ template of an overlay token.
func TileURL(token string) string {
	return OverlayPrefix + token + "/{z}/{x}/{y}.webp"
}
