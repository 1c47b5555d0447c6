// Package config handles configuration loading and shared data structures.
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Defaults used when the configuration file leaves a value empty.
const (
	DefaultEndpoint   = "https://earthengine.googleapis.com"
	DefaultProject    = "ee-rrrtechie"
	DefaultZoom       = 8
	DefaultStressZoom = 16
	DefaultZoomLimit  = 19
	DefaultTileSize   = 256
	DefaultCacheDir   = "cache"
)

// DefaultCenter is the [Lat, Lon] view center used when the file has none.
var DefaultCenter = [2]float64{11.0, 78.0}

var layerNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Config represents the root configuration file structure.
type Config struct {
	Auth        Auth        `yaml:"auth" json:"-"`
	Project     string      `yaml:"project" json:"-"`
	Attribution string      `yaml:"attribution,omitempty" json:"attribution,omitempty"`
	CacheDir    string      `yaml:"cache_dir,omitempty" json:"-"`
	BaseLayers  []BaseLayer `yaml:"base_layers" json:"base_layers"`
	View        View        `yaml:"view" json:"view"`
	ZoomLimit   int         `yaml:"zoom,omitempty" json:"zoom"`
	TileSize    int         `yaml:"tile_size,omitempty" json:"tile_size"`
}

// Auth describes how the server obtains platform credentials.
type Auth struct {
	// Credentials is a service account or authorized user JSON file.
	// Application default credentials are used when empty.
	Credentials  string `yaml:"credentials,omitempty"`
	TokenFile    string `yaml:"token_file,omitempty"`
	ClientID     string `yaml:"client_id,omitempty"`
	ClientSecret string `yaml:"client_secret,omitempty"`
	Endpoint     string `yaml:"endpoint,omitempty"`
}

// View holds the fixed map positions of the page.
type View struct {
	Center     [2]float64 `yaml:"center" json:"center"` // [Lat, Lon]
	Zoom       int        `yaml:"zoom" json:"zoom"`
	StressZoom int        `yaml:"stress_zoom" json:"stress_zoom"`
}

// BaseLayer is a selectable background tile layer of the location picker.
type BaseLayer struct {
	Name        string   `yaml:"name" json:"name"`
	Title       string   `yaml:"title" json:"title"`
	URL         string   `yaml:"url" json:"-"`
	Attribution string   `yaml:"attribution,omitempty" json:"attribution,omitempty"`
	Subdomains  []string `yaml:"subdomains,omitempty" json:"subdomains,omitempty"`
	MaxZoom     int      `yaml:"max_zoom,omitempty" json:"max_zoom"`
	Proxy       bool     `yaml:"proxy,omitempty" json:"proxy"`
	Default     bool     `yaml:"default,omitempty" json:"default,omitempty"`

	// TileURL is the template handed to the page, either the upstream
	// template or the local cache route.
	TileURL string `yaml:"-" json:"tile_url"`
}

// DefaultBaseLayers returns the satellite and street map layers.
func DefaultBaseLayers() []BaseLayer {
	return []BaseLayer{
		{
			Name:        "satellite",
			Title:       "Google Satellite",
			URL:         "https://mt1.google.com/vt/lyrs=s&x={x}&y={y}&z={z}",
			Attribution: "Google Satellite",
			MaxZoom:     20,
			Default:     true,
		},
		{
			Name:        "osm",
			Title:       "OpenStreetMap",
			URL:         "https://tile.openstreetmap.org/{z}/{x}/{y}.png",
			Attribution: "&copy; OpenStreetMap contributors",
			MaxZoom:     19,
		},
	}
}

// Default returns a configuration usable without a file.
func Default() *Config {
	cfg := newConfig()
	cfg.applyDefaults()
	return cfg
}

// newConfig returns a Config holding the defaults that zero values cannot
// signal. A file value, [0, 0] included, overrides them when decoded on top.
func newConfig() *Config {
	return &Config{View: View{Center: DefaultCenter}}
}

// Load reads and parses the YAML configuration file from the specified path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := newConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks base layer names and view bounds.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.BaseLayers))
	for _, l := range c.BaseLayers {
		if !layerNameRe.MatchString(l.Name) {
			return fmt.Errorf("base layer name %q must match %s", l.Name, layerNameRe)
		}
		if seen[l.Name] {
			return fmt.Errorf("duplicate base layer %q", l.Name)
		}
		seen[l.Name] = true

		if l.URL == "" {
			return fmt.Errorf("base layer %q has no url", l.Name)
		}
	}

	if lat := c.View.Center[0]; lat < -90 || lat > 90 {
		return fmt.Errorf("view center latitude %f out of range", lat)
	}
	if lon := c.View.Center[1]; lon < -180 || lon > 180 {
		return fmt.Errorf("view center longitude %f out of range", lon)
	}

	return nil
}

// Layer returns the base layer with the given name.
func (c *Config) Layer(name string) (BaseLayer, bool) {
	for _, l := range c.BaseLayers {
		if l.Name == name {
			return l, true
		}
	}
	return BaseLayer{}, false
}

func (c *Config) applyDefaults() {
	if c.Project == "" {
		c.Project = DefaultProject
	}
	if c.Auth.Endpoint == "" {
		c.Auth.Endpoint = DefaultEndpoint
	}
	if c.CacheDir == "" {
		c.CacheDir = DefaultCacheDir
	}
	if c.ZoomLimit <= 0 {
		c.ZoomLimit = DefaultZoomLimit
	}
	if c.TileSize <= 0 {
		c.TileSize = DefaultTileSize
	}
	if c.View.Zoom <= 0 {
		c.View.Zoom = DefaultZoom
	}
	if c.View.StressZoom <= 0 {
		c.View.StressZoom = DefaultStressZoom
	}
	if len(c.BaseLayers) == 0 {
		c.BaseLayers = DefaultBaseLayers()
	}

	for i := range c.BaseLayers {
		l := &c.BaseLayers[i]
		if l.Title == "" {
			l.Title = l.Name
		}
		if l.Attribution == "" {
			l.Attribution = c.Attribution
		}
		if l.MaxZoom <= 0 || l.MaxZoom > c.ZoomLimit {
			l.MaxZoom = c.ZoomLimit
		}
		if l.Proxy {
			l.TileURL = "/basemaps/" + l.Name + "/{z}/{x}/{y}.webp"
		} else {
			l.TileURL = l.URL
		}
	}
}
