package stress

import (
	"github.com/woozymasta/cropstress/internal/geo"
)

// State is the phase of a page session.
type State string

// Session states.
const (
	StateNoSelection State = "no_selection"
	StateLoading     State = "loading"
	StateRendered    State = "rendered"
	StateError       State = "error"
)

// ErrorKind tells the page which message style to use in StateError.
type ErrorKind string

// Error kinds.
const (
	ErrorInvalidInput ErrorKind = "invalid_input"
	ErrorMissingBands ErrorKind = "missing_bands"
	ErrorPlatform     ErrorKind = "platform"
)

// Messages shown in the result panel.
const (
	PromptMessage  = "Select a location on the left map to show crop stress."
	LoadingMessage = "Computing crop stress for the selected location..."
	RenderMessage  = "NDVI Stress Zone (50m Buffer)"
)

// Overlay is the classified tile layer of a rendered state.
type Overlay struct {
	TileURL string  `json:"tile_url"`
	Name    string  `json:"name"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

// ViewState is an immutable snapshot of what the result panel shows.
type ViewState struct {
	Coordinate *geo.Coordinate `json:"coordinate,omitempty"`
	Overlay    *Overlay        `json:"overlay,omitempty"`
	DateRange  *DateRange      `json:"date_range,omitempty"`
	State      State           `json:"state"`
	Message    string          `json:"message"`
	Selected   string          `json:"selected,omitempty"`
	ErrorKind  ErrorKind       `json:"error_kind,omitempty"`
	Bands      []string        `json:"bands,omitempty"`
	Legend     []LegendEntry   `json:"legend,omitempty"`
	Seq        uint64          `json:"seq"`
	Zoom       int             `json:"zoom,omitempty"`
}

// NoSelection is the initial state.
func NoSelection() ViewState {
	return ViewState{State: StateNoSelection, Message: PromptMessage}
}

func selectedText(c geo.Coordinate) string {
	return "Selected Location: " + c.String()
}

func loadingState(seq uint64, c geo.Coordinate) ViewState {
	return ViewState{
		State:      StateLoading,
		Seq:        seq,
		Coordinate: &c,
		Selected:   selectedText(c),
		Message:    LoadingMessage,
	}
}

func errorState(seq uint64, c *geo.Coordinate, kind ErrorKind, msg string) ViewState {
	s := ViewState{
		State:     StateError,
		Seq:       seq,
		ErrorKind: kind,
		Message:   msg,
	}
	if c != nil {
		cc := *c
		s.Coordinate = &cc
		s.Selected = selectedText(cc)
	}
	return s
}
