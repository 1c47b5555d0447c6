package stress

import (
	"context"
	"errors"
	"sync"

	"github.com/woozymasta/cropstress/internal/geo"

	"github.com/rs/zerolog/log"
)

// Session is the state machine of one page session. A point selection moves
// it to StateLoading and then to StateRendered or StateError. A newer
// selection supersedes an older one still running: the older result is
// discarded when it arrives.
type Session struct {
	runner     Runner
	overlays   *Registry
	state      ViewState
	settled    ViewState
	token      string
	stressZoom int
	seq        uint64
	mu         sync.Mutex
}

// NewSession returns a session in StateNoSelection.
func NewSession(runner Runner, overlays *Registry, stressZoom int) *Session {
	return &Session{
		runner:     runner,
		overlays:   overlays,
		stressZoom: stressZoom,
		state:      NoSelection(),
		settled:    NoSelection(),
	}
}

// State returns the current view state.
func (s *Session) State() ViewState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Select handles a "point selected" event. emit, when not nil, receives the
// loading state before the pipeline runs. The returned state is the one the
// session holds afterwards, which is a newer one if this selection was
// superseded while running. A run abandoned through ctx cancellation leaves
// the last settled state and its overlay in place.
func (s *Session) Select(ctx context.Context, c geo.Coordinate, emit func(ViewState)) ViewState {
	s.mu.Lock()
	s.seq++
	seq := s.seq

	if err := c.Validate(); err != nil {
		s.swapToken("")
		s.state = errorState(seq, nil, ErrorInvalidInput, err.Error())
		s.settled = s.state
		st := s.state
		s.mu.Unlock()
		return st
	}

	loading := loadingState(seq, c)
	s.state = loading
	s.mu.Unlock()

	if emit != nil {
		emit(loading)
	}

	res, err := s.runner.Run(ctx, c)

	s.mu.Lock()
	defer s.mu.Unlock()

	if seq != s.seq {
		log.Debug().Uint64("seq", seq).Uint64("current", s.seq).Msg("Discarding superseded stress result")
		return s.state
	}

	if errors.Is(err, context.Canceled) {
		log.Debug().Uint64("seq", seq).Float64("lat", c.Lat).Float64("lon", c.Lon).Msg("Stress computation abandoned")
		s.state = s.settled
		return s.state
	}

	s.state = s.finish(seq, c, res, err)
	s.settled = s.state
	return s.state
}

// Close releases the overlay held by the session.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.overlays.Release(s.token)
	s.token = ""
}

// finish builds the final state of a run. Caller holds s.mu.
func (s *Session) finish(seq uint64, c geo.Coordinate, res Result, err error) ViewState {
	switch {
	case errors.Is(err, ErrMissingBands):
		st := errorState(seq, &c, ErrorMissingBands, MissingBandsNotice)
		st.Bands = res.Bands.Names()
		st.DateRange = &res.Query.Dates
		s.swapToken("")
		return st

	case errors.Is(err, geo.ErrInvalidCoordinate):
		s.swapToken("")
		return errorState(seq, &c, ErrorInvalidInput, err.Error())

	case err != nil:
		s.swapToken("")
		log.Error().Err(err).Float64("lat", c.Lat).Float64("lon", c.Lon).Msg("Stress computation failed")
		return errorState(seq, &c, ErrorPlatform, "Earth Engine request failed: "+err.Error())
	}

	token := s.overlays.Register(res.Layer.Name)
	s.swapToken(token)

	dates := res.Query.Dates
	return ViewState{
		State:      StateRendered,
		Seq:        seq,
		Coordinate: &c,
		Selected:   selectedText(c),
		Message:    RenderMessage,
		Zoom:       s.stressZoom,
		DateRange:  &dates,
		Bands:      res.Bands.Names(),
		Legend:     Legend(),
		Overlay: &Overlay{
			Name:    "Crop Stress NDVI",
			TileURL: TileURL(token),
			Min:     float64(Severe),
			Max:     float64(Healthy),
		},
	}
}

func (s *Session) swapToken(token string) {
	s.overlays.Release(s.token)
	s.token = token
}
