package stress

import (
	"context"
	"fmt"
	"time"

	"github.com/woozymasta/cropstress/internal/earthengine"
	"github.com/woozymasta/cropstress/internal/geo"

	"github.com/rs/zerolog/log"
)

// Platform is the part of the imagery platform the pipeline needs.
// *earthengine.Client implements it.
type Platform interface {
	Compute(ctx context.Context, expr earthengine.Expression, out any) error
	CreateMap(ctx context.Context, expr earthengine.Expression, vis earthengine.Visualization) (earthengine.MapLayer, error)
}

// Runner computes a stress map for a coordinate.
type Runner interface {
	Run(ctx context.Context, c geo.Coordinate) (Result, error)
}

// Result is the outcome of one pipeline run. Layer is empty when the
// composite lacks the required bands.
type Result struct {
	Layer earthengine.MapLayer
	Bands BandSet
	Query Query
}

// Pipeline runs AOI, query, classification and map creation in order.
type Pipeline struct {
	platform Platform
	now      func() time.Time
}

// NewPipeline returns a pipeline using the wall clock.
func NewPipeline(p Platform) *Pipeline {
	return &Pipeline{platform: p, now: time.Now}
}

// WithClock replaces the clock used for the date window.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	return &Pipeline{platform: p.platform, now: now}
}

// Run executes the pipeline synchronously. A *MissingBandsError is returned
// together with the query and the bands found.
func (p *Pipeline) Run(ctx context.Context, c geo.Coordinate) (Result, error) {
	if err := c.Validate(); err != nil {
		return Result{}, err
	}

	res := Result{Query: NewQuery(c, p.now())}
	start := time.Now()

	var names []string
	if err := p.platform.Compute(ctx, res.Query.BandNames(), &names); err != nil {
		return res, fmt.Errorf("query composite bands: %w", err)
	}
	res.Bands = NewBandSet(names)

	if err := res.Bands.Require(NIRBand, RedBand); err != nil {
		log.Warn().
			Float64("lat", c.Lat).
			Float64("lon", c.Lon).
			Strs("bands", names).
			Msg("Composite lacks required bands")
		return res, err
	}

	layer, err := p.platform.CreateMap(ctx, res.Query.Classification(), Visualization())
	if err != nil {
		return res, fmt.Errorf("create stress map: %w", err)
	}
	res.Layer = layer

	log.Debug().
		Float64("lat", c.Lat).
		Float64("lon", c.Lon).
		Str("map", layer.Name).
		Dur("duration", time.Since(start)).
		Msg("Stress map computed")

	return res, nil
}
