// Package geo handles coordinates, the analysed area and tile math.
package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
)

// BufferMeters is the radius of the buffer drawn around a selected point.
const BufferMeters = 50.0

// ErrInvalidCoordinate is returned for coordinates outside WGS84 ranges.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Coordinate is a point selected by the user.
type Coordinate struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// Validate checks that the coordinate is a finite WGS84 position.
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return fmt.Errorf("%w: not a finite number", ErrInvalidCoordinate)
	}
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("%w: latitude %f out of range [-90, 90]", ErrInvalidCoordinate, c.Lat)
	}
	if c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("%w: longitude %f out of range [-180, 180]", ErrInvalidCoordinate, c.Lon)
	}
	return nil
}

// Point returns the coordinate as an orb point (lon, lat).
func (c Coordinate) Point() orb.Point {
	return orb.Point{c.Lon, c.Lat}
}

// String formats the coordinate the way it is shown to the user.
func (c Coordinate) String() string {
	return fmt.Sprintf("Latitude = %.6f, Longitude = %.6f", c.Lat, c.Lon)
}

// AOI is the area of interest analysed for a coordinate: the bounding
// envelope of a fixed radius buffer around it.
type AOI struct {
	Center Coordinate
	Bound  orb.Bound
}

// NewAOI buffers the coordinate by BufferMeters and takes the envelope.
func NewAOI(c Coordinate) AOI {
	b := orbgeo.NewBoundAroundPoint(c.Point(), BufferMeters)

	// Near the antimeridian orb wraps one side into the other hemisphere;
	// unwrap so the envelope stays a single box around the center.
	if b.Min[0] > b.Max[0] {
		if c.Lon >= 0 {
			b.Max[0] += 360
		} else {
			b.Min[0] -= 360
		}
	}

	return AOI{
		Center: c,
		Bound:  b.Extend(c.Point()),
	}
}

// Contains reports whether the coordinate lies inside the area.
func (a AOI) Contains(c Coordinate) bool {
	return a.Bound.Contains(c.Point())
}

// Rectangle returns the envelope as west, south, east, north.
func (a AOI) Rectangle() [4]float64 {
	return [4]float64{a.Bound.Left(), a.Bound.Bottom(), a.Bound.Right(), a.Bound.Top()}
}

// Feature returns the area as a GeoJSON polygon feature.
func (a AOI) Feature() *geojson.Feature {
	f := geojson.NewFeature(a.Bound.ToPolygon())
	f.Properties["name"] = "aoi"
	f.Properties["buffer_m"] = BufferMeters
	return f
}

// FeatureCollection returns the area and its center point.
func (a AOI) FeatureCollection() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	fc.Append(a.Feature())

	p := geojson.NewFeature(a.Center.Point())
	p.Properties["name"] = "selected"
	fc.Append(p)

	return fc
}
