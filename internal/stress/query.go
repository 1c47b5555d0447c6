package stress

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/woozymasta/cropstress/internal/earthengine"
	"github.com/woozymasta/cropstress/internal/geo"
)

// Fixed query parameters.
const (
	Collection         = "COPERNICUS/S2_HARMONIZED"
	CloudProperty      = "CLOUDY_PIXEL_PERCENTAGE"
	CloudThreshold     = 20.0
	WindowDays         = 90
	NIRBand            = "B8"
	RedBand            = "B4"
	IndexBand          = "NDVI"
	ClassBand          = "StressLevel"
	MissingBandsNotice = "Sentinel-2 bands B8 and B4 are missing for this region/date."
)

// ErrMissingBands is matched by *MissingBandsError.
var ErrMissingBands = errors.New("required bands missing")

// MissingBandsError lists the bands absent from a composite.
type MissingBandsError struct {
	Missing []string
}

func (e *MissingBandsError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingBands, strings.Join(e.Missing, ", "))
}

// Is makes errors.Is(err, ErrMissingBands) hold.
func (e *MissingBandsError) Is(target error) bool {
	return target == ErrMissingBands
}

// DateRange is the acquisition window, Start inclusive and End exclusive.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// TrailingWindow returns [today - WindowDays, today] for the date of now.
func TrailingWindow(now time.Time) DateRange {
	y, m, d := now.Date()
	end := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return DateRange{
		Start: end.AddDate(0, 0, -WindowDays),
		End:   end,
	}
}

// BandSet is the typed list of bands present in a composite.
type BandSet struct {
	names map[string]struct{}
	order []string
}

// NewBandSet builds a set from band names.
func NewBandSet(names []string) BandSet {
	s := BandSet{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		if _, ok := s.names[n]; ok {
			continue
		}
		s.names[n] = struct{}{}
		s.order = append(s.order, n)
	}
	return s
}

// Has reports whether the band is present.
func (s BandSet) Has(name string) bool {
	_, ok := s.names[name]
	return ok
}

// Names returns the bands in platform order.
func (s BandSet) Names() []string {
	return append([]string(nil), s.order...)
}

// Require returns a *MissingBandsError when any of the bands is absent.
func (s BandSet) Require(names ...string) error {
	var missing []string
	for _, n := range names {
		if !s.Has(n) {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return &MissingBandsError{Missing: missing}
	}
	return nil
}

// Query is the imagery request assembled for one coordinate.
type Query struct {
	AOI   geo.AOI
	Dates DateRange
}

// NewQuery builds the request for a coordinate at the given time.
func NewQuery(c geo.Coordinate, now time.Time) Query {
	return Query{
		AOI:   geo.NewAOI(c),
		Dates: TrailingWindow(now),
	}
}

// Region returns the area of interest as a platform geometry.
func (q Query) Region() earthengine.Geometry {
	r := q.AOI.Rectangle()
	return earthengine.Rectangle(r[0], r[1], r[2], r[3])
}

// Composite returns the median of qualifying scenes clipped to the area.
func (q Query) Composite() earthengine.Image {
	region := q.Region()
	return earthengine.LoadCollection(Collection).
		Filter(earthengine.FilterBounds(region)).
		Filter(earthengine.FilterDate(q.Dates.Start, q.Dates.End)).
		Filter(earthengine.FilterLessThan(CloudProperty, CloudThreshold)).
		Median().
		Clip(region)
}

// BandNames returns the expression listing the composite bands.
func (q Query) BandNames() earthengine.Expression {
	return earthengine.NewExpression(q.Composite().BandNames())
}

// Index returns the vegetation index of the composite.
func (q Query) Index() earthengine.Image {
	return q.Composite().NormalizedDifference(NIRBand, RedBand).Rename(IndexBand)
}

// Classification returns the stress class image, computed on the platform as
// 1 + (index >= SevereBelow) + (index >= ModerateBelow), the same buckets as
// Classify.
func (q Query) Classification() earthengine.Expression {
	index := q.Index()
	classes := earthengine.ConstantImage(float64(Severe)).
		Add(index.GTE(SevereBelow)).
		Add(index.GTE(ModerateBelow)).
		Rename(ClassBand)
	return earthengine.NewExpression(classes.Node())
}

// Visualization renders classes 1..3 with Palette.
func Visualization() earthengine.Visualization {
	return earthengine.Visualization{
		Min:     float64(Severe),
		Max:     float64(Healthy),
		Palette: Palette,
	}
}
