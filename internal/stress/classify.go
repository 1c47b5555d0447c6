// Package stress turns a selected coordinate into a vegetation stress map.
package stress

import "math"

// Thresholds of the vegetation index separating the stress classes.
const (
	SevereBelow   = 0.3
	ModerateBelow = 0.5
)

// Class is an ordinal stress level.
type Class int

// Stress classes, ordered from worst to best.
const (
	Severe   Class = 1
	Moderate Class = 2
	Healthy  Class = 3
)

func (c Class) String() string {
	switch c {
	case Severe:
		return "severe"
	case Moderate:
		return "moderate"
	case Healthy:
		return "healthy"
	default:
		return "unknown"
	}
}

// NormalizedDifference returns (nir - red) / (nir + red).
// It returns NaN when both bands are zero.
func NormalizedDifference(nir, red float64) float64 {
	sum := nir + red
	if sum == 0 {
		return math.NaN()
	}
	return (nir - red) / sum
}

// Classify buckets a vegetation index value. Values on a threshold belong to
// the higher class. NaN has no class and returns 0.
func Classify(index float64) Class {
	switch {
	case math.IsNaN(index):
		return 0
	case index < SevereBelow:
		return Severe
	case index < ModerateBelow:
		return Moderate
	default:
		return Healthy
	}
}

// LegendEntry describes one class for display.
type LegendEntry struct {
	Label string `json:"label"`
	Rule  string `json:"rule"`
	Color string `json:"color"`
	Class Class  `json:"class"`
}

// Palette maps classes 1..3 to colors, in class order.
var Palette = []string{"#FF0000", "#FFFF00", "#008000"}

// Legend returns the static legend of the stress map.
func Legend() []LegendEntry {
	return []LegendEntry{
		{Class: Severe, Label: "Severe Stress", Rule: "NDVI < 0.3", Color: Palette[0]},
		{Class: Moderate, Label: "Moderate Stress", Rule: "NDVI < 0.5", Color: Palette[1]},
		{Class: Healthy, Label: "Healthy", Rule: "NDVI >= 0.5", Color: Palette[2]},
	}
}
