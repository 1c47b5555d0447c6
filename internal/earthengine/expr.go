package earthengine

import (
	"encoding/json"
	"time"
)

// Expression is a serialized computation graph as accepted by the REST API.
type Expression struct {
	Values map[string]*ValueNode `json:"values"`
	Result string                `json:"result"`
}

// ValueNode is one node of an expression graph. Exactly one field is set.
type ValueNode struct {
	FunctionInvocationValue *FunctionInvocation `json:"functionInvocationValue,omitempty"`
	ArrayValue              *ArrayValue         `json:"arrayValue,omitempty"`
	DictionaryValue         *DictionaryValue    `json:"dictionaryValue,omitempty"`
	ConstantValue           json.RawMessage     `json:"constantValue,omitempty"`
	ValueReference          string              `json:"valueReference,omitempty"`
}

// FunctionInvocation calls a platform algorithm with named arguments.
type FunctionInvocation struct {
	Arguments    map[string]*ValueNode `json:"arguments"`
	FunctionName string                `json:"functionName"`
}

// ArrayValue is a list of nodes.
type ArrayValue struct {
	Values []*ValueNode `json:"values"`
}

// DictionaryValue is a map of nodes.
type DictionaryValue struct {
	Values map[string]*ValueNode `json:"values"`
}

// NewExpression wraps a graph so that its root is the result.
func NewExpression(root *ValueNode) Expression {
	return Expression{
		Values: map[string]*ValueNode{"0": root},
		Result: "0",
	}
}

// Constant returns a node holding a JSON encodable constant.
func Constant(v any) *ValueNode {
	raw, err := json.Marshal(v)
	if err != nil {
		// only called with numbers, strings and slices of them
		panic(err)
	}
	return &ValueNode{ConstantValue: raw}
}

// Invoke returns a node calling the named algorithm.
func Invoke(name string, args map[string]*ValueNode) *ValueNode {
	if args == nil {
		args = map[string]*ValueNode{}
	}
	return &ValueNode{FunctionInvocationValue: &FunctionInvocation{FunctionName: name, Arguments: args}}
}

// Geometry is a geometry valued node.
type Geometry struct{ node *ValueNode }

// Rectangle builds a planar rectangle from west, south, east, north.
func Rectangle(west, south, east, north float64) Geometry {
	return Geometry{Invoke("GeometryConstructors.Rectangle", map[string]*ValueNode{
		"coordinates": Constant([]float64{west, south, east, north}),
		"geodesic":    Constant(false),
	})}
}

// Node returns the underlying graph node.
func (g Geometry) Node() *ValueNode { return g.node }

// Filter is a filter valued node.
type Filter struct{ node *ValueNode }

// FilterBounds keeps elements intersecting the geometry.
func FilterBounds(g Geometry) Filter {
	return Filter{Invoke("Filter.intersects", map[string]*ValueNode{
		"leftField":  Constant(".all"),
		"rightValue": g.node,
	})}
}

// FilterDate keeps images acquired in [start, end).
func FilterDate(start, end time.Time) Filter {
	dateRange := Invoke("DateRange", map[string]*ValueNode{
		"start": Invoke("Date", map[string]*ValueNode{"value": Constant(start.Format(time.DateOnly))}),
		"end":   Invoke("Date", map[string]*ValueNode{"value": Constant(end.Format(time.DateOnly))}),
	})
	return Filter{Invoke("Filter.dateRangeContains", map[string]*ValueNode{
		"leftValue":  dateRange,
		"rightField": Constant("system:time_start"),
	})}
}

// FilterLessThan keeps elements whose property is below the value.
func FilterLessThan(property string, value float64) Filter {
	return Filter{Invoke("Filter.lessThan", map[string]*ValueNode{
		"leftField":  Constant(property),
		"rightValue": Constant(value),
	})}
}

// ImageCollection is an image collection valued node.
type ImageCollection struct{ node *ValueNode }

// LoadCollection references a catalog collection by id.
func LoadCollection(id string) ImageCollection {
	return ImageCollection{Invoke("ImageCollection.load", map[string]*ValueNode{
		"id": Constant(id),
	})}
}

// Filter narrows the collection.
func (c ImageCollection) Filter(f Filter) ImageCollection {
	return ImageCollection{Invoke("Collection.filter", map[string]*ValueNode{
		"collection": c.node,
		"filter":     f.node,
	})}
}

// Median reduces the collection to the per-pixel median, keeping band names.
func (c ImageCollection) Median() Image {
	return Image{Invoke("reduce.median", map[string]*ValueNode{
		"collection": c.node,
	})}
}

// Image is an image valued node.
type Image struct{ node *ValueNode }

// ConstantImage returns an image with the value in every pixel.
func ConstantImage(v float64) Image {
	return Image{Invoke("Image.constant", map[string]*ValueNode{
		"value": Constant(v),
	})}
}

// Node returns the underlying graph node.
func (i Image) Node() *ValueNode { return i.node }

// Clip masks the image outside the geometry.
func (i Image) Clip(g Geometry) Image {
	return Image{Invoke("Image.clip", map[string]*ValueNode{
		"input":    i.node,
		"geometry": g.node,
	})}
}

// BandNames returns a node evaluating to the list of band names.
func (i Image) BandNames() *ValueNode {
	return Invoke("Image.bandNames", map[string]*ValueNode{
		"image": i.node,
	})
}

// NormalizedDifference computes (first - second) / (first + second).
func (i Image) NormalizedDifference(first, second string) Image {
	return Image{Invoke("Image.normalizedDifference", map[string]*ValueNode{
		"input":     i.node,
		"bandNames": Constant([]string{first, second}),
	})}
}

// Rename sets the band names.
func (i Image) Rename(names ...string) Image {
	return Image{Invoke("Image.rename", map[string]*ValueNode{
		"input": i.node,
		"names": Constant(names),
	})}
}

// GTE returns 1 where the image is greater than or equal to v, else 0.
func (i Image) GTE(v float64) Image {
	return Image{Invoke("Image.gte", map[string]*ValueNode{
		"image1": i.node,
		"image2": ConstantImage(v).node,
	})}
}

// Add sums two images band by band.
func (i Image) Add(o Image) Image {
	return Image{Invoke("Image.add", map[string]*ValueNode{
		"image1": i.node,
		"image2": o.node,
	})}
}
