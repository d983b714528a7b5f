package contentstream

import (
	"slices"

	"github.com/wudi/pdfcore/coords"
	"github.com/wudi/pdfcore/document"
	"github.com/wudi/pdfcore/ir/raw"
)

// Resource is a named entry of a resource dictionary as seen from some
// content stream. Resources are shared, read-only values: elements that
// use the same font or image point to the same Resource.
type Resource struct {
	Doc      *document.Document
	Category string // Font, XObject, ExtGState, ColorSpace, Pattern, Shading, Properties
	Name     string
	Object   raw.Object // the dictionary value, usually a reference
	Value    raw.Object // Object resolved
}

// Dict returns the resolved value as a dictionary, looking through streams.
func (r *Resource) Dict() *raw.DictObj {
	if r == nil {
		return nil
	}
	switch v := r.Value.(type) {
	case *raw.DictObj:
		return v
	case *raw.StreamObj:
		return v.Dict
	}
	return nil
}

// sameResource reports whether a and b name the same object of the same
// document.
func sameResource(a, b *Resource) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil || a.Doc != b.Doc || a.Category != b.Category {
		return false
	}
	if _, ok := a.Object.(raw.RefObj); ok {
		return raw.SameObject(a.Object, b.Object)
	}
	return a.Name == b.Name && raw.SameObject(a.Object, b.Object)
}

// ColorSpace is a device family, Pattern, or a named resource.
type ColorSpace struct {
	Family   string // DeviceGray, DeviceRGB, DeviceCMYK, Pattern, or the family of Resource
	N        int    // components of a resource space; 0 when unknown
	Resource *Resource
}

var (
	DeviceGray = ColorSpace{Family: "DeviceGray"}
	DeviceRGB  = ColorSpace{Family: "DeviceRGB"}
	DeviceCMYK = ColorSpace{Family: "DeviceCMYK"}
)

func (cs ColorSpace) equal(o ColorSpace) bool {
	return cs.Family == o.Family && sameResource(cs.Resource, o.Resource)
}

// Components is the number of color components, 0 for colored patterns
// or unknown spaces.
func (cs ColorSpace) Components() int {
	switch cs.Family {
	case "DeviceGray", "CalGray", "Indexed", "Separation":
		return 1
	case "DeviceRGB", "CalRGB", "Lab":
		return 3
	case "DeviceCMYK":
		return 4
	}
	return cs.N
}

// initialColor is the color a space starts with after CS or cs.
func (cs ColorSpace) initialColor() Color {
	c := Color{Space: cs}
	switch cs.Family {
	case "DeviceCMYK":
		c.Components = []float64{0, 0, 0, 1}
	case "Lab", "DeviceRGB", "CalRGB":
		c.Components = []float64{0, 0, 0}
	case "Pattern":
	case "Separation", "DeviceN":
		c.Components = make([]float64, cs.Components())
		for i := range c.Components {
			c.Components[i] = 1
		}
	default:
		c.Components = make([]float64, max(cs.Components(), 1))
	}
	return c
}

// Color is a color value in a color space. Pattern colors name the
// pattern and, for uncolored patterns, carry components too.
type Color struct {
	Space      ColorSpace
	Components []float64
	Pattern    *Resource
}

// Gray, RGB and CMYK build device colors.
func Gray(g float64) Color         { return Color{Space: DeviceGray, Components: []float64{g}} }
func RGB(r, g, b float64) Color    { return Color{Space: DeviceRGB, Components: []float64{r, g, b}} }
func CMYK(c, m, y, k float64) Color { return Color{Space: DeviceCMYK, Components: []float64{c, m, y, k}} }

func (c Color) equal(o Color) bool {
	return c.Space.equal(o.Space) && slices.Equal(c.Components, o.Components) && sameResource(c.Pattern, o.Pattern)
}

func (c Color) clone() Color {
	c.Components = slices.Clone(c.Components)
	return c
}

// Dash is a line dash pattern.
type Dash struct {
	Array []float64
	Phase float64
}

func (d Dash) equal(o Dash) bool { return d.Phase == o.Phase && slices.Equal(d.Array, o.Array) }

// TextState holds the text parameters of the graphics state.
type TextState struct {
	Font            *Resource
	Size            float64
	CharSpacing     float64
	WordSpacing     float64
	HorizontalScale float64 // percent
	Leading         float64
	Rise            float64
	RenderMode      TextRenderMode

	// LineMatrix is the text line matrix: the start of the current line,
	// set by BT, Tm and the line moving operators.
	LineMatrix coords.Matrix
}

// GraphicsState is the state a content element is painted with.
type GraphicsState struct {
	CTM         coords.Matrix
	StrokeColor Color
	FillColor   Color

	LineWidth       float64
	LineCap         LineCap
	LineJoin        LineJoin
	MiterLimit      float64
	Dash            Dash
	RenderingIntent string
	Flatness        float64

	BlendMode   string
	StrokeAlpha float64
	FillAlpha   float64
	SoftMask    *Resource // nil for /None

	// ExtGState is the last parameter dictionary applied with gs. Its
	// modelled entries are already folded into the fields above.
	ExtGState *Resource

	Text TextState
}

// DefaultState returns the state at the start of a page.
func DefaultState() GraphicsState {
	return GraphicsState{
		CTM:             coords.Identity(),
		StrokeColor:     Gray(0),
		FillColor:       Gray(0),
		LineWidth:       1,
		MiterLimit:      10,
		RenderingIntent: "RelativeColorimetric",
		Flatness:        1,
		BlendMode:       "Normal",
		StrokeAlpha:     1,
		FillAlpha:       1,
		Text: TextState{
			HorizontalScale: 100,
			LineMatrix:      coords.Identity(),
		},
	}
}

// Clone returns a copy sharing no slices with gs.
func (gs GraphicsState) Clone() GraphicsState {
	gs.StrokeColor = gs.StrokeColor.clone()
	gs.FillColor = gs.FillColor.clone()
	gs.Dash.Array = slices.Clone(gs.Dash.Array)
	return gs
}

// applyExtGState folds the entries of a gs dictionary into gs. Reader and
// Writer share it so both agree on the state after a gs operator.
func (gs *GraphicsState) applyExtGState(res *Resource, resolve func(raw.Object) raw.Object) {
	gs.ExtGState = res
	d := res.Dict()
	if d == nil {
		return
	}
	num := func(key string) (float64, bool) {
		v, ok := d.Get(key)
		if !ok {
			return 0, false
		}
		return raw.Float(resolve(v))
	}
	if v, ok := num("LW"); ok {
		gs.LineWidth = v
	}
	if v, ok := num("LC"); ok {
		gs.LineCap = LineCap(v)
	}
	if v, ok := num("LJ"); ok {
		gs.LineJoin = LineJoin(v)
	}
	if v, ok := num("ML"); ok {
		gs.MiterLimit = v
	}
	if v, ok := num("FL"); ok {
		gs.Flatness = v
	}
	if v, ok := num("CA"); ok {
		gs.StrokeAlpha = v
	}
	if v, ok := num("ca"); ok {
		gs.FillAlpha = v
	}
	if name := raw.DictName(d, "RI"); name != "" {
		gs.RenderingIntent = name
	}
	if v, ok := d.Get("BM"); ok {
		switch bm := resolve(v).(type) {
		case raw.NameObj:
			gs.BlendMode = bm.Val
		case *raw.ArrayObj:
			if bm.Len() > 0 {
				if n, ok := bm.Items[0].(raw.NameObj); ok {
					gs.BlendMode = n.Val
				}
			}
		}
	}
	if v, ok := d.Get("D"); ok {
		if arr, ok := resolve(v).(*raw.ArrayObj); ok && arr.Len() == 2 {
			dash, _ := raw.Floats(resolve(arr.Items[0]))
			phase, _ := raw.Float(resolve(arr.Items[1]))
			gs.Dash = Dash{Array: dash, Phase: phase}
		}
	}
	if v, ok := d.Get("SMask"); ok {
		if n, isName := resolve(v).(raw.NameObj); isName && n.Val == "None" {
			gs.SoftMask = nil
		} else {
			gs.SoftMask = &Resource{Doc: res.Doc, Category: "SMask", Object: v, Value: resolve(v)}
		}
	}
	if v, ok := d.Get("Font"); ok {
		if arr, ok := resolve(v).(*raw.ArrayObj); ok && arr.Len() == 2 {
			gs.Text.Font = &Resource{Doc: res.Doc, Category: "Font", Object: arr.Items[0], Value: resolve(arr.Items[0])}
			gs.Text.Size, _ = raw.Float(resolve(arr.Items[1]))
		}
	}
}
