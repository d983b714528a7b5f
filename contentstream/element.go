package contentstream

import (
	"fmt"

	"github.com/wudi/pdfcore/coords"
	"github.com/wudi/pdfcore/ir/raw"
)

// Kind identifies the variant of an Element.
type Kind int

const (
	KindPath Kind = iota
	KindTextBegin
	KindText
	KindTextNewLine
	KindTextEnd
	KindImage
	KindInlineImage
	KindForm
	KindShading
	KindGroupBegin
	KindGroupEnd
	KindMarkedContentBegin
	KindMarkedContentEnd
	KindMarkedContentPoint
)

var kindNames = [...]string{
	"path", "text-begin", "text", "text-newline", "text-end", "image",
	"inline-image", "form", "shading", "group-begin", "group-end",
	"marked-content-begin", "marked-content-end", "marked-content-point",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Element is one structured unit of a content stream together with the
// graphics state it is painted with. The set of variants is closed; switch
// on the concrete type or on Kind.
//
// Elements returned by a Reader belong to the caller and stay valid after
// the Reader advances. Resources they point to are shared with the
// document and must not be modified.
type Element interface {
	Kind() Kind
	State() *GraphicsState
	element()
}

// Path is a constructed path and the operator that paints it.
type Path struct {
	GS       GraphicsState
	Segments []Segment
	Paint    Paint
}

// TextBegin opens a text object (BT).
type TextBegin struct{ GS GraphicsState }

// TextEnd closes a text object (ET).
type TextEnd struct{ GS GraphicsState }

// Text shows strings (Tj, TJ, ' and "). Array is set for TJ, which may
// carry position adjustments between strings.
type Text struct {
	GS    GraphicsState
	Items []TextItem
	Array bool

	// Offset is where the run starts along the current line and Advance
	// how far it moves the pen, both in unscaled text space. They are
	// measured with the font widths and only feed Bounds; the Writer
	// ignores them.
	Offset, Advance float64
}

// TextNewLine moves to the start of the next line, offset from the start
// of the current one by (Tx, Ty). UseLeading marks T*, where the offset is
// (0, -Leading).
type TextNewLine struct {
	GS         GraphicsState
	Tx, Ty     float64
	UseLeading bool
}

// Image paints an image XObject into the unit square of its CTM.
type Image struct {
	GS      GraphicsState
	XObject *Resource
}

// InlineImage is an image embedded in the content stream (BI ID EI). Dict
// keeps the abbreviated keys as written; a named color space is resolved
// into ColorSpace.
type InlineImage struct {
	GS         GraphicsState
	Dict       *raw.DictObj
	Data       []byte
	ColorSpace *Resource
}

// Form paints a form XObject. A Reader can descend into it with FormBegin.
type Form struct {
	GS      GraphicsState
	XObject *Resource
}

// Shading paints a shading over the current clip (sh).
type Shading struct {
	GS      GraphicsState
	Shading *Resource
}

// GroupBegin saves the graphics state (q).
type GroupBegin struct{ GS GraphicsState }

// GroupEnd restores the graphics state saved by the matching GroupBegin (Q).
type GroupEnd struct{ GS GraphicsState }

// MarkedContent is a marked-content point or the start of a sequence. The
// optional property list is either inline (Properties) or a named resource
// (PropertiesRes).
type MarkedContent struct {
	GS            GraphicsState
	Tag           string
	Properties    *raw.DictObj
	PropertiesRes *Resource
	Point         bool // MP/DP rather than BMC/BDC
}

// MarkedContentEnd ends a marked-content sequence (EMC).
type MarkedContentEnd struct{ GS GraphicsState }

func (e *Path) Kind() Kind { return KindPath }
func (e *TextBegin) Kind() Kind { return KindTextBegin }
func (e *TextEnd) Kind() Kind { return KindTextEnd }
func (e *Text) Kind() Kind { return KindText }
func (e *TextNewLine) Kind() Kind { return KindTextNewLine }
func (e *Image) Kind() Kind { return KindImage }
func (e *InlineImage) Kind() Kind { return KindInlineImage }
func (e *Form) Kind() Kind { return KindForm }
func (e *Shading) Kind() Kind { return KindShading }
func (e *GroupBegin) Kind() Kind { return KindGroupBegin }
func (e *GroupEnd) Kind() Kind { return KindGroupEnd }
func (e *MarkedContentEnd) Kind() Kind { return KindMarkedContentEnd }

func (e *MarkedContent) Kind() Kind {
	if e.Point {
		return KindMarkedContentPoint
	}
	return KindMarkedContentBegin
}

func (e *Path) State() *GraphicsState             { return &e.GS }
func (e *TextBegin) State() *GraphicsState        { return &e.GS }
func (e *TextEnd) State() *GraphicsState          { return &e.GS }
func (e *Text) State() *GraphicsState             { return &e.GS }
func (e *TextNewLine) State() *GraphicsState      { return &e.GS }
func (e *Image) State() *GraphicsState            { return &e.GS }
func (e *InlineImage) State() *GraphicsState      { return &e.GS }
func (e *Form) State() *GraphicsState             { return &e.GS }
func (e *Shading) State() *GraphicsState          { return &e.GS }
func (e *GroupBegin) State() *GraphicsState       { return &e.GS }
func (e *GroupEnd) State() *GraphicsState         { return &e.GS }
func (e *MarkedContent) State() *GraphicsState    { return &e.GS }
func (e *MarkedContentEnd) State() *GraphicsState { return &e.GS }

func (*Path) element()             {}
func (*TextBegin) element()        {}
func (*TextEnd) element()          {}
func (*Text) element()             {}
func (*TextNewLine) element()      {}
func (*Image) element()            {}
func (*InlineImage) element()      {}
func (*Form) element()             {}
func (*Shading) element()          {}
func (*GroupBegin) element()       {}
func (*GroupEnd) element()         {}
func (*MarkedContent) element()    {}
func (*MarkedContentEnd) element() {}

// String returns the text of a Text element with adjustments dropped.
func (e *Text) String() string {
	var b []byte
	for _, it := range e.Items {
		if !it.IsAdjust {
			b = append(b, it.Bytes...)
		}
	}
	return string(b)
}

// xobjectSubtype is the /Subtype of an XObject resource.
func xobjectSubtype(res *Resource) string {
	return raw.DictName(res.Dict(), "Subtype")
}

// Size is the pixel size of the image.
func (e *Image) Size() (w, h int) {
	d := e.XObject.Dict()
	wv, _ := raw.DictInt(d, "Width")
	hv, _ := raw.DictInt(d, "Height")
	return int(wv), int(hv)
}

// Matrix maps form space into the user space of the painting state.
func (e *Form) Matrix() coords.Matrix {
	if v, ok := e.XObject.Dict().Get("Matrix"); ok {
		if m, ok := raw.Floats(v); ok && len(m) == 6 {
			return coords.Matrix{m[0], m[1], m[2], m[3], m[4], m[5]}
		}
	}
	return coords.Identity()
}

// BBox is the form bounding box in form space.
func (e *Form) BBox() coords.Rect {
	if v, ok := e.XObject.Dict().Get("BBox"); ok {
		if r, ok := raw.Floats(v); ok && len(r) == 4 {
			return coords.Rect{LLX: r[0], LLY: r[1], URX: r[2], URY: r[3]}.Normalize()
		}
	}
	return coords.Rect{}
}
