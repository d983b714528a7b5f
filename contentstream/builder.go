package contentstream

import (
	"context"
	"fmt"
	"image"
	"strconv"

	"golang.org/x/image/draw"

	"github.com/wudi/pdfcore/coords"
	"github.com/wudi/pdfcore/document"
	"github.com/wudi/pdfcore/filters"
	"github.com/wudi/pdfcore/fonts"
	"github.com/wudi/pdfcore/guard"
	"github.com/wudi/pdfcore/ir/raw"
)

// Builder creates elements from scratch. It keeps a current graphics state
// that every new element copies; change it through State between calls.
// Building elements needs no lock. Methods that add objects to the
// document (Font, ImageXObject, AxialShading) need the write lock.
type Builder struct {
	doc *document.Document
	h   *guard.Holder

	gs    GraphicsState
	saved []GraphicsState
	path  []Segment
	clip  ClipRule
	pen   float64

	fonts    map[*fonts.Font]*Resource
	encoders map[*Resource]*fonts.Font
	count    int
}

func NewBuilder(doc *document.Document, h *guard.Holder) *Builder {
	return &Builder{
		doc:      doc,
		h:        h,
		gs:       DefaultState(),
		fonts:    make(map[*fonts.Font]*Resource),
		encoders: make(map[*Resource]*fonts.Font),
	}
}

// Reset returns to the default state and drops any unfinished path.
func (b *Builder) Reset() {
	b.gs = DefaultState()
	b.saved = nil
	b.path = nil
	b.clip = NoClip
}

// State is the state the next element is built with.
func (b *Builder) State() *GraphicsState { return &b.gs }

// Transform concatenates m to the current transformation, like cm.
func (b *Builder) Transform(m coords.Matrix) { b.gs.CTM = m.Multiply(b.gs.CTM) }

func (b *Builder) MoveTo(x, y float64) { b.segment(SegMoveTo, x, y) }
func (b *Builder) LineTo(x, y float64) { b.segment(SegLineTo, x, y) }

func (b *Builder) CurveTo(x1, y1, x2, y2, x3, y3 float64) {
	b.segment(SegCurveTo, x1, y1, x2, y2, x3, y3)
}

func (b *Builder) Rect(x, y, w, h float64) { b.segment(SegRect, x, y, w, h) }
func (b *Builder) ClosePath()              { b.segment(SegClose) }

// Clip makes the path under construction clip as well as paint.
func (b *Builder) Clip(rule ClipRule) { b.clip = rule }

func (b *Builder) segment(op SegmentOp, v ...float64) {
	seg := Segment{Op: op}
	for i := 0; i+1 < len(v); i += 2 {
		seg.Points = append(seg.Points, coords.Point{X: v[i], Y: v[i+1]})
	}
	b.path = append(b.path, seg)
}

// PathEnd finishes the path under construction.
func (b *Builder) PathEnd(p Paint) *Path {
	p.Clip = b.clip
	e := &Path{GS: b.gs.Clone(), Segments: b.path, Paint: p}
	b.path, b.clip = nil, NoClip
	return e
}

// Font embeds f once per builder and returns its resource.
func (b *Builder) Font(f *fonts.Font) (*Resource, error) {
	if res, ok := b.fonts[f]; ok {
		return res, nil
	}
	ref, err := f.Embed(b.h, b.doc)
	if err != nil {
		return nil, err
	}
	res, err := b.resource("Font", "F", ref)
	if err != nil {
		return nil, err
	}
	b.fonts[f] = res
	b.encoders[res] = f
	return res, nil
}

// SetFont selects a font resource and size for the following text.
func (b *Builder) SetFont(res *Resource, size float64) {
	b.gs.Text.Font, b.gs.Text.Size = res, size
}

func (b *Builder) resource(category, prefix string, ref raw.ObjectRef) (*Resource, error) {
	v, err := b.doc.Object(b.h, ref)
	if err != nil {
		return nil, err
	}
	b.count++
	return &Resource{
		Doc:      b.doc,
		Category: category,
		Name:     prefix + strconv.Itoa(b.count),
		Object:   raw.RefObj{R: ref},
		Value:    v,
	}, nil
}

// TextBegin opens a text object; the line matrix starts at identity.
func (b *Builder) TextBegin() *TextBegin {
	b.gs.Text.LineMatrix = coords.Identity()
	b.pen = 0
	return &TextBegin{GS: b.gs.Clone()}
}

// TextRun shows s in the current font. Fonts obtained from Font are encoded
// and kerned; for other fonts the bytes of s are shown as they are.
func (b *Builder) TextRun(s string) *Text {
	e := &Text{GS: b.gs.Clone(), Offset: b.pen}
	f, ok := b.encoders[b.gs.Text.Font]
	if !ok {
		e.Items = []TextItem{{Bytes: []byte(s)}}
		gw := widthsOf(b.gs.Text.Font.Dict(), func(o raw.Object) raw.Object { return o })
		e.Advance = advance(&e.GS.Text, e.Items, gw.width, gw.twoByte)
		b.pen += e.Advance
		return e
	}
	pieces := f.Kern(s)
	if len(pieces) == 1 {
		e.Items = []TextItem{{Bytes: pieces[0].Bytes}}
	} else {
		e.Array = true
		for _, p := range pieces {
			e.Items = append(e.Items, TextItem{Bytes: p.Bytes})
			if p.Adjust != 0 {
				e.Items = append(e.Items, TextItem{Adjust: p.Adjust, IsAdjust: true})
			}
		}
	}
	e.Advance = advance(&e.GS.Text, e.Items, func(code int) float64 { return f.CodeWidth(byte(code)) }, false)
	b.pen += e.Advance
	return e
}

// TextNewLine moves to the next line, offset by (tx, ty) from the start of
// the current one.
func (b *Builder) TextNewLine(tx, ty float64) *TextNewLine {
	e := &TextNewLine{GS: b.gs.Clone(), Tx: tx, Ty: ty}
	b.gs.Text.LineMatrix = coords.Translate(tx, ty).Multiply(b.gs.Text.LineMatrix)
	b.pen = 0
	return e
}

// SetTextMatrix positions the next line, like Tm.
func (b *Builder) SetTextMatrix(m coords.Matrix) {
	b.gs.Text.LineMatrix = m
	b.pen = 0
}

func (b *Builder) TextEnd() *TextEnd { return &TextEnd{GS: b.gs.Clone()} }

// Image paints an image XObject into the rectangle (x, y, w, h) of the
// current user space. The builder state is not changed.
func (b *Builder) Image(res *Resource, x, y, w, h float64) *Image {
	gs := b.gs.Clone()
	gs.CTM = coords.Matrix{w, 0, 0, h, x, y}.Multiply(gs.CTM)
	return &Image{GS: gs, XObject: res}
}

// ImageOptions control ImageXObject.
type ImageOptions struct {
	// MaxSize bounds the longer side in pixels; larger images are scaled
	// down. Zero keeps the size.
	MaxSize int
}

// ImageXObject stores img as an 8 bit image XObject, DeviceGray for gray
// images and DeviceRGB otherwise. Transparency becomes a soft mask.
func (b *Builder) ImageXObject(ctx context.Context, img image.Image, opts ImageOptions) (*Resource, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("contentstream: empty image")
	}
	if m := opts.MaxSize; m > 0 && (w > m || h > m) {
		if w >= h {
			w, h = m, max(1, h*m/w)
		} else {
			w, h = max(1, w*m/h), m
		}
		scaled := image.NewNRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), img, bounds, draw.Src, nil)
		img, bounds = scaled, scaled.Bounds()
	}

	var samples, alpha []byte
	space := "DeviceRGB"
	if gray, ok := img.(*image.Gray); ok {
		space = "DeviceGray"
		samples = make([]byte, 0, w*h)
		for y := 0; y < h; y++ {
			row := gray.Pix[y*gray.Stride : y*gray.Stride+w]
			samples = append(samples, row...)
		}
	} else {
		nrgba := image.NewNRGBA(image.Rect(0, 0, w, h))
		draw.Draw(nrgba, nrgba.Bounds(), img, bounds.Min, draw.Src)
		samples = make([]byte, 0, w*h*3)
		alpha = make([]byte, 0, w*h)
		opaque := true
		for i := 0; i < w*h; i++ {
			px := nrgba.Pix[i*4 : i*4+4]
			samples = append(samples, px[0], px[1], px[2])
			alpha = append(alpha, px[3])
			if px[3] != 0xff {
				opaque = false
			}
		}
		if opaque {
			alpha = nil
		}
	}

	dict, err := b.imageStream(ctx, w, h, space, samples)
	if err != nil {
		return nil, err
	}
	if alpha != nil {
		mask, err := b.imageStream(ctx, w, h, "DeviceGray", alpha)
		if err != nil {
			return nil, err
		}
		ref, err := b.doc.AddObject(b.h, mask)
		if err != nil {
			return nil, err
		}
		dict.Dict.Set("SMask", raw.RefObj{R: ref})
	}
	ref, err := b.doc.AddObject(b.h, dict)
	if err != nil {
		return nil, err
	}
	return b.resource("XObject", "Im", ref)
}

func (b *Builder) imageStream(ctx context.Context, w, h int, space string, samples []byte) (*raw.StreamObj, error) {
	data, err := filters.NewFlateEncoder(-1).Encode(ctx, samples)
	if err != nil {
		return nil, fmt.Errorf("compress image: %w", err)
	}
	d := raw.Dict()
	d.Set("Type", raw.NameLiteral("XObject"))
	d.Set("Subtype", raw.NameLiteral("Image"))
	d.Set("Width", raw.NumberInt(int64(w)))
	d.Set("Height", raw.NumberInt(int64(h)))
	d.Set("ColorSpace", raw.NameLiteral(space))
	d.Set("BitsPerComponent", raw.NumberInt(8))
	d.Set("Filter", raw.NameLiteral("FlateDecode"))
	return raw.NewStream(d, data), nil
}

// Form paints form with the current state.
func (b *Builder) Form(form *document.Form) (*Form, error) {
	res, err := b.resource("XObject", "Fm", form.Ref())
	if err != nil {
		return nil, err
	}
	return &Form{GS: b.gs.Clone(), XObject: res}, nil
}

// AxialShading adds a linear gradient from c0 at (x0, y0) to c1 at
// (x1, y1). Both colors must be in the same device space.
func (b *Builder) AxialShading(x0, y0, x1, y1 float64, c0, c1 Color) (*Resource, error) {
	if !c0.Space.equal(c1.Space) || c0.Space.Resource != nil {
		return nil, fmt.Errorf("contentstream: shading colors must share a device space")
	}
	fn := raw.Dict()
	fn.Set("FunctionType", raw.NumberInt(2))
	fn.Set("Domain", raw.NumberArray(0, 1))
	fn.Set("C0", raw.NumberArray(c0.Components...))
	fn.Set("C1", raw.NumberArray(c1.Components...))
	fn.Set("N", raw.NumberInt(1))
	sh := raw.Dict()
	sh.Set("ShadingType", raw.NumberInt(2))
	sh.Set("ColorSpace", raw.NameLiteral(c0.Space.Family))
	sh.Set("Coords", raw.NumberArray(x0, y0, x1, y1))
	sh.Set("Function", fn)
	sh.Set("Extend", raw.NewArray(raw.Bool(true), raw.Bool(true)))
	ref, err := b.doc.AddObject(b.h, sh)
	if err != nil {
		return nil, err
	}
	return b.resource("Shading", "Sh", ref)
}

// Shading paints res over the current clip.
func (b *Builder) Shading(res *Resource) *Shading {
	return &Shading{GS: b.gs.Clone(), Shading: res}
}

// GroupBegin saves the builder state; GroupEnd restores it.
func (b *Builder) GroupBegin() *GroupBegin {
	b.saved = append(b.saved, b.gs.Clone())
	return &GroupBegin{GS: b.gs.Clone()}
}

func (b *Builder) GroupEnd() *GroupEnd {
	if n := len(b.saved); n > 0 {
		b.gs = b.saved[n-1]
		b.saved = b.saved[:n-1]
	}
	return &GroupEnd{GS: b.gs.Clone()}
}

// MarkedContentBegin opens a marked-content sequence; props may be nil.
func (b *Builder) MarkedContentBegin(tag string, props *raw.DictObj) *MarkedContent {
	return &MarkedContent{GS: b.gs.Clone(), Tag: tag, Properties: props}
}

func (b *Builder) MarkedContentEnd() *MarkedContentEnd {
	return &MarkedContentEnd{GS: b.gs.Clone()}
}
