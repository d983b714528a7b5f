package contentstream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/wudi/pdfcore/coords"
	"github.com/wudi/pdfcore/document"
	"github.com/wudi/pdfcore/guard"
	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/observability"
	"github.com/wudi/pdfcore/pdferr"
	"github.com/wudi/pdfcore/scanner"
)

// maxOperands bounds the operand stack; longer runs are malformed.
const maxOperands = 1 << 14

// ReaderOptions configure a Reader.
type ReaderOptions struct {
	Logger observability.Logger
}

// Reader walks the content of a page or form one element at a time.
//
// A session starts with Begin and yields elements from Next until io.EOF.
// FormBegin descends into the form element Next returned last and End
// climbs back out; at the top level End finishes the session. The caller
// holds at least a read lock on the document for the whole session.
type Reader struct {
	log observability.Logger

	ctx     context.Context
	doc     *document.Document
	h       *guard.Holder
	frames  []*frame
	pending []Element
	last    Element
	widths  map[raw.ObjectRef]*glyphWidths
}

// frame is the parse position inside one content stream.
type frame struct {
	objs     *scanner.ObjectReader
	res      *raw.DictObj
	form     raw.ObjectRef
	gs       GraphicsState
	saved    []GraphicsState
	operands []raw.Object
	path     []Segment
	clip     ClipRule
	pen      float64 // text space offset from the line start
}

func NewReader(opts ReaderOptions) *Reader {
	return &Reader{log: observability.OrDefault(opts.Logger)}
}

// Begin starts reading c. A session already in progress is discarded.
func (r *Reader) Begin(ctx context.Context, h *guard.Holder, c document.Container) error {
	r.reset()
	doc := c.Document()
	data, err := doc.ContentData(ctx, h, c)
	if err != nil {
		return err
	}
	r.ctx, r.doc, r.h = ctx, doc, h
	r.widths = make(map[raw.ObjectRef]*glyphWidths)
	f := r.newFrame(data, c.Resources(), DefaultState())
	if form, ok := c.(*document.Form); ok {
		f.form = form.Ref()
	}
	r.frames = append(r.frames, f)
	return nil
}

func (r *Reader) reset() {
	r.ctx, r.doc, r.h = nil, nil, nil
	r.frames = nil
	r.pending = nil
	r.last = nil
	r.widths = nil
}

func (r *Reader) newFrame(data []byte, res *raw.DictObj, gs GraphicsState) *frame {
	s := scanner.NewBytes(data, scanner.Config{ContentStream: true})
	return &frame{objs: scanner.NewObjectReader(s), res: res, gs: gs}
}

// Depth is the number of open streams: 1 for the page or form passed to
// Begin, plus one per FormBegin. Zero outside a session.
func (r *Reader) Depth() int { return len(r.frames) }

func (r *Reader) active(op string) (*frame, error) {
	if len(r.frames) == 0 {
		return nil, pdferr.State(op, pdferr.ErrNotBegun)
	}
	if !r.doc.Guard().Holds(r.h) {
		return nil, pdferr.State(op, pdferr.ErrNotLocked)
	}
	return r.frames[len(r.frames)-1], nil
}

// Next returns the next element of the innermost stream, or io.EOF when
// that stream is exhausted.
func (r *Reader) Next() (Element, error) {
	f, err := r.active("read element")
	if err != nil {
		return nil, err
	}
	if len(r.pending) > 0 {
		e := r.pending[0]
		r.pending = r.pending[1:]
		r.last = e
		return e, nil
	}
	for {
		if err := r.ctx.Err(); err != nil {
			return nil, err
		}
		tok, err := f.objs.Next()
		if errors.Is(err, io.EOF) {
			r.last = nil
			return nil, io.EOF
		}
		if err != nil {
			return nil, pdferr.Format("read content", err)
		}
		if tok.Type != scanner.TokenKeyword {
			if tok.Type == scanner.TokenInlineImage {
				continue
			}
			obj, err := f.objs.ObjectFromToken(tok)
			if err != nil {
				return nil, pdferr.Format("read content", err)
			}
			if len(f.operands) >= maxOperands {
				return nil, pdferr.Format("read content", fmt.Errorf("more than %d operands", maxOperands))
			}
			f.operands = append(f.operands, obj)
			continue
		}
		elems, err := r.operator(f, tok.Str)
		f.operands = f.operands[:0]
		if err != nil {
			return nil, err
		}
		if len(elems) > 0 {
			r.pending = append(r.pending, elems[1:]...)
			r.last = elems[0]
			return elems[0], nil
		}
	}
}

// FormBegin descends into the form element returned by the last Next.
func (r *Reader) FormBegin() error {
	if _, err := r.active("enter form"); err != nil {
		return err
	}
	fe, ok := r.last.(*Form)
	if !ok {
		return pdferr.State("enter form", errors.New("last element is not a form"))
	}
	ref, ok := fe.XObject.Object.(raw.RefObj)
	if !ok {
		return pdferr.Format("enter form", errors.New("form XObject is not an indirect object"))
	}
	if max := r.doc.Limits().MaxFormDepth; max > 0 && len(r.frames) > max {
		return pdferr.Format("enter form", fmt.Errorf("forms nested deeper than %d", max))
	}
	for _, f := range r.frames {
		if f.form == ref.R {
			return pdferr.Format("enter form", fmt.Errorf("form %s paints itself", ref.R))
		}
	}
	form, err := r.doc.Form(r.h, ref.R)
	if err != nil {
		return err
	}
	data, err := r.doc.ContentData(r.ctx, r.h, form)
	if err != nil {
		return err
	}
	res := form.Resources()
	if res == nil {
		res = r.frames[len(r.frames)-1].res
	}
	gs := fe.GS.Clone()
	gs.CTM = form.Matrix().Multiply(gs.CTM)
	f := r.newFrame(data, res, gs)
	f.form = ref.R
	r.frames = append(r.frames, f)
	r.last = nil
	return nil
}

// End leaves the innermost form. At the top level it ends the session.
func (r *Reader) End() error {
	if len(r.frames) == 0 {
		return pdferr.State("end", pdferr.ErrNotBegun)
	}
	r.frames = r.frames[:len(r.frames)-1]
	r.pending = nil
	r.last = nil
	if len(r.frames) == 0 {
		r.reset()
	}
	return nil
}

func (r *Reader) resolve(o raw.Object) raw.Object {
	v, err := r.doc.Resolve(r.h, o)
	if err != nil {
		return o
	}
	return v
}

// lookup finds name in the category subdictionary of the frame resources.
func (r *Reader) lookup(f *frame, category, name string) *Resource {
	res := &Resource{Doc: r.doc, Category: category, Name: name}
	if f.res == nil {
		return res
	}
	v, ok := f.res.Get(category)
	if !ok {
		return res
	}
	cat, _ := r.resolve(v).(*raw.DictObj)
	if cat == nil {
		return res
	}
	if obj, ok := cat.Get(name); ok {
		res.Object = obj
		res.Value = r.resolve(obj)
	}
	return res
}

func (r *Reader) missing(res *Resource) bool {
	if res.Object != nil {
		return false
	}
	r.log.Warn("content references a missing resource",
		observability.String("category", res.Category),
		observability.String("name", res.Name))
	return true
}

func (f *frame) num(i int) (float64, bool) {
	if i >= len(f.operands) {
		return 0, false
	}
	return raw.Float(f.operands[i])
}

// nums returns the first n operands as numbers.
func (f *frame) nums(n int) ([]float64, bool) {
	if len(f.operands) < n {
		return nil, false
	}
	out := make([]float64, n)
	for i := range out {
		v, ok := raw.Float(f.operands[len(f.operands)-n+i])
		if !ok {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

func (f *frame) name(i int) (string, bool) {
	if i >= len(f.operands) {
		return "", false
	}
	n, ok := f.operands[i].(raw.NameObj)
	return n.Val, ok
}

func (f *frame) matrix() (coords.Matrix, bool) {
	v, ok := f.nums(6)
	if !ok {
		return coords.Matrix{}, false
	}
	return coords.Matrix{v[0], v[1], v[2], v[3], v[4], v[5]}, true
}

func (f *frame) points(n int) ([]coords.Point, bool) {
	v, ok := f.nums(2 * n)
	if !ok {
		return nil, false
	}
	pts := make([]coords.Point, n)
	for i := range pts {
		pts[i] = coords.Point{X: v[2*i], Y: v[2*i+1]}
	}
	return pts, true
}

// operator applies op to the frame state and returns the elements it
// produces, usually none or one.
func (r *Reader) operator(f *frame, op string) ([]Element, error) {
	bad := func() ([]Element, error) {
		r.log.Warn("skipping operator with bad operands",
			observability.String("op", op),
			observability.Int("operands", len(f.operands)))
		return nil, nil
	}
	gs := &f.gs
	switch op {
	case "q":
		f.saved = append(f.saved, gs.Clone())
		return []Element{&GroupBegin{GS: gs.Clone()}}, nil
	case "Q":
		if n := len(f.saved); n > 0 {
			f.gs = f.saved[n-1]
			f.saved = f.saved[:n-1]
		} else {
			r.log.Warn("unbalanced Q in content stream")
		}
		return []Element{&GroupEnd{GS: f.gs.Clone()}}, nil
	case "cm":
		m, ok := f.matrix()
		if !ok {
			return bad()
		}
		gs.CTM = m.Multiply(gs.CTM)

	case "w":
		v, ok := f.num(0)
		if !ok {
			return bad()
		}
		gs.LineWidth = v
	case "J":
		v, ok := f.num(0)
		if !ok {
			return bad()
		}
		gs.LineCap = LineCap(v)
	case "j":
		v, ok := f.num(0)
		if !ok {
			return bad()
		}
		gs.LineJoin = LineJoin(v)
	case "M":
		v, ok := f.num(0)
		if !ok {
			return bad()
		}
		gs.MiterLimit = v
	case "d":
		if len(f.operands) != 2 {
			return bad()
		}
		arr, _ := raw.Floats(f.operands[0])
		phase, _ := raw.Float(f.operands[1])
		gs.Dash = Dash{Array: arr, Phase: phase}
	case "ri":
		n, ok := f.name(0)
		if !ok {
			return bad()
		}
		gs.RenderingIntent = n
	case "i":
		v, ok := f.num(0)
		if !ok {
			return bad()
		}
		gs.Flatness = v
	case "gs":
		n, ok := f.name(0)
		if !ok {
			return bad()
		}
		res := r.lookup(f, "ExtGState", n)
		if r.missing(res) {
			return nil, nil
		}
		gs.applyExtGState(res, r.resolve)

	case "CS", "cs":
		n, ok := f.name(0)
		if !ok {
			return bad()
		}
		c := r.colorSpace(f, n).initialColor()
		if op == "CS" {
			gs.StrokeColor = c
		} else {
			gs.FillColor = c
		}
	case "SC", "SCN", "sc", "scn":
		target := &gs.FillColor
		if op == "SC" || op == "SCN" {
			target = &gs.StrokeColor
		}
		c := Color{Space: target.Space}
		for _, o := range f.operands {
			switch v := o.(type) {
			case raw.NumberObj:
				c.Components = append(c.Components, v.Float())
			case raw.NameObj:
				res := r.lookup(f, "Pattern", v.Val)
				if !r.missing(res) {
					c.Pattern = res
				}
			}
		}
		*target = c
	case "G", "g", "RG", "rg", "K", "k":
		space := map[string]ColorSpace{"G": DeviceGray, "g": DeviceGray, "RG": DeviceRGB, "rg": DeviceRGB, "K": DeviceCMYK, "k": DeviceCMYK}[op]
		v, ok := f.nums(space.Components())
		if !ok {
			return bad()
		}
		c := Color{Space: space, Components: v}
		if op == "G" || op == "RG" || op == "K" {
			gs.StrokeColor = c
		} else {
			gs.FillColor = c
		}

	case "BT":
		gs.Text.LineMatrix = coords.Identity()
		f.pen = 0
		return []Element{&TextBegin{GS: gs.Clone()}}, nil
	case "ET":
		return []Element{&TextEnd{GS: gs.Clone()}}, nil
	case "Tc", "Tw", "Tz", "TL", "Ts", "Tr":
		v, ok := f.num(0)
		if !ok {
			return bad()
		}
		switch op {
		case "Tc":
			gs.Text.CharSpacing = v
		case "Tw":
			gs.Text.WordSpacing = v
		case "Tz":
			gs.Text.HorizontalScale = v
		case "TL":
			gs.Text.Leading = v
		case "Ts":
			gs.Text.Rise = v
		case "Tr":
			gs.Text.RenderMode = TextRenderMode(v)
		}
	case "Tf":
		n, ok := f.name(0)
		size, ok2 := f.num(1)
		if !ok || !ok2 {
			return bad()
		}
		gs.Text.Font = r.lookup(f, "Font", n)
		gs.Text.Size = size
	case "Tm":
		m, ok := f.matrix()
		if !ok {
			return bad()
		}
		gs.Text.LineMatrix = m
		f.pen = 0
	case "Td", "TD":
		v, ok := f.nums(2)
		if !ok {
			return bad()
		}
		if op == "TD" {
			gs.Text.Leading = -v[1]
		}
		return []Element{r.newLine(f, v[0], v[1], false)}, nil
	case "T*":
		return []Element{r.newLine(f, 0, -gs.Text.Leading, true)}, nil
	case "Tj":
		if len(f.operands) != 1 {
			return bad()
		}
		s, ok := f.operands[0].(raw.StringObj)
		if !ok {
			return bad()
		}
		return []Element{r.showText(f, &Text{Items: []TextItem{{Bytes: s.Bytes}}})}, nil
	case "TJ":
		if len(f.operands) != 1 {
			return bad()
		}
		arr, ok := f.operands[0].(*raw.ArrayObj)
		if !ok {
			return bad()
		}
		t := &Text{Array: true}
		for _, it := range arr.Items {
			switch v := it.(type) {
			case raw.StringObj:
				t.Items = append(t.Items, TextItem{Bytes: v.Bytes})
			case raw.NumberObj:
				t.Items = append(t.Items, TextItem{Adjust: v.Float(), IsAdjust: true})
			}
		}
		return []Element{r.showText(f, t)}, nil
	case "'", "\"":
		var s raw.StringObj
		ok := len(f.operands) > 0
		if ok {
			s, ok = f.operands[len(f.operands)-1].(raw.StringObj)
		}
		if !ok {
			return bad()
		}
		if op == "\"" {
			aw, ok := f.num(0)
			ac, ok2 := f.num(1)
			if len(f.operands) != 3 || !ok || !ok2 {
				return bad()
			}
			gs.Text.WordSpacing, gs.Text.CharSpacing = aw, ac
		}
		nl := r.newLine(f, 0, -gs.Text.Leading, true)
		return []Element{nl, r.showText(f, &Text{Items: []TextItem{{Bytes: s.Bytes}}})}, nil

	case "m", "l", "c", "v", "y", "re", "h":
		var seg Segment
		switch op {
		case "m":
			seg.Op = SegMoveTo
		case "l":
			seg.Op = SegLineTo
		case "c":
			seg.Op = SegCurveTo
		case "v":
			seg.Op = SegCurveV
		case "y":
			seg.Op = SegCurveY
		case "re":
			seg.Op = SegRect
		case "h":
			seg.Op = SegClose
		}
		if n := seg.Op.operandCount(); n > 0 {
			pts, ok := f.points(n)
			if !ok {
				return bad()
			}
			seg.Points = pts
		}
		f.path = append(f.path, seg)
	case "W", "W*":
		f.clip = ClipNonZero
		if op == "W*" {
			f.clip = ClipEvenOdd
		}
	case "S", "s", "f", "F", "f*", "B", "B*", "b", "b*", "n":
		paint, _ := paintFor(op)
		paint.Clip = f.clip
		e := &Path{GS: gs.Clone(), Segments: f.path, Paint: paint}
		f.path, f.clip = nil, NoClip
		return []Element{e}, nil

	case "Do":
		n, ok := f.name(0)
		if !ok {
			return bad()
		}
		res := r.lookup(f, "XObject", n)
		if r.missing(res) {
			return nil, nil
		}
		switch xobjectSubtype(res) {
		case "Image":
			return []Element{&Image{GS: gs.Clone(), XObject: res}}, nil
		case "Form":
			return []Element{&Form{GS: gs.Clone(), XObject: res}}, nil
		}
		r.log.Debug("skipping XObject", observability.String("name", n), observability.String("subtype", xobjectSubtype(res)))
	case "sh":
		n, ok := f.name(0)
		if !ok {
			return bad()
		}
		res := r.lookup(f, "Shading", n)
		if r.missing(res) {
			return nil, nil
		}
		return []Element{&Shading{GS: gs.Clone(), Shading: res}}, nil
	case "BI":
		e, err := r.inlineImage(f)
		if err != nil {
			return nil, err
		}
		return []Element{e}, nil

	case "BMC", "MP", "BDC", "DP":
		tag, ok := f.name(0)
		if !ok {
			return bad()
		}
		e := &MarkedContent{GS: gs.Clone(), Tag: tag, Point: op == "MP" || op == "DP"}
		if op == "BDC" || op == "DP" {
			if len(f.operands) != 2 {
				return bad()
			}
			switch p := f.operands[1].(type) {
			case *raw.DictObj:
				e.Properties = p
			case raw.NameObj:
				e.PropertiesRes = r.lookup(f, "Properties", p.Val)
			}
		}
		return []Element{e}, nil
	case "EMC":
		return []Element{&MarkedContentEnd{GS: gs.Clone()}}, nil

	case "BX", "EX", "d0", "d1":
	default:
		r.log.Debug("ignoring unknown operator", observability.String("op", op))
	}
	return nil, nil
}

func (r *Reader) newLine(f *frame, tx, ty float64, leading bool) *TextNewLine {
	e := &TextNewLine{GS: f.gs.Clone(), Tx: tx, Ty: ty, UseLeading: leading}
	f.gs.Text.LineMatrix = coords.Translate(tx, ty).Multiply(f.gs.Text.LineMatrix)
	f.pen = 0
	return e
}

// showText snapshots the state into t and moves the pen past it.
func (r *Reader) showText(f *frame, t *Text) *Text {
	t.GS = f.gs.Clone()
	gw := r.fontWidths(f.gs.Text.Font)
	t.Offset = f.pen
	t.Advance = advance(&f.gs.Text, t.Items, gw.width, gw.twoByte)
	f.pen += t.Advance
	return t
}

func (r *Reader) fontWidths(font *Resource) *glyphWidths {
	if font == nil {
		return widthsOf(nil, r.resolve)
	}
	ref, isRef := font.Object.(raw.RefObj)
	if isRef {
		if gw, ok := r.widths[ref.R]; ok {
			return gw
		}
	}
	gw := widthsOf(font.Dict(), r.resolve)
	if isRef {
		r.widths[ref.R] = gw
	}
	return gw
}

var deviceSpaces = map[string]ColorSpace{
	"DeviceGray": DeviceGray, "G": DeviceGray,
	"DeviceRGB": DeviceRGB, "RGB": DeviceRGB,
	"DeviceCMYK": DeviceCMYK, "CMYK": DeviceCMYK,
	"Pattern": {Family: "Pattern"},
}

// colorSpace resolves the operand of CS/cs.
func (r *Reader) colorSpace(f *frame, name string) ColorSpace {
	if cs, ok := deviceSpaces[name]; ok {
		return cs
	}
	res := r.lookup(f, "ColorSpace", name)
	if r.missing(res) {
		return DeviceGray
	}
	cs := ColorSpace{Resource: res}
	switch v := res.Value.(type) {
	case raw.NameObj:
		cs.Family = v.Val
		if dev, ok := deviceSpaces[v.Val]; ok {
			cs.N = dev.Components()
		}
	case *raw.ArrayObj:
		if v.Len() > 0 {
			if n, ok := v.Items[0].(raw.NameObj); ok {
				cs.Family = n.Val
			}
		}
		cs.N = r.components(cs.Family, v)
	}
	return cs
}

func (r *Reader) components(family string, arr *raw.ArrayObj) int {
	if arr.Len() < 2 {
		return 0
	}
	switch family {
	case "ICCBased":
		if st, ok := r.resolve(arr.Items[1]).(*raw.StreamObj); ok {
			n, _ := raw.DictInt(st.Dict, "N")
			return int(n)
		}
	case "DeviceN":
		if names, ok := r.resolve(arr.Items[1]).(*raw.ArrayObj); ok {
			return names.Len()
		}
	case "Pattern":
		switch base := r.resolve(arr.Items[1]).(type) {
		case raw.NameObj:
			return deviceSpaces[base.Val].Components()
		case *raw.ArrayObj:
			if base.Len() > 0 {
				if n, ok := base.Items[0].(raw.NameObj); ok {
					return r.components(n.Val, base)
				}
			}
		}
	}
	return 0
}

// inlineImage reads the key/value pairs after BI up to the image data.
func (r *Reader) inlineImage(f *frame) (*InlineImage, error) {
	dict := raw.Dict()
	for {
		tok, err := f.objs.Next()
		if err != nil {
			return nil, pdferr.Format("read inline image", err)
		}
		if tok.Type == scanner.TokenInlineImage {
			e := &InlineImage{GS: f.gs.Clone(), Dict: dict, Data: tok.Bytes}
			for _, key := range []string{"CS", "ColorSpace"} {
				if n, ok := dict.Get(key); ok {
					if name, ok := n.(raw.NameObj); ok {
						if _, device := deviceSpaces[name.Val]; !device && name.Val != "I" && name.Val != "Indexed" {
							e.ColorSpace = r.lookup(f, "ColorSpace", name.Val)
						}
					}
				}
			}
			return e, nil
		}
		if tok.Type != scanner.TokenName {
			return nil, pdferr.Format("read inline image", fmt.Errorf("unexpected %s in image dictionary", tok.Type))
		}
		vt, err := f.objs.Next()
		if err != nil {
			return nil, pdferr.Format("read inline image", err)
		}
		val, err := f.objs.ObjectFromToken(vt)
		if err != nil {
			return nil, pdferr.Format("read inline image", err)
		}
		dict.Set(tok.Str, val)
	}
}
