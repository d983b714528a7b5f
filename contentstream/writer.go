package contentstream

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/wudi/pdfcore/coords"
	"github.com/wudi/pdfcore/document"
	"github.com/wudi/pdfcore/guard"
	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/observability"
	"github.com/wudi/pdfcore/pdferr"
	"github.com/wudi/pdfcore/writer"
)

const (
	matrixEpsilon = 1e-9
	flushAfter    = 256
)

// WriterOptions configure a Writer.
type WriterOptions struct {
	// Compress flate encodes the stream written by End.
	Compress bool
	// Sources are lock holders on other documents whose elements are
	// written. Copying a resource out of a document needs one of them to
	// hold at least a read lock on it.
	Sources []*guard.Holder
	Logger  observability.Logger
}

// Writer serializes elements into the content of a page or form.
//
// The writer tracks the graphics state of the stream it produces and only
// emits the operators needed to move from that state to the state of each
// element. Resources of elements read elsewhere, including from other
// documents, are added to the target's resource dictionary; a name already
// bound to the same object is reused, otherwise a free name is picked.
type Writer struct {
	opts WriterOptions
	log  observability.Logger

	ctx       context.Context
	doc       *document.Document
	h         *guard.Holder
	target    document.Container
	placement document.Placement

	buf     bytes.Buffer
	pending []queued
	gs      GraphicsState
	saved   []GraphicsState
	inText  bool

	categories map[string]*raw.DictObj
	names      map[resourceKey]string
	synth      map[string]string
}

type queued struct {
	e      Element
	placed bool
}

// resourceKey identifies a resource object across documents. Indirect
// objects are keyed by reference, direct ones by their name.
type resourceKey struct {
	doc      *document.Document
	category string
	ref      raw.ObjectRef
	name     string
}

func NewWriter(opts WriterOptions) *Writer {
	return &Writer{opts: opts, log: observability.OrDefault(opts.Logger)}
}

// Begin opens a session on c. Replace discards the existing content when
// End is called, Underlay and Overlay keep it below or above the new
// content. The caller holds the write lock for the whole session.
func (w *Writer) Begin(ctx context.Context, h *guard.Holder, c document.Container, placement document.Placement) error {
	if w.doc != nil {
		return pdferr.State("begin write", pdferr.ErrAlreadyBegun)
	}
	doc := c.Document()
	if !doc.Guard().HoldsWrite(h) {
		return pdferr.State("begin write", pdferr.ErrNotLocked)
	}
	if _, err := doc.ResourceDict(h, c, ""); err != nil {
		return err
	}
	w.ctx, w.doc, w.h, w.target, w.placement = ctx, doc, h, c, placement
	w.buf.Reset()
	w.gs = DefaultState()
	w.categories = make(map[string]*raw.DictObj)
	w.names = make(map[resourceKey]string)
	w.synth = make(map[string]string)
	return nil
}

func (w *Writer) reset() {
	w.ctx, w.doc, w.h, w.target = nil, nil, nil, nil
	w.buf.Reset()
	w.pending = nil
	w.saved = nil
	w.inText = false
	w.categories, w.names, w.synth = nil, nil, nil
}

func (w *Writer) check(op string) error {
	if w.doc == nil {
		return pdferr.State(op, pdferr.ErrNotBegun)
	}
	if !w.doc.Guard().HoldsWrite(w.h) {
		return pdferr.State(op, pdferr.ErrNotLocked)
	}
	return nil
}

// WriteElement appends e. The stream state moves to e's state and stays
// there for the elements that follow.
func (w *Writer) WriteElement(e Element) error {
	return w.queue("write element", e, false)
}

// WritePlacedElement appends e inside q/Q, so its state does not carry
// over to later elements.
func (w *Writer) WritePlacedElement(e Element) error {
	return w.queue("write placed element", e, true)
}

func (w *Writer) queue(op string, e Element, placed bool) error {
	if err := w.check(op); err != nil {
		return err
	}
	if e == nil {
		return pdferr.State(op, fmt.Errorf("nil element"))
	}
	w.pending = append(w.pending, queued{e: e, placed: placed})
	if len(w.pending) >= flushAfter {
		return w.flush()
	}
	return nil
}

// WriteString appends raw content operators. Nothing is validated and the
// tracked state is not updated.
func (w *Writer) WriteString(s string) error {
	return w.WriteBuffer([]byte(s))
}

// WriteBuffer is WriteString for bytes.
func (w *Writer) WriteBuffer(b []byte) error {
	if err := w.check("write raw content"); err != nil {
		return err
	}
	if err := w.flush(); err != nil {
		return err
	}
	w.buf.Write(b)
	if n := len(b); n > 0 && !isSpace(b[n-1]) {
		w.buf.WriteByte('\n')
	}
	return nil
}

// Flush serializes the buffered elements without ending the session.
func (w *Writer) Flush() error {
	if err := w.check("flush"); err != nil {
		return err
	}
	return w.flush()
}

func (w *Writer) flush() error {
	for len(w.pending) > 0 {
		q := w.pending[0]
		w.pending = w.pending[1:]
		if q.placed {
			w.save()
		}
		if err := w.element(q.e); err != nil {
			w.pending = nil
			return err
		}
		if q.placed {
			if w.inText {
				w.emit("ET")
				w.inText = false
			}
			w.restore()
		}
	}
	return nil
}

// End writes the produced stream into the container and closes the
// session. Open text objects and groups are closed first.
func (w *Writer) End() error {
	if err := w.check("end write"); err != nil {
		return err
	}
	defer w.reset()
	if err := w.flush(); err != nil {
		return err
	}
	if w.inText {
		w.emit("ET")
	}
	for range w.saved {
		w.emit("Q")
	}
	data := w.buf.Bytes()
	if w.placement == document.Underlay && len(data) > 0 {
		data = append(append([]byte("q\n"), data...), "Q\n"...)
	}
	w.log.Debug("content written",
		observability.String("container", w.target.Ref().String()),
		observability.String("placement", w.placement.String()),
		observability.Int("bytes", len(data)))
	return w.doc.SetContent(w.ctx, w.h, w.target, w.placement, data, w.opts.Compress)
}

func (w *Writer) save() {
	w.emit("q")
	w.saved = append(w.saved, w.gs.Clone())
}

func (w *Writer) restore() {
	n := len(w.saved)
	if n == 0 {
		w.log.Warn("dropping unbalanced group end")
		return
	}
	w.emit("Q")
	w.gs = w.saved[n-1]
	w.saved = w.saved[:n-1]
}

func (w *Writer) element(e Element) error {
	switch e := e.(type) {
	case *GroupBegin:
		if w.inText {
			w.log.Warn("closing text object before q")
			w.emit("ET")
			w.inText = false
		}
		if err := w.setState(&e.GS, false); err != nil {
			return err
		}
		w.save()
	case *GroupEnd:
		if w.inText {
			w.emit("ET")
			w.inText = false
		}
		w.restore()
	case *TextBegin:
		if err := w.setState(&e.GS, false); err != nil {
			return err
		}
		if w.inText {
			w.emit("ET")
		}
		w.emit("BT")
		w.inText = true
		w.gs.Text.LineMatrix = coords.Identity()
	case *TextEnd:
		if w.inText {
			w.emit("ET")
			w.inText = false
		}
	case *Text:
		return w.text(e)
	case *TextNewLine:
		return w.newLine(e)
	case *Path:
		return w.path(e)
	case *Image:
		return w.paintXObject(&e.GS, e.XObject)
	case *Form:
		return w.paintXObject(&e.GS, e.XObject)
	case *Shading:
		if err := w.setState(&e.GS, false); err != nil {
			return err
		}
		name, err := w.resourceName(e.Shading)
		if err != nil {
			return err
		}
		w.emit("sh", raw.NameLiteral(name))
	case *InlineImage:
		return w.inlineImage(e)
	case *MarkedContent:
		return w.markedContent(e)
	case *MarkedContentEnd:
		w.emit("EMC")
	default:
		return fmt.Errorf("contentstream: unknown element %T", e)
	}
	return nil
}

func (w *Writer) text(e *Text) error {
	wrap := !w.inText
	gs := &e.GS
	if wrap {
		if err := w.setState(gs, false); err != nil {
			return err
		}
		w.emit("BT")
		w.inText = true
		w.gs.Text.LineMatrix = coords.Identity()
		if e.Offset != 0 {
			// A lone run starts a line of its own at its old pen position.
			shifted := e.GS
			shifted.Text.LineMatrix = coords.Translate(e.Offset, 0).Multiply(e.GS.Text.LineMatrix)
			gs = &shifted
		}
	}
	if err := w.setState(gs, true); err != nil {
		return err
	}
	if e.Array {
		arr := raw.NewArray()
		for _, it := range e.Items {
			if it.IsAdjust {
				arr.Append(num(it.Adjust))
			} else {
				arr.Append(raw.Str(it.Bytes))
			}
		}
		w.emit("TJ", arr)
	} else {
		var b []byte
		for _, it := range e.Items {
			b = append(b, it.Bytes...)
		}
		w.emit("Tj", raw.Str(b))
	}
	if wrap {
		w.emit("ET")
		w.inText = false
	}
	return nil
}

func (w *Writer) newLine(e *TextNewLine) error {
	if !w.inText {
		w.log.Warn("line move outside a text object")
		return nil
	}
	if err := w.setState(&e.GS, true); err != nil {
		return err
	}
	tx, ty := e.Tx, e.Ty
	if e.UseLeading {
		tx, ty = 0, -w.gs.Text.Leading
		w.emit("T*")
	} else {
		w.emit("Td", num(tx), num(ty))
	}
	w.gs.Text.LineMatrix = coords.Translate(tx, ty).Multiply(w.gs.Text.LineMatrix)
	return nil
}

func (w *Writer) path(e *Path) error {
	if err := w.setState(&e.GS, false); err != nil {
		return err
	}
	for _, seg := range e.Segments {
		args := make([]raw.Object, 0, 2*len(seg.Points))
		for _, p := range seg.Points {
			args = append(args, num(p.X), num(p.Y))
		}
		w.emit(seg.Op.String(), args...)
	}
	switch e.Paint.Clip {
	case ClipNonZero:
		w.emit("W")
	case ClipEvenOdd:
		w.emit("W*")
	}
	w.emit(e.Paint.operator())
	return nil
}

func (w *Writer) paintXObject(gs *GraphicsState, res *Resource) error {
	if err := w.setState(gs, false); err != nil {
		return err
	}
	name, err := w.resourceName(res)
	if err != nil {
		return err
	}
	w.emit("Do", raw.NameLiteral(name))
	return nil
}

func (w *Writer) inlineImage(e *InlineImage) error {
	if err := w.setState(&e.GS, false); err != nil {
		return err
	}
	w.buf.WriteString("BI")
	for _, key := range e.Dict.Keys() {
		v, _ := e.Dict.Get(key)
		if e.ColorSpace != nil && (key == "CS" || key == "ColorSpace") {
			name, err := w.resourceName(e.ColorSpace)
			if err != nil {
				return err
			}
			v = raw.NameLiteral(name)
		}
		w.buf.WriteByte(' ')
		writer.AppendObject(&w.buf, raw.NameLiteral(key))
		w.buf.WriteByte(' ')
		writer.AppendObject(&w.buf, v)
	}
	w.buf.WriteString(" ID ")
	w.buf.Write(e.Data)
	w.buf.WriteString("\nEI\n")
	return nil
}

func (w *Writer) markedContent(e *MarkedContent) error {
	tag := raw.NameLiteral(e.Tag)
	bare, withProps := "BMC", "BDC"
	if e.Point {
		bare, withProps = "MP", "DP"
	}
	switch {
	case e.Properties != nil:
		w.emit(withProps, tag, e.Properties)
	case e.PropertiesRes != nil:
		name, err := w.resourceName(e.PropertiesRes)
		if err != nil {
			return err
		}
		w.emit(withProps, tag, raw.NameLiteral(name))
	default:
		w.emit(bare, tag)
	}
	return nil
}

// setState emits the operators that take the stream state to gs. Text
// parameters and the line matrix are only considered when text is set.
func (w *Writer) setState(gs *GraphicsState, text bool) error {
	cur := &w.gs
	if !gs.CTM.Equal(cur.CTM, matrixEpsilon) {
		inv, err := cur.CTM.Inverse()
		if err != nil {
			w.log.Warn("current transformation is singular",
				observability.Error("error", err))
			inv = coords.Identity()
		}
		reopen := w.inText
		if reopen {
			w.emit("ET")
		}
		m := gs.CTM.Multiply(inv)
		w.emit("cm", num(m[0]), num(m[1]), num(m[2]), num(m[3]), num(m[4]), num(m[5]))
		cur.CTM = gs.CTM
		if reopen {
			w.emit("BT")
			cur.Text.LineMatrix = coords.Identity()
		}
	}

	if gs.ExtGState != nil && !sameResource(gs.ExtGState, cur.ExtGState) {
		name, err := w.resourceName(gs.ExtGState)
		if err != nil {
			return err
		}
		w.emit("gs", raw.NameLiteral(name))
		cur.applyExtGState(gs.ExtGState, w.resolver(gs.ExtGState.Doc))
	}

	if gs.LineWidth != cur.LineWidth {
		w.emit("w", num(gs.LineWidth))
		cur.LineWidth = gs.LineWidth
	}
	if gs.LineCap != cur.LineCap {
		w.emit("J", num(float64(gs.LineCap)))
		cur.LineCap = gs.LineCap
	}
	if gs.LineJoin != cur.LineJoin {
		w.emit("j", num(float64(gs.LineJoin)))
		cur.LineJoin = gs.LineJoin
	}
	if gs.MiterLimit != cur.MiterLimit {
		w.emit("M", num(gs.MiterLimit))
		cur.MiterLimit = gs.MiterLimit
	}
	if !gs.Dash.equal(cur.Dash) {
		arr := raw.NewArray()
		for _, v := range gs.Dash.Array {
			arr.Append(num(v))
		}
		w.emit("d", arr, num(gs.Dash.Phase))
		cur.Dash = Dash{Array: append([]float64(nil), gs.Dash.Array...), Phase: gs.Dash.Phase}
	}
	if gs.RenderingIntent != cur.RenderingIntent && gs.RenderingIntent != "" {
		w.emit("ri", raw.NameLiteral(gs.RenderingIntent))
		cur.RenderingIntent = gs.RenderingIntent
	}
	if gs.Flatness != cur.Flatness {
		w.emit("i", num(gs.Flatness))
		cur.Flatness = gs.Flatness
	}
	if err := w.setColor(gs.StrokeColor, true); err != nil {
		return err
	}
	if err := w.setColor(gs.FillColor, false); err != nil {
		return err
	}
	if gs.BlendMode != cur.BlendMode || gs.StrokeAlpha != cur.StrokeAlpha ||
		gs.FillAlpha != cur.FillAlpha || !sameResource(gs.SoftMask, cur.SoftMask) {
		if err := w.transparency(gs); err != nil {
			return err
		}
	}
	if text {
		if err := w.setTextState(&gs.Text); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) setTextState(ts *TextState) error {
	cur := &w.gs.Text
	if ts.Font != nil && (!sameResource(ts.Font, cur.Font) || ts.Size != cur.Size) {
		name, err := w.resourceName(ts.Font)
		if err != nil {
			return err
		}
		w.emit("Tf", raw.NameLiteral(name), num(ts.Size))
		cur.Font, cur.Size = ts.Font, ts.Size
	}
	params := []struct {
		op   string
		want float64
		have *float64
	}{
		{"Tc", ts.CharSpacing, &cur.CharSpacing},
		{"Tw", ts.WordSpacing, &cur.WordSpacing},
		{"Tz", ts.HorizontalScale, &cur.HorizontalScale},
		{"TL", ts.Leading, &cur.Leading},
		{"Ts", ts.Rise, &cur.Rise},
	}
	for _, p := range params {
		if p.want != *p.have {
			w.emit(p.op, num(p.want))
			*p.have = p.want
		}
	}
	if ts.RenderMode != cur.RenderMode {
		w.emit("Tr", num(float64(ts.RenderMode)))
		cur.RenderMode = ts.RenderMode
	}
	if w.inText && !ts.LineMatrix.Equal(cur.LineMatrix, matrixEpsilon) {
		m := ts.LineMatrix
		w.emit("Tm", num(m[0]), num(m[1]), num(m[2]), num(m[3]), num(m[4]), num(m[5]))
		cur.LineMatrix = m
	}
	return nil
}

var deviceColorOps = map[string][2]string{
	"DeviceGray": {"G", "g"},
	"DeviceRGB":  {"RG", "rg"},
	"DeviceCMYK": {"K", "k"},
}

func (w *Writer) setColor(c Color, stroke bool) error {
	cur := &w.gs.FillColor
	if stroke {
		cur = &w.gs.StrokeColor
	}
	if c.equal(*cur) {
		return nil
	}
	pick := func(ops [2]string) string {
		if stroke {
			return ops[0]
		}
		return ops[1]
	}
	args := make([]raw.Object, 0, len(c.Components)+1)
	for _, v := range c.Components {
		args = append(args, num(v))
	}
	if ops, ok := deviceColorOps[c.Space.Family]; ok && c.Space.Resource == nil {
		w.emit(pick(ops), args...)
		*cur = c.clone()
		return nil
	}
	if !c.Space.equal(cur.Space) {
		name := c.Space.Family
		if c.Space.Resource != nil {
			n, err := w.resourceName(c.Space.Resource)
			if err != nil {
				return err
			}
			name = n
		}
		w.emit(pick([2]string{"CS", "cs"}), raw.NameLiteral(name))
	}
	if c.Pattern != nil {
		n, err := w.resourceName(c.Pattern)
		if err != nil {
			return err
		}
		args = append(args, raw.NameLiteral(n))
	}
	w.emit(pick([2]string{"SCN", "scn"}), args...)
	*cur = c.clone()
	return nil
}

// transparency emits an ExtGState made for the blend mode, alpha and soft
// mask of gs. Identical combinations share one dictionary.
func (w *Writer) transparency(gs *GraphicsState) error {
	d := raw.Dict()
	d.Set("Type", raw.NameLiteral("ExtGState"))
	d.Set("BM", raw.NameLiteral(gs.BlendMode))
	d.Set("CA", num(gs.StrokeAlpha))
	d.Set("ca", num(gs.FillAlpha))
	key := fmt.Sprintf("%s/%g/%g", gs.BlendMode, gs.StrokeAlpha, gs.FillAlpha)
	if gs.SoftMask == nil {
		d.Set("SMask", raw.NameLiteral("None"))
	} else {
		obj, err := w.importObject(gs.SoftMask)
		if err != nil {
			return err
		}
		d.Set("SMask", obj)
		key += fmt.Sprintf("/%p", gs.SoftMask)
	}
	name, ok := w.synth[key]
	if !ok {
		cat, err := w.category("ExtGState")
		if err != nil {
			return err
		}
		name = freshName(cat, "", "GS")
		cat.Set(name, d)
		w.synth[key] = name
	}
	w.emit("gs", raw.NameLiteral(name))
	cur := &w.gs
	cur.BlendMode, cur.StrokeAlpha, cur.FillAlpha, cur.SoftMask = gs.BlendMode, gs.StrokeAlpha, gs.FillAlpha, gs.SoftMask
	return nil
}

func (w *Writer) category(name string) (*raw.DictObj, error) {
	if d, ok := w.categories[name]; ok {
		return d, nil
	}
	d, err := w.doc.ResourceDict(w.h, w.target, name)
	if err != nil {
		return nil, err
	}
	w.categories[name] = d
	return d, nil
}

func (w *Writer) importObject(res *Resource) (raw.Object, error) {
	if res.Doc == nil || res.Doc == w.doc {
		return res.Object, nil
	}
	for _, sh := range w.opts.Sources {
		if res.Doc.Guard().Holds(sh) {
			return w.doc.Import(w.h, res.Doc, sh, res.Object)
		}
	}
	return nil, pdferr.State("copy resource "+res.Name, pdferr.ErrNotLocked)
}

func (w *Writer) resolver(doc *document.Document) func(raw.Object) raw.Object {
	return func(o raw.Object) raw.Object {
		if doc != w.doc {
			return o
		}
		v, err := w.doc.Resolve(w.h, o)
		if err != nil {
			return o
		}
		return v
	}
}

var namePrefixes = map[string]string{
	"Font":       "F",
	"XObject":    "X",
	"ExtGState":  "GS",
	"ColorSpace": "CS",
	"Pattern":    "P",
	"Shading":    "Sh",
	"Properties": "MC",
}

// resourceName binds res in the target resources and returns its name.
func (w *Writer) resourceName(res *Resource) (string, error) {
	if res.Object == nil {
		w.log.Warn("writing a reference to a missing resource",
			observability.String("category", res.Category),
			observability.String("name", res.Name))
		return res.Name, nil
	}
	key := resourceKey{doc: res.Doc, category: res.Category}
	if ref, ok := res.Object.(raw.RefObj); ok {
		key.ref = ref.R
	} else {
		key.name = res.Name
	}
	if n, ok := w.names[key]; ok {
		return n, nil
	}
	obj, err := w.importObject(res)
	if err != nil {
		return "", err
	}
	cat, err := w.category(res.Category)
	if err != nil {
		return "", err
	}
	name := ""
	if v, ok := cat.Get(res.Name); ok && raw.SameObject(v, obj) {
		name = res.Name
	} else if _, isRef := obj.(raw.RefObj); isRef {
		for _, k := range cat.Keys() {
			if v, _ := cat.Get(k); raw.SameObject(v, obj) {
				name = k
				break
			}
		}
	}
	if name == "" {
		prefix, ok := namePrefixes[res.Category]
		if !ok {
			prefix = "R"
		}
		name = freshName(cat, res.Name, prefix)
		cat.Set(name, obj)
	}
	w.names[key] = name
	return name, nil
}

// freshName returns want when it is unused in d, else prefix followed by
// the first free number.
func freshName(d *raw.DictObj, want, prefix string) string {
	if want != "" {
		if _, taken := d.Get(want); !taken {
			return want
		}
	}
	for i := 1; ; i++ {
		n := prefix + strconv.Itoa(i)
		if _, taken := d.Get(n); !taken {
			return n
		}
	}
}

func (w *Writer) emit(op string, args ...raw.Object) {
	for _, a := range args {
		writer.AppendObject(&w.buf, a)
		w.buf.WriteByte(' ')
	}
	w.buf.WriteString(op)
	w.buf.WriteByte('\n')
}

// num rounds to six decimals, enough for device space at any sane scale.
func num(f float64) raw.NumberObj {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return raw.NumberInt(0)
	}
	return raw.Number(math.Round(f*1e6) / 1e6)
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\f', 0:
		return true
	}
	return false
}
