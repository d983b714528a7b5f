// Package layout renders Markdown and HTML onto new pages appended to a
// document. Text is set in the bundled Go fonts and broken into lines at
// Unicode line break opportunities; links become URI link annotations.
//
// Both converters are registered as modules ("markdown" and "html") so
// callers can check for them like any other add-on.
package layout

import (
	"context"
	"fmt"
	"strings"

	"github.com/wudi/pdfcore/contentstream"
	"github.com/wudi/pdfcore/coords"
	"github.com/wudi/pdfcore/document"
	"github.com/wudi/pdfcore/fonts"
	"github.com/wudi/pdfcore/guard"
	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/modules"
	"github.com/wudi/pdfcore/observability"
)

const (
	ModuleHTML     = "html"
	ModuleMarkdown = "markdown"
)

func init() {
	modules.MustRegister(modules.Module{Name: ModuleHTML})
	modules.MustRegister(modules.Module{Name: ModuleMarkdown})
}

// Margins defines page margins in points.
type Margins struct {
	Top, Bottom, Left, Right float64
}

// PaperSize is a page size in points.
type PaperSize struct {
	Width, Height float64
}

var (
	A4     = PaperSize{595.28, 841.89}
	A5     = PaperSize{419.53, 595.28}
	Letter = PaperSize{612, 792}
	Legal  = PaperSize{612, 1008}
)

// indentStep is the horizontal offset of one list or quote level.
const indentStep = 18.0

var (
	textColor  = contentstream.Gray(0)
	quoteColor = contentstream.Gray(0.35)
	linkColor  = contentstream.RGB(0, 0, 0.8)
	ruleColor  = contentstream.Gray(0.6)
)

// Option defines a configuration option for the Engine.
type Option func(*Engine)

// WithFontSize sets the body text size.
func WithFontSize(size float64) Option {
	return func(e *Engine) {
		if size > 0 {
			e.fontSize = size
		}
	}
}

// WithLineHeight sets the line height as a multiple of the font size.
func WithLineHeight(height float64) Option {
	return func(e *Engine) {
		if height > 0 {
			e.lineHeight = height
		}
	}
}

// WithMargins sets the page margins.
func WithMargins(m Margins) Option {
	return func(e *Engine) { e.margins = m }
}

// WithPageSize sets the page dimensions.
func WithPageSize(width, height float64) Option {
	return func(e *Engine) {
		e.pageWidth = width
		e.pageHeight = height
	}
}

// WithPaperSize sets the page dimensions using a standard paper size.
func WithPaperSize(size PaperSize) Option {
	return WithPageSize(size.Width, size.Height)
}

// WithCompression flate encodes the content streams of new pages.
func WithCompression(on bool) Option {
	return func(e *Engine) { e.compress = on }
}

func WithLogger(l observability.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Engine lays out converted content onto pages of one document. Render
// calls need the document's write lock held by h. An Engine is not safe
// for concurrent use.
type Engine struct {
	doc *document.Document
	h   *guard.Holder
	b   *contentstream.Builder

	fontSize   float64
	lineHeight float64
	margins    Margins
	pageWidth  float64
	pageHeight float64
	compress   bool
	log        observability.Logger

	ctx     context.Context
	page    *document.Page
	w       *contentstream.Writer
	cursorY float64
	links   []link
	pages   []*document.Page
	err     error
}

type link struct {
	rect coords.Rect
	uri  string
}

// NewEngine creates a layout engine appending pages to doc.
func NewEngine(doc *document.Document, h *guard.Holder, opts ...Option) *Engine {
	e := &Engine{
		doc:        doc,
		h:          h,
		b:          contentstream.NewBuilder(doc, h),
		fontSize:   12,
		lineHeight: 1.2,
		margins:    Margins{Top: 50, Bottom: 50, Left: 50, Right: 50},
		pageWidth:  A4.Width,
		pageHeight: A4.Height,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = observability.OrDefault(e.log)
	return e
}

// Pages returns the pages created by this engine, in order.
func (e *Engine) Pages() []*document.Page {
	return append([]*document.Page(nil), e.pages...)
}

// render lays out blocks starting on a new page.
func (e *Engine) render(ctx context.Context, blocks []block) error {
	if e.pageWidth-e.margins.Left-e.margins.Right <= indentStep ||
		e.pageHeight-e.margins.Top-e.margins.Bottom <= e.fontSize*e.lineHeight {
		return fmt.Errorf("layout: page %gx%g leaves no room inside the margins", e.pageWidth, e.pageHeight)
	}
	e.ctx, e.err = ctx, nil
	start := len(e.pages)
	for _, bl := range blocks {
		if err := ctx.Err(); err != nil {
			e.fail(err)
		}
		if e.err != nil {
			break
		}
		e.renderBlock(bl)
	}
	e.finishPage()
	e.log.Debug("layout rendered",
		observability.Int("blocks", len(blocks)),
		observability.Int("pages", len(e.pages)-start),
		observability.Error("error", e.err))
	e.ctx = nil
	return e.err
}

func (e *Engine) fail(err error) {
	if err != nil && e.err == nil {
		e.err = err
	}
}

func (e *Engine) newPage() {
	if e.err != nil {
		return
	}
	p, err := e.doc.PageCreate(e.h, coords.Rect{URX: e.pageWidth, URY: e.pageHeight})
	if err != nil {
		e.fail(err)
		return
	}
	if err := e.doc.PagePushBack(e.h, p); err != nil {
		e.fail(err)
		return
	}
	w := contentstream.NewWriter(contentstream.WriterOptions{Compress: e.compress, Logger: e.log})
	if err := w.Begin(e.ctx, e.h, p, document.Replace); err != nil {
		e.fail(err)
		return
	}
	e.page, e.w = p, w
	e.b.Reset()
	e.cursorY = e.pageHeight - e.margins.Top
	e.pages = append(e.pages, p)
}

func (e *Engine) finishPage() {
	if e.page == nil {
		return
	}
	e.fail(e.w.End())
	if len(e.links) > 0 && e.err == nil {
		e.fail(e.addLinks())
	}
	e.page, e.w, e.links = nil, nil, nil
}

// ensureSpace starts a new page unless height fits above the bottom margin.
func (e *Engine) ensureSpace(height float64) {
	if e.page == nil {
		e.newPage()
		return
	}
	if e.cursorY-height < e.margins.Bottom {
		e.finishPage()
		e.newPage()
	}
}

// space moves the cursor down, except at the top of a page.
func (e *Engine) space(dy float64) {
	if e.page != nil && e.cursorY < e.pageHeight-e.margins.Top {
		e.cursorY -= dy
	}
}

func (e *Engine) emit(el contentstream.Element) {
	if e.err == nil && e.w != nil {
		e.fail(e.w.WriteElement(el))
	}
}

func (e *Engine) addLinks() error {
	annots := raw.NewArray()
	if old, ok := e.page.Dict().Get("Annots"); ok {
		if v, err := e.doc.Resolve(e.h, old); err == nil {
			if arr, ok := v.(*raw.ArrayObj); ok {
				annots.Items = append(annots.Items, arr.Items...)
			}
		}
	}
	for _, l := range e.links {
		action := raw.Dict()
		action.Set("S", raw.NameLiteral("URI"))
		action.Set("URI", raw.Str([]byte(l.uri)))
		a := raw.Dict()
		a.Set("Type", raw.NameLiteral("Annot"))
		a.Set("Subtype", raw.NameLiteral("Link"))
		a.Set("Rect", raw.NumberArray(l.rect.LLX, l.rect.LLY, l.rect.URX, l.rect.URY))
		a.Set("Border", raw.NumberArray(0, 0, 0))
		a.Set("A", action)
		ref, err := e.doc.AddObject(e.h, a)
		if err != nil {
			return err
		}
		annots.Append(raw.RefObj{R: ref})
	}
	e.page.Dict().Set("Annots", annots)
	return e.doc.MarkModified(e.h, e.page.Ref())
}

func headingSize(base float64, level int) float64 {
	switch level {
	case 1:
		return base * 2
	case 2:
		return base * 1.5
	case 3:
		return base * 1.25
	}
	return base
}

func (e *Engine) renderBlock(bl block) {
	x := e.margins.Left + float64(bl.indent)*indentStep
	color := textColor
	if bl.quote {
		color = quoteColor
	}
	switch bl.kind {
	case blockHeading:
		size := headingSize(e.fontSize, bl.level)
		e.space(size * 0.5)
		e.paragraph(bl, collapse(bl.spans), x, size, styleBold, color)
		e.cursorY -= size * 0.3
	case blockParagraph:
		e.paragraph(bl, collapse(bl.spans), x, e.fontSize, 0, color)
		e.cursorY -= e.fontSize * e.lineHeight * 0.5
	case blockListItem:
		e.paragraph(bl, collapse(bl.spans), x, e.fontSize, 0, color)
		e.cursorY -= e.fontSize * e.lineHeight * 0.15
	case blockCode:
		e.paragraph(bl, bl.spans, x+indentStep/2, e.fontSize*0.9, styleMono, color)
		e.cursorY -= e.fontSize * e.lineHeight * 0.5
	case blockRule:
		e.ensureSpace(e.fontSize)
		if e.err != nil {
			return
		}
		y := e.cursorY - e.fontSize/2
		e.hline(x, e.pageWidth-e.margins.Right, y, 0.75, ruleColor)
		e.cursorY -= e.fontSize
	}
}

// paragraph breaks spans into lines and draws them from the cursor down.
// The list marker of bl, if any, hangs left of the first line.
func (e *Engine) paragraph(bl block, spans []span, x, size float64, base style, color contentstream.Color) {
	frags := make([]fragment, 0, len(spans))
	for _, s := range spans {
		st := s.style | base
		frags = append(frags, fragment{text: s.text, font: fontFor(st), style: st, link: s.link})
	}
	lines := breakLines(frags, size, e.pageWidth-e.margins.Right-x, bl.kind == blockCode)
	if len(lines) == 0 && bl.marker != "" {
		lines = [][]fragment{nil}
	}
	lh := size * e.lineHeight
	for i, line := range lines {
		e.ensureSpace(lh)
		if e.err != nil {
			return
		}
		baseline := e.cursorY - size
		if i == 0 && bl.marker != "" {
			f := fontFor(base)
			mw := f.KernedWidth(bl.marker, size)
			e.drawLine([]fragment{{text: bl.marker, font: f, style: base, width: mw}}, x-mw-size/3, baseline, size, color)
		}
		e.drawLine(line, x, baseline, size, color)
		if bl.quote {
			e.vline(e.margins.Left+indentStep/3, e.cursorY, e.cursorY-lh, 2, ruleColor)
		}
		e.cursorY -= lh
	}
}

func (e *Engine) font(f *fonts.Font) *contentstream.Resource {
	res, err := e.b.Font(f)
	if err != nil {
		e.fail(fmt.Errorf("layout: embed font %s: %w", f.Name, err))
	}
	return res
}

func (e *Engine) drawLine(line []fragment, x, baseline, size float64, color contentstream.Color) {
	if len(line) == 0 {
		return
	}
	e.emit(e.b.TextBegin())
	e.b.SetTextMatrix(coords.Translate(x, baseline))
	for _, f := range line {
		res := e.font(f.font)
		if res == nil {
			return
		}
		e.b.SetFont(res, size)
		e.b.State().FillColor = color
		if f.link != "" {
			e.b.State().FillColor = linkColor
		}
		e.emit(e.b.TextRun(f.text))
	}
	e.emit(e.b.TextEnd())

	pen := x
	for _, f := range line {
		switch {
		case f.link != "":
			e.hline(pen, pen+f.width, baseline-size*0.12, size/18, linkColor)
			e.links = append(e.links, link{
				rect: coords.Rect{
					LLX: pen, LLY: baseline + f.font.Descent*size/1000,
					URX: pen + f.width, URY: baseline + f.font.Ascent*size/1000,
				},
				uri: f.link,
			})
		case f.style&styleStrike != 0:
			e.hline(pen, pen+f.width, baseline+size*0.3, size/18, color)
		}
		pen += f.width
	}
}

func (e *Engine) hline(x0, x1, y, width float64, c contentstream.Color) {
	e.stroke(x0, y, x1, y, width, c)
}

func (e *Engine) vline(x, y0, y1, width float64, c contentstream.Color) {
	e.stroke(x, y0, x, y1, width, c)
}

func (e *Engine) stroke(x0, y0, x1, y1, width float64, c contentstream.Color) {
	gs := e.b.State()
	gs.StrokeColor, gs.LineWidth = c, width
	e.b.MoveTo(x0, y0)
	e.b.LineTo(x1, y1)
	e.emit(e.b.PathEnd(contentstream.Paint{Stroke: true}))
}

type blockKind int

const (
	blockParagraph blockKind = iota
	blockHeading
	blockListItem
	blockCode
	blockRule
)

// block is one vertical unit of converted content.
type block struct {
	kind   blockKind
	level  int // heading level
	indent int // list and quote nesting
	quote  bool
	marker string // list item marker
	spans  []span
}

type style uint8

const (
	styleBold style = 1 << iota
	styleItalic
	styleMono
	styleStrike
)

// span is a run of text in one style. Hard spans are forced line breaks.
type span struct {
	text  string
	style style
	link  string
	hard  bool
}

func hardBreak() span { return span{text: "\n", hard: true} }

func fontFor(s style) *fonts.Font {
	switch {
	case s&styleMono != 0:
		return fonts.Mono()
	case s&styleBold != 0 && s&styleItalic != 0:
		return fonts.BoldItalic()
	case s&styleBold != 0:
		return fonts.Bold()
	case s&styleItalic != 0:
		return fonts.Italic()
	}
	return fonts.Regular()
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\f'
}

// collapse folds white space runs into single spaces and trims the ends,
// keeping hard breaks.
func collapse(spans []span) []span {
	var out []span
	space := true
	for _, s := range spans {
		if s.hard {
			out = append(out, s)
			space = true
			continue
		}
		var b strings.Builder
		for _, r := range s.text {
			if isSpace(r) {
				if !space {
					b.WriteByte(' ')
					space = true
				}
				continue
			}
			b.WriteRune(r)
			space = false
		}
		if b.Len() > 0 {
			s.text = b.String()
			out = append(out, s)
		}
	}
	for len(out) > 0 {
		last := &out[len(out)-1]
		if last.hard {
			out = out[:len(out)-1]
			continue
		}
		last.text = strings.TrimRight(last.text, " ")
		if last.text != "" {
			break
		}
		out = out[:len(out)-1]
	}
	return out
}
