package ocr

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"strings"

	"golang.org/x/image/draw"

	"github.com/wudi/pdfcore/contentstream"
	"github.com/wudi/pdfcore/coords"
	"github.com/wudi/pdfcore/document"
	"github.com/wudi/pdfcore/fonts"
	"github.com/wudi/pdfcore/guard"
	"github.com/wudi/pdfcore/observability"
	"github.com/wudi/pdfcore/pdferr"
)

const (
	defaultDPI = 300
	// Small images are not scaled up by more than this.
	maxUpscale = 4
)

// Options control a Processor.
type Options struct {
	// Engine recognizes the images. Nil selects DefaultEngine, which needs
	// the "ocr" module to be available.
	Engine Engine
	// Languages are passed to the engine; empty means "eng".
	Languages []string
	// TargetDPI is the resolution page images are scaled up to before
	// recognition. Zero means 300.
	TargetDPI int
	// ImageDPI is the resolution of images given to ImageToPage, which
	// sets the page size. Zero means 300.
	ImageDPI int
	// IgnoreZones and TextZones are keyed by page number, in default user
	// space. Ignore zones are blanked out before recognition. When a page
	// has text zones only those areas are recognized.
	IgnoreZones map[int][]coords.Rect
	TextZones   map[int][]coords.Rect
	// Metadata carries engine variables, see WithMetadata.
	Metadata map[string]string
	// Compress flate encodes the text layer.
	Compress bool
	Logger   observability.Logger
}

// Word is a recognized word placed on a page, in default user space.
type Word struct {
	Text       string      `json:"text"`
	Box        coords.Rect `json:"box"`
	Confidence float64     `json:"confidence"`
}

// PageResult holds the words recognized on one page. Results can be
// stored as JSON, edited, and applied later with Apply.
type PageResult struct {
	Page  int    `json:"page"`
	Words []Word `json:"words"`
}

// Processor recognizes page images and writes the text layer.
type Processor struct {
	opts   Options
	engine Engine
	log    observability.Logger
}

// NewProcessor resolves the engine. Without Options.Engine it fails with
// an UnsupportedFeatureError unless the "ocr" module is available.
func NewProcessor(opts Options) (*Processor, error) {
	engine, err := engineFor(opts.Engine)
	if err != nil {
		return nil, err
	}
	if len(opts.Languages) == 0 {
		opts.Languages = []string{"eng"}
	}
	if opts.TargetDPI <= 0 {
		opts.TargetDPI = defaultDPI
	}
	if opts.ImageDPI <= 0 {
		opts.ImageDPI = defaultDPI
	}
	log := observability.OrDefault(opts.Logger).With(observability.String("engine", engine.Name()))
	return &Processor{opts: opts, engine: engine, log: log}, nil
}

// Process recognizes every page of doc and adds the text layers. The
// caller holds the write lock.
func (p *Processor) Process(ctx context.Context, h *guard.Holder, doc *document.Document) error {
	results, err := p.Recognize(ctx, h, doc)
	if err != nil {
		return err
	}
	return p.Apply(ctx, h, doc, results)
}

// ProcessPage recognizes page num (1-based) and adds its text layer.
func (p *Processor) ProcessPage(ctx context.Context, h *guard.Holder, doc *document.Document, num int) error {
	res, err := p.RecognizePage(ctx, h, doc, num)
	if err != nil {
		return err
	}
	return p.Apply(ctx, h, doc, []PageResult{res})
}

// Recognize returns the words of every page. It only needs a read lock.
func (p *Processor) Recognize(ctx context.Context, h *guard.Holder, doc *document.Document) ([]PageResult, error) {
	n, err := doc.PageCount(h)
	if err != nil {
		return nil, err
	}
	out := make([]PageResult, 0, n)
	for num := 1; num <= n; num++ {
		res, err := p.RecognizePage(ctx, h, doc, num)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// RecognizePage returns the words found in the images of page num,
// including images inside form XObjects. Images that cannot be decoded
// are skipped.
func (p *Processor) RecognizePage(ctx context.Context, h *guard.Holder, doc *document.Document, num int) (PageResult, error) {
	page, err := doc.GetPage(h, num)
	if err != nil {
		return PageResult{}, err
	}
	images, err := p.pageImages(ctx, h, page)
	if err != nil {
		return PageResult{}, err
	}
	res := PageResult{Page: num}
	for i, img := range images {
		words, err := p.recognizeImage(ctx, h, num, i, img)
		if errors.Is(err, errUnsupportedImage) || isUnsupported(err) {
			p.log.Warn("image skipped", observability.Int("page", num), observability.String("image", img.XObject.Name), observability.Error("error", err))
			continue
		}
		if err != nil {
			return PageResult{}, err
		}
		res.Words = append(res.Words, words...)
	}
	p.log.Debug("page recognized", observability.Int("page", num), observability.Int("images", len(images)), observability.Int("words", len(res.Words)))
	return res, nil
}

func isUnsupported(err error) bool {
	var u *pdferr.UnsupportedFeatureError
	return errors.As(err, &u)
}

func (p *Processor) pageImages(ctx context.Context, h *guard.Holder, page *document.Page) ([]*contentstream.Image, error) {
	r := contentstream.NewReader(contentstream.ReaderOptions{Logger: p.opts.Logger})
	if err := r.Begin(ctx, h, page); err != nil {
		return nil, err
	}
	defer func() {
		for r.Depth() > 0 {
			r.End()
		}
	}()
	var out []*contentstream.Image
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			if r.Depth() == 1 {
				return out, nil
			}
			if err := r.End(); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		switch e := e.(type) {
		case *contentstream.Image:
			out = append(out, e)
		case *contentstream.Form:
			if err := r.FormBegin(); err != nil {
				var fe *pdferr.FormatError
				if !errors.As(err, &fe) {
					return nil, err
				}
				p.log.Warn("form skipped", observability.String("form", e.XObject.Name), observability.Error("error", err))
			}
		}
	}
}

func (p *Processor) recognizeImage(ctx context.Context, h *guard.Holder, num, idx int, e *contentstream.Image) ([]Word, error) {
	src, err := decodeImage(ctx, h, e)
	if err != nil {
		return nil, err
	}
	ctm := e.GS.CTM
	b := src.Bounds()
	widthPt := math.Hypot(ctm[0], ctm[1])
	if widthPt == 0 || b.Empty() {
		return nil, nil
	}
	dpi := float64(b.Dx()) * 72 / widthPt
	scale := 1.0
	if target := float64(p.opts.TargetDPI); dpi < target {
		scale = math.Min(target/dpi, maxUpscale)
	}
	sw := max(1, int(math.Round(float64(b.Dx())*scale)))
	sh := max(1, int(math.Round(float64(b.Dy())*scale)))
	canvas := image.NewRGBA(image.Rect(0, 0, sw, sh))
	if sw == b.Dx() && sh == b.Dy() {
		draw.Draw(canvas, canvas.Bounds(), src, b.Min, draw.Src)
	} else {
		draw.CatmullRom.Scale(canvas, canvas.Bounds(), src, b, draw.Src, nil)
	}

	// Pixel rows run top down; the image fills the unit square of its CTM.
	toPage := coords.Matrix{1 / float64(sw), 0, 0, -1 / float64(sh), 0, 1}.Multiply(ctm)
	toPixel, err := toPage.Inverse()
	if err != nil {
		return nil, nil
	}
	for _, z := range p.opts.IgnoreZones[num] {
		r := pixelRect(toPixel, z).Intersect(canvas.Bounds())
		draw.Draw(canvas, r, image.White, image.Point{}, draw.Src)
	}
	regions := []image.Rectangle{canvas.Bounds()}
	if zones := p.opts.TextZones[num]; len(zones) > 0 {
		regions = regions[:0]
		for _, z := range zones {
			if r := pixelRect(toPixel, z).Intersect(canvas.Bounds()); !r.Empty() {
				regions = append(regions, r)
			}
		}
	}

	inputs := make([]Input, 0, len(regions))
	for i, r := range regions {
		opts := []InputOption{
			WithLanguages(p.opts.Languages...),
			WithDPI(int(math.Round(dpi * scale))),
			WithMetadata(p.opts.Metadata),
		}
		if r != canvas.Bounds() {
			opts = append(opts, WithRegion(regionOf(r)))
		}
		in, err := InputFromImage(fmt.Sprintf("p%d-%d-%s-%d", num, idx, e.XObject.Name, i), canvas, opts...)
		if err != nil {
			return nil, err
		}
		in.Page = num
		inputs = append(inputs, in)
	}
	results, err := Recognize(ctx, p.engine, inputs)
	if err != nil {
		return nil, err
	}
	var words []Word
	for _, res := range results {
		for _, tw := range res.Words() {
			text := strings.TrimSpace(tw.Text)
			if text == "" || tw.Bounds.IsEmpty() {
				continue
			}
			px := coords.Rect{LLX: tw.Bounds.X, LLY: tw.Bounds.Y, URX: tw.Bounds.X + tw.Bounds.Width, URY: tw.Bounds.Y + tw.Bounds.Height}
			words = append(words, Word{Text: text, Box: toPage.TransformRect(px), Confidence: tw.Confidence})
		}
	}
	return words, nil
}

func pixelRect(m coords.Matrix, r coords.Rect) image.Rectangle {
	const eps = 1e-6
	px := m.TransformRect(r.Normalize())
	return image.Rect(
		int(math.Floor(px.LLX+eps)), int(math.Floor(px.LLY+eps)),
		int(math.Ceil(px.URX-eps)), int(math.Ceil(px.URY-eps)),
	)
}

// Apply writes each result as invisible text over its page, one run per
// word stretched to the word box. The caller holds the write lock.
func (p *Processor) Apply(ctx context.Context, h *guard.Holder, doc *document.Document, results []PageResult) error {
	for _, res := range results {
		if len(res.Words) == 0 {
			continue
		}
		page, err := doc.GetPage(h, res.Page)
		if err != nil {
			return err
		}
		if err := p.applyPage(ctx, h, doc, page, res.Words); err != nil {
			return fmt.Errorf("ocr: page %d: %w", res.Page, err)
		}
	}
	return nil
}

func (p *Processor) applyPage(ctx context.Context, h *guard.Holder, doc *document.Document, page *document.Page, words []Word) error {
	f := fonts.Regular()
	b := contentstream.NewBuilder(doc, h)
	font, err := b.Font(f)
	if err != nil {
		return err
	}
	w := contentstream.NewWriter(contentstream.WriterOptions{Compress: p.opts.Compress, Logger: p.opts.Logger})
	if err := w.Begin(ctx, h, page, document.Overlay); err != nil {
		return err
	}
	write := func(e contentstream.Element) {
		if err == nil {
			err = w.WriteElement(e)
		}
	}
	write(b.TextBegin())
	b.State().Text.RenderMode = contentstream.TextInvisible
	em := (f.Ascent - f.Descent) / 1000
	for _, word := range words {
		box := word.Box.Normalize()
		if box.Height() <= 0 || box.Width() <= 0 {
			continue
		}
		size := box.Height() / em
		b.SetFont(font, size)
		b.State().Text.HorizontalScale = 100
		if natural := f.KernedWidth(word.Text, size); natural > 0 {
			b.State().Text.HorizontalScale = box.Width() / natural * 100
		}
		b.SetTextMatrix(coords.Translate(box.LLX, box.LLY-f.Descent*size/1000))
		write(b.TextRun(word.Text))
	}
	write(b.TextEnd())
	return errors.Join(err, w.End())
}

// ImageToPage appends a page showing img at Options.ImageDPI and adds its
// text layer.
func (p *Processor) ImageToPage(ctx context.Context, h *guard.Holder, doc *document.Document, img image.Image) (*document.Page, error) {
	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, fmt.Errorf("ocr: empty image")
	}
	scale := 72 / float64(p.opts.ImageDPI)
	pw, ph := float64(bounds.Dx())*scale, float64(bounds.Dy())*scale
	page, err := doc.PageCreate(h, coords.Rect{URX: pw, URY: ph})
	if err != nil {
		return nil, err
	}
	if err := doc.PagePushBack(h, page); err != nil {
		return nil, err
	}
	b := contentstream.NewBuilder(doc, h)
	res, err := b.ImageXObject(ctx, img, contentstream.ImageOptions{})
	if err != nil {
		return nil, err
	}
	w := contentstream.NewWriter(contentstream.WriterOptions{Compress: p.opts.Compress, Logger: p.opts.Logger})
	if err := w.Begin(ctx, h, page, document.Replace); err != nil {
		return nil, err
	}
	if err := w.WriteElement(b.Image(res, 0, 0, pw, ph)); err != nil {
		return nil, errors.Join(err, w.End())
	}
	if err := w.End(); err != nil {
		return nil, err
	}
	n, err := doc.PageCount(h)
	if err != nil {
		return nil, err
	}
	return page, p.ProcessPage(ctx, h, doc, n)
}
