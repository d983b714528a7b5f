package contentstream_test

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wudi/pdfcore/contentstream"
	"github.com/wudi/pdfcore/coords"
	"github.com/wudi/pdfcore/document"
	"github.com/wudi/pdfcore/fonts"
	"github.com/wudi/pdfcore/guard"
	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/pdferr"
)

func TestWriterStateErrors(t *testing.T) {
	ctx := context.Background()
	doc, h := build(t, "")
	p := page(t, doc, h, 1)
	e := &contentstream.GroupBegin{GS: contentstream.DefaultState()}

	w := contentstream.NewWriter(contentstream.WriterOptions{})
	if err := w.WriteElement(e); !errors.Is(err, pdferr.ErrNotBegun) {
		t.Errorf("WriteElement before Begin = %v", err)
	}
	if err := w.End(); !errors.Is(err, pdferr.ErrNotBegun) {
		t.Errorf("End before Begin = %v", err)
	}
	if err := w.Begin(ctx, h, p, document.Replace); err != nil {
		t.Fatal(err)
	}
	if err := w.Begin(ctx, h, p, document.Replace); !errors.Is(err, pdferr.ErrAlreadyBegun) {
		t.Errorf("second Begin = %v", err)
	}
	var se *pdferr.StateError
	if err := w.WriteElement(nil); !errors.As(err, &se) {
		t.Errorf("WriteElement(nil) = %v", err)
	}
	if err := doc.Unlock(h); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteElement(e); !errors.Is(err, pdferr.ErrNotLocked) {
		t.Errorf("WriteElement after Unlock = %v", err)
	}

	if err := doc.LockRead(h); err != nil {
		t.Fatal(err)
	}
	defer doc.UnlockRead(h)
	w2 := contentstream.NewWriter(contentstream.WriterOptions{})
	if err := w2.Begin(ctx, h, p, document.Replace); !errors.Is(err, pdferr.ErrNotLocked) {
		t.Errorf("Begin under a read lock = %v", err)
	}
}

func TestWriterEmitsStateChangesOnce(t *testing.T) {
	doc, h := build(t, "")
	p := page(t, doc, h, 1)
	b := contentstream.NewBuilder(doc, h)
	b.State().FillColor = contentstream.RGB(1, 0, 0)
	b.Rect(0, 0, 10, 10)
	red1 := b.PathEnd(contentstream.Paint{Fill: true})
	b.Rect(20, 0, 10, 10)
	red2 := b.PathEnd(contentstream.Paint{Fill: true})
	b.State().FillColor = contentstream.RGB(0, 0, 1)
	b.Rect(40, 0, 10.5, 10)
	blue := b.PathEnd(contentstream.Paint{Fill: true})

	writeAll(t, h, p, document.Replace, red1, red2, blue)
	want := "1 0 0 rg\n0 0 10 10 re\nf\n20 0 10 10 re\nf\n0 0 1 rg\n40 0 10.5 10 re\nf\n"
	if got := content(t, doc, h, p); got != want {
		t.Errorf("content =\n%s\nwant\n%s", got, want)
	}
}

func TestWriterWrapsLooseText(t *testing.T) {
	doc, h := build(t, "")
	p := page(t, doc, h, 1)
	b := contentstream.NewBuilder(doc, h)
	writeAll(t, h, p, document.Replace, b.TextRun("hi"))
	if got := content(t, doc, h, p); got != "BT\n(hi) Tj\nET\n" {
		t.Errorf("content = %q", got)
	}
}

func TestWriterTransformInsideText(t *testing.T) {
	doc, h := build(t, "")
	p := page(t, doc, h, 1)
	b := contentstream.NewBuilder(doc, h)
	begin := b.TextBegin()
	b.Transform(coords.Translate(10, 0))
	run := b.TextRun("x")
	end := b.TextEnd()

	writeAll(t, h, p, document.Replace, begin, run, end)
	want := "BT\nET\n1 0 0 1 10 0 cm\nBT\n(x) Tj\nET\n"
	if got := content(t, doc, h, p); got != want {
		t.Errorf("content = %q, want %q", got, want)
	}
}

func TestWriterClosesOpenObjects(t *testing.T) {
	doc, h := build(t, "")
	p := page(t, doc, h, 1)
	b := contentstream.NewBuilder(doc, h)
	writeAll(t, h, p, document.Replace, b.GroupBegin(), b.GroupBegin(), b.TextBegin())
	if got := content(t, doc, h, p); got != "q\nq\nBT\nET\nQ\nQ\n" {
		t.Errorf("content = %q", got)
	}
}

func TestWriterPlacedElement(t *testing.T) {
	ctx := context.Background()
	doc, h := build(t, "")
	p := page(t, doc, h, 1)
	b := contentstream.NewBuilder(doc, h)
	b.State().FillColor = contentstream.Gray(0.5)
	b.Rect(0, 0, 1, 1)
	gray := b.PathEnd(contentstream.Paint{Fill: true})
	b.State().FillColor = contentstream.Gray(0)
	b.Rect(0, 0, 2, 2)
	black := b.PathEnd(contentstream.Paint{Fill: true})

	w := contentstream.NewWriter(contentstream.WriterOptions{})
	if err := w.Begin(ctx, h, p, document.Replace); err != nil {
		t.Fatal(err)
	}
	if err := w.WritePlacedElement(gray); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteElement(black); err != nil {
		t.Fatal(err)
	}
	if err := w.End(); err != nil {
		t.Fatal(err)
	}
	want := "q\n0.5 g\n0 0 1 1 re\nf\nQ\n0 0 2 2 re\nf\n"
	if got := content(t, doc, h, p); got != want {
		t.Errorf("content = %q, want %q", got, want)
	}
}

func TestWriterPlacedTextKeepsPosition(t *testing.T) {
	doc, h := build(t, "", "")
	src, dst := page(t, doc, h, 1), page(t, doc, h, 2)
	b := contentstream.NewBuilder(doc, h)
	res, err := b.Font(fonts.Regular())
	if err != nil {
		t.Fatal(err)
	}
	begin := b.TextBegin()
	b.SetFont(res, 12)
	b.SetTextMatrix(coords.Translate(20, 100))
	hello := b.TextRun("Hello")
	world := b.TextRun("World")
	writeAll(t, h, src, document.Replace, begin, hello, world, b.TextEnd())

	var runs []*contentstream.Text
	for _, e := range readAll(t, h, src) {
		if te, ok := e.(*contentstream.Text); ok {
			runs = append(runs, te)
		}
	}
	if len(runs) != 2 || runs[1].Offset == 0 {
		t.Fatalf("read %d runs from the source line", len(runs))
	}

	w := contentstream.NewWriter(contentstream.WriterOptions{})
	if err := w.Begin(context.Background(), h, dst, document.Replace); err != nil {
		t.Fatal(err)
	}
	for _, r := range runs {
		if err := w.WritePlacedElement(r); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.End(); err != nil {
		t.Fatal(err)
	}

	var copies []*contentstream.Text
	for _, e := range readAll(t, h, dst) {
		if te, ok := e.(*contentstream.Text); ok {
			copies = append(copies, te)
		}
	}
	if len(copies) != len(runs) {
		t.Fatalf("%d runs copied, want %d", len(copies), len(runs))
	}
	for i := range runs {
		want, _ := contentstream.Bounds(runs[i])
		got, _ := contentstream.Bounds(copies[i])
		if math.Abs(got.LLX-want.LLX) > 1e-3 || math.Abs(got.URX-want.URX) > 1e-3 ||
			math.Abs(got.LLY-want.LLY) > 1e-3 || math.Abs(got.URY-want.URY) > 1e-3 {
			t.Errorf("run %q moved from %+v to %+v", copies[i].String(), want, got)
		}
	}
}

func TestWriterPlacement(t *testing.T) {
	tests := []struct {
		placement      document.Placement
		prefix, suffix string
	}{
		{document.Replace, "0.5 w\n", "S\n"},
		{document.Underlay, "q\n0.5 w\n", "Q\n\nold S"},
		{document.Overlay, "q\n\nold S\nQ\n", "S\n"},
	}
	for _, tt := range tests {
		t.Run(tt.placement.String(), func(t *testing.T) {
			doc, h := build(t, "old S")
			p := page(t, doc, h, 1)
			b := contentstream.NewBuilder(doc, h)
			b.State().LineWidth = 0.5
			b.MoveTo(0, 0)
			b.LineTo(5, 5)
			writeAll(t, h, p, tt.placement, b.PathEnd(contentstream.Paint{Stroke: true}))
			got := content(t, doc, h, p)
			if !strings.HasPrefix(got, tt.prefix) || !strings.HasSuffix(got, tt.suffix) {
				t.Errorf("content = %q", got)
			}
		})
	}
}

func TestWriterTransparency(t *testing.T) {
	doc, h := build(t, "")
	p := page(t, doc, h, 1)
	b := contentstream.NewBuilder(doc, h)
	b.State().FillAlpha = 0.5
	var elems []contentstream.Element
	for i := 0; i < 3; i++ {
		b.Rect(float64(i), 0, 1, 1)
		elems = append(elems, b.PathEnd(contentstream.Paint{Fill: true}))
	}
	writeAll(t, h, p, document.Replace, elems...)

	got := content(t, doc, h, p)
	if n := strings.Count(got, " gs\n"); n != 1 {
		t.Errorf("%d gs operators in %q", n, got)
	}
	gsDict := resources(t, p, "ExtGState")
	if diff := cmp.Diff([]string{"GS1"}, gsDict.Keys()); diff != "" {
		t.Fatalf("ExtGState names (-want +got):\n%s", diff)
	}
	v, _ := gsDict.Get("GS1")
	if ca, _ := raw.DictFloat(v.(*raw.DictObj), "ca"); ca != 0.5 {
		t.Errorf("ca = %v", ca)
	}
	for _, e := range readAll(t, h, p) {
		if e.State().FillAlpha != 0.5 {
			t.Errorf("%s read back with alpha %v", e.Kind(), e.State().FillAlpha)
		}
	}
}

func resources(t *testing.T, p *document.Page, category string) *raw.DictObj {
	t.Helper()
	v, ok := p.Resources().Get(category)
	if !ok {
		t.Fatalf("no %s resources", category)
	}
	d, ok := v.(*raw.DictObj)
	if !ok {
		t.Fatalf("%s resources are %T", category, v)
	}
	return d
}

func TestWriterFlushesLongRuns(t *testing.T) {
	ctx := context.Background()
	doc, h := build(t, "")
	p := page(t, doc, h, 1)
	b := contentstream.NewBuilder(doc, h)
	w := contentstream.NewWriter(contentstream.WriterOptions{Compress: true})
	if err := w.Begin(ctx, h, p, document.Replace); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 300; i++ {
		b.Rect(float64(i%100), float64(i/100), 1, 1)
		if err := w.WriteElement(b.PathEnd(contentstream.Paint{Fill: true})); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.WriteString("0 0 m 5 5 l S"); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := w.End(); err != nil {
		t.Fatal(err)
	}
	if n := len(readAll(t, h, p)); n != 301 {
		t.Errorf("%d elements, want 301", n)
	}
}

func TestWriterCopiesResourcesAcrossDocuments(t *testing.T) {
	src, sh := build(t, "BT /F1 12 Tf (x) Tj ET")
	srcFont := raw.Dict()
	srcFont.Set("Type", raw.NameLiteral("Font"))
	srcFont.Set("BaseFont", raw.NameLiteral("Source"))
	ref, _ := src.AddObject(sh, srcFont)
	bind(t, src, sh, page(t, src, sh, 1), "Font", "F1", raw.RefObj{R: ref})

	dst, dh := build(t, "")
	dp := page(t, dst, dh, 1)
	dstFont := raw.Dict()
	dstFont.Set("Type", raw.NameLiteral("Font"))
	dstFont.Set("BaseFont", raw.NameLiteral("Target"))
	dref, _ := dst.AddObject(dh, dstFont)
	bind(t, dst, dh, dp, "Font", "F1", raw.RefObj{R: dref})

	elems := readAll(t, sh, page(t, src, sh, 1))

	w := contentstream.NewWriter(contentstream.WriterOptions{})
	if err := w.Begin(context.Background(), dh, dp, document.Replace); err != nil {
		t.Fatal(err)
	}
	var se *pdferr.StateError
	for _, e := range elems {
		if err := w.WriteElement(e); err != nil {
			if !errors.As(err, &se) {
				t.Errorf("copying without a lock on the source = %v", err)
			}
			break
		}
	}
	if se == nil {
		t.Error("font copied out of a document nobody had locked for the writer")
	}
	w.End()

	opts := contentstream.WriterOptions{Sources: []*guard.Holder{sh}}
	writeWith(t, opts, dh, dp, document.Replace, elems...)
	// Writing the same elements again reuses the imported font.
	writeWith(t, opts, dh, dp, document.Overlay, elems...)

	var names []string
	for _, e := range readAll(t, dh, dp) {
		if tx, ok := e.(*contentstream.Text); ok {
			font := tx.GS.Text.Font
			names = append(names, font.Name+"="+raw.DictName(font.Dict(), "BaseFont"))
		}
	}
	if diff := cmp.Diff([]string{"F2=Source", "F2=Source"}, names); diff != "" {
		t.Errorf("fonts (-want +got):\n%s", diff)
	}
	fontsDict := resources(t, dp, "Font")
	v, _ := fontsDict.Get("F1")
	if v.(raw.RefObj).R != dref {
		t.Errorf("existing F1 rebound to %v", v)
	}
}

func TestWriterKeepsOwnResourceNames(t *testing.T) {
	doc, h := build(t, "BT /Body 12 Tf (x) Tj ET")
	p := page(t, doc, h, 1)
	font := raw.Dict()
	font.Set("Type", raw.NameLiteral("Font"))
	ref, _ := doc.AddObject(h, font)
	bind(t, doc, h, p, "Font", "Body", raw.RefObj{R: ref})

	writeAll(t, h, p, document.Replace, readAll(t, h, p)...)
	if got := content(t, doc, h, p); got != "BT\n/Body 12 Tf\n(x) Tj\nET\n" {
		t.Errorf("content = %q", got)
	}
	if keys := resources(t, p, "Font").Keys(); len(keys) != 1 {
		t.Errorf("fonts = %v", keys)
	}
}

func TestWriterMarkedContent(t *testing.T) {
	doc, h := build(t, "/Span <</MCID 3>> BDC EMC /Tag /P1 DP /Art BMC EMC")
	p := page(t, doc, h, 1)
	props := raw.Dict()
	props.Set("Lang", raw.Str([]byte("de")))
	pref, _ := doc.AddObject(h, props)
	bind(t, doc, h, p, "Properties", "P1", raw.RefObj{R: pref})

	writeAll(t, h, p, document.Replace, readAll(t, h, p)...)
	elems := readAll(t, h, p)
	want := []string{"marked-content-begin", "marked-content-end", "marked-content-point", "marked-content-begin", "marked-content-end"}
	if diff := cmp.Diff(want, kinds(elems)); diff != "" {
		t.Fatalf("kinds (-want +got):\n%s", diff)
	}
	span := elems[0].(*contentstream.MarkedContent)
	if mcid, _ := raw.DictInt(span.Properties, "MCID"); span.Tag != "Span" || mcid != 3 {
		t.Errorf("span = %s %v", span.Tag, span.Properties)
	}
	tag := elems[2].(*contentstream.MarkedContent)
	if tag.PropertiesRes == nil || tag.PropertiesRes.Name != "P1" || tag.PropertiesRes.Object == nil {
		t.Errorf("point properties = %+v", tag.PropertiesRes)
	}
}

func TestSaveKeepsElements(t *testing.T) {
	ctx := context.Background()
	doc, h := build(t, "")
	p := page(t, doc, h, 1)
	b := contentstream.NewBuilder(doc, h)

	font, err := b.Font(fonts.Regular())
	if err != nil {
		t.Fatal(err)
	}
	gray := image.NewGray(image.Rect(0, 0, 4, 4))
	for i := range gray.Pix {
		gray.Pix[i] = uint8(i * 16)
	}
	img, err := b.ImageXObject(ctx, gray, contentstream.ImageOptions{})
	if err != nil {
		t.Fatal(err)
	}
	shading, err := b.AxialShading(0, 0, 100, 0, contentstream.RGB(1, 0, 0), contentstream.RGB(0, 0, 1))
	if err != nil {
		t.Fatal(err)
	}
	f := form(t, doc, h, "0 0 m 10 10 l S")

	var elems []contentstream.Element
	add := func(e ...contentstream.Element) { elems = append(elems, e...) }
	add(b.GroupBegin())
	b.State().StrokeColor = contentstream.CMYK(0, 1, 0, 0)
	b.State().LineWidth = 3
	b.State().Dash = contentstream.Dash{Array: []float64{2, 1}}
	b.MoveTo(10, 10)
	b.CurveTo(20, 30, 40, 30, 50, 10)
	b.ClosePath()
	add(b.PathEnd(contentstream.Paint{Stroke: true}))
	add(b.GroupEnd())

	add(b.TextBegin())
	b.SetFont(font, 14)
	b.SetTextMatrix(coords.Translate(20, 150))
	add(b.TextRun("AVATAR Type"))
	b.State().Text.Leading = 16
	add(b.TextNewLine(0, -16))
	add(b.TextRun("second line"))
	add(b.TextEnd())

	add(b.Image(img, 100, 100, 40, 40))
	add(b.GroupBegin())
	b.Rect(0, 0, 100, 20)
	b.Clip(contentstream.ClipNonZero)
	add(b.PathEnd(contentstream.Paint{}))
	add(b.Shading(shading))
	add(b.GroupEnd())
	b.Transform(coords.Translate(150, 150))
	fe, err := b.Form(f)
	if err != nil {
		t.Fatal(err)
	}
	add(fe)
	add(b.MarkedContentBegin("Artifact", nil), b.MarkedContentEnd())

	writeAll(t, h, p, document.Replace, elems...)
	before := summary(readAll(t, h, p))
	if diff := cmp.Diff(summary(elems), before); diff != "" {
		t.Errorf("written elements (-built +read):\n%s", diff)
	}

	re, rh := saveAndReopen(t, doc, h)
	after := summary(readAll(t, rh, page(t, re, rh, 1)))
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("after save (-before +after):\n%s", diff)
	}
}

func TestCopyPageThroughWriter(t *testing.T) {
	doc, h := build(t, sample, "0 0 m 1 1 l S")
	src := readAll(t, h, page(t, doc, h, 1))

	p, err := doc.PageCreate(h, coords.Rect{URX: 200, URY: 200})
	if err != nil {
		t.Fatal(err)
	}
	if err := doc.PagePushBack(h, p); err != nil {
		t.Fatal(err)
	}
	writeAll(t, h, p, document.Replace, src...)

	re, rh := saveAndReopen(t, doc, h)
	if n, _ := re.PageCount(rh); n != 3 {
		t.Fatalf("%d pages after save, want 3", n)
	}
	copied := readAll(t, rh, page(t, re, rh, 3))
	if len(copied) != len(src) {
		t.Errorf("copy has %d elements, original %d", len(copied), len(src))
	}
	if diff := cmp.Diff(summary(src), summary(copied)); diff != "" {
		t.Errorf("copied page (-original +copy):\n%s", diff)
	}
}

func TestWriterImageWithAlpha(t *testing.T) {
	doc, h := build(t, "")
	p := page(t, doc, h, 1)
	b := contentstream.NewBuilder(doc, h)
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.NRGBA{R: 255, A: 128})
	res, err := b.ImageXObject(context.Background(), img, contentstream.ImageOptions{})
	if err != nil {
		t.Fatal(err)
	}
	writeAll(t, h, p, document.Replace, b.Image(res, 0, 0, 10, 10))
	elems := readAll(t, h, p)
	im, ok := elems[0].(*contentstream.Image)
	if !ok {
		t.Fatalf("got %s", elems[0].Kind())
	}
	if _, ok := im.XObject.Dict().Get("SMask"); !ok {
		t.Error("translucent image written without a soft mask")
	}
	if im.GS.CTM != (coords.Matrix{10, 0, 0, 10, 0, 0}) {
		t.Errorf("ctm = %v", im.GS.CTM)
	}
}
