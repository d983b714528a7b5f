package contentstream_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/wudi/pdfcore/contentstream"
	"github.com/wudi/pdfcore/coords"
	"github.com/wudi/pdfcore/document"
	"github.com/wudi/pdfcore/guard"
	"github.com/wudi/pdfcore/ir/raw"
)

// build creates a write-locked document with one 200x200 page per content
// string.
func build(t *testing.T, contents ...string) (*document.Document, *guard.Holder) {
	t.Helper()
	doc := document.New(document.OpenOptions{})
	h := doc.NewHolder()
	if err := doc.Lock(h); err != nil {
		t.Fatal(err)
	}
	for _, c := range contents {
		p, err := doc.PageCreate(h, coords.Rect{URX: 200, URY: 200})
		if err != nil {
			t.Fatal(err)
		}
		if err := doc.SetContent(context.Background(), h, p, document.Replace, []byte(c), false); err != nil {
			t.Fatal(err)
		}
		if err := doc.PagePushBack(h, p); err != nil {
			t.Fatal(err)
		}
	}
	return doc, h
}

func page(t *testing.T, doc *document.Document, h *guard.Holder, n int) *document.Page {
	t.Helper()
	p, err := doc.GetPage(h, n)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func form(t *testing.T, doc *document.Document, h *guard.Holder, content string) *document.Form {
	t.Helper()
	f, err := doc.FormCreate(h, coords.Rect{URX: 10, URY: 10})
	if err != nil {
		t.Fatal(err)
	}
	if err := doc.SetContent(context.Background(), h, f, document.Replace, []byte(content), false); err != nil {
		t.Fatal(err)
	}
	return f
}

func bind(t *testing.T, doc *document.Document, h *guard.Holder, c document.Container, category, name string, obj raw.Object) {
	t.Helper()
	d, err := doc.ResourceDict(h, c, category)
	if err != nil {
		t.Fatal(err)
	}
	d.Set(name, obj)
}

func saveAndReopen(t *testing.T, doc *document.Document, h *guard.Holder) (*document.Document, *guard.Holder) {
	t.Helper()
	var buf bytes.Buffer
	if err := doc.Save(context.Background(), h, &buf, document.SaveOptions{}); err != nil {
		t.Fatalf("save: %v", err)
	}
	re, err := document.OpenBytes(context.Background(), buf.Bytes(), document.OpenOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	rh := re.NewHolder()
	if err := re.Lock(rh); err != nil {
		t.Fatal(err)
	}
	return re, rh
}

func readAll(t *testing.T, h *guard.Holder, c document.Container) []contentstream.Element {
	t.Helper()
	r := contentstream.NewReader(contentstream.ReaderOptions{})
	if err := r.Begin(context.Background(), h, c); err != nil {
		t.Fatal(err)
	}
	defer r.End()
	var out []contentstream.Element
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, e)
	}
}

func writeAll(t *testing.T, h *guard.Holder, c document.Container, placement document.Placement, elems ...contentstream.Element) {
	t.Helper()
	writeWith(t, contentstream.WriterOptions{}, h, c, placement, elems...)
}

func writeWith(t *testing.T, opts contentstream.WriterOptions, h *guard.Holder, c document.Container, placement document.Placement, elems ...contentstream.Element) {
	t.Helper()
	w := contentstream.NewWriter(opts)
	if err := w.Begin(context.Background(), h, c, placement); err != nil {
		t.Fatal(err)
	}
	for _, e := range elems {
		if err := w.WriteElement(e); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.End(); err != nil {
		t.Fatal(err)
	}
}

func content(t *testing.T, doc *document.Document, h *guard.Holder, c document.Container) string {
	t.Helper()
	data, err := doc.ContentData(context.Background(), h, c)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// summary describes an element by the parts that survive serialization,
// without the document pointers cmp cannot look into.
func summary(elems []contentstream.Element) []string {
	var out []string
	for _, e := range elems {
		gs := e.State()
		s := fmt.Sprintf("%s ctm=%.3f fill=%s%.3f", e.Kind(), gs.CTM, gs.FillColor.Space.Family, gs.FillColor.Components)
		switch e := e.(type) {
		case *contentstream.Text:
			s += fmt.Sprintf(" %q size=%g tm=%.3f", e.String(), gs.Text.Size, gs.Text.LineMatrix)
		case *contentstream.Path:
			s += fmt.Sprintf(" %v paint=%s", e.Segments, paintName(e.Paint))
		case *contentstream.Image:
			w, h := e.Size()
			s += fmt.Sprintf(" %dx%d", w, h)
		case *contentstream.TextNewLine:
			s += fmt.Sprintf(" %g,%g", e.Tx, e.Ty)
		}
		out = append(out, s)
	}
	return out
}

func paintName(p contentstream.Paint) string {
	return fmt.Sprintf("fill=%t stroke=%t clip=%d", p.Fill, p.Stroke, p.Clip)
}

func kinds(elems []contentstream.Element) []string {
	var out []string
	for _, e := range elems {
		out = append(out, e.Kind().String())
	}
	return out
}
