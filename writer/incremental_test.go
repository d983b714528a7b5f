package writer

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/xref"
)

func TestWriteIncrementalAppend(t *testing.T) {
	base, baseRes := write(t, sampleDoc(2), Config{})

	doc := reparse(t, base, "").Document
	content := raw.ObjectRef{Num: 5}
	doc.Objects[content] = raw.NewStream(raw.Dict(), []byte("BT /F1 12 Tf 72 712 Td (Revised) Tj ET"))
	added := raw.ObjectRef{Num: 9}
	note := raw.Dict()
	note.Set("Type", raw.NameLiteral("Annot"))
	doc.Objects[added] = note
	freed := raw.ObjectRef{Num: 7}
	delete(doc.Objects, freed)

	var buf bytes.Buffer
	res, err := Write(context.Background(), doc, &buf, Config{Incremental: &Incremental{
		Base:      bytes.NewReader(base),
		BaseSize:  int64(len(base)),
		StartXRef: baseRes.StartXRef,
		Changed:   []raw.ObjectRef{content, added},
		Freed:     []raw.ObjectRef{freed},
	}})
	if err != nil {
		t.Fatalf("incremental write: %v", err)
	}
	data := buf.Bytes()
	if !bytes.HasPrefix(data, base) {
		t.Fatalf("original revision not preserved")
	}
	update := data[len(base):]
	if !bytes.Contains(update, []byte(fmt.Sprintf("/Prev %d", baseRes.StartXRef))) {
		t.Fatalf("Prev does not reference prior xref offset")
	}
	if bytes.Contains(update, []byte("1 0 obj")) {
		t.Fatalf("unchanged catalog was rewritten")
	}
	if !bytes.HasPrefix(data[res.StartXRef:], []byte("xref")) {
		t.Fatalf("startxref does not point at the new section")
	}

	resolver := xref.NewResolver(xref.ResolverConfig{})
	if _, err := resolver.Resolve(context.Background(), bytes.NewReader(data)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if n := len(resolver.Incremental()); n != 2 {
		t.Fatalf("xref sections = %d, want 2", n)
	}

	got := reparse(t, data, "").Document
	st := got.Objects[content].(*raw.StreamObj)
	if !bytes.Contains(st.Data, []byte("Revised")) {
		t.Fatalf("updated content not picked up: %q", st.Data)
	}
	if _, ok := got.Objects[added]; !ok {
		t.Fatalf("added object missing")
	}
	if _, ok := got.Objects[freed]; ok {
		t.Fatalf("freed object still present")
	}
	if n, _ := raw.DictInt(got.Trailer, "Size"); n != 10 {
		t.Fatalf("/Size = %d, want 10", n)
	}
	if !bytes.Equal(res.ID[0], baseRes.ID[0]) {
		t.Fatalf("permanent id changed: %x vs %x", res.ID[0], baseRes.ID[0])
	}
}

func TestWriteIncrementalOverXRefStream(t *testing.T) {
	base, baseRes := write(t, sampleDoc(1), Config{XRefStreams: true})
	doc := reparse(t, base, "").Document
	info := raw.ObjectRef{Num: 6}
	doc.Objects[info].(*raw.DictObj).Set("Title", raw.TextString("Appended"))

	for _, streams := range []bool{false, true} {
		var buf bytes.Buffer
		_, err := Write(context.Background(), doc, &buf, Config{XRefStreams: streams, Incremental: &Incremental{
			Base:      bytes.NewReader(base),
			BaseSize:  int64(len(base)),
			StartXRef: baseRes.StartXRef,
			Changed:   []raw.ObjectRef{info},
		}})
		if err != nil {
			t.Fatalf("incremental write (xref streams %v): %v", streams, err)
		}
		got := reparse(t, buf.Bytes(), "").Document
		if got.Metadata.Title != "Appended" {
			t.Fatalf("title = %q (xref streams %v)", got.Metadata.Title, streams)
		}
	}
}

func TestWriteIncrementalAddsNewline(t *testing.T) {
	base, baseRes := write(t, sampleDoc(1), Config{})
	base = bytes.TrimRight(base, "\n")
	doc := reparse(t, base, "").Document
	var buf bytes.Buffer
	_, err := Write(context.Background(), doc, &buf, Config{Incremental: &Incremental{
		Base:      bytes.NewReader(base),
		BaseSize:  int64(len(base)),
		StartXRef: baseRes.StartXRef,
	}})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes()[len(base):], []byte("\nxref\n0 0\n")) {
		t.Fatalf("update section = %q", buf.Bytes()[len(base):])
	}
	reparse(t, buf.Bytes(), "")
}

func TestWriteIncrementalRejectsRenumbering(t *testing.T) {
	base, baseRes := write(t, sampleDoc(1), Config{})
	inc := &Incremental{Base: bytes.NewReader(base), BaseSize: int64(len(base)), StartXRef: baseRes.StartXRef}
	for _, cfg := range []Config{
		{Incremental: inc, Linearize: true},
		{Incremental: inc, RemoveUnused: true},
		{Incremental: &Incremental{}},
		{Incremental: &Incremental{Base: bytes.NewReader(base), BaseSize: int64(len(base))}},
	} {
		var buf bytes.Buffer
		if _, err := Write(context.Background(), sampleDoc(1), &buf, cfg); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
}
