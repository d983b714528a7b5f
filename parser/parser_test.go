package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wudi/pdfcore/filters"
	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/pdferr"
	"github.com/wudi/pdfcore/recovery"
	"github.com/wudi/pdfcore/security"
)

// pdfFile assembles a classic-xref PDF with correct offsets.
type pdfFile struct {
	buf     bytes.Buffer
	offsets map[int]int
}

func newPDF() *pdfFile {
	f := &pdfFile{offsets: make(map[int]int)}
	f.buf.WriteString("%PDF-1.7\n%\xE2\xE3\xCF\xD3\n")
	return f
}

func (f *pdfFile) obj(num int, body string) {
	f.offsets[num] = f.buf.Len()
	fmt.Fprintf(&f.buf, "%d 0 obj\n%s\nendobj\n", num, body)
}

func (f *pdfFile) stream(num int, dict string, data []byte) {
	f.offsets[num] = f.buf.Len()
	fmt.Fprintf(&f.buf, "%d 0 obj\n<< %s /Length %d >>\nstream\n", num, dict, len(data))
	f.buf.Write(data)
	f.buf.WriteString("\nendstream\nendobj\n")
}

// finish writes the xref table and a trailer holding /Size plus extra.
func (f *pdfFile) finish(extra string) []byte {
	max := 0
	for n := range f.offsets {
		if n > max {
			max = n
		}
	}
	xref := f.buf.Len()
	fmt.Fprintf(&f.buf, "xref\n0 %d\n0000000000 65535 f \n", max+1)
	for i := 1; i <= max; i++ {
		if off, ok := f.offsets[i]; ok {
			fmt.Fprintf(&f.buf, "%010d 00000 n \n", off)
		} else {
			f.buf.WriteString("0000000000 65535 f \n")
		}
	}
	fmt.Fprintf(&f.buf, "trailer\n<< /Size %d %s >>\nstartxref\n%d\n%%%%EOF\n", max+1, extra, xref)
	return f.buf.Bytes()
}

func buildClassicPDF() []byte {
	f := newPDF()
	f.obj(1, "<< /Type /Catalog /Pages 2 0 R >>")
	f.obj(2, "<< /Type /Pages /Kids [] /Count 0 >>")
	return f.finish("/Root 1 0 R")
}

func parse(t *testing.T, data []byte, cfg Config) *raw.Document {
	t.Helper()
	doc, err := NewDocumentParser(cfg).Parse(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	return doc
}

func TestDocumentParserParsesClassicXRef(t *testing.T) {
	doc := parse(t, buildClassicPDF(), Config{})
	if got := doc.Version; got != "1.7" {
		t.Fatalf("expected version 1.7, got %q", got)
	}
	if len(doc.Objects) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(doc.Objects))
	}
	cat, ok := doc.Objects[raw.ObjectRef{Num: 1}].(*raw.DictObj)
	if !ok || raw.DictName(cat, "Type") != "Catalog" {
		t.Fatalf("catalog missing: %#v", doc.Objects[raw.ObjectRef{Num: 1}])
	}
	if doc.Encrypted {
		t.Fatalf("plain document reported as encrypted")
	}
}

func TestDocumentParserFollowsPrevChain(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.7\n")
	off1 := buf.Len()
	buf.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	off2 := buf.Len()
	buf.WriteString("2 0 obj\n<< /Type /Pages /Count 1 >>\nendobj\n")
	xref1 := buf.Len()
	fmt.Fprintf(buf, "xref\n0 3\n0000000000 65535 f \n%010d 00000 n \n%010d 00000 n \n", off1, off2)
	fmt.Fprintf(buf, "trailer\n<< /Size 3 /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", xref1)

	off2b := buf.Len()
	buf.WriteString("2 0 obj\n<< /Type /Pages /Count 2 >>\nendobj\n")
	off3 := buf.Len()
	buf.WriteString("3 0 obj\n<< /Type /Page /Parent 2 0 R >>\nendobj\n")
	xref2 := buf.Len()
	fmt.Fprintf(buf, "xref\n2 2\n%010d 00000 n \n%010d 00000 n \n", off2b, off3)
	fmt.Fprintf(buf, "trailer\n<< /Size 4 /Root 1 0 R /Prev %d >>\n", xref1)
	fmt.Fprintf(buf, "startxref\n%d\n%%%%EOF\n", xref2)

	res, err := NewDocumentParser(Config{}).ParseResult(context.Background(), bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	doc := res.Document
	if _, ok := doc.Objects[raw.ObjectRef{Num: 3}]; !ok {
		t.Fatalf("incremental object missing")
	}
	if n, _ := raw.DictInt(doc.Objects[raw.ObjectRef{Num: 2}].(*raw.DictObj), "Count"); n != 2 {
		t.Fatalf("expected Count 2 after update, got %d", n)
	}
	if _, ok := doc.Trailer.Get("Prev"); ok {
		t.Fatalf("merged trailer must not carry /Prev")
	}
	if n, _ := raw.DictInt(doc.Trailer, "Size"); n != 4 {
		t.Fatalf("trailer /Size = %d, want 4", n)
	}
	if res.StartXRef != int64(xref2) {
		t.Fatalf("StartXRef = %d, want %d", res.StartXRef, xref2)
	}
}

func TestDocumentParserResolvesIndirectLength(t *testing.T) {
	f := newPDF()
	f.obj(1, "<< /Type /Catalog /Pages 2 0 R >>")
	f.obj(2, "<< /Type /Pages /Kids [] /Count 0 >>")
	payload := "q 1 0 0 1 0 0 cm\nendstream inside text Q"
	f.offsets[3] = f.buf.Len()
	fmt.Fprintf(&f.buf, "3 0 obj\n<< /Length 4 0 R >>\nstream\n%s\nendstream\nendobj\n", payload)
	f.obj(4, fmt.Sprint(len(payload)))
	doc := parse(t, f.finish("/Root 1 0 R"), Config{})

	st, ok := doc.Objects[raw.ObjectRef{Num: 3}].(*raw.StreamObj)
	if !ok {
		t.Fatalf("object 3 is %T, want stream", doc.Objects[raw.ObjectRef{Num: 3}])
	}
	if string(st.Data) != payload {
		t.Fatalf("stream data = %q", st.Data)
	}
}

func TestDocumentParserLoadsObjectStreams(t *testing.T) {
	ctx := context.Background()
	flate := filters.NewFlateEncoder(6)

	bodies := []string{
		"<< /Type /Catalog /Pages 3 0 R >>",
		"<< /Type /Pages /Kids [] /Count 0 >>",
	}
	var header, body strings.Builder
	for i, b := range bodies {
		fmt.Fprintf(&header, "%d %d ", i+2, body.Len())
		body.WriteString(b)
		body.WriteString("\n")
	}
	objstm, err := flate.Encode(ctx, []byte(header.String()+body.String()))
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.5\n")
	off1 := buf.Len()
	fmt.Fprintf(&buf, "1 0 obj\n<< /Type /ObjStm /N 2 /First %d /Filter /FlateDecode /Length %d >>\nstream\n",
		header.Len(), len(objstm))
	buf.Write(objstm)
	buf.WriteString("\nendstream\nendobj\n")

	off4 := buf.Len()
	rows := []byte{
		0, 0, 0, 0xff,
		1, 0, byte(off1 >> 8), byte(off1),
		2, 0, 1, 0,
		2, 0, 1, 1,
		1, 0, byte(off4 >> 8), byte(off4),
	}
	xrefData, err := flate.Encode(ctx, rows)
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprintf(&buf, "4 0 obj\n<< /Type /XRef /Size 5 /W [1 2 1] /Root 2 0 R /Filter /FlateDecode /Length %d >>\nstream\n", len(xrefData))
	buf.Write(xrefData)
	buf.WriteString("\nendstream\nendobj\n")
	fmt.Fprintf(&buf, "startxref\n%d\n%%%%EOF\n", off4)

	doc := parse(t, buf.Bytes(), Config{})
	var refs []int
	for ref := range doc.Objects {
		refs = append(refs, ref.Num)
	}
	sort.Ints(refs)
	if diff := cmp.Diff([]int{2, 3}, refs); diff != "" {
		t.Fatalf("objects mismatch (-want +got):\n%s", diff)
	}
	if doc.Version != "1.5" {
		t.Fatalf("version = %q", doc.Version)
	}
	if raw.DictName(doc.Objects[raw.ObjectRef{Num: 3}].(*raw.DictObj), "Type") != "Pages" {
		t.Fatalf("object 3 not loaded from object stream")
	}
}

func TestDocumentParserDecodesInfo(t *testing.T) {
	f := newPDF()
	f.obj(1, "<< /Type /Catalog /Pages 2 0 R >>")
	f.obj(2, "<< /Type /Pages /Kids [] /Count 0 >>")
	f.obj(3, "<< /Title <FEFF00DC006E00EF0063006F00640065> /Author (A\\225B) /Keywords (one, two) >>")
	doc := parse(t, f.finish("/Root 1 0 R /Info 3 0 R"), Config{})

	want := raw.DocumentMetadata{Title: "Ünïcode", Author: "AŁB", Keywords: "one, two"}
	if diff := cmp.Diff(want, doc.Metadata); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}
}

func TestDocumentParserMissingHeader(t *testing.T) {
	data := bytes.Replace(buildClassicPDF(), []byte("%PDF-1.7"), []byte("%XYZ-1.7"), 1)
	_, err := NewDocumentParser(Config{Recovery: recovery.NewStrictStrategy()}).Parse(context.Background(), bytes.NewReader(data))
	var fe *pdferr.FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FormatError, got %v", err)
	}

	doc := parse(t, data, Config{Recovery: recovery.NewLenientStrategy()})
	if doc.Version != "1.4" {
		t.Fatalf("lenient version = %q, want 1.4", doc.Version)
	}
}

func TestDocumentParserDropsBrokenObjectWhenLenient(t *testing.T) {
	f := newPDF()
	f.obj(1, "<< /Type /Catalog /Pages 2 0 R >>")
	f.obj(2, "<< /Type /Pages /Kids [] /Count 0 >>")
	data := f.finish("/Root 1 0 R")
	// point object 2 at garbage without changing the file length
	data = bytes.Replace(data, []byte("2 0 obj"), []byte("9 0 obj"), 1)

	if _, err := NewDocumentParser(Config{}).Parse(context.Background(), bytes.NewReader(data)); err == nil {
		t.Fatalf("expected header mismatch error")
	}
	rec := recovery.NewLenientStrategy()
	doc := parse(t, data, Config{Recovery: rec})
	if _, ok := doc.Objects[raw.ObjectRef{Num: 2}]; ok {
		t.Fatalf("broken object should be dropped")
	}
	if len(rec.Errors()) == 0 {
		t.Fatalf("expected recorded recovery")
	}
}

// buildEncryptedPDF encrypts the title string and content stream with a
// fresh standard security handler.
func buildEncryptedPDF(t *testing.T, alg security.Algorithm, user, owner string) []byte {
	t.Helper()
	fileID := bytes.Repeat([]byte{0xAB}, 16)
	encDict, h, err := security.BuildStandardEncryption(security.EncryptionOptions{
		UserPassword:  user,
		OwnerPassword: owner,
		Permissions:   raw.Permissions{Print: true},
		Algorithm:     alg,
	}, fileID)
	if err != nil {
		t.Fatalf("build encryption: %v", err)
	}
	title, err := h.Encrypt(4, 0, []byte("Secret Title"), security.DataClassString)
	if err != nil {
		t.Fatal(err)
	}
	content, err := h.Encrypt(5, 0, []byte("BT ET"), security.DataClassStream)
	if err != nil {
		t.Fatal(err)
	}

	f := newPDF()
	f.obj(1, "<< /Type /Catalog /Pages 2 0 R >>")
	f.obj(2, "<< /Type /Pages /Kids [3 0 R] /Count 1 >>")
	f.obj(3, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 100 100] /Contents 5 0 R >>")
	f.obj(4, fmt.Sprintf("<< /Title <%X> >>", title))
	f.stream(5, "", content)
	f.obj(6, dictSource(encDict))
	return f.finish(fmt.Sprintf("/Root 1 0 R /Info 4 0 R /Encrypt 6 0 R /ID [<%X> <%X>]", fileID, fileID))
}

// dictSource serializes the flat /Encrypt dictionaries produced by the
// security package.
func dictSource(d *raw.DictObj) string {
	var sb strings.Builder
	sb.WriteString("<<")
	for _, k := range d.Keys() {
		v, _ := d.Get(k)
		fmt.Fprintf(&sb, " /%s %s", k, objSource(v))
	}
	sb.WriteString(" >>")
	return sb.String()
}

func objSource(o raw.Object) string {
	switch v := o.(type) {
	case raw.NameObj:
		return "/" + v.Val
	case raw.NumberObj:
		return fmt.Sprint(v.Int())
	case raw.BoolObj:
		return fmt.Sprint(v.V)
	case raw.StringObj:
		return fmt.Sprintf("<%X>", v.Bytes)
	case *raw.DictObj:
		return dictSource(v)
	}
	return "null"
}

func TestDocumentParserDecryptsWithUserPassword(t *testing.T) {
	for _, alg := range []security.Algorithm{security.RC4_40, security.RC4_128, security.AES_128, security.AES_256} {
		t.Run(alg.String(), func(t *testing.T) {
			data := buildEncryptedPDF(t, alg, "user", "owner")
			res, err := NewDocumentParser(Config{Password: "user"}).ParseResult(context.Background(), bytes.NewReader(data))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			doc := res.Document
			if !doc.Encrypted || res.Locked {
				t.Fatalf("encrypted=%v locked=%v", doc.Encrypted, res.Locked)
			}
			if doc.Metadata.Title != "Secret Title" {
				t.Fatalf("title = %q", doc.Metadata.Title)
			}
			st := doc.Objects[raw.ObjectRef{Num: 5}].(*raw.StreamObj)
			if string(st.Data) != "BT ET" {
				t.Fatalf("content = %q", st.Data)
			}
			if res.Security.IsOwner() {
				t.Fatalf("user password must not grant owner access")
			}
			if !doc.Permissions.Print || doc.Permissions.Modify {
				t.Fatalf("permissions = %+v", doc.Permissions)
			}
			if res.EncryptRef != (raw.ObjectRef{Num: 6}) {
				t.Fatalf("EncryptRef = %v", res.EncryptRef)
			}
			enc := doc.Objects[raw.ObjectRef{Num: 6}].(*raw.DictObj)
			if _, ok := raw.DictBytes(enc, "O"); !ok {
				t.Fatalf("/Encrypt dictionary lost /O")
			}
		})
	}
}

func TestDocumentParserWrongPassword(t *testing.T) {
	data := buildEncryptedPDF(t, security.AES_128, "user", "owner")
	_, err := NewDocumentParser(Config{Password: "nope"}).Parse(context.Background(), bytes.NewReader(data))
	var authErr *pdferr.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if !errors.Is(err, pdferr.ErrBadPassword) {
		t.Fatalf("expected ErrBadPassword in chain, got %v", err)
	}
}

func TestDocumentParserOpensLocked(t *testing.T) {
	data := buildEncryptedPDF(t, security.RC4_128, "user", "owner")
	p := NewDocumentParser(Config{AllowLocked: true})
	res, err := p.ParseResult(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !res.Locked || len(res.Document.Objects) != 0 {
		t.Fatalf("locked=%v objects=%d", res.Locked, len(res.Document.Objects))
	}
	if _, err := p.Parse(context.Background(), bytes.NewReader(data)); !errors.Is(err, pdferr.ErrLocked) {
		t.Fatalf("Parse on locked file = %v, want ErrLocked", err)
	}

	p.SetPassword("owner")
	res, err = p.ParseResult(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("parse with owner password: %v", err)
	}
	if res.Locked || !res.Security.IsOwner() {
		t.Fatalf("owner password should unlock with owner rights")
	}
	if res.Document.Metadata.Title != "Secret Title" {
		t.Fatalf("title = %q", res.Document.Metadata.Title)
	}
}
