package writer

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/security"
	"github.com/wudi/pdfcore/xref"
)

func offsetOf(t *testing.T, table xref.Table, num int) int64 {
	t.Helper()
	off, _, ok := table.Lookup(num)
	if !ok {
		t.Fatalf("object %d not in xref", num)
	}
	return off
}

func TestWriteLinearizedLayout(t *testing.T) {
	doc := sampleDoc(3)
	data, res := write(t, doc, Config{Linearize: true})

	parsed := reparse(t, data, "")
	lin := parsed.Linearization
	if lin == nil || !parsed.Document.Linearized {
		t.Fatalf("output not recognized as linearized")
	}
	page1 := res.Renumbered[raw.ObjectRef{Num: 4}]
	if lin.FirstPageObj != page1.Num || lin.Pages != 3 {
		t.Fatalf("linearization dictionary = %v, page 1 is %v", lin, page1)
	}
	if lin.Length != int64(len(data)) {
		t.Fatalf("/L = %d, file is %d bytes", lin.Length, len(data))
	}
	if !bytes.HasPrefix(data[lin.MainXRef+1:], []byte("0000000000 65535 f")) {
		t.Fatalf("/T does not precede the main xref entries")
	}

	table, err := xref.NewResolver(xref.ResolverConfig{}).Resolve(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.StartXRef >= offsetOf(t, table, page1.Num) {
		t.Fatalf("startxref %d should name the first-page xref", res.StartXRef)
	}
	hintRefs := 0
	for _, num := range table.Objects() {
		if off := offsetOf(t, table, num); off == lin.HintOffset {
			hintRefs++
			if !bytes.HasPrefix(data[off:], []byte(fmt.Sprintf("%d 0 obj", num))) {
				t.Fatalf("/H does not point at an object")
			}
		}
	}
	if hintRefs != 1 {
		t.Fatalf("hint stream offset matched %d objects", hintRefs)
	}

	// every page 1 object ends before /E, every later page starts after it
	for _, old := range []int{4, 5, 3} {
		if off := offsetOf(t, table, res.Renumbered[raw.ObjectRef{Num: old}].Num); off >= lin.EndFirstPage {
			t.Fatalf("first page object %d at %d, /E is %d", old, off, lin.EndFirstPage)
		}
	}
	for _, old := range []int{6, 7, 8, 9} {
		if off := offsetOf(t, table, res.Renumbered[raw.ObjectRef{Num: old}].Num); off < lin.EndFirstPage {
			t.Fatalf("object %d of a later page at %d, before /E %d", old, off, lin.EndFirstPage)
		}
	}

	hints := lin.Hints
	if hints == nil {
		t.Fatalf("hint tables not parsed")
	}
	page1Off := offsetOf(t, table, page1.Num)
	if hints.FirstPageOffset+lin.HintLength != page1Off {
		t.Fatalf("first page offset %d + hint length %d != %d", hints.FirstPageOffset, lin.HintLength, page1Off)
	}
	wantObjects := []int{3, 2, 2}
	for i, p := range hints.Pages {
		if p.Objects != wantObjects[i] {
			t.Fatalf("page %d objects = %d, want %d", i+1, p.Objects, wantObjects[i])
		}
		if diff := cmp.Diff([]int{0}, p.SharedRefs); diff != "" {
			t.Fatalf("page %d shared refs (-want +got):\n%s", i+1, diff)
		}
	}
	page2 := offsetOf(t, table, res.Renumbered[raw.ObjectRef{Num: 6}].Num)
	page3 := offsetOf(t, table, res.Renumbered[raw.ObjectRef{Num: 8}].Num)
	if hints.Pages[1].Length != page3-page2 {
		t.Fatalf("page 2 length = %d, want %d", hints.Pages[1].Length, page3-page2)
	}
	content2 := res.Renumbered[raw.ObjectRef{Num: 7}].Num
	at := page2 + hints.Pages[1].ContentOffset
	if !bytes.HasPrefix(data[at:], []byte(fmt.Sprintf("%d 0 obj", content2))) {
		t.Fatalf("page 2 content offset points at %q", data[at:at+8])
	}
	if end := at + hints.Pages[1].ContentLength; !bytes.HasSuffix(data[:end], []byte("endobj\n")) {
		t.Fatalf("page 2 content length does not end at endobj")
	}

	// the shared font lives in the first page section
	if hints.SharedFirstPage != 1 || len(hints.SharedObjects) != 1 {
		t.Fatalf("shared table: first page %d, entries %d", hints.SharedFirstPage, len(hints.SharedObjects))
	}
	font := res.Renumbered[raw.ObjectRef{Num: 3}].Num
	fontOff := offsetOf(t, table, font)
	if !bytes.HasSuffix(data[:fontOff+hints.SharedObjects[0].Length], []byte("endobj\n")) {
		t.Fatalf("shared group length %d does not cover the font", hints.SharedObjects[0].Length)
	}
}

func TestWriteLinearizedRoundTrip(t *testing.T) {
	doc := sampleDoc(3)
	data, res := write(t, doc, Config{Linearize: true})
	got := reparse(t, data, "").Document

	want := make(map[raw.ObjectRef]raw.Object, len(doc.Objects))
	for old, obj := range doc.Objects {
		want[res.Renumbered[old]] = remap(obj, res.Renumbered)
	}
	if diff := cmp.Diff(normalize(want), normalize(got.Objects)); diff != "" {
		t.Fatalf("objects differ (-want +got):\n%s", diff)
	}
	root, _ := got.Trailer.Get("Root")
	if root.(raw.RefObj).R != res.Renumbered[raw.ObjectRef{Num: 1}] {
		t.Fatalf("/Root = %v", root)
	}
	if got.Metadata.Title != "Sample" {
		t.Fatalf("title = %q", got.Metadata.Title)
	}
}

func TestWriteLinearizedEncrypted(t *testing.T) {
	doc := sampleDoc(2)
	h, encRef := encryptDoc(t, doc, security.AES_256)
	data, res := write(t, doc, Config{Linearize: true, Security: h, EncryptRef: encRef})
	parsed := reparse(t, data, "user")
	if parsed.EncryptRef != res.Renumbered[encRef] {
		t.Fatalf("EncryptRef = %v, want %v", parsed.EncryptRef, res.Renumbered[encRef])
	}
	if parsed.Linearization == nil || parsed.Linearization.Hints == nil {
		t.Fatalf("encrypted hint stream not readable")
	}
	if len(parsed.Linearization.Hints.Pages) != 2 {
		t.Fatalf("hint pages = %d", len(parsed.Linearization.Hints.Pages))
	}
	if parsed.Document.Metadata.Title != "Sample" {
		t.Fatalf("title = %q", parsed.Document.Metadata.Title)
	}
}

func TestWriteLinearizedAfterRemoveUnused(t *testing.T) {
	doc := sampleDoc(2)
	orphan := raw.ObjectRef{Num: 30}
	doc.Objects[orphan] = raw.NewStream(raw.Dict(), []byte("orphaned"))
	data, res := write(t, doc, Config{Linearize: true, RemoveUnused: true})
	if bytes.Contains(data, []byte("orphaned")) {
		t.Fatalf("unreachable object written")
	}
	if _, ok := res.Renumbered[orphan]; ok {
		t.Fatalf("orphan kept a number")
	}
	parsed := reparse(t, data, "")
	if parsed.Linearization.FirstPageObj != res.Renumbered[raw.ObjectRef{Num: 4}].Num {
		t.Fatalf("/O = %d, page 1 mapped to %v", parsed.Linearization.FirstPageObj, res.Renumbered[raw.ObjectRef{Num: 4}])
	}
	if len(parsed.Document.Objects) != len(doc.Objects)-1 {
		t.Fatalf("objects = %d, want %d", len(parsed.Document.Objects), len(doc.Objects)-1)
	}
}

func TestWriteLinearizedSharedSection(t *testing.T) {
	doc := sampleDoc(3)
	// pages 2 and 3 share an image page 1 does not use
	img := raw.Dict()
	img.Set("Type", raw.NameLiteral("XObject"))
	img.Set("Subtype", raw.NameLiteral("Image"))
	imgRef := raw.ObjectRef{Num: 11}
	doc.Objects[imgRef] = raw.NewStream(img, []byte{1, 2, 3})
	for _, page := range []int{6, 8} {
		xo := raw.Dict()
		xo.Set("Im1", raw.RefObj{R: imgRef})
		res := doc.Objects[raw.ObjectRef{Num: page}].(*raw.DictObj).KV["Resources"].(*raw.DictObj)
		res.Set("XObject", xo)
	}
	data, out := write(t, doc, Config{Linearize: true})
	hints := reparse(t, data, "").Linearization.Hints
	if hints == nil {
		t.Fatalf("hint tables missing")
	}
	if hints.SharedFirstPage != 1 || len(hints.SharedObjects) != 2 {
		t.Fatalf("shared table: first page %d, entries %d", hints.SharedFirstPage, len(hints.SharedObjects))
	}
	if hints.SharedFirstObj != out.Renumbered[imgRef].Num {
		t.Fatalf("first shared object = %d, want %d", hints.SharedFirstObj, out.Renumbered[imgRef].Num)
	}
	if diff := cmp.Diff([]int{0}, hints.Pages[0].SharedRefs); diff != "" {
		t.Fatalf("page 1 shared refs (-want +got):\n%s", diff)
	}
	if len(hints.Pages[1].SharedRefs) != 2 || len(hints.Pages[2].SharedRefs) != 2 {
		t.Fatalf("later pages should reference the font and the image: %v %v", hints.Pages[1].SharedRefs, hints.Pages[2].SharedRefs)
	}
}

func TestWriteLinearizedNeedsPages(t *testing.T) {
	doc := sampleDoc(1)
	pages := doc.Objects[raw.ObjectRef{Num: 2}].(*raw.DictObj)
	pages.Set("Kids", raw.NewArray())
	pages.Set("Count", raw.NumberInt(0))
	var buf bytes.Buffer
	if _, err := Write(context.Background(), doc, &buf, Config{Linearize: true}); err == nil {
		t.Fatalf("expected error for a document without pages")
	}
}

func TestBitWriter(t *testing.T) {
	var buf bytes.Buffer
	bw := newBitWriter(&buf)
	bw.write(0x5, 3)
	bw.flush()
	bw.write(0xABCD, 16)
	bw.write(1, 1)
	bw.flush()
	if diff := cmp.Diff([]byte{0xA0, 0xAB, 0xCD, 0x80}, buf.Bytes()); diff != "" {
		t.Fatalf("bits (-want +got):\n%s", diff)
	}
	for val, want := range map[int64]int{0: 0, 1: 1, 2: 2, 255: 8, 256: 9} {
		if got := bitsNeeded(val); got != want {
			t.Errorf("bitsNeeded(%d) = %d, want %d", val, got, want)
		}
	}
}
