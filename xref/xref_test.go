package xref_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/pdferr"
	"github.com/wudi/pdfcore/xref"
)

// file assembles a PDF and remembers where each object starts.
type file struct {
	buf  bytes.Buffer
	offs map[int]int64
}

func newFile() *file {
	f := &file{offs: make(map[int]int64)}
	f.buf.WriteString("%PDF-1.7\n")
	return f
}

func (f *file) here() int64 { return int64(f.buf.Len()) }

func (f *file) obj(num int, body string) {
	f.offs[num] = f.here()
	fmt.Fprintf(&f.buf, "%d 0 obj\n%s\nendobj\n", num, body)
}

// inUse and free format one-entry subsections for table.
func (f *file) inUse(num int) string {
	return fmt.Sprintf("%d 1\n%010d 00000 n \n", num, f.offs[num])
}

func free(num, gen int) string {
	return fmt.Sprintf("%d 1\n0000000000 %05d f \n", num, gen)
}

// table writes a classic section and returns its offset.
func (f *file) table(trailer string, subsections ...string) int64 {
	off := f.here()
	f.buf.WriteString("xref\n")
	for _, s := range subsections {
		f.buf.WriteString(s)
	}
	fmt.Fprintf(&f.buf, "trailer\n%s\n", trailer)
	return off
}

type row struct{ typ, f2, f3 int }

// stream writes object num as a cross-reference stream (W [1 4 2])
// covering first..first+len(rows)-1 and returns its offset.
func (f *file) stream(num, first int, rows []row, extra string) int64 {
	var data []byte
	for _, r := range rows {
		data = append(data, byte(r.typ))
		data = binary.BigEndian.AppendUint32(data, uint32(r.f2))
		data = binary.BigEndian.AppendUint16(data, uint16(r.f3))
	}
	off := f.here()
	f.offs[num] = off
	fmt.Fprintf(&f.buf, "%d 0 obj\n<< /Type /XRef /W [1 4 2] /Index [%d %d] /Length %d %s >>\nstream\n",
		num, first, len(rows), len(data), extra)
	f.buf.Write(data)
	f.buf.WriteString("\nendstream\nendobj\n")
	return off
}

func (f *file) finish(startxref int64) []byte {
	fmt.Fprintf(&f.buf, "startxref\n%d\n%%%%EOF\n", startxref)
	return f.buf.Bytes()
}

// sizeless hides Size so the resolver has to measure the input itself.
type sizeless struct{ r io.ReaderAt }

func (s sizeless) ReadAt(p []byte, off int64) (int, error) { return s.r.ReadAt(p, off) }

func resolve(t *testing.T, data []byte, cfg xref.ResolverConfig) (xref.Resolver, xref.Table) {
	t.Helper()
	r := xref.NewResolver(cfg)
	tbl, err := r.Resolve(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return r, tbl
}

func TestClassicTable(t *testing.T) {
	f := newFile()
	f.obj(1, "<< /Type /Catalog /Pages 2 0 R >>")
	f.obj(2, "<< /Type /Pages /Kids [] /Count 0 >>")
	f.obj(3, "<< /Producer (test) >>")
	start := f.table("<< /Size 4 /Root 1 0 R /Info 3 0 R >>",
		"0 1\n0000000000 65535 f \n", f.inUse(1), f.inUse(2), f.inUse(3))
	data := f.finish(start)

	for name, ra := range map[string]io.ReaderAt{
		"sized":    bytes.NewReader(data),
		"sizeless": sizeless{bytes.NewReader(data)},
	} {
		t.Run(name, func(t *testing.T) {
			r := xref.NewResolver(xref.ResolverConfig{})
			tbl, err := r.Resolve(context.Background(), ra)
			if err != nil {
				t.Fatal(err)
			}
			if tbl.Type() != "table" || r.Repaired() || r.Linearized() {
				t.Errorf("type %q, repaired %v, linearized %v", tbl.Type(), r.Repaired(), r.Linearized())
			}
			if diff := cmp.Diff([]int{1, 2, 3}, tbl.Objects()); diff != "" {
				t.Errorf("objects (-want +got):\n%s", diff)
			}
			for num, want := range f.offs {
				if off, gen, ok := tbl.Lookup(num); !ok || off != want || gen != 0 {
					t.Errorf("Lookup(%d) = %d, %d, %v; want %d", num, off, gen, ok, want)
				}
			}
			if r.StartXRef() != start {
				t.Errorf("StartXRef = %d, want %d", r.StartXRef(), start)
			}
			if _, ok := r.Trailer().Get("Info"); !ok {
				t.Error("trailer lost /Info")
			}
		})
	}
}

func TestUnwrittenEntriesAreFree(t *testing.T) {
	f := newFile()
	f.obj(1, "<< /Type /Catalog >>")
	// object 2 claims offset 0, object 3 lies past the end of the file
	start := f.table("<< /Size 4 /Root 1 0 R >>",
		f.inUse(1), "2 2\n0000000000 00000 n \n9999999999 00000 n \n")
	_, tbl := resolve(t, f.finish(start), xref.ResolverConfig{})

	if diff := cmp.Diff([]int{1}, tbl.Objects()); diff != "" {
		t.Errorf("objects (-want +got):\n%s", diff)
	}
	for _, num := range []int{2, 3} {
		if _, _, ok := tbl.Lookup(num); ok {
			t.Errorf("object %d has an offset", num)
		}
	}
}

func TestXRefStreamWithObjectStream(t *testing.T) {
	f := newFile()
	f.obj(1, "<< /Type /Catalog /Pages 2 0 R >>")
	f.obj(2, "<< /Type /Pages /Kids [] /Count 0 >>")
	packed := "4 0 5 4 (a) (b)"
	f.obj(3, fmt.Sprintf("<< /Type /ObjStm /N 2 /First 8 /Length %d >>\nstream\n%s\nendstream", len(packed), packed))
	self := f.here()
	start := f.stream(6, 0, []row{
		{0, 0, 65535},
		{1, int(f.offs[1]), 0},
		{1, int(f.offs[2]), 0},
		{1, int(f.offs[3]), 0},
		{2, 3, 0},
		{2, 3, 1},
		{1, int(self), 0},
	}, "/Size 7 /Root 1 0 R")
	r, tbl := resolve(t, f.finish(start), xref.ResolverConfig{})

	if tbl.Type() != "xref-stream" {
		t.Fatalf("type = %q", tbl.Type())
	}
	if diff := cmp.Diff([]int{1, 2, 3, 4, 5, 6}, tbl.Objects()); diff != "" {
		t.Errorf("objects (-want +got):\n%s", diff)
	}
	for num, idx := range map[int]int{4: 0, 5: 1} {
		st, i, ok := tbl.ObjStream(num)
		if !ok || st != 3 || i != idx {
			t.Errorf("ObjStream(%d) = %d, %d, %v; want 3, %d", num, st, i, ok, idx)
		}
		if _, _, ok := tbl.Lookup(num); ok {
			t.Errorf("compressed object %d has a file offset", num)
		}
	}
	if off, _, ok := tbl.Lookup(6); !ok || off != self {
		t.Errorf("Lookup(6) = %d, %v; want %d", off, ok, self)
	}
	// stream bookkeeping keys stay out of the document trailer
	for _, k := range []string{"W", "Index", "Length", "Type"} {
		if _, ok := r.Trailer().Get(k); ok {
			t.Errorf("trailer carries /%s", k)
		}
	}
}

func TestHybridFile(t *testing.T) {
	f := newFile()
	f.obj(1, "<< /Type /Catalog /Pages 2 0 R >>")
	f.obj(2, "<< /Type /Pages /Kids [] /Count 0 >>")
	f.obj(3, "<< /Type /ObjStm /N 1 /First 4 /Length 9 >>\nstream\n4 0 (x)\nendstream")
	self := f.here()
	stm := f.stream(6, 3, []row{
		{1, int(f.offs[3]), 0},
		{2, 3, 0},
		{0, 0, 0},
		{1, int(self), 0},
	}, "/Size 7")
	start := f.table(fmt.Sprintf("<< /Size 7 /Root 1 0 R /XRefStm %d >>", stm),
		"0 1\n0000000000 65535 f \n", f.inUse(1), f.inUse(2))
	r, tbl := resolve(t, f.finish(start), xref.ResolverConfig{})

	if tbl.Type() != "table" {
		t.Errorf("type = %q, want the classic table first", tbl.Type())
	}
	if _, _, ok := tbl.Lookup(1); !ok {
		t.Error("object 1 missing")
	}
	if _, _, ok := tbl.Lookup(3); !ok {
		t.Error("object 3 from the xref stream missing")
	}
	if st, _, ok := tbl.ObjStream(4); !ok || st != 3 {
		t.Errorf("ObjStream(4) = %d, %v", st, ok)
	}
	if n := len(r.Incremental()); n != 1 {
		t.Errorf("%d sections, want 1", n)
	}
	if _, ok := r.Trailer().Get("XRefStm"); ok {
		t.Error("trailer carries /XRefStm")
	}
}

func TestIncrementalUpdate(t *testing.T) {
	f := newFile()
	f.obj(1, "<< /Type /Catalog /Pages 2 0 R >>")
	f.obj(2, "<< /Type /Pages /Kids [] /Count 0 >>")
	f.obj(3, "(old)")
	base := f.table("<< /Size 4 /Root 1 0 R >>",
		"0 1\n0000000000 65535 f \n", f.inUse(1), f.inUse(2), f.inUse(3))
	fmt.Fprintf(&f.buf, "startxref\n%d\n%%%%EOF\n", base)

	f.obj(3, "(new)")
	f.obj(4, "(added)")
	update := f.table(fmt.Sprintf("<< /Size 5 /Prev %d >>", base), f.inUse(3), f.inUse(4), free(2, 1))
	r, tbl := resolve(t, f.finish(update), xref.ResolverConfig{})

	if off, _, _ := tbl.Lookup(3); off != f.offs[3] {
		t.Errorf("object 3 at %d, want the updated copy at %d", off, f.offs[3])
	}
	if _, _, ok := tbl.Lookup(2); ok {
		t.Error("object 2 freed by the update is still in use")
	}
	if diff := cmp.Diff([]int{1, 3, 4}, tbl.Objects()); diff != "" {
		t.Errorf("objects (-want +got):\n%s", diff)
	}
	if _, ok := r.Trailer().Get("Root"); !ok {
		t.Error("/Root not inherited from the base trailer")
	}
	if _, ok := r.Trailer().Get("Prev"); ok {
		t.Error("merged trailer carries /Prev")
	}
	if size, _ := raw.DictInt(r.Trailer(), "Size"); size != 5 {
		t.Errorf("Size = %d, want the newest value 5", size)
	}
	secs := r.Incremental()
	if len(secs) != 2 {
		t.Fatalf("%d sections, want 2", len(secs))
	}
	if _, _, ok := secs[0].Lookup(1); ok {
		t.Error("newest section should not list object 1")
	}
	if _, _, ok := secs[1].Lookup(1); !ok {
		t.Error("base section lost object 1")
	}
	if r.StartXRef() != update {
		t.Errorf("StartXRef = %d, want %d", r.StartXRef(), update)
	}
}

func TestPrevChains(t *testing.T) {
	t.Run("self reference", func(t *testing.T) {
		f := newFile()
		f.obj(1, "<< /Type /Catalog >>")
		start := f.here()
		f.table(fmt.Sprintf("<< /Size 2 /Root 1 0 R /Prev %d >>", start), f.inUse(1))
		r, _ := resolve(t, f.finish(start), xref.ResolverConfig{})
		if n := len(r.Incremental()); n != 1 {
			t.Errorf("%d sections, want the loop visited once", n)
		}
	})
	t.Run("too deep", func(t *testing.T) {
		f := newFile()
		f.obj(1, "<< /Type /Catalog >>")
		prev := f.table("<< /Size 2 /Root 1 0 R >>", f.inUse(1))
		for i := 0; i < 3; i++ {
			prev = f.table(fmt.Sprintf("<< /Size 2 /Prev %d >>", prev), f.inUse(1))
		}
		r := xref.NewResolver(xref.ResolverConfig{MaxXRefDepth: 2})
		_, err := r.Resolve(context.Background(), bytes.NewReader(f.finish(prev)))
		if err == nil || !strings.Contains(err.Error(), "too deep") {
			t.Fatalf("err = %v, want a depth error", err)
		}
	})
}

func TestResolveRejectsBrokenFiles(t *testing.T) {
	catalog := func() *file {
		f := newFile()
		f.obj(1, "<< /Type /Catalog >>")
		return f
	}
	for _, tc := range []struct {
		name  string
		build func() []byte
		want  string
	}{
		{"no startxref", func() []byte { return catalog().buf.Bytes() }, "startxref not found"},
		{"startxref past the end", func() []byte { return catalog().finish(1 << 20) }, "out of range"},
		{"object beyond Size", func() []byte {
			f := catalog()
			return f.finish(f.table("<< /Size 1 /Root 1 0 R >>", f.inUse(1)))
		}, "exceeds trailer /Size"},
		{"no Root", func() []byte {
			f := catalog()
			return f.finish(f.table("<< /Size 2 >>", f.inUse(1)))
		}, "no /Root"},
		{"no Size", func() []byte {
			f := catalog()
			return f.finish(f.table("<< /Root 1 0 R >>", f.inUse(1)))
		}, "no /Size"},
		{"bad entry type", func() []byte {
			f := catalog()
			return f.finish(f.table("<< /Size 2 /Root 1 0 R >>", "1 1\n0000000009 00000 x \n"))
		}, "invalid xref entry type"},
		{"startxref at a plain object", func() []byte {
			f := catalog()
			return f.finish(f.offs[1])
		}, "not an xref stream"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := xref.NewResolver(xref.ResolverConfig{})
			_, err := r.Resolve(context.Background(), bytes.NewReader(tc.build()))
			var fe *pdferr.FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("err = %v, want a FormatError", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestLinearizedDetection(t *testing.T) {
	for _, tc := range []struct {
		first string
		want  bool
	}{
		{"<< /Linearized 1 /L 400 /O 3 /N 1 /H [ 50 60 ] >>", true},
		{"<< /Type /Catalog >>", false},
	} {
		f := newFile()
		f.obj(1, tc.first)
		f.obj(2, "<< /Type /Catalog >>")
		start := f.table("<< /Size 3 /Root 2 0 R >>", f.inUse(1), f.inUse(2))
		r, _ := resolve(t, f.finish(start), xref.ResolverConfig{})
		if r.Linearized() != tc.want {
			t.Errorf("first object %s: Linearized = %v", tc.first, r.Linearized())
		}
	}
}
