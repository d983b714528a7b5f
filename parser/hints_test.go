package parser

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wudi/pdfcore/ir/raw"
)

type testBits struct {
	out  []byte
	acc  uint64
	bits uint
}

func (w *testBits) put(v uint64, n uint) {
	for i := int(n) - 1; i >= 0; i-- {
		w.acc = w.acc<<1 | (v>>uint(i))&1
		w.bits++
		if w.bits == 8 {
			w.out = append(w.out, byte(w.acc))
			w.acc, w.bits = 0, 0
		}
	}
}

func (w *testBits) align() {
	if w.bits > 0 {
		w.put(0, 8-w.bits)
	}
}

func TestParseHintStream(t *testing.T) {
	var w testBits
	// page offset header: two pages, 3 and 5 objects, lengths 100 and 140
	for _, f := range []struct {
		v uint64
		n uint
	}{
		{3, 32}, {1234, 32}, {2, 16}, {100, 32}, {6, 16},
		{0, 32}, {0, 16}, {0, 32}, {0, 16},
		{1, 16}, {1, 16}, {0, 16}, {0, 16},
	} {
		w.put(f.v, f.n)
	}
	w.put(0, 2)
	w.put(2, 2)
	w.align()
	w.put(0, 6)
	w.put(40, 6)
	w.align()
	w.put(0, 1)
	w.put(1, 1)
	w.align()
	w.put(1, 1) // page 2 references shared entry 1
	w.align()
	w.align()
	w.align()
	w.align()
	shared := len(w.out)

	for _, f := range []struct {
		v uint64
		n uint
	}{
		{7, 32}, {2000, 32}, {1, 32}, {2, 32}, {0, 16}, {50, 32}, {4, 16},
	} {
		w.put(f.v, f.n)
	}
	w.put(0, 4)
	w.put(10, 4)
	w.align()
	w.put(0, 1)
	w.put(0, 1)
	w.align()
	w.align()

	dict := raw.Dict()
	dict.Set("S", raw.NumberInt(int64(shared)))
	ht, err := ParseHintStream(w.out, dict, 2)
	if err != nil {
		t.Fatalf("ParseHintStream failed: %v", err)
	}
	want := &raw.HintTable{
		FirstPageOffset: 1234,
		Pages: []raw.PageOffsetHint{
			{Objects: 3, Length: 100},
			{Objects: 5, Length: 140, SharedRefs: []int{1}},
		},
		SharedFirstObj:    7,
		SharedFirstOffset: 2000,
		SharedFirstPage:   1,
		SharedObjects:     []raw.SharedObjectHint{{Length: 50, Objects: 1}, {Length: 60, Objects: 1}},
	}
	if diff := cmp.Diff(want, ht); diff != "" {
		t.Fatalf("hint table mismatch (-want +got):\n%s", diff)
	}
}

func TestParseHintStreamRejectsBadOffset(t *testing.T) {
	dict := raw.Dict()
	dict.Set("S", raw.NumberInt(500))
	if _, err := ParseHintStream(make([]byte, 10), dict, 1); err == nil {
		t.Fatalf("expected error for /S beyond data")
	}
	if _, err := ParseHintStream(make([]byte, 10), raw.Dict(), 1); err == nil {
		t.Fatalf("expected error for missing /S")
	}
}
