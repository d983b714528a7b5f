package xref

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/observability"
	"github.com/wudi/pdfcore/pdferr"
	"github.com/wudi/pdfcore/recovery"
	"github.com/wudi/pdfcore/scanner"
)

// Table maps object numbers to their location in the file.
type Table interface {
	// Lookup returns the byte offset of an uncompressed, in-use object.
	Lookup(objNum int) (offset int64, gen int, found bool)
	// ObjStream returns the object stream holding a compressed object.
	ObjStream(objNum int) (streamNum int, index int, found bool)
	Objects() []int
	Type() string
	Trailer() *raw.DictObj
}

// Resolver locates and parses xref information in a PDF.
type Resolver interface {
	Resolve(ctx context.Context, r io.ReaderAt) (Table, error)
	Linearized() bool
	// Incremental returns the individual xref sections, newest first.
	Incremental() []Table
	Trailer() *raw.DictObj
	// StartXRef is the offset of the newest xref section, or -1 after repair.
	StartXRef() int64
	Repaired() bool
}

type ResolverConfig struct {
	MaxXRefDepth int
	Recovery     recovery.Strategy
	Logger       observability.Logger
	// Size is the input length. Readers implementing Size() int64 need not
	// set it.
	Size int64
}

// NewResolver returns a resolver handling classic tables, xref streams,
// hybrid files and /Prev chains. With a Recovery strategy that allows
// fixing, a damaged xref falls back to a full-file scan.
func NewResolver(cfg ResolverConfig) Resolver {
	if cfg.MaxXRefDepth <= 0 {
		cfg.MaxXRefDepth = 50
	}
	return &resolver{cfg: cfg, log: observability.OrDefault(cfg.Logger), startxref: -1}
}

// EntryKind classifies an xref entry.
type EntryKind int

const (
	EntryFree EntryKind = iota
	EntryInUse
	EntryCompressed
)

// Entry is one row of an xref section.
type Entry struct {
	Kind   EntryKind
	Offset int64 // EntryInUse
	Gen    int
	Stream int // EntryCompressed: object number of the object stream
	Index  int // EntryCompressed: index within the object stream
}

type table struct {
	kind    string
	entries map[int]Entry
	trailer *raw.DictObj
	offset  int64
}

func newTable(kind string) *table { return &table{kind: kind, entries: make(map[int]Entry)} }

func (t *table) Lookup(objNum int) (int64, int, bool) {
	e, ok := t.entries[objNum]
	if !ok || e.Kind != EntryInUse {
		return 0, 0, false
	}
	return e.Offset, e.Gen, true
}

func (t *table) ObjStream(objNum int) (int, int, bool) {
	e, ok := t.entries[objNum]
	if !ok || e.Kind != EntryCompressed {
		return 0, 0, false
	}
	return e.Stream, e.Index, true
}

// Objects lists the in-use and compressed object numbers.
func (t *table) Objects() []int {
	out := make([]int, 0, len(t.entries))
	for k, e := range t.entries {
		if e.Kind != EntryFree {
			out = append(out, k)
		}
	}
	sort.Ints(out)
	return out
}

func (t *table) Type() string          { return t.kind }
func (t *table) Trailer() *raw.DictObj { return t.trailer }

// setIfAbsent records e unless a newer section already defined objNum.
func (t *table) setIfAbsent(objNum int, e Entry) {
	if _, ok := t.entries[objNum]; !ok {
		t.entries[objNum] = e
	}
}

type resolver struct {
	cfg        ResolverConfig
	log        observability.Logger
	linearized bool
	sections   []Table
	trailer    *raw.DictObj
	startxref  int64
	repaired   bool
}

func (r *resolver) Linearized() bool      { return r.linearized }
func (r *resolver) Incremental() []Table  { return r.sections }
func (r *resolver) Trailer() *raw.DictObj { return r.trailer }
func (r *resolver) StartXRef() int64      { return r.startxref }
func (r *resolver) Repaired() bool        { return r.repaired }

func (r *resolver) Resolve(ctx context.Context, ra io.ReaderAt) (Table, error) {
	size := r.cfg.Size
	if sz, ok := ra.(interface{ Size() int64 }); ok {
		size = sz.Size()
	}
	if size <= 0 {
		size = measureSize(ra)
	}
	r.linearized = detectLinearized(ra, size)

	merged, err := r.resolveChain(ctx, ra, size)
	if err == nil {
		err = validateSize(merged)
	}
	if err == nil {
		return merged, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if !r.allowRepair(err) {
		return nil, err
	}
	r.log.Warn("xref damaged, scanning file for objects", observability.Error("error", err))
	repaired, rerr := repair(ctx, ra, size)
	if rerr != nil {
		return nil, &pdferr.FormatError{Op: "xref repair", Offset: -1, Err: errors.Join(err, rerr)}
	}
	r.repaired = true
	r.startxref = -1
	r.sections = []Table{repaired}
	r.trailer = repaired.trailer
	return repaired, nil
}

func (r *resolver) allowRepair(err error) bool {
	if r.cfg.Recovery == nil {
		return false
	}
	switch r.cfg.Recovery.OnError(nil, err, recovery.Location{ByteOffset: -1, Component: "xref"}) {
	case recovery.ActionFix, recovery.ActionSkip, recovery.ActionWarn:
		return true
	}
	return false
}

func (r *resolver) resolveChain(ctx context.Context, ra io.ReaderAt, size int64) (*table, error) {
	start, err := findStartXRef(ra, size)
	if err != nil {
		return nil, err
	}
	r.startxref = start
	r.sections = nil

	merged := newTable("")
	var trailers []*raw.DictObj
	visited := make(map[int64]bool)
	pending := []int64{start}
	for depth := 0; len(pending) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if depth >= r.cfg.MaxXRefDepth {
			return nil, &pdferr.FormatError{Op: "xref", Offset: pending[0], Err: errors.New("xref chain too deep")}
		}
		off := pending[0]
		pending = pending[1:]
		if visited[off] {
			continue
		}
		visited[off] = true

		sec, err := readSection(ctx, ra, size, off)
		if err != nil {
			return nil, err
		}
		r.log.Debug("xref section loaded",
			observability.Int64("offset", off),
			observability.String("type", sec.kind),
			observability.Int("entries", len(sec.entries)))
		if merged.kind == "" {
			merged.kind = sec.kind
			merged.offset = off
		}
		trailers = append(trailers, sec.trailer)
		r.sections = append(r.sections, sec)

		// hybrid files: the xref stream fills gaps before /Prev is consulted
		var next []int64
		if n, ok := raw.DictInt(sec.trailer, "XRefStm"); ok && sec.kind == "table" {
			hybrid, err := readSection(ctx, ra, size, n)
			if err != nil {
				return nil, err
			}
			visited[n] = true
			for num, e := range sec.entries {
				merged.setIfAbsent(num, e)
			}
			sec = hybrid
		}
		for num, e := range sec.entries {
			merged.setIfAbsent(num, e)
		}
		if n, ok := raw.DictInt(trailers[len(trailers)-1], "Prev"); ok {
			next = append(next, n)
		}
		pending = append(pending, next...)
	}
	merged.trailer = mergeTrailers(trailers)
	r.trailer = merged.trailer
	if _, ok := merged.trailer.Get("Root"); !ok {
		return nil, &pdferr.FormatError{Op: "xref", Offset: start, Err: errors.New("trailer has no /Root")}
	}
	return merged, nil
}

// mergeTrailers combines trailers newest first; keys missing from a newer
// trailer are inherited from older ones.
func mergeTrailers(trailers []*raw.DictObj) *raw.DictObj {
	out := raw.Dict()
	for i := len(trailers) - 1; i >= 0; i-- {
		t := trailers[i]
		for _, k := range t.Keys() {
			switch k {
			case "Prev", "XRefStm", "Type", "W", "Index", "Length", "Filter", "DecodeParms":
				continue
			}
			v, _ := t.Get(k)
			out.Set(k, v)
		}
	}
	return out
}

func validateSize(t *table) error {
	size, ok := raw.DictInt(t.trailer, "Size")
	if !ok {
		return &pdferr.FormatError{Op: "xref", Offset: t.offset, Err: errors.New("trailer has no /Size")}
	}
	for num, e := range t.entries {
		if e.Kind != EntryFree && int64(num) >= size {
			return &pdferr.FormatError{Op: "xref", Offset: t.offset,
				Err: fmt.Errorf("object %d exceeds trailer /Size %d", num, size)}
		}
	}
	return nil
}

const tailWindow = 2048

func findStartXRef(ra io.ReaderAt, size int64) (int64, error) {
	from := size - tailWindow
	if from < 0 {
		from = 0
	}
	tail := make([]byte, size-from)
	n, err := ra.ReadAt(tail, from)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, pdferr.IO("read trailer", "", err)
	}
	tail = tail[:n]
	idx := bytes.LastIndex(tail, []byte("startxref"))
	if idx < 0 {
		return 0, &pdferr.FormatError{Op: "xref", Offset: -1, Err: errors.New("startxref not found")}
	}
	rest := bytes.TrimLeft(tail[idx+len("startxref"):], " \t\r\n\x00\x0c")
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	off, err := strconv.ParseInt(string(rest[:end]), 10, 64)
	if err != nil {
		return 0, &pdferr.FormatError{Op: "xref", Offset: from + int64(idx), Err: fmt.Errorf("parse startxref: %w", err)}
	}
	if off <= 0 || off >= size {
		return 0, &pdferr.FormatError{Op: "xref", Offset: from + int64(idx), Err: fmt.Errorf("xref offset out of range: %d", off)}
	}
	return off, nil
}

func readSection(ctx context.Context, ra io.ReaderAt, size, off int64) (*table, error) {
	if off < 0 || off >= size {
		return nil, &pdferr.FormatError{Op: "xref", Offset: off, Err: errors.New("xref offset out of range")}
	}
	head := make([]byte, 32)
	n, _ := ra.ReadAt(head, off)
	head = bytes.TrimLeft(head[:n], " \t\r\n\x00\x0c")
	if bytes.HasPrefix(head, []byte("xref")) {
		return readTable(ra, size, off)
	}
	return readStream(ctx, ra, off)
}

func measureSize(ra io.ReaderAt) int64 {
	var total int64
	buf := make([]byte, 64*1024)
	for {
		n, err := ra.ReadAt(buf, total)
		total += int64(n)
		if err != nil || n == 0 {
			return total
		}
	}
}

// detectLinearized checks whether the first object carries /Linearized.
func detectLinearized(ra io.ReaderAt, size int64) bool {
	s := scanner.New(ra, scanner.Config{WindowSize: 1024, MaxStreamScan: 1024})
	or := scanner.NewObjectReader(s)
	for i := 0; i < 4; i++ {
		tok, err := or.Next()
		if err != nil || s.Position() > 1024 || s.Position() > size {
			return false
		}
		if tok.IsKeyword("obj") {
			obj, err := or.ReadObject()
			if err != nil {
				return false
			}
			d, _ := obj.(*raw.DictObj)
			_, ok := d.Get("Linearized")
			return ok
		}
	}
	return false
}
