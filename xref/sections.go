package xref

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/wudi/pdfcore/filters"
	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/pdferr"
	"github.com/wudi/pdfcore/scanner"
)

// readTable parses a classic "xref" section and its trailer dictionary.
func readTable(ra io.ReaderAt, size, off int64) (*table, error) {
	s := scanner.New(ra, scanner.Config{})
	if err := s.Seek(off); err != nil {
		return nil, &pdferr.FormatError{Op: "xref", Offset: off, Err: err}
	}
	fail := func(pos int64, format string, args ...any) error {
		return &pdferr.FormatError{Op: "xref table", Offset: pos, Err: fmt.Errorf(format, args...)}
	}
	tok, err := s.Next()
	if err != nil || !tok.IsKeyword("xref") {
		return nil, fail(off, "xref keyword not found at offset")
	}
	t := newTable("table")
	t.offset = off
	for {
		tok, err := s.Next()
		if err != nil {
			return nil, fail(s.Position(), "unexpected end of xref section")
		}
		if tok.IsKeyword("trailer") {
			break
		}
		if tok.Type != scanner.TokenNumber || !tok.IsInt {
			return nil, fail(tok.Pos, "invalid xref subsection header")
		}
		startObj := int(tok.Int)
		cnt, err := s.Next()
		if err != nil || cnt.Type != scanner.TokenNumber || !cnt.IsInt || cnt.Int < 0 {
			return nil, fail(tok.Pos, "invalid xref subsection count")
		}
		for i := 0; i < int(cnt.Int); i++ {
			offTok, err1 := s.Next()
			genTok, err2 := s.Next()
			kind, err3 := s.Next()
			if err := errors.Join(err1, err2, err3); err != nil {
				return nil, fail(s.Position(), "unexpected end of xref section")
			}
			if offTok.Type != scanner.TokenNumber || genTok.Type != scanner.TokenNumber || kind.Type != scanner.TokenKeyword {
				return nil, fail(offTok.Pos, "invalid xref entry")
			}
			num := startObj + i
			switch kind.Str {
			case "n":
				// some writers emit offset 0 for objects they never wrote
				if offTok.Int <= 0 || offTok.Int >= size {
					t.setIfAbsent(num, Entry{Kind: EntryFree, Gen: int(genTok.Int)})
					continue
				}
				t.setIfAbsent(num, Entry{Kind: EntryInUse, Offset: offTok.Int, Gen: int(genTok.Int)})
			case "f":
				t.setIfAbsent(num, Entry{Kind: EntryFree, Gen: int(genTok.Int)})
			default:
				return nil, fail(kind.Pos, "invalid xref entry type %q", kind.Str)
			}
		}
	}
	or := scanner.NewObjectReader(s)
	obj, err := or.ReadObject()
	if err != nil {
		return nil, fail(s.Position(), "trailer: %v", err)
	}
	d, ok := obj.(*raw.DictObj)
	if !ok {
		return nil, fail(s.Position(), "trailer is not a dictionary")
	}
	t.trailer = d
	return t, nil
}

// readStream parses a cross-reference stream object at off.
func readStream(ctx context.Context, ra io.ReaderAt, off int64) (*table, error) {
	st, err := loadObjectAt(ra, off)
	if err != nil {
		return nil, err
	}
	stream, ok := st.(*raw.StreamObj)
	if !ok || raw.DictName(stream.Dict, "Type") != "XRef" {
		return nil, &pdferr.FormatError{Op: "xref stream", Offset: off, Err: errors.New("object is not an xref stream")}
	}
	t := newTable("xref-stream")
	t.offset = off
	t.trailer = stream.Dict
	if err := decodeXRefStream(ctx, stream, t); err != nil {
		return nil, &pdferr.FormatError{Op: "xref stream", Offset: off, Err: err}
	}
	return t, nil
}

func loadObjectAt(ra io.ReaderAt, off int64) (raw.Object, error) {
	s := scanner.New(ra, scanner.Config{})
	if err := s.Seek(off); err != nil {
		return nil, &pdferr.FormatError{Op: "xref stream", Offset: off, Err: err}
	}
	or := scanner.NewObjectReader(s)
	var hdr [3]scanner.Token
	for i := range hdr {
		tok, err := or.Next()
		if err != nil {
			return nil, &pdferr.FormatError{Op: "xref stream", Offset: off, Err: err}
		}
		hdr[i] = tok
	}
	if hdr[0].Type != scanner.TokenNumber || hdr[1].Type != scanner.TokenNumber || !hdr[2].IsKeyword("obj") {
		return nil, &pdferr.FormatError{Op: "xref stream", Offset: off, Err: errors.New("expected object header")}
	}
	obj, err := or.ReadObject()
	if err != nil {
		return nil, &pdferr.FormatError{Op: "xref stream", Offset: off, Err: err}
	}
	return obj, nil
}

func decodeXRefStream(ctx context.Context, stream *raw.StreamObj, t *table) error {
	w, ok := raw.Floats(mustGet(stream.Dict, "W"))
	if !ok || len(w) != 3 {
		return errors.New("invalid /W array")
	}
	widths := [3]int{int(w[0]), int(w[1]), int(w[2])}
	for _, n := range widths {
		if n < 0 || n > 8 {
			return fmt.Errorf("invalid /W width %d", n)
		}
	}
	size, ok := raw.DictInt(stream.Dict, "Size")
	if !ok {
		return errors.New("xref stream has no /Size")
	}
	index := []float64{0, float64(size)}
	if idx, ok := raw.Floats(mustGet(stream.Dict, "Index")); ok && len(idx)%2 == 0 && len(idx) > 0 {
		index = idx
	}

	names, params := filters.ExtractFilters(stream.Dict, nil)
	data := stream.Data
	if len(names) > 0 {
		var err error
		data, err = filters.NewDefaultPipeline(filters.Limits{}).Decode(ctx, data, names, params)
		if err != nil {
			return err
		}
	}

	rowLen := widths[0] + widths[1] + widths[2]
	if rowLen == 0 {
		return errors.New("xref stream row width is zero")
	}
	pos := 0
	for i := 0; i+1 < len(index); i += 2 {
		start, count := int(index[i]), int(index[i+1])
		for j := 0; j < count; j++ {
			if pos+rowLen > len(data) {
				return errors.New("xref stream data truncated")
			}
			row := data[pos : pos+rowLen]
			pos += rowLen
			typ := int64(1)
			if widths[0] > 0 {
				typ = readField(row[:widths[0]])
			}
			f2 := readField(row[widths[0] : widths[0]+widths[1]])
			f3 := readField(row[widths[0]+widths[1]:])
			num := start + j
			switch typ {
			case 0:
				t.setIfAbsent(num, Entry{Kind: EntryFree, Gen: int(f3)})
			case 1:
				t.setIfAbsent(num, Entry{Kind: EntryInUse, Offset: f2, Gen: int(f3)})
			case 2:
				t.setIfAbsent(num, Entry{Kind: EntryCompressed, Stream: int(f2), Index: int(f3)})
			default:
				// unknown types are treated as null references
			}
		}
	}
	return nil
}

func readField(b []byte) int64 {
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}

func mustGet(d *raw.DictObj, key string) raw.Object {
	v, _ := d.Get(key)
	return v
}
