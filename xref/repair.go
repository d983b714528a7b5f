package xref

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/wudi/pdfcore/filters"
	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/scanner"
)

// repair scans the entire file to reconstruct the xref table.
// It looks for "<num> <gen> obj" patterns and "trailer" dictionaries. Later
// definitions of an object win, matching incremental update semantics.
func repair(ctx context.Context, r io.ReaderAt, size int64) (*table, error) {
	s := scanner.New(r, scanner.Config{MaxStreamLength: size})
	or := scanner.NewObjectReader(s)
	t := newTable("repaired")
	direct := make(map[int]Entry)
	var lastTrailer, lastXRefDict *raw.DictObj
	var catalog raw.ObjectRef
	type objStm struct {
		num    int
		stream *raw.StreamObj
	}
	var objStreams []objStm

	var prev1, prev2 scanner.Token
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		before := s.Position()
		tok, err := or.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			// skip the offending byte and keep scanning
			or.Reset()
			if err := s.Seek(before + 1); err != nil {
				break
			}
			continue
		}

		switch {
		case tok.IsKeyword("obj") && isInt(prev1) && isInt(prev2):
			num, gen := int(prev2.Int), int(prev1.Int)
			direct[num] = Entry{Kind: EntryInUse, Offset: prev2.Pos, Gen: gen}
			obj, err := or.ReadObject()
			if err != nil {
				or.Reset()
				break
			}
			switch v := obj.(type) {
			case *raw.DictObj:
				if raw.DictName(v, "Type") == "Catalog" {
					catalog = raw.ObjectRef{Num: num, Gen: gen}
				}
			case *raw.StreamObj:
				switch raw.DictName(v.Dict, "Type") {
				case "ObjStm":
					objStreams = append(objStreams, objStm{num: num, stream: v})
				case "XRef":
					lastXRefDict = v.Dict
				}
			}
		case tok.IsKeyword("trailer"):
			if obj, err := or.ReadObject(); err == nil {
				if dict, ok := obj.(*raw.DictObj); ok {
					lastTrailer = dict
				}
			} else {
				or.Reset()
			}
		}
		prev2, prev1 = prev1, tok
	}

	// compressed objects are only used where no direct definition exists
	for _, os := range objStreams {
		members, cat := indexObjectStream(ctx, os.stream)
		for i, m := range members {
			if _, ok := direct[m]; !ok {
				t.setIfAbsent(m, Entry{Kind: EntryCompressed, Stream: os.num, Index: i})
			}
		}
		if cat >= 0 && catalog.Num == 0 {
			catalog = raw.ObjectRef{Num: cat}
		}
	}
	for num, e := range direct {
		t.entries[num] = e
	}

	if len(t.entries) == 0 {
		return nil, errors.New("repair failed: no objects found")
	}

	trailer := lastTrailer
	if trailer == nil && lastXRefDict != nil {
		trailer = lastXRefDict
	}
	if trailer == nil {
		trailer = raw.Dict()
	} else {
		trailer = mergeTrailers([]*raw.DictObj{trailer})
	}
	if root, ok := trailer.Get("Root"); !ok || !refKnown(t, root) {
		if catalog.Num == 0 {
			return nil, errors.New("repair failed: no document catalog found")
		}
		trailer.Set("Root", raw.RefObj{R: catalog})
	}
	maxNum := 0
	for num := range t.entries {
		if num > maxNum {
			maxNum = num
		}
	}
	trailer.Set("Size", raw.NumberInt(int64(maxNum+1)))
	t.trailer = trailer
	return t, nil
}

func isInt(tok scanner.Token) bool {
	return tok.Type == scanner.TokenNumber && tok.IsInt && tok.Int >= 0
}

func refKnown(t *table, obj raw.Object) bool {
	ref, ok := obj.(raw.RefObj)
	if !ok {
		return false
	}
	_, exists := t.entries[ref.R.Num]
	return exists
}

// indexObjectStream returns the object numbers stored in an object stream
// and the member that holds the catalog, or -1.
func indexObjectStream(ctx context.Context, st *raw.StreamObj) ([]int, int) {
	n, _ := raw.DictInt(st.Dict, "N")
	first, _ := raw.DictInt(st.Dict, "First")
	data := st.Data
	if names, params := filters.ExtractFilters(st.Dict, nil); len(names) > 0 {
		dec, err := filters.NewDefaultPipeline(filters.Limits{}).Decode(ctx, data, names, params)
		if err != nil {
			return nil, -1
		}
		data = dec
	}
	if first <= 0 || first > int64(len(data)) {
		return nil, -1
	}
	s := scanner.NewBytes(data[:first], scanner.Config{})
	var nums, offs []int
	for int64(len(nums)) < n {
		numTok, err1 := s.Next()
		offTok, err2 := s.Next()
		if err1 != nil || err2 != nil || !isInt(numTok) || !isInt(offTok) {
			break
		}
		nums = append(nums, int(numTok.Int))
		offs = append(offs, int(offTok.Int))
	}
	cat := -1
	body := data[first:]
	for i, off := range offs {
		if off >= len(body) {
			continue
		}
		end := len(body)
		if i+1 < len(offs) && offs[i+1] > off && offs[i+1] <= len(body) {
			end = offs[i+1]
		}
		if bytes.Contains(body[off:end], []byte("/Catalog")) {
			cat = nums[i]
		}
	}
	return nums, cat
}
