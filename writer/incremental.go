package writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/pdferr"
)

// writeIncremental copies the base revision and appends the changed
// objects with an xref section chained to the previous one through /Prev.
func (w *impl) writeIncremental(ctx context.Context, doc *raw.Document, out io.Writer, cfg Config) (Result, error) {
	inc := cfg.Incremental
	if inc.Base == nil || inc.BaseSize <= 0 {
		return Result{}, errors.New("writer: incremental save needs the original bytes")
	}
	if inc.StartXRef <= 0 || inc.StartXRef >= inc.BaseSize {
		return Result{}, fmt.Errorf("writer: previous xref offset %d outside the original file", inc.StartXRef)
	}
	n, err := io.Copy(out, io.NewSectionReader(inc.Base, 0, inc.BaseSize))
	if err != nil {
		return Result{}, pdferr.IO("copy original revision", "", err)
	}
	base := n
	last := make([]byte, 1)
	if _, err := inc.Base.ReadAt(last, inc.BaseSize-1); err != nil && !errors.Is(err, io.EOF) {
		return Result{}, pdferr.IO("read original revision", "", err)
	}

	p := &plan{
		objects: doc.Objects,
		trailer: cleanTrailer(doc.Trailer),
	}
	if h := cfg.Security; h != nil && h.IsEncrypted() {
		p.encrypt = true
		p.encryptRef = cfg.EncryptRef
	}
	s := serializer{hexStrings: cfg.HexStrings}
	var buf bytes.Buffer
	if last[0] != '\n' && last[0] != '\r' {
		buf.WriteByte('\n')
	}
	offset := func() int64 { return base + int64(buf.Len()) }

	var entries []xrefEntry
	seen := make(map[int]bool)
	bodyStart := buf.Len()
	for _, ref := range dedupe(inc.Changed) {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		obj, ok := doc.Objects[ref]
		if !ok {
			entries = append(entries, freeEntry(ref))
			seen[ref.Num] = true
			continue
		}
		obj, err := w.finalize(ctx, p, ref, obj, cfg)
		if err != nil {
			return Result{}, err
		}
		entries = append(entries, xrefEntry{num: ref.Num, offset: offset(), gen: ref.Gen})
		seen[ref.Num] = true
		if err := w.emit(ctx, &buf, s, ref, obj); err != nil {
			return Result{}, err
		}
	}
	for _, ref := range dedupe(inc.Freed) {
		if !seen[ref.Num] {
			entries = append(entries, freeEntry(ref))
			seen[ref.Num] = true
		}
	}

	size := int64(doc.MaxObjectNumber() + 1)
	if prev, ok := raw.DictInt(doc.Trailer, "Size"); ok && prev > size {
		size = prev
	}
	id := fileID(p.trailer, buf.Bytes()[bodyStart:])
	p.trailer.Set("ID", idArray(id))
	p.trailer.Set("Prev", raw.NumberInt(inc.StartXRef))

	xrefOff := offset()
	if cfg.XRefStreams {
		num := int(size)
		entries = append(entries, xrefEntry{num: num, offset: xrefOff})
		p.trailer.Set("Size", raw.NumberInt(size+1))
		st, err := xrefStream(ctx, p.trailer, entries, cfg.CompressionLevel)
		if err != nil {
			return Result{}, err
		}
		s.indirect(&buf, raw.ObjectRef{Num: num}, st)
	} else {
		p.trailer.Set("Size", raw.NumberInt(size))
		if len(entries) == 0 {
			// an empty section still needs a subsection header
			buf.WriteString("xref\n0 0\n")
		} else {
			writeXRefTable(&buf, entries)
		}
		buf.WriteString("trailer\n")
		s.object(&buf, p.trailer)
		buf.WriteString("\n")
	}
	fmt.Fprintf(&buf, "startxref\n%d\n%%%%EOF\n", xrefOff)

	if _, err := out.Write(buf.Bytes()); err != nil {
		return Result{}, pdferr.IO("write", "", err)
	}
	return Result{Size: base + int64(buf.Len()), StartXRef: xrefOff, ID: id}, nil
}

// freeEntry marks ref deleted. The generation is bumped so a later object
// reusing the number is distinguishable.
func freeEntry(ref raw.ObjectRef) xrefEntry {
	gen := ref.Gen + 1
	if gen > 65535 {
		gen = 65535
	}
	return xrefEntry{num: ref.Num, gen: gen, free: true}
}

func dedupe(refs []raw.ObjectRef) []raw.ObjectRef {
	seen := make(map[raw.ObjectRef]bool, len(refs))
	out := make([]raw.ObjectRef, 0, len(refs))
	for _, r := range refs {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}
