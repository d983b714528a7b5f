package writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/observability"
	"github.com/wudi/pdfcore/pdferr"
)

type impl struct{ interceptors []Interceptor }

func (w *impl) SerializeObject(ref raw.ObjectRef, obj raw.Object) ([]byte, error) {
	var buf bytes.Buffer
	serializer{}.indirect(&buf, ref, obj)
	return buf.Bytes(), nil
}

// plan is the object set of a save after renumbering, before compression
// and encryption.
type plan struct {
	objects    map[raw.ObjectRef]raw.Object
	trailer    *raw.DictObj
	version    string
	encryptRef raw.ObjectRef
	encrypt    bool
	renumbered map[raw.ObjectRef]raw.ObjectRef
}

func (w *impl) Write(ctx context.Context, doc *raw.Document, out io.Writer, cfg Config) (Result, error) {
	if doc == nil || doc.Trailer == nil {
		return Result{}, errors.New("writer: document has no trailer")
	}
	if _, ok := doc.Trailer.Get("Root"); !ok {
		return Result{}, errors.New("writer: trailer has no /Root")
	}
	log := observability.OrDefault(cfg.Logger)
	if cfg.Incremental != nil {
		if cfg.Linearize || cfg.RemoveUnused {
			return Result{}, errors.New("writer: incremental save cannot renumber objects")
		}
		return w.writeIncremental(ctx, doc, out, cfg)
	}
	p, err := w.prepare(doc, cfg)
	if err != nil {
		return Result{}, err
	}
	var res Result
	if cfg.Linearize {
		res, err = w.writeLinearized(ctx, p, out, cfg)
	} else {
		res, err = w.writeFull(ctx, p, out, cfg)
	}
	if err != nil {
		return Result{}, err
	}
	log.Debug("document written",
		observability.Int("objects", len(p.objects)),
		observability.Int64("size", res.Size),
		observability.Bool("linearized", cfg.Linearize),
		observability.Bool("encrypted", p.encrypt))
	return res, nil
}

func (w *impl) prepare(doc *raw.Document, cfg Config) (*plan, error) {
	p := &plan{
		objects: make(map[raw.ObjectRef]raw.Object, len(doc.Objects)),
		trailer: cleanTrailer(doc.Trailer),
		version: pdfVersion(doc, cfg),
	}
	for ref, obj := range doc.Objects {
		p.objects[ref] = obj
	}
	if h := cfg.Security; h != nil && h.IsEncrypted() {
		if _, ok := p.objects[cfg.EncryptRef]; !ok {
			return nil, fmt.Errorf("writer: encryption dictionary %s not in document", cfg.EncryptRef)
		}
		p.encrypt = true
		p.encryptRef = cfg.EncryptRef
		p.trailer.Set("Encrypt", raw.RefObj{R: cfg.EncryptRef})
	} else if v, ok := p.trailer.Get("Encrypt"); ok {
		// objects are held decrypted; without a handler the file is written in the clear
		if ref, ok := v.(raw.RefObj); ok {
			delete(p.objects, ref.R)
		}
		p.trailer.Delete("Encrypt")
	}
	if cfg.RemoveUnused {
		p.renumber(p.order(reachable(p.objects, p.trailer)))
	}
	return p, nil
}

// order lists the kept references by object number.
func (p *plan) order(keep map[raw.ObjectRef]bool) []raw.ObjectRef {
	var refs []raw.ObjectRef
	for _, ref := range sortedRefs(p.objects) {
		if keep[ref] {
			refs = append(refs, ref)
		}
	}
	return refs
}

// renumber keeps only refs, numbering them 1..n in the given order.
func (p *plan) renumber(refs []raw.ObjectRef) {
	m := make(map[raw.ObjectRef]raw.ObjectRef, len(refs))
	for i, ref := range refs {
		m[ref] = raw.ObjectRef{Num: i + 1}
	}
	p.apply(m)
}

// apply moves every object named in m to its new reference. Objects
// missing from m are dropped.
func (p *plan) apply(m map[raw.ObjectRef]raw.ObjectRef) {
	objects := make(map[raw.ObjectRef]raw.Object, len(m))
	for old, ref := range m {
		if obj, ok := p.objects[old]; ok {
			objects[ref] = remap(obj, m)
		}
	}
	p.objects = objects
	p.trailer = remap(p.trailer, m).(*raw.DictObj)
	if p.encrypt {
		p.encryptRef = m[p.encryptRef]
	}
	if p.renumbered == nil {
		p.renumbered = m
		return
	}
	// compose with an earlier renumbering
	for orig, mid := range p.renumbered {
		if n, ok := m[mid]; ok {
			p.renumbered[orig] = n
		} else {
			delete(p.renumbered, orig)
		}
	}
}

// finalize applies compression and encryption to one object.
func (w *impl) finalize(ctx context.Context, p *plan, ref raw.ObjectRef, obj raw.Object, cfg Config) (raw.Object, error) {
	if st, ok := obj.(*raw.StreamObj); ok && cfg.Compress {
		c, err := compressStream(ctx, st, cfg.CompressionLevel)
		if err != nil {
			return nil, fmt.Errorf("compress object %s: %w", ref, err)
		}
		obj = c
	}
	if p.encrypt && ref != p.encryptRef {
		e, err := encryptObject(obj, ref, cfg.Security)
		if err != nil {
			return nil, &pdferr.EncryptionError{Op: "encrypt object " + ref.String(), Err: err}
		}
		obj = e
	}
	return obj, nil
}

// emit writes one indirect object and runs the interceptors around it.
func (w *impl) emit(ctx context.Context, buf *bytes.Buffer, s serializer, ref raw.ObjectRef, obj raw.Object) error {
	for _, ic := range w.interceptors {
		if err := ic.BeforeWrite(ctx, ref, obj); err != nil {
			return err
		}
	}
	start := buf.Len()
	s.indirect(buf, ref, obj)
	for _, ic := range w.interceptors {
		if err := ic.AfterWrite(ctx, ref, int64(buf.Len()-start)); err != nil {
			return err
		}
	}
	return nil
}

func (w *impl) writeFull(ctx context.Context, p *plan, out io.Writer, cfg Config) (Result, error) {
	s := serializer{hexStrings: cfg.HexStrings}
	var buf bytes.Buffer
	writeHeader(&buf, p.version)
	bodyStart := buf.Len()

	offsets := make(map[int]int64, len(p.objects))
	gens := make(map[int]int, len(p.objects))
	maxNum := 0
	for _, ref := range sortedRefs(p.objects) {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		obj, err := w.finalize(ctx, p, ref, p.objects[ref], cfg)
		if err != nil {
			return Result{}, err
		}
		offsets[ref.Num] = int64(buf.Len())
		gens[ref.Num] = ref.Gen
		if err := w.emit(ctx, &buf, s, ref, obj); err != nil {
			return Result{}, err
		}
		if ref.Num > maxNum {
			maxNum = ref.Num
		}
	}

	id := fileID(p.trailer, buf.Bytes()[bodyStart:])
	p.trailer.Set("ID", idArray(id))
	size := maxNum + 1
	xrefOff := int64(buf.Len())
	if cfg.XRefStreams {
		// the stream describes itself as the last object
		offsets[size] = xrefOff
		p.trailer.Set("Size", raw.NumberInt(int64(size+1)))
		st, err := xrefStream(ctx, p.trailer, denseEntries(offsets, gens, size+1), cfg.CompressionLevel)
		if err != nil {
			return Result{}, err
		}
		s.indirect(&buf, raw.ObjectRef{Num: size}, st)
	} else {
		p.trailer.Set("Size", raw.NumberInt(int64(size)))
		writeXRefTable(&buf, denseEntries(offsets, gens, size))
		buf.WriteString("trailer\n")
		s.object(&buf, p.trailer)
		buf.WriteString("\n")
	}
	fmt.Fprintf(&buf, "startxref\n%d\n%%%%EOF\n", xrefOff)

	if _, err := out.Write(buf.Bytes()); err != nil {
		return Result{}, pdferr.IO("write", "", err)
	}
	return Result{Size: int64(buf.Len()), StartXRef: xrefOff, ID: id, Renumbered: p.renumbered}, nil
}
