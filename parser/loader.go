package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/wudi/pdfcore/filters"
	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/pdferr"
	"github.com/wudi/pdfcore/recovery"
	"github.com/wudi/pdfcore/scanner"
	"github.com/wudi/pdfcore/security"
	"github.com/wudi/pdfcore/xref"
)

type Cache interface {
	Get(ref raw.ObjectRef) (raw.Object, bool)
	Put(ref raw.ObjectRef, obj raw.Object)
}

type ObjectLoader interface {
	Load(ctx context.Context, ref raw.ObjectRef) (raw.Object, error)
	LoadIndirect(ctx context.Context, ref raw.ObjectRef, depth int) (raw.Object, error)
}

type ObjectLoaderBuilder struct {
	reader     io.ReaderAt
	xrefTable  xref.Table
	security   security.Handler
	maxDepth   int
	limits     security.Limits
	cache      Cache
	recovery   recovery.Strategy
	encryptRef raw.ObjectRef
}

func (b *ObjectLoaderBuilder) WithXRef(table xref.Table) *ObjectLoaderBuilder {
	b.xrefTable = table
	return b
}
func (b *ObjectLoaderBuilder) WithReader(r io.ReaderAt) *ObjectLoaderBuilder {
	b.reader = r
	return b
}
func (b *ObjectLoaderBuilder) WithSecurity(h security.Handler) *ObjectLoaderBuilder {
	b.security = h
	return b
}
func (b *ObjectLoaderBuilder) WithLimits(l security.Limits) *ObjectLoaderBuilder {
	b.limits = l
	return b
}
func (b *ObjectLoaderBuilder) WithCache(c Cache) *ObjectLoaderBuilder { b.cache = c; return b }
func (b *ObjectLoaderBuilder) WithRecovery(s recovery.Strategy) *ObjectLoaderBuilder {
	b.recovery = s
	return b
}

// WithEncryptRef names the object holding the /Encrypt dictionary, whose
// strings are never encrypted.
func (b *ObjectLoaderBuilder) WithEncryptRef(ref raw.ObjectRef) *ObjectLoaderBuilder {
	b.encryptRef = ref
	return b
}

func (b *ObjectLoaderBuilder) Build() (ObjectLoader, error) {
	if b.reader == nil || b.xrefTable == nil {
		return nil, errors.New("reader and xrefTable required")
	}
	sec := b.security
	if sec == nil {
		sec = security.NoopHandler()
	}
	maxDepth := b.maxDepth
	if maxDepth == 0 {
		maxDepth = b.limits.MaxIndirectDepth
		if maxDepth == 0 {
			maxDepth = security.DefaultLimits().MaxIndirectDepth
		}
	}
	return &objectLoader{
		reader:     b.reader,
		xrefTable:  b.xrefTable,
		security:   sec,
		maxDepth:   maxDepth,
		limits:     b.limits,
		cache:      b.cache,
		recovery:   b.recovery,
		encryptRef: b.encryptRef,
	}, nil
}

type objectLoader struct {
	reader     io.ReaderAt
	xrefTable  xref.Table
	security   security.Handler
	maxDepth   int
	limits     security.Limits
	cache      Cache
	recovery   recovery.Strategy
	encryptRef raw.ObjectRef
	mu         sync.Mutex
	objstm     map[int]map[int]raw.Object
}

func (o *objectLoader) Load(ctx context.Context, ref raw.ObjectRef) (raw.Object, error) {
	if o.cache != nil {
		if obj, ok := o.cache.Get(ref); ok {
			return obj, nil
		}
	}

	obj, err := o.loadOnce(ctx, ref)
	if err != nil {
		return nil, err
	}

	if o.cache != nil {
		o.cache.Put(ref, obj)
	}
	return obj, nil
}

func (o *objectLoader) LoadIndirect(ctx context.Context, ref raw.ObjectRef, depth int) (raw.Object, error) {
	if depth > o.maxDepth {
		return nil, fmt.Errorf("indirect depth %d exceeds limit %d", depth, o.maxDepth)
	}
	return o.Load(ctx, ref)
}

func (o *objectLoader) loadOnce(ctx context.Context, ref raw.ObjectRef) (raw.Object, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	offset, gen, found := o.xrefTable.Lookup(ref.Num)
	if !found {
		if osNum, idx, ok := o.xrefTable.ObjStream(ref.Num); ok {
			return o.loadFromObjectStream(ctx, ref, osNum, idx)
		}
		return nil, fmt.Errorf("object %d not found in xref", ref.Num)
	}
	return o.loadAtOffset(ref.Num, offset, gen)
}

func (o *objectLoader) scannerConfig() scanner.Config {
	return scanner.Config{
		Recovery:        o.recovery,
		MaxStringLength: o.limits.MaxStringLength,
		MaxArrayDepth:   o.limits.MaxIndirectDepth,
		MaxDictDepth:    o.limits.MaxIndirectDepth,
		MaxStreamLength: o.limits.MaxStreamLength,
	}
}

// loadAtOffset assumes the caller holds the loader mutex.
func (o *objectLoader) loadAtOffset(objNum int, offset int64, gen int) (raw.Object, error) {
	obj, err := o.scanObject(objNum, offset, gen, true)
	if err != nil {
		return nil, err
	}
	return o.decryptObject(raw.ObjectRef{Num: objNum, Gen: gen}, obj)
}

func (o *objectLoader) scanObject(objNum int, offset int64, gen int, resolveLength bool) (raw.Object, error) {
	fail := func(err error) error {
		return &pdferr.FormatError{Op: fmt.Sprintf("object %d %d", objNum, gen), Offset: offset, Err: err}
	}
	s := scanner.New(o.reader, o.scannerConfig())
	if err := s.Seek(offset); err != nil {
		return nil, fail(err)
	}
	or := scanner.NewObjectReader(s)
	or.Recovery = o.recovery
	or.Location = recovery.Location{ByteOffset: offset, ObjectNum: objNum, ObjectGen: gen, Component: "parser"}
	if resolveLength {
		or.StreamLength = o.streamLength
	}

	tokNum, err := or.Next()
	if err != nil {
		return nil, fail(err)
	}
	if tokNum.Type != scanner.TokenNumber || !tokNum.IsInt || int(tokNum.Int) != objNum {
		return nil, fail(errors.New("object header number mismatch"))
	}
	tokGen, err := or.Next()
	if err != nil {
		return nil, fail(err)
	}
	if tokGen.Type != scanner.TokenNumber || !tokGen.IsInt || int(tokGen.Int) != gen {
		return nil, fail(errors.New("object header generation mismatch"))
	}
	tokObj, err := or.Next()
	if err != nil {
		return nil, fail(err)
	}
	if !tokObj.IsKeyword("obj") {
		return nil, fail(errors.New("expected obj keyword"))
	}
	next, err := or.Next()
	if err != nil {
		return nil, fail(err)
	}
	if next.IsKeyword("endobj") {
		return raw.NullObj{}, nil
	}
	or.Unread(next)
	obj, err := or.ReadObject()
	if err != nil {
		return nil, fail(err)
	}
	return obj, nil
}

// streamLength resolves a direct or indirect /Length. Indirect lengths are
// read with a separate scanner so the outer object is not disturbed.
func (o *objectLoader) streamLength(d *raw.DictObj) int64 {
	val, ok := d.Get("Length")
	if !ok {
		return -1
	}
	switch v := val.(type) {
	case raw.NumberObj:
		return v.Int()
	case raw.RefObj:
		offset, gen, ok := o.xrefTable.Lookup(v.R.Num)
		if !ok {
			return -1
		}
		obj, err := o.scanObject(v.R.Num, offset, gen, false)
		if err != nil {
			return -1
		}
		if n, ok := obj.(raw.NumberObj); ok {
			return n.Int()
		}
	}
	return -1
}

func (o *objectLoader) loadFromObjectStream(ctx context.Context, ref raw.ObjectRef, objStreamNum int, idx int) (raw.Object, error) {
	if o.objstm == nil {
		o.objstm = make(map[int]map[int]raw.Object)
	}
	if objs, ok := o.objstm[objStreamNum]; ok {
		if obj, ok := objs[ref.Num]; ok {
			return obj, nil
		}
		return nil, fmt.Errorf("object %d not found in object stream %d", ref.Num, objStreamNum)
	}
	fail := func(err error) error {
		return &pdferr.FormatError{Op: fmt.Sprintf("object stream %d", objStreamNum), Offset: -1, Err: err}
	}
	offset, gen, ok := o.xrefTable.Lookup(objStreamNum)
	if !ok {
		return nil, fail(errors.New("object stream entry missing"))
	}
	streamObj, err := o.loadAtOffset(objStreamNum, offset, gen)
	if err != nil {
		return nil, err
	}
	st, ok := streamObj.(*raw.StreamObj)
	if !ok {
		return nil, fail(errors.New("object stream is not a stream"))
	}
	nObj, _ := raw.DictInt(st.Dict, "N")
	first, _ := raw.DictInt(st.Dict, "First")
	data := st.Data
	if names, params := filters.ExtractFilters(st.Dict, nil); len(names) > 0 {
		p := filters.NewDefaultPipeline(filters.Limits{
			MaxDecompressedSize: o.limits.MaxDecompressedSize,
			MaxDecodeTime:       o.limits.MaxDecodeTime,
		})
		decoded, err := p.Decode(ctx, data, names, params)
		if err != nil {
			return nil, fail(err)
		}
		data = decoded
	}
	if first < 0 || int(first) > len(data) {
		return nil, fail(errors.New("object stream /First exceeds length"))
	}
	header := data[:first]
	body := data[first:]

	hs := scanner.NewBytes(header, o.scannerConfig())
	var pairs []int
	for len(pairs)/2 < int(nObj) {
		tok, err := hs.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fail(err)
		}
		if tok.Type == scanner.TokenNumber && tok.IsInt {
			pairs = append(pairs, int(tok.Int))
		}
	}
	objs := make(map[int]raw.Object)
	for i := 0; i+1 < len(pairs); i += 2 {
		objNum, off := pairs[i], pairs[i+1]
		if off < 0 || off > len(body) {
			if err := o.problem(fmt.Errorf("object %d offset %d outside object stream", objNum, off), objNum); err != nil {
				return nil, fail(err)
			}
			continue
		}
		or := scanner.NewObjectReader(scanner.NewBytes(body[off:], o.scannerConfig()))
		or.Recovery = o.recovery
		or.Location = recovery.Location{ByteOffset: -1, ObjectNum: objNum, Component: "objstm"}
		obj, err := or.ReadObject()
		if err != nil {
			if perr := o.problem(err, objNum); perr != nil {
				return nil, fail(perr)
			}
			continue
		}
		objs[objNum] = obj
	}
	o.objstm[objStreamNum] = objs
	if obj, ok := objs[ref.Num]; ok {
		return obj, nil
	}
	return nil, fail(fmt.Errorf("object %d not found in object stream", ref.Num))
}

func (o *objectLoader) problem(err error, objNum int) error {
	if o.recovery == nil {
		return err
	}
	switch o.recovery.OnError(nil, err, recovery.Location{ByteOffset: -1, ObjectNum: objNum, Component: "objstm"}) {
	case recovery.ActionFix, recovery.ActionSkip, recovery.ActionWarn:
		return nil
	}
	return err
}

// cryptFilterForStream reports the crypt filter named by a /Crypt entry in
// the stream's filter chain.
func cryptFilterForStream(d *raw.DictObj) (string, bool) {
	names, params := filters.ExtractFilters(d, nil)
	for idx, name := range names {
		if name != "Crypt" {
			continue
		}
		if idx < len(params) && params[idx] != nil {
			if n := raw.DictName(params[idx], "Name"); n != "" {
				return n, true
			}
		}
		return "", true
	}
	return "", false
}

func (o *objectLoader) decryptObject(ref raw.ObjectRef, obj raw.Object) (raw.Object, error) {
	if !o.security.IsEncrypted() || (ref == o.encryptRef && ref.Num != 0) {
		return obj, nil
	}
	switch v := obj.(type) {
	case raw.StringObj:
		dec, err := o.security.Decrypt(ref.Num, ref.Gen, v.Bytes, security.DataClassString)
		if err != nil {
			return nil, err
		}
		return raw.StringObj{Bytes: dec, Hex: v.Hex}, nil
	case *raw.ArrayObj:
		for i, item := range v.Items {
			dec, err := o.decryptObject(ref, item)
			if err != nil {
				return nil, err
			}
			v.Items[i] = dec
		}
		return v, nil
	case *raw.DictObj:
		for key, item := range v.KV {
			dec, err := o.decryptObject(ref, item)
			if err != nil {
				return nil, err
			}
			v.KV[key] = dec
		}
		return v, nil
	case *raw.StreamObj:
		if raw.DictName(v.Dict, "Type") == "XRef" {
			return v, nil
		}
		if _, err := o.decryptObject(ref, v.Dict); err != nil {
			return nil, err
		}
		class := security.DataClassStream
		if raw.DictName(v.Dict, "Type") == "Metadata" {
			class = security.DataClassMetadataStream
		}
		cryptFilter, hasCrypt := cryptFilterForStream(v.Dict)
		if hasCrypt && cryptFilter == "Identity" {
			return v, nil
		}
		dec, err := o.security.DecryptWithFilter(ref.Num, ref.Gen, v.Data, class, cryptFilter)
		if err != nil {
			return nil, err
		}
		v.Data = dec
		v.Dict.Set("Length", raw.NumberInt(int64(len(dec))))
		return v, nil
	default:
		return obj, nil
	}
}

// decodeStream applies the stream's filter chain.
func decodeStream(ctx context.Context, st *raw.StreamObj, limits security.Limits) ([]byte, error) {
	names, params := filters.ExtractFilters(st.Dict, nil)
	if len(names) == 0 {
		return st.Data, nil
	}
	return filters.NewDefaultPipeline(filters.Limits{
		MaxDecompressedSize: limits.MaxDecompressedSize,
		MaxDecodeTime:       limits.MaxDecodeTime,
	}).Decode(ctx, bytes.Clone(st.Data), names, params)
}
