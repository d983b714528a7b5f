package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/observability"
	"github.com/wudi/pdfcore/pdferr"
	"github.com/wudi/pdfcore/recovery"
	"github.com/wudi/pdfcore/security"
	"github.com/wudi/pdfcore/xref"
)

// Config controls high-level PDF parsing (xref resolution + object loading).
type Config struct {
	Recovery recovery.Strategy
	XRef     xref.ResolverConfig
	Security security.Handler
	Limits   security.Limits
	Cache    Cache
	Password string
	Logger   observability.Logger
	// AllowLocked returns an encrypted document without its objects when the
	// password does not authenticate, instead of failing with AuthError.
	AllowLocked bool
}

// DocumentParser builds a raw.Document using xref tables/streams and the object loader.
type DocumentParser struct {
	cfg Config
	log observability.Logger
}

func NewDocumentParser(cfg Config) *DocumentParser {
	if cfg.Limits == (security.Limits{}) {
		cfg.Limits = security.DefaultLimits()
	}
	if cfg.XRef.Recovery == nil {
		cfg.XRef.Recovery = cfg.Recovery
	}
	if cfg.XRef.MaxXRefDepth == 0 {
		cfg.XRef.MaxXRefDepth = cfg.Limits.MaxXRefDepth
	}
	log := observability.OrDefault(cfg.Logger)
	if cfg.XRef.Logger == nil {
		cfg.XRef.Logger = log
	}
	return &DocumentParser{cfg: cfg, log: log}
}

// SetPassword updates the password for decryption when parsing encrypted PDFs.
func (p *DocumentParser) SetPassword(pwd string) {
	p.cfg.Password = pwd
}

// Result is a parsed document together with the file structure needed to
// save it again.
type Result struct {
	Document *raw.Document
	Security security.Handler
	// EncryptRef is the object holding /Encrypt; zero when it is direct or absent.
	EncryptRef raw.ObjectRef
	// Locked is set when the document is encrypted and no password has
	// authenticated yet. Document.Objects is empty in that case.
	Locked        bool
	StartXRef     int64
	Repaired      bool
	Linearization *Linearization
}

// Parse loads every object of the document.
func (p *DocumentParser) Parse(ctx context.Context, r io.ReaderAt) (*raw.Document, error) {
	res, err := p.ParseResult(ctx, r)
	if err != nil {
		return nil, err
	}
	if res.Locked {
		return nil, &pdferr.EncryptionError{Op: "parse", Err: pdferr.ErrLocked}
	}
	return res.Document, nil
}

func (p *DocumentParser) ParseResult(ctx context.Context, r io.ReaderAt) (*Result, error) {
	if p.cfg.Limits.MaxParseTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Limits.MaxParseTime)
		defer cancel()
	}
	version, err := p.detectHeaderVersion(r)
	if err != nil {
		return nil, err
	}

	resolver := xref.NewResolver(p.cfg.XRef)
	table, err := resolver.Resolve(ctx, r)
	if err != nil {
		return nil, err
	}
	trailer := resolver.Trailer()

	res := &Result{StartXRef: resolver.StartXRef(), Repaired: resolver.Repaired()}
	sec, encRef, err := p.selectSecurity(ctx, r, table, trailer)
	if err != nil {
		var authErr *pdferr.AuthError
		if !p.cfg.AllowLocked || !errors.As(err, &authErr) || sec == nil {
			return nil, err
		}
		p.log.Info("document opened locked", observability.Error("error", err))
		res.Locked = true
	}
	res.Security = sec
	res.EncryptRef = encRef

	doc := raw.NewDocument()
	doc.Trailer = trailer
	doc.Version = version
	doc.Encrypted = sec.IsEncrypted()
	doc.Linearized = resolver.Linearized()
	res.Document = doc
	if res.Locked {
		return res, nil
	}
	doc.Permissions = sec.Permissions()
	doc.MetadataEncrypted = sec.IsEncrypted() && sec.EncryptMetadata()

	loader, err := (&ObjectLoaderBuilder{}).
		WithReader(r).
		WithXRef(table).
		WithSecurity(sec).
		WithLimits(p.cfg.Limits).
		WithCache(p.cfg.Cache).
		WithRecovery(p.cfg.Recovery).
		WithEncryptRef(encRef).
		Build()
	if err != nil {
		return nil, err
	}

	for _, objNum := range table.Objects() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if objNum == 0 {
			continue
		}
		gen := 0
		if _, g, found := table.Lookup(objNum); found {
			gen = g
		}
		ref := raw.ObjectRef{Num: objNum, Gen: gen}
		obj, err := loader.Load(ctx, ref)
		if err != nil {
			if !p.skip(err, objNum) {
				return nil, err
			}
			continue
		}
		if structural(obj) {
			continue
		}
		doc.Objects[ref] = obj
	}

	if doc.Linearized {
		res.Linearization = p.parseLinearization(ctx, table, doc)
		dropLinearizationObjects(doc)
	}
	populateMetadata(doc)
	p.log.Debug("document parsed",
		observability.Int("objects", len(doc.Objects)),
		observability.String("version", doc.Version),
		observability.Bool("encrypted", doc.Encrypted),
		observability.Bool("repaired", res.Repaired))
	return res, nil
}

// skip asks the recovery strategy whether a broken object may be dropped.
func (p *DocumentParser) skip(err error, objNum int) bool {
	if p.cfg.Recovery == nil {
		return false
	}
	loc := recovery.Location{ByteOffset: -1, ObjectNum: objNum, Component: "parser"}
	var fe *pdferr.FormatError
	if errors.As(err, &fe) {
		loc.ByteOffset = fe.Offset
	}
	switch p.cfg.Recovery.OnError(nil, err, loc) {
	case recovery.ActionSkip, recovery.ActionFix, recovery.ActionWarn:
		p.log.Warn("dropping unreadable object", observability.Int("object", objNum), observability.Error("error", err))
		return true
	}
	return false
}

// structural reports objects that only describe the file layout. They are
// rebuilt on save.
func structural(obj raw.Object) bool {
	st, ok := obj.(*raw.StreamObj)
	if !ok {
		return false
	}
	switch raw.DictName(st.Dict, "Type") {
	case "ObjStm", "XRef":
		return true
	}
	return false
}

func (p *DocumentParser) selectSecurity(ctx context.Context, r io.ReaderAt, table xref.Table, trailer *raw.DictObj) (security.Handler, raw.ObjectRef, error) {
	if p.cfg.Security != nil {
		return p.cfg.Security, raw.ObjectRef{}, nil
	}
	encObj, ok := trailer.Get("Encrypt")
	if !ok {
		return security.NoopHandler(), raw.ObjectRef{}, nil
	}
	var encDict *raw.DictObj
	var encRef raw.ObjectRef
	switch v := encObj.(type) {
	case *raw.DictObj:
		encDict = v
	case raw.RefObj:
		encRef = v.R
		loader, err := (&ObjectLoaderBuilder{}).
			WithReader(r).
			WithXRef(table).
			WithLimits(p.cfg.Limits).
			WithRecovery(p.cfg.Recovery).
			Build()
		if err != nil {
			return nil, encRef, err
		}
		obj, err := loader.Load(ctx, v.R)
		if err != nil {
			return nil, encRef, &pdferr.EncryptionError{Op: "load /Encrypt", Err: err}
		}
		encDict, _ = obj.(*raw.DictObj)
	}
	if encDict == nil {
		return nil, encRef, &pdferr.EncryptionError{Op: "load /Encrypt", Err: errors.New("/Encrypt is not a dictionary")}
	}
	handler, err := (&security.HandlerBuilder{}).
		WithEncryptDict(encDict).
		WithTrailer(trailer).
		WithFileID(FileID(trailer)).
		Build()
	if err != nil {
		return nil, encRef, err
	}
	if err := handler.Authenticate(p.cfg.Password); err != nil {
		return handler, encRef, err
	}
	return handler, encRef, nil
}

// FileID returns the first element of the trailer /ID array.
func FileID(trailer *raw.DictObj) []byte {
	idObj, ok := trailer.Get("ID")
	if !ok {
		return nil
	}
	if arr, ok := idObj.(*raw.ArrayObj); ok && arr.Len() > 0 {
		if s, ok := arr.Items[0].(raw.StringObj); ok {
			return s.Bytes
		}
	}
	return nil
}

func populateMetadata(doc *raw.Document) {
	infoObj, ok := doc.Trailer.Get("Info")
	if !ok {
		return
	}
	dict, ok := doc.Resolve(infoObj).(*raw.DictObj)
	if !ok {
		return
	}
	doc.Metadata = raw.DocumentMetadata{
		Title:    textValue(dict, "Title"),
		Author:   textValue(dict, "Author"),
		Subject:  textValue(dict, "Subject"),
		Keywords: textValue(dict, "Keywords"),
		Creator:  textValue(dict, "Creator"),
		Producer: textValue(dict, "Producer"),
	}
}

func textValue(dict *raw.DictObj, key string) string {
	b, ok := raw.DictBytes(dict, key)
	if !ok {
		return ""
	}
	return raw.DecodeText(b)
}

const headerWindow = 1024

func (p *DocumentParser) detectHeaderVersion(r io.ReaderAt) (string, error) {
	buf := make([]byte, headerWindow)
	n, err := r.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", pdferr.IO("read header", "", err)
	}
	buf = buf[:n]
	idx := bytes.Index(buf, []byte("%PDF-"))
	if idx < 0 {
		herr := &pdferr.FormatError{Op: "header", Offset: 0, Err: errors.New("%PDF- header not found")}
		if p.cfg.Recovery == nil || p.cfg.Recovery.OnError(nil, herr, recovery.Location{Component: "header"}) == recovery.ActionFail {
			return "", herr
		}
		return "1.4", nil
	}
	line := string(buf[idx+5:])
	if end := strings.IndexAny(line, "\r\n \t%"); end >= 0 {
		line = line[:end]
	}
	if line == "" {
		return "1.4", nil
	}
	return line, nil
}

// Linearization describes the first-page layout of a linearized file.
type Linearization struct {
	Length       int64 // /L
	HintOffset   int64
	HintLength   int64
	FirstPageObj int   // /O
	EndFirstPage int64 // /E
	Pages        int   // /N
	MainXRef     int64 // /T
	Hints        *raw.HintTable
}

func (p *DocumentParser) parseLinearization(ctx context.Context, table xref.Table, doc *raw.Document) *Linearization {
	var linDict *raw.DictObj
	for _, ref := range doc.SortedRefs() {
		if d, ok := doc.Objects[ref].(*raw.DictObj); ok {
			if _, ok := d.Get("Linearized"); ok {
				linDict = d
				break
			}
		}
	}
	if linDict == nil {
		return nil
	}
	lin := &Linearization{}
	lin.Length, _ = raw.DictInt(linDict, "L")
	lin.EndFirstPage, _ = raw.DictInt(linDict, "E")
	lin.MainXRef, _ = raw.DictInt(linDict, "T")
	if n, ok := raw.DictInt(linDict, "O"); ok {
		lin.FirstPageObj = int(n)
	}
	if n, ok := raw.DictInt(linDict, "N"); ok {
		lin.Pages = int(n)
	}
	h, _ := linDict.Get("H")
	hv, ok := raw.Floats(h)
	if !ok || len(hv) < 2 {
		return lin
	}
	lin.HintOffset, lin.HintLength = int64(hv[0]), int64(hv[1])

	// the loader already decrypted the hint stream; find it by offset
	var st *raw.StreamObj
	for _, num := range table.Objects() {
		off, gen, found := table.Lookup(num)
		if !found || off != lin.HintOffset {
			continue
		}
		st, _ = doc.Objects[raw.ObjectRef{Num: num, Gen: gen}].(*raw.StreamObj)
		break
	}
	if st == nil {
		p.log.Warn("hint stream not found", observability.Int64("offset", lin.HintOffset))
		return lin
	}
	data, err := decodeStream(ctx, st, p.cfg.Limits)
	if err != nil {
		p.log.Warn("hint stream not decodable", observability.Error("error", err))
		return lin
	}
	hints, err := ParseHintStream(data, st.Dict, lin.Pages)
	if err != nil {
		p.log.Warn("hint stream not parseable", observability.Error("error", err))
		return lin
	}
	lin.Hints = hints
	return lin
}

// dropLinearizationObjects removes the linearization dictionary and the
// hint stream. Their contents are tied to the original byte layout.
func dropLinearizationObjects(doc *raw.Document) {
	for ref, obj := range doc.Objects {
		switch v := obj.(type) {
		case *raw.DictObj:
			if _, ok := v.Get("Linearized"); ok {
				delete(doc.Objects, ref)
			}
		case *raw.StreamObj:
			_, s := v.Dict.Get("S")
			_, typ := v.Dict.Get("Type")
			if s && !typ && isHintStream(doc, ref) {
				delete(doc.Objects, ref)
			}
		}
	}
}

// isHintStream reports whether nothing in the document references ref.
func isHintStream(doc *raw.Document, ref raw.ObjectRef) bool {
	var found bool
	var walk func(o raw.Object)
	walk = func(o raw.Object) {
		if found {
			return
		}
		switch v := o.(type) {
		case raw.RefObj:
			found = v.R == ref
		case *raw.ArrayObj:
			for _, it := range v.Items {
				walk(it)
			}
		case *raw.DictObj:
			for _, it := range v.KV {
				walk(it)
			}
		case *raw.StreamObj:
			walk(v.Dict)
		}
	}
	walk(doc.Trailer)
	for _, obj := range doc.Objects {
		walk(obj)
	}
	return !found
}

// String implements fmt.Stringer for debugging output.
func (l *Linearization) String() string {
	return fmt.Sprintf("linearized L=%d O=%d E=%d N=%d T=%d H=[%d %d]",
		l.Length, l.FirstPageObj, l.EndFirstPage, l.Pages, l.MainXRef, l.HintOffset, l.HintLength)
}
