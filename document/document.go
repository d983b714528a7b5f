// Package document is the handle callers open, edit and save PDF files
// through.
//
// A Document owns the object graph and a recursive read/write guard.
// Every operation takes the caller's guard.Holder: reads need at least a
// read lock, anything that changes the graph needs the write lock, and
// operations called without the required lock fail with a StateError.
// The handle never locks on the caller's behalf and never writes
// implicitly; Save is always explicit.
package document

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/wudi/pdfcore/filters"
	"github.com/wudi/pdfcore/guard"
	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/observability"
	"github.com/wudi/pdfcore/parser"
	"github.com/wudi/pdfcore/pdferr"
	"github.com/wudi/pdfcore/recovery"
	"github.com/wudi/pdfcore/security"
)

// OpenOptions configure how a document is read.
type OpenOptions struct {
	// Password is tried on encrypted files. When it does not authenticate
	// the document opens locked; see InitSecurity.
	Password string
	// Recovery decides how far broken files are repaired. Nil selects a
	// lenient strategy; recovery.NewStrictStrategy fails on the first problem.
	Recovery recovery.Strategy
	Limits   security.Limits
	Logger   observability.Logger
	Tracer   observability.Tracer
}

func (o OpenOptions) withDefaults() OpenOptions {
	if o.Recovery == nil {
		o.Recovery = recovery.NewLenientStrategy()
	}
	if o.Limits == (security.Limits{}) {
		o.Limits = security.DefaultLimits()
	}
	if o.Tracer == nil {
		o.Tracer = observability.NopTracer()
	}
	o.Logger = observability.OrDefault(o.Logger)
	return o
}

// Document is an open PDF.
type Document struct {
	guard  *guard.Guard
	opts   OpenOptions
	log    observability.Logger
	decode *filters.Pipeline

	raw        *raw.Document
	security   security.Handler
	encryptRef raw.ObjectRef
	locked     bool

	// src holds the bytes of the last revision read or saved; incremental
	// saves append to it.
	src       io.ReaderAt
	srcSize   int64
	startXRef int64

	// dirty and freed record edits since src was read.
	dirty map[raw.ObjectRef]bool
	freed map[raw.ObjectRef]bool
	// renumbered is set when a save rewrote object numbers, so the graph
	// no longer matches any file an update could be appended to.
	renumbered bool
	// newSecurity is the encryption applied by the next save. The zero
	// pointer with securityChanged set removes encryption.
	newSecurity     *security.EncryptionOptions
	securityChanged bool

	// pages caches the flattened page tree. Readers fill it under a
	// shared lock, so it has a mutex of its own.
	pagesMu sync.Mutex
	pages   []raw.ObjectRef
	imports map[*Document]map[raw.ObjectRef]raw.ObjectRef
}

func newDocument(opts OpenOptions) *Document {
	opts = opts.withDefaults()
	return &Document{
		guard:    guard.New(opts.Logger),
		opts:     opts,
		log:      opts.Logger,
		decode:   filters.NewDefaultPipeline(filters.Limits{MaxDecompressedSize: opts.Limits.MaxDecompressedSize, MaxDecodeTime: opts.Limits.MaxDecodeTime}),
		security: security.NoopHandler(),
		dirty:    make(map[raw.ObjectRef]bool),
		freed:    make(map[raw.ObjectRef]bool),
		imports:  make(map[*Document]map[raw.ObjectRef]raw.ObjectRef),
	}
}

// New returns an empty document with a catalog and an empty page tree.
func New(opts OpenOptions) *Document {
	d := newDocument(opts)
	d.raw = raw.NewDocument()
	pages := raw.Dict()
	pages.Set("Type", raw.NameLiteral("Pages"))
	pages.Set("Kids", raw.NewArray())
	pages.Set("Count", raw.NumberInt(0))
	pagesRef := d.add(pages)
	catalog := raw.Dict()
	catalog.Set("Type", raw.NameLiteral("Catalog"))
	catalog.Set("Pages", raw.RefObj{R: pagesRef})
	d.raw.Trailer.Set("Root", raw.RefObj{R: d.add(catalog)})
	d.pages = []raw.ObjectRef{}
	return d
}

// Open reads the file at path. The file is read into memory, so saving
// over the same path is safe.
func Open(ctx context.Context, path string, opts OpenOptions) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pdferr.IO("open", path, err)
	}
	return OpenBytes(ctx, data, opts)
}

// OpenReader reads r to the end and opens the result.
func OpenReader(ctx context.Context, r io.Reader, opts OpenOptions) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, pdferr.IO("open", "", err)
	}
	return OpenBytes(ctx, data, opts)
}

// OpenBytes opens an in-memory file. The document keeps data for
// incremental saves; callers must not modify it afterwards.
func OpenBytes(ctx context.Context, data []byte, opts OpenOptions) (*Document, error) {
	return OpenReaderAt(ctx, bytes.NewReader(data), int64(len(data)), opts)
}

// OpenReaderAt opens size bytes of r. r must stay readable and unchanged
// for the lifetime of the document.
func OpenReaderAt(ctx context.Context, r io.ReaderAt, size int64, opts OpenOptions) (doc *Document, err error) {
	d := newDocument(opts)
	ctx, span := d.opts.Tracer.StartSpan(ctx, "document.open")
	defer func() {
		if err != nil {
			span.SetError(err)
		}
		span.Finish()
	}()
	if size <= 0 {
		return nil, pdferr.Format("open", errors.New("empty input"))
	}
	d.src, d.srcSize = r, size
	if err := d.load(ctx, opts.Password); err != nil {
		return nil, err
	}
	span.SetTag("objects", len(d.raw.Objects))
	span.SetTag("locked", d.locked)
	return d, nil
}

// load parses src. An unauthenticated encrypted file loads locked.
func (d *Document) load(ctx context.Context, password string) error {
	p := parser.NewDocumentParser(parser.Config{
		Recovery:    d.opts.Recovery,
		Limits:      d.opts.Limits,
		Password:    password,
		Logger:      d.log,
		AllowLocked: true,
	})
	res, err := p.ParseResult(ctx, io.NewSectionReader(d.src, 0, d.srcSize))
	if err != nil {
		return classifyParseError(err)
	}
	d.raw = res.Document
	d.security = res.Security
	d.encryptRef = res.EncryptRef
	d.locked = res.Locked
	d.startXRef = res.StartXRef
	d.invalidatePages()
	if res.Repaired {
		// offsets in src no longer describe the objects; an update section
		// would chain to a broken xref
		d.startXRef = 0
	}
	d.log.Debug("document loaded",
		observability.Int("objects", len(d.raw.Objects)),
		observability.Bool("locked", d.locked),
		observability.Bool("repaired", res.Repaired))
	return nil
}

// classifyParseError maps parser failures onto the document error kinds.
// Errors already typed by the parser pass through.
func classifyParseError(err error) error {
	var (
		fe   *pdferr.FormatError
		ioe  *pdferr.IOError
		ae   *pdferr.AuthError
		ee   *pdferr.EncryptionError
		unsu *pdferr.UnsupportedFeatureError
	)
	switch {
	case errors.As(err, &fe), errors.As(err, &ioe), errors.As(err, &ae), errors.As(err, &ee), errors.As(err, &unsu):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return pdferr.Format("open", err)
}

// NewHolder issues a lock owner for one goroutine.
func (d *Document) NewHolder() *guard.Holder { return d.guard.NewHolder() }

// Guard exposes the document lock.
func (d *Document) Guard() *guard.Guard { return d.guard }

// Limits are the bounds the document was opened with.
func (d *Document) Limits() security.Limits { return d.opts.Limits }

func (d *Document) Lock(h *guard.Holder) error       { return d.guard.Lock(h) }
func (d *Document) Unlock(h *guard.Holder) error     { return d.guard.Unlock(h) }
func (d *Document) LockRead(h *guard.Holder) error   { return d.guard.LockRead(h) }
func (d *Document) UnlockRead(h *guard.Holder) error { return d.guard.UnlockRead(h) }

func (d *Document) TryLock(h *guard.Holder) (bool, error)     { return d.guard.TryLock(h) }
func (d *Document) TryLockRead(h *guard.Holder) (bool, error) { return d.guard.TryLockRead(h) }

func (d *Document) requireRead(op string, h *guard.Holder) error {
	if !d.guard.Holds(h) {
		return pdferr.State(op, pdferr.ErrNotLocked)
	}
	return nil
}

func (d *Document) requireWrite(op string, h *guard.Holder) error {
	if !d.guard.HoldsWrite(h) {
		return pdferr.State(op, pdferr.ErrNotLocked)
	}
	return nil
}

// readable checks the read lock and that the content is decrypted.
func (d *Document) readable(op string, h *guard.Holder) error {
	if err := d.requireRead(op, h); err != nil {
		return err
	}
	if d.locked {
		return &pdferr.EncryptionError{Op: op, Err: pdferr.ErrLocked}
	}
	return nil
}

func (d *Document) writable(op string, h *guard.Holder) error {
	if err := d.requireWrite(op, h); err != nil {
		return err
	}
	if d.locked {
		return &pdferr.EncryptionError{Op: op, Err: pdferr.ErrLocked}
	}
	return nil
}

// Locked reports whether the document is encrypted and no password has
// authenticated yet.
func (d *Document) Locked(h *guard.Holder) (bool, error) {
	if err := d.requireRead("locked", h); err != nil {
		return false, err
	}
	return d.locked, nil
}

// Encrypted reports whether the file as opened carries encryption.
func (d *Document) Encrypted(h *guard.Holder) (bool, error) {
	if err := d.requireRead("encrypted", h); err != nil {
		return false, err
	}
	return d.security.IsEncrypted(), nil
}

// Version is the header version of the document.
func (d *Document) Version(h *guard.Holder) (string, error) {
	if err := d.requireRead("version", h); err != nil {
		return "", err
	}
	return d.raw.Version, nil
}

// InitSecurity authenticates an encrypted document opened without a
// working password and loads its objects. A wrong password returns an
// AuthError and leaves the document locked. Documents that are not
// locked accept any password.
func (d *Document) InitSecurity(ctx context.Context, h *guard.Holder, password string) error {
	if err := d.requireWrite("init security", h); err != nil {
		return err
	}
	if !d.locked {
		return nil
	}
	if err := d.security.Authenticate(password); err != nil {
		return err
	}
	if err := d.load(ctx, password); err != nil {
		return err
	}
	if d.locked {
		return &pdferr.AuthError{Op: "init security", Err: pdferr.ErrBadPassword}
	}
	d.log.Info("document unlocked", observability.Bool("owner", d.security.IsOwner()))
	return nil
}

// Permissions are the access rights granted by the authenticated password.
func (d *Document) Permissions(h *guard.Holder) (raw.Permissions, error) {
	if err := d.readable("permissions", h); err != nil {
		return raw.Permissions{}, err
	}
	if d.security.IsOwner() {
		return raw.AllPermissions(), nil
	}
	return d.raw.Permissions, nil
}
