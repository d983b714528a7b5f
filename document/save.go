package document

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/wudi/pdfcore/guard"
	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/observability"
	"github.com/wudi/pdfcore/parser"
	"github.com/wudi/pdfcore/pdferr"
	"github.com/wudi/pdfcore/security"
	"github.com/wudi/pdfcore/writer"
)

// SaveOptions control serialization.
type SaveOptions struct {
	// RemoveUnused drops unreachable objects and renumbers the rest.
	RemoveUnused bool
	Linearize    bool
	// Incremental appends the changes since the last read or save to the
	// original bytes. It cannot be combined with RemoveUnused or Linearize.
	Incremental bool

	HexStrings       bool
	Compress         bool
	CompressionLevel int
	XRefStreams      bool

	// Interceptors see every object as it is written.
	Interceptors []writer.Interceptor
}

// SetSecurity selects the encryption the next full save applies. Nil
// removes encryption. Changing the security of an encrypted document
// needs the owner password.
func (d *Document) SetSecurity(h *guard.Holder, opts *security.EncryptionOptions) error {
	if err := d.writable("set security", h); err != nil {
		return err
	}
	if d.security.IsEncrypted() && !d.security.IsOwner() {
		return &pdferr.EncryptionError{Op: "set security", Err: errors.New("owner password required")}
	}
	if opts != nil {
		cp := *opts
		opts = &cp
	}
	d.newSecurity = opts
	d.securityChanged = true
	return nil
}

// Save writes the document to w. After a successful save the written
// bytes become the base of later incremental saves.
func (d *Document) Save(ctx context.Context, h *guard.Holder, w io.Writer, opts SaveOptions) (err error) {
	if err := d.writable("save", h); err != nil {
		return err
	}
	ctx, span := d.opts.Tracer.StartSpan(ctx, "document.save")
	defer func() {
		if err != nil {
			span.SetError(err)
		}
		span.Finish()
	}()
	span.SetTag("incremental", opts.Incremental)

	cfg := writer.Config{
		RemoveUnused:     opts.RemoveUnused,
		Linearize:        opts.Linearize,
		HexStrings:       opts.HexStrings,
		Compress:         opts.Compress,
		CompressionLevel: opts.CompressionLevel,
		XRefStreams:      opts.XRefStreams,
		Logger:           d.log,
	}
	var pending *pendingSecurity
	if opts.Incremental {
		if err := d.prepareIncremental(&cfg, opts); err != nil {
			return err
		}
	} else {
		pending, err = d.prepareSecurity(&cfg)
		if err != nil {
			return err
		}
	}

	b := &writer.WriterBuilder{}
	for _, i := range opts.Interceptors {
		b.WithInterceptor(i)
	}
	var buf bytes.Buffer
	res, err := b.Build().Write(ctx, d.raw, &buf, cfg)
	if err != nil {
		pending.rollback(d)
		return err
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		pending.rollback(d)
		return pdferr.IO("save", "", err)
	}
	d.commit(buf.Bytes(), res, cfg, pending)
	span.SetTag("bytes", res.Size)
	d.log.Info("document saved",
		observability.Int64("bytes", res.Size),
		observability.Bool("incremental", opts.Incremental),
		observability.Bool("linearized", opts.Linearize))
	return nil
}

// SaveFile writes the document to path through a temporary file in the
// same directory, so a failed save leaves an existing file untouched.
func (d *Document) SaveFile(ctx context.Context, h *guard.Holder, path string, opts SaveOptions) error {
	if err := d.writable("save", h); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".pdfcore-*")
	if err != nil {
		return pdferr.IO("save", path, err)
	}
	defer os.Remove(tmp.Name())
	if err := d.Save(ctx, h, tmp, opts); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return pdferr.IO("save", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return pdferr.IO("save", path, err)
	}
	return nil
}

func (d *Document) prepareIncremental(cfg *writer.Config, opts SaveOptions) error {
	switch {
	case opts.RemoveUnused || opts.Linearize:
		return pdferr.State("save", errors.New("incremental save cannot renumber or linearize"))
	case d.src == nil:
		return pdferr.State("save", pdferr.ErrNoOriginalBytes)
	case d.startXRef <= 0:
		return pdferr.State("save", errors.New("original cross-reference data was repaired"))
	case d.renumbered:
		return pdferr.State("save", pdferr.ErrRenumbered)
	case d.securityChanged:
		return pdferr.State("save", errors.New("security changed since the last full save"))
	}
	if d.security.IsEncrypted() {
		cfg.Security = d.security
		cfg.EncryptRef = d.encryptRef
	}
	cfg.Incremental = &writer.Incremental{
		Base:      d.src,
		BaseSize:  d.srcSize,
		StartXRef: d.startXRef,
		Changed:   sortedRefs(d.dirty),
		Freed:     sortedRefs(d.freed),
	}
	return nil
}

// pendingSecurity is the encryption a full save installs once the write
// succeeded.
type pendingSecurity struct {
	handler   security.Handler
	ref       raw.ObjectRef
	oldRef    raw.ObjectRef
	oldObject raw.Object
	oldID     raw.Object
	hadID     bool
}

func (p *pendingSecurity) rollback(d *Document) {
	if p == nil {
		return
	}
	if p.ref.Num != 0 {
		delete(d.raw.Objects, p.ref)
		delete(d.dirty, p.ref)
	}
	if p.oldObject != nil {
		d.raw.Objects[p.oldRef] = p.oldObject
	}
	if p.hadID {
		d.raw.Trailer.Set("ID", p.oldID)
	} else {
		d.raw.Trailer.Delete("ID")
	}
}

func (d *Document) prepareSecurity(cfg *writer.Config) (*pendingSecurity, error) {
	if !d.securityChanged {
		if !d.security.IsEncrypted() {
			return nil, nil
		}
		if d.encryptRef.Num == 0 {
			// a direct /Encrypt dictionary is moved into an object of its own
			dict, ok := d.raw.Trailer.Get("Encrypt")
			if !ok {
				return nil, pdferr.Format("save", errors.New("encrypted document lost its encryption dictionary"))
			}
			d.encryptRef = d.add(dict)
		}
		cfg.Security = d.security
		cfg.EncryptRef = d.encryptRef
		return nil, nil
	}

	p := &pendingSecurity{handler: security.NoopHandler()}
	p.oldID, p.hadID = d.raw.Trailer.Get("ID")
	if d.encryptRef.Num != 0 {
		// the old dictionary must not be written next to the new one
		p.oldRef = d.encryptRef
		p.oldObject = d.raw.Objects[d.encryptRef]
		delete(d.raw.Objects, d.encryptRef)
	}
	if d.newSecurity == nil {
		return p, nil
	}
	fid := parser.FileID(d.raw.Trailer)
	if len(fid) == 0 {
		fid = security.NewFileID()
		d.raw.Trailer.Set("ID", raw.NewArray(raw.HexStr(fid), raw.HexStr(fid)))
	}
	dict, handler, err := security.BuildStandardEncryption(*d.newSecurity, fid)
	if err != nil {
		p.rollback(d)
		return nil, err
	}
	p.handler = handler
	p.ref = d.add(dict)
	cfg.Security = handler
	cfg.EncryptRef = p.ref
	return p, nil
}

func (d *Document) commit(data []byte, res writer.Result, cfg writer.Config, p *pendingSecurity) {
	size := int64(d.raw.MaxObjectNumber() + 1)
	if cfg.Incremental != nil {
		if old, ok := raw.DictInt(d.raw.Trailer, "Size"); ok && old > size {
			size = old
		}
	}
	if cfg.XRefStreams {
		size++
	}
	d.raw.Trailer.Set("Size", raw.NumberInt(size))
	d.raw.Trailer.Set("ID", raw.NewArray(raw.HexStr(res.ID[0]), raw.HexStr(res.ID[1])))

	if p != nil {
		d.security = p.handler
		d.encryptRef = p.ref
		d.raw.Encrypted = p.handler.IsEncrypted()
		if p.ref.Num != 0 {
			d.raw.Trailer.Set("Encrypt", raw.RefObj{R: p.ref})
		} else {
			d.raw.Trailer.Delete("Encrypt")
		}
		d.newSecurity = nil
		d.securityChanged = false
	}
	if cfg.Incremental == nil {
		// renumbering only happens in the file; the graph keeps its numbers
		d.renumbered = res.Renumbered != nil
	}

	d.src = bytes.NewReader(data)
	d.srcSize = int64(len(data))
	d.startXRef = res.StartXRef
	clear(d.dirty)
	clear(d.freed)
}

func sortedRefs(set map[raw.ObjectRef]bool) []raw.ObjectRef {
	refs := make([]raw.ObjectRef, 0, len(set))
	for ref := range set {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Num != refs[j].Num {
			return refs[i].Num < refs[j].Num
		}
		return refs[i].Gen < refs[j].Gen
	})
	return refs
}
