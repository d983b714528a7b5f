package writer

import (
	"context"
	"io"

	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/observability"
	"github.com/wudi/pdfcore/security"
)

// Config controls how a document is serialized.
type Config struct {
	Version string // header version; the document's own version when empty

	// RemoveUnused drops objects unreachable from the trailer and
	// renumbers the remainder densely.
	RemoveUnused bool
	Linearize    bool
	HexStrings   bool // write every string in hexadecimal form
	Compress     bool // flate-compress streams that carry no filter

	// CompressionLevel is a compress/flate level. Zero selects the default.
	CompressionLevel int
	XRefStreams      bool

	// Security encrypts strings and streams on the way out. EncryptRef names
	// the encryption dictionary, which is written in the clear.
	Security   security.Handler
	EncryptRef raw.ObjectRef

	// Incremental appends an update section to Base instead of rewriting
	// the whole file.
	Incremental *Incremental
	Logger      observability.Logger
}

// Incremental describes the revision an update section is appended to.
type Incremental struct {
	Base      io.ReaderAt
	BaseSize  int64
	StartXRef int64           // offset of the newest xref section in Base
	Changed   []raw.ObjectRef // objects to append; missing ones are freed
	Freed     []raw.ObjectRef
}

// Result reports the layout of the written file.
type Result struct {
	Size      int64
	StartXRef int64
	ID        [2][]byte

	// Renumbered maps original references to their new numbers when the
	// save renumbered objects (RemoveUnused or Linearize).
	Renumbered map[raw.ObjectRef]raw.ObjectRef
}

type Writer interface {
	Write(ctx context.Context, doc *raw.Document, out io.Writer, cfg Config) (Result, error)
	SerializeObject(ref raw.ObjectRef, obj raw.Object) ([]byte, error)
}

// Interceptor observes every indirect object as it is written. Objects are
// seen after compression and encryption.
type Interceptor interface {
	BeforeWrite(ctx context.Context, ref raw.ObjectRef, obj raw.Object) error
	AfterWrite(ctx context.Context, ref raw.ObjectRef, bytesWritten int64) error
}

type WriterBuilder struct{ interceptors []Interceptor }

func (b *WriterBuilder) WithInterceptor(i Interceptor) *WriterBuilder {
	b.interceptors = append(b.interceptors, i)
	return b
}
func (b *WriterBuilder) Build() Writer { return &impl{interceptors: b.interceptors} }

// Write serializes doc with a writer that has no interceptors.
func Write(ctx context.Context, doc *raw.Document, out io.Writer, cfg Config) (Result, error) {
	return (&WriterBuilder{}).Build().Write(ctx, doc, out, cfg)
}
