package security

import "time"

// Limits bound the work done on untrusted input. A zero field disables the
// check it controls; Document fills an all-zero Limits with DefaultLimits.
type Limits struct {
	// MaxDecompressedSize caps the decoded size of a single stream.
	MaxDecompressedSize int64
	// MaxIndirectDepth caps nesting of arrays and dictionaries, chains of
	// references and the depth of the page tree.
	MaxIndirectDepth int
	// MaxXRefDepth caps the number of /Prev sections followed.
	MaxXRefDepth int
	// MaxFormDepth caps how deep a content Reader descends into forms.
	MaxFormDepth int
	// MaxStringLength and MaxStreamLength cap string objects and the
	// encoded bytes of one stream.
	MaxStringLength int64
	MaxStreamLength int64
	// MaxDecodeTime applies per stream, MaxParseTime to loading a file.
	MaxDecodeTime time.Duration
	MaxParseTime  time.Duration
}

// DefaultLimits are generous enough for large real-world files.
func DefaultLimits() Limits {
	return Limits{
		MaxDecompressedSize: 256 << 20,
		MaxIndirectDepth:    100,
		MaxXRefDepth:        64,
		MaxFormDepth:        32,
		MaxStringLength:     16 << 20,
		MaxStreamLength:     128 << 20,
		MaxDecodeTime:       30 * time.Second,
		MaxParseTime:        5 * time.Minute,
	}
}
