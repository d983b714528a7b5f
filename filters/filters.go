package filters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wudi/pdfcore/ir/raw"
)

// Decoder reverses one PDF stream filter.
type Decoder interface {
	Name() string
	Decode(ctx context.Context, input []byte, params raw.Dictionary) ([]byte, error)
}

// Encoder applies one PDF stream filter. Only filters the writer produces
// implement it.
type Encoder interface {
	Name() string
	Encode(ctx context.Context, input []byte) ([]byte, error)
}

// UnsupportedError reports a filter name with no registered decoder.
type UnsupportedError struct{ Filter string }

func (e UnsupportedError) Error() string { return "unsupported filter: " + e.Filter }

// ErrLimitExceeded is returned when decoded output grows past Limits.
var ErrLimitExceeded = errors.New("decompressed size exceeds limit")

type Pipeline struct {
	decoders []Decoder
	limits   Limits
}

// NewPipeline constructs a pipeline with provided decoders and limits.
func NewPipeline(decoders []Decoder, limits Limits) *Pipeline {
	return &Pipeline{decoders: decoders, limits: limits}
}

// NewDefaultPipeline returns a pipeline with every built-in decoder.
func NewDefaultPipeline(limits Limits) *Pipeline {
	return NewPipeline([]Decoder{
		NewFlateDecoder(),
		NewLZWDecoder(),
		NewASCII85Decoder(),
		NewASCIIHexDecoder(),
		NewRunLengthDecoder(),
		NewCCITTFaxDecoder(),
		NewDCTDecoder(),
		NewJPXDecoder(),
		NewJBIG2Decoder(),
		NewCryptDecoder(),
	}, limits)
}

type Limits struct {
	MaxDecompressedSize int64
	MaxDecodeTime       time.Duration
}

func (p *Pipeline) findDecoder(name string) Decoder {
	name = expandAbbreviation(name)
	for _, d := range p.decoders {
		if d.Name() == name {
			return d
		}
	}
	return nil
}

// Decode runs the filters in order. params may be shorter than filterNames.
func (p *Pipeline) Decode(ctx context.Context, input []byte, filterNames []string, params []raw.Dictionary) ([]byte, error) {
	if p.limits.MaxDecodeTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.limits.MaxDecodeTime)
		defer cancel()
	}
	data := input
	for i, name := range filterNames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dec := p.findDecoder(name)
		if dec == nil {
			return nil, UnsupportedError{Filter: name}
		}
		var param raw.Dictionary
		if i < len(params) {
			param = params[i]
		}
		out, err := dec.Decode(ctx, data, param)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", dec.Name(), err)
		}
		if p.limits.MaxDecompressedSize > 0 && int64(len(out)) > p.limits.MaxDecompressedSize {
			return nil, ErrLimitExceeded
		}
		data = out
	}
	return data, nil
}

type Registry struct{ decoders map[string]Decoder }

func (r *Registry) Register(d Decoder) {
	if r.decoders == nil {
		r.decoders = make(map[string]Decoder)
	}
	r.decoders[d.Name()] = d
}
func (r *Registry) Get(name string) (Decoder, bool) { d, ok := r.decoders[name]; return d, ok }

// expandAbbreviation maps inline-image filter abbreviations to full names.
func expandAbbreviation(name string) string {
	switch name {
	case "AHx":
		return "ASCIIHexDecode"
	case "A85":
		return "ASCII85Decode"
	case "LZW":
		return "LZWDecode"
	case "Fl":
		return "FlateDecode"
	case "RL":
		return "RunLengthDecode"
	case "CCF":
		return "CCITTFaxDecode"
	case "DCT":
		return "DCTDecode"
	}
	return name
}

// IsImageCodec reports whether name is a filter whose output is an encoded
// image that consumers decode themselves.
func IsImageCodec(name string) bool {
	switch expandAbbreviation(name) {
	case "DCTDecode", "JPXDecode", "JBIG2Decode":
		return true
	}
	return false
}

// passthroughDecoder leaves image codec payloads untouched.
type passthroughDecoder struct{ name string }

func (p passthroughDecoder) Name() string { return p.name }
func (p passthroughDecoder) Decode(ctx context.Context, in []byte, params raw.Dictionary) ([]byte, error) {
	return in, nil
}

func NewDCTDecoder() Decoder   { return passthroughDecoder{name: "DCTDecode"} }
func NewJPXDecoder() Decoder   { return passthroughDecoder{name: "JPXDecode"} }
func NewJBIG2Decoder() Decoder { return passthroughDecoder{name: "JBIG2Decode"} }

// NewCryptDecoder handles /Crypt with the Identity filter; other crypt
// filters are resolved by the security handler before decoding.
func NewCryptDecoder() Decoder { return passthroughDecoder{name: "Crypt"} }

func intParam(params raw.Dictionary, key string, def int) int {
	if params == nil {
		return def
	}
	if v, ok := raw.DictInt(params, key); ok {
		return int(v)
	}
	return def
}

func boolParam(params raw.Dictionary, key string, def bool) bool {
	if params == nil {
		return def
	}
	if v, ok := raw.DictBool(params, key); ok {
		return v
	}
	return def
}
