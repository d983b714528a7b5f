package filters

import (
	"bytes"
	"compress/flate"
	"compress/zlib"
	"context"
	"errors"
	"io"

	"github.com/wudi/pdfcore/ir/raw"
)

type flateDecoder struct{}

func (flateDecoder) Name() string { return "FlateDecode" }
func NewFlateDecoder() Decoder    { return flateDecoder{} }

// Decode inflates zlib data. Streams written without the zlib header are
// accepted as raw deflate, and a truncated stream keeps what was inflated.
func (flateDecoder) Decode(ctx context.Context, in []byte, params raw.Dictionary) ([]byte, error) {
	out, err := inflate(in)
	if err != nil {
		return nil, err
	}
	return applyPredictor(out, params)
}

func inflate(in []byte) ([]byte, error) {
	var out bytes.Buffer
	zr, err := zlib.NewReader(bytes.NewReader(in))
	if err == nil {
		_, err = io.Copy(&out, zr)
		zr.Close()
		if err == nil || (out.Len() > 0 && isTruncation(err)) {
			return out.Bytes(), nil
		}
		if !errors.Is(err, zlib.ErrChecksum) {
			return nil, err
		}
		return out.Bytes(), nil
	}
	out.Reset()
	fr := flate.NewReader(bytes.NewReader(in))
	defer fr.Close()
	if _, err := io.Copy(&out, fr); err != nil {
		if out.Len() > 0 && isTruncation(err) {
			return out.Bytes(), nil
		}
		return nil, err
	}
	return out.Bytes(), nil
}

func isTruncation(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

type flateEncoder struct{ level int }

func (flateEncoder) Name() string { return "FlateDecode" }

// NewFlateEncoder returns a zlib encoder at the given compress/flate level.
func NewFlateEncoder(level int) Encoder { return flateEncoder{level: level} }

func (e flateEncoder) Encode(ctx context.Context, in []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, e.level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(in); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
