package filters

import (
	"bytes"
	stdlzw "compress/lzw"
	"context"
	"io"

	"golang.org/x/image/tiff/lzw"

	"github.com/wudi/pdfcore/ir/raw"
)

type lzwDecoder struct{}

func (lzwDecoder) Name() string { return "LZWDecode" }
func NewLZWDecoder() Decoder    { return lzwDecoder{} }

// Decode handles both code-width conventions: EarlyChange 1 (the PDF
// default, same as TIFF) and EarlyChange 0.
func (lzwDecoder) Decode(ctx context.Context, in []byte, params raw.Dictionary) ([]byte, error) {
	var r io.ReadCloser
	if intParam(params, "EarlyChange", 1) == 0 {
		r = stdlzw.NewReader(bytes.NewReader(in), stdlzw.MSB, 8)
	} else {
		r = lzw.NewReader(bytes.NewReader(in), lzw.MSB, 8)
	}
	defer r.Close()
	var out bytes.Buffer
	if _, err := io.Copy(&out, r); err != nil {
		if out.Len() == 0 || !isTruncation(err) {
			return nil, err
		}
	}
	return applyPredictor(out.Bytes(), params)
}
