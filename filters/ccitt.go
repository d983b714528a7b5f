package filters

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"golang.org/x/image/ccitt"

	"github.com/wudi/pdfcore/ir/raw"
)

type ccittDecoder struct{}

func (ccittDecoder) Name() string { return "CCITTFaxDecode" }
func NewCCITTFaxDecoder() Decoder { return ccittDecoder{} }

// Decode expands Group 3 (1-D) and Group 4 fax data to 1 bit per pixel rows.
func (ccittDecoder) Decode(ctx context.Context, in []byte, params raw.Dictionary) ([]byte, error) {
	k := intParam(params, "K", 0)
	sf := ccitt.Group3
	switch {
	case k < 0:
		sf = ccitt.Group4
	case k > 0:
		return nil, UnsupportedError{Filter: "CCITTFaxDecode (mixed 2-D Group 3)"}
	}
	columns := intParam(params, "Columns", 1728)
	rows := intParam(params, "Rows", 0)
	height := ccitt.AutoDetectHeight
	if rows > 0 {
		height = rows
	}
	opts := &ccitt.Options{
		Align:  boolParam(params, "EncodedByteAlign", false),
		Invert: boolParam(params, "BlackIs1", false),
	}
	r := ccitt.NewReader(bytes.NewReader(in), ccitt.MSB, sf, columns, height, opts)
	out, err := io.ReadAll(r)
	if err != nil && len(out) == 0 {
		return nil, fmt.Errorf("ccitt: %w", err)
	}
	return out, nil
}
