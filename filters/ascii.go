package filters

import (
	"bytes"
	"context"
	stdascii85 "encoding/ascii85"
	"encoding/hex"
	"fmt"

	"github.com/wudi/pdfcore/ir/raw"
)

type ascii85Decoder struct{}

func (ascii85Decoder) Name() string { return "ASCII85Decode" }
func (ascii85Decoder) Decode(ctx context.Context, in []byte, params raw.Dictionary) ([]byte, error) {
	trimmed := bytes.TrimSpace(in)
	trimmed = bytes.TrimPrefix(trimmed, []byte("<~"))
	if i := bytes.Index(trimmed, []byte("~>")); i >= 0 {
		trimmed = trimmed[:i]
	}
	out := make([]byte, 4*len(trimmed)+4)
	n, _, err := stdascii85.Decode(out, trimmed, true)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}
func NewASCII85Decoder() Decoder { return ascii85Decoder{} }

type asciiHexDecoder struct{}

func (asciiHexDecoder) Name() string { return "ASCIIHexDecode" }
func (asciiHexDecoder) Decode(ctx context.Context, in []byte, params raw.Dictionary) ([]byte, error) {
	digits := make([]byte, 0, len(in))
	for _, c := range in {
		if c == '>' {
			break
		}
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == '\f' || c == 0:
			continue
		case (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F'):
			digits = append(digits, c)
		default:
			return nil, fmt.Errorf("invalid hex digit %q", c)
		}
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	result := make([]byte, hex.DecodedLen(len(digits)))
	n, err := hex.Decode(result, digits)
	if err != nil {
		return nil, err
	}
	return result[:n], nil
}
func NewASCIIHexDecoder() Decoder { return asciiHexDecoder{} }

type asciiHexEncoder struct{}

func (asciiHexEncoder) Name() string { return "ASCIIHexDecode" }
func (asciiHexEncoder) Encode(ctx context.Context, in []byte) ([]byte, error) {
	out := make([]byte, hex.EncodedLen(len(in))+1)
	hex.Encode(out, in)
	out[len(out)-1] = '>'
	return out, nil
}
func NewASCIIHexEncoder() Encoder { return asciiHexEncoder{} }

type ascii85Encoder struct{}

func (ascii85Encoder) Name() string { return "ASCII85Decode" }
func (ascii85Encoder) Encode(ctx context.Context, in []byte) ([]byte, error) {
	out := make([]byte, stdascii85.MaxEncodedLen(len(in)))
	n := stdascii85.Encode(out, in)
	return append(out[:n], '~', '>'), nil
}
func NewASCII85Encoder() Encoder { return ascii85Encoder{} }
