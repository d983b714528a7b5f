package raw

import (
	"bytes"

	"golang.org/x/text/encoding/unicode"
)

// pdfDocHigh maps PDFDocEncoding bytes that differ from Latin-1.
var pdfDocHigh = map[byte]rune{
	0x18: '˘', 0x19: 'ˇ', 0x1A: 'ˆ', 0x1B: '˙',
	0x1C: '˝', 0x1D: '˛', 0x1E: '˚', 0x1F: '˜',
	0x80: '•', 0x81: '†', 0x82: '‡', 0x83: '…',
	0x84: '—', 0x85: '–', 0x86: 'ƒ', 0x87: '⁄',
	0x88: '‹', 0x89: '›', 0x8A: '−', 0x8B: '‰',
	0x8C: '„', 0x8D: '“', 0x8E: '”', 0x8F: '‘',
	0x90: '’', 0x91: '‚', 0x92: '™', 0x93: 'ﬁ',
	0x94: 'ﬂ', 0x95: 'Ł', 0x96: 'Œ', 0x97: 'Š',
	0x98: 'Ÿ', 0x99: 'Ž', 0x9A: 'ı', 0x9B: 'ł',
	0x9C: 'œ', 0x9D: 'š', 0x9E: 'ž', 0xA0: '€',
}

var pdfDocReverse = func() map[rune]byte {
	m := make(map[rune]byte, len(pdfDocHigh))
	for b, r := range pdfDocHigh {
		m[r] = b
	}
	return m
}()

var utf16BOM = []byte{0xFE, 0xFF}

// DecodeText decodes a PDF text string: UTF-16BE when it starts with a
// byte order mark, PDFDocEncoding otherwise.
func DecodeText(b []byte) string {
	if bytes.HasPrefix(b, utf16BOM) {
		dec := unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder()
		if out, err := dec.Bytes(b); err == nil {
			return string(out)
		}
	}
	if bytes.HasPrefix(b, []byte{0xEF, 0xBB, 0xBF}) {
		return string(b[3:])
	}
	runes := make([]rune, 0, len(b))
	for _, c := range b {
		if r, ok := pdfDocHigh[c]; ok {
			runes = append(runes, r)
			continue
		}
		runes = append(runes, rune(c))
	}
	return string(runes)
}

// EncodeText encodes s as a PDF text string. PDFDocEncoding is used when
// every rune is representable, UTF-16BE with a byte order mark otherwise.
func EncodeText(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if b, ok := pdfDocReverse[r]; ok {
			out = append(out, b)
			continue
		}
		if r < 0x100 && r != 0x7F {
			if _, remapped := pdfDocHigh[byte(r)]; !remapped {
				out = append(out, byte(r))
				continue
			}
		}
		enc := unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewEncoder()
		u, err := enc.Bytes([]byte(s))
		if err != nil {
			return []byte(s)
		}
		return u
	}
	return out
}

// TextString builds a string object holding s as a PDF text string.
func TextString(s string) StringObj { return Str(EncodeText(s)) }
