package raw

import (
	"bytes"
	"testing"
)

func TestEncodeText(t *testing.T) {
	tests := []struct {
		in   string
		want []byte
	}{
		{"Hello", []byte("Hello")},
		{"•", []byte{0x80}},
		{"€ 5", []byte{0xA0, ' ', '5'}},
		{"café", []byte{'c', 'a', 'f', 0xE9}},
		{"日本", []byte{0xFE, 0xFF, 0x65, 0xE5, 0x67, 0x2C}},
		{"a\u00a0b", []byte{0xFE, 0xFF, 0x00, 'a', 0x00, 0xA0, 0x00, 'b'}},
	}
	for _, tt := range tests {
		if got := EncodeText(tt.in); !bytes.Equal(got, tt.want) {
			t.Errorf("EncodeText(%q) = % x, want % x", tt.in, got, tt.want)
		}
	}
}

func TestDecodeText(t *testing.T) {
	tests := []struct {
		in   []byte
		want string
	}{
		{[]byte("plain"), "plain"},
		{[]byte{0x80, 'a', 0x92}, "•a™"},
		{[]byte{0xFE, 0xFF, 0x65, 0xE5, 0x67, 0x2C}, "日本"},
		{[]byte{0xEF, 0xBB, 0xBF, 'h', 0xC3, 0xA9}, "hé"},
	}
	for _, tt := range tests {
		if got := DecodeText(tt.in); got != tt.want {
			t.Errorf("DecodeText(% x) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTextRoundTrip(t *testing.T) {
	for _, s := range []string{"", "Title – part “one”", "Ünïcödé", "混合 text", "fi ﬁ"} {
		if got := DecodeText(EncodeText(s)); got != s {
			t.Errorf("round trip of %q gave %q", s, got)
		}
	}
}
