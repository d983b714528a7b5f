package scanner

import (
	"errors"
	"fmt"

	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/recovery"
)

// ObjectReader assembles raw objects from a token stream. It keeps a small
// push-back buffer so callers can peek at the token following an object.
type ObjectReader struct {
	s   Scanner
	buf []Token

	// Recovery is consulted for structural problems such as a dictionary
	// missing its closing delimiter. Nil fails on the first problem.
	Recovery recovery.Strategy
	Location recovery.Location

	// StreamLength resolves the /Length of a stream dictionary before the
	// payload is scanned. Returning a negative value disables the hint.
	StreamLength func(d *raw.DictObj) int64
}

func NewObjectReader(s Scanner) *ObjectReader { return &ObjectReader{s: s} }

func (r *ObjectReader) Scanner() Scanner { return r.s }

func (r *ObjectReader) Next() (Token, error) {
	if l := len(r.buf); l > 0 {
		t := r.buf[l-1]
		r.buf = r.buf[:l-1]
		return t, nil
	}
	return r.s.Next()
}

func (r *ObjectReader) Unread(tok Token) { r.buf = append(r.buf, tok) }

// Reset drops buffered tokens, typically after seeking the scanner.
func (r *ObjectReader) Reset() { r.buf = r.buf[:0] }

// ReadObject reads one complete object. A dictionary directly followed by
// the stream keyword is returned as a *raw.StreamObj.
func (r *ObjectReader) ReadObject() (raw.Object, error) {
	tok, err := r.Next()
	if err != nil {
		return nil, err
	}
	return r.objectFrom(tok, true)
}

// ObjectFromToken completes an object whose first token was already read.
// Streams are not recognised; this is the entry point for content streams.
func (r *ObjectReader) ObjectFromToken(tok Token) (raw.Object, error) {
	return r.objectFrom(tok, false)
}

func (r *ObjectReader) objectFrom(tok Token, allowStream bool) (raw.Object, error) {
	switch tok.Type {
	case TokenName:
		return raw.NameObj{Val: tok.Str}, nil
	case TokenNumber:
		return tok.Number(), nil
	case TokenBoolean:
		return raw.BoolObj{V: tok.Bool}, nil
	case TokenNull:
		return raw.NullObj{}, nil
	case TokenString:
		return raw.StringObj{Bytes: tok.Bytes, Hex: tok.Hex}, nil
	case TokenRef:
		return raw.RefObj{R: tok.Ref}, nil
	case TokenArray:
		return r.readArray()
	case TokenDict:
		d, err := r.readDict()
		if err != nil || !allowStream {
			return d, err
		}
		return r.maybeStream(d)
	}
	return nil, fmt.Errorf("unexpected token %q at offset %d", tok.Str, tok.Pos)
}

func (r *ObjectReader) readArray() (raw.Object, error) {
	arr := &raw.ArrayObj{}
	for {
		tok, err := r.Next()
		if err != nil {
			return nil, err
		}
		if tok.IsKeyword("]") {
			return arr, nil
		}
		if tok.IsKeyword("endobj") || tok.IsKeyword(">>") {
			if err := r.problem(errors.New("unterminated array"), tok.Pos); err != nil {
				return nil, err
			}
			r.Unread(tok)
			return arr, nil
		}
		item, err := r.objectFrom(tok, false)
		if err != nil {
			return nil, err
		}
		arr.Append(item)
	}
}

func (r *ObjectReader) readDict() (*raw.DictObj, error) {
	d := raw.Dict()
	for {
		tok, err := r.Next()
		if err != nil {
			return nil, err
		}
		if tok.IsKeyword(">>") {
			return d, nil
		}
		if tok.Type != TokenName {
			if tok.IsKeyword("endobj") || tok.Type == TokenStream {
				if err := r.problem(errors.New("dictionary missing >>"), tok.Pos); err != nil {
					return nil, err
				}
				r.Unread(tok)
				return d, nil
			}
			if err := r.problem(fmt.Errorf("expected name in dictionary, got %s", tok.Type), tok.Pos); err != nil {
				return nil, err
			}
			continue
		}
		valTok, err := r.Next()
		if err != nil {
			return nil, err
		}
		if valTok.IsKeyword(">>") {
			// key without value
			if err := r.problem(fmt.Errorf("missing value for /%s", tok.Str), valTok.Pos); err != nil {
				return nil, err
			}
			return d, nil
		}
		val, err := r.objectFrom(valTok, false)
		if err != nil {
			return nil, err
		}
		if _, isNull := val.(raw.NullObj); isNull {
			continue
		}
		d.Set(tok.Str, val)
	}
}

func (r *ObjectReader) maybeStream(d *raw.DictObj) (raw.Object, error) {
	if len(r.buf) > 0 {
		return d, nil
	}
	hint := int64(-1)
	if r.StreamLength != nil {
		hint = r.StreamLength(d)
	} else if n, ok := raw.DictInt(d, "Length"); ok {
		hint = n
	}
	r.s.SetNextStreamLength(hint)
	tok, err := r.s.Next()
	if err != nil {
		r.s.SetNextStreamLength(-1)
		return d, nil
	}
	if tok.Type != TokenStream {
		r.s.SetNextStreamLength(-1)
		r.Unread(tok)
		return d, nil
	}
	return raw.NewStream(d, tok.Bytes), nil
}

func (r *ObjectReader) problem(err error, offset int64) error {
	if r.Recovery == nil {
		return err
	}
	loc := r.Location
	loc.ByteOffset = offset
	if loc.Component == "" {
		loc.Component = "objects"
	}
	switch r.Recovery.OnError(nil, err, loc) {
	case recovery.ActionFix, recovery.ActionSkip, recovery.ActionWarn:
		return nil
	}
	return err
}
