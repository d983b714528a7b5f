package scanner

import (
	"bytes"
	"errors"
	"io"
	"strconv"

	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/recovery"
)

type TokenType int

const (
	TokenDict        TokenType = iota // '<<'
	TokenArray                        // '['
	TokenName                         // '/Name'
	TokenString                       // literal or hex string
	TokenNumber                       // numeric value
	TokenBoolean                      // true/false
	TokenNull                         // null
	TokenRef                          // indirect ref '5 0 R'
	TokenStream                       // 'stream' keyword followed by its payload
	TokenInlineImage                  // inline image data following ID ... EI (content stream only)
	TokenKeyword                      // other keywords (obj, endobj, >>, ], operators)
)

func (t TokenType) String() string {
	switch t {
	case TokenDict:
		return "dict"
	case TokenArray:
		return "array"
	case TokenName:
		return "name"
	case TokenString:
		return "string"
	case TokenNumber:
		return "number"
	case TokenBoolean:
		return "boolean"
	case TokenNull:
		return "null"
	case TokenRef:
		return "ref"
	case TokenStream:
		return "stream"
	case TokenInlineImage:
		return "inline-image"
	default:
		return "keyword"
	}
}

// Token is a single lexical unit. Only the fields relevant to Type are set:
// Str for names and keywords, Bytes for strings, streams and inline image
// data, Int/Float for numbers, Bool for booleans, Ref for references.
type Token struct {
	Type  TokenType
	Str   string
	Bytes []byte
	Hex   bool
	Int   int64
	Float float64
	IsInt bool
	Bool  bool
	Ref   raw.ObjectRef
	Pos   int64
}

// Number returns the numeric token value as a raw object.
func (t Token) Number() raw.NumberObj {
	if t.IsInt {
		return raw.NumberInt(t.Int)
	}
	return raw.NumberFloat(t.Float)
}

// IsKeyword reports whether the token is the given keyword or delimiter.
func (t Token) IsKeyword(kw string) bool { return t.Type == TokenKeyword && t.Str == kw }

type Scanner interface {
	Next() (Token, error)
	Position() int64
	Seek(offset int64) error
	SetNextStreamLength(n int64)
}

type Config struct {
	MaxStringLength int64
	MaxNameLength   int
	MaxArrayDepth   int
	MaxDictDepth    int
	MaxStreamLength int64
	MaxStreamScan   int64
	MaxInlineImage  int64
	WindowSize      int64
	// ContentStream disables "n g R" reference detection, which is not
	// valid content syntax and collides with operand sequences like "0.5 1 RG".
	ContentStream bool
	Recovery      recovery.Strategy
}

type ReaderAt interface {
	ReadAt(p []byte, off int64) (n int, err error)
}

// pdfScanner incrementally buffers PDF data from a ReaderAt in fixed-size windows.
type pdfScanner struct {
	reader        ReaderAt
	data          []byte
	pos           int64
	cfg           Config
	nextStreamLen int64
	chunkSize     int64
	eof           bool
	arrayDepth    int
	dictDepth     int
	recLoc        recovery.Location
	lastAction    recovery.Action
}

// New returns a scanner reading r lazily in windows of cfg.WindowSize bytes.
func New(r ReaderAt, cfg Config) Scanner {
	chunk := cfg.WindowSize
	if chunk <= 0 {
		chunk = 64 * 1024
	}
	return &pdfScanner{reader: r, cfg: cfg, nextStreamLen: -1, chunkSize: chunk}
}

// NewBytes scans an in-memory buffer.
func NewBytes(data []byte, cfg Config) Scanner {
	return New(bytes.NewReader(data), cfg)
}

func (s *pdfScanner) Position() int64 { return s.pos }
func (s *pdfScanner) Seek(offset int64) error {
	if offset < 0 {
		return errors.New("seek out of range")
	}
	if err := s.ensure(offset); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if offset > int64(len(s.data)) {
		return errors.New("seek out of range")
	}
	s.pos = offset
	s.arrayDepth, s.dictDepth = 0, 0
	s.nextStreamLen = -1
	return nil
}
func (s *pdfScanner) SetNextStreamLength(n int64)               { s.nextStreamLen = n }
func (s *pdfScanner) SetRecoveryLocation(loc recovery.Location) { s.recLoc = loc }

func (s *pdfScanner) Next() (Token, error) {
	if err := s.skipWSAndComments(); err != nil {
		if errors.Is(err, io.EOF) {
			return Token{}, io.EOF
		}
		return Token{}, err
	}
	if s.pos >= int64(len(s.data)) {
		return Token{}, io.EOF
	}
	start := s.pos
	c := s.data[s.pos]
	switch c {
	case '<':
		if s.peekAhead(1) == '<' {
			s.pos += 2
			return s.emit(Token{Type: TokenDict, Str: "<<", Pos: start})
		}
		return s.scanHexString()
	case '>':
		if s.peekAhead(1) == '>' {
			s.pos += 2
			return s.emit(Token{Type: TokenKeyword, Str: ">>", Pos: start})
		}
		s.pos++
		return s.emit(Token{Type: TokenKeyword, Str: ">", Pos: start})
	case '[':
		s.pos++
		return s.emit(Token{Type: TokenArray, Str: "[", Pos: start})
	case ']':
		s.pos++
		return s.emit(Token{Type: TokenKeyword, Str: "]", Pos: start})
	case '(':
		return s.scanLiteralString()
	case '/':
		return s.scanName()
	}
	if isDigitStart(c) {
		return s.scanNumberOrRef()
	}
	if isRegular(c) {
		return s.scanKeyword()
	}
	s.pos++
	return s.emit(Token{Type: TokenKeyword, Str: string(c), Pos: start})
}

func (s *pdfScanner) skipWSAndComments() error {
	for {
		if err := s.ensure(s.pos); err != nil {
			return err
		}
		c := s.data[s.pos]
		if isWhitespace(c) {
			s.pos++
			continue
		}
		if c == '%' {
			for {
				s.pos++
				if err := s.ensure(s.pos); err != nil {
					return err
				}
				if isEOL(s.data[s.pos]) {
					break
				}
			}
			continue
		}
		return nil
	}
}

// ensure loads data until offset n is buffered, or returns io.EOF.
func (s *pdfScanner) ensure(n int64) error {
	for int64(len(s.data)) <= n {
		if s.eof {
			return io.EOF
		}
		if err := s.loadMore(); err != nil {
			return err
		}
	}
	return nil
}

func (s *pdfScanner) loadMore() error {
	buf := make([]byte, s.chunkSize)
	off := int64(len(s.data))
	n, err := s.reader.ReadAt(buf, off)
	if n > 0 {
		s.data = append(s.data, buf[:n]...)
	}
	if err == io.EOF || (err == nil && n == 0) {
		s.eof = true
		return nil
	}
	return err
}

func (s *pdfScanner) at(i int64) (byte, bool) {
	if err := s.ensure(i); err != nil {
		return 0, false
	}
	return s.data[i], true
}

func isDigitStart(c byte) bool { return c == '+' || c == '-' || c == '.' || (c >= '0' && c <= '9') }
func isRegular(c byte) bool    { return !isDelimiter(c) && c > 0x20 && c < 0x7f }

func (s *pdfScanner) scanName() (Token, error) {
	start := s.pos
	s.pos++ // skip '/'
	var out bytes.Buffer
	for {
		c, ok := s.at(s.pos)
		if !ok || isDelimiter(c) {
			break
		}
		if c == '#' {
			a, okA := s.at(s.pos + 1)
			b, okB := s.at(s.pos + 2)
			if okA && okB && isHex(a) && isHex(b) {
				out.WriteByte(fromHex(a)<<4 | fromHex(b))
				s.pos += 3
				continue
			}
		}
		out.WriteByte(c)
		s.pos++
		if s.cfg.MaxNameLength > 0 && out.Len() > s.cfg.MaxNameLength {
			return Token{}, s.recover(errors.New("name too long"), "name")
		}
	}
	return s.emit(Token{Type: TokenName, Str: out.String(), Pos: start})
}

func (s *pdfScanner) scanLiteralString() (Token, error) {
	start := s.pos
	s.pos++ // skip '('
	var buf bytes.Buffer
	depth := 1
	for {
		c, ok := s.at(s.pos)
		if !ok {
			break
		}
		if c == '\\' {
			s.pos++
			esc, ok := s.at(s.pos)
			if !ok {
				break
			}
			if esc == '\r' {
				s.pos++
				if n, ok := s.at(s.pos); ok && n == '\n' {
					s.pos++
				}
				continue
			}
			if esc == '\n' {
				s.pos++
				continue
			}
			if esc >= '0' && esc <= '7' {
				val := int(esc - '0')
				s.pos++
				for k := 0; k < 2; k++ {
					d, ok := s.at(s.pos)
					if !ok || d < '0' || d > '7' {
						break
					}
					val = val<<3 + int(d-'0')
					s.pos++
				}
				buf.WriteByte(byte(val))
				continue
			}
			buf.WriteByte(translateEscape(esc))
			s.pos++
			continue
		}
		if c == '(' {
			depth++
		} else if c == ')' {
			depth--
			if depth == 0 {
				s.pos++
				break
			}
		}
		buf.WriteByte(c)
		s.pos++
		if s.cfg.MaxStringLength > 0 && int64(buf.Len()) > s.cfg.MaxStringLength {
			return Token{}, s.recover(errors.New("literal string too long"), "literal")
		}
	}
	if depth != 0 {
		if err := s.recover(errors.New("unterminated literal string"), "literal"); err != nil {
			return Token{}, err
		}
	}
	return s.emit(Token{Type: TokenString, Bytes: buf.Bytes(), Pos: start})
}

func (s *pdfScanner) scanHexString() (Token, error) {
	start := s.pos
	s.pos++ // skip '<'
	var hexbuf []byte
	closed := false
	for {
		c, ok := s.at(s.pos)
		if !ok {
			break
		}
		s.pos++
		if c == '>' {
			closed = true
			break
		}
		if isWhitespace(c) {
			continue
		}
		if !isHex(c) {
			if err := s.recover(errors.New("invalid hex digit"), "hex"); err != nil {
				return Token{}, err
			}
			continue
		}
		hexbuf = append(hexbuf, c)
	}
	if !closed {
		if err := s.recover(errors.New("unterminated hex string"), "hex"); err != nil {
			return Token{}, err
		}
	}
	// an odd trailing nibble is padded with 0
	if len(hexbuf)%2 == 1 {
		hexbuf = append(hexbuf, '0')
	}
	if s.cfg.MaxStringLength > 0 && int64(len(hexbuf)/2) > s.cfg.MaxStringLength {
		return Token{}, s.recover(errors.New("hex string too long"), "hex")
	}
	out := make([]byte, 0, len(hexbuf)/2)
	for i := 0; i < len(hexbuf); i += 2 {
		out = append(out, fromHex(hexbuf[i])<<4|fromHex(hexbuf[i+1]))
	}
	return s.emit(Token{Type: TokenString, Bytes: out, Hex: true, Pos: start})
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'F') || (c >= 'a' && c <= 'f')
}

func fromHex(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return 0
	}
}

var endstreamMarker = []byte("endstream")

// scanStream consumes the payload following the 'stream' keyword. A length
// hint from SetNextStreamLength is trusted when 'endstream' follows it;
// otherwise the payload ends at the next 'endstream' marker.
func (s *pdfScanner) scanStream(start int64) (Token, error) {
	c, ok := s.at(s.pos)
	if !ok {
		return Token{}, s.recover(errors.New("stream missing EOL before data"), "stream")
	}
	switch c {
	case '\r':
		s.pos++
		if n, ok := s.at(s.pos); ok && n == '\n' {
			s.pos++
		}
	case '\n':
		s.pos++
	default:
		if err := s.recover(errors.New("stream missing EOL before data"), "stream"); err != nil {
			return Token{}, err
		}
	}
	dataStart := s.pos
	hint := s.nextStreamLen
	s.nextStreamLen = -1
	if hint >= 0 {
		if s.cfg.MaxStreamLength > 0 && hint > s.cfg.MaxStreamLength {
			return Token{}, s.recover(errors.New("stream too long"), "stream")
		}
		end := dataStart + hint
		_ = s.ensure(end + int64(len(endstreamMarker)) + 2)
		if end <= int64(len(s.data)) {
			p := end
			for p < int64(len(s.data)) && isWhitespace(s.data[p]) && p-end < 4 {
				p++
			}
			if p+int64(len(endstreamMarker)) <= int64(len(s.data)) && bytes.Equal(s.data[p:p+int64(len(endstreamMarker))], endstreamMarker) {
				payload := append([]byte(nil), s.data[dataStart:end]...)
				s.pos = p + int64(len(endstreamMarker))
				return s.emit(Token{Type: TokenStream, Bytes: payload, Pos: start})
			}
		}
		// a wrong /Length is common enough to fall back to the marker scan silently
	}
	idx := int64(-1)
	for i := dataStart; ; i++ {
		if err := s.ensure(i + int64(len(endstreamMarker)) - 1); err != nil {
			if !errors.Is(err, io.EOF) {
				return Token{}, err
			}
			break
		}
		if s.cfg.MaxStreamScan > 0 && i-dataStart > s.cfg.MaxStreamScan {
			if err := s.recover(errors.New("endstream not found within scan limit"), "stream"); err != nil {
				return Token{}, err
			}
			break
		}
		if s.data[i] != 'e' || !bytes.Equal(s.data[i:i+int64(len(endstreamMarker))], endstreamMarker) {
			continue
		}
		follow, ok := s.at(i + int64(len(endstreamMarker)))
		if hasStreamBreakBefore(s.data, i, dataStart) && (!ok || isDelimiter(follow)) {
			idx = i
			break
		}
	}
	if idx == -1 {
		if err := s.recover(errors.New("endstream not found"), "stream"); err != nil {
			return Token{}, err
		}
		payload := append([]byte(nil), s.data[dataStart:]...)
		s.pos = int64(len(s.data))
		return s.emit(Token{Type: TokenStream, Bytes: payload, Pos: start})
	}
	end := idx
	if end > dataStart && s.data[end-1] == '\n' {
		end--
	}
	if end > dataStart && s.data[end-1] == '\r' {
		end--
	}
	if s.cfg.MaxStreamLength > 0 && end-dataStart > s.cfg.MaxStreamLength {
		return Token{}, s.recover(errors.New("stream too long"), "stream")
	}
	payload := append([]byte(nil), s.data[dataStart:end]...)
	s.pos = idx + int64(len(endstreamMarker))
	return s.emit(Token{Type: TokenStream, Bytes: payload, Pos: start})
}

// scanInlineImage consumes bytes after the ID keyword up to the EI operator.
// The image dictionary has already been read by the caller.
func (s *pdfScanner) scanInlineImage(start int64) (Token, error) {
	c, ok := s.at(s.pos)
	if !ok {
		return Token{}, s.recover(errors.New("unterminated inline image"), "inline_image")
	}
	if isWhitespace(c) {
		s.pos++
	}
	dataStart := s.pos
	for {
		if err := s.ensure(s.pos + 1); err != nil {
			if errors.Is(err, io.EOF) {
				return Token{}, s.recover(errors.New("unterminated inline image"), "inline_image")
			}
			return Token{}, err
		}
		if s.data[s.pos] == 'E' && s.data[s.pos+1] == 'I' {
			prevOK := s.pos > dataStart && isWhitespace(s.data[s.pos-1])
			next, ok := s.at(s.pos + 2)
			nextOK := !ok || isDelimiter(next)
			if prevOK && nextOK {
				end := s.pos - 1
				if end > dataStart && s.data[end-1] == '\r' && s.data[end] == '\n' {
					end--
				}
				payload := append([]byte(nil), s.data[dataStart:end]...)
				s.pos += 2
				return s.emit(Token{Type: TokenInlineImage, Bytes: payload, Pos: start})
			}
		}
		s.pos++
		if s.cfg.MaxInlineImage > 0 && s.pos-dataStart > s.cfg.MaxInlineImage {
			return Token{}, s.recover(errors.New("inline image too long"), "inline_image")
		}
	}
}

func isWhitespace(c byte) bool {
	return c == 0x00 || c == 0x09 || c == 0x0A || c == 0x0C || c == 0x0D || c == 0x20
}
func isEOL(c byte) bool { return c == '\r' || c == '\n' }
func isDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	default:
		return isWhitespace(c)
	}
}

func translateEscape(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 'r':
		return '\r'
	case 't':
		return '\t'
	case 'b':
		return '\b'
	case 'f':
		return '\f'
	default:
		return c
	}
}

func (s *pdfScanner) peekAhead(n int64) byte {
	c, _ := s.at(s.pos + n)
	return c
}

func (s *pdfScanner) scanKeyword() (Token, error) {
	start := s.pos
	for {
		c, ok := s.at(s.pos)
		if !ok || !isRegular(c) {
			break
		}
		s.pos++
	}
	kw := string(s.data[start:s.pos])
	switch kw {
	case "true", "false":
		return Token{Type: TokenBoolean, Bool: kw == "true", Str: kw, Pos: start}, nil
	case "null":
		return Token{Type: TokenNull, Str: kw, Pos: start}, nil
	case "stream":
		if s.cfg.ContentStream {
			break
		}
		return s.scanStream(start)
	case "ID":
		if s.cfg.ContentStream {
			return s.scanInlineImage(start)
		}
	}
	return Token{Type: TokenKeyword, Str: kw, Pos: start}, nil
}

func (s *pdfScanner) scanNumberOrRef() (Token, error) {
	start := s.pos
	num1 := s.scanNumberString()
	if num1 == "" {
		s.pos++
		return s.emit(Token{Type: TokenKeyword, Str: string(s.data[start]), Pos: start})
	}
	if !s.cfg.ContentStream && isUnsigned(num1) {
		save := s.pos
		if s.skipWSAndComments() == nil {
			num2 := s.scanNumberString()
			if num2 != "" && isUnsigned(num2) {
				if s.skipWSAndComments() == nil {
					if c, ok := s.at(s.pos); ok && c == 'R' {
						if n, ok := s.at(s.pos + 1); !ok || isDelimiter(n) {
							s.pos++
							n1, _ := strconv.Atoi(num1)
							n2, _ := strconv.Atoi(num2)
							return Token{Type: TokenRef, Ref: raw.ObjectRef{Num: n1, Gen: n2}, Pos: start}, nil
						}
					}
				}
			}
		}
		s.pos = save
	}
	if i, err := strconv.ParseInt(num1, 10, 64); err == nil {
		return s.emit(Token{Type: TokenNumber, Int: i, IsInt: true, Pos: start})
	}
	f, err := strconv.ParseFloat(num1, 64)
	if err != nil {
		f = parseLooseFloat(num1)
	}
	return s.emit(Token{Type: TokenNumber, Float: f, Pos: start})
}

func isUnsigned(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// parseLooseFloat accepts malformed numbers such as "--1" or "1.2.3" that
// appear in damaged files, keeping the leading well-formed part.
func parseLooseFloat(s string) float64 {
	neg := false
	i := 0
	for i < len(s) && (s[i] == '-' || s[i] == '+') {
		if s[i] == '-' {
			neg = !neg
		}
		i++
	}
	j := i
	dot := false
	for j < len(s) {
		if s[j] == '.' {
			if dot {
				break
			}
			dot = true
		} else if s[j] < '0' || s[j] > '9' {
			break
		}
		j++
	}
	f, _ := strconv.ParseFloat(s[i:j], 64)
	if neg {
		f = -f
	}
	return f
}

func (s *pdfScanner) scanNumberString() string {
	start := s.pos
	seenDigit := false
	for {
		c, ok := s.at(s.pos)
		if !ok {
			break
		}
		if c == '+' || c == '-' || c == '.' || (c >= '0' && c <= '9') {
			if c >= '0' && c <= '9' {
				seenDigit = true
			}
			s.pos++
			continue
		}
		break
	}
	if !seenDigit {
		s.pos = start
		return ""
	}
	return string(s.data[start:s.pos])
}

func (s *pdfScanner) recover(err error, loc string) error {
	if s.cfg.Recovery == nil {
		return err
	}
	location := s.recLoc
	location.ByteOffset = s.pos
	if location.Component != "" {
		location.Component += "->"
	}
	location.Component += "scanner:" + loc
	s.lastAction = s.cfg.Recovery.OnError(nil, err, location)
	switch s.lastAction {
	case recovery.ActionSkip, recovery.ActionFix:
		return nil
	default:
		return err
	}
}

func (s *pdfScanner) emit(tok Token) (Token, error) {
	switch tok.Type {
	case TokenArray:
		s.arrayDepth++
		if s.cfg.MaxArrayDepth > 0 && s.arrayDepth > s.cfg.MaxArrayDepth {
			return Token{}, errors.New("array depth exceeded")
		}
	case TokenDict:
		s.dictDepth++
		if s.cfg.MaxDictDepth > 0 && s.dictDepth > s.cfg.MaxDictDepth {
			return Token{}, errors.New("dict depth exceeded")
		}
	case TokenKeyword:
		if tok.Str == "]" && s.arrayDepth > 0 {
			s.arrayDepth--
		}
		if tok.Str == ">>" && s.dictDepth > 0 {
			s.dictDepth--
		}
	}
	return tok, nil
}

// hasStreamBreakBefore reports whether the endstream candidate at i is
// preceded by whitespace, making it a safe marker.
func hasStreamBreakBefore(data []byte, i int64, dataStart int64) bool {
	if i == dataStart {
		return true
	}
	return isWhitespace(data[i-1])
}
