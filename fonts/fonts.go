// Package fonts loads TrueType fonts and embeds them as simple fonts with
// WinAnsi encoding, the form the content Builder and the layout add-on
// set text with.
package fonts

import (
	"fmt"
	"math"
	"strings"
	"sync"

	xfont "golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/gobolditalic"
	"golang.org/x/image/font/gofont/goitalic"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/sfnt"
	"golang.org/x/image/math/fixed"
	"golang.org/x/text/encoding/charmap"

	"github.com/wudi/pdfcore/document"
	"github.com/wudi/pdfcore/guard"
	"github.com/wudi/pdfcore/ir/raw"
)

const (
	firstChar = 32
	lastChar  = 255
)

// Font is a parsed TrueType font. Widths are in glyph space, 1000 units
// per em, indexed by WinAnsi code.
type Font struct {
	Name string

	data   []byte
	sf     *sfnt.Font
	widths [256]float64

	Ascent, Descent, CapHeight float64
	BBox                       [4]float64
	ItalicAngle                float64

	shapeOnce sync.Once
	shaper    *shaper
}

// LoadTrueType parses a TrueType or OpenType font with TrueType outlines.
// name is used when the font has no PostScript name.
func LoadTrueType(name string, data []byte) (*Font, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("truetype font data is empty")
	}
	sf, err := sfnt.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse truetype: %w", err)
	}
	upem := sf.UnitsPerEm()
	if upem == 0 {
		return nil, fmt.Errorf("invalid unitsPerEm")
	}
	var buf sfnt.Buffer
	ppem := fixed.Int26_6(upem << 6)

	f := &Font{Name: strings.TrimSpace(name), data: data, sf: sf}
	if ps, _ := sf.Name(&buf, sfnt.NameIDPostScript); ps != "" {
		f.Name = ps
	}
	if f.Name == "" {
		f.Name = "CustomTT"
	}
	f.Name = strings.ReplaceAll(f.Name, " ", "")

	for code := firstChar; code <= lastChar; code++ {
		r := charmap.Windows1252.DecodeByte(byte(code))
		gid, err := sf.GlyphIndex(&buf, r)
		if err != nil || gid == 0 {
			continue
		}
		adv, err := sf.GlyphAdvance(&buf, gid, ppem, xfont.HintingNone)
		if err != nil {
			continue
		}
		f.widths[code] = math.Round(scaleFixed(adv, upem))
	}

	if m, err := sf.Metrics(&buf, ppem, xfont.HintingNone); err == nil {
		f.Ascent = scaleFixed(m.Ascent, upem)
		f.Descent = -scaleFixed(m.Descent, upem)
		f.CapHeight = scaleFixed(m.CapHeight, upem)
		if f.CapHeight == 0 {
			f.CapHeight = f.Ascent
		}
	}
	// sfnt bounds grow downwards.
	if b, err := sf.Bounds(&buf, ppem, xfont.HintingNone); err == nil {
		f.BBox = [4]float64{
			scaleFixed(b.Min.X, upem),
			-scaleFixed(b.Max.Y, upem),
			scaleFixed(b.Max.X, upem),
			-scaleFixed(b.Min.Y, upem),
		}
	}
	if post := sf.PostTable(); post != nil {
		f.ItalicAngle = post.ItalicAngle
	}
	return f, nil
}

func scaleFixed(val fixed.Int26_6, upem sfnt.Units) float64 {
	return float64(val) * 1000.0 / (64.0 * float64(upem))
}

func mustLoad(name string, data []byte) func() *Font {
	return sync.OnceValue(func() *Font {
		f, err := LoadTrueType(name, data)
		if err != nil {
			panic(fmt.Sprintf("fonts: bundled %s: %v", name, err))
		}
		return f
	})
}

// The Go fonts ship with golang.org/x/image and are always available.
var (
	Regular    = mustLoad("GoRegular", goregular.TTF)
	Bold       = mustLoad("GoBold", gobold.TTF)
	Italic     = mustLoad("GoItalic", goitalic.TTF)
	BoldItalic = mustLoad("GoBoldItalic", gobolditalic.TTF)
	Mono       = mustLoad("GoMono", gomono.TTF)
)

// Encode maps s to WinAnsi codes. Runes outside the encoding become '?'.
func (f *Font) Encode(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		b, ok := charmap.Windows1252.EncodeRune(r)
		if !ok || b < firstChar {
			b = '?'
		}
		out = append(out, b)
	}
	return out
}

// Covers reports whether every rune of s survives Encode.
func (f *Font) Covers(s string) bool {
	for _, r := range s {
		if b, ok := charmap.Windows1252.EncodeRune(r); !ok || b < firstChar {
			return false
		}
	}
	return true
}

// CodeWidth is the advance of one encoded byte in glyph space.
func (f *Font) CodeWidth(code byte) float64 { return f.widths[code] }

// Width is the advance of s set at size, without kerning.
func (f *Font) Width(s string, size float64) float64 {
	var w float64
	for _, c := range f.Encode(s) {
		w += f.widths[c]
	}
	return w * size / 1000
}

// Embed adds the font program, its descriptor and the font dictionary to
// doc and returns the reference of the font dictionary.
func (f *Font) Embed(h *guard.Holder, doc *document.Document) (raw.ObjectRef, error) {
	file := raw.NewStream(raw.Dict(), append([]byte(nil), f.data...))
	file.Dict.Set("Length1", raw.NumberInt(int64(len(f.data))))
	fileRef, err := doc.AddObject(h, file)
	if err != nil {
		return raw.ObjectRef{}, err
	}

	flags := int64(32) // nonsymbolic
	if f.ItalicAngle != 0 {
		flags |= 64
	}
	desc := raw.Dict()
	desc.Set("Type", raw.NameLiteral("FontDescriptor"))
	desc.Set("FontName", raw.NameLiteral(f.Name))
	desc.Set("Flags", raw.NumberInt(flags))
	desc.Set("FontBBox", raw.NumberArray(f.BBox[:]...))
	desc.Set("ItalicAngle", raw.Number(f.ItalicAngle))
	desc.Set("Ascent", raw.Number(math.Round(f.Ascent)))
	desc.Set("Descent", raw.Number(math.Round(f.Descent)))
	desc.Set("CapHeight", raw.Number(math.Round(f.CapHeight)))
	desc.Set("StemV", raw.NumberInt(80))
	desc.Set("FontFile2", raw.RefObj{R: fileRef})
	descRef, err := doc.AddObject(h, desc)
	if err != nil {
		return raw.ObjectRef{}, err
	}

	widths := raw.NewArray()
	for code := firstChar; code <= lastChar; code++ {
		widths.Append(raw.Number(f.widths[code]))
	}
	dict := raw.Dict()
	dict.Set("Type", raw.NameLiteral("Font"))
	dict.Set("Subtype", raw.NameLiteral("TrueType"))
	dict.Set("BaseFont", raw.NameLiteral(f.Name))
	dict.Set("FirstChar", raw.NumberInt(firstChar))
	dict.Set("LastChar", raw.NumberInt(lastChar))
	dict.Set("Widths", widths)
	dict.Set("Encoding", raw.NameLiteral("WinAnsiEncoding"))
	dict.Set("FontDescriptor", raw.RefObj{R: descRef})
	return doc.AddObject(h, dict)
}
