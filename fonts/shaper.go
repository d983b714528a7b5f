package fonts

import (
	"bytes"
	"math"
	"sync"
	"unicode"

	"github.com/go-text/typesetting/di"
	gofont "github.com/go-text/typesetting/font"
	"github.com/go-text/typesetting/language"
	"github.com/go-text/typesetting/shaping"
	"golang.org/x/image/math/fixed"
)

// Piece is a run of encoded text followed by a position adjustment in
// thousandths of text space, the shape of a TJ array entry pair.
type Piece struct {
	Bytes  []byte
	Adjust float64
}

type shaper struct {
	face *gofont.Face

	mu sync.Mutex
	hb shaping.HarfbuzzShaper
}

func (f *Font) loadShaper() *shaper {
	f.shapeOnce.Do(func() {
		face, err := gofont.ParseTTF(bytes.NewReader(f.data))
		if err != nil {
			return
		}
		f.shaper = &shaper{face: face}
	})
	return f.shaper
}

// Kern shapes s and returns it split where the shaped advances differ from
// the plain widths, so that showing the pieces with TJ reproduces the
// kerning of the font. Text the shaper maps to other than one glyph per
// rune, ligatures for instance, comes back as a single piece.
func (f *Font) Kern(s string) []Piece {
	enc := f.Encode(s)
	plain := []Piece{{Bytes: enc}}
	sh := f.loadShaper()
	runes := []rune(s)
	if sh == nil || len(runes) < 2 {
		return plain
	}
	script := DetectScript(runes)
	if scriptDirection(script) != di.DirectionLTR {
		return plain
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	out := sh.hb.Shape(shaping.Input{
		Text:      runes,
		RunStart:  0,
		RunEnd:    len(runes),
		Direction: di.DirectionLTR,
		Face:      sh.face,
		Size:      fixed.Int26_6(1000 * 64),
		Script:    script,
		Language:  language.DefaultLanguage(),
	})
	if len(out.Glyphs) != len(runes) {
		return plain
	}
	var pieces []Piece
	start := 0
	for i, g := range out.Glyphs {
		if g.ClusterIndex != i {
			return plain
		}
		adv := float64(g.XAdvance) / 64
		diff := f.widths[enc[i]] - adv
		if math.Abs(diff) < 0.5 || i == len(runes)-1 {
			continue
		}
		pieces = append(pieces, Piece{Bytes: enc[start : i+1], Adjust: math.Round(diff)})
		start = i + 1
	}
	return append(pieces, Piece{Bytes: enc[start:]})
}

// KernedWidth is the advance of s set at size with Kern applied.
func (f *Font) KernedWidth(s string, size float64) float64 {
	var w float64
	for _, p := range f.Kern(s) {
		for _, c := range p.Bytes {
			w += f.widths[c]
		}
		w -= p.Adjust
	}
	return w * size / 1000
}

func scriptDirection(script language.Script) di.Direction {
	switch script {
	case language.Arabic, language.Hebrew, language.Syriac, language.Thaana, language.Nko:
		return di.DirectionRTL
	default:
		return di.DirectionLTR
	}
}

// DetectScript returns the script most runes of text belong to, Latin
// when none is recognised.
func DetectScript(runes []rune) language.Script {
	counts := make(map[language.Script]int)
	maxCount := 0
	best := language.Latin
	for _, r := range runes {
		script := scriptFromRune(r)
		if script == language.Unknown {
			continue
		}
		counts[script]++
		if counts[script] > maxCount {
			maxCount = counts[script]
			best = script
		}
	}
	return best
}

func scriptFromRune(r rune) language.Script {
	switch {
	case unicode.Is(unicode.Latin, r):
		return language.Latin
	case unicode.Is(unicode.Arabic, r):
		return language.Arabic
	case unicode.Is(unicode.Hebrew, r):
		return language.Hebrew
	case unicode.Is(unicode.Cyrillic, r):
		return language.Cyrillic
	case unicode.Is(unicode.Greek, r):
		return language.Greek
	case unicode.Is(unicode.Thai, r):
		return language.Thai
	case unicode.Is(unicode.Devanagari, r):
		return language.Devanagari
	case unicode.Is(unicode.Han, r):
		return language.Han
	case unicode.Is(unicode.Hiragana, r):
		return language.Hiragana
	case unicode.Is(unicode.Katakana, r):
		return language.Katakana
	case unicode.Is(unicode.Hangul, r):
		return language.Hangul
	}
	return language.Unknown
}
