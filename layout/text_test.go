package layout

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wudi/pdfcore/fonts"
)

func lineTexts(lines [][]fragment) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		var b strings.Builder
		for _, f := range l {
			b.WriteString(f.text)
		}
		out = append(out, b.String())
	}
	return out
}

func regular(text string) fragment {
	return fragment{text: text, font: fonts.Regular()}
}

func TestBreakLinesAtSpaces(t *testing.T) {
	max := fonts.Regular().KernedWidth("aaa bbb", 10) + 1
	lines := breakLines([]fragment{regular("aaa bbb ccc")}, 10, max, false)
	if diff := cmp.Diff([]string{"aaa bbb", "ccc"}, lineTexts(lines)); diff != "" {
		t.Fatalf("lines (-want +got):\n%s", diff)
	}
	for i, l := range lines {
		if len(l) != 1 {
			t.Errorf("line %d has %d fragments, want them joined", i, len(l))
		}
		if l[0].width > max {
			t.Errorf("line %d is %v wide, max %v", i, l[0].width, max)
		}
	}
}

func TestBreakLinesMandatory(t *testing.T) {
	lines := breakLines([]fragment{regular("a\n\nb")}, 10, 500, false)
	if diff := cmp.Diff([]string{"a", "", "b"}, lineTexts(lines)); diff != "" {
		t.Errorf("lines (-want +got):\n%s", diff)
	}
}

func TestBreakLinesPre(t *testing.T) {
	f := fragment{text: "\tx  \ny", font: fonts.Mono()}
	lines := breakLines([]fragment{f}, 10, 500, true)
	if diff := cmp.Diff([]string{"    x  ", "y"}, lineTexts(lines)); diff != "" {
		t.Errorf("lines (-want +got):\n%s", diff)
	}
}

func TestBreakLinesLongWord(t *testing.T) {
	word := "abcdefghijklmnop"
	max := fonts.Regular().KernedWidth("abcde", 10) + 0.5
	lines := breakLines([]fragment{regular(word)}, 10, max, false)
	if len(lines) < 3 {
		t.Fatalf("%d lines, want the word cut", len(lines))
	}
	if got := strings.Join(lineTexts(lines), ""); got != word {
		t.Errorf("pieces join to %q", got)
	}
	for i, l := range lines {
		if l[0].width > max {
			t.Errorf("line %d %q is %v wide, max %v", i, l[0].text, l[0].width, max)
		}
	}
}

func TestBreakLinesKeepsSpans(t *testing.T) {
	bold := fragment{text: "Hello ", font: fonts.Bold(), style: styleBold}
	link := fragment{text: "world", font: fonts.Regular(), link: "https://example.com"}
	lines := breakLines([]fragment{bold, link}, 12, 500, false)
	if len(lines) != 1 || len(lines[0]) != 2 {
		t.Fatalf("lines %q", lineTexts(lines))
	}
	got := lines[0]
	if got[0].text != "Hello " || got[0].font != fonts.Bold() || got[1].link != "https://example.com" {
		t.Errorf("fragments %+v", got)
	}
	if w := fonts.Regular().KernedWidth("world", 12); got[1].width != w {
		t.Errorf("width %v, want %v", got[1].width, w)
	}
}

func TestEngineOptions(t *testing.T) {
	e := NewEngine(nil, nil)
	if e.fontSize != 12 || e.lineHeight != 1.2 || e.pageWidth != A4.Width || e.pageHeight != A4.Height {
		t.Errorf("defaults: size %v line %v page %vx%v", e.fontSize, e.lineHeight, e.pageWidth, e.pageHeight)
	}
	e = NewEngine(nil, nil,
		WithFontSize(14),
		WithLineHeight(1.5),
		WithMargins(Margins{Top: 20, Bottom: 20, Left: 20, Right: 20}),
		WithPaperSize(Letter),
		WithCompression(true),
		WithFontSize(-1),
	)
	if e.fontSize != 14 || e.lineHeight != 1.5 || e.margins.Left != 20 || e.pageWidth != 612 || e.pageHeight != 792 || !e.compress {
		t.Errorf("options not applied: %+v", e)
	}
}
