package layout

import (
	"strings"

	"github.com/go-text/typesetting/segmenter"

	"github.com/wudi/pdfcore/fonts"
)

// fragment is a measured piece of one span.
type fragment struct {
	text  string
	font  *fonts.Font
	style style
	link  string
	width float64
	src   int
}

func isLineBreak(r rune) bool {
	switch r {
	case '\n', '\r', '\v', '\f', 0x85, 0x2028, 0x2029:
		return true
	}
	return false
}

// breakLines splits frags into lines no wider than max when set at size.
// Lines break at Unicode line break opportunities; a segment wider than a
// whole line is cut between characters. In pre mode tabs expand to four
// spaces and spaces at the end of a line are kept.
func breakLines(frags []fragment, size, max float64, pre bool) [][]fragment {
	var (
		runes []rune
		owner []int
	)
	for i, f := range frags {
		text := f.text
		if pre {
			text = strings.ReplaceAll(text, "\t", "    ")
		}
		for _, r := range text {
			runes = append(runes, r)
			owner = append(owner, i)
		}
	}
	if len(runes) == 0 {
		return nil
	}

	lb := &lineBreaker{frags: frags, size: size, max: max, pre: pre}
	var seg segmenter.Segmenter
	seg.Init(runes)
	it := seg.LineIterator()
	for it.Next() {
		l := it.Line()
		lb.add(lb.pieces(runes, owner, l.Offset, l.Offset+len(l.Text)))
		if l.IsMandatoryBreak && len(l.Text) > 0 && isLineBreak(l.Text[len(l.Text)-1]) {
			lb.flush(true)
		}
	}
	lb.flush(false)
	return lb.lines
}

type lineBreaker struct {
	frags []fragment
	size  float64
	max   float64
	pre   bool

	line  []fragment
	width float64
	lines [][]fragment
}

// pieces cuts runes[start:end] at span boundaries, dropping line breaks.
func (lb *lineBreaker) pieces(runes []rune, owner []int, start, end int) []fragment {
	var out []fragment
	for i := start; i < end; {
		j := i
		var b strings.Builder
		for ; j < end && owner[j] == owner[i]; j++ {
			if !isLineBreak(runes[j]) {
				b.WriteRune(runes[j])
			}
		}
		if b.Len() > 0 {
			f := lb.frags[owner[i]]
			f.text, f.src = b.String(), owner[i]
			f.width = f.font.KernedWidth(f.text, lb.size)
			out = append(out, f)
		}
		i = j
	}
	return out
}

func (lb *lineBreaker) add(unit []fragment) {
	if len(unit) == 0 {
		return
	}
	var w float64
	for _, f := range unit {
		w += f.width
	}
	last := unit[len(unit)-1]
	if t := strings.TrimRight(last.text, " "); t != last.text {
		w -= last.width - last.font.KernedWidth(t, lb.size)
	}
	if len(lb.line) > 0 && lb.width+w > lb.max {
		lb.flush(false)
	}
	if len(lb.line) == 0 && w > lb.max {
		lb.split(unit)
		return
	}
	for _, f := range unit {
		lb.appendText(f, f.text)
	}
}

// split places a unit wider than a line character by character.
func (lb *lineBreaker) split(unit []fragment) {
	for _, f := range unit {
		var cur []rune
		for _, r := range f.text {
			if len(cur) > 0 || len(lb.line) > 0 {
				next := string(append(append([]rune(nil), cur...), r))
				if lb.width+f.font.KernedWidth(next, lb.size) > lb.max {
					if len(cur) > 0 {
						lb.appendText(f, string(cur))
					}
					lb.flush(false)
					cur = nil
				}
			}
			cur = append(cur, r)
		}
		if len(cur) > 0 {
			lb.appendText(f, string(cur))
		}
	}
}

// appendText adds text of f to the line, joining it to the previous
// fragment when both come from the same span.
func (lb *lineBreaker) appendText(f fragment, text string) {
	if n := len(lb.line); n > 0 && lb.line[n-1].src == f.src {
		prev := &lb.line[n-1]
		lb.width -= prev.width
		prev.text += text
		prev.width = prev.font.KernedWidth(prev.text, lb.size)
		lb.width += prev.width
		return
	}
	f.text = text
	f.width = f.font.KernedWidth(text, lb.size)
	lb.line = append(lb.line, f)
	lb.width += f.width
}

// flush ends the current line. Empty lines are kept only when forced.
func (lb *lineBreaker) flush(force bool) {
	line := lb.line
	for !lb.pre && len(line) > 0 {
		last := &line[len(line)-1]
		t := strings.TrimRight(last.text, " ")
		if t == last.text {
			break
		}
		if t == "" {
			line = line[:len(line)-1]
			continue
		}
		last.text = t
		last.width = last.font.KernedWidth(t, lb.size)
		break
	}
	if len(line) > 0 || force {
		lb.lines = append(lb.lines, line)
	}
	lb.line, lb.width = nil, 0
}
