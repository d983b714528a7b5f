package contentstream_test

import (
	"testing"

	"github.com/wudi/pdfcore/contentstream"
	"github.com/wudi/pdfcore/coords"
	"github.com/wudi/pdfcore/ir/raw"
)

func TestBounds(t *testing.T) {
	gs := contentstream.DefaultState()

	stroked := gs.Clone()
	stroked.CTM = coords.Scale(2, 2)
	stroked.LineWidth = 2

	text := gs.Clone()
	text.Text.Size = 10
	text.Text.LineMatrix = coords.Translate(5, 5)

	placed := gs.Clone()
	placed.CTM = coords.Matrix{10, 0, 0, 20, 5, 5}

	formDict := raw.Dict()
	formDict.Set("Subtype", raw.NameLiteral("Form"))
	formDict.Set("BBox", raw.NumberArray(0, 0, 10, 10))
	formDict.Set("Matrix", raw.NumberArray(2, 0, 0, 2, 0, 0))
	formGS := gs.Clone()
	formGS.CTM = coords.Translate(1, 1)

	square := []contentstream.Segment{{Op: contentstream.SegRect, Points: []coords.Point{{X: 0, Y: 0}, {X: 10, Y: 10}}}}
	tests := []struct {
		name string
		e    contentstream.Element
		want coords.Rect
		ok   bool
	}{
		{"filled path", &contentstream.Path{GS: gs, Segments: square, Paint: contentstream.Paint{Fill: true}},
			coords.Rect{URX: 10, URY: 10}, true},
		{"stroked path", &contentstream.Path{GS: stroked, Segments: square, Paint: contentstream.Paint{Stroke: true}},
			coords.Rect{LLX: -2, LLY: -2, URX: 22, URY: 22}, true},
		{"empty path", &contentstream.Path{GS: gs}, coords.Rect{}, false},
		{"text", &contentstream.Text{GS: text, Offset: 2, Advance: 20},
			coords.Rect{LLX: 7, LLY: 3, URX: 27, URY: 13}, true},
		{"text without size", &contentstream.Text{GS: gs, Advance: 20}, coords.Rect{}, false},
		{"image", &contentstream.Image{GS: placed}, coords.Rect{LLX: 5, LLY: 5, URX: 15, URY: 25}, true},
		{"inline image", &contentstream.InlineImage{GS: placed}, coords.Rect{LLX: 5, LLY: 5, URX: 15, URY: 25}, true},
		{"form", &contentstream.Form{GS: formGS, XObject: &contentstream.Resource{Category: "XObject", Value: formDict}},
			coords.Rect{LLX: 1, LLY: 1, URX: 21, URY: 21}, true},
		{"group", &contentstream.GroupBegin{GS: gs}, coords.Rect{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := contentstream.Bounds(tt.e)
			if ok != tt.ok || got != tt.want {
				t.Errorf("Bounds = %v, %v; want %v, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestBoundsFollowReadText(t *testing.T) {
	doc, h := build(t, "BT /F1 10 Tf 20 50 Td (aaaa) Tj (bb) Tj ET")
	var runs []coords.Rect
	for _, e := range readAll(t, h, page(t, doc, h, 1)) {
		if e.Kind() == contentstream.KindText {
			r, _ := contentstream.Bounds(e)
			runs = append(runs, r)
		}
	}
	// Without a font dictionary every code is 500 units wide.
	want := []coords.Rect{
		{LLX: 20, LLY: 48, URX: 40, URY: 58},
		{LLX: 40, LLY: 48, URX: 50, URY: 58},
	}
	if len(runs) != 2 || runs[0] != want[0] || runs[1] != want[1] {
		t.Errorf("runs = %v, want %v", runs, want)
	}
}
