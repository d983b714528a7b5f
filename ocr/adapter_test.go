package ocr

import (
	"bytes"
	"image"
	"image/png"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestInputFromImage(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 4, 3))
	region := Region{X: 1, Y: 1, Width: 2, Height: 1}
	meta := map[string]string{"psm": "6"}

	in, err := InputFromImage("p1-Im1", img,
		WithLanguages("eng", "spa"),
		WithRegion(region),
		WithDPI(300),
		WithMetadata(meta),
		WithTesseractPSM(11),
	)
	if err != nil {
		t.Fatal(err)
	}
	if in.ID != "p1-Im1" || in.Format != ImageFormatPNG || in.DPI != 300 {
		t.Errorf("input = %s %s %d", in.ID, in.Format, in.DPI)
	}
	decoded, err := png.Decode(bytes.NewReader(in.Image))
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Bounds() != img.Bounds() {
		t.Errorf("decoded bounds = %v", decoded.Bounds())
	}
	if diff := cmp.Diff([]string{"eng", "spa"}, in.Languages); diff != "" {
		t.Errorf("languages (-want +got):\n%s", diff)
	}
	if in.Region == nil || *in.Region != region {
		t.Errorf("region = %#v", in.Region)
	}
	meta["psm"] = "7"
	want := map[string]string{"psm": "6", "tessedit_pageseg_mode": "11"}
	if diff := cmp.Diff(want, in.Metadata); diff != "" {
		t.Errorf("metadata (-want +got):\n%s", diff)
	}
}

func TestWithRegionClearsEmpty(t *testing.T) {
	in := Input{Region: &Region{X: 1, Y: 1, Width: 2, Height: 2}}
	WithRegion(Region{})(&in)
	if in.Region != nil {
		t.Fatalf("expected nil region for empty input, got %#v", in.Region)
	}
}

func TestResultWords(t *testing.T) {
	r := Result{Blocks: []TextBlock{
		{Lines: []TextLine{{Words: []TextWord{{Text: "a"}, {Text: "b"}}}}},
		{Lines: []TextLine{{Words: []TextWord{{Text: "c"}}}, {}}},
	}}
	var got []string
	for _, w := range r.Words() {
		got = append(got, w.Text)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, got); diff != "" {
		t.Errorf("words (-want +got):\n%s", diff)
	}
}
