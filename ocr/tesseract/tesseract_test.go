package tesseract_test

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/wudi/pdfcore/contentstream"
	"github.com/wudi/pdfcore/document"
	"github.com/wudi/pdfcore/modules"
	"github.com/wudi/pdfcore/ocr"
	"github.com/wudi/pdfcore/ocr/tesseract"
)

// requireTesseract skips unless the binary and English data can be found.
// TESSDATA_PREFIX, when it names a tessdata directory, is added to the
// search path.
func requireTesseract(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("tesseract"); err != nil {
		t.Skip("tesseract not installed in PATH")
	}
	if dir := os.Getenv("TESSDATA_PREFIX"); filepath.Base(filepath.Clean(dir)) == "tessdata" {
		modules.AddSearchPath(filepath.Dir(filepath.Clean(dir)))
	}
	if !modules.Available(ocr.ModuleName) {
		t.Skip("tessdata/eng.traineddata not on the resource search path")
	}
}

func sample(text string) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 200, 80))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	d := &font.Drawer{Dst: img, Src: image.Black, Face: basicfont.Face7x13, Dot: fixed.P(10, 50)}
	d.DrawString(text)
	return img
}

func TestRegistersModule(t *testing.T) {
	found := false
	for _, name := range modules.Registered() {
		found = found || name == ocr.ModuleName
	}
	if !found {
		t.Fatal("ocr module not registered")
	}
	if _, ok := ocr.DefaultEngine().(*tesseract.Engine); !ok {
		t.Errorf("default engine is %T", ocr.DefaultEngine())
	}
}

func TestRecognize(t *testing.T) {
	requireTesseract(t)
	in, err := ocr.InputFromImage("hello", sample("Hello PDF"), ocr.WithLanguages("eng"), ocr.WithDPI(300))
	if err != nil {
		t.Fatal(err)
	}
	res, err := tesseract.New().Recognize(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	got := strings.ToLower(res.PlainText)
	if !strings.Contains(got, "hello") || !strings.Contains(got, "pdf") {
		t.Fatalf("unexpected OCR output: %q", res.PlainText)
	}
	if res.InputID != "hello" || len(res.Words()) == 0 {
		t.Fatalf("result %s with %d words", res.InputID, len(res.Words()))
	}
}

func TestSearchableImagePage(t *testing.T) {
	requireTesseract(t)
	ctx := context.Background()
	doc := document.New(document.OpenOptions{})
	h := doc.NewHolder()
	if err := doc.Lock(h); err != nil {
		t.Fatal(err)
	}
	p, err := ocr.NewProcessor(ocr.Options{})
	if err != nil {
		t.Fatal(err)
	}
	page, err := p.ImageToPage(ctx, h, doc, sample("Hello PDF"))
	if err != nil {
		t.Fatal(err)
	}
	r := contentstream.NewReader(contentstream.ReaderOptions{})
	if err := r.Begin(ctx, h, page); err != nil {
		t.Fatal(err)
	}
	defer r.End()
	var text strings.Builder
	for {
		e, err := r.Next()
		if err != nil {
			break
		}
		if te, ok := e.(*contentstream.Text); ok {
			text.WriteString(te.String())
			text.WriteByte(' ')
		}
	}
	if !strings.Contains(strings.ToLower(text.String()), "hello") {
		t.Errorf("text layer = %q", text.String())
	}
}
