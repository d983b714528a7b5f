package ocr

import "context"

// ImageFormat is the MIME type of Input.Image.
type ImageFormat string

// Processor always sends PNG; engines may accept more.
const (
	ImageFormatPNG  ImageFormat = "image/png"
	ImageFormatJPEG ImageFormat = "image/jpeg"
	ImageFormatTIFF ImageFormat = "image/tiff"
)

// Region is a rectangle in image pixels, origin at the top left.
type Region struct {
	X, Y          float64
	Width, Height float64
}

func (r Region) IsEmpty() bool { return r.Width <= 0 || r.Height <= 0 }

// Input is one image to recognize.
type Input struct {
	// ID comes back unchanged as Result.InputID.
	ID     string
	Image  []byte
	Format ImageFormat
	// Page is the page number the image was taken from, 0 if none.
	Page int
	// DPI of the image, 0 if unknown.
	DPI       int
	Languages []string
	// Region limits recognition to part of the image. Boxes in the
	// Result are still relative to the whole image.
	Region *Region
	// Metadata holds engine variables such as "psm" for Tesseract.
	Metadata map[string]string
}

type TextWord struct {
	Text       string
	Bounds     Region
	Confidence float64
}

type TextLine struct {
	Text       string
	Bounds     Region
	Words      []TextWord
	Confidence float64
}

type TextBlock struct {
	Text       string
	Bounds     Region
	Lines      []TextLine
	Confidence float64
}

// Result is the recognized text of one Input.
type Result struct {
	InputID   string
	PlainText string
	Blocks    []TextBlock
	// Language is the first language requested, if any.
	Language string
}

// Words flattens the blocks into reading order.
func (r Result) Words() []TextWord {
	var out []TextWord
	for _, b := range r.Blocks {
		for _, l := range b.Lines {
			out = append(out, l.Words...)
		}
	}
	return out
}

// Engine recognizes one image at a time.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, input Input) (Result, error)
}

// BatchEngine recognizes several images in one call. Recognize uses it
// when the engine provides it.
type BatchEngine interface {
	Engine
	RecognizeBatch(ctx context.Context, inputs []Input) ([]Result, error)
}
