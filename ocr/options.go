package ocr

import (
	"maps"
	"strconv"
)

// InputOption mutates an OCR input built from a page image.
type InputOption func(*Input)

// WithLanguages sets language hints on the OCR input.
func WithLanguages(langs ...string) InputOption {
	return func(in *Input) { in.Languages = append([]string(nil), langs...) }
}

// WithRegion sets the recognition region. An empty region means the whole
// image.
func WithRegion(region Region) InputOption {
	return func(in *Input) {
		if region.IsEmpty() {
			in.Region = nil
			return
		}
		in.Region = &region
	}
}

// WithDPI overrides the DPI value on the OCR input.
func WithDPI(dpi int) InputOption {
	return func(in *Input) { in.DPI = dpi }
}

// WithMetadata merges provider-specific variables into the input.
func WithMetadata(metadata map[string]string) InputOption {
	return func(in *Input) {
		if len(metadata) == 0 {
			return
		}
		if in.Metadata == nil {
			in.Metadata = make(map[string]string, len(metadata))
		}
		maps.Copy(in.Metadata, metadata)
	}
}

func withVariable(key, value string) InputOption {
	return WithMetadata(map[string]string{key: value})
}

// WithTesseractPSM sets the Tesseract page segmentation mode.
// See https://tesseract-ocr.github.io/tessdoc/ImproveQuality.html#page-segmentation-method for values.
func WithTesseractPSM(mode int) InputOption {
	return withVariable("tessedit_pageseg_mode", strconv.Itoa(mode))
}

// WithTesseractWhitelist restricts recognition to the provided characters.
func WithTesseractWhitelist(chars string) InputOption {
	return withVariable("tessedit_char_whitelist", chars)
}
