// Package ocr adds a searchable text layer to scanned pages. Images painted
// on a page are recognized by an Engine and the words are written back as
// invisible text over them, so the page looks the same but can be searched
// and copied.
//
// Engines plug in through the Engine interface; ocr/tesseract provides the
// default one and registers the "ocr" module.
package ocr
