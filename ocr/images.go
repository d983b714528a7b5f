package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/wudi/pdfcore/contentstream"
	"github.com/wudi/pdfcore/filters"
	"github.com/wudi/pdfcore/guard"
	"github.com/wudi/pdfcore/ir/raw"
)

var errUnsupportedImage = errors.New("unsupported image encoding")

// decodeImage turns an image XObject into an image.Image. JPEG data and
// 8 bit or 1 bit samples in gray, RGB and CMYK spaces are understood.
func decodeImage(ctx context.Context, h *guard.Holder, e *contentstream.Image) (image.Image, error) {
	res := e.XObject
	st, ok := res.Value.(*raw.StreamObj)
	if !ok {
		return nil, fmt.Errorf("image %s is not a stream", res.Name)
	}
	if mask, _ := raw.DictBool(st.Dict, "ImageMask"); mask {
		return nil, fmt.Errorf("image %s: stencil mask: %w", res.Name, errUnsupportedImage)
	}
	doc := res.Doc
	resolve := func(o raw.Object) raw.Object {
		v, err := doc.Resolve(h, o)
		if err != nil {
			return raw.NullObj{}
		}
		return v
	}
	data, err := doc.DecodeStream(ctx, h, st)
	if err != nil {
		return nil, err
	}
	if names, _ := filters.ExtractFilters(st.Dict, resolve); len(names) > 0 && names[len(names)-1] == "DCTDecode" {
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("image %s: %w", res.Name, err)
		}
		return img, nil
	}

	w, _ := raw.DictInt(st.Dict, "Width")
	hgt, _ := raw.DictInt(st.Dict, "Height")
	bpc, _ := raw.DictInt(st.Dict, "BitsPerComponent")
	if w <= 0 || hgt <= 0 {
		return nil, fmt.Errorf("image %s: invalid size %dx%d", res.Name, w, hgt)
	}
	cs, _ := st.Dict.Get("ColorSpace")
	n := components(resolve, cs)
	return samplesImage(data, int(w), int(hgt), int(bpc), n)
}

// components returns the number of color components of a color space
// object, 0 when it cannot be used for recognition.
func components(resolve func(raw.Object) raw.Object, cs raw.Object) int {
	switch v := resolve(cs).(type) {
	case raw.NameObj:
		switch v.Val {
		case "DeviceGray", "CalGray", "G":
			return 1
		case "DeviceRGB", "CalRGB", "RGB":
			return 3
		case "DeviceCMYK", "CMYK":
			return 4
		}
	case *raw.ArrayObj:
		family, _ := v.Get(0)
		name, _ := resolve(family).(raw.NameObj)
		switch name.Val {
		case "ICCBased":
			p, _ := v.Get(1)
			if st, ok := resolve(p).(*raw.StreamObj); ok {
				if n, ok := raw.DictInt(st.Dict, "N"); ok {
					return int(n)
				}
			}
		case "CalGray":
			return 1
		case "CalRGB":
			return 3
		}
	}
	return 0
}

func samplesImage(data []byte, w, h, bpc, n int) (image.Image, error) {
	rect := image.Rect(0, 0, w, h)
	switch {
	case bpc == 8 && n == 1 && len(data) >= w*h:
		return &image.Gray{Pix: data[:w*h], Stride: w, Rect: rect}, nil
	case bpc == 8 && n == 3 && len(data) >= w*h*3:
		img := image.NewRGBA(rect)
		for i := 0; i < w*h; i++ {
			copy(img.Pix[i*4:], data[i*3:i*3+3])
			img.Pix[i*4+3] = 0xff
		}
		return img, nil
	case bpc == 8 && n == 4 && len(data) >= w*h*4:
		return &image.CMYK{Pix: data[:w*h*4], Stride: w * 4, Rect: rect}, nil
	case bpc == 1 && n == 1:
		stride := (w + 7) / 8
		if len(data) < stride*h {
			break
		}
		img := image.NewGray(rect)
		for y := 0; y < h; y++ {
			row := data[y*stride:]
			for x := 0; x < w; x++ {
				if row[x/8]&(0x80>>(x%8)) != 0 {
					img.SetGray(x, y, color.Gray{Y: 0xff})
				}
			}
		}
		return img, nil
	}
	return nil, fmt.Errorf("%d components at %d bits, %d bytes for %dx%d: %w", n, bpc, len(data), w, h, errUnsupportedImage)
}
