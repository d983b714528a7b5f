package optimize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"math"

	"golang.org/x/image/draw"

	"github.com/wudi/pdfcore/contentstream"
	"github.com/wudi/pdfcore/document"
	"github.com/wudi/pdfcore/filters"
	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/observability"
	"github.com/wudi/pdfcore/pdferr"
)

// slack is how far past the target resolution an image may be before it
// is resampled.
const slack = 1.2

// extent is the largest size, in points, an image is drawn at.
type extent struct{ w, h float64 }

func (o *optimizer) resampleImages(ctx context.Context, rep *Report) error {
	uses, err := o.imageExtents(ctx)
	if err != nil {
		return err
	}
	refs, err := o.doc.ObjectRefs(o.h)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		ext, ok := uses[ref]
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		obj, err := o.doc.Object(o.h, ref)
		if err != nil {
			return err
		}
		st, ok := obj.(*raw.StreamObj)
		if !ok {
			continue
		}
		out, err := o.resample(ctx, st, ext)
		if err != nil {
			o.log.Warn("image kept", observability.String("object", ref.String()), observability.Error("error", err))
			continue
		}
		if out == nil || len(out.Data) >= len(st.Data) {
			continue
		}
		if err := o.doc.PutObject(o.h, ref, out); err != nil {
			return err
		}
		rep.ImagesResampled++
		rep.BytesSaved += int64(len(st.Data) - len(out.Data))
	}
	return nil
}

// imageExtents walks every page, forms included, and records the drawn
// size of each image XObject.
func (o *optimizer) imageExtents(ctx context.Context) (map[raw.ObjectRef]extent, error) {
	pages, err := o.doc.Pages(o.h)
	if err != nil {
		return nil, err
	}
	uses := make(map[raw.ObjectRef]extent)
	for _, page := range pages {
		if err := o.pageImages(ctx, page, uses); err != nil {
			return nil, err
		}
	}
	return uses, nil
}

func (o *optimizer) pageImages(ctx context.Context, page *document.Page, uses map[raw.ObjectRef]extent) error {
	r := contentstream.NewReader(contentstream.ReaderOptions{Logger: o.log})
	if err := r.Begin(ctx, o.h, page); err != nil {
		return err
	}
	defer func() {
		for r.Depth() > 0 {
			r.End()
		}
	}()
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			if r.Depth() == 1 {
				return nil
			}
			if err := r.End(); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		switch e := e.(type) {
		case *contentstream.Image:
			ref, ok := e.XObject.Object.(raw.RefObj)
			if !ok {
				continue
			}
			ctm := e.GS.CTM
			ext := uses[ref.R]
			ext.w = math.Max(ext.w, math.Hypot(ctm[0], ctm[1]))
			ext.h = math.Max(ext.h, math.Hypot(ctm[2], ctm[3]))
			uses[ref.R] = ext
		case *contentstream.Form:
			if err := r.FormBegin(); err != nil {
				var fe *pdferr.FormatError
				if !errors.As(err, &fe) {
					return err
				}
				o.log.Warn("form skipped", observability.String("form", e.XObject.Name), observability.Error("error", err))
			}
		}
	}
}

// resample returns st scaled down to the configured resolution at its
// drawn extent, or nil when it is small enough or cannot be handled.
func (o *optimizer) resample(ctx context.Context, st *raw.StreamObj, ext extent) (*raw.StreamObj, error) {
	d := st.Dict
	if raw.DictName(d, "Subtype") != "Image" {
		return nil, nil
	}
	if mask, _ := raw.DictBool(d, "ImageMask"); mask {
		return nil, nil
	}
	// color key masks and decode arrays refer to exact sample values
	for _, k := range []string{"Mask", "Decode"} {
		if _, ok := d.Get(k); ok {
			return nil, nil
		}
	}
	w, _ := raw.DictInt(d, "Width")
	h, _ := raw.DictInt(d, "Height")
	if w <= 0 || h <= 0 {
		return nil, nil
	}
	maxW := o.opts.MaxImagePPI * ext.w / 72
	maxH := o.opts.MaxImagePPI * ext.h / 72
	if maxW <= 0 || maxH <= 0 || (float64(w) <= maxW*slack && float64(h) <= maxH*slack) {
		return nil, nil
	}
	scale := math.Min(maxW/float64(w), maxH/float64(h))
	tw := max(1, int(math.Round(float64(w)*scale)))
	th := max(1, int(math.Round(float64(h)*scale)))

	src, err := o.decodeImage(ctx, st, int(w), int(h))
	if err != nil || src == nil {
		return nil, err
	}
	var dst draw.Image
	if _, gray := src.(*image.Gray); gray {
		dst = image.NewGray(image.Rect(0, 0, tw, th))
	} else {
		dst = image.NewRGBA(image.Rect(0, 0, tw, th))
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	dict, _ := raw.Clone(d).(*raw.DictObj)
	dict.Delete("DecodeParms")
	dict.Delete("Length")
	dict.Set("Width", raw.NumberInt(int64(tw)))
	dict.Set("Height", raw.NumberInt(int64(th)))
	dict.Set("BitsPerComponent", raw.NumberInt(8))

	if q := o.opts.ImageQuality; q > 0 {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: min(q, 100)}); err != nil {
			return nil, err
		}
		dict.Set("Filter", raw.NameLiteral("DCTDecode"))
		return raw.NewStream(dict, buf.Bytes()), nil
	}
	packed, err := filters.NewFlateEncoder(-1).Encode(ctx, samples(dst))
	if err != nil {
		return nil, err
	}
	dict.Set("Filter", raw.NameLiteral("FlateDecode"))
	return raw.NewStream(dict, packed), nil
}

// decodeImage reads 8-bit gray and RGB images. Other layouts yield nil.
func (o *optimizer) decodeImage(ctx context.Context, st *raw.StreamObj, w, h int) (image.Image, error) {
	resolve := o.resolver()
	cs, _ := st.Dict.Get("ColorSpace")
	n := channels(resolve, cs)
	if n != 1 && n != 3 {
		return nil, nil
	}
	names, _ := filters.ExtractFilters(st.Dict, resolve)
	jpegData := len(names) > 0 && (names[len(names)-1] == "DCTDecode" || names[len(names)-1] == "DCT")
	for _, name := range names[:max(0, len(names)-1)] {
		if !weakFilters[name] {
			return nil, nil
		}
	}
	if len(names) > 0 && !jpegData && !weakFilters[names[len(names)-1]] {
		return nil, nil
	}
	data, err := o.doc.DecodeStream(ctx, o.h, st)
	if err != nil {
		return nil, err
	}
	if jpegData {
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode jpeg: %w", err)
		}
		if _, cmyk := img.(*image.CMYK); cmyk {
			return nil, nil
		}
		return img, nil
	}
	if bpc, _ := raw.DictInt(st.Dict, "BitsPerComponent"); bpc != 8 {
		return nil, nil
	}
	rect := image.Rect(0, 0, w, h)
	if n == 1 {
		if len(data) < w*h {
			return nil, fmt.Errorf("image data short: %d bytes for %dx%d", len(data), w, h)
		}
		return &image.Gray{Pix: data[:w*h], Stride: w, Rect: rect}, nil
	}
	if len(data) < w*h*3 {
		return nil, fmt.Errorf("image data short: %d bytes for %dx%d", len(data), w, h)
	}
	img := image.NewRGBA(rect)
	for i := 0; i < w*h; i++ {
		copy(img.Pix[i*4:i*4+3], data[i*3:i*3+3])
		img.Pix[i*4+3] = 0xff
	}
	return img, nil
}

// channels is the number of components of a color space, 0 if unknown.
func channels(resolve func(raw.Object) raw.Object, cs raw.Object) int {
	switch v := resolve(cs).(type) {
	case raw.NameObj:
		switch v.Val {
		case "DeviceGray", "CalGray", "G":
			return 1
		case "DeviceRGB", "CalRGB", "RGB":
			return 3
		}
	case *raw.ArrayObj:
		family, _ := v.Get(0)
		switch name, _ := resolve(family).(raw.NameObj); name.Val {
		case "CalGray":
			return 1
		case "CalRGB":
			return 3
		case "ICCBased":
			p, _ := v.Get(1)
			if st, ok := resolve(p).(*raw.StreamObj); ok {
				if n, ok := raw.DictInt(st.Dict, "N"); ok {
					return int(n)
				}
			}
		}
	}
	return 0
}

// samples packs img as 8-bit rows without alpha.
func samples(img draw.Image) []byte {
	switch m := img.(type) {
	case *image.Gray:
		return m.Pix
	case *image.RGBA:
		out := make([]byte, 0, len(m.Pix)/4*3)
		for i := 0; i < len(m.Pix); i += 4 {
			out = append(out, m.Pix[i], m.Pix[i+1], m.Pix[i+2])
		}
		return out
	}
	return nil
}
