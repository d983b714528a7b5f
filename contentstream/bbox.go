package contentstream

import (
	"math"

	"github.com/wudi/pdfcore/coords"
	"github.com/wudi/pdfcore/ir/raw"
)

// glyphWidths holds the widths of a font in glyph space, 1000 units per em.
type glyphWidths struct {
	twoByte bool
	first   int
	widths  []float64
	cid     map[int]float64
	missing float64
}

// widthsOf reads the width table of a simple or Type0 font dictionary.
// Unknown fonts measure 500 per code.
func widthsOf(font *raw.DictObj, resolve func(raw.Object) raw.Object) *glyphWidths {
	gw := &glyphWidths{missing: 500}
	if font == nil {
		return gw
	}
	if raw.DictName(font, "Subtype") == "Type0" {
		gw.twoByte = true
		gw.missing = 1000
		v, _ := font.Get("DescendantFonts")
		arr, _ := resolve(v).(*raw.ArrayObj)
		if arr == nil || arr.Len() == 0 {
			return gw
		}
		cidFont, _ := resolve(arr.Items[0]).(*raw.DictObj)
		if dw, ok := raw.DictFloat(cidFont, "DW"); ok {
			gw.missing = dw
		}
		w, _ := cidFont.Get("W")
		gw.cid = parseCIDWidths(resolve(w), resolve)
		return gw
	}
	if first, ok := raw.DictInt(font, "FirstChar"); ok {
		gw.first = int(first)
	}
	if v, ok := font.Get("Widths"); ok {
		if arr, ok := resolve(v).(*raw.ArrayObj); ok {
			for _, it := range arr.Items {
				f, _ := raw.Float(resolve(it))
				gw.widths = append(gw.widths, f)
			}
		}
	}
	if v, ok := font.Get("FontDescriptor"); ok {
		if mw, ok := raw.DictFloat(asDict(resolve(v)), "MissingWidth"); ok {
			gw.missing = mw
		}
	}
	return gw
}

func asDict(o raw.Object) *raw.DictObj {
	d, _ := o.(*raw.DictObj)
	return d
}

// parseCIDWidths reads a /W array: "c [w1 w2 ...]" and "cfirst clast w".
func parseCIDWidths(o raw.Object, resolve func(raw.Object) raw.Object) map[int]float64 {
	arr, _ := o.(*raw.ArrayObj)
	if arr == nil {
		return nil
	}
	out := make(map[int]float64)
	items := arr.Items
	for i := 0; i < len(items); {
		start, ok := raw.Float(resolve(items[i]))
		if !ok || i+1 >= len(items) {
			break
		}
		if list, ok := resolve(items[i+1]).(*raw.ArrayObj); ok {
			for j, it := range list.Items {
				w, _ := raw.Float(resolve(it))
				out[int(start)+j] = w
			}
			i += 2
			continue
		}
		if i+2 >= len(items) {
			break
		}
		end, _ := raw.Float(resolve(items[i+1]))
		w, _ := raw.Float(resolve(items[i+2]))
		for c := int(start); c <= int(end) && c-int(start) < 1<<16; c++ {
			out[c] = w
		}
		i += 3
	}
	return out
}

func (gw *glyphWidths) width(code int) float64 {
	if gw.twoByte {
		if w, ok := gw.cid[code]; ok {
			return w
		}
		return gw.missing
	}
	if i := code - gw.first; i >= 0 && i < len(gw.widths) {
		return gw.widths[i]
	}
	return gw.missing
}

// advance is the horizontal displacement of showing items with ts, in
// unscaled text space.
func advance(ts *TextState, items []TextItem, width func(code int) float64, twoByte bool) float64 {
	th := ts.HorizontalScale / 100
	var tx float64
	for _, it := range items {
		if it.IsAdjust {
			tx -= it.Adjust / 1000 * ts.Size * th
			continue
		}
		step := 1
		if twoByte {
			step = 2
		}
		for i := 0; i+step <= len(it.Bytes); i += step {
			code := int(it.Bytes[i])
			if twoByte {
				code = code<<8 | int(it.Bytes[i+1])
			}
			w := width(code)/1000*ts.Size + ts.CharSpacing
			if !twoByte && code == ' ' {
				w += ts.WordSpacing
			}
			tx += w * th
		}
	}
	return tx
}

// Bounds returns the area e paints in the space its CTM maps to, usually
// default user space of the page. Strokes are widened by half the line
// width. ok is false for elements without a known extent.
func Bounds(e Element) (r coords.Rect, ok bool) {
	switch e := e.(type) {
	case *Path:
		return pathBounds(e)
	case *Text:
		return textBounds(e)
	case *Image:
		return unitSquare(e.GS.CTM), true
	case *InlineImage:
		return unitSquare(e.GS.CTM), true
	case *Form:
		bbox := e.BBox()
		if bbox.Width() == 0 && bbox.Height() == 0 {
			return coords.Rect{}, false
		}
		return e.Matrix().Multiply(e.GS.CTM).TransformRect(bbox), true
	}
	return coords.Rect{}, false
}

func unitSquare(m coords.Matrix) coords.Rect {
	return m.TransformRect(coords.Rect{LLX: 0, LLY: 0, URX: 1, URY: 1})
}

func pathBounds(e *Path) (coords.Rect, bool) {
	var pts []coords.Point
	for _, seg := range e.Segments {
		if seg.Op == SegRect && len(seg.Points) == 2 {
			p, d := seg.Points[0], seg.Points[1]
			pts = append(pts, p,
				coords.Point{X: p.X + d.X, Y: p.Y},
				coords.Point{X: p.X, Y: p.Y + d.Y},
				coords.Point{X: p.X + d.X, Y: p.Y + d.Y})
			continue
		}
		pts = append(pts, seg.Points...)
	}
	if len(pts) == 0 {
		return coords.Rect{}, false
	}
	r := pointsRect(e.GS.CTM, pts...)
	if e.Paint.Stroke {
		pad := e.GS.LineWidth / 2 * math.Sqrt(math.Abs(e.GS.CTM.Determinant()))
		r = coords.Rect{LLX: r.LLX - pad, LLY: r.LLY - pad, URX: r.URX + pad, URY: r.URY + pad}
	}
	return r, true
}

// textBounds spans the run from 0.2 em below to 0.8 em above the baseline.
func textBounds(e *Text) (coords.Rect, bool) {
	ts := &e.GS.Text
	if ts.Size == 0 {
		return coords.Rect{}, false
	}
	lo, hi := -0.2*ts.Size+ts.Rise, 0.8*ts.Size+ts.Rise
	x0, x1 := e.Offset, e.Offset+e.Advance
	m := ts.LineMatrix.Multiply(e.GS.CTM)
	return pointsRect(m,
		coords.Point{X: x0, Y: lo}, coords.Point{X: x1, Y: lo},
		coords.Point{X: x0, Y: hi}, coords.Point{X: x1, Y: hi}), true
}

func pointsRect(m coords.Matrix, pts ...coords.Point) coords.Rect {
	r := coords.Rect{LLX: math.MaxFloat64, LLY: math.MaxFloat64, URX: -math.MaxFloat64, URY: -math.MaxFloat64}
	for _, p := range pts {
		p = m.Transform(p)
		r.LLX = math.Min(r.LLX, p.X)
		r.LLY = math.Min(r.LLY, p.Y)
		r.URX = math.Max(r.URX, p.X)
		r.URY = math.Max(r.URY, p.Y)
	}
	return r
}
