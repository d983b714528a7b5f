package editor

import "github.com/wudi/pdfcore/coords"

// QuadTree indexes values by rectangle. A value whose rectangle straddles
// the split lines of a node stays in that node.
type QuadTree[T any] struct {
	bounds   coords.Rect
	capacity int
	items    []entry[T]
	children []*QuadTree[T]
}

type entry[T any] struct {
	rect  coords.Rect
	value T
}

func NewQuadTree[T any](bounds coords.Rect, capacity int) *QuadTree[T] {
	return &QuadTree[T]{bounds: bounds.Normalize(), capacity: max(capacity, 1)}
}

// Insert adds v. Rectangles outside the tree bounds are rejected.
func (qt *QuadTree[T]) Insert(r coords.Rect, v T) bool {
	r = r.Normalize()
	if !intersects(qt.bounds, r) {
		return false
	}
	qt.insert(entry[T]{rect: r, value: v})
	return true
}

func (qt *QuadTree[T]) insert(e entry[T]) {
	if qt.children != nil {
		for _, c := range qt.children {
			if contains(c.bounds, e.rect) {
				c.insert(e)
				return
			}
		}
		qt.items = append(qt.items, e)
		return
	}
	qt.items = append(qt.items, e)
	if len(qt.items) > qt.capacity && qt.bounds.Width() > 1 && qt.bounds.Height() > 1 {
		qt.split()
	}
}

func (qt *QuadTree[T]) split() {
	b := qt.bounds
	xm, ym := (b.LLX+b.URX)/2, (b.LLY+b.URY)/2
	qt.children = []*QuadTree[T]{
		NewQuadTree[T](coords.Rect{LLX: b.LLX, LLY: ym, URX: xm, URY: b.URY}, qt.capacity),
		NewQuadTree[T](coords.Rect{LLX: xm, LLY: ym, URX: b.URX, URY: b.URY}, qt.capacity),
		NewQuadTree[T](coords.Rect{LLX: b.LLX, LLY: b.LLY, URX: xm, URY: ym}, qt.capacity),
		NewQuadTree[T](coords.Rect{LLX: xm, LLY: b.LLY, URX: b.URX, URY: ym}, qt.capacity),
	}
	items := qt.items
	qt.items = nil
	for _, e := range items {
		qt.insert(e)
	}
}

// Query returns the values whose rectangles intersect r.
func (qt *QuadTree[T]) Query(r coords.Rect) []T {
	var out []T
	qt.query(r.Normalize(), &out)
	return out
}

func (qt *QuadTree[T]) query(r coords.Rect, out *[]T) {
	if !intersects(qt.bounds, r) {
		return
	}
	for _, e := range qt.items {
		if intersects(e.rect, r) {
			*out = append(*out, e.value)
		}
	}
	for _, c := range qt.children {
		c.query(r, out)
	}
}

func intersects(a, b coords.Rect) bool {
	return !(b.LLX > a.URX || b.URX < a.LLX || b.LLY > a.URY || b.URY < a.LLY)
}

func contains(outer, inner coords.Rect) bool {
	return inner.LLX >= outer.LLX && inner.URX <= outer.URX &&
		inner.LLY >= outer.LLY && inner.URY <= outer.URY
}
