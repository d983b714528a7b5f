package editor

import (
	"slices"

	"github.com/wudi/pdfcore/contentstream"
	"github.com/wudi/pdfcore/coords"
)

// Index finds elements by the area they paint.
type Index struct {
	tree *QuadTree[int]
}

func NewIndex(bounds coords.Rect) *Index {
	return &Index{tree: NewQuadTree[int](bounds, 16)}
}

// Add indexes element i. Elements without known bounds are skipped.
func (idx *Index) Add(i int, e contentstream.Element) bool {
	r, ok := contentstream.Bounds(e)
	if !ok {
		return false
	}
	return idx.tree.Insert(r, i)
}

// Query returns the indices of elements intersecting r, ascending.
func (idx *Index) Query(r coords.Rect) []int {
	hits := idx.tree.Query(r)
	slices.Sort(hits)
	return slices.Compact(hits)
}
