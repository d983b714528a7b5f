package document

import (
	"errors"
	"fmt"

	"github.com/wudi/pdfcore/coords"
	"github.com/wudi/pdfcore/guard"
	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/pdferr"
)

// letter is the media box of pages that declare none.
var letter = coords.Rect{LLX: 0, LLY: 0, URX: 612, URY: 792}

// inheritable lists the page attributes a page may take from its ancestors.
var inheritable = []string{"Resources", "MediaBox", "CropBox", "Rotate"}

// Container is a page or a form XObject: something with a content stream
// and a resource dictionary.
type Container interface {
	Document() *Document
	Ref() raw.ObjectRef
	// Resources returns the effective resource dictionary, or nil.
	Resources() *raw.DictObj
	container()
}

// Page is one entry of the page sequence. Its accessors (Dict, MediaBox,
// CropBox, Rotate, Resources) are views on the object graph that take no
// holder; the caller keeps the lock it used to obtain the page while
// calling them. Document.PageGeometry is the checked form. Setters check
// the write lock.
type Page struct {
	doc *Document
	ref raw.ObjectRef
}

func (p *Page) Document() *Document { return p.doc }
func (p *Page) Ref() raw.ObjectRef  { return p.ref }
func (p *Page) container()          {}

// Dict is the page dictionary.
func (p *Page) Dict() *raw.DictObj {
	d, _ := p.doc.raw.Objects[p.ref].(*raw.DictObj)
	if d == nil {
		return raw.Dict()
	}
	return d
}

// inherited looks key up on the page and then on its ancestors.
func (p *Page) inherited(key string) (raw.Object, bool) {
	node := p.Dict()
	for depth := 0; node != nil && depth < p.doc.opts.Limits.MaxIndirectDepth; depth++ {
		if v, ok := node.Get(key); ok {
			return p.doc.raw.Resolve(v), true
		}
		parent, ok := node.Get("Parent")
		if !ok {
			break
		}
		node, _ = p.doc.raw.Resolve(parent).(*raw.DictObj)
	}
	return nil, false
}

func (p *Page) MediaBox() coords.Rect {
	if v, ok := p.inherited("MediaBox"); ok {
		if r, ok := rectFrom(v); ok {
			return r
		}
	}
	return letter
}

// CropBox defaults to the media box.
func (p *Page) CropBox() coords.Rect {
	if v, ok := p.inherited("CropBox"); ok {
		if r, ok := rectFrom(v); ok {
			return r
		}
	}
	return p.MediaBox()
}

// Rotate is the clockwise display rotation in degrees, a multiple of 90.
func (p *Page) Rotate() int {
	v, ok := p.inherited("Rotate")
	if !ok {
		return 0
	}
	n, ok := v.(raw.NumberObj)
	if !ok {
		return 0
	}
	r := int(n.Int()) % 360
	if r < 0 {
		r += 360
	}
	return r - r%90
}

func (p *Page) Resources() *raw.DictObj {
	v, ok := p.inherited("Resources")
	if !ok {
		return nil
	}
	d, _ := v.(*raw.DictObj)
	return d
}

// Geometry is a snapshot of a page's boxes and rotation.
type Geometry struct {
	MediaBox coords.Rect
	CropBox  coords.Rect
	Rotate   int
}

// PageGeometry reads p's inherited boxes after checking that h holds a
// lock on d and that p is one of d's pages.
func (d *Document) PageGeometry(h *guard.Holder, p *Page) (Geometry, error) {
	if err := d.readable("page geometry", h); err != nil {
		return Geometry{}, err
	}
	if p.doc != d {
		return Geometry{}, pdferr.State("page geometry", pdferr.ErrForeignPage)
	}
	return Geometry{MediaBox: p.MediaBox(), CropBox: p.CropBox(), Rotate: p.Rotate()}, nil
}

// SetMediaBox changes the page size.
func (p *Page) SetMediaBox(h *guard.Holder, r coords.Rect) error {
	if err := p.doc.writable("set media box", h); err != nil {
		return err
	}
	r = r.Normalize()
	p.Dict().Set("MediaBox", raw.NumberArray(r.LLX, r.LLY, r.URX, r.URY))
	p.doc.markDirty(p.ref)
	return nil
}

// SetRotate sets the display rotation. deg must be a multiple of 90.
func (p *Page) SetRotate(h *guard.Holder, deg int) error {
	if err := p.doc.writable("set rotate", h); err != nil {
		return err
	}
	if deg%90 != 0 {
		return fmt.Errorf("document: rotation %d is not a multiple of 90", deg)
	}
	p.Dict().Set("Rotate", raw.NumberInt(int64(deg)))
	p.doc.markDirty(p.ref)
	return nil
}

func rectFrom(o raw.Object) (coords.Rect, bool) {
	v, ok := raw.Floats(o)
	if !ok || len(v) != 4 {
		return coords.Rect{}, false
	}
	return coords.Rect{LLX: v[0], LLY: v[1], URX: v[2], URY: v[3]}.Normalize(), true
}

// Form is a form XObject.
type Form struct {
	doc *Document
	ref raw.ObjectRef
}

func (f *Form) Document() *Document { return f.doc }
func (f *Form) Ref() raw.ObjectRef  { return f.ref }
func (f *Form) container()          {}

func (f *Form) Stream() *raw.StreamObj {
	st, _ := f.doc.raw.Objects[f.ref].(*raw.StreamObj)
	if st == nil {
		return raw.NewStream(raw.Dict(), nil)
	}
	return st
}

func (f *Form) Resources() *raw.DictObj {
	v, ok := f.Stream().Dict.Get("Resources")
	if !ok {
		return nil
	}
	d, _ := f.doc.raw.Resolve(v).(*raw.DictObj)
	return d
}

func (f *Form) BBox() coords.Rect {
	if v, ok := f.Stream().Dict.Get("BBox"); ok {
		if r, ok := rectFrom(f.doc.raw.Resolve(v)); ok {
			return r
		}
	}
	return coords.Rect{}
}

// Matrix maps form space to the user space of the content that paints it.
func (f *Form) Matrix() coords.Matrix {
	if v, ok := f.Stream().Dict.Get("Matrix"); ok {
		if m, ok := raw.Floats(f.doc.raw.Resolve(v)); ok && len(m) == 6 {
			return coords.Matrix{m[0], m[1], m[2], m[3], m[4], m[5]}
		}
	}
	return coords.Identity()
}

// Form returns the form XObject at ref.
func (d *Document) Form(h *guard.Holder, ref raw.ObjectRef) (*Form, error) {
	if err := d.readable("form", h); err != nil {
		return nil, err
	}
	st, ok := d.raw.Objects[ref].(*raw.StreamObj)
	if !ok || raw.DictName(st.Dict, "Subtype") != "Form" {
		return nil, fmt.Errorf("document: %s is not a form XObject", ref)
	}
	return &Form{doc: d, ref: ref}, nil
}

// FormCreate adds an empty form XObject.
func (d *Document) FormCreate(h *guard.Holder, bbox coords.Rect) (*Form, error) {
	if err := d.writable("create form", h); err != nil {
		return nil, err
	}
	bbox = bbox.Normalize()
	dict := raw.Dict()
	dict.Set("Type", raw.NameLiteral("XObject"))
	dict.Set("Subtype", raw.NameLiteral("Form"))
	dict.Set("BBox", raw.NumberArray(bbox.LLX, bbox.LLY, bbox.URX, bbox.URY))
	dict.Set("Resources", raw.Dict())
	return &Form{doc: d, ref: d.add(raw.NewStream(dict, nil))}, nil
}

func (d *Document) catalog() (*raw.DictObj, error) {
	root, ok := d.raw.Trailer.Get("Root")
	if !ok {
		return nil, pdferr.Format("catalog", errors.New("trailer has no /Root"))
	}
	cat, ok := d.raw.Resolve(root).(*raw.DictObj)
	if !ok {
		return nil, pdferr.Format("catalog", errors.New("/Root is not a dictionary"))
	}
	return cat, nil
}

func (d *Document) pageTreeRoot() (raw.ObjectRef, error) {
	cat, err := d.catalog()
	if err != nil {
		return raw.ObjectRef{}, err
	}
	v, ok := cat.Get("Pages")
	if !ok {
		return raw.ObjectRef{}, pdferr.Format("page tree", errors.New("catalog has no /Pages"))
	}
	ref, ok := v.(raw.RefObj)
	if !ok {
		return raw.ObjectRef{}, pdferr.Format("page tree", errors.New("/Pages is not an indirect object"))
	}
	return ref.R, nil
}

// pageList flattens the page tree in document order.
func (d *Document) pageList() ([]raw.ObjectRef, error) {
	d.pagesMu.Lock()
	defer d.pagesMu.Unlock()
	if d.pages != nil {
		return d.pages, nil
	}
	root, err := d.pageTreeRoot()
	if err != nil {
		return nil, err
	}
	pages := []raw.ObjectRef{}
	visited := make(map[raw.ObjectRef]bool)
	var walk func(ref raw.ObjectRef, depth int) error
	walk = func(ref raw.ObjectRef, depth int) error {
		if visited[ref] {
			return pdferr.Format("page tree", fmt.Errorf("node %s visited twice", ref))
		}
		if depth > d.opts.Limits.MaxIndirectDepth {
			return pdferr.Format("page tree", errors.New("page tree too deep"))
		}
		visited[ref] = true
		node, ok := d.raw.Objects[ref].(*raw.DictObj)
		if !ok {
			return pdferr.Format("page tree", fmt.Errorf("node %s is not a dictionary", ref))
		}
		kids, hasKids := node.Get("Kids")
		if raw.DictName(node, "Type") == "Page" || (!hasKids && raw.DictName(node, "Type") != "Pages") {
			pages = append(pages, ref)
			return nil
		}
		arr, _ := d.raw.Resolve(kids).(*raw.ArrayObj)
		if arr == nil {
			return nil
		}
		for _, kid := range arr.Items {
			kref, ok := kid.(raw.RefObj)
			if !ok {
				d.log.Warn("skipping direct page tree kid")
				continue
			}
			if err := walk(kref.R, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root, 0); err != nil {
		return nil, err
	}
	d.pages = pages
	return pages, nil
}

func (d *Document) invalidatePages() {
	d.pagesMu.Lock()
	d.pages = nil
	d.pagesMu.Unlock()
}

// PageCount returns the number of pages.
func (d *Document) PageCount(h *guard.Holder) (int, error) {
	if err := d.readable("page count", h); err != nil {
		return 0, err
	}
	pages, err := d.pageList()
	if err != nil {
		return 0, err
	}
	return len(pages), nil
}

// GetPage returns page num, counting from 1.
func (d *Document) GetPage(h *guard.Holder, num int) (*Page, error) {
	if err := d.readable("get page", h); err != nil {
		return nil, err
	}
	pages, err := d.pageList()
	if err != nil {
		return nil, err
	}
	if num < 1 || num > len(pages) {
		return nil, pdferr.State(fmt.Sprintf("get page %d", num), pdferr.ErrPageOutOfRange)
	}
	return &Page{doc: d, ref: pages[num-1]}, nil
}

// Pages returns every page in order.
func (d *Document) Pages(h *guard.Holder) ([]*Page, error) {
	if err := d.readable("pages", h); err != nil {
		return nil, err
	}
	refs, err := d.pageList()
	if err != nil {
		return nil, err
	}
	out := make([]*Page, len(refs))
	for i, ref := range refs {
		out[i] = &Page{doc: d, ref: ref}
	}
	return out, nil
}

// PageCreate adds a blank page object. The page is not part of the page
// sequence until PageInsert or PagePushBack places it.
func (d *Document) PageCreate(h *guard.Holder, mediaBox coords.Rect) (*Page, error) {
	if err := d.writable("create page", h); err != nil {
		return nil, err
	}
	if mediaBox == (coords.Rect{}) {
		mediaBox = letter
	}
	mediaBox = mediaBox.Normalize()
	page := raw.Dict()
	page.Set("Type", raw.NameLiteral("Page"))
	page.Set("MediaBox", raw.NumberArray(mediaBox.LLX, mediaBox.LLY, mediaBox.URX, mediaBox.URY))
	page.Set("Resources", raw.Dict())
	return &Page{doc: d, ref: d.add(page)}, nil
}

// PagePushBack appends p to the page sequence.
func (d *Document) PagePushBack(h *guard.Holder, p *Page) error {
	if err := d.writable("push back page", h); err != nil {
		return err
	}
	pages, err := d.pageList()
	if err != nil {
		return err
	}
	return d.insertPage(len(pages)+1, p)
}

// PageInsert places p so that it becomes page pos; pos may be one past the
// last page. Pages of other documents go through ImportPage first.
func (d *Document) PageInsert(h *guard.Holder, pos int, p *Page) error {
	if err := d.writable("insert page", h); err != nil {
		return err
	}
	return d.insertPage(pos, p)
}

func (d *Document) insertPage(pos int, p *Page) error {
	if p == nil {
		return errors.New("document: nil page")
	}
	pages, err := d.pageList()
	if err != nil {
		return err
	}
	if pos < 1 || pos > len(pages)+1 {
		return pdferr.State(fmt.Sprintf("insert page at %d", pos), pdferr.ErrPageOutOfRange)
	}
	if p.doc != d {
		return pdferr.State("insert page", pdferr.ErrForeignPage)
	}
	ref := p.ref
	for _, existing := range pages {
		if existing == ref {
			return pdferr.State("insert page", fmt.Errorf("page %s is already in the page sequence", ref))
		}
	}
	if _, ok := d.raw.Objects[ref].(*raw.DictObj); !ok {
		return fmt.Errorf("document: page %s does not exist", ref)
	}
	d.materializeInherited(p)

	var parentRef raw.ObjectRef
	var index int
	switch {
	case pos <= len(pages):
		parentRef, index, err = d.locateKid(pages[pos-1])
	case len(pages) > 0:
		parentRef, index, err = d.locateKid(pages[len(pages)-1])
		index++
	default:
		parentRef, err = d.pageTreeRoot()
	}
	if err != nil {
		return err
	}
	kids, owner, err := d.kidsOf(parentRef)
	if err != nil {
		return err
	}
	kids.Items = append(kids.Items, nil)
	copy(kids.Items[index+1:], kids.Items[index:])
	kids.Items[index] = raw.RefObj{R: ref}
	d.markDirty(owner)

	dict := d.raw.Objects[ref].(*raw.DictObj)
	dict.Set("Parent", raw.RefObj{R: parentRef})
	d.markDirty(ref)
	d.adjustCount(parentRef, 1)
	d.invalidatePages()
	return nil
}

// PageRemove takes page num out of the page sequence. The page object
// stays in the document until a save with RemoveUnused drops it.
func (d *Document) PageRemove(h *guard.Holder, num int) error {
	if err := d.writable("remove page", h); err != nil {
		return err
	}
	pages, err := d.pageList()
	if err != nil {
		return err
	}
	if num < 1 || num > len(pages) {
		return pdferr.State(fmt.Sprintf("remove page %d", num), pdferr.ErrPageOutOfRange)
	}
	ref := pages[num-1]
	d.materializeInherited(&Page{doc: d, ref: ref})
	parentRef, index, err := d.locateKid(ref)
	if err != nil {
		return err
	}
	kids, owner, err := d.kidsOf(parentRef)
	if err != nil {
		return err
	}
	kids.Items = append(kids.Items[:index], kids.Items[index+1:]...)
	d.markDirty(owner)
	d.adjustCount(parentRef, -1)
	d.invalidatePages()
	return nil
}

// locateKid finds the parent node of a page and its index in /Kids.
func (d *Document) locateKid(ref raw.ObjectRef) (raw.ObjectRef, int, error) {
	dict, _ := d.raw.Objects[ref].(*raw.DictObj)
	if dict == nil {
		return raw.ObjectRef{}, 0, fmt.Errorf("document: page %s does not exist", ref)
	}
	pv, ok := dict.Get("Parent")
	parent, isRef := pv.(raw.RefObj)
	if !ok || !isRef {
		return raw.ObjectRef{}, 0, pdferr.Format("page tree", fmt.Errorf("page %s has no /Parent", ref))
	}
	kids, _, err := d.kidsOf(parent.R)
	if err != nil {
		return raw.ObjectRef{}, 0, err
	}
	for i, kid := range kids.Items {
		if k, ok := kid.(raw.RefObj); ok && k.R == ref {
			return parent.R, i, nil
		}
	}
	return raw.ObjectRef{}, 0, pdferr.Format("page tree", fmt.Errorf("page %s missing from its parent's /Kids", ref))
}

// kidsOf returns the /Kids array of a page tree node and the object that
// holds it, creating the array when missing.
func (d *Document) kidsOf(nodeRef raw.ObjectRef) (*raw.ArrayObj, raw.ObjectRef, error) {
	node, ok := d.raw.Objects[nodeRef].(*raw.DictObj)
	if !ok {
		return nil, raw.ObjectRef{}, pdferr.Format("page tree", fmt.Errorf("node %s is not a dictionary", nodeRef))
	}
	v, ok := node.Get("Kids")
	if !ok {
		arr := raw.NewArray()
		node.Set("Kids", arr)
		return arr, nodeRef, nil
	}
	if ref, ok := v.(raw.RefObj); ok {
		arr, ok := d.raw.Objects[ref.R].(*raw.ArrayObj)
		if !ok {
			return nil, raw.ObjectRef{}, pdferr.Format("page tree", fmt.Errorf("/Kids of %s is not an array", nodeRef))
		}
		return arr, ref.R, nil
	}
	arr, ok := v.(*raw.ArrayObj)
	if !ok {
		return nil, raw.ObjectRef{}, pdferr.Format("page tree", fmt.Errorf("/Kids of %s is not an array", nodeRef))
	}
	return arr, nodeRef, nil
}

// adjustCount adds delta to /Count of node and every ancestor.
func (d *Document) adjustCount(node raw.ObjectRef, delta int64) {
	seen := make(map[raw.ObjectRef]bool)
	for !seen[node] {
		seen[node] = true
		dict, ok := d.raw.Objects[node].(*raw.DictObj)
		if !ok {
			return
		}
		n, _ := raw.DictInt(dict, "Count")
		dict.Set("Count", raw.NumberInt(n+delta))
		d.markDirty(node)
		parent, ok := dict.Get("Parent")
		ref, isRef := parent.(raw.RefObj)
		if !ok || !isRef {
			return
		}
		node = ref.R
	}
}

// materializeInherited copies inherited attributes onto the page so it
// keeps them under a new parent.
func (d *Document) materializeInherited(p *Page) {
	dict := p.Dict()
	changed := false
	for _, key := range inheritable {
		if _, ok := dict.Get(key); ok {
			continue
		}
		node := dict
		for depth := 0; depth < d.opts.Limits.MaxIndirectDepth; depth++ {
			parent, ok := node.Get("Parent")
			if !ok {
				break
			}
			if node, _ = d.raw.Resolve(parent).(*raw.DictObj); node == nil {
				break
			}
			if v, ok := node.Get(key); ok {
				if _, isRef := v.(raw.RefObj); !isRef {
					v = raw.Clone(v)
				}
				dict.Set(key, v)
				changed = true
				break
			}
		}
	}
	if changed {
		d.markDirty(p.ref)
	}
}

// importPage copies a page of another document, with its inherited
// attributes and everything it references, and returns the new page object.
// ImportPage copies p, a page of another document, into d with everything
// it references. The copy is not part of the page sequence until
// PageInsert or PagePushBack places it. h must hold the write lock on d and
// sh at least a read lock on the document of p.
func (d *Document) ImportPage(h, sh *guard.Holder, p *Page) (*Page, error) {
	if err := d.writable("import page", h); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errors.New("document: nil page")
	}
	if p.doc == d {
		return p, nil
	}
	if err := p.doc.readable("import page", sh); err != nil {
		return nil, err
	}
	ref, err := d.importPage(p)
	if err != nil {
		return nil, err
	}
	return &Page{doc: d, ref: ref}, nil
}

func (d *Document) importPage(p *Page) (raw.ObjectRef, error) {
	src := p.Dict()
	dict := raw.Dict()
	for _, key := range src.Keys() {
		if key == "Parent" {
			continue
		}
		v, _ := src.Get(key)
		dict.Set(key, v)
	}
	for _, key := range inheritable {
		if _, ok := dict.Get(key); !ok {
			if v, ok := p.inherited(key); ok {
				dict.Set(key, v)
			}
		}
	}
	imported, err := d.importObject(p.doc, dict)
	if err != nil {
		return raw.ObjectRef{}, err
	}
	return d.add(imported), nil
}
