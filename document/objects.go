package document

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/wudi/pdfcore/guard"
	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/pdferr"
)

// add stores obj under a fresh object number.
func (d *Document) add(obj raw.Object) raw.ObjectRef {
	next := d.raw.MaxObjectNumber() + 1
	if size, ok := raw.DictInt(d.raw.Trailer, "Size"); ok && int(size) > next {
		next = int(size)
	}
	// numbers freed in this revision are not reused; their xref entries
	// are written as free
	for ref := range d.freed {
		if ref.Num >= next {
			next = ref.Num + 1
		}
	}
	ref := raw.ObjectRef{Num: next}
	d.raw.Objects[ref] = obj
	d.markDirty(ref)
	return ref
}

func (d *Document) markDirty(ref raw.ObjectRef) {
	if ref.Num == 0 {
		return
	}
	d.dirty[ref] = true
	delete(d.freed, ref)
}

// Object returns the indirect object ref, or NullObj when it does not exist.
func (d *Document) Object(h *guard.Holder, ref raw.ObjectRef) (raw.Object, error) {
	if err := d.readable("get object", h); err != nil {
		return nil, err
	}
	obj, ok := d.raw.Objects[ref]
	if !ok {
		return raw.NullObj{}, nil
	}
	return obj, nil
}

// Resolve follows references until a direct object is reached.
func (d *Document) Resolve(h *guard.Holder, obj raw.Object) (raw.Object, error) {
	if err := d.readable("resolve", h); err != nil {
		return nil, err
	}
	return d.raw.Resolve(obj), nil
}

// AddObject stores obj as a new indirect object.
func (d *Document) AddObject(h *guard.Holder, obj raw.Object) (raw.ObjectRef, error) {
	if err := d.writable("add object", h); err != nil {
		return raw.ObjectRef{}, err
	}
	return d.add(obj), nil
}

// PutObject replaces or creates the indirect object ref.
func (d *Document) PutObject(h *guard.Holder, ref raw.ObjectRef, obj raw.Object) error {
	if err := d.writable("put object", h); err != nil {
		return err
	}
	if ref.Num <= 0 {
		return fmt.Errorf("document: invalid object number %d", ref.Num)
	}
	d.raw.Objects[ref] = obj
	d.markDirty(ref)
	d.invalidatePages()
	return nil
}

// DeleteObject removes ref. References to it resolve to null afterwards.
func (d *Document) DeleteObject(h *guard.Holder, ref raw.ObjectRef) error {
	if err := d.writable("delete object", h); err != nil {
		return err
	}
	if _, ok := d.raw.Objects[ref]; !ok {
		return nil
	}
	delete(d.raw.Objects, ref)
	delete(d.dirty, ref)
	d.freed[ref] = true
	for _, m := range d.imports {
		for from, to := range m {
			if to == ref {
				delete(m, from)
			}
		}
	}
	d.invalidatePages()
	return nil
}

// ObjectRefs lists the indirect objects of d in ascending order.
func (d *Document) ObjectRefs(h *guard.Holder) ([]raw.ObjectRef, error) {
	if err := d.readable("object refs", h); err != nil {
		return nil, err
	}
	refs := make([]raw.ObjectRef, 0, len(d.raw.Objects))
	for ref := range d.raw.Objects {
		refs = append(refs, ref)
	}
	slices.SortFunc(refs, func(a, b raw.ObjectRef) int {
		if a.Num != b.Num {
			return cmp.Compare(a.Num, b.Num)
		}
		return cmp.Compare(a.Gen, b.Gen)
	})
	return refs, nil
}

// Trailer returns the trailer dictionary. Callers must not modify it.
func (d *Document) Trailer(h *guard.Holder) (*raw.DictObj, error) {
	if err := d.readable("trailer", h); err != nil {
		return nil, err
	}
	return d.raw.Trailer, nil
}

// MarkModified records that the caller changed object ref in place, so an
// incremental save writes it again.
func (d *Document) MarkModified(h *guard.Holder, ref raw.ObjectRef) error {
	if err := d.writable("mark modified", h); err != nil {
		return err
	}
	if _, ok := d.raw.Objects[ref]; !ok {
		return fmt.Errorf("document: object %s does not exist", ref)
	}
	d.markDirty(ref)
	d.invalidatePages()
	return nil
}

// Catalog returns the document catalog.
func (d *Document) Catalog(h *guard.Holder) (*raw.DictObj, error) {
	if err := d.readable("catalog", h); err != nil {
		return nil, err
	}
	return d.catalog()
}

// Import copies obj from src into d, following references. Objects
// imported earlier from the same source are reused, so shared resources
// stay shared. h must hold the write lock on d and sh at least a read
// lock on src. A failed import leaves d unchanged.
func (d *Document) Import(h *guard.Holder, src *Document, sh *guard.Holder, obj raw.Object) (raw.Object, error) {
	if err := d.writable("import", h); err != nil {
		return nil, err
	}
	if src != d {
		if err := src.readable("import", sh); err != nil {
			return nil, err
		}
	}
	return d.importObject(src, obj)
}

func (d *Document) importObject(src *Document, obj raw.Object) (raw.Object, error) {
	if src == d {
		return obj, nil
	}
	mapped := d.imports[src]
	// added collects the mappings of this call; they become visible to
	// later imports only when the whole copy succeeds.
	added := make(map[raw.ObjectRef]raw.ObjectRef)
	lookup := func(r raw.ObjectRef) (raw.ObjectRef, bool) {
		if ref, ok := added[r]; ok {
			return ref, true
		}
		ref, ok := mapped[r]
		return ref, ok
	}
	var cp func(o raw.Object, depth int) (raw.Object, error)
	cp = func(o raw.Object, depth int) (raw.Object, error) {
		if depth > d.opts.Limits.MaxIndirectDepth {
			return nil, pdferr.Format("import", fmt.Errorf("object nesting deeper than %d", d.opts.Limits.MaxIndirectDepth))
		}
		switch v := o.(type) {
		case raw.RefObj:
			if ref, ok := lookup(v.R); ok {
				return raw.RefObj{R: ref}, nil
			}
			target, ok := src.raw.Objects[v.R]
			if !ok {
				return raw.NullObj{}, nil
			}
			// reserve the number first so cycles terminate
			ref := d.add(raw.NullObj{})
			added[v.R] = ref
			c, err := cp(target, depth+1)
			if err != nil {
				return nil, err
			}
			d.raw.Objects[ref] = c
			return raw.RefObj{R: ref}, nil
		case *raw.DictObj:
			out := raw.Dict()
			typ := raw.DictName(v, "Type")
			for _, k := range v.Keys() {
				if k == "Parent" && (typ == "Page" || typ == "Pages") {
					continue
				}
				item, _ := v.Get(k)
				c, err := cp(item, depth+1)
				if err != nil {
					return nil, err
				}
				out.Set(k, c)
			}
			return out, nil
		case *raw.ArrayObj:
			out := &raw.ArrayObj{Items: make([]raw.Object, len(v.Items))}
			for i, item := range v.Items {
				c, err := cp(item, depth+1)
				if err != nil {
					return nil, err
				}
				out.Items[i] = c
			}
			return out, nil
		case *raw.StreamObj:
			dict, err := cp(v.Dict, depth+1)
			if err != nil {
				return nil, err
			}
			return raw.NewStream(dict.(*raw.DictObj), append([]byte(nil), v.Data...)), nil
		}
		return raw.Clone(o), nil
	}
	out, err := cp(obj, 0)
	if err != nil {
		for _, ref := range added {
			delete(d.raw.Objects, ref)
			delete(d.dirty, ref)
		}
		return nil, err
	}
	if len(added) > 0 {
		if mapped == nil {
			mapped = make(map[raw.ObjectRef]raw.ObjectRef, len(added))
			d.imports[src] = mapped
		}
		for from, to := range added {
			mapped[from] = to
		}
	}
	return out, nil
}
