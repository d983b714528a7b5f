package document

import (
	"github.com/wudi/pdfcore/guard"
	"github.com/wudi/pdfcore/ir/raw"
)

// Info returns the document information dictionary fields.
func (d *Document) Info(h *guard.Holder) (raw.DocumentMetadata, error) {
	if err := d.readable("info", h); err != nil {
		return raw.DocumentMetadata{}, err
	}
	return d.raw.Metadata, nil
}

// SetInfo replaces the document information fields. Empty fields are
// removed from the dictionary; other entries of it are kept.
func (d *Document) SetInfo(h *guard.Holder, m raw.DocumentMetadata) error {
	if err := d.writable("set info", h); err != nil {
		return err
	}
	var info *raw.DictObj
	var ref raw.ObjectRef
	if v, ok := d.raw.Trailer.Get("Info"); ok {
		if r, isRef := v.(raw.RefObj); isRef {
			info, _ = d.raw.Objects[r.R].(*raw.DictObj)
			ref = r.R
		}
	}
	if info == nil {
		info = raw.Dict()
		ref = d.add(info)
		d.raw.Trailer.Set("Info", raw.RefObj{R: ref})
	}
	for _, f := range []struct {
		key, val string
	}{
		{"Title", m.Title},
		{"Author", m.Author},
		{"Subject", m.Subject},
		{"Keywords", m.Keywords},
		{"Creator", m.Creator},
		{"Producer", m.Producer},
	} {
		if f.val == "" {
			info.Delete(f.key)
			continue
		}
		info.Set(f.key, raw.TextString(f.val))
	}
	d.markDirty(ref)
	d.raw.Metadata = m
	return nil
}
