package document

import (
	"bytes"
	"context"
	"fmt"

	"github.com/wudi/pdfcore/filters"
	"github.com/wudi/pdfcore/guard"
	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/observability"
	"github.com/wudi/pdfcore/pdferr"
)

// Placement says how new content relates to what a container already has.
type Placement int

const (
	// Replace discards the existing content.
	Replace Placement = iota
	// Underlay paints the new content below the existing content.
	Underlay
	// Overlay paints the new content on top. The existing content is
	// wrapped in q/Q so its state changes do not leak into the new content.
	Overlay
)

func (p Placement) String() string {
	switch p {
	case Replace:
		return "replace"
	case Underlay:
		return "underlay"
	case Overlay:
		return "overlay"
	}
	return fmt.Sprintf("Placement(%d)", int(p))
}

// ContentData returns the decoded content of c. The streams of a page
// with several /Contents entries are joined with a newline, so a token
// split across two streams stays split.
func (d *Document) ContentData(ctx context.Context, h *guard.Holder, c Container) ([]byte, error) {
	if err := d.readable("read content", h); err != nil {
		return nil, err
	}
	if err := d.owns(c); err != nil {
		return nil, err
	}
	switch c := c.(type) {
	case *Page:
		v, ok := c.Dict().Get("Contents")
		if !ok {
			return nil, nil
		}
		var streams []*raw.StreamObj
		switch cv := d.raw.Resolve(v).(type) {
		case *raw.StreamObj:
			streams = append(streams, cv)
		case *raw.ArrayObj:
			for _, item := range cv.Items {
				if st, ok := d.raw.Resolve(item).(*raw.StreamObj); ok {
					streams = append(streams, st)
				}
			}
		}
		var buf bytes.Buffer
		for i, st := range streams {
			data, err := d.decodeStream(ctx, st)
			if err != nil {
				return nil, err
			}
			if i > 0 {
				buf.WriteByte('\n')
			}
			buf.Write(data)
		}
		return buf.Bytes(), nil
	case *Form:
		return d.decodeStream(ctx, c.Stream())
	}
	return nil, fmt.Errorf("document: unknown container %T", c)
}

// DecodeStream returns the filtered-out data of a stream of d.
func (d *Document) DecodeStream(ctx context.Context, h *guard.Holder, st *raw.StreamObj) ([]byte, error) {
	if err := d.readable("decode stream", h); err != nil {
		return nil, err
	}
	return d.decodeStream(ctx, st)
}

func (d *Document) decodeStream(ctx context.Context, st *raw.StreamObj) ([]byte, error) {
	names, params := filters.ExtractFilters(st.Dict, d.raw.Resolve)
	if len(names) == 0 {
		return st.Data, nil
	}
	out, err := d.decode.Decode(ctx, st.Data, names, params)
	if err != nil {
		if uerr, ok := err.(filters.UnsupportedError); ok {
			return nil, pdferr.Unsupported(uerr.Filter, err)
		}
		return nil, pdferr.Format("decode stream", err)
	}
	return out, nil
}

func (d *Document) owns(c Container) error {
	if c == nil || c.Document() != d {
		return pdferr.State("content", fmt.Errorf("container belongs to another document"))
	}
	return nil
}

// ResourceDict returns the category subdictionary (Font, XObject,
// ExtGState, ...) of c's own resources, creating both when missing.
// Inherited page resources are copied onto the page first. The returned
// dictionary may be modified; the objects holding it are marked changed.
func (d *Document) ResourceDict(h *guard.Holder, c Container, category string) (*raw.DictObj, error) {
	if err := d.writable("resources", h); err != nil {
		return nil, err
	}
	if err := d.owns(c); err != nil {
		return nil, err
	}
	var holder *raw.DictObj
	switch c := c.(type) {
	case *Page:
		d.materializeInherited(c)
		holder = c.Dict()
	case *Form:
		holder = c.Stream().Dict
	default:
		return nil, fmt.Errorf("document: unknown container %T", c)
	}
	res, owner := d.subDict(holder, c.Ref(), "Resources")
	if category == "" {
		return res, nil
	}
	sub, _ := d.subDict(res, owner, category)
	return sub, nil
}

// subDict returns parent[key] as a dictionary, creating it when absent,
// and marks the object that holds it changed.
func (d *Document) subDict(parent *raw.DictObj, parentOwner raw.ObjectRef, key string) (*raw.DictObj, raw.ObjectRef) {
	v, ok := parent.Get(key)
	if ref, isRef := v.(raw.RefObj); ok && isRef {
		if dict, ok := d.raw.Objects[ref.R].(*raw.DictObj); ok {
			d.markDirty(ref.R)
			return dict, ref.R
		}
	}
	if dict, isDict := v.(*raw.DictObj); ok && isDict {
		d.markDirty(parentOwner)
		return dict, parentOwner
	}
	dict := raw.Dict()
	parent.Set(key, dict)
	d.markDirty(parentOwner)
	return dict, parentOwner
}

// SetContent installs data as content of c according to placement. With
// compress set the new stream is flate encoded.
func (d *Document) SetContent(ctx context.Context, h *guard.Holder, c Container, placement Placement, data []byte, compress bool) error {
	if err := d.writable("write content", h); err != nil {
		return err
	}
	if err := d.owns(c); err != nil {
		return err
	}
	switch c := c.(type) {
	case *Page:
		return d.setPageContent(ctx, c, placement, data, compress)
	case *Form:
		return d.setFormContent(ctx, c, placement, data, compress)
	}
	return fmt.Errorf("document: unknown container %T", c)
}

func (d *Document) newContentStream(ctx context.Context, data []byte, compress bool) (raw.ObjectRef, error) {
	st, err := d.encodeContent(ctx, data, compress)
	if err != nil {
		return raw.ObjectRef{}, err
	}
	return d.add(st), nil
}

func (d *Document) encodeContent(ctx context.Context, data []byte, compress bool) (*raw.StreamObj, error) {
	dict := raw.Dict()
	if compress && len(data) > 0 {
		enc, err := filters.NewFlateEncoder(-1).Encode(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("compress content: %w", err)
		}
		dict.Set("Filter", raw.NameLiteral("FlateDecode"))
		data = enc
	}
	return raw.NewStream(dict, data), nil
}

func (d *Document) setPageContent(ctx context.Context, p *Page, placement Placement, data []byte, compress bool) error {
	dict := p.Dict()
	var existing []raw.Object
	if v, ok := dict.Get("Contents"); ok {
		switch cv := v.(type) {
		case raw.RefObj:
			if arr, ok := d.raw.Objects[cv.R].(*raw.ArrayObj); ok {
				existing = append(existing, arr.Items...)
			} else {
				existing = append(existing, cv)
			}
		case *raw.ArrayObj:
			existing = append(existing, cv.Items...)
		}
	}
	var contents []raw.Object
	switch {
	case placement == Replace || len(existing) == 0:
		ref, err := d.newContentStream(ctx, data, compress)
		if err != nil {
			return err
		}
		contents = []raw.Object{raw.RefObj{R: ref}}
	case placement == Underlay:
		ref, err := d.newContentStream(ctx, data, compress)
		if err != nil {
			return err
		}
		contents = append([]raw.Object{raw.RefObj{R: ref}}, existing...)
	case placement == Overlay:
		open, err := d.newContentStream(ctx, []byte("q\n"), false)
		if err != nil {
			return err
		}
		ref, err := d.newContentStream(ctx, append([]byte("Q\n"), data...), compress)
		if err != nil {
			return err
		}
		contents = append([]raw.Object{raw.RefObj{R: open}}, existing...)
		contents = append(contents, raw.RefObj{R: ref})
	default:
		return fmt.Errorf("document: unknown placement %v", placement)
	}
	if len(contents) == 1 {
		dict.Set("Contents", contents[0])
	} else {
		dict.Set("Contents", raw.NewArray(contents...))
	}
	d.markDirty(p.ref)
	d.log.Debug("page content written",
		observability.String("page", p.ref.String()),
		observability.String("placement", placement.String()),
		observability.Int("bytes", len(data)))
	return nil
}

func (d *Document) setFormContent(ctx context.Context, f *Form, placement Placement, data []byte, compress bool) error {
	st := f.Stream()
	old, err := d.decodeStream(ctx, st)
	if err != nil {
		return err
	}
	var combined []byte
	switch {
	case placement == Replace || len(old) == 0:
		combined = data
	case placement == Underlay:
		combined = append(append(append([]byte(nil), data...), '\n'), old...)
	case placement == Overlay:
		combined = append([]byte("q\n"), old...)
		combined = append(combined, "\nQ\n"...)
		combined = append(combined, data...)
	default:
		return fmt.Errorf("document: unknown placement %v", placement)
	}
	enc, err := d.encodeContent(ctx, combined, compress)
	if err != nil {
		return err
	}
	st.Dict.Delete("Filter")
	st.Dict.Delete("DecodeParms")
	if v, ok := enc.Dict.Get("Filter"); ok {
		st.Dict.Set("Filter", v)
	}
	st.Data = enc.Data
	d.markDirty(f.ref)
	return nil
}
