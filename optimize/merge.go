package optimize

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"math"

	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/observability"
)

type digest [sha256.Size]byte

// fingerprint hashes obj so that equal objects, and only those, collide.
// Stream lengths are left out since they follow from the data.
func fingerprint(obj raw.Object) digest {
	h := sha256.New()
	writeObject(h, obj)
	var d digest
	h.Sum(d[:0])
	return d
}

func writeObject(h hash.Hash, obj raw.Object) {
	var buf [8]byte
	tag := func(b byte) { h.Write([]byte{b}) }
	length := func(n int) {
		binary.BigEndian.PutUint64(buf[:], uint64(n))
		h.Write(buf[:])
	}
	switch v := obj.(type) {
	case raw.NameObj:
		tag('/')
		length(len(v.Val))
		h.Write([]byte(v.Val))
	case raw.NumberObj:
		if v.IsInt {
			tag('i')
			binary.BigEndian.PutUint64(buf[:], uint64(v.I))
		} else {
			tag('f')
			binary.BigEndian.PutUint64(buf[:], math.Float64bits(v.F))
		}
		h.Write(buf[:])
	case raw.BoolObj:
		if v.V {
			tag('T')
		} else {
			tag('F')
		}
	case raw.StringObj:
		tag('(')
		length(len(v.Bytes))
		h.Write(v.Bytes)
	case raw.RefObj:
		tag('R')
		length(v.R.Num)
		length(v.R.Gen)
	case *raw.ArrayObj:
		tag('[')
		length(len(v.Items))
		for _, it := range v.Items {
			writeObject(h, it)
		}
	case *raw.DictObj:
		writeDict(h, v, "")
	case *raw.StreamObj:
		tag('S')
		writeDict(h, v.Dict, "Length")
		length(len(v.Data))
		h.Write(v.Data)
	default:
		tag('n')
	}
}

func writeDict(h hash.Hash, d *raw.DictObj, skip string) {
	h.Write([]byte{'<'})
	for _, k := range d.Keys() {
		if k == skip {
			continue
		}
		v, _ := d.Get(k)
		writeObject(h, raw.NameLiteral(k))
		writeObject(h, v)
	}
	h.Write([]byte{'>'})
}

// unique reports whether obj must keep its own object number even when
// another object has the same content.
func unique(obj raw.Object) bool {
	var d *raw.DictObj
	switch v := obj.(type) {
	case *raw.DictObj:
		d = v
	case *raw.StreamObj:
		d = v.Dict
	default:
		return false
	}
	switch raw.DictName(d, "Type") {
	case "Catalog", "Pages", "Page", "XRef", "ObjStm", "Sig":
		return true
	}
	return false
}

// mergeDuplicates folds objects with identical content into the one with
// the lowest number. Merging can make referring objects identical in
// turn, so it repeats until nothing changes.
func (o *optimizer) mergeDuplicates(ctx context.Context, rep *Report) error {
	trailer, err := o.doc.Trailer(o.h)
	if err != nil {
		return err
	}
	pinned := make(map[raw.ObjectRef]bool)
	for _, k := range trailer.Keys() {
		v, _ := trailer.Get(k)
		if r, ok := v.(raw.RefObj); ok {
			pinned[r.R] = true
		}
	}

	for pass := 1; ; pass++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		refs, err := o.doc.ObjectRefs(o.h)
		if err != nil {
			return err
		}
		objs := make(map[raw.ObjectRef]raw.Object, len(refs))
		first := make(map[digest]raw.ObjectRef)
		repl := make(map[raw.ObjectRef]raw.ObjectRef)
		for _, ref := range refs {
			obj, err := o.doc.Object(o.h, ref)
			if err != nil {
				return err
			}
			objs[ref] = obj
			if pinned[ref] || unique(obj) {
				continue
			}
			d := fingerprint(obj)
			if keep, ok := first[d]; ok {
				repl[ref] = keep
			} else {
				first[d] = ref
			}
		}
		if len(repl) == 0 {
			return nil
		}

		for _, ref := range refs {
			if _, gone := repl[ref]; gone {
				continue
			}
			if rewriteRefs(objs[ref], repl) {
				if err := o.doc.MarkModified(o.h, ref); err != nil {
					return err
				}
			}
		}
		for dup := range repl {
			if st, ok := objs[dup].(*raw.StreamObj); ok {
				rep.BytesSaved += int64(len(st.Data))
			}
			if err := o.doc.DeleteObject(o.h, dup); err != nil {
				return err
			}
		}
		rep.ObjectsMerged += len(repl)
		o.log.Debug("merged duplicates", observability.Int("pass", pass), observability.Int("objects", len(repl)))
	}
}

// rewriteRefs points references in obj at their replacements, in place.
func rewriteRefs(obj raw.Object, repl map[raw.ObjectRef]raw.ObjectRef) bool {
	changed := false
	swap := func(v raw.Object) (raw.Object, bool) {
		if r, ok := v.(raw.RefObj); ok {
			if to, ok := repl[r.R]; ok {
				return raw.RefObj{R: to}, true
			}
			return v, false
		}
		return v, rewriteRefs(v, repl)
	}
	switch v := obj.(type) {
	case *raw.ArrayObj:
		for i, it := range v.Items {
			nv, c := swap(it)
			v.Items[i] = nv
			changed = changed || c
		}
	case *raw.DictObj:
		if v == nil {
			return false
		}
		for _, k := range v.Keys() {
			it, _ := v.Get(k)
			if nv, c := swap(it); c {
				v.Set(k, nv)
				changed = true
			}
		}
	case *raw.StreamObj:
		return rewriteRefs(v.Dict, repl)
	}
	return changed
}
