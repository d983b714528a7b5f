package optimize

import (
	"context"

	"github.com/wudi/pdfcore/filters"
	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/observability"
)

// lossless filters that Flate beats on size.
var weakFilters = map[string]bool{
	"ASCIIHexDecode": true, "AHx": true,
	"ASCII85Decode": true, "A85": true,
	"LZWDecode": true, "LZW": true,
	"RunLengthDecode": true, "RL": true,
	"FlateDecode": true, "Fl": true,
}

// recompressible reports whether the filter chain decodes to plain data
// with at least one filter other than Flate.
func recompressible(names []string) bool {
	weak := false
	for _, n := range names {
		if !weakFilters[n] {
			return false
		}
		if n != "FlateDecode" && n != "Fl" {
			weak = true
		}
	}
	return weak
}

func (o *optimizer) resolver() func(raw.Object) raw.Object {
	return func(v raw.Object) raw.Object {
		r, err := o.doc.Resolve(o.h, v)
		if err != nil {
			return raw.NullObj{}
		}
		return r
	}
}

func (o *optimizer) recompressStreams(ctx context.Context, rep *Report) error {
	refs, err := o.doc.ObjectRefs(o.h)
	if err != nil {
		return err
	}
	resolve := o.resolver()
	enc := filters.NewFlateEncoder(-1)
	for _, ref := range refs {
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
		switch raw.DictName(st.Dict, "Type") {
		case "Metadata", "XRef", "ObjStm":
			continue
		}
		names, _ := filters.ExtractFilters(st.Dict, resolve)
		if !recompressible(names) {
			continue
		}
		data, err := o.doc.DecodeStream(ctx, o.h, st)
		if err != nil {
			o.log.Warn("stream kept", observability.String("object", ref.String()), observability.Error("error", err))
			continue
		}
		packed, err := enc.Encode(ctx, data)
		if err != nil {
			return err
		}
		if len(packed) >= len(st.Data) {
			continue
		}
		dict, _ := raw.Clone(st.Dict).(*raw.DictObj)
		if dict == nil {
			dict = raw.Dict()
		}
		dict.Delete("DecodeParms")
		dict.Delete("Length")
		dict.Set("Filter", raw.NameLiteral("FlateDecode"))
		if err := o.doc.PutObject(o.h, ref, raw.NewStream(dict, packed)); err != nil {
			return err
		}
		rep.StreamsCompressed++
		rep.BytesSaved += int64(len(st.Data) - len(packed))
	}
	return nil
}
