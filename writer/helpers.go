package writer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/wudi/pdfcore/filters"
	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/security"
)

const binaryMarker = "%\xE2\xE3\xCF\xD3\n"

func writeHeader(buf *bytes.Buffer, version string) {
	buf.WriteString("%PDF-" + version + "\n")
	buf.WriteString(binaryMarker)
}

// pdfVersion picks the header version. Features used by the save raise it.
func pdfVersion(doc *raw.Document, cfg Config) string {
	v := cfg.Version
	if v == "" {
		v = doc.Version
	}
	if v == "" {
		v = "1.7"
	}
	if cfg.XRefStreams && v < "1.5" {
		v = "1.5"
	}
	if h := cfg.Security; h != nil && h.IsEncrypted() {
		switch r := h.Revision(); {
		case r >= 5 && v < "1.7":
			v = "1.7"
		case r == 4 && v < "1.6":
			v = "1.6"
		}
	}
	return v
}

// serializer renders objects in PDF syntax. Dictionary keys are sorted so
// the output is reproducible.
type serializer struct {
	hexStrings bool
}

func (s serializer) indirect(buf *bytes.Buffer, ref raw.ObjectRef, obj raw.Object) {
	fmt.Fprintf(buf, "%d %d obj\n", ref.Num, ref.Gen)
	s.object(buf, obj)
	buf.WriteString("\nendobj\n")
}

func (s serializer) object(buf *bytes.Buffer, o raw.Object) {
	switch v := o.(type) {
	case raw.NameObj:
		buf.WriteString(pdfNameLiteral(v.Val))
	case raw.NumberObj:
		buf.WriteString(formatNumber(v))
	case raw.BoolObj:
		if v.V {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case raw.StringObj:
		if v.Hex || s.hexStrings {
			buf.WriteString(hexString(v.Bytes))
		} else {
			buf.Write(escapeLiteralString(v.Bytes))
		}
	case raw.RefObj:
		fmt.Fprintf(buf, "%d %d R", v.R.Num, v.R.Gen)
	case *raw.ArrayObj:
		if v == nil {
			buf.WriteString("[]")
			return
		}
		buf.WriteByte('[')
		for i, it := range v.Items {
			if i > 0 {
				buf.WriteByte(' ')
			}
			s.object(buf, it)
		}
		buf.WriteByte(']')
	case *raw.DictObj:
		buf.WriteString("<<")
		s.entries(buf, v)
		buf.WriteString(">>")
	case *raw.StreamObj:
		d := raw.Dict()
		if v.Dict != nil {
			for k, val := range v.Dict.KV {
				d.KV[k] = val
			}
		}
		d.Set("Length", raw.NumberInt(int64(len(v.Data))))
		s.object(buf, d)
		buf.WriteString("\nstream\n")
		buf.Write(v.Data)
		buf.WriteString("\nendstream")
	default:
		buf.WriteString("null")
	}
}

// AppendObject writes o in PDF syntax without an object header, the form
// operands take inside content streams.
func AppendObject(buf *bytes.Buffer, o raw.Object) { serializer{}.object(buf, o) }

// entries writes the key/value pairs of d without the surrounding brackets.
func (s serializer) entries(buf *bytes.Buffer, d *raw.DictObj) {
	for _, k := range d.Keys() {
		buf.WriteString(pdfNameLiteral(k))
		buf.WriteByte(' ')
		s.object(buf, d.KV[k])
	}
}

func formatNumber(n raw.NumberObj) string {
	if n.IsInt {
		return strconv.FormatInt(n.I, 10)
	}
	if math.IsNaN(n.F) || math.IsInf(n.F, 0) {
		return "0"
	}
	if n.F == math.Trunc(n.F) && math.Abs(n.F) < 1e15 {
		return strconv.FormatInt(int64(n.F), 10)
	}
	return strconv.FormatFloat(n.F, 'f', -1, 64)
}

func hexString(b []byte) string {
	return "<" + strings.ToUpper(hex.EncodeToString(b)) + ">"
}

func escapeLiteralString(rawBytes []byte) []byte {
	var b bytes.Buffer
	b.WriteByte('(')
	for _, ch := range rawBytes {
		switch ch {
		case '\\', '(', ')':
			b.WriteByte('\\')
			b.WriteByte(ch)
		case '\n':
			b.WriteString("\\n")
		case '\r':
			b.WriteString("\\r")
		case '\t':
			b.WriteString("\\t")
		case '\b':
			b.WriteString("\\b")
		case '\f':
			b.WriteString("\\f")
		default:
			if ch < 0x20 || ch >= 0x7F {
				fmt.Fprintf(&b, "\\%03o", ch)
			} else {
				b.WriteByte(ch)
			}
		}
	}
	b.WriteByte(')')
	return b.Bytes()
}

// pdfNameLiteral escapes delimiters, '#' and bytes outside the printable
// ASCII range as #XX.
func pdfNameLiteral(value string) string {
	var b strings.Builder
	b.WriteByte('/')
	for i := 0; i < len(value); i++ {
		ch := value[i]
		if ch > 0x20 && ch < 0x7F && !strings.ContainsRune("()<>[]{}/%#", rune(ch)) {
			b.WriteByte(ch)
			continue
		}
		fmt.Fprintf(&b, "#%02X", ch)
	}
	return b.String()
}

// cleanTrailer copies the trailer without the keys that describe the
// previous file layout.
func cleanTrailer(t *raw.DictObj) *raw.DictObj {
	out, _ := raw.Clone(t).(*raw.DictObj)
	if out == nil {
		out = raw.Dict()
	}
	for _, k := range []string{"Prev", "XRefStm", "Type", "W", "Index", "Length", "Filter", "DecodeParms", "DL"} {
		out.Delete(k)
	}
	return out
}

// fileID keeps the permanent identifier of the trailer and derives the
// changing one from the written body, so equal input gives equal output.
func fileID(trailer *raw.DictObj, body []byte) [2][]byte {
	sum := sha256.Sum256(body)
	changing := append([]byte(nil), sum[:16]...)
	if v, ok := trailer.Get("ID"); ok {
		if arr, ok := v.(*raw.ArrayObj); ok && arr.Len() == 2 {
			if s, ok := arr.Items[0].(raw.StringObj); ok && len(s.Bytes) > 0 {
				return [2][]byte{s.Bytes, changing}
			}
		}
	}
	return [2][]byte{append([]byte(nil), changing...), changing}
}

func idArray(id [2][]byte) *raw.ArrayObj {
	return raw.NewArray(raw.HexStr(id[0]), raw.HexStr(id[1]))
}

// compressStream flate-encodes unfiltered streams. Metadata streams stay
// readable and the original is kept when compression does not pay off.
func compressStream(ctx context.Context, st *raw.StreamObj, level int) (*raw.StreamObj, error) {
	if _, ok := st.Dict.Get("Filter"); ok || len(st.Data) == 0 {
		return st, nil
	}
	switch raw.DictName(st.Dict, "Type") {
	case "Metadata", "XRef", "ObjStm":
		return st, nil
	}
	if level == 0 {
		level = -1
	}
	data, err := filters.NewFlateEncoder(level).Encode(ctx, st.Data)
	if err != nil {
		return nil, err
	}
	if len(data) >= len(st.Data) {
		return st, nil
	}
	d, _ := raw.Clone(st.Dict).(*raw.DictObj)
	if d == nil {
		d = raw.Dict()
	}
	d.Set("Filter", raw.NameLiteral("FlateDecode"))
	return raw.NewStream(d, data), nil
}

// encryptObject returns a copy of obj with every string and stream payload
// encrypted for ref.
func encryptObject(obj raw.Object, ref raw.ObjectRef, h security.Handler) (raw.Object, error) {
	switch v := obj.(type) {
	case raw.StringObj:
		enc, err := h.Encrypt(ref.Num, ref.Gen, v.Bytes, security.DataClassString)
		if err != nil {
			return nil, err
		}
		return raw.StringObj{Bytes: enc, Hex: v.Hex}, nil
	case *raw.ArrayObj:
		arr := &raw.ArrayObj{Items: make([]raw.Object, len(v.Items))}
		for i, item := range v.Items {
			e, err := encryptObject(item, ref, h)
			if err != nil {
				return nil, err
			}
			arr.Items[i] = e
		}
		return arr, nil
	case *raw.DictObj:
		d := raw.Dict()
		for k, val := range v.KV {
			e, err := encryptObject(val, ref, h)
			if err != nil {
				return nil, err
			}
			d.KV[k] = e
		}
		return d, nil
	case *raw.StreamObj:
		class := security.DataClassStream
		if raw.DictName(v.Dict, "Type") == "Metadata" {
			class = security.DataClassMetadataStream
		}
		var data []byte
		var err error
		if filter, ok := cryptFilterName(v.Dict); ok {
			data, err = h.EncryptWithFilter(ref.Num, ref.Gen, v.Data, class, filter)
		} else {
			data, err = h.Encrypt(ref.Num, ref.Gen, v.Data, class)
		}
		if err != nil {
			return nil, err
		}
		d, err := encryptObject(v.Dict, ref, h)
		if err != nil {
			return nil, err
		}
		return raw.NewStream(d.(*raw.DictObj), data), nil
	default:
		return obj, nil
	}
}

// cryptFilterName returns the crypt filter a stream selects through a
// /Crypt entry in its filter chain.
func cryptFilterName(d *raw.DictObj) (string, bool) {
	names, params := filters.ExtractFilters(d, nil)
	for i, n := range names {
		if n != "Crypt" {
			continue
		}
		if i < len(params) && params[i] != nil {
			if v, ok := params[i].Get("Name"); ok {
				if name, ok := v.(raw.NameObj); ok {
					return name.Val, true
				}
			}
		}
		return "Identity", true
	}
	return "", false
}

// remap rewrites references through m. References without a mapping point
// at nothing in the new numbering and become null.
func remap(obj raw.Object, m map[raw.ObjectRef]raw.ObjectRef) raw.Object {
	switch v := obj.(type) {
	case raw.RefObj:
		if n, ok := m[v.R]; ok {
			return raw.RefObj{R: n}
		}
		return raw.NullObj{}
	case *raw.ArrayObj:
		if v == nil {
			return v
		}
		arr := &raw.ArrayObj{Items: make([]raw.Object, len(v.Items))}
		for i, it := range v.Items {
			arr.Items[i] = remap(it, m)
		}
		return arr
	case *raw.DictObj:
		if v == nil {
			return v
		}
		d := raw.Dict()
		for k, val := range v.KV {
			d.KV[k] = remap(val, m)
		}
		return d
	case *raw.StreamObj:
		d, _ := remap(v.Dict, m).(*raw.DictObj)
		return &raw.StreamObj{Dict: d, Data: v.Data}
	default:
		return obj
	}
}

// forEachRef calls fn for every reference directly contained in obj.
func forEachRef(obj raw.Object, fn func(raw.ObjectRef)) {
	switch v := obj.(type) {
	case raw.RefObj:
		fn(v.R)
	case *raw.ArrayObj:
		if v == nil {
			return
		}
		for _, it := range v.Items {
			forEachRef(it, fn)
		}
	case *raw.DictObj:
		if v == nil {
			return
		}
		for _, k := range v.Keys() {
			forEachRef(v.KV[k], fn)
		}
	case *raw.StreamObj:
		forEachRef(v.Dict, fn)
	}
}

// reachable returns the objects that can be reached from root.
func reachable(objects map[raw.ObjectRef]raw.Object, root raw.Object) map[raw.ObjectRef]bool {
	seen := make(map[raw.ObjectRef]bool)
	stack := []raw.Object{root}
	for len(stack) > 0 {
		obj := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		forEachRef(obj, func(ref raw.ObjectRef) {
			target, ok := objects[ref]
			if !ok || seen[ref] {
				return
			}
			seen[ref] = true
			stack = append(stack, target)
		})
	}
	return seen
}

func sortedRefs(objects map[raw.ObjectRef]raw.Object) []raw.ObjectRef {
	refs := make([]raw.ObjectRef, 0, len(objects))
	for ref := range objects {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Num < refs[j].Num })
	return refs
}

type xrefEntry struct {
	num    int
	offset int64
	gen    int
	free   bool
}

// subsections groups entries sorted by number into runs of consecutive
// object numbers.
func subsections(entries []xrefEntry) [][]xrefEntry {
	sort.Slice(entries, func(i, j int) bool { return entries[i].num < entries[j].num })
	var out [][]xrefEntry
	for i, e := range entries {
		if i == 0 || e.num != entries[i-1].num+1 {
			out = append(out, nil)
		}
		out[len(out)-1] = append(out[len(out)-1], e)
	}
	return out
}

func writeXRefTable(buf *bytes.Buffer, entries []xrefEntry) {
	buf.WriteString("xref\n")
	for _, sub := range subsections(entries) {
		fmt.Fprintf(buf, "%d %d\n", sub[0].num, len(sub))
		for _, e := range sub {
			kind := 'n'
			if e.free {
				kind = 'f'
			}
			fmt.Fprintf(buf, "%010d %05d %c \n", e.offset, e.gen, kind)
		}
	}
}

// denseEntries lists objects 0..max-1, marking the gaps free.
func denseEntries(offsets map[int]int64, gens map[int]int, size int) []xrefEntry {
	entries := make([]xrefEntry, 0, size)
	entries = append(entries, xrefEntry{num: 0, gen: 65535, free: true})
	for i := 1; i < size; i++ {
		if off, ok := offsets[i]; ok {
			entries = append(entries, xrefEntry{num: i, offset: off, gen: gens[i]})
			continue
		}
		entries = append(entries, xrefEntry{num: i, gen: 65535, free: true})
	}
	return entries
}

// xrefStream builds a cross-reference stream for entries. Field widths are
// 1, 4 and 2 bytes.
func xrefStream(ctx context.Context, trailer *raw.DictObj, entries []xrefEntry, level int) (*raw.StreamObj, error) {
	subs := subsections(entries)
	index := raw.NewArray()
	var data []byte
	for _, sub := range subs {
		index.Append(raw.NumberInt(int64(sub[0].num)))
		index.Append(raw.NumberInt(int64(len(sub))))
		for _, e := range sub {
			typ := byte(1)
			if e.free {
				typ = 0
			}
			data = appendXRefStreamEntry(data, typ, e.offset, e.gen)
		}
	}
	d, _ := raw.Clone(trailer).(*raw.DictObj)
	d.Set("Type", raw.NameLiteral("XRef"))
	d.Set("W", raw.NewArray(raw.NumberInt(1), raw.NumberInt(4), raw.NumberInt(2)))
	d.Set("Index", index)
	if level == 0 {
		level = -1
	}
	enc, err := filters.NewFlateEncoder(level).Encode(ctx, data)
	if err != nil {
		return nil, err
	}
	d.Set("Filter", raw.NameLiteral("FlateDecode"))
	return raw.NewStream(d, enc), nil
}

func appendXRefStreamEntry(buf []byte, typ byte, field2 int64, gen int) []byte {
	buf = append(buf, typ)
	offset := uint32(field2)
	buf = append(buf, byte(offset>>24), byte(offset>>16), byte(offset>>8), byte(offset))
	buf = append(buf, byte(gen>>8), byte(gen))
	return buf
}
