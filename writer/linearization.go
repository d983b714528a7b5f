package writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/pdferr"
)

// linearizer partitions the objects of a document so the first page can be
// displayed before the whole file has arrived. Objects are classified by
// the pages that use them:
//
//	part 4  catalog and encryption dictionary
//	part 6  everything page 1 uses, page object first
//	part 7  objects used by exactly one later page
//	part 8  objects shared by later pages only
//	part 9  everything else
type linearizer struct {
	objects map[raw.ObjectRef]raw.Object
	catalog raw.ObjectRef
	encrypt *raw.ObjectRef

	pageList []raw.ObjectRef
	pageSets [][]raw.ObjectRef // objects each page uses, page object first
	usage    map[raw.ObjectRef]int
}

// layout holds the numbering of a linearized file. Object numbers are the
// final ones.
type layout struct {
	part4       []int
	first       []int
	own         [][]int // index 0 unused
	shared      []int
	other       []int
	firstShared []int
	pageShared  [][]int
	content     []int // first content stream of each page, 0 if none

	linNum, hintNum, size int
}

// placement records where the pieces of a linearized file landed.
type placement struct {
	offsets      map[int]int64
	hintOffset   int64
	hintLength   int64
	endFirstPage int64
	firstXRef    int64
	mainXRef     int64
	mainEntries  int64 // whitespace before the first main xref entry
	fileLength   int64
}

func (a placement) same(b placement) bool {
	return a.hintOffset == b.hintOffset && a.hintLength == b.hintLength &&
		a.endFirstPage == b.endFirstPage && a.firstXRef == b.firstXRef &&
		a.mainXRef == b.mainXRef && a.fileLength == b.fileLength
}

func newLinearizer(p *plan) (*linearizer, error) {
	root, ok := p.trailer.Get("Root")
	ref, isRef := root.(raw.RefObj)
	if !ok || !isRef {
		return nil, errors.New("writer: linearization needs an indirect catalog")
	}
	if _, ok := p.objects[ref.R]; !ok {
		return nil, fmt.Errorf("writer: catalog %s not in document", ref.R)
	}
	l := &linearizer{objects: p.objects, catalog: ref.R, usage: make(map[raw.ObjectRef]int)}
	if p.encrypt {
		enc := p.encryptRef
		l.encrypt = &enc
	}
	return l, nil
}

func (l *linearizer) classify() error {
	pagesRef, err := l.findPagesRef()
	if err != nil {
		return err
	}
	l.pageList = l.getPageList(pagesRef)
	if len(l.pageList) == 0 {
		return errors.New("writer: linearization needs at least one page")
	}
	l.pageSets = make([][]raw.ObjectRef, len(l.pageList))
	for i, page := range l.pageList {
		visited := map[raw.ObjectRef]bool{page: true}
		set := []raw.ObjectRef{page}
		l.traverse(page, visited, &set)
		l.pageSets[i] = set
		for _, ref := range set {
			l.usage[ref]++
		}
	}
	return nil
}

// number assigns the final object numbers and moves the objects of p.
// Later pages, shared and other objects come first; the first-page section
// takes the high numbers so it gets its own xref section.
func (l *linearizer) number(p *plan) *layout {
	special := map[raw.ObjectRef]bool{l.catalog: true}
	var part4 []raw.ObjectRef
	part4 = append(part4, l.catalog)
	if l.encrypt != nil && *l.encrypt != l.catalog {
		part4 = append(part4, *l.encrypt)
		special[*l.encrypt] = true
	}

	placed := make(map[raw.ObjectRef]bool)
	var first []raw.ObjectRef
	for _, ref := range l.pageSets[0] {
		if !special[ref] && !placed[ref] {
			placed[ref] = true
			first = append(first, ref)
		}
	}
	own := make([][]raw.ObjectRef, len(l.pageList))
	var shared []raw.ObjectRef
	for i := 1; i < len(l.pageList); i++ {
		for _, ref := range l.pageSets[i] {
			if special[ref] || placed[ref] || l.usage[ref] != 1 {
				continue
			}
			placed[ref] = true
			own[i] = append(own[i], ref)
		}
	}
	for i := 1; i < len(l.pageList); i++ {
		for _, ref := range l.pageSets[i] {
			if special[ref] || placed[ref] {
				continue
			}
			placed[ref] = true
			shared = append(shared, ref)
		}
	}
	var other []raw.ObjectRef
	for _, ref := range sortedRefs(l.objects) {
		if !special[ref] && !placed[ref] {
			other = append(other, ref)
		}
	}

	m := make(map[raw.ObjectRef]raw.ObjectRef, len(l.objects))
	next := 1
	assign := func(refs []raw.ObjectRef) []int {
		nums := make([]int, len(refs))
		for i, ref := range refs {
			m[ref] = raw.ObjectRef{Num: next}
			nums[i] = next
			next++
		}
		return nums
	}
	lay := &layout{own: make([][]int, len(l.pageList))}
	for i := 1; i < len(own); i++ {
		lay.own[i] = assign(own[i])
	}
	lay.shared = assign(shared)
	lay.other = assign(other)
	lay.linNum = next
	next++
	lay.part4 = assign(part4)
	lay.hintNum = next
	next++
	lay.first = assign(first)
	lay.size = next

	for _, ref := range first {
		if l.usage[ref] > 1 {
			lay.firstShared = append(lay.firstShared, m[ref].Num)
		}
	}
	lay.pageShared = make([][]int, len(l.pageList))
	lay.content = make([]int, len(l.pageList))
	for i, set := range l.pageSets {
		for _, ref := range set {
			if l.usage[ref] > 1 && !special[ref] {
				lay.pageShared[i] = append(lay.pageShared[i], m[ref].Num)
			}
		}
		if c, ok := l.firstContent(l.pageList[i]); ok {
			if n, ok := m[c]; ok {
				lay.content[i] = n.Num
			}
		}
	}
	p.apply(m)
	return lay
}

// section lists the objects of page i in file order.
func (lay *layout) section(i int) []int {
	if i == 0 {
		return lay.first
	}
	return lay.own[i]
}

// sharedIDs numbers the shared object hint entries: first-page shared
// objects, then the shared objects section.
func (lay *layout) sharedIDs() map[int]int {
	ids := make(map[int]int, len(lay.firstShared)+len(lay.shared))
	for _, num := range lay.firstShared {
		ids[num] = len(ids)
	}
	for _, num := range lay.shared {
		ids[num] = len(ids)
	}
	return ids
}

// hintData builds the page offset and shared object hint tables and
// returns the payload with the offset of the shared object table. Offsets
// are computed as if the hint stream were absent.
func (lay *layout) hintData(pl placement, chunks map[int][]byte) ([]byte, int) {
	adjust := func(off int64) int64 {
		if off > pl.hintOffset {
			return off - pl.hintLength
		}
		return off
	}
	n := len(lay.own)
	objs := make([]int64, n)
	lens := make([]int64, n)
	cOff := make([]int64, n)
	cLen := make([]int64, n)
	for i := 0; i < n; i++ {
		nums := lay.section(i)
		objs[i] = int64(len(nums))
		for _, num := range nums {
			if num == lay.content[i] {
				cOff[i] = lens[i]
				cLen[i] = int64(len(chunks[num]))
			}
			lens[i] += int64(len(chunks[num]))
		}
	}
	ids := lay.sharedIDs()
	refCounts := make([]int64, n)
	var maxID int64
	for i := 0; i < n; i++ {
		refCounts[i] = int64(len(lay.pageShared[i]))
		for _, num := range lay.pageShared[i] {
			if id := int64(ids[num]); id > maxID {
				maxID = id
			}
		}
	}

	var buf bytes.Buffer
	bw := newBitWriter(&buf)
	minObjs, maxObjs := minMax(objs)
	minLen, maxLen := minMax(lens)
	minCOff, maxCOff := minMax(cOff)
	minCLen, maxCLen := minMax(cLen)
	_, maxRefs := minMax(refCounts)
	bitsObjs := bitsNeeded(maxObjs - minObjs)
	bitsLen := bitsNeeded(maxLen - minLen)
	bitsCOff := bitsNeeded(maxCOff - minCOff)
	bitsCLen := bitsNeeded(maxCLen - minCLen)
	bitsRefs := bitsNeeded(maxRefs)
	bitsID := bitsNeeded(maxID)

	// page offset hint table header
	firstPage := int64(0)
	if len(lay.first) > 0 {
		firstPage = adjust(pl.offsets[lay.first[0]])
	}
	bw.write(uint64(minObjs), 32)
	bw.write(uint64(firstPage), 32)
	bw.write(uint64(bitsObjs), 16)
	bw.write(uint64(minLen), 32)
	bw.write(uint64(bitsLen), 16)
	bw.write(uint64(minCOff), 32)
	bw.write(uint64(bitsCOff), 16)
	bw.write(uint64(minCLen), 32)
	bw.write(uint64(bitsCLen), 16)
	bw.write(uint64(bitsRefs), 16)
	bw.write(uint64(bitsID), 16)
	bw.write(0, 16) // numerator bits
	bw.write(1, 16) // denominator

	for i := 0; i < n; i++ {
		bw.write(uint64(objs[i]-minObjs), uint(bitsObjs))
	}
	bw.flush()
	for i := 0; i < n; i++ {
		bw.write(uint64(lens[i]-minLen), uint(bitsLen))
	}
	bw.flush()
	for i := 0; i < n; i++ {
		bw.write(uint64(refCounts[i]), uint(bitsRefs))
	}
	bw.flush()
	for i := 0; i < n; i++ {
		for _, num := range lay.pageShared[i] {
			bw.write(uint64(ids[num]), uint(bitsID))
		}
	}
	bw.flush()
	// numerators have zero width
	for i := 0; i < n; i++ {
		bw.write(uint64(cOff[i]-minCOff), uint(bitsCOff))
	}
	bw.flush()
	for i := 0; i < n; i++ {
		bw.write(uint64(cLen[i]-minCLen), uint(bitsCLen))
	}
	bw.flush()

	sharedOffset := buf.Len()
	groups := make([]int64, 0, len(ids))
	for _, num := range lay.firstShared {
		groups = append(groups, int64(len(chunks[num])))
	}
	for _, num := range lay.shared {
		groups = append(groups, int64(len(chunks[num])))
	}
	minGroup, maxGroup := minMax(groups)
	bitsGroup := bitsNeeded(maxGroup - minGroup)
	var firstShared, firstSharedOff int64
	if len(lay.shared) > 0 {
		firstShared = int64(lay.shared[0])
		firstSharedOff = adjust(pl.offsets[lay.shared[0]])
	}
	bw.write(uint64(firstShared), 32)
	bw.write(uint64(firstSharedOff), 32)
	bw.write(uint64(len(lay.firstShared)), 32)
	bw.write(uint64(len(groups)), 32)
	bw.write(0, 16) // one object per group
	bw.write(uint64(minGroup), 32)
	bw.write(uint64(bitsGroup), 16)
	for _, g := range groups {
		bw.write(uint64(g-minGroup), uint(bitsGroup))
	}
	bw.flush()
	for range groups {
		bw.write(0, 1) // no signatures
	}
	bw.flush()
	return buf.Bytes(), sharedOffset
}

func minMax(vals []int64) (int64, int64) {
	if len(vals) == 0 {
		return 0, 0
	}
	lo, hi := vals[0], vals[0]
	for _, v := range vals[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func bitsNeeded(val int64) int {
	if val == 0 {
		return 0
	}
	bits := 0
	for val > 0 {
		bits++
		val >>= 1
	}
	return bits
}

type bitWriter struct {
	buf         *bytes.Buffer
	accumulator uint64
	bits        uint
}

func newBitWriter(buf *bytes.Buffer) *bitWriter {
	return &bitWriter{buf: buf}
}

func (w *bitWriter) write(val uint64, n uint) {
	if n == 0 {
		return
	}
	w.accumulator = (w.accumulator << n) | (val & ((1 << n) - 1))
	w.bits += n
	for w.bits >= 8 {
		w.bits -= 8
		w.buf.WriteByte(byte(w.accumulator >> w.bits))
	}
}

// flush pads the current byte with zero bits.
func (w *bitWriter) flush() {
	if w.bits > 0 {
		w.accumulator <<= (8 - w.bits)
		w.buf.WriteByte(byte(w.accumulator))
		w.bits = 0
		w.accumulator = 0
	}
}

func (l *linearizer) findPagesRef() (raw.ObjectRef, error) {
	cat, ok := l.objects[l.catalog].(*raw.DictObj)
	if !ok {
		return raw.ObjectRef{}, errors.New("writer: catalog is not a dictionary")
	}
	pages, ok := cat.Get("Pages")
	if !ok {
		return raw.ObjectRef{}, errors.New("writer: catalog has no /Pages")
	}
	ref, ok := pages.(raw.RefObj)
	if !ok {
		return raw.ObjectRef{}, errors.New("writer: /Pages is not a reference")
	}
	return ref.R, nil
}

// getPageList flattens the page tree in document order.
func (l *linearizer) getPageList(pagesRef raw.ObjectRef) []raw.ObjectRef {
	var pages []raw.ObjectRef
	visited := make(map[raw.ObjectRef]bool)
	var walk func(ref raw.ObjectRef)
	walk = func(ref raw.ObjectRef) {
		if visited[ref] {
			return
		}
		visited[ref] = true
		node, ok := l.objects[ref].(*raw.DictObj)
		if !ok {
			return
		}
		if raw.DictName(node, "Type") == "Page" {
			pages = append(pages, ref)
			return
		}
		kids, _ := node.Get("Kids")
		arr, ok := kids.(*raw.ArrayObj)
		if !ok {
			return
		}
		for _, kid := range arr.Items {
			if r, ok := kid.(raw.RefObj); ok {
				walk(r.R)
			}
		}
	}
	walk(pagesRef)
	return pages
}

// traverse collects the objects reachable from root without climbing to
// /Parent or entering other page tree nodes.
func (l *linearizer) traverse(root raw.ObjectRef, visited map[raw.ObjectRef]bool, out *[]raw.ObjectRef) {
	var walk func(obj raw.Object)
	walk = func(obj raw.Object) {
		switch v := obj.(type) {
		case raw.RefObj:
			if visited[v.R] || v.R == l.catalog || (l.encrypt != nil && v.R == *l.encrypt) {
				return
			}
			target, ok := l.objects[v.R]
			if !ok {
				return
			}
			if d, ok := target.(*raw.DictObj); ok {
				switch raw.DictName(d, "Type") {
				case "Page", "Pages":
					return
				}
			}
			visited[v.R] = true
			*out = append(*out, v.R)
			walk(target)
		case *raw.ArrayObj:
			for _, it := range v.Items {
				walk(it)
			}
		case *raw.DictObj:
			for _, k := range v.Keys() {
				if k == "Parent" {
					continue
				}
				walk(v.KV[k])
			}
		case *raw.StreamObj:
			walk(v.Dict)
		}
	}
	walk(l.objects[root])
}

func (l *linearizer) firstContent(page raw.ObjectRef) (raw.ObjectRef, bool) {
	d, ok := l.objects[page].(*raw.DictObj)
	if !ok {
		return raw.ObjectRef{}, false
	}
	switch c := d.KV["Contents"].(type) {
	case raw.RefObj:
		return c.R, true
	case *raw.ArrayObj:
		if len(c.Items) > 0 {
			if r, ok := c.Items[0].(raw.RefObj); ok {
				return r.R, true
			}
		}
	}
	return raw.ObjectRef{}, false
}

func (w *impl) writeLinearized(ctx context.Context, p *plan, out io.Writer, cfg Config) (Result, error) {
	l, err := newLinearizer(p)
	if err != nil {
		return Result{}, err
	}
	if err := l.classify(); err != nil {
		return Result{}, err
	}
	lay := l.number(p)

	s := serializer{hexStrings: cfg.HexStrings}
	chunks := make(map[int][]byte, len(p.objects))
	var body bytes.Buffer
	for _, group := range [][]int{lay.part4, lay.first, flatten(lay.own), lay.shared, lay.other} {
		for _, num := range group {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
			ref := raw.ObjectRef{Num: num}
			obj, err := w.finalize(ctx, p, ref, p.objects[ref], cfg)
			if err != nil {
				return Result{}, err
			}
			var chunk bytes.Buffer
			if err := w.emit(ctx, &chunk, s, ref, obj); err != nil {
				return Result{}, err
			}
			chunks[num] = chunk.Bytes()
			body.Write(chunk.Bytes())
		}
	}
	id := fileID(p.trailer, body.Bytes())
	p.trailer.Set("ID", idArray(id))
	p.trailer.Set("Size", raw.NumberInt(int64(lay.size)))

	// piece lengths do not depend on the positions they record, so the
	// second pass settles the layout
	var pl placement
	var data []byte
	for pass := 0; ; pass++ {
		if pass == 4 {
			return Result{}, errors.New("writer: linearized layout did not converge")
		}
		next, assembled, err := w.assembleLinearized(ctx, p, lay, chunks, pl, s, cfg)
		if err != nil {
			return Result{}, err
		}
		data = assembled
		if pass > 0 && next.same(pl) {
			pl = next
			break
		}
		pl = next
	}
	if _, err := out.Write(data); err != nil {
		return Result{}, pdferr.IO("write", "", err)
	}
	return Result{Size: pl.fileLength, StartXRef: pl.firstXRef, ID: id, Renumbered: p.renumbered}, nil
}

// assembleLinearized lays the file out using the positions measured by the
// previous pass and reports the positions of this one.
func (w *impl) assembleLinearized(ctx context.Context, p *plan, lay *layout, chunks map[int][]byte, prev placement, s serializer, cfg Config) (placement, []byte, error) {
	pl := placement{offsets: make(map[int]int64, len(chunks)+2)}
	var buf bytes.Buffer
	writeHeader(&buf, p.version)

	pl.offsets[lay.linNum] = int64(buf.Len())
	firstPageObj := 0
	if len(lay.first) > 0 {
		firstPageObj = lay.first[0]
	}
	fmt.Fprintf(&buf, "%d 0 obj\n<</Linearized 1/L %010d/H [%010d %010d]/O %d/E %010d/N %d/T %010d>>\nendobj\n",
		lay.linNum, prev.fileLength, prev.hintOffset, prev.hintLength, firstPageObj,
		prev.endFirstPage, len(lay.own), prev.mainEntries)

	pl.firstXRef = int64(buf.Len())
	fmt.Fprintf(&buf, "xref\n%d %d\n", lay.linNum, lay.size-lay.linNum)
	for num := lay.linNum; num < lay.size; num++ {
		fmt.Fprintf(&buf, "%010d 00000 n \n", prev.offsets[num])
	}
	fmt.Fprintf(&buf, "trailer\n<</Prev %010d", prev.mainXRef)
	s.entries(&buf, p.trailer)
	buf.WriteString(">>\nstartxref\n0\n%%EOF\n")

	for _, num := range lay.part4 {
		pl.offsets[num] = int64(buf.Len())
		buf.Write(chunks[num])
	}

	hintData, sharedOffset := lay.hintData(prev, chunks)
	hintDict := raw.Dict()
	hintDict.Set("S", raw.NumberInt(int64(sharedOffset)))
	hintRef := raw.ObjectRef{Num: lay.hintNum}
	noCompress := cfg
	noCompress.Compress = false
	hint, err := w.finalize(ctx, p, hintRef, raw.NewStream(hintDict, hintData), noCompress)
	if err != nil {
		return placement{}, nil, err
	}
	pl.hintOffset = int64(buf.Len())
	pl.offsets[lay.hintNum] = pl.hintOffset
	s.indirect(&buf, hintRef, hint)
	pl.hintLength = int64(buf.Len()) - pl.hintOffset

	for _, num := range lay.first {
		pl.offsets[num] = int64(buf.Len())
		buf.Write(chunks[num])
	}
	pl.endFirstPage = int64(buf.Len())
	for _, group := range [][]int{flatten(lay.own), lay.shared, lay.other} {
		for _, num := range group {
			pl.offsets[num] = int64(buf.Len())
			buf.Write(chunks[num])
		}
	}

	pl.mainXRef = int64(buf.Len())
	fmt.Fprintf(&buf, "xref\n0 %d\n", lay.linNum)
	pl.mainEntries = int64(buf.Len()) - 1
	buf.WriteString("0000000000 65535 f \n")
	for num := 1; num < lay.linNum; num++ {
		fmt.Fprintf(&buf, "%010d 00000 n \n", pl.offsets[num])
	}
	fmt.Fprintf(&buf, "trailer\n<</Size %d>>\nstartxref\n%d\n%%%%EOF\n", lay.linNum, pl.firstXRef)
	pl.fileLength = int64(buf.Len())
	return pl, buf.Bytes(), nil
}

func flatten(groups [][]int) []int {
	var out []int
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
