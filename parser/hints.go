package parser

import (
	"errors"
	"fmt"
	"io"

	"github.com/wudi/pdfcore/ir/raw"
)

// ParseHintStream decodes the page offset and shared object hint tables of
// a linearization hint stream. data is the decoded stream payload and dict
// its dictionary (the /S entry locates the shared object table). npages
// comes from /N of the linearization dictionary.
func ParseHintStream(data []byte, dict *raw.DictObj, npages int) (*raw.HintTable, error) {
	sharedOffset, ok := raw.DictInt(dict, "S")
	if !ok {
		return nil, errors.New("hint stream missing /S")
	}
	if sharedOffset < 0 || int(sharedOffset) > len(data) {
		return nil, fmt.Errorf("hint stream /S %d outside data", sharedOffset)
	}
	if npages <= 0 {
		return nil, errors.New("hint stream needs a page count")
	}
	ht := &raw.HintTable{Pages: make([]raw.PageOffsetHint, npages)}
	if err := readPageOffsets(&bitReader{data: data[:sharedOffset]}, ht); err != nil {
		return nil, fmt.Errorf("page offset hint table: %w", err)
	}
	if err := readSharedObjects(&bitReader{data: data[sharedOffset:]}, ht); err != nil {
		return nil, fmt.Errorf("shared object hint table: %w", err)
	}
	return ht, nil
}

func readPageOffsets(br *bitReader, ht *raw.HintTable) error {
	var h [13]int64
	widths := [13]int{32, 32, 16, 32, 16, 32, 16, 32, 16, 16, 16, 16, 16}
	for i, w := range widths {
		v, err := br.ReadBits(w)
		if err != nil {
			return err
		}
		h[i] = v
	}
	ht.FirstPageOffset = h[1]
	pages := ht.Pages

	// entries are grouped per item, each group padded to a byte boundary
	for i := range pages {
		v, err := br.ReadBits(int(h[2]))
		if err != nil {
			return err
		}
		pages[i].Objects = int(h[0] + v)
	}
	br.Align()
	for i := range pages {
		v, err := br.ReadBits(int(h[4]))
		if err != nil {
			return err
		}
		pages[i].Length = h[3] + v
	}
	br.Align()
	counts := make([]int, len(pages))
	for i := range pages {
		v, err := br.ReadBits(int(h[9]))
		if err != nil {
			return err
		}
		counts[i] = int(v)
	}
	br.Align()
	for i := range pages {
		for j := 0; j < counts[i]; j++ {
			v, err := br.ReadBits(int(h[10]))
			if err != nil {
				return err
			}
			pages[i].SharedRefs = append(pages[i].SharedRefs, int(v))
		}
	}
	br.Align()
	for i := range pages {
		for j := 0; j < counts[i]; j++ {
			if _, err := br.ReadBits(int(h[11])); err != nil {
				return err
			}
		}
	}
	br.Align()
	for i := range pages {
		v, err := br.ReadBits(int(h[6]))
		if err != nil {
			return err
		}
		pages[i].ContentOffset = h[5] + v
	}
	br.Align()
	for i := range pages {
		v, err := br.ReadBits(int(h[8]))
		if err != nil {
			return err
		}
		pages[i].ContentLength = h[7] + v
	}
	return nil
}

func readSharedObjects(br *bitReader, ht *raw.HintTable) error {
	var h [7]int64
	widths := [7]int{32, 32, 32, 32, 16, 32, 16}
	for i, w := range widths {
		v, err := br.ReadBits(w)
		if err != nil {
			return err
		}
		h[i] = v
	}
	ht.SharedFirstObj = int(h[0])
	ht.SharedFirstOffset = h[1]
	ht.SharedFirstPage = int(h[2])
	total := int(h[3])
	if total < ht.SharedFirstPage {
		return fmt.Errorf("shared entries %d fewer than first page entries %d", total, ht.SharedFirstPage)
	}
	groups := make([]raw.SharedObjectHint, total)
	for i := range groups {
		v, err := br.ReadBits(int(h[6]))
		if err != nil {
			return err
		}
		groups[i].Length = h[5] + v
	}
	br.Align()
	signed := make([]bool, total)
	for i := range groups {
		v, err := br.ReadBits(1)
		if err != nil {
			return err
		}
		signed[i] = v == 1
	}
	br.Align()
	for i := range groups {
		if signed[i] {
			// 128-bit MD5 signature, not verified
			if _, err := br.ReadBits(64); err != nil {
				return err
			}
			if _, err := br.ReadBits(64); err != nil {
				return err
			}
		}
	}
	for i := range groups {
		v, err := br.ReadBits(int(h[4]))
		if err != nil {
			return err
		}
		groups[i].Objects = int(v) + 1
	}
	ht.SharedObjects = groups
	return nil
}

type bitReader struct {
	data []byte
	pos  int // byte position
	bit  int // bit position (0-7)
}

func (r *bitReader) ReadBits(n int) (int64, error) {
	if n > 64 {
		return 0, fmt.Errorf("bit width %d too large", n)
	}
	var val int64
	for i := 0; i < n; i++ {
		if r.pos >= len(r.data) {
			return 0, io.ErrUnexpectedEOF
		}
		bit := (r.data[r.pos] >> (7 - r.bit)) & 1
		val = val<<1 | int64(bit)
		r.bit++
		if r.bit == 8 {
			r.bit = 0
			r.pos++
		}
	}
	return val, nil
}

// Align skips to the next byte boundary.
func (r *bitReader) Align() {
	if r.bit != 0 {
		r.bit = 0
		r.pos++
	}
}
