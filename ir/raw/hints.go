package raw

// HintTable is the decoded content of a linearization hint stream.
type HintTable struct {
	// FirstPageOffset is the byte offset of the first page's page object.
	FirstPageOffset int64
	Pages           []PageOffsetHint
	// SharedFirstObj is the object number of the first shared object.
	SharedFirstObj    int
	SharedFirstOffset int64
	// SharedFirstPage counts the shared table entries that belong to the
	// first page section.
	SharedFirstPage int
	SharedObjects   []SharedObjectHint
}

// PageOffsetHint describes one page of a linearized file.
type PageOffsetHint struct {
	Objects       int
	Length        int64
	SharedRefs    []int
	ContentOffset int64
	ContentLength int64
}

type SharedObjectHint struct {
	Length  int64
	Objects int
}
