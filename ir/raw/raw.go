package raw

import (
	"fmt"
	"sort"
)

// ObjectRef uniquely identifies an indirect PDF object.
type ObjectRef struct {
	Num int
	Gen int
}

func (r ObjectRef) String() string { return fmt.Sprintf("%d %d R", r.Num, r.Gen) }

// Object is the base interface for all raw PDF objects.
type Object interface {
	Type() string
	IsIndirect() bool
}

// Dictionary represents a PDF dictionary object.
type Dictionary interface {
	Object
	Get(key string) (Object, bool)
	Set(key string, value Object)
	Delete(key string)
	Keys() []string
	Len() int
}

// Array represents a PDF array object.
type Array interface {
	Object
	Get(index int) (Object, bool)
	Len() int
	Append(obj Object)
}

// Stream represents a raw (still encoded) PDF stream.
type Stream interface {
	Object
	Dictionary() Dictionary
	RawData() []byte
	Length() int64
}

// Name represents a PDF name object.
type Name interface {
	Object
	Value() string
}

// String represents a PDF string (literal or hex).
type String interface {
	Object
	Value() []byte
	IsHex() bool
}

// Numeric represents a PDF numeric value.
type Numeric interface {
	Object
	Int() int64
	Float() float64
	IsInteger() bool
}

// Boolean represents a PDF boolean.
type Boolean interface {
	Object
	Value() bool
}

// Null represents the PDF null object.
type Null interface{ Object }

// Reference represents an indirect object reference.
type Reference interface {
	Object
	Ref() ObjectRef
}

// DocumentMetadata contains the common /Info fields.
type DocumentMetadata struct {
	Producer string
	Creator  string
	Title    string
	Author   string
	Subject  string
	Keywords string
}

// Permissions describes allowed actions expressed in the parsed document.
type Permissions struct {
	Print, Modify, Copy, ModifyAnnotations, FillForms, ExtractAccessible, Assemble, PrintHighQuality bool
}

// AllPermissions grants every action.
func AllPermissions() Permissions {
	return Permissions{true, true, true, true, true, true, true, true}
}

// Document is the root container for raw PDF objects.
type Document struct {
	Objects           map[ObjectRef]Object
	Trailer           *DictObj
	Version           string // e.g., "1.7"
	Metadata          DocumentMetadata
	Permissions       Permissions
	MetadataEncrypted bool
	Encrypted         bool
	Linearized        bool
}

// NewDocument returns an empty document with an initialized object table.
func NewDocument() *Document {
	return &Document{
		Objects:     make(map[ObjectRef]Object),
		Trailer:     Dict(),
		Version:     "1.7",
		Permissions: AllPermissions(),
	}
}

// Resolve follows indirect references until a direct object is reached.
// Dangling references resolve to NullObj.
func (d *Document) Resolve(obj Object) Object {
	for i := 0; i < 32; i++ {
		ref, ok := obj.(RefObj)
		if !ok {
			return obj
		}
		target, ok := d.Objects[ref.R]
		if !ok {
			return NullObj{}
		}
		obj = target
	}
	return NullObj{}
}

// MaxObjectNumber returns the highest object number in use.
func (d *Document) MaxObjectNumber() int {
	max := 0
	for ref := range d.Objects {
		if ref.Num > max {
			max = ref.Num
		}
	}
	return max
}

// SortedRefs returns the object references in ascending order.
func (d *Document) SortedRefs() []ObjectRef {
	refs := make([]ObjectRef, 0, len(d.Objects))
	for ref := range d.Objects {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Num == refs[j].Num {
			return refs[i].Gen < refs[j].Gen
		}
		return refs[i].Num < refs[j].Num
	})
	return refs
}
