package raw

// Lookup helpers used across the parser, writer and content packages. None
// of them follow indirect references; callers resolve through Document.

// DictName returns the name stored under key, or "".
func DictName(d Dictionary, key string) string {
	if d == nil {
		return ""
	}
	if v, ok := d.Get(key); ok {
		if n, ok := v.(NameObj); ok {
			return n.Val
		}
	}
	return ""
}

// DictInt returns the integer stored under key.
func DictInt(d Dictionary, key string) (int64, bool) {
	if d == nil {
		return 0, false
	}
	if v, ok := d.Get(key); ok {
		if n, ok := v.(NumberObj); ok {
			return n.Int(), true
		}
	}
	return 0, false
}

// DictFloat returns the number stored under key as a float.
func DictFloat(d Dictionary, key string) (float64, bool) {
	if d == nil {
		return 0, false
	}
	if v, ok := d.Get(key); ok {
		if n, ok := v.(NumberObj); ok {
			return n.Float(), true
		}
	}
	return 0, false
}

// DictBytes returns the string payload stored under key.
func DictBytes(d Dictionary, key string) ([]byte, bool) {
	if d == nil {
		return nil, false
	}
	if v, ok := d.Get(key); ok {
		if s, ok := v.(StringObj); ok {
			return s.Bytes, true
		}
	}
	return nil, false
}

// DictBool returns the boolean stored under key.
func DictBool(d Dictionary, key string) (bool, bool) {
	if d == nil {
		return false, false
	}
	if v, ok := d.Get(key); ok {
		if b, ok := v.(BoolObj); ok {
			return b.V, true
		}
	}
	return false, false
}

// Float converts a number object to float64.
func Float(o Object) (float64, bool) {
	if n, ok := o.(Numeric); ok {
		return n.Float(), true
	}
	return 0, false
}

// Floats converts an array of numbers. Non-numeric items fail the conversion.
func Floats(o Object) ([]float64, bool) {
	arr, ok := o.(*ArrayObj)
	if !ok {
		return nil, false
	}
	out := make([]float64, len(arr.Items))
	for i, it := range arr.Items {
		f, ok := Float(it)
		if !ok {
			return nil, false
		}
		out[i] = f
	}
	return out, true
}

// SameObject reports whether a and b denote the same PDF object: equal
// references, or structurally equal direct objects.
func SameObject(a, b Object) bool {
	switch av := a.(type) {
	case RefObj:
		bv, ok := b.(RefObj)
		return ok && av.R == bv.R
	case NameObj:
		bv, ok := b.(NameObj)
		return ok && av.Val == bv.Val
	case NumberObj:
		bv, ok := b.(NumberObj)
		return ok && av.Float() == bv.Float()
	case BoolObj:
		bv, ok := b.(BoolObj)
		return ok && av.V == bv.V
	case NullObj:
		_, ok := b.(NullObj)
		return ok
	case StringObj:
		bv, ok := b.(StringObj)
		return ok && string(av.Bytes) == string(bv.Bytes)
	case *ArrayObj:
		bv, ok := b.(*ArrayObj)
		if !ok || len(av.Items) != len(bv.Items) {
			return false
		}
		for i := range av.Items {
			if !SameObject(av.Items[i], bv.Items[i]) {
				return false
			}
		}
		return true
	case *DictObj:
		bv, ok := b.(*DictObj)
		if !ok || av.Len() != bv.Len() {
			return false
		}
		for k, v := range av.KV {
			other, ok := bv.KV[k]
			if !ok || !SameObject(v, other) {
				return false
			}
		}
		return true
	case *StreamObj:
		bv, ok := b.(*StreamObj)
		return ok && av == bv
	}
	return false
}
