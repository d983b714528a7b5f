package filters

import "github.com/wudi/pdfcore/ir/raw"

// ExtractFilters reads Filter and DecodeParms entries from a stream
// dictionary. resolve follows indirect references and may be nil.
func ExtractFilters(dict raw.Dictionary, resolve func(raw.Object) raw.Object) ([]string, []raw.Dictionary) {
	if resolve == nil {
		resolve = func(o raw.Object) raw.Object { return o }
	}
	var names []string
	var params []raw.Dictionary
	if dict == nil {
		return names, params
	}

	filterObj, ok := dict.Get("Filter")
	if !ok {
		return names, params
	}
	switch f := resolve(filterObj).(type) {
	case raw.NameObj:
		names = append(names, f.Val)
	case *raw.ArrayObj:
		for _, item := range f.Items {
			if n, ok := resolve(item).(raw.NameObj); ok {
				names = append(names, n.Val)
			}
		}
	}
	if len(names) == 0 {
		return names, params
	}

	if pObj, ok := dict.Get("DecodeParms"); ok {
		switch p := resolve(pObj).(type) {
		case *raw.DictObj:
			params = append(params, p)
		case *raw.ArrayObj:
			for _, item := range p.Items {
				d, _ := resolve(item).(*raw.DictObj)
				if d == nil {
					params = append(params, nil)
					continue
				}
				params = append(params, d)
			}
		}
	}
	return names, params
}
