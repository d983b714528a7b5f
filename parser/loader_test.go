package parser

import (
	"bytes"
	"context"
	"testing"

	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/xref"
)

type mapCache struct {
	m    map[raw.ObjectRef]raw.Object
	hits int
}

func (c *mapCache) Get(ref raw.ObjectRef) (raw.Object, bool) {
	v, ok := c.m[ref]
	if ok {
		c.hits++
	}
	return v, ok
}

func (c *mapCache) Put(ref raw.ObjectRef, obj raw.Object) {
	if c.m == nil {
		c.m = make(map[raw.ObjectRef]raw.Object)
	}
	c.m[ref] = obj
}

func newTestLoader(t *testing.T, data []byte, cache Cache) ObjectLoader {
	t.Helper()
	reader := bytes.NewReader(data)
	table, err := xref.NewResolver(xref.ResolverConfig{}).Resolve(context.Background(), reader)
	if err != nil {
		t.Fatalf("resolve xref: %v", err)
	}
	loader, err := (&ObjectLoaderBuilder{maxDepth: 5}).
		WithReader(reader).
		WithXRef(table).
		WithCache(cache).
		Build()
	if err != nil {
		t.Fatalf("build loader: %v", err)
	}
	return loader
}

func TestObjectLoaderCachesObjects(t *testing.T) {
	cache := &mapCache{}
	loader := newTestLoader(t, buildClassicPDF(), cache)
	ref := raw.ObjectRef{Num: 1}

	first, err := loader.Load(context.Background(), ref)
	if err != nil {
		t.Fatalf("load object: %v", err)
	}
	if _, ok := cache.m[ref]; !ok {
		t.Fatalf("expected object cached after load")
	}
	second, err := loader.Load(context.Background(), ref)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if cache.hits != 1 || first != second {
		t.Fatalf("second load should come from the cache (hits=%d)", cache.hits)
	}
}

func TestObjectLoaderDepthLimit(t *testing.T) {
	loader := newTestLoader(t, buildClassicPDF(), nil)
	if _, err := loader.LoadIndirect(context.Background(), raw.ObjectRef{Num: 1}, 6); err == nil {
		t.Fatalf("expected depth limit error")
	}
	if _, err := loader.LoadIndirect(context.Background(), raw.ObjectRef{Num: 1}, 5); err != nil {
		t.Fatalf("load within depth: %v", err)
	}
}

func TestObjectLoaderMissingObject(t *testing.T) {
	loader := newTestLoader(t, buildClassicPDF(), nil)
	if _, err := loader.Load(context.Background(), raw.ObjectRef{Num: 42}); err == nil {
		t.Fatalf("expected error for unknown object")
	}
}

func TestCryptFilterForStream(t *testing.T) {
	d := raw.Dict()
	d.Set("Filter", raw.NewArray(raw.NameLiteral("Crypt"), raw.NameLiteral("FlateDecode")))
	parms := raw.Dict()
	parms.Set("Name", raw.NameLiteral("Identity"))
	d.Set("DecodeParms", raw.NewArray(parms, raw.NullObj{}))
	name, ok := cryptFilterForStream(d)
	if !ok || name != "Identity" {
		t.Fatalf("got %q %v", name, ok)
	}
	if _, ok := cryptFilterForStream(raw.Dict()); ok {
		t.Fatalf("no filter must not report a crypt filter")
	}
}
