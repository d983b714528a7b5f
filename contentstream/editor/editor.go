// Package editor rewrites page and form content element by element: region
// removal for redaction, text replacement and general per-element edits
// that descend into form XObjects.
package editor

import (
	"context"
	"errors"
	"io"

	"golang.org/x/text/encoding/charmap"

	"github.com/wudi/pdfcore/contentstream"
	"github.com/wudi/pdfcore/coords"
	"github.com/wudi/pdfcore/document"
	"github.com/wudi/pdfcore/guard"
	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/observability"
)

// Options configure an Editor.
type Options struct {
	// Compress flate encodes rewritten streams.
	Compress bool
	Logger   observability.Logger
}

// Editor reads content through a contentstream.Reader and writes the
// result back with a contentstream.Writer in Replace mode. The caller
// holds the write lock.
type Editor struct {
	opts Options
	log  observability.Logger
}

func New(opts Options) *Editor {
	return &Editor{opts: opts, log: observability.OrDefault(opts.Logger)}
}

// EditFunc is called for every element. It returns the element to write,
// which may be e itself or a modified copy, or nil to drop e.
type EditFunc func(c document.Container, e contentstream.Element) contentstream.Element

// Elements returns the top-level elements of c.
func (ed *Editor) Elements(ctx context.Context, h *guard.Holder, c document.Container) ([]contentstream.Element, error) {
	r := contentstream.NewReader(contentstream.ReaderOptions{Logger: ed.opts.Logger})
	if err := r.Begin(ctx, h, c); err != nil {
		return nil, err
	}
	defer r.End()
	var out []contentstream.Element
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
}

func (ed *Editor) write(ctx context.Context, h *guard.Holder, c document.Container, elems []contentstream.Element) error {
	w := contentstream.NewWriter(contentstream.WriterOptions{Compress: ed.opts.Compress, Logger: ed.opts.Logger})
	if err := w.Begin(ctx, h, c, document.Replace); err != nil {
		return err
	}
	for _, e := range elems {
		if err := w.WriteElement(e); err != nil {
			return errors.Join(err, w.End())
		}
	}
	return w.End()
}

// Edit applies fn to every element of c and of every form XObject painted
// from it, directly or through other forms. Each form is edited once even
// when painted several times.
func (ed *Editor) Edit(ctx context.Context, h *guard.Holder, c document.Container, fn EditFunc) error {
	visited := make(map[raw.ObjectRef]bool)
	if f, ok := c.(*document.Form); ok {
		visited[f.Ref()] = true
	}
	return ed.edit(ctx, h, c, fn, visited)
}

func (ed *Editor) edit(ctx context.Context, h *guard.Holder, c document.Container, fn EditFunc, visited map[raw.ObjectRef]bool) error {
	elems, err := ed.Elements(ctx, h, c)
	if err != nil {
		return err
	}
	doc := c.Document()
	changed := false
	out := make([]contentstream.Element, 0, len(elems))
	for _, e := range elems {
		if fe, ok := e.(*contentstream.Form); ok {
			if ref, ok := fe.XObject.Object.(raw.RefObj); ok && !visited[ref.R] {
				visited[ref.R] = true
				form, err := doc.Form(h, ref.R)
				if err != nil {
					return err
				}
				if err := ed.edit(ctx, h, form, fn, visited); err != nil {
					return err
				}
			}
		}
		ne := fn(c, e)
		if ne != e {
			changed = true
		}
		if ne != nil {
			out = append(out, ne)
		}
	}
	if !changed {
		return nil
	}
	return ed.write(ctx, h, c, out)
}

// RemoveRect removes everything on page whose bounds intersect rect, in
// default user space. Removed text is replaced by an empty run of the same
// advance so the rest of its line keeps its position. Clipping survives:
// clip-only paths are kept and a painted path that also clips is reduced
// to its clip. It returns the number of elements removed.
func (ed *Editor) RemoveRect(ctx context.Context, h *guard.Holder, page *document.Page, rect coords.Rect) (int, error) {
	elems, err := ed.Elements(ctx, h, page)
	if err != nil {
		return 0, err
	}
	geo, err := page.Document().PageGeometry(h, page)
	if err != nil {
		return 0, err
	}
	idx := NewIndex(geo.MediaBox)
	for i, e := range elems {
		idx.Add(i, e)
	}
	var hits []int
	for _, i := range idx.Query(rect) {
		if p, ok := elems[i].(*contentstream.Path); ok && !p.Paint.Fill && !p.Paint.Stroke {
			continue
		}
		hits = append(hits, i)
	}
	if len(hits) == 0 {
		return 0, nil
	}
	drop := make(map[int]bool, len(hits))
	for _, i := range hits {
		drop[i] = true
	}
	out := make([]contentstream.Element, 0, len(elems))
	for i, e := range elems {
		if !drop[i] {
			out = append(out, e)
			continue
		}
		switch e := e.(type) {
		case *contentstream.Text:
			if blank := blankRun(e); blank != nil {
				out = append(out, blank)
			}
		case *contentstream.Path:
			if e.Paint.Clip != contentstream.NoClip {
				clip := *e
				clip.Paint = contentstream.Paint{Clip: e.Paint.Clip}
				out = append(out, &clip)
			}
		}
	}
	ed.log.Info("removed content",
		observability.String("page", page.Ref().String()),
		observability.Int("elements", len(hits)))
	return len(hits), ed.write(ctx, h, page, out)
}

// blankRun is a TJ that moves the pen like t without showing anything.
func blankRun(t *contentstream.Text) *contentstream.Text {
	ts := t.GS.Text
	if ts.Size == 0 || ts.HorizontalScale == 0 {
		return nil
	}
	adj := -t.Advance / (ts.Size * ts.HorizontalScale / 100) * 1000
	return &contentstream.Text{
		GS:      t.GS,
		Items:   []contentstream.TextItem{{Adjust: adj, IsAdjust: true}},
		Array:   true,
		Offset:  t.Offset,
		Advance: t.Advance,
	}
}

// ReplaceText replaces text runs on page that read exactly old, decoded
// as WinAnsi, with replacement. It returns the number of runs replaced.
func (ed *Editor) ReplaceText(ctx context.Context, h *guard.Holder, page *document.Page, old, replacement string) (int, error) {
	enc := charmap.Windows1252.NewEncoder()
	want, err := enc.Bytes([]byte(old))
	if err != nil {
		return 0, err
	}
	repl, err := enc.Bytes([]byte(replacement))
	if err != nil {
		return 0, err
	}
	n := 0
	err = ed.Edit(ctx, h, page, func(_ document.Container, e contentstream.Element) contentstream.Element {
		t, ok := e.(*contentstream.Text)
		if !ok || t.String() != string(want) {
			return e
		}
		n++
		cp := *t
		cp.Items = []contentstream.TextItem{{Bytes: repl}}
		cp.Array = false
		return &cp
	})
	return n, err
}
