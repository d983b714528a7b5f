package recovery_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/wudi/pdfcore/parser"
	"github.com/wudi/pdfcore/recovery"
)

// brokenPDF returns a file whose catalog dictionary is missing ">>". The
// xref offsets are correct so the problem surfaces while loading object 1.
func brokenPDF() []byte {
	objs := []string{
		"<< /Type /Catalog /Pages 2 0 R\n",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /MediaBox [0 0 612 792] /Parent 2 0 R /Resources << >> /Contents 4 0 R >>",
		"<< /Length 26 >>\nstream\nBT /F1 12 Tf (Hello) Tj ET\nendstream",
	}
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.7\n")
	offsets := make([]int, len(objs))
	for i, body := range objs {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)
	return buf.Bytes()
}

func TestRecoveryStrategies(t *testing.T) {
	data := brokenPDF()

	t.Run("StrictStrategy", func(t *testing.T) {
		cfg := parser.Config{Recovery: recovery.NewStrictStrategy()}
		_, err := parser.NewDocumentParser(cfg).Parse(context.Background(), bytes.NewReader(data))
		if err == nil {
			t.Fatal("expected error with StrictStrategy, got nil")
		}
	})

	t.Run("LenientStrategy", func(t *testing.T) {
		rec := recovery.NewLenientStrategy()
		cfg := parser.Config{Recovery: rec}
		doc, err := parser.NewDocumentParser(cfg).Parse(context.Background(), bytes.NewReader(data))
		if err != nil {
			t.Fatalf("expected success with LenientStrategy, got error: %v", err)
		}
		if len(doc.Objects) != 4 {
			t.Fatalf("expected 4 objects, got %d", len(doc.Objects))
		}
		if len(rec.Errors()) == 0 {
			t.Fatal("expected the lenient strategy to record the missing >>")
		}
	})
}

func TestLenientStrategyWrapsCause(t *testing.T) {
	rec := recovery.NewLenientStrategy()
	cause := errors.New("boom")
	if got := rec.OnError(nil, cause, recovery.Location{Component: "xref", ByteOffset: 12}); got != recovery.ActionFix {
		t.Fatalf("action = %v, want fix", got)
	}
	errs := rec.Errors()
	if len(errs) != 1 || !errors.Is(errs[0], cause) {
		t.Fatalf("errors = %v", errs)
	}
}

func TestActionString(t *testing.T) {
	for a, want := range map[recovery.Action]string{
		recovery.ActionFail: "fail",
		recovery.ActionSkip: "skip",
		recovery.ActionFix:  "fix",
		recovery.ActionWarn: "warn",
	} {
		if a.String() != want {
			t.Errorf("%d.String() = %q, want %q", a, a.String(), want)
		}
	}
}
