package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/wudi/pdfcore/document"
	"github.com/wudi/pdfcore/layout"
	"github.com/wudi/pdfcore/observability"
)

var paperSizes = map[string]layout.PaperSize{
	"a4":     layout.A4,
	"a5":     layout.A5,
	"letter": layout.Letter,
	"legal":  layout.Legal,
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: go run ./cmd/render [flags] <input.md|input.html> <output.pdf>\n")
		flag.PrintDefaults()
	}
	paper := flag.String("paper", "a4", "Paper size: a4, a5, letter or legal")
	size := flag.Float64("size", 12, "Body font size in points")
	format := flag.String("format", "", "Input format, markdown or html; guessed from the extension when empty")
	verbose := flag.Bool("v", false, "Log debug output")
	flag.Parse()
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}
	ps, ok := paperSizes[strings.ToLower(*paper)]
	if !ok {
		fmt.Fprintf(os.Stderr, "render: unknown paper size %q\n", *paper)
		os.Exit(2)
	}
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := observability.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(context.Background(), flag.Arg(0), flag.Arg(1), *format, log,
		layout.WithPaperSize(ps), layout.WithFontSize(*size), layout.WithCompression(true), layout.WithLogger(log)); err != nil {
		fmt.Fprintf(os.Stderr, "render: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, in, out, format string, log observability.Logger, opts ...layout.Option) error {
	src, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	if format == "" {
		switch strings.ToLower(filepath.Ext(in)) {
		case ".html", ".htm":
			format = "html"
		default:
			format = "markdown"
		}
	}

	doc := document.New(document.OpenOptions{Logger: log})
	h := doc.NewHolder()
	if err := doc.Lock(h); err != nil {
		return err
	}
	defer doc.Unlock(h)

	e := layout.NewEngine(doc, h, opts...)
	switch format {
	case "html":
		err = e.RenderHTML(ctx, string(src))
	case "markdown", "md":
		err = e.RenderMarkdown(ctx, string(src))
	default:
		return fmt.Errorf("unknown format %q", format)
	}
	if err != nil {
		return err
	}
	log.Info("rendered", observability.String("input", in), observability.Int("pages", len(e.Pages())))
	return doc.SaveFile(ctx, h, out, document.SaveOptions{Compress: true})
}
