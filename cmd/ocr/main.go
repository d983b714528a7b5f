package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"strings"

	_ "golang.org/x/image/tiff"

	"github.com/wudi/pdfcore/document"
	"github.com/wudi/pdfcore/guard"
	"github.com/wudi/pdfcore/modules"
	"github.com/wudi/pdfcore/observability"
	"github.com/wudi/pdfcore/ocr"
	_ "github.com/wudi/pdfcore/ocr/tesseract"
)

type options struct {
	input     string
	output    string
	password  string
	languages []string
	results   string
	apply     string
	images    []string
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ocr: %v\n", err)
		os.Exit(2)
	}
	log := observability.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err := run(context.Background(), opts, log); err != nil {
		fmt.Fprintf(os.Stderr, "ocr: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var opts options
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: go run ./cmd/ocr [flags] <input.pdf|-> <output.pdf>\n")
		flag.PrintDefaults()
	}
	lang := flag.String("lang", "eng", "Comma separated recognition languages")
	password := flag.String("password", "", "Password to open encrypted PDFs")
	results := flag.String("results", "", "Write the words recognized on the input pages as JSON to this file")
	apply := flag.String("apply", "", "Apply previously stored JSON results instead of recognizing")
	images := flag.String("images", "", "Comma separated images to append as searchable pages")
	resources := flag.String("resources", "", "Resource search path, like PATH")
	flag.Parse()
	if flag.NArg() != 2 {
		flag.Usage()
		return options{}, fmt.Errorf("need input and output")
	}
	modules.Initialize(modules.Config{SearchPath: splitList(*resources, string(os.PathListSeparator))})
	opts.input, opts.output = flag.Arg(0), flag.Arg(1)
	opts.password = *password
	opts.languages = splitList(*lang, ",")
	opts.results, opts.apply = *results, *apply
	opts.images = splitList(*images, ",")
	return opts, nil
}

func splitList(s, sep string) []string {
	var out []string
	for _, v := range strings.Split(s, sep) {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func run(ctx context.Context, opts options, log observability.Logger) error {
	var (
		doc *document.Document
		err error
	)
	if opts.input == "-" {
		doc = document.New(document.OpenOptions{Logger: log})
	} else if doc, err = document.Open(ctx, opts.input, document.OpenOptions{Password: opts.password, Logger: log}); err != nil {
		return err
	}
	h := doc.NewHolder()
	if err := doc.Lock(h); err != nil {
		return err
	}
	defer doc.Unlock(h)

	var engine ocr.Engine
	if opts.apply != "" {
		// Apply does not recognize, so skip the engine lookup.
		engine = noEngine{}
	}
	p, err := ocr.NewProcessor(ocr.Options{Engine: engine, Languages: opts.languages, Compress: true, Logger: log})
	if err != nil {
		return err
	}

	if opts.apply != "" {
		data, err := os.ReadFile(opts.apply)
		if err != nil {
			return err
		}
		var results []ocr.PageResult
		if err := json.Unmarshal(data, &results); err != nil {
			return fmt.Errorf("read %s: %w", opts.apply, err)
		}
		if err := p.Apply(ctx, h, doc, results); err != nil {
			return err
		}
		return doc.SaveFile(ctx, h, opts.output, document.SaveOptions{Compress: true})
	}

	results, err := p.Recognize(ctx, h, doc)
	if err != nil {
		return err
	}
	if opts.results != "" {
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(opts.results, data, 0o644); err != nil {
			return err
		}
	}
	if err := p.Apply(ctx, h, doc, results); err != nil {
		return err
	}
	if err := appendImages(ctx, h, doc, p, opts.images); err != nil {
		return err
	}
	return doc.SaveFile(ctx, h, opts.output, document.SaveOptions{Compress: true})
}

// appendImages adds one searchable page per image file. The JSON results
// cover the input pages only.
func appendImages(ctx context.Context, h *guard.Holder, doc *document.Document, p *ocr.Processor, paths []string) error {
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		img, _, err := image.Decode(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		if _, err := p.ImageToPage(ctx, h, doc, img); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

type noEngine struct{}

func (noEngine) Name() string { return "none" }

func (noEngine) Recognize(context.Context, ocr.Input) (ocr.Result, error) {
	return ocr.Result{}, fmt.Errorf("no recognition when applying stored results")
}
