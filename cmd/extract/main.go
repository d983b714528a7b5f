package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding/charmap"

	"github.com/wudi/pdfcore/contentstream"
	"github.com/wudi/pdfcore/coords"
	"github.com/wudi/pdfcore/document"
	"github.com/wudi/pdfcore/guard"
	"github.com/wudi/pdfcore/ir/raw"
)

type featureSelection struct {
	Text     bool
	Images   bool
	Metadata bool
}

type options struct {
	pdfPath  string
	password string
	features featureSelection
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "extract: %v\n", err)
		os.Exit(2)
	}
	if err := run(context.Background(), opts); err != nil {
		fmt.Fprintf(os.Stderr, "extract: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var opts options
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: go run ./cmd/extract [flags] <pdf>\n")
		flag.PrintDefaults()
	}
	text := flag.Bool("text", false, "Extract text per page")
	images := flag.Bool("images", false, "List image XObjects per page")
	metadata := flag.Bool("metadata", false, "Dump document metadata")
	password := flag.String("password", "", "Password to open encrypted PDFs")
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return options{}, fmt.Errorf("missing pdf path")
	}
	opts.pdfPath = flag.Arg(0)
	opts.password = *password
	opts.features = featureSelection{Text: *text, Images: *images, Metadata: *metadata}
	if opts.features == (featureSelection{}) {
		opts.features = featureSelection{Text: true, Images: true, Metadata: true}
	}
	return opts, nil
}

type metadataReport struct {
	Version     string               `json:"version"`
	Encrypted   bool                 `json:"encrypted"`
	Pages       int                  `json:"pages"`
	Info        raw.DocumentMetadata `json:"info"`
	Permissions *raw.Permissions     `json:"permissions,omitempty"`
}

type pageText struct {
	Page int    `json:"page"`
	Text string `json:"text"`
}

type imageInfo struct {
	Page         int         `json:"page"`
	ResourceName string      `json:"resource"`
	Width        int64       `json:"width"`
	Height       int64       `json:"height"`
	Bits         int64       `json:"bitsPerComponent"`
	Placement    coords.Rect `json:"placement"`
}

func run(ctx context.Context, opts options) error {
	doc, err := document.Open(ctx, opts.pdfPath, document.OpenOptions{Password: opts.password})
	if err != nil {
		return fmt.Errorf("open pdf: %w", err)
	}
	h := doc.NewHolder()
	if err := doc.LockRead(h); err != nil {
		return err
	}
	defer doc.UnlockRead(h)

	if locked, _ := doc.Locked(h); locked {
		return fmt.Errorf("document is encrypted; pass -password")
	}
	pages, err := doc.Pages(h)
	if err != nil {
		return fmt.Errorf("pages: %w", err)
	}

	if opts.features.Metadata {
		rep := metadataReport{Pages: len(pages)}
		rep.Version, _ = doc.Version(h)
		rep.Encrypted, _ = doc.Encrypted(h)
		rep.Info, _ = doc.Info(h)
		if rep.Encrypted {
			if perms, err := doc.Permissions(h); err == nil {
				rep.Permissions = &perms
			}
		}
		if err := emitSection("metadata", rep); err != nil {
			return err
		}
	}

	if !opts.features.Text && !opts.features.Images {
		return nil
	}
	var texts []pageText
	var images []imageInfo
	for i, p := range pages {
		var b strings.Builder
		err := walkPage(ctx, h, p, func(e contentstream.Element) {
			switch e := e.(type) {
			case *contentstream.Text:
				s, _ := charmap.Windows1252.NewDecoder().String(e.String())
				b.WriteString(s)
			case *contentstream.TextNewLine:
				b.WriteByte('\n')
			case *contentstream.TextEnd:
				b.WriteByte('\n')
			case *contentstream.Image:
				info := imageInfo{Page: i + 1, ResourceName: e.XObject.Name}
				d := e.XObject.Dict()
				info.Width, _ = raw.DictInt(d, "Width")
				info.Height, _ = raw.DictInt(d, "Height")
				info.Bits, _ = raw.DictInt(d, "BitsPerComponent")
				info.Placement = e.GS.CTM.TransformRect(coords.Rect{URX: 1, URY: 1})
				images = append(images, info)
			}
		})
		if err != nil {
			return fmt.Errorf("page %d: %w", i+1, err)
		}
		texts = append(texts, pageText{Page: i + 1, Text: strings.TrimSpace(b.String())})
	}
	if opts.features.Text {
		if err := emitSection("text", texts); err != nil {
			return err
		}
	}
	if opts.features.Images {
		if err := emitSection("images", images); err != nil {
			return err
		}
	}
	return nil
}

// walkPage calls fn for every element of p, including those inside forms.
func walkPage(ctx context.Context, h *guard.Holder, p *document.Page, fn func(contentstream.Element)) error {
	r := contentstream.NewReader(contentstream.ReaderOptions{})
	if err := r.Begin(ctx, h, p); err != nil {
		return err
	}
	defer func() {
		for r.Depth() > 0 {
			r.End()
		}
	}()
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			if r.Depth() <= 1 {
				return nil
			}
			r.End()
			continue
		}
		if err != nil {
			return err
		}
		if _, ok := e.(*contentstream.Form); ok {
			if err := r.FormBegin(); err != nil {
				return err
			}
			continue
		}
		fn(e)
	}
}

func emitSection(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	fmt.Printf("== %s ==\n%s\n\n", name, data)
	return nil
}
