package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/wudi/pdfcore/document"
	"github.com/wudi/pdfcore/observability"
	"github.com/wudi/pdfcore/optimize"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: go run ./cmd/optimize [flags] <input.pdf> <output.pdf>\n")
		flag.PrintDefaults()
	}
	merge := flag.Bool("merge", true, "Merge identical objects")
	recompress := flag.Bool("recompress", true, "Re-encode ASCII, LZW and run-length streams as Flate")
	ppi := flag.Float64("ppi", 0, "Downsample images drawn above this many pixels per inch; 0 keeps image sizes")
	quality := flag.Int("quality", 0, "JPEG quality for downsampled images; 0 stores them losslessly")
	prune := flag.Bool("prune", true, "Drop unreachable objects when saving")
	password := flag.String("password", "", "Password of an encrypted input")
	verbose := flag.Bool("v", false, "Log debug output")
	flag.Parse()
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := observability.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	opts := optimize.Options{
		MergeDuplicates:   *merge,
		RecompressStreams: *recompress,
		MaxImagePPI:       *ppi,
		ImageQuality:      *quality,
		Logger:            log,
	}
	if err := run(context.Background(), flag.Arg(0), flag.Arg(1), *password, *prune, opts, log); err != nil {
		fmt.Fprintf(os.Stderr, "optimize: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, in, out, password string, prune bool, opts optimize.Options, log observability.Logger) error {
	doc, err := document.Open(ctx, in, document.OpenOptions{Password: password, Logger: log})
	if err != nil {
		return err
	}
	h := doc.NewHolder()
	if err := doc.Lock(h); err != nil {
		return err
	}
	defer doc.Unlock(h)

	rep, err := optimize.Run(ctx, h, doc, opts)
	if err != nil {
		return err
	}
	if err := doc.SaveFile(ctx, h, out, document.SaveOptions{RemoveUnused: prune, Compress: true, XRefStreams: true}); err != nil {
		return err
	}
	before, _ := os.Stat(in)
	after, _ := os.Stat(out)
	if before != nil && after != nil {
		log.Info("written",
			observability.String("output", out),
			observability.Int("merged", rep.ObjectsMerged),
			observability.Int64("before", before.Size()),
			observability.Int64("after", after.Size()))
	}
	return nil
}
