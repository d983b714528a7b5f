// Package optimize shrinks a document in place: identical objects are
// merged, weakly filtered streams are recompressed and oversized images
// are resampled to the resolution they are drawn at.
package optimize

import (
	"context"
	"fmt"

	"github.com/wudi/pdfcore/document"
	"github.com/wudi/pdfcore/guard"
	"github.com/wudi/pdfcore/observability"
	"github.com/wudi/pdfcore/pdferr"
)

// Options select the passes Run performs.
type Options struct {
	// MergeDuplicates replaces identical indirect objects with a single
	// copy and points every reference at it.
	MergeDuplicates bool
	// RecompressStreams re-encodes streams filtered only with ASCII,
	// run-length or LZW filters as Flate.
	RecompressStreams bool
	// MaxImagePPI downsamples images drawn at more pixels per inch than
	// this, measured at their largest use. Zero leaves sizes alone.
	MaxImagePPI float64
	// ImageQuality is the JPEG quality for resampled images. Zero stores
	// them losslessly with Flate.
	ImageQuality int

	Logger observability.Logger
}

// Report counts what Run changed.
type Report struct {
	ObjectsMerged     int
	StreamsCompressed int
	ImagesResampled   int
	BytesSaved        int64
}

type optimizer struct {
	opts Options
	log  observability.Logger
	doc  *document.Document
	h    *guard.Holder
}

// Run applies the passes selected by opts to doc. h must hold the write
// lock. The document is left consistent after a failed pass, but earlier
// passes are not undone.
func Run(ctx context.Context, h *guard.Holder, doc *document.Document, opts Options) (Report, error) {
	if !doc.Guard().HoldsWrite(h) {
		return Report{}, pdferr.State("optimize", pdferr.ErrNotLocked)
	}
	if locked, err := doc.Locked(h); err != nil {
		return Report{}, err
	} else if locked {
		return Report{}, &pdferr.EncryptionError{Op: "optimize", Err: pdferr.ErrLocked}
	}
	o := &optimizer{opts: opts, log: observability.OrDefault(opts.Logger), doc: doc, h: h}
	var rep Report

	// Images go first so the merge pass sees the resampled streams.
	if opts.MaxImagePPI > 0 {
		if err := o.resampleImages(ctx, &rep); err != nil {
			return rep, fmt.Errorf("resample images: %w", err)
		}
	}
	if opts.RecompressStreams {
		if err := o.recompressStreams(ctx, &rep); err != nil {
			return rep, fmt.Errorf("recompress streams: %w", err)
		}
	}
	if opts.MergeDuplicates {
		if err := o.mergeDuplicates(ctx, &rep); err != nil {
			return rep, fmt.Errorf("merge duplicates: %w", err)
		}
	}
	o.log.Info("optimized",
		observability.Int("merged", rep.ObjectsMerged),
		observability.Int("recompressed", rep.StreamsCompressed),
		observability.Int("resampled", rep.ImagesResampled),
		observability.Int64("saved", rep.BytesSaved))
	return rep, nil
}
