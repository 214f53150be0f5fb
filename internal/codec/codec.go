// Package codec implements the compression backend executed inside a
// worker: decode the input image, apply dimension caps, encode to the
// negotiated format honouring quality and target size.
package codec

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"squish/internal/task"
	"squish/internal/worker"
)

// minQuality is the floor for the target-size quality search; below this
// JPEG artifacts defeat the point of keeping the image.
const minQuality = 5

// NewExecutor returns the production executor backed by the imaging
// library. Importing imaging registers decoders for JPEG, PNG, GIF, TIFF
// and BMP.
func NewExecutor(logger zerolog.Logger) worker.Executor {
	return func(ctx context.Context, name string, input []byte, opts task.Options, report worker.ProgressFunc) (*worker.Result, error) {
		return compress(ctx, logger, name, input, opts, report)
	}
}

func compress(ctx context.Context, logger zerolog.Logger, name string, input []byte, opts task.Options, report worker.ProgressFunc) (*worker.Result, error) {
	report(task.StageDecode, 0)

	src, srcFormat, err := image.Decode(bytes.NewReader(input))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	report(task.StageDecode, 20)

	img := fitToCaps(src, opts)
	format := negotiateFormat(opts, srcFormat, img)

	if opts.PreserveMetadata {
		// Re-encoding does not carry EXIF/ICC payloads through; the policy
		// is surfaced so callers know the output is stripped.
		logger.Debug().Str("task", name).Msg("metadata preservation requested but re-encode strips metadata")
	}

	report(task.StageCompress, 30)
	var out []byte
	if format == task.FormatJPEG {
		out, err = encodeJPEG(ctx, img, opts, report)
	} else {
		out, err = encode(img, format)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s as %s: %w", name, format, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report(task.StageOutput, 95)
	return &worker.Result{
		Output:     out,
		MIMEType:   "image/" + string(format),
		FormatHint: string(format),
	}, nil
}

// fitToCaps downscales the image to fit within the configured dimension
// caps, never upscaling.
func fitToCaps(src image.Image, opts task.Options) image.Image {
	if opts.MaxWidth == nil && opts.MaxHeight == nil {
		return src
	}

	bounds := src.Bounds()
	maxW, maxH := bounds.Dx(), bounds.Dy()
	if opts.MaxWidth != nil && *opts.MaxWidth < maxW {
		maxW = *opts.MaxWidth
	}
	if opts.MaxHeight != nil && *opts.MaxHeight < maxH {
		maxH = *opts.MaxHeight
	}
	if maxW == bounds.Dx() && maxH == bounds.Dy() {
		return src
	}
	return imaging.Fit(src, maxW, maxH, imaging.Lanczos)
}

// negotiateFormat resolves FormatAuto: lossless keeps a losslessly
// re-encodable source format (falling back to PNG), lossy prefers JPEG for
// opaque images and PNG when alpha must survive.
func negotiateFormat(opts task.Options, srcFormat string, img image.Image) task.Format {
	if opts.TargetFormat != task.FormatAuto {
		return opts.TargetFormat
	}
	if opts.Mode == task.ModeLossless {
		switch srcFormat {
		case "png", "gif", "bmp", "tiff":
			return task.Format(srcFormat)
		}
		return task.FormatPNG
	}
	if isOpaque(img) {
		return task.FormatJPEG
	}
	return task.FormatPNG
}

func isOpaque(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return o.Opaque()
	}
	return true
}

// encodeJPEG encodes at the requested quality, or runs a bounded binary
// search over quality when a target size is set, keeping the highest
// quality that fits. If even the floor quality overshoots, the floor result
// is returned as best effort.
func encodeJPEG(ctx context.Context, img image.Image, opts task.Options, report worker.ProgressFunc) ([]byte, error) {
	quality := opts.Quality
	if quality < 1 {
		quality = 1
	}
	if opts.Mode == task.ModeLossless {
		quality = 100
	}

	if opts.TargetSizeKB == nil {
		return encode(img, task.FormatJPEG, imaging.JPEGQuality(quality))
	}

	targetBytes := *opts.TargetSizeKB * 1024
	lo, hi := minQuality, quality
	if hi < lo {
		hi = lo
	}

	var best []byte
	pct := 35
	for lo <= hi {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q := (lo + hi) / 2
		out, err := encode(img, task.FormatJPEG, imaging.JPEGQuality(q))
		if err != nil {
			return nil, err
		}
		if len(out) <= targetBytes {
			best = out
			lo = q + 1
		} else {
			hi = q - 1
		}
		report(task.StageCompress, pct)
		if pct < 85 {
			pct += 8
		}
	}
	if best == nil {
		return encode(img, task.FormatJPEG, imaging.JPEGQuality(minQuality))
	}
	return best, nil
}

func encode(img image.Image, format task.Format, encodeOpts ...imaging.EncodeOption) ([]byte, error) {
	f, err := imagingFormat(format)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, f, encodeOpts...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func imagingFormat(format task.Format) (imaging.Format, error) {
	switch format {
	case task.FormatJPEG:
		return imaging.JPEG, nil
	case task.FormatPNG:
		return imaging.PNG, nil
	case task.FormatGIF:
		return imaging.GIF, nil
	case task.FormatTIFF:
		return imaging.TIFF, nil
	case task.FormatBMP:
		return imaging.BMP, nil
	default:
		return 0, fmt.Errorf("unsupported output format %q", format)
	}
}
