package task

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Mode selects the compression strategy for a task.
type Mode string

const (
	ModeLossy    Mode = "lossy"
	ModeLossless Mode = "lossless"
)

// Format identifies an output image format.
type Format string

const (
	FormatAuto Format = "auto"
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatGIF  Format = "gif"
	FormatTIFF Format = "tiff"
	FormatBMP  Format = "bmp"
)

// ErrInvalidOptions wraps field-level validation failures.
var ErrInvalidOptions = errors.New("invalid options")

var validate = validator.New()

// Options describes how a single task should be encoded. Pure data; each
// task holds its own snapshot so per-task overrides never affect neighbours.
type Options struct {
	Mode             Mode   `toml:"mode"              validate:"oneof=lossy lossless"`
	Quality          int    `toml:"quality"           validate:"min=0,max=100"`
	TargetSizeKB     *int   `toml:"target_size_kb"    validate:"omitempty,gt=0"`
	MaxWidth         *int   `toml:"max_width"         validate:"omitempty,gt=0"`
	MaxHeight        *int   `toml:"max_height"        validate:"omitempty,gt=0"`
	TargetFormat     Format `toml:"target_format"     validate:"oneof=auto jpeg png gif tiff bmp"`
	PreserveMetadata bool   `toml:"preserve_metadata"`
}

// DefaultOptions returns the baseline encoding configuration.
func DefaultOptions() Options {
	return Options{
		Mode:         ModeLossy,
		Quality:      80,
		TargetFormat: FormatAuto,
	}
}

// Normalize validates the options and resolves declared conflicts. A target
// size only makes sense for lossy encoding, so lossless mode combined with a
// target size is auto-corrected to lossy; the correction is reported back as
// an adjustment rather than applied silently. Range violations are rejected.
func (o *Options) Normalize() ([]string, error) {
	if err := validate.Struct(o); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}

	var adjustments []string
	if o.TargetSizeKB != nil && o.Mode == ModeLossless {
		o.Mode = ModeLossy
		adjustments = append(adjustments,
			fmt.Sprintf("target size %d KB requires lossy mode; mode switched to lossy", *o.TargetSizeKB))
	}
	return adjustments, nil
}

// Patch carries a partial options update; nil fields are left untouched.
type Patch struct {
	Mode             *Mode
	Quality          *int
	TargetSizeKB     *int
	MaxWidth         *int
	MaxHeight        *int
	TargetFormat     *Format
	PreserveMetadata *bool
}

// Apply merges the patch into the options.
func (o *Options) Apply(p Patch) {
	if p.Mode != nil {
		o.Mode = *p.Mode
	}
	if p.Quality != nil {
		o.Quality = *p.Quality
	}
	if p.TargetSizeKB != nil {
		o.TargetSizeKB = p.TargetSizeKB
	}
	if p.MaxWidth != nil {
		o.MaxWidth = p.MaxWidth
	}
	if p.MaxHeight != nil {
		o.MaxHeight = p.MaxHeight
	}
	if p.TargetFormat != nil {
		o.TargetFormat = *p.TargetFormat
	}
	if p.PreserveMetadata != nil {
		o.PreserveMetadata = *p.PreserveMetadata
	}
}
