package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestDefaultOptionsAreValid(t *testing.T) {
	opts := DefaultOptions()
	adjustments, err := opts.Normalize()
	require.NoError(t, err)
	assert.Empty(t, adjustments)
}

func TestNormalizeAutoSwitchesLosslessWithTargetSize(t *testing.T) {
	opts := DefaultOptions()
	opts.Mode = ModeLossless
	opts.TargetSizeKB = intPtr(100)

	adjustments, err := opts.Normalize()
	require.NoError(t, err)

	assert.Equal(t, ModeLossy, opts.Mode, "conflict must be resolved, not ignored")
	require.Len(t, adjustments, 1)
	assert.Contains(t, adjustments[0], "lossy")
}

func TestNormalizeRejectsOutOfRangeValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Options)
	}{
		{"quality above 100", func(o *Options) { o.Quality = 101 }},
		{"negative quality", func(o *Options) { o.Quality = -1 }},
		{"zero target size", func(o *Options) { o.TargetSizeKB = intPtr(0) }},
		{"negative max width", func(o *Options) { o.MaxWidth = intPtr(-10) }},
		{"unknown mode", func(o *Options) { o.Mode = "fast" }},
		{"unknown format", func(o *Options) { o.TargetFormat = "webp2000" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := DefaultOptions()
			tc.mutate(&opts)
			_, err := opts.Normalize()
			require.ErrorIs(t, err, ErrInvalidOptions)
		})
	}
}

func TestPatchAppliesOnlySetFields(t *testing.T) {
	opts := DefaultOptions()
	mode := ModeLossless
	format := FormatPNG
	keep := true

	opts.Apply(Patch{
		Mode:             &mode,
		Quality:          intPtr(42),
		MaxWidth:         intPtr(800),
		TargetFormat:     &format,
		PreserveMetadata: &keep,
	})

	assert.Equal(t, ModeLossless, opts.Mode)
	assert.Equal(t, 42, opts.Quality)
	require.NotNil(t, opts.MaxWidth)
	assert.Equal(t, 800, *opts.MaxWidth)
	assert.Nil(t, opts.MaxHeight)
	assert.Nil(t, opts.TargetSizeKB)
	assert.Equal(t, FormatPNG, opts.TargetFormat)
	assert.True(t, opts.PreserveMetadata)
}

func TestPatchEmptyIsNoop(t *testing.T) {
	opts := DefaultOptions()
	before := opts
	opts.Apply(Patch{})
	assert.Equal(t, before, opts)
}

func TestNewTaskStartsPending(t *testing.T) {
	tk := New("photo.jpg", []byte{1, 2, 3}, DefaultOptions())

	assert.Equal(t, StatusPending, tk.Status)
	assert.Equal(t, int64(3), tk.OriginalSizeBytes)
	assert.NotEqual(t, tk.ID.String(), "00000000-0000-0000-0000-000000000000")
	assert.False(t, tk.Status.Terminal())
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.False(t, StatusPaused.Terminal())
	assert.False(t, StatusFailed.Terminal())
}

func TestClearOutputResetsResultFields(t *testing.T) {
	tk := New("photo.jpg", []byte{1, 2, 3}, DefaultOptions())
	tk.Status = StatusCompleted
	tk.Output = []byte{9, 9}
	tk.OutputSizeBytes = 2
	tk.OutputFormat = "jpeg"
	tk.ProgressPct = 100
	tk.Stage = StageOutput
	tk.Error = "boom"

	tk.ClearOutput()

	assert.Nil(t, tk.Output)
	assert.Zero(t, tk.OutputSizeBytes)
	assert.Empty(t, tk.OutputFormat)
	assert.Zero(t, tk.ProgressPct)
	assert.Empty(t, tk.Stage)
	assert.Empty(t, tk.Error)
}
