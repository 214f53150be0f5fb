package scheduler

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"squish/internal/task"
)

func TestSelectionToggleAndMembership(t *testing.T) {
	sel := NewSelection()
	id := uuid.New()

	assert.False(t, sel.Has(id))
	assert.True(t, sel.Toggle(id))
	assert.True(t, sel.Has(id))
	assert.False(t, sel.Toggle(id))
	assert.False(t, sel.Has(id))
	assert.Empty(t, sel.IDs())
}

func TestSelectAllCoversEveryTask(t *testing.T) {
	s := newTestScheduler(t, testConfig(1), instantExec)
	ids := enqueueN(t, s, "a", "b", "c")

	sel := s.SelectAll()
	require.Len(t, sel, 3)
	for _, id := range ids {
		assert.True(t, sel.Has(id))
	}
}

func TestApplyOptionsToSelectionTargetsOnlySelected(t *testing.T) {
	s := newTestScheduler(t, testConfig(1), instantExec)
	ids := enqueueN(t, s, "a", "b", "c")

	quality := 25
	require.NoError(t, s.ApplyOptionsToSelection(ids[:2], task.Patch{Quality: &quality}))

	assert.Equal(t, 25, mustTask(t, s, ids[0]).Options.Quality)
	assert.Equal(t, 25, mustTask(t, s, ids[1]).Options.Quality)
	assert.Equal(t, task.DefaultOptions().Quality, mustTask(t, s, ids[2]).Options.Quality)
}

func TestApplyOptionsToEmptySelectionTargetsAllTasks(t *testing.T) {
	s := newTestScheduler(t, testConfig(1), instantExec)
	ids := enqueueN(t, s, "a", "b", "c")

	mode := task.ModeLossless
	require.NoError(t, s.ApplyOptionsToSelection(nil, task.Patch{Mode: &mode}))

	for _, id := range ids {
		assert.Equal(t, task.ModeLossless, mustTask(t, s, id).Options.Mode)
	}
}

func TestApplyOptionsCollectsPerTaskFailures(t *testing.T) {
	s := newTestScheduler(t, testConfig(1), instantExec)
	ids := enqueueN(t, s, "a", "b")
	ids = append(ids, uuid.New()) // never enqueued

	quality := 25
	err := s.ApplyOptionsToSelection(ids, task.Patch{Quality: &quality})
	require.ErrorIs(t, err, ErrTaskNotFound)

	// The failure of one id must not prevent the others from updating.
	assert.Equal(t, 25, mustTask(t, s, ids[0]).Options.Quality)
	assert.Equal(t, 25, mustTask(t, s, ids[1]).Options.Quality)
}
