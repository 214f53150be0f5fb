package scheduler

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"squish/internal/task"
)

// Selection is a set of task ids used for bulk option edits. It is a pure
// value with no scheduling side effects.
type Selection map[uuid.UUID]struct{}

// NewSelection returns an empty selection.
func NewSelection() Selection {
	return make(Selection)
}

// Toggle flips membership for an id and reports whether it is selected
// afterwards.
func (sel Selection) Toggle(id uuid.UUID) bool {
	if _, ok := sel[id]; ok {
		delete(sel, id)
		return false
	}
	sel[id] = struct{}{}
	return true
}

// Has reports membership.
func (sel Selection) Has(id uuid.UUID) bool {
	_, ok := sel[id]
	return ok
}

// IDs returns the selected ids in unspecified order.
func (sel Selection) IDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(sel))
	for id := range sel {
		ids = append(ids, id)
	}
	return ids
}

// SelectAll returns a selection covering every live task.
func (s *Scheduler) SelectAll() Selection {
	s.mu.Lock()
	defer s.mu.Unlock()

	sel := make(Selection, len(s.tasks))
	for _, t := range s.tasks {
		sel[t.ID] = struct{}{}
	}
	return sel
}

// ApplyOptionsToSelection performs the same effect as UpdateOptions for
// every id in the selection; an empty selection targets every task in queue
// order. Per-task failures are collected, not fatal for the rest.
func (s *Scheduler) ApplyOptionsToSelection(ids []uuid.UUID, p task.Patch) error {
	if len(ids) == 0 {
		for _, t := range s.Snapshot() {
			ids = append(ids, t.ID)
		}
	}

	var errs []error
	for _, id := range ids {
		if _, err := s.UpdateOptions(id, p); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
