package task

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the current status of a compression task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status permits no further transitions
// other than removal or an options edit (which re-queues the task).
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Stage is the sub-phase of a single task's execution.
type Stage string

const (
	StageDecode   Stage = "decode"
	StageCompress Stage = "compress"
	StageOutput   Stage = "output"
)

// Task represents one unit of work: one input, one configuration, one
// eventual output or error. Status, progress and output fields are owned
// exclusively by the scheduler; callers treat returned copies as read-only.
type Task struct {
	ID                uuid.UUID
	Name              string
	Input             []byte
	Status            Status
	Stage             Stage
	ProgressPct       int
	OriginalSizeBytes int64
	OutputSizeBytes   int64
	Output            []byte
	OutputFormat      string
	Error             string
	Options           Options
	Order             int
	EnqueuedAt        time.Time
	StartedAt         time.Time
	CompletedAt       time.Time
}

// New creates a pending task for the given input bytes.
func New(name string, input []byte, opts Options) *Task {
	return &Task{
		ID:                uuid.New(),
		Name:              name,
		Input:             input,
		Status:            StatusPending,
		OriginalSizeBytes: int64(len(input)),
		Options:           opts,
		EnqueuedAt:        time.Now(),
	}
}

// ClearOutput drops any prior result so the task can run again.
func (t *Task) ClearOutput() {
	t.Output = nil
	t.OutputSizeBytes = 0
	t.OutputFormat = ""
	t.Error = ""
	t.ProgressPct = 0
	t.Stage = ""
	t.CompletedAt = time.Time{}
}
