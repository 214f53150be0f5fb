package worker

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"squish/internal/task"
)

// Token correlates a dispatched request with the events it produces. The
// attempt counter lets the scheduler reject results from a run that was
// superseded by a cancel, removal or options edit.
type Token struct {
	TaskID  uuid.UUID
	Attempt uint64
}

// Request is the unit of work handed to a worker. Input and options are
// copies; workers share no state with the scheduler or each other.
type Request struct {
	Token   Token
	Name    string
	Input   []byte
	Options task.Options
}

// Result is the terminal payload of a successful execution.
type Result struct {
	Output     []byte
	MIMEType   string
	FormatHint string
}

// EventKind discriminates worker event payloads.
type EventKind int

const (
	EventProgress EventKind = iota
	EventDone
	EventFailed
)

// Event is a message from a worker back to the scheduler. Progress events
// may be dropped under pressure; terminal events are always delivered.
type Event struct {
	WorkerID    int
	Token       Token
	Kind        EventKind
	Stage       task.Stage
	ProgressPct int
	Result      *Result
	Err         string
}

// ProgressFunc reports execution progress for the current stage.
type ProgressFunc func(stage task.Stage, pct int)

// Executor is the opaque compression operation run inside a worker:
// bytes + options in, bytes + metadata or an error out.
type Executor func(ctx context.Context, name string, input []byte, opts task.Options, report ProgressFunc) (*Result, error)

// Worker is an isolated execution unit that accepts exactly one request at
// a time and reports back through the pool's event channel. It has no
// knowledge of the task list beyond the correlation token it is handed.
type Worker struct {
	id       int
	exec     Executor
	requests chan Request
	events   chan<- Event
	stop     chan struct{}
	done     chan struct{}
	busy     atomic.Bool
	logger   zerolog.Logger
}

func newWorker(id int, exec Executor, events chan<- Event, logger zerolog.Logger) *Worker {
	return &Worker{
		id:       id,
		exec:     exec,
		requests: make(chan Request, 1),
		events:   events,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.With().Int("worker_id", id).Logger(),
	}
}

// ID returns the worker's index within its pool.
func (w *Worker) ID() int { return w.id }

// Dispatch hands a request to the worker. The caller must have acquired the
// worker from its pool; dispatching an unacquired worker is a bug.
func (w *Worker) Dispatch(req Request) {
	w.requests <- req
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			w.logger.Debug().Msg("worker stopping on request")
			return
		case req := <-w.requests:
			w.execute(ctx, req)
		}
	}
}

// execute runs a single request and emits exactly one terminal event.
// Panics from the executor are converted into a failure event so a bad
// input never takes the pool down.
func (w *Worker) execute(ctx context.Context, req Request) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Interface("panic", r).Str("task", req.Name).Msg("executor panicked")
			w.sendTerminal(ctx, Event{
				WorkerID: w.id,
				Token:    req.Token,
				Kind:     EventFailed,
				Err:      fmt.Sprintf("internal error: %v", r),
			})
		}
	}()

	report := func(stage task.Stage, pct int) {
		w.sendProgress(Event{
			WorkerID:    w.id,
			Token:       req.Token,
			Kind:        EventProgress,
			Stage:       stage,
			ProgressPct: pct,
		})
	}

	result, err := w.exec(ctx, req.Name, req.Input, req.Options, report)
	if err != nil {
		w.sendTerminal(ctx, Event{
			WorkerID: w.id,
			Token:    req.Token,
			Kind:     EventFailed,
			Err:      err.Error(),
		})
		return
	}

	w.sendTerminal(ctx, Event{
		WorkerID:    w.id,
		Token:       req.Token,
		Kind:        EventDone,
		ProgressPct: 100,
		Result:      result,
	})
}

// sendProgress is best-effort: when the channel is full the update is
// dropped, the scheduler throttles progress anyway.
func (w *Worker) sendProgress(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.logger.Debug().Msg("event channel full, progress update dropped")
	}
}

// sendTerminal blocks until the event is delivered; the ctx escape keeps a
// worker from wedging when the pool shuts down with no consumer left.
func (w *Worker) sendTerminal(ctx context.Context, ev Event) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}
