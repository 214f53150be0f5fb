package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"squish/internal/task"
	"squish/internal/worker"
)

// Scheduler errors.
var (
	ErrQueueFull       = errors.New("task queue is full")
	ErrTaskNotFound    = errors.New("task not found")
	ErrSchedulerClosed = errors.New("scheduler is closed")
)

// Config holds the scheduler's fixed tuning constants. Capacity limits are
// configuration, not runtime-negotiable.
type Config struct {
	// Workers is the fixed pool size.
	Workers int

	// MaxQueue bounds the total number of live tasks; Enqueue beyond it
	// is rejected.
	MaxQueue int

	// ProgressInterval throttles how often a worker progress event is
	// applied to a task. A 100% event is always applied.
	ProgressInterval time.Duration

	// RetryBackoff is the delay before re-checking for an idle worker
	// when the pool is saturated.
	RetryBackoff time.Duration

	// DispatchYield is the pause between consecutive dispatches, yielding
	// control instead of busy-looping through the queue.
	DispatchYield time.Duration

	// StuckTaskAge is how long a task may sit in processing before a
	// warning is logged. No corrective action is taken.
	StuckTaskAge time.Duration

	// UpdateBuffer sizes the notification channel for the caller-facing
	// task view. Notifications beyond it are dropped, never blocked on.
	UpdateBuffer int
}

// DefaultConfig returns the baseline scheduler tuning.
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		MaxQueue:         256,
		ProgressInterval: 100 * time.Millisecond,
		RetryBackoff:     200 * time.Millisecond,
		DispatchYield:    10 * time.Millisecond,
		StuckTaskAge:     3 * time.Minute,
		UpdateBuffer:     128,
	}
}

// UpdateKind discriminates task view notifications.
type UpdateKind string

const (
	UpdateStatus   UpdateKind = "status"
	UpdateProgress UpdateKind = "progress"
	UpdateOrder    UpdateKind = "order"
	UpdateRemoved  UpdateKind = "removed"
)

// Update is a read-only task snapshot pushed to the caller whenever the
// scheduler mutates task state.
type Update struct {
	Kind UpdateKind
	Task task.Task
}

// Stats summarizes the queue for progress reporting.
type Stats struct {
	Total       int
	Pending     int
	Processing  int
	Paused      int
	Completed   int
	Failed      int
	Cancelled   int
	InputBytes  int64
	OutputBytes int64
}

// Scheduler holds the task list, matches pending tasks to idle workers and
// exposes the start/pause/resume/cancel control surface. Every mutation of
// task or assignment state funnels through one mutex; workers never touch
// the task list.
type Scheduler struct {
	cfg    Config
	logger zerolog.Logger
	pool   *worker.Pool

	mu          sync.Mutex
	tasks       []*task.Task
	byID        map[uuid.UUID]*task.Task
	assignment  map[uuid.UUID]binding
	attempts    map[uuid.UUID]uint64
	lastApplied map[uuid.UUID]time.Time
	stuckWarned map[uuid.UUID]time.Time
	running     bool
	paused      bool
	runDone     chan struct{}
	closed      bool

	wake      chan struct{}
	updates   chan Update
	drainDone chan struct{}
}

// binding is the scheduler-private record of which worker is running which
// attempt of a task.
type binding struct {
	workerID int
	attempt  uint64
}

// New creates a scheduler with an eagerly started fixed worker pool running
// the given executor.
func New(cfg Config, exec worker.Executor, logger zerolog.Logger) *Scheduler {
	s := &Scheduler{
		cfg:         cfg,
		logger:      logger,
		pool:        worker.NewPool(cfg.Workers, exec, logger),
		byID:        make(map[uuid.UUID]*task.Task),
		assignment:  make(map[uuid.UUID]binding),
		attempts:    make(map[uuid.UUID]uint64),
		lastApplied: make(map[uuid.UUID]time.Time),
		stuckWarned: make(map[uuid.UUID]time.Time),
		wake:        make(chan struct{}, 1),
		updates:     make(chan Update, cfg.UpdateBuffer),
		drainDone:   make(chan struct{}),
	}

	go s.drainEvents()
	return s
}

// Updates returns the notification stream for the caller's task view.
// Delivery is best-effort; Snapshot is the authoritative state.
func (s *Scheduler) Updates() <-chan Update { return s.updates }

// PoolSize returns the fixed worker count.
func (s *Scheduler) PoolSize() int { return s.pool.Size() }

// Enqueue appends a pending task with the next order value. The returned
// adjustments report any option conflict that was auto-corrected.
func (s *Scheduler) Enqueue(name string, input []byte, opts task.Options) (uuid.UUID, []string, error) {
	adjustments, err := opts.Normalize()
	if err != nil {
		return uuid.Nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return uuid.Nil, nil, ErrSchedulerClosed
	}
	if len(s.tasks) >= s.cfg.MaxQueue {
		return uuid.Nil, nil, fmt.Errorf("%w: capacity %d reached", ErrQueueFull, s.cfg.MaxQueue)
	}

	t := task.New(name, input, opts)
	t.Order = len(s.tasks)
	s.tasks = append(s.tasks, t)
	s.byID[t.ID] = t

	for _, a := range adjustments {
		s.logger.Warn().Str("task", name).Msg(a)
	}
	s.logger.Debug().Str("task", name).Int("order", t.Order).Msg("task enqueued")
	s.publishLocked(UpdateStatus, t)
	if s.running {
		s.kick()
	}
	return t.ID, adjustments, nil
}

// Start arms the matching loop. Calling it while already running, or with
// nothing pending or resumable, is an observable no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.running {
		s.kick()
		return
	}
	if !s.hasWorkLocked() {
		s.logger.Debug().Msg("start requested with nothing to process")
		return
	}
	s.startLoopLocked()
}

// Pause relabels every processing task as paused and stops further
// dispatching. Workers are non-preemptible: a bound worker finishes its
// current unit of work and the label lags the hardware by at most that long.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.paused {
		return
	}
	s.paused = true
	for _, t := range s.tasks {
		if t.Status == task.StatusProcessing {
			t.Status = task.StatusPaused
			s.publishLocked(UpdateStatus, t)
		}
	}
	s.logger.Info().Msg("processing paused")
}

// Resume clears the paused flag and re-enters the matching loop. A paused
// task whose worker never stopped goes straight back to processing with its
// progress intact; one whose binding is gone re-queues from zero.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.paused = false
	for _, t := range s.tasks {
		if t.Status != task.StatusPaused {
			continue
		}
		if _, bound := s.assignment[t.ID]; bound {
			t.Status = task.StatusProcessing
		} else {
			t.Status = task.StatusPending
			t.ProgressPct = 0
			t.Stage = ""
		}
		s.publishLocked(UpdateStatus, t)
	}
	if s.running {
		s.kick()
	} else if s.hasWorkLocked() {
		s.startLoopLocked()
	}
	s.logger.Info().Msg("processing resumed")
}

// Cancel stops the loop and relabels every processing or paused task as
// cancelled with progress reset. Bound workers are not forcibly terminated;
// their late results are discarded by attempt-token mismatch and the worker
// returns itself to the idle pool.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.running = false
	s.paused = false
	s.runDone = nil

	for id := range s.assignment {
		s.attempts[id]++
		delete(s.assignment, id)
	}
	for _, t := range s.tasks {
		if t.Status == task.StatusProcessing || t.Status == task.StatusPaused {
			t.Status = task.StatusCancelled
			t.ProgressPct = 0
			t.Stage = ""
			delete(s.lastApplied, t.ID)
			s.publishLocked(UpdateStatus, t)
		}
	}
	s.kick()
	s.logger.Info().Msg("processing cancelled")
}

// RemoveTask removes a task in any status, releases its buffers and
// renumbers the remaining order values densely.
func (s *Scheduler) RemoveTask(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	if _, bound := s.assignment[id]; bound {
		// In-flight run keeps going; its result will not correlate.
		s.attempts[id]++
		delete(s.assignment, id)
	}

	removed := *t
	t.Input = nil
	t.ClearOutput()

	delete(s.byID, id)
	delete(s.attempts, id)
	delete(s.lastApplied, id)
	delete(s.stuckWarned, id)
	s.tasks = append(s.tasks[:t.Order], s.tasks[t.Order+1:]...)
	s.renumberLocked()

	s.publishLocked(UpdateRemoved, &removed)
	s.kick()
	return nil
}

// UpdateOptions merges a partial options patch into a task and re-queues it
// from scratch, clearing any prior output. An in-flight attempt is not
// retried until its result has come back and been discarded.
func (s *Scheduler) UpdateOptions(id uuid.UUID, p task.Patch) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	merged := t.Options
	merged.Apply(p)
	adjustments, err := merged.Normalize()
	if err != nil {
		return nil, err
	}
	t.Options = merged

	if _, bound := s.assignment[id]; bound {
		s.attempts[id]++
	}
	t.Status = task.StatusPending
	t.ClearOutput()
	delete(s.lastApplied, id)

	for _, a := range adjustments {
		s.logger.Warn().Str("task", t.Name).Msg(a)
	}
	s.publishLocked(UpdateStatus, t)
	if s.running {
		s.kick()
	}
	return adjustments, nil
}

// Reorder relocates a task to the given index; all other order values shift
// and stay dense. Status is untouched.
func (s *Scheduler) Reorder(id uuid.UUID, newIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	if newIndex < 0 {
		newIndex = 0
	}
	if newIndex > len(s.tasks)-1 {
		newIndex = len(s.tasks) - 1
	}
	if newIndex == t.Order {
		return nil
	}

	s.tasks = append(s.tasks[:t.Order], s.tasks[t.Order+1:]...)
	s.tasks = append(s.tasks[:newIndex], append([]*task.Task{t}, s.tasks[newIndex:]...)...)
	s.renumberLocked()

	s.publishLocked(UpdateOrder, t)
	return nil
}

// Snapshot returns read-only copies of every task in queue order.
func (s *Scheduler) Snapshot() []task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]task.Task, len(s.tasks))
	for i, t := range s.tasks {
		out[i] = *t
	}
	return out
}

// Task returns a read-only copy of one task.
func (s *Scheduler) Task(id uuid.UUID) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[id]
	if !ok {
		return task.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return *t, nil
}

// Stats summarizes current queue state.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	st.Total = len(s.tasks)
	for _, t := range s.tasks {
		switch t.Status {
		case task.StatusPending:
			st.Pending++
		case task.StatusProcessing:
			st.Processing++
		case task.StatusPaused:
			st.Paused++
		case task.StatusCompleted:
			st.Completed++
		case task.StatusFailed:
			st.Failed++
		case task.StatusCancelled:
			st.Cancelled++
		}
		st.InputBytes += t.OriginalSizeBytes
		st.OutputBytes += t.OutputSizeBytes
	}
	return st
}

// Running reports whether the matching loop is armed.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Paused reports whether dispatching is suspended.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Wait blocks until the current matching run finishes. It returns
// immediately when the loop is not armed.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.runDone
	s.mu.Unlock()

	if done == nil {
		return
	}
	<-done
}

// Close tears the scheduler down: the loop exits, the pool shuts down and
// the update stream is closed. Tasks keep their last status.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.running = false
	s.runDone = nil
	s.mu.Unlock()

	s.kick()
	s.pool.Close()
	<-s.drainDone
	close(s.updates)
}

// --- matching loop ---

// startLoopLocked arms the matching loop. Caller holds the mutex.
func (s *Scheduler) startLoopLocked() {
	s.running = true
	s.runDone = make(chan struct{})
	go s.run(s.runDone)
	s.logger.Debug().Msg("matching loop started")
}

// run drives the matching loop until the queue drains or control state
// stops it. It sleeps on a bounded backoff when the pool is saturated and
// parks on the wake channel when only events can make progress.
func (s *Scheduler) run(done chan struct{}) {
	defer close(done)

	for {
		delay, alive := s.step(done)
		if !alive {
			return
		}
		if delay < 0 {
			<-s.wake
			continue
		}
		select {
		case <-s.wake:
		case <-time.After(delay):
		}
	}
}

// step performs one matching pass. It returns the delay before the next
// pass, or a negative delay to park until woken, and whether the loop
// should keep running. The done channel identifies the run: a loop whose
// run has been superseded by cancel+start exits without touching state.
func (s *Scheduler) step(done chan struct{}) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.runDone != done {
		return 0, false
	}
	s.warnStuckLocked()
	if s.paused {
		return -1, true
	}

	next := s.nextEligibleLocked()
	if next == nil {
		if len(s.assignment) == 0 {
			// Natural completion.
			s.running = false
			s.runDone = nil
			s.logger.Info().Msg("queue drained, matching loop stopped")
			return 0, false
		}
		return -1, true
	}

	w, err := s.pool.Acquire()
	if err != nil {
		return s.cfg.RetryBackoff, true
	}

	s.dispatchLocked(next, w)
	return s.cfg.DispatchYield, true
}

// nextEligibleLocked returns the lowest-order pending task that has no live
// worker binding. A pending task still bound to a superseded attempt stays
// ineligible until that result lands and is discarded.
func (s *Scheduler) nextEligibleLocked() *task.Task {
	for _, t := range s.tasks {
		if t.Status != task.StatusPending {
			continue
		}
		if _, bound := s.assignment[t.ID]; bound {
			continue
		}
		return t
	}
	return nil
}

// hasWorkLocked reports whether any task is pending or resumable.
func (s *Scheduler) hasWorkLocked() bool {
	for _, t := range s.tasks {
		if t.Status == task.StatusPending || t.Status == task.StatusPaused {
			return true
		}
	}
	return false
}

// dispatchLocked binds a task to an idle worker and hands off a copy of its
// input and options. Fire-and-forget: completion arrives on the event
// channel.
func (s *Scheduler) dispatchLocked(t *task.Task, w *worker.Worker) {
	s.attempts[t.ID]++
	tok := worker.Token{TaskID: t.ID, Attempt: s.attempts[t.ID]}
	s.assignment[t.ID] = binding{workerID: w.ID(), attempt: tok.Attempt}

	t.Status = task.StatusProcessing
	t.Stage = task.StageDecode
	t.ProgressPct = 0
	t.StartedAt = time.Now()
	delete(s.lastApplied, t.ID)
	delete(s.stuckWarned, t.ID)

	input := make([]byte, len(t.Input))
	copy(input, t.Input)
	w.Dispatch(worker.Request{
		Token:   tok,
		Name:    t.Name,
		Input:   input,
		Options: t.Options,
	})

	s.logger.Debug().
		Str("task", t.Name).
		Int("order", t.Order).
		Int("worker_id", w.ID()).
		Msg("task dispatched")
	s.publishLocked(UpdateStatus, t)
}

// --- worker events ---

// drainEvents applies worker events until the pool's channel closes.
func (s *Scheduler) drainEvents() {
	defer close(s.drainDone)
	for ev := range s.pool.Events() {
		s.handleEvent(ev)
	}
}

// handleEvent correlates a worker event to a live task and applies it.
// Events carrying a superseded attempt token are discarded, never
// misapplied to an unrelated task.
func (s *Scheduler) handleEvent(ev worker.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The sending worker stays busy until its result has been applied here.
	// Releasing it any earlier would let the matching loop re-acquire it
	// while the previous result is still in flight, so the pool bound could
	// be observed as exceeded. Runs before the mutex is dropped.
	if ev.Kind != worker.EventProgress {
		defer s.pool.Release(ev.WorkerID)
	}

	t, ok := s.byID[ev.Token.TaskID]
	if !ok || s.attempts[ev.Token.TaskID] != ev.Token.Attempt {
		if ev.Kind != worker.EventProgress {
			s.logger.Debug().
				Int("worker_id", ev.WorkerID).
				Msg("discarding worker result for superseded attempt")
			// Release the binding only if it still belongs to this very
			// attempt, so a newer run on the same task is left alone.
			if b, bound := s.assignment[ev.Token.TaskID]; bound && b.attempt == ev.Token.Attempt {
				delete(s.assignment, ev.Token.TaskID)
				s.kick()
			}
		}
		return
	}

	switch ev.Kind {
	case worker.EventProgress:
		s.applyProgressLocked(t, ev)

	case worker.EventDone:
		t.Status = task.StatusCompleted
		t.Stage = task.StageOutput
		t.ProgressPct = 100
		t.Output = ev.Result.Output
		t.OutputSizeBytes = int64(len(ev.Result.Output))
		t.OutputFormat = outputFormat(ev.Result, t.Options)
		t.Error = ""
		t.CompletedAt = time.Now()
		s.releaseLocked(t.ID)
		s.logger.Debug().
			Str("task", t.Name).
			Int64("bytes_in", t.OriginalSizeBytes).
			Int64("bytes_out", t.OutputSizeBytes).
			Msg("task completed")
		s.publishLocked(UpdateStatus, t)

	case worker.EventFailed:
		t.Status = task.StatusFailed
		t.Error = ev.Err
		t.CompletedAt = time.Now()
		s.releaseLocked(t.ID)
		s.logger.Debug().Str("task", t.Name).Str("error", ev.Err).Msg("task failed")
		s.publishLocked(UpdateStatus, t)
	}
}

// applyProgressLocked applies a throttled, monotone progress update. A 100%
// value bypasses the throttle so the final state is never lost.
func (s *Scheduler) applyProgressLocked(t *task.Task, ev worker.Event) {
	if t.Status != task.StatusProcessing && t.Status != task.StatusPaused {
		return
	}
	if ev.ProgressPct < t.ProgressPct {
		return
	}
	now := time.Now()
	if ev.ProgressPct < 100 && now.Sub(s.lastApplied[t.ID]) < s.cfg.ProgressInterval {
		return
	}
	s.lastApplied[t.ID] = now
	t.Stage = ev.Stage
	t.ProgressPct = ev.ProgressPct
	s.publishLocked(UpdateProgress, t)
}

// releaseLocked frees the worker binding for a task after a terminal event
// and wakes the loop for the next match.
func (s *Scheduler) releaseLocked(id uuid.UUID) {
	delete(s.assignment, id)
	delete(s.lastApplied, id)
	delete(s.stuckWarned, id)
	s.kick()
}

// --- helpers ---

func (s *Scheduler) renumberLocked() {
	for i, t := range s.tasks {
		t.Order = i
	}
}

// warnStuckLocked logs tasks that have been processing for too long. The
// base design takes no corrective action; a stuck worker caps effective
// concurrency by one.
func (s *Scheduler) warnStuckLocked() {
	if s.cfg.StuckTaskAge <= 0 {
		return
	}
	now := time.Now()
	for id, b := range s.assignment {
		t, ok := s.byID[id]
		if !ok || t.Status != task.StatusProcessing {
			continue
		}
		if now.Sub(t.StartedAt) < s.cfg.StuckTaskAge {
			continue
		}
		if last, warned := s.stuckWarned[id]; warned && now.Sub(last) < s.cfg.StuckTaskAge/2 {
			continue
		}
		s.stuckWarned[id] = now
		s.logger.Warn().
			Str("task", t.Name).
			Int("worker_id", b.workerID).
			Dur("age", now.Sub(t.StartedAt).Round(time.Second)).
			Msg("task appears stuck in processing")
	}
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// publishLocked pushes a task snapshot to the update stream without ever
// blocking the scheduler.
func (s *Scheduler) publishLocked(kind UpdateKind, t *task.Task) {
	select {
	case s.updates <- Update{Kind: kind, Task: *t}:
	default:
		s.logger.Debug().Str("task", t.Name).Msg("updates channel full, notification dropped")
	}
}

// outputFormat prefers explicit result metadata and falls back to the
// negotiated target format.
func outputFormat(r *worker.Result, opts task.Options) string {
	if r.FormatHint != "" {
		return r.FormatHint
	}
	if strings.HasPrefix(r.MIMEType, "image/") {
		return strings.TrimPrefix(r.MIMEType, "image/")
	}
	if opts.TargetFormat != task.FormatAuto {
		return string(opts.TargetFormat)
	}
	return ""
}
