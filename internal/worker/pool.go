package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Pool errors.
var (
	ErrNoIdleWorker = errors.New("no idle worker available")
	ErrPoolClosed   = errors.New("worker pool is closed")
)

// eventBuffer leaves room for one in-flight terminal event per worker plus
// progress headroom, so a terminal send never blocks a worker for long.
const eventBufferPerWorker = 8

// Pool owns a fixed number of workers, created eagerly and torn down
// together. It exposes acquire/idle semantics only; task bookkeeping stays
// with the scheduler.
type Pool struct {
	workers []*Worker
	events  chan Event
	cancel  context.CancelFunc
	logger  zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// NewPool creates size workers and starts their goroutines immediately.
func NewPool(size int, exec Executor, logger zerolog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		workers: make([]*Worker, size),
		events:  make(chan Event, size*eventBufferPerWorker),
		cancel:  cancel,
		logger:  logger,
	}

	for i := 0; i < size; i++ {
		w := newWorker(i, exec, p.events, logger)
		p.workers[i] = w
		go w.run(ctx)
	}

	logger.Debug().Int("size", size).Msg("worker pool started")
	return p
}

// Size returns the fixed number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Events returns the merged event channel for all workers. It is closed
// once the pool has shut down and every worker has exited.
func (p *Pool) Events() <-chan Event { return p.events }

// Acquire returns an idle worker, marked busy. The worker stays busy until
// the caller passes its terminal event's WorkerID to Release; a finished
// worker must not be re-acquirable while its result is still unapplied.
func (p *Pool) Acquire() (*Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	for _, w := range p.workers {
		if w.busy.CompareAndSwap(false, true) {
			return w, nil
		}
	}
	return nil, ErrNoIdleWorker
}

// Release returns a worker to the idle set. Called by the event consumer
// after it has applied the worker's terminal event, never by the worker
// itself.
func (p *Pool) Release(workerID int) {
	if workerID < 0 || workerID >= len(p.workers) {
		return
	}
	p.workers[workerID].busy.Store(false)
}

// IdleCount reports how many workers are currently free.
func (p *Pool) IdleCount() int {
	n := 0
	for _, w := range p.workers {
		if !w.busy.Load() {
			n++
		}
	}
	return n
}

// Close stops every worker exactly once and closes the event channel after
// the last one has exited. In-flight executions are interrupted through
// context cancellation where the executor cooperates.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	for _, w := range p.workers {
		close(w.stop)
	}
	for _, w := range p.workers {
		<-w.done
	}
	close(p.events)
	p.logger.Debug().Msg("worker pool stopped")
}
