package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"squish/internal/task"
)

func instantExecutor(out []byte) Executor {
	return func(ctx context.Context, name string, input []byte, opts task.Options, report ProgressFunc) (*Result, error) {
		report(task.StageDecode, 10)
		report(task.StageCompress, 50)
		return &Result{Output: out, MIMEType: "image/jpeg", FormatHint: "jpeg"}, nil
	}
}

func gatedExecutor(release <-chan struct{}, running *atomic.Int32) Executor {
	return func(ctx context.Context, name string, input []byte, opts task.Options, report ProgressFunc) (*Result, error) {
		if running != nil {
			running.Add(1)
			defer running.Add(-1)
		}
		select {
		case <-release:
			return &Result{Output: []byte("ok")}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func testToken() Token {
	return Token{TaskID: uuid.New(), Attempt: 1}
}

func TestPoolAcquireIsBounded(t *testing.T) {
	release := make(chan struct{})
	p := NewPool(2, gatedExecutor(release, nil), zerolog.Nop())
	defer p.Close()

	w1, err := p.Acquire()
	require.NoError(t, err)
	w2, err := p.Acquire()
	require.NoError(t, err)
	require.NotEqual(t, w1.ID(), w2.ID())

	_, err = p.Acquire()
	require.ErrorIs(t, err, ErrNoIdleWorker)

	w1.Dispatch(Request{Token: testToken()})
	w2.Dispatch(Request{Token: testToken()})
	close(release)

	// Finished workers stay busy until their terminal events are consumed
	// and explicitly released.
	ev1 := <-p.Events()
	ev2 := <-p.Events()
	assert.Equal(t, 0, p.IdleCount())

	p.Release(ev1.WorkerID)
	p.Release(ev2.WorkerID)
	assert.Equal(t, 2, p.IdleCount())

	_, err = p.Acquire()
	require.NoError(t, err)
}

func TestWorkerStreamsProgressThenTerminal(t *testing.T) {
	p := NewPool(1, instantExecutor([]byte("compressed")), zerolog.Nop())
	defer p.Close()

	w, err := p.Acquire()
	require.NoError(t, err)
	tok := testToken()
	w.Dispatch(Request{Token: tok, Name: "a.png", Input: []byte{1}})

	var events []Event
	for ev := range p.Events() {
		events = append(events, ev)
		if ev.Kind != EventProgress {
			break
		}
	}

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventDone, last.Kind)
	assert.Equal(t, tok, last.Token)
	require.NotNil(t, last.Result)
	assert.Equal(t, []byte("compressed"), last.Result.Output)
	assert.Equal(t, "jpeg", last.Result.FormatHint)

	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, EventProgress, ev.Kind)
		assert.Equal(t, tok, ev.Token)
	}
}

func TestWorkerReportsExecutorError(t *testing.T) {
	exec := func(ctx context.Context, name string, input []byte, opts task.Options, report ProgressFunc) (*Result, error) {
		return nil, errors.New("corrupt input")
	}
	p := NewPool(1, exec, zerolog.Nop())
	defer p.Close()

	w, err := p.Acquire()
	require.NoError(t, err)
	w.Dispatch(Request{Token: testToken()})

	ev := <-p.Events()
	assert.Equal(t, EventFailed, ev.Kind)
	assert.Equal(t, "corrupt input", ev.Err)
}

func TestWorkerRecoversExecutorPanic(t *testing.T) {
	exec := func(ctx context.Context, name string, input []byte, opts task.Options, report ProgressFunc) (*Result, error) {
		panic("index out of range")
	}
	p := NewPool(1, exec, zerolog.Nop())
	defer p.Close()

	w, err := p.Acquire()
	require.NoError(t, err)
	w.Dispatch(Request{Token: testToken()})

	ev := <-p.Events()
	assert.Equal(t, EventFailed, ev.Kind)
	assert.Contains(t, ev.Err, "internal error")

	// The pool survives the panic and the worker is reusable once released.
	p.Release(ev.WorkerID)
	assert.Equal(t, 1, p.IdleCount())
	_, err = p.Acquire()
	require.NoError(t, err)
}

func TestPoolCloseIsIdempotentAndClosesEvents(t *testing.T) {
	p := NewPool(3, instantExecutor(nil), zerolog.Nop())

	p.Close()
	p.Close()

	_, open := <-p.Events()
	assert.False(t, open, "event channel must be closed after teardown")

	_, err := p.Acquire()
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolDefaultsToOneWorker(t *testing.T) {
	p := NewPool(0, instantExecutor(nil), zerolog.Nop())
	defer p.Close()
	assert.Equal(t, 1, p.Size())
}
