// Package engine provides the single serialized consumer of Merge
// operations (spec.md section 5: "model Merge as a single consumer of a
// bounded channel of operations... makes the linearizability invariant a
// mechanical property") and Prep, the thin path-normalizing dispatcher
// that sits between the change producers (LocalWatcher, and symmetrically
// a remote producer) and Merge.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tonimelisma/cozy-sync/internal/merge"
	"github.com/tonimelisma/cozy-sync/internal/metadata"
)

// ErrClosed is returned by a submitted operation once the engine has been
// stopped.
var ErrClosed = errors.New("engine: closed")

// shutdownGracePeriod bounds how long Stop waits for an in-flight
// operation to finish before giving up (spec.md section 5, cancellation).
const shutdownGracePeriod = 3 * time.Second

type opFunc func(ctx context.Context) (*metadata.Document, error)

type job struct {
	op     opFunc
	result chan jobResult
}

type jobResult struct {
	doc *metadata.Document
	err error
}

// Engine runs exactly one goroutine that drains a queue of Merge
// operations, guaranteeing that no two (get -> compute -> put/bulkPut)
// triples ever interleave (spec.md section 5, scheduling model).
type Engine struct {
	merge  *merge.Merge
	logger *slog.Logger

	jobs chan *job
	done chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closed    atomic.Bool
}

// New constructs an Engine. bufferSize bounds how many operations may be
// queued before a producer blocks; it does not affect ordering, only
// backpressure.
func New(m *merge.Merge, logger *slog.Logger, bufferSize int) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = 64
	}

	return &Engine{
		merge:  m,
		logger: logger,
		jobs:   make(chan *job, bufferSize),
		done:   make(chan struct{}),
	}
}

// Start spawns the single consumer goroutine.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go e.run(runCtx)

	e.logger.Info("engine started")
}

// Stop closes the engine to new submissions and waits up to
// shutdownGracePeriod for the in-flight operation (if any) to finish. No
// operation submitted after Stop returns is executed.
func (e *Engine) Stop() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.done)

		if e.cancel != nil {
			e.cancel()
		}

		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(shutdownGracePeriod):
			e.logger.Warn("engine: shutdown grace period elapsed with an operation still running")
		}
	})
}

// submit enqueues op and blocks until it has run and produced a result, or
// ctx is canceled, or the engine is closed.
func (e *Engine) submit(ctx context.Context, op opFunc) (*metadata.Document, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	j := &job{op: op, result: make(chan jobResult, 1)}

	select {
	case e.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		return nil, ErrClosed
	}

	select {
	case r := <-j.result:
		return r.doc, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		return nil, ErrClosed
	}
}

// run is the sole consumer loop: one Merge operation at a time, strict
// FIFO, ensuring the linearizability spec.md section 5 requires.
func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case j := <-e.jobs:
			doc, err := j.op(ctx)
			j.result <- jobResult{doc: doc, err: err}
		}
	}
}
