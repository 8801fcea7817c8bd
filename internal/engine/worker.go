/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package engine

import (
	"math/rand"
	"sync"
	"time"

	"github.com/friendsincode/heimdall_signage/internal/telemetry"
	"github.com/rs/zerolog"
)

// WorkerState enumerates the lifecycle of a screen worker.
type WorkerState string

const (
	WorkerIdle       WorkerState = "idle"
	WorkerDirty      WorkerState = "dirty"
	WorkerEvaluating WorkerState = "evaluating"
)

// validTransitions lists the allowed worker state changes.
var validTransitions = map[WorkerState][]WorkerState{
	WorkerIdle:       {WorkerDirty},
	WorkerDirty:      {WorkerEvaluating},
	WorkerEvaluating: {WorkerIdle, WorkerDirty},
}

func validTransition(from, to WorkerState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Evaluation triggers, used as the metric label.
const (
	triggerStartup  = "startup"
	triggerChange   = "change"
	triggerBoundary = "boundary"
	triggerSweep    = "sweep"
	triggerRetry    = "retry"
)

// worker owns reconciliation for exactly one screen. All input arrives as
// messages; the marks channel has capacity one so any number of dirty marks
// during an evaluation coalesce into a single pending re-run.
type worker struct {
	screenID string
	engine   *Engine
	logger   zerolog.Logger

	marks chan string // buffered, cap 1
	stopc chan struct{}
	done  chan struct{}

	mu      sync.Mutex
	state   WorkerState
	backoff time.Duration
}

func newWorker(screenID string, engine *Engine) *worker {
	return &worker{
		screenID: screenID,
		engine:   engine,
		logger:   engine.logger.With().Str("screen_id", screenID).Logger(),
		marks:    make(chan string, 1),
		stopc:    make(chan struct{}),
		done:     make(chan struct{}),
		state:    WorkerIdle,
	}
}

// markDirty requests a re-evaluation. A mark that finds one already queued
// is dropped; the queued run will see the newest data anyway.
func (w *worker) markDirty(reason string) {
	select {
	case w.marks <- reason:
		w.transition(WorkerDirty)
	default:
	}
}

func (w *worker) stop() {
	close(w.stopc)
	<-w.done
}

// State returns the current worker state for status reporting.
func (w *worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// transition applies a state change if the machine allows it. Invalid
// changes are dropped; marks racing the end of an evaluation make a few of
// those expected.
func (w *worker) transition(to WorkerState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == to || !validTransition(w.state, to) {
		return
	}
	w.state = to
}

// run is the worker goroutine. The boundary timer is armed after every
// evaluation; firing feeds back into the marks channel exactly like an
// external change would.
func (w *worker) run() {
	defer close(w.done)

	timer := time.NewTimer(w.engine.recheckCeiling)
	defer timer.Stop()

	// Initial evaluation recovers state after restart.
	w.markDirty(triggerStartup)

	for {
		select {
		case <-w.stopc:
			return
		case reason := <-w.marks:
			w.evaluate(reason, timer)
		case <-timer.C:
			telemetry.BoundaryTimerFires.Inc()
			w.markDirty(w.retryOrBoundary())
		}
	}
}

func (w *worker) retryOrBoundary() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.backoff > 0 {
		return triggerRetry
	}
	return triggerBoundary
}

func (w *worker) evaluate(trigger string, timer *time.Timer) {
	w.transition(WorkerEvaluating)

	wake, err := w.engine.evaluateScreen(w.screenID, trigger)
	if err != nil {
		// Fail safe: the previous decision stands and the timer becomes
		// a retry with exponential backoff.
		wake = w.nextBackoff()
		w.logger.Error().
			Err(err).
			Str("trigger", trigger).
			Dur("retry_in", wake).
			Msg("evaluation failed, keeping last decision")
	} else {
		w.resetBackoff()
	}

	resetTimer(timer, wake)

	// A mark that arrived mid-evaluation already moved the state to dirty
	// for the queued re-run.
	if len(w.marks) == 0 {
		w.transition(WorkerIdle)
	}
}

func (w *worker) nextBackoff() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.backoff == 0 {
		w.backoff = w.engine.backoffMin
	} else {
		w.backoff *= 2
		if w.backoff > w.engine.backoffMax {
			w.backoff = w.engine.backoffMax
		}
	}
	// Jitter spreads retries from workers that failed together.
	jitter := time.Duration(rand.Int63n(int64(w.backoff)/4 + 1))
	return w.backoff + jitter
}

func (w *worker) resetBackoff() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.backoff = 0
}

// resetTimer safely re-arms a timer owned by the calling goroutine.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
