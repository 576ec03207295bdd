package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nvandessel/gpcal/internal/models"
	"github.com/nvandessel/gpcal/internal/sampling"
)

// batchSize bounds the samples buffered before a transaction.
const batchSize = 256

// Observer mirrors a sampling run into a TraceStore. Samples are written in
// batches; the last batch and the run outcome are written by OnFinish.
// Store errors are logged and kept; the run itself is never interrupted.
type Observer struct {
	ctx    context.Context
	store  TraceStore
	runID  string
	logger *slog.Logger

	mu      sync.Mutex
	phase   sampling.Phase
	first   int
	pending []models.Sample
	err     error
}

var _ sampling.Observer = (*Observer)(nil)

// NewObserver returns an Observer appending to runID. A nil logger means
// slog.Default().
func NewObserver(ctx context.Context, s TraceStore, runID string, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{ctx: ctx, store: s, runID: runID, logger: logger}
}

// RunID returns the run being recorded.
func (o *Observer) RunID() string { return o.runID }

// Err returns the first store error, if any.
func (o *Observer) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

func (o *Observer) OnSample(phase sampling.Phase, seq int, s models.Sample) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return
	}
	// A new phase, or a gap left by a failed draw, starts a new batch.
	if len(o.pending) > 0 && (phase != o.phase || seq != o.first+len(o.pending)) {
		o.flush()
	}
	if len(o.pending) == 0 {
		o.phase = phase
		o.first = seq
	}
	o.pending = append(o.pending, s.Clone())
	if len(o.pending) >= batchSize {
		o.flush()
	}
}

func (o *Observer) OnFailure(sampling.Phase, int, error) {}

func (o *Observer) OnFinish(sum sampling.Summary) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err == nil {
		o.flush()
	}

	status := RunCompleted
	switch {
	case sum.Canceled:
		status = RunCanceled
	case sum.Err != nil:
		status = RunFailed
	}
	// The run context may already be canceled; the outcome is still recorded.
	err := o.store.FinishRun(context.WithoutCancel(o.ctx), o.runID, RunResult{
		Status:            status,
		Written:           sum.Written,
		Failures:          sum.Failures,
		AcceptanceRate:    sum.AcceptanceRate,
		BestLogLikelihood: sum.BestLogLikelihood,
	})
	if err != nil {
		o.fail(err)
	}
}

// flush must be called with o.mu held.
func (o *Observer) flush() {
	if len(o.pending) == 0 {
		return
	}
	err := o.store.AppendSamples(context.WithoutCancel(o.ctx), o.runID, string(o.phase), o.first, o.pending)
	o.pending = o.pending[:0]
	if err != nil {
		o.fail(err)
	}
}

func (o *Observer) fail(err error) {
	o.logger.Error("trace store write failed", "run", o.runID, "error", err)
	if o.err == nil {
		o.err = err
	}
}
