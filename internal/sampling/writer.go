// Package sampling drives a sampler through its burn-in and production
// phases and streams the production trace as CSV.
//
// A run never panics and never aborts on a single failed model evaluation:
// failed draws are logged, counted and skipped so a partial trace survives.
// Cancelling the context stops the run after the current draw; everything
// written so far stays in the sink.
package sampling

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/nvandessel/gpcal/internal/calerr"
	"github.com/nvandessel/gpcal/internal/logging"
	"github.com/nvandessel/gpcal/internal/model"
	"github.com/nvandessel/gpcal/internal/models"
	"github.com/nvandessel/gpcal/internal/sampler"
)

// Phase names a stage of a run.
type Phase string

const (
	PhaseBurnIn     Phase = "burn_in"
	PhaseProduction Phase = "production"
)

// Observer receives every draw of a run. Observers run synchronously on the
// sampling goroutine.
type Observer interface {
	// OnSample is called for each successful draw. seq counts draws within
	// the phase, starting at 0.
	OnSample(phase Phase, seq int, s models.Sample)
	// OnFailure is called for each draw the model could not evaluate.
	OnFailure(phase Phase, seq int, err error)
	// OnFinish is called once with the final summary.
	OnFinish(Summary)
}

// Options configures a run.
type Options struct {
	Samples       int
	BurnInSamples int

	// UseModelError adds the model's own covariance to the likelihood.
	UseModelError bool

	// Progress, when set, receives carriage-return progress lines.
	Progress io.Writer

	// Prepare, when set, runs after the sampler is initialized and before
	// the first draw. It may deactivate parameters or move the start point.
	Prepare func(sampler.Sampler) error

	Logger    *slog.Logger
	Decisions *logging.DecisionLogger
	Observers []Observer
}

// Summary describes a finished run.
type Summary struct {
	Sampler string `json:"sampler"`

	BurnIn   int `json:"burn_in"`
	Written  int `json:"written"`
	Failures int `json:"failures"`

	// AcceptanceRate is the fraction of production draws that moved away
	// from the preceding draw.
	AcceptanceRate float64 `json:"acceptance_rate"`

	BestLogLikelihood float64       `json:"best_log_likelihood"`
	Best              models.Sample `json:"best"`

	Canceled bool          `json:"canceled"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
	ExitCode int           `json:"exit_code"`
}

// Writer runs one sampler against one model.
type Writer struct {
	sampler sampler.Sampler
	model   model.Model
	opts    Options
	logger  *slog.Logger
}

// NewWriter returns a Writer. Nothing is evaluated until Run.
func NewWriter(s sampler.Sampler, m model.Model, opts Options) *Writer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{sampler: s, model: m, opts: opts, logger: logger}
}

// Run performs the burn-in draws, writes the CSV header, then writes one row
// per successful production draw to out. Burn-in draws are not written.
func (w *Writer) Run(ctx context.Context, out io.Writer) Summary {
	start := time.Now()
	sum := Summary{BestLogLikelihood: math.Inf(-1)}
	finish := func(err error) Summary {
		sum.Duration = time.Since(start)
		sum.Err = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			sum.Canceled = true
		}
		sum.ExitCode = calerr.ExitCode(err)
		if sum.Best.IsZero() {
			sum.BestLogLikelihood = 0
		}
		for _, o := range w.opts.Observers {
			o.OnFinish(sum)
		}
		w.opts.Decisions.Log(map[string]any{
			"event":    "finish",
			"written":  sum.Written,
			"failures": sum.Failures,
			"canceled": sum.Canceled,
		})
		return sum
	}

	if w.sampler == nil || w.model == nil {
		return finish(fmt.Errorf("sampling run needs a sampler and a model: %w", calerr.ErrNotReady))
	}
	if w.opts.Samples < 0 || w.opts.BurnInSamples < 0 {
		return finish(fmt.Errorf("negative sample count: %w", calerr.ErrOther))
	}
	sum.Sampler = string(w.sampler.Kind())

	w.model.SetUseModelCovariance(w.opts.UseModelError)
	if err := w.sampler.Initialize(w.model); err != nil {
		return finish(fmt.Errorf("initialize %s: %w", sum.Sampler, err))
	}
	if w.opts.Prepare != nil {
		if err := w.opts.Prepare(w.sampler); err != nil {
			return finish(fmt.Errorf("prepare %s: %w", sum.Sampler, err))
		}
	}
	w.logger.Info("sampling started",
		"sampler", sum.Sampler,
		"burn_in", w.opts.BurnInSamples,
		"samples", w.opts.Samples,
		"use_model_error", w.opts.UseModelError)

	w.phase(PhaseBurnIn)
	burnIn := newProgress(w.opts.Progress, "Burn in", w.opts.BurnInSamples)
	for i := 0; i < w.opts.BurnInSamples; i++ {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
		burnIn.step(i)
		s, err := w.sampler.NextSample()
		if err != nil {
			if fatal(err) {
				return finish(err)
			}
			w.fail(PhaseBurnIn, i, err)
			sum.Failures++
			continue
		}
		for _, o := range w.opts.Observers {
			o.OnSample(PhaseBurnIn, i, s)
		}
		sum.BurnIn++
	}

	bw := bufio.NewWriter(out)
	if err := models.WriteCSVHeader(bw, w.model.ParameterNames(), w.model.OutputNames()); err != nil {
		return finish(fmt.Errorf("write trace header: %w", err))
	}

	w.phase(PhaseProduction)
	production := newProgress(w.opts.Progress, "SAMPLER", w.opts.Samples)
	var prev models.Sample
	moved, compared := 0, 0
	var runErr error
	for i := 0; i < w.opts.Samples; i++ {
		if runErr = ctx.Err(); runErr != nil {
			break
		}
		production.step(i)
		s, err := w.sampler.NextSample()
		if err == nil && s.IsZero() {
			err = fmt.Errorf("sampler returned an empty sample: %w", calerr.ErrOther)
		}
		if err != nil {
			if fatal(err) {
				runErr = err
				break
			}
			w.fail(PhaseProduction, i, err)
			sum.Failures++
			continue
		}
		if err := models.WriteCSVSample(bw, s); err != nil {
			runErr = fmt.Errorf("write trace row %d: %w", i, err)
			break
		}
		sum.Written++
		if sum.Written%64 == 0 {
			if err := bw.Flush(); err != nil {
				runErr = fmt.Errorf("flush trace: %w", err)
				break
			}
		}

		if !prev.IsZero() {
			compared++
			if !s.SameLocation(prev) {
				moved++
			}
		}
		prev = s
		if s.LogLikelihood > sum.BestLogLikelihood || sum.Best.IsZero() {
			sum.BestLogLikelihood = s.LogLikelihood
			sum.Best = s.Clone()
		}
		for _, o := range w.opts.Observers {
			o.OnSample(PhaseProduction, i, s)
		}
	}
	production.done()

	if err := bw.Flush(); err != nil && runErr == nil {
		runErr = fmt.Errorf("flush trace: %w", err)
	}
	if compared > 0 {
		sum.AcceptanceRate = float64(moved) / float64(compared)
	}

	w.logger.Info("sampling finished",
		"sampler", sum.Sampler,
		"written", sum.Written,
		"failures", sum.Failures,
		"acceptance_rate", sum.AcceptanceRate,
		"best_log_likelihood", sum.BestLogLikelihood)
	return finish(runErr)
}

func (w *Writer) phase(p Phase) {
	w.logger.Debug("sampling phase", "phase", string(p))
	w.opts.Decisions.Log(map[string]any{
		"event":   "phase",
		"phase":   string(p),
		"sampler": string(w.sampler.Kind()),
	})
}

func (w *Writer) fail(p Phase, seq int, err error) {
	w.logger.Warn("sample failed", "phase", string(p), "seq", seq, "error", err)
	for _, o := range w.opts.Observers {
		o.OnFailure(p, seq, err)
	}
}

// fatal reports errors that no further draw can recover from.
func fatal(err error) bool {
	return errors.Is(err, calerr.ErrNotReady) ||
		errors.Is(err, calerr.ErrInvalidParameterIndex) ||
		errors.Is(err, calerr.ErrShapeMismatch)
}

// progress prints "\r<label> percent done: N%" roughly once per percent.
type progress struct {
	w       io.Writer
	label   string
	every   int
	percent int
}

func newProgress(w io.Writer, label string, total int) *progress {
	return &progress{w: w, label: label, every: max(total/100, 1)}
}

func (p *progress) step(count int) {
	if p.w == nil || count%p.every != 0 {
		return
	}
	fmt.Fprintf(p.w, "\r%s percent done: %d%%", p.label, p.percent)
	p.percent++
}

func (p *progress) done() {
	if p.w == nil {
		return
	}
	fmt.Fprint(p.w, "\r                          \r")
}
