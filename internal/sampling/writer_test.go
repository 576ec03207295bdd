package sampling

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nvandessel/gpcal/internal/calerr"
	"github.com/nvandessel/gpcal/internal/distribution"
	"github.com/nvandessel/gpcal/internal/logging"
	"github.com/nvandessel/gpcal/internal/model"
	"github.com/nvandessel/gpcal/internal/models"
	"github.com/nvandessel/gpcal/internal/random"
	"github.com/nvandessel/gpcal/internal/sampler"
)

type recorder struct {
	burnIn, production, failures, finishes int
	samples                                []models.Sample
	onProduction                           func(seq int)
	summary                                Summary
}

func (r *recorder) OnSample(phase Phase, seq int, s models.Sample) {
	if phase == PhaseBurnIn {
		r.burnIn++
		return
	}
	r.production++
	r.samples = append(r.samples, s)
	if r.onProduction != nil {
		r.onProduction(seq)
	}
}

func (r *recorder) OnFailure(Phase, int, error) { r.failures++ }

func (r *recorder) OnFinish(s Summary) {
	r.finishes++
	r.summary = s
}

// flaky fails every third draw.
type flaky struct {
	*sampler.PercentileGrid
	n int
}

func (f *flaky) NextSample() (models.Sample, error) {
	f.n++
	if f.n%3 == 0 {
		return models.Sample{}, errors.New("simulator crashed")
	}
	return f.PercentileGrid.NextSample()
}

func newGaussian2D(t *testing.T) *model.Core {
	t.Helper()
	m, err := model.NewGaussian2D(model.DefaultGaussian2D(), nil)
	if err != nil {
		t.Fatalf("NewGaussian2D() error = %v", err)
	}
	return m
}

// peakModel has one parameter on [0, 1] and a sharp likelihood peak at
// a = center.
func peakModel(t *testing.T, center float64) *model.Core {
	t.Helper()
	prior, err := distribution.NewUniform(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	m, err := model.NewDirect([]models.Parameter{models.NewParameter("a", prior)}, []string{"y"},
		func(p []float64) ([]float64, error) { return []float64{10 * p[0]}, nil }, model.Options{})
	if err != nil {
		t.Fatalf("NewDirect() error = %v", err)
	}
	if err := m.SetObservedValues([]float64{10 * center}); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestRun_WritesHeaderAfterBurnIn(t *testing.T) {
	m := newGaussian2D(t)
	s := sampler.NewMetropolisHastings(random.New(1), sampler.MetropolisHastingsOptions{StepSize: 0.2})
	rec := &recorder{}
	var out, progress bytes.Buffer

	sum := NewWriter(s, m, Options{
		Samples:       40,
		BurnInSamples: 15,
		Progress:      &progress,
		Logger:        logging.NewLogger("error", &bytes.Buffer{}),
		Observers:     []Observer{rec},
	}).Run(context.Background(), &out)

	if sum.Err != nil || sum.ExitCode != calerr.ExitSuccess {
		t.Fatalf("Run() err = %v, exit = %d", sum.Err, sum.ExitCode)
	}
	if sum.BurnIn != 15 || sum.Written != 40 {
		t.Errorf("BurnIn = %d, Written = %d, want 15, 40", sum.BurnIn, sum.Written)
	}
	if rec.burnIn != 15 || rec.production != 40 || rec.finishes != 1 {
		t.Errorf("observer saw burnIn=%d production=%d finishes=%d", rec.burnIn, rec.production, rec.finishes)
	}

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	if len(lines) != 41 {
		t.Fatalf("trace has %d lines, want header + 40", len(lines))
	}
	if want := `"X","Y","Value","LogLikelihood"`; lines[0] != want {
		t.Errorf("header = %q, want %q", lines[0], want)
	}

	trace, err := models.ImportCSV(strings.NewReader(out.String()), 2, 1)
	if err != nil {
		t.Fatalf("ImportCSV() error = %v", err)
	}
	if diff := cmp.Diff(rec.samples, trace.Samples()); diff != "" {
		t.Errorf("written trace differs from observed samples (-observed +written):\n%s", diff)
	}

	for _, want := range []string{"\rBurn in percent done: 0%", "\rSAMPLER percent done: 0%", "SAMPLER percent done: 39%"} {
		if !strings.Contains(progress.String(), want) {
			t.Errorf("progress missing %q", want)
		}
	}
}

func TestRun_AcceptanceAndBest(t *testing.T) {
	m := peakModel(t, 0.5)
	s := sampler.NewMetropolisHastings(random.New(2), sampler.MetropolisHastingsOptions{StepSize: 0.5})
	rec := &recorder{}
	sum := NewWriter(s, m, Options{Samples: 200, Observers: []Observer{rec}}).Run(context.Background(), &bytes.Buffer{})
	if sum.Err != nil {
		t.Fatalf("Run() error = %v", sum.Err)
	}

	moved := 0
	best := rec.samples[0]
	for i := 1; i < len(rec.samples); i++ {
		if !rec.samples[i].SameLocation(rec.samples[i-1]) {
			moved++
		}
		if rec.samples[i].LogLikelihood > best.LogLikelihood {
			best = rec.samples[i]
		}
	}
	if want := float64(moved) / 199; sum.AcceptanceRate != want {
		t.Errorf("AcceptanceRate = %g, want %g", sum.AcceptanceRate, want)
	}
	if sum.AcceptanceRate <= 0 || sum.AcceptanceRate >= 1 {
		t.Errorf("AcceptanceRate = %g, want strictly between 0 and 1", sum.AcceptanceRate)
	}
	if sum.BestLogLikelihood != best.LogLikelihood || !sum.Best.Equal(best) {
		t.Errorf("Best = %+v, want %+v", sum.Best, best)
	}
}

func TestRun_GradientAlwaysMoves(t *testing.T) {
	// The prior median 0.5 sits off the peak, so every step moves.
	m := peakModel(t, 0.3)
	s := sampler.NewGradientAscent(sampler.GradientOptions{})
	sum := NewWriter(s, m, Options{Samples: 20}).Run(context.Background(), &bytes.Buffer{})
	if sum.Err != nil {
		t.Fatalf("Run() error = %v", sum.Err)
	}
	if sum.AcceptanceRate != 1 {
		t.Errorf("AcceptanceRate = %g, want 1", sum.AcceptanceRate)
	}
}

func TestRun_SkipsFailedDraws(t *testing.T) {
	m := newGaussian2D(t)
	s := &flaky{PercentileGrid: sampler.NewPercentileGrid(sampler.PercentileGridOptions{Divisions: 4})}
	rec := &recorder{}
	var out bytes.Buffer
	sum := NewWriter(s, m, Options{Samples: 30, BurnInSamples: 3, Observers: []Observer{rec}}).Run(context.Background(), &out)

	if sum.Err != nil {
		t.Fatalf("Run() error = %v, per-draw failures must not abort", sum.Err)
	}
	// Draw 3 fails in burn-in; draws 6, 9, ... 33 fail in production.
	if sum.Failures != 11 || rec.failures != 11 {
		t.Errorf("Failures = %d (observer %d), want 11", sum.Failures, rec.failures)
	}
	if sum.Written != 20 {
		t.Errorf("Written = %d, want 20", sum.Written)
	}
	if got := strings.Count(out.String(), "\n"); got != 21 {
		t.Errorf("trace has %d lines, want 21", got)
	}
}

func TestRun_CancelKeepsPartialTrace(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newGaussian2D(t)
	s := sampler.NewMetropolisHastings(random.New(3), sampler.MetropolisHastingsOptions{})
	rec := &recorder{onProduction: func(seq int) {
		if seq == 4 {
			cancel()
		}
	}}
	var out bytes.Buffer
	sum := NewWriter(s, m, Options{Samples: 1000, Observers: []Observer{rec}}).Run(ctx, &out)

	if !sum.Canceled || !errors.Is(sum.Err, context.Canceled) {
		t.Fatalf("Canceled = %v, Err = %v", sum.Canceled, sum.Err)
	}
	if sum.ExitCode != calerr.ExitFailure {
		t.Errorf("ExitCode = %d, want %d", sum.ExitCode, calerr.ExitFailure)
	}
	if sum.Written != 5 {
		t.Errorf("Written = %d, want 5", sum.Written)
	}
	if got := strings.Count(out.String(), "\n"); got != 6 {
		t.Errorf("partial trace has %d lines, want 6", got)
	}
}

func TestRun_SetsModelCovarianceFlag(t *testing.T) {
	tests := []struct {
		name string
		use  bool
	}{
		{"enabled", true},
		{"disabled", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newGaussian2D(t)
			m.SetUseModelCovariance(!tt.use)
			s := sampler.NewGradientAscent(sampler.GradientOptions{})
			NewWriter(s, m, Options{Samples: 1, UseModelError: tt.use}).Run(context.Background(), &bytes.Buffer{})
			if m.UseModelCovariance() != tt.use {
				t.Errorf("UseModelCovariance() = %v, want %v", m.UseModelCovariance(), tt.use)
			}
		})
	}
}

func TestRun_SetupErrors(t *testing.T) {
	tests := []struct {
		name     string
		writer   *Writer
		wantErr  error
		wantExit int
	}{
		{
			name:     "nil model",
			writer:   NewWriter(sampler.NewGradientAscent(sampler.GradientOptions{}), nil, Options{Samples: 1}),
			wantErr:  calerr.ErrNotReady,
			wantExit: calerr.ExitUsage,
		},
		{
			name:     "uninitialized model",
			writer:   NewWriter(sampler.NewGradientAscent(sampler.GradientOptions{}), &model.Core{}, Options{Samples: 1}),
			wantErr:  calerr.ErrNotReady,
			wantExit: calerr.ExitUsage,
		},
		{
			name:     "negative samples",
			writer:   NewWriter(sampler.NewGradientAscent(sampler.GradientOptions{}), newGaussian2D(t), Options{Samples: -1}),
			wantErr:  calerr.ErrOther,
			wantExit: calerr.ExitFailure,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			sum := tt.writer.Run(context.Background(), &out)
			if !errors.Is(sum.Err, tt.wantErr) {
				t.Errorf("Err = %v, want %v", sum.Err, tt.wantErr)
			}
			if sum.ExitCode != tt.wantExit {
				t.Errorf("ExitCode = %d, want %d", sum.ExitCode, tt.wantExit)
			}
			if out.Len() != 0 {
				t.Errorf("setup failure wrote %d bytes", out.Len())
			}
		})
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, fmt.Errorf("disk full") }

func TestRun_SinkError(t *testing.T) {
	m := newGaussian2D(t)
	s := sampler.NewGradientAscent(sampler.GradientOptions{})
	sum := NewWriter(s, m, Options{Samples: 3}).Run(context.Background(), failingWriter{})
	if sum.Err == nil || !strings.Contains(sum.Err.Error(), "disk full") {
		t.Errorf("Err = %v, want sink error", sum.Err)
	}
}

func TestRun_PrepareFixesParameter(t *testing.T) {
	m := newGaussian2D(t)
	s := sampler.NewMetropolisHastings(random.New(3), sampler.MetropolisHastingsOptions{StepSize: 0.3})
	rec := &recorder{}
	sum := NewWriter(s, m, Options{
		Samples:   25,
		Observers: []Observer{rec},
		Prepare: func(s sampler.Sampler) error {
			if err := s.DeactivateParameter("Y"); err != nil {
				return err
			}
			return s.SetParameterValue("Y", -14)
		},
	}).Run(context.Background(), &bytes.Buffer{})
	if sum.Err != nil {
		t.Fatalf("Run() error = %v", sum.Err)
	}
	for i, smp := range rec.samples {
		if smp.ParameterValues[1] != -14 {
			t.Fatalf("sample %d moved the fixed parameter: %v", i, smp.ParameterValues)
		}
	}

	sum = NewWriter(s, m, Options{
		Samples: 5,
		Prepare: func(s sampler.Sampler) error { return s.DeactivateParameter("Z") },
	}).Run(context.Background(), &bytes.Buffer{})
	if !errors.Is(sum.Err, calerr.ErrInvalidParameterIndex) || sum.Written != 0 {
		t.Errorf("Run() = %v with %d written, want ErrInvalidParameterIndex and nothing written", sum.Err, sum.Written)
	}
}
