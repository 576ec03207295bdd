// Package metrics exports sampler diagnostics in the Prometheus text format.
//
// A Recorder owns a private registry, observes a sampling run and can dump
// the registry to a textfile for node_exporter's textfile collector.
package metrics

import (
	"math"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nvandessel/gpcal/internal/models"
	"github.com/nvandessel/gpcal/internal/sampling"
)

// Recorder is a sampling.Observer backed by Prometheus collectors.
type Recorder struct {
	registry *prometheus.Registry

	samples        *prometheus.CounterVec
	failures       prometheus.Counter
	acceptanceRate prometheus.Gauge
	bestLL         prometheus.Gauge
	logLikelihood  prometheus.Histogram

	mu       sync.Mutex
	prev     models.Sample
	moved    int
	compared int
	best     float64
}

var _ sampling.Observer = (*Recorder)(nil)

// NewRecorder returns a Recorder whose collectors are labelled with the
// sampler kind.
func NewRecorder(samplerKind string) *Recorder {
	constLabels := prometheus.Labels{"sampler": samplerKind}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		samples: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "gpcal_samples_total",
				Help:        "Successful sampler draws by phase",
				ConstLabels: constLabels,
			},
			[]string{"phase"},
		),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "gpcal_sample_failures_total",
			Help:        "Draws whose model evaluation failed",
			ConstLabels: constLabels,
		}),
		acceptanceRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "gpcal_acceptance_rate",
			Help:        "Fraction of production draws that moved away from the previous draw",
			ConstLabels: constLabels,
		}),
		bestLL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "gpcal_best_log_likelihood",
			Help:        "Highest log-likelihood seen in the production phase",
			ConstLabels: constLabels,
		}),
		logLikelihood: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "gpcal_log_likelihood",
			Help:        "Log-likelihood of production draws",
			ConstLabels: constLabels,
			Buckets:     []float64{-1000, -100, -50, -20, -10, -5, -2, -1, -0.5, -0.1, 0},
		}),
		best: math.Inf(-1),
	}
	r.registry.MustRegister(r.samples, r.failures, r.acceptanceRate, r.bestLL, r.logLikelihood)
	return r
}

// Registry exposes the private registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) OnSample(phase sampling.Phase, _ int, s models.Sample) {
	r.samples.WithLabelValues(string(phase)).Inc()
	if phase != sampling.PhaseProduction {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !math.IsInf(s.LogLikelihood, 0) && !math.IsNaN(s.LogLikelihood) {
		r.logLikelihood.Observe(s.LogLikelihood)
	}
	if s.LogLikelihood > r.best {
		r.best = s.LogLikelihood
		r.bestLL.Set(s.LogLikelihood)
	}
	if !r.prev.IsZero() {
		r.compared++
		if !s.SameLocation(r.prev) {
			r.moved++
		}
		r.acceptanceRate.Set(float64(r.moved) / float64(r.compared))
	}
	r.prev = s.Clone()
}

func (r *Recorder) OnFailure(sampling.Phase, int, error) {
	r.failures.Inc()
}

// OnFinish aligns the gauges with the runner's own summary.
func (r *Recorder) OnFinish(sum sampling.Summary) {
	r.acceptanceRate.Set(sum.AcceptanceRate)
	if !sum.Best.IsZero() {
		r.bestLL.Set(sum.BestLogLikelihood)
	}
}

// WriteTextfile atomically writes the registry to path.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.registry)
}
