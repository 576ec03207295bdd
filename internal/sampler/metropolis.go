package sampler

import (
	"fmt"
	"math"
	"slices"

	"github.com/nvandessel/gpcal/internal/calerr"
	"github.com/nvandessel/gpcal/internal/constants"
	"github.com/nvandessel/gpcal/internal/distribution"
	"github.com/nvandessel/gpcal/internal/logging"
	"github.com/nvandessel/gpcal/internal/model"
	"github.com/nvandessel/gpcal/internal/models"
	"github.com/nvandessel/gpcal/internal/random"
)

// MetropolisHastingsOptions configures the random-walk sampler.
type MetropolisHastingsOptions struct {
	// StepSize scales the proposal: each active coordinate moves by
	// StepSize * IQR(prior) * Uniform(-1, 1).
	StepSize float64

	// MaxAttempts bounds the proposals redrawn for one sample when the
	// likelihood comes back NaN. Zero means constants.MaxProposalAttempts.
	// A proposal outside the prior support is rejected, not redrawn.
	MaxAttempts int

	Decisions *logging.DecisionLogger
}

// MetropolisHastings is a random-walk Metropolis sampler with a symmetric
// uniform proposal. A rejected proposal re-emits the current sample, so
// consecutive duplicates in a trace are expected.
type MetropolisHastings struct {
	ParameterSet

	src       *random.Source
	opts      MetropolisHastingsOptions
	scales    []float64
	currentLL float64
	outputs   []float64
}

var _ Sampler = (*MetropolisHastings)(nil)

func NewMetropolisHastings(src *random.Source, opts MetropolisHastingsOptions) *MetropolisHastings {
	if opts.StepSize <= 0 {
		opts.StepSize = constants.DefaultMCMCStepSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = constants.MaxProposalAttempts
	}
	return &MetropolisHastings{src: src, opts: opts}
}

func (s *MetropolisHastings) Kind() constants.SamplerKind {
	return constants.SamplerMetropolisHastings
}

// StepSize returns the proposal scale.
func (s *MetropolisHastings) StepSize() float64 { return s.opts.StepSize }

// SetStepSize changes the proposal scale. Non-positive values are ignored.
func (s *MetropolisHastings) SetStepSize(step float64) {
	if step > 0 {
		s.opts.StepSize = step
	}
}

// Initialize starts the chain at a draw from the priors.
func (s *MetropolisHastings) Initialize(m model.Model) error {
	if err := s.bind(m); err != nil {
		return err
	}
	s.scales = make([]float64, len(s.params))
	for i, p := range s.params {
		s.current[i] = p.Prior.Sample(s.src)
		s.scales[i] = distribution.InterquartileRange(p.Prior)
	}
	return s.evaluateCurrent()
}

func (s *MetropolisHastings) evaluateCurrent() error {
	ev, err := s.model.LogLikelihood(s.current)
	if err != nil {
		return err
	}
	s.currentLL = ev.LogLikelihood
	s.outputs = ev.Outputs
	return nil
}

// NextSample proposes one move and returns the chain's position afterwards.
func (s *MetropolisHastings) NextSample() (models.Sample, error) {
	if err := s.ready(); err != nil {
		return models.Sample{}, err
	}
	if s.takeDirty() {
		if err := s.evaluateCurrent(); err != nil {
			return models.Sample{}, err
		}
	}

	candidate := make([]float64, len(s.current))
	for attempt := 0; attempt < s.opts.MaxAttempts; attempt++ {
		copy(candidate, s.current)
		for i, p := range s.params {
			if p.Active {
				candidate[i] += s.opts.StepSize * s.scales[i] * s.src.Uniform(-1, 1)
			}
		}
		if math.IsInf(s.model.LogPrior(candidate), -1) {
			s.opts.Decisions.Log(map[string]any{
				"event":    "proposal",
				"sampler":  string(s.Kind()),
				"reason":   "outside_support",
				"accepted": false,
				"attempt":  attempt,
			})
			return models.NewSample(s.current, s.outputs, s.currentLL), nil
		}
		ev, err := s.model.LogLikelihood(candidate)
		if err != nil {
			return models.Sample{}, err
		}
		if math.IsNaN(ev.LogLikelihood) {
			continue
		}

		delta := ev.LogLikelihood - s.currentLL
		u := s.src.Float64()
		accepted := accept(delta, u)
		s.opts.Decisions.Log(map[string]any{
			"event":    "proposal",
			"sampler":  string(s.Kind()),
			"delta":    finiteOrNil(delta),
			"u":        u,
			"accepted": accepted,
			"attempt":  attempt,
		})
		if accepted {
			copy(s.current, candidate)
			s.currentLL = ev.LogLikelihood
			s.outputs = ev.Outputs
		}
		return models.NewSample(s.current, s.outputs, s.currentLL), nil
	}
	return models.Sample{}, fmt.Errorf("no admissible proposal in %d attempts: %w", s.opts.MaxAttempts, calerr.ErrConvergenceFailure)
}

// accept is the Metropolis rule for a symmetric proposal: always move
// uphill, and move downhill with probability exp(delta).
func accept(delta, u float64) bool {
	return delta >= 0 || u < math.Exp(delta)
}

// finiteOrNil keeps infinities out of JSON.
func finiteOrNil(v float64) any {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return v
}

// CurrentOutputs returns the model outputs at the current point.
func (s *MetropolisHastings) CurrentOutputs() []float64 {
	return slices.Clone(s.outputs)
}
