package sampler

import (
	"github.com/nvandessel/gpcal/internal/constants"
	"github.com/nvandessel/gpcal/internal/model"
	"github.com/nvandessel/gpcal/internal/models"
)

// GradientOptions configures the fixed-step gradient samplers.
type GradientOptions struct {
	StepSize float64
}

// Gradient walks the log-likelihood surface with fixed steps:
//
//	x <- x + dir * step * grad LL(x)
//
// over the active parameters, dir = +1 to maximize and -1 to minimize.
// There is no line search and no convergence test.
type Gradient struct {
	ParameterSet

	step     float64
	minimize bool
}

var _ Sampler = (*Gradient)(nil)

// NewGradientAscent returns a sampler that climbs the log-likelihood.
func NewGradientAscent(opts GradientOptions) *Gradient {
	return newGradient(opts, false)
}

// NewGradientDescent returns a sampler that descends the log-likelihood.
func NewGradientDescent(opts GradientOptions) *Gradient {
	return newGradient(opts, true)
}

func newGradient(opts GradientOptions, minimize bool) *Gradient {
	step := opts.StepSize
	if step <= 0 {
		step = constants.DefaultGradientStepSize
	}
	return &Gradient{step: step, minimize: minimize}
}

func (s *Gradient) Kind() constants.SamplerKind {
	if s.minimize {
		return constants.SamplerGradientDescent
	}
	return constants.SamplerGradientAscent
}

func (s *Gradient) Initialize(m model.Model) error {
	return s.bind(m)
}

func (s *Gradient) StepSize() float64 { return s.step }

// SetStepSize changes the step. Non-positive values are ignored.
func (s *Gradient) SetStepSize(step float64) {
	if step > 0 {
		s.step = step
	}
}

func (s *Gradient) Maximize() { s.minimize = false }
func (s *Gradient) Minimize() { s.minimize = true }

// NextSample returns the sample at the current point, then takes one step.
// The step stops at the edge of each parameter's range.
func (s *Gradient) NextSample() (models.Sample, error) {
	if err := s.ready(); err != nil {
		return models.Sample{}, err
	}
	s.takeDirty()
	ev, err := s.model.LogLikelihoodGradient(s.current, s.activeMask())
	if err != nil {
		return models.Sample{}, err
	}
	sample := sampleAt(s.current, ev)

	dir := 1.0
	if s.minimize {
		dir = -1
	}
	for i, p := range s.params {
		if p.Active {
			s.current[i] += dir * s.step * ev.Gradient[i]
		}
	}
	s.clamp(s.current)
	return sample, nil
}
