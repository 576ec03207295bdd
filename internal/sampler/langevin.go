package sampler

import (
	"fmt"
	"math"
	"slices"

	"github.com/nvandessel/gpcal/internal/calerr"
	"github.com/nvandessel/gpcal/internal/constants"
	"github.com/nvandessel/gpcal/internal/logging"
	"github.com/nvandessel/gpcal/internal/model"
	"github.com/nvandessel/gpcal/internal/models"
	"github.com/nvandessel/gpcal/internal/random"
)

// LangevinOptions configures the dynamics.
type LangevinOptions struct {
	TimeStep float64

	// KickStrength is the standard deviation of each velocity impulse
	// component.
	KickStrength float64

	// MeanTimeBetweenKicks is the mean of the gaussian inter-kick time.
	// Zero or negative disables kicks.
	MeanTimeBetweenKicks float64

	DragCoefficient float64
	MassScale       float64

	Decisions *logging.DecisionLogger
}

// Langevin integrates damped dynamics on the log-likelihood surface:
//
//	m dv/dt = grad LL(x) - drag * v
//
// with velocity Verlet, plus random velocity kicks at gaussian-distributed
// intervals. A kick that falls inside a step is applied at its exact time:
// the step is split at the kick.
type Langevin struct {
	ParameterSet

	src  *random.Source
	opts LangevinOptions

	velocity []float64
	time     float64
	nextKick float64

	// state at the current point
	eval model.Evaluation
}

var _ Sampler = (*Langevin)(nil)

func NewLangevin(src *random.Source, opts LangevinOptions) *Langevin {
	if opts.TimeStep <= 0 {
		opts.TimeStep = constants.DefaultLangevinTimeStep
	}
	if opts.MassScale <= 0 {
		opts.MassScale = constants.DefaultLangevinMassScale
	}
	if opts.DragCoefficient < 0 {
		opts.DragCoefficient = 0
	}
	return &Langevin{src: src, opts: opts}
}

func (s *Langevin) Kind() constants.SamplerKind {
	return constants.SamplerLangevin
}

// Initialize starts at rest at the prior medians.
func (s *Langevin) Initialize(m model.Model) error {
	if err := s.bind(m); err != nil {
		return err
	}
	s.velocity = make([]float64, len(s.params))
	s.time = 0
	s.nextKick = s.kickInterval()
	return s.evaluateCurrent()
}

func (s *Langevin) evaluateCurrent() error {
	ev, err := s.model.LogLikelihoodGradient(s.current, s.activeMask())
	if err != nil {
		return err
	}
	s.eval = ev
	return nil
}

// Velocities returns the current velocity vector.
func (s *Langevin) Velocities() []float64 {
	return slices.Clone(s.velocity)
}

// SetVelocities replaces the velocity vector.
func (s *Langevin) SetVelocities(v []float64) error {
	if err := s.ready(); err != nil {
		return err
	}
	if len(v) != len(s.velocity) {
		return fmt.Errorf("%d velocities, want %d: %w", len(v), len(s.velocity), calerr.ErrShapeMismatch)
	}
	copy(s.velocity, v)
	return nil
}

// Time returns the integrated time.
func (s *Langevin) Time() float64 { return s.time }

func (s *Langevin) kickInterval() float64 {
	mean := s.opts.MeanTimeBetweenKicks
	if !(mean > 0) || math.IsInf(mean, 1) {
		return math.Inf(1)
	}
	// Intervals must move time forward.
	return math.Max(s.src.Gaussian(mean, constants.LangevinKickIntervalSpread*mean), 1e-3*mean)
}

// NextSample advances the dynamics by one time step and returns the new
// point with its log-likelihood gradient.
func (s *Langevin) NextSample() (models.Sample, error) {
	if err := s.ready(); err != nil {
		return models.Sample{}, err
	}
	if s.takeDirty() {
		if err := s.evaluateCurrent(); err != nil {
			return models.Sample{}, err
		}
	}

	remaining := s.opts.TimeStep
	for s.nextKick < s.time+remaining {
		tau := s.nextKick - s.time
		if tau > 0 {
			if err := s.integrate(tau); err != nil {
				return models.Sample{}, err
			}
			remaining -= tau
		}
		s.time = s.nextKick
		s.kick()
		s.nextKick += s.kickInterval()
	}
	if err := s.integrate(remaining); err != nil {
		return models.Sample{}, err
	}
	s.time += remaining
	return sampleAt(s.current, s.eval), nil
}

// integrate advances x and v by tau. Drag is treated implicitly in the
// closing half-kick so it stays stable for any tau. Positions that leave a
// parameter's range are mirrored back inside with their velocity reversed.
func (s *Langevin) integrate(tau float64) error {
	m := s.opts.MassScale
	drag := s.opts.DragCoefficient
	accel := make([]float64, len(s.current))
	next := slices.Clone(s.current)
	for i, p := range s.params {
		if !p.Active {
			continue
		}
		accel[i] = (s.eval.Gradient[i] - drag*s.velocity[i]) / m
		next[i] += s.velocity[i]*tau + 0.5*accel[i]*tau*tau
	}
	flipped := s.reflect(next)

	ev, err := s.model.LogLikelihoodGradient(next, s.activeMask())
	if err != nil {
		return err
	}
	damp := 1 + 0.5*drag*tau/m
	for i, p := range s.params {
		if !p.Active {
			continue
		}
		s.velocity[i] = (s.velocity[i] + 0.5*(accel[i]+ev.Gradient[i]/m)*tau) / damp
		if flipped[i] {
			s.velocity[i] = -s.velocity[i]
		}
	}
	s.current = next
	s.eval = ev
	return nil
}

func (s *Langevin) kick() {
	for i, p := range s.params {
		if p.Active {
			s.velocity[i] += s.src.Gaussian(0, s.opts.KickStrength)
		}
	}
	s.opts.Decisions.Log(map[string]any{
		"event":    "kick",
		"sampler":  string(s.Kind()),
		"sim_time": s.time,
	})
}
