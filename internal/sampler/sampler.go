// Package sampler implements the strategies that walk a model's parameter
// space: Metropolis-Hastings MCMC, Langevin dynamics, fixed-step gradient
// ascent/descent and a deterministic percentile grid.
//
// Every sampler is bound to one model by Initialize and then produces one
// Sample per NextSample call. Sampling is open-ended; the caller decides how
// many samples to draw. A model evaluation error is returned together with
// the zero Sample so a driving loop can log it and continue.
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

// Sampler is the contract shared by all strategies.
type Sampler interface {
	Kind() constants.SamplerKind

	// Initialize binds the sampler to m, activates every parameter and
	// picks a starting point.
	Initialize(m model.Model) error

	NextSample() (models.Sample, error)

	Model() model.Model
	Parameters() []models.Parameter
	CurrentParameters() []float64

	ActivateParameter(name string) error
	DeactivateParameter(name string) error
	ActivateParameterIndex(index int) error
	DeactivateParameterIndex(index int) error
	IsParameterActive(name string) (bool, error)

	SetParameterValue(name string, value float64) error
	SetParameterValues(values []float64) error
}

// ParameterSet is the active-parameter bookkeeping shared by the samplers.
// Embed it and call bind from Initialize.
type ParameterSet struct {
	model   model.Model
	params  []models.Parameter
	current []float64

	// lower and upper bound each coordinate; see model.Model.Range.
	lower, upper []float64

	// dirty is set when the caller moves the current point.
	dirty bool
}

// bind attaches m and resets the set: all parameters active, current point
// at the prior medians.
func (s *ParameterSet) bind(m model.Model) error {
	if m == nil {
		return fmt.Errorf("initialize sampler: nil model: %w", calerr.ErrNotReady)
	}
	if st := m.State(); st != model.StateReady {
		return fmt.Errorf("initialize sampler: model is %s: %w", st, calerr.ErrNotReady)
	}
	s.model = m
	s.params = m.Parameters()
	s.current = make([]float64, len(s.params))
	s.lower = make([]float64, len(s.params))
	s.upper = make([]float64, len(s.params))
	for i := range s.params {
		s.params[i].Active = true
		s.current[i] = s.params[i].Prior.Percentile(0.5)
		lo, hi, err := m.Range(i)
		if err != nil {
			return fmt.Errorf("initialize sampler: %w", err)
		}
		s.lower[i], s.upper[i] = lo, hi
	}
	s.dirty = false
	return nil
}

// reflect folds each active coordinate of x back into its range, mirroring
// at the bounds. It reports which coordinates were mirrored an odd number of
// times, so a caller tracking momentum can reverse it.
func (s *ParameterSet) reflect(x []float64) []bool {
	flipped := make([]bool, len(x))
	for i, p := range s.params {
		lo, hi := s.lower[i], s.upper[i]
		if !p.Active || !(hi > lo) || (x[i] >= lo && x[i] <= hi) {
			continue
		}
		switch {
		case math.IsNaN(x[i]):
			continue
		case math.IsInf(x[i], 0):
			x[i] = math.Max(lo, math.Min(hi, x[i]))
			flipped[i] = true
			continue
		}
		w := hi - lo
		k := math.Floor((x[i] - lo) / w)
		d := x[i] - lo - k*w
		if math.Mod(k, 2) != 0 {
			d = w - d
			flipped[i] = true
		}
		x[i] = lo + math.Max(0, math.Min(w, d))
	}
	return flipped
}

// clamp pins each active coordinate of x to its range.
func (s *ParameterSet) clamp(x []float64) {
	for i, p := range s.params {
		if p.Active && s.upper[i] >= s.lower[i] {
			x[i] = math.Max(s.lower[i], math.Min(s.upper[i], x[i]))
		}
	}
}

func (s *ParameterSet) ready() error {
	if s.model == nil {
		return fmt.Errorf("sampler has no model: %w", calerr.ErrNotReady)
	}
	return nil
}

func (s *ParameterSet) index(name string) (int, error) {
	if err := s.ready(); err != nil {
		return -1, err
	}
	for i, p := range s.params {
		if p.Name == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("no parameter named %q: %w", name, calerr.ErrInvalidParameterIndex)
}

func (s *ParameterSet) checkIndex(i int) error {
	if err := s.ready(); err != nil {
		return err
	}
	if i < 0 || i >= len(s.params) {
		return fmt.Errorf("parameter index %d of %d: %w", i, len(s.params), calerr.ErrInvalidParameterIndex)
	}
	return nil
}

// Model returns the bound model, or nil before Initialize.
func (s *ParameterSet) Model() model.Model { return s.model }

// Parameters returns the bound parameters with their current active flags.
func (s *ParameterSet) Parameters() []models.Parameter {
	return models.CloneParameters(s.params)
}

func (s *ParameterSet) CurrentParameters() []float64 {
	return slices.Clone(s.current)
}

func (s *ParameterSet) ActivateParameter(name string) error {
	i, err := s.index(name)
	if err != nil {
		return err
	}
	s.params[i].Active = true
	return nil
}

func (s *ParameterSet) DeactivateParameter(name string) error {
	i, err := s.index(name)
	if err != nil {
		return err
	}
	s.params[i].Active = false
	return nil
}

func (s *ParameterSet) ActivateParameterIndex(i int) error {
	if err := s.checkIndex(i); err != nil {
		return err
	}
	s.params[i].Active = true
	return nil
}

func (s *ParameterSet) DeactivateParameterIndex(i int) error {
	if err := s.checkIndex(i); err != nil {
		return err
	}
	s.params[i].Active = false
	return nil
}

func (s *ParameterSet) IsParameterActive(name string) (bool, error) {
	i, err := s.index(name)
	if err != nil {
		return false, err
	}
	return s.params[i].Active, nil
}

// NumberOfActiveParameters counts the active parameters.
func (s *ParameterSet) NumberOfActiveParameters() int {
	n := 0
	for _, p := range s.params {
		if p.Active {
			n++
		}
	}
	return n
}

// SetParameterValue moves one coordinate of the current point.
func (s *ParameterSet) SetParameterValue(name string, value float64) error {
	i, err := s.index(name)
	if err != nil {
		return err
	}
	if s.current[i] != value {
		s.current[i] = value
		s.dirty = true
	}
	return nil
}

// SetParameterValues replaces the current point.
func (s *ParameterSet) SetParameterValues(values []float64) error {
	if err := s.ready(); err != nil {
		return err
	}
	if len(values) != len(s.params) {
		return fmt.Errorf("%d parameter values, want %d: %w", len(values), len(s.params), calerr.ErrShapeMismatch)
	}
	copy(s.current, values)
	s.dirty = true
	return nil
}

// activeMask returns one flag per parameter.
func (s *ParameterSet) activeMask() []bool {
	mask := make([]bool, len(s.params))
	for i, p := range s.params {
		mask[i] = p.Active
	}
	return mask
}

// takeDirty reports and clears the externally-moved flag.
func (s *ParameterSet) takeDirty() bool {
	d := s.dirty
	s.dirty = false
	return d
}

func sampleAt(x []float64, ev model.Evaluation) models.Sample {
	sample := models.NewSample(x, ev.Outputs, ev.LogLikelihood)
	if ev.Gradient != nil {
		sample.LogLikelihoodValueGradient = slices.Clone(ev.Gradient)
	}
	return sample
}

// Options gathers the per-strategy settings used by New.
type Options struct {
	MetropolisHastings MetropolisHastingsOptions
	Langevin           LangevinOptions
	Gradient           GradientOptions
	PercentileGrid     PercentileGridOptions
	Decisions          *logging.DecisionLogger
}

// DefaultOptions returns the documented defaults for every strategy.
func DefaultOptions() Options {
	return Options{
		MetropolisHastings: MetropolisHastingsOptions{StepSize: constants.DefaultMCMCStepSize},
		Langevin: LangevinOptions{
			TimeStep:             constants.DefaultLangevinTimeStep,
			KickStrength:         constants.DefaultLangevinKickStrength,
			MeanTimeBetweenKicks: constants.DefaultLangevinMeanTimeBetweenKicks,
			DragCoefficient:      constants.DefaultLangevinDragCoefficient,
			MassScale:            constants.DefaultLangevinMassScale,
		},
		Gradient:       GradientOptions{StepSize: constants.DefaultGradientStepSize},
		PercentileGrid: PercentileGridOptions{Divisions: constants.DefaultPercentileGridDivisions},
	}
}

// New builds the sampler named by kind.
func New(kind constants.SamplerKind, src *random.Source, opts Options) (Sampler, error) {
	switch kind {
	case constants.SamplerMetropolisHastings:
		o := opts.MetropolisHastings
		if o.Decisions == nil {
			o.Decisions = opts.Decisions
		}
		return NewMetropolisHastings(src, o), nil
	case constants.SamplerLangevin:
		o := opts.Langevin
		if o.Decisions == nil {
			o.Decisions = opts.Decisions
		}
		return NewLangevin(src, o), nil
	case constants.SamplerGradientAscent:
		return NewGradientAscent(opts.Gradient), nil
	case constants.SamplerGradientDescent:
		return NewGradientDescent(opts.Gradient), nil
	case constants.SamplerPercentileGrid:
		return NewPercentileGrid(opts.PercentileGrid), nil
	default:
		return nil, fmt.Errorf("unknown sampler %q: %w", kind, calerr.ErrOther)
	}
}
