// Package model defines the Model abstraction that samplers drive, and Core,
// the shared implementation that turns any simulator-like Evaluator into a
// Model with observations and a Gaussian log-likelihood.
package model

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/nvandessel/gpcal/internal/calerr"
	"github.com/nvandessel/gpcal/internal/constants"
	"github.com/nvandessel/gpcal/internal/distribution"
	"github.com/nvandessel/gpcal/internal/models"
)

// State is the readiness of a Model.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateReady:
		return "READY"
	default:
		return "ERROR"
	}
}

// Evaluator computes scalar outputs at a parameter point. covariance is the
// row-major M x M model uncertainty, or nil when the evaluator has none or
// withCovariance is false.
type Evaluator interface {
	Evaluate(params []float64, withCovariance bool) (outputs, covariance []float64, err error)
}

// Differentiable is implemented by evaluators with an analytic Jacobian.
// The result is row-major M x P.
type Differentiable interface {
	OutputGradient(params []float64) ([]float64, error)
}

// Evaluation is the result of one likelihood evaluation.
type Evaluation struct {
	Outputs       []float64
	LogLikelihood float64

	// Gradient is d LogLikelihood / d params, length P. Inactive entries
	// are zero. It is nil unless a gradient was requested.
	Gradient []float64
}

// Model is what samplers consume.
type Model interface {
	NumberOfParameters() int
	Parameters() []models.Parameter
	ParameterNames() []string
	Range(index int) (lo, hi float64, err error)

	NumberOfOutputs() int
	OutputNames() []string

	State() State

	SetObservedValues(values []float64) error
	ObservedValues() []float64
	SetObservedCovariance(covariance []float64) error
	ObservedCovariance() []float64

	UseModelCovariance() bool
	SetUseModelCovariance(use bool)

	// Outputs evaluates the model without a likelihood.
	Outputs(params []float64) ([]float64, error)

	// OutputsAndCovariance also returns the model's own uncertainty.
	OutputsAndCovariance(params []float64) (outputs, covariance []float64, err error)

	// LogLikelihood returns the outputs and the log posterior at params.
	LogLikelihood(params []float64) (Evaluation, error)

	// LogLikelihoodGradient adds the gradient over the active parameters.
	LogLikelihoodGradient(params []float64, active []bool) (Evaluation, error)

	LogPrior(params []float64) float64
}

// Options configures a Core.
type Options struct {
	Logger *slog.Logger

	// GradientStep is the finite-difference step. Zero means
	// constants.DefaultFiniteDifferenceStep.
	GradientStep float64

	// StaticObservations marks a model whose observations are fixed at
	// construction. Setting them again succeeds without effect.
	StaticObservations bool

	UseModelCovariance bool
}

// Core implements Model over an Evaluator. The zero value is an
// uninitialized model.
type Core struct {
	mu     sync.RWMutex
	logger *slog.Logger
	eval   Evaluator

	parameters  []models.Parameter
	outputNames []string

	observed    []float64
	observedCov []float64
	static      bool
	useModelCov bool
	step        float64
	state       State
}

var _ Model = (*Core)(nil)

// New returns a READY model over eval.
func New(eval Evaluator, parameters []models.Parameter, outputNames []string, opts Options) (*Core, error) {
	if eval == nil {
		return nil, fmt.Errorf("new model: nil evaluator: %w", calerr.ErrOther)
	}
	if len(parameters) == 0 || len(outputNames) == 0 {
		return nil, fmt.Errorf("model needs parameters and outputs, got %d and %d: %w",
			len(parameters), len(outputNames), calerr.ErrShapeMismatch)
	}
	seen := make(map[string]bool, len(parameters))
	for _, p := range parameters {
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate parameter %q: %w", p.Name, calerr.ErrOther)
		}
		if p.Prior == nil {
			return nil, fmt.Errorf("parameter %q has no prior: %w", p.Name, calerr.ErrOther)
		}
		seen[p.Name] = true
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	step := opts.GradientStep
	if step <= 0 {
		step = constants.DefaultFiniteDifferenceStep
	}
	return &Core{
		logger:      logger,
		eval:        eval,
		parameters:  models.CloneParameters(parameters),
		outputNames: slices.Clone(outputNames),
		static:      opts.StaticObservations,
		useModelCov: opts.UseModelCovariance,
		step:        step,
		state:       StateReady,
	}, nil
}

func (c *Core) NumberOfParameters() int { return len(c.parameters) }

// Parameters returns a deep copy of the parameters.
func (c *Core) Parameters() []models.Parameter { return models.CloneParameters(c.parameters) }

func (c *Core) ParameterNames() []string { return models.ParameterNames(c.parameters) }

func (c *Core) NumberOfOutputs() int { return len(c.outputNames) }

func (c *Core) OutputNames() []string { return slices.Clone(c.outputNames) }

// Range returns a finite interval for parameter index: the bounds of a
// uniform prior, or a gaussian prior's mean +/- the training design spread.
func (c *Core) Range(index int) (lo, hi float64, err error) {
	if index < 0 || index >= len(c.parameters) {
		return 0, 0, fmt.Errorf("parameter index %d of %d: %w", index, len(c.parameters), calerr.ErrInvalidParameterIndex)
	}
	lo, hi = distribution.Bounds(c.parameters[index].Prior, constants.DefaultTrainingStandardDeviations)
	return lo, hi, nil
}

func (c *Core) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// setState lets variants report a broken backend.
func (c *Core) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// SetObservedValues stores the observations; length M, or 0 for the zero
// vector.
func (c *Core) SetObservedValues(values []float64) error {
	if c.static {
		return nil
	}
	if n := len(values); n != 0 && n != len(c.outputNames) {
		return fmt.Errorf("%d observed values for %d outputs: %w", n, len(c.outputNames), calerr.ErrShapeMismatch)
	}
	c.mu.Lock()
	c.observed = slices.Clone(values)
	c.mu.Unlock()
	return nil
}

func (c *Core) ObservedValues() []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.observed)
}

// SetObservedCovariance stores the row-major observation covariance; length
// M*M, or 0 for none.
func (c *Core) SetObservedCovariance(covariance []float64) error {
	if c.static {
		return nil
	}
	m := len(c.outputNames)
	if n := len(covariance); n != 0 && n != m*m {
		return fmt.Errorf("observed covariance has %d entries, want %d: %w", n, m*m, calerr.ErrShapeMismatch)
	}
	c.mu.Lock()
	c.observedCov = slices.Clone(covariance)
	c.mu.Unlock()
	return nil
}

func (c *Core) ObservedCovariance() []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.observedCov)
}

// setObservations bypasses the static guard for constructors.
func (c *Core) setObservations(values, covariance []float64) {
	c.mu.Lock()
	c.observed = slices.Clone(values)
	c.observedCov = slices.Clone(covariance)
	c.mu.Unlock()
}

func (c *Core) UseModelCovariance() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.useModelCov
}

// SetUseModelCovariance adds the model's own covariance to the observation
// covariance in the likelihood.
func (c *Core) SetUseModelCovariance(use bool) {
	c.mu.Lock()
	c.useModelCov = use
	c.mu.Unlock()
}

func (c *Core) Outputs(params []float64) ([]float64, error) {
	out, _, err := c.evaluate(params, false)
	return out, err
}

func (c *Core) OutputsAndCovariance(params []float64) ([]float64, []float64, error) {
	return c.evaluate(params, true)
}

func (c *Core) evaluate(params []float64, withCovariance bool) ([]float64, []float64, error) {
	if st := c.State(); st != StateReady {
		return nil, nil, fmt.Errorf("model is %s: %w", st, calerr.ErrNotReady)
	}
	if len(params) != len(c.parameters) {
		return nil, nil, fmt.Errorf("%d parameter values, want %d: %w", len(params), len(c.parameters), calerr.ErrShapeMismatch)
	}
	out, cov, err := c.eval.Evaluate(params, withCovariance)
	if err != nil {
		return nil, nil, err
	}
	m := len(c.outputNames)
	if len(out) != m {
		return nil, nil, fmt.Errorf("evaluator returned %d outputs, want %d: %w", len(out), m, calerr.ErrShapeMismatch)
	}
	if len(cov) != 0 && len(cov) != m*m {
		return nil, nil, fmt.Errorf("evaluator returned %d covariance entries, want %d: %w", len(cov), m*m, calerr.ErrShapeMismatch)
	}
	return out, cov, nil
}

// LogPrior sums the prior log densities. It is -Inf outside the support
// and for a vector of the wrong length.
func (c *Core) LogPrior(params []float64) float64 {
	if len(params) != len(c.parameters) {
		return math.Inf(-1)
	}
	var sum float64
	for i, p := range c.parameters {
		sum += p.Prior.LogDensity(params[i])
	}
	return sum
}

func (c *Core) logPriorGradient(params []float64) []float64 {
	g := make([]float64, len(c.parameters))
	for i, p := range c.parameters {
		g[i] = p.Prior.LogDensityGradient(params[i])
	}
	return g
}

// LogLikelihood returns
//
//	-1/2 (y - y_obs)^T S^-1 (y - y_obs) + log prior
//
// where S is the observed covariance plus, when enabled, the model
// covariance. With neither present S is the identity.
func (c *Core) LogLikelihood(params []float64) (Evaluation, error) {
	useCov := c.UseModelCovariance()
	out, modelCov, err := c.evaluate(params, useCov)
	if err != nil {
		return Evaluation{}, err
	}
	weights, err := c.weightedResidual(out, modelCov)
	if err != nil {
		return Evaluation{}, err
	}
	diff := c.residual(out)
	return Evaluation{
		Outputs:       out,
		LogLikelihood: -0.5*floats.Dot(diff, weights) + c.LogPrior(params),
	}, nil
}

// LogLikelihoodGradient returns the likelihood and its gradient over the
// active parameters. Evaluators with an analytic Jacobian are differentiated
// exactly unless the model covariance enters the likelihood; otherwise a
// central finite difference is used.
func (c *Core) LogLikelihoodGradient(params []float64, active []bool) (Evaluation, error) {
	if len(active) != len(c.parameters) {
		return Evaluation{}, fmt.Errorf("active mask has %d entries, want %d: %w", len(active), len(c.parameters), calerr.ErrShapeMismatch)
	}
	if d, ok := c.eval.(Differentiable); ok && !c.UseModelCovariance() {
		return c.analyticGradient(d, params, active)
	}
	return c.finiteDifferenceGradient(params, active)
}

func (c *Core) analyticGradient(d Differentiable, params []float64, active []bool) (Evaluation, error) {
	ev, err := c.LogLikelihood(params)
	if err != nil {
		return Evaluation{}, err
	}
	weights, err := c.weightedResidual(ev.Outputs, nil)
	if err != nil {
		return Evaluation{}, err
	}
	jac, err := d.OutputGradient(params)
	if err != nil {
		return Evaluation{}, err
	}
	p, m := len(c.parameters), len(c.outputNames)
	if len(jac) != m*p {
		return Evaluation{}, fmt.Errorf("jacobian has %d entries, want %d: %w", len(jac), m*p, calerr.ErrShapeMismatch)
	}

	prior := c.logPriorGradient(params)
	ev.Gradient = make([]float64, p)
	for j := 0; j < p; j++ {
		if !active[j] {
			continue
		}
		var g float64
		for i := 0; i < m; i++ {
			g -= jac[i*p+j] * weights[i]
		}
		ev.Gradient[j] = g + prior[j]
	}
	return ev, nil
}

func (c *Core) finiteDifferenceGradient(params []float64, active []bool) (Evaluation, error) {
	ev, err := c.LogLikelihood(params)
	if err != nil {
		return Evaluation{}, err
	}
	if !isFinite(ev.LogLikelihood) {
		return Evaluation{}, fmt.Errorf("log likelihood is %g at %v, no gradient: %w", ev.LogLikelihood, params, calerr.ErrOther)
	}
	h := c.step
	x := slices.Clone(params)
	ev.Gradient = make([]float64, len(params))
	for j := range params {
		if !active[j] {
			continue
		}
		x[j] = params[j] + h
		fwd, err := c.LogLikelihood(x)
		if err != nil {
			return Evaluation{}, err
		}
		x[j] = params[j] - h
		bwd, err := c.LogLikelihood(x)
		if err != nil {
			return Evaluation{}, err
		}
		x[j] = params[j]
		ev.Gradient[j] = difference(ev.LogLikelihood, fwd.LogLikelihood, bwd.LogLikelihood, h)
	}
	return ev, nil
}

// difference is the central difference, falling back to a one-sided one
// when a neighbor lies outside the support. With neither side finite the
// derivative is taken as zero.
func difference(center, fwd, bwd, h float64) float64 {
	fwdOK, bwdOK := isFinite(fwd), isFinite(bwd)
	switch {
	case fwdOK && bwdOK:
		return (fwd - bwd) / (2 * h)
	case fwdOK:
		return (fwd - center) / h
	case bwdOK:
		return (center - bwd) / h
	default:
		return 0
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// residual returns y - y_obs, with a missing observation vector read as zero.
func (c *Core) residual(out []float64) []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	diff := slices.Clone(out)
	if len(c.observed) != 0 {
		for i := range diff {
			diff[i] -= c.observed[i]
		}
	}
	return diff
}

// weightedResidual returns S^-1 (y - y_obs) via a Cholesky solve.
func (c *Core) weightedResidual(out, modelCov []float64) ([]float64, error) {
	diff := c.residual(out)
	c.mu.RLock()
	obsCov := c.observedCov
	c.mu.RUnlock()
	if len(obsCov) == 0 && len(modelCov) == 0 {
		return diff, nil
	}

	m := len(diff)
	s := mat.NewSymDense(m, nil)
	for i := 0; i < m; i++ {
		for j := i; j < m; j++ {
			var v float64
			if len(obsCov) != 0 {
				v += 0.5 * (obsCov[i*m+j] + obsCov[j*m+i])
			}
			if len(modelCov) != 0 {
				v += 0.5 * (modelCov[i*m+j] + modelCov[j*m+i])
			}
			s.SetSym(i, j, v)
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(s); !ok {
		return nil, fmt.Errorf("likelihood covariance is not positive definite: %w", calerr.ErrSingularMatrix)
	}
	var w mat.VecDense
	if err := chol.SolveVecTo(&w, mat.NewVecDense(m, diff)); err != nil && !isConditionWarning(err) {
		return nil, fmt.Errorf("solving likelihood covariance: %w", calerr.ErrSingularMatrix)
	}
	return w.RawVector().Data, nil
}

func isConditionWarning(err error) bool {
	var c mat.Condition
	return errors.As(err, &c)
}
