package emulator

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"

	"github.com/nvandessel/gpcal/internal/calerr"
	"github.com/nvandessel/gpcal/internal/constants"
	"github.com/nvandessel/gpcal/internal/distribution"
)

// TrainingOptions are the BasicTraining settings.
type TrainingOptions struct {
	FractionResolvingPower float64
	CovarianceFunction     CovarianceFunction
	RegressionOrder        int
	Nugget                 float64
	Amplitude              float64
	Scale                  float64
}

// DefaultTrainingOptions returns the documented defaults.
func DefaultTrainingOptions() TrainingOptions {
	return TrainingOptions{
		FractionResolvingPower: constants.DefaultPCAFractionResolvingPower,
		CovarianceFunction:     CovarianceFunction(constants.DefaultCovarianceFunction),
		RegressionOrder:        constants.DefaultRegressionOrder,
		Nugget:                 constants.DefaultNugget,
		Amplitude:              constants.DefaultAmplitude,
		Scale:                  constants.DefaultScale,
	}
}

// BasicTraining decomposes the outputs and fits one GP per retained
// component with heuristic hyperparameters: the given amplitude and nugget,
// and length scale j = |scale| * IQR of parameter j's prior. A Cholesky
// failure in any component fails the whole run and leaves the emulator in
// StatusError; the previous fit is not kept.
func (e *Emulator) BasicTraining(opts TrainingOptions) error {
	if _, err := ParseCovarianceFunction(string(opts.CovarianceFunction)); err != nil {
		return fmt.Errorf("%w: %v", calerr.ErrOther, err)
	}
	if opts.RegressionOrder < 0 {
		return fmt.Errorf("regression order %d is negative: %w", opts.RegressionOrder, calerr.ErrOther)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.y == nil {
		return fmt.Errorf("basic training: %w", calerr.ErrNotReady)
	}

	d, err := decompose(e.y, opts.FractionResolvingPower)
	if err != nil {
		e.status = StatusError
		return err
	}

	scale := math.Abs(opts.Scale)
	scales := make([]float64, len(e.parameters))
	for j, p := range e.parameters {
		scales[j] = scale * distribution.InterquartileRange(p.Prior)
	}

	subs := make([]*submodel, d.retained)
	for k := range subs {
		s := &submodel{
			kind:  opts.CovarianceFunction,
			order: opts.RegressionOrder,
			hyper: Hyperparameters{
				Amplitude: opts.Amplitude,
				Nugget:    opts.Nugget,
				Scales:    append([]float64(nil), scales...),
			},
			z: d.componentScores(k),
		}
		if opts.CovarianceFunction == PowerExponential {
			s.hyper.Power = constants.DefaultPowerExponent
		}
		if err := s.cache(e.x); err != nil {
			e.status = StatusError
			return fmt.Errorf("training component %d: %w", k, err)
		}
		subs[k] = s
	}

	e.pca = d
	e.submodels = subs
	e.status = StatusReady
	e.logger.Info("emulator trained",
		"points", e.x.RawMatrix().Rows,
		"outputs", len(e.outputNames),
		"components", d.retained,
		"covariance_function", string(opts.CovarianceFunction),
		"regression_order", opts.RegressionOrder)
	return nil
}

// OptimizeHyperparameters refits each submodel's amplitude and length scales
// by maximizing its restricted log marginal likelihood with Nelder-Mead in
// log space. The nugget, power and regression order are held fixed. A
// component keeps its current hyperparameters when no better point is found.
func (e *Emulator) OptimizeHyperparameters(ctx context.Context, maxEvaluations int) error {
	if maxEvaluations <= 0 {
		maxEvaluations = constants.DefaultOptimizerEvaluations
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusReady {
		return fmt.Errorf("optimize hyperparameters: %w", calerr.ErrNotTrained)
	}

	fitted := make([]*submodel, len(e.submodels))
	for k, cur := range e.submodels {
		if err := ctx.Err(); err != nil {
			return err
		}
		s, err := e.optimizeSubmodel(cur, maxEvaluations)
		if err != nil {
			return fmt.Errorf("optimizing component %d: %w", k, err)
		}
		fitted[k] = s
		e.logger.Debug("component hyperparameters fitted",
			"component", k, "log_marginal_likelihood", s.lml, "amplitude", s.hyper.Amplitude)
	}
	e.submodels = fitted
	return nil
}

func (e *Emulator) optimizeSubmodel(cur *submodel, maxEvaluations int) (*submodel, error) {
	p := len(cur.hyper.Scales)
	x0 := make([]float64, 1+p)
	x0[0] = math.Log(cur.hyper.Amplitude)
	for j, s := range cur.hyper.Scales {
		x0[1+j] = math.Log(s)
	}

	trial := func(x []float64) (*submodel, error) {
		s := &submodel{kind: cur.kind, order: cur.order, hyper: cur.hyper.clone(), z: cur.z}
		s.hyper.Amplitude = math.Exp(x[0])
		for j := range s.hyper.Scales {
			s.hyper.Scales[j] = math.Exp(x[1+j])
		}
		if err := s.cache(e.x); err != nil {
			return nil, err
		}
		return s, nil
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			for _, v := range x {
				if math.Abs(v) > 50 {
					return math.MaxFloat64
				}
			}
			s, err := trial(x)
			if err != nil || math.IsNaN(s.lml) {
				return math.MaxFloat64
			}
			return -s.lml
		},
	}
	settings := &optimize.Settings{
		FuncEvaluations: maxEvaluations,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-8,
			Relative:   1e-8,
			Iterations: 50,
		},
	}
	result, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
	if result == nil {
		return nil, fmt.Errorf("%w: %v", calerr.ErrConvergenceFailure, err)
	}
	if result.F >= -cur.lml {
		return cur, nil
	}
	best, err := trial(result.X)
	if err != nil {
		return cur, nil
	}
	return best, nil
}
