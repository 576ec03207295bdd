// Package emulator implements a Gaussian process emulator for vector-valued
// simulator outputs. Outputs are standardized and rotated onto their
// principal components; each retained component gets an independent GP with
// a polynomial trend. Predictions are rotated back into output units.
//
// Lifecycle: New -> LoadTrainingData -> BasicTraining (which runs
// PrincipalComponentDecompose) -> EmulatorOutputs. Training holds an
// exclusive lock and replaces the fitted state atomically; predictions only
// read and may run concurrently.
package emulator

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/nvandessel/gpcal/internal/calerr"
	"github.com/nvandessel/gpcal/internal/models"
)

// Status is the training state of an Emulator.
type Status int

const (
	StatusUninitialized Status = iota
	StatusUntrained
	StatusUncached
	StatusReady
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "UNINITIALIZED"
	case StatusUntrained:
		return "UNTRAINED"
	case StatusUncached:
		return "UNCACHED"
	case StatusReady:
		return "READY"
	default:
		return "ERROR"
	}
}

// Options configures a new Emulator.
type Options struct {
	// UseModelError marks the emulator's predictive covariance as part of
	// the likelihood for models built on it.
	UseModelError bool

	// Logger receives training progress. Nil means slog.Default().
	Logger *slog.Logger
}

// Emulator is a PCA-reduced Gaussian process surrogate.
type Emulator struct {
	mu     sync.RWMutex
	logger *slog.Logger

	useModelError bool
	parameters    []models.Parameter
	outputNames   []string

	x              *mat.Dense // N x P training inputs
	y              *mat.Dense // N x M training outputs
	observedValues []float64
	observedCov    []float64
	pca            *decomposition
	submodels      []*submodel
	status         Status
}

// New returns an emulator for the given parameters and output names.
func New(parameters []models.Parameter, outputNames []string, opts Options) *Emulator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Emulator{
		logger:        logger,
		useModelError: opts.UseModelError,
		parameters:    models.CloneParameters(parameters),
		outputNames:   slices.Clone(outputNames),
		status:        StatusUninitialized,
	}
}

// LoadTrainingData stores the training set. x is N x P, y is N x M;
// observedValues has length M or 0 and observedCovariance M*M or 0.
func (e *Emulator) LoadTrainingData(x, y mat.Matrix, observedValues, observedCovariance []float64) error {
	p, m := len(e.parameters), len(e.outputNames)
	nx, px := x.Dims()
	ny, my := y.Dims()
	switch {
	case px != p:
		return fmt.Errorf("parameter matrix has %d columns, want %d: %w", px, p, calerr.ErrShapeMismatch)
	case my != m:
		return fmt.Errorf("output matrix has %d columns, want %d: %w", my, m, calerr.ErrShapeMismatch)
	case nx != ny:
		return fmt.Errorf("parameter matrix has %d rows but output matrix has %d: %w", nx, ny, calerr.ErrShapeMismatch)
	case nx == 0:
		return fmt.Errorf("no training points: %w", calerr.ErrShapeMismatch)
	case len(observedValues) != 0 && len(observedValues) != m:
		return fmt.Errorf("%d observed values for %d outputs: %w", len(observedValues), m, calerr.ErrShapeMismatch)
	case len(observedCovariance) != 0 && len(observedCovariance) != m*m:
		return fmt.Errorf("observed covariance has %d entries, want %d: %w", len(observedCovariance), m*m, calerr.ErrShapeMismatch)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.x = mat.DenseCopyOf(x)
	e.y = mat.DenseCopyOf(y)
	e.observedValues = slices.Clone(observedValues)
	e.observedCov = slices.Clone(observedCovariance)
	e.pca = nil
	e.submodels = nil
	e.status = StatusUntrained
	return nil
}

// Status returns the training state.
func (e *Emulator) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// UseModelError reports whether predictive covariance is requested by default.
func (e *Emulator) UseModelError() bool {
	return e.useModelError
}

// Parameters returns a deep copy of the emulator's parameters.
func (e *Emulator) Parameters() []models.Parameter {
	return models.CloneParameters(e.parameters)
}

// OutputNames returns the scalar output names.
func (e *Emulator) OutputNames() []string {
	return slices.Clone(e.outputNames)
}

// NumberOfParameters returns P.
func (e *Emulator) NumberOfParameters() int {
	return len(e.parameters)
}

// NumberOfOutputs returns M.
func (e *Emulator) NumberOfOutputs() int {
	return len(e.outputNames)
}

// NumberOfTrainingPoints returns N, or 0 before LoadTrainingData.
func (e *Emulator) NumberOfTrainingPoints() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.x == nil {
		return 0
	}
	n, _ := e.x.Dims()
	return n
}

// ObservedValues returns the observed values stored with the training data.
func (e *Emulator) ObservedValues() []float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.observedValues)
}

// ObservedCovariance returns the row-major observed covariance stored with
// the training data.
func (e *Emulator) ObservedCovariance() []float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.observedCov)
}

// SubmodelInfo describes the fitted GP of one principal component.
type SubmodelInfo struct {
	CovarianceFunction    CovarianceFunction `json:"covariance_function"`
	RegressionOrder       int                `json:"regression_order"`
	Hyperparameters       Hyperparameters    `json:"hyperparameters"`
	LogMarginalLikelihood float64            `json:"log_marginal_likelihood"`
}

// Submodels describes every trained submodel.
func (e *Emulator) Submodels() []SubmodelInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]SubmodelInfo, len(e.submodels))
	for i, s := range e.submodels {
		out[i] = SubmodelInfo{
			CovarianceFunction:    s.kind,
			RegressionOrder:       s.order,
			Hyperparameters:       s.hyper.clone(),
			LogMarginalLikelihood: s.lml,
		}
	}
	return out
}
