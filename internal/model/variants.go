package model

import (
	"fmt"
	"log/slog"

	"github.com/nvandessel/gpcal/internal/calerr"
	"github.com/nvandessel/gpcal/internal/emulator"
	"github.com/nvandessel/gpcal/internal/models"
)

// Func adapts a plain simulator function to an Evaluator. It never reports a
// model covariance.
type Func func(params []float64) ([]float64, error)

func (f Func) Evaluate(params []float64, _ bool) ([]float64, []float64, error) {
	out, err := f(params)
	return out, nil, err
}

// NewDirect wraps a simulator function as a Model.
func NewDirect(parameters []models.Parameter, outputNames []string, fn Func, opts Options) (*Core, error) {
	if fn == nil {
		return nil, fmt.Errorf("direct model: nil function: %w", calerr.ErrOther)
	}
	return New(fn, parameters, outputNames, opts)
}

// NewEmulated returns a Model backed by a trained emulator. Observations and
// the model covariance flag are taken from the emulator; the analytic
// emulator Jacobian drives gradients.
func NewEmulated(em *emulator.Emulator, logger *slog.Logger) (*Core, error) {
	if st := em.Status(); st != emulator.StatusReady {
		return nil, fmt.Errorf("emulator is %s: %w", st, calerr.ErrNotTrained)
	}
	c, err := New(em, em.Parameters(), em.OutputNames(), Options{
		Logger:             logger,
		UseModelCovariance: em.UseModelError(),
	})
	if err != nil {
		return nil, err
	}
	if err := c.SetObservedValues(em.ObservedValues()); err != nil {
		return nil, err
	}
	if err := c.SetObservedCovariance(em.ObservedCovariance()); err != nil {
		return nil, err
	}
	return c, nil
}
