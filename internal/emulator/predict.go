package emulator

import (
	"fmt"

	"github.com/nvandessel/gpcal/internal/calerr"
)

// Prediction is the emulator's answer at one parameter point.
type Prediction struct {
	// Mean has one entry per output.
	Mean []float64

	// Covariance is the row-major M x M predictive covariance in output
	// units, nil unless requested. It is the component variances propagated
	// through the retained basis plus the truncation covariance of the
	// discarded components.
	Covariance []float64
}

// EmulatorOutputs predicts the outputs at point, and their covariance when
// withCovariance is set.
func (e *Emulator) EmulatorOutputs(point []float64, withCovariance bool) (Prediction, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkPredict(point); err != nil {
		return Prediction{}, err
	}

	d := e.pca
	k := len(e.submodels)
	m := len(e.outputNames)
	z := make([]float64, k)
	variances := make([]float64, k)
	for c, s := range e.submodels {
		z[c], variances[c] = s.predict(e.x, point, withCovariance)
	}

	pred := Prediction{Mean: d.reconstruct(z)}
	if !withCovariance {
		return pred, nil
	}

	cov := d.truncationCovariance()
	for i := 0; i < m; i++ {
		for j := 0; j < m; j++ {
			var sum float64
			for c := 0; c < k; c++ {
				sum += d.vecs.At(i, c) * variances[c] * d.vecs.At(j, c)
			}
			cov[i*m+j] += d.stdDev[i] * d.stdDev[j] * sum
		}
	}
	pred.Covariance = cov
	return pred, nil
}

// OutputGradient returns the row-major M x P Jacobian of the predictive
// mean at point.
func (e *Emulator) OutputGradient(point []float64) ([]float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkPredict(point); err != nil {
		return nil, err
	}

	d := e.pca
	p := len(e.parameters)
	m := len(e.outputNames)
	dz := make([][]float64, len(e.submodels))
	for c, s := range e.submodels {
		dz[c] = make([]float64, p)
		s.meanGradient(e.x, point, dz[c])
	}

	jac := make([]float64, m*p)
	for i := 0; i < m; i++ {
		for c := range e.submodels {
			w := d.stdDev[i] * d.vecs.At(i, c)
			for j := 0; j < p; j++ {
				jac[i*p+j] += w * dz[c][j]
			}
		}
	}
	return jac, nil
}

func (e *Emulator) checkPredict(point []float64) error {
	if e.status != StatusReady {
		return fmt.Errorf("emulator status %s: %w", e.status, calerr.ErrNotTrained)
	}
	if len(point) != len(e.parameters) {
		return fmt.Errorf("%d parameter values, want %d: %w", len(point), len(e.parameters), calerr.ErrShapeMismatch)
	}
	return nil
}

// Evaluate predicts the outputs at params. It lets the emulator stand in
// for a simulator behind a model.
func (e *Emulator) Evaluate(params []float64, withCovariance bool) (outputs, covariance []float64, err error) {
	pred, err := e.EmulatorOutputs(params, withCovariance)
	if err != nil {
		return nil, nil, err
	}
	return pred.Mean, pred.Covariance, nil
}
