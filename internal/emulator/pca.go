package emulator

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/mat"

	"github.com/nvandessel/gpcal/internal/calerr"
)

// eigenvalueTolerance is the relative size below which a negative eigenvalue
// of the output covariance is treated as round-off.
const eigenvalueTolerance = 1e-10

// decomposition is the principal component basis of the standardized
// training outputs.
type decomposition struct {
	means  []float64  // M
	stdDev []float64  // M
	values []float64  // M eigenvalues, descending
	vecs   *mat.Dense // M x M, column k pairs with values[k]
	scores *mat.Dense // N x M projections of the standardized outputs

	retained int
	fraction float64
}

// decompose standardizes y, diagonalizes its covariance and retains the
// smallest number of components whose eigenvalues explain at least
// fraction of the total.
func decompose(y *mat.Dense, fraction float64) (*decomposition, error) {
	if !(fraction > 0 && fraction <= 1) {
		return nil, fmt.Errorf("fraction resolving power %g outside (0, 1]: %w", fraction, calerr.ErrOther)
	}
	n, m := y.Dims()

	d := &decomposition{
		means:    make([]float64, m),
		stdDev:   make([]float64, m),
		fraction: fraction,
	}
	ys := mat.NewDense(n, m, nil)
	for j := 0; j < m; j++ {
		var sum float64
		for i := 0; i < n; i++ {
			sum += y.At(i, j)
		}
		mean := sum / float64(n)
		var ss float64
		for i := 0; i < n; i++ {
			dv := y.At(i, j) - mean
			ss += dv * dv
		}
		sd := math.Sqrt(ss / float64(n))
		if sd == 0 {
			// A constant output carries no variance; any scale works.
			sd = 1
		}
		d.means[j], d.stdDev[j] = mean, sd
		for i := 0; i < n; i++ {
			ys.Set(i, j, (y.At(i, j)-mean)/sd)
		}
	}

	var gram mat.Dense
	gram.Mul(ys.T(), ys)
	cov := mat.NewSymDense(m, nil)
	for i := 0; i < m; i++ {
		for j := i; j < m; j++ {
			cov.SetSym(i, j, 0.5*(gram.At(i, j)+gram.At(j, i))/float64(n))
		}
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(cov, true); !ok {
		return nil, fmt.Errorf("output covariance eigendecomposition did not converge: %w", calerr.ErrDecomposition)
	}
	ascending := eig.Values(nil)
	var ascVecs mat.Dense
	eig.VectorsTo(&ascVecs)

	largest := math.Abs(ascending[m-1])
	if ascending[0] < -eigenvalueTolerance*math.Max(1, largest) {
		return nil, fmt.Errorf("output covariance has eigenvalue %g: not positive semi-definite: %w",
			ascending[0], calerr.ErrDecomposition)
	}

	d.values = make([]float64, m)
	d.vecs = mat.NewDense(m, m, nil)
	for k := 0; k < m; k++ {
		src := m - 1 - k
		d.values[k] = math.Max(ascending[src], 0)
		for i := 0; i < m; i++ {
			d.vecs.Set(i, k, ascVecs.At(i, src))
		}
	}

	var total float64
	for _, v := range d.values {
		total += v
	}
	if total == 0 {
		return nil, fmt.Errorf("training outputs have no variance: %w", calerr.ErrDecomposition)
	}
	d.retained = retainedComponents(d.values, total, fraction)

	d.scores = mat.NewDense(n, m, nil)
	d.scores.Mul(ys, d.vecs)
	return d, nil
}

// scoreOutputs projects the training outputs y onto every component using
// the stored means, scales and basis.
func (d *decomposition) scoreOutputs(y *mat.Dense) {
	n, m := y.Dims()
	ys := mat.NewDense(n, m, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			ys.Set(i, j, (y.At(i, j)-d.means[j])/d.stdDev[j])
		}
	}
	d.scores = mat.NewDense(n, m, nil)
	d.scores.Mul(ys, d.vecs)
}

func retainedComponents(values []float64, total, fraction float64) int {
	var cum float64
	for k, v := range values {
		cum += v
		if cum/total >= fraction-1e-12 {
			return k + 1
		}
	}
	return len(values)
}

// componentScores returns the training scores of component k.
func (d *decomposition) componentScores(k int) []float64 {
	return mat.Col(nil, k, d.scores)
}

// project maps an output vector onto the retained component scores.
func (d *decomposition) project(y []float64) []float64 {
	m := len(d.means)
	z := make([]float64, d.retained)
	for k := 0; k < d.retained; k++ {
		var sum float64
		for i := 0; i < m; i++ {
			sum += d.vecs.At(i, k) * (y[i] - d.means[i]) / d.stdDev[i]
		}
		z[k] = sum
	}
	return z
}

// reconstruct maps retained component scores back to output units.
func (d *decomposition) reconstruct(z []float64) []float64 {
	m := len(d.means)
	y := make([]float64, m)
	for i := 0; i < m; i++ {
		var sum float64
		for k := range z {
			sum += d.vecs.At(i, k) * z[k]
		}
		y[i] = d.means[i] + d.stdDev[i]*sum
	}
	return y
}

// truncationCovariance is the covariance, in output units, of the
// components that were not retained:
//
//	C_ij = sd_i sd_j sum_{k >= K} lambda_k V_ik V_jk
//
// It is the average reconstruction error over the training set and is zero
// when every component is retained.
func (d *decomposition) truncationCovariance() []float64 {
	m := len(d.means)
	out := make([]float64, m*m)
	for k := d.retained; k < m; k++ {
		lambda := d.values[k]
		if lambda == 0 {
			continue
		}
		for i := 0; i < m; i++ {
			vi := d.vecs.At(i, k) * d.stdDev[i]
			for j := 0; j < m; j++ {
				out[i*m+j] += lambda * vi * d.vecs.At(j, k) * d.stdDev[j]
			}
		}
	}
	return out
}

// PCAInfo describes the principal component decomposition.
type PCAInfo struct {
	Means              []float64   `json:"output_means"`
	StandardDeviations []float64   `json:"output_standard_deviations"`
	Eigenvalues        []float64   `json:"eigenvalues"`
	Eigenvectors       [][]float64 `json:"eigenvectors"` // one column per eigenvalue, stored as rows
	Retained           int         `json:"retained_components"`
	Fraction           float64     `json:"fraction_resolving_power"`
}

// PrincipalComponentDecompose computes the output principal components and
// retains the smallest set explaining at least fraction of the variance.
// Any previously trained submodels are discarded.
func (e *Emulator) PrincipalComponentDecompose(fraction float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.y == nil {
		return fmt.Errorf("principal component decomposition: %w", calerr.ErrNotReady)
	}
	d, err := decompose(e.y, fraction)
	if err != nil {
		e.status = StatusError
		return err
	}
	e.pca = d
	e.submodels = nil
	e.status = StatusUntrained
	e.logger.Debug("principal components decomposed",
		"outputs", len(d.values), "retained", d.retained, "fraction", fraction)
	return nil
}

// PCA returns a description of the current decomposition.
func (e *Emulator) PCA() (PCAInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.pca == nil {
		return PCAInfo{}, fmt.Errorf("no principal components: %w", calerr.ErrNotTrained)
	}
	d := e.pca
	m := len(d.values)
	vecs := make([][]float64, m)
	for k := 0; k < m; k++ {
		vecs[k] = mat.Col(nil, k, d.vecs)
	}
	return PCAInfo{
		Means:              slices.Clone(d.means),
		StandardDeviations: slices.Clone(d.stdDev),
		Eigenvalues:        slices.Clone(d.values),
		Eigenvectors:       vecs,
		Retained:           d.retained,
		Fraction:           d.fraction,
	}, nil
}

// ProjectOutputs maps an output vector onto the retained component scores.
func (e *Emulator) ProjectOutputs(y []float64) ([]float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.pca == nil {
		return nil, fmt.Errorf("project outputs: %w", calerr.ErrNotTrained)
	}
	if len(y) != len(e.outputNames) {
		return nil, fmt.Errorf("%d outputs, want %d: %w", len(y), len(e.outputNames), calerr.ErrShapeMismatch)
	}
	return e.pca.project(y), nil
}

// ReconstructOutputs maps retained component scores back to output units.
func (e *Emulator) ReconstructOutputs(z []float64) ([]float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.pca == nil {
		return nil, fmt.Errorf("reconstruct outputs: %w", calerr.ErrNotTrained)
	}
	if len(z) != e.pca.retained {
		return nil, fmt.Errorf("%d scores, want %d: %w", len(z), e.pca.retained, calerr.ErrShapeMismatch)
	}
	return e.pca.reconstruct(z), nil
}

// TruncationCovariance returns the row-major M x M reconstruction-error
// covariance of the discarded components.
func (e *Emulator) TruncationCovariance() ([]float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.pca == nil {
		return nil, fmt.Errorf("truncation covariance: %w", calerr.ErrNotTrained)
	}
	return e.pca.truncationCovariance(), nil
}
