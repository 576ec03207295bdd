package emulator

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/nvandessel/gpcal/internal/calerr"
)

// submodel is the Gaussian process fitted to one principal component score.
// After cache() succeeds every field is read-only, so predictions may run
// concurrently.
type submodel struct {
	kind  CovarianceFunction
	order int
	hyper Hyperparameters

	// z holds the training scores of this component.
	z []float64

	chol    mat.Cholesky // K + nugget*I
	regChol mat.Cholesky // H^T (K + nugget*I)^-1 H
	h       *mat.Dense   // N x F regression design
	beta    *mat.VecDense
	gamma   *mat.VecDense
	lml     float64
}

// cache builds the Cholesky factors and regression coefficients for the
// training inputs x (N x P).
func (s *submodel) cache(x *mat.Dense) error {
	if err := s.hyper.validate(s.kind); err != nil {
		return fmt.Errorf("%w: %v", calerr.ErrOther, err)
	}
	n, p := x.Dims()
	if len(s.hyper.Scales) != p {
		return fmt.Errorf("%d length scales for %d parameters: %w", len(s.hyper.Scales), p, calerr.ErrShapeMismatch)
	}
	if len(s.z) != n {
		return fmt.Errorf("%d scores for %d training points: %w", len(s.z), n, calerr.ErrShapeMismatch)
	}

	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		xi := x.RawRowView(i)
		for j := i; j < n; j++ {
			k.SetSym(i, j, covariance(s.kind, &s.hyper, xi, x.RawRowView(j)))
		}
		k.SetSym(i, i, k.At(i, i)+s.hyper.Nugget)
	}
	if ok := s.chol.Factorize(k); !ok {
		return fmt.Errorf("training covariance is not positive definite: %w", calerr.ErrSingularMatrix)
	}

	f := regressionSize(s.order, p)
	h := mat.NewDense(n, f, nil)
	for i := 0; i < n; i++ {
		regressionBasis(s.order, x.RawRowView(i), h.RawRowView(i))
	}

	var kinvH mat.Dense
	if err := s.chol.SolveTo(&kinvH, h); fatal(err) {
		return fmt.Errorf("solving for regression design: %w", calerr.ErrSingularMatrix)
	}
	var a mat.Dense
	a.Mul(h.T(), &kinvH)
	reg := mat.NewSymDense(f, nil)
	for i := 0; i < f; i++ {
		for j := i; j < f; j++ {
			reg.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}
	if ok := s.regChol.Factorize(reg); !ok {
		return fmt.Errorf("regression matrix of order %d with %d points is singular: %w", s.order, n, calerr.ErrSingularMatrix)
	}

	zv := mat.NewVecDense(n, s.z)
	var kinvZ mat.VecDense
	if err := s.chol.SolveVecTo(&kinvZ, zv); fatal(err) {
		return fmt.Errorf("solving for scores: %w", calerr.ErrSingularMatrix)
	}
	var rhs mat.VecDense
	rhs.MulVec(h.T(), &kinvZ)
	beta := mat.NewVecDense(f, nil)
	if err := s.regChol.SolveVecTo(beta, &rhs); fatal(err) {
		return fmt.Errorf("solving for trend coefficients: %w", calerr.ErrSingularMatrix)
	}

	var trend mat.VecDense
	trend.MulVec(h, beta)
	resid := mat.NewVecDense(n, nil)
	resid.SubVec(zv, &trend)
	gamma := mat.NewVecDense(n, nil)
	if err := s.chol.SolveVecTo(gamma, resid); fatal(err) {
		return fmt.Errorf("solving for kriging weights: %w", calerr.ErrSingularMatrix)
	}

	s.h = h
	s.beta = beta
	s.gamma = gamma
	// Restricted log marginal likelihood of the scores.
	s.lml = -0.5*mat.Dot(resid, gamma) - 0.5*s.chol.LogDet() - 0.5*s.regChol.LogDet() -
		0.5*float64(n-f)*math.Log(2*math.Pi)
	return nil
}

// predict returns the posterior mean and, when withVariance is set, the
// posterior variance of the component score at point.
func (s *submodel) predict(x *mat.Dense, point []float64, withVariance bool) (mean, variance float64) {
	n, p := x.Dims()
	f := regressionSize(s.order, p)

	r := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		r.SetVec(i, covariance(s.kind, &s.hyper, point, x.RawRowView(i)))
	}
	hstar := make([]float64, f)
	regressionBasis(s.order, point, hstar)
	hv := mat.NewVecDense(f, hstar)

	mean = mat.Dot(hv, s.beta) + mat.Dot(r, s.gamma)
	if !withVariance {
		return mean, 0
	}

	var u mat.VecDense
	if err := s.chol.SolveVecTo(&u, r); fatal(err) {
		return mean, math.NaN()
	}
	variance = covariance(s.kind, &s.hyper, point, point) - mat.Dot(r, &u)

	// Regression uncertainty: f^T (H^T K^-1 H)^-1 f with f = h* - H^T K^-1 r.
	var htu mat.VecDense
	htu.MulVec(s.h.T(), &u)
	fv := mat.NewVecDense(f, nil)
	fv.SubVec(hv, &htu)
	var w mat.VecDense
	if err := s.regChol.SolveVecTo(&w, fv); !fatal(err) {
		variance += mat.Dot(fv, &w)
	}
	if variance < 0 {
		variance = 0
	}
	return mean, variance
}

// meanGradient writes d mean / d point into dst.
func (s *submodel) meanGradient(x *mat.Dense, point, dst []float64) {
	n, p := x.Dims()
	f := regressionSize(s.order, p)

	clear(dst)
	dk := make([]float64, p)
	for i := 0; i < n; i++ {
		covarianceGradient(s.kind, &s.hyper, point, x.RawRowView(i), dk)
		g := s.gamma.AtVec(i)
		for j := range dst {
			dst[j] += dk[j] * g
		}
	}
	dh := make([]float64, f)
	for j := 0; j < p; j++ {
		regressionBasisGradient(s.order, point, j, dh)
		for l, v := range dh {
			dst[j] += v * s.beta.AtVec(l)
		}
	}
}

// fatal reports whether a solve failed outright. A mat.Condition error only
// warns about a large condition number; the solution is still computed.
func fatal(err error) bool {
	var c mat.Condition
	return err != nil && !errors.As(err, &c)
}
