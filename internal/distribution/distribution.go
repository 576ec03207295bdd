// Package distribution implements the prior distributions attached to model
// parameters. The set of priors is closed: Uniform and Gaussian are the only
// implementations, and both are plain values that clone deeply.
package distribution

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// Kind identifies a prior family.
type Kind string

const (
	KindUniform  Kind = "uniform"
	KindGaussian Kind = "gaussian"
)

// Distribution is a univariate prior.
type Distribution interface {
	// Kind reports the prior family.
	Kind() Kind

	// Sample draws one value using src.
	Sample(src rand.Source) float64

	// Density returns the probability density at x.
	Density(x float64) float64

	// LogDensity returns the log probability density at x. It is -Inf
	// outside the support.
	LogDensity(x float64) float64

	// LogDensityGradient returns d/dx of LogDensity, zero outside the support.
	LogDensityGradient(x float64) float64

	// Percentile returns the p-quantile; p is clamped to [0, 1].
	Percentile(p float64) float64

	// StandardDeviation returns the standard deviation of the prior.
	StandardDeviation() float64

	// Clone returns an independent copy.
	Clone() Distribution

	sealed()
}

// InterquartileRange returns |P75 - P25| of d.
func InterquartileRange(d Distribution) float64 {
	return math.Abs(d.Percentile(0.75) - d.Percentile(0.25))
}

// Bounds returns a finite range covering d: the support of a uniform prior,
// or mean +/- standardDeviations*sd for a gaussian.
func Bounds(d Distribution, standardDeviations float64) (lo, hi float64) {
	switch p := d.(type) {
	case *Uniform:
		return p.Min, p.Max
	case *Gaussian:
		k := math.Abs(standardDeviations) * p.StdDev
		return p.Mean - k, p.Mean + k
	}
	return math.Inf(-1), math.Inf(1)
}

// New builds a prior from its family name and two shape values: min and max
// for uniform, mean and standard deviation for gaussian.
func New(kind Kind, a, b float64) (Distribution, error) {
	switch kind {
	case KindUniform:
		return NewUniform(a, b)
	case KindGaussian:
		return NewGaussian(a, b)
	default:
		return nil, fmt.Errorf("unknown distribution kind %q", kind)
	}
}

// Uniform is a flat prior on [Min, Max].
type Uniform struct {
	Min float64
	Max float64
}

// NewUniform returns a uniform prior. Reversed bounds are swapped.
func NewUniform(lo, hi float64) (*Uniform, error) {
	if math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0) || lo == hi {
		return nil, fmt.Errorf("invalid uniform bounds [%g, %g]", lo, hi)
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	return &Uniform{Min: lo, Max: hi}, nil
}

func (u *Uniform) dist() distuv.Uniform {
	return distuv.Uniform{Min: u.Min, Max: u.Max}
}

func (u *Uniform) Kind() Kind { return KindUniform }

func (u *Uniform) Sample(src rand.Source) float64 {
	return distuv.Uniform{Min: u.Min, Max: u.Max, Src: src}.Rand()
}

func (u *Uniform) Density(x float64) float64 {
	return u.dist().Prob(x)
}

func (u *Uniform) LogDensity(x float64) float64 {
	return u.dist().LogProb(x)
}

func (u *Uniform) LogDensityGradient(float64) float64 {
	return 0
}

func (u *Uniform) Percentile(p float64) float64 {
	return u.dist().Quantile(clampUnit(p))
}

func (u *Uniform) StandardDeviation() float64 {
	return u.dist().StdDev()
}

func (u *Uniform) Clone() Distribution {
	c := *u
	return &c
}

func (u *Uniform) sealed() {}

// Gaussian is a normal prior.
type Gaussian struct {
	Mean   float64
	StdDev float64
}

// NewGaussian returns a normal prior; stdDev must be positive.
func NewGaussian(mean, stdDev float64) (*Gaussian, error) {
	if !(stdDev > 0) || math.IsInf(stdDev, 0) || math.IsNaN(mean) {
		return nil, fmt.Errorf("invalid gaussian (mean %g, sd %g)", mean, stdDev)
	}
	return &Gaussian{Mean: mean, StdDev: stdDev}, nil
}

func (g *Gaussian) dist() distuv.Normal {
	return distuv.Normal{Mu: g.Mean, Sigma: g.StdDev}
}

func (g *Gaussian) Kind() Kind { return KindGaussian }

func (g *Gaussian) Sample(src rand.Source) float64 {
	return distuv.Normal{Mu: g.Mean, Sigma: g.StdDev, Src: src}.Rand()
}

func (g *Gaussian) Density(x float64) float64 {
	return g.dist().Prob(x)
}

func (g *Gaussian) LogDensity(x float64) float64 {
	return g.dist().LogProb(x)
}

func (g *Gaussian) LogDensityGradient(x float64) float64 {
	return -(x - g.Mean) / (g.StdDev * g.StdDev)
}

func (g *Gaussian) Percentile(p float64) float64 {
	return g.dist().Quantile(clampUnit(p))
}

func (g *Gaussian) StandardDeviation() float64 {
	return g.StdDev
}

func (g *Gaussian) Clone() Distribution {
	c := *g
	return &c
}

func (g *Gaussian) sealed() {}

func clampUnit(p float64) float64 {
	switch {
	case math.IsNaN(p):
		return 0.5
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}
