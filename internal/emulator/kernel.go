package emulator

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

// CovarianceFunction names a stationary kernel family.
type CovarianceFunction string

const (
	SquareExponential CovarianceFunction = "SQUARE_EXPONENTIAL_FUNCTION"
	PowerExponential  CovarianceFunction = "POWER_EXPONENTIAL_FUNCTION"
	Matern32          CovarianceFunction = "MATERN_32_FUNCTION"
	Matern52          CovarianceFunction = "MATERN_52_FUNCTION"
)

const (
	sqrt3 = 1.7320508075688772
	sqrt5 = 2.23606797749979
)

// ParseCovarianceFunction accepts the canonical names case-insensitively,
// with or without the _FUNCTION suffix.
func ParseCovarianceFunction(s string) (CovarianceFunction, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	if !strings.HasSuffix(name, "_FUNCTION") {
		name += "_FUNCTION"
	}
	switch f := CovarianceFunction(name); f {
	case SquareExponential, PowerExponential, Matern32, Matern52:
		return f, nil
	}
	return "", fmt.Errorf("unknown covariance function %q", s)
}

// Hyperparameters are the kernel settings of one submodel. Scales holds one
// length scale per model parameter.
type Hyperparameters struct {
	Amplitude float64   `json:"amplitude"`
	Nugget    float64   `json:"nugget"`
	Power     float64   `json:"power,omitempty"` // power-exponential only
	Scales    []float64 `json:"scales"`
}

func (h Hyperparameters) clone() Hyperparameters {
	h.Scales = slices.Clone(h.Scales)
	return h
}

// thetas flattens the hyperparameters in file order: amplitude, nugget,
// [power,] scales.
func (h Hyperparameters) thetas(kind CovarianceFunction) []float64 {
	out := []float64{h.Amplitude, h.Nugget}
	if kind == PowerExponential {
		out = append(out, h.Power)
	}
	return append(out, h.Scales...)
}

func hyperparametersFromThetas(kind CovarianceFunction, thetas []float64, numParameters int) (Hyperparameters, error) {
	want := 2 + numParameters
	if kind == PowerExponential {
		want++
	}
	if len(thetas) != want {
		return Hyperparameters{}, fmt.Errorf("%s needs %d thetas, got %d", kind, want, len(thetas))
	}
	h := Hyperparameters{Amplitude: thetas[0], Nugget: thetas[1]}
	rest := thetas[2:]
	if kind == PowerExponential {
		h.Power = rest[0]
		rest = rest[1:]
	}
	h.Scales = slices.Clone(rest)
	return h, nil
}

func (h Hyperparameters) validate(kind CovarianceFunction) error {
	if !(h.Amplitude > 0) {
		return fmt.Errorf("amplitude must be positive, got %g", h.Amplitude)
	}
	if h.Nugget < 0 {
		return fmt.Errorf("nugget must be non-negative, got %g", h.Nugget)
	}
	if kind == PowerExponential && !(h.Power > 0 && h.Power <= 2) {
		return fmt.Errorf("power must be in (0, 2], got %g", h.Power)
	}
	for i, s := range h.Scales {
		if !(s > 0) || math.IsInf(s, 0) {
			return fmt.Errorf("length scale %d must be positive, got %g", i, s)
		}
	}
	return nil
}

// covariance evaluates k(a, b) without the nugget.
func covariance(kind CovarianceFunction, h *Hyperparameters, a, b []float64) float64 {
	switch kind {
	case PowerExponential:
		var e float64
		for i := range a {
			e += math.Pow(math.Abs(a[i]-b[i])/h.Scales[i], h.Power)
		}
		return h.Amplitude * math.Exp(-0.5*e)
	case Matern32:
		r := sqrt3 * scaledDistance(h.Scales, a, b)
		return h.Amplitude * (1 + r) * math.Exp(-r)
	case Matern52:
		d := scaledDistance(h.Scales, a, b)
		r := sqrt5 * d
		return h.Amplitude * (1 + r + 5*d*d/3) * math.Exp(-r)
	default:
		var e float64
		for i := range a {
			d := (a[i] - b[i]) / h.Scales[i]
			e += d * d
		}
		return h.Amplitude * math.Exp(-0.5*e)
	}
}

// covarianceGradient writes d k(a, b) / d a into dst.
func covarianceGradient(kind CovarianceFunction, h *Hyperparameters, a, b, dst []float64) {
	switch kind {
	case PowerExponential:
		k := covariance(kind, h, a, b)
		for i := range a {
			d := a[i] - b[i]
			if d == 0 {
				dst[i] = 0
				continue
			}
			s := h.Scales[i]
			u := math.Abs(d) / s
			dst[i] = -0.5 * k * h.Power * math.Pow(u, h.Power-1) * math.Copysign(1, d) / s
		}
	case Matern32:
		r := sqrt3 * scaledDistance(h.Scales, a, b)
		f := -3 * h.Amplitude * math.Exp(-r)
		for i := range a {
			dst[i] = f * (a[i] - b[i]) / (h.Scales[i] * h.Scales[i])
		}
	case Matern52:
		r := sqrt5 * scaledDistance(h.Scales, a, b)
		f := -5 * h.Amplitude * (1 + r) * math.Exp(-r) / 3
		for i := range a {
			dst[i] = f * (a[i] - b[i]) / (h.Scales[i] * h.Scales[i])
		}
	default:
		k := covariance(kind, h, a, b)
		for i := range a {
			dst[i] = -k * (a[i] - b[i]) / (h.Scales[i] * h.Scales[i])
		}
	}
}

func scaledDistance(scales, a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := (a[i] - b[i]) / scales[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// regressionSize is the number of trend basis functions: a constant plus
// x_i^o for every parameter and every order o in 1..order.
func regressionSize(order, numParameters int) int {
	return 1 + order*numParameters
}

// regressionBasis writes h(x) = [1, x, x^2, ..., x^order] into dst.
func regressionBasis(order int, x, dst []float64) {
	dst[0] = 1
	p := len(x)
	for i, v := range x {
		pow := 1.0
		for o := 1; o <= order; o++ {
			pow *= v
			dst[1+(o-1)*p+i] = pow
		}
	}
}

// regressionBasisGradient writes d h(x) / d x_j into dst.
func regressionBasisGradient(order int, x []float64, j int, dst []float64) {
	clear(dst)
	p := len(x)
	pow := 1.0
	for o := 1; o <= order; o++ {
		dst[1+(o-1)*p+j] = float64(o) * pow
		pow *= x[j]
	}
}
