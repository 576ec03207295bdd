package model

import (
	"log/slog"
	"math"

	"github.com/nvandessel/gpcal/internal/distribution"
	"github.com/nvandessel/gpcal/internal/models"
)

// Gaussian2D is a synthetic two-parameter model whose single output is an
// unnormalized Gaussian bump. Its observations are fixed at a peak value of
// 1 with variance 0.1, so the likelihood is maximal at the bump's mean.
type Gaussian2D struct {
	MeanX, MeanY     float64
	StdDevX, StdDevY float64
}

// DefaultGaussian2D returns the bump centered at (23.2, -14.0) with standard
// deviations (4.0, 12.3).
func DefaultGaussian2D() Gaussian2D {
	return Gaussian2D{MeanX: 23.2, MeanY: -14.0, StdDevX: 4.0, StdDevY: 12.3}
}

func (g Gaussian2D) value(x, y float64) float64 {
	dx, dy := x-g.MeanX, y-g.MeanY
	return math.Exp(-(dx*dx/(2*g.StdDevX*g.StdDevX) + dy*dy/(2*g.StdDevY*g.StdDevY)))
}

func (g Gaussian2D) Evaluate(params []float64, _ bool) ([]float64, []float64, error) {
	return []float64{g.value(params[0], params[1])}, nil, nil
}

func (g Gaussian2D) OutputGradient(params []float64) ([]float64, error) {
	x, y := params[0], params[1]
	v := g.value(x, y)
	return []float64{
		-v * (x - g.MeanX) / (g.StdDevX * g.StdDevX),
		-v * (y - g.MeanY) / (g.StdDevY * g.StdDevY),
	}, nil
}

// NewGaussian2D builds the synthetic model with uniform priors spanning ten
// standard deviations either side of the mean.
func NewGaussian2D(g Gaussian2D, logger *slog.Logger) (*Core, error) {
	px, err := distribution.NewUniform(g.MeanX-10*g.StdDevX, g.MeanX+10*g.StdDevX)
	if err != nil {
		return nil, err
	}
	py, err := distribution.NewUniform(g.MeanY-10*g.StdDevY, g.MeanY+10*g.StdDevY)
	if err != nil {
		return nil, err
	}
	params := []models.Parameter{models.NewParameter("X", px), models.NewParameter("Y", py)}
	c, err := New(g, params, []string{"Value"}, Options{Logger: logger, StaticObservations: true})
	if err != nil {
		return nil, err
	}
	c.setObservations([]float64{1}, []float64{0.1})
	return c, nil
}
