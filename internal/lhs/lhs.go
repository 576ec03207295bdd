// Package lhs generates Latin hypercube training designs over model priors.
package lhs

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/nvandessel/gpcal/internal/calerr"
	"github.com/nvandessel/gpcal/internal/constants"
	"github.com/nvandessel/gpcal/internal/distribution"
	"github.com/nvandessel/gpcal/internal/models"
	"github.com/nvandessel/gpcal/internal/random"
)

// Options configures a Generator.
type Options struct {
	// PartitionByPercentile places point i of n at prior percentile
	// (i + 0.5) / n. Otherwise the points split [lo, hi] into n equal cells
	// and sit at cell centres.
	PartitionByPercentile bool

	// StandardDeviations sets [lo, hi] = mean +/- k*sd for gaussian priors
	// when partitioning evenly.
	StandardDeviations float64

	// UseMaximin keeps the candidate design with the largest minimum
	// pairwise distance out of MaximinTries.
	UseMaximin   bool
	MaximinTries int
}

// DefaultOptions returns the generation defaults.
func DefaultOptions() Options {
	return Options{
		PartitionByPercentile: constants.DefaultPartitionByPercentile,
		StandardDeviations:    constants.DefaultTrainingStandardDeviations,
		UseMaximin:            constants.DefaultUseMaximin,
		MaximinTries:          constants.DefaultMaximinTries,
	}
}

// Generator draws designs from an injected random source.
type Generator struct {
	src  *random.Source
	opts Options
}

func New(src *random.Source, opts Options) *Generator {
	if opts.StandardDeviations <= 0 {
		opts.StandardDeviations = constants.DefaultTrainingStandardDeviations
	}
	if opts.MaximinTries <= 0 {
		opts.MaximinTries = constants.DefaultMaximinTries
	}
	return &Generator{src: src, opts: opts}
}

// Partition returns the n cell positions of one parameter in increasing
// order.
func (g *Generator) Partition(n int, prior distribution.Distribution) []float64 {
	cells := make([]float64, n)
	if g.opts.PartitionByPercentile {
		for i := range cells {
			cells[i] = prior.Percentile((float64(i) + 0.5) / float64(n))
		}
		return cells
	}
	lo, hi := distribution.Bounds(prior, g.opts.StandardDeviations)
	width := (hi - lo) / float64(n)
	for i := range cells {
		cells[i] = lo + width*(float64(i)+0.5)
	}
	return cells
}

// Generate returns n points, one row per point and one column per
// parameter. Every column visits each of its n cells exactly once.
func (g *Generator) Generate(n int, params []models.Parameter) ([][]float64, error) {
	if n <= 0 {
		return nil, fmt.Errorf("need a positive number of training points, got %d: %w", n, calerr.ErrOther)
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters to sample: %w", calerr.ErrOther)
	}

	cells := make([][]float64, len(params))
	for j, p := range params {
		if p.Prior == nil {
			return nil, fmt.Errorf("parameter %q has no prior: %w", p.Name, calerr.ErrOther)
		}
		cells[j] = g.Partition(n, p.Prior)
	}

	tries := 1
	if g.opts.UseMaximin {
		tries = g.opts.MaximinTries
	}
	var best [][]int
	bestDistance := math.Inf(-1)
	for t := 0; t < tries; t++ {
		design := g.permutations(n, len(params))
		d := minDistance(design, n)
		if d > bestDistance {
			best, bestDistance = design, d
		}
	}

	points := make([][]float64, n)
	for i := range points {
		points[i] = make([]float64, len(params))
		for j := range params {
			points[i][j] = cells[j][best[j][i]]
		}
	}
	return points, nil
}

// permutations returns one shuffled cell ordering per dimension.
func (g *Generator) permutations(n, dims int) [][]int {
	design := make([][]int, dims)
	for j := range design {
		perm := make([]int, n)
		for i := range perm {
			perm[i] = i
		}
		g.src.Shuffle(n, func(a, b int) { perm[a], perm[b] = perm[b], perm[a] })
		design[j] = perm
	}
	return design
}

// minDistance is the smallest euclidean distance between two points of the
// design, measured in cell units scaled to [0, 1].
func minDistance(design [][]int, n int) float64 {
	if n < 2 {
		return 0
	}
	dims := len(design)
	pts := make([][]float64, n)
	for i := range pts {
		pts[i] = make([]float64, dims)
		for j := range design {
			pts[i][j] = (float64(design[j][i]) + 0.5) / float64(n)
		}
	}
	best := math.Inf(1)
	for a := 0; a < n; a++ {
		for b := a + 1; b < n; b++ {
			best = math.Min(best, floats.Distance(pts[a], pts[b], 2))
		}
	}
	return best
}
