package sampler

import (
	"math"

	"github.com/nvandessel/gpcal/internal/constants"
	"github.com/nvandessel/gpcal/internal/model"
	"github.com/nvandessel/gpcal/internal/models"
)

// PercentileGridOptions configures the grid sweep.
type PercentileGridOptions struct {
	// Divisions is the number of grid points per active parameter.
	Divisions int
}

// PercentileGrid visits the active parameters on a regular grid of prior
// percentiles (i + 0.5) / n, first parameter fastest. Inactive parameters
// stay at their current values. After the last grid point the sweep starts
// again.
type PercentileGrid struct {
	ParameterSet

	divisions int
	counter   int
}

var _ Sampler = (*PercentileGrid)(nil)

func NewPercentileGrid(opts PercentileGridOptions) *PercentileGrid {
	n := opts.Divisions
	if n <= 0 {
		n = constants.DefaultPercentileGridDivisions
	}
	return &PercentileGrid{divisions: n}
}

func (s *PercentileGrid) Kind() constants.SamplerKind {
	return constants.SamplerPercentileGrid
}

func (s *PercentileGrid) Initialize(m model.Model) error {
	if err := s.bind(m); err != nil {
		return err
	}
	s.counter = 0
	return nil
}

// NumberOfGridPoints is the length of one sweep over the active parameters.
func (s *PercentileGrid) NumberOfGridPoints() int {
	return int(math.Pow(float64(s.divisions), float64(s.NumberOfActiveParameters())))
}

func (s *PercentileGrid) NextSample() (models.Sample, error) {
	if err := s.ready(); err != nil {
		return models.Sample{}, err
	}
	s.takeDirty()

	total := s.NumberOfGridPoints()
	idx := s.counter % total
	s.counter++
	for i, p := range s.params {
		if !p.Active {
			continue
		}
		k := idx % s.divisions
		idx /= s.divisions
		s.current[i] = p.Prior.Percentile((float64(k) + 0.5) / float64(s.divisions))
	}

	ev, err := s.model.LogLikelihood(s.current)
	if err != nil {
		return models.Sample{}, err
	}
	return sampleAt(s.current, ev), nil
}
