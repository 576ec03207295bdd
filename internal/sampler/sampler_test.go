package sampler

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvandessel/gpcal/internal/calerr"
	"github.com/nvandessel/gpcal/internal/constants"
	"github.com/nvandessel/gpcal/internal/distribution"
	"github.com/nvandessel/gpcal/internal/model"
	"github.com/nvandessel/gpcal/internal/models"
	"github.com/nvandessel/gpcal/internal/random"
)

func gaussian2D(t *testing.T) *model.Core {
	t.Helper()
	m, err := model.NewGaussian2D(model.DefaultGaussian2D(), nil)
	require.NoError(t, err)
	return m
}

// funcModel is a one-parameter model on [0, 1] computing fn.
func funcModel(t *testing.T, fn model.Func) *model.Core {
	t.Helper()
	prior, err := distribution.NewUniform(0, 1)
	require.NoError(t, err)
	return funcModelWithPrior(t, prior, fn)
}

func funcModelWithPrior(t *testing.T, prior distribution.Distribution, fn model.Func) *model.Core {
	t.Helper()
	m, err := model.NewDirect([]models.Parameter{models.NewParameter("a", prior)}, []string{"y"}, fn, model.Options{})
	require.NoError(t, err)
	return m
}

// unboundedFuncModel puts a gaussian prior on the parameter so no proposal
// leaves the support.
func unboundedFuncModel(t *testing.T, fn model.Func) *model.Core {
	t.Helper()
	prior, err := distribution.NewGaussian(0.5, 1)
	require.NoError(t, err)
	return funcModelWithPrior(t, prior, fn)
}

func flatModel(t *testing.T) *model.Core {
	return funcModel(t, func(p []float64) ([]float64, error) { return []float64{0}, nil })
}

func TestAccept(t *testing.T) {
	for _, delta := range []float64{0, 0.1, 5, math.Inf(1)} {
		for _, u := range []float64{0, 0.5, 0.999999} {
			assert.True(t, accept(delta, u), "delta=%g u=%g", delta, u)
		}
	}
	assert.False(t, accept(math.Inf(-1), 0))
	assert.False(t, accept(math.NaN(), 0))

	// Downhill moves are accepted with probability exp(delta).
	src := random.New(11)
	const trials = 200000
	delta := math.Log(0.3)
	accepted := 0
	for i := 0; i < trials; i++ {
		if accept(delta, src.Float64()) {
			accepted++
		}
	}
	assert.InDelta(t, 0.3, float64(accepted)/trials, 0.01)
}

func TestParameterSetBeforeInitialize(t *testing.T) {
	s := NewMetropolisHastings(random.New(1), MetropolisHastingsOptions{})
	_, err := s.NextSample()
	assert.ErrorIs(t, err, calerr.ErrNotReady)
	assert.ErrorIs(t, s.ActivateParameter("X"), calerr.ErrNotReady)
	assert.ErrorIs(t, s.SetParameterValues([]float64{1}), calerr.ErrNotReady)
	assert.ErrorIs(t, s.Initialize(nil), calerr.ErrNotReady)
	assert.ErrorIs(t, s.Initialize(&model.Core{}), calerr.ErrNotReady)
}

func TestParameterSetInvalidNames(t *testing.T) {
	s := NewGradientAscent(GradientOptions{})
	require.NoError(t, s.Initialize(gaussian2D(t)))

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{"activate unknown", func() error { return s.ActivateParameter("Z") }, calerr.ErrInvalidParameterIndex},
		{"deactivate unknown", func() error { return s.DeactivateParameter("Z") }, calerr.ErrInvalidParameterIndex},
		{"activate index", func() error { return s.ActivateParameterIndex(2) }, calerr.ErrInvalidParameterIndex},
		{"deactivate negative", func() error { return s.DeactivateParameterIndex(-1) }, calerr.ErrInvalidParameterIndex},
		{"set unknown", func() error { return s.SetParameterValue("Z", 1) }, calerr.ErrInvalidParameterIndex},
		{"set wrong length", func() error { return s.SetParameterValues([]float64{1}) }, calerr.ErrShapeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), tt.want)
		})
	}

	_, err := s.IsParameterActive("Z")
	assert.ErrorIs(t, err, calerr.ErrInvalidParameterIndex)
}

func TestInitializeActivatesAllAtMedian(t *testing.T) {
	s := NewGradientAscent(GradientOptions{})
	m := gaussian2D(t)
	require.NoError(t, s.Initialize(m))

	assert.Equal(t, 2, s.NumberOfActiveParameters())
	for i, p := range s.Parameters() {
		assert.True(t, p.Active)
		assert.InDelta(t, p.Prior.Percentile(0.5), s.CurrentParameters()[i], 1e-12)
	}

	require.NoError(t, s.DeactivateParameterIndex(1))
	active, err := s.IsParameterActive("Y")
	require.NoError(t, err)
	assert.False(t, active)

	// Re-initializing resets the active set.
	require.NoError(t, s.Initialize(m))
	assert.Equal(t, 2, s.NumberOfActiveParameters())
}

func TestMetropolisHastingsDeterministic(t *testing.T) {
	run := func() []models.Sample {
		s := NewMetropolisHastings(random.New(42), MetropolisHastingsOptions{StepSize: 0.5})
		require.NoError(t, s.Initialize(gaussian2D(t)))
		out := make([]models.Sample, 50)
		for i := range out {
			var err error
			out[i], err = s.NextSample()
			require.NoError(t, err)
		}
		return out
	}
	a, b := run(), run()
	for i := range a {
		assert.True(t, a[i].Equal(b[i]), "sample %d differs", i)
	}
}

func TestMetropolisHastingsRejectionRepeatsSample(t *testing.T) {
	// A narrow peak at a = 0.5 makes wide proposals fail often.
	m := funcModel(t, func(p []float64) ([]float64, error) {
		return []float64{10 * p[0]}, nil
	})
	require.NoError(t, m.SetObservedValues([]float64{5}))
	s := NewMetropolisHastings(random.New(7), MetropolisHastingsOptions{StepSize: 1})
	require.NoError(t, s.Initialize(m))

	prev, err := s.NextSample()
	require.NoError(t, err)
	repeats, moves := 0, 0
	for i := 0; i < 300; i++ {
		cur, err := s.NextSample()
		require.NoError(t, err)
		if cur.Equal(prev) {
			repeats++
		} else {
			moves++
		}

		ev, err := m.LogLikelihood(cur.ParameterValues)
		require.NoError(t, err)
		assert.Equal(t, ev.LogLikelihood, cur.LogLikelihood)
		prev = cur
	}
	assert.Positive(t, repeats, "large steps must be rejected sometimes")
	assert.Positive(t, moves)
}

func TestMetropolisHastingsInactiveParameterFixed(t *testing.T) {
	s := NewMetropolisHastings(random.New(3), MetropolisHastingsOptions{})
	require.NoError(t, s.Initialize(gaussian2D(t)))
	require.NoError(t, s.DeactivateParameter("Y"))
	require.NoError(t, s.SetParameterValue("Y", -14))

	for i := 0; i < 100; i++ {
		sample, err := s.NextSample()
		require.NoError(t, err)
		assert.Equal(t, -14.0, sample.ParameterValues[1])
	}
}

func TestMetropolisHastingsConvergenceFailure(t *testing.T) {
	m := unboundedFuncModel(t, func(p []float64) ([]float64, error) {
		return []float64{math.NaN()}, nil
	})
	s := NewMetropolisHastings(random.New(1), MetropolisHastingsOptions{MaxAttempts: 25})
	require.NoError(t, s.Initialize(m))

	sample, err := s.NextSample()
	assert.ErrorIs(t, err, calerr.ErrConvergenceFailure)
	assert.True(t, sample.IsZero())
}

func TestMetropolisHastingsModelError(t *testing.T) {
	broken := false
	boom := errors.New("simulator crashed")
	m := unboundedFuncModel(t, func(p []float64) ([]float64, error) {
		if broken {
			return nil, boom
		}
		return []float64{p[0]}, nil
	})
	s := NewMetropolisHastings(random.New(1), MetropolisHastingsOptions{})
	require.NoError(t, s.Initialize(m))

	broken = true
	sample, err := s.NextSample()
	assert.ErrorIs(t, err, boom)
	assert.True(t, sample.IsZero())

	broken = false
	_, err = s.NextSample()
	assert.NoError(t, err, "the chain continues after a failed evaluation")
}

func TestMetropolisHastingsFlatLikelihoodIsUniform(t *testing.T) {
	// With a flat likelihood the chain must reproduce the U(0, 1) prior,
	// edges included. Wide steps put many proposals outside the support.
	s := NewMetropolisHastings(random.New(2024), MetropolisHastingsOptions{StepSize: 1})
	require.NoError(t, s.Initialize(flatModel(t)))

	const draws, bins = 200000, 5
	counts := make([]int, bins)
	edges := 0
	for i := 0; i < draws; i++ {
		sample, err := s.NextSample()
		require.NoError(t, err)
		a := sample.ParameterValues[0]
		require.True(t, a >= 0 && a <= 1, "a=%g outside the prior", a)
		counts[min(int(a*bins), bins-1)]++
		if a < 0.1 || a > 0.9 {
			edges++
		}
	}
	assert.InDelta(t, 0.2, float64(edges)/draws, 0.01, "mass in the outer fifth")
	for b, c := range counts {
		assert.InDelta(t, 1.0/bins, float64(c)/draws, 0.015, "bin %d", b)
	}
}

func TestMetropolisHastingsOutsideSupportRejects(t *testing.T) {
	s := NewMetropolisHastings(random.New(8), MetropolisHastingsOptions{StepSize: 50})
	require.NoError(t, s.Initialize(flatModel(t)))
	require.NoError(t, s.SetParameterValue("a", 0.5))

	// Nearly every proposal lands far outside [0, 1]; each one still yields
	// a sample, repeating the current point.
	repeats := 0
	for i := 0; i < 200; i++ {
		sample, err := s.NextSample()
		require.NoError(t, err)
		if sample.ParameterValues[0] == 0.5 {
			repeats++
		}
	}
	assert.Greater(t, repeats, 190)
}

func TestLangevinBallisticStep(t *testing.T) {
	m := gaussian2D(t)
	s := NewLangevin(random.New(5), LangevinOptions{
		TimeStep:             0.25,
		MassScale:            2,
		DragCoefficient:      0,
		MeanTimeBetweenKicks: 0,
	})
	require.NoError(t, s.Initialize(m))

	x0 := []float64{21, -13.5}
	v0 := []float64{0.3, -0.2}
	require.NoError(t, s.SetParameterValues(x0))
	require.NoError(t, s.SetVelocities(v0))

	ev, err := m.LogLikelihoodGradient(x0, []bool{true, true})
	require.NoError(t, err)

	sample, err := s.NextSample()
	require.NoError(t, err)
	const dt, mass = 0.25, 2.0
	for i := range x0 {
		want := x0[i] + v0[i]*dt + 0.5*ev.Gradient[i]/mass*dt*dt
		assert.InDelta(t, want, sample.ParameterValues[i], 1e-12)
	}
	assert.Len(t, sample.LogLikelihoodValueGradient, 2)
	assert.InDelta(t, dt, s.Time(), 1e-15)
}

func TestLangevinDragSlowsMotion(t *testing.T) {
	m := flatModel(t)
	s := NewLangevin(random.New(5), LangevinOptions{TimeStep: 0.1, DragCoefficient: 1, MassScale: 1})
	require.NoError(t, s.Initialize(m))
	require.NoError(t, s.SetVelocities([]float64{0.1}))

	// Flat likelihood: only drag acts, so speed decays monotonically.
	prev := 0.1
	for i := 0; i < 20; i++ {
		_, err := s.NextSample()
		require.NoError(t, err)
		v := s.Velocities()[0]
		assert.Less(t, v, prev)
		assert.Positive(t, v)
		prev = v
	}
}

func TestLangevinStaysInsidePriorRange(t *testing.T) {
	s := NewLangevin(random.New(17), DefaultOptions().Langevin)
	require.NoError(t, s.Initialize(flatModel(t)))

	outside := 0
	for i := 0; i < 5000; i++ {
		sample, err := s.NextSample()
		require.NoError(t, err)
		a := sample.ParameterValues[0]
		require.False(t, math.IsNaN(a), "step %d", i)
		require.False(t, math.IsNaN(sample.LogLikelihood), "step %d", i)
		if a < 0 || a > 1 {
			outside++
		}
		for _, g := range sample.LogLikelihoodValueGradient {
			require.False(t, math.IsNaN(g) || math.IsInf(g, 0), "step %d gradient %g", i, g)
		}
	}
	assert.Zero(t, outside)
	assert.False(t, math.IsNaN(s.Velocities()[0]))
}

func TestLangevinReflectsAtBound(t *testing.T) {
	s := NewLangevin(random.New(5), LangevinOptions{TimeStep: 0.1, MassScale: 1})
	require.NoError(t, s.Initialize(flatModel(t)))
	require.NoError(t, s.SetParameterValue("a", 0.95))
	require.NoError(t, s.SetVelocities([]float64{1}))

	sample, err := s.NextSample()
	require.NoError(t, err)
	assert.InDelta(t, 0.95, sample.ParameterValues[0], 1e-12, "0.95 + 0.1 mirrors to 0.95")
	assert.InDelta(t, -1, s.Velocities()[0], 1e-12)
}

func TestReflect(t *testing.T) {
	s := NewLangevin(random.New(1), LangevinOptions{})
	require.NoError(t, s.Initialize(flatModel(t)))

	tests := []struct {
		x, want float64
		flipped bool
	}{
		{0.4, 0.4, false},
		{1.25, 0.75, true},
		{-0.25, 0.25, true},
		{2.25, 0.25, false},
		{-1.75, 0.25, false},
		{math.Inf(1), 1, true},
	}
	for _, tt := range tests {
		x := []float64{tt.x}
		flipped := s.reflect(x)
		assert.InDelta(t, tt.want, x[0], 1e-12, "x=%g", tt.x)
		assert.Equal(t, tt.flipped, flipped[0], "x=%g", tt.x)
	}

	require.NoError(t, s.DeactivateParameter("a"))
	x := []float64{3}
	s.reflect(x)
	assert.Equal(t, 3.0, x[0], "inactive coordinates are left alone")
}

func TestLangevinKicksKeepTime(t *testing.T) {
	m := gaussian2D(t)
	s := NewLangevin(random.New(9), LangevinOptions{
		TimeStep:             0.5,
		KickStrength:         1,
		MeanTimeBetweenKicks: 0.7,
		DragCoefficient:      0.1,
		MassScale:            1,
	})
	require.NoError(t, s.Initialize(m))

	for i := 1; i <= 40; i++ {
		_, err := s.NextSample()
		require.NoError(t, err)
		assert.InDelta(t, float64(i)*0.5, s.Time(), 1e-9)
	}
	v := s.Velocities()
	assert.NotEqual(t, []float64{0, 0}, v, "kicks inject velocity")
}

func TestGradientAscentConvergesOnGaussian2D(t *testing.T) {
	m := gaussian2D(t)
	s := NewGradientAscent(GradientOptions{StepSize: 2})
	require.NoError(t, s.Initialize(m))
	require.NoError(t, s.SetParameterValue("X", 21))
	require.NoError(t, s.SetParameterValue("Y", -13.5))

	schedule := []struct {
		step  float64
		count int
	}{
		{2, 1000},
		{2000, 2000},
		{400000, 3000},
	}
	for _, phase := range schedule {
		s.SetStepSize(phase.step)
		for i := 0; i < phase.count; i++ {
			_, err := s.NextSample()
			require.NoError(t, err)
		}
	}

	g := model.DefaultGaussian2D()
	got := s.CurrentParameters()
	assert.InDelta(t, g.MeanX, got[0], 1e-2)
	assert.InDelta(t, g.MeanY, got[1], 1e-2)
}

func TestGradientDescentStepsDownhill(t *testing.T) {
	m := gaussian2D(t)
	s := NewGradientDescent(GradientOptions{StepSize: 0.5})
	assert.Equal(t, constants.SamplerGradientDescent, s.Kind())
	require.NoError(t, s.Initialize(m))
	x0 := []float64{21, -13.5}
	require.NoError(t, s.SetParameterValues(x0))

	sample, err := s.NextSample()
	require.NoError(t, err)
	assert.Equal(t, x0, sample.ParameterValues, "the sample is taken before the step")

	got := s.CurrentParameters()
	for i := range x0 {
		assert.InDelta(t, x0[i]-0.5*sample.LogLikelihoodValueGradient[i], got[i], 1e-12)
	}
}

func TestGradientDescentStopsAtBound(t *testing.T) {
	// Log likelihood is -a^2/2, so descent drives a upward until the edge
	// of [0, 1] stops it.
	m := funcModel(t, func(p []float64) ([]float64, error) { return []float64{p[0]}, nil })
	s := NewGradientDescent(GradientOptions{StepSize: 0.3})
	require.NoError(t, s.Initialize(m))

	for i := 0; i < 50; i++ {
		sample, err := s.NextSample()
		require.NoError(t, err)
		require.False(t, math.IsInf(sample.LogLikelihood, 0) || math.IsNaN(sample.LogLikelihood), "step %d", i)
		for _, g := range sample.LogLikelihoodValueGradient {
			require.False(t, math.IsInf(g, 0) || math.IsNaN(g), "step %d", i)
		}
	}
	assert.InDelta(t, 1, s.CurrentParameters()[0], 1e-12)
}

func TestPercentileGridSweep(t *testing.T) {
	m := gaussian2D(t)
	s := NewPercentileGrid(PercentileGridOptions{Divisions: 3})
	require.NoError(t, s.Initialize(m))
	require.Equal(t, 9, s.NumberOfGridPoints())

	params := s.Parameters()
	var first models.Sample
	for k := 0; k < 9; k++ {
		sample, err := s.NextSample()
		require.NoError(t, err)
		if k == 0 {
			first = sample
		}
		i, j := k%3, k/3
		assert.InDelta(t, params[0].Prior.Percentile((float64(i)+0.5)/3), sample.ParameterValues[0], 1e-12)
		assert.InDelta(t, params[1].Prior.Percentile((float64(j)+0.5)/3), sample.ParameterValues[1], 1e-12)
	}

	again, err := s.NextSample()
	require.NoError(t, err)
	assert.True(t, again.Equal(first), "the sweep wraps around")

	require.NoError(t, s.DeactivateParameter("Y"))
	assert.Equal(t, 3, s.NumberOfGridPoints())
}

func TestNew(t *testing.T) {
	for _, kind := range constants.SamplerKinds {
		s, err := New(kind, random.New(1), DefaultOptions())
		require.NoError(t, err, kind)
		assert.Equal(t, kind, s.Kind())
	}
	_, err := New("Gibbs", random.New(1), DefaultOptions())
	assert.ErrorIs(t, err, calerr.ErrOther)
}
