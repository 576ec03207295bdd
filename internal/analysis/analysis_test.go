package analysis

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvandessel/gpcal/internal/calerr"
	"github.com/nvandessel/gpcal/internal/distribution"
	"github.com/nvandessel/gpcal/internal/models"
)

func params(t *testing.T) []models.Parameter {
	t.Helper()
	u, err := distribution.NewUniform(0, 12) // sd = 12 / sqrt(12)
	require.NoError(t, err)
	g, err := distribution.NewGaussian(0, 2)
	require.NoError(t, err)
	return []models.Parameter{models.NewParameter("x", u), models.NewParameter("y", g)}
}

func traceOf(t *testing.T, rows ...[]float64) *models.Trace {
	t.Helper()
	tr := models.NewTrace()
	for _, r := range rows {
		// x, y, output, log-likelihood
		require.NoError(t, tr.Add(models.NewSample(r[:2], r[2:3], r[3])))
	}
	return tr
}

func TestAnalyze(t *testing.T) {
	tr := traceOf(t,
		[]float64{1, 2, 10, -3},
		[]float64{3, 2, 30, -1},
		[]float64{5, 8, 50, -2},
		[]float64{7, 4, 70, -5},
	)
	r, err := Analyze(tr, params(t), []string{"obs"})
	require.NoError(t, err)

	assert.Equal(t, 4, r.Samples)
	assert.Equal(t, 1, r.BestIndex)
	assert.Equal(t, -1.0, r.BestLogLikelihood)

	x := r.Parameters[0]
	assert.Equal(t, "x", x.Name)
	assert.InDelta(t, 4.0, x.Mean, 1e-12)
	assert.InDelta(t, math.Sqrt(5), x.StdDev, 1e-12) // population variance (9+1+1+9)/4
	assert.InDelta(t, math.Sqrt(5)/math.Sqrt(12), x.ScaledDeviation, 1e-12)
	assert.Equal(t, 3.0, x.Best)

	y := r.Parameters[1]
	assert.InDelta(t, 4.0, y.Mean, 1e-12)
	assert.InDelta(t, math.Sqrt(6), y.StdDev, 1e-12) // (4+4+16+0)/4
	assert.InDelta(t, math.Sqrt(6)/2, y.ScaledDeviation, 1e-12)

	// cov(x, y) = ((-3)(-2) + (-1)(-2) + (1)(4) + (3)(0)) / 4 = 3
	assert.InDelta(t, 5.0, r.Covariance[0][0], 1e-12)
	assert.InDelta(t, 3.0, r.Covariance[0][1], 1e-12)
	assert.InDelta(t, 3.0, r.Covariance[1][0], 1e-12)
	assert.InDelta(t, 6.0, r.Covariance[1][1], 1e-12)
	assert.InDelta(t, 3.0/(math.Sqrt(12)*2), r.ScaledCovariance[0][1], 1e-12)

	// obs = 10 x, so it is perfectly correlated with x.
	require.Len(t, r.Outputs, 1)
	assert.InDelta(t, 40.0, r.Outputs[0].Mean, 1e-12)
	assert.InDelta(t, 1.0, r.OutputCorrelation[0][0], 1e-12)
	assert.InDelta(t, 3.0/math.Sqrt(5*6), r.OutputCorrelation[0][1], 1e-12)
}

func TestAnalyzeSingleSample(t *testing.T) {
	r, err := Analyze(traceOf(t, []float64{2, 3, 1, -1}), params(t), []string{"obs"})
	require.NoError(t, err)
	assert.Equal(t, 0.0, r.Parameters[0].StdDev)
	assert.Equal(t, 0.0, r.Covariance[0][1])
	assert.True(t, math.IsNaN(r.OutputCorrelation[0][0]))

	// NaN entries must not break JSON output.
	data, err := json.Marshal(r)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	corr := decoded["output_correlation"].([]any)[0].([]any)
	assert.Nil(t, corr[0])
}

func TestAnalyzeWithoutOutputs(t *testing.T) {
	tr := models.NewTrace()
	require.NoError(t, tr.Add(models.NewSample([]float64{1, 1}, nil, -1)))
	require.NoError(t, tr.Add(models.NewSample([]float64{2, 3}, nil, -2)))
	r, err := Analyze(tr, params(t), []string{"obs"})
	require.NoError(t, err)
	assert.Empty(t, r.Outputs)
	assert.Nil(t, r.OutputCorrelation)
}

func TestAnalyzeErrors(t *testing.T) {
	_, err := Analyze(models.NewTrace(), params(t), nil)
	assert.ErrorIs(t, err, calerr.ErrOther)

	tr := models.NewTrace()
	require.NoError(t, tr.Add(models.NewSample([]float64{1}, nil, 0)))
	_, err = Analyze(tr, params(t), nil)
	assert.ErrorIs(t, err, calerr.ErrShapeMismatch)
}

func TestWriteText(t *testing.T) {
	tr := traceOf(t, []float64{1, 2, 10, -3}, []float64{3, 2, 30, -1})
	r, err := Analyze(tr, params(t), []string{"obs"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, r.WriteText(&buf))
	out := buf.String()
	for _, want := range []string{"parameter", "scaled dev.", "best log likelihood", "covariance:", "scaled covariance:", "observable-parameter correlation:", "obs"} {
		assert.Contains(t, out, want)
	}
	assert.True(t, strings.HasPrefix(strings.TrimLeft(out, " "), "parameter"))
}
