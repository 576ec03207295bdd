// Package analysis summarizes a sampler trace: per-parameter moments, the
// best sample, and parameter and observable covariances. Moments use
// population normalization.
package analysis

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"text/tabwriter"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/nvandessel/gpcal/internal/calerr"
	"github.com/nvandessel/gpcal/internal/models"
)

// ParameterSummary describes one parameter's marginal over the trace.
type ParameterSummary struct {
	Name   string  `json:"name"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`

	// ScaledDeviation is StdDev divided by the prior standard deviation.
	ScaledDeviation float64 `json:"scaled_deviation"`

	// Best is the value at the highest log-likelihood sample.
	Best float64 `json:"best"`
}

// OutputSummary describes one observable over the trace.
type OutputSummary struct {
	Name   string  `json:"name"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Best   float64 `json:"best"`
}

// Report is the result of Analyze.
type Report struct {
	Samples           int                `json:"samples"`
	BestIndex         int                `json:"best_index"`
	BestLogLikelihood float64            `json:"best_log_likelihood"`
	Parameters        []ParameterSummary `json:"parameters"`
	Outputs           []OutputSummary    `json:"outputs,omitempty"`

	// Covariance is the P x P parameter covariance.
	Covariance [][]float64 `json:"covariance"`

	// ScaledCovariance divides entry (i, j) by the product of the prior
	// standard deviations of parameters i and j.
	ScaledCovariance [][]float64 `json:"scaled_covariance"`

	// OutputCorrelation is the M x P correlation between each observable
	// and each parameter. Entries involving a constant column are NaN.
	OutputCorrelation [][]float64 `json:"output_correlation,omitempty"`
}

// Analyze summarizes trace. Zero samples are ignored. Output columns are
// analyzed when every sample carries len(outputNames) outputs.
func Analyze(trace *models.Trace, params []models.Parameter, outputNames []string) (*Report, error) {
	var rows []models.Sample
	for _, s := range trace.Samples() {
		if !s.IsZero() {
			rows = append(rows, s)
		}
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("trace has no samples: %w", calerr.ErrOther)
	}
	p := len(params)
	m := len(outputNames)
	for i, s := range rows {
		if len(s.ParameterValues) != p {
			return nil, fmt.Errorf("sample %d has %d parameters, want %d: %w", i, len(s.ParameterValues), p, calerr.ErrShapeMismatch)
		}
		if m > 0 && len(s.OutputValues) != m {
			m = 0
		}
	}

	n := len(rows)
	data := mat.NewDense(n, p+m, nil)
	best := 0
	for i, s := range rows {
		for j, v := range s.ParameterValues {
			data.Set(i, j, v)
		}
		for k := 0; k < m; k++ {
			data.Set(i, p+k, s.OutputValues[k])
		}
		if s.LogLikelihood > rows[best].LogLikelihood {
			best = i
		}
	}

	cov := populationCovariance(data)
	r := &Report{
		Samples:           n,
		BestIndex:         best,
		BestLogLikelihood: rows[best].LogLikelihood,
		Parameters:        make([]ParameterSummary, p),
		Covariance:        square(p),
		ScaledCovariance:  square(p),
	}

	col := make([]float64, n)
	priorSD := make([]float64, p)
	for j, param := range params {
		mat.Col(col, j, data)
		mean, sd := stat.PopMeanStdDev(col, nil)
		if param.Prior != nil {
			priorSD[j] = param.Prior.StandardDeviation()
		}
		r.Parameters[j] = ParameterSummary{
			Name:            param.Name,
			Mean:            mean,
			StdDev:          sd,
			ScaledDeviation: sd / priorSD[j],
			Best:            col[best],
		}
	}
	for i := 0; i < p; i++ {
		for j := 0; j < p; j++ {
			c := cov.At(i, j)
			r.Covariance[i][j] = c
			r.ScaledCovariance[i][j] = c / (priorSD[i] * priorSD[j])
		}
	}

	if m > 0 {
		r.Outputs = make([]OutputSummary, m)
		r.OutputCorrelation = make([][]float64, m)
		for k, name := range outputNames {
			mat.Col(col, p+k, data)
			mean, sd := stat.PopMeanStdDev(col, nil)
			r.Outputs[k] = OutputSummary{Name: name, Mean: mean, StdDev: sd, Best: col[best]}
			r.OutputCorrelation[k] = make([]float64, p)
			for j := 0; j < p; j++ {
				r.OutputCorrelation[k][j] = cov.At(p+k, j) / math.Sqrt(cov.At(p+k, p+k)*cov.At(j, j))
			}
		}
	}
	return r, nil
}

// populationCovariance returns the covariance of the columns of data
// normalized by n rather than n - 1.
func populationCovariance(data *mat.Dense) *mat.SymDense {
	n, c := data.Dims()
	if n < 2 {
		return mat.NewSymDense(c, nil)
	}
	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, data, nil)
	cov.ScaleSym(float64(n-1)/float64(n), &cov)
	return &cov
}

func square(n int) [][]float64 {
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = make([]float64, n)
	}
	return rows
}

// WriteText prints the report as aligned columns.
func (r *Report) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 14, 0, 1, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "parameter\tmean\tstd.dev.\tscaled dev.\tbest value\t")
	for _, ps := range r.Parameters {
		fmt.Fprintf(tw, "%s\t%.6g\t%.6g\t%.6g\t%.6g\t\n", ps.Name, ps.Mean, ps.StdDev, ps.ScaledDeviation, ps.Best)
	}
	fmt.Fprintf(tw, "\nbest log likelihood\t\n%.6g\t\n", r.BestLogLikelihood)

	names := make([]string, len(r.Parameters))
	for i, ps := range r.Parameters {
		names[i] = ps.Name
	}
	writeMatrix(tw, "covariance", names, names, r.Covariance)
	writeMatrix(tw, "scaled covariance", names, names, r.ScaledCovariance)
	if len(r.Outputs) > 0 {
		rows := make([]string, len(r.Outputs))
		for i, o := range r.Outputs {
			rows[i] = o.Name
		}
		writeMatrix(tw, "observable-parameter correlation", rows, names, r.OutputCorrelation)
	}
	return tw.Flush()
}

func writeMatrix(w io.Writer, title string, rows, cols []string, m [][]float64) {
	fmt.Fprintf(w, "\n%s:\n\t", title)
	for _, c := range cols {
		fmt.Fprintf(w, "%s\t", c)
	}
	fmt.Fprintln(w)
	for i, name := range rows {
		fmt.Fprintf(w, "%s\t", name)
		for _, v := range m[i] {
			fmt.Fprintf(w, "%.6g\t", v)
		}
		fmt.Fprintln(w)
	}
}

// MarshalJSON encodes non-finite numbers as null.
func (r *Report) MarshalJSON() ([]byte, error) {
	type param struct {
		Name            string `json:"name"`
		Mean            any    `json:"mean"`
		StdDev          any    `json:"std_dev"`
		ScaledDeviation any    `json:"scaled_deviation"`
		Best            any    `json:"best"`
	}
	type output struct {
		Name   string `json:"name"`
		Mean   any    `json:"mean"`
		StdDev any    `json:"std_dev"`
		Best   any    `json:"best"`
	}
	out := struct {
		Samples           int      `json:"samples"`
		BestIndex         int      `json:"best_index"`
		BestLogLikelihood any      `json:"best_log_likelihood"`
		Parameters        []param  `json:"parameters"`
		Outputs           []output `json:"outputs,omitempty"`
		Covariance        [][]any  `json:"covariance"`
		ScaledCovariance  [][]any  `json:"scaled_covariance"`
		OutputCorrelation [][]any  `json:"output_correlation,omitempty"`
	}{
		Samples:           r.Samples,
		BestIndex:         r.BestIndex,
		BestLogLikelihood: Finite(r.BestLogLikelihood),
		Covariance:        finiteMatrix(r.Covariance),
		ScaledCovariance:  finiteMatrix(r.ScaledCovariance),
		OutputCorrelation: finiteMatrix(r.OutputCorrelation),
	}
	for _, ps := range r.Parameters {
		out.Parameters = append(out.Parameters, param{ps.Name, Finite(ps.Mean), Finite(ps.StdDev), Finite(ps.ScaledDeviation), Finite(ps.Best)})
	}
	for _, o := range r.Outputs {
		out.Outputs = append(out.Outputs, output{o.Name, Finite(o.Mean), Finite(o.StdDev), Finite(o.Best)})
	}
	return json.Marshal(out)
}

// Finite returns v, or nil when v is NaN or infinite.
func Finite(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

func finiteMatrix(m [][]float64) [][]any {
	if m == nil {
		return nil
	}
	out := make([][]any, len(m))
	for i, row := range m {
		out[i] = make([]any, len(row))
		for j, v := range row {
			out[i][j] = Finite(v)
		}
	}
	return out
}
