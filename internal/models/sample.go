package models

import "slices"

// Sample is one point visited by a sampler: the parameter vector, the model
// outputs there and the log-likelihood. The zero Sample is the degenerate
// value returned alongside a model evaluation error.
type Sample struct {
	ParameterValues []float64 `json:"parameter_values"`
	OutputValues    []float64 `json:"output_values,omitempty"`
	LogLikelihood   float64   `json:"log_likelihood"`

	// LogLikelihoodValueGradient is the gradient of the log-likelihood with
	// respect to the parameters, when the sampler computed it.
	LogLikelihoodValueGradient []float64 `json:"log_likelihood_value_gradient,omitempty"`

	// LogLikelihoodErrorGradient is the gradient contribution of the model
	// error term, when the sampler computed it.
	LogLikelihoodErrorGradient []float64 `json:"log_likelihood_error_gradient,omitempty"`

	Comments []string `json:"comments,omitempty"`
}

// NewSample copies the given vectors into a Sample.
func NewSample(params, outputs []float64, logLikelihood float64) Sample {
	return Sample{
		ParameterValues: slices.Clone(params),
		OutputValues:    slices.Clone(outputs),
		LogLikelihood:   logLikelihood,
	}
}

// IsZero reports whether s is the degenerate sample.
func (s Sample) IsZero() bool {
	return len(s.ParameterValues) == 0 && len(s.OutputValues) == 0 &&
		s.LogLikelihood == 0 && len(s.Comments) == 0
}

// Less orders samples by log-likelihood.
func (s Sample) Less(o Sample) bool {
	return s.LogLikelihood < o.LogLikelihood
}

// Equal reports whether two samples carry the same values.
func (s Sample) Equal(o Sample) bool {
	return s.LogLikelihood == o.LogLikelihood &&
		slices.Equal(s.ParameterValues, o.ParameterValues) &&
		slices.Equal(s.OutputValues, o.OutputValues) &&
		slices.Equal(s.Comments, o.Comments)
}

// SameLocation reports whether two samples sit at the same parameter point.
func (s Sample) SameLocation(o Sample) bool {
	return slices.Equal(s.ParameterValues, o.ParameterValues)
}

// Clone returns a deep copy of s.
func (s Sample) Clone() Sample {
	return Sample{
		ParameterValues:            slices.Clone(s.ParameterValues),
		OutputValues:               slices.Clone(s.OutputValues),
		LogLikelihood:              s.LogLikelihood,
		LogLikelihoodValueGradient: slices.Clone(s.LogLikelihoodValueGradient),
		LogLikelihoodErrorGradient: slices.Clone(s.LogLikelihoodErrorGradient),
		Comments:                   slices.Clone(s.Comments),
	}
}
