package constants

// SamplerKind names a sampling or optimization strategy.
type SamplerKind string

const (
	// SamplerMetropolisHastings draws a Markov chain with uniform proposals.
	SamplerMetropolisHastings SamplerKind = "MetropolisHastings"

	// SamplerLangevin integrates damped, kicked Langevin dynamics.
	SamplerLangevin SamplerKind = "Langevin"

	// SamplerGradientAscent climbs the log-likelihood with a fixed step.
	SamplerGradientAscent SamplerKind = "GradientAscent"

	// SamplerGradientDescent descends the log-likelihood with a fixed step.
	SamplerGradientDescent SamplerKind = "GradientDescent"

	// SamplerPercentileGrid sweeps a regular grid of prior percentiles.
	SamplerPercentileGrid SamplerKind = "PercentileGrid"
)

// SamplerKinds lists every recognized sampler kind.
var SamplerKinds = []SamplerKind{
	SamplerMetropolisHastings,
	SamplerLangevin,
	SamplerGradientAscent,
	SamplerGradientDescent,
	SamplerPercentileGrid,
}

// Valid returns true if the kind is a recognized value.
func (k SamplerKind) Valid() bool {
	switch k {
	case SamplerMetropolisHastings, SamplerLangevin, SamplerGradientAscent,
		SamplerGradientDescent, SamplerPercentileGrid:
		return true
	}
	return false
}

// String returns the string representation of the kind.
func (k SamplerKind) String() string {
	return string(k)
}
