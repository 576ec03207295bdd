// Package constants provides named constants used throughout gpcal.
// Defaults here are the values written by `gpcal print-defaults`.
package constants

// Emulator training defaults
const (
	// DefaultPCAFractionResolvingPower is the cumulative explained-variance
	// fraction at which principal components stop being retained.
	DefaultPCAFractionResolvingPower = 0.95

	// DefaultCovarianceFunction is the kernel used when none is configured.
	DefaultCovarianceFunction = "SQUARE_EXPONENTIAL_FUNCTION"

	// DefaultRegressionOrder is the polynomial order of the emulator trend.
	DefaultRegressionOrder = 1

	// DefaultNugget is added to the diagonal of every training kernel matrix.
	DefaultNugget = 0.001

	// DefaultAmplitude is the initial kernel amplitude.
	DefaultAmplitude = 1.0

	// DefaultScale multiplies each prior's interquartile range to give the
	// initial kernel length scale for that parameter.
	DefaultScale = 0.01

	// DefaultPowerExponent is the exponent of the power-exponential kernel.
	DefaultPowerExponent = 2.0

	// DefaultTrainingRigor selects heuristic hyperparameters ("basic") or
	// marginal-likelihood fitting ("optimized").
	DefaultTrainingRigor = "basic"

	// DefaultOptimizerEvaluations bounds likelihood evaluations per submodel
	// during hyperparameter fitting.
	DefaultOptimizerEvaluations = 400
)

// Sampling defaults
const (
	// DefaultSampler is the sampler kind used by generate-trace.
	DefaultSampler = "MetropolisHastings"

	// DefaultNumberOfSamples is the number of production samples.
	DefaultNumberOfSamples = 100

	// DefaultNumberOfBurnInSamples is the number of discarded leading samples.
	DefaultNumberOfBurnInSamples = 0

	// DefaultMCMCStepSize is the Metropolis-Hastings proposal half-width,
	// in units of each parameter's prior interquartile range.
	DefaultMCMCStepSize = 0.1

	// DefaultUseModelError adds emulator variance to the likelihood covariance.
	DefaultUseModelError = false

	// MaxProposalAttempts bounds the proposals drawn for a single sample.
	MaxProposalAttempts = 1 << 20

	// DefaultGradientStepSize is the fixed step of the gradient samplers.
	DefaultGradientStepSize = 1e-3

	// DefaultFiniteDifferenceStep is the central-difference step used when a
	// model has no analytic gradient.
	DefaultFiniteDifferenceStep = 1e-4

	// DefaultPercentileGridDivisions is the grid resolution per active parameter.
	DefaultPercentileGridDivisions = 10
)

// Langevin dynamics defaults
const (
	DefaultLangevinTimeStep             = 0.1
	DefaultLangevinKickStrength         = 1.0
	DefaultLangevinMeanTimeBetweenKicks = 10.0
	DefaultLangevinDragCoefficient      = 0.1
	DefaultLangevinMassScale            = 1.0

	// LangevinKickIntervalSpread is the standard deviation of the inter-kick
	// time as a fraction of its mean.
	LangevinKickIntervalSpread = 0.25
)

// Training point generation defaults
const (
	DefaultTrainingPoints             = 100
	DefaultPartitionByPercentile      = true
	DefaultTrainingStandardDeviations = 3.0
	DefaultUseMaximin                 = false
	DefaultMaximinTries               = 20
)

// LogLikelihoodName is the pseudo-output name that observation files may
// carry without triggering an unknown-output warning.
const LogLikelihoodName = "LogLikelihood"
