// Package config provides unified configuration loading for gpcal.
// It supports loading from a YAML settings file, the legacy runtime
// parameter file and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nvandessel/gpcal/internal/calerr"
	"github.com/nvandessel/gpcal/internal/constants"
	"github.com/nvandessel/gpcal/internal/emulator"
	"github.com/nvandessel/gpcal/internal/lhs"
	"github.com/nvandessel/gpcal/internal/sampler"
)

const (
	// SettingsFile is the YAML settings file inside a statistics directory.
	SettingsFile = "settings.yaml"

	// RuntimeParameterFile holds legacy `KEY value` settings.
	RuntimeParameterFile = "stat_params.dat"
)

// Config contains all gpcal configuration settings.
type Config struct {
	Paths      PathsConfig      `json:"paths" yaml:"paths"`
	Emulator   EmulatorConfig   `json:"emulator" yaml:"emulator"`
	Sampler    SamplerConfig    `json:"sampler" yaml:"sampler"`
	Generation GenerationConfig `json:"generation" yaml:"generation"`
	External   ExternalConfig   `json:"external" yaml:"external"`
	Emulate    EmulateConfig    `json:"emulate" yaml:"emulate"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
}

// PathsConfig locates inputs relative to the statistics directory.
type PathsConfig struct {
	ModelOutputDirectory    string `json:"model_output_directory" yaml:"model_output_directory"`
	ExperimentalResultsFile string `json:"experimental_results_file" yaml:"experimental_results_file"`
}

// EmulatorConfig configures PCA and Gaussian process training.
type EmulatorConfig struct {
	// PCAFraction is the cumulative explained-variance fraction at which
	// principal components stop being retained. Range: (0, 1]
	PCAFraction float64 `json:"pca_fraction" yaml:"pca_fraction"`

	CovarianceFunction string  `json:"covariance_function" yaml:"covariance_function"`
	RegressionOrder    int     `json:"regression_order" yaml:"regression_order"`
	Nugget             float64 `json:"nugget" yaml:"nugget"`
	Amplitude          float64 `json:"amplitude" yaml:"amplitude"`
	Scale              float64 `json:"scale" yaml:"scale"`

	// TrainingRigor is "basic" (heuristic hyperparameters) or "optimized"
	// (marginal likelihood fit).
	TrainingRigor string `json:"training_rigor" yaml:"training_rigor"`

	// OptimizerEvaluations bounds likelihood evaluations per submodel.
	OptimizerEvaluations int `json:"optimizer_evaluations" yaml:"optimizer_evaluations"`
}

// SamplerConfig configures generate-trace.
type SamplerConfig struct {
	Kind          string  `json:"kind" yaml:"kind"`
	Samples       int     `json:"samples" yaml:"samples"`
	BurnIn        int     `json:"burn_in" yaml:"burn_in"`
	MCMCStepSize  float64 `json:"mcmc_step_size" yaml:"mcmc_step_size"`
	UseModelError bool    `json:"use_model_error" yaml:"use_model_error"`

	// Seed initializes the random source. Zero means a time-based seed.
	Seed uint64 `json:"seed" yaml:"seed"`

	Langevin       LangevinConfig       `json:"langevin" yaml:"langevin"`
	Gradient       GradientConfig       `json:"gradient" yaml:"gradient"`
	PercentileGrid PercentileGridConfig `json:"percentile_grid" yaml:"percentile_grid"`
}

// LangevinConfig holds the dynamics constants of the Langevin sampler.
type LangevinConfig struct {
	TimeStep             float64 `json:"time_step" yaml:"time_step"`
	KickStrength         float64 `json:"kick_strength" yaml:"kick_strength"`
	MeanTimeBetweenKicks float64 `json:"mean_time_between_kicks" yaml:"mean_time_between_kicks"`
	DragCoefficient      float64 `json:"drag_coefficient" yaml:"drag_coefficient"`
	MassScale            float64 `json:"mass_scale" yaml:"mass_scale"`
}

// GradientConfig configures GradientAscent and GradientDescent.
type GradientConfig struct {
	StepSize float64 `json:"step_size" yaml:"step_size"`
}

// PercentileGridConfig configures the PercentileGrid sampler.
type PercentileGridConfig struct {
	Divisions int `json:"divisions" yaml:"divisions"`
}

// GenerationConfig configures generate-training-points.
type GenerationConfig struct {
	Points                int     `json:"points" yaml:"points"`
	PartitionByPercentile bool    `json:"partition_by_percentile" yaml:"partition_by_percentile"`
	StandardDeviations    float64 `json:"standard_deviations" yaml:"standard_deviations"`
	UseMaximin            bool    `json:"use_maximin" yaml:"use_maximin"`
	MaximinTries          int     `json:"maximin_tries" yaml:"maximin_tries"`
}

// ExternalConfig names an external model executable. An empty Executable
// means the trained emulator is sampled instead.
type ExternalConfig struct {
	Executable string   `json:"executable,omitempty" yaml:"executable,omitempty"`
	Arguments  []string `json:"arguments,omitempty" yaml:"arguments,omitempty"`

	// EvaluateTimeoutSeconds bounds the wait for one answer; 0 waits forever.
	EvaluateTimeoutSeconds float64 `json:"evaluate_timeout_seconds,omitempty" yaml:"evaluate_timeout_seconds,omitempty"`
}

// EmulateConfig configures the emulate command.
type EmulateConfig struct {
	Quiet       bool `json:"quiet" yaml:"quiet"`
	WriteHeader bool `json:"write_header" yaml:"write_header"`
}

// LoggingConfig configures gpcal's logging behavior.
type LoggingConfig struct {
	// Level sets the log verbosity: "warn", "info" (default), "debug" or
	// "trace". "debug" enables sampler decision logging.
	Level string `json:"level" yaml:"level"`
}

// Default returns a Config with the documented defaults.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			ModelOutputDirectory:    "model_output",
			ExperimentalResultsFile: "experimental_results.dat",
		},
		Emulator: EmulatorConfig{
			PCAFraction:          constants.DefaultPCAFractionResolvingPower,
			CovarianceFunction:   constants.DefaultCovarianceFunction,
			RegressionOrder:      constants.DefaultRegressionOrder,
			Nugget:               constants.DefaultNugget,
			Amplitude:            constants.DefaultAmplitude,
			Scale:                constants.DefaultScale,
			TrainingRigor:        constants.DefaultTrainingRigor,
			OptimizerEvaluations: constants.DefaultOptimizerEvaluations,
		},
		Sampler: SamplerConfig{
			Kind:          constants.DefaultSampler,
			Samples:       constants.DefaultNumberOfSamples,
			BurnIn:        constants.DefaultNumberOfBurnInSamples,
			MCMCStepSize:  constants.DefaultMCMCStepSize,
			UseModelError: constants.DefaultUseModelError,
			Langevin: LangevinConfig{
				TimeStep:             constants.DefaultLangevinTimeStep,
				KickStrength:         constants.DefaultLangevinKickStrength,
				MeanTimeBetweenKicks: constants.DefaultLangevinMeanTimeBetweenKicks,
				DragCoefficient:      constants.DefaultLangevinDragCoefficient,
				MassScale:            constants.DefaultLangevinMassScale,
			},
			Gradient:       GradientConfig{StepSize: constants.DefaultGradientStepSize},
			PercentileGrid: PercentileGridConfig{Divisions: constants.DefaultPercentileGridDivisions},
		},
		Generation: GenerationConfig{
			Points:                constants.DefaultTrainingPoints,
			PartitionByPercentile: constants.DefaultPartitionByPercentile,
			StandardDeviations:    constants.DefaultTrainingStandardDeviations,
			UseMaximin:            constants.DefaultUseMaximin,
			MaximinTries:          constants.DefaultMaximinTries,
		},
		Emulate: EmulateConfig{
			WriteHeader: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration for the statistics directory dir.
// Order: defaults -> settings.yaml -> stat_params.dat -> environment variables
func Load(dir string) (*Config, error) {
	config := Default()

	settingsPath := filepath.Join(dir, SettingsFile)
	if _, statErr := os.Stat(settingsPath); statErr == nil {
		fileConfig, loadErr := LoadFromFile(settingsPath)
		if loadErr != nil {
			return nil, fmt.Errorf("loading settings file: %w", loadErr)
		}
		config = fileConfig
	}

	legacyPath := filepath.Join(dir, RuntimeParameterFile)
	if f, err := os.Open(legacyPath); err == nil {
		values, parseErr := ParseRuntimeParameters(f)
		f.Close()
		if parseErr != nil {
			return nil, fmt.Errorf("loading %s: %w", RuntimeParameterFile, parseErr)
		}
		if err := config.ApplyLegacy(values); err != nil {
			return nil, fmt.Errorf("loading %s: %w", RuntimeParameterFile, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("opening %s: %w", RuntimeParameterFile, err)
	}

	applyEnvOverrides(config)

	return config, nil
}

// LoadFromFile loads configuration from a specific YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading config file: %w", calerr.ErrFileNotFound)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	config.External.Executable = expandEnvVars(config.External.Executable)

	return config, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Emulator.PCAFraction <= 0 || c.Emulator.PCAFraction > 1 {
		return fmt.Errorf("pca_fraction must be in (0, 1], got %g", c.Emulator.PCAFraction)
	}
	if _, err := emulator.ParseCovarianceFunction(c.Emulator.CovarianceFunction); err != nil {
		return err
	}
	if c.Emulator.RegressionOrder < 0 {
		return fmt.Errorf("regression_order must be non-negative, got %d", c.Emulator.RegressionOrder)
	}
	if c.Emulator.Nugget < 0 {
		return fmt.Errorf("nugget must be non-negative, got %g", c.Emulator.Nugget)
	}
	if c.Emulator.Amplitude <= 0 || c.Emulator.Scale <= 0 {
		return fmt.Errorf("amplitude and scale must be positive, got %g and %g", c.Emulator.Amplitude, c.Emulator.Scale)
	}
	validRigor := map[string]bool{"basic": true, "optimized": true}
	if !validRigor[c.Emulator.TrainingRigor] {
		return fmt.Errorf("invalid training_rigor: %s (valid: basic, optimized)", c.Emulator.TrainingRigor)
	}

	if !constants.SamplerKind(c.Sampler.Kind).Valid() {
		return fmt.Errorf("invalid sampler: %s (valid: %s)", c.Sampler.Kind, kindList())
	}
	if c.Sampler.Samples < 0 || c.Sampler.BurnIn < 0 {
		return fmt.Errorf("samples and burn_in must be non-negative, got %d and %d", c.Sampler.Samples, c.Sampler.BurnIn)
	}
	if c.Sampler.MCMCStepSize <= 0 {
		return fmt.Errorf("mcmc_step_size must be positive, got %g", c.Sampler.MCMCStepSize)
	}
	if c.Sampler.Langevin.TimeStep <= 0 || c.Sampler.Langevin.MassScale <= 0 {
		return fmt.Errorf("langevin time_step and mass_scale must be positive")
	}
	if c.Sampler.PercentileGrid.Divisions <= 0 {
		return fmt.Errorf("percentile_grid divisions must be positive, got %d", c.Sampler.PercentileGrid.Divisions)
	}

	if c.External.EvaluateTimeoutSeconds < 0 {
		return fmt.Errorf("external evaluate_timeout_seconds must be non-negative, got %g", c.External.EvaluateTimeoutSeconds)
	}

	if c.Generation.Points < 0 {
		return fmt.Errorf("generation points must be non-negative, got %d", c.Generation.Points)
	}
	if c.Generation.StandardDeviations <= 0 {
		return fmt.Errorf("standard_deviations must be positive, got %g", c.Generation.StandardDeviations)
	}

	validLevels := map[string]bool{"warn": true, "info": true, "debug": true, "trace": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: warn, info, debug, trace, or empty for default)", c.Logging.Level)
	}

	return nil
}

func kindList() string {
	names := make([]string, len(constants.SamplerKinds))
	for i, k := range constants.SamplerKinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

// TrainingOptions converts the emulator section.
func (c *Config) TrainingOptions() (emulator.TrainingOptions, error) {
	kind, err := emulator.ParseCovarianceFunction(c.Emulator.CovarianceFunction)
	if err != nil {
		return emulator.TrainingOptions{}, err
	}
	return emulator.TrainingOptions{
		FractionResolvingPower: c.Emulator.PCAFraction,
		CovarianceFunction:     kind,
		RegressionOrder:        c.Emulator.RegressionOrder,
		Nugget:                 c.Emulator.Nugget,
		Amplitude:              c.Emulator.Amplitude,
		Scale:                  c.Emulator.Scale,
	}, nil
}

// SamplerOptions converts the sampler section.
func (c *Config) SamplerOptions() sampler.Options {
	opts := sampler.DefaultOptions()
	opts.MetropolisHastings.StepSize = c.Sampler.MCMCStepSize
	l := c.Sampler.Langevin
	opts.Langevin.TimeStep = l.TimeStep
	opts.Langevin.KickStrength = l.KickStrength
	opts.Langevin.MeanTimeBetweenKicks = l.MeanTimeBetweenKicks
	opts.Langevin.DragCoefficient = l.DragCoefficient
	opts.Langevin.MassScale = l.MassScale
	opts.Gradient.StepSize = c.Sampler.Gradient.StepSize
	opts.PercentileGrid.Divisions = c.Sampler.PercentileGrid.Divisions
	return opts
}

// LHSOptions converts the generation section.
func (c *Config) LHSOptions() lhs.Options {
	return lhs.Options{
		PartitionByPercentile: c.Generation.PartitionByPercentile,
		StandardDeviations:    c.Generation.StandardDeviations,
		UseMaximin:            c.Generation.UseMaximin,
		MaximinTries:          c.Generation.MaximinTries,
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("GPCAL_SAMPLER"); v != "" {
		config.Sampler.Kind = v
	}

	if v := os.Getenv("GPCAL_SAMPLES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Sampler.Samples = n
		}
	}
	if v := os.Getenv("GPCAL_BURN_IN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Sampler.BurnIn = n
		}
	}
	if v := os.Getenv("GPCAL_SEED"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			config.Sampler.Seed = n
		}
	}
	if v := os.Getenv("GPCAL_MCMC_STEP_SIZE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Sampler.MCMCStepSize = f
		}
	}
	if v := os.Getenv("GPCAL_USE_MODEL_ERROR"); v != "" {
		config.Sampler.UseModelError = v == "true" || v == "1"
	}

	if v := os.Getenv("GPCAL_TRAINING_RIGOR"); v != "" {
		config.Emulator.TrainingRigor = v
	}

	if v := os.Getenv("GPCAL_EXTERNAL_MODEL"); v != "" {
		config.External.Executable = v
	}
	if v := os.Getenv("GPCAL_EXTERNAL_TIMEOUT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.External.EvaluateTimeoutSeconds = f
		}
	}

	if v := os.Getenv("GPCAL_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
}

// expandEnvVars expands ${VAR} patterns in a string with environment variable values.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}
