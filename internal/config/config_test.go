package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/nvandessel/gpcal/internal/calerr"
	"github.com/nvandessel/gpcal/internal/constants"
	"github.com/nvandessel/gpcal/internal/emulator"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Emulator.PCAFraction != 0.95 {
		t.Errorf("expected pca_fraction 0.95, got %g", cfg.Emulator.PCAFraction)
	}
	if cfg.Emulator.CovarianceFunction != "SQUARE_EXPONENTIAL_FUNCTION" {
		t.Errorf("unexpected covariance function %q", cfg.Emulator.CovarianceFunction)
	}
	if cfg.Sampler.Kind != string(constants.SamplerMetropolisHastings) {
		t.Errorf("expected MetropolisHastings, got %q", cfg.Sampler.Kind)
	}
	if cfg.Sampler.Samples != 100 || cfg.Sampler.BurnIn != 0 {
		t.Errorf("expected 100 samples and no burn-in, got %d/%d", cfg.Sampler.Samples, cfg.Sampler.BurnIn)
	}
	if !cfg.Emulate.WriteHeader || cfg.Emulate.Quiet {
		t.Error("expected emulate to write a header and not be quiet")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level info, got %q", cfg.Logging.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, SettingsFile)

	content := `
emulator:
  covariance_function: matern_52
  training_rigor: optimized
sampler:
  kind: Langevin
  samples: 250
  langevin:
    time_step: 0.05
external:
  executable: ${GPCAL_TEST_MODEL_DIR}/model
  arguments: [--fast, "2"]
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("GPCAL_TEST_MODEL_DIR", "/opt/models")

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Sampler.Kind != "Langevin" || cfg.Sampler.Samples != 250 {
		t.Errorf("sampler not loaded: %+v", cfg.Sampler)
	}
	if cfg.Sampler.Langevin.TimeStep != 0.05 {
		t.Errorf("expected time_step 0.05, got %g", cfg.Sampler.Langevin.TimeStep)
	}
	// Unset fields keep their defaults.
	if cfg.Sampler.Langevin.DragCoefficient != constants.DefaultLangevinDragCoefficient {
		t.Errorf("expected default drag, got %g", cfg.Sampler.Langevin.DragCoefficient)
	}
	if cfg.External.Executable != "/opt/models/model" {
		t.Errorf("expected expanded executable, got %q", cfg.External.Executable)
	}
	if !reflect.DeepEqual(cfg.External.Arguments, []string{"--fast", "2"}) {
		t.Errorf("unexpected arguments %v", cfg.External.Arguments)
	}

	opts, err := cfg.TrainingOptions()
	if err != nil {
		t.Fatalf("TrainingOptions() error = %v", err)
	}
	if opts.CovarianceFunction != emulator.Matern52 {
		t.Errorf("expected MATERN_52_FUNCTION, got %q", opts.CovarianceFunction)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, calerr.ErrFileNotFound) {
		t.Errorf("expected ErrFileNotFound, got %v", err)
	}
}

func TestLoadOrder(t *testing.T) {
	dir := t.TempDir()
	settings := "sampler:\n  samples: 10\n  burn_in: 5\n  mcmc_step_size: 0.3\n"
	if err := os.WriteFile(filepath.Join(dir, SettingsFile), []byte(settings), 0600); err != nil {
		t.Fatal(err)
	}
	legacy := "# overrides\nSAMPLER_NUMBER_OF_SAMPLES 20\nMCMC_NUMBER_OF_BURN_IN_SAMPLES 7\n"
	if err := os.WriteFile(filepath.Join(dir, RuntimeParameterFile), []byte(legacy), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GPCAL_SAMPLES", "30")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Sampler.Samples != 30 {
		t.Errorf("env should win: samples = %d", cfg.Sampler.Samples)
	}
	if cfg.Sampler.BurnIn != 7 {
		t.Errorf("legacy file should override yaml: burn_in = %d", cfg.Sampler.BurnIn)
	}
	if cfg.Sampler.MCMCStepSize != 0.3 {
		t.Errorf("yaml should override default: step = %g", cfg.Sampler.MCMCStepSize)
	}
}

func TestLoadEmptyDir(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"pca fraction zero", func(c *Config) { c.Emulator.PCAFraction = 0 }, "pca_fraction"},
		{"pca fraction above one", func(c *Config) { c.Emulator.PCAFraction = 1.5 }, "pca_fraction"},
		{"unknown kernel", func(c *Config) { c.Emulator.CovarianceFunction = "CUBIC" }, "covariance function"},
		{"negative nugget", func(c *Config) { c.Emulator.Nugget = -1 }, "nugget"},
		{"bad rigor", func(c *Config) { c.Emulator.TrainingRigor = "thorough" }, "training_rigor"},
		{"bad sampler", func(c *Config) { c.Sampler.Kind = "Gibbs" }, "invalid sampler"},
		{"negative burn-in", func(c *Config) { c.Sampler.BurnIn = -1 }, "burn_in"},
		{"zero step", func(c *Config) { c.Sampler.MCMCStepSize = 0 }, "mcmc_step_size"},
		{"zero divisions", func(c *Config) { c.Sampler.PercentileGrid.Divisions = 0 }, "divisions"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "log level"},
		{"negative external timeout", func(c *Config) { c.External.EvaluateTimeoutSeconds = -1 }, "evaluate_timeout_seconds"},
		{"valid optimized", func(c *Config) { c.Emulator.TrainingRigor = "optimized" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GPCAL_SAMPLER", "PercentileGrid")
	t.Setenv("GPCAL_SEED", "42")
	t.Setenv("GPCAL_USE_MODEL_ERROR", "1")
	t.Setenv("GPCAL_BURN_IN", "not-a-number")
	t.Setenv("GPCAL_LOG_LEVEL", "debug")
	t.Setenv("GPCAL_EXTERNAL_TIMEOUT", "2.5")

	cfg := Default()
	applyEnvOverrides(cfg)

	if cfg.Sampler.Kind != "PercentileGrid" {
		t.Errorf("expected PercentileGrid, got %q", cfg.Sampler.Kind)
	}
	if cfg.Sampler.Seed != 42 {
		t.Errorf("expected seed 42, got %d", cfg.Sampler.Seed)
	}
	if !cfg.Sampler.UseModelError {
		t.Error("expected use_model_error")
	}
	if cfg.Sampler.BurnIn != 0 {
		t.Errorf("malformed value should be ignored, got %d", cfg.Sampler.BurnIn)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug, got %q", cfg.Logging.Level)
	}
	if cfg.External.EvaluateTimeoutSeconds != 2.5 {
		t.Errorf("expected external timeout 2.5, got %g", cfg.External.EvaluateTimeoutSeconds)
	}
}

func TestConverters(t *testing.T) {
	cfg := Default()
	cfg.Sampler.MCMCStepSize = 0.2
	cfg.Sampler.Langevin.KickStrength = 3
	cfg.Sampler.PercentileGrid.Divisions = 4
	cfg.Generation.UseMaximin = true

	so := cfg.SamplerOptions()
	if so.MetropolisHastings.StepSize != 0.2 || so.Langevin.KickStrength != 3 || so.PercentileGrid.Divisions != 4 {
		t.Errorf("sampler options not converted: %+v", so)
	}
	lo := cfg.LHSOptions()
	if !lo.UseMaximin || lo.MaximinTries != constants.DefaultMaximinTries {
		t.Errorf("lhs options not converted: %+v", lo)
	}
}

func TestSplitString(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"-a-bc-def-ghij--k-", []string{"", "a", "bc", "def", "ghij", "", "k", ""}},
		{"", []string{""}},
		{"abc", []string{"abc"}},
		{"a,b", []string{"a", "b"}},
	}
	for _, tt := range tests {
		sep := byte('-')
		if strings.Contains(tt.in, ",") {
			sep = ','
		}
		got := SplitString(tt.in, sep)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("SplitString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseRuntimeParameters(t *testing.T) {
	in := `# comment
SAMPLER   Langevin
EXTERNAL_MODEL_EXECUTABLE
EXTERNAL_MODEL_ARGUMENTS -x 1 ARGUMENTS_DONE

  # indented comment
MCMC_STEP_SIZE 0.5
MCMC_STEP_SIZE 0.25
`
	got, err := ParseRuntimeParameters(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ParseRuntimeParameters() error = %v", err)
	}
	want := map[string]string{
		"SAMPLER":                   "Langevin",
		"EXTERNAL_MODEL_EXECUTABLE": "",
		"EXTERNAL_MODEL_ARGUMENTS":  "-x 1",
		"MCMC_STEP_SIZE":            "0.25",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestApplyLegacy(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyLegacy(map[string]string{
		"MCMC_NUMBER_OF_SAMPLES":       "50",
		"EMULATE_QUIET":                "1",
		"EMULATE_WRITE_HEADER":         "false",
		"VERBOSE":                      "1",
		"EXTERNAL_MODEL_ARGUMENTS":     "-x 1",
		"EMULATOR_COVARIANCE_FUNCTION": "MATERN_32_FUNCTION",
		"SOMETHING_ELSE":               "ignored",
	})
	if err != nil {
		t.Fatalf("ApplyLegacy() error = %v", err)
	}
	if cfg.Sampler.Samples != 50 {
		t.Errorf("alias not applied: samples = %d", cfg.Sampler.Samples)
	}
	if !cfg.Emulate.Quiet || cfg.Emulate.WriteHeader {
		t.Errorf("emulate flags not applied: %+v", cfg.Emulate)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("VERBOSE 1 should select debug, got %q", cfg.Logging.Level)
	}
	if !reflect.DeepEqual(cfg.External.Arguments, []string{"-x", "1"}) {
		t.Errorf("unexpected arguments %v", cfg.External.Arguments)
	}

	if err := cfg.ApplyLegacy(map[string]string{"MCMC_STEP_SIZE": "big"}); !errors.Is(err, calerr.ErrOther) {
		t.Errorf("expected ErrOther for a malformed value, got %v", err)
	}

	unknown := UnknownLegacyKeys(map[string]string{"SAMPLER": "x", "ZED": "1", "ALPHA": "2"})
	if !reflect.DeepEqual(unknown, []string{"ALPHA", "ZED"}) {
		t.Errorf("unexpected unknown keys %v", unknown)
	}
}

func TestVerbosityLevels(t *testing.T) {
	tests := []struct {
		verbose, reader string
		want            string
	}{
		{"0", "0", "info"},
		{"1", "0", "debug"},
		{"0", "1", "trace"},
		{"1", "1", "trace"},
	}
	for _, tt := range tests {
		cfg := Default()
		if err := cfg.ApplyLegacy(map[string]string{"VERBOSE": tt.verbose, "READER_VERBOSE": tt.reader}); err != nil {
			t.Fatal(err)
		}
		if cfg.Logging.Level != tt.want {
			t.Errorf("VERBOSE %s READER_VERBOSE %s: level = %q, want %q", tt.verbose, tt.reader, cfg.Logging.Level, tt.want)
		}
	}
}

func TestWriteLegacy(t *testing.T) {
	var buf bytes.Buffer
	if err := Default().WriteLegacy(&buf); err != nil {
		t.Fatalf("WriteLegacy() error = %v", err)
	}
	out := buf.String()

	wantLines := []string{
		"#",
		"MODEL_OUTPUT_DIRECTORY model_output",
		"EXPERIMENTAL_RESULTS_FILE experimental_results.dat",
		"VERBOSE 0",
		"GENERATE_TRAINING_POINTS_PARTITION_BY_PERCENTILE 1",
		"PCA_FRACTION_RESOLVING_POWER 0.95",
		"EMULATOR_NUGGET 0.001",
		"EMULATOR_SCALE 0.01",
		"SAMPLER MetropolisHastings",
		"MCMC_STEP_SIZE 0.1",
		"EMULATE_WRITE_HEADER 1",
	}
	for _, line := range wantLines {
		if !strings.Contains(out, line+"\n") {
			t.Errorf("missing line %q in:\n%s", line, out)
		}
	}
	if !strings.HasPrefix(out, "#\nMODEL_OUTPUT_DIRECTORY") || !strings.HasSuffix(out, "EMULATE_WRITE_HEADER 1\n#\n") {
		t.Errorf("unexpected framing:\n%s", out)
	}

	// The printed file reads back to the same configuration.
	values, err := ParseRuntimeParameters(&buf)
	if err != nil {
		t.Fatal(err)
	}
	cfg := Default()
	cfg.Sampler.Kind = "Langevin"
	if err := cfg.ApplyLegacy(values); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Errorf("legacy round trip changed the config: %+v", cfg)
	}
}
