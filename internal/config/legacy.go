package config

import (
	"bufio"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/nvandessel/gpcal/internal/calerr"
)

// argumentsDone optionally terminates EXTERNAL_MODEL_ARGUMENTS.
const argumentsDone = "ARGUMENTS_DONE"

// ParseRuntimeParameters reads a legacy runtime parameter file. Each line
// holds a key followed by its value; lines starting with '#' and blank lines
// are skipped. A key with nothing after it maps to "". Later lines override
// earlier ones.
func ParseRuntimeParameters(r io.Reader) (map[string]string, error) {
	values := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		key := fields[0]
		rest := fields[1:]
		if key == "EXTERNAL_MODEL_ARGUMENTS" && len(rest) > 0 && rest[len(rest)-1] == argumentsDone {
			rest = rest[:len(rest)-1]
		}
		values[key] = strings.Join(rest, " ")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading runtime parameters: %w", err)
	}
	return values, nil
}

// SplitString splits s at every occurrence of sep. Empty fields are kept,
// including a trailing one after a final separator.
func SplitString(s string, sep byte) []string {
	return strings.Split(s, string(sep))
}

// legacyField reads and writes one setting as legacy text.
type legacyField interface {
	get(c *Config) string
	set(c *Config, v string) error
}

type legacyKey struct {
	name  string
	field legacyField // nil marks a "#" separator line
}

type floatField func(*Config) *float64

func (f floatField) get(c *Config) string { return strconv.FormatFloat(*f(c), 'g', -1, 64) }

func (f floatField) set(c *Config, v string) error {
	x, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return err
	}
	*f(c) = x
	return nil
}

type intField func(*Config) *int

func (f intField) get(c *Config) string { return strconv.Itoa(*f(c)) }

func (f intField) set(c *Config, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*f(c) = n
	return nil
}

// boolField is written as 0 or 1.
type boolField func(*Config) *bool

func (f boolField) get(c *Config) string {
	if *f(c) {
		return "1"
	}
	return "0"
}

func (f boolField) set(c *Config, v string) error {
	b, err := parseBool(v)
	if err != nil {
		return err
	}
	*f(c) = b
	return nil
}

type stringField func(*Config) *string

func (f stringField) get(c *Config) string { return *f(c) }

func (f stringField) set(c *Config, v string) error {
	*f(c) = v
	return nil
}

type argumentsField struct{}

func (argumentsField) get(c *Config) string { return strings.Join(c.External.Arguments, " ") }

func (argumentsField) set(c *Config, v string) error {
	c.External.Arguments = nil
	if args := strings.Fields(v); len(args) > 0 {
		c.External.Arguments = args
	}
	return nil
}

// verbosityField maps a 0/1 flag onto the log level. VERBOSE selects debug,
// READER_VERBOSE selects trace.
type verbosityField struct{ level string }

func (f verbosityField) get(c *Config) string {
	on := c.Logging.Level == "trace" || c.Logging.Level == f.level
	if on {
		return "1"
	}
	return "0"
}

func (f verbosityField) set(c *Config, v string) error {
	on, err := parseBool(v)
	if err != nil {
		return err
	}
	switch {
	case on:
		if c.Logging.Level != "trace" {
			c.Logging.Level = f.level
		}
	case c.Logging.Level == f.level && f.level == "trace":
		c.Logging.Level = "debug"
	case c.Logging.Level == f.level || (f.level == "debug" && c.Logging.Level == "trace"):
		c.Logging.Level = "info"
	}
	return nil
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", v)
}

// legacyKeys lists the runtime parameter keys in print-defaults order.
var legacyKeys = []legacyKey{
	{name: "#"},
	{"MODEL_OUTPUT_DIRECTORY", stringField(func(c *Config) *string { return &c.Paths.ModelOutputDirectory })},
	{"EXPERIMENTAL_RESULTS_FILE", stringField(func(c *Config) *string { return &c.Paths.ExperimentalResultsFile })},
	{name: "#"},
	{"VERBOSE", verbosityField{level: "debug"}},
	{"READER_VERBOSE", verbosityField{level: "trace"}},
	{name: "#"},
	{"GENERATE_TRAINING_POINTS_NUMBER_OF_POINTS", intField(func(c *Config) *int { return &c.Generation.Points })},
	{"GENERATE_TRAINING_POINTS_PARTITION_BY_PERCENTILE", boolField(func(c *Config) *bool { return &c.Generation.PartitionByPercentile })},
	{"GENERATE_TRAINING_POINTS_STANDARD_DEVIATIONS", floatField(func(c *Config) *float64 { return &c.Generation.StandardDeviations })},
	{"GENERATE_TRAINING_POINTS_USE_MAXIMIN", boolField(func(c *Config) *bool { return &c.Generation.UseMaximin })},
	{"GENERATE_TRAINING_POINTS_MAXIMIN_TRIES", intField(func(c *Config) *int { return &c.Generation.MaximinTries })},
	{"PCA_FRACTION_RESOLVING_POWER", floatField(func(c *Config) *float64 { return &c.Emulator.PCAFraction })},
	{"EMULATOR_COVARIANCE_FUNCTION", stringField(func(c *Config) *string { return &c.Emulator.CovarianceFunction })},
	{"EMULATOR_REGRESSION_ORDER", intField(func(c *Config) *int { return &c.Emulator.RegressionOrder })},
	{"EMULATOR_NUGGET", floatField(func(c *Config) *float64 { return &c.Emulator.Nugget })},
	{"EMULATOR_AMPLITUDE", floatField(func(c *Config) *float64 { return &c.Emulator.Amplitude })},
	{"EMULATOR_SCALE", floatField(func(c *Config) *float64 { return &c.Emulator.Scale })},
	{"EMULATOR_TRAINING_RIGOR", stringField(func(c *Config) *string { return &c.Emulator.TrainingRigor })},
	{name: "#"},
	{"SAMPLER", stringField(func(c *Config) *string { return &c.Sampler.Kind })},
	{"SAMPLER_NUMBER_OF_SAMPLES", intField(func(c *Config) *int { return &c.Sampler.Samples })},
	{name: "#"},
	{"MCMC_USE_MODEL_ERROR", boolField(func(c *Config) *bool { return &c.Sampler.UseModelError })},
	{"MCMC_NUMBER_OF_BURN_IN_SAMPLES", intField(func(c *Config) *int { return &c.Sampler.BurnIn })},
	{"MCMC_STEP_SIZE", floatField(func(c *Config) *float64 { return &c.Sampler.MCMCStepSize })},
	{name: "#"},
	{"EXTERNAL_MODEL_EXECUTABLE", stringField(func(c *Config) *string { return &c.External.Executable })},
	{"EXTERNAL_MODEL_ARGUMENTS", argumentsField{}},
	{name: "#"},
	{"EMULATE_QUIET", boolField(func(c *Config) *bool { return &c.Emulate.Quiet })},
	{"EMULATE_WRITE_HEADER", boolField(func(c *Config) *bool { return &c.Emulate.WriteHeader })},
	{name: "#"},
}

// legacyAliases are older spellings accepted on input only.
var legacyAliases = []struct{ alias, canonical string }{
	{"MCMC_NUMBER_OF_SAMPLES", "SAMPLER_NUMBER_OF_SAMPLES"},
	{"PERCENTILE_GRID_NUMBER_OF_SAMPLES", "SAMPLER_NUMBER_OF_SAMPLES"},
}

// ApplyLegacy overrides c with legacy runtime parameters. Keys are applied
// in print-defaults order so the result does not depend on map iteration.
// Aliases are applied before the canonical key. Unknown keys are ignored.
func (c *Config) ApplyLegacy(values map[string]string) error {
	for _, k := range legacyKeys {
		if k.field == nil {
			continue
		}
		for _, a := range legacyAliases {
			if a.canonical != k.name {
				continue
			}
			if v, ok := values[a.alias]; ok {
				if err := k.field.set(c, v); err != nil {
					return fmt.Errorf("%s %q: %v: %w", a.alias, v, err, calerr.ErrOther)
				}
			}
		}
		v, ok := values[k.name]
		if !ok {
			continue
		}
		if err := k.field.set(c, v); err != nil {
			return fmt.Errorf("%s %q: %v: %w", k.name, v, err, calerr.ErrOther)
		}
	}
	return nil
}

// UnknownLegacyKeys returns the keys of values that ApplyLegacy ignores.
func UnknownLegacyKeys(values map[string]string) []string {
	known := make(map[string]bool, len(legacyKeys)+len(legacyAliases))
	for _, k := range legacyKeys {
		known[k.name] = true
	}
	for _, a := range legacyAliases {
		known[a.alias] = true
	}
	var unknown []string
	for key := range values {
		if !known[key] {
			unknown = append(unknown, key)
		}
	}
	slices.Sort(unknown)
	return unknown
}

// WriteLegacy prints c as a runtime parameter file that
// ParseRuntimeParameters reads back.
func (c *Config) WriteLegacy(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, k := range legacyKeys {
		if k.field == nil {
			bw.WriteString("#\n")
			continue
		}
		fmt.Fprintf(bw, "%s %s\n", k.name, k.field.get(c))
	}
	return bw.Flush()
}
