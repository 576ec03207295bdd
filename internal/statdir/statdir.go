// Package statdir reads and writes the files of a statistics directory:
// parameter priors, observable names, training runs under model_output/,
// experimental results, the emulator state and sampler traces. Every path it
// hands out is confined to the directory.
package statdir

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/nvandessel/gpcal/internal/calerr"
	"github.com/nvandessel/gpcal/internal/distribution"
	"github.com/nvandessel/gpcal/internal/emulator"
	"github.com/nvandessel/gpcal/internal/models"
)

// Dir is an opened statistics directory.
type Dir struct {
	root string

	// ModelOutput and ExperimentalResults are relative to the root.
	ModelOutput         string
	ExperimentalResults string
}

// Open returns the statistics directory at root, which must exist.
func Open(root string) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve statistics directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("statistics directory %s: %w", RedactPath(abs), notFound(err))
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory: %w", RedactPath(abs), calerr.ErrFileNotFound)
	}
	return &Dir{root: abs, ModelOutput: ModelOutputDir, ExperimentalResults: ExperimentalResultsFile}, nil
}

// Root returns the absolute path of the directory.
func (d *Dir) Root() string { return d.root }

// Path joins elem onto the root and rejects results that escape it.
func (d *Dir) Path(elem ...string) (string, error) {
	p := filepath.Join(append([]string{d.root}, elem...)...)
	if err := ValidatePath(p, d.root); err != nil {
		return "", err
	}
	return p, nil
}

func (d *Dir) open(elem ...string) (*os.File, error) {
	p, err := d.Path(elem...)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", RedactPath(p), notFound(err))
	}
	return f, nil
}

// ReadParameters parses parameter_priors.dat.
func (d *Dir) ReadParameters() ([]models.Parameter, error) {
	f, err := d.open(ParameterPriorsFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseParameterPriors(f)
}

// ReadOutputNames parses observable_names.dat.
func (d *Dir) ReadOutputNames() ([]string, error) {
	f, err := d.open(ObservableNamesFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseObservableNames(f)
}

// ParseParameterPriors reads "<uniform|gaussian> <name> <a> <b>" lines.
// Uniform priors take min and max, gaussian priors mean and standard
// deviation. The prior type is case-insensitive.
func ParseParameterPriors(r io.Reader) ([]models.Parameter, error) {
	var params []models.Parameter
	err := scanFields(r, func(lineNo int, fields []string) error {
		if len(fields) < 4 {
			return fmt.Errorf("%s line %d: want type, name and two values: %w", ParameterPriorsFile, lineNo, calerr.ErrOther)
		}
		kind := distribution.Kind(strings.ToLower(fields[0]))
		a, err := parseFloat(fields[2])
		if err != nil {
			return fmt.Errorf("%s line %d: %w", ParameterPriorsFile, lineNo, err)
		}
		b, err := parseFloat(fields[3])
		if err != nil {
			return fmt.Errorf("%s line %d: %w", ParameterPriorsFile, lineNo, err)
		}
		prior, err := distribution.New(kind, a, b)
		if err != nil {
			return fmt.Errorf("%s line %d: parameter %q: %v: %w", ParameterPriorsFile, lineNo, fields[1], err, calerr.ErrOther)
		}
		if slices.ContainsFunc(params, func(p models.Parameter) bool { return p.Name == fields[1] }) {
			return fmt.Errorf("%s line %d: duplicate parameter %q: %w", ParameterPriorsFile, lineNo, fields[1], calerr.ErrOther)
		}
		params = append(params, models.NewParameter(fields[1], prior))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("%s declares no parameters: %w", ParameterPriorsFile, calerr.ErrOther)
	}
	return params, nil
}

// ParseObservableNames reads whitespace-separated output names.
func ParseObservableNames(r io.Reader) ([]string, error) {
	var names []string
	err := scanFields(r, func(lineNo int, fields []string) error {
		for _, name := range fields {
			if slices.Contains(names, name) {
				return fmt.Errorf("%s line %d: duplicate output %q: %w", ObservableNamesFile, lineNo, name, calerr.ErrOther)
			}
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%s declares no outputs: %w", ObservableNamesFile, calerr.ErrOther)
	}
	return names, nil
}

// TrainingData is the training set found under model_output/.
type TrainingData struct {
	Parameters  []models.Parameter
	OutputNames []string

	// Runs lists the run directory names in row order.
	Runs []string

	X *mat.Dense // runs x parameters
	Y *mat.Dense // runs x outputs

	// UncertaintyScales is the per-output model uncertainty averaged over
	// runs. Results lines without an uncertainty count as 1.
	UncertaintyScales []float64
}

// RunDirectories returns the sorted run* directories under model_output/.
func (d *Dir) RunDirectories() ([]string, error) {
	p, err := d.Path(d.ModelOutput)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", RedactPath(p), notFound(err))
	}
	var runs []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "run") {
			runs = append(runs, e.Name())
		}
	}
	slices.Sort(runs)
	return runs, nil
}

// ReadTrainingData loads every run's parameters.dat and results.dat.
func (d *Dir) ReadTrainingData(params []models.Parameter, outputNames []string) (*TrainingData, error) {
	if len(params) == 0 || len(outputNames) == 0 {
		return nil, fmt.Errorf("training data needs parameters and outputs: %w", calerr.ErrShapeMismatch)
	}
	runs, err := d.RunDirectories()
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("no run directories in %s: %w", d.ModelOutput, calerr.ErrFileNotFound)
	}

	names := models.ParameterNames(params)
	td := &TrainingData{
		Parameters:        models.CloneParameters(params),
		OutputNames:       slices.Clone(outputNames),
		Runs:              runs,
		X:                 mat.NewDense(len(runs), len(params), nil),
		Y:                 mat.NewDense(len(runs), len(outputNames), nil),
		UncertaintyScales: make([]float64, len(outputNames)),
	}
	for i, run := range runs {
		x, err := d.readRunFile(run, ParametersFile, func(r io.Reader) ([]float64, []float64, error) {
			v, err := ParseRunParameters(r, names)
			return v, nil, err
		})
		if err != nil {
			return nil, err
		}
		td.X.SetRow(i, x.values)

		y, err := d.readRunFile(run, ResultsFile, func(r io.Reader) ([]float64, []float64, error) {
			return ParseRunResults(r, outputNames)
		})
		if err != nil {
			return nil, err
		}
		td.Y.SetRow(i, y.values)
		for k, u := range y.uncertainty {
			td.UncertaintyScales[k] += u
		}
	}
	for k := range td.UncertaintyScales {
		td.UncertaintyScales[k] /= float64(len(runs))
	}
	return td, nil
}

type runValues struct {
	values      []float64
	uncertainty []float64
}

func (d *Dir) readRunFile(run, name string, parse func(io.Reader) ([]float64, []float64, error)) (runValues, error) {
	f, err := d.open(d.ModelOutput, run, name)
	if err != nil {
		return runValues{}, err
	}
	defer f.Close()
	v, u, err := parse(f)
	if err != nil {
		return runValues{}, fmt.Errorf("%s/%s: %w", run, name, err)
	}
	return runValues{values: v, uncertainty: u}, nil
}

// ParseRunParameters reads "<name> <value>" lines and returns the values in
// the order of names. Unknown names are ignored; a missing name is an error.
func ParseRunParameters(r io.Reader, names []string) ([]float64, error) {
	values := make([]float64, len(names))
	found := make([]bool, len(names))
	err := scanFields(r, func(lineNo int, fields []string) error {
		idx := slices.Index(names, fields[0])
		if idx < 0 {
			return nil
		}
		if len(fields) < 2 {
			return fmt.Errorf("line %d: parameter %q has no value: %w", lineNo, fields[0], calerr.ErrOther)
		}
		v, err := parseFloat(fields[1])
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		values[idx], found[idx] = v, true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if i := slices.Index(found, false); i >= 0 {
		return nil, fmt.Errorf("parameter %q missing: %w", names[i], calerr.ErrShapeMismatch)
	}
	return values, nil
}

// ParseRunResults reads "<name> <value> [uncertainty]" lines and returns
// values and uncertainties in the order of names.
func ParseRunResults(r io.Reader, names []string) (values, uncertainty []float64, err error) {
	values = make([]float64, len(names))
	uncertainty = make([]float64, len(names))
	found := make([]bool, len(names))
	err = scanFields(r, func(lineNo int, fields []string) error {
		idx := slices.Index(names, fields[0])
		if idx < 0 {
			return nil
		}
		if len(fields) != 2 && len(fields) != 3 {
			return fmt.Errorf("line %d: want name, value and optional uncertainty: %w", lineNo, calerr.ErrOther)
		}
		v, err := parseFloat(fields[1])
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		u := 1.0
		if len(fields) == 3 {
			if u, err = parseFloat(fields[2]); err != nil {
				return fmt.Errorf("line %d: %w", lineNo, err)
			}
		}
		values[idx], uncertainty[idx], found[idx] = v, u, true
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if i := slices.Index(found, false); i >= 0 {
		return nil, nil, fmt.Errorf("output %q missing: %w", names[i], calerr.ErrShapeMismatch)
	}
	return values, uncertainty, nil
}

// ReadExperimentalResults parses the experimental results file into
// observed values and a diagonal covariance of squared uncertainties.
// Outputs without a line keep value 0 and variance 1; unknown names are
// skipped. A missing file reports calerr.ErrFileNotFound.
func (d *Dir) ReadExperimentalResults(outputNames []string) (values, covariance []float64, err error) {
	f, err := d.open(d.ExperimentalResults)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return ParseExperimentalResults(f, outputNames)
}

// ParseExperimentalResults reads "<name> <value> <uncertainty>" lines.
func ParseExperimentalResults(r io.Reader, outputNames []string) (values, covariance []float64, err error) {
	m := len(outputNames)
	values = make([]float64, m)
	covariance = make([]float64, m*m)
	for i := 0; i < m; i++ {
		covariance[i*(m+1)] = 1
	}
	err = scanFields(r, func(lineNo int, fields []string) error {
		idx := slices.Index(outputNames, fields[0])
		if idx < 0 {
			return nil
		}
		if len(fields) < 3 {
			return fmt.Errorf("%s line %d: want name, value and uncertainty: %w", ExperimentalResultsFile, lineNo, calerr.ErrOther)
		}
		v, err := parseFloat(fields[1])
		if err != nil {
			return fmt.Errorf("%s line %d: %w", ExperimentalResultsFile, lineNo, err)
		}
		u, err := parseFloat(fields[2])
		if err != nil {
			return fmt.Errorf("%s line %d: %w", ExperimentalResultsFile, lineNo, err)
		}
		values[idx] = v
		covariance[idx*(m+1)] = u * u
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return values, covariance, nil
}

// WriteTrainingPoints creates model_output/runNNNN/parameters.dat for each
// point and returns the run directory names. Existing runs are kept unless
// they collide with a new name, in which case their parameters.dat is
// replaced.
func (d *Dir) WriteTrainingPoints(params []models.Parameter, points [][]float64) ([]string, error) {
	runs := make([]string, len(points))
	for i, pt := range points {
		if len(pt) != len(params) {
			return nil, fmt.Errorf("point %d has %d values for %d parameters: %w", i, len(pt), len(params), calerr.ErrShapeMismatch)
		}
		runs[i] = fmt.Sprintf("run%04d", i)
		dir, err := d.Path(d.ModelOutput, runs[i])
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create run directory: %w", err)
		}
		var b strings.Builder
		for j, p := range params {
			fmt.Fprintf(&b, "%s %s\n", p.Name, strconv.FormatFloat(pt[j], 'g', -1, 64))
		}
		if err := os.WriteFile(filepath.Join(dir, ParametersFile), []byte(b.String()), 0o644); err != nil {
			return nil, fmt.Errorf("write %s/%s: %w", runs[i], ParametersFile, err)
		}
	}
	return runs, nil
}

// LoadEmulator reads emulator_state.dat.
func (d *Dir) LoadEmulator(opts emulator.Options) (*emulator.Emulator, error) {
	f, err := d.open(EmulatorStateFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	e, err := emulator.Read(bufio.NewReader(f), opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", EmulatorStateFile, err)
	}
	return e, nil
}

// SaveEmulator writes emulator_state.dat through a temporary file so a
// failed write leaves the previous state in place.
func (d *Dir) SaveEmulator(e *emulator.Emulator) error {
	p, err := d.Path(EmulatorStateFile)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(d.root, EmulatorStateFile+".*")
	if err != nil {
		return fmt.Errorf("create temporary state file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := e.Write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temporary state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("replace %s: %w", EmulatorStateFile, err)
	}
	return nil
}

// LoadTrainingEmulator builds an untrained emulator from the priors,
// observable names, model_output/ runs and, when present, the experimental
// results.
func (d *Dir) LoadTrainingEmulator(opts emulator.Options) (*emulator.Emulator, *TrainingData, error) {
	params, err := d.ReadParameters()
	if err != nil {
		return nil, nil, err
	}
	outputs, err := d.ReadOutputNames()
	if err != nil {
		return nil, nil, err
	}
	td, err := d.ReadTrainingData(params, outputs)
	if err != nil {
		return nil, nil, err
	}
	observed, cov, err := d.ReadExperimentalResults(outputs)
	if err != nil && !errors.Is(err, calerr.ErrFileNotFound) {
		return nil, nil, err
	}
	e := emulator.New(params, outputs, opts)
	if err := e.LoadTrainingData(td.X, td.Y, observed, cov); err != nil {
		return nil, nil, err
	}
	return e, td, nil
}

// TracePath returns trace/<name>, creating the trace directory.
func (d *Dir) TracePath(name string) (string, error) {
	if name == "" || filepath.Base(name) != name {
		return "", fmt.Errorf("trace file name %q must be a plain file name: %w", name, calerr.ErrOther)
	}
	p, err := d.Path(TraceDir, name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create trace directory: %w", err)
	}
	return p, nil
}

// ResolveTrace returns the trace file for name. A relative name is tried
// against the root first and then under trace/.
func (d *Dir) ResolveTrace(name string) (string, error) {
	candidates := []string{name}
	if !filepath.IsAbs(name) {
		candidates = []string{filepath.Join(d.root, name), filepath.Join(d.root, TraceDir, name)}
	}
	for _, p := range candidates {
		if err := ValidatePath(p, d.root); err != nil {
			return "", err
		}
		if _, err := os.Stat(p); err == nil {
			return filepath.Clean(p), nil
		}
	}
	return "", fmt.Errorf("trace %q: %w", name, calerr.ErrFileNotFound)
}

// scanFields calls fn with the whitespace-separated fields of each
// non-blank line. Text after '#' is ignored.
func scanFields(r io.Reader, fn func(lineNo int, fields []string) error) error {
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if err := fn(lineNo, fields); err != nil {
			return err
		}
	}
	return sc.Err()
}

func parseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("bad number %q: %w", s, calerr.ErrOther)
	}
	return v, nil
}

func notFound(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", calerr.ErrFileNotFound, err)
	}
	return err
}
