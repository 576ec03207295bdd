package emulator

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/nvandessel/gpcal/internal/calerr"
	"github.com/nvandessel/gpcal/internal/distribution"
	"github.com/nvandessel/gpcal/internal/models"
)

// FormatVersion is the version of the emulator state file.
const FormatVersion = 1

// Write serializes the parameters, training data, principal components and
// submodel hyperparameters. Floats use the shortest exact representation,
// so Read reconstructs identical predictions without retraining.
func (e *Emulator) Write(w io.Writer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.x == nil {
		return fmt.Errorf("write emulator: %w", calerr.ErrNotReady)
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# gpcal emulator state\nVERSION %d\n", FormatVersion)

	fmt.Fprintf(bw, "PARAMETERS %d\n", len(e.parameters))
	for _, p := range e.parameters {
		switch prior := p.Prior.(type) {
		case *distribution.Uniform:
			fmt.Fprintf(bw, "%s UNIFORM %s %s\n", p.Name, ftoa(prior.Min), ftoa(prior.Max))
		case *distribution.Gaussian:
			fmt.Fprintf(bw, "%s GAUSSIAN %s %s\n", p.Name, ftoa(prior.Mean), ftoa(prior.StdDev))
		default:
			return fmt.Errorf("parameter %q has no serializable prior: %w", p.Name, calerr.ErrOther)
		}
	}
	fmt.Fprintf(bw, "OUTPUTS %d\n", len(e.outputNames))
	for _, name := range e.outputNames {
		fmt.Fprintln(bw, name)
	}

	n, _ := e.x.Dims()
	fmt.Fprintf(bw, "NUMBER_OF_TRAINING_POINTS %d\n", n)
	writeMatrix(bw, "PARAMETER_VALUES", e.x)
	writeMatrix(bw, "OUTPUT_VALUES", e.y)
	if len(e.observedValues) > 0 {
		writeVector(bw, "OBSERVED_VALUES", e.observedValues)
	}
	if len(e.observedCov) > 0 {
		m := len(e.outputNames)
		writeMatrix(bw, "OBSERVED_COVARIANCE", mat.NewDense(m, m, e.observedCov))
	}

	if d := e.pca; d != nil {
		writeVector(bw, "OUTPUT_MEANS", d.means)
		writeVector(bw, "OUTPUT_STANDARD_DEVIATIONS", d.stdDev)
		writeVector(bw, "OUTPUT_PCA_EIGENVALUES", d.values)
		writeMatrix(bw, "OUTPUT_PCA_EIGENVECTORS", d.vecs)
		fmt.Fprintf(bw, "FRACTION_RESOLVING_POWER %s\n", ftoa(d.fraction))
		fmt.Fprintf(bw, "SUBMODELS %d\n", len(e.submodels))
		for i, s := range e.submodels {
			fmt.Fprintf(bw, "MODEL %d\n", i)
			fmt.Fprintf(bw, "COVARIANCE_FUNCTION %s\n", s.kind)
			fmt.Fprintf(bw, "REGRESSION_ORDER %d\n", s.order)
			writeVector(bw, "THETAS", s.hyper.thetas(s.kind))
			fmt.Fprintln(bw, "END_OF_MODEL")
		}
	}
	fmt.Fprintln(bw, "END_OF_FILE")
	return bw.Flush()
}

// Read reconstructs an emulator written by Write. When the file carries
// submodels the emulator is returned READY; otherwise it is UNTRAINED.
func Read(r io.Reader, opts Options) (*Emulator, error) {
	tr, err := newTokenReader(r)
	if err != nil {
		return nil, err
	}

	if err := tr.expect("VERSION"); err != nil {
		return nil, err
	}
	version, err := tr.count()
	if err != nil {
		return nil, err
	}
	if version != FormatVersion {
		return nil, fmt.Errorf("unsupported emulator format version %d: %w", version, calerr.ErrOther)
	}

	if err := tr.expect("PARAMETERS"); err != nil {
		return nil, err
	}
	np, err := tr.count()
	if err != nil {
		return nil, err
	}
	params := make([]models.Parameter, np)
	for i := range params {
		name, kind, err := tr.next2()
		if err != nil {
			return nil, err
		}
		a, err := tr.number()
		if err != nil {
			return nil, err
		}
		b, err := tr.number()
		if err != nil {
			return nil, err
		}
		prior, err := distribution.New(distribution.Kind(strings.ToLower(kind)), a, b)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w: %v", name, calerr.ErrOther, err)
		}
		params[i] = models.NewParameter(name, prior)
	}

	if err := tr.expect("OUTPUTS"); err != nil {
		return nil, err
	}
	nm, err := tr.count()
	if err != nil {
		return nil, err
	}
	outputs := make([]string, nm)
	for i := range outputs {
		if outputs[i], err = tr.next(); err != nil {
			return nil, err
		}
	}

	if err := tr.expect("NUMBER_OF_TRAINING_POINTS"); err != nil {
		return nil, err
	}
	n, err := tr.count()
	if err != nil {
		return nil, err
	}
	x, err := tr.matrix("PARAMETER_VALUES", n, np)
	if err != nil {
		return nil, err
	}
	y, err := tr.matrix("OUTPUT_VALUES", n, nm)
	if err != nil {
		return nil, err
	}

	e := New(params, outputs, opts)
	var observed, observedCov []float64
	var d *decomposition
	var subs []*submodel

	for {
		key, err := tr.next()
		if err != nil {
			return nil, err
		}
		switch key {
		case "OBSERVED_VALUES":
			if observed, err = tr.vectorBody(nm); err != nil {
				return nil, err
			}
		case "OBSERVED_COVARIANCE":
			m, err := tr.matrixBody(nm, nm)
			if err != nil {
				return nil, err
			}
			observedCov = m.RawMatrix().Data
		case "OUTPUT_MEANS":
			if d, err = tr.decomposition(nm); err != nil {
				return nil, err
			}
		case "SUBMODELS":
			if d == nil {
				return nil, fmt.Errorf("SUBMODELS before principal components: %w", calerr.ErrOther)
			}
			if subs, err = tr.submodels(d, np); err != nil {
				return nil, err
			}
		case "END_OF_FILE":
			if err := e.LoadTrainingData(x, y, observed, observedCov); err != nil {
				return nil, err
			}
			if d == nil {
				return e, nil
			}
			if len(subs) != 0 && len(subs) != d.retained {
				return nil, fmt.Errorf("%d submodels for %d retained components: %w", len(subs), d.retained, calerr.ErrShapeMismatch)
			}
			d.scoreOutputs(e.y)
			for k, s := range subs {
				s.z = d.componentScores(k)
				if err := s.cache(e.x); err != nil {
					return nil, fmt.Errorf("caching component %d: %w", k, err)
				}
			}
			e.pca = d
			e.submodels = subs
			if len(subs) > 0 {
				e.status = StatusReady
			}
			return e, nil
		default:
			return nil, fmt.Errorf("unexpected keyword %q in emulator file: %w", key, calerr.ErrOther)
		}
	}
}

func (tr *tokenReader) decomposition(m int) (*decomposition, error) {
	var err error
	d := &decomposition{}
	if d.means, err = tr.vectorBody(m); err != nil {
		return nil, err
	}
	if err := tr.expect("OUTPUT_STANDARD_DEVIATIONS"); err != nil {
		return nil, err
	}
	if d.stdDev, err = tr.vectorBody(m); err != nil {
		return nil, err
	}
	if err := tr.expect("OUTPUT_PCA_EIGENVALUES"); err != nil {
		return nil, err
	}
	if d.values, err = tr.vectorBody(m); err != nil {
		return nil, err
	}
	if d.vecs, err = tr.matrix("OUTPUT_PCA_EIGENVECTORS", m, m); err != nil {
		return nil, err
	}
	if err := tr.expect("FRACTION_RESOLVING_POWER"); err != nil {
		return nil, err
	}
	if d.fraction, err = tr.number(); err != nil {
		return nil, err
	}
	var total float64
	for _, v := range d.values {
		total += v
	}
	if total <= 0 {
		return nil, fmt.Errorf("stored eigenvalues have no variance: %w", calerr.ErrDecomposition)
	}
	d.retained = retainedComponents(d.values, total, d.fraction)
	return d, nil
}

func (tr *tokenReader) submodels(d *decomposition, np int) ([]*submodel, error) {
	count, err := tr.count()
	if err != nil {
		return nil, err
	}
	subs := make([]*submodel, count)
	for i := range subs {
		if err := tr.expect("MODEL"); err != nil {
			return nil, err
		}
		if idx, err := tr.count(); err != nil {
			return nil, err
		} else if idx != i {
			return nil, fmt.Errorf("MODEL %d out of order, want %d: %w", idx, i, calerr.ErrOther)
		}
		if err := tr.expect("COVARIANCE_FUNCTION"); err != nil {
			return nil, err
		}
		name, err := tr.next()
		if err != nil {
			return nil, err
		}
		kind, err := ParseCovarianceFunction(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", calerr.ErrOther, err)
		}
		if err := tr.expect("REGRESSION_ORDER"); err != nil {
			return nil, err
		}
		order, err := tr.count()
		if err != nil {
			return nil, err
		}
		if err := tr.expect("THETAS"); err != nil {
			return nil, err
		}
		thetas, err := tr.vectorBody(-1)
		if err != nil {
			return nil, err
		}
		hyper, err := hyperparametersFromThetas(kind, thetas, np)
		if err != nil {
			return nil, fmt.Errorf("model %d: %w: %v", i, calerr.ErrShapeMismatch, err)
		}
		if err := tr.expect("END_OF_MODEL"); err != nil {
			return nil, err
		}
		if i >= len(d.values) {
			return nil, fmt.Errorf("model %d beyond %d components: %w", i, len(d.values), calerr.ErrShapeMismatch)
		}
		subs[i] = &submodel{kind: kind, order: order, hyper: hyper}
	}
	return subs, nil
}

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func writeVector(w io.Writer, key string, v []float64) {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = ftoa(x)
	}
	fmt.Fprintf(w, "%s %d\n%s\n", key, len(v), strings.Join(parts, " "))
}

func writeMatrix(w io.Writer, key string, m mat.Matrix) {
	r, c := m.Dims()
	fmt.Fprintf(w, "%s %d %d\n", key, r, c)
	parts := make([]string, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			parts[j] = ftoa(m.At(i, j))
		}
		fmt.Fprintln(w, strings.Join(parts, " "))
	}
}

// tokenReader walks the whitespace-separated tokens of a state file,
// skipping lines that start with '#'.
type tokenReader struct {
	tokens []string
	pos    int
}

func newTokenReader(r io.Reader) (*tokenReader, error) {
	tr := &tokenReader{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tr.tokens = append(tr.tokens, strings.Fields(line)...)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading emulator file: %w", err)
	}
	return tr, nil
}

func (tr *tokenReader) next() (string, error) {
	if tr.pos >= len(tr.tokens) {
		return "", fmt.Errorf("emulator file ended early: %w", calerr.ErrOther)
	}
	tok := tr.tokens[tr.pos]
	tr.pos++
	return tok, nil
}

func (tr *tokenReader) next2() (string, string, error) {
	a, err := tr.next()
	if err != nil {
		return "", "", err
	}
	b, err := tr.next()
	return a, b, err
}

func (tr *tokenReader) expect(keyword string) error {
	tok, err := tr.next()
	if err != nil {
		return err
	}
	if tok != keyword {
		return fmt.Errorf("expected %s, found %q: %w", keyword, tok, calerr.ErrOther)
	}
	return nil
}

func (tr *tokenReader) count() (int, error) {
	tok, err := tr.next()
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(tok)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("expected count, found %q: %w", tok, calerr.ErrOther)
	}
	return v, nil
}

func (tr *tokenReader) number() (float64, error) {
	tok, err := tr.next()
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, fmt.Errorf("expected number, found %q: %w", tok, calerr.ErrOther)
	}
	return v, nil
}

// vectorBody reads "<len>" followed by len values. A non-negative want
// must equal len.
func (tr *tokenReader) vectorBody(want int) ([]float64, error) {
	n, err := tr.count()
	if err != nil {
		return nil, err
	}
	if want >= 0 && n != want {
		return nil, fmt.Errorf("vector of length %d, want %d: %w", n, want, calerr.ErrShapeMismatch)
	}
	v := make([]float64, n)
	for i := range v {
		if v[i], err = tr.number(); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (tr *tokenReader) matrix(key string, rows, cols int) (*mat.Dense, error) {
	if err := tr.expect(key); err != nil {
		return nil, err
	}
	return tr.matrixBody(rows, cols)
}

func (tr *tokenReader) matrixBody(rows, cols int) (*mat.Dense, error) {
	r, err := tr.count()
	if err != nil {
		return nil, err
	}
	c, err := tr.count()
	if err != nil {
		return nil, err
	}
	if r != rows || c != cols {
		return nil, fmt.Errorf("matrix is %dx%d, want %dx%d: %w", r, c, rows, cols, calerr.ErrShapeMismatch)
	}
	if r == 0 || c == 0 {
		return nil, fmt.Errorf("empty matrix: %w", calerr.ErrShapeMismatch)
	}
	m := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v, err := tr.number()
			if err != nil {
				return nil, err
			}
			m.Set(i, j, v)
		}
	}
	return m, nil
}
