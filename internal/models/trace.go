package models

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/nvandessel/gpcal/internal/calerr"
	"github.com/nvandessel/gpcal/internal/constants"
)

// Trace is the insertion-ordered history of a sampler run.
type Trace struct {
	samples []Sample
	ref     int // index of the first non-degenerate sample, -1 if none
}

// NewTrace returns an empty trace.
func NewTrace() *Trace {
	return &Trace{ref: -1}
}

// Add appends s. Every non-degenerate sample must match the parameter and
// output lengths of the first non-degenerate sample.
func (t *Trace) Add(s Sample) error {
	if !s.IsZero() {
		if t.ref >= 0 {
			first := t.samples[t.ref]
			if len(s.ParameterValues) != len(first.ParameterValues) ||
				len(s.OutputValues) != len(first.OutputValues) {
				return fmt.Errorf("trace sample %d has %d parameters and %d outputs, want %d and %d: %w",
					len(t.samples), len(s.ParameterValues), len(s.OutputValues),
					len(first.ParameterValues), len(first.OutputValues), calerr.ErrShapeMismatch)
			}
		} else {
			t.ref = len(t.samples)
		}
	}
	t.samples = append(t.samples, s)
	return nil
}

// Len returns the number of samples.
func (t *Trace) Len() int {
	return len(t.samples)
}

// At returns sample i.
func (t *Trace) At(i int) Sample {
	return t.samples[i]
}

// Samples returns the samples in insertion order. The slice must not be
// modified.
func (t *Trace) Samples() []Sample {
	return t.samples
}

// Clear removes all samples.
func (t *Trace) Clear() {
	t.samples = nil
	t.ref = -1
}

// Best returns the sample with the highest log-likelihood.
func (t *Trace) Best() (Sample, bool) {
	if t.ref < 0 {
		return Sample{}, false
	}
	best := t.samples[t.ref]
	for _, s := range t.samples[t.ref+1:] {
		if !s.IsZero() && best.Less(s) {
			best = s
		}
	}
	return best, true
}

// WriteCSV writes the header followed by every sample.
func (t *Trace) WriteCSV(w io.Writer, parameterNames, outputNames []string) error {
	bw := bufio.NewWriter(w)
	if err := WriteCSVHeader(bw, parameterNames, outputNames); err != nil {
		return err
	}
	for _, s := range t.samples {
		if err := WriteCSVSample(bw, s); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteCSVHeader writes the quoted header row:
// "p1",...,"o1",...,"LogLikelihood".
func WriteCSVHeader(w io.Writer, parameterNames, outputNames []string) error {
	var b strings.Builder
	for _, n := range parameterNames {
		b.WriteString(quoteField(n))
		b.WriteByte(',')
	}
	for _, n := range outputNames {
		b.WriteString(quoteField(n))
		b.WriteByte(',')
	}
	b.WriteString(quoteField(constants.LogLikelihoodName))
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteCSVSample writes one data row: parameters, outputs, log-likelihood
// and an optional quoted, semicolon-joined comment field.
func WriteCSVSample(w io.Writer, s Sample) error {
	var b strings.Builder
	for _, v := range s.ParameterValues {
		b.WriteString(formatFloat(v))
		b.WriteByte(',')
	}
	for _, v := range s.OutputValues {
		b.WriteString(formatFloat(v))
		b.WriteByte(',')
	}
	b.WriteString(formatFloat(s.LogLikelihood))
	if len(s.Comments) > 0 {
		b.WriteByte(',')
		b.WriteString(quoteField(strings.Join(s.Comments, ";")))
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

// quoteField always quotes, doubling embedded quotes as encoding/csv
// expects. csv.Writer only quotes fields that need it.
func quoteField(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// ReadCSVHeader reads a trace's header row and returns its column names.
// The last column must be LogLikelihood.
func ReadCSVHeader(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	names, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("trace has no header: %w", calerr.ErrOther)
	}
	if err != nil {
		return nil, fmt.Errorf("reading trace header: %w", err)
	}
	for i, n := range names {
		names[i] = strings.TrimSpace(n)
	}
	if names[len(names)-1] != constants.LogLikelihoodName {
		return nil, fmt.Errorf("trace header does not end in %s: %w", constants.LogLikelihoodName, calerr.ErrShapeMismatch)
	}
	return names, nil
}

// ImportCSV reads a trace written by WriteCSV. The header row is skipped;
// each row must carry numParameters + numOutputs + 1 values and may carry a
// trailing comment field.
func ImportCSV(r io.Reader, numParameters, numOutputs int) (*Trace, error) {
	if numParameters < 0 || numOutputs < 0 {
		return nil, fmt.Errorf("negative field counts: %w", calerr.ErrShapeMismatch)
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	if _, err := cr.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("trace has no header: %w", calerr.ErrOther)
		}
		return nil, fmt.Errorf("reading trace header: %w", err)
	}

	want := numParameters + numOutputs + 1
	trace := NewTrace()
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading trace line %d: %w", line, err)
		}
		if len(rec) != want && len(rec) != want+1 {
			return nil, fmt.Errorf("trace line %d has %d fields, want %d: %w",
				line, len(rec), want, calerr.ErrShapeMismatch)
		}

		values := make([]float64, want)
		for i := 0; i < want; i++ {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[i]), 64)
			if err != nil {
				return nil, fmt.Errorf("trace line %d field %d: %w", line, i+1, err)
			}
			values[i] = v
		}

		s := Sample{
			ParameterValues: values[:numParameters:numParameters],
			LogLikelihood:   values[want-1],
		}
		if numOutputs > 0 {
			s.OutputValues = values[numParameters : numParameters+numOutputs : numParameters+numOutputs]
		}
		if len(rec) == want+1 && rec[want] != "" {
			s.Comments = strings.Split(rec[want], ";")
		}
		if err := trace.Add(s); err != nil {
			return nil, err
		}
	}
	return trace, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
