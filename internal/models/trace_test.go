package models

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nvandessel/gpcal/internal/calerr"
	"github.com/nvandessel/gpcal/internal/distribution"
)

func TestTrace_CSVRoundTrip(t *testing.T) {
	trace := NewTrace()
	samples := []Sample{
		NewSample([]float64{0.1, -2.5e-9}, []float64{1.0 / 3.0, 7}, -12.75),
		NewSample([]float64{math.Pi, 1e300}, []float64{-0.0, math.SmallestNonzeroFloat64}, math.Inf(-1)),
		{
			ParameterValues: []float64{2, 3},
			OutputValues:    []float64{4, 5},
			LogLikelihood:   -1,
			Comments:        []string{"accepted", "step 3"},
		},
	}
	for _, s := range samples {
		if err := trace.Add(s); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}

	var buf bytes.Buffer
	if err := trace.WriteCSV(&buf, []string{"alpha", "beta"}, []string{"y1", "y2"}); err != nil {
		t.Fatalf("WriteCSV() error = %v", err)
	}

	header := strings.SplitN(buf.String(), "\n", 2)[0]
	if want := `"alpha","beta","y1","y2","LogLikelihood"`; header != want {
		t.Errorf("header = %s, want %s", header, want)
	}

	imported, err := ImportCSV(&buf, 2, 2)
	if err != nil {
		t.Fatalf("ImportCSV() error = %v", err)
	}
	if diff := cmp.Diff(samples, imported.Samples()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestTrace_CSVRoundTripQuotedNames(t *testing.T) {
	params := []string{`say "hi"`, "a,b"}
	outputs := []string{`"quoted"`}
	samples := []Sample{{
		ParameterValues: []float64{1, 2},
		OutputValues:    []float64{3},
		LogLikelihood:   -4,
		Comments:        []string{`note "x"`, "a, b"},
	}}
	trace := NewTrace()
	if err := trace.Add(samples[0]); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	var buf bytes.Buffer
	if err := trace.WriteCSV(&buf, params, outputs); err != nil {
		t.Fatalf("WriteCSV() error = %v", err)
	}
	data := buf.Bytes()

	header := strings.SplitN(string(data), "\n", 2)[0]
	if want := `"say ""hi""","a,b","""quoted""","LogLikelihood"`; header != want {
		t.Errorf("header = %s, want %s", header, want)
	}

	names, err := ReadCSVHeader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadCSVHeader() error = %v", err)
	}
	if diff := cmp.Diff([]string{`say "hi"`, "a,b", `"quoted"`, "LogLikelihood"}, names); diff != "" {
		t.Errorf("header names mismatch (-want +got):\n%s", diff)
	}

	imported, err := ImportCSV(bytes.NewReader(data), 2, 1)
	if err != nil {
		t.Fatalf("ImportCSV() error = %v", err)
	}
	if diff := cmp.Diff(samples, imported.Samples()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestReadCSVHeader_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"empty", "", calerr.ErrOther},
		{"no log likelihood", "a,b\n", calerr.ErrShapeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadCSVHeader(strings.NewReader(tt.input))
			if !errors.Is(err, tt.want) {
				t.Errorf("ReadCSVHeader() error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := ReadCSVHeader(strings.NewReader(`"a,b` + "\n")); err == nil {
		t.Error("ReadCSVHeader() accepted an unterminated quote")
	}
}

func TestWriteCSVSample_Format(t *testing.T) {
	tests := []struct {
		name   string
		sample Sample
		want   string
	}{
		{
			name:   "no outputs",
			sample: NewSample([]float64{1, 2}, nil, -0.5),
			want:   "1,2,-0.5\n",
		},
		{
			name:   "outputs",
			sample: NewSample([]float64{1}, []float64{3, 4}, 2),
			want:   "1,3,4,2\n",
		},
		{
			name:   "comments",
			sample: Sample{ParameterValues: []float64{1}, LogLikelihood: 0, Comments: []string{"a", "b"}},
			want:   "1,0,\"a;b\"\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteCSVSample(&buf, tt.sample); err != nil {
				t.Fatalf("WriteCSVSample() error = %v", err)
			}
			if got := buf.String(); got != tt.want {
				t.Errorf("WriteCSVSample() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestImportCSV_ShapeMismatch(t *testing.T) {
	in := "\"a\",\"LogLikelihood\"\n1,2,3,4\n"
	_, err := ImportCSV(strings.NewReader(in), 1, 0)
	if !errors.Is(err, calerr.ErrShapeMismatch) {
		t.Errorf("ImportCSV() error = %v, want ErrShapeMismatch", err)
	}
}

func TestTrace_AddValidatesShape(t *testing.T) {
	trace := NewTrace()
	if err := trace.Add(Sample{}); err != nil {
		t.Fatalf("degenerate sample rejected: %v", err)
	}
	if err := trace.Add(NewSample([]float64{1, 2}, []float64{3}, 0)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	err := trace.Add(NewSample([]float64{1}, []float64{3}, 0))
	if !errors.Is(err, calerr.ErrShapeMismatch) {
		t.Errorf("Add() error = %v, want ErrShapeMismatch", err)
	}
	if trace.Len() != 2 {
		t.Errorf("Len() = %d, want 2", trace.Len())
	}

	trace.Clear()
	if trace.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", trace.Len())
	}
	if err := trace.Add(NewSample([]float64{1}, nil, 0)); err != nil {
		t.Errorf("Add() after Clear error = %v", err)
	}
}

func TestTrace_Best(t *testing.T) {
	trace := NewTrace()
	if _, ok := trace.Best(); ok {
		t.Error("Best() on empty trace should report false")
	}
	for _, ll := range []float64{-3, -1, -2} {
		_ = trace.Add(NewSample([]float64{ll}, nil, ll))
	}
	best, ok := trace.Best()
	if !ok || best.LogLikelihood != -1 {
		t.Errorf("Best() = %v, %v, want LogLikelihood -1", best.LogLikelihood, ok)
	}
}

func TestParameter_CloneIsDeep(t *testing.T) {
	prior, _ := distribution.NewUniform(0, 1)
	p := NewParameter("x", prior)
	c := p.Clone()
	c.Prior.(*distribution.Uniform).Max = 5
	if prior.Max != 1 {
		t.Errorf("clone shares prior: Max = %v", prior.Max)
	}
	if !p.Active {
		t.Error("NewParameter should be active")
	}
}
