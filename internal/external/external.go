// Package external drives a simulator running in a separate process. The
// child announces its parameters and outputs in a text header on stdout,
// then answers one evaluation per block of parameter values written to its
// stdin. Writing STOP ends the session.
package external

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/nvandessel/gpcal/internal/calerr"
	"github.com/nvandessel/gpcal/internal/distribution"
	"github.com/nvandessel/gpcal/internal/logging"
	"github.com/nvandessel/gpcal/internal/model"
	"github.com/nvandessel/gpcal/internal/models"
)

// ProtocolVersion is the only header version understood.
const ProtocolVersion = 1

// DefaultStopTimeout bounds the wait for the child to exit after STOP.
const DefaultStopTimeout = 5 * time.Second

// CovarianceMode is the shape of the uncertainty the child reports after
// its outputs.
type CovarianceMode int

const (
	CovarianceNone CovarianceMode = iota
	CovarianceDiagonal
	CovarianceTriangular
	CovarianceFull
)

func (m CovarianceMode) String() string {
	switch m {
	case CovarianceDiagonal:
		return "VARIANCE"
	case CovarianceTriangular:
		return "TRIANGULAR_MATRIX"
	case CovarianceFull:
		return "FULL_MATRIX"
	default:
		return "NONE"
	}
}

// entries returns how many covariance values follow m outputs.
func (m CovarianceMode) entries(outputs int) int {
	switch m {
	case CovarianceDiagonal:
		return outputs
	case CovarianceTriangular:
		return outputs * (outputs + 1) / 2
	case CovarianceFull:
		return outputs * outputs
	default:
		return 0
	}
}

// Header is what the child declares before its first evaluation.
type Header struct {
	Comments    []string
	Parameters  []models.Parameter
	OutputNames []string
	Covariance  CovarianceMode
}

// Options configures Start.
type Options struct {
	// Env is appended to the parent's environment.
	Env []string

	// Dir is the child's working directory. Empty means the current one.
	Dir string

	// Stderr receives the child's stderr. Nil means os.Stderr.
	Stderr io.Writer

	// StopTimeout bounds Close. Zero means DefaultStopTimeout.
	StopTimeout time.Duration

	// EvaluateTimeout bounds the wait for one answer. The child is killed
	// when it expires. Zero means no limit.
	EvaluateTimeout time.Duration

	Logger *slog.Logger
}

// Process is a running external model. It implements model.Evaluator;
// evaluations are serialized over the single pipe pair.
type Process struct {
	logger      *slog.Logger
	stopTimeout time.Duration
	evalTimeout time.Duration

	// ctx is Start's context; the child is killed when it ends.
	ctx         context.Context
	stopWatch   func() bool
	interrupted atomic.Bool

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	in     *bufio.Writer
	out    *tokenReader
	header Header
	broken error
	closed bool
}

var _ model.Evaluator = (*Process)(nil)

// Start launches path with args and reads its header. The child is killed
// when ctx ends, whether that happens while the header is read or while an
// evaluation is waiting for its answer.
func Start(ctx context.Context, path string, args []string, opts Options) (*Process, error) {
	if path == "" {
		return nil, fmt.Errorf("no external model executable configured: %w", calerr.ErrNotReady)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stopTimeout := opts.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	cmd.Stderr = opts.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("external model stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("external model stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("start external model %s: %w: %v", path, calerr.ErrFileNotFound, err)
		}
		return nil, fmt.Errorf("start external model %s: %w", path, err)
	}

	p := &Process{
		logger:      logger,
		stopTimeout: stopTimeout,
		evalTimeout: opts.EvaluateTimeout,
		ctx:         ctx,
		cmd:         cmd,
		stdin:       stdin,
		in:          bufio.NewWriter(stdin),
		out:         newTokenReader(stdout),
	}

	type result struct {
		h   Header
		err error
	}
	done := make(chan result, 1)
	go func() {
		h, err := readHeader(p.out)
		done <- result{h, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		p.kill()
		<-done
		return nil, fmt.Errorf("waiting for external model header: %w", ctx.Err())
	}
	if res.err != nil {
		p.kill()
		return nil, fmt.Errorf("external model header: %w", res.err)
	}
	p.header = res.h
	p.stopWatch = context.AfterFunc(ctx, p.interrupt)

	logger.Info("external model started",
		"executable", path,
		"pid", cmd.Process.Pid,
		"parameters", len(res.h.Parameters),
		"outputs", len(res.h.OutputNames),
		"covariance", res.h.Covariance.String())
	return p, nil
}

// Header returns the declared parameters, outputs and covariance mode.
func (p *Process) Header() Header {
	h := p.header
	h.Parameters = models.CloneParameters(h.Parameters)
	h.OutputNames = append([]string(nil), h.OutputNames...)
	h.Comments = append([]string(nil), h.Comments...)
	return h
}

// Evaluate writes one parameter block and reads the outputs and any
// declared covariance. The covariance is always consumed from the pipe but
// only returned when withCovariance is set.
func (p *Process) Evaluate(params []float64, withCovariance bool) ([]float64, []float64, error) {
	np, m := len(p.header.Parameters), len(p.header.OutputNames)
	if len(params) != np {
		return nil, nil, fmt.Errorf("external model takes %d parameters, got %d: %w", np, len(params), calerr.ErrShapeMismatch)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nil, fmt.Errorf("external model stopped: %w", calerr.ErrNotReady)
	}
	if p.broken != nil {
		return nil, nil, fmt.Errorf("external model unusable after earlier failure: %w", calerr.ErrNotReady)
	}
	if err := p.ctx.Err(); err != nil {
		return nil, nil, p.fail(fmt.Errorf("external model: %w", err))
	}

	var timedOut atomic.Bool
	if p.evalTimeout > 0 {
		timer := time.AfterFunc(p.evalTimeout, func() {
			timedOut.Store(true)
			p.interrupt()
		})
		defer timer.Stop()
	}

	for _, v := range params {
		p.in.WriteString(strconv.FormatFloat(v, 'g', 17, 64))
		p.in.WriteByte('\n')
	}
	if err := p.in.Flush(); err != nil {
		return nil, nil, p.fail(fmt.Errorf("write parameters: %w", err))
	}

	outputs, err := p.out.floats(m)
	if err != nil {
		return nil, nil, p.fail(p.readError("read outputs", err, timedOut.Load()))
	}
	raw, err := p.out.floats(p.header.Covariance.entries(m))
	if err != nil {
		return nil, nil, p.fail(p.readError("read covariance", err, timedOut.Load()))
	}
	p.logger.Log(context.Background(), logging.LevelTrace, "external model evaluated", "params", params, "outputs", outputs)

	if !withCovariance || p.header.Covariance == CovarianceNone {
		return outputs, nil, nil
	}
	return outputs, expandCovariance(p.header.Covariance, m, raw), nil
}

// readError names the reason a read failed: the child was killed for a
// timeout or a canceled context, or its stream simply broke.
func (p *Process) readError(what string, err error, timedOut bool) error {
	switch {
	case timedOut:
		return fmt.Errorf("%s: no answer within %s", what, p.evalTimeout)
	case p.ctx.Err() != nil:
		return fmt.Errorf("%s: %w", what, p.ctx.Err())
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

// fail marks the pipe unusable. A child that wrote a partial answer leaves
// the stream out of step, so no further evaluation is attempted.
func (p *Process) fail(err error) error {
	p.broken = err
	p.logger.Error("external model failed", "error", err)
	return fmt.Errorf("%w: %w", calerr.ErrOther, err)
}

// interrupt kills the child without taking mu, so a blocked Evaluate sees
// its stdout close.
func (p *Process) interrupt() {
	if p.interrupted.CompareAndSwap(false, true) {
		p.logger.Warn("killing external model", "pid", p.cmd.Process.Pid)
		p.cmd.Process.Kill()
	}
}

// Close sends STOP and waits for the child to exit, killing it after the
// stop timeout.
func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.stopWatch != nil {
		p.stopWatch()
	}

	if p.interrupted.Load() {
		p.stdin.Close()
		p.cmd.Wait()
		p.logger.Debug("external model killed")
		return nil
	}
	if p.broken == nil {
		p.in.WriteString("STOP\n")
		p.in.Flush()
	}
	p.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("external model exited: %w", err)
		}
		p.logger.Debug("external model stopped")
		return nil
	case <-time.After(p.stopTimeout):
		p.cmd.Process.Kill()
		<-done
		return fmt.Errorf("external model did not stop within %s: %w", p.stopTimeout, calerr.ErrOther)
	}
}

func (p *Process) kill() {
	p.stdin.Close()
	p.cmd.Process.Kill()
	p.cmd.Wait()
	p.closed = true
}

// NewModel wraps a started process as a Model over its declared parameters
// and outputs.
func NewModel(p *Process, opts model.Options) (*model.Core, error) {
	return model.New(p, p.header.Parameters, p.header.OutputNames, opts)
}

// expandCovariance turns the raw values of mode into a row-major m x m
// matrix. Triangular input lists the upper triangle row by row.
func expandCovariance(mode CovarianceMode, m int, raw []float64) []float64 {
	cov := make([]float64, m*m)
	switch mode {
	case CovarianceDiagonal:
		for i, v := range raw {
			cov[i*(m+1)] = v
		}
	case CovarianceTriangular:
		k := 0
		for i := 0; i < m; i++ {
			for j := i; j < m; j++ {
				cov[i*m+j] = raw[k]
				cov[j*m+i] = raw[k]
				k++
			}
		}
	case CovarianceFull:
		copy(cov, raw)
	}
	return cov
}

func readHeader(tr *tokenReader) (Header, error) {
	var h Header
	if err := tr.expect("VERSION"); err != nil {
		return h, err
	}
	version, err := tr.count()
	if err != nil {
		return h, err
	}
	if version != ProtocolVersion {
		return h, fmt.Errorf("unknown protocol version %d: %w", version, calerr.ErrOther)
	}

	if err := tr.expect("PARAMETERS"); err != nil {
		return h, err
	}
	np, err := tr.count()
	if err != nil {
		return h, err
	}
	if np == 0 {
		return h, fmt.Errorf("no parameters declared: %w", calerr.ErrShapeMismatch)
	}
	for i := 0; i < np; i++ {
		name, err := tr.token()
		if err != nil {
			return h, err
		}
		kind, err := tr.token()
		if err != nil {
			return h, err
		}
		vals, err := tr.floats(2)
		if err != nil {
			return h, fmt.Errorf("parameter %q: %w", name, err)
		}
		prior, err := distribution.New(distribution.Kind(strings.ToLower(kind)), vals[0], vals[1])
		if err != nil {
			return h, fmt.Errorf("parameter %q: %v: %w", name, err, calerr.ErrOther)
		}
		h.Parameters = append(h.Parameters, models.NewParameter(name, prior))
	}

	if err := tr.expect("OUTPUTS"); err != nil {
		return h, err
	}
	m, err := tr.count()
	if err != nil {
		return h, err
	}
	if m == 0 {
		return h, fmt.Errorf("no outputs declared: %w", calerr.ErrShapeMismatch)
	}
	for i := 0; i < m; i++ {
		name, err := tr.token()
		if err != nil {
			return h, err
		}
		h.OutputNames = append(h.OutputNames, name)
	}

	next, err := tr.token()
	if err != nil {
		return h, err
	}
	switch next {
	case "COVARIANCE":
		format, err := tr.token()
		if err != nil {
			return h, err
		}
		switch format {
		case "FULL_MATRIX":
			h.Covariance = CovarianceFull
		case "TRIANGULAR_MATRIX":
			h.Covariance = CovarianceTriangular
		default:
			return h, fmt.Errorf("unsupported covariance format %q: %w", format, calerr.ErrOther)
		}
		if err := checkSize(tr, h.Covariance, m); err != nil {
			return h, err
		}
		if next, err = tr.token(); err != nil {
			return h, err
		}
	case "VARIANCE":
		h.Covariance = CovarianceDiagonal
		if err := checkSize(tr, h.Covariance, m); err != nil {
			return h, err
		}
		if next, err = tr.token(); err != nil {
			return h, err
		}
	}
	if next != "END_OF_HEADER" {
		return h, fmt.Errorf("expected END_OF_HEADER, got %q: %w", next, calerr.ErrOther)
	}
	h.Comments = tr.comments
	return h, nil
}

func checkSize(tr *tokenReader, mode CovarianceMode, m int) error {
	n, err := tr.count()
	if err != nil {
		return err
	}
	if want := mode.entries(m); n != want {
		return fmt.Errorf("%s size %d, want %d for %d outputs: %w", mode, n, want, m, calerr.ErrShapeMismatch)
	}
	return nil
}

// tokenReader splits a stream into whitespace-separated tokens. A token
// starting with '#' begins a comment that runs to the end of its line.
type tokenReader struct {
	r        *bufio.Reader
	comments []string
}

func newTokenReader(r io.Reader) *tokenReader {
	return &tokenReader{r: bufio.NewReader(r)}
}

func (tr *tokenReader) token() (string, error) {
	for {
		c, err := tr.r.ReadByte()
		if err != nil {
			return "", eof(err)
		}
		if c == '#' {
			line, err := tr.r.ReadString('\n')
			tr.comments = append(tr.comments, strings.TrimSpace(line))
			if err != nil {
				return "", eof(err)
			}
			continue
		}
		if !unicode.IsSpace(rune(c)) {
			tr.r.UnreadByte()
			break
		}
	}
	var b strings.Builder
	for {
		c, err := tr.r.ReadByte()
		if err == io.EOF && b.Len() > 0 {
			return b.String(), nil
		}
		if err != nil {
			return "", eof(err)
		}
		if unicode.IsSpace(rune(c)) {
			return b.String(), nil
		}
		b.WriteByte(c)
	}
}

func (tr *tokenReader) expect(keyword string) error {
	tok, err := tr.token()
	if err != nil {
		return fmt.Errorf("expected %s: %w", keyword, err)
	}
	if tok != keyword {
		return fmt.Errorf("expected %s, got %q: %w", keyword, tok, calerr.ErrOther)
	}
	return nil
}

func (tr *tokenReader) count() (int, error) {
	tok, err := tr.token()
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(tok)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("bad count %q: %w", tok, calerr.ErrOther)
	}
	return n, nil
}

func (tr *tokenReader) floats(n int) ([]float64, error) {
	vals := make([]float64, n)
	for i := range vals {
		tok, err := tr.token()
		if err != nil {
			return nil, err
		}
		if vals[i], err = strconv.ParseFloat(tok, 64); err != nil {
			return nil, fmt.Errorf("bad number %q: %w", tok, calerr.ErrOther)
		}
	}
	return vals, nil
}

func eof(err error) error {
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("external model closed its output: %w", calerr.ErrOther)
	}
	return err
}
