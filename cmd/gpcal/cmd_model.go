package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nvandessel/gpcal/internal/calerr"
	"github.com/nvandessel/gpcal/internal/emulator"
	"github.com/nvandessel/gpcal/internal/external"
	"github.com/nvandessel/gpcal/internal/model"
	"github.com/nvandessel/gpcal/internal/models"
)

// Model sources accepted by --model.
const (
	modelEmulator   = "emulator"
	modelExternal   = "external"
	modelGaussian2D = "gaussian2d"
)

// modelSource resolves an empty --model: the external executable when one is
// configured, otherwise the trained emulator.
func (e *env) modelSource(flag string) (string, error) {
	switch flag {
	case "":
		if e.cfg.External.Executable != "" {
			return modelExternal, nil
		}
		return modelEmulator, nil
	case modelEmulator, modelExternal, modelGaussian2D:
		return flag, nil
	}
	return "", fmt.Errorf("unknown model %q (valid: %s, %s, %s): %w",
		flag, modelEmulator, modelExternal, modelGaussian2D, calerr.ErrOther)
}

// openModel builds the model to sample. The returned close function stops an
// external process and is never nil.
func (e *env) openModel(ctx context.Context, source string, stderr io.Writer) (*model.Core, func() error, error) {
	noop := func() error { return nil }
	switch source {
	case modelGaussian2D:
		m, err := model.NewGaussian2D(model.DefaultGaussian2D(), e.logger)
		return m, noop, err

	case modelExternal:
		p, err := external.Start(ctx, e.cfg.External.Executable, e.cfg.External.Arguments, external.Options{
			Dir:             e.dir.Root(),
			Stderr:          stderr,
			EvaluateTimeout: time.Duration(e.cfg.External.EvaluateTimeoutSeconds * float64(time.Second)),
			Logger:          e.logger,
		})
		if err != nil {
			return nil, noop, err
		}
		m, err := external.NewModel(p, model.Options{
			Logger:             e.logger,
			UseModelCovariance: e.cfg.Sampler.UseModelError,
		})
		if err != nil {
			p.Close()
			return nil, noop, err
		}
		if err := e.loadObservations(m); err != nil {
			p.Close()
			return nil, noop, err
		}
		return m, p.Close, nil

	default:
		em, err := e.dir.LoadEmulator(emulator.Options{
			UseModelError: e.cfg.Sampler.UseModelError,
			Logger:        e.logger,
		})
		if err != nil {
			return nil, noop, err
		}
		m, err := model.NewEmulated(em, e.logger)
		return m, noop, err
	}
}

// loadObservations installs the experimental results, when present.
func (e *env) loadObservations(m *model.Core) error {
	p, err := e.dir.Path(e.cfg.Paths.ExperimentalResultsFile)
	if err != nil {
		return err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		e.logger.Warn("no experimental results; observations default to zero",
			"file", e.cfg.Paths.ExperimentalResultsFile)
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	return m.LoadObservations(f)
}

// parametersFor returns the parameters of a model source without starting
// it. External models are described by the statistics directory's priors.
func (e *env) parametersFor(source string) ([]models.Parameter, error) {
	if source == modelGaussian2D {
		m, err := model.NewGaussian2D(model.DefaultGaussian2D(), e.logger)
		if err != nil {
			return nil, err
		}
		return m.Parameters(), nil
	}
	return e.dir.ReadParameters()
}
