package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nvandessel/gpcal/internal/analysis"
	"github.com/nvandessel/gpcal/internal/calerr"
	"github.com/nvandessel/gpcal/internal/constants"
	"github.com/nvandessel/gpcal/internal/logging"
	"github.com/nvandessel/gpcal/internal/metrics"
	"github.com/nvandessel/gpcal/internal/random"
	"github.com/nvandessel/gpcal/internal/sampler"
	"github.com/nvandessel/gpcal/internal/sampling"
	"github.com/nvandessel/gpcal/internal/statdir"
	"github.com/nvandessel/gpcal/internal/store"
)

func newGenerateTraceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate-trace [trace-file]",
		Short: "Sample the posterior and write a CSV trace",
		Long: `Run a sampler against the trained emulator, an external model or the
built-in gaussian2d test model and write the production samples as CSV
under trace/. Burn-in samples are drawn but not written.

Each run is also recorded in traces.db unless --no-store is given.
Interrupting the command (Ctrl+C) stops sampling after the current draw
and keeps everything written so far.

Examples:
  gpcal generate-trace
  gpcal generate-trace --sampler Langevin --samples 5000 langevin.csv
  gpcal generate-trace --model external --fix beta=0.5`,
		Args: cobra.MaximumNArgs(1),
		RunE: runGenerateTrace,
	}

	cmd.Flags().String("sampler", "", "Sampler: MetropolisHastings, Langevin, GradientAscent, GradientDescent or PercentileGrid")
	cmd.Flags().Int("samples", 0, "Number of production samples (default from settings)")
	cmd.Flags().Int("burn-in", 0, "Number of burn-in samples (default from settings)")
	cmd.Flags().Uint64("seed", 0, "Random seed (default from settings, 0 = time based)")
	cmd.Flags().String("model", "", "Model: emulator, external or gaussian2d (default: external when configured, else emulator)")
	cmd.Flags().StringSlice("fix", nil, "Hold a parameter fixed, as name=value (repeatable)")
	cmd.Flags().String("metrics-file", "", "Write sampler metrics in Prometheus text format to this file")
	cmd.Flags().Bool("no-store", false, "Do not record the run in traces.db")
	cmd.Flags().Bool("progress", true, "Print progress to stderr")

	return cmd
}

func runGenerateTrace(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("sampler") {
		e.cfg.Sampler.Kind, _ = flags.GetString("sampler")
	}
	if flags.Changed("samples") {
		e.cfg.Sampler.Samples, _ = flags.GetInt("samples")
	}
	if flags.Changed("burn-in") {
		e.cfg.Sampler.BurnIn, _ = flags.GetInt("burn-in")
	}
	if flags.Changed("seed") {
		e.cfg.Sampler.Seed, _ = flags.GetUint64("seed")
	}
	if err := e.cfg.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, calerr.ErrOther)
	}
	kind := constants.SamplerKind(e.cfg.Sampler.Kind)

	modelFlag, _ := flags.GetString("model")
	source, err := e.modelSource(modelFlag)
	if err != nil {
		return err
	}
	fixFlags, _ := flags.GetStringSlice("fix")
	fixed, err := parseFixed(fixFlags)
	if err != nil {
		return err
	}
	metricsFile, _ := flags.GetString("metrics-file")
	noStore, _ := flags.GetBool("no-store")
	showProgress, _ := flags.GetBool("progress")

	name := string(kind) + ".csv"
	if len(args) == 1 {
		name = args[0]
	}
	tracePath, err := e.dir.TracePath(name)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	m, closeModel, err := e.openModel(ctx, source, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if err := closeModel(); err != nil {
			e.logger.Warn("closing model", "error", err)
		}
	}()

	decisions := logging.NewDecisionLogger(e.dir.Root(), e.level)
	defer decisions.Close()

	seed := e.seed()
	opts := e.cfg.SamplerOptions()
	opts.Decisions = decisions
	smp, err := sampler.New(kind, random.New(seed), opts)
	if err != nil {
		return err
	}

	recorder := metrics.NewRecorder(string(kind))
	observers := []sampling.Observer{recorder}

	var runID string
	var storeObserver *store.Observer
	if !noStore {
		st, err := store.Open(store.DefaultPath(e.dir.Root()))
		if err != nil {
			return err
		}
		defer st.Close()
		runID, err = st.CreateRun(ctx, store.RunInfo{
			Sampler:        string(kind),
			Model:          source,
			Seed:           seed,
			ParameterNames: m.ParameterNames(),
			OutputNames:    m.OutputNames(),
			Settings:       runSettings(e, tracePath, fixFlags),
		})
		if err != nil {
			return err
		}
		// The store keeps recording after an interrupt so the partial run
		// is finished properly.
		storeObserver = store.NewObserver(context.WithoutCancel(ctx), st, runID, e.logger)
		observers = append(observers, storeObserver)
	}

	f, err := os.Create(tracePath)
	if err != nil {
		return fmt.Errorf("create trace file: %w", err)
	}

	runOpts := sampling.Options{
		Samples:       e.cfg.Sampler.Samples,
		BurnInSamples: e.cfg.Sampler.BurnIn,
		UseModelError: e.cfg.Sampler.UseModelError,
		Logger:        e.logger,
		Decisions:     decisions,
		Observers:     observers,
		Prepare:       fixParameters(fixed),
	}
	if showProgress && !e.jsonOut {
		runOpts.Progress = cmd.ErrOrStderr()
	}
	sum := sampling.NewWriter(smp, m, runOpts).Run(ctx, f)
	if err := f.Close(); err != nil && sum.Err == nil {
		sum.Err = fmt.Errorf("close trace file: %w", err)
	}

	if metricsFile != "" {
		if err := recorder.WriteTextfile(metricsFile); err != nil {
			e.logger.Warn("writing metrics", "file", metricsFile, "error", err)
		}
	}
	if storeObserver != nil {
		if err := storeObserver.Err(); err != nil {
			e.logger.Warn("trace store incomplete", "run_id", runID, "error", err)
		}
	}

	rel := statdir.RedactPath(tracePath)
	if e.jsonOut {
		result := map[string]any{
			"trace":               rel,
			"run_id":              runID,
			"seed":                seed,
			"sampler":             sum.Sampler,
			"model":               source,
			"burn_in":             sum.BurnIn,
			"written":             sum.Written,
			"failures":            sum.Failures,
			"acceptance_rate":     sum.AcceptanceRate,
			"best_log_likelihood": analysis.Finite(sum.BestLogLikelihood),
			"canceled":            sum.Canceled,
			"duration":            sum.Duration.String(),
			"exit_code":           sum.ExitCode,
		}
		if sum.Err != nil {
			result["error"] = sum.Err.Error()
			result["kind"] = calerr.Kind(sum.Err)
		}
		if err := e.printJSON(result); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(e.out, "Wrote %d samples to %s\n", sum.Written, rel)
		fmt.Fprintf(e.out, "  sampler:             %s (%s model, seed %d)\n", sum.Sampler, source, seed)
		fmt.Fprintf(e.out, "  acceptance rate:     %.4f\n", sum.AcceptanceRate)
		fmt.Fprintf(e.out, "  best log likelihood: %.6g\n", sum.BestLogLikelihood)
		if sum.Failures > 0 {
			fmt.Fprintf(e.out, "  failed draws:        %d\n", sum.Failures)
		}
		if runID != "" {
			fmt.Fprintf(e.out, "  run:                 %s\n", runID)
		}
	}

	if sum.Canceled {
		return fmt.Errorf("sampling interrupted after %d samples: %w", sum.Written, sum.Err)
	}
	return sum.Err
}

// parseFixed reads name=value pairs.
func parseFixed(pairs []string) (map[string]float64, error) {
	fixed := make(map[string]float64, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("--fix %q: want name=value: %w", pair, calerr.ErrOther)
		}
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("--fix %q: %v: %w", pair, err, calerr.ErrOther)
		}
		fixed[name] = v
	}
	return fixed, nil
}

// fixParameters deactivates each fixed parameter and moves it to its value.
func fixParameters(fixed map[string]float64) func(sampler.Sampler) error {
	if len(fixed) == 0 {
		return nil
	}
	return func(s sampler.Sampler) error {
		for name, v := range fixed {
			if err := s.DeactivateParameter(name); err != nil {
				return err
			}
			if err := s.SetParameterValue(name, v); err != nil {
				return err
			}
		}
		return nil
	}
}

// runSettings records the settings that shaped a run.
func runSettings(e *env, tracePath string, fixed []string) map[string]string {
	s := map[string]string{
		"trace":           statdir.RedactPath(tracePath),
		"samples":         strconv.Itoa(e.cfg.Sampler.Samples),
		"burn_in":         strconv.Itoa(e.cfg.Sampler.BurnIn),
		"use_model_error": strconv.FormatBool(e.cfg.Sampler.UseModelError),
	}
	switch constants.SamplerKind(e.cfg.Sampler.Kind) {
	case constants.SamplerMetropolisHastings:
		s["mcmc_step_size"] = strconv.FormatFloat(e.cfg.Sampler.MCMCStepSize, 'g', -1, 64)
	case constants.SamplerLangevin:
		l := e.cfg.Sampler.Langevin
		s["time_step"] = strconv.FormatFloat(l.TimeStep, 'g', -1, 64)
		s["kick_strength"] = strconv.FormatFloat(l.KickStrength, 'g', -1, 64)
		s["drag_coefficient"] = strconv.FormatFloat(l.DragCoefficient, 'g', -1, 64)
	case constants.SamplerGradientAscent, constants.SamplerGradientDescent:
		s["step_size"] = strconv.FormatFloat(e.cfg.Sampler.Gradient.StepSize, 'g', -1, 64)
	case constants.SamplerPercentileGrid:
		s["divisions"] = strconv.Itoa(e.cfg.Sampler.PercentileGrid.Divisions)
	}
	if len(fixed) > 0 {
		s["fixed"] = strings.Join(fixed, ",")
	}
	return s
}
