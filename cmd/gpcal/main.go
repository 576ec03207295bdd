package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/nvandessel/gpcal/internal/calerr"
	"github.com/nvandessel/gpcal/internal/config"
	"github.com/nvandessel/gpcal/internal/logging"
	"github.com/nvandessel/gpcal/internal/statdir"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := newRootCmd()

	if err := rootCmd.Execute(); err != nil {
		jsonOut, _ := rootCmd.PersistentFlags().GetBool("json")
		if jsonOut {
			json.NewEncoder(os.Stdout).Encode(map[string]string{
				"error": err.Error(),
				"kind":  calerr.Kind(err),
			})
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(calerr.ExitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gpcal",
		Short: "Bayesian calibration with Gaussian process emulators",
		Long: `gpcal calibrates the parameters of an expensive simulation against
observed data.

It designs training runs, fits a PCA-reduced Gaussian process emulator to
their outputs, and samples the posterior over parameters with Markov chain
Monte Carlo, Langevin dynamics, gradient walks or a percentile grid.

All inputs and outputs live in a statistics directory (--dir).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	rootCmd.PersistentFlags().String("dir", ".", "Statistics directory")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: warn, info, debug or trace (overrides settings)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newPrintDefaultsCmd(),
		newGenerateTrainingPointsCmd(),
		newPCADecomposeCmd(),
		newTrainCmd(),
		newEmulateCmd(),
		newGenerateTraceCmd(),
		newAnalyzeTraceCmd(),
		newTracesCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{"version": version})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "gpcal version %s\n", version)
			}
		},
	}
}

// env is the per-command state shared by every subcommand that works on a
// statistics directory.
type env struct {
	dir     *statdir.Dir
	cfg     *config.Config
	logger  *slog.Logger
	level   string
	jsonOut bool
	out     io.Writer
}

// loadEnv opens the statistics directory, loads its settings and builds the
// logger. Command-line flags override settings.
func loadEnv(cmd *cobra.Command) (*env, error) {
	root, _ := cmd.Flags().GetString("dir")
	jsonOut, _ := cmd.Flags().GetBool("json")
	levelFlag, _ := cmd.Flags().GetString("log-level")

	dir, err := statdir.Open(root)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(dir.Root())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if levelFlag != "" {
		cfg.Logging.Level = levelFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v: %w", err, calerr.ErrOther)
	}
	dir.ModelOutput = cfg.Paths.ModelOutputDirectory
	dir.ExperimentalResults = cfg.Paths.ExperimentalResultsFile

	logger := logging.NewLogger(cfg.Logging.Level, cmd.ErrOrStderr())
	return &env{
		dir:     dir,
		cfg:     cfg,
		logger:  logger,
		level:   cfg.Logging.Level,
		jsonOut: jsonOut,
		out:     cmd.OutOrStdout(),
	}, nil
}

func (e *env) printJSON(v any) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// seed returns the configured seed, or a time-based one when it is zero.
func (e *env) seed() uint64 {
	if e.cfg.Sampler.Seed != 0 {
		return e.cfg.Sampler.Seed
	}
	return uint64(time.Now().UnixNano())
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	notifySignals(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}
