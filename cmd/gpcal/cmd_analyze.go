package main

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/nvandessel/gpcal/internal/analysis"
	"github.com/nvandessel/gpcal/internal/calerr"
	"github.com/nvandessel/gpcal/internal/models"
	"github.com/nvandessel/gpcal/internal/sampling"
	"github.com/nvandessel/gpcal/internal/store"
)

func newAnalyzeTraceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze-trace [trace-file]",
		Short: "Summarize a trace: means, deviations and covariances",
		Long: `Compute per-parameter means, standard deviations and the parameter
covariance and correlation matrices of a trace, together with the best
sample and output summaries.

The trace is read from a CSV file (looked up in the statistics directory and
then under trace/) or, with --run, from traces.db.

Examples:
  gpcal analyze-trace MetropolisHastings.csv
  gpcal analyze-trace --run 3f2a --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: runAnalyzeTrace,
	}

	cmd.Flags().String("run", "", "Analyze a stored run (ID or unique prefix) instead of a file")
	cmd.Flags().String("model", "", "Model the trace was drawn from: emulator, external or gaussian2d")

	return cmd
}

func runAnalyzeTrace(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	runID, _ := cmd.Flags().GetString("run")
	modelFlag, _ := cmd.Flags().GetString("model")
	if (runID == "") == (len(args) == 0) {
		return fmt.Errorf("give either a trace file or --run: %w", calerr.ErrOther)
	}

	var (
		trace       *models.Trace
		source      string
		outputNames []string
		paramNames  []string
		params      []models.Parameter
	)
	if runID != "" {
		st, err := store.Open(store.DefaultPath(e.dir.Root()))
		if err != nil {
			return err
		}
		defer st.Close()
		info, err := st.Run(cmd.Context(), runID)
		if err != nil {
			return err
		}
		trace, err = st.LoadTrace(cmd.Context(), info.ID, string(sampling.PhaseProduction))
		if err != nil {
			return err
		}
		source = info.Model
		paramNames, outputNames = info.ParameterNames, info.OutputNames
	} else {
		path, err := e.dir.ResolveTrace(args[0])
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read trace: %w", err)
		}
		names, err := models.ReadCSVHeader(bytes.NewReader(data))
		if err != nil {
			return err
		}
		source, err = e.modelSource(modelFlag)
		if err != nil {
			return err
		}
		params, err = e.parametersFor(source)
		if err != nil {
			return err
		}
		if len(names) < len(params)+1 {
			return fmt.Errorf("trace header has %d columns for %d parameters: %w",
				len(names), len(params), calerr.ErrShapeMismatch)
		}
		paramNames = names[:len(params)]
		outputNames = names[len(params) : len(names)-1]
		trace, err = models.ImportCSV(bytes.NewReader(data), len(params), len(outputNames))
		if err != nil {
			return err
		}
	}
	if params == nil {
		if modelFlag != "" {
			source = modelFlag
		}
		if params, err = e.parametersFor(source); err != nil {
			return err
		}
	}
	if !slices.Equal(models.ParameterNames(params), paramNames) {
		return fmt.Errorf("trace parameters %v do not match model parameters %v: %w",
			paramNames, models.ParameterNames(params), calerr.ErrShapeMismatch)
	}

	report, err := analysis.Analyze(trace, params, outputNames)
	if err != nil {
		return err
	}
	if e.jsonOut {
		return e.printJSON(report)
	}
	return report.WriteText(e.out)
}
