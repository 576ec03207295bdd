package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nvandessel/gpcal/internal/analysis"
	"github.com/nvandessel/gpcal/internal/sampling"
	"github.com/nvandessel/gpcal/internal/store"
)

func newTracesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "traces",
		Short: "Manage runs recorded in traces.db",
	}
	cmd.AddCommand(newTracesListCmd(), newTracesExportCmd(), newTracesDeleteCmd())
	return cmd
}

// openStore opens the statistics directory's trace store.
func openStore(cmd *cobra.Command) (*env, *store.SQLiteTraceStore, error) {
	e, err := loadEnv(cmd)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(store.DefaultPath(e.dir.Root()))
	if err != nil {
		return nil, nil, err
	}
	return e, st, nil
}

func newTracesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.Runs(cmd.Context())
			if err != nil {
				return err
			}
			if e.jsonOut {
				type runJSON struct {
					store.RunInfo
					BestLogLikelihood any `json:"best_log_likelihood"`
				}
				out := make([]runJSON, len(runs))
				for i, r := range runs {
					out[i] = runJSON{RunInfo: r, BestLogLikelihood: analysis.Finite(r.BestLogLikelihood)}
				}
				return e.printJSON(map[string]any{"runs": out, "count": len(runs)})
			}
			if len(runs) == 0 {
				fmt.Fprintln(e.out, "No runs recorded.")
				return nil
			}
			tw := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "id\tsampler\tmodel\tstatus\tsamples\tacceptance\tcreated")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%.4f\t%s\n",
					shortID(r.ID), r.Sampler, r.Model, r.Status, r.Written, r.AcceptanceRate,
					r.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
}

func newTracesExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <run-id>",
		Short: "Write a stored run as a CSV trace",
		Long: `Write one phase of a stored run in the CSV trace format, to stdout or to
--output. Runs can be named by a unique ID prefix.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			phase, _ := cmd.Flags().GetString("phase")
			output, _ := cmd.Flags().GetString("output")

			info, err := st.Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			trace, err := st.LoadTrace(cmd.Context(), info.ID, phase)
			if err != nil {
				return err
			}
			if output == "" {
				return trace.WriteCSV(e.out, info.ParameterNames, info.OutputNames)
			}

			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("create %s: %w", output, err)
			}
			if err := trace.WriteCSV(f, info.ParameterNames, info.OutputNames); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			if e.jsonOut {
				return e.printJSON(map[string]any{"run_id": info.ID, "phase": phase, "samples": trace.Len(), "output": output})
			}
			fmt.Fprintf(e.out, "Exported %d %s samples of run %s to %s\n", trace.Len(), phase, info.ID, output)
			return nil
		},
	}

	cmd.Flags().String("phase", string(sampling.PhaseProduction), "Phase to export: production or burn_in")
	cmd.Flags().StringP("output", "o", "", "Write to this file instead of stdout")

	return cmd
}

func newTracesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a stored run and its samples",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			info, err := st.Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := st.DeleteRun(cmd.Context(), info.ID); err != nil {
				return err
			}
			if e.jsonOut {
				return e.printJSON(map[string]any{"deleted": info.ID})
			}
			fmt.Fprintf(e.out, "Deleted run %s\n", info.ID)
			return nil
		},
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
