package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nvandessel/gpcal/internal/analysis"
	"github.com/nvandessel/gpcal/internal/emulator"
)

func newPCADecomposeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pca-decompose",
		Short: "Compute the principal components of the training outputs",
		Long: `Load the training runs, standardize their outputs and compute the
principal components. The decomposition is saved in emulator_state.dat; the
emulator is left untrained.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			em, td, err := e.dir.LoadTrainingEmulator(emulator.Options{
				UseModelError: e.cfg.Sampler.UseModelError,
				Logger:        e.logger,
			})
			if err != nil {
				return err
			}
			if err := em.PrincipalComponentDecompose(e.cfg.Emulator.PCAFraction); err != nil {
				return err
			}
			if err := e.dir.SaveEmulator(em); err != nil {
				return err
			}
			info, err := em.PCA()
			if err != nil {
				return err
			}

			if e.jsonOut {
				return e.printJSON(map[string]any{
					"runs":                len(td.Runs),
					"retained_components": info.Retained,
					"eigenvalues":         info.Eigenvalues,
					"output_means":        info.Means,
				})
			}
			fmt.Fprintf(e.out, "Decomposed %d outputs from %d runs; %d components retained (fraction %g)\n",
				len(info.Eigenvalues), len(td.Runs), info.Retained, info.Fraction)
			tw := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "component\teigenvalue\tretained")
			for k, v := range info.Eigenvalues {
				fmt.Fprintf(tw, "%d\t%.6g\t%v\n", k, v, k < info.Retained)
			}
			return tw.Flush()
		},
	}
}

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the Gaussian process emulator",
		Long: `Train one Gaussian process per retained principal component and save
the emulator to emulator_state.dat.

With training_rigor "basic" the hyperparameters come from the settings and
the prior interquartile ranges. With "optimized" they are then refitted by
maximizing each component's marginal likelihood.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			if rigor, _ := cmd.Flags().GetString("rigor"); rigor != "" {
				e.cfg.Emulator.TrainingRigor = rigor
				if err := e.cfg.Validate(); err != nil {
					return err
				}
			}
			opts, err := e.cfg.TrainingOptions()
			if err != nil {
				return err
			}

			em, td, err := e.dir.LoadTrainingEmulator(emulator.Options{
				UseModelError: e.cfg.Sampler.UseModelError,
				Logger:        e.logger,
			})
			if err != nil {
				return err
			}
			if err := em.BasicTraining(opts); err != nil {
				return err
			}
			if e.cfg.Emulator.TrainingRigor == "optimized" {
				ctx, stop := signalContext(cmd.Context())
				defer stop()
				if err := em.OptimizeHyperparameters(ctx, e.cfg.Emulator.OptimizerEvaluations); err != nil {
					return err
				}
			}
			if err := e.dir.SaveEmulator(em); err != nil {
				return err
			}

			subs := em.Submodels()
			if e.jsonOut {
				type submodelJSON struct {
					emulator.SubmodelInfo
					LogMarginalLikelihood any `json:"log_marginal_likelihood"`
				}
				out := make([]submodelJSON, len(subs))
				for i, s := range subs {
					out[i] = submodelJSON{SubmodelInfo: s, LogMarginalLikelihood: analysis.Finite(s.LogMarginalLikelihood)}
				}
				return e.printJSON(map[string]any{
					"status":         em.Status().String(),
					"training_rigor": e.cfg.Emulator.TrainingRigor,
					"runs":           len(td.Runs),
					"submodels":      out,
				})
			}
			fmt.Fprintf(e.out, "Trained %d components on %d runs (%s)\n", len(subs), len(td.Runs), e.cfg.Emulator.TrainingRigor)
			tw := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "component\tkernel\tamplitude\tlog marginal likelihood")
			for k, s := range subs {
				fmt.Fprintf(tw, "%d\t%s\t%.6g\t%.6g\n", k, s.CovarianceFunction, s.Hyperparameters.Amplitude, s.LogMarginalLikelihood)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().String("rigor", "", "Training rigor: basic or optimized (default from settings)")

	return cmd
}
