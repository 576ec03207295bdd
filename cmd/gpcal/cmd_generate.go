package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nvandessel/gpcal/internal/calerr"
	"github.com/nvandessel/gpcal/internal/lhs"
	"github.com/nvandessel/gpcal/internal/random"
)

func newGenerateTrainingPointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate-training-points",
		Short: "Write a Latin hypercube design of simulation runs",
		Long: `Generate a Latin hypercube design over the parameter priors and write
one model_output/runNNNN/parameters.dat per point.

Run the simulation in each run directory and write its results.dat before
training the emulator.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("points") {
				e.cfg.Generation.Points, _ = cmd.Flags().GetInt("points")
			}
			if cmd.Flags().Changed("seed") {
				e.cfg.Sampler.Seed, _ = cmd.Flags().GetUint64("seed")
			}
			force, _ := cmd.Flags().GetBool("force")

			params, err := e.dir.ReadParameters()
			if err != nil {
				return err
			}

			existing, err := e.dir.RunDirectories()
			if err != nil && !errors.Is(err, calerr.ErrFileNotFound) {
				return err
			}
			if len(existing) > 0 && !force {
				return fmt.Errorf("%s already holds %d runs (use --force to overwrite): %w",
					e.cfg.Paths.ModelOutputDirectory, len(existing), calerr.ErrOther)
			}

			seed := e.seed()
			gen := lhs.New(random.New(seed), e.cfg.LHSOptions())
			points, err := gen.Generate(e.cfg.Generation.Points, params)
			if err != nil {
				return err
			}
			runs, err := e.dir.WriteTrainingPoints(params, points)
			if err != nil {
				return err
			}
			e.logger.Info("training points written",
				"points", len(runs),
				"parameters", len(params),
				"maximin", e.cfg.Generation.UseMaximin,
				"seed", seed)

			if e.jsonOut {
				return e.printJSON(map[string]any{
					"directory": e.cfg.Paths.ModelOutputDirectory,
					"runs":      runs,
					"seed":      seed,
				})
			}
			fmt.Fprintf(e.out, "Wrote %d training points to %s\n", len(runs), e.cfg.Paths.ModelOutputDirectory)
			return nil
		},
	}

	cmd.Flags().Int("points", 0, "Number of training points (default from settings)")
	cmd.Flags().Uint64("seed", 0, "Random seed (default from settings, 0 = time based)")
	cmd.Flags().Bool("force", false, "Overwrite existing run directories")

	return cmd
}
