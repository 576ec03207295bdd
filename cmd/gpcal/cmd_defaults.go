package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nvandessel/gpcal/internal/config"
)

func newPrintDefaultsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "print-defaults",
		Short: "Print the effective settings",
		Long: `Print the settings in effect for the statistics directory: defaults,
overridden by settings.yaml, stat_params.dat and GPCAL_* environment
variables.

The output is YAML that can be saved as settings.yaml. With --legacy it is
a KEY value runtime parameter file.

Examples:
  gpcal print-defaults > settings.yaml
  gpcal print-defaults --legacy > stat_params.dat`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, _ := cmd.Flags().GetString("dir")
			jsonOut, _ := cmd.Flags().GetBool("json")
			legacy, _ := cmd.Flags().GetBool("legacy")

			// A missing directory is not an error here: the defaults are
			// still worth printing.
			cfg, err := config.Load(root)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			out := cmd.OutOrStdout()
			switch {
			case jsonOut:
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(cfg)
			case legacy:
				return cfg.WriteLegacy(out)
			default:
				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				if err := enc.Encode(cfg); err != nil {
					return err
				}
				return enc.Close()
			}
		},
	}

	cmd.Flags().Bool("legacy", false, "Print in the KEY value runtime parameter format")

	return cmd
}
