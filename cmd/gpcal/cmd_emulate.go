package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nvandessel/gpcal/internal/calerr"
	"github.com/nvandessel/gpcal/internal/distribution"
	"github.com/nvandessel/gpcal/internal/emulator"
	"github.com/nvandessel/gpcal/internal/external"
	"github.com/nvandessel/gpcal/internal/logging"
)

func newEmulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emulate",
		Short: "Serve the trained emulator over stdin and stdout",
		Long: `Read parameter vectors from stdin and answer each with the emulator's
mean outputs followed by the upper triangle of their covariance, one value
per line.

Unless the header is disabled, a header describing the parameters, outputs
and covariance layout is written first. The conversation follows the
external model protocol, so "gpcal emulate" can itself be used as an
external model executable. Input ends at EOF or a STOP line.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("no-header") {
				noHeader, _ := cmd.Flags().GetBool("no-header")
				e.cfg.Emulate.WriteHeader = !noHeader
			}
			logger := e.logger
			if e.cfg.Emulate.Quiet {
				logger = logging.NewLogger("warn", cmd.ErrOrStderr())
			}

			em, err := e.dir.LoadEmulator(emulator.Options{Logger: logger})
			if err != nil {
				return err
			}
			if st := em.Status(); st != emulator.StatusReady {
				return fmt.Errorf("emulator is %s: %w", st, calerr.ErrNotTrained)
			}
			return serveEmulator(em, cmd.InOrStdin(), e.out, e.cfg.Emulate.WriteHeader)
		},
	}

	cmd.Flags().Bool("no-header", false, "Do not write the protocol header")

	return cmd
}

// serveEmulator answers parameter vectors read from in until EOF or STOP.
func serveEmulator(em *emulator.Emulator, in io.Reader, out io.Writer, writeHeader bool) error {
	p, m := em.NumberOfParameters(), em.NumberOfOutputs()
	w := bufio.NewWriter(out)
	if writeHeader {
		fmt.Fprintf(w, "VERSION %d\nPARAMETERS\n%d\n", external.ProtocolVersion, p)
		for _, param := range em.Parameters() {
			switch prior := param.Prior.(type) {
			case *distribution.Uniform:
				fmt.Fprintf(w, "%s\tUNIFORM\t%s\t%s\n", param.Name, ftoa(prior.Min), ftoa(prior.Max))
			case *distribution.Gaussian:
				fmt.Fprintf(w, "%s\tGAUSSIAN\t%s\t%s\n", param.Name, ftoa(prior.Mean), ftoa(prior.StdDev))
			}
		}
		fmt.Fprintf(w, "OUTPUTS\n%d\n", m)
		for _, name := range em.OutputNames() {
			fmt.Fprintln(w, name)
		}
		fmt.Fprintf(w, "COVARIANCE\nTRIANGULAR_MATRIX\n%d\n", m*(m+1)/2)
		fmt.Fprintln(w, "END_OF_HEADER")
	}
	if err := w.Flush(); err != nil {
		return err
	}

	sc := bufio.NewScanner(in)
	sc.Split(bufio.ScanWords)
	point := make([]float64, 0, p)
	for sc.Scan() {
		tok := sc.Text()
		if tok == "STOP" {
			return nil
		}
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return fmt.Errorf("parameter value %q: %w", tok, calerr.ErrOther)
		}
		point = append(point, v)
		if len(point) < p {
			continue
		}

		pred, err := em.EmulatorOutputs(point, true)
		if err != nil {
			return err
		}
		for _, v := range pred.Mean {
			fmt.Fprintln(w, ftoa(v))
		}
		for i := 0; i < m; i++ {
			for j := i; j < m; j++ {
				fmt.Fprintln(w, ftoa(pred.Covariance[i*m+j]))
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
		point = point[:0]
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if len(point) != 0 {
		return fmt.Errorf("input ended after %d of %d parameter values: %w", len(point), p, calerr.ErrShapeMismatch)
	}
	return nil
}

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'g', 17, 64)
}
