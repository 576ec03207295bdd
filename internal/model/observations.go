package model

import (
	"bufio"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/nvandessel/gpcal/internal/calerr"
	"github.com/nvandessel/gpcal/internal/constants"
)

// LoadObservations reads "<name> <value> <uncertainty>" lines and installs
// the values with a diagonal covariance of uncertainty squared. Text after
// '#' is ignored. Outputs with no line keep value 0 and variance 1.
func (c *Core) LoadObservations(r io.Reader) error {
	m := len(c.outputNames)
	values := make([]float64, m)
	cov := make([]float64, m*m)
	for i := 0; i < m; i++ {
		cov[i*(m+1)] = 1
	}
	found := make([]bool, m)

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 3 {
			return fmt.Errorf("observations line %d: want name, value and uncertainty: %w", lineNo, calerr.ErrOther)
		}
		value, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return fmt.Errorf("observations line %d: bad value %q: %w", lineNo, fields[1], calerr.ErrOther)
		}
		unc, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return fmt.Errorf("observations line %d: bad uncertainty %q: %w", lineNo, fields[2], calerr.ErrOther)
		}

		idx := slices.Index(c.outputNames, fields[0])
		if idx < 0 {
			c.logger.Warn("observation does not match any output", "name", fields[0], "line", lineNo)
			continue
		}
		values[idx] = value
		cov[idx*(m+1)] = unc * unc
		found[idx] = true
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading observations: %w", err)
	}

	for i, ok := range found {
		if !ok && c.outputNames[i] != constants.LogLikelihoodName {
			c.logger.Warn("no observation for output; using 0 with unit variance", "output", c.outputNames[i])
		}
	}

	if err := c.SetObservedValues(values); err != nil {
		return err
	}
	return c.SetObservedCovariance(cov)
}
