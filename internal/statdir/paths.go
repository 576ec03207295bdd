package statdir

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nvandessel/gpcal/internal/calerr"
)

// File and directory names inside a statistics directory.
const (
	ParameterPriorsFile     = "parameter_priors.dat"
	ObservableNamesFile     = "observable_names.dat"
	ModelOutputDir          = "model_output"
	ParametersFile          = "parameters.dat"
	ResultsFile             = "results.dat"
	ExperimentalResultsFile = "experimental_results.dat"
	EmulatorStateFile       = "emulator_state.dat"
	RuntimeParameterFile    = "stat_params.dat"
	SettingsFile            = "settings.yaml"
	TraceDir                = "trace"
	DecisionLogFile         = "sampler_decisions.jsonl"
)

// RedactPath reduces a full path to .../<parent>/<basename> for error messages.
// For example, "/home/user/stat/trace/mcmc.csv" becomes ".../trace/mcmc.csv".
func RedactPath(path string) string {
	if path == "" {
		return ""
	}
	cleaned := filepath.Clean(path)
	dir := filepath.Dir(cleaned)
	base := filepath.Base(cleaned)
	parent := filepath.Base(dir)
	if parent == "." || parent == string(filepath.Separator) {
		return base
	}
	return ".../" + parent + "/" + base
}

// ValidatePath checks that path lies inside root. Symlinks are resolved on
// the deepest existing ancestor, so the target itself need not exist yet.
func ValidatePath(path, root string) error {
	if path == "" {
		return fmt.Errorf("path validation failed: path is empty: %w", calerr.ErrOther)
	}
	if root == "" {
		return fmt.Errorf("path validation failed: no statistics directory: %w", calerr.ErrOther)
	}
	if strings.ContainsRune(path, '\x00') {
		return fmt.Errorf("path validation failed: path contains null byte: %w", calerr.ErrOther)
	}

	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("path validation failed: cannot resolve absolute path: %w", err)
	}
	resolvedDir, err := resolveExistingParent(filepath.Dir(absPath))
	if err != nil {
		return fmt.Errorf("path validation failed: cannot resolve parent directory: %w", err)
	}
	resolvedPath := filepath.Join(resolvedDir, filepath.Base(absPath))

	rootAbs, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return fmt.Errorf("path validation failed: cannot resolve statistics directory: %w", err)
	}
	rootResolved, err := resolveExistingParent(rootAbs)
	if err != nil {
		return fmt.Errorf("path validation failed: cannot resolve statistics directory: %w", err)
	}
	if !isSubpath(resolvedPath, rootResolved) {
		return fmt.Errorf("path validation failed: %q is outside the statistics directory: %w", RedactPath(absPath), calerr.ErrOther)
	}
	return nil
}

// resolveExistingParent walks up to the deepest existing ancestor, resolves
// its symlinks and re-appends the missing tail.
func resolveExistingParent(dir string) (string, error) {
	resolved, err := filepath.EvalSymlinks(dir)
	if err == nil {
		return resolved, nil
	}

	parent := filepath.Dir(dir)
	if parent == dir {
		return "", fmt.Errorf("cannot resolve path: %s", RedactPath(dir))
	}
	resolvedParent, err := resolveExistingParent(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedParent, filepath.Base(dir)), nil
}

// isSubpath checks whether path is equal to or below base.
func isSubpath(path, base string) bool {
	if path == base {
		return true
	}
	// "/tmp/foo" must not match "/tmp/foobar".
	return strings.HasPrefix(path, base+string(os.PathSeparator))
}
