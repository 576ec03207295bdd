// Package calerr defines the error taxonomy shared by the emulator, models and
// samplers. Callers wrap the sentinels with fmt.Errorf("...: %w") and test
// them with errors.Is.
package calerr

import "errors"

var (
	// ErrShapeMismatch reports inconsistent vector or matrix dimensions.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrDecomposition reports a failed eigendecomposition.
	ErrDecomposition = errors.New("decomposition failed")

	// ErrSingularMatrix reports a matrix that is not positive definite.
	ErrSingularMatrix = errors.New("singular matrix")

	// ErrNotTrained reports a prediction request against an untrained emulator.
	ErrNotTrained = errors.New("emulator not trained")

	// ErrNotReady reports use of a model or sampler before setup completed.
	ErrNotReady = errors.New("not ready")

	// ErrInvalidParameterIndex reports an unknown parameter name or index.
	ErrInvalidParameterIndex = errors.New("invalid parameter index")

	// ErrConvergenceFailure reports an iterative procedure that gave up.
	ErrConvergenceFailure = errors.New("convergence failure")

	// ErrFileNotFound reports a missing input file.
	ErrFileNotFound = errors.New("file not found")

	// ErrOther covers everything else, including unsupported operations.
	ErrOther = errors.New("other error")
)

// Exit codes returned by the CLI.
const (
	ExitSuccess   = 0
	ExitFailure   = 1
	ExitUsage     = 2
	ExitNumerical = 3
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrShapeMismatch, "shape_mismatch"},
	{ErrDecomposition, "decomposition"},
	{ErrSingularMatrix, "singular_matrix"},
	{ErrNotTrained, "not_trained"},
	{ErrNotReady, "not_ready"},
	{ErrInvalidParameterIndex, "invalid_parameter_index"},
	{ErrConvergenceFailure, "convergence_failure"},
	{ErrFileNotFound, "file_not_found"},
	{ErrOther, "other"},
}

// Kind returns the taxonomy name of err, "" for nil and "unknown" for
// errors outside the taxonomy.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "unknown"
}

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, ErrShapeMismatch),
		errors.Is(err, ErrFileNotFound),
		errors.Is(err, ErrInvalidParameterIndex),
		errors.Is(err, ErrNotReady),
		errors.Is(err, ErrNotTrained):
		return ExitUsage
	case errors.Is(err, ErrDecomposition),
		errors.Is(err, ErrSingularMatrix),
		errors.Is(err, ErrConvergenceFailure):
		return ExitNumerical
	default:
		return ExitFailure
	}
}
