package store

import "path/filepath"

// DatabaseFile is the trace database name inside a statistics directory.
const DatabaseFile = "traces.db"

// DefaultPath returns the trace database path for a statistics directory.
func DefaultPath(statDir string) string {
	return filepath.Join(statDir, DatabaseFile)
}
