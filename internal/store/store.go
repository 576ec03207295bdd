// Package store persists sampler runs and their traces.
package store

import (
	"context"
	"time"

	"github.com/nvandessel/gpcal/internal/models"
)

// RunStatus is the lifecycle state of a stored run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCanceled  RunStatus = "canceled"
	RunFailed    RunStatus = "failed"
)

// RunInfo describes one sampler run.
type RunInfo struct {
	ID             string            `json:"id"`
	Sampler        string            `json:"sampler"`
	Model          string            `json:"model"`
	Seed           uint64            `json:"seed"`
	ParameterNames []string          `json:"parameter_names"`
	OutputNames    []string          `json:"output_names"`
	Settings       map[string]string `json:"settings,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`

	Status            RunStatus  `json:"status"`
	Written           int        `json:"written"`
	Failures          int        `json:"failures"`
	AcceptanceRate    float64    `json:"acceptance_rate"`
	BestLogLikelihood float64    `json:"best_log_likelihood"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

// RunResult is recorded when a run ends.
type RunResult struct {
	Status            RunStatus
	Written           int
	Failures          int
	AcceptanceRate    float64
	BestLogLikelihood float64
}

// TraceStore stores runs and their samples.
type TraceStore interface {
	// CreateRun records a new run and returns its ID. An empty info.ID is
	// replaced by a fresh UUID.
	CreateRun(ctx context.Context, info RunInfo) (string, error)

	// AppendSamples stores a batch of samples of one phase.
	AppendSamples(ctx context.Context, runID, phase string, firstSeq int, samples []models.Sample) error

	// FinishRun records the outcome of a run.
	FinishRun(ctx context.Context, runID string, result RunResult) error

	// Runs lists runs, newest first.
	Runs(ctx context.Context) ([]RunInfo, error)

	// Run looks a run up by ID or unique ID prefix.
	Run(ctx context.Context, idOrPrefix string) (RunInfo, error)

	// LoadTrace returns the samples of one phase of a run in draw order.
	LoadTrace(ctx context.Context, runID, phase string) (*models.Trace, error)

	DeleteRun(ctx context.Context, runID string) error
	Close() error
}
