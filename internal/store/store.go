package store

import (
	"context"

	"github.com/joescharf/remerge/internal/models"
)

// Store defines the persistence interface for the run ledger. Ledger writes
// are best effort from the orchestrator's point of view: a store error is
// reported but never fails a run.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, r *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	ListRuns(ctx context.Context, repoPath string, limit int) ([]*models.Run, error)
	UpdateRun(ctx context.Context, r *models.Run) error

	// Per-conflict outcomes, append-only within a run
	CreateOutcome(ctx context.Context, runID string, o *models.WorkerOutcome) error
	ListOutcomes(ctx context.Context, runID string) ([]*models.WorkerOutcome, error)

	// Triage dispatches
	CreateDispatch(ctx context.Context, d *models.TriageDispatch) error
	ListDispatches(ctx context.Context, runID string) ([]*models.TriageDispatch, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
