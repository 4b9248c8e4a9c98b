package ports

import (
	"context"
	"time"

	"github.com/istresearch/rapidpro-sub000/pkg/domain"
)

// RunStore persists runs and answers the queries the engine and the
// reporting layer need.
type RunStore interface {
	// Save creates or replaces a run.
	Save(ctx context.Context, run *domain.Run) error

	// Get retrieves a run. Returns domain.ErrRunNotFound if it does not exist.
	Get(ctx context.Context, runUUID string) (*domain.Run, error)

	// Delete removes a run.
	Delete(ctx context.Context, runUUID string) error

	// ActiveForContact returns the contact's active runs, oldest first.
	ActiveForContact(ctx context.Context, contactUUID string) ([]*domain.Run, error)

	// ListExpired returns waiting runs whose expires_on is at or before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Run, error)

	// ListTimedOut returns waiting runs whose timeout_on is at or before now.
	ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*domain.Run, error)

	// CountByStatus counts a flow's runs per status.
	CountByStatus(ctx context.Context, flowUUID string) (map[domain.RunStatus]int, error)

	// WaitingByNode counts a flow's WAITING runs per current node. Parked
	// parents are not waiting and are left out.
	WaitingByNode(ctx context.Context, flowUUID string) (map[string]int, error)
}

// ActivityRecorder accepts counter deltas. Writes are append-only so
// implementations never need a lock.
type ActivityRecorder interface {
	Record(ctx context.Context, batch domain.ActivityBatch) error
}

// CounterStore keeps the activity counters of every flow.
type CounterStore interface {
	ActivityRecorder

	// PathCounts sums squashed totals and pending deltas per edge.
	PathCounts(ctx context.Context, flowUUID string) (map[domain.PathKey]int64, error)

	// NodeCounts sums squashed totals and pending deltas per node.
	NodeCounts(ctx context.Context, flowUUID string) (map[string]int64, error)

	// CategoryCounts sums squashed totals and pending deltas per category.
	CategoryCounts(ctx context.Context, flowUUID string) (map[domain.CategoryKey]int64, error)

	// RecentRuns returns the newest samples for an edge, newest first.
	RecentRuns(ctx context.Context, flowUUID string, key domain.PathKey) ([]domain.RecentRun, error)

	// Squash collapses every key's delta rows up to a watermark into a single
	// row. It returns the number of rows removed. Running it again with no new
	// deltas changes nothing.
	Squash(ctx context.Context) (int, error)
}
