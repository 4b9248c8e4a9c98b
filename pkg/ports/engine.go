package ports

import (
	"context"

	"github.com/istresearch/rapidpro-sub000/pkg/domain"
)

// FlowEngine is the surface adapters (HTTP, MCP, bus consumers) drive.
type FlowEngine interface {
	// Start puts a contact into a flow.
	Start(ctx context.Context, req domain.StartRequest) (*domain.Outcome, error)

	// Handle applies an inbound event. Redelivering the same event UUID is a no-op.
	Handle(ctx context.Context, event domain.Event) (*domain.Outcome, error)

	// SaveRevision validates and stores a new flow revision.
	SaveRevision(ctx context.Context, req domain.RevisionRequest) (*domain.Revision, error)
}

// Reporter is the statistics read interface.
type Reporter interface {
	RunStats(ctx context.Context, flowUUID string) (*domain.RunStats, error)
	CategoryCounts(ctx context.Context, flowUUID string) ([]domain.ResultSummary, error)
	Activity(ctx context.Context, flowUUID string) (*domain.Activity, error)
	RecentRuns(ctx context.Context, flowUUID string, key domain.PathKey) ([]domain.RecentRun, error)
}
