package ports

import (
	"context"

	"github.com/istresearch/rapidpro-sub000/pkg/domain"
)

// FlowRepository stores flows and their revisions.
type FlowRepository interface {
	// GetFlow returns domain.ErrFlowNotFound if the flow does not exist.
	GetFlow(ctx context.Context, flowUUID string) (*domain.Flow, error)

	// SaveFlow creates or updates flow metadata.
	SaveFlow(ctx context.Context, flow *domain.Flow) error

	// GetRevision returns a revision; number 0 means the current one.
	// Returns domain.ErrNoRevision when the flow has none.
	GetRevision(ctx context.Context, flowUUID string, number int) (*domain.Revision, error)

	// AppendRevision stores rev and makes it the flow's current revision.
	AppendRevision(ctx context.Context, flow *domain.Flow, rev *domain.Revision) error
}

// GraphLoader returns parsed graphs. Revision 0 means current.
type GraphLoader interface {
	GetGraph(ctx context.Context, flowUUID string, revision int) (*domain.Graph, error)
}
