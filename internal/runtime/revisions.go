package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/istresearch/rapidpro-sub000/internal/compiler"
	"github.com/istresearch/rapidpro-sub000/internal/validator"
	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/istresearch/rapidpro-sub000/pkg/session"
)

// SaveRevision validates a definition and appends it as the flow's new
// current revision. Saves based on a stale revision or an older definition
// schema are rejected so one editor never silently overwrites another.
func (e *Engine) SaveRevision(ctx context.Context, req domain.RevisionRequest) (*domain.Revision, error) {
	var rev *domain.Revision
	err := e.locker.WithLock(ctx, session.RevisionKey(req.FlowUUID), func(ctx context.Context) error {
		var err error
		rev, err = e.saveRevision(ctx, req)
		return err
	})
	return rev, err
}

func (e *Engine) saveRevision(ctx context.Context, req domain.RevisionRequest) (*domain.Revision, error) {
	flow, err := e.flows.GetFlow(ctx, req.FlowUUID)
	if err != nil {
		return nil, err
	}

	if req.BaseRevision < flow.Revision {
		return nil, &domain.FlowUserConflictError{
			FlowUUID:        flow.UUID,
			CurrentRevision: flow.Revision,
			BaseRevision:    req.BaseRevision,
			SavedBy:         flow.SavedBy,
		}
	}
	specVersion := req.SpecVersion
	if specVersion == 0 {
		specVersion = domain.CurrentSpecVersion
	}
	if specVersion < flow.SpecVersion {
		return nil, &domain.FlowVersionConflictError{
			FlowUUID:       flow.UUID,
			CurrentVersion: flow.SpecVersion,
			ClientVersion:  specVersion,
		}
	}

	g, err := compiler.Parse(req.Definition)
	if err != nil {
		return nil, &domain.FlowValidationError{Problems: []string{err.Error()}}
	}
	if err := validator.Validate(g); err != nil {
		var cycle *domain.InvalidCycleError
		if errors.As(err, &cycle) {
			e.logger.Info("rejected flow with a passive loop", "flow_uuid", flow.UUID, "nodes", cycle.NodeUUIDs)
		}
		return nil, err
	}

	now := e.now()
	rev := &domain.Revision{
		FlowUUID:    flow.UUID,
		Number:      flow.Revision + 1,
		SpecVersion: specVersion,
		Definition:  req.Definition,
		CreatedBy:   req.SavedBy,
		CreatedOn:   now,
	}
	flow.Revision = rev.Number
	flow.SpecVersion = specVersion
	flow.SavedBy = req.SavedBy
	flow.SavedOn = now
	if g.BaseLanguage != "" {
		flow.BaseLanguage = g.BaseLanguage
	}

	if err := e.flows.AppendRevision(ctx, flow, rev); err != nil {
		return nil, fmt.Errorf("failed to append revision: %w", err)
	}
	e.logger.Info("saved flow revision", "flow_uuid", flow.UUID, "revision", rev.Number, "saved_by", req.SavedBy)
	return rev, nil
}
