package runtime

import (
	"context"
	"errors"

	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/istresearch/rapidpro-sub000/pkg/rules"
)

// startChild parks the parent at a subflow step and walks a new child run.
// The parent stays active but is neither waiting nor expiring; its fate is
// decided when the child ends.
func (e *Engine) startChild(ctx context.Context, sp *sprint, parent *domain.Run, rs *domain.RuleStep) error {
	if rs.Subflow == nil || rs.Subflow.FlowUUID == "" {
		e.logger.Error("subflow step has no flow, interrupting run", "run_uuid", parent.UUID, "node_uuid", rs.UUID)
		return e.finish(ctx, sp, parent, domain.StatusInterrupted)
	}
	e.park(parent, domain.StatusActive)

	child := domain.NewRun(e.newUUID(), rs.Subflow.FlowUUID, parent.ContactUUID, sp.now)
	child.ParentUUID = parent.UUID
	child.Language = parent.Language
	for k, v := range parent.Extra {
		child.Extra[k] = v
	}
	e.logger.Debug("starting subflow", "parent_uuid", parent.UUID, "run_uuid", child.UUID, "flow_uuid", child.FlowUUID)
	return e.enter(ctx, sp, child)
}

// resumeParent continues a parked parent after its child completed. The
// child's results become visible to the parent as @extra.child.<key>.
func (e *Engine) resumeParent(ctx context.Context, sp *sprint, parent, child *domain.Run) error {
	logger := e.logger.With("run_uuid", parent.UUID, "child_uuid", child.UUID)

	g, err := e.graph(ctx, sp, parent.FlowUUID)
	if errors.Is(err, domain.ErrFlowNotFound) || errors.Is(err, domain.ErrNoRevision) {
		logger.Error("parent flow definition gone, interrupting run", "error", err)
		return e.finish(ctx, sp, parent, domain.StatusInterrupted)
	}
	if err != nil {
		return err
	}

	node, ok := g.Node(parent.CurrentNode)
	rs, isRuleStep := node.(*domain.RuleStep)
	if !ok || !isRuleStep || rs.Type != domain.RuleStepSubflow {
		logger.Error("parent is not parked at a subflow step, interrupting run",
			"error", &domain.MissingNodeError{FlowUUID: parent.FlowUUID, NodeUUID: parent.CurrentNode})
		return e.finish(ctx, sp, parent, domain.StatusInterrupted)
	}

	for key, result := range child.Results {
		parent.Extra["child."+key] = result.Value
		parent.Extra["child."+key+".category"] = result.Category
	}
	if text, ok := sp.lastText[child.UUID]; ok {
		sp.lastText[parent.UUID] = text
	}

	rctx := e.rulesContext(parent, sp.now)
	rctx.SubflowExit = rules.SubflowCompleted
	rule := e.route(sp, g, parent, rs, rules.SubflowCompleted, rctx)
	if rule == nil {
		return e.finish(ctx, sp, parent, domain.StatusCompleted)
	}
	return e.walk(ctx, sp, g, parent, rule.UUID, rule.Destination)
}
