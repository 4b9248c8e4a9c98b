package runtime

import (
	"context"
	"errors"

	"github.com/istresearch/rapidpro-sub000/pkg/domain"
)

// resume applies event to a run sitting at a RuleStep. It reports false when
// the run was not waiting for this kind of event; the run is left alone then.
func (e *Engine) resume(ctx context.Context, sp *sprint, run *domain.Run, event domain.Event) (bool, error) {
	logger := e.logger.With("run_uuid", run.UUID, "flow_uuid", run.FlowUUID, "event_uuid", event.UUID)

	g, err := e.graph(ctx, sp, run.FlowUUID)
	if errors.Is(err, domain.ErrFlowNotFound) || errors.Is(err, domain.ErrNoRevision) {
		logger.Error("flow definition gone, interrupting run", "error", err)
		return true, e.finish(ctx, sp, run, domain.StatusInterrupted)
	}
	if err != nil {
		return false, err
	}

	node, ok := g.Node(run.CurrentNode)
	if !ok {
		logger.Error("current node missing from current revision, interrupting run",
			"error", &domain.MissingNodeError{FlowUUID: run.FlowUUID, NodeUUID: run.CurrentNode})
		return true, e.finish(ctx, sp, run, domain.StatusInterrupted)
	}
	rs, ok := node.(*domain.RuleStep)
	if !ok || run.Status != domain.StatusWaiting {
		return false, nil
	}

	switch event.Type {
	case domain.EventMsg:
		if !rs.Type.WaitsForMessage() {
			return false, nil
		}
		run.Responded = true
		run.ModifiedOn = sp.now
		sp.lastText[run.UUID] = event.Text
		run.Events = append(run.Events, domain.RunEvent{
			Type:      domain.RunEventMsgReceived,
			CreatedOn: event.CreatedOn,
			StepUUID:  run.CurrentStepUUID(),
			EventUUID: event.UUID,
			Payload:   map[string]any{"text": event.Text},
		})

		rule := e.route(sp, g, run, rs, event.Text, e.rulesContext(run, sp.now))
		if rule == nil {
			// nothing matched, keep waiting
			e.wait(g, run, rs)
			return true, nil
		}
		return true, e.walk(ctx, sp, g, run, rule.UUID, rule.Destination)

	case domain.EventTimeout:
		if !rs.Type.WaitsForMessage() || run.TimeoutOn == nil || run.TimeoutOn.After(sp.now) {
			return false, nil
		}
		run.Events = append(run.Events, domain.RunEvent{
			Type:      domain.RunEventWaitTimedOut,
			CreatedOn: event.CreatedOn,
			StepUUID:  run.CurrentStepUUID(),
			EventUUID: event.UUID,
		})

		rctx := e.rulesContext(run, sp.now)
		rctx.TimedOut = true
		rule := e.route(sp, g, run, rs, "", rctx)
		if rule == nil {
			run.TimeoutOn = nil
			return true, nil
		}
		return true, e.walk(ctx, sp, g, run, rule.UUID, rule.Destination)

	case domain.EventWebhookResult:
		if rs.Type != domain.RuleStepWebhook && rs.Type != domain.RuleStepResthook {
			return false, nil
		}
		if event.Webhook == nil {
			logger.Warn("webhook_result event without a result")
			return false, nil
		}
		if rs.Type == domain.RuleStepResthook {
			e.unsubscribe(ctx, rs.Resthook, event.Webhook.Unsubscribed)
		}
		rule := e.applyWebhookResult(sp, g, run, rs, event.Webhook, event.UUID)
		if rule == nil {
			return true, e.finish(ctx, sp, run, domain.StatusCompleted)
		}
		return true, e.walk(ctx, sp, g, run, rule.UUID, rule.Destination)
	}

	logger.Warn("unknown event type", "type", event.Type)
	return false, nil
}
