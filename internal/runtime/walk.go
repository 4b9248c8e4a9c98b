package runtime

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/istresearch/rapidpro-sub000/pkg/rules"
)

// enter registers a new run and walks it from the flow's entry node.
func (e *Engine) enter(ctx context.Context, sp *sprint, run *domain.Run) error {
	sp.add(run)
	g, err := e.graph(ctx, sp, run.FlowUUID)
	if err != nil {
		if errors.Is(err, domain.ErrFlowNotFound) || errors.Is(err, domain.ErrNoRevision) {
			e.logger.Warn("cannot start run, flow has no definition", "flow_uuid", run.FlowUUID, "error", err)
			return e.finish(ctx, sp, run, domain.StatusFailed)
		}
		return err
	}
	return e.walk(ctx, sp, g, run, "", g.Entry)
}

// walk advances run from exitUUID to dest and keeps going through nodes
// that need no input. It stops at a wait, when a child run takes over, when
// the graph runs out (COMPLETED) or when the visit budget is spent.
func (e *Engine) walk(ctx context.Context, sp *sprint, g *domain.Graph, run *domain.Run, exitUUID, dest string) error {
	logger := e.logger.With("run_uuid", run.UUID, "flow_uuid", run.FlowUUID)

	for dest != "" {
		if sp.visits >= e.visitLimit {
			logger.Warn("visit limit reached, completing run", "limit", e.visitLimit)
			return e.finish(ctx, sp, run, domain.StatusCompleted)
		}
		sp.visits++

		node, ok := g.Node(dest)
		if !ok {
			logger.Error("destination missing from current revision, interrupting run",
				"error", &domain.MissingNodeError{FlowUUID: run.FlowUUID, NodeUUID: dest})
			return e.finish(ctx, sp, run, domain.StatusInterrupted)
		}
		e.arrive(ctx, sp, run, exitUUID, node)

		switch n := node.(type) {
		case *domain.ActionStep:
			handoff := e.runActions(ctx, sp, g, run, n)
			if handoff != "" {
				return e.handoff(ctx, sp, run, handoff)
			}
			run.SetExit(n.ExitUUID)
			exitUUID, dest = n.ExitUUID, n.Destination

		case *domain.RuleStep:
			switch n.Type {
			case domain.RuleStepWaitMessage:
				e.wait(g, run, n)
				return nil

			case domain.RuleStepExpression:
				input := e.substitute(n.Operand, run)
				rule := e.route(sp, g, run, n, input, e.rulesContext(run, sp.now))
				if rule == nil {
					logger.Warn("no rule matched expression, completing run", "node_uuid", n.UUID)
					return e.finish(ctx, sp, run, domain.StatusCompleted)
				}
				exitUUID, dest = rule.UUID, rule.Destination

			case domain.RuleStepWebhook, domain.RuleStepResthook:
				result := e.callWebhook(ctx, sp, g, run, n)
				if result == nil {
					// the host makes the call and reports back
					e.park(run, domain.StatusWaiting)
					run.ExpiresOn = e.expiry(g, run)
					return nil
				}
				rule := e.applyWebhookResult(sp, g, run, n, result, "")
				if rule == nil {
					return e.finish(ctx, sp, run, domain.StatusCompleted)
				}
				exitUUID, dest = rule.UUID, rule.Destination

			case domain.RuleStepSubflow:
				return e.startChild(ctx, sp, run, n)

			case domain.RuleStepRandom:
				rule := &n.Rules[bucket(run.UUID, n.UUID, len(n.Rules))]
				e.recordResult(sp, g, run, n, rule, rule.Category.Name(g.BaseLanguage, g.BaseLanguage), "")
				run.SetExit(rule.UUID)
				exitUUID, dest = rule.UUID, rule.Destination

			default:
				logger.Error("unknown rule step type, interrupting run", "node_uuid", n.UUID, "type", n.Type)
				return e.finish(ctx, sp, run, domain.StatusInterrupted)
			}
		}
	}
	return e.finish(ctx, sp, run, domain.StatusCompleted)
}

// arrive appends a path step for node and counts the edge that led there.
func (e *Engine) arrive(ctx context.Context, sp *sprint, run *domain.Run, exitUUID string, node domain.Node) {
	run.AppendStep(domain.PathStep{UUID: e.newUUID(), NodeUUID: node.NodeUUID(), ArrivedOn: sp.now})
	run.CurrentNode = node.NodeUUID()
	run.Status = domain.StatusActive
	run.ExpiresOn = nil
	run.TimeoutOn = nil
	run.ModifiedOn = sp.now
	sp.crossEdge(run, exitUUID, node.NodeUUID())

	if e.hooks.OnNodeEnter != nil {
		nodeType := "action_set"
		if rs, ok := node.(*domain.RuleStep); ok {
			nodeType = string(rs.Type)
		}
		e.hooks.OnNodeEnter(ctx, &domain.NodeEvent{
			Timestamp: sp.now,
			FlowUUID:  run.FlowUUID,
			RunUUID:   run.UUID,
			NodeUUID:  node.NodeUUID(),
			NodeType:  nodeType,
		})
	}
}

// wait parks run at a message wait.
func (e *Engine) wait(g *domain.Graph, run *domain.Run, rs *domain.RuleStep) {
	e.park(run, domain.StatusWaiting)
	run.ExpiresOn = e.expiry(g, run)
	if rs.TimeoutMinutes > 0 {
		t := run.LastArrival().Add(time.Duration(rs.TimeoutMinutes) * time.Minute)
		run.TimeoutOn = &t
	}
}

func (e *Engine) park(run *domain.Run, status domain.RunStatus) {
	run.Status = status
	run.IsActive = true
	run.ExpiresOn = nil
	run.TimeoutOn = nil
}

func (e *Engine) expiry(g *domain.Graph, run *domain.Run) *time.Time {
	if g.ExpiresAfterMinutes <= 0 {
		return nil
	}
	t := run.LastArrival().Add(time.Duration(g.ExpiresAfterMinutes) * time.Minute)
	return &t
}

// route evaluates the rules of rs in declared order. The first match wins:
// its result is recorded, its category counted and its exit taken.
func (e *Engine) route(sp *sprint, g *domain.Graph, run *domain.Run, rs *domain.RuleStep, input string, rctx *rules.Context) *domain.Rule {
	for i := range rs.Rules {
		rule := &rs.Rules[i]
		_, isTimeout := rule.Test.(rules.TimeoutTest)
		if rctx.TimedOut != isTimeout {
			continue
		}
		res := rules.Evaluate(rule.Test, input, rctx)
		if !res.Matched {
			continue
		}
		for k, v := range res.Captures {
			run.Extra[k] = v
		}
		e.recordResult(sp, g, run, rs, rule, res.Value, input)
		run.SetExit(rule.UUID)
		return rule
	}
	return nil
}

func (e *Engine) recordResult(sp *sprint, g *domain.Graph, run *domain.Run, rs *domain.RuleStep, rule *domain.Rule, value, input string) {
	key := rs.ResultKey()
	if key == "" {
		return
	}
	category := domain.TruncateCategory(rule.Category.Name(g.BaseLanguage, g.BaseLanguage))
	localized := domain.TruncateCategory(rule.Category.Name(run.Language, g.BaseLanguage))
	run.Results[key] = domain.Result{
		Name:              rs.Label,
		Category:          category,
		CategoryLocalized: localized,
		Value:             value,
		Input:             input,
		NodeUUID:          rs.UUID,
		CreatedOn:         sp.now,
	}
	run.Events = append(run.Events, domain.RunEvent{
		Type:      domain.RunEventResultRecorded,
		CreatedOn: sp.now,
		StepUUID:  run.CurrentStepUUID(),
		Payload:   map[string]any{"key": key, "name": rs.Label, "category": category},
	})
	sp.batch.Categories = append(sp.batch.Categories, domain.CategoryCountDelta{
		FlowUUID:    run.FlowUUID,
		ResultName:  rs.Label,
		CategoryKey: domain.CategoryKey{ResultKey: key, Category: category},
		Count:       1,
	})
}

// bucket picks a stable index in [0, n) for a run at a random split.
func bucket(runUUID, nodeUUID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(runUUID))
	h.Write([]byte(nodeUUID))
	return int(h.Sum32() % uint32(n))
}

// finish ends run and carries the outcome up the subflow stack: a completed
// child resumes its parent, any other ending is applied to the parent too.
func (e *Engine) finish(ctx context.Context, sp *sprint, run *domain.Run, status domain.RunStatus) error {
	if !run.IsActive {
		return nil
	}
	e.exit(ctx, sp, run, status)
	if run.ParentUUID == "" {
		return nil
	}

	parent, err := e.load(ctx, sp, run.ParentUUID)
	if errors.Is(err, domain.ErrRunNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !parent.IsActive {
		return nil
	}
	if status == domain.StatusCompleted {
		return e.resumeParent(ctx, sp, parent, run)
	}
	return e.finish(ctx, sp, parent, status)
}

// exit ends run without touching its parents.
func (e *Engine) exit(ctx context.Context, sp *sprint, run *domain.Run, status domain.RunStatus) {
	run.Exit(status, sp.now)
	if e.hooks.OnRunExit != nil {
		e.hooks.OnRunExit(ctx, &domain.RunExitEvent{
			Timestamp: sp.now,
			FlowUUID:  run.FlowUUID,
			RunUUID:   run.UUID,
			Status:    status,
		})
	}
}
