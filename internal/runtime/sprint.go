package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/istresearch/rapidpro-sub000/pkg/domain"
)

// sprint is the working set of one engine call: every run it touched, the
// deltas and side effects it produced, and the node visits spent so far.
// Nothing is persisted until commit.
type sprint struct {
	now       time.Time
	eventUUID string

	order  []string
	runs   map[string]*domain.Run
	before map[string]runSnapshot

	graphs  map[string]*domain.Graph
	batch   domain.ActivityBatch
	sampled map[domain.PathKey]bool
	actions []domain.ActionRequest
	visits  int

	// lastText is the latest message seen or sent per run, used for samples.
	lastText map[string]string
}

// runSnapshot is what a pre-existing run looked like when first loaded.
type runSnapshot struct {
	existed  bool
	isActive bool
	resting  string
}

func newSprint(now time.Time, eventUUID string) *sprint {
	return &sprint{
		now:       now,
		eventUUID: eventUUID,
		runs:      map[string]*domain.Run{},
		before:    map[string]runSnapshot{},
		graphs:    map[string]*domain.Graph{},
		sampled:   map[domain.PathKey]bool{},
		lastText:  map[string]string{},
	}
}

// track registers a run loaded from the store. Tracking the same run twice
// keeps the first instance.
func (sp *sprint) track(run *domain.Run) *domain.Run {
	if existing, ok := sp.runs[run.UUID]; ok {
		return existing
	}
	sp.order = append(sp.order, run.UUID)
	sp.runs[run.UUID] = run
	sp.before[run.UUID] = runSnapshot{existed: true, isActive: run.IsActive, resting: run.Resting()}
	return run
}

// add registers a run created during this sprint.
func (sp *sprint) add(run *domain.Run) {
	sp.order = append(sp.order, run.UUID)
	sp.runs[run.UUID] = run
	sp.before[run.UUID] = runSnapshot{}
}

// load returns the sprint's copy of a run, reading it from the store once.
func (e *Engine) load(ctx context.Context, sp *sprint, runUUID string) (*domain.Run, error) {
	if run, ok := sp.runs[runUUID]; ok {
		return run, nil
	}
	run, err := e.runs.Get(ctx, runUUID)
	if err != nil {
		return nil, err
	}
	return sp.track(run), nil
}

// markApplied stamps the sprint's event on every run it touched, so a
// redelivery is recognised whichever run of the stack it lands on next.
func (sp *sprint) markApplied() {
	for _, id := range sp.order {
		sp.runs[id].MarkApplied(sp.eventUUID)
	}
}

func (sp *sprint) emit(req domain.ActionRequest) {
	sp.actions = append(sp.actions, req)
}

// crossEdge records one crossing of an edge plus, once per edge, a recent
// run sample.
func (sp *sprint) crossEdge(run *domain.Run, fromUUID, toUUID string) {
	if fromUUID == "" {
		return
	}
	key := domain.PathKey{FromUUID: fromUUID, ToUUID: toUUID}
	sp.batch.Paths = append(sp.batch.Paths, domain.PathCountDelta{FlowUUID: run.FlowUUID, PathKey: key, Count: 1})
	if sp.sampled[key] {
		return
	}
	sp.sampled[key] = true
	sp.batch.Recent = append(sp.batch.Recent, domain.RecentRun{
		FlowUUID:  run.FlowUUID,
		PathKey:   key,
		RunUUID:   run.UUID,
		Text:      sp.lastText[run.UUID],
		VisitedOn: sp.now,
	})
}

// nodeDeltas compares where each run rested before and after the sprint.
func (sp *sprint) nodeDeltas() []domain.NodeCountDelta {
	var deltas []domain.NodeCountDelta
	for _, id := range sp.order {
		run := sp.runs[id]
		was, now := sp.before[id].resting, run.Resting()
		if was == now {
			continue
		}
		if was != "" {
			deltas = append(deltas, domain.NodeCountDelta{FlowUUID: run.FlowUUID, NodeUUID: was, Count: -1})
		}
		if now != "" {
			deltas = append(deltas, domain.NodeCountDelta{FlowUUID: run.FlowUUID, NodeUUID: now, Count: 1})
		}
	}
	return deltas
}

// commit re-reads every pre-existing run before writing. If any of them was
// ended by someone else in the meantime the whole sprint is discarded, so a
// stale step never resurrects an expired or interrupted run.
func (e *Engine) commit(ctx context.Context, sp *sprint) (*domain.Outcome, bool, error) {
	for _, id := range sp.order {
		snap := sp.before[id]
		if !snap.existed || !snap.isActive {
			continue
		}
		stored, err := e.runs.Get(ctx, id)
		if errors.Is(err, domain.ErrRunNotFound) {
			e.logger.Warn("run deleted during step, discarding", "run_uuid", id)
			return &domain.Outcome{}, true, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to re-read run %s: %w", id, err)
		}
		if !stored.IsActive {
			e.logger.Warn("run ended during step, discarding", "run_uuid", id, "status", stored.Status)
			return &domain.Outcome{}, true, nil
		}
	}

	out := &domain.Outcome{Actions: sp.actions}
	for _, id := range sp.order {
		run := sp.runs[id]
		if err := e.runs.Save(ctx, run); err != nil {
			return nil, false, fmt.Errorf("failed to save run %s: %w", id, err)
		}
		out.Runs = append(out.Runs, run)
	}

	sp.batch.Nodes = append(sp.batch.Nodes, sp.nodeDeltas()...)
	if e.recorder != nil && !sp.batch.Empty() {
		if err := e.recorder.Record(ctx, sp.batch); err != nil {
			// counters are eventually consistent; the runs are already saved
			e.logger.Error("failed to record activity", "error", err)
		}
	}
	return out, false, nil
}
