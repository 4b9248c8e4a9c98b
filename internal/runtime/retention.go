package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/istresearch/rapidpro-sub000/pkg/domain"
)

// DeleteRuns removes runs and takes their contribution back out of the
// category and node counters. Path counts are history and stay.
func (e *Engine) DeleteRuns(ctx context.Context, runUUIDs []string) (int, error) {
	deleted := 0
	for _, id := range runUUIDs {
		run, err := e.runs.Get(ctx, id)
		if errors.Is(err, domain.ErrRunNotFound) {
			continue
		}
		if err != nil {
			return deleted, err
		}

		var batch domain.ActivityBatch
		for _, ev := range run.Events {
			if ev.Type != domain.RunEventResultRecorded {
				continue
			}
			key, _ := ev.Payload["key"].(string)
			name, _ := ev.Payload["name"].(string)
			category, _ := ev.Payload["category"].(string)
			if key == "" {
				continue
			}
			batch.Categories = append(batch.Categories, domain.CategoryCountDelta{
				FlowUUID:    run.FlowUUID,
				ResultName:  name,
				CategoryKey: domain.CategoryKey{ResultKey: key, Category: category},
				Count:       -1,
			})
		}
		if node := run.Resting(); node != "" {
			batch.Nodes = append(batch.Nodes, domain.NodeCountDelta{FlowUUID: run.FlowUUID, NodeUUID: node, Count: -1})
		}

		if err := e.runs.Delete(ctx, id); err != nil {
			return deleted, fmt.Errorf("failed to delete run %s: %w", id, err)
		}
		deleted++
		if e.recorder != nil && !batch.Empty() {
			if err := e.recorder.Record(ctx, batch); err != nil {
				e.logger.Error("failed to record counter corrections", "run_uuid", id, "error", err)
			}
		}
	}
	return deleted, nil
}
