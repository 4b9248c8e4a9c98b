package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/istresearch/rapidpro-sub000/pkg/session"
)

// ExpireRuns ends every waiting run whose expires_on has passed. Expiry runs
// through the subflow stack like any other ending, so parked parents expire
// too. Contacts that are busy are skipped and picked up by the next sweep.
func (e *Engine) ExpireRuns(ctx context.Context) (int, error) {
	due, err := e.runs.ListExpired(ctx, e.now(), e.sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired runs: %w", err)
	}

	expired := 0
	for _, candidate := range due {
		err := e.locker.WithLock(ctx, session.ContactKey(candidate.ContactUUID), func(ctx context.Context) error {
			sp := newSprint(e.now(), "")
			run, err := e.load(ctx, sp, candidate.UUID)
			if errors.Is(err, domain.ErrRunNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			// it may have moved on while we waited for the lock
			if !run.IsActive || run.ExpiresOn == nil || run.ExpiresOn.After(sp.now) {
				return nil
			}
			if err := e.finish(ctx, sp, run, domain.StatusExpired); err != nil {
				return err
			}
			_, discarded, err := e.commit(ctx, sp)
			if err == nil && !discarded {
				expired++
			}
			return err
		})
		if errors.Is(err, domain.ErrDeferred) {
			e.logger.Debug("contact busy, expiry deferred", "run_uuid", candidate.UUID)
			continue
		}
		if err != nil {
			return expired, fmt.Errorf("failed to expire run %s: %w", candidate.UUID, err)
		}
	}
	if expired > 0 {
		e.logger.Info("expired runs", "count", expired)
	}
	return expired, nil
}

// TimeoutRuns delivers a timeout event to every waiting run whose wait
// timeout has passed. The event UUID is derived from the deadline so a
// repeated sweep cannot fire the same timeout twice.
func (e *Engine) TimeoutRuns(ctx context.Context) (int, error) {
	due, err := e.runs.ListTimedOut(ctx, e.now(), e.sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list timed out runs: %w", err)
	}

	fired := 0
	for _, run := range due {
		if run.TimeoutOn == nil {
			continue
		}
		out, err := e.Handle(ctx, domain.Event{
			UUID:        fmt.Sprintf("timeout:%s:%d", run.UUID, run.TimeoutOn.Unix()),
			Type:        domain.EventTimeout,
			ContactUUID: run.ContactUUID,
			RunUUID:     run.UUID,
		})
		if errors.Is(err, domain.ErrDeferred) {
			e.logger.Debug("contact busy, timeout deferred", "run_uuid", run.UUID)
			continue
		}
		if err != nil {
			return fired, fmt.Errorf("failed to time out run %s: %w", run.UUID, err)
		}
		if out.Handled {
			fired++
		}
	}
	return fired, nil
}
