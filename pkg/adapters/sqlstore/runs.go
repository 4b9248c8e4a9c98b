package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/istresearch/rapidpro-sub000/pkg/ports"
)

// RunStore implements ports.RunStore. The run document is stored as JSON
// with the queried columns alongside it.
type RunStore struct {
	db *DB
}

var _ ports.RunStore = (*RunStore)(nil)

// NewRunStore creates a run store on db.
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db}
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Save upserts the run. The seq column is set on first insert only, so runs
// created in the same instant keep their save order.
func (s *RunStore) Save(ctx context.Context, run *domain.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	_, err = s.db.exec(ctx, s.db.db, `
INSERT INTO runs (uuid, flow_uuid, contact_uuid, status, is_active, resting_node, waiting_node, created_on, expires_on, timeout_on, data)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (uuid) DO UPDATE SET
	flow_uuid = excluded.flow_uuid,
	contact_uuid = excluded.contact_uuid,
	status = excluded.status,
	is_active = excluded.is_active,
	resting_node = excluded.resting_node,
	waiting_node = excluded.waiting_node,
	created_on = excluded.created_on,
	expires_on = excluded.expires_on,
	timeout_on = excluded.timeout_on,
	data = excluded.data`,
		run.UUID, run.FlowUUID, run.ContactUUID, string(run.Status), run.IsActive,
		nullableString(run.Resting()), nullableString(run.WaitingAt()), run.CreatedOn.UnixNano(),
		nullableNanos(run.ExpiresOn), nullableNanos(run.TimeoutOn), string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.UUID, err)
	}
	return nil
}

// Get retrieves a run.
func (s *RunStore) Get(ctx context.Context, runUUID string) (*domain.Run, error) {
	var data string
	err := s.db.queryRow(ctx, s.db.db, "SELECT data FROM runs WHERE uuid = ?", runUUID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runUUID, err)
	}
	return decodeRun(data)
}

// Delete removes the run.
func (s *RunStore) Delete(ctx context.Context, runUUID string) error {
	if _, err := s.db.exec(ctx, s.db.db, "DELETE FROM runs WHERE uuid = ?", runUUID); err != nil {
		return fmt.Errorf("failed to delete run %s: %w", runUUID, err)
	}
	return nil
}

// ActiveForContact returns the contact's active runs, oldest first.
func (s *RunStore) ActiveForContact(ctx context.Context, contactUUID string) ([]*domain.Run, error) {
	return s.list(ctx, `SELECT data FROM runs WHERE contact_uuid = ? AND is_active = ? ORDER BY created_on, seq`,
		contactUUID, true)
}

// ListExpired returns active runs whose expires_on is at or before now.
func (s *RunStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Run, error) {
	return s.list(ctx, `SELECT data FROM runs WHERE is_active = ? AND expires_on IS NOT NULL AND expires_on <= ?
ORDER BY expires_on, seq LIMIT ?`, true, now.UnixNano(), sqlLimit(limit))
}

// ListTimedOut returns active runs whose timeout_on is at or before now.
func (s *RunStore) ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*domain.Run, error) {
	return s.list(ctx, `SELECT data FROM runs WHERE is_active = ? AND timeout_on IS NOT NULL AND timeout_on <= ?
ORDER BY timeout_on, seq LIMIT ?`, true, now.UnixNano(), sqlLimit(limit))
}

// CountByStatus counts a flow's runs per status.
func (s *RunStore) CountByStatus(ctx context.Context, flowUUID string) (map[domain.RunStatus]int, error) {
	rows, err := s.db.query(ctx, s.db.db, "SELECT status, COUNT(*) FROM runs WHERE flow_uuid = ? GROUP BY status", flowUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}
	defer rows.Close()

	counts := map[domain.RunStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.RunStatus(status)] = n
	}
	return counts, rows.Err()
}

// WaitingByNode counts a flow's waiting runs per current node.
func (s *RunStore) WaitingByNode(ctx context.Context, flowUUID string) (map[string]int, error) {
	rows, err := s.db.query(ctx, s.db.db, `SELECT waiting_node, COUNT(*) FROM runs
WHERE flow_uuid = ? AND waiting_node IS NOT NULL GROUP BY waiting_node`, flowUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to count waiting runs: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var node string
		var n int
		if err := rows.Scan(&node, &n); err != nil {
			return nil, err
		}
		counts[node] = n
	}
	return counts, rows.Err()
}

func (s *RunStore) list(ctx context.Context, query string, args ...any) ([]*domain.Run, error) {
	rows, err := s.db.query(ctx, s.db.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		run, err := decodeRun(data)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// sqlLimit maps "no limit" to a value both dialects accept.
func sqlLimit(limit int) int64 {
	if limit <= 0 {
		return 1<<31 - 1
	}
	return int64(limit)
}

func decodeRun(data string) (*domain.Run, error) {
	var run domain.Run
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	if run.Results == nil {
		run.Results = make(map[string]domain.Result)
	}
	if run.Extra == nil {
		run.Extra = make(map[string]string)
	}
	return &run, nil
}
