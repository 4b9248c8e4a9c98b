package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/istresearch/rapidpro-sub000/pkg/ports"
)

// DefaultRecentSample is how many recent runs are kept per edge.
const DefaultRecentSample = 5

// counterTable describes one squashable delta table by its key columns.
type counterTable struct {
	name string
	keys []string
}

var counterTables = []counterTable{
	{name: "flow_path_counts", keys: []string{"flow_uuid", "from_uuid", "to_uuid"}},
	{name: "flow_node_counts", keys: []string{"flow_uuid", "node_uuid"}},
	{name: "flow_category_counts", keys: []string{"flow_uuid", "result_key", "result_name", "category_name"}},
}

// Counters implements ports.CounterStore with one row per delta.
type Counters struct {
	db     *DB
	sample int
}

var _ ports.CounterStore = (*Counters)(nil)

// NewCounters creates a counter store keeping sample recent runs per edge.
func NewCounters(db *DB, sample int) *Counters {
	if sample <= 0 {
		sample = DefaultRecentSample
	}
	return &Counters{db: db, sample: sample}
}

// Record inserts every delta of batch in one transaction.
func (c *Counters) Record(ctx context.Context, batch domain.ActivityBatch) error {
	return c.db.inTx(ctx, func(tx *sql.Tx) error {
		for _, d := range batch.Paths {
			if _, err := c.db.exec(ctx, tx, "INSERT INTO flow_path_counts (flow_uuid, from_uuid, to_uuid, count) VALUES (?, ?, ?, ?)",
				d.FlowUUID, d.FromUUID, d.ToUUID, d.Count); err != nil {
				return fmt.Errorf("failed to record path count: %w", err)
			}
		}
		for _, d := range batch.Nodes {
			if _, err := c.db.exec(ctx, tx, "INSERT INTO flow_node_counts (flow_uuid, node_uuid, count) VALUES (?, ?, ?)",
				d.FlowUUID, d.NodeUUID, d.Count); err != nil {
				return fmt.Errorf("failed to record node count: %w", err)
			}
		}
		for _, d := range batch.Categories {
			if _, err := c.db.exec(ctx, tx, `INSERT INTO flow_category_counts (flow_uuid, result_key, result_name, category_name, count)
VALUES (?, ?, ?, ?, ?)`, d.FlowUUID, d.ResultKey, d.ResultName, d.Category, d.Count); err != nil {
				return fmt.Errorf("failed to record category count: %w", err)
			}
		}
		for _, r := range batch.Recent {
			if err := c.addRecent(ctx, tx, r); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Counters) addRecent(ctx context.Context, tx *sql.Tx, r domain.RecentRun) error {
	if _, err := c.db.exec(ctx, tx, `INSERT INTO flow_path_recent_runs (flow_uuid, from_uuid, to_uuid, run_uuid, text, visited_on)
VALUES (?, ?, ?, ?, ?, ?)`, r.FlowUUID, r.FromUUID, r.ToUUID, r.RunUUID, r.Text, r.VisitedOn.UnixNano()); err != nil {
		return fmt.Errorf("failed to record recent run: %w", err)
	}
	_, err := c.db.exec(ctx, tx, `DELETE FROM flow_path_recent_runs
WHERE flow_uuid = ? AND from_uuid = ? AND to_uuid = ? AND id NOT IN (
	SELECT id FROM flow_path_recent_runs WHERE flow_uuid = ? AND from_uuid = ? AND to_uuid = ?
	ORDER BY visited_on DESC, id DESC LIMIT ?
)`, r.FlowUUID, r.FromUUID, r.ToUUID, r.FlowUUID, r.FromUUID, r.ToUUID, c.sample)
	if err != nil {
		return fmt.Errorf("failed to prune recent runs: %w", err)
	}
	return nil
}

// PathCounts sums every edge of a flow.
func (c *Counters) PathCounts(ctx context.Context, flowUUID string) (map[domain.PathKey]int64, error) {
	rows, err := c.db.query(ctx, c.db.db, `SELECT from_uuid, to_uuid, SUM(count) FROM flow_path_counts
WHERE flow_uuid = ? GROUP BY from_uuid, to_uuid`, flowUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to read path counts: %w", err)
	}
	defer rows.Close()

	out := map[domain.PathKey]int64{}
	for rows.Next() {
		var key domain.PathKey
		var n int64
		if err := rows.Scan(&key.FromUUID, &key.ToUUID, &n); err != nil {
			return nil, err
		}
		out[key] = n
	}
	return out, rows.Err()
}

// NodeCounts sums every node of a flow.
func (c *Counters) NodeCounts(ctx context.Context, flowUUID string) (map[string]int64, error) {
	rows, err := c.db.query(ctx, c.db.db, `SELECT node_uuid, SUM(count) FROM flow_node_counts
WHERE flow_uuid = ? GROUP BY node_uuid`, flowUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to read node counts: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var node string
		var n int64
		if err := rows.Scan(&node, &n); err != nil {
			return nil, err
		}
		out[node] = n
	}
	return out, rows.Err()
}

// CategoryCounts sums every category of a flow.
func (c *Counters) CategoryCounts(ctx context.Context, flowUUID string) (map[domain.CategoryKey]int64, error) {
	rows, err := c.db.query(ctx, c.db.db, `SELECT result_key, category_name, SUM(count) FROM flow_category_counts
WHERE flow_uuid = ? GROUP BY result_key, category_name`, flowUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to read category counts: %w", err)
	}
	defer rows.Close()

	out := map[domain.CategoryKey]int64{}
	for rows.Next() {
		var key domain.CategoryKey
		var n int64
		if err := rows.Scan(&key.ResultKey, &key.Category, &n); err != nil {
			return nil, err
		}
		out[key] = n
	}
	return out, rows.Err()
}

// RecentRuns returns the samples of an edge, newest first.
func (c *Counters) RecentRuns(ctx context.Context, flowUUID string, key domain.PathKey) ([]domain.RecentRun, error) {
	rows, err := c.db.query(ctx, c.db.db, `SELECT run_uuid, text, visited_on FROM flow_path_recent_runs
WHERE flow_uuid = ? AND from_uuid = ? AND to_uuid = ? ORDER BY visited_on DESC, id DESC LIMIT ?`,
		flowUUID, key.FromUUID, key.ToUUID, c.sample)
	if err != nil {
		return nil, fmt.Errorf("failed to read recent runs: %w", err)
	}
	defer rows.Close()

	var out []domain.RecentRun
	for rows.Next() {
		r := domain.RecentRun{FlowUUID: flowUUID, PathKey: key}
		var visited int64
		if err := rows.Scan(&r.RunUUID, &r.Text, &visited); err != nil {
			return nil, err
		}
		r.VisitedOn = time.Unix(0, visited).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Squash collapses, per table, every key with more than one row at or below
// the current maximum id into a single row.
func (c *Counters) Squash(ctx context.Context) (int, error) {
	removed := 0
	for _, t := range counterTables {
		n, err := c.squashTable(ctx, t)
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

func (c *Counters) squashTable(ctx context.Context, t counterTable) (int, error) {
	removed := 0
	err := c.db.inTx(ctx, func(tx *sql.Tx) error {
		var watermark sql.NullInt64
		if err := c.db.queryRow(ctx, tx, "SELECT MAX(id) FROM "+t.name).Scan(&watermark); err != nil {
			return fmt.Errorf("failed to read %s watermark: %w", t.name, err)
		}
		if !watermark.Valid {
			return nil
		}

		cols := strings.Join(t.keys, ", ")
		rows, err := c.db.query(ctx, tx, "SELECT "+cols+" FROM "+t.name+
			" WHERE id <= ? GROUP BY "+cols+" HAVING COUNT(*) > 1", watermark.Int64)
		if err != nil {
			return fmt.Errorf("failed to group %s: %w", t.name, err)
		}
		var groups [][]any
		for rows.Next() {
			keys, err := scanKeys(rows, t)
			if err != nil {
				rows.Close()
				return err
			}
			groups = append(groups, keys)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, keys := range groups {
			n, err := c.squashGroup(ctx, tx, t, keys, watermark.Int64)
			if err != nil {
				return err
			}
			if n > 1 {
				removed += n - 1
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// squashGroup deletes the rows of one key at or below watermark and inserts
// a single row holding the sum of exactly the deleted counts. Rows committed
// by a concurrent writer after the grouping are either deleted and summed
// here or left alone, never one without the other.
func (c *Counters) squashGroup(ctx context.Context, tx *sql.Tx, t counterTable, keys []any, watermark int64) (int, error) {
	where, placeholders := keyClause(t)
	args := append(append([]any(nil), keys...), watermark)
	rows, err := c.db.query(ctx, tx, "DELETE FROM "+t.name+" WHERE "+where+" AND id <= ? RETURNING count", args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete squashed %s rows: %w", t.name, err)
	}
	var sum int64
	deleted := 0
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan squashed %s row: %w", t.name, err)
		}
		sum += n
		deleted++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if deleted == 0 {
		return 0, nil
	}

	cols := strings.Join(t.keys, ", ")
	ins := append(append([]any(nil), keys...), sum)
	if _, err := c.db.exec(ctx, tx, "INSERT INTO "+t.name+" ("+cols+", count) VALUES ("+placeholders+", ?)", ins...); err != nil {
		return 0, fmt.Errorf("failed to insert squashed %s row: %w", t.name, err)
	}
	return deleted, nil
}

// scanKeys reads the key columns of t.
func scanKeys(rows *sql.Rows, t counterTable) ([]any, error) {
	strs := make([]string, len(t.keys))
	dest := make([]any, len(strs))
	for i := range strs {
		dest[i] = &strs[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("failed to scan %s group: %w", t.name, err)
	}
	keys := make([]any, len(strs))
	for i, s := range strs {
		keys[i] = s
	}
	return keys, nil
}

func keyClause(t counterTable) (string, string) {
	where, placeholders := "", ""
	for i, col := range t.keys {
		if i > 0 {
			where += " AND "
			placeholders += ", "
		}
		where += col + " = ?"
		placeholders += "?"
	}
	return where, placeholders
}
