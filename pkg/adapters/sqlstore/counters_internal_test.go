package sqlstore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSquashGroup_SumsExactlyTheDeletedRows(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, DriverSQLite, filepath.Join(t.TempDir(), "flows.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	counters := NewCounters(db, 3)

	for _, n := range []int64{1, 2, 4} {
		require.NoError(t, counters.Record(ctx, domain.ActivityBatch{
			Nodes: []domain.NodeCountDelta{{FlowUUID: "flow-1", NodeUUID: "color", Count: n}},
		}))
	}
	nodes := counterTables[1]
	require.Equal(t, "flow_node_counts", nodes.name)

	err = db.inTx(ctx, func(tx *sql.Tx) error {
		// the third row landed above the watermark and must survive untouched
		deleted, err := counters.squashGroup(ctx, tx, nodes, []any{"flow-1", "color"}, 2)
		require.NoError(t, err)
		assert.Equal(t, 2, deleted)

		var rows int
		require.NoError(t, db.queryRow(ctx, tx, "SELECT COUNT(*) FROM flow_node_counts WHERE count = 4").Scan(&rows))
		assert.Equal(t, 1, rows)
		require.NoError(t, db.queryRow(ctx, tx, "SELECT COUNT(*) FROM flow_node_counts WHERE count = 3").Scan(&rows))
		assert.Equal(t, 1, rows)
		return nil
	})
	require.NoError(t, err)

	counts, err := counters.NodeCounts(ctx, "flow-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), counts["color"])
}

func TestSquashGroup_NothingLeftToDelete(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, DriverSQLite, filepath.Join(t.TempDir(), "flows.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	counters := NewCounters(db, 3)

	err = db.inTx(ctx, func(tx *sql.Tx) error {
		deleted, err := counters.squashGroup(ctx, tx, counterTables[0], []any{"flow-1", "a", "b"}, 10)
		require.NoError(t, err)
		assert.Zero(t, deleted)
		return nil
	})
	require.NoError(t, err)

	paths, err := counters.PathCounts(ctx, "flow-1")
	require.NoError(t, err)
	assert.Empty(t, paths)
}
