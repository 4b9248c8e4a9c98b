package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// migration is one schema step. serial is the auto-increment primary key
// column type of the dialect.
type migration struct {
	version int
	ddl     func(serial string) string
}

var migrations = []migration{
	{1, func(serial string) string {
		return `
CREATE TABLE IF NOT EXISTS flows (
	uuid TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	base_language TEXT NOT NULL,
	expires_after_minutes INTEGER NOT NULL,
	is_active BOOLEAN NOT NULL,
	is_archived BOOLEAN NOT NULL,
	revision INTEGER NOT NULL,
	spec_version INTEGER NOT NULL,
	saved_by TEXT NOT NULL,
	saved_on BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS flow_revisions (
	flow_uuid TEXT NOT NULL,
	revision INTEGER NOT NULL,
	spec_version INTEGER NOT NULL,
	definition TEXT NOT NULL,
	created_by TEXT NOT NULL,
	created_on BIGINT NOT NULL,
	PRIMARY KEY (flow_uuid, revision)
);
CREATE TABLE IF NOT EXISTS runs (
	seq ` + serial + `,
	uuid TEXT NOT NULL UNIQUE,
	flow_uuid TEXT NOT NULL,
	contact_uuid TEXT NOT NULL,
	status TEXT NOT NULL,
	is_active BOOLEAN NOT NULL,
	resting_node TEXT,
	created_on BIGINT NOT NULL,
	expires_on BIGINT,
	timeout_on BIGINT,
	data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_contact_active ON runs (contact_uuid, is_active);
CREATE INDEX IF NOT EXISTS runs_flow_status ON runs (flow_uuid, status);
CREATE INDEX IF NOT EXISTS runs_expires ON runs (expires_on);
CREATE INDEX IF NOT EXISTS runs_timeout ON runs (timeout_on);`
	}},
	{2, func(serial string) string {
		return `
CREATE TABLE IF NOT EXISTS flow_path_counts (
	id ` + serial + `,
	flow_uuid TEXT NOT NULL,
	from_uuid TEXT NOT NULL,
	to_uuid TEXT NOT NULL,
	count BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS flow_path_counts_flow ON flow_path_counts (flow_uuid);
CREATE TABLE IF NOT EXISTS flow_node_counts (
	id ` + serial + `,
	flow_uuid TEXT NOT NULL,
	node_uuid TEXT NOT NULL,
	count BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS flow_node_counts_flow ON flow_node_counts (flow_uuid);
CREATE TABLE IF NOT EXISTS flow_category_counts (
	id ` + serial + `,
	flow_uuid TEXT NOT NULL,
	result_key TEXT NOT NULL,
	result_name TEXT NOT NULL,
	category_name TEXT NOT NULL,
	count BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS flow_category_counts_flow ON flow_category_counts (flow_uuid);
CREATE TABLE IF NOT EXISTS flow_path_recent_runs (
	id ` + serial + `,
	flow_uuid TEXT NOT NULL,
	from_uuid TEXT NOT NULL,
	to_uuid TEXT NOT NULL,
	run_uuid TEXT NOT NULL,
	text TEXT NOT NULL,
	visited_on BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS flow_path_recent_runs_edge ON flow_path_recent_runs (flow_uuid, from_uuid, to_uuid);`
	}},
	{3, func(string) string {
		return `
ALTER TABLE runs ADD COLUMN waiting_node TEXT;
UPDATE runs SET waiting_node = resting_node WHERE status = 'waiting';
CREATE INDEX IF NOT EXISTS runs_flow_waiting ON runs (flow_uuid, waiting_node);`
	}},
}

func (d *DB) serialType() string {
	if d.driver == DriverPostgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// migrate applies every migration newer than the recorded schema version.
func (d *DB) migrate(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	var current int
	if err := d.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("failed to query current schema version: %w", err)
	}

	sorted := append([]migration(nil), migrations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].version < sorted[j].version })

	for _, m := range sorted {
		if m.version <= current {
			continue
		}
		d.logger.InfoContext(ctx, "applying migration", "version", m.version)
		err := d.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.ddl(d.serialType())); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", m.version, err)
			}
			if _, err := d.exec(ctx, tx, "INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", m.version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
