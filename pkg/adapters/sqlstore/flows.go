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

// Flows implements ports.FlowRepository.
type Flows struct {
	db *DB
}

var _ ports.FlowRepository = (*Flows)(nil)

// NewFlows creates a flow repository on db.
func NewFlows(db *DB) *Flows {
	return &Flows{db: db}
}

const flowColumns = "uuid, name, base_language, expires_after_minutes, is_active, is_archived, revision, spec_version, saved_by, saved_on"

func scanFlow(row interface{ Scan(...any) error }) (*domain.Flow, error) {
	var f domain.Flow
	var savedOn int64
	err := row.Scan(&f.UUID, &f.Name, &f.BaseLanguage, &f.ExpiresAfterMinutes, &f.IsActive, &f.IsArchived,
		&f.Revision, &f.SpecVersion, &f.SavedBy, &savedOn)
	if err != nil {
		return nil, err
	}
	f.SavedOn = time.Unix(0, savedOn).UTC()
	return &f, nil
}

// GetFlow returns the flow metadata.
func (f *Flows) GetFlow(ctx context.Context, flowUUID string) (*domain.Flow, error) {
	flow, err := scanFlow(f.db.queryRow(ctx, f.db.db, "SELECT "+flowColumns+" FROM flows WHERE uuid = ?", flowUUID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrFlowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow %s: %w", flowUUID, err)
	}
	return flow, nil
}

// SaveFlow creates or updates flow metadata. The revision pointer is only
// moved by AppendRevision.
func (f *Flows) SaveFlow(ctx context.Context, flow *domain.Flow) error {
	_, err := f.db.exec(ctx, f.db.db, `
INSERT INTO flows (`+flowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (uuid) DO UPDATE SET
	name = excluded.name,
	base_language = excluded.base_language,
	expires_after_minutes = excluded.expires_after_minutes,
	is_active = excluded.is_active,
	is_archived = excluded.is_archived,
	saved_by = excluded.saved_by,
	saved_on = excluded.saved_on`, flowArgs(flow)...)
	if err != nil {
		return fmt.Errorf("failed to save flow %s: %w", flow.UUID, err)
	}
	return nil
}

func flowArgs(flow *domain.Flow) []any {
	return []any{flow.UUID, flow.Name, flow.BaseLanguage, flow.ExpiresAfterMinutes, flow.IsActive, flow.IsArchived,
		flow.Revision, flow.SpecVersion, flow.SavedBy, flow.SavedOn.UnixNano()}
}

// GetRevision returns a stored revision; 0 means the current one.
func (f *Flows) GetRevision(ctx context.Context, flowUUID string, number int) (*domain.Revision, error) {
	if number == 0 {
		flow, err := f.GetFlow(ctx, flowUUID)
		if err != nil {
			return nil, err
		}
		number = flow.Revision
	}

	rev := domain.Revision{FlowUUID: flowUUID, Number: number}
	var definition string
	var createdOn int64
	err := f.db.queryRow(ctx, f.db.db, `SELECT spec_version, definition, created_by, created_on FROM flow_revisions
WHERE flow_uuid = ? AND revision = ?`, flowUUID, number).Scan(&rev.SpecVersion, &definition, &rev.CreatedBy, &createdOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNoRevision
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get revision %d of %s: %w", number, flowUUID, err)
	}
	rev.Definition = json.RawMessage(definition)
	rev.CreatedOn = time.Unix(0, createdOn).UTC()
	return &rev, nil
}

// AppendRevision stores rev and moves the flow to it in one transaction.
func (f *Flows) AppendRevision(ctx context.Context, flow *domain.Flow, rev *domain.Revision) error {
	fc := *flow
	fc.Revision = rev.Number

	return f.db.inTx(ctx, func(tx *sql.Tx) error {
		_, err := f.db.exec(ctx, tx, `INSERT INTO flow_revisions (flow_uuid, revision, spec_version, definition, created_by, created_on)
VALUES (?, ?, ?, ?, ?, ?)`, flow.UUID, rev.Number, rev.SpecVersion, string(rev.Definition), rev.CreatedBy, rev.CreatedOn.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to insert revision %d of %s: %w", rev.Number, flow.UUID, err)
		}
		_, err = f.db.exec(ctx, tx, `
INSERT INTO flows (`+flowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (uuid) DO UPDATE SET
	name = excluded.name,
	base_language = excluded.base_language,
	expires_after_minutes = excluded.expires_after_minutes,
	is_active = excluded.is_active,
	is_archived = excluded.is_archived,
	revision = excluded.revision,
	spec_version = excluded.spec_version,
	saved_by = excluded.saved_by,
	saved_on = excluded.saved_on`, flowArgs(&fc)...)
		if err != nil {
			return fmt.Errorf("failed to move flow %s to revision %d: %w", flow.UUID, rev.Number, err)
		}
		return nil
	})
}

// List returns every flow, sorted by name.
func (f *Flows) List(ctx context.Context) ([]*domain.Flow, error) {
	rows, err := f.db.query(ctx, f.db.db, "SELECT "+flowColumns+" FROM flows ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}
	defer rows.Close()

	var out []*domain.Flow
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, flow)
	}
	return out, rows.Err()
}
