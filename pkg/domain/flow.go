package domain

import (
	"encoding/json"
	"time"
)

// CurrentSpecVersion is the definition schema version this engine writes.
const CurrentSpecVersion = 11

// Flow is the owner of an append-only list of revisions.
type Flow struct {
	UUID                string    `json:"uuid"`
	Name                string    `json:"name"`
	BaseLanguage        string    `json:"base_language"`
	ExpiresAfterMinutes int       `json:"expires_after_minutes"`
	IsActive            bool      `json:"is_active"`
	IsArchived          bool      `json:"is_archived"`
	Revision            int       `json:"revision"`
	SpecVersion         int       `json:"spec_version"`
	SavedBy             string    `json:"saved_by,omitempty"`
	SavedOn             time.Time `json:"saved_on"`
}

// Revision is one immutable version of a flow definition.
type Revision struct {
	FlowUUID    string          `json:"flow_uuid"`
	Number      int             `json:"revision"`
	SpecVersion int             `json:"spec_version"`
	Definition  json.RawMessage `json:"definition"`
	CreatedBy   string          `json:"created_by,omitempty"`
	CreatedOn   time.Time       `json:"created_on"`
}

// RevisionRequest is an editor saving a definition.
type RevisionRequest struct {
	FlowUUID string `json:"flow_uuid"`
	// BaseRevision is the revision the editor started from.
	BaseRevision int             `json:"base_revision"`
	SpecVersion  int             `json:"spec_version"`
	Definition   json.RawMessage `json:"definition"`
	SavedBy      string          `json:"saved_by"`
}
