package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/istresearch/rapidpro-sub000/pkg/ports"
)

// Flows implements ports.FlowRepository in memory.
type Flows struct {
	mu        sync.RWMutex
	flows     map[string]*domain.Flow
	revisions map[string][]*domain.Revision
}

var _ ports.FlowRepository = (*Flows)(nil)

// NewFlows creates an empty repository.
func NewFlows() *Flows {
	return &Flows{
		flows:     make(map[string]*domain.Flow),
		revisions: make(map[string][]*domain.Revision),
	}
}

// NewFromDefinitions creates a repository holding one active flow per
// definition, each at revision 1. The flow UUID is read from the definition.
// This keeps test setup short.
func NewFromDefinitions(definitions ...string) (*Flows, error) {
	f := NewFlows()
	for _, def := range definitions {
		var head struct {
			FlowUUID            string `json:"flow_uuid"`
			Name                string `json:"name"`
			BaseLanguage        string `json:"base_language"`
			ExpiresAfterMinutes int    `json:"expires_after_minutes"`
			SpecVersion         int    `json:"spec_version"`
		}
		if err := json.Unmarshal([]byte(def), &head); err != nil {
			return nil, fmt.Errorf("failed to read definition header: %w", err)
		}
		if head.FlowUUID == "" {
			return nil, fmt.Errorf("definition missing flow_uuid")
		}
		flow := &domain.Flow{
			UUID:                head.FlowUUID,
			Name:                head.Name,
			BaseLanguage:        head.BaseLanguage,
			ExpiresAfterMinutes: head.ExpiresAfterMinutes,
			IsActive:            true,
			SpecVersion:         head.SpecVersion,
		}
		rev := &domain.Revision{
			FlowUUID:    flow.UUID,
			Number:      1,
			SpecVersion: head.SpecVersion,
			Definition:  json.RawMessage(def),
			CreatedOn:   time.Now(),
		}
		flow.Revision = 1
		if err := f.AppendRevision(context.Background(), flow, rev); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// GetFlow returns a copy of the flow metadata.
func (f *Flows) GetFlow(ctx context.Context, flowUUID string) (*domain.Flow, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	flow, ok := f.flows[flowUUID]
	if !ok {
		return nil, domain.ErrFlowNotFound
	}
	c := *flow
	return &c, nil
}

// SaveFlow creates or updates flow metadata. The revision pointer is kept
// as stored; only AppendRevision moves it.
func (f *Flows) SaveFlow(ctx context.Context, flow *domain.Flow) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := *flow
	if existing, ok := f.flows[flow.UUID]; ok {
		c.Revision = existing.Revision
		c.SpecVersion = existing.SpecVersion
	}
	f.flows[flow.UUID] = &c
	return nil
}

// GetRevision returns a stored revision; 0 means the current one.
func (f *Flows) GetRevision(ctx context.Context, flowUUID string, number int) (*domain.Revision, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	flow, ok := f.flows[flowUUID]
	if !ok {
		return nil, domain.ErrFlowNotFound
	}
	if number == 0 {
		number = flow.Revision
	}
	for _, rev := range f.revisions[flowUUID] {
		if rev.Number == number {
			c := *rev
			return &c, nil
		}
	}
	return nil, domain.ErrNoRevision
}

// AppendRevision stores rev and moves the flow to it.
func (f *Flows) AppendRevision(ctx context.Context, flow *domain.Flow, rev *domain.Revision) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fc, rc := *flow, *rev
	fc.Revision = rev.Number
	f.flows[flow.UUID] = &fc
	f.revisions[flow.UUID] = append(f.revisions[flow.UUID], &rc)
	return nil
}

// List returns every flow, sorted by name.
func (f *Flows) List(ctx context.Context) ([]*domain.Flow, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]*domain.Flow, 0, len(f.flows))
	for _, flow := range f.flows {
		c := *flow
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
