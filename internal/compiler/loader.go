package compiler

import (
	"context"
	"fmt"
	"sync"

	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/istresearch/rapidpro-sub000/pkg/ports"
)

type graphKey struct {
	flow     string
	revision int
}

// Loader implements ports.GraphLoader on top of a FlowRepository. Parsed
// revisions are immutable so they are cached forever.
type Loader struct {
	repo ports.FlowRepository

	mu    sync.RWMutex
	cache map[graphKey]*domain.Graph
}

// NewLoader creates a caching graph loader.
func NewLoader(repo ports.FlowRepository) *Loader {
	return &Loader{repo: repo, cache: make(map[graphKey]*domain.Graph)}
}

// GetGraph returns the parsed graph of a revision; 0 means current.
func (l *Loader) GetGraph(ctx context.Context, flowUUID string, revision int) (*domain.Graph, error) {
	flow, err := l.repo.GetFlow(ctx, flowUUID)
	if err != nil {
		return nil, err
	}
	if revision == 0 {
		revision = flow.Revision
	}
	if revision == 0 {
		return nil, domain.ErrNoRevision
	}

	key := graphKey{flow: flowUUID, revision: revision}
	l.mu.RLock()
	g, ok := l.cache[key]
	l.mu.RUnlock()
	if ok {
		return g, nil
	}

	rev, err := l.repo.GetRevision(ctx, flowUUID, revision)
	if err != nil {
		return nil, err
	}
	g, err = Parse(rev.Definition)
	if err != nil {
		return nil, fmt.Errorf("flow %s revision %d: %w", flowUUID, revision, err)
	}
	g.FlowUUID = flowUUID
	g.Revision = rev.Number
	if g.BaseLanguage == "" {
		g.BaseLanguage = flow.BaseLanguage
	}
	if flow.ExpiresAfterMinutes > 0 {
		g.ExpiresAfterMinutes = flow.ExpiresAfterMinutes
	}

	l.mu.Lock()
	l.cache[key] = g
	l.mu.Unlock()
	return g, nil
}
