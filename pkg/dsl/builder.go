package dsl

import (
	"fmt"

	"github.com/istresearch/rapidpro-sub000/internal/compiler"
	"github.com/istresearch/rapidpro-sub000/internal/validator"
	"github.com/istresearch/rapidpro-sub000/pkg/domain"
)

// Builder manages the graph construction.
type Builder struct {
	graph   domain.Graph
	actions map[string]*ActionSetBuilder
	rules   map[string]*RuleSetBuilder
}

// New creates a builder for the flow with the given UUID.
func New(flowUUID string) *Builder {
	return &Builder{
		graph:   domain.Graph{FlowUUID: flowUUID, SpecVersion: domain.CurrentSpecVersion},
		actions: make(map[string]*ActionSetBuilder),
		rules:   make(map[string]*RuleSetBuilder),
	}
}

// Language sets the base language.
func (b *Builder) Language(lang string) *Builder {
	b.graph.BaseLanguage = lang
	return b
}

// ExpiresAfter sets how long a waiting run may sit idle.
func (b *Builder) ExpiresAfter(minutes int) *Builder {
	b.graph.ExpiresAfterMinutes = minutes
	return b
}

// Entry sets the first node. It defaults to the first node added.
func (b *Builder) Entry(uuid string) *Builder {
	b.graph.Entry = uuid
	return b
}

func (b *Builder) added(uuid string) {
	if b.graph.Entry == "" {
		b.graph.Entry = uuid
	}
}

// Actions adds an action set, or returns the existing one.
func (b *Builder) Actions(uuid string) *ActionSetBuilder {
	if ab, ok := b.actions[uuid]; ok {
		return ab
	}
	ab := &ActionSetBuilder{step: &domain.ActionStep{UUID: uuid, ExitUUID: uuid}}
	b.actions[uuid] = ab
	b.graph.ActionSteps = append(b.graph.ActionSteps, ab.step)
	b.added(uuid)
	return ab
}

// Rules adds a rule set of the given type, or returns the existing one.
func (b *Builder) Rules(uuid string, stepType domain.RuleStepType) *RuleSetBuilder {
	if rb, ok := b.rules[uuid]; ok {
		return rb
	}
	rb := &RuleSetBuilder{step: &domain.RuleStep{UUID: uuid, Type: stepType}}
	b.rules[uuid] = rb
	b.graph.RuleSteps = append(b.graph.RuleSteps, rb.step)
	b.added(uuid)
	return rb
}

// Build validates and returns the graph.
func (b *Builder) Build() (*domain.Graph, error) {
	g := b.graph
	g.Reindex()
	if err := validator.Validate(&g); err != nil {
		return nil, err
	}
	return &g, nil
}

// Definition validates the graph and returns its stored JSON form.
func (b *Builder) Definition() ([]byte, error) {
	g, err := b.Build()
	if err != nil {
		return nil, err
	}
	data, err := compiler.Serialize(g)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize flow %s: %w", g.FlowUUID, err)
	}
	return data, nil
}
