package dsl

import (
	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/istresearch/rapidpro-sub000/pkg/rules"
)

const baseLanguage = "base"

// ActionSetBuilder provides a fluent API for configuring an action set.
type ActionSetBuilder struct {
	step *domain.ActionStep
}

// Reply sends text to the contact.
func (a *ActionSetBuilder) Reply(text string) *ActionSetBuilder {
	return a.Do(domain.ReplyAction{Msg: map[string]string{baseLanguage: text}})
}

// Save writes value into a contact field.
func (a *ActionSetBuilder) Save(field, value string) *ActionSetBuilder {
	return a.Do(domain.SaveFieldAction{Field: field, Value: value})
}

// AddGroups adds the contact to groups.
func (a *ActionSetBuilder) AddGroups(groups ...string) *ActionSetBuilder {
	return a.Do(domain.AddGroupAction{Groups: groups})
}

// Do appends any action.
func (a *ActionSetBuilder) Do(action domain.Action) *ActionSetBuilder {
	a.step.Actions = append(a.step.Actions, action)
	return a
}

// Exit sets the exit UUID used for path counts. It defaults to the set's UUID.
func (a *ActionSetBuilder) Exit(uuid string) *ActionSetBuilder {
	a.step.ExitUUID = uuid
	return a
}

// Go sets the destination.
func (a *ActionSetBuilder) Go(target string) *ActionSetBuilder {
	a.step.Destination = target
	return a
}

// RuleSetBuilder provides a fluent API for configuring a rule set.
type RuleSetBuilder struct {
	step *domain.RuleStep
}

// Label names the result the step saves.
func (r *RuleSetBuilder) Label(label string) *RuleSetBuilder {
	r.step.Label = label
	return r
}

// Operand sets the expression an expression step evaluates.
func (r *RuleSetBuilder) Operand(expr string) *RuleSetBuilder {
	r.step.Operand = expr
	return r
}

// Timeout makes a wait give up after minutes. Pair it with a
// rules.TimeoutTest case.
func (r *RuleSetBuilder) Timeout(minutes int) *RuleSetBuilder {
	r.step.TimeoutMinutes = minutes
	return r
}

// Webhook configures the URL a webhook step calls.
func (r *RuleSetBuilder) Webhook(cfg domain.WebhookConfig) *RuleSetBuilder {
	r.step.Webhook = &cfg
	return r
}

// Resthook names the resthook whose subscribers are called.
func (r *RuleSetBuilder) Resthook(name string) *RuleSetBuilder {
	r.step.Resthook = name
	return r
}

// Subflow names the child flow a subflow step starts.
func (r *RuleSetBuilder) Subflow(flowUUID string) *RuleSetBuilder {
	r.step.Subflow = &domain.SubflowConfig{FlowUUID: flowUUID}
	return r
}

// Case adds a rule. An empty target ends the run when the rule matches.
func (r *RuleSetBuilder) Case(uuid string, test rules.Test, category, target string) *RuleSetBuilder {
	r.step.Rules = append(r.step.Rules, domain.Rule{
		UUID:        uuid,
		Test:        test,
		Category:    domain.Category{baseLanguage: category},
		Destination: target,
	})
	return r
}

// Otherwise adds the catch-all rule. It must come last.
func (r *RuleSetBuilder) Otherwise(uuid, category, target string) *RuleSetBuilder {
	return r.Case(uuid, rules.TrueTest{}, category, target)
}
