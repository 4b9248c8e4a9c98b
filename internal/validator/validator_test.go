package validator

import (
	"testing"

	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/istresearch/rapidpro-sub000/pkg/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cat(name string) domain.Category { return domain.Category{"base": name} }

func reply(text string) domain.Action {
	return domain.ReplyAction{Msg: map[string]string{"base": text}}
}

// colorGraph is prompt -> ask -(Orange)-> thanks, ask -(Other)-> prompt.
func colorGraph() *domain.Graph {
	g := &domain.Graph{
		Entry: "prompt",
		ActionSteps: []*domain.ActionStep{
			{UUID: "prompt", ExitUUID: "prompt", Destination: "ask", Actions: []domain.Action{reply("What is your favorite color?")}},
			{UUID: "thanks", ExitUUID: "thanks", Actions: []domain.Action{reply("Good choice")}},
		},
		RuleSteps: []*domain.RuleStep{{
			UUID: "ask", Label: "Color", Type: domain.RuleStepWaitMessage,
			Rules: []domain.Rule{
				{UUID: "r-orange", Test: rules.ContainsTest{Test: "orange"}, Category: cat("Orange"), Destination: "thanks"},
				{UUID: "r-other", Test: rules.TrueTest{}, Category: cat("Other"), Destination: "prompt"},
			},
		}},
	}
	g.Reindex()
	return g
}

func TestValidate_Valid(t *testing.T) {
	assert.NoError(t, Validate(colorGraph()))
}

func TestValidate_RuleLoopingToItsOwnRuleSet(t *testing.T) {
	g := colorGraph()
	g.RuleSteps[0].Rules[1].Destination = "ask"

	err := Validate(g)
	var verr *domain.FlowValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Problems[0], "its own rule set")
}

func TestValidate_PassiveCycle(t *testing.T) {
	g := colorGraph()
	// an expression step never waits, so prompt -> ask -> prompt spins forever
	g.RuleSteps[0].Type = domain.RuleStepExpression
	g.RuleSteps[0].Operand = "@extra.color"

	err := Validate(g)
	var cerr *domain.InvalidCycleError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, []string{"prompt", "ask", "prompt"}, cerr.NodeUUIDs)
}

func TestValidate_SubflowRetryLoop(t *testing.T) {
	// survey -(Expired)-> retry -> survey asks the child flow again
	g := &domain.Graph{
		Entry: "survey",
		ActionSteps: []*domain.ActionStep{
			{UUID: "retry", ExitUUID: "retry", Destination: "survey", Actions: []domain.Action{reply("Let's try that again.")}},
			{UUID: "done", ExitUUID: "done", Actions: []domain.Action{reply("Thanks")}},
		},
		RuleSteps: []*domain.RuleStep{{
			UUID: "survey", Label: "Survey", Type: domain.RuleStepSubflow,
			Subflow: &domain.SubflowConfig{FlowUUID: "color-flow"},
			Rules: []domain.Rule{
				{UUID: "r-done", Test: rules.SubflowTest{Exit: rules.SubflowCompleted}, Category: cat("Completed"), Destination: "done"},
				{UUID: "r-expired", Test: rules.SubflowTest{Exit: rules.SubflowExpired}, Category: cat("Expired"), Destination: "retry"},
			},
		}},
	}
	g.Reindex()

	assert.NoError(t, Validate(g))
}

func TestValidate_CatchAll(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		g := colorGraph()
		g.RuleSteps[0].Rules = g.RuleSteps[0].Rules[:1]
		assert.ErrorContains(t, Validate(g), "no catch-all")
	})

	t.Run("not last", func(t *testing.T) {
		g := colorGraph()
		r := g.RuleSteps[0].Rules
		g.RuleSteps[0].Rules = []domain.Rule{r[1], r[0]}
		assert.ErrorContains(t, Validate(g), "after its catch-all")
	})

	t.Run("timeout may follow", func(t *testing.T) {
		g := colorGraph()
		g.RuleSteps[0].Rules = append(g.RuleSteps[0].Rules, domain.Rule{
			UUID: "r-timeout", Test: rules.TimeoutTest{Minutes: 5}, Category: cat("No Response"),
		})
		assert.NoError(t, Validate(g))
	})

	t.Run("webhook outcomes", func(t *testing.T) {
		g := colorGraph()
		g.RuleSteps = append(g.RuleSteps, &domain.RuleStep{
			UUID: "hook", Label: "Response 1", Type: domain.RuleStepWebhook,
			Webhook: &domain.WebhookConfig{URL: "http://example.com"},
			Rules: []domain.Rule{
				{UUID: "h-ok", Test: rules.WebhookStatusTest{Status: rules.WebhookSuccess}, Category: cat("Success")},
			},
		})
		g.Reindex()
		assert.ErrorContains(t, Validate(g), "success and failure")

		g.RuleSteps[1].Rules = append(g.RuleSteps[1].Rules, domain.Rule{
			UUID: "h-fail", Test: rules.WebhookStatusTest{Status: rules.WebhookFailure}, Category: cat("Failure"),
		})
		assert.NoError(t, Validate(g))
	})
}

func TestValidate_Identifiers(t *testing.T) {
	g := colorGraph()
	g.RuleSteps[0].Rules[0].UUID = "thanks"

	err := Validate(g)
	assert.ErrorContains(t, err, "uuid thanks is used by both")
}

func TestValidate_DanglingDestination(t *testing.T) {
	g := colorGraph()
	g.ActionSteps[1].Destination = "ghost"
	assert.ErrorContains(t, Validate(g), "missing node ghost")

	g = colorGraph()
	g.Entry = "nowhere"
	assert.ErrorContains(t, Validate(g), "entry node nowhere")
}
