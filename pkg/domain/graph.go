package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/istresearch/rapidpro-sub000/pkg/rules"
)

// RuleStepType decides where a RuleStep gets its input from.
type RuleStepType string

const (
	// RuleStepWaitMessage halts until the contact replies (hard step).
	RuleStepWaitMessage RuleStepType = "wait_message"
	// RuleStepExpression evaluates its operand immediately (soft step).
	RuleStepExpression RuleStepType = "expression"
	// RuleStepWebhook calls an external URL and branches on the response.
	RuleStepWebhook RuleStepType = "webhook"
	// RuleStepResthook posts to every subscriber of a resthook.
	RuleStepResthook RuleStepType = "resthook"
	// RuleStepSubflow starts a child run and parks until it ends.
	RuleStepSubflow RuleStepType = "subflow"
	// RuleStepRandom splits runs between its rules. A run always lands in
	// the same bucket.
	RuleStepRandom RuleStepType = "random"
)

// WaitsForMessage reports whether the step consumes an inbound message.
func (t RuleStepType) WaitsForMessage() bool {
	return t == RuleStepWaitMessage
}

// Valid reports whether t is a known step type.
func (t RuleStepType) Valid() bool {
	switch t {
	case RuleStepWaitMessage, RuleStepExpression, RuleStepWebhook, RuleStepResthook, RuleStepSubflow, RuleStepRandom:
		return true
	}
	return false
}

// MaxCategoryLength is the longest category name stored in results and counts.
const MaxCategoryLength = 36

// Node is either an *ActionStep or a *RuleStep.
type Node interface {
	NodeUUID() string
	isNode()
}

// ActionStep runs its actions in order and follows its single exit.
type ActionStep struct {
	UUID        string   `json:"uuid"`
	ExitUUID    string   `json:"exit_uuid"`
	Destination string   `json:"destination,omitempty"`
	Actions     []Action `json:"-"`
}

// RuleStep evaluates Rules against its input; the first match picks the exit.
type RuleStep struct {
	UUID    string       `json:"uuid"`
	Label   string       `json:"label"`
	Type    RuleStepType `json:"type"`
	Operand string       `json:"operand,omitempty"`
	Rules   []Rule       `json:"rules"`

	Webhook        *WebhookConfig `json:"-"`
	Resthook       string         `json:"-"`
	Subflow        *SubflowConfig `json:"-"`
	TimeoutMinutes int            `json:"-"`
}

func (a *ActionStep) NodeUUID() string { return a.UUID }
func (r *RuleStep) NodeUUID() string   { return r.UUID }
func (*ActionStep) isNode()            {}
func (*RuleStep) isNode()              {}

// ResultKey is the key this step writes into run results.
func (r *RuleStep) ResultKey() string {
	return Slugify(r.Label)
}

// WebhookConfig configures a webhook RuleStep.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// SubflowConfig configures a subflow RuleStep.
type SubflowConfig struct {
	FlowUUID string `json:"flow_uuid"`
}

// Rule is one branch of a RuleStep.
type Rule struct {
	UUID        string
	Test        rules.Test
	Category    Category
	Destination string
}

type ruleJSON struct {
	UUID        string          `json:"uuid"`
	Test        json.RawMessage `json:"test"`
	Category    Category        `json:"category"`
	Destination string          `json:"destination,omitempty"`
}

func (r Rule) MarshalJSON() ([]byte, error) {
	test, err := rules.Marshal(r.Test)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.UUID, err)
	}
	return json.Marshal(ruleJSON{UUID: r.UUID, Test: test, Category: r.Category, Destination: r.Destination})
}

func (r *Rule) UnmarshalJSON(data []byte) error {
	var raw ruleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.Test) == 0 {
		return fmt.Errorf("rule %s has no test", raw.UUID)
	}
	test, err := rules.Unmarshal(raw.Test)
	if err != nil {
		return fmt.Errorf("rule %s: %w", raw.UUID, err)
	}
	*r = Rule{UUID: raw.UUID, Test: test, Category: raw.Category, Destination: raw.Destination}
	return nil
}

// Category is a rule label, optionally localized. A plain JSON string
// decodes to a single base entry.
type Category map[string]string

const baseCategoryKey = "base"

func (c Category) MarshalJSON() ([]byte, error) {
	if len(c) == 1 {
		if v, ok := c[baseCategoryKey]; ok {
			return json.Marshal(v)
		}
	}
	return json.Marshal(map[string]string(c))
}

func (c *Category) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Category{baseCategoryKey: s}
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("category must be a string or a language map: %w", err)
	}
	*c = m
	return nil
}

// Name returns the label in lang, falling back to base then to any translation.
func (c Category) Name(lang, base string) string {
	if v, ok := c[lang]; ok && v != "" {
		return v
	}
	if v, ok := c[base]; ok && v != "" {
		return v
	}
	if v, ok := c[baseCategoryKey]; ok {
		return v
	}
	for _, v := range c {
		return v
	}
	return ""
}

// TruncateCategory shortens name to MaxCategoryLength characters.
func TruncateCategory(name string) string {
	r := []rune(name)
	if len(r) <= MaxCategoryLength {
		return name
	}
	return string(r[:MaxCategoryLength])
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify turns a label into a result key: "Favorite Color" becomes "favorite_color".
func Slugify(label string) string {
	return strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(label), "_"), "_")
}

// Graph is the parsed, immutable form of one revision.
type Graph struct {
	FlowUUID            string
	Revision            int
	SpecVersion         int
	BaseLanguage        string
	ExpiresAfterMinutes int
	Entry               string
	ActionSteps         []*ActionStep
	RuleSteps           []*RuleStep

	index map[string]Node
}

// Reindex rebuilds the node lookup table. Call it once after building a
// graph and before sharing it between goroutines.
func (g *Graph) Reindex() {
	g.index = make(map[string]Node, len(g.ActionSteps)+len(g.RuleSteps))
	for _, a := range g.ActionSteps {
		g.index[a.UUID] = a
	}
	for _, r := range g.RuleSteps {
		g.index[r.UUID] = r
	}
}

// Node looks up a node by UUID.
func (g *Graph) Node(uuid string) (Node, bool) {
	if g.index != nil {
		n, ok := g.index[uuid]
		return n, ok
	}
	for _, a := range g.ActionSteps {
		if a.UUID == uuid {
			return a, true
		}
	}
	for _, r := range g.RuleSteps {
		if r.UUID == uuid {
			return r, true
		}
	}
	return nil, false
}

// ResultSpec describes one result column: the key, its label and the
// category names in declared order.
type ResultSpec struct {
	Key        string   `json:"key"`
	Name       string   `json:"name"`
	Categories []string `json:"categories"`
}

// Results lists the result specs declared by the graph's labelled RuleSteps.
// Steps sharing a key are merged, and so are categories sharing a name.
func (g *Graph) Results() []ResultSpec {
	var specs []ResultSpec
	positions := map[string]int{}
	for _, rs := range g.RuleSteps {
		key := rs.ResultKey()
		if key == "" {
			continue
		}
		i, ok := positions[key]
		if !ok {
			i = len(specs)
			positions[key] = i
			specs = append(specs, ResultSpec{Key: key, Name: rs.Label})
		}
		for _, rule := range rs.Rules {
			name := TruncateCategory(rule.Category.Name(g.BaseLanguage, g.BaseLanguage))
			if name != "" && !containsString(specs[i].Categories, name) {
				specs[i].Categories = append(specs[i].Categories, name)
			}
		}
	}
	return specs
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
