package validator

import (
	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/istresearch/rapidpro-sub000/pkg/rules"
)

// Validate checks a parsed graph before it may be saved as a revision.
//
// Structural problems are collected into a *domain.FlowValidationError. Only
// when the structure is sound is the graph walked for loops that never stop
// for input, which are reported as *domain.InvalidCycleError.
func Validate(g *domain.Graph) error {
	problems := &domain.FlowValidationError{}

	checkIdentifiers(g, problems)
	checkEdges(g, problems)
	for _, rs := range g.RuleSteps {
		checkRuleStep(rs, problems)
	}

	if err := problems.OrNil(); err != nil {
		return err
	}
	if cycle := findPassiveCycle(g); cycle != nil {
		return &domain.InvalidCycleError{NodeUUIDs: cycle}
	}
	return nil
}

func checkIdentifiers(g *domain.Graph, problems *domain.FlowValidationError) {
	owner := map[string]string{}
	claim := func(uuid, what string) {
		if uuid == "" {
			problems.Add("%s has no uuid", what)
			return
		}
		if prev, ok := owner[uuid]; ok {
			problems.Add("uuid %s is used by both %s and %s", uuid, prev, what)
			return
		}
		owner[uuid] = what
	}

	for _, as := range g.ActionSteps {
		claim(as.UUID, "action set "+as.UUID)
	}
	for _, rs := range g.RuleSteps {
		claim(rs.UUID, "rule set "+rs.UUID)
	}
	for _, as := range g.ActionSteps {
		// an action set's exit may share its own uuid
		if as.ExitUUID != "" && as.ExitUUID != as.UUID {
			claim(as.ExitUUID, "exit of action set "+as.UUID)
		}
	}
	for _, rs := range g.RuleSteps {
		for _, rule := range rs.Rules {
			claim(rule.UUID, "rule of rule set "+rs.UUID)
		}
	}
}

func checkEdges(g *domain.Graph, problems *domain.FlowValidationError) {
	if g.Entry == "" {
		problems.Add("flow has no entry node")
	} else if _, ok := g.Node(g.Entry); !ok {
		problems.Add("entry node %s does not exist", g.Entry)
	}

	for _, as := range g.ActionSteps {
		if as.Destination == "" {
			continue
		}
		if as.Destination == as.UUID {
			problems.Add("action set %s points at itself", as.UUID)
		} else if _, ok := g.Node(as.Destination); !ok {
			problems.Add("action set %s points at missing node %s", as.UUID, as.Destination)
		}
	}

	for _, rs := range g.RuleSteps {
		for _, rule := range rs.Rules {
			if rule.Destination == "" {
				continue
			}
			if rule.Destination == rs.UUID {
				problems.Add("rule %s of rule set %s points back at its own rule set", rule.UUID, rs.UUID)
			} else if _, ok := g.Node(rule.Destination); !ok {
				problems.Add("rule %s points at missing node %s", rule.UUID, rule.Destination)
			}
		}
	}
}

func checkRuleStep(rs *domain.RuleStep, problems *domain.FlowValidationError) {
	if !rs.Type.Valid() {
		problems.Add("rule set %s has unknown type %q", rs.UUID, rs.Type)
		return
	}
	if len(rs.Rules) == 0 {
		problems.Add("rule set %s has no rules", rs.UUID)
		return
	}
	for _, rule := range rs.Rules {
		if rule.Test == nil {
			problems.Add("rule %s has no test", rule.UUID)
			return
		}
	}

	switch rs.Type {
	case domain.RuleStepWebhook:
		if rs.Webhook == nil || rs.Webhook.URL == "" {
			problems.Add("webhook rule set %s has no url", rs.UUID)
		}
		if !hasCatchAll(rs) && !covers(rs, rules.WebhookSuccess, rules.WebhookFailure) {
			problems.Add("webhook rule set %s must handle both success and failure", rs.UUID)
		}
	case domain.RuleStepResthook:
		if rs.Resthook == "" {
			problems.Add("resthook rule set %s has no resthook", rs.UUID)
		}
		if !hasCatchAll(rs) && !covers(rs, rules.WebhookSuccess, rules.WebhookFailure) {
			problems.Add("resthook rule set %s must handle both success and failure", rs.UUID)
		}
	case domain.RuleStepSubflow:
		if rs.Subflow == nil || rs.Subflow.FlowUUID == "" {
			problems.Add("subflow rule set %s has no flow", rs.UUID)
		}
		if !hasCatchAll(rs) && !covers(rs, rules.SubflowCompleted, rules.SubflowExpired) {
			problems.Add("subflow rule set %s must handle both completed and expired", rs.UUID)
		}
	case domain.RuleStepRandom:
		// every rule is a bucket, none needs to match
	default:
		checkCatchAllLast(rs, problems)
	}
}

// checkCatchAllLast requires exactly one catch-all, placed after every other
// message rule. Timeout rules only fire on timeouts so they may follow it.
func checkCatchAllLast(rs *domain.RuleStep, problems *domain.FlowValidationError) {
	catchAlls := 0
	lastMessageRule := -1
	catchAllAt := -1
	for i, rule := range rs.Rules {
		if _, ok := rule.Test.(rules.TimeoutTest); ok {
			continue
		}
		lastMessageRule = i
		if rules.IsCatchAll(rule.Test) {
			catchAlls++
			catchAllAt = i
		}
	}
	switch {
	case catchAlls == 0:
		problems.Add("rule set %s has no catch-all rule", rs.UUID)
	case catchAlls > 1:
		problems.Add("rule set %s has %d catch-all rules", rs.UUID, catchAlls)
	case catchAllAt != lastMessageRule:
		problems.Add("rule set %s has rules after its catch-all", rs.UUID)
	}
}

func hasCatchAll(rs *domain.RuleStep) bool {
	for _, rule := range rs.Rules {
		if rules.IsCatchAll(rule.Test) {
			return true
		}
	}
	return false
}

// covers reports whether every outcome has a rule testing for it.
func covers(rs *domain.RuleStep, outcomes ...string) bool {
	seen := map[string]bool{}
	for _, rule := range rs.Rules {
		switch t := rule.Test.(type) {
		case rules.WebhookStatusTest:
			seen[t.Status] = true
		case rules.SubflowTest:
			seen[t.Exit] = true
		}
	}
	for _, o := range outcomes {
		if !seen[o] {
			return false
		}
	}
	return true
}

// passiveEdges lists the nodes reachable from n without waiting for a message.
// A subflow step parks its run until the child ends, so it is never passive;
// a child that ends without waiting is caught by the runtime visit limit.
func passiveEdges(n domain.Node) []string {
	switch n := n.(type) {
	case *domain.ActionStep:
		if n.Destination == "" {
			return nil
		}
		return []string{n.Destination}
	case *domain.RuleStep:
		if n.Type.WaitsForMessage() || n.Type == domain.RuleStepSubflow {
			return nil
		}
		var out []string
		for _, rule := range n.Rules {
			if rule.Destination != "" {
				out = append(out, rule.Destination)
			}
		}
		return out
	}
	return nil
}

// findPassiveCycle runs a depth-first search over passive edges and returns
// the first loop found, starting and ending with the same node.
func findPassiveCycle(g *domain.Graph) []string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := map[string]int{}
	var stack []string

	var visit func(uuid string) []string
	visit = func(uuid string) []string {
		state[uuid] = onStack
		stack = append(stack, uuid)

		node, ok := g.Node(uuid)
		if ok {
			for _, next := range passiveEdges(node) {
				switch state[next] {
				case onStack:
					for i, s := range stack {
						if s == next {
							cycle := append([]string{}, stack[i:]...)
							return append(cycle, next)
						}
					}
				case unvisited:
					if cycle := visit(next); cycle != nil {
						return cycle
					}
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[uuid] = done
		return nil
	}

	var roots []string
	for _, as := range g.ActionSteps {
		roots = append(roots, as.UUID)
	}
	for _, rs := range g.RuleSteps {
		roots = append(roots, rs.UUID)
	}
	for _, root := range roots {
		if state[root] != unvisited {
			continue
		}
		if cycle := visit(root); cycle != nil {
			return cycle
		}
	}
	return nil
}
