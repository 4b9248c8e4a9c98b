package graph

import (
	"fmt"
	"strings"

	"github.com/istresearch/rapidpro-sub000/pkg/domain"
)

// Overlay contains run or activity data to draw on top of the flow.
type Overlay struct {
	// VisitedNodes and CurrentNode usually come from one run's path.
	VisitedNodes []string
	CurrentNode  string
	// Activity labels nodes with resting runs and edges with crossings.
	Activity *domain.Activity
}

// GenerateMermaid renders a flow revision as a Mermaid flowchart.
// It applies semantic styling:
// - Entry: ((Circle))
// - Wait for message: [/Parallelogram/]
// - Webhook, resthook and subflow: [[Subroutine]]
// - Default: [Rectangle]
func GenerateMermaid(g *domain.Graph, overlay *Overlay) string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")

	var activity *domain.Activity
	if overlay != nil {
		activity = overlay.Activity
	}

	for _, step := range g.ActionSteps {
		label := fmt.Sprintf("%d actions", len(step.Actions))
		if len(step.Actions) == 1 {
			label = "1 action"
		}
		writeNode(&sb, g, step.UUID, label, "[", "]", activity)
		if step.Destination != "" {
			writeEdge(&sb, step.UUID, step.ExitUUID, step.Destination, "", activity)
		}
	}

	for _, rs := range g.RuleSteps {
		opener, closer := "[", "]"
		switch rs.Type {
		case domain.RuleStepWaitMessage:
			opener, closer = "[/", "/]"
		case domain.RuleStepWebhook, domain.RuleStepResthook, domain.RuleStepSubflow:
			opener, closer = "[[", "]]"
		}
		label := rs.Label
		if label == "" {
			label = string(rs.Type)
		}
		if rs.TimeoutMinutes > 0 {
			label = fmt.Sprintf("%s <br/> ⏱️ %dm", label, rs.TimeoutMinutes)
		}
		writeNode(&sb, g, rs.UUID, label, opener, closer, activity)
		for _, rule := range rs.Rules {
			if rule.Destination == "" {
				continue
			}
			category := rule.Category.Name(g.BaseLanguage, g.BaseLanguage)
			writeEdge(&sb, rs.UUID, rule.UUID, rule.Destination, category, activity)
		}
	}

	if overlay != nil && (len(overlay.VisitedNodes) > 0 || overlay.CurrentNode != "") {
		sb.WriteString("\n    %% Overlay Styles\n")
		// black text stays readable on both light and dark themes
		sb.WriteString("    classDef visited fill:#e1f5fe,stroke:#01579b,stroke-width:2px,color:#000;\n")
		sb.WriteString("    classDef current fill:#ffeb3b,stroke:#fbc02d,stroke-width:4px,color:#000;\n")

		visited := make(map[string]bool)
		for _, id := range overlay.VisitedNodes {
			if _, ok := g.Node(id); !ok || visited[id] {
				continue
			}
			visited[id] = true
			sb.WriteString(fmt.Sprintf("    class %s visited;\n", sanitizeMermaidID(id)))
		}
		if overlay.CurrentNode != "" {
			sb.WriteString(fmt.Sprintf("    class %s current;\n", sanitizeMermaidID(overlay.CurrentNode)))
		}
	}

	return sb.String()
}

// PathOverlay builds an overlay from a run's path.
func PathOverlay(run *domain.Run) *Overlay {
	o := &Overlay{CurrentNode: run.CurrentNode}
	for _, step := range run.Path {
		o.VisitedNodes = append(o.VisitedNodes, step.NodeUUID)
	}
	return o
}

func writeNode(sb *strings.Builder, g *domain.Graph, id, label, opener, closer string, activity *domain.Activity) {
	if id == g.Entry {
		opener, closer = "((", "))"
	}
	if activity != nil && activity.Active[id] > 0 {
		label = fmt.Sprintf("%s <br/> %d active", label, activity.Active[id])
	}
	label = strings.ReplaceAll(label, "\"", "'")
	sb.WriteString(fmt.Sprintf("    %s%s\"%s\"%s\n", sanitizeMermaidID(id), opener, label, closer))
}

func writeEdge(sb *strings.Builder, from, exit, to, label string, activity *domain.Activity) {
	if activity != nil {
		if n := activity.Paths[exit+":"+to]; n > 0 {
			if label != "" {
				label += " "
			}
			label += fmt.Sprintf("(%d)", n)
		}
	}
	arrow := "-->"
	if label != "" {
		arrow = fmt.Sprintf("-- \"%s\" -->", strings.ReplaceAll(label, "\"", "'"))
	}
	sb.WriteString(fmt.Sprintf("    %s %s %s\n", sanitizeMermaidID(from), arrow, sanitizeMermaidID(to)))
}

func sanitizeMermaidID(id string) string {
	s := strings.ReplaceAll(id, ".", "_")
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	return s
}
