package compiler

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/mitchellh/mapstructure"
)

// definition is the stored JSON form of a revision.
type definition struct {
	FlowUUID            string         `json:"flow_uuid,omitempty"`
	SpecVersion         int            `json:"spec_version"`
	BaseLanguage        string         `json:"base_language"`
	ExpiresAfterMinutes int            `json:"expires_after_minutes"`
	Entry               string         `json:"entry"`
	ActionSets          []actionSetDef `json:"action_sets"`
	RuleSets            []ruleSetDef   `json:"rule_sets"`
}

type actionSetDef struct {
	UUID        string           `json:"uuid"`
	ExitUUID    string           `json:"exit_uuid,omitempty"`
	Destination string           `json:"destination,omitempty"`
	Actions     []map[string]any `json:"actions"`
}

type ruleSetDef struct {
	UUID    string              `json:"uuid"`
	Label   string              `json:"label"`
	Type    domain.RuleStepType `json:"type"`
	Operand string              `json:"operand,omitempty"`
	Config  map[string]any      `json:"config,omitempty"`
	Rules   []domain.Rule       `json:"rules"`
}

type resthookConfig struct {
	Resthook string `json:"resthook"`
}

type waitConfig struct {
	TimeoutMinutes int `json:"timeout_minutes,omitempty"`
}

type actionDecoder func(map[string]any) (domain.Action, error)

func decodeAction[T domain.Action](raw map[string]any) (domain.Action, error) {
	var a T
	if err := decode(raw, &a); err != nil {
		return nil, err
	}
	return a, nil
}

var actionDecoders = map[string]actionDecoder{
	"reply":     decodeAction[domain.ReplyAction],
	"add_group": decodeAction[domain.AddGroupAction],
	"del_group": decodeAction[domain.DelGroupAction],
	"save":      decodeAction[domain.SaveFieldAction],
	"lang":      decodeAction[domain.SetLanguageAction],
	"email":     decodeAction[domain.EmailAction],
	"flow":      decodeAction[domain.StartFlowAction],
}

var localizedType = reflect.TypeOf(map[string]string{})

// stringToLocalized lets a plain string stand in for a language map.
func stringToLocalized(from, to reflect.Type, data any) (any, error) {
	if from.Kind() == reflect.String && to == localizedType {
		return map[string]string{"base": data.(string)}, nil
	}
	return data, nil
}

func decode(input, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.DecodeHookFuncType(stringToLocalized),
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

// encode flattens a config or action struct into a generic map.
func encode(in any) (map[string]any, error) {
	out := map[string]any{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "json", Result: &out})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(in); err != nil {
		return nil, err
	}
	return out, nil
}

// Parse converts a stored definition into a Graph. It does not validate
// the graph; see package validator for that.
func Parse(data []byte) (*domain.Graph, error) {
	var def definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse definition: %w", err)
	}

	g := &domain.Graph{
		FlowUUID:            def.FlowUUID,
		SpecVersion:         def.SpecVersion,
		BaseLanguage:        def.BaseLanguage,
		ExpiresAfterMinutes: def.ExpiresAfterMinutes,
		Entry:               def.Entry,
	}

	for _, as := range def.ActionSets {
		step := &domain.ActionStep{UUID: as.UUID, ExitUUID: as.ExitUUID, Destination: as.Destination}
		if step.ExitUUID == "" {
			step.ExitUUID = step.UUID
		}
		for i, raw := range as.Actions {
			kind, _ := raw["type"].(string)
			decodeFn, ok := actionDecoders[kind]
			if !ok {
				return nil, fmt.Errorf("action set %s: action %d has unknown type %q", as.UUID, i, kind)
			}
			action, err := decodeFn(raw)
			if err != nil {
				return nil, fmt.Errorf("action set %s: invalid %s action: %w", as.UUID, kind, err)
			}
			step.Actions = append(step.Actions, action)
		}
		g.ActionSteps = append(g.ActionSteps, step)
	}

	responses := 0
	for _, rs := range def.RuleSets {
		step := &domain.RuleStep{
			UUID:    rs.UUID,
			Label:   rs.Label,
			Type:    rs.Type,
			Operand: rs.Operand,
			Rules:   rs.Rules,
		}
		if err := applyConfig(step, rs.Config); err != nil {
			return nil, fmt.Errorf("rule set %s: %w", rs.UUID, err)
		}
		if step.Type == domain.RuleStepWebhook || step.Type == domain.RuleStepResthook {
			responses++
			if step.Label == "" {
				step.Label = fmt.Sprintf("Response %d", responses)
			}
		}
		g.RuleSteps = append(g.RuleSteps, step)
	}

	if g.Entry == "" {
		switch {
		case len(g.ActionSteps) > 0:
			g.Entry = g.ActionSteps[0].UUID
		case len(g.RuleSteps) > 0:
			g.Entry = g.RuleSteps[0].UUID
		}
	}

	g.Reindex()
	return g, nil
}

func applyConfig(step *domain.RuleStep, config map[string]any) error {
	if config == nil {
		config = map[string]any{}
	}
	switch step.Type {
	case domain.RuleStepWebhook:
		var cfg domain.WebhookConfig
		if err := decode(config, &cfg); err != nil {
			return fmt.Errorf("invalid webhook config: %w", err)
		}
		if cfg.Method == "" {
			cfg.Method = "POST"
		}
		step.Webhook = &cfg
	case domain.RuleStepResthook:
		var cfg resthookConfig
		if err := decode(config, &cfg); err != nil {
			return fmt.Errorf("invalid resthook config: %w", err)
		}
		step.Resthook = cfg.Resthook
	case domain.RuleStepSubflow:
		var cfg domain.SubflowConfig
		if err := decode(config, &cfg); err != nil {
			return fmt.Errorf("invalid subflow config: %w", err)
		}
		step.Subflow = &cfg
	case domain.RuleStepWaitMessage:
		var cfg waitConfig
		if err := decode(config, &cfg); err != nil {
			return fmt.Errorf("invalid wait config: %w", err)
		}
		step.TimeoutMinutes = cfg.TimeoutMinutes
	}
	return nil
}

// Serialize writes g back into its stored definition form. Parsing the
// output yields the same nodes, edges and rule order.
func Serialize(g *domain.Graph) ([]byte, error) {
	def := definition{
		FlowUUID:            g.FlowUUID,
		SpecVersion:         g.SpecVersion,
		BaseLanguage:        g.BaseLanguage,
		ExpiresAfterMinutes: g.ExpiresAfterMinutes,
		Entry:               g.Entry,
		ActionSets:          []actionSetDef{},
		RuleSets:            []ruleSetDef{},
	}

	for _, step := range g.ActionSteps {
		as := actionSetDef{UUID: step.UUID, ExitUUID: step.ExitUUID, Destination: step.Destination, Actions: []map[string]any{}}
		for _, action := range step.Actions {
			raw, err := encode(action)
			if err != nil {
				return nil, fmt.Errorf("action set %s: %w", step.UUID, err)
			}
			raw["type"] = action.ActionType()
			as.Actions = append(as.Actions, raw)
		}
		def.ActionSets = append(def.ActionSets, as)
	}

	for _, step := range g.RuleSteps {
		rs := ruleSetDef{UUID: step.UUID, Label: step.Label, Type: step.Type, Operand: step.Operand, Rules: step.Rules}
		var cfg any
		switch {
		case step.Webhook != nil:
			cfg = step.Webhook
		case step.Resthook != "":
			cfg = resthookConfig{Resthook: step.Resthook}
		case step.Subflow != nil:
			cfg = step.Subflow
		case step.TimeoutMinutes > 0:
			cfg = waitConfig{TimeoutMinutes: step.TimeoutMinutes}
		}
		if cfg != nil {
			raw, err := encode(cfg)
			if err != nil {
				return nil, fmt.Errorf("rule set %s: %w", step.UUID, err)
			}
			rs.Config = raw
		}
		if rs.Rules == nil {
			rs.Rules = []domain.Rule{}
		}
		def.RuleSets = append(def.RuleSets, rs)
	}

	return json.Marshal(def)
}
