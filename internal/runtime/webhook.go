package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/istresearch/rapidpro-sub000/pkg/webhook"
)

// callWebhook performs a webhook or resthook step. It returns nil when no
// caller is configured; a CALL_WEBHOOK request is emitted instead.
func (e *Engine) callWebhook(ctx context.Context, sp *sprint, g *domain.Graph, run *domain.Run, rs *domain.RuleStep) *domain.WebhookResult {
	body := e.webhookBody(sp, run, rs)

	if rs.Type == domain.RuleStepResthook {
		if e.webhooks == nil {
			sp.emit(domain.ActionRequest{Type: domain.ActionCallWebhook, Payload: domain.WebhookCall{
				RunUUID:  run.UUID,
				StepUUID: rs.UUID,
				Resthook: rs.Resthook,
				Method:   "POST",
				Body:     body,
			}})
			return nil
		}

		var subscribers []string
		if e.resthook != nil {
			var err error
			subscribers, err = e.resthook.Subscribers(ctx, rs.Resthook)
			if err != nil {
				e.logger.Error("failed to load resthook subscribers", "resthook", rs.Resthook, "error", err)
				return &domain.WebhookResult{Status: domain.WebhookStatusFailure, Body: err.Error()}
			}
		}
		started := time.Now()
		result := e.webhooks.CallResthook(ctx, subscribers, body)
		e.webhookCalled(ctx, sp, run, "resthook:"+rs.Resthook, result, time.Since(started))
		e.unsubscribe(ctx, rs.Resthook, result.Unsubscribed)
		return result
	}

	if rs.Webhook == nil {
		return &domain.WebhookResult{Status: domain.WebhookStatusFailure, Body: "webhook step has no configuration"}
	}
	cfg := *rs.Webhook
	cfg.URL = e.substitute(cfg.URL, run)
	if len(cfg.Headers) > 0 {
		cfg.Headers = make(map[string]string, len(rs.Webhook.Headers))
		for k, v := range rs.Webhook.Headers {
			cfg.Headers[k] = e.substitute(v, run)
		}
	}

	if e.webhooks == nil {
		sp.emit(domain.ActionRequest{Type: domain.ActionCallWebhook, Payload: domain.WebhookCall{
			RunUUID:  run.UUID,
			StepUUID: rs.UUID,
			URL:      cfg.URL,
			Method:   cfg.Method,
			Headers:  cfg.Headers,
			Body:     body,
		}})
		return nil
	}

	started := time.Now()
	result := e.webhooks.Call(ctx, cfg, body)
	e.webhookCalled(ctx, sp, run, cfg.URL, result, time.Since(started))
	return result
}

func (e *Engine) webhookCalled(ctx context.Context, sp *sprint, run *domain.Run, url string, result *domain.WebhookResult, took time.Duration) {
	e.logger.Debug("webhook called", "run_uuid", run.UUID, "url", url, "status", result.Status, "status_code", result.StatusCode)
	if e.hooks.OnWebhookCalled != nil {
		e.hooks.OnWebhookCalled(ctx, &domain.WebhookEvent{
			Timestamp: sp.now,
			FlowUUID:  run.FlowUUID,
			RunUUID:   run.UUID,
			URL:       url,
			Status:    result.Status,
			Duration:  took,
		})
	}
}

func (e *Engine) unsubscribe(ctx context.Context, resthook string, urls []string) {
	if e.resthook == nil {
		return
	}
	for _, url := range urls {
		if err := e.resthook.Unsubscribe(ctx, resthook, url); err != nil {
			e.logger.Warn("failed to remove gone resthook subscriber", "resthook", resthook, "url", url, "error", err)
		}
	}
}

// applyWebhookResult logs the call on the run, merges the response into the
// run's extras and routes on the outcome. The raw body is the value rules
// see, so a failure is as routable as a success.
func (e *Engine) applyWebhookResult(sp *sprint, g *domain.Graph, run *domain.Run, rs *domain.RuleStep, result *domain.WebhookResult, eventUUID string) *domain.Rule {
	run.Events = append(run.Events, domain.RunEvent{
		Type:      domain.RunEventWebhookCalled,
		CreatedOn: sp.now,
		StepUUID:  run.CurrentStepUUID(),
		EventUUID: eventUUID,
		Payload: map[string]any{
			"url":         result.URL,
			"status":      string(result.Status),
			"status_code": result.StatusCode,
		},
	})

	key := rs.ResultKey()
	if key == "" {
		key = "response"
	}
	for k, v := range webhook.Flatten(key, result.Body) {
		run.Extra[k] = v
	}

	rctx := e.rulesContext(run, sp.now)
	rctx.WebhookStatus = string(result.Status)
	return e.route(sp, g, run, rs, result.Body, rctx)
}

type webhookPayload struct {
	Contact string                   `json:"contact"`
	Flow    string                   `json:"flow"`
	Run     string                   `json:"run"`
	Step    string                   `json:"step"`
	Text    string                   `json:"text,omitempty"`
	Results map[string]webhookResult `json:"results"`
	Extra   map[string]string        `json:"extra,omitempty"`
}

type webhookResult struct {
	Category string `json:"category"`
	Value    string `json:"value"`
}

// webhookBody renders the configured body, or the default JSON description
// of the run when none is configured.
func (e *Engine) webhookBody(sp *sprint, run *domain.Run, rs *domain.RuleStep) string {
	if rs.Webhook != nil && rs.Webhook.Body != "" {
		return e.substitute(rs.Webhook.Body, run)
	}
	payload := webhookPayload{
		Contact: run.ContactUUID,
		Flow:    run.FlowUUID,
		Run:     run.UUID,
		Step:    rs.UUID,
		Text:    sp.lastText[run.UUID],
		Results: make(map[string]webhookResult, len(run.Results)),
		Extra:   run.Extra,
	}
	for k, r := range run.Results {
		payload.Results[k] = webhookResult{Category: r.Category, Value: r.Value}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("failed to encode webhook payload", "error", err)
		return "{}"
	}
	return string(b)
}
