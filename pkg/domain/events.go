package domain

import (
	"context"
	"time"
)

// EventType names an inbound event.
type EventType string

const (
	EventMsg           EventType = "msg"
	EventTimeout       EventType = "timeout"
	EventWebhookResult EventType = "webhook_result"
)

// Event is an inbound event for a contact. Handling is idempotent per UUID.
type Event struct {
	UUID        string    `json:"uuid"`
	Type        EventType `json:"type"`
	ContactUUID string    `json:"contact_uuid"`
	// RunUUID targets a specific run. When empty the contact's innermost
	// waiting run is used.
	RunUUID   string         `json:"run_uuid,omitempty"`
	Text      string         `json:"text,omitempty"`
	Webhook   *WebhookResult `json:"webhook,omitempty"`
	CreatedOn time.Time      `json:"created_on"`
}

// WebhookStatus is the coarse outcome of a webhook call.
type WebhookStatus string

const (
	WebhookStatusSuccess WebhookStatus = "success"
	WebhookStatusFailure WebhookStatus = "failure"
)

// WebhookResult is the outcome of a webhook or resthook call.
type WebhookResult struct {
	Status     WebhookStatus `json:"status"`
	StatusCode int           `json:"status_code"`
	URL        string        `json:"url,omitempty"`
	Body       string        `json:"body"`
	// Unsubscribed lists resthook subscribers that answered 410 Gone.
	Unsubscribed []string `json:"unsubscribed,omitempty"`
}

// NodeEvent reports a run arriving at a node.
type NodeEvent struct {
	Timestamp time.Time `json:"timestamp"`
	FlowUUID  string    `json:"flow_uuid"`
	RunUUID   string    `json:"run_uuid"`
	NodeUUID  string    `json:"node_uuid"`
	NodeType  string    `json:"node_type"`
}

// RunExitEvent reports a run reaching a terminal status.
type RunExitEvent struct {
	Timestamp time.Time `json:"timestamp"`
	FlowUUID  string    `json:"flow_uuid"`
	RunUUID   string    `json:"run_uuid"`
	Status    RunStatus `json:"status"`
}

// WebhookEvent reports a finished webhook call.
type WebhookEvent struct {
	Timestamp time.Time     `json:"timestamp"`
	FlowUUID  string        `json:"flow_uuid"`
	RunUUID   string        `json:"run_uuid"`
	URL       string        `json:"url"`
	Status    WebhookStatus `json:"status"`
	Duration  time.Duration `json:"duration"`
}

// LifecycleHooks defines callbacks for engine observability.
type LifecycleHooks struct {
	OnNodeEnter     func(context.Context, *NodeEvent)
	OnRunExit       func(context.Context, *RunExitEvent)
	OnWebhookCalled func(context.Context, *WebhookEvent)
}

// StartRequest asks for a contact to be started in a flow.
type StartRequest struct {
	FlowUUID    string `json:"flow_uuid"`
	ContactUUID string `json:"contact_uuid"`
	// Restart interrupts an existing run in the same flow instead of
	// leaving it alone.
	Restart  bool              `json:"restart"`
	Language string            `json:"language,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Outcome is what an engine call did: the runs it touched and the side
// effects the host must perform, in the order they were produced.
type Outcome struct {
	Handled bool            `json:"handled"`
	Runs    []*Run          `json:"runs"`
	Actions []ActionRequest `json:"actions"`
}
