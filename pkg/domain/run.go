package domain

import "time"

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusActive      RunStatus = "active"      // Mid-path, or parked while a child run executes
	StatusWaiting     RunStatus = "waiting"     // Sitting at a RuleStep that needs a message
	StatusCompleted   RunStatus = "completed"   // Ran out of graph
	StatusExpired     RunStatus = "expired"     // Waited longer than the flow allows
	StatusInterrupted RunStatus = "interrupted" // Replaced by another run or misconfigured
	StatusFailed      RunStatus = "failed"      // Could not be executed at all
)

// Terminal reports whether s ends the run.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusExpired, StatusInterrupted, StatusFailed:
		return true
	}
	return false
}

// MaxPathLength caps the stored path; the oldest steps are pruned first.
const MaxPathLength = 500

// PathStep records one arrival at a node.
type PathStep struct {
	UUID      string    `json:"uuid"`
	NodeUUID  string    `json:"node_uuid"`
	ArrivedOn time.Time `json:"arrived_on"`
	ExitUUID  string    `json:"exit_uuid,omitempty"`
}

// RunEventType names entries of the run's event log.
type RunEventType string

const (
	RunEventMsgCreated     RunEventType = "msg_created"
	RunEventMsgReceived    RunEventType = "msg_received"
	RunEventWebhookCalled  RunEventType = "webhook_called"
	RunEventWaitTimedOut   RunEventType = "wait_timed_out"
	RunEventResultRecorded RunEventType = "result_recorded"
)

// RunEvent is one entry in the run's event log. EventUUID is set when the
// entry was caused by an inbound event and makes redelivery detectable.
type RunEvent struct {
	Type      RunEventType   `json:"type"`
	CreatedOn time.Time      `json:"created_on"`
	StepUUID  string         `json:"step_uuid,omitempty"`
	EventUUID string         `json:"event_uuid,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Result is the outcome of a labelled RuleStep.
type Result struct {
	Name              string    `json:"name"`
	Category          string    `json:"category"`
	CategoryLocalized string    `json:"category_localized,omitempty"`
	Value             string    `json:"value"`
	Input             string    `json:"input,omitempty"`
	NodeUUID          string    `json:"node_uuid"`
	CreatedOn         time.Time `json:"created_on"`
}

// Run is one contact's traversal of a flow.
type Run struct {
	UUID        string `json:"uuid"`
	FlowUUID    string `json:"flow_uuid"`
	ContactUUID string `json:"contact_uuid"`
	Language    string `json:"language,omitempty"`

	CurrentNode string    `json:"current_node,omitempty"`
	Status      RunStatus `json:"status"`
	IsActive    bool      `json:"is_active"`
	Responded   bool      `json:"responded"`

	Path    []PathStep        `json:"path"`
	Events  []RunEvent        `json:"events"`
	Results map[string]Result `json:"results"`
	Extra   map[string]string `json:"extra,omitempty"`

	// Applied holds the most recent inbound event UUIDs that changed this
	// run, including those applied through another run of the same stack.
	Applied []string `json:"applied,omitempty"`

	// ParentUUID points up the subflow stack. Children are found by query,
	// never by back reference.
	ParentUUID string `json:"parent_uuid,omitempty"`

	CreatedOn  time.Time  `json:"created_on"`
	ModifiedOn time.Time  `json:"modified_on"`
	ExpiresOn  *time.Time `json:"expires_on,omitempty"`
	TimeoutOn  *time.Time `json:"timeout_on,omitempty"`
	ExitedOn   *time.Time `json:"exited_on,omitempty"`
}

// NewRun creates an active run with empty history.
func NewRun(uuid, flowUUID, contactUUID string, now time.Time) *Run {
	return &Run{
		UUID:        uuid,
		FlowUUID:    flowUUID,
		ContactUUID: contactUUID,
		Status:      StatusActive,
		IsActive:    true,
		Results:     make(map[string]Result),
		Extra:       make(map[string]string),
		CreatedOn:   now,
		ModifiedOn:  now,
	}
}

// MaxApplied caps Run.Applied; the oldest UUIDs are dropped first.
const MaxApplied = 20

// HasHandled reports whether the inbound event was already applied.
func (r *Run) HasHandled(eventUUID string) bool {
	if eventUUID == "" {
		return false
	}
	for _, id := range r.Applied {
		if id == eventUUID {
			return true
		}
	}
	for _, e := range r.Events {
		if e.EventUUID == eventUUID {
			return true
		}
	}
	return false
}

// MarkApplied records that eventUUID changed the run.
func (r *Run) MarkApplied(eventUUID string) {
	if eventUUID == "" || r.HasHandled(eventUUID) {
		return
	}
	r.Applied = append(r.Applied, eventUUID)
	if over := len(r.Applied) - MaxApplied; over > 0 {
		r.Applied = append(r.Applied[:0:0], r.Applied[over:]...)
	}
}

// LastArrival is when the run arrived at its current node.
func (r *Run) LastArrival() time.Time {
	if len(r.Path) == 0 {
		return r.CreatedOn
	}
	return r.Path[len(r.Path)-1].ArrivedOn
}

// AppendStep adds a path step, pruning the oldest entries beyond MaxPathLength.
func (r *Run) AppendStep(step PathStep) {
	r.Path = append(r.Path, step)
	if over := len(r.Path) - MaxPathLength; over > 0 {
		r.Path = append(r.Path[:0:0], r.Path[over:]...)
	}
}

// SetExit records the exit taken from the current (last) path step.
func (r *Run) SetExit(exitUUID string) {
	if len(r.Path) > 0 {
		r.Path[len(r.Path)-1].ExitUUID = exitUUID
	}
}

// CurrentStepUUID is the UUID of the last path step.
func (r *Run) CurrentStepUUID() string {
	if len(r.Path) == 0 {
		return ""
	}
	return r.Path[len(r.Path)-1].UUID
}

// Exit ends the run with a terminal status.
func (r *Run) Exit(status RunStatus, now time.Time) {
	r.Status = status
	r.IsActive = false
	r.ExpiresOn = nil
	r.TimeoutOn = nil
	r.ExitedOn = &now
	r.ModifiedOn = now
}

// Resting is the node a live run currently sits on, or "" once it ended.
func (r *Run) Resting() string {
	if !r.IsActive {
		return ""
	}
	return r.CurrentNode
}

// WaitingAt is the node a WAITING run waits at, or empty.
func (r *Run) WaitingAt() string {
	if r.Status != StatusWaiting {
		return ""
	}
	return r.CurrentNode
}

// Clone returns a deep copy safe to mutate.
func (r *Run) Clone() *Run {
	c := *r
	c.Path = append([]PathStep(nil), r.Path...)
	c.Events = make([]RunEvent, len(r.Events))
	for i, e := range r.Events {
		c.Events[i] = e
		if e.Payload != nil {
			c.Events[i].Payload = make(map[string]any, len(e.Payload))
			for k, v := range e.Payload {
				c.Events[i].Payload[k] = v
			}
		}
	}
	c.Results = make(map[string]Result, len(r.Results))
	for k, v := range r.Results {
		c.Results[k] = v
	}
	c.Extra = make(map[string]string, len(r.Extra))
	for k, v := range r.Extra {
		c.Extra[k] = v
	}
	c.ExpiresOn = copyTime(r.ExpiresOn)
	c.TimeoutOn = copyTime(r.TimeoutOn)
	c.ExitedOn = copyTime(r.ExitedOn)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
