package domain

// Action is a side effect declared on an ActionStep. The set is closed.
type Action interface {
	ActionType() string
	isAction()
}

// ReplyAction sends a message to the contact. Msg is keyed by language.
type ReplyAction struct {
	Msg map[string]string `json:"msg"`
}

// AddGroupAction adds the contact to groups.
type AddGroupAction struct {
	Groups []string `json:"groups"`
}

// DelGroupAction removes the contact from groups.
type DelGroupAction struct {
	Groups []string `json:"groups"`
}

// SaveFieldAction writes a contact field.
type SaveFieldAction struct {
	Field string `json:"field"`
	Label string `json:"label,omitempty"`
	Value string `json:"value"`
}

// SetLanguageAction switches the language used for the rest of the run.
type SetLanguageAction struct {
	Lang string `json:"lang"`
}

// EmailAction sends an email about the contact.
type EmailAction struct {
	Emails  []string `json:"emails"`
	Subject string   `json:"subject"`
	Msg     string   `json:"msg"`
}

// StartFlowAction hands the contact off to another flow. The current run
// ends and does not resume.
type StartFlowAction struct {
	FlowUUID string `json:"flow_uuid"`
}

func (ReplyAction) ActionType() string       { return "reply" }
func (AddGroupAction) ActionType() string    { return "add_group" }
func (DelGroupAction) ActionType() string    { return "del_group" }
func (SaveFieldAction) ActionType() string   { return "save" }
func (SetLanguageAction) ActionType() string { return "lang" }
func (EmailAction) ActionType() string       { return "email" }
func (StartFlowAction) ActionType() string   { return "flow" }

func (ReplyAction) isAction()       {}
func (AddGroupAction) isAction()    {}
func (DelGroupAction) isAction()    {}
func (SaveFieldAction) isAction()   {}
func (SetLanguageAction) isAction() {}
func (EmailAction) isAction()       {}
func (StartFlowAction) isAction()   {}

// ActionRequest represents a side-effect that the engine requests the host to perform.
type ActionRequest struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Action request types.
const (
	// ActionSendMsg payload: MsgOut
	ActionSendMsg = "SEND_MSG"
	// ActionAddGroups and ActionRemoveGroups payload: GroupChange
	ActionAddGroups    = "ADD_GROUPS"
	ActionRemoveGroups = "REMOVE_GROUPS"
	// ActionSaveField payload: FieldChange
	ActionSaveField = "SAVE_FIELD"
	// ActionSetLanguage payload: FieldChange with Field "language"
	ActionSetLanguage = "SET_LANGUAGE"
	// ActionSendEmail payload: EmailOut
	ActionSendEmail = "SEND_EMAIL"
	// ActionCallWebhook asks the host to run a webhook and report back with
	// a webhook_result event. Payload: WebhookCall
	ActionCallWebhook = "CALL_WEBHOOK"
)

// MsgOut is an outbound message.
type MsgOut struct {
	RunUUID     string `json:"run_uuid"`
	ContactUUID string `json:"contact_uuid"`
	Text        string `json:"text"`
	Language    string `json:"language,omitempty"`
}

// GroupChange adds or removes group memberships.
type GroupChange struct {
	ContactUUID string   `json:"contact_uuid"`
	Groups      []string `json:"groups"`
}

// FieldChange updates a contact attribute.
type FieldChange struct {
	ContactUUID string `json:"contact_uuid"`
	Field       string `json:"field"`
	Value       string `json:"value"`
}

// EmailOut is an outbound email.
type EmailOut struct {
	RunUUID string   `json:"run_uuid"`
	Emails  []string `json:"emails"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

// WebhookCall describes a call the host must perform on the engine's behalf.
type WebhookCall struct {
	RunUUID  string            `json:"run_uuid"`
	StepUUID string            `json:"step_uuid"`
	URL      string            `json:"url,omitempty"`
	Resthook string            `json:"resthook,omitempty"`
	Method   string            `json:"method"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     string            `json:"body"`
}
