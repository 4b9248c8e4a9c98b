package domain

import "time"

// PathKey identifies an edge: from an exit (rule UUID or action exit UUID) to a node.
type PathKey struct {
	FromUUID string `json:"from_uuid"`
	ToUUID   string `json:"to_uuid"`
}

// CategoryKey identifies a category bucket. Identity is by name, not by rule.
type CategoryKey struct {
	ResultKey string `json:"result_key"`
	Category  string `json:"category"`
}

// PathCountDelta is an append-only increment of an edge counter.
type PathCountDelta struct {
	FlowUUID string `json:"flow_uuid"`
	PathKey
	Count int64 `json:"count"`
}

// NodeCountDelta is an append-only change of how many runs rest at a node.
type NodeCountDelta struct {
	FlowUUID string `json:"flow_uuid"`
	NodeUUID string `json:"node_uuid"`
	Count    int64  `json:"count"`
}

// CategoryCountDelta is an append-only change of a category total. Negative
// counts are valid.
type CategoryCountDelta struct {
	FlowUUID   string `json:"flow_uuid"`
	ResultName string `json:"result_name"`
	CategoryKey
	Count int64 `json:"count"`
}

// RecentRun is a lossy preview sample of a run crossing an edge.
type RecentRun struct {
	FlowUUID string `json:"flow_uuid"`
	PathKey
	RunUUID   string    `json:"run_uuid"`
	Text      string    `json:"text"`
	VisitedOn time.Time `json:"visited_on"`
}

// ActivityBatch groups the deltas produced by one engine call.
type ActivityBatch struct {
	Paths      []PathCountDelta     `json:"paths,omitempty"`
	Nodes      []NodeCountDelta     `json:"nodes,omitempty"`
	Categories []CategoryCountDelta `json:"categories,omitempty"`
	Recent     []RecentRun          `json:"recent,omitempty"`
}

// Empty reports whether the batch carries nothing.
func (b *ActivityBatch) Empty() bool {
	return len(b.Paths) == 0 && len(b.Nodes) == 0 && len(b.Categories) == 0 && len(b.Recent) == 0
}

// Merge appends other to b.
func (b *ActivityBatch) Merge(other ActivityBatch) {
	b.Paths = append(b.Paths, other.Paths...)
	b.Nodes = append(b.Nodes, other.Nodes...)
	b.Categories = append(b.Categories, other.Categories...)
	b.Recent = append(b.Recent, other.Recent...)
}

// Activity is the live and cumulative picture of a flow.
type Activity struct {
	// Active counts WAITING runs at each node right now.
	Active map[string]int `json:"active"`
	// Resting sums the node counters: active runs resting at each node,
	// parked parents included. It trails Active while deltas are in flight.
	Resting map[string]int64 `json:"resting"`
	// Paths holds cumulative edge crossings keyed "from:to".
	Paths map[string]int64 `json:"paths"`
}

// RunStats summarizes runs of a flow by status.
type RunStats struct {
	Total         int     `json:"total"`
	Active        int     `json:"active"`
	Completed     int     `json:"completed"`
	Expired       int     `json:"expired"`
	Interrupted   int     `json:"interrupted"`
	Failed        int     `json:"failed"`
	CompletionPct float64 `json:"completion_pct"`
}

// CategoryCount is one bucket of a result summary.
type CategoryCount struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// ResultSummary is the category breakdown of one result key.
type ResultSummary struct {
	Key        string          `json:"key"`
	Name       string          `json:"name"`
	Categories []CategoryCount `json:"categories"`
}

// CampaignFire is a scheduled start of a flow for a contact.
type CampaignFire struct {
	ID          string     `json:"id"`
	FlowUUID    string     `json:"flow_uuid"`
	ContactUUID string     `json:"contact_uuid"`
	Scheduled   time.Time  `json:"scheduled"`
	FiredOn     *time.Time `json:"fired_on,omitempty"`
}
