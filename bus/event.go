package bus

import "time"

// Event kinds published on workflow topics. These are the wire-level SSE
// event names, so renaming one is a breaking change for stream consumers.
const (
	KindWorkflowStart      = "workflow-start"
	KindNodeStart          = "node-start"
	KindNodeComplete       = "node-complete"
	KindReasonCard         = "reason-card"
	KindWorkflowPaused     = "workflow-paused"
	KindQuestionsPresented = "questions-presented"
	KindResponsesCollected = "responses-collected"
	KindWorkflowResumed    = "workflow-resumed"
	KindWorkflowComplete   = "workflow-complete"
	KindError              = "error"
	KindHeartbeat          = "heartbeat"
)

// Event is a single item published on a workflow topic.
//
// Publishers only need to set Kind and Payload; Publish stamps the
// decision-set id and the timestamp. Truncated is set by the bus on the
// first replayed event after the topic's ring buffer has been trimmed, so
// consumers can tell that older history is gone.
type Event struct {
	// DecisionSetID identifies the topic (equal to the workflow id).
	DecisionSetID string `json:"decision_set_id"`

	// Kind is one of the Kind* constants.
	Kind string `json:"kind"`

	// Payload carries kind-specific fields (see the SSE catalogue).
	Payload map[string]any `json:"payload,omitempty"`

	// Timestamp is the publish time in UTC.
	Timestamp time.Time `json:"timestamp"`

	// Truncated marks the first replayed event after a ring trim.
	Truncated bool `json:"truncated,omitempty"`
}

// NewEvent builds an event with the given kind and payload. The bus fills in
// the topic id and timestamp on publish.
func NewEvent(kind string, payload map[string]any) Event {
	return Event{Kind: kind, Payload: payload}
}
