package sequence

import "encoding/json"

// Session event types, consumed by the SSE/WebSocket layer.
const (
	EventSequenceStarted  = "sequence_started"
	EventChapterStarted   = "chapter_started"
	EventChapterPaused    = "chapter_paused"
	EventChapterCompleted = "chapter_completed_awaiting_confirmation"
	EventContinueTimeout  = "continue_timeout"
	EventChapterFailed    = "chapter_failed"
	EventWaitingForUser   = "waiting_for_user_input"
	EventAllCompleted     = "all_completed"
)

// Event is one emitted session event. Data fields are flattened next to the
// envelope keys when serialized.
type Event struct {
	Type    string
	Project string
	Session string
	Data    map[string]any
}

func (e Event) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(e.Data)+3)
	for k, v := range e.Data {
		flat[k] = v
	}
	flat["event_type"] = e.Type
	flat["project_id"] = e.Project
	flat["session_id"] = e.Session
	return json.Marshal(flat)
}

// EventSink receives runner events. A nil sink is valid and drops them.
type EventSink func(Event)
