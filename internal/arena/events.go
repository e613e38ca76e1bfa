// internal/arena/events.go
package arena

// EventKind tags one normalized stream event.
type EventKind int

const (
	// EventText carries one text delta.
	EventText EventKind = iota
	// EventImage carries one generated image URL.
	EventImage
	// EventUsage carries token accounting, emitted just before EventDone when
	// the terminal marker reports usage.
	EventUsage
	// EventError terminates the sequence with a typed failure. Content already
	// delivered before the error stands.
	EventError
	// EventDone terminates the sequence and exposes the resume key.
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventText:
		return "text"
	case EventImage:
		return "image"
	case EventUsage:
		return "usage"
	case EventError:
		return "error"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// StreamEvent is one element of the forward-only event sequence a chat turn
// produces. Exactly one of the payload fields is meaningful per kind.
type StreamEvent struct {
	Kind EventKind

	// EventText
	Text string
	// EventImage
	ImageURL string
	// EventUsage
	Usage Usage
	// EventError
	Err error
	// EventDone
	EvaluationSessionID string
	FinishReason        string
}
