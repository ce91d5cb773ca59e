package orchestrator

import "time"

// InstanceState is the fetch state of one method instance.
type InstanceState int

const (
	StateIdle InstanceState = iota
	StateFetching
	StateSettled
	StateCancelled
	StateFailed
)

func (s InstanceState) String() string {
	switch s {
	case StateFetching:
		return "fetching"
	case StateSettled:
		return "settled"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

func (s InstanceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// EventType names what happened in a session.
type EventType string

const (
	EventOperationStarted  EventType = "operation_started"
	EventOperationFinished EventType = "operation_finished"
	EventResult            EventType = "result"
	EventState             EventType = "state"
	EventTimeRange         EventType = "time_range"
	EventScores            EventType = "scores"
	EventNotification      EventType = "notification"
)

// Event is published to session subscribers.
type Event struct {
	Type        EventType `json:"type"`
	OperationID string    `json:"operationId,omitempty"`
	InstanceID  string    `json:"instanceId,omitempty"`
	Message     string    `json:"message,omitempty"`
	Data        any       `json:"data,omitempty"`
	Time        time.Time `json:"time"`
}
