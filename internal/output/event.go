package output

import "time"

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type EventName string

const (
	EventActionStarted  EventName = "action_started"
	EventActionProgress EventName = "action_progress"
	EventActionResolved EventName = "action_resolved"
	EventActionRejected EventName = "action_rejected"
	EventNotice         EventName = "notice"
	EventStateChanged   EventName = "state_changed"
)

type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Event     EventName      `json:"event"`
	Action    string         `json:"action,omitempty"`
	Message   string         `json:"message"`
	Progress  *float64       `json:"progress,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}
