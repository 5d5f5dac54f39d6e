// Package events provides in-process event streaming for fleet lifecycle
// events
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of fleet event
type EventType string

const (
	// EventTaskStarted is emitted when a task's agent session begins
	EventTaskStarted EventType = "task.started"
	// EventTaskCompleted is emitted when a task finishes successfully
	EventTaskCompleted EventType = "task.completed"
	// EventTaskFailed is emitted when a task exhausts its attempts
	EventTaskFailed EventType = "task.failed"
	// EventTaskArchived is emitted when a completed task is archived
	EventTaskArchived EventType = "task.archived"
	// EventTurnFinished is emitted after each conversational turn
	EventTurnFinished EventType = "turn.finished"
	// EventConflictResolved is emitted when a PR conflict is fixed
	EventConflictResolved EventType = "conflict.resolved"
	// EventEscalation is emitted when a problem is handed to the operator
	EventEscalation EventType = "escalation"
)

// Event is a single fleet lifecycle event
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp int64          `json:"timestamp"`
	TaskID    string         `json:"task_id,omitempty"`
	PR        int            `json:"pr,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event stamped with the current time
func NewEvent(eventType EventType, taskID string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().Unix(),
		TaskID:    taskID,
		Data:      data,
	}
}
