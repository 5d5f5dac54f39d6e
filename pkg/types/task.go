// Package types defines core data structures for OpenFleet
package types

// TaskStatus represents the current state of a task
type TaskStatus string

const (
	TaskStatusPending  TaskStatus = "pending"
	TaskStatusActive   TaskStatus = "active"
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusFailed   TaskStatus = "failed"
	TaskStatusDone     TaskStatus = "done"
	TaskStatusArchived TaskStatus = "archived"
)

// Task represents a unit of work assigned to an AI coding agent.
// Task records are owned by the state store: created on submission, mutated
// only through Store.UpdateTask, archived (never deleted) on completion.
type Task struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Status    TaskStatus        `json:"status"`
	Turns     int               `json:"turns"`
	LastError string            `json:"last_error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Repo      string            `json:"repo,omitempty"`
	CreatedAt int64             `json:"created_at"`
	UpdatedAt int64             `json:"updated_at"`
}

// TaskUpdate holds the partial fields applied by Store.UpdateTask.
// Nil pointers leave the corresponding field unchanged.
type TaskUpdate struct {
	Title     *string
	Status    *TaskStatus
	Turns     *int
	LastError *string
	Metadata  map[string]string
}

// FleetStatus summarizes the current state of all tasks
type FleetStatus struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Active   int `json:"active"`
	Running  int `json:"running"`
	Failed   int `json:"failed"`
	Done     int `json:"done"`
	Archived int `json:"archived"`
}

// Count updates the summary for a single task record
func (s *FleetStatus) Count(t *Task) {
	s.Total++
	switch t.Status {
	case TaskStatusPending:
		s.Pending++
	case TaskStatusActive:
		s.Active++
	case TaskStatusRunning:
		s.Running++
	case TaskStatusFailed:
		s.Failed++
	case TaskStatusDone:
		s.Done++
	case TaskStatusArchived:
		s.Archived++
	}
}
