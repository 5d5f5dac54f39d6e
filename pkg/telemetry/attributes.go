package telemetry

import "go.opentelemetry.io/otel/attribute"

// Semantic convention keys for OpenFleet-specific attributes
const (
	KeyTaskID     = "openfleet.task.id"
	KeyTaskTitle  = "openfleet.task.title"
	KeyTaskStatus = "openfleet.task.status"

	KeyThreadKey = "openfleet.thread.key"
	KeyProvider  = "openfleet.agent.provider"
	KeyTurnCount = "openfleet.thread.turns"

	KeyPRNumber   = "openfleet.pr.number"
	KeyBaseBranch = "openfleet.pr.base"
	KeyReason     = "openfleet.escalation.reason"

	KeyErrorCategory = "openfleet.error.category"
)

// Error categories
const (
	ErrorCategoryAgent    = "agent"
	ErrorCategoryGit      = "git"
	ErrorCategoryForge    = "forge"
	ErrorCategoryState    = "state"
	ErrorCategoryTimeout  = "timeout"
	ErrorCategoryDatabase = "database"
)

// TaskAttrs returns the standard attribute set for a task
func TaskAttrs(id, title, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyTaskID, id),
		attribute.String(KeyTaskTitle, title),
		attribute.String(KeyTaskStatus, status),
	}
}

// PRAttrs returns the standard attribute set for a pull request
func PRAttrs(number int, base string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(KeyPRNumber, number),
		attribute.String(KeyBaseBranch, base),
	}
}
