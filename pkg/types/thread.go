package types

// ThreadRecord is the thread pool's bookkeeping entry for one task's
// conversational session with a backend provider. At most one live record
// exists per task key; a second launch for the same key must resume or
// report a conflict, never spawn a shadow thread.
type ThreadRecord struct {
	TaskKey   string `json:"task_key"`
	Alive     bool   `json:"alive"`
	Turns     int    `json:"turns"`
	Provider  string `json:"provider"`
	SessionID string `json:"session_id,omitempty"`
}

// StreamItemType identifies the kind of a streamed turn item
type StreamItemType string

const (
	StreamItemMessage    StreamItemType = "message"
	StreamItemToolCall   StreamItemType = "tool_call"
	StreamItemToolResult StreamItemType = "tool_result"
	StreamItemNotice     StreamItemType = "stream_notice"
)

// StreamItem is one structured element consumed during a conversational turn
type StreamItem struct {
	Type    StreamItemType `json:"type"`
	Payload string         `json:"payload"`
}

// PullRequest is the resolver's view of a change set on the VCS host
type PullRequest struct {
	Number    int    `json:"number"`
	Title     string `json:"title"`
	BaseRef   string `json:"baseRefName"`
	HeadRef   string `json:"headRefName"`
	Mergeable string `json:"mergeable"`
	Repo      string `json:"repo,omitempty"`
}

// Mergeable state values as reported by the VCS host
const (
	MergeableYes     = "MERGEABLE"
	MergeableNo      = "CONFLICTING"
	MergeableUnknown = "UNKNOWN"
)
