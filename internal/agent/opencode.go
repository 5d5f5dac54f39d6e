package agent

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/virtengine/openfleet/pkg/types"
)

// OpenCode runs turns through the opencode CLI
type OpenCode struct {
	path   string
	logger *zap.Logger
}

// NewOpenCode creates an OpenCode provider using the given CLI path
func NewOpenCode(path string, logger *zap.Logger) *OpenCode {
	return &OpenCode{path: path, logger: logger.With(zap.String("provider", "opencode"))}
}

// Name identifies the backend
func (o *OpenCode) Name() string { return "opencode" }

// Available reports whether the CLI responds
func (o *OpenCode) Available() bool { return binaryWorks(o.path) }

// StartTurn begins or resumes a session turn
func (o *OpenCode) StartTurn(ctx context.Context, req TurnRequest) (*Turn, error) {
	args := []string{"run", "--print-logs", "--format", "json"}
	if req.SessionID != "" {
		args = append(args, "--session", req.SessionID)
	}
	args = append(args, req.Prompt)
	return runStream(ctx, o.logger, parseOpenCodeLine, req.Dir, o.path, args...)
}

// openCodeEvent is the envelope of one JSON output line
type openCodeEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionID"`
	Part      struct {
		Type string `json:"type"`
		Text string `json:"text"`
		Tool string `json:"tool"`
	} `json:"part"`
}

func parseOpenCodeLine(line []byte) (types.StreamItem, string, bool) {
	var ev openCodeEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return types.StreamItem{}, "", false
	}

	switch ev.Part.Type {
	case "text":
		return types.StreamItem{Type: types.StreamItemMessage, Payload: ev.Part.Text}, ev.SessionID, true
	case "tool":
		return types.StreamItem{Type: types.StreamItemToolCall, Payload: ev.Part.Tool}, ev.SessionID, true
	default:
		return types.StreamItem{}, ev.SessionID, false
	}
}
