package agent

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/virtengine/openfleet/pkg/types"
)

// Codex runs turns through the Codex CLI in JSON event mode
type Codex struct {
	path   string
	logger *zap.Logger
}

// NewCodex creates a Codex provider using the given CLI path
func NewCodex(path string, logger *zap.Logger) *Codex {
	return &Codex{path: path, logger: logger.With(zap.String("provider", "codex"))}
}

// Name identifies the backend
func (c *Codex) Name() string { return "codex" }

// Available reports whether the CLI responds
func (c *Codex) Available() bool { return binaryWorks(c.path) }

// StartTurn begins or resumes a session turn
func (c *Codex) StartTurn(ctx context.Context, req TurnRequest) (*Turn, error) {
	args := []string{"exec", "--json", "--skip-git-repo-check"}
	if req.SessionID != "" {
		args = append(args, "resume", req.SessionID)
	}
	args = append(args, req.Prompt)
	return runStream(ctx, c.logger, parseCodexLine, req.Dir, c.path, args...)
}

// codexEvent is the envelope of one --json output line
type codexEvent struct {
	Type string `json:"type"`
	Msg  struct {
		Type      string `json:"type"`
		Message   string `json:"message"`
		Command   string `json:"command"`
		Output    string `json:"output"`
		SessionID string `json:"session_id"`
	} `json:"msg"`
}

func parseCodexLine(line []byte) (types.StreamItem, string, bool) {
	var ev codexEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return types.StreamItem{}, "", false
	}

	switch ev.Msg.Type {
	case "agent_message":
		return types.StreamItem{Type: types.StreamItemMessage, Payload: ev.Msg.Message}, ev.Msg.SessionID, true
	case "exec_command_begin":
		return types.StreamItem{Type: types.StreamItemToolCall, Payload: ev.Msg.Command}, ev.Msg.SessionID, true
	case "exec_command_end":
		return types.StreamItem{Type: types.StreamItemToolResult, Payload: ev.Msg.Output}, ev.Msg.SessionID, true
	case "session_configured":
		return types.StreamItem{}, ev.Msg.SessionID, false
	default:
		return types.StreamItem{}, ev.Msg.SessionID, false
	}
}
