package agent

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/virtengine/openfleet/pkg/types"
)

// Claude runs turns through the Claude Code CLI in stream-json mode
type Claude struct {
	path   string
	logger *zap.Logger
}

// NewClaude creates a Claude provider using the given CLI path
func NewClaude(path string, logger *zap.Logger) *Claude {
	return &Claude{path: path, logger: logger.With(zap.String("provider", "claude"))}
}

// Name identifies the backend
func (c *Claude) Name() string { return "claude" }

// Available reports whether the CLI responds
func (c *Claude) Available() bool { return binaryWorks(c.path) }

// StartTurn begins or resumes a session turn
func (c *Claude) StartTurn(ctx context.Context, req TurnRequest) (*Turn, error) {
	args := []string{
		"-p", req.Prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	return runStream(ctx, c.logger, parseClaudeLine, req.Dir, c.path, args...)
}

// claudeEvent is the envelope of one stream-json line
type claudeEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	Message   struct {
		Content []struct {
			Type    string          `json:"type"`
			Text    string          `json:"text"`
			Name    string          `json:"name"`
			Input   json.RawMessage `json:"input"`
			Content json.RawMessage `json:"content"`
		} `json:"content"`
	} `json:"message"`
}

func parseClaudeLine(line []byte) (types.StreamItem, string, bool) {
	var ev claudeEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return types.StreamItem{}, "", false
	}

	switch ev.Type {
	case "assistant", "user":
		for _, block := range ev.Message.Content {
			switch block.Type {
			case "text":
				return types.StreamItem{Type: types.StreamItemMessage, Payload: block.Text}, ev.SessionID, true
			case "tool_use":
				return types.StreamItem{Type: types.StreamItemToolCall, Payload: block.Name}, ev.SessionID, true
			case "tool_result":
				return types.StreamItem{Type: types.StreamItemToolResult, Payload: string(block.Content)}, ev.SessionID, true
			}
		}
		return types.StreamItem{}, ev.SessionID, false
	case "result":
		return types.StreamItem{Type: types.StreamItemMessage, Payload: ev.Result}, ev.SessionID, true
	case "system":
		// init event carries the session id but produces no item
		return types.StreamItem{}, ev.SessionID, false
	default:
		return types.StreamItem{}, ev.SessionID, false
	}
}
