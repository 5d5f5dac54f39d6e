package agent

import (
	"testing"

	"github.com/virtengine/openfleet/pkg/types"
)

func TestParseClaudeLine(t *testing.T) {
	cases := []struct {
		name      string
		line      string
		wantType  types.StreamItemType
		wantOK    bool
		sessionID string
	}{
		{
			name:      "system init carries session id only",
			line:      `{"type":"system","subtype":"init","session_id":"abc-123"}`,
			wantOK:    false,
			sessionID: "abc-123",
		},
		{
			name:     "assistant text",
			line:     `{"type":"assistant","message":{"content":[{"type":"text","text":"hello"}]}}`,
			wantType: types.StreamItemMessage,
			wantOK:   true,
		},
		{
			name:     "tool use",
			line:     `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{}}]}}`,
			wantType: types.StreamItemToolCall,
			wantOK:   true,
		},
		{
			name:     "final result",
			line:     `{"type":"result","result":"done","session_id":"abc-123"}`,
			wantType: types.StreamItemMessage,
			wantOK:   true,
		},
		{
			name:   "garbage line",
			line:   `not json at all`,
			wantOK: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			item, sessionID, ok := parseClaudeLine([]byte(tc.line))
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if ok && item.Type != tc.wantType {
				t.Errorf("type = %s, want %s", item.Type, tc.wantType)
			}
			if tc.sessionID != "" && sessionID != tc.sessionID {
				t.Errorf("session id = %q, want %q", sessionID, tc.sessionID)
			}
		})
	}
}

func TestParseCodexLine(t *testing.T) {
	item, _, ok := parseCodexLine([]byte(`{"type":"event","msg":{"type":"agent_message","message":"working on it"}}`))
	if !ok || item.Type != types.StreamItemMessage || item.Payload != "working on it" {
		t.Errorf("unexpected parse: ok=%v item=%+v", ok, item)
	}

	item, _, ok = parseCodexLine([]byte(`{"type":"event","msg":{"type":"exec_command_begin","command":"go test ./..."}}`))
	if !ok || item.Type != types.StreamItemToolCall {
		t.Errorf("unexpected parse: ok=%v item=%+v", ok, item)
	}
}

func TestParseOpenCodeLine(t *testing.T) {
	item, sessionID, ok := parseOpenCodeLine([]byte(`{"type":"part","sessionID":"s-9","part":{"type":"text","text":"hi"}}`))
	if !ok || item.Type != types.StreamItemMessage || sessionID != "s-9" {
		t.Errorf("unexpected parse: ok=%v item=%+v session=%q", ok, item, sessionID)
	}
}

func TestTurnEmitAndFinish(t *testing.T) {
	turn := NewTurn()
	go func() {
		turn.Emit(types.StreamItem{Type: types.StreamItemMessage, Payload: "one"})
		turn.Finish("sess", nil)
	}()

	var got []types.StreamItem
	for item := range turn.Items() {
		got = append(got, item)
	}
	if err := turn.Wait(); err != nil {
		t.Fatalf("Wait returned %v", err)
	}
	if len(got) != 1 || got[0].Payload != "one" {
		t.Errorf("unexpected items: %+v", got)
	}
	if turn.SessionID() != "sess" {
		t.Errorf("session id = %q, want sess", turn.SessionID())
	}
}
