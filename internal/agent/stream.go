package agent

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/virtengine/openfleet/pkg/types"
)

// lineParser turns one line of subprocess output into a stream item. It
// returns the session id when the line carries one, and ok=false for lines
// that produce no item (noise, blank lines, unrecognized records).
type lineParser func(line []byte) (item types.StreamItem, sessionID string, ok bool)

// maxLineBytes bounds a single output line; agent CLIs can emit large
// tool results on one JSON line.
const maxLineBytes = 4 * 1024 * 1024

// runStream launches the agent CLI and feeds its stdout through parse into
// a Turn. Stderr is drained and surfaced only on failure.
func runStream(ctx context.Context, logger *zap.Logger, parse lineParser, dir, bin string, args ...string) (*Turn, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", bin, err)
	}

	turn := NewTurn()
	go func() {
		defer close(turn.items)

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			item, sessionID, ok := parse(scanner.Bytes())
			turn.setSessionID(sessionID)
			if !ok {
				continue
			}
			select {
			case turn.items <- item:
			case <-ctx.Done():
				// Receiver gave up; stop forwarding and let the
				// CommandContext kill tear the process down.
				_ = cmd.Wait()
				turn.done <- ctx.Err()
				return
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Debug("agent output scan ended", zap.Error(err))
		}

		waitErr := cmd.Wait()
		if waitErr != nil && ctx.Err() != nil {
			waitErr = ctx.Err()
		}
		if waitErr != nil && stderr.Len() > 0 {
			waitErr = fmt.Errorf("%w: %s", waitErr, strings.TrimSpace(stderr.String()))
		}
		turn.done <- waitErr
	}()

	return turn, nil
}

// binaryWorks checks that an agent CLI responds to --version
func binaryWorks(bin string) bool {
	return exec.Command(bin, "--version").Run() == nil
}
