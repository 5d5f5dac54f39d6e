package lock

import (
	"strings"
	"time"
)

// Owner classifies the process named by a lock payload
type Owner string

const (
	// OwnerMonitor means the command line matches a monitor invocation
	OwnerMonitor Owner = "monitor"
	// OwnerOther means a live process whose command line is something else,
	// which indicates pid reuse
	OwnerOther Owner = "other"
	// OwnerUnknown means the command line could not be determined
	OwnerUnknown Owner = "unknown"
)

// Policy tunes how lock ownership is judged. It is a heuristic knob, not a
// protocol: patterns identify monitor-like command lines, and Grace bounds
// how fresh an unverifiable payload timestamp must be to get the benefit of
// the doubt.
type Policy struct {
	Patterns []string
	Grace    time.Duration
}

func (p Policy) withDefaults() Policy {
	if len(p.Patterns) == 0 {
		p.Patterns = []string{"openfleet run", "openfleet daemon"}
	}
	if p.Grace <= 0 {
		p.Grace = 2 * time.Minute
	}
	return p
}

// ClassifyCommand judges a command line against the monitor patterns. An
// empty command line classifies as unknown.
func ClassifyCommand(cmdline string, policy Policy) Owner {
	if strings.TrimSpace(cmdline) == "" {
		return OwnerUnknown
	}
	for _, pattern := range policy.Patterns {
		if pattern != "" && strings.Contains(cmdline, pattern) {
			return OwnerMonitor
		}
	}
	return OwnerOther
}
