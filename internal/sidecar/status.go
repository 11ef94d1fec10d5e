package sidecar

import (
	"strconv"
	"strings"

	"github.com/bebsworthy/sidecar/internal/protocol"
)

// ExitStatus is how the platform reported the child's termination.
// Code is nil when the child was killed by a signal.
type ExitStatus struct {
	Code    *int
	Signal  string
	Stopped bool // termination was requested by Shutdown
}

// String renders the status as "code=N", "signal=NAME", or both
func (s ExitStatus) String() string {
	var parts []string
	if s.Code != nil {
		parts = append(parts, "code="+strconv.Itoa(*s.Code))
	}
	if s.Signal != "" {
		parts = append(parts, "signal="+s.Signal)
	}
	if len(parts) == 0 {
		return "code=unknown"
	}
	return strings.Join(parts, " ")
}

// Classify distinguishes clean exits from crashes
func (s ExitStatus) Classify() protocol.Outcome {
	switch {
	case s.Stopped:
		return protocol.OutcomeStopped
	case s.Signal != "":
		return protocol.OutcomeSignaled
	case s.Code != nil && *s.Code == 0:
		return protocol.OutcomeClean
	default:
		return protocol.OutcomeFailed
	}
}

// ExitInfo converts the status for status messages
func (s ExitStatus) ExitInfo() *protocol.ExitInfo {
	info := &protocol.ExitInfo{
		Signal:  s.Signal,
		Outcome: s.Classify(),
	}
	if s.Code != nil {
		code := *s.Code
		info.Code = &code
	}
	return info
}
