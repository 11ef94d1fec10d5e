package sidecar

import (
	"github.com/bebsworthy/sidecar/internal/protocol"
)

// EventKind discriminates the values carried on a process event stream
type EventKind int

const (
	// EventStdout carries one line written to the child's standard output
	EventStdout EventKind = iota + 1
	// EventStderr carries one line written to the child's standard error
	EventStderr
	// EventTerminated is the last event of every stream
	EventTerminated
	// EventError reports a failure reading one of the child's streams
	EventError
)

// String returns the event kind name
func (k EventKind) String() string {
	switch k {
	case EventStdout:
		return "stdout"
	case EventStderr:
		return "stderr"
	case EventTerminated:
		return "terminated"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one value produced by a running sidecar
type Event struct {
	Kind   EventKind
	Line   []byte     // EventStdout, EventStderr
	Status ExitStatus // EventTerminated
	Err    error      // EventError
}

// Stream maps line events onto their protocol stream
func (e Event) Stream() protocol.StreamType {
	if e.Kind == EventStderr {
		return protocol.StreamStderr
	}
	return protocol.StreamStdout
}
