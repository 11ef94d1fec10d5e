// Package protocol defines the JSON messages the supervisor publishes about
// its sidecar: relayed log lines, lifecycle status changes, and health
// snapshots. They are consumed by the status WebSocket stream and the MCP
// tools.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of a published message
type MessageType string

const (
	MessageTypeLog    MessageType = "log"
	MessageTypeStatus MessageType = "status"
)

// StreamType represents stdout or stderr
type StreamType string

const (
	StreamStdout StreamType = "stdout"
	StreamStderr StreamType = "stderr"
)

// State is the lifecycle state of the supervised process
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateExited   State = "exited"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Outcome classifies how the sidecar terminated
type Outcome string

const (
	OutcomeClean    Outcome = "clean"
	OutcomeFailed   Outcome = "failed"
	OutcomeSignaled Outcome = "signaled"
	OutcomeStopped  Outcome = "stopped"
)

// ErrorInfo describes a supervisor error in messages
type ErrorInfo struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ExitInfo describes how the sidecar exited
type ExitInfo struct {
	Code    *int    `json:"code,omitempty"`
	Signal  string  `json:"signal,omitempty"`
	Outcome Outcome `json:"outcome"`
}

// Counters summarises relay activity for the current instance
type Counters struct {
	StdoutLines    int64 `json:"stdout_lines"`
	StderrLines    int64 `json:"stderr_lines"`
	DecodeAnomaly  int64 `json:"decode_anomalies"`
	LaunchAttempts int   `json:"launch_attempts"`
}

// Health is a point-in-time snapshot of the supervisor
type Health struct {
	InstanceID string     `json:"instance_id,omitempty"`
	Name       string     `json:"name"`
	Executable string     `json:"executable,omitempty"`
	Args       []string   `json:"args,omitempty"`
	State      State      `json:"state"`
	PID        int        `json:"pid,omitempty"`
	ParentPID  int        `json:"parent_pid"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	ExitedAt   *time.Time `json:"exited_at,omitempty"`
	Uptime     string     `json:"uptime,omitempty"`
	Exit       *ExitInfo  `json:"exit,omitempty"`
	LastError  *ErrorInfo `json:"last_error,omitempty"`
	Counters   Counters   `json:"counters"`
}

// Healthy reports whether the sidecar is up
func (h Health) Healthy() bool {
	return h.State == StateRunning
}

// BaseMessage contains common fields for all message types
type BaseMessage struct {
	Type   MessageType `json:"type"`
	Source string      `json:"source"`
}

// LogMessage carries one relayed line
type LogMessage struct {
	BaseMessage
	Content   string     `json:"content"`
	Timestamp time.Time  `json:"timestamp"`
	Stream    StreamType `json:"stream"`
	PID       int        `json:"pid"`
}

// StatusMessage carries a lifecycle transition
type StatusMessage struct {
	BaseMessage
	State     State     `json:"state"`
	PID       int       `json:"pid,omitempty"`
	Exit      *ExitInfo `json:"exit,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LogLine is one entry of a history query
type LogLine struct {
	Timestamp time.Time  `json:"timestamp"`
	Stream    StreamType `json:"stream"`
	Content   string     `json:"content"`
	PID       int        `json:"pid"`
}

// LogsResponse is returned by history queries
type LogsResponse struct {
	Source string    `json:"source"`
	Lines  []LogLine `json:"lines"`
	Count  int       `json:"count"`
}

// NewLogMessage creates a new log message
func NewLogMessage(source, content string, stream StreamType, pid int) *LogMessage {
	return &LogMessage{
		BaseMessage: BaseMessage{
			Type:   MessageTypeLog,
			Source: source,
		},
		Content:   content,
		Timestamp: time.Now(),
		Stream:    stream,
		PID:       pid,
	}
}

// NewStatusMessage creates a new status message
func NewStatusMessage(source string, state State, pid int, exit *ExitInfo) *StatusMessage {
	return &StatusMessage{
		BaseMessage: BaseMessage{
			Type:   MessageTypeStatus,
			Source: source,
		},
		State:     state,
		PID:       pid,
		Exit:      exit,
		Timestamp: time.Now(),
	}
}

// SerializeMessage serializes a message to JSON
func SerializeMessage(msg interface{}) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message: %w", err)
	}
	return data, nil
}

// ParseMessage parses a JSON message into its concrete type
func ParseMessage(data []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("failed to parse base message: %w", err)
	}

	switch base.Type {
	case MessageTypeLog:
		var msg LogMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse log message: %w", err)
		}
		return &msg, nil
	case MessageTypeStatus:
		var msg StatusMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse status message: %w", err)
		}
		return &msg, nil
	default:
		return nil, fmt.Errorf("unknown message type: %s", base.Type)
	}
}
