// Package metrics keeps in-process counters for one supervisor: how long
// launches and shutdowns take, which typed errors occurred, and how much
// output was relayed. Nothing is exported to an external backend; the
// numbers feed Health and a summary logged when the supervisor stops.
//
//	monitor := metrics.NewMonitor()
//	err := monitor.TrackOperation(ctx, "launch", launch)
//	monitor.TrackLine(protocol.StreamStdout, lossy)
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bebsworthy/sidecar/internal/protocol"
)

// OperationMetrics aggregates the durations of one named operation
type OperationMetrics struct {
	Name            string        `json:"name"`
	Count           int64         `json:"count"`
	Successes       int64         `json:"successes"`
	Errors          int64         `json:"errors"`
	TotalDuration   time.Duration `json:"total_duration"`
	AverageDuration time.Duration `json:"average_duration"`
	MinDuration     time.Duration `json:"min_duration"`
	MaxDuration     time.Duration `json:"max_duration"`
	LastExecution   time.Time     `json:"last_execution"`
}

func (o *OperationMetrics) observe(d time.Duration, failed bool, at time.Time) {
	if o.Count == 0 || d < o.MinDuration {
		o.MinDuration = d
	}
	if d > o.MaxDuration {
		o.MaxDuration = d
	}
	o.Count++
	o.TotalDuration += d
	o.AverageDuration = o.TotalDuration / time.Duration(o.Count)
	o.LastExecution = at
	if failed {
		o.Errors++
	} else {
		o.Successes++
	}
}

// ErrorMetrics counts one error type and code
type ErrorMetrics struct {
	Type         string    `json:"type"`
	Code         string    `json:"code"`
	Component    string    `json:"component"`
	Count        int64     `json:"count"`
	Message      string    `json:"message"`
	LastOccurred time.Time `json:"last_occurred"`
}

// RelayMetrics counts relayed output and terminations
type RelayMetrics struct {
	StdoutLines     int64                      `json:"stdout_lines"`
	StderrLines     int64                      `json:"stderr_lines"`
	DecodeAnomalies int64                      `json:"decode_anomalies"`
	Terminations    map[protocol.Outcome]int64 `json:"terminations"`
	LastLineAt      time.Time                  `json:"last_line_at"`
}

func newRelayMetrics() *RelayMetrics {
	return &RelayMetrics{Terminations: make(map[protocol.Outcome]int64)}
}

func (r *RelayMetrics) clone() *RelayMetrics {
	c := *r
	c.Terminations = make(map[protocol.Outcome]int64, len(r.Terminations))
	for outcome, n := range r.Terminations {
		c.Terminations[outcome] = n
	}
	return &c
}

// Monitor holds the counters of one supervisor. It is safe for concurrent use.
type Monitor struct {
	logger *slog.Logger

	mu         sync.RWMutex
	operations map[string]*OperationMetrics
	errors     map[string]*ErrorMetrics
	relay      *RelayMetrics
}

// NewMonitor returns an empty monitor
func NewMonitor() *Monitor {
	m := &Monitor{}
	m.reset()
	return m
}

// SetLogger enables debug logging of tracked events and the summary
func (m *Monitor) SetLogger(logger *slog.Logger) {
	m.logger = logger.With(slog.String("component", "metrics"))
}

// TrackOperation runs fn, records how long it took and whether it failed,
// and returns its error unchanged.
func (m *Monitor) TrackOperation(ctx context.Context, operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	d := time.Since(start)
	m.recordOperation(operation, d, err != nil)

	if m.logger != nil {
		level, result := slog.LevelDebug, "success"
		if err != nil {
			level, result = slog.LevelWarn, "error"
		}
		m.logger.LogAttrs(ctx, level, "Operation completed",
			slog.String("operation", operation),
			slog.Duration("duration", d),
			slog.String("status", result))
	}
	return err
}

func (m *Monitor) recordOperation(name string, d time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op := m.operations[name]
	if op == nil {
		op = &OperationMetrics{Name: name}
		m.operations[name] = op
	}
	op.observe(d, failed, time.Now())
}

// TrackError counts an error by type and code
func (m *Monitor) TrackError(ctx context.Context, errorType, code, component, message string) {
	key := errorType + ":" + code

	m.mu.Lock()
	e := m.errors[key]
	if e == nil {
		e = &ErrorMetrics{Type: errorType, Code: code, Component: component}
		m.errors[key] = e
	}
	e.Count++
	e.Message = message
	e.LastOccurred = time.Now()
	count := e.Count
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.DebugContext(ctx, "Error tracked",
			slog.String("error_type", errorType),
			slog.String("error_code", code),
			slog.Int64("count", count))
	}
}

// TrackLine counts one relayed line; lossy marks a decode anomaly
func (m *Monitor) TrackLine(stream protocol.StreamType, lossy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch stream {
	case protocol.StreamStdout:
		m.relay.StdoutLines++
	case protocol.StreamStderr:
		m.relay.StderrLines++
	}
	if lossy {
		m.relay.DecodeAnomalies++
	}
	m.relay.LastLineAt = time.Now()
}

// TrackTermination counts a sidecar termination by outcome
func (m *Monitor) TrackTermination(outcome protocol.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relay.Terminations[outcome]++
}

// GetOperationMetrics returns a copy of one operation's metrics, or nil
func (m *Monitor) GetOperationMetrics(operation string) *OperationMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	op, ok := m.operations[operation]
	if !ok {
		return nil
	}
	c := *op
	return &c
}

// GetErrorMetrics returns copies of all error counters keyed by "type:code"
func (m *Monitor) GetErrorMetrics() map[string]*ErrorMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*ErrorMetrics, len(m.errors))
	for key, e := range m.errors {
		c := *e
		out[key] = &c
	}
	return out
}

// GetRelayMetrics returns a copy of the relay counters
func (m *Monitor) GetRelayMetrics() *RelayMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.relay.clone()
}

// LogMetricsSummary logs one line per operation and error code, then the
// relay counters.
func (m *Monitor) LogMetricsSummary(ctx context.Context) {
	if m.logger == nil {
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, op := range m.operations {
		m.logger.InfoContext(ctx, "Operation metrics",
			slog.String("operation", op.Name),
			slog.Int64("count", op.Count),
			slog.Int64("errors", op.Errors),
			slog.Duration("avg_duration", op.AverageDuration),
			slog.Duration("max_duration", op.MaxDuration))
	}
	for _, e := range m.errors {
		m.logger.InfoContext(ctx, "Error metrics",
			slog.String("error_type", e.Type),
			slog.String("error_code", e.Code),
			slog.Int64("count", e.Count))
	}

	attrs := []any{
		slog.Int64("stdout_lines", m.relay.StdoutLines),
		slog.Int64("stderr_lines", m.relay.StderrLines),
		slog.Int64("decode_anomalies", m.relay.DecodeAnomalies),
	}
	for outcome, n := range m.relay.Terminations {
		attrs = append(attrs, slog.Int64("terminated_"+string(outcome), n))
	}
	m.logger.InfoContext(ctx, "Relay metrics", attrs...)
}

// Reset clears all counters
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
}

func (m *Monitor) reset() {
	m.operations = make(map[string]*OperationMetrics)
	m.errors = make(map[string]*ErrorMetrics)
	m.relay = newRelayMetrics()
}

// Timer measures an operation whose end is not a single function call
type Timer struct {
	operation string
	monitor   *Monitor
	start     time.Time
}

// NewTimer starts timing operation
func NewTimer(operation string, monitor *Monitor) *Timer {
	return &Timer{operation: operation, monitor: monitor, start: time.Now()}
}

// StopWithError records the elapsed time with err as the outcome
func (t *Timer) StopWithError(ctx context.Context, err error) time.Duration {
	d := time.Since(t.start)
	t.monitor.recordOperation(t.operation, d, err != nil)

	if err != nil && t.monitor.logger != nil {
		t.monitor.logger.WarnContext(ctx, "Timed operation failed",
			slog.String("operation", t.operation),
			slog.Duration("duration", d),
			slog.String("error", err.Error()))
	}
	return d
}
