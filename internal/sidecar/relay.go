package sidecar

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"

	"github.com/bebsworthy/sidecar/internal/errors"
	"github.com/bebsworthy/sidecar/internal/logging"
	"github.com/bebsworthy/sidecar/internal/protocol"
)

// Output is the parent's pair of log channels. Implementations must be safe
// for concurrent use.
type Output interface {
	Info(line string)
	Error(line string)
}

// ConsoleOutput prints informational lines to stdout and error lines to stderr
type ConsoleOutput struct {
	mu     sync.Mutex
	Stdout io.Writer
	Stderr io.Writer
}

// NewConsoleOutput writes to the parent's own standard streams
func NewConsoleOutput() *ConsoleOutput {
	return &ConsoleOutput{Stdout: os.Stdout, Stderr: os.Stderr}
}

// Info writes line to stdout
func (c *ConsoleOutput) Info(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.Stdout, line)
}

// Error writes line to stderr
func (c *ConsoleOutput) Error(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.Stderr, line)
}

// LoggerOutput sends relayed lines through the structured logger
type LoggerOutput struct {
	Logger *logging.Logger
}

// Info logs line at INFO
func (o LoggerOutput) Info(line string) {
	o.Logger.Info(line)
}

// Error logs line at ERROR
func (o LoggerOutput) Error(line string) {
	o.Logger.Error(line)
}

// DecodeLossy converts b to text, replacing invalid UTF-8 with U+FFFD.
// It reports whether any replacement was made.
func DecodeLossy(b []byte) (string, bool) {
	if utf8.Valid(b) {
		return string(b), false
	}
	decoded, err := unicode.UTF8.NewDecoder().Bytes(b)
	if err != nil {
		return string([]rune(string(b))), true
	}
	return string(decoded), true
}

// Relay consumes a process event stream: stdout lines go to the info
// channel, stderr lines to the error channel, and the termination notice to
// the error channel, each prefixed with the tag.
type Relay struct {
	tag    string
	out    Output
	logger *logging.Logger

	// OnLine is called for every relayed line, after it was written to out
	OnLine func(stream protocol.StreamType, text string, lossy bool)
	// OnExit is called once with the termination status
	OnExit func(status ExitStatus)
}

// NewRelay creates a relay writing to out
func NewRelay(tag string, out Output, logger *logging.Logger) *Relay {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Relay{
		tag:    tag,
		out:    out,
		logger: logging.NewRelayLogger(logger, tag),
	}
}

// Consume relays events until the termination notice and returns its status.
// If the stream closes without one, the zero status is returned.
func (r *Relay) Consume(events <-chan Event) ExitStatus {
	return r.ConsumeContext(context.Background(), events)
}

// ConsumeContext is Consume with a context used for its own diagnostics
func (r *Relay) ConsumeContext(ctx context.Context, events <-chan Event) ExitStatus {
	for ev := range events {
		switch ev.Kind {
		case EventStdout, EventStderr:
			text, lossy := DecodeLossy(ev.Line)
			if ev.Kind == EventStdout {
				r.out.Info(r.format(text))
			} else {
				r.out.Error(r.format(text))
			}
			if lossy {
				r.logger.DebugContext(ctx, "Replaced invalid UTF-8 in sidecar output",
					slog.String("stream", ev.Kind.String()))
			}
			r.observe(ctx, "line", func() {
				if r.OnLine != nil {
					r.OnLine(ev.Stream(), text, lossy)
				}
			})

		case EventTerminated:
			r.out.Error(r.format("process terminated: " + ev.Status.String()))
			r.observe(ctx, "exit", func() {
				if r.OnExit != nil {
					r.OnExit(ev.Status)
				}
			})
			return ev.Status

		default:
			attrs := []any{slog.String("kind", ev.Kind.String())}
			if ev.Err != nil {
				attrs = append(attrs, slog.String("error", ev.Err.Error()))
			}
			r.logger.DebugContext(ctx, "Ignoring sidecar event", attrs...)
		}
	}
	return ExitStatus{}
}

func (r *Relay) format(text string) string {
	if r.tag == "" {
		return text
	}
	return r.tag + " " + text
}

// observe runs an observer callback, keeping the relay alive if it panics
func (r *Relay) observe(ctx context.Context, name string, fn func()) {
	err := errors.WithRecover(func() error {
		fn()
		return nil
	})
	if err != nil {
		r.logger.LogError(ctx, "Relay observer failed", err, slog.String("observer", name))
	}
}
