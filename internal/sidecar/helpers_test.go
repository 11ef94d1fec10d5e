package sidecar

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingOutput captures relayed lines per channel
type recordingOutput struct {
	mu     sync.Mutex
	info   []string
	errors []string
}

func (o *recordingOutput) Info(line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.info = append(o.info, line)
}

func (o *recordingOutput) Error(line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errors = append(o.errors, line)
}

func (o *recordingOutput) Infos() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.info...)
}

func (o *recordingOutput) Errors() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.errors...)
}

// gatedOutput holds every informational line until release is closed
type gatedOutput struct {
	recordingOutput
	release chan struct{}
}

func (o *gatedOutput) Info(line string) {
	<-o.release
	o.recordingOutput.Info(line)
}

// terminationLines returns the termination notices seen on the error channel
func (o *recordingOutput) terminationLines() []string {
	var lines []string
	for _, line := range o.Errors() {
		if strings.Contains(line, "process terminated:") {
			lines = append(lines, line)
		}
	}
	return lines
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process tests use /bin/sh scripts")
	}
}

// writeScript writes an executable shell script named name into dir
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

// collect drains events until the stream closes
func collect(t *testing.T, events <-chan Event, timeout time.Duration) []Event {
	t.Helper()
	var got []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("event stream did not close within %v (got %d events)", timeout, len(got))
		}
	}
}

func linesOf(events []Event, kind EventKind) []string {
	var lines []string
	for _, ev := range events {
		if ev.Kind == kind {
			lines = append(lines, string(ev.Line))
		}
	}
	return lines
}

func waitDone(t *testing.T, done <-chan struct{}, timeout time.Duration) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatalf("supervisor did not finish within %v", timeout)
	}
}

func intPtr(n int) *int {
	return &n
}
