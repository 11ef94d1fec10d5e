package sidecar

import (
	"context"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bebsworthy/sidecar/internal/buffer"
	"github.com/bebsworthy/sidecar/internal/config"
	"github.com/bebsworthy/sidecar/internal/errors"
	"github.com/bebsworthy/sidecar/internal/protocol"
)

func newTestSupervisor(t *testing.T, script string) (*Supervisor, *recordingOutput) {
	t.Helper()
	out := &recordingOutput{}
	return newTestSupervisorWithOutput(t, script, out), out
}

func newTestSupervisorWithOutput(t *testing.T, script string, out Output) *Supervisor {
	t.Helper()
	requireUnix(t)

	dir := t.TempDir()
	if script != "" {
		writeScript(t, dir, "server", script)
	}

	cfg := config.DefaultConfig()
	cfg.Sidecar.BinDirs = []string{dir}
	cfg.Launch = testLaunchConfig()
	cfg.Shutdown.GracePeriod = 2 * time.Second
	cfg.Shutdown.KillTimeout = 2 * time.Second

	sup, err := NewSupervisor(cfg, out, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sup.Shutdown(context.Background()) })
	return sup
}

func TestSupervisor_RelaysOutputAndTermination(t *testing.T) {
	sup, out := newTestSupervisor(t, `printf 'L1\nL2\nL3\n'; echo oops >&2; exit 3`)

	require.NoError(t, sup.Start(context.Background()))
	waitDone(t, sup.Done(), 5*time.Second)

	assert.Equal(t, []string{"[server] L1", "[server] L2", "[server] L3"}, out.Infos())
	assert.Contains(t, out.Errors(), "[server] oops")
	assert.Equal(t, []string{"[server] process terminated: code=3"}, out.terminationLines())

	health := sup.Health()
	assert.Equal(t, protocol.StateExited, health.State)
	assert.False(t, health.Healthy())
	require.NotNil(t, health.Exit)
	require.NotNil(t, health.Exit.Code)
	assert.Equal(t, 3, *health.Exit.Code)
	assert.Equal(t, protocol.OutcomeFailed, health.Exit.Outcome)
	assert.Equal(t, int64(3), health.Counters.StdoutLines)
	assert.Equal(t, int64(1), health.Counters.StderrLines)
	assert.NotNil(t, health.ExitedAt)

	entries, err := sup.History().Get(buffer.GetOptions{Stream: "stdout", Lines: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "L2", entries[0].Content)
	assert.Equal(t, "L3", entries[1].Content)
}

func TestSupervisor_ChildReceivesParentPID(t *testing.T) {
	sup, out := newTestSupervisor(t, `echo "$1=$2"`)

	require.NoError(t, sup.Start(context.Background()))
	waitDone(t, sup.Done(), 5*time.Second)

	assert.Equal(t, []string{"[server] --parent-pid=" + strconv.Itoa(os.Getpid())}, out.Infos())
	assert.Equal(t, os.Getpid(), sup.Health().ParentPID)
}

func TestSupervisor_LossyLineDoesNotStopRelay(t *testing.T) {
	sup, out := newTestSupervisor(t, `printf '\377\376bad\n'; echo good`)

	require.NoError(t, sup.Start(context.Background()))
	waitDone(t, sup.Done(), 5*time.Second)

	infos := out.Infos()
	require.Len(t, infos, 2)
	assert.Contains(t, infos[0], "�")
	assert.Equal(t, "[server] good", infos[1])
	assert.Equal(t, int64(1), sup.Health().Counters.DecodeAnomaly)
}

func TestSupervisor_StartFailsWithResolutionError(t *testing.T) {
	sup, out := newTestSupervisor(t, "")

	err := sup.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	waitDone(t, sup.Done(), time.Second)
	health := sup.Health()
	assert.Equal(t, protocol.StateFailed, health.State)
	require.NotNil(t, health.LastError)
	assert.Equal(t, errors.CodeNotFound, health.LastError.Code)
	assert.Empty(t, out.Errors())
}

func TestSupervisor_RejectsSecondStartWhileRunning(t *testing.T) {
	sup, out := newTestSupervisor(t, `echo ready; exec sleep 30`)

	require.NoError(t, sup.Start(context.Background()))

	err := sup.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyRunning)
	assert.True(t, sup.Health().Healthy())

	require.NoError(t, sup.Shutdown(context.Background()))

	health := sup.Health()
	assert.Equal(t, protocol.StateStopped, health.State)
	require.NotNil(t, health.Exit)
	assert.Equal(t, protocol.OutcomeStopped, health.Exit.Outcome)
	assert.Equal(t, "SIGTERM", health.Exit.Signal)
	assert.Equal(t, []string{"[server] process terminated: signal=SIGTERM"}, out.terminationLines())
}

func TestSupervisor_ShutdownAfterExitIsNoop(t *testing.T) {
	sup, out := newTestSupervisor(t, `echo bye`)

	require.NoError(t, sup.Start(context.Background()))
	waitDone(t, sup.Done(), 5*time.Second)

	require.NoError(t, sup.Shutdown(context.Background()))
	require.NoError(t, sup.Shutdown(context.Background()))

	assert.Len(t, out.terminationLines(), 1)
	assert.Equal(t, protocol.StateExited, sup.Health().State)
}

func TestSupervisor_ShutdownBeforeStartIsNoop(t *testing.T) {
	sup, _ := newTestSupervisor(t, `echo unused`)
	require.NoError(t, sup.Shutdown(context.Background()))
	assert.Equal(t, protocol.StateIdle, sup.Health().State)
}

func TestSupervisor_ShutdownEscalatesToKill(t *testing.T) {
	sup, out := newTestSupervisor(t, `trap '' TERM; echo ready; while :; do sleep 0.1; done`)
	sup.cfg.Shutdown.GracePeriod = 200 * time.Millisecond

	require.NoError(t, sup.Start(context.Background()))
	require.Eventually(t, func() bool {
		entries, _ := sup.History().Get(buffer.GetOptions{Pattern: "^ready$"})
		return len(entries) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, sup.Shutdown(context.Background()))
	assert.Equal(t, []string{"[server] process terminated: signal=SIGKILL"}, out.terminationLines())
	assert.Equal(t, protocol.StateStopped, sup.Health().State)
}

func TestSupervisor_ShutdownDuringDrainKeepsCrashOutcome(t *testing.T) {
	out := &gatedOutput{release: make(chan struct{})}
	sup := newTestSupervisorWithOutput(t, `echo one; echo two; exit 3`, out)

	require.NoError(t, sup.Start(context.Background()))
	sup.mu.RLock()
	proc := sup.proc
	sup.mu.RUnlock()

	// The child is gone but its output is still being relayed.
	require.Eventually(t, proc.reaped.Load, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.StateRunning, sup.Health().State)

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(out.release)
	}()
	require.NoError(t, sup.Shutdown(context.Background()))

	health := sup.Health()
	assert.Equal(t, protocol.StateExited, health.State)
	require.NotNil(t, health.Exit)
	assert.Equal(t, protocol.OutcomeFailed, health.Exit.Outcome)
	require.NotNil(t, health.Exit.Code)
	assert.Equal(t, 3, *health.Exit.Code)
	assert.Equal(t, []string{"[server] one", "[server] two"}, out.Infos())
	assert.Equal(t, []string{"[server] process terminated: code=3"}, out.terminationLines())
}

func TestSupervisor_ManualStartAfterExit(t *testing.T) {
	sup, out := newTestSupervisor(t, `echo run`)

	require.NoError(t, sup.Start(context.Background()))
	waitDone(t, sup.Done(), 5*time.Second)
	first := sup.Health().InstanceID

	require.NoError(t, sup.Start(context.Background()))
	waitDone(t, sup.Done(), 5*time.Second)

	assert.NotEqual(t, first, sup.Health().InstanceID)
	assert.Equal(t, []string{"[server] run", "[server] run"}, out.Infos())
	assert.Len(t, out.terminationLines(), 2)
}

func TestSupervisor_Subscribe(t *testing.T) {
	sup, _ := newTestSupervisor(t, `echo hello`)

	messages, cancel := sup.Subscribe()
	defer cancel()

	require.NoError(t, sup.Start(context.Background()))
	waitDone(t, sup.Done(), 5*time.Second)

	var states []protocol.State
	var logs []string
	for len(messages) > 0 {
		switch msg := (<-messages).(type) {
		case *protocol.StatusMessage:
			states = append(states, msg.State)
		case *protocol.LogMessage:
			logs = append(logs, msg.Content)
			assert.Equal(t, protocol.StreamStdout, msg.Stream)
		}
	}

	assert.Equal(t, []protocol.State{protocol.StateStarting, protocol.StateRunning, protocol.StateExited}, states)
	assert.Equal(t, []string{"hello"}, logs)

	cancel()
	cancel()
}

func TestSupervisor_Wait(t *testing.T) {
	sup, _ := newTestSupervisor(t, `exec sleep 30`)
	require.NoError(t, sup.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sup.Wait(ctx), context.DeadlineExceeded)

	require.NoError(t, sup.Shutdown(context.Background()))
	assert.NoError(t, sup.Wait(context.Background()))
}

func TestNewSupervisor_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Relay.Output = "syslog"

	_, err := NewSupervisor(cfg, &recordingOutput{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidConfig))
	assert.True(t, strings.Contains(err.Error(), "relay.output"))
}
