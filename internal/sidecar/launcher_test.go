package sidecar

import (
	"context"
	"os/exec"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bebsworthy/sidecar/internal/config"
	"github.com/bebsworthy/sidecar/internal/errors"
	"github.com/bebsworthy/sidecar/internal/protocol"
	"github.com/bebsworthy/sidecar/internal/resolve"
)

func testLaunchConfig() config.LaunchConfig {
	return config.LaunchConfig{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		EventBuffer:     16,
		DrainTimeout:    200 * time.Millisecond,
	}
}

func newTestLauncher(t *testing.T, dir string) *Launcher {
	t.Helper()
	return NewLauncher(&resolve.Registry{Dirs: []string{dir}}, testLaunchConfig(), 64*1024, nil)
}

func TestBuildArgs(t *testing.T) {
	for _, pid := range []int{0, 1, 4242, 2147483647} {
		args, err := BuildArgs(pid)
		require.NoError(t, err)
		assert.Equal(t, []string{"--parent-pid", strconv.Itoa(pid)}, args)
	}

	_, err := BuildArgs(-1)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidPID))
}

func TestLaunch_PassesOnlyParentPID(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	writeScript(t, dir, "server", `echo "$#"; for a in "$@"; do echo "$a"; done`)

	proc, events, err := newTestLauncher(t, dir).Launch(context.Background(), "server", 4242)
	require.NoError(t, err)
	require.NotNil(t, proc)
	require.NotNil(t, events)
	assert.Greater(t, proc.PID, 0)
	assert.NotEmpty(t, proc.ID)
	assert.Equal(t, []string{"--parent-pid", "4242"}, proc.Args)

	got := collect(t, events, 5*time.Second)
	assert.Equal(t, []string{"2", "--parent-pid", "4242"}, linesOf(got, EventStdout))
}

func TestLaunch_StreamEndsWithSingleTermination(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	writeScript(t, dir, "server", `echo out1; echo err1 >&2; echo out2; printf partial; exit 3`)

	proc, events, err := newTestLauncher(t, dir).Launch(context.Background(), "server", 1)
	require.NoError(t, err)

	got := collect(t, events, 5*time.Second)
	require.NotEmpty(t, got)

	last := got[len(got)-1]
	assert.Equal(t, EventTerminated, last.Kind)
	require.NotNil(t, last.Status.Code)
	assert.Equal(t, 3, *last.Status.Code)

	terminated := 0
	for _, ev := range got {
		if ev.Kind == EventTerminated {
			terminated++
		}
	}
	assert.Equal(t, 1, terminated)
	assert.Equal(t, []string{"out1", "out2", "partial"}, linesOf(got, EventStdout))
	assert.Equal(t, []string{"err1"}, linesOf(got, EventStderr))

	status, ok := proc.ExitStatus()
	assert.True(t, ok)
	assert.Equal(t, protocol.OutcomeFailed, status.Classify())
	assert.Equal(t, protocol.StateExited, proc.State())
}

func TestLaunch_SignalReported(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	writeScript(t, dir, "server", `kill -KILL $$`)

	_, events, err := newTestLauncher(t, dir).Launch(context.Background(), "server", 1)
	require.NoError(t, err)

	got := collect(t, events, 5*time.Second)
	last := got[len(got)-1]
	require.Equal(t, EventTerminated, last.Kind)
	assert.Nil(t, last.Status.Code)
	assert.Equal(t, "SIGKILL", last.Status.Signal)
	assert.Equal(t, protocol.OutcomeSignaled, last.Status.Classify())
}

func TestLaunch_GrandchildHoldingPipeDoesNotBlockTermination(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	writeScript(t, dir, "server", `sleep 3 & echo started; exit 0`)

	start := time.Now()
	_, events, err := newTestLauncher(t, dir).Launch(context.Background(), "server", 1)
	require.NoError(t, err)

	got := collect(t, events, 5*time.Second)
	assert.Less(t, time.Since(start), 2500*time.Millisecond)
	assert.Equal(t, []string{"started"}, linesOf(got, EventStdout))
	assert.Equal(t, EventTerminated, got[len(got)-1].Kind)
}

func TestLaunch_StalledConsumerReceivesEveryLine(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	writeScript(t, dir, "server", `i=1; while [ $i -le 5000 ]; do echo "$i"; i=$((i+1)); done`)

	_, events, err := newTestLauncher(t, dir).Launch(context.Background(), "server", 1)
	require.NoError(t, err)

	// The child exits long before anyone reads; the readers stay blocked on
	// the full event channel for several drain windows.
	time.Sleep(5 * testLaunchConfig().DrainTimeout)

	got := collect(t, events, 10*time.Second)
	lines := linesOf(got, EventStdout)
	require.Len(t, lines, 5000)
	assert.Equal(t, "1", lines[0])
	assert.Equal(t, "5000", lines[len(lines)-1])

	last := got[len(got)-1]
	require.Equal(t, EventTerminated, last.Kind)
	require.NotNil(t, last.Status.Code)
	assert.Equal(t, 0, *last.Status.Code)
}

func TestLaunch_ResolutionErrorSpawnsNothing(t *testing.T) {
	launcher := newTestLauncher(t, t.TempDir())
	starts := 0
	launcher.start = func(cmd *exec.Cmd) error {
		starts++
		return cmd.Start()
	}

	proc, events, err := launcher.Launch(context.Background(), "server", 1)
	require.Error(t, err)
	assert.Nil(t, proc)
	assert.Nil(t, events)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.True(t, errors.IsType(err, errors.ErrorTypeResolution))
	assert.Equal(t, 0, starts)
}

func TestLaunch_RetriesTransientSpawnErrors(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	writeScript(t, dir, "server", `echo up`)

	launcher := newTestLauncher(t, dir)
	starts := 0
	launcher.start = func(cmd *exec.Cmd) error {
		starts++
		if starts < 3 {
			return syscall.EAGAIN
		}
		return cmd.Start()
	}

	proc, events, err := launcher.Launch(context.Background(), "server", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, starts)
	assert.Equal(t, 3, proc.Attempts)
	assert.Equal(t, []string{"up"}, linesOf(collect(t, events, 5*time.Second), EventStdout))
}

func TestLaunch_GivesUpAfterMaxAttempts(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	writeScript(t, dir, "server", `echo never`)

	launcher := newTestLauncher(t, dir)
	starts := 0
	launcher.start = func(*exec.Cmd) error {
		starts++
		return syscall.EAGAIN
	}

	_, _, err := launcher.Launch(context.Background(), "server", 1)
	require.Error(t, err)
	assert.Equal(t, 3, starts)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSpawn))
	assert.True(t, errors.IsCode(err, errors.CodeResources))
}

func TestLaunch_PermanentSpawnErrorNotRetried(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	writeScript(t, dir, "server", `echo never`)

	launcher := newTestLauncher(t, dir)
	starts := 0
	launcher.start = func(*exec.Cmd) error {
		starts++
		return syscall.EACCES
	}

	_, _, err := launcher.Launch(context.Background(), "server", 1)
	require.Error(t, err)
	assert.Equal(t, 1, starts)
	assert.True(t, errors.IsCode(err, errors.CodePermission))
}

func TestLaunch_InvalidParentPID(t *testing.T) {
	_, _, err := newTestLauncher(t, t.TempDir()).Launch(context.Background(), "server", -5)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}
