package sidecar

import (
	"errors"
	"strings"
	"testing"
	"testing/iotest"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(input string, maxLine int) []Event {
	var events []Event
	readLines(strings.NewReader(input), EventStdout, maxLine, func(ev Event) {
		events = append(events, ev)
	})
	return events
}

func TestReadLines_Terminators(t *testing.T) {
	events := readAll("first\nsecond\r\n\nlast-without-newline", 1024)
	assert.Equal(t, []string{"first", "second", "", "last-without-newline"}, linesOf(events, EventStdout))
	assert.Empty(t, linesOf(events, EventError))
}

func TestReadLines_ChunksLongLines(t *testing.T) {
	long := strings.Repeat("a", 40)
	events := readAll(long+"\nshort\n", 16)

	lines := linesOf(events, EventStdout)
	require.Len(t, lines, 4)
	assert.Equal(t, strings.Repeat("a", 16), lines[0])
	assert.Equal(t, strings.Repeat("a", 16), lines[1])
	assert.Equal(t, strings.Repeat("a", 8), lines[2])
	assert.Equal(t, "short", lines[3])
}

func TestReadLines_LineFillingBufferExactly(t *testing.T) {
	exact := strings.Repeat("b", 16)
	lines := linesOf(readAll(exact+"\nnext\n", 16), EventStdout)
	assert.Equal(t, []string{exact, "next"}, lines)
}

func TestReadLines_LinesAreCopied(t *testing.T) {
	events := readAll("one\ntwo\n", 16)
	require.Len(t, events, 2)
	assert.Equal(t, "one", string(events[0].Line))
	assert.Equal(t, "two", string(events[1].Line))
}

func TestReadLines_ReadError(t *testing.T) {
	var events []Event
	boom := errors.New("boom")
	readLines(iotest.ErrReader(boom), EventStderr, 64, func(ev Event) {
		events = append(events, ev)
	})

	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Kind)
	assert.ErrorIs(t, events[0].Err, boom)
}

func TestReadLines_CRLFAcrossChunkBoundary(t *testing.T) {
	body := strings.Repeat("c", 15)
	lines := linesOf(readAll(body+"\r\nnext\n", 16), EventStdout)
	assert.Equal(t, []string{body, "next"}, lines)
}

func TestReadLines_CarriageReturnInsideLongLine(t *testing.T) {
	body := strings.Repeat("c", 15) + "\rtail"
	lines := linesOf(readAll(body+"\n", 16), EventStdout)
	assert.Equal(t, []string{strings.Repeat("c", 15), "\rtail"}, lines)
}

func TestReadLines_RuneAcrossChunkBoundary(t *testing.T) {
	body := strings.Repeat("a", 15) + "é" + strings.Repeat("b", 3)
	lines := linesOf(readAll(body+"\n", 16), EventStdout)

	require.Len(t, lines, 2)
	assert.Equal(t, strings.Repeat("a", 15), lines[0])
	assert.Equal(t, "ébbb", lines[1])
	for _, line := range lines {
		assert.True(t, utf8.ValidString(line), "chunk %q split a rune", line)
	}
}

func TestChunkBoundary(t *testing.T) {
	tests := []struct {
		name  string
		chunk string
		want  int
	}{
		{"ascii", "abcd", 4},
		{"trailing cr", "abc\r", 3},
		{"complete rune", "ab\u00e9", 4},
		{"two of three bytes", "ab\xe2\x82", 2},
		{"three of four bytes", "a\xf0\x9f\x98", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, chunkBoundary([]byte(tt.chunk)))
		})
	}
}

func TestActivity_BusyWhileSending(t *testing.T) {
	progress := newActivity()
	events := make(chan Event)
	emit := progress.emitter(events)

	go emit(Event{Kind: EventStdout, Line: []byte("x")})
	require.Eventually(t, func() bool { return progress.sending.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, progress.idle(), "a blocked send is progress, not idleness")

	<-events
	require.Eventually(t, func() bool { return progress.sending.Load() == 0 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Greater(t, progress.idle(), 10*time.Millisecond)
}

func TestActivity_ReadsCountAsProgress(t *testing.T) {
	progress := newActivity()
	progress.last.Store(time.Now().Add(-time.Hour).UnixNano())

	buf := make([]byte, 4)
	_, err := progress.reader(strings.NewReader("data")).Read(buf)
	require.NoError(t, err)
	assert.Less(t, progress.idle(), time.Minute)
}
