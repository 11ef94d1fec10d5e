package sidecar

import (
	"bufio"
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// minLineBytes is the smallest chunk size bufio accepts
const minLineBytes = 16

// readLines splits r into lines and hands each one to emit as an event of
// the given kind. The line terminator ("\n" or "\r\n") is removed; a final
// line without terminator is still delivered. Lines longer than maxLine are
// delivered in chunks of at most maxLine bytes. A chunk never ends inside a
// UTF-8 sequence or on the "\r" of a "\r\n" terminator; those bytes move to
// the next chunk.
func readLines(r io.Reader, kind EventKind, maxLine int, emit func(Event)) {
	if maxLine < minLineBytes {
		maxLine = minLineBytes
	}
	reader := bufio.NewReaderSize(r, maxLine)
	split := false
	var carry []byte

	for {
		chunk, err := reader.ReadSlice('\n')

		switch {
		case err == nil:
			line := trimEOL(append(carry, chunk...))
			// The terminator of a chunked line arrives on its own.
			if !(split && len(line) == 0) {
				emit(Event{Kind: kind, Line: line})
			}
			carry = nil
			split = false
			continue
		case stderrors.Is(err, bufio.ErrBufferFull):
			cut := chunkBoundary(chunk)
			emit(Event{Kind: kind, Line: append(carry, chunk[:cut]...)})
			carry = bytes.Clone(chunk[cut:])
			split = true
			continue
		}

		if rest := append(carry, chunk...); len(rest) > 0 {
			emit(Event{Kind: kind, Line: trimEOL(rest)})
		}
		if !isClosedPipe(err) {
			emit(Event{Kind: EventError, Err: fmt.Errorf("%s read error: %w", kind, err)})
		}
		return
	}
}

// chunkBoundary returns where a full buffer without a newline may be cut:
// before a trailing "\r", or before an incomplete trailing rune.
func chunkBoundary(chunk []byte) int {
	n := len(chunk)
	if n > 0 && chunk[n-1] == '\r' {
		return n - 1
	}
	for i := n - 1; i >= 0 && i >= n-utf8.UTFMax+1; i-- {
		if utf8.RuneStart(chunk[i]) {
			if !utf8.FullRune(chunk[i:]) {
				return i
			}
			break
		}
	}
	return n
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}

// isClosedPipe reports errors that mean the stream simply ended
func isClosedPipe(err error) bool {
	return err == io.EOF || stderrors.Is(err, os.ErrClosed) || stderrors.Is(err, io.ErrClosedPipe)
}

// activity tracks whether the output readers are still making progress.
// A reader blocked handing a line to a slow consumer counts as busy, so the
// drain timeout only ever fires on pipes that have gone quiet.
type activity struct {
	last    atomic.Int64 // unix nanoseconds of the latest read or send
	sending atomic.Int32
}

func newActivity() *activity {
	a := &activity{}
	a.touch()
	return a
}

func (a *activity) touch() {
	a.last.Store(time.Now().UnixNano())
}

// emitter wraps a send on events with progress tracking
func (a *activity) emitter(events chan<- Event) func(Event) {
	return func(ev Event) {
		a.sending.Add(1)
		events <- ev
		a.sending.Add(-1)
		a.touch()
	}
}

// idle returns how long no reader has read or sent anything; zero while a
// send is in progress.
func (a *activity) idle() time.Duration {
	if a.sending.Load() > 0 {
		return 0
	}
	return time.Since(time.Unix(0, a.last.Load()))
}

// reader marks every successful read from r as progress
func (a *activity) reader(r io.Reader) io.Reader {
	return &activityReader{r: r, a: a}
}

type activityReader struct {
	r io.Reader
	a *activity
}

func (ar *activityReader) Read(p []byte) (int, error) {
	n, err := ar.r.Read(p)
	if n > 0 {
		ar.a.touch()
	}
	return n, err
}
