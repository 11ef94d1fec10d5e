// Package buffer keeps a bounded history of the lines relayed from the
// sidecar so status clients can see recent backend output after the fact.
package buffer

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/bebsworthy/sidecar/internal/protocol"
)

const (
	// DefaultCapacity is the entry capacity used when none is configured
	DefaultCapacity = 1000

	// DefaultMaxBytes bounds the total content size held by default (1MB)
	DefaultMaxBytes = 1024 * 1024

	// MaxLineSize is the largest content stored for a single entry (64KB)
	MaxLineSize = 64 * 1024
)

// LineEntry is one relayed line
type LineEntry struct {
	Stream    protocol.StreamType
	Content   string
	Timestamp time.Time
	PID       int
}

// NewLineEntry creates an entry, truncating oversized content
func NewLineEntry(stream protocol.StreamType, content string, pid int) *LineEntry {
	if len(content) > MaxLineSize {
		content = content[:MaxLineSize]
	}
	return &LineEntry{
		Stream:    stream,
		Content:   content,
		Timestamp: time.Now(),
		PID:       pid,
	}
}

// Size returns the approximate size of the entry in bytes
func (e *LineEntry) Size() int {
	return len(e.Content) + len(e.Stream) + 8 + 4 // +8 for timestamp, +4 for PID
}

// Matches checks the entry against a stream filter and an optional pattern
func (e *LineEntry) Matches(stream protocol.StreamType, pattern *regexp.Regexp) bool {
	if stream != "" && stream != "both" && e.Stream != stream {
		return false
	}
	if pattern != nil && !pattern.MatchString(e.Content) {
		return false
	}
	return true
}

// ToLogLine converts the entry for history responses
func (e *LineEntry) ToLogLine() protocol.LogLine {
	return protocol.LogLine{
		Timestamp: e.Timestamp,
		Stream:    e.Stream,
		Content:   e.Content,
		PID:       e.PID,
	}
}

// RingBuffer is a thread-safe ring of line entries bounded by count and bytes
type RingBuffer struct {
	mutex     sync.RWMutex
	entries   []*LineEntry
	head      int // next position to write
	tail      int // oldest entry
	size      int
	capacity  int
	maxBytes  int
	totalSize int
	dropped   int64
}

// NewRingBuffer creates a ring buffer; non-positive limits fall back to defaults
func NewRingBuffer(capacity, maxBytes int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &RingBuffer{
		entries:  make([]*LineEntry, capacity),
		capacity: capacity,
		maxBytes: maxBytes,
	}
}

// Add appends an entry, evicting the oldest entries as needed
func (rb *RingBuffer) Add(entry *LineEntry) {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	if rb.size == rb.capacity {
		rb.evictOldestUnsafe()
	}

	rb.entries[rb.head] = entry
	rb.head = (rb.head + 1) % rb.capacity
	rb.totalSize += entry.Size()
	rb.size++

	// Keep the newest entry even if it alone exceeds the byte limit.
	for rb.totalSize > rb.maxBytes && rb.size > 1 {
		rb.evictOldestUnsafe()
	}
}

// AddLine records a relayed line
func (rb *RingBuffer) AddLine(stream protocol.StreamType, content string, pid int) {
	rb.Add(NewLineEntry(stream, content, pid))
}

func (rb *RingBuffer) evictOldestUnsafe() {
	old := rb.entries[rb.tail]
	if old != nil {
		rb.totalSize -= old.Size()
	}
	rb.entries[rb.tail] = nil
	rb.tail = (rb.tail + 1) % rb.capacity
	rb.size--
	rb.dropped++
}

// Get retrieves entries in chronological order after applying filters
func (rb *RingBuffer) Get(opts GetOptions) ([]*LineEntry, error) {
	var pattern *regexp.Regexp
	if opts.Pattern != "" {
		var err error
		pattern, err = regexp.Compile(opts.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid regex pattern: %w", err)
		}
	}

	rb.mutex.RLock()
	defer rb.mutex.RUnlock()

	result := make([]*LineEntry, 0, rb.size)
	for i := 0; i < rb.size; i++ {
		entry := rb.entries[(rb.tail+i)%rb.capacity]
		if entry == nil {
			continue
		}
		if !opts.Since.IsZero() && entry.Timestamp.Before(opts.Since) {
			continue
		}
		if entry.Matches(protocol.StreamType(opts.Stream), pattern) {
			result = append(result, entry)
		}
	}

	// Take the last N entries
	if opts.Lines > 0 && len(result) > opts.Lines {
		result = result[len(result)-opts.Lines:]
	}

	return result, nil
}

// Stats returns statistics about the buffer
func (rb *RingBuffer) Stats() Stats {
	rb.mutex.RLock()
	defer rb.mutex.RUnlock()

	stats := Stats{
		EntryCount:     rb.size,
		TotalSizeBytes: rb.totalSize,
		Capacity:       rb.capacity,
		MaxBytes:       rb.maxBytes,
		Dropped:        rb.dropped,
	}
	if rb.size > 0 {
		oldest := rb.entries[rb.tail].Timestamp
		newest := rb.entries[(rb.tail+rb.size-1)%rb.capacity].Timestamp
		stats.OldestTimestamp = &oldest
		stats.NewestTimestamp = &newest
	}
	return stats
}

// Clear removes all entries
func (rb *RingBuffer) Clear() {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	for i := range rb.entries {
		rb.entries[i] = nil
	}
	rb.head = 0
	rb.tail = 0
	rb.size = 0
	rb.totalSize = 0
}

// GetOptions filters history queries
type GetOptions struct {
	Lines   int       // Maximum number of lines to return (0 = no limit)
	Since   time.Time // Only return entries at or after this timestamp
	Stream  string    // "stdout", "stderr", "both", or ""
	Pattern string    // Regex matched against line content
}

// Stats describes the buffer contents
type Stats struct {
	EntryCount      int
	TotalSizeBytes  int
	Capacity        int
	MaxBytes        int
	Dropped         int64
	OldestTimestamp *time.Time
	NewestTimestamp *time.Time
}

// String returns a human-readable representation of the stats
func (s Stats) String() string {
	if s.EntryCount == 0 {
		return "History is empty"
	}
	return fmt.Sprintf("History: %d/%d entries, %d/%d bytes, %d evicted",
		s.EntryCount, s.Capacity, s.TotalSizeBytes, s.MaxBytes, s.Dropped)
}
