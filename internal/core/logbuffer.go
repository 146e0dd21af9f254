package core

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// LogEntry is a single structured log line captured from the root logger.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	Raw       string    `json:"raw"`
}

// LogRingBuffer is a fixed-size ring of recent log entries, served by the
// API. It is an io.Writer fed with zerolog's JSON output.
type LogRingBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	maxSize int
	pos     int
	full    bool
}

// NewLogRingBuffer creates a ring buffer that holds up to maxSize entries.
func NewLogRingBuffer(maxSize int) *LogRingBuffer {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &LogRingBuffer{
		entries: make([]LogEntry, maxSize),
		maxSize: maxSize,
	}
}

// Write parses one zerolog JSON event. Lines that are not JSON are kept
// with only Raw and Message set.
func (b *LogRingBuffer) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")
	entry := LogEntry{Timestamp: time.Now().UTC(), Raw: line, Message: line}

	var ev struct {
		Time      string `json:"time"`
		Level     string `json:"level"`
		Component string `json:"component"`
		Message   string `json:"message"`
	}
	if json.Unmarshal(p, &ev) == nil {
		entry.Level = ev.Level
		entry.Component = ev.Component
		entry.Message = ev.Message
		if ts, err := time.Parse(time.RFC3339, ev.Time); err == nil {
			entry.Timestamp = ts.UTC()
		}
	}

	b.mu.Lock()
	b.entries[b.pos] = entry
	b.pos = (b.pos + 1) % b.maxSize
	if b.pos == 0 {
		b.full = true
	}
	b.mu.Unlock()

	return len(p), nil
}

// GetEntries returns the most recent n entries in chronological order,
// optionally restricted to one level.
func (b *LogRingBuffer) GetEntries(n int, level string) []LogEntry {
	if n <= 0 {
		return []LogEntry{}
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := b.pos
	if b.full {
		total = b.maxSize
	}
	start := b.pos - total
	if start < 0 {
		start += b.maxSize
	}

	out := make([]LogEntry, 0, min(n, total))
	for i := total - 1; i >= 0 && len(out) < n; i-- {
		e := b.entries[(start+i)%b.maxSize]
		if level != "" && e.Level != level {
			continue
		}
		out = append(out, e)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
