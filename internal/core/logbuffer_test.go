package core

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// ─── NewLogRingBuffer ────────────────────────────────────────────────────────

func TestNewLogRingBuffer_Empty(t *testing.T) {
	b := NewLogRingBuffer(100)
	if entries := b.GetEntries(10, ""); len(entries) != 0 {
		t.Errorf("new buffer should be empty, got %d entries", len(entries))
	}
}

func TestNewLogRingBuffer_NonPositiveSize(t *testing.T) {
	b := NewLogRingBuffer(0)
	b.Write([]byte("x"))
	if len(b.GetEntries(5, "")) != 1 {
		t.Error("zero-sized buffer should fall back to a default size")
	}
}

// ─── Write ───────────────────────────────────────────────────────────────────

func TestLogRingBuffer_ParsesZerologJSON(t *testing.T) {
	b := NewLogRingBuffer(10)
	msg := `{"level":"warn","component":"pipeline","time":"2026-03-01T12:00:00Z","message":"skipping invalid packet"}` + "\n"
	n, err := b.Write([]byte(msg))
	if err != nil || n != len(msg) {
		t.Fatalf("Write() = %d, %v", n, err)
	}

	entries := b.GetEntries(1, "")
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Level != "warn" || e.Component != "pipeline" || e.Message != "skipping invalid packet" {
		t.Errorf("entry = %+v", e)
	}
	if e.Timestamp.Year() != 2026 || e.Timestamp.Hour() != 12 {
		t.Errorf("timestamp = %v", e.Timestamp)
	}
	if e.Raw[len(e.Raw)-1] == '\n' {
		t.Error("raw line should not keep the trailing newline")
	}
}

func TestLogRingBuffer_PlainText(t *testing.T) {
	b := NewLogRingBuffer(10)
	b.Write([]byte("not json"))
	e := b.GetEntries(1, "")[0]
	if e.Message != "not json" || e.Level != "" || e.Timestamp.IsZero() {
		t.Errorf("entry = %+v", e)
	}
}

// ─── GetEntries ──────────────────────────────────────────────────────────────

func TestLogRingBuffer_Wraparound(t *testing.T) {
	b := NewLogRingBuffer(3)
	for i := 0; i < 5; i++ {
		b.Write([]byte(fmt.Sprintf(`{"level":"info","message":"m%d"}`, i)))
	}
	entries := b.GetEntries(10, "")
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []string{"m2", "m3", "m4"} {
		if entries[i].Message != want {
			t.Errorf("entries[%d] = %s, want %s", i, entries[i].Message, want)
		}
	}
	if got := b.GetEntries(2, ""); got[0].Message != "m3" || got[1].Message != "m4" {
		t.Errorf("latest two = %+v", got)
	}
	if len(b.GetEntries(0, "")) != 0 || len(b.GetEntries(-1, "")) != 0 {
		t.Error("non-positive n should return nothing")
	}
}

func TestLogRingBuffer_LevelFilter(t *testing.T) {
	b := NewLogRingBuffer(10)
	b.Write([]byte(`{"level":"info","message":"a"}`))
	b.Write([]byte(`{"level":"error","message":"b"}`))
	b.Write([]byte(`{"level":"info","message":"c"}`))
	b.Write([]byte(`{"level":"error","message":"d"}`))

	got := b.GetEntries(10, "error")
	if len(got) != 2 || got[0].Message != "b" || got[1].Message != "d" {
		t.Errorf("error entries = %+v", got)
	}
	if got := b.GetEntries(1, "info"); len(got) != 1 || got[0].Message != "c" {
		t.Errorf("latest info = %+v", got)
	}
}

func TestLogRingBuffer_ConcurrentWrites(t *testing.T) {
	b := NewLogRingBuffer(50)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Write([]byte(`{"level":"debug","message":"x"}`))
			}
		}()
	}
	wg.Wait()
	if n := len(b.GetEntries(100, "")); n != 50 {
		t.Errorf("entries = %d, want 50", n)
	}
}

// ─── NewLogger ───────────────────────────────────────────────────────────────

func TestNewLogger_FeedsBuffer(t *testing.T) {
	restoreGlobalLevel(t)
	var out bytes.Buffer
	b := NewLogRingBuffer(10)
	logger := NewLogger(LoggingConfig{Level: "info", Format: "console"}, &out, b)

	logger.Debug().Msg("hidden")
	logger.Info().Str("component", "engine").Msg("visible")

	entries := b.GetEntries(10, "")
	if len(entries) != 1 || entries[0].Message != "visible" || entries[0].Component != "engine" {
		t.Errorf("buffer = %+v", entries)
	}
	if !bytes.Contains(out.Bytes(), []byte("visible")) || bytes.Contains(out.Bytes(), []byte("{")) {
		t.Errorf("console output = %q", out.String())
	}
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Errorf("global level = %s", zerolog.GlobalLevel())
	}
}
