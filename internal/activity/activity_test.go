package activity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devwspito/storyforge/internal/agent"
	"github.com/devwspito/storyforge/pkg/models"
)

type memSink struct {
	mu      sync.Mutex
	batches [][]models.ActivityEntry
	fail    bool
}

func (m *memSink) AppendActivity(_ context.Context, entries []models.ActivityEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("db down")
	}
	m.batches = append(m.batches, entries)
	return nil
}

func (m *memSink) all() []models.ActivityEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ActivityEntry
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}

func TestObserveFiltering(t *testing.T) {
	t.Parallel()
	sink := &memSink{}
	rec := NewRecorder(sink, WithFlushInterval(time.Hour))
	defer rec.Close()

	long := strings.Repeat("the refactor is complete ", 5)

	events := []agent.Event{
		{Type: agent.EventTool, Tool: "Bash", ToolStatus: "completed", ToolInput: "go test"},
		{Type: agent.EventTool, Tool: "Bash", ToolStatus: "started"},      // not finished
		{Type: agent.EventTool, Tool: "Grep", ToolStatus: "completed"},    // noise tool
		{Type: agent.EventText, Text: "ok"},                               // too short
		{Type: agent.EventText, Text: long},                               // substantive
		{Type: agent.EventQuestion, Text: "should I delete the old API?"}, // always kept
		{Type: agent.EventThinking, Text: long},                           // never kept
		{Type: agent.EventDelta, Text: long},
	}
	for _, ev := range events {
		rec.Observe("t1", ev)
	}
	rec.Flush(context.Background())

	var got []string
	for _, e := range sink.all() {
		got = append(got, e.Kind)
		if e.EntryID != 0 {
			t.Fatalf("EntryID = %d before insert; ids are store-assigned", e.EntryID)
		}
	}
	want := []string{"tool", "message", "question"}
	if len(got) != len(want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", got, want)
		}
	}
}

func TestBatchSizeTriggersFlush(t *testing.T) {
	t.Parallel()
	sink := &memSink{}
	rec := NewRecorder(sink, WithFlushInterval(time.Hour), WithMaxBatch(3))
	defer rec.Close()

	for i := 0; i < 3; i++ {
		rec.Observe("t1", agent.Event{Type: agent.EventTool, Tool: "Read", ToolStatus: "completed"})
	}

	sink.mu.Lock()
	n := len(sink.batches)
	sink.mu.Unlock()
	if n != 1 {
		t.Fatalf("batches = %d, want 1 (flush on max batch)", n)
	}
	if got := len(sink.all()); got != 3 {
		t.Fatalf("entries = %d, want 3", got)
	}
}

func TestCloseFlushesRemainder(t *testing.T) {
	t.Parallel()
	sink := &memSink{}
	rec := NewRecorder(sink, WithFlushInterval(time.Hour))

	rec.Observe("t1", agent.Event{Type: agent.EventQuestion, Text: "proceed?"})
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := len(sink.all()); got != 1 {
		t.Fatalf("entries after close = %d, want 1", got)
	}

	// Observes after close are dropped.
	rec.Observe("t1", agent.Event{Type: agent.EventQuestion, Text: "still there?"})
	if got := len(sink.all()); got != 1 {
		t.Fatalf("entries after post-close observe = %d, want 1", got)
	}
}

func TestFlushFailureDropsBatch(t *testing.T) {
	t.Parallel()
	sink := &memSink{fail: true}
	rec := NewRecorder(sink, WithFlushInterval(time.Hour))
	defer rec.Close()

	rec.Observe("t1", agent.Event{Type: agent.EventQuestion, Text: "?"})
	rec.Flush(context.Background())

	sink.mu.Lock()
	sink.fail = false
	sink.mu.Unlock()
	rec.Flush(context.Background())

	if got := len(sink.all()); got != 0 {
		t.Fatalf("entries = %d, want 0 (failed batch is dropped, not retried)", got)
	}
}

func TestPeriodicFlush(t *testing.T) {
	t.Parallel()
	sink := &memSink{}
	rec := NewRecorder(sink, WithFlushInterval(20*time.Millisecond))
	defer rec.Close()

	rec.Observe("t1", agent.Event{Type: agent.EventTool, Tool: "Write", ToolStatus: "completed"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.all()) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("entry never flushed by ticker")
}
