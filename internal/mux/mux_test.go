package mux

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/devwspito/storyforge/internal/agent"
)

func waitIdle(t *testing.T, m *Multiplexer, sid string) []agent.Event {
	t.Helper()
	evs, err := m.WaitForIdle(context.Background(), sid, 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForIdle(%s): %v", sid, err)
	}
	return evs
}

func TestRegisterUnregister_refcount(t *testing.T) {
	t.Parallel()
	stub := &agent.Stub{}
	m := New(stub)
	defer m.Close()

	if err := m.Register("task1", "a", "/d"); err != nil {
		t.Fatalf("Register a: %v", err)
	}
	if err := m.Register("task1", "b", "/d"); err != nil {
		t.Fatalf("Register b: %v", err)
	}
	if got := m.refs("/d"); got != 2 {
		t.Fatalf("refs = %d, want 2", got)
	}

	m.Unregister("a")
	if got := m.refs("/d"); got != 1 {
		t.Fatalf("refs after one unregister = %d, want 1", got)
	}
	m.Unregister("b")
	if got := m.refs("/d"); got != 0 {
		t.Fatalf("refs after both unregister = %d, want 0", got)
	}

	// Double unregister must not go negative or touch a fresh subscription.
	m.Unregister("b")
	if got := m.refs("/d"); got != 0 {
		t.Fatalf("refs after double unregister = %d", got)
	}
}

func TestRoute_bySessionID(t *testing.T) {
	t.Parallel()
	stub := &agent.Stub{}
	m := New(stub)
	defer m.Close()

	if err := m.Register("t1", "sa", "/d1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Register("t2", "sb", "/d2"); err != nil {
		t.Fatal(err)
	}
	// Give the pumps a moment to subscribe before emitting.
	time.Sleep(50 * time.Millisecond)

	stub.Emit("/d1", agent.Event{Type: agent.EventText, SessionID: "sa", Text: "for-a"})
	stub.Emit("/d1", agent.Event{Type: agent.EventIdle, SessionID: "sa"})
	stub.Emit("/d2", agent.Event{Type: agent.EventText, SessionID: "sb", Text: "for-b"})
	stub.Emit("/d2", agent.Event{Type: agent.EventIdle, SessionID: "sb"})

	evsA := waitIdle(t, m, "sa")
	evsB := waitIdle(t, m, "sb")
	if len(evsA) != 1 || evsA[0].Text != "for-a" {
		t.Fatalf("session a events = %+v", evsA)
	}
	if len(evsB) != 1 || evsB[0].Text != "for-b" {
		t.Fatalf("session b events = %+v", evsB)
	}
}

func TestRoute_directoryFallback(t *testing.T) {
	t.Parallel()
	stub := &agent.Stub{}
	m := New(stub)
	defer m.Close()

	if err := m.Register("t1", "only", "/d"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	stub.Emit("/d", agent.Event{Type: agent.EventText, Text: "anon"})
	stub.Emit("/d", agent.Event{Type: agent.EventIdle})

	evs := waitIdle(t, m, "only")
	if len(evs) != 1 || evs[0].Text != "anon" {
		t.Fatalf("events = %+v", evs)
	}
}

func TestRoute_ambiguousFallbackPicksNewest(t *testing.T) {
	t.Parallel()
	stub := &agent.Stub{}
	m := New(stub)
	defer m.Close()

	if err := m.Register("t1", "older", "/d"); err != nil {
		t.Fatal(err)
	}
	if err := m.Register("t1", "newer", "/d"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	stub.Emit("/d", agent.Event{Type: agent.EventText, Text: "who"})
	stub.Emit("/d", agent.Event{Type: agent.EventIdle})

	evs := waitIdle(t, m, "newer")
	if len(evs) != 1 || evs[0].Text != "who" {
		t.Fatalf("newer session events = %+v", evs)
	}
}

func TestWaitForIdle_errorEvent(t *testing.T) {
	t.Parallel()
	stub := &agent.Stub{}
	m := New(stub)
	defer m.Close()

	if err := m.Register("t1", "s", "/d"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	stub.Emit("/d", agent.Event{Type: agent.EventError, SessionID: "s", Err: map[string]any{"message": "model exploded"}})

	_, err := m.WaitForIdle(context.Background(), "s", 5*time.Second)
	if err == nil || !strings.Contains(err.Error(), "model exploded") {
		t.Fatalf("err = %v", err)
	}
}

func TestWaitForIdle_timeout(t *testing.T) {
	t.Parallel()
	stub := &agent.Stub{}
	m := New(stub)
	defer m.Close()

	if err := m.Register("t1", "s", "/d"); err != nil {
		t.Fatal(err)
	}
	_, err := m.WaitForIdle(context.Background(), "s", 30*time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("err = %v", err)
	}
}

func TestWaitForIdle_unknownSession(t *testing.T) {
	t.Parallel()
	m := New(&agent.Stub{})
	defer m.Close()
	if _, err := m.WaitForIdle(context.Background(), "ghost", time.Second); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestPump_resubscribesAfterStreamDrop(t *testing.T) {
	t.Parallel()
	stub := &agent.Stub{}
	m := New(stub, WithReconnectBackoff(20*time.Millisecond))
	defer m.Close()

	if err := m.Register("t1", "s", "/d"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	stub.DropStreams("/d")
	// After the backoff the pump should hold a fresh subscription.
	time.Sleep(120 * time.Millisecond)

	stub.Emit("/d", agent.Event{Type: agent.EventIdle, SessionID: "s"})
	if _, err := m.WaitForIdle(context.Background(), "s", 5*time.Second); err != nil {
		t.Fatalf("WaitForIdle after reconnect: %v", err)
	}
}

func TestObserver_seesRoutedEvents(t *testing.T) {
	t.Parallel()
	stub := &agent.Stub{}
	seen := make(chan string, 8)
	m := New(stub, WithObserver(func(taskID string, ev agent.Event) {
		seen <- taskID + ":" + ev.Type
	}))
	defer m.Close()

	if err := m.Register("task-9", "s", "/d"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	stub.Emit("/d", agent.Event{Type: agent.EventText, SessionID: "s", Text: "hello"})
	stub.Emit("/d", agent.Event{Type: agent.EventIdle, SessionID: "s"})
	waitIdle(t, m, "s")

	want := map[string]bool{"task-9:text": false, "task-9:idle": false}
	timeout := time.After(2 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case got := <-seen:
			if _, ok := want[got]; !ok {
				t.Fatalf("unexpected observation %q", got)
			}
			want[got] = true
		case <-timeout:
			t.Fatal("observer did not see both events")
		}
	}
}

func TestNormalizeError(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   any
		want string
	}{
		{nil, "agent session error"},
		{"", "agent session error"},
		{"boom", "boom"},
		{map[string]any{"message": "bad"}, "bad"},
		{map[string]any{"error": "worse"}, "worse"},
		{42, "agent session error: 42"},
	}
	for _, c := range cases {
		if got := NormalizeError(c.in); got != c.want {
			t.Errorf("NormalizeError(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}
