package agent

import (
	"context"
	"testing"
	"time"
)

func TestStub_promptProducesIdle(t *testing.T) {
	t.Parallel()
	stub := &Stub{}
	ctx := context.Background()

	st, err := stub.Subscribe(ctx, "/repo")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sid, err := stub.CreateSession(ctx, "/repo")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := stub.SendPrompt(ctx, sid, "do the thing", PromptOptions{}); err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}

	var got []Event
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-st.Events():
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("timed out after %d events", len(got))
		}
	}
	if got[0].Type != EventText || got[1].Type != EventIdle {
		t.Fatalf("events = %v, %v", got[0].Type, got[1].Type)
	}
	if got[0].SessionID != sid || got[0].Directory != "/repo" {
		t.Fatalf("event not stamped: %+v", got[0])
	}
	if p := stub.Prompts(sid); len(p) != 1 || p[0] != "do the thing" {
		t.Fatalf("prompts = %v", p)
	}
}

func TestStub_unknownSession(t *testing.T) {
	t.Parallel()
	stub := &Stub{}
	if err := stub.SendPrompt(context.Background(), "nope", "x", PromptOptions{}); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestStub_dropStreamsClosesChannel(t *testing.T) {
	t.Parallel()
	stub := &Stub{}
	st, err := stub.Subscribe(context.Background(), "/repo")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	stub.DropStreams("/repo")
	select {
	case _, ok := <-st.Events():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestStub_abortRecorded(t *testing.T) {
	t.Parallel()
	stub := &Stub{}
	sid, _ := stub.CreateSession(context.Background(), "/repo")
	if stub.Aborted(sid) {
		t.Fatal("not yet aborted")
	}
	if err := stub.Abort(context.Background(), sid); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if !stub.Aborted(sid) {
		t.Fatal("abort not recorded")
	}
}
