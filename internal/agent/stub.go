package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stub is a deterministic in-process Service that emits plausible events
// without calling any external agent. Tests script it via Respond; the
// default response to any prompt is one text event followed by idle.
type Stub struct {
	// Respond, if set, produces the events emitted after each SendPrompt.
	Respond func(sessionID, prompt string) []Event
	// OmitSessionID leaves session ids off emitted events so routing falls
	// back to directory matching.
	OmitSessionID bool

	mu       sync.Mutex
	sessions map[string]string       // session id -> directory
	streams  map[string][]*stubChan  // directory -> live streams
	aborted  map[string]bool
	prompts  map[string][]string     // session id -> prompts received
}

type stubChan struct {
	ch     chan Event
	closed bool
	parent *Stub
	dir    string
}

func (s *stubChan) Events() <-chan Event { return s.ch }

func (s *stubChan) Close() error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	s.parent.dropLocked(s)
	return nil
}

func (s *Stub) Name() string { return "stub" }

func (s *Stub) init() {
	if s.sessions == nil {
		s.sessions = make(map[string]string)
		s.streams = make(map[string][]*stubChan)
		s.aborted = make(map[string]bool)
		s.prompts = make(map[string][]string)
	}
}

func (s *Stub) CreateSession(_ context.Context, directory string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	id := uuid.NewString()
	s.sessions[id] = directory
	return id, nil
}

func (s *Stub) SendPrompt(_ context.Context, sessionID, text string, _ PromptOptions) error {
	s.mu.Lock()
	s.init()
	dir, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown session %s", sessionID)
	}
	s.prompts[sessionID] = append(s.prompts[sessionID], text)
	respond := s.Respond
	s.mu.Unlock()

	var events []Event
	if respond != nil {
		events = respond(sessionID, text)
	} else {
		events = []Event{
			{Type: EventText, Text: "ok"},
			{Type: EventIdle},
		}
	}
	for _, ev := range events {
		if ev.SessionID == "" && !s.OmitSessionID {
			ev.SessionID = sessionID
		}
		if ev.Directory == "" {
			ev.Directory = dir
		}
		s.Emit(dir, ev)
	}
	return nil
}

func (s *Stub) Subscribe(_ context.Context, directory string) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	st := &stubChan{ch: make(chan Event, 256), parent: s, dir: directory}
	s.streams[directory] = append(s.streams[directory], st)
	return st, nil
}

func (s *Stub) Abort(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	s.aborted[sessionID] = true
	return nil
}

// Emit injects one event into every live stream for the directory.
// Tests use it to simulate out-of-band service events.
func (s *Stub) Emit(directory string, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Directory == "" {
		ev.Directory = directory
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	for _, st := range s.streams[directory] {
		if st.closed {
			continue
		}
		select {
		case st.ch <- ev:
		default:
			// Drop if the subscriber is too slow; mirrors the real feed.
		}
	}
}

// DropStreams closes every live stream for the directory without any teardown,
// simulating an upstream disconnect.
func (s *Stub) DropStreams(directory string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	for _, st := range s.streams[directory] {
		s.dropLocked(st)
	}
}

func (s *Stub) dropLocked(st *stubChan) {
	if st.closed {
		return
	}
	st.closed = true
	close(st.ch)
	live := s.streams[st.dir][:0]
	for _, other := range s.streams[st.dir] {
		if other != st {
			live = append(live, other)
		}
	}
	s.streams[st.dir] = live
}

// Aborted reports whether Abort was called for the session.
func (s *Stub) Aborted(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	return s.aborted[sessionID]
}

// Prompts returns the prompts received by the session, in order.
func (s *Stub) Prompts(sessionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	out := make([]string, len(s.prompts[sessionID]))
	copy(out, s.prompts[sessionID])
	return out
}
