// Package mux multiplexes the per-directory agent event feed across many
// concurrent sessions. One subscription exists per working directory,
// reference-counted by the sessions registered on it; events are routed to
// the owning session's buffer and an idle or error event releases the one
// pending WaitForIdle call for that session.
package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/devwspito/storyforge/internal/agent"
	"github.com/devwspito/storyforge/internal/otel"
)

var (
	// ErrIdleTimeout is returned when the safety-net timeout elapses before an
	// idle or error event. It guards against a permanently stuck caller, not
	// against a slow agent.
	ErrIdleTimeout = errors.New("timed out waiting for session idle")

	// ErrUnknownSession is returned for operations on an unregistered session.
	ErrUnknownSession = errors.New("unknown session")
)

const (
	defaultIdleTimeout      = 30 * time.Minute
	defaultReconnectBackoff = 5 * time.Second
)

// Observer receives every successfully routed event together with the owning
// task id. The activity recorder hangs off this hook.
type Observer func(taskID string, ev agent.Event)

// Multiplexer owns all directory subscriptions and session routing state.
// Construct with New and release with Close; there are no package-level
// singletons.
type Multiplexer struct {
	svc         agent.Service
	idleTimeout time.Duration
	backoff     time.Duration
	observer    Observer

	mu       sync.Mutex
	sessions map[string]*session
	dirs     map[string]*subscription
	seq      int
	closed   bool
}

type session struct {
	id     string
	taskID string
	dir    string
	seq    int

	mu     sync.Mutex
	buf    []agent.Event
	signal chan error // idle -> nil, error -> normalized error
}

type subscription struct {
	dir    string
	refs   int
	cancel context.CancelFunc
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithIdleTimeout overrides the default 30 minute idle safety net.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Multiplexer) {
		if d > 0 {
			m.idleTimeout = d
		}
	}
}

// WithReconnectBackoff overrides the delay before resubscribing a dropped stream.
func WithReconnectBackoff(d time.Duration) Option {
	return func(m *Multiplexer) {
		if d > 0 {
			m.backoff = d
		}
	}
}

// WithObserver installs an observer for all routed events.
func WithObserver(o Observer) Option {
	return func(m *Multiplexer) { m.observer = o }
}

// New builds a Multiplexer over the given agent service.
func New(svc agent.Service, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		svc:         svc,
		idleTimeout: defaultIdleTimeout,
		backoff:     defaultReconnectBackoff,
		sessions:    make(map[string]*session),
		dirs:        make(map[string]*subscription),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Register binds a session to its working directory, starting the directory's
// event subscription if this is the first session on it.
func (m *Multiplexer) Register(taskID, sessionID, directory string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("multiplexer is closed")
	}
	if _, ok := m.sessions[sessionID]; ok {
		return fmt.Errorf("session %s already registered", sessionID)
	}

	sub, ok := m.dirs[directory]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		// Subscribe before returning so no event emitted right after
		// registration can slip past the stream.
		stream, err := m.svc.Subscribe(ctx, directory)
		if err != nil {
			cancel()
			return fmt.Errorf("subscribing to %s: %w", directory, err)
		}
		sub = &subscription{dir: directory, cancel: cancel}
		m.dirs[directory] = sub
		go m.pump(ctx, sub, stream)
	}
	sub.refs++

	m.seq++
	m.sessions[sessionID] = &session{
		id:     sessionID,
		taskID: taskID,
		dir:    directory,
		seq:    m.seq,
		signal: make(chan error, 1),
	}

	if n := m.sessionsOnDirLocked(directory); n > 1 {
		slog.Warn("multiple sessions registered on one directory; unattributed events will route by recency",
			"directory", directory, "sessions", n)
	}
	return nil
}

// Unregister removes a session and tears down the directory subscription when
// no sessions remain on it.
func (m *Multiplexer) Unregister(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(m.sessions, sessionID)
	sub, ok := m.dirs[s.dir]
	if !ok {
		return
	}
	sub.refs--
	if sub.refs <= 0 {
		delete(m.dirs, s.dir)
		sub.cancel()
	}
}

// WaitForIdle blocks until the session's next idle or error event, then
// returns the ordered events collected since the last wait. A timeout of 0
// uses the multiplexer's configured safety net.
func (m *Multiplexer) WaitForIdle(ctx context.Context, sessionID string, timeout time.Duration) ([]agent.Event, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if timeout <= 0 {
		timeout = m.idleTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-s.signal:
		return s.take(), err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return s.take(), fmt.Errorf("%w (%s)", ErrIdleTimeout, timeout)
	}
}

// Close tears down every subscription. Registered sessions are forgotten.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for dir, sub := range m.dirs {
		sub.cancel()
		delete(m.dirs, dir)
	}
	m.sessions = make(map[string]*session)
}

// pump consumes the directory's stream, resubscribing after a fixed backoff
// while sessions remain registered.
func (m *Multiplexer) pump(ctx context.Context, sub *subscription, stream agent.Stream) {
	for {
		if stream == nil {
			var err error
			stream, err = m.svc.Subscribe(ctx, sub.dir)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("event subscription failed; retrying", "directory", sub.dir, "err", err)
				if !sleepCtx(ctx, m.backoff) {
					return
				}
				continue
			}
		}

	consume:
		for {
			select {
			case <-ctx.Done():
				_ = stream.Close()
				return
			case ev, ok := <-stream.Events():
				if !ok {
					break consume
				}
				m.route(sub.dir, ev)
			}
		}

		stream = nil
		if ctx.Err() != nil {
			return
		}
		m.mu.Lock()
		refs := sub.refs
		m.mu.Unlock()
		if refs <= 0 {
			return
		}
		slog.Warn("event stream ended; resubscribing", "directory", sub.dir, "backoff", m.backoff)
		if !sleepCtx(ctx, m.backoff) {
			return
		}
	}
}

// route delivers one raw event to the owning session, or drops it.
func (m *Multiplexer) route(dir string, ev agent.Event) {
	ctx := context.Background()
	outcome := "direct"

	m.mu.Lock()
	var target *session
	if ev.SessionID != "" {
		target = m.sessions[ev.SessionID]
	} else {
		evDir := ev.Directory
		if evDir == "" {
			evDir = dir
		}
		var count int
		for _, s := range m.sessions {
			if s.dir != evDir {
				continue
			}
			count++
			if target == nil || s.seq > target.seq {
				target = s
			}
		}
		if count > 1 {
			// Ambiguous: no session id and more than one session on the
			// directory. Routed to the most recently registered session as an
			// explicit degraded mode, never a silent guess.
			outcome = "fallback"
		}
	}
	m.mu.Unlock()

	if target == nil {
		otel.RecordEventRouted(ctx, "dropped")
		slog.Warn("dropping unroutable agent event", "type", ev.Type, "directory", dir, "session_id", ev.SessionID)
		return
	}
	if outcome == "fallback" {
		slog.Warn("ambiguous event routed by recency", "type", ev.Type, "directory", dir, "session_id", target.id)
	}
	otel.RecordEventRouted(ctx, outcome)

	if m.observer != nil {
		m.observer(target.taskID, ev)
	}

	switch ev.Type {
	case agent.EventIdle:
		target.notify(nil)
	case agent.EventError:
		target.notify(errors.New(NormalizeError(ev.Err)))
	default:
		target.append(ev)
	}
}

func (m *Multiplexer) sessionsOnDirLocked(dir string) int {
	n := 0
	for _, s := range m.sessions {
		if s.dir == dir {
			n++
		}
	}
	return n
}

// refs reports the live reference count for a directory. Test helper.
func (m *Multiplexer) refs(dir string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.dirs[dir]
	if !ok {
		return 0
	}
	return sub.refs
}

func (s *session) append(ev agent.Event) {
	s.mu.Lock()
	s.buf = append(s.buf, ev)
	s.mu.Unlock()
}

func (s *session) take() []agent.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.buf
	s.buf = nil
	return out
}

func (s *session) notify(err error) {
	select {
	case s.signal <- err:
	default:
		// A signal is already pending; the waiter will observe it.
	}
}

// NormalizeError coerces an error payload (string, object, or missing) into a
// single human-readable message.
func NormalizeError(v any) string {
	switch e := v.(type) {
	case nil:
		return "agent session error"
	case string:
		if e == "" {
			return "agent session error"
		}
		return e
	case map[string]any:
		for _, key := range []string{"message", "error", "detail"} {
			if s, ok := e[key].(string); ok && s != "" {
				return s
			}
		}
		return fmt.Sprintf("agent session error: %v", e)
	case error:
		return e.Error()
	default:
		return fmt.Sprintf("agent session error: %v", e)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
