package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Subprocess runs a local agent binary per subscribed directory: requests go in
// as JSON lines on stdin, events come back as NDJSON on stdout. Lines that do
// not decode as events are logged and skipped.
type Subprocess struct {
	Command string
	Args    []string

	mu       sync.Mutex
	sessions map[string]string // session id -> directory
	procs    map[string]*subproc
}

type subproc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stream *subprocStream
}

type subprocStream struct {
	ch   chan Event
	stop func()
}

func (s *subprocStream) Events() <-chan Event { return s.ch }

func (s *subprocStream) Close() error {
	s.stop()
	return nil
}

// request is one JSON line written to the agent binary's stdin.
type request struct {
	Type      string `json:"type"` // subscribe | session_started | prompt | abort
	Directory string `json:"directory,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	Persona   string `json:"persona,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

func (s *Subprocess) Name() string { return "subprocess" }

func (s *Subprocess) init() {
	if s.sessions == nil {
		s.sessions = make(map[string]string)
		s.procs = make(map[string]*subproc)
	}
}

func (s *Subprocess) CreateSession(ctx context.Context, directory string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	id := uuid.NewString()
	s.sessions[id] = directory
	if p, ok := s.procs[directory]; ok {
		if err := writeRequest(p.stdin, request{Type: "session_started", Directory: directory, SessionID: id}); err != nil {
			delete(s.sessions, id)
			return "", fmt.Errorf("announce session: %w", err)
		}
	}
	return id, nil
}

func (s *Subprocess) SendPrompt(ctx context.Context, sessionID, text string, opts PromptOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	dir, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	p, ok := s.procs[dir]
	if !ok {
		return fmt.Errorf("no active subscription for %s", dir)
	}
	return writeRequest(p.stdin, request{
		Type:      "prompt",
		Directory: dir,
		SessionID: sessionID,
		Prompt:    text,
		Persona:   opts.Persona,
		MaxTokens: opts.MaxTokens,
	})
}

func (s *Subprocess) Subscribe(ctx context.Context, directory string) (Stream, error) {
	if s.Command == "" {
		return nil, errors.New("subprocess command is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	if _, ok := s.procs[directory]; ok {
		return nil, fmt.Errorf("directory %s already subscribed", directory)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, s.Command, s.Args...)
	cmd.Dir = directory
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start agent binary: %w", err)
	}
	if err := writeRequest(stdin, request{Type: "subscribe", Directory: directory}); err != nil {
		cancel()
		_ = cmd.Wait()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	stream := &subprocStream{ch: make(chan Event, 256)}
	p := &subproc{cmd: cmd, stdin: stdin, stream: stream}
	stream.stop = func() {
		cancel()
		s.mu.Lock()
		if s.procs[directory] == p {
			delete(s.procs, directory)
		}
		s.mu.Unlock()
	}
	s.procs[directory] = p

	go func() {
		defer close(stream.ch)
		defer func() {
			if err := cmd.Wait(); err != nil && procCtx.Err() == nil {
				slog.Warn("agent binary exited with error", "directory", directory, "err", err)
			}
		}()
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}
			var ev Event
			if err := json.Unmarshal(line, &ev); err != nil {
				slog.Debug("skipping non-event agent output", "directory", directory, "line", string(line))
				continue
			}
			if ev.Timestamp.IsZero() {
				ev.Timestamp = time.Now().UTC()
			}
			if ev.Directory == "" {
				ev.Directory = directory
			}
			select {
			case stream.ch <- ev:
			case <-procCtx.Done():
				return
			}
		}
	}()
	return stream, nil
}

func (s *Subprocess) Abort(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	dir, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	p, ok := s.procs[dir]
	if !ok {
		return nil
	}
	return writeRequest(p.stdin, request{Type: "abort", Directory: dir, SessionID: sessionID})
}

func writeRequest(w io.Writer, req request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}
