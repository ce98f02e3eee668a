// Package activity persists a curated trail of agent work so that a task's
// history survives daemon restarts. It listens to routed agent events,
// filters out noise, and batches writes to the store.
package activity

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/devwspito/storyforge/internal/agent"
	"github.com/devwspito/storyforge/internal/otel"
	"github.com/devwspito/storyforge/pkg/models"
)

// Sink is the subset of the store the recorder needs.
type Sink interface {
	AppendActivity(ctx context.Context, entries []models.ActivityEntry) error
}

// recordedTools are the tool invocations worth keeping. Scans and directory
// listings are transient and only add noise to the trail.
var recordedTools = map[string]bool{
	"Read":  true,
	"Write": true,
	"Edit":  true,
	"Bash":  true,
}

const minMessageLen = 80

// Recorder buffers activity entries and flushes them to the sink either on a
// timer or when the batch grows large. Flush failures are logged and the
// batch is dropped; recording must never stall the engine.
type Recorder struct {
	sink     Sink
	interval time.Duration
	maxBatch int

	mu      sync.Mutex
	pending []models.ActivityEntry
	closed  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithFlushInterval overrides the periodic flush interval.
func WithFlushInterval(d time.Duration) Option {
	return func(r *Recorder) { r.interval = d }
}

// WithMaxBatch overrides the batch size that triggers an immediate flush.
func WithMaxBatch(n int) Option {
	return func(r *Recorder) { r.maxBatch = n }
}

// NewRecorder starts a recorder flushing to sink.
func NewRecorder(sink Sink, opts ...Option) *Recorder {
	r := &Recorder{
		sink:     sink,
		interval: 10 * time.Second,
		maxBatch: models.DefaultActivityMaxBatch,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.loop(ctx)
	return r
}

// Observe translates a routed agent event into an activity entry, if it is
// one of the kinds worth keeping. Suitable as a mux observer.
func (r *Recorder) Observe(taskID string, ev agent.Event) {
	entry, ok := entryFor(taskID, ev)
	if !ok {
		return
	}

	var flush []models.ActivityEntry
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.pending = append(r.pending, entry)
	if len(r.pending) >= r.maxBatch {
		flush = r.pending
		r.pending = nil
	}
	r.mu.Unlock()

	if flush != nil {
		r.write(context.Background(), flush)
	}
}

// Close flushes any buffered entries and stops the background loop.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	flush := r.pending
	r.pending = nil
	r.mu.Unlock()

	r.cancel()
	<-r.done
	if len(flush) > 0 {
		r.write(context.Background(), flush)
	}
	return nil
}

func (r *Recorder) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Flush(ctx)
		}
	}
}

// Flush writes out whatever is currently buffered.
func (r *Recorder) Flush(ctx context.Context) {
	r.mu.Lock()
	flush := r.pending
	r.pending = nil
	r.mu.Unlock()
	if len(flush) > 0 {
		r.write(ctx, flush)
	}
}

func (r *Recorder) write(ctx context.Context, entries []models.ActivityEntry) {
	if err := r.sink.AppendActivity(ctx, entries); err != nil {
		slog.Warn("activity flush failed, dropping batch", "entries", len(entries), "error", err)
		return
	}
	otel.RecordActivityFlushed(ctx, len(entries))
}

func entryFor(taskID string, ev agent.Event) (models.ActivityEntry, bool) {
	// EntryID is assigned by the store on insert.
	base := models.ActivityEntry{
		TaskID:    taskID,
		SessionID: ev.SessionID,
		CreatedAt: time.Now().UTC(),
	}
	switch ev.Type {
	case agent.EventTool:
		// Only completed invocations carry output worth keeping.
		if ev.ToolStatus != "completed" || !recordedTools[ev.Tool] {
			return models.ActivityEntry{}, false
		}
		base.Kind = "tool"
		base.Tool = ev.Tool
		base.Input = ev.ToolInput
		base.Output = ev.ToolOutput
		return base, true
	case agent.EventQuestion:
		base.Kind = "question"
		base.Text = ev.Text
		return base, true
	case agent.EventText:
		// Short texts are step chatter; keep only substantive messages.
		if len(strings.TrimSpace(ev.Text)) < minMessageLen {
			return models.ActivityEntry{}, false
		}
		base.Kind = "message"
		base.Text = ev.Text
		return base, true
	default:
		return models.ActivityEntry{}, false
	}
}
