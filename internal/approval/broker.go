package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devwspito/storyforge/internal/iteration"
	"github.com/devwspito/storyforge/pkg/models"
)

// Broker is the HTTP-backed Reviewer: RequestApproval publishes an
// approval_requested progress event and blocks until the API hands in a
// decision for the task.
type Broker struct {
	notify iteration.Notifier

	mu      sync.Mutex
	pending map[string]chan Decision
}

// NewBroker returns a broker publishing requests to notify.
func NewBroker(notify iteration.Notifier) *Broker {
	if notify == nil {
		notify = nopNotifier{}
	}
	return &Broker{
		notify:  notify,
		pending: make(map[string]chan Decision),
	}
}

func (b *Broker) RequestApproval(ctx context.Context, req Request) (Decision, error) {
	ch := make(chan Decision, 1)
	b.mu.Lock()
	if _, busy := b.pending[req.TaskID]; busy {
		b.mu.Unlock()
		return Decision{}, fmt.Errorf("approval already pending for task %s", req.TaskID)
	}
	b.pending[req.TaskID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, req.TaskID)
		b.mu.Unlock()
	}()

	b.notify.Publish(models.ProgressEvent{
		Type:      models.EventApprovalRequested,
		TaskID:    req.TaskID,
		StoryID:   req.StoryID,
		Round:     req.Round,
		Summary:   req.Summary,
		Diff:      req.Diff,
		Findings:  req.Findings,
		Timestamp: time.Now().UTC(),
	})

	select {
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	case d := <-ch:
		return d, nil
	}
}

// Resolve delivers a decision for the task's pending request. Called by the
// HTTP API.
func (b *Broker) Resolve(taskID string, d Decision) error {
	switch d.Action {
	case models.ApprovalApprove, models.ApprovalReject, models.ApprovalRequestChanges:
	default:
		return fmt.Errorf("unknown approval action %q", d.Action)
	}
	b.mu.Lock()
	ch, ok := b.pending[taskID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("no approval pending for task %s", taskID)
	}
	select {
	case ch <- d:
		return nil
	default:
		return fmt.Errorf("approval for task %s already resolved", taskID)
	}
}

// HasPending reports whether the task is waiting on a reviewer.
func (b *Broker) HasPending(taskID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[taskID]
	return ok
}
