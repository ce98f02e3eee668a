package iteration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/devwspito/storyforge/internal/agent"
	"github.com/devwspito/storyforge/pkg/models"
)

// scriptedSession replays canned responses in order: each SendPrompt queues
// the next response, each WaitForIdle returns it as a text event.
type scriptedSession struct {
	mu        sync.Mutex
	responses []string
	prompts   []string
	next      int
	waitErr   error
}

func (s *scriptedSession) SendPrompt(_ context.Context, _ string, text string, _ agent.PromptOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, text)
	return nil
}

func (s *scriptedSession) WaitForIdle(_ context.Context, _ string, _ time.Duration) ([]agent.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waitErr != nil {
		return nil, s.waitErr
	}
	if s.next >= len(s.responses) {
		return nil, errors.New("script exhausted")
	}
	resp := s.responses[s.next]
	s.next++
	return []agent.Event{{Type: agent.EventText, Text: resp}}, nil
}

type progressSink struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (p *progressSink) Publish(ev models.ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *progressSink) steps() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		out = append(out, ev.Step)
	}
	return out
}

const approvedJSON = `{"verdict": "approved", "score": 0.9, "issues": []}`

func TestRun_approvedFirstReview(t *testing.T) {
	t.Parallel()
	sess := &scriptedSession{responses: []string{
		"drafted the change",
		approvedJSON,
		"no findings",
	}}
	sink := &progressSink{}
	eng := New(sess, sess, WithNotifier(sink))

	res, err := eng.Run(context.Background(), Unit{TaskID: "t1", SessionID: "s1", Phase: models.PhaseDeveloper, WorkPrompt: "implement it"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Verdict.Verdict != models.VerdictApproved || !res.Verdict.Decoded {
		t.Fatalf("verdict = %+v", res.Verdict)
	}
	if res.Iterations != 1 {
		t.Fatalf("iterations = %d", res.Iterations)
	}
	if res.Response != "drafted the change" {
		t.Fatalf("response = %q", res.Response)
	}

	want := []string{"draft", "review", "scan", "done"}
	got := sink.steps()
	if len(got) != len(want) {
		t.Fatalf("steps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("steps = %v, want %v", got, want)
		}
	}
}

func TestRun_rejectedStopsImmediately(t *testing.T) {
	t.Parallel()
	sess := &scriptedSession{responses: []string{
		"draft",
		`{"verdict": "rejected", "score": 0.1, "issues": [{"severity": "high", "description": "wrong approach"}]}`,
		"no findings",
	}}
	eng := New(sess, sess)

	res, err := eng.Run(context.Background(), Unit{TaskID: "t1", SessionID: "s1", WorkPrompt: "w"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Verdict.Verdict != models.VerdictRejected || res.Iterations != 1 {
		t.Fatalf("result = %+v", res)
	}
	// No fix prompt must have been sent: draft, review, scan only.
	if len(sess.prompts) != 3 {
		t.Fatalf("prompts = %d: %v", len(sess.prompts), sess.prompts)
	}
}

func TestRun_needsRevisionZeroIssuesIsApproved(t *testing.T) {
	t.Parallel()
	sess := &scriptedSession{responses: []string{
		"draft",
		`{"verdict": "needs_revision", "score": 0.7, "issues": []}`,
		"no findings",
	}}
	eng := New(sess, sess)

	res, err := eng.Run(context.Background(), Unit{TaskID: "t1", SessionID: "s1", WorkPrompt: "w"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Verdict.Verdict != models.VerdictApproved {
		t.Fatalf("verdict = %+v", res.Verdict)
	}
}

func TestRun_fixLoopThenApproved(t *testing.T) {
	t.Parallel()
	needsWork := `{"verdict": "needs_revision", "score": 0.4, "issues": [{"severity": "med", "description": "missing error check"}]}`
	sess := &scriptedSession{responses: []string{
		"draft",
		needsWork,
		"no findings",
		"fixed the error check",
		approvedJSON,
		"no findings",
	}}
	eng := New(sess, sess)

	res, err := eng.Run(context.Background(), Unit{TaskID: "t1", SessionID: "s1", WorkPrompt: "w"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Verdict.Verdict != models.VerdictApproved || res.Iterations != 2 {
		t.Fatalf("result = %+v", res)
	}
	if res.Response != "fixed the error check" {
		t.Fatalf("response = %q", res.Response)
	}
}

func TestRun_reviewBoundExhausted(t *testing.T) {
	t.Parallel()
	needsWork := `{"verdict": "needs_revision", "score": 0.3, "issues": [{"severity": "high", "description": "still broken"}]}`
	sess := &scriptedSession{responses: []string{
		"draft",
		needsWork, "no findings", // review 1 + scan
		"fix 1", needsWork, "no findings", // fix + review 2 + scan
		"fix 2", needsWork, "no findings", // fix + review 3 + scan
	}}
	eng := New(sess, sess)

	res, err := eng.Run(context.Background(), Unit{TaskID: "t1", SessionID: "s1", WorkPrompt: "w"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Bound is 3 reviews; the last verdict stands, never silently approved.
	if res.Verdict.Verdict != models.VerdictNeedsRevision || res.Iterations != 3 {
		t.Fatalf("result = %+v", res)
	}
	if len(sess.prompts) != 9 {
		t.Fatalf("prompts = %d", len(sess.prompts))
	}
}

func TestRun_undecodableVerdictDefaults(t *testing.T) {
	t.Parallel()
	sess := &scriptedSession{responses: []string{
		"draft",
		"looks good to me!", // no JSON at all
		"no findings",
	}}
	eng := New(sess, sess, WithMaxReviews(1))

	res, err := eng.Run(context.Background(), Unit{TaskID: "t1", SessionID: "s1", WorkPrompt: "w"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Verdict.Verdict != models.VerdictNeedsRevision || res.Verdict.Decoded {
		t.Fatalf("verdict = %+v", res.Verdict)
	}
}

func TestRun_undecodableReviewRetriesThenApproves(t *testing.T) {
	t.Parallel()
	sess := &scriptedSession{responses: []string{
		"draft",
		"sure, ship it", // no JSON; must not count as approval
		"no findings",
		approvedJSON,
		"no findings",
	}}
	eng := New(sess, sess, WithMaxReviews(3))

	res, err := eng.Run(context.Background(), Unit{TaskID: "t1", SessionID: "s1", WorkPrompt: "w"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Verdict.Verdict != models.VerdictApproved || !res.Verdict.Decoded {
		t.Fatalf("verdict = %+v", res.Verdict)
	}
	if res.Iterations != 2 {
		t.Fatalf("iterations = %d", res.Iterations)
	}
	// No fix prompt: draft, review, scan, review, scan.
	if len(sess.prompts) != 5 {
		t.Fatalf("prompts = %d: %v", len(sess.prompts), sess.prompts)
	}
}

func TestFixOnce_undecodableReviewStaysNeedsRevision(t *testing.T) {
	t.Parallel()
	sess := &scriptedSession{responses: []string{
		"applied the feedback",
		"all good!", // no JSON
	}}
	eng := New(sess, sess)

	res, err := eng.FixOnce(context.Background(), Unit{TaskID: "t1", SessionID: "s1"}, "tighten error handling")
	if err != nil {
		t.Fatalf("FixOnce: %v", err)
	}
	if res.Verdict.Verdict != models.VerdictNeedsRevision || res.Verdict.Decoded {
		t.Fatalf("verdict = %+v", res.Verdict)
	}
}

func TestRun_scanFindingsRecorded(t *testing.T) {
	t.Parallel()
	sess := &scriptedSession{responses: []string{
		"draft",
		approvedJSON,
		"- SQL built by string concatenation in query.go\n- no findings on secrets",
	}}
	eng := New(sess, sess)

	res, err := eng.Run(context.Background(), Unit{TaskID: "t1", SessionID: "s1", WorkPrompt: "w"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Findings) != 1 || res.Findings[0] != "SQL built by string concatenation in query.go" {
		t.Fatalf("findings = %v", res.Findings)
	}
}

func TestRun_waitErrorPropagates(t *testing.T) {
	t.Parallel()
	sess := &scriptedSession{waitErr: errors.New("agent session error: crashed")}
	eng := New(sess, sess)

	_, err := eng.Run(context.Background(), Unit{TaskID: "t1", SessionID: "s1", WorkPrompt: "w"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestFixOnce(t *testing.T) {
	t.Parallel()
	sess := &scriptedSession{responses: []string{
		"applied the feedback",
		approvedJSON,
	}}
	eng := New(sess, sess)

	res, err := eng.FixOnce(context.Background(), Unit{TaskID: "t1", SessionID: "s1"}, "rename the endpoint")
	if err != nil {
		t.Fatalf("FixOnce: %v", err)
	}
	if res.Verdict.Verdict != models.VerdictApproved {
		t.Fatalf("verdict = %+v", res.Verdict)
	}
	if sess.prompts[0] != "rename the endpoint" {
		t.Fatalf("fix prompt = %q", sess.prompts[0])
	}
}
