package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/devwspito/storyforge/internal/approval"
	"github.com/devwspito/storyforge/internal/store"
	"github.com/devwspito/storyforge/pkg/models"
)

type fakeCanceller struct {
	cancelled []string
	ok        bool
}

func (f *fakeCanceller) CancelTask(taskID string) bool {
	f.cancelled = append(f.cancelled, taskID)
	return f.ok
}

func newTestApp(t *testing.T) (*App, *httptest.Server, store.Store, *fakeCanceller) {
	t.Helper()
	st, err := store.Open(context.Background(), "sqlite", t.TempDir(), "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	canceller := &fakeCanceller{ok: true}
	app := NewApp(Options{
		Store:     st,
		Broker:    approval.NewBroker(nil),
		Canceller: canceller,
	})
	srv := httptest.NewServer(app.Server.Handler)
	t.Cleanup(srv.Close)
	return app, srv, st, canceller
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestSubmitGetList(t *testing.T) {
	t.Parallel()
	_, srv, _, _ := newTestApp(t)

	resp := postJSON(t, srv.URL+"/api/tasks", models.TaskSubmission{
		Title:        "wire up billing",
		Description:  "add invoices",
		Repositories: []string{"/repo/billing"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	created := decodeBody[models.Task](t, resp)
	if created.TaskID == "" || created.Status != models.StatusPending {
		t.Fatalf("created = %+v", created)
	}

	getResp, err := http.Get(srv.URL + "/api/tasks/" + created.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", getResp.StatusCode)
	}
	detail := decodeBody[struct {
		Task    models.Task    `json:"task"`
		Stories []models.Story `json:"stories"`
	}](t, getResp)
	if detail.Task.Title != "wire up billing" {
		t.Fatalf("detail = %+v", detail.Task)
	}

	listResp, err := http.Get(srv.URL + "/api/tasks")
	if err != nil {
		t.Fatal(err)
	}
	tasks := decodeBody[[]models.Task](t, listResp)
	if len(tasks) != 1 {
		t.Fatalf("tasks = %+v", tasks)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	_, srv, _, _ := newTestApp(t)

	for name, sub := range map[string]models.TaskSubmission{
		"missing title": {Repositories: []string{"/r"}},
		"missing repos": {Title: "x"},
	} {
		resp := postJSON(t, srv.URL+"/api/tasks", sub)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d", name, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestGetTaskNotFound(t *testing.T) {
	t.Parallel()
	_, srv, _, _ := newTestApp(t)

	resp, err := http.Get(srv.URL + "/api/tasks/absent")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestCancelTask(t *testing.T) {
	t.Parallel()
	_, srv, st, canceller := newTestApp(t)
	ctx := context.Background()

	if err := st.CreateTask(ctx, &models.Task{TaskID: "pend", Title: "x", Repositories: []string{"/r"}}); err != nil {
		t.Fatal(err)
	}
	resp := postJSON(t, srv.URL+"/api/tasks/pend/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel pending status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	got, _ := st.GetTask(ctx, "pend")
	if got.Status != models.StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}

	if err := st.CreateTask(ctx, &models.Task{TaskID: "run", Title: "x", Repositories: []string{"/r"}}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateTaskStatus(ctx, "run", models.StatusRunning, ""); err != nil {
		t.Fatal(err)
	}
	resp = postJSON(t, srv.URL+"/api/tasks/run/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel running status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	if len(canceller.cancelled) != 1 || canceller.cancelled[0] != "run" {
		t.Fatalf("cancelled = %v", canceller.cancelled)
	}

	// Terminal task cannot be cancelled again.
	resp = postJSON(t, srv.URL+"/api/tasks/pend/cancel", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("cancel terminal status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestApprovalEndpoint(t *testing.T) {
	t.Parallel()
	app, srv, _, _ := newTestApp(t)

	// No pending approval yet.
	resp := postJSON(t, srv.URL+"/api/tasks/t1/approval", models.ApprovalResponse{Action: models.ApprovalApprove})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	type outcome struct {
		d   approval.Decision
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		d, err := appBroker(app).RequestApproval(context.Background(), approval.Request{TaskID: "t1"})
		done <- outcome{d, err}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !appBroker(app).HasPending("t1") {
		if time.Now().After(deadline) {
			t.Fatal("approval never became pending")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp = postJSON(t, srv.URL+"/api/tasks/t1/approval", models.ApprovalResponse{
		Action:   models.ApprovalRequestChanges,
		Feedback: "tighten the validation",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	out := <-done
	if out.err != nil || out.d.Action != models.ApprovalRequestChanges || out.d.Feedback != "tighten the validation" {
		t.Fatalf("outcome = %+v", out)
	}
}

func appBroker(app *App) *approval.Broker { return app.broker }

func TestHealthz(t *testing.T) {
	t.Parallel()
	_, srv, _, _ := newTestApp(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
