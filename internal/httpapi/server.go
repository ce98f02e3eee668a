// Package httpapi exposes the daemon's REST and event-stream surface.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/devwspito/storyforge/internal/approval"
	"github.com/devwspito/storyforge/internal/otel"
	"github.com/devwspito/storyforge/internal/store"
	"github.com/devwspito/storyforge/pkg/models"
)

// Canceller stops a task that is currently running.
type Canceller interface {
	CancelTask(taskID string) bool
}

// Options configures the server.
type Options struct {
	Addr           string
	Store          store.Store
	Hub            *SSEHub
	Broker         *approval.Broker
	Canceller      Canceller
	MetricsHandler http.Handler
	MaxBodyBytes   int64
}

// App bundles the HTTP server with its collaborators.
type App struct {
	Server *http.Server
	Hub    *SSEHub

	store     store.Store
	broker    *approval.Broker
	canceller Canceller
}

// NewApp wires all routes and returns the app. The store is owned by the
// caller; the server does not close it.
func NewApp(opts Options) *App {
	if opts.Hub == nil {
		opts.Hub = NewSSEHub()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = models.DefaultMaxRequestBodyBytes
	}
	app := &App{
		Hub:       opts.Hub,
		store:     opts.Store,
		broker:    opts.Broker,
		canceller: opts.Canceller,
	}

	r := chi.NewRouter()
	r.Use(requestLogMiddleware)
	r.Use(bodyLimitMiddleware(opts.MaxBodyBytes))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	if opts.MetricsHandler != nil {
		r.Handle("/metrics", opts.MetricsHandler)
	}
	r.Get("/api/events", opts.Hub.Handler())

	r.Route("/api/tasks", func(r chi.Router) {
		r.Post("/", app.handleSubmitTask)
		r.Get("/", app.handleListTasks)
		r.Get("/{id}", app.handleGetTask)
		r.Post("/{id}/cancel", app.handleCancelTask)
		r.Post("/{id}/approval", app.handleApproval)
	})

	handler := otelhttp.NewHandler(r, "storyforge")
	app.Server = &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return app
}

func (a *App) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var sub models.TaskSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if sub.Title == "" {
		writeJSONError(w, http.StatusBadRequest, "title required")
		return
	}
	if len(sub.Repositories) == 0 {
		writeJSONError(w, http.StatusBadRequest, "at least one repository required")
		return
	}

	task := &models.Task{
		TaskID:       uuid.NewString(),
		Title:        sub.Title,
		Description:  sub.Description,
		Repositories: sub.Repositories,
		AutoApprove:  sub.AutoApprove,
	}
	if err := a.store.CreateTask(r.Context(), task); err != nil {
		otel.RecordTaskOp(r.Context(), "submit", "error")
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	otel.RecordTaskOp(r.Context(), "submit", "ok")
	slog.Info("task submitted", "task", task.TaskID, "title", task.Title, "repos", len(task.Repositories))
	writeJSON(w, http.StatusCreated, task)
}

func (a *App) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := models.DefaultTaskListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	tasks, err := a.store.ListTasks(r.Context(), limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (a *App) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := a.store.GetTask(r.Context(), id)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		writeJSONError(w, http.StatusNotFound, "task not found")
		return
	}
	stories, err := a.store.ListStories(r.Context(), id)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task, "stories": stories})
}

func (a *App) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := a.store.GetTask(r.Context(), id)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		writeJSONError(w, http.StatusNotFound, "task not found")
		return
	}

	switch task.Status {
	case models.StatusPending:
		if err := a.store.UpdateTaskStatus(r.Context(), id, models.StatusCancelled, "cancelled before start"); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
	case models.StatusRunning, models.StatusPaused:
		if a.canceller == nil || !a.canceller.CancelTask(id) {
			writeJSONError(w, http.StatusConflict, "task is not cancellable right now")
			return
		}
	default:
		writeJSONError(w, http.StatusConflict, "task already in terminal state "+task.Status)
		return
	}
	otel.RecordTaskOp(r.Context(), "cancel", "ok")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *App) handleApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var resp models.ApprovalResponse
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if a.broker == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "approvals not available")
		return
	}
	if err := a.broker.Resolve(id, approval.Decision{Action: resp.Action, Feedback: resp.Feedback}); err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError sends a JSON body {"error": "message"} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
