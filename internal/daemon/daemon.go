// Package daemon runs the storyforge server process: it owns the store, the
// agent service, the orchestrator run loop, and the HTTP API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/devwspito/storyforge/internal/activity"
	"github.com/devwspito/storyforge/internal/agent"
	"github.com/devwspito/storyforge/internal/approval"
	"github.com/devwspito/storyforge/internal/buildcheck"
	"github.com/devwspito/storyforge/internal/config"
	"github.com/devwspito/storyforge/internal/gitrepo"
	"github.com/devwspito/storyforge/internal/httpapi"
	"github.com/devwspito/storyforge/internal/iteration"
	"github.com/devwspito/storyforge/internal/mux"
	"github.com/devwspito/storyforge/internal/orchestrator"
	"github.com/devwspito/storyforge/internal/otel"
	"github.com/devwspito/storyforge/internal/store"
)

// StartForeground runs the daemon until ctx is cancelled.
func StartForeground(ctx context.Context, opts StartOptions) error {
	if opts.Home == "" {
		return errors.New("home is required")
	}
	cfg := opts.Cfg
	if cfg == nil {
		loaded, err := config.Load(opts.Home)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	if err := os.MkdirAll(protectedDir(opts.Home), 0o755); err != nil {
		return err
	}

	// Singleton lock, released on exit.
	lock, err := acquireLock(lockPath(opts.Home))
	if err != nil {
		return err
	}
	defer lock.release()

	startPprof(opts.PprofAddr)

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	if err := checkPortAvailable(cfg.Port); err != nil {
		return err
	}

	pid := os.Getpid()
	if err := os.WriteFile(pidPath(opts.Home), []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return err
	}
	_ = os.WriteFile(addrPath(opts.Home), []byte(addr+"\n"), 0o644)
	defer func() {
		_ = os.Remove(pidPath(opts.Home))
		_ = os.Remove(addrPath(opts.Home))
	}()

	st, err := store.Open(ctx, cfg.DB.Driver, opts.Home, cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = st.Close() }()

	// Crash recovery: anything still marked running was interrupted.
	if n, err := st.RecoverStaleTasks(ctx); err != nil {
		return fmt.Errorf("startup recovery sweep: %w", err)
	} else if n > 0 {
		slog.Warn("reclassified stale tasks as interrupted", "tasks", n)
	}

	metricsHandler, err := otel.InitMeterProvider(ctx, "storyforge")
	if err != nil {
		slog.Warn("otel init failed, metrics disabled", "err", err)
		metricsHandler = nil
	} else if err := otel.InitMetrics(ctx); err != nil {
		slog.Warn("otel instrument registration failed", "err", err)
	}

	svc := buildService(cfg)
	slog.Info("agent service ready", "runtime", svc.Name())

	recorder := activity.NewRecorder(st,
		activity.WithFlushInterval(cfg.ActivityFlushInterval()),
		activity.WithMaxBatch(cfg.Activity.MaxBatch))
	defer func() { _ = recorder.Close() }()

	m := mux.New(svc,
		mux.WithIdleTimeout(cfg.IdleTimeout()),
		mux.WithObserver(observe(st, recorder)))
	defer m.Close()

	hub := httpapi.NewSSEHub()
	broker := approval.NewBroker(hub)
	engine := iteration.New(svc, m,
		iteration.WithNotifier(hub),
		iteration.WithMaxReviews(cfg.Bounds.MaxReviewAttempts),
		iteration.WithIdleTimeout(cfg.IdleTimeout()))
	builder := buildcheck.New(engine,
		buildcheck.WithMaxAttempts(cfg.Bounds.MaxBuildAttempts),
		buildcheck.WithNotifier(hub))
	gate := approval.NewGate(broker, engine,
		approval.WithMaxRounds(cfg.Bounds.MaxApprovalRounds),
		approval.WithNotifier(hub))

	orch := orchestrator.New(orchestrator.Deps{
		Store:    st,
		Service:  svc,
		Mux:      m,
		Engine:   engine,
		Builder:  builder,
		Gate:     gate,
		Coord:    gitrepo.NewCoordinator(gitrepo.CLI{}),
		Notifier: hub,
	})

	app := httpapi.NewApp(httpapi.Options{
		Addr:           addr,
		Store:          st,
		Hub:            hub,
		Broker:         broker,
		Canceller:      orch,
		MetricsHandler: metricsHandler,
	})

	slog.Info("daemon starting", "addr", addr, "home", opts.Home, "db", cfg.DB.Driver)
	errCh := make(chan error, 1)
	go func() {
		go runLoop(ctx, cfg, st, orch)
		errCh <- app.Server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = app.Server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

func buildService(cfg *config.Config) agent.Service {
	if cfg.Runtime.Kind == "subprocess" && cfg.Runtime.Command != "" {
		return &agent.Subprocess{Command: cfg.Runtime.Command, Args: cfg.Runtime.Args}
	}
	return &agent.Stub{}
}

// observe fans routed events into the activity trail and cost accounting.
func observe(st store.Store, recorder *activity.Recorder) mux.Observer {
	return func(taskID string, ev agent.Event) {
		recorder.Observe(taskID, ev)
		if ev.Type == agent.EventStep && (ev.CostUSD > 0 || ev.Tokens > 0) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := st.AddTaskCost(ctx, taskID, ev.CostUSD, ev.Tokens); err != nil {
				slog.Warn("cost accounting failed", "task", taskID, "error", err)
			}
		}
	}
}

// runLoop claims pending tasks and hands each to the orchestrator, bounded
// by the configured concurrency.
func runLoop(ctx context.Context, cfg *config.Config, st store.Store, orch *orchestrator.Orchestrator) {
	interval := time.Duration(cfg.Scheduler.IntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	max := cfg.Scheduler.MaxConcurrent
	if max <= 0 {
		max = 1
	}
	sem := make(chan struct{}, max)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for {
			task, err := st.NextPendingTask(ctx)
			if err != nil {
				slog.Error("scanning for pending tasks", "error", err)
				break
			}
			if task == nil {
				break
			}
			acquired := false
			select {
			case sem <- struct{}{}:
				acquired = true
			default:
			}
			if !acquired {
				// At capacity; try again next tick.
				break
			}

			claimed, err := st.ClaimTask(ctx, task.TaskID)
			if err != nil {
				slog.Error("claiming task", "task", task.TaskID, "error", err)
				<-sem
				break
			}
			if !claimed {
				<-sem
				continue
			}

			slog.Info("task claimed", "task", task.TaskID, "title", task.Title)
			go func(taskID string) {
				defer func() { <-sem }()
				if err := orch.Run(ctx, taskID); err != nil {
					slog.Error("task run ended with error", "task", taskID, "error", err)
				}
			}(task.TaskID)
		}
	}
}

// StartBackground spawns the daemon as a detached process and waits for it
// to come up.
func StartBackground(ctx context.Context, opts StartOptions) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(protectedDir(opts.Home), 0o755); err != nil {
		return 0, err
	}
	if st, _ := Status(ctx, opts.Home); st.Running {
		return 0, fmt.Errorf("storyforge already running (pid %d)", st.PID)
	}

	logFile := filepath.Join(protectedDir(opts.Home), "daemon.log")
	stderr, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	// Kept open for child lifetime; closing here may break writes on some platforms.

	cmd := exec.Command(exe, "start", "--foreground", "--home", opts.Home)
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr
	setDaemonSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return 0, err
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, _ := Status(ctx, opts.Home); st.Running {
			return st.PID, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	// Fallback to started pid even if status isn't ready yet.
	return cmd.Process.Pid, nil
}

// Stop terminates a running daemon. Reports whether one was running.
func Stop(ctx context.Context, home string) (bool, error) {
	st, err := Status(ctx, home)
	if err != nil {
		return false, err
	}
	if !st.Running {
		return false, nil
	}

	proc, err := os.FindProcess(st.PID)
	if err != nil {
		return false, err
	}
	if err := signalTerm(proc); err != nil {
		return false, err
	}

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if st2, _ := Status(ctx, home); !st2.Running {
			return true, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = proc.Kill()
	return true, nil
}

// Status reads the pid file and probes the process.
func Status(_ context.Context, home string) (StatusInfo, error) {
	pb, err := os.ReadFile(pidPath(home))
	if err != nil {
		return StatusInfo{Running: false}, nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pb)))
	if err != nil || pid <= 0 {
		return StatusInfo{Running: false}, nil
	}
	if !processExists(pid) {
		_ = os.Remove(pidPath(home))
		return StatusInfo{Running: false}, nil
	}

	addr := ""
	if ab, err := os.ReadFile(addrPath(home)); err == nil {
		addr = strings.TrimSpace(string(ab))
	}
	if addr == "" {
		addr = "unknown"
	}
	return StatusInfo{Running: true, PID: pid, Addr: addr}, nil
}

func checkPortAvailable(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return fmt.Errorf("port %d is already in use", port)
	}
	_ = ln.Close()
	return nil
}
