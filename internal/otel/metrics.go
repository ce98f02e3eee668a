package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce     sync.Once
	taskOpsCounter      metric.Int64Counter
	eventsRoutedCounter metric.Int64Counter
	iterationsCounter   metric.Int64Counter
	iterationDuration   metric.Float64Histogram
	buildChecksCounter  metric.Int64Counter
	approvalsCounter    metric.Int64Counter
	activityCounter     metric.Int64Counter
	sseEventsCounter    metric.Int64Counter
	sseConnectionsGauge metric.Int64ObservableGauge
	sseConnections      int64
	sseConnectionsMu    sync.Mutex
)

// InitMetrics creates the meter instruments. Safe to call multiple times; only runs once.
// Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		taskOpsCounter, err = m.Int64Counter("storyforge_task_operations_total", metric.WithDescription("Total task operations (create, claim, complete, fail, cancel)"))
		if err != nil {
			return
		}
		eventsRoutedCounter, err = m.Int64Counter("storyforge_events_total", metric.WithDescription("Agent events by routing outcome (direct, fallback, dropped)"))
		if err != nil {
			return
		}
		iterationsCounter, err = m.Int64Counter("storyforge_iterations_total", metric.WithDescription("Iteration cycles by phase and final verdict"))
		if err != nil {
			return
		}
		iterationDuration, err = m.Float64Histogram("storyforge_iteration_duration_seconds", metric.WithDescription("Iteration cycle duration in seconds"))
		if err != nil {
			return
		}
		buildChecksCounter, err = m.Int64Counter("storyforge_build_checks_total", metric.WithDescription("Build verification attempts by build system and outcome"))
		if err != nil {
			return
		}
		approvalsCounter, err = m.Int64Counter("storyforge_approvals_total", metric.WithDescription("Approval gate resolutions by decision"))
		if err != nil {
			return
		}
		activityCounter, err = m.Int64Counter("storyforge_activity_entries_total", metric.WithDescription("Activity log entries flushed to storage"))
		if err != nil {
			return
		}
		sseEventsCounter, err = m.Int64Counter("storyforge_sse_events_total", metric.WithDescription("Total SSE events published"))
		if err != nil {
			return
		}
		sseConnectionsGauge, err = m.Int64ObservableGauge("storyforge_sse_connections", metric.WithDescription("Current SSE subscriber count"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			sseConnectionsMu.Lock()
			n := sseConnections
			sseConnectionsMu.Unlock()
			o.ObserveInt64(sseConnectionsGauge, n)
			return nil
		}, sseConnectionsGauge)
		if err != nil {
			return
		}
	})
	return err
}

// RecordTaskOp records a task operation (create, claim, complete, fail, cancel).
func RecordTaskOp(ctx context.Context, op, status string) {
	if taskOpsCounter == nil {
		return
	}
	taskOpsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		AttrStatus.String(status),
	))
}

// RecordEventRouted records one agent event by routing outcome: direct, fallback, or dropped.
func RecordEventRouted(ctx context.Context, outcome string) {
	if eventsRoutedCounter == nil {
		return
	}
	eventsRoutedCounter.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
}

// RecordIteration records one finished iteration cycle with its final verdict.
func RecordIteration(ctx context.Context, phase, verdict string, duration time.Duration) {
	if iterationsCounter != nil {
		iterationsCounter.Add(ctx, 1, metric.WithAttributes(AttrPhase.String(phase), AttrVerdict.String(verdict)))
	}
	if iterationDuration != nil {
		iterationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(AttrPhase.String(phase)))
	}
}

// RecordBuildCheck records one build verification attempt.
func RecordBuildCheck(ctx context.Context, system, outcome string) {
	if buildChecksCounter == nil {
		return
	}
	buildChecksCounter.Add(ctx, 1, metric.WithAttributes(AttrBuildSys.String(system), AttrOutcome.String(outcome)))
}

// RecordApproval records one approval gate resolution.
func RecordApproval(ctx context.Context, decision string) {
	if approvalsCounter == nil {
		return
	}
	approvalsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
}

// RecordActivityFlushed records n activity entries flushed to storage.
func RecordActivityFlushed(ctx context.Context, n int) {
	if activityCounter == nil || n <= 0 {
		return
	}
	activityCounter.Add(ctx, int64(n))
}

// RecordSSEEvent records one SSE event published.
func RecordSSEEvent(ctx context.Context) {
	if sseEventsCounter != nil {
		sseEventsCounter.Add(ctx, 1)
	}
}

// AddSSEConnection adds 1 to the SSE connection gauge (call on subscribe).
func AddSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections++
	sseConnectionsMu.Unlock()
}

// RemoveSSEConnection subtracts 1 from the SSE connection gauge (call on unsubscribe).
func RemoveSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections--
	if sseConnections < 0 {
		sseConnections = 0
	}
	sseConnectionsMu.Unlock()
}
