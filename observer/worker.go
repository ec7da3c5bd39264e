package observer

import (
	"context"
	"time"

	cauce "github.com/cauce-ai/cauce"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	caucelog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedWorker wraps any Worker to emit OTEL lifecycle spans, metrics, and
// logs. The wrapper creates a parent span for each Process call that contains
// all inner operations (LLM calls, retrievals) as child spans via context
// propagation.
type ObservedWorker struct {
	inner cauce.Worker
	inst  *Instruments
}

// WrapWorker returns an instrumented Worker that emits lifecycle telemetry.
func WrapWorker(inner cauce.Worker, inst *Instruments) *ObservedWorker {
	return &ObservedWorker{inner: inner, inst: inst}
}

// WrapConstructor instruments every worker a constructor produces. Install it
// over factory builtins to get per-agent telemetry without touching the
// workers themselves.
func WrapConstructor(ctor cauce.WorkerConstructor, inst *Instruments) cauce.WorkerConstructor {
	return func(cfg cauce.WorkerConfig) cauce.Worker {
		return WrapWorker(ctor(cfg), inst)
	}
}

var _ cauce.Worker = (*ObservedWorker)(nil)

func (o *ObservedWorker) Key() string { return o.inner.Key() }

// Process wraps the inner worker's Process, emitting a worker.process span
// that serves as the parent for all inner operations.
func (o *ObservedWorker) Process(ctx context.Context, message string, view cauce.StateView) (cauce.Delta, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "worker.process", trace.WithAttributes(
		AttrWorkerKey.String(o.inner.Key()),
	))
	defer span.End()
	start := time.Now()

	span.AddEvent("worker.started")

	delta, err := o.inner.Process(ctx, message, view)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"

	if ctx.Err() != nil && err != nil {
		status = "cancelled"
		span.AddEvent("worker.cancelled")
		span.SetStatus(codes.Error, "cancelled")
	} else if err != nil {
		status = "error"
		span.AddEvent("worker.failed", trace.WithAttributes(
			attribute.String("error", err.Error()),
		))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.AddEvent("worker.completed")
	}

	span.SetAttributes(AttrWorkerStatus.String(status))

	// Metrics
	o.inst.WorkerExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrWorkerKey.String(o.inner.Key()),
		attribute.String("status", status),
	))
	o.inst.WorkerDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrWorkerKey.String(o.inner.Key()),
	))

	// Structured log
	var rec caucelog.Record
	rec.SetSeverity(caucelog.SeverityInfo)
	rec.SetBody(caucelog.StringValue("worker execution completed"))
	rec.AddAttributes(
		caucelog.String("worker.key", o.inner.Key()),
		caucelog.String("worker.status", status),
		caucelog.Float64("duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return delta, err
}
