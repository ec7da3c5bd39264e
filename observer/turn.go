package observer

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cauce "github.com/cauce-ai/cauce"
)

// TurnRecorder returns a callback for the HTTP layer that feeds the
// turn-level instruments: turn counts and latency, routing decisions by
// strategy, and supervisor verdicts by category.
func TurnRecorder(inst *Instruments) func(ctx context.Context, res *cauce.TurnResult, err error, elapsed time.Duration) {
	return func(ctx context.Context, res *cauce.TurnResult, err error, elapsed time.Duration) {
		status := "ok"
		switch {
		case errors.Is(err, context.Canceled):
			status = "cancelled"
		case err != nil:
			status = "error"
		}

		attrs := []attribute.KeyValue{AttrTurnStatus.String(status)}
		if res != nil && res.Agent != "" {
			attrs = append(attrs, AttrTurnAgent.String(res.Agent))
		}
		inst.Turns.Add(ctx, 1, metric.WithAttributes(attrs...))
		inst.TurnDuration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(attrs...))

		if res == nil {
			return
		}
		if res.Decision != nil {
			inst.RoutingDecisions.Add(ctx, 1, metric.WithAttributes(
				AttrRoutingStrategy.String(res.Decision.Strategy)))
		}
		if res.Evaluation != nil {
			inst.SupervisorVerdicts.Add(ctx, 1, metric.WithAttributes(
				AttrSupervisorCategory.String(res.Evaluation.Category)))
		}
	}
}

// ObserveIntentCache registers observable instruments over the intent cache
// counters. stats is typically (*cauce.IntentCache).Stats.
func (inst *Instruments) ObserveIntentCache(stats func() (hits, misses uint64, size int)) error {
	hitsObs, err := inst.Meter.Int64ObservableCounter("intent.cache.hits",
		metric.WithDescription("Intent cache hits"),
		metric.WithUnit("{lookup}"))
	if err != nil {
		return err
	}
	missesObs, err := inst.Meter.Int64ObservableCounter("intent.cache.misses",
		metric.WithDescription("Intent cache misses"),
		metric.WithUnit("{lookup}"))
	if err != nil {
		return err
	}
	sizeObs, err := inst.Meter.Int64ObservableGauge("intent.cache.size",
		metric.WithDescription("Intent cache entry count"),
		metric.WithUnit("{entry}"))
	if err != nil {
		return err
	}
	_, err = inst.Meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		hits, misses, size := stats()
		o.ObserveInt64(hitsObs, int64(hits))
		o.ObserveInt64(missesObs, int64(misses))
		o.ObserveInt64(sizeObs, int64(size))
		return nil
	}, hitsObs, missesObs, sizeObs)
	return err
}
