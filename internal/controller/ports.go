package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/shizukutanaka/otedama-fleet/internal/fleet"
	"github.com/shizukutanaka/otedama-fleet/internal/risk"
)

// TelemetryPort refreshes the metrics of one unit. Implementations return
// an error wrapping fleet.ErrTelemetryUnavailable when the unit cannot be
// read; the collector skips the unit until its next tick.
type TelemetryPort interface {
	Fetch(ctx context.Context, unit fleet.ResourceUnit) (fleet.Reading, error)
}

// TelemetryFunc adapts a function to TelemetryPort
type TelemetryFunc func(ctx context.Context, unit fleet.ResourceUnit) (fleet.Reading, error)

// Fetch calls f.
func (f TelemetryFunc) Fetch(ctx context.Context, unit fleet.ResourceUnit) (fleet.Reading, error) {
	return f(ctx, unit)
}

// AlertPort delivers alerts. Delivery is fire-and-forget from the
// controller's point of view: errors are logged and dropped.
type AlertPort interface {
	Send(ctx context.Context, alert fleet.Alert) error
}

// AlertFunc adapts a function to AlertPort
type AlertFunc func(ctx context.Context, alert fleet.Alert) error

// Send calls f.
func (f AlertFunc) Send(ctx context.Context, alert fleet.Alert) error {
	return f(ctx, alert)
}

// MetricsRecorder receives a health report after every analysis tick
type MetricsRecorder interface {
	RecordHealth(report HealthReport)
}

// HistoryRecorder persists assessments
type HistoryRecorder interface {
	RecordAssessment(ctx context.Context, assessment risk.Assessment) error
}

type portResult[T any] struct {
	value T
	err   error
}

// callWithTimeout runs fn and returns within timeout even when fn ignores
// its context. Cancelling ctx does not abort a call in flight; only the
// timeout does. A panicking port is reported as an error.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	ch := make(chan portResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- portResult[T]{err: fmt.Errorf("port panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		ch <- portResult[T]{value: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// callPort is callWithTimeout for ports without a result value.
func callPort(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	_, err := callWithTimeout(ctx, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
