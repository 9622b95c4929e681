package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shizukutanaka/otedama-fleet/internal/fleet"
	"github.com/shizukutanaka/otedama-fleet/internal/risk"
)

type statusChange struct {
	id       string
	from, to fleet.Status
	temp     float64
}

// monitorTick re-derives every unit's status from its current telemetry.
func (c *Controller) monitorTick(ctx context.Context) error {
	c.mu.Lock()
	changes := c.rederiveLocked()
	c.perf.MonitoringCycles++
	c.mu.Unlock()

	for _, ch := range changes {
		fields := []zap.Field{
			zap.String("unit", ch.id),
			zap.Stringer("from", ch.from),
			zap.Stringer("to", ch.to),
			zap.Float64("temperature", ch.temp),
		}
		if ch.to == fleet.StatusOverheating || ch.to == fleet.StatusFailed {
			c.logger.Warn("Unit status changed", fields...)
		} else {
			c.logger.Info("Unit status changed", fields...)
		}
	}
	return nil
}

func (c *Controller) rederiveLocked() []statusChange {
	var changes []statusChange
	for i := range c.units {
		u := &c.units[i]
		next := fleet.DeriveStatus(*u)
		if next != u.Status {
			changes = append(changes, statusChange{id: u.ID, from: u.Status, to: next, temp: u.Temperature})
			u.Status = next
		}
	}
	return changes
}

type fetchResult struct {
	reading fleet.Reading
	err     error
}

// collectTick refreshes every unit through the telemetry port. Units whose
// telemetry is unavailable keep their previous values until the next tick.
func (c *Controller) collectTick(ctx context.Context) error {
	c.mu.Lock()
	snapshot := fleet.CloneUnits(c.units)
	c.mu.Unlock()

	var results map[string]fetchResult
	if c.telemetry != nil && len(snapshot) > 0 {
		results = c.fetchAll(ctx, snapshot)
	}

	var unavailable []string
	var failures []error

	c.mu.Lock()
	for i := range c.units {
		u := &c.units[i]
		res, ok := results[u.ID]
		if !ok {
			continue
		}
		err := res.err
		if err == nil {
			err = res.reading.Validate()
		}
		if errors.Is(err, context.Canceled) {
			continue
		}
		if err != nil {
			c.perf.TelemetryFailures++
			if errors.Is(err, fleet.ErrTelemetryUnavailable) || errors.Is(err, context.DeadlineExceeded) {
				unavailable = append(unavailable, u.ID)
			} else {
				failures = append(failures, fmt.Errorf("%s: %w", u.ID, err))
			}
			continue
		}
		res.reading.Apply(u)
		u.Status = fleet.DeriveStatus(*u)
	}

	var dailyYield float64
	for _, u := range c.units {
		dailyYield += u.DailyYield
	}
	c.totalYield += dailyYield * c.config.CollectionInterval.Hours() / 24
	c.perf.CollectionCycles++
	c.mu.Unlock()

	if len(unavailable) > 0 {
		c.logger.Warn("Telemetry unavailable, skipping units this tick",
			zap.Strings("units", unavailable),
		)
	}
	for _, err := range failures {
		c.logger.Warn("Telemetry rejected", zap.Error(err))
	}
	return nil
}

// fetchAll fans out one bounded call per unit.
func (c *Controller) fetchAll(ctx context.Context, units []fleet.ResourceUnit) map[string]fetchResult {
	var (
		mu      sync.Mutex
		results = make(map[string]fetchResult, len(units))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxTelemetryFetch)

	for _, u := range units {
		u := u
		g.Go(func() error {
			reading, err := callWithTimeout(gctx, c.config.PortTimeout, func(ctx context.Context) (fleet.Reading, error) {
				return c.telemetry.Fetch(ctx, u)
			})
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w: fetch timed out after %s", fleet.ErrTelemetryUnavailable, c.config.PortTimeout)
			}
			mu.Lock()
			results[u.ID] = fetchResult{reading: reading, err: err}
			mu.Unlock()
			// Per-unit failures must not cancel the other fetches.
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// analyzeTick assesses the fleet and, when enabled, applies the
// optimization policy. Assessment and optimization run under the fleet
// lock so they see one consistent snapshot; ports are called after the
// lock is released.
func (c *Controller) analyzeTick(ctx context.Context, alertCh chan<- fleet.Alert) error {
	c.mu.Lock()
	for i := range c.units {
		u := &c.units[i]
		if u.Throughput == 0 {
			u.IdleTicks++
		} else {
			u.IdleTicks = 0
		}
	}
	changes := c.rederiveLocked()

	assessment := risk.Assess(c.units, c.config.YieldBaseline)

	var advisories []string
	if c.config.EnableAutoOptimization {
		var updated []fleet.ResourceUnit
		updated, advisories = c.policy.Optimize(c.units, assessment)
		c.units = updated
		c.perf.OptimizationCalls++
	}

	stored := assessment.Clone()
	c.assessment = &stored
	c.perf.AnalysisCycles++
	report := c.healthReportLocked()
	c.mu.Unlock()

	for _, ch := range changes {
		if ch.to == fleet.StatusFailed {
			c.logger.Warn("Unit failed: no throughput", zap.String("unit", ch.id))
		}
	}

	c.logger.Debug("Fleet assessed",
		zap.String("level", string(assessment.Level)),
		zap.Int("score", assessment.Score),
		zap.Int("issues", len(assessment.Issues)),
	)

	if assessment.Level == risk.LevelHigh {
		c.enqueueAlert(alertCh, fleet.Alert{
			Kind:     fleet.AlertKindRisk,
			Severity: "critical",
			Message:  fmt.Sprintf("%s (%s)", assessment.Recommendation, strings.Join(assessment.Issues, "; ")),
			Score:    assessment.Score,
		})
	}
	for _, advisory := range advisories {
		c.logger.Info("Optimization advisory", zap.String("advisory", advisory))
		unitID, _, _ := strings.Cut(advisory, ":")
		c.enqueueAlert(alertCh, fleet.Alert{
			Kind:     fleet.AlertKindAdvisory,
			Severity: "warning",
			UnitID:   unitID,
			Message:  advisory,
			Score:    assessment.Score,
		})
	}

	if c.metrics != nil {
		if err := callPort(ctx, c.config.PortTimeout, func(context.Context) error {
			c.metrics.RecordHealth(report)
			return nil
		}); err != nil {
			c.logger.Warn("Metrics recorder failed", zap.Error(err))
		}
	}

	if c.history != nil {
		if err := callPort(ctx, c.config.PortTimeout, func(ctx context.Context) error {
			return c.history.RecordAssessment(ctx, assessment)
		}); err != nil {
			c.logger.Warn("Failed to record assessment", zap.Error(err))
		}
	}

	if c.config.LogPerformanceMetrics {
		p := report.Performance
		c.logger.Info("Performance metrics",
			zap.Uint64("monitoring_cycles", p.MonitoringCycles),
			zap.Uint64("collection_cycles", p.CollectionCycles),
			zap.Uint64("analysis_cycles", p.AnalysisCycles),
			zap.Uint64("optimization_calls", p.OptimizationCalls),
			zap.Uint64("telemetry_failures", p.TelemetryFailures),
			zap.Uint64("alerts_sent", p.AlertsSent),
			zap.Uint64("alerts_dropped", p.AlertsDropped),
			zap.Uint64("loop_errors", p.LoopErrors),
		)
	}

	return nil
}

func (c *Controller) enqueueAlert(alertCh chan<- fleet.Alert, alert fleet.Alert) {
	if c.alerts == nil {
		return
	}
	alert.ID = uuid.NewString()
	alert.Timestamp = time.Now()

	select {
	case alertCh <- alert:
	default:
		c.logger.Warn("Alert channel full, dropping alert", zap.String("kind", string(alert.Kind)))
		c.mu.Lock()
		c.perf.AlertsDropped++
		c.mu.Unlock()
	}
}

// alertLoop delivers queued alerts. Delivery failures are logged and
// swallowed.
func (c *Controller) alertLoop(ctx context.Context, wg *sync.WaitGroup, alertCh <-chan fleet.Alert) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			if n := len(alertCh); n > 0 {
				c.logger.Info("Discarding undelivered alerts", zap.Int("count", n))
			}
			return
		case alert := <-alertCh:
			err := callPort(ctx, c.config.PortTimeout, func(ctx context.Context) error {
				return c.alerts.Send(ctx, alert)
			})

			c.mu.Lock()
			if err != nil {
				c.perf.AlertsDropped++
			} else {
				c.perf.AlertsSent++
			}
			c.mu.Unlock()

			if err != nil {
				c.logger.Warn("Alert delivery failed",
					zap.String("alert_id", alert.ID),
					zap.String("kind", string(alert.Kind)),
					zap.Error(err),
				)
			}
		}
	}
}
