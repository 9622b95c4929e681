// Package alert implements alert delivery for the controller.
package alert

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/shizukutanaka/otedama-fleet/internal/fleet"
)

// Sender is the shape every adapter in this package implements
type Sender interface {
	Send(ctx context.Context, alert fleet.Alert) error
}

// Logger writes alerts to a zap logger
type Logger struct {
	logger *zap.Logger
}

// NewLogger creates a log-only alert sender
func NewLogger(logger *zap.Logger) *Logger {
	return &Logger{logger: logger.Named("alerts")}
}

// Send logs the alert; critical alerts at error level.
func (l *Logger) Send(_ context.Context, a fleet.Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", a.ID),
		zap.String("kind", string(a.Kind)),
		zap.String("severity", a.Severity),
		zap.String("message", a.Message),
		zap.Int("score", a.Score),
		zap.Time("timestamp", a.Timestamp),
	}
	if a.UnitID != "" {
		fields = append(fields, zap.String("unit", a.UnitID))
	}

	if a.Severity == "critical" {
		l.logger.Error("Fleet alert", fields...)
	} else {
		l.logger.Warn("Fleet alert", fields...)
	}
	return nil
}

// Multi fans an alert out to several senders
type Multi []Sender

// Send delivers to every sender and joins their errors.
func (m Multi) Send(ctx context.Context, a fleet.Alert) error {
	var errs []error
	for i, s := range m {
		if err := s.Send(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("sender %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
