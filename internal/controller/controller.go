// Package controller runs the fleet control loop: it owns the unit
// collection, refreshes telemetry, assesses risk and throttles units that
// run hot.
package controller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/otedama-fleet/internal/config"
	"github.com/shizukutanaka/otedama-fleet/internal/fleet"
	"github.com/shizukutanaka/otedama-fleet/internal/optimization"
	"github.com/shizukutanaka/otedama-fleet/internal/risk"
)

const (
	alertBufferSize   = 64
	maxTelemetryFetch = 16
)

// Controller orchestrates the monitor, collector and analyzer loops
type Controller struct {
	logger *zap.Logger
	config config.SystemConfig
	policy optimization.Policy

	telemetry TelemetryPort
	alerts    AlertPort
	metrics   MetricsRecorder
	history   HistoryRecorder

	// Fleet state, guarded by mu
	mu          sync.Mutex
	units       []fleet.ResourceUnit
	initialized bool
	nextSeq     int
	assessment  *risk.Assessment
	perf        PerformanceMetrics
	totalYield  float64
	startedAt   time.Time

	// Lifecycle, guarded by lifecycleMu
	lifecycleMu sync.Mutex
	running     atomic.Bool
	cancel      context.CancelFunc
	wg          *sync.WaitGroup
	alertCh     chan fleet.Alert
}

// Option configures a Controller
type Option func(*Controller)

// WithTelemetry sets the port the collector refreshes units from.
func WithTelemetry(port TelemetryPort) Option {
	return func(c *Controller) { c.telemetry = port }
}

// WithAlerts sets the port high-risk assessments and advisories go to.
func WithAlerts(port AlertPort) Option {
	return func(c *Controller) { c.alerts = port }
}

// WithMetrics sets the recorder fed after every analysis tick.
func WithMetrics(recorder MetricsRecorder) Option {
	return func(c *Controller) { c.metrics = recorder }
}

// WithHistory sets the store every assessment is written to.
func WithHistory(recorder HistoryRecorder) Option {
	return func(c *Controller) { c.history = recorder }
}

// WithUnits seeds the fleet. InitializeComponents keeps these units
// instead of the default fleet.
func WithUnits(units []fleet.ResourceUnit) Option {
	return func(c *Controller) { c.units = fleet.CloneUnits(units) }
}

// New creates a controller. The configuration is validated and fixed for
// the lifetime of the instance.
func New(logger *zap.Logger, cfg config.SystemConfig, opts ...Option) (*Controller, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := config.NewValidator().Validate(cfg); err != nil {
		return nil, err
	}

	c := &Controller{
		logger: logger.Named("controller"),
		config: cfg,
		policy: optimization.FromConfig(cfg.Policy),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// InitializeComponents populates the fleet with the default units when it
// is empty. Calling it again has no effect.
func (c *Controller) InitializeComponents() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return
	}

	if len(c.units) == 0 {
		c.units = fleet.DefaultFleet()
	}

	seen := make(map[string]bool, len(c.units))
	for i := range c.units {
		u := &c.units[i]
		if u.ID == "" || seen[u.ID] {
			u.ID = c.newUnitIDLocked(seen)
		}
		seen[u.ID] = true
		if u.BaselineThroughput <= 0 {
			u.BaselineThroughput = u.Throughput
		}
		if u.Throughput < 0 {
			u.Throughput = 0
		}
		u.Status = fleet.DeriveStatus(*u)
	}
	if c.nextSeq < len(c.units) {
		c.nextSeq = len(c.units)
	}

	c.initialized = true
	c.logger.Info("Fleet initialized", zap.Int("units", len(c.units)))
}

// newUnitIDLocked returns the next sequential id not present in seen.
func (c *Controller) newUnitIDLocked(seen map[string]bool) string {
	for {
		c.nextSeq++
		id := fleet.UnitID(c.nextSeq)
		if !seen[id] {
			return id
		}
	}
}

// Units returns a snapshot of the fleet
func (c *Controller) Units() ([]fleet.ResourceUnit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return nil, fleet.ErrNotInitialized
	}
	return fleet.CloneUnits(c.units), nil
}

// Running reports whether the loops are active.
func (c *Controller) Running() bool {
	return c.running.Load()
}

// Config returns the configuration the controller was built with.
func (c *Controller) Config() config.SystemConfig {
	return c.config
}

// LatestAssessment returns the most recent assessment, if any.
func (c *Controller) LatestAssessment() (risk.Assessment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.assessment == nil {
		return risk.Assessment{}, false
	}
	return c.assessment.Clone(), true
}
