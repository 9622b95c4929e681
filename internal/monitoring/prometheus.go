package monitoring

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/shizukutanaka/otedama-fleet/internal/controller"
	"github.com/shizukutanaka/otedama-fleet/internal/fleet"
	"github.com/shizukutanaka/otedama-fleet/internal/risk"
)

// MetricsConfig defines metrics exporter configuration
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
	// GoCollector adds the Go runtime collector to the registry.
	GoCollector bool `yaml:"go_collector"`
}

// DefaultMetricsConfig returns the exporter defaults
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace:   "otedama",
		Subsystem:   "fleet",
		GoCollector: true,
	}
}

// Exporter publishes controller health reports as Prometheus metrics. It
// implements controller.MetricsRecorder.
type Exporter struct {
	logger   *zap.Logger
	config   MetricsConfig
	registry *prometheus.Registry

	// Unit metrics
	unitTemperature *prometheus.GaugeVec
	unitThroughput  *prometheus.GaugeVec
	unitPower       *prometheus.GaugeVec
	unitYield       *prometheus.GaugeVec
	unitLimit       *prometheus.GaugeVec
	unitStatus      *prometheus.GaugeVec

	// Fleet metrics
	unitCount       prometheus.Gauge
	activeUnits     prometheus.Gauge
	dailyYield      prometheus.Gauge
	totalYield      prometheus.Gauge
	totalThroughput prometheus.Gauge
	totalPower      prometheus.Gauge
	meanTemperature prometheus.Gauge
	maxTemperature  prometheus.Gauge
	efficiency      prometheus.Gauge
	running         prometheus.Gauge

	// Risk metrics
	riskScore  prometheus.Gauge
	riskLevel  *prometheus.GaugeVec
	riskIssues prometheus.Gauge

	// Controller counters
	loopCycles        *prometheus.CounterVec
	optimizationCalls prometheus.Counter
	telemetryFailures prometheus.Counter
	alerts            *prometheus.CounterVec
	loopErrors        prometheus.Counter

	mu   sync.Mutex
	last controller.PerformanceMetrics
}

// NewExporter creates an exporter with its own registry
func NewExporter(logger *zap.Logger, config MetricsConfig) *Exporter {
	if config.Namespace == "" {
		config.Namespace = "otedama"
	}
	if config.Subsystem == "" {
		config.Subsystem = "fleet"
	}

	e := &Exporter{
		logger:   logger.Named("metrics"),
		config:   config,
		registry: prometheus.NewRegistry(),
	}
	e.initializeMetrics()
	return e
}

// Registry returns the exporter's registry
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler serves the registry in the Prometheus exposition format
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// RecordHealth updates every metric from one health report. Unit vectors
// are reset first so removed units disappear from the exposition.
func (e *Exporter) RecordHealth(report controller.HealthReport) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.unitTemperature.Reset()
	e.unitThroughput.Reset()
	e.unitPower.Reset()
	e.unitYield.Reset()
	e.unitLimit.Reset()
	e.unitStatus.Reset()

	for _, u := range report.Units {
		labels := []string{u.ID, u.UnitType, u.Mode}
		e.unitTemperature.WithLabelValues(labels...).Set(u.Temperature)
		e.unitThroughput.WithLabelValues(labels...).Set(u.Throughput)
		e.unitPower.WithLabelValues(labels...).Set(u.PowerDraw)
		e.unitYield.WithLabelValues(labels...).Set(u.DailyYield)
		e.unitLimit.WithLabelValues(labels...).Set(u.ThroughputLimit)
		for _, s := range fleet.Statuses() {
			v := 0.0
			if u.Status == s {
				v = 1
			}
			e.unitStatus.WithLabelValues(u.ID, s.String()).Set(v)
		}
	}

	e.unitCount.Set(float64(report.UnitCount))
	e.activeUnits.Set(float64(report.ActiveUnits))
	e.dailyYield.Set(report.DailyYield)
	e.totalYield.Set(report.TotalYield)
	e.totalThroughput.Set(report.TotalThroughput)
	e.totalPower.Set(report.TotalPower)
	e.meanTemperature.Set(report.MeanTemperature)
	e.maxTemperature.Set(report.MaxTemperature)
	e.efficiency.Set(report.Efficiency())
	if report.Running {
		e.running.Set(1)
	} else {
		e.running.Set(0)
	}

	if a := report.Assessment; a != nil {
		e.riskScore.Set(float64(a.Score))
		e.riskIssues.Set(float64(len(a.Issues)))
		for _, l := range []risk.Level{risk.LevelLow, risk.LevelMedium, risk.LevelHigh} {
			v := 0.0
			if a.Level == l {
				v = 1
			}
			e.riskLevel.WithLabelValues(string(l)).Set(v)
		}
	}

	e.recordPerformance(report.Performance)
}

// recordPerformance converts the controller's cumulative counters into
// counter increments. A counter that went backwards means a new controller
// instance; its full value is added.
func (e *Exporter) recordPerformance(p controller.PerformanceMetrics) {
	add := func(c prometheus.Counter, cur, prev uint64) {
		if cur >= prev {
			c.Add(float64(cur - prev))
		} else {
			c.Add(float64(cur))
		}
	}

	add(e.loopCycles.WithLabelValues("monitor"), p.MonitoringCycles, e.last.MonitoringCycles)
	add(e.loopCycles.WithLabelValues("collect"), p.CollectionCycles, e.last.CollectionCycles)
	add(e.loopCycles.WithLabelValues("analyze"), p.AnalysisCycles, e.last.AnalysisCycles)
	add(e.optimizationCalls, p.OptimizationCalls, e.last.OptimizationCalls)
	add(e.telemetryFailures, p.TelemetryFailures, e.last.TelemetryFailures)
	add(e.alerts.WithLabelValues("sent"), p.AlertsSent, e.last.AlertsSent)
	add(e.alerts.WithLabelValues("dropped"), p.AlertsDropped, e.last.AlertsDropped)
	add(e.loopErrors, p.LoopErrors, e.last.LoopErrors)

	e.last = p
}

func (e *Exporter) gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: e.config.Namespace,
		Subsystem: e.config.Subsystem,
		Name:      name,
		Help:      help,
	})
}

func (e *Exporter) unitGauge(name, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: e.config.Namespace,
		Subsystem: e.config.Subsystem,
		Name:      name,
		Help:      help,
	}, []string{"unit", "type", "mode"})
}

func (e *Exporter) initializeMetrics() {
	// Unit metrics
	e.unitTemperature = e.unitGauge("unit_temperature_celsius", "Unit temperature in degrees Celsius")
	e.unitThroughput = e.unitGauge("unit_throughput", "Unit throughput in work units per second")
	e.unitPower = e.unitGauge("unit_power_watts", "Unit power draw in watts")
	e.unitYield = e.unitGauge("unit_daily_yield", "Unit daily yield")
	e.unitLimit = e.unitGauge("unit_throughput_limit", "Throughput ceiling commanded by the optimizer, 0 when unthrottled")
	e.unitStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: e.config.Namespace,
		Subsystem: e.config.Subsystem,
		Name:      "unit_status",
		Help:      "Unit status, 1 for the current status",
	}, []string{"unit", "status"})

	// Fleet metrics
	e.unitCount = e.gauge("units", "Number of units in the fleet")
	e.activeUnits = e.gauge("active_units", "Number of units producing throughput")
	e.dailyYield = e.gauge("daily_yield", "Aggregate daily yield")
	e.totalYield = e.gauge("total_yield", "Yield accumulated since the controller was created")
	e.totalThroughput = e.gauge("throughput", "Aggregate throughput")
	e.totalPower = e.gauge("power_watts", "Aggregate power draw in watts")
	e.meanTemperature = e.gauge("mean_temperature_celsius", "Mean unit temperature")
	e.maxTemperature = e.gauge("max_temperature_celsius", "Hottest unit temperature")
	e.efficiency = e.gauge("efficiency", "Aggregate throughput per watt")
	e.running = e.gauge("running", "1 while the control loops run")

	// Risk metrics
	e.riskScore = e.gauge("risk_score", "Latest risk score, 0 to 100")
	e.riskIssues = e.gauge("risk_issues", "Number of issues in the latest assessment")
	e.riskLevel = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: e.config.Namespace,
		Subsystem: e.config.Subsystem,
		Name:      "risk_level",
		Help:      "Latest risk level, 1 for the current level",
	}, []string{"level"})

	// Controller counters
	e.loopCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: e.config.Namespace,
		Subsystem: e.config.Subsystem,
		Name:      "loop_cycles_total",
		Help:      "Completed control loop ticks",
	}, []string{"loop"})
	e.optimizationCalls = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: e.config.Namespace,
		Subsystem: e.config.Subsystem,
		Name:      "optimization_calls_total",
		Help:      "Optimization policy invocations",
	})
	e.telemetryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: e.config.Namespace,
		Subsystem: e.config.Subsystem,
		Name:      "telemetry_failures_total",
		Help:      "Unit telemetry fetches that were skipped",
	})
	e.alerts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: e.config.Namespace,
		Subsystem: e.config.Subsystem,
		Name:      "alerts_total",
		Help:      "Alerts by outcome",
	}, []string{"outcome"})
	e.loopErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: e.config.Namespace,
		Subsystem: e.config.Subsystem,
		Name:      "loop_errors_total",
		Help:      "Loop ticks that failed or panicked",
	})

	e.registry.MustRegister(
		e.unitTemperature, e.unitThroughput, e.unitPower, e.unitYield, e.unitLimit, e.unitStatus,
		e.unitCount, e.activeUnits, e.dailyYield, e.totalYield, e.totalThroughput, e.totalPower,
		e.meanTemperature, e.maxTemperature, e.efficiency, e.running,
		e.riskScore, e.riskIssues, e.riskLevel,
		e.loopCycles, e.optimizationCalls, e.telemetryFailures, e.alerts, e.loopErrors,
	)

	if e.config.GoCollector {
		e.registry.MustRegister(prometheus.NewGoCollector())
	}
}
