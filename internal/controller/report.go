package controller

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/shizukutanaka/otedama-fleet/internal/fleet"
	"github.com/shizukutanaka/otedama-fleet/internal/risk"
)

// PerformanceMetrics counts loop activity since construction
type PerformanceMetrics struct {
	MonitoringCycles  uint64 `json:"monitoring_cycles"`
	CollectionCycles  uint64 `json:"collection_cycles"`
	AnalysisCycles    uint64 `json:"analysis_cycles"`
	OptimizationCalls uint64 `json:"optimization_calls"`
	TelemetryFailures uint64 `json:"telemetry_failures"`
	AlertsSent        uint64 `json:"alerts_sent"`
	AlertsDropped     uint64 `json:"alerts_dropped"`
	LoopErrors        uint64 `json:"loop_errors"`
}

// HealthReport is a read-only snapshot of fleet health
type HealthReport struct {
	Timestamp       time.Time            `json:"timestamp"`
	Running         bool                 `json:"running"`
	StartedAt       time.Time            `json:"started_at,omitempty"`
	UnitCount       int                  `json:"unit_count"`
	ActiveUnits     int                  `json:"active_units"`
	DailyYield      float64              `json:"daily_yield"`
	TotalYield      float64              `json:"total_yield"`
	TotalThroughput float64              `json:"total_throughput"`
	TotalPower      float64              `json:"total_power"`
	MeanTemperature float64              `json:"mean_temperature"`
	MaxTemperature  float64              `json:"max_temperature"`
	Assessment      *risk.Assessment     `json:"assessment,omitempty"`
	Performance     PerformanceMetrics   `json:"performance"`
	Units           []fleet.ResourceUnit `json:"units"`
}

// EvaluateOperationalHealth returns a snapshot combining the latest
// assessment, yields, active units and performance counters.
func (c *Controller) EvaluateOperationalHealth() (HealthReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return HealthReport{}, fleet.ErrNotInitialized
	}
	return c.healthReportLocked(), nil
}

func (c *Controller) healthReportLocked() HealthReport {
	n := len(c.units)
	yields := make([]float64, n)
	throughputs := make([]float64, n)
	power := make([]float64, n)
	temps := make([]float64, n)

	active := 0
	for i, u := range c.units {
		yields[i] = u.DailyYield
		throughputs[i] = u.Throughput
		power[i] = u.PowerDraw
		temps[i] = u.Temperature
		if u.Status != fleet.StatusFailed && u.Throughput > 0 {
			active++
		}
	}

	report := HealthReport{
		Timestamp:       time.Now(),
		Running:         c.running.Load(),
		StartedAt:       c.startedAt,
		UnitCount:       n,
		ActiveUnits:     active,
		DailyYield:      floats.Sum(yields),
		TotalYield:      c.totalYield,
		TotalThroughput: floats.Sum(throughputs),
		TotalPower:      floats.Sum(power),
		Performance:     c.perf,
		Units:           fleet.CloneUnits(c.units),
	}
	if n > 0 {
		report.MeanTemperature = stat.Mean(temps, nil)
		report.MaxTemperature = floats.Max(temps)
	}
	if c.assessment != nil {
		a := c.assessment.Clone()
		report.Assessment = &a
	}
	return report
}

// GenerateSystemReport renders the health snapshot as text.
func (c *Controller) GenerateSystemReport() (string, error) {
	report, err := c.EvaluateOperationalHealth()
	if err != nil {
		return "", err
	}
	return FormatReport(report), nil
}

// FormatReport renders a health report for humans. It does no computation
// beyond formatting.
func FormatReport(r HealthReport) string {
	var b strings.Builder

	state := "stopped"
	if r.Running {
		state = "running"
	}

	b.WriteString("=== Fleet System Report ===\n")
	fmt.Fprintf(&b, "Generated        : %s\n", r.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "State            : %s", state)
	if r.Running && !r.StartedAt.IsZero() {
		fmt.Fprintf(&b, " (since %s)", humanize.Time(r.StartedAt))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Units            : %d (%d active)\n", r.UnitCount, r.ActiveUnits)
	fmt.Fprintf(&b, "Daily yield      : %s\n", humanize.FormatFloat("#,###.##", r.DailyYield))
	fmt.Fprintf(&b, "Total yield      : %s\n", humanize.FormatFloat("#,###.####", r.TotalYield))
	fmt.Fprintf(&b, "Total throughput : %s\n", humanize.SIWithDigits(r.TotalThroughput, 2, "H/s"))
	fmt.Fprintf(&b, "Total power      : %s\n", humanize.SIWithDigits(r.TotalPower, 2, "W"))
	fmt.Fprintf(&b, "Temperature      : mean %.1f°C, max %.1f°C\n", r.MeanTemperature, r.MaxTemperature)

	b.WriteString("\n--- Risk ---\n")
	if a := r.Assessment; a != nil {
		fmt.Fprintf(&b, "Level            : %s (score %d)\n", a.Level, a.Score)
		fmt.Fprintf(&b, "Assessed         : %s\n", humanize.Time(a.Timestamp))
		fmt.Fprintf(&b, "Recommendation   : %s\n", a.Recommendation)
		for _, issue := range a.Issues {
			fmt.Fprintf(&b, "  - %s\n", issue)
		}
	} else {
		b.WriteString("Level            : not assessed yet\n")
	}

	b.WriteString("\n--- Units ---\n")
	fmt.Fprintf(&b, "%-10s %-6s %-9s %-11s %8s %10s %9s %8s\n",
		"ID", "TYPE", "MODE", "STATUS", "TEMP", "THROUGHPUT", "POWER", "YIELD")
	for _, u := range r.Units {
		throughput := humanize.SIWithDigits(u.Throughput, 1, "H/s")
		if u.Throttled() {
			throughput += "*"
		}
		fmt.Fprintf(&b, "%-10s %-6s %-9s %-11s %7.1fC %10s %9s %8.2f\n",
			u.ID, u.UnitType, u.Mode, u.Status, u.Temperature, throughput,
			humanize.SIWithDigits(u.PowerDraw, 1, "W"), u.DailyYield)
	}

	p := r.Performance
	b.WriteString("\n--- Performance ---\n")
	fmt.Fprintf(&b, "Cycles           : monitor %s, collect %s, analyze %s\n",
		humanize.Comma(int64(p.MonitoringCycles)),
		humanize.Comma(int64(p.CollectionCycles)),
		humanize.Comma(int64(p.AnalysisCycles)))
	fmt.Fprintf(&b, "Optimizations    : %s\n", humanize.Comma(int64(p.OptimizationCalls)))
	fmt.Fprintf(&b, "Telemetry errors : %s\n", humanize.Comma(int64(p.TelemetryFailures)))
	fmt.Fprintf(&b, "Alerts           : %s sent, %s dropped\n",
		humanize.Comma(int64(p.AlertsSent)), humanize.Comma(int64(p.AlertsDropped)))
	fmt.Fprintf(&b, "Loop errors      : %s\n", humanize.Comma(int64(p.LoopErrors)))

	return b.String()
}

// Efficiency returns fleet throughput per watt, 0 with no power draw.
func (r HealthReport) Efficiency() float64 {
	if r.TotalPower <= 0 {
		return 0
	}
	return r.TotalThroughput / r.TotalPower
}
