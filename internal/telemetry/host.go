package telemetry

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"go.uber.org/zap"

	"github.com/shizukutanaka/otedama-fleet/internal/fleet"
)

// Host reports the local machine as a single fleet unit. Throughput is the
// unit's baseline scaled by CPU utilization; temperature is the hottest
// CPU sensor when one is readable.
type Host struct {
	logger *zap.Logger
	unitID string

	cpuPercent   func(ctx context.Context) (float64, error)
	temperatures func(ctx context.Context) ([]host.TemperatureStat, error)
}

// NewHost creates a host telemetry source serving unitID
func NewHost(logger *zap.Logger, unitID string) *Host {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Host{
		logger:       logger.Named("host_telemetry"),
		unitID:       unitID,
		cpuPercent:   readCPUPercent,
		temperatures: host.SensorsTemperaturesWithContext,
	}
}

// Describe returns the fleet unit that represents this host.
func (h *Host) Describe() fleet.ResourceUnit {
	unitType := "cpu"
	if brand := strings.TrimSpace(cpuid.CPU.BrandName); brand != "" {
		unitType = brand
	}

	mode := "randomx"
	if !cpuid.CPU.Supports(cpuid.AESNI) {
		mode = "generic"
	}

	threads := cpuid.CPU.LogicalCores
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	u := fleet.ResourceUnit{
		ID:          h.unitID,
		UnitType:    unitType,
		Mode:        mode,
		Temperature: 50,
		Throughput:  float64(threads),
		// Nominal figures; the host has no portable power meter.
		PowerDraw:  float64(threads) * 10,
		DailyYield: float64(threads) * 0.1,
	}
	u.BaselineThroughput = u.Throughput
	u.Status = fleet.DeriveStatus(u)
	return u
}

// Fetch implements controller.TelemetryPort.
func (h *Host) Fetch(ctx context.Context, unit fleet.ResourceUnit) (fleet.Reading, error) {
	if unit.ID != h.unitID {
		return fleet.Reading{}, fmt.Errorf("%w: %s is not served by host telemetry", fleet.ErrTelemetryUnavailable, unit.ID)
	}

	percent, err := h.cpuPercent(ctx)
	if err != nil {
		return fleet.Reading{}, fmt.Errorf("%w: cpu usage: %v", fleet.ErrTelemetryUnavailable, err)
	}
	load := percent / 100
	if load < 0 {
		load = 0
	}

	baseline := unit.BaselineThroughput
	if baseline <= 0 {
		baseline = unit.Throughput
	}

	reading := fleet.Reading{
		Throughput: baseline * load,
		PowerDraw:  unit.PowerDraw,
		DailyYield: unit.DailyYield,
	}

	if temp, ok := h.hottestCPU(ctx); ok {
		reading.Temperature = &temp
	}
	return reading, nil
}

func (h *Host) hottestCPU(ctx context.Context) (float64, bool) {
	stats, err := h.temperatures(ctx)
	if err != nil && len(stats) == 0 {
		h.logger.Debug("Temperature sensors unavailable", zap.Error(err))
		return 0, false
	}

	hottest, found := 0.0, false
	for _, s := range stats {
		if s.Temperature <= 0 || !isCPUSensor(s.SensorKey) {
			continue
		}
		if !found || s.Temperature > hottest {
			hottest, found = s.Temperature, true
		}
	}
	return hottest, found
}

func isCPUSensor(key string) bool {
	key = strings.ToLower(key)
	for _, prefix := range []string{"coretemp", "k10temp", "cpu", "package", "tctl", "x86_pkg_temp", "acpitz"} {
		if strings.Contains(key, prefix) {
			return true
		}
	}
	return false
}

func readCPUPercent(ctx context.Context) (float64, error) {
	percentages, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(percentages) == 0 {
		return 0, fmt.Errorf("no cpu usage reported")
	}
	return percentages[0], nil
}
