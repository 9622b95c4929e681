package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/klauspost/cpuid/v2"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shizukutanaka/otedama-fleet/internal/fleet"
)

func quietSimulator(t *testing.T) *Simulator {
	cfg := DefaultSimulatorConfig()
	cfg.Noise = 0
	return NewSimulator(zaptest.NewLogger(t), cfg)
}

func TestSimulatorNominal(t *testing.T) {
	sim := quietSimulator(t)
	unit := fleet.DefaultFleet()[0]

	r, err := sim.Fetch(context.Background(), unit)
	require.NoError(t, err)
	require.NotNil(t, r.Temperature)
	assert.Equal(t, unit.Throughput, r.Throughput)
	assert.Equal(t, unit.PowerDraw, r.PowerDraw)
	assert.Equal(t, unit.DailyYield, r.DailyYield)
	assert.InDelta(t, unit.Temperature, *r.Temperature, 1e-9)
	assert.NoError(t, r.Validate())
}

func TestSimulatorFollowsThrottle(t *testing.T) {
	sim := quietSimulator(t)
	unit := fleet.DefaultFleet()[0]
	_, err := sim.Fetch(context.Background(), unit)
	require.NoError(t, err)

	unit.ThroughputLimit = unit.BaselineThroughput / 2
	r, err := sim.Fetch(context.Background(), unit)
	require.NoError(t, err)

	assert.InDelta(t, unit.BaselineThroughput/2, r.Throughput, 1e-9)
	assert.Less(t, *r.Temperature, unit.Temperature)
	assert.Greater(t, *r.Temperature, DefaultSimulatorConfig().Ambient)
}

func TestSimulatorFaults(t *testing.T) {
	sim := quietSimulator(t)
	unit := fleet.DefaultFleet()[1]

	sim.InjectFault(unit.ID, Fault{HeatDelta: 20})
	r, err := sim.Fetch(context.Background(), unit)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, *r.Temperature, fleet.OverheatingTemperature)

	sim.InjectFault(unit.ID, Fault{Dead: true})
	r, err = sim.Fetch(context.Background(), unit)
	require.NoError(t, err)
	assert.Zero(t, r.Throughput)

	sim.InjectFault(unit.ID, Fault{Unavailable: true})
	_, err = sim.Fetch(context.Background(), unit)
	assert.ErrorIs(t, err, fleet.ErrTelemetryUnavailable)

	sim.ClearFault(unit.ID)
	r, err = sim.Fetch(context.Background(), unit)
	require.NoError(t, err)
	assert.Equal(t, unit.Throughput, r.Throughput)
}

func TestSimulatorDropRateAndNoise(t *testing.T) {
	cfg := DefaultSimulatorConfig()
	cfg.DropRate = 0.5
	cfg.Noise = 0.05
	sim := NewSimulator(zaptest.NewLogger(t), cfg)
	unit := fleet.DefaultFleet()[2]

	var dropped int
	for i := 0; i < 200; i++ {
		r, err := sim.Fetch(context.Background(), unit)
		if errors.Is(err, fleet.ErrTelemetryUnavailable) {
			dropped++
			continue
		}
		require.NoError(t, err)
		assert.InEpsilon(t, unit.Throughput, r.Throughput, 0.051)
	}
	assert.Greater(t, dropped, 50)
	assert.Less(t, dropped, 150)
}

func TestSimulatorCancelledContext(t *testing.T) {
	sim := quietSimulator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sim.Fetch(ctx, fleet.DefaultFleet()[0])
	assert.ErrorIs(t, err, fleet.ErrTelemetryUnavailable)
}

func fakeHost(t *testing.T, percent float64, temps []host.TemperatureStat, tempErr error) *Host {
	h := NewHost(zaptest.NewLogger(t), "unit-001")
	h.cpuPercent = func(context.Context) (float64, error) { return percent, nil }
	h.temperatures = func(context.Context) ([]host.TemperatureStat, error) { return temps, tempErr }
	return h
}

func TestHostFetch(t *testing.T) {
	h := fakeHost(t, 50, []host.TemperatureStat{
		{SensorKey: "coretemp_core_0", Temperature: 61},
		{SensorKey: "coretemp_packageid0", Temperature: 66.5},
		{SensorKey: "nvme_composite", Temperature: 80},
	}, nil)
	unit := h.Describe()
	require.Equal(t, "unit-001", unit.ID)
	assert.NotEmpty(t, unit.UnitType)
	assert.Positive(t, unit.BaselineThroughput)
	if cpuid.CPU.Supports(cpuid.AESNI) {
		assert.Equal(t, "randomx", unit.Mode)
	} else {
		assert.Equal(t, "generic", unit.Mode)
	}

	r, err := h.Fetch(context.Background(), unit)
	require.NoError(t, err)
	assert.InDelta(t, unit.BaselineThroughput/2, r.Throughput, 1e-9)
	require.NotNil(t, r.Temperature)
	assert.Equal(t, 66.5, *r.Temperature, "non-cpu sensors are ignored")
}

func TestHostWithoutSensors(t *testing.T) {
	h := fakeHost(t, 10, nil, errors.New("not implemented"))

	r, err := h.Fetch(context.Background(), h.Describe())
	require.NoError(t, err)
	assert.Nil(t, r.Temperature)
}

func TestHostRejectsForeignUnits(t *testing.T) {
	h := fakeHost(t, 10, nil, nil)

	_, err := h.Fetch(context.Background(), fleet.ResourceUnit{ID: "unit-009"})
	assert.ErrorIs(t, err, fleet.ErrTelemetryUnavailable)
}

func TestHostCPUError(t *testing.T) {
	h := fakeHost(t, 0, nil, nil)
	h.cpuPercent = func(context.Context) (float64, error) { return 0, errors.New("proc unavailable") }

	_, err := h.Fetch(context.Background(), h.Describe())
	assert.ErrorIs(t, err, fleet.ErrTelemetryUnavailable)
}
