// Package telemetry provides telemetry sources for the collector loop.
package telemetry

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"go.uber.org/zap"

	"github.com/shizukutanaka/otedama-fleet/internal/fleet"
)

// SimulatorConfig tunes the simulated fleet
type SimulatorConfig struct {
	Seed int64
	// Noise is the relative jitter applied to throughput, power and yield.
	Noise float64
	// DropRate is the probability that a fetch reports telemetry unavailable.
	DropRate float64
	// Ambient is the temperature an idle unit settles at.
	Ambient float64
}

// DefaultSimulatorConfig returns a mildly noisy, reliable simulator setup
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		Seed:     1,
		Noise:    0.02,
		DropRate: 0,
		Ambient:  35,
	}
}

// Fault is an injected misbehavior for one unit
type Fault struct {
	// HeatDelta raises the unit's full-load temperature.
	HeatDelta float64
	// Dead makes the unit report zero throughput.
	Dead bool
	// Unavailable makes every fetch fail.
	Unavailable bool
}

type nominal struct {
	temperature float64
	throughput  float64
	power       float64
	yield       float64
}

// Simulator produces deterministic synthetic telemetry. Each unit's first
// observed values become its nominal full-load operating point; output
// scales with the load the optimizer leaves it.
type Simulator struct {
	logger *zap.Logger
	config SimulatorConfig

	mu       sync.Mutex
	rng      *rand.Rand
	nominals map[string]nominal
	faults   map[string]Fault
}

// NewSimulator creates a simulator
func NewSimulator(logger *zap.Logger, config SimulatorConfig) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulator{
		logger:   logger.Named("simulator"),
		config:   config,
		rng:      rand.New(rand.NewSource(config.Seed)),
		nominals: make(map[string]nominal),
		faults:   make(map[string]Fault),
	}
}

// InjectFault sets the fault for a unit, replacing any previous one.
func (s *Simulator) InjectFault(unitID string, fault Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[unitID] = fault
	s.logger.Info("Fault injected",
		zap.String("unit", unitID),
		zap.Float64("heat_delta", fault.HeatDelta),
		zap.Bool("dead", fault.Dead),
		zap.Bool("unavailable", fault.Unavailable),
	)
}

// ClearFault removes the fault for a unit.
func (s *Simulator) ClearFault(unitID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.faults, unitID)
}

// Fetch implements controller.TelemetryPort.
func (s *Simulator) Fetch(ctx context.Context, unit fleet.ResourceUnit) (fleet.Reading, error) {
	if err := ctx.Err(); err != nil {
		return fleet.Reading{}, fmt.Errorf("%w: %v", fleet.ErrTelemetryUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fault := s.faults[unit.ID]
	if fault.Unavailable || (s.config.DropRate > 0 && s.rng.Float64() < s.config.DropRate) {
		return fleet.Reading{}, fmt.Errorf("%w: unit %s not responding", fleet.ErrTelemetryUnavailable, unit.ID)
	}

	nom, ok := s.nominals[unit.ID]
	if !ok {
		nom = nominal{
			temperature: unit.Temperature,
			throughput:  unit.BaselineThroughput,
			power:       unit.PowerDraw,
			yield:       unit.DailyYield,
		}
		if nom.throughput <= 0 {
			nom.throughput = unit.Throughput
		}
		s.nominals[unit.ID] = nom
	}

	if fault.Dead {
		temp := s.config.Ambient
		return fleet.Reading{Throughput: 0, PowerDraw: nom.power * 0.05, DailyYield: 0, Temperature: &temp}, nil
	}

	load := 1.0
	if unit.ThroughputLimit > 0 && nom.throughput > 0 && unit.ThroughputLimit < nom.throughput {
		load = unit.ThroughputLimit / nom.throughput
	}

	throughput := nom.throughput * load * s.jitter()
	if unit.ThroughputLimit > 0 && throughput > unit.ThroughputLimit {
		throughput = unit.ThroughputLimit
	}
	temp := (s.config.Ambient + (nom.temperature+fault.HeatDelta-s.config.Ambient)*load) * s.jitter()

	return fleet.Reading{
		Throughput:  throughput,
		PowerDraw:   nom.power * load * s.jitter(),
		DailyYield:  nom.yield * load * s.jitter(),
		Temperature: &temp,
	}, nil
}

// jitter returns a factor in [1-Noise, 1+Noise]. Callers hold s.mu.
func (s *Simulator) jitter() float64 {
	if s.config.Noise <= 0 {
		return 1
	}
	return 1 + (s.rng.Float64()*2-1)*s.config.Noise
}
