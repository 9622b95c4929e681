// Package fleet holds the passive records shared by the control loop:
// resource units, their status, telemetry readings and alerts.
package fleet

import (
	"fmt"
	"strings"
)

// Status represents the health classification of a resource unit
type Status int

const (
	StatusNormal Status = iota
	StatusWarning
	StatusOverheating
	StatusFailed
)

// Temperature thresholds used by the status derivation rule
const (
	WarningTemperature     = 80.0
	OverheatingTemperature = 85.0
	CriticalTemperature    = 90.0
)

// FailedAfterIdleTicks is the number of consecutive analysis ticks that must
// observe zero throughput before a unit is considered failed. Two ticks
// bracket one full analysis cycle.
const FailedAfterIdleTicks = 2

// String returns string representation of status
func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "NORMAL"
	case StatusWarning:
		return "WARNING"
	case StatusOverheating:
		return "OVERHEATING"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Statuses lists every status in severity order.
func Statuses() []Status {
	return []Status{StatusNormal, StatusWarning, StatusOverheating, StatusFailed}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(text []byte) error {
	switch strings.ToUpper(string(text)) {
	case "NORMAL":
		*s = StatusNormal
	case "WARNING":
		*s = StatusWarning
	case "OVERHEATING":
		*s = StatusOverheating
	case "FAILED":
		*s = StatusFailed
	default:
		return fmt.Errorf("unknown unit status %q", string(text))
	}
	return nil
}

// ResourceUnit describes one independently operating unit of the fleet
type ResourceUnit struct {
	ID          string  `json:"id" yaml:"id"`
	UnitType    string  `json:"unit_type" yaml:"unit_type"`
	Mode        string  `json:"mode" yaml:"mode"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
	Throughput  float64 `json:"throughput" yaml:"throughput"`
	PowerDraw   float64 `json:"power_draw" yaml:"power_draw"`
	DailyYield  float64 `json:"daily_yield" yaml:"daily_yield"`
	Status      Status  `json:"status" yaml:"status"`

	// BaselineThroughput is the throughput at enrollment. Throttling never
	// pushes a unit below a fraction of it.
	BaselineThroughput float64 `json:"baseline_throughput" yaml:"baseline_throughput"`
	// ThroughputLimit is the ceiling commanded by the optimizer, 0 when unthrottled.
	ThroughputLimit float64 `json:"throughput_limit,omitempty" yaml:"throughput_limit,omitempty"`
	// IdleTicks counts consecutive analysis ticks that observed zero throughput.
	IdleTicks int `json:"idle_ticks,omitempty" yaml:"idle_ticks,omitempty"`
}

// DeriveStatus computes the status a unit must carry given its telemetry.
// Temperature alone never implies FAILED.
func DeriveStatus(u ResourceUnit) Status {
	if u.Throughput == 0 && u.IdleTicks >= FailedAfterIdleTicks {
		return StatusFailed
	}
	switch {
	case u.Temperature >= OverheatingTemperature:
		return StatusOverheating
	case u.Temperature >= WarningTemperature:
		return StatusWarning
	default:
		return StatusNormal
	}
}

// Throttled reports whether the optimizer has capped the unit.
func (u ResourceUnit) Throttled() bool {
	return u.ThroughputLimit > 0
}

// Efficiency returns throughput per watt, 0 when the unit draws no power.
func (u ResourceUnit) Efficiency() float64 {
	if u.PowerDraw <= 0 {
		return 0
	}
	return u.Throughput / u.PowerDraw
}

// Reading is one telemetry refresh for a unit
type Reading struct {
	Throughput float64 `json:"throughput"`
	PowerDraw  float64 `json:"power_draw"`
	DailyYield float64 `json:"daily_yield"`
	// Temperature is optional; nil keeps the unit's last known value.
	Temperature *float64 `json:"temperature,omitempty"`
}

// Validate rejects readings that would break unit invariants.
func (r Reading) Validate() error {
	if r.Throughput < 0 {
		return fmt.Errorf("negative throughput %.2f", r.Throughput)
	}
	if r.PowerDraw < 0 {
		return fmt.Errorf("negative power draw %.2f", r.PowerDraw)
	}
	return nil
}

// Apply copies the reading onto a unit, honoring the throughput limit.
func (r Reading) Apply(u *ResourceUnit) {
	throughput := r.Throughput
	if u.ThroughputLimit > 0 && throughput > u.ThroughputLimit {
		throughput = u.ThroughputLimit
	}
	u.Throughput = throughput
	u.PowerDraw = r.PowerDraw
	u.DailyYield = r.DailyYield
	if r.Temperature != nil {
		u.Temperature = *r.Temperature
	}
}

// CloneUnits returns a copy of the slice so callers never alias fleet state
func CloneUnits(units []ResourceUnit) []ResourceUnit {
	if units == nil {
		return nil
	}
	out := make([]ResourceUnit, len(units))
	copy(out, units)
	return out
}
