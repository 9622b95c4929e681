// Package optimization throttles overheating units back into a safe
// operating range.
package optimization

import (
	"fmt"

	"github.com/shizukutanaka/otedama-fleet/internal/config"
	"github.com/shizukutanaka/otedama-fleet/internal/fleet"
	"github.com/shizukutanaka/otedama-fleet/internal/risk"
)

// FloorReached is included in advisories for units that could not be
// cooled to the target before hitting the throughput floor.
const FloorReached = "floor reached"

// Policy holds the throttling parameters
type Policy struct {
	// Step is the fraction of current throughput removed per throttle step.
	Step float64
	// Coefficient scales the temperature drop per unit of relative throughput cut.
	Coefficient float64
	// FloorRatio is the fraction of baseline throughput a unit is never throttled below.
	FloorRatio float64
	// TargetTemperature is the temperature throttling aims for.
	TargetTemperature float64
}

// DefaultPolicy returns the stock policy parameters
func DefaultPolicy() Policy {
	return FromConfig(config.DefaultPolicyConfig())
}

// FromConfig builds a policy from its configuration section
func FromConfig(cfg config.PolicyConfig) Policy {
	return Policy{
		Step:              cfg.ThrottleStep,
		Coefficient:       cfg.CoolingCoefficient,
		FloorRatio:        cfg.ThroughputFloorRatio,
		TargetTemperature: cfg.TargetTemperature,
	}
}

// Floor returns the minimum throughput the policy leaves a unit with.
func (p Policy) Floor(u fleet.ResourceUnit) float64 {
	baseline := u.BaselineThroughput
	if baseline <= 0 {
		baseline = u.Throughput
	}
	return p.FloorRatio * baseline
}

// sanitized replaces parameters that would stall or disable throttling
// with the stock values.
func (p Policy) sanitized() Policy {
	def := DefaultPolicy()
	if !(p.Step > 0 && p.Step < 1) {
		p.Step = def.Step
	}
	if !(p.Coefficient > 0) {
		p.Coefficient = def.Coefficient
	}
	if !(p.FloorRatio > 0 && p.FloorRatio <= 1) {
		p.FloorRatio = def.FloorRatio
	}
	if !(p.TargetTemperature > 0 && p.TargetTemperature < fleet.OverheatingTemperature) {
		p.TargetTemperature = def.TargetTemperature
	}
	return p
}

// Optimize returns a copy of units with every overheating unit throttled
// and one advisory per throttled unit. Units are never removed and
// throughput is never raised. Failed units and units below the
// overheating threshold are returned unchanged. Out-of-range parameters
// fall back to DefaultPolicy values.
func (p Policy) Optimize(units []fleet.ResourceUnit, assessment risk.Assessment) ([]fleet.ResourceUnit, []string) {
	p = p.sanitized()
	out := fleet.CloneUnits(units)
	var advisories []string

	for i := range out {
		u := &out[i]
		if fleet.DeriveStatus(*u) != fleet.StatusOverheating {
			continue
		}
		if advisory, ok := p.throttle(u); ok {
			if assessment.Level != "" {
				advisory = fmt.Sprintf("%s [risk %s]", advisory, assessment.Level)
			}
			advisories = append(advisories, advisory)
		}
	}

	return out, advisories
}

// throttle applies repeated throttle steps until the unit is at or below
// the target temperature or sits on its floor.
func (p Policy) throttle(u *fleet.ResourceUnit) (string, bool) {
	floor := p.Floor(*u)
	origThroughput, origTemp := u.Throughput, u.Temperature

	steps := 0
	for u.Temperature > p.TargetTemperature && u.Throughput > floor {
		cut := p.Step * u.Throughput
		if remaining := u.Throughput - floor; cut > remaining {
			cut = remaining
		}
		ratio := cut / u.Throughput
		u.Temperature -= ratio * u.Temperature * p.Coefficient
		u.Throughput -= cut
		steps++
	}

	if steps > 0 {
		u.ThroughputLimit = u.Throughput
	}
	u.Status = fleet.DeriveStatus(*u)

	switch {
	case u.Temperature > p.TargetTemperature && steps == 0:
		return fmt.Sprintf("%s: cannot throttle below %.2f at %.1f°C, %s, manual cooling required",
			u.ID, floor, u.Temperature, FloorReached), true
	case u.Temperature > p.TargetTemperature:
		return fmt.Sprintf("%s: throttled throughput %.2f -> %.2f in %d steps, temperature %.1f -> %.1f°C, %s, status %s",
			u.ID, origThroughput, u.Throughput, steps, origTemp, u.Temperature, FloorReached, u.Status), true
	case steps > 0:
		return fmt.Sprintf("%s: throttled throughput %.2f -> %.2f in %d steps, temperature %.1f -> %.1f°C, status %s",
			u.ID, origThroughput, u.Throughput, steps, origTemp, u.Temperature, u.Status), true
	default:
		return "", false
	}
}

// Optimize applies the default policy.
func Optimize(units []fleet.ResourceUnit, assessment risk.Assessment) ([]fleet.ResourceUnit, []string) {
	return DefaultPolicy().Optimize(units, assessment)
}
