// Package risk turns a fleet snapshot into a risk verdict.
package risk

import (
	"fmt"
	"strings"
	"time"

	"github.com/shizukutanaka/otedama-fleet/internal/fleet"
)

// Level is the coarse risk classification
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Score weights
const (
	WarningWeight     = 10
	OverheatingWeight = 20
	CriticalSurcharge = 40
	FailedWeight      = 30
	YieldWeight       = 15
	MaxScore          = 100

	// YieldDeviationRatio is the fraction of the baseline below which the
	// fleet's aggregate daily yield counts as deviating.
	YieldDeviationRatio = 0.75

	HighThreshold   = 60
	MediumThreshold = 25
)

// RecommendationStable is returned when nothing needs attention
const RecommendationStable = "stable, no action needed"

// Counts tallies units per derived status
type Counts struct {
	Normal      int `json:"normal"`
	Warning     int `json:"warning"`
	Overheating int `json:"overheating"`
	Critical    int `json:"critical"`
	Failed      int `json:"failed"`
}

// Unhealthy returns the number of overheating and failed units.
func (c Counts) Unhealthy() int {
	return c.Overheating + c.Failed
}

// Assessment is an immutable risk verdict for one fleet snapshot
type Assessment struct {
	Level          Level     `json:"level"`
	Score          int       `json:"score"`
	Issues         []string  `json:"issues"`
	Recommendation string    `json:"recommendation"`
	Counts         Counts    `json:"counts"`
	UnitCount      int       `json:"unit_count"`
	DailyYield     float64   `json:"daily_yield"`
	YieldBaseline  float64   `json:"yield_baseline"`
	YieldDeviation bool      `json:"yield_deviation"`
	Timestamp      time.Time `json:"timestamp"`
}

// Clone returns a copy that shares no memory with a.
func (a Assessment) Clone() Assessment {
	out := a
	if a.Issues != nil {
		out.Issues = append([]string(nil), a.Issues...)
	}
	return out
}

// LevelForScore maps a score onto a level.
func LevelForScore(score int) Level {
	switch {
	case score >= HighThreshold:
		return LevelHigh
	case score >= MediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Assess evaluates units against the status rule and a daily yield
// baseline. A baseline of zero disables the yield check. Statuses are
// re-derived from telemetry, so stale Status fields do not skew the score.
func Assess(units []fleet.ResourceUnit, dailyYieldBaseline float64) Assessment {
	a := Assessment{
		Issues:        []string{},
		UnitCount:     len(units),
		YieldBaseline: dailyYieldBaseline,
		Timestamp:     time.Now(),
	}

	var (
		failed, overheating, warm []string
		score                     int
	)

	for _, u := range units {
		a.DailyYield += u.DailyYield

		switch fleet.DeriveStatus(u) {
		case fleet.StatusFailed:
			a.Counts.Failed++
			score += FailedWeight
			failed = append(failed, u.ID)
			a.Issues = append(a.Issues, fmt.Sprintf("%s failed: no throughput for %d analysis ticks", u.ID, u.IdleTicks))

		case fleet.StatusOverheating:
			a.Counts.Overheating++
			score += OverheatingWeight
			overheating = append(overheating, u.ID)
			if u.Temperature <= fleet.CriticalTemperature {
				a.Issues = append(a.Issues, fmt.Sprintf("%s overheating at %.1f°C", u.ID, u.Temperature))
			}

		case fleet.StatusWarning:
			a.Counts.Warning++
			score += WarningWeight
			warm = append(warm, u.ID)

		default:
			a.Counts.Normal++
		}

		// Critical heat counts for failed units too.
		if u.Temperature > fleet.CriticalTemperature {
			a.Counts.Critical++
			score += CriticalSurcharge
			a.Issues = append(a.Issues, fmt.Sprintf("%s critical temperature %.1f°C", u.ID, u.Temperature))
		}
	}

	if len(warm) > 0 {
		a.Issues = append(a.Issues, fmt.Sprintf("%d unit(s) running warm: %s", len(warm), strings.Join(warm, ", ")))
	}

	if dailyYieldBaseline > 0 && a.DailyYield < dailyYieldBaseline*YieldDeviationRatio {
		a.YieldDeviation = true
		score += YieldWeight
		shortfall := (1 - a.DailyYield/dailyYieldBaseline) * 100
		a.Issues = append(a.Issues, fmt.Sprintf("fleet daily yield %.2f is %.0f%% below baseline %.2f",
			a.DailyYield, shortfall, dailyYieldBaseline))
	}

	if score > MaxScore {
		score = MaxScore
	}
	a.Score = score
	a.Level = LevelForScore(score)

	switch {
	case len(failed) > 0:
		a.Recommendation = "inspect failed units: " + strings.Join(failed, ", ")
	case len(overheating) > 0:
		a.Recommendation = "throttle overheating units: " + strings.Join(overheating, ", ")
	case a.YieldDeviation:
		a.Recommendation = "investigate yield deviation: review unit modes and pool connectivity"
	case len(warm) > 0:
		a.Recommendation = "watch warm units and check cooling: " + strings.Join(warm, ", ")
	default:
		a.Recommendation = RecommendationStable
	}

	return a
}
