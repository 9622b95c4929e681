package risk

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shizukutanaka/otedama-fleet/internal/fleet"
)

func threeUnits() []fleet.ResourceUnit {
	return []fleet.ResourceUnit{
		{ID: "unit-001", Temperature: 70, Throughput: 100, DailyYield: 10, BaselineThroughput: 100},
		{ID: "unit-002", Temperature: 65, Throughput: 80, DailyYield: 8, BaselineThroughput: 80},
		{ID: "unit-003", Temperature: 60, Throughput: 50, DailyYield: 5, BaselineThroughput: 50},
	}
}

func TestAssessHealthyFleet(t *testing.T) {
	a := Assess(threeUnits(), 20)

	assert.Equal(t, LevelLow, a.Level)
	assert.Equal(t, 0, a.Score)
	assert.Empty(t, a.Issues)
	assert.Equal(t, RecommendationStable, a.Recommendation)
	assert.Equal(t, 3, a.Counts.Normal)
	assert.InDelta(t, 23.0, a.DailyYield, 1e-9)
	assert.False(t, a.YieldDeviation)
}

func TestAssessCriticalUnit(t *testing.T) {
	units := threeUnits()
	units[0].Temperature = 92

	a := Assess(units, 0)

	assert.Equal(t, LevelHigh, a.Level)
	assert.GreaterOrEqual(t, a.Score, 60)
	require.NotEmpty(t, a.Issues)
	assert.Contains(t, a.Issues[0], "unit-001")
	assert.Equal(t, 1, a.Counts.Overheating)
	assert.Equal(t, 1, a.Counts.Critical)
	assert.Contains(t, a.Recommendation, "throttle")
	assert.Contains(t, a.Recommendation, "unit-001")
}

func TestAssessScoring(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(units []fleet.ResourceUnit)
		baseline  float64
		wantScore int
		wantLevel Level
		wantIssue string
		wantRec   string
	}{
		{
			name:      "single warning",
			mutate:    func(u []fleet.ResourceUnit) { u[1].Temperature = 82 },
			wantScore: 10,
			wantLevel: LevelLow,
			wantIssue: "1 unit(s) running warm: unit-002",
			wantRec:   "watch warm units",
		},
		{
			name: "three warnings reach medium",
			mutate: func(u []fleet.ResourceUnit) {
				for i := range u {
					u[i].Temperature = 81
				}
			},
			wantScore: 30,
			wantLevel: LevelMedium,
			wantIssue: "3 unit(s) running warm",
		},
		{
			name:      "overheating without surcharge",
			mutate:    func(u []fleet.ResourceUnit) { u[2].Temperature = 88 },
			wantScore: 20,
			wantLevel: LevelLow,
			wantIssue: "unit-003 overheating at 88.0",
			wantRec:   "throttle overheating units: unit-003",
		},
		{
			name:      "temperature at exactly 90 is not critical",
			mutate:    func(u []fleet.ResourceUnit) { u[0].Temperature = 90 },
			wantScore: 20,
			wantLevel: LevelLow,
		},
		{
			name: "failed unit",
			mutate: func(u []fleet.ResourceUnit) {
				u[1].Throughput = 0
				u[1].IdleTicks = 2
			},
			wantScore: 30,
			wantLevel: LevelMedium,
			wantIssue: "unit-002 failed",
			wantRec:   "inspect failed units: unit-002",
		},
		{
			name: "failed takes precedence over overheating",
			mutate: func(u []fleet.ResourceUnit) {
				u[0].Temperature = 87
				u[2].Throughput = 0
				u[2].IdleTicks = 4
			},
			wantScore: 50,
			wantLevel: LevelMedium,
			wantRec:   "inspect failed units: unit-003",
		},
		{
			name:      "yield deviation",
			mutate:    func(u []fleet.ResourceUnit) {},
			baseline:  40,
			wantScore: 15,
			wantLevel: LevelLow,
			wantIssue: "below baseline 40.00",
			wantRec:   "investigate yield deviation",
		},
		{
			name:      "yield within tolerance",
			mutate:    func(u []fleet.ResourceUnit) {},
			baseline:  30,
			wantScore: 0,
			wantLevel: LevelLow,
			wantRec:   RecommendationStable,
		},
		{
			name: "score is capped",
			mutate: func(u []fleet.ResourceUnit) {
				for i := range u {
					u[i].Temperature = 95
				}
			},
			baseline:  100,
			wantScore: 100,
			wantLevel: LevelHigh,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			units := threeUnits()
			tt.mutate(units)

			a := Assess(units, tt.baseline)

			assert.Equal(t, tt.wantScore, a.Score)
			assert.Equal(t, tt.wantLevel, a.Level)
			if tt.wantIssue != "" {
				found := false
				for _, issue := range a.Issues {
					if strings.Contains(issue, tt.wantIssue) {
						found = true
					}
				}
				assert.True(t, found, "issue %q not in %v", tt.wantIssue, a.Issues)
			}
			if tt.wantRec != "" {
				assert.Contains(t, a.Recommendation, tt.wantRec)
			}
			if a.Level != LevelLow {
				assert.NotEmpty(t, a.Issues)
			}
		})
	}
}

func TestAssessScoreMonotonic(t *testing.T) {
	const size = 8
	units := make([]fleet.ResourceUnit, size)
	for i := range units {
		units[i] = fleet.ResourceUnit{ID: fleet.UnitID(i + 1), Temperature: 60, Throughput: 10, DailyYield: 2}
	}

	// Alternate overheating and failing units; yield stays fixed.
	prev := Assess(units, 0).Score
	for i := range units {
		if i%2 == 0 {
			units[i].Temperature = 86 + float64(i)
		} else {
			units[i].Throughput = 0
			units[i].IdleTicks = 2
		}
		score := Assess(units, 0).Score
		assert.GreaterOrEqual(t, score, prev, "score decreased after %d unhealthy units", i+1)
		prev = score
	}
	assert.Equal(t, MaxScore, prev)
}

func TestAssessHotUnitFailing(t *testing.T) {
	units := threeUnits()
	units[0].Temperature = 95

	hot := Assess(units, 0)
	require.Equal(t, LevelHigh, hot.Level)

	units[0].Throughput = 0
	units[0].IdleTicks = 2
	dead := Assess(units, 0)

	assert.GreaterOrEqual(t, dead.Score, hot.Score)
	assert.Equal(t, FailedWeight+CriticalSurcharge, dead.Score)
	assert.Equal(t, LevelHigh, dead.Level)
	assert.Equal(t, 1, dead.Counts.Failed)
	assert.Equal(t, 1, dead.Counts.Critical)
	assert.Contains(t, dead.Recommendation, "inspect failed units: unit-001")
	assert.Contains(t, dead.Issues, "unit-001 critical temperature 95.0°C")
}

func TestAssessIgnoresStaleStatus(t *testing.T) {
	units := threeUnits()
	units[0].Status = fleet.StatusFailed

	a := Assess(units, 0)
	assert.Equal(t, 0, a.Score)
	assert.Equal(t, 3, a.Counts.Normal)
}

func TestAssessmentClone(t *testing.T) {
	units := threeUnits()
	units[0].Temperature = 86
	a := Assess(units, 0)

	c := a.Clone()
	c.Issues[0] = "changed"
	assert.NotEqual(t, "changed", a.Issues[0])
}

func TestLevelForScore(t *testing.T) {
	for score, want := range map[int]Level{0: LevelLow, 24: LevelLow, 25: LevelMedium, 59: LevelMedium, 60: LevelHigh, 100: LevelHigh} {
		assert.Equal(t, want, LevelForScore(score), fmt.Sprintf("score %d", score))
	}
}
