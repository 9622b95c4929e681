package controller

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shizukutanaka/otedama-fleet/internal/fleet"
)

func unitsWithYields(yields ...float64) []fleet.ResourceUnit {
	units := make([]fleet.ResourceUnit, len(yields))
	for i, y := range yields {
		units[i] = fleet.ResourceUnit{
			ID:          fleet.UnitID(i + 1),
			UnitType:    "gpu",
			Mode:        "ethash",
			Temperature: 65,
			Throughput:  50,
			PowerDraw:   200,
			DailyYield:  y,
		}
	}
	return units
}

func newInitialized(t *testing.T, units []fleet.ResourceUnit, opts ...Option) *Controller {
	t.Helper()
	opts = append([]Option{WithUnits(units)}, opts...)
	c, err := New(zaptest.NewLogger(t), testConfig(), opts...)
	require.NoError(t, err)
	c.InitializeComponents()
	return c
}

func yieldsOf(units []fleet.ResourceUnit) []float64 {
	out := make([]float64, len(units))
	for i, u := range units {
		out[i] = u.DailyYield
	}
	return out
}

func TestScaleFleetRemovesLowestYield(t *testing.T) {
	c := newInitialized(t, unitsWithYields(5, 20, 10))

	require.NoError(t, c.ScaleFleet(2))

	units, err := c.Units()
	require.NoError(t, err)
	assert.Equal(t, []float64{20, 10}, yieldsOf(units))
	assert.Equal(t, "unit-002", units[0].ID)
	assert.Equal(t, "unit-003", units[1].ID)
}

func TestScaleFleetTiesBrokenByInsertionOrder(t *testing.T) {
	c := newInitialized(t, unitsWithYields(7, 3, 9, 3, 3))

	require.NoError(t, c.ScaleFleet(3))

	units, err := c.Units()
	require.NoError(t, err)
	ids := make([]string, len(units))
	for i, u := range units {
		ids[i] = u.ID
	}
	// The first two of the three yield-3 units go.
	assert.Equal(t, []string{"unit-001", "unit-003", "unit-005"}, ids)
}

func TestScaleFleetGrows(t *testing.T) {
	c := newInitialized(t, unitsWithYields(5, 20, 10))

	require.NoError(t, c.ScaleFleet(10))

	units, err := c.Units()
	require.NoError(t, err)
	require.Len(t, units, 10)

	seen := make(map[string]bool)
	for i, u := range units {
		assert.False(t, seen[u.ID], "duplicate id %s", u.ID)
		seen[u.ID] = true
		if i >= 3 {
			assert.Equal(t, fleet.DefaultProfile.Mode, u.Mode)
			assert.Equal(t, fleet.DefaultProfile.Throughput, u.Throughput)
			assert.Equal(t, fleet.StatusNormal, u.Status)
		}
	}
}

func TestScaleFleetNeverReusesIDs(t *testing.T) {
	c := newInitialized(t, unitsWithYields(1, 2, 3))

	require.NoError(t, c.ScaleFleet(1))
	require.NoError(t, c.ScaleFleet(4))

	units, err := c.Units()
	require.NoError(t, err)
	require.Len(t, units, 4)
	assert.Equal(t, "unit-003", units[0].ID)
	for _, u := range units[1:] {
		assert.NotContains(t, []string{"unit-001", "unit-002", "unit-003"}, u.ID)
	}
}

func TestScaleFleetSkipsTakenIDs(t *testing.T) {
	units := unitsWithYields(1, 2)
	units[0].ID = "unit-003"
	units[1].ID = "unit-004"
	c := newInitialized(t, units)

	require.NoError(t, c.ScaleFleet(5))

	got, err := c.Units()
	require.NoError(t, err)
	seen := make(map[string]bool)
	for _, u := range got {
		assert.False(t, seen[u.ID], "duplicate id %s", u.ID)
		seen[u.ID] = true
	}
}

func TestScaleFleetInvalidArgument(t *testing.T) {
	c := newInitialized(t, unitsWithYields(1, 2))

	err := c.ScaleFleet(-1)
	assert.ErrorIs(t, err, fleet.ErrInvalidArgument)

	units, _ := c.Units()
	assert.Len(t, units, 2)
}

func TestScaleFleetProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		size := rng.Intn(12)
		yields := make([]float64, size)
		for i := range yields {
			// Few distinct values so ties are common.
			yields[i] = float64(rng.Intn(5))
		}
		target := rng.Intn(15)

		t.Run(fmt.Sprintf("size=%d/target=%d", size, target), func(t *testing.T) {
			c := newInitialized(t, unitsWithYields(yields...))
			before, _ := c.Units()

			require.NoError(t, c.ScaleFleet(target))

			after, err := c.Units()
			require.NoError(t, err)
			require.Len(t, after, target)

			if target >= size {
				return
			}

			kept := make(map[string]bool)
			minKept := -1.0
			for _, u := range after {
				kept[u.ID] = true
				if minKept < 0 || u.DailyYield < minKept {
					minKept = u.DailyYield
				}
			}
			for _, u := range before {
				if !kept[u.ID] && target > 0 {
					assert.GreaterOrEqual(t, minKept, u.DailyYield, "removed %s outranks a kept unit", u.ID)
				}
			}
		})
	}
}

func TestScaleFleetBeforeInitialize(t *testing.T) {
	c, err := New(zaptest.NewLogger(t), testConfig())
	require.NoError(t, err)

	assert.ErrorIs(t, c.ScaleFleet(3), fleet.ErrNotInitialized)
}
