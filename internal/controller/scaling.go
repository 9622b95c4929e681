package controller

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/shizukutanaka/otedama-fleet/internal/fleet"
)

// ScaleFleet resizes the fleet to exactly n units. Growth clones the
// default profile under fresh ids; shrinking removes the lowest daily
// yield first, earlier-enrolled units first among equal yields.
func (c *Controller) ScaleFleet(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: fleet size must be >= 0, got %d", fleet.ErrInvalidArgument, n)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return fleet.ErrNotInitialized
	}

	size := len(c.units)
	switch {
	case n > size:
		seen := make(map[string]bool, n)
		for _, u := range c.units {
			seen[u.ID] = true
		}
		added := make([]string, 0, n-size)
		for i := size; i < n; i++ {
			id := c.newUnitIDLocked(seen)
			seen[id] = true
			c.units = append(c.units, fleet.NewUnitFromProfile(id))
			added = append(added, id)
		}
		c.logger.Info("Fleet scaled up",
			zap.Int("from", size),
			zap.Int("to", n),
			zap.Strings("added", added),
		)

	case n < size:
		order := make([]int, size)
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			return c.units[order[a]].DailyYield < c.units[order[b]].DailyYield
		})

		drop := make(map[int]bool, size-n)
		removed := make([]string, 0, size-n)
		for _, idx := range order[:size-n] {
			drop[idx] = true
			removed = append(removed, c.units[idx].ID)
		}

		kept := make([]fleet.ResourceUnit, 0, n)
		for i, u := range c.units {
			if !drop[i] {
				kept = append(kept, u)
			}
		}
		c.units = kept

		c.logger.Info("Fleet scaled down",
			zap.Int("from", size),
			zap.Int("to", n),
			zap.Strings("removed", removed),
		)
	}

	return nil
}
