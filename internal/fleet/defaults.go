package fleet

import "fmt"

// DefaultProfile is the template cloned when the fleet grows
var DefaultProfile = ResourceUnit{
	UnitType:           "gpu",
	Mode:               "ethash",
	Temperature:        68,
	Throughput:         60,
	PowerDraw:          220,
	DailyYield:         12,
	Status:             StatusNormal,
	BaselineThroughput: 60,
}

// defaultFleet is the deterministic fleet used when no units are supplied.
var defaultFleet = []ResourceUnit{
	{UnitType: "gpu", Mode: "ethash", Temperature: 66, Throughput: 62, PowerDraw: 230, DailyYield: 12.5},
	{UnitType: "gpu", Mode: "kawpow", Temperature: 71, Throughput: 28, PowerDraw: 250, DailyYield: 10.8},
	{UnitType: "asic", Mode: "sha256d", Temperature: 74, Throughput: 110, PowerDraw: 3250, DailyYield: 18.2},
	{UnitType: "cpu", Mode: "randomx", Temperature: 63, Throughput: 15, PowerDraw: 140, DailyYield: 3.1},
}

// UnitID formats the identifier for the n-th enrolled unit.
func UnitID(n int) string {
	return fmt.Sprintf("unit-%03d", n)
}

// DefaultFleet returns a fresh copy of the default fleet with ids unit-001..
func DefaultFleet() []ResourceUnit {
	units := make([]ResourceUnit, len(defaultFleet))
	for i, u := range defaultFleet {
		u.ID = UnitID(i + 1)
		u.BaselineThroughput = u.Throughput
		u.Status = DeriveStatus(u)
		units[i] = u
	}
	return units
}

// NewUnitFromProfile clones the default profile under a new id.
func NewUnitFromProfile(id string) ResourceUnit {
	u := DefaultProfile
	u.ID = id
	u.Status = DeriveStatus(u)
	return u
}
