package fleet

import "time"

// AlertKind distinguishes the two events the analyzer reports
type AlertKind string

const (
	AlertKindRisk     AlertKind = "risk"
	AlertKindAdvisory AlertKind = "advisory"
)

// Alert is delivered to alert ports by the analyzer loop
type Alert struct {
	ID        string    `json:"id"`
	Kind      AlertKind `json:"kind"`
	Severity  string    `json:"severity"`
	UnitID    string    `json:"unit_id,omitempty"`
	Message   string    `json:"message"`
	Score     int       `json:"score,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
