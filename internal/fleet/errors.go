package fleet

import "errors"

// Errors that cross the controller API boundary
var (
	// ErrNotInitialized is returned by fleet operations invoked before
	// InitializeComponents.
	ErrNotInitialized = errors.New("fleet not initialized")

	// ErrInvalidArgument is returned for out-of-range arguments such as a
	// negative target fleet size.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTelemetryUnavailable is returned by telemetry ports when a unit
	// cannot be read this tick. The collector skips the unit and retries
	// on its next tick.
	ErrTelemetryUnavailable = errors.New("telemetry unavailable")
)
