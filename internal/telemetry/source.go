// Package telemetry fetches raw location records for a vehicle and time range
// from the fleet telemetry API, an offline SQLite export or a directory of
// exported files.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/track.replay/internal/track"
)

// ErrNotFound is returned when the source has no data for a vehicle.
var ErrNotFound = errors.New("telemetry: vehicle not found")

// Source loads the raw records of one vehicle between from and to. A zero
// from or to leaves that side of the range open.
type Source interface {
	Name() string
	FetchTrack(ctx context.Context, vehicleID string, from, to time.Time) ([]track.Record, error)
}

// VehicleLister is implemented by sources that can enumerate their vehicles.
type VehicleLister interface {
	Vehicles(ctx context.Context) ([]string, error)
}

// APIError is a non-2xx response from the telemetry API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telemetry api returned status %d: %s", e.Status, e.Body)
}

// Is matches ErrNotFound for 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == 404
}

// Temporary reports whether retrying later could succeed.
func (e *APIError) Temporary() bool {
	return e.Status >= 500 || e.Status == 429
}

func inRange(ts, from, to time.Time) bool {
	if !from.IsZero() && ts.Before(from) {
		return false
	}
	if !to.IsZero() && ts.After(to) {
		return false
	}
	return true
}
