package routing

import (
	"github.com/example/agromatch/internal/geo"
	"github.com/example/agromatch/internal/models"
)

const defaultSpeedMps = 8.0 // ~28.8 km/h rural road average

// Estimate is a straight-line approximation. Degraded is always true so it
// can never be mistaken for a road route.
type Estimate struct {
	DistanceMeters  float64 `json:"distance_meters"`
	DurationSeconds float64 `json:"duration_seconds"`
	Degraded        bool    `json:"degraded"`
}

// StraightLine estimates distance and travel time along the great circle.
func StraightLine(start, end models.GeoPoint, speedMps float64) Estimate {
	if speedMps <= 0 {
		speedMps = defaultSpeedMps
	}
	d := geo.Distance(start, end)
	return Estimate{DistanceMeters: d, DurationSeconds: d / speedMps, Degraded: true}
}
