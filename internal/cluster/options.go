// Package cluster groups geolocated points into map clusters across zoom
// levels. An Index is built once from a point set and is read-only afterwards.
package cluster

import (
	"fmt"

	"github.com/example/agromatch/internal/models"
)

// maxSupportedZoom keeps zoom+1 within the five low bits of a cluster id.
const maxSupportedZoom = 30

// Options tunes the clustering. Radius is in screen pixels relative to Extent.
type Options struct {
	Radius    float64
	Extent    float64
	MinZoom   int
	MaxZoom   int
	MinPoints int
}

func DefaultOptions() Options {
	return Options{
		Radius:    60,
		Extent:    512,
		MinZoom:   0,
		MaxZoom:   16,
		MinPoints: 2,
	}
}

func (o Options) Validate() error {
	switch {
	case o.Radius <= 0:
		return fmt.Errorf("radius %v must be > 0: %w", o.Radius, models.ErrInvalidCriteria)
	case o.Extent <= 0:
		return fmt.Errorf("extent %v must be > 0: %w", o.Extent, models.ErrInvalidCriteria)
	case o.MinZoom < 0:
		return fmt.Errorf("min zoom %d must be >= 0: %w", o.MinZoom, models.ErrInvalidCriteria)
	case o.MaxZoom > maxSupportedZoom:
		return fmt.Errorf("max zoom %d exceeds %d: %w", o.MaxZoom, maxSupportedZoom, models.ErrInvalidCriteria)
	case o.MinZoom > o.MaxZoom:
		return fmt.Errorf("min zoom %d above max zoom %d: %w", o.MinZoom, o.MaxZoom, models.ErrInvalidCriteria)
	case o.MinPoints < 2:
		return fmt.Errorf("min points %d must be >= 2: %w", o.MinPoints, models.ErrInvalidCriteria)
	}
	return nil
}
