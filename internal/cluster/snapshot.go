package cluster

import (
	"sync/atomic"
	"time"

	"github.com/example/agromatch/internal/models"
	"github.com/example/agromatch/internal/observability"
)

// Snapshot holds the index currently served to readers. Rebuild swaps in a
// fresh index; readers holding the previous one keep a valid view.
type Snapshot struct {
	opts    Options
	current atomic.Pointer[Index]
}

func NewSnapshot(opts Options) (*Snapshot, error) {
	empty, err := New(nil, opts)
	if err != nil {
		return nil, err
	}
	s := &Snapshot{opts: opts}
	s.current.Store(empty)
	return s, nil
}

func (s *Snapshot) Current() *Index {
	return s.current.Load()
}

func (s *Snapshot) Rebuild(points []Point) (*Index, error) {
	start := time.Now()
	idx, err := New(points, s.opts)
	if err != nil {
		return nil, err
	}
	s.current.Store(idx)
	observability.ClusterBuilds.Inc()
	observability.ClusterBuildSeconds.Observe(time.Since(start).Seconds())
	observability.ClusterPoints.Set(float64(len(points)))
	return idx, nil
}

// PointsFromProfiles keeps the users that have a location.
func PointsFromProfiles(users []models.UserProfile) []Point {
	out := make([]Point, 0, len(users))
	for _, u := range users {
		if u.Location == nil {
			continue
		}
		out = append(out, Point{ID: u.ID, Location: *u.Location})
	}
	return out
}
