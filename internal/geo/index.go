package geo

import (
	"context"
	"sort"
	"sync"

	"github.com/example/agromatch/internal/models"
)

// Index is an in-memory candidate source over user profiles.
type Index struct {
	mu    sync.RWMutex
	users map[string]models.UserProfile
}

func NewIndex() *Index {
	return &Index{users: make(map[string]models.UserProfile)}
}

func (g *Index) Upsert(ctx context.Context, u models.UserProfile) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.users[u.ID] = u
	return nil
}

func (g *Index) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.users, id)
}

// All returns every located profile ordered by id.
func (g *Index) All(ctx context.Context) ([]models.UserProfile, error) {
	g.mu.RLock()
	out := make([]models.UserProfile, 0, len(g.users))
	for _, u := range g.users {
		if u.Location != nil {
			out = append(out, u)
		}
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Candidates returns counterpart-role profiles within radiusKm of the subject.
// Profiles without coordinates are passed through so the matcher can account for them.
// A non-positive radius disables the distance prefilter.
func (g *Index) Candidates(ctx context.Context, subject models.UserProfile, radiusKm float64) ([]models.UserProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if subject.Location == nil {
		return nil, models.ErrLocationUnavailable
	}

	var box *models.BoundingBox
	if radiusKm > 0 {
		b, err := BoundingBoxAround(*subject.Location, radiusKm)
		if err != nil {
			return nil, err
		}
		box = &b
	}

	want := subject.Role.Counterpart()
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.UserProfile, 0)
	for _, u := range g.users {
		if u.ID == subject.ID || u.Role != want {
			continue
		}
		if u.Location != nil && box != nil {
			// coarse box filter first, exact distance second
			if !box.Contains(*u.Location) || DistanceKm(*subject.Location, *u.Location) > radiusKm {
				continue
			}
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
