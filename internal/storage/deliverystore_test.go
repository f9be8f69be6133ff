package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/agromatch/internal/models"
)

func delivery(id string, at time.Time) models.TrackedDelivery {
	return models.TrackedDelivery{
		OrderID:         id,
		Pickup:          models.GeoPoint{Lat: 1, Lon: 1},
		Dropoff:         models.GeoPoint{Lat: 2, Lon: 2},
		CurrentPosition: models.GeoPoint{Lat: 1, Lon: 1},
		PositionAt:      at,
		Status:          models.StatusPending,
		CreatedAt:       at,
		UpdatedAt:       at,
	}
}

func TestMemoryStoreUpdatePositionIgnoresOlderWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save(ctx, delivery("o1", t0)))

	require.NoError(t, s.UpdatePosition(ctx, "o1", models.GeoPoint{Lat: 1.5, Lon: 1.5}, t0.Add(time.Minute)))
	require.NoError(t, s.UpdatePosition(ctx, "o1", models.GeoPoint{Lat: 9, Lon: 9}, t0.Add(30*time.Second)))
	require.NoError(t, s.UpdatePosition(ctx, "o1", models.GeoPoint{Lat: 8, Lon: 8}, t0.Add(time.Minute)))

	got, err := s.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.GeoPoint{Lat: 1.5, Lon: 1.5}, got.CurrentPosition)
	assert.Equal(t, t0.Add(time.Minute), got.PositionAt)
}

func TestMemoryStoreMissingOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "nope")
	assert.ErrorIs(t, err, models.ErrDeliveryNotFound)
	assert.ErrorIs(t, s.UpdatePosition(ctx, "nope", models.GeoPoint{}, time.Now()), models.ErrDeliveryNotFound)
	assert.ErrorIs(t, s.UpdateStatus(ctx, "nope", models.StatusInTransit, time.Now()), models.ErrDeliveryNotFound)
	assert.ErrorIs(t, s.Archive(ctx, "nope"), models.ErrDeliveryNotFound)
}

func TestMemoryStoreArchiveHidesFromActive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()
	for _, id := range []string{"o3", "o1", "o2"} {
		require.NoError(t, s.Save(ctx, delivery(id, now)))
	}
	require.NoError(t, s.UpdateStatus(ctx, "o2", models.StatusDelivered, now))
	require.NoError(t, s.Archive(ctx, "o2"))

	active, err := s.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "o1", active[0].OrderID)
	assert.Equal(t, "o3", active[1].OrderID)

	archived, err := s.Get(ctx, "o2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, archived.Status)
}

func TestPostgresCandidatesRequiresSubjectLocation(t *testing.T) {
	p := NewPostgresCandidates(nil)
	_, err := p.Candidates(context.Background(), models.UserProfile{ID: "u1", Role: models.RoleBuyer}, 10)
	assert.ErrorIs(t, err, models.ErrLocationUnavailable)
}
