package routing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/agromatch/internal/geo"
	"github.com/example/agromatch/internal/logging"
	"github.com/example/agromatch/internal/models"
)

type fakeProvider struct {
	calls int
	route models.RouteResult
	err   error
}

func (f *fakeProvider) Route(ctx context.Context, start, end models.GeoPoint) (models.RouteResult, error) {
	f.calls++
	return f.route, f.err
}

func sampleRoute() models.RouteResult {
	return models.RouteResult{
		Polyline:        []models.GeoPoint{delhi, gurgaon},
		DistanceMeters:  31000,
		DurationSeconds: 2700,
		Steps:           []models.RouteStep{{Instruction: "Depart", DistanceMeters: 31000, DurationSeconds: 2700}},
	}
}

func TestRouterCachesSuccess(t *testing.T) {
	p := &fakeProvider{route: sampleRoute()}
	r := NewRouter(p, NewMemoryCache(time.Minute), logging.Discard())

	first, err := r.Route(context.Background(), delhi, gurgaon)
	require.NoError(t, err)
	second, err := r.Route(context.Background(), delhi, gurgaon)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, p.calls)
}

func TestRouterDoesNotCacheOrDisguiseFailures(t *testing.T) {
	p := &fakeProvider{err: fmt.Errorf("osrm NoRoute: %w", models.ErrRouteUnavailable)}
	r := NewRouter(p, NewMemoryCache(time.Minute), logging.Discard())

	for i := 0; i < 2; i++ {
		route, err := r.Route(context.Background(), delhi, newYork)
		assert.ErrorIs(t, err, models.ErrRouteUnavailable)
		assert.Zero(t, route.DistanceMeters)
	}
	assert.Equal(t, 2, p.calls)
}

func TestRouterRejectsInvalidCoordinates(t *testing.T) {
	p := &fakeProvider{route: sampleRoute()}
	r := NewRouter(p, nil, logging.Discard())

	_, err := r.Route(context.Background(), models.GeoPoint{Lat: 95}, gurgaon)
	assert.ErrorIs(t, err, models.ErrInvalidCriteria)
	assert.ErrorIs(t, err, models.ErrInvalidLatitude)

	_, err = r.Route(context.Background(), delhi, models.GeoPoint{Lon: -181})
	assert.ErrorIs(t, err, models.ErrInvalidCriteria)
	assert.Equal(t, 0, p.calls)
}

func TestRouterCanceledBeforeCall(t *testing.T) {
	p := &fakeProvider{route: sampleRoute()}
	cache := NewMemoryCache(time.Minute)
	r := NewRouter(p, cache, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Route(ctx, delhi, gurgaon)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, p.calls)
	_, ok := cache.Get(context.Background(), delhi, gurgaon)
	assert.False(t, ok)
}

func TestMemoryCacheExpires(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set(context.Background(), delhi, gurgaon, sampleRoute())
	_, ok := c.Get(context.Background(), delhi, gurgaon)
	assert.True(t, ok)
	_, ok = c.Get(context.Background(), gurgaon, delhi)
	assert.False(t, ok, "direction matters")

	now = now.Add(2 * time.Minute)
	_, ok = c.Get(context.Background(), delhi, gurgaon)
	assert.False(t, ok)
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCache(client, 90*time.Second, logging.Discard())
	ctx := context.Background()

	_, ok := c.Get(ctx, delhi, gurgaon)
	assert.False(t, ok)

	c.Set(ctx, delhi, gurgaon, sampleRoute())
	got, ok := c.Get(ctx, delhi, gurgaon)
	require.True(t, ok)
	assert.Equal(t, sampleRoute(), got)

	key := "route:" + keyFor(delhi, gurgaon)
	assert.True(t, mr.Exists(key))
	assert.Equal(t, 90*time.Second, mr.TTL(key))

	require.NoError(t, mr.Set(key, "{not json"))
	_, ok = c.Get(ctx, delhi, gurgaon)
	assert.False(t, ok)
}

func TestStraightLineIsDegraded(t *testing.T) {
	est := StraightLine(delhi, gurgaon, 10)
	assert.True(t, est.Degraded)
	assert.InDelta(t, geo.Distance(delhi, gurgaon), est.DistanceMeters, 1e-9)
	assert.InDelta(t, est.DistanceMeters/10, est.DurationSeconds, 1e-9)

	assert.InDelta(t, est.DistanceMeters/defaultSpeedMps, StraightLine(delhi, gurgaon, 0).DurationSeconds, 1e-9)
}
