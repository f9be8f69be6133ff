package geo

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/agromatch/internal/models"
)

func pt(lat, lon float64) *models.GeoPoint { return &models.GeoPoint{Lat: lat, Lon: lon} }

func fixtureProfiles() []models.UserProfile {
	return []models.UserProfile{
		{ID: "buyer-near", Role: models.RoleBuyer, Location: pt(28.62, 77.21)},
		{ID: "buyer-far", Role: models.RoleBuyer, Location: pt(19.07, 72.87)},
		{ID: "buyer-nowhere", Role: models.RoleBuyer},
		{ID: "farmer-other", Role: models.RoleFarmer, Location: pt(28.61, 77.20)},
	}
}

var subject = models.UserProfile{ID: "farmer-1", Role: models.RoleFarmer, Location: pt(28.6139, 77.2090)}

func TestIndexCandidates(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	for _, u := range fixtureProfiles() {
		require.NoError(t, idx.Upsert(ctx, u))
	}

	got, err := idx.Candidates(ctx, subject, 50)
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, u := range got {
		ids = append(ids, u.ID)
	}
	// unlocated profiles are passed through, same-role and distant ones are not
	assert.Equal(t, []string{"buyer-near", "buyer-nowhere"}, ids)

	all, err := idx.Candidates(ctx, subject, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestIndexCandidatesRequiresLocatedSubject(t *testing.T) {
	_, err := NewIndex().Candidates(context.Background(), models.UserProfile{ID: "x", Role: models.RoleBuyer}, 10)
	assert.ErrorIs(t, err, models.ErrLocationUnavailable)
}

func TestIndexCandidatesHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewIndex().Candidates(ctx, subject, 10)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIndexAllSkipsUnlocated(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	for _, u := range fixtureProfiles() {
		require.NoError(t, idx.Upsert(ctx, u))
	}
	idx.Remove("buyer-far")
	all, err := idx.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "buyer-near", all[0].ID)
	assert.Equal(t, "farmer-other", all[1].ID)
}

func newTestRedisGeo(t *testing.T) *RedisGeo {
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return NewRedisGeoFromClient(c, "users_geo")
}

func TestRedisGeoCandidates(t *testing.T) {
	ctx := context.Background()
	rg := newTestRedisGeo(t)
	for _, u := range fixtureProfiles() {
		require.NoError(t, rg.Upsert(ctx, u))
	}
	require.NoError(t, rg.Upsert(ctx, models.UserProfile{
		ID: "buyer-tagged", Role: models.RoleBuyer, Location: pt(28.60, 77.22),
		PreferenceTags: []string{"wheat"},
		Ratings:        []models.Rating{{Value: 5}},
	}))

	got, err := rg.Candidates(ctx, subject, 50)
	require.NoError(t, err)
	require.Len(t, got, 2)
	byID := map[string]models.UserProfile{}
	for _, u := range got {
		byID[u.ID] = u
		require.NotNil(t, u.Location)
		assert.Equal(t, models.RoleBuyer, u.Role)
	}
	assert.Contains(t, byID, "buyer-near")
	assert.Equal(t, []string{"wheat"}, byID["buyer-tagged"].PreferenceTags)
	assert.InDelta(t, 5, byID["buyer-tagged"].AverageRating(), 1e-9)
}

func TestRedisGeoAll(t *testing.T) {
	ctx := context.Background()
	rg := newTestRedisGeo(t)
	for _, u := range fixtureProfiles() {
		require.NoError(t, rg.Upsert(ctx, u))
	}
	all, err := rg.All(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(all))
	for _, u := range all {
		ids = append(ids, u.ID)
	}
	assert.Equal(t, []string{"buyer-far", "buyer-near", "farmer-other"}, ids)
}

func TestRedisGeoSkipsUndecodableProfile(t *testing.T) {
	ctx := context.Background()
	rg := newTestRedisGeo(t)
	for _, u := range fixtureProfiles() {
		require.NoError(t, rg.Upsert(ctx, u))
	}
	require.NoError(t, rg.Upsert(ctx, models.UserProfile{ID: "buyer-corrupt", Role: models.RoleBuyer, Location: pt(28.61, 77.20)}))
	require.NoError(t, rg.Client().HSet(ctx, metaKey("buyer-corrupt"), "profile", "{not json").Err())
	require.NoError(t, rg.Client().GeoAdd(ctx, rg.roleKey(models.RoleBuyer), &redis.GeoLocation{Name: "buyer-bare", Latitude: 28.63, Longitude: 77.21}).Err())

	got, err := rg.Candidates(ctx, subject, 50)
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, u := range got {
		ids = append(ids, u.ID)
	}
	assert.NotContains(t, ids, "buyer-corrupt")
	assert.Contains(t, ids, "buyer-near")
	assert.Contains(t, ids, "buyer-bare", "members without metadata rank on location")
}
