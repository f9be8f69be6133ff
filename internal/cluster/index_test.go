package cluster

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/agromatch/internal/models"
)

var world = models.BoundingBox{MinLat: -90, MaxLat: 90, MinLon: -180, MaxLon: 180}

func randomPoints(n int, seed int64) []Point {
	rng := rand.New(rand.NewSource(seed))
	pts := make([]Point, n)
	for i := range pts {
		pts[i] = Point{
			ID: fmt.Sprintf("u%03d", i),
			Location: models.GeoPoint{
				Lat: 8 + rng.Float64()*28,
				Lon: 68 + rng.Float64()*29,
			},
		}
	}
	return pts
}

func ids(pts []Point) []string {
	out := make([]string, len(pts))
	for i, p := range pts {
		out[i] = p.ID
	}
	sort.Strings(out)
	return out
}

func TestEveryPointReachableExactlyOncePerZoom(t *testing.T) {
	pts := randomPoints(400, 1)
	idx, err := New(pts, DefaultOptions())
	require.NoError(t, err)
	want := ids(pts)

	for z := 0; z <= 17; z++ {
		features, err := idx.Query(world, z)
		require.NoError(t, err)

		var got []string
		total := 0
		for _, f := range features {
			total += f.Count
			if f.Type == FeatureLeaf {
				got = append(got, f.SourceID)
				continue
			}
			leaves, err := idx.LeavesOf(f.ClusterID, 0, 0)
			require.NoError(t, err)
			require.Len(t, leaves, f.Count, "zoom %d cluster %d", z, f.ClusterID)
			for _, l := range leaves {
				got = append(got, l.SourceID)
			}
		}
		sort.Strings(got)
		assert.Equal(t, want, got, "zoom %d", z)
		assert.Equal(t, len(pts), total, "zoom %d", z)
	}
}

func TestQueryIsIdempotent(t *testing.T) {
	idx, err := New(randomPoints(200, 2), DefaultOptions())
	require.NoError(t, err)
	box := models.BoundingBox{MinLat: 10, MaxLat: 30, MinLon: 70, MaxLon: 90}
	for _, z := range []int{0, 4, 9, 20} {
		a, err := idx.Query(box, z)
		require.NoError(t, err)
		b, err := idx.Query(box, z)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}
}

func TestExpandMatchesDeeperQuery(t *testing.T) {
	idx, err := New(randomPoints(300, 3), DefaultOptions())
	require.NoError(t, err)

	for _, z := range []int{0, 3, 6} {
		top, err := idx.Query(world, z)
		require.NoError(t, err)
		for _, c := range top {
			if c.Type != FeatureCluster {
				continue
			}
			kids, err := idx.Expand(c.ClusterID)
			require.NoError(t, err)
			require.GreaterOrEqual(t, len(kids), 2)

			sum := 0
			for _, k := range kids {
				sum += k.Count
			}
			assert.Equal(t, c.Count, sum)

			ez, err := idx.ExpansionZoom(c.ClusterID)
			require.NoError(t, err)
			assert.Greater(t, ez, z)

			deeper, err := idx.Query(world, ez)
			require.NoError(t, err)
			for _, k := range kids {
				assert.Contains(t, deeper, k)
			}
			assert.NotContains(t, deeper, c)
		}
	}
}

func TestNearbyPairSplitsAtExpansionZoom(t *testing.T) {
	pts := []Point{
		{ID: "a", Location: models.GeoPoint{Lat: 0, Lon: 0}},
		{ID: "b", Location: models.GeoPoint{Lat: 0, Lon: 0.001}},
	}
	idx, err := New(pts, DefaultOptions())
	require.NoError(t, err)

	low, err := idx.Query(world, 0)
	require.NoError(t, err)
	require.Len(t, low, 1)
	assert.Equal(t, FeatureCluster, low[0].Type)
	assert.Equal(t, 2, low[0].Count)
	assert.InDelta(t, 0.0005, low[0].Point.Lon, 1e-9)
	assert.InDelta(t, 0, low[0].Point.Lat, 1e-9)

	ez, err := idx.ExpansionZoom(low[0].ClusterID)
	require.NoError(t, err)
	assert.Equal(t, 16, ez)

	high, err := idx.Query(world, 16)
	require.NoError(t, err)
	require.Len(t, high, 2)
	assert.Equal(t, "a", high[0].SourceID)
	assert.Equal(t, "b", high[1].SourceID)
}

func TestLeavesOfPages(t *testing.T) {
	pts := make([]Point, 10)
	for i := range pts {
		pts[i] = Point{ID: fmt.Sprintf("p%d", i), Location: models.GeoPoint{Lat: 20 + float64(i)*1e-4, Lon: 78}}
	}
	idx, err := New(pts, DefaultOptions())
	require.NoError(t, err)
	top, err := idx.Query(world, 0)
	require.NoError(t, err)
	require.Len(t, top, 1)
	id := top[0].ClusterID

	var seen []string
	for offset := 0; offset < 12; offset += 4 {
		page, err := idx.LeavesOf(id, 4, offset)
		require.NoError(t, err)
		for _, l := range page {
			seen = append(seen, l.SourceID)
		}
	}
	sort.Strings(seen)
	assert.Equal(t, ids(pts), seen)

	last, err := idx.LeavesOf(id, 4, 8)
	require.NoError(t, err)
	assert.Len(t, last, 2)

	_, err = idx.LeavesOf(id, 4, -1)
	assert.ErrorIs(t, err, models.ErrInvalidCriteria)
}

func TestQueryAcrossAntimeridian(t *testing.T) {
	pts := []Point{
		{ID: "east", Location: models.GeoPoint{Lat: 0, Lon: 179.9}},
		{ID: "west", Location: models.GeoPoint{Lat: 0.5, Lon: -179.9}},
		{ID: "greenwich", Location: models.GeoPoint{Lat: 0, Lon: 0}},
	}
	idx, err := New(pts, DefaultOptions())
	require.NoError(t, err)

	got, err := idx.Query(models.BoundingBox{MinLat: -1, MaxLat: 1, MinLon: 179, MaxLon: -179}, 17)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "east", got[0].SourceID)
	assert.Equal(t, "west", got[1].SourceID)
}

func TestInvalidInputs(t *testing.T) {
	for name, mutate := range map[string]func(*Options){
		"zero radius":     func(o *Options) { o.Radius = 0 },
		"zero extent":     func(o *Options) { o.Extent = 0 },
		"negative zoom":   func(o *Options) { o.MinZoom = -1 },
		"zoom too deep":   func(o *Options) { o.MaxZoom = 31 },
		"inverted zooms":  func(o *Options) { o.MinZoom, o.MaxZoom = 5, 4 },
		"min points one":  func(o *Options) { o.MinPoints = 1 },
	} {
		t.Run(name, func(t *testing.T) {
			opts := DefaultOptions()
			mutate(&opts)
			_, err := New(nil, opts)
			assert.ErrorIs(t, err, models.ErrInvalidCriteria)
		})
	}

	_, err := New([]Point{{ID: "bad", Location: models.GeoPoint{Lat: 91}}}, DefaultOptions())
	assert.ErrorIs(t, err, models.ErrInvalidCriteria)
	assert.ErrorIs(t, err, models.ErrInvalidLatitude)

	idx, err := New(randomPoints(20, 4), DefaultOptions())
	require.NoError(t, err)
	_, err = idx.Query(world, -1)
	assert.ErrorIs(t, err, models.ErrInvalidCriteria)
	_, err = idx.Query(models.BoundingBox{MinLat: 10, MaxLat: -10, MinLon: 0, MaxLon: 1}, 3)
	assert.ErrorIs(t, err, models.ErrInvalidCriteria)
}

func TestUnknownClusterID(t *testing.T) {
	idx, err := New(randomPoints(50, 5), DefaultOptions())
	require.NoError(t, err)

	for _, id := range []int{-1, 0, 49, 1 << 30} {
		_, err := idx.Expand(id)
		assert.ErrorIs(t, err, models.ErrClusterNotFound, "id %d", id)
		_, err = idx.LeavesOf(id, 10, 0)
		assert.ErrorIs(t, err, models.ErrClusterNotFound, "id %d", id)
		_, err = idx.ExpansionZoom(id)
		assert.ErrorIs(t, err, models.ErrClusterNotFound, "id %d", id)
	}
}

func TestEmptyIndex(t *testing.T) {
	idx, err := New(nil, DefaultOptions())
	require.NoError(t, err)
	got, err := idx.Query(world, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}
