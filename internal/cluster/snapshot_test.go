package cluster

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/agromatch/internal/models"
)

func TestSnapshotRebuildKeepsOldIndexUsable(t *testing.T) {
	snap, err := NewSnapshot(DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Current().Len())

	first, err := snap.Rebuild(randomPoints(30, 6))
	require.NoError(t, err)
	assert.Same(t, first, snap.Current())

	before, err := first.Query(world, 2)
	require.NoError(t, err)

	_, err = snap.Rebuild(randomPoints(80, 7))
	require.NoError(t, err)
	assert.Equal(t, 80, snap.Current().Len())

	after, err := first.Query(world, 2)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSnapshotRejectsBadOptions(t *testing.T) {
	_, err := NewSnapshot(Options{})
	assert.ErrorIs(t, err, models.ErrInvalidCriteria)
}

func TestPointsFromProfiles(t *testing.T) {
	users := []models.UserProfile{
		{ID: "a", Location: &models.GeoPoint{Lat: 1, Lon: 2}},
		{ID: "b"},
	}
	pts := PointsFromProfiles(users)
	require.Len(t, pts, 1)
	assert.Equal(t, "a", pts[0].ID)
}

func TestToGeoJSON(t *testing.T) {
	fc := ToGeoJSON([]Feature{
		{Type: FeatureCluster, ClusterID: 77, Count: 3, Point: models.GeoPoint{Lat: 10, Lon: 20}},
		{Type: FeatureLeaf, Count: 1, Point: models.GeoPoint{Lat: 1, Lon: 2}, SourceID: "u1"},
	})
	raw, err := json.Marshal(fc)
	require.NoError(t, err)

	var doc struct {
		Type     string `json:"type"`
		Features []struct {
			Geometry struct {
				Coordinates []float64 `json:"coordinates"`
			} `json:"geometry"`
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "FeatureCollection", doc.Type)
	require.Len(t, doc.Features, 2)
	assert.Equal(t, []float64{20, 10}, doc.Features[0].Geometry.Coordinates)
	assert.Equal(t, true, doc.Features[0].Properties["cluster"])
	assert.EqualValues(t, 3, doc.Features[0].Properties["point_count"])
	assert.Equal(t, "u1", doc.Features[1].Properties["id"])
}
