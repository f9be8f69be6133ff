package cluster

// FeatureCollection is the GeoJSON document served to map clients.
type FeatureCollection struct {
	Type     string           `json:"type"`
	Features []GeoJSONFeature `json:"features"`
}

type GeoJSONFeature struct {
	Type       string         `json:"type"`
	Geometry   Geometry       `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

type Geometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"` // [lon, lat]
}

// ToGeoJSON renders features as GeoJSON points. Clusters carry cluster,
// cluster_id and point_count properties; leaves carry id.
func ToGeoJSON(features []Feature) FeatureCollection {
	fc := FeatureCollection{Type: "FeatureCollection", Features: make([]GeoJSONFeature, 0, len(features))}
	for _, f := range features {
		props := map[string]any{}
		if f.Type == FeatureCluster {
			props["cluster"] = true
			props["cluster_id"] = f.ClusterID
			props["point_count"] = f.Count
		} else {
			props["cluster"] = false
			props["id"] = f.SourceID
		}
		fc.Features = append(fc.Features, GeoJSONFeature{
			Type:       "Feature",
			Geometry:   Geometry{Type: "Point", Coordinates: []float64{f.Point.Lon, f.Point.Lat}},
			Properties: props,
		})
	}
	return fc
}
