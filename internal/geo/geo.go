package geo

import (
	"fmt"
	"math"

	"github.com/example/agromatch/internal/models"
)

const (
	earthRadiusMeters = 6371000.0
	// kmPerDegreeLat is the length of one degree of latitude.
	kmPerDegreeLat = 111.32
)

// Distance is the great-circle distance in meters.
func Distance(a, b models.GeoPoint) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

func DistanceKm(a, b models.GeoPoint) float64 {
	return Distance(a, b) / 1000
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	// rounding can push a slightly above 1 for antipodal points
	a = math.Min(1, a)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Bearing is the initial great-circle bearing from a to b, in degrees within [0,360).
func Bearing(a, b models.GeoPoint) float64 {
	lat1, lat2 := toRad(a.Lat), toRad(b.Lat)
	dLon := toRad(b.Lon - a.Lon)
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	deg := toDeg(math.Atan2(y, x))
	return math.Mod(deg+360, 360)
}

// BoundingBoxAround derives the box enclosing a circle of radiusKm around center.
// The longitude span widens with latitude to account for meridian convergence.
// A non-positive radius yields a degenerate box and ErrInvalidCriteria.
func BoundingBoxAround(center models.GeoPoint, radiusKm float64) (models.BoundingBox, error) {
	if radiusKm <= 0 {
		box := models.BoundingBox{MinLat: center.Lat, MaxLat: center.Lat, MinLon: center.Lon, MaxLon: center.Lon}
		return box, fmt.Errorf("%w: radius_km must be > 0, got %f", models.ErrInvalidCriteria, radiusKm)
	}
	dLat := radiusKm / kmPerDegreeLat

	box := models.BoundingBox{
		MinLat: math.Max(-90, center.Lat-dLat),
		MaxLat: math.Min(90, center.Lat+dLat),
		MinLon: -180,
		MaxLon: 180,
	}

	cosLat := math.Cos(toRad(center.Lat))
	if cosLat < 1e-9 || box.MinLat == -90 || box.MaxLat == 90 {
		return box, nil
	}
	dLon := dLat / cosLat
	if dLon >= 180 {
		return box, nil
	}
	box.MinLon = wrapLon(center.Lon - dLon)
	box.MaxLon = wrapLon(center.Lon + dLon)
	return box, nil
}

func wrapLon(lon float64) float64 {
	if lon < -180 {
		return lon + 360
	}
	if lon > 180 {
		return lon - 360
	}
	return lon
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
func toDeg(rad float64) float64 { return rad * 180 / math.Pi }
