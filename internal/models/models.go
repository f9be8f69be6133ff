package models

import (
	"fmt"
	"time"
)

// GeoPoint is a WGS84 coordinate in degrees.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate checks the coordinate ranges.
func (p GeoPoint) Validate() error {
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: %f", ErrInvalidLatitude, p.Lat)
	}
	if p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("%w: %f", ErrInvalidLongitude, p.Lon)
	}
	return nil
}

// BoundingBox is a lat/lon rectangle. MinLon > MaxLon means the box crosses the antimeridian.
type BoundingBox struct {
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLon float64 `json:"max_lon"`
}

func (b BoundingBox) Contains(p GeoPoint) bool {
	if p.Lat < b.MinLat || p.Lat > b.MaxLat {
		return false
	}
	if b.MinLon <= b.MaxLon {
		return p.Lon >= b.MinLon && p.Lon <= b.MaxLon
	}
	return p.Lon >= b.MinLon || p.Lon <= b.MaxLon
}

type Role string

const (
	RoleFarmer Role = "farmer"
	RoleBuyer  Role = "buyer"
)

func (r Role) Valid() bool { return r == RoleFarmer || r == RoleBuyer }

// Counterpart returns the role a user of r trades with.
func (r Role) Counterpart() Role {
	if r == RoleFarmer {
		return RoleBuyer
	}
	return RoleFarmer
}

type Rating struct {
	Value float64   `json:"rating"` // 1..5
	At    time.Time `json:"timestamp"`
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
)

type OrderRecord struct {
	ID              string      `json:"id"`
	CounterpartID   string      `json:"counterpart_id"`
	CounterpartRole Role        `json:"counterpart_role"`
	Status          OrderStatus `json:"status"`
	CompletedAt     time.Time   `json:"completed_at,omitempty"`
}

// UserProfile is a read-only snapshot of a marketplace user.
// A nil Location means the backend has no coordinates for the user.
type UserProfile struct {
	ID             string        `json:"id"`
	Role           Role          `json:"role"`
	Location       *GeoPoint     `json:"location,omitempty"`
	Ratings        []Rating      `json:"rating_history,omitempty"`
	Orders         []OrderRecord `json:"orders,omitempty"`
	PreferenceTags []string      `json:"preference_tags,omitempty"`
}

// AverageRating is the mean of the rating history, 0 when there is none.
func (u UserProfile) AverageRating() float64 {
	if len(u.Ratings) == 0 {
		return 0
	}
	var sum float64
	for _, r := range u.Ratings {
		sum += r.Value
	}
	return sum / float64(len(u.Ratings))
}

// CompletedOrdersWith counts completed orders whose counterpart had the given role.
func (u UserProfile) CompletedOrdersWith(role Role) int {
	n := 0
	for _, o := range u.Orders {
		if o.Status == OrderCompleted && o.CounterpartRole == role {
			n++
		}
	}
	return n
}

// MatchingCriteria lists every option the matcher recognises. Nil pointers are unset.
type MatchingCriteria struct {
	MaxDistanceKm  *float64 `json:"max_distance_km,omitempty"`
	PreferredCrops []string `json:"preferred_crops,omitempty"`
	MinRating      *float64 `json:"min_rating,omitempty"`
	// OrderHistoryWeight is accepted and validated but not applied to the score yet.
	OrderHistoryWeight *float64 `json:"order_history_weight,omitempty"`
	Limit              int      `json:"limit,omitempty"`
}

func (c MatchingCriteria) Validate() error {
	if c.MaxDistanceKm != nil && *c.MaxDistanceKm <= 0 {
		return fmt.Errorf("%w: max_distance_km must be > 0", ErrInvalidCriteria)
	}
	if c.MinRating != nil && (*c.MinRating < 0 || *c.MinRating > 5) {
		return fmt.Errorf("%w: min_rating must be within [0,5]", ErrInvalidCriteria)
	}
	if c.OrderHistoryWeight != nil && *c.OrderHistoryWeight < 0 {
		return fmt.Errorf("%w: order_history_weight must be >= 0", ErrInvalidCriteria)
	}
	if c.Limit < 0 {
		return fmt.Errorf("%w: limit must be >= 0", ErrInvalidCriteria)
	}
	return nil
}

type MatchResult struct {
	SubjectID      string   `json:"subject_id"`
	CandidateID    string   `json:"candidate_id"`
	Role           Role     `json:"role"`
	Score          float64  `json:"score"`
	Reasons        []string `json:"reasons"`
	DistanceMeters float64  `json:"distance_meters"`
}
