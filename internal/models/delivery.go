package models

import "time"

type RouteStep struct {
	Instruction     string     `json:"instruction"`
	DistanceMeters  float64    `json:"distance_meters"`
	DurationSeconds float64    `json:"duration_seconds"`
	Polyline        []GeoPoint `json:"polyline"`
}

type RouteResult struct {
	Polyline        []GeoPoint  `json:"polyline"`
	DistanceMeters  float64     `json:"distance_meters"`
	DurationSeconds float64     `json:"duration_seconds"`
	Steps           []RouteStep `json:"steps"`
}

type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusPickedUp  DeliveryStatus = "picked_up"
	StatusInTransit DeliveryStatus = "in_transit"
	StatusDelivered DeliveryStatus = "delivered"
)

var statusRank = map[DeliveryStatus]int{
	StatusPending:   0,
	StatusPickedUp:  1,
	StatusInTransit: 2,
	StatusDelivered: 3,
}

func (s DeliveryStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanTransition reports whether a delivery may move from s to next. Status only moves forward.
func (s DeliveryStatus) CanTransition(next DeliveryStatus) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

type TrackedDelivery struct {
	OrderID         string         `json:"order_id"`
	Pickup          GeoPoint       `json:"pickup"`
	Dropoff         GeoPoint       `json:"dropoff"`
	CurrentPosition GeoPoint       `json:"current_position"`
	PositionAt      time.Time      `json:"position_at"`
	Route           RouteResult    `json:"route"`
	Status          DeliveryStatus `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// PositionUpdate is one event from the position push channel.
type PositionUpdate struct {
	OrderID   string    `json:"order_id"`
	Lat       float64   `json:"latitude"`
	Lon       float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

func (u PositionUpdate) Point() GeoPoint { return GeoPoint{Lat: u.Lat, Lon: u.Lon} }

type ETA struct {
	OrderID         string    `json:"order_id"`
	DistanceMeters  float64   `json:"distance_meters"`
	DurationSeconds float64   `json:"duration_seconds"`
	ETA             time.Time `json:"eta"`
	ComputedAt      time.Time `json:"computed_at"`
}
