package models

import "errors"

var (
	ErrLocationUnavailable = errors.New("location unavailable")
	ErrRouteUnavailable    = errors.New("route unavailable")
	ErrInvalidCriteria     = errors.New("invalid criteria")
	ErrProviderTimeout     = errors.New("routing provider timeout")

	ErrInvalidLatitude  = errors.New("latitude must be between -90 and 90")
	ErrInvalidLongitude = errors.New("longitude must be between -180 and 180")

	ErrDeliveryNotFound  = errors.New("delivery not found")
	ErrInvalidTransition = errors.New("invalid delivery status transition")
	ErrStaleUpdate       = errors.New("stale position update")
	ErrClusterNotFound   = errors.New("cluster not found")
)
