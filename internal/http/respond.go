package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/agromatch/internal/models"
	"github.com/example/agromatch/internal/routing"
)

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// routeFailure is returned when no road route could be computed. The
// fallback is the straight-line estimate and is always flagged degraded.
type routeFailure struct {
	State     string           `json:"state"`
	Error     string           `json:"error"`
	Fallback  routing.Estimate `json:"fallback"`
	RequestID string           `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidCriteria),
		errors.Is(err, models.ErrInvalidLatitude),
		errors.Is(err, models.ErrInvalidLongitude):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrLocationUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrDeliveryNotFound), errors.Is(err, models.ErrClusterNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrStaleUpdate), errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, models.ErrRouteUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrProviderTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	rid := requestIDFromContext(r.Context())
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request_failed", "request_id", rid, "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, RequestID: rid})
}

// writeRouteError answers routing failures with an explicit degraded
// estimate between start and end; other errors go through writeError.
func (s *Server) writeRouteError(w http.ResponseWriter, r *http.Request, err error, start, end models.GeoPoint) {
	var state string
	switch {
	case errors.Is(err, models.ErrRouteUnavailable):
		state = "route_unavailable"
	case errors.Is(err, models.ErrProviderTimeout):
		state = "provider_timeout"
	default:
		s.writeError(w, r, err)
		return
	}
	s.logger.Warn("route_degraded", "request_id", requestIDFromContext(r.Context()), "state", state, "error", err)
	writeJSON(w, statusFor(err), routeFailure{
		State:     state,
		Error:     err.Error(),
		Fallback:  routing.StraightLine(start, end, s.FallbackSpeedMps),
		RequestID: requestIDFromContext(r.Context()),
	})
}
