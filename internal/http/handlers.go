package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/agromatch/internal/cluster"
	"github.com/example/agromatch/internal/dispatch"
	"github.com/example/agromatch/internal/matcher"
	"github.com/example/agromatch/internal/models"
	"github.com/example/agromatch/internal/routing"
	"github.com/example/agromatch/internal/tracking"
)

const maxBodyBytes = 1 << 20

// UserDirectory is a candidate source that can also be written to and listed.
type UserDirectory interface {
	matcher.CandidateSource
	Upsert(ctx context.Context, u models.UserProfile) error
	All(ctx context.Context) ([]models.UserProfile, error)
}

// PositionPublisher forwards pushed positions to the position feed.
type PositionPublisher interface {
	PublishPosition(ctx context.Context, u models.PositionUpdate) error
}

// Deps are the services behind the API. Publisher may be nil, in which case
// pushed positions are applied to the tracker directly.
type Deps struct {
	Users     UserDirectory
	Matcher   *matcher.Service
	Clusters  *cluster.Snapshot
	Router    routing.Provider
	Tracker   *tracking.Tracker
	Hub       *dispatch.Hub
	Stream    *dispatch.ETAStream
	Publisher PositionPublisher

	FallbackSpeedMps float64
	// Ready reports backend health for /readyz; nil means always ready.
	Ready func(ctx context.Context) error
}

type Server struct {
	Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(d Deps, logger *slog.Logger) *Server {
	s := &Server{Deps: d, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/matches", s.handleMatches).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/users", s.handleUpsertUser).Methods(http.MethodPut)

	s.mux.HandleFunc("/api/v1/clusters", s.handleClusters).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/clusters/{id:[0-9]+}/children", s.handleClusterChildren).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/clusters/{id:[0-9]+}/leaves", s.handleClusterLeaves).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/clusters/{id:[0-9]+}/expansion-zoom", s.handleExpansionZoom).Methods(http.MethodGet)

	s.mux.HandleFunc("/api/v1/routes", s.handleRoute).Methods(http.MethodPost)

	s.mux.HandleFunc("/api/v1/deliveries", s.handleTrack).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/deliveries", s.handleListDeliveries).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/deliveries/{id}", s.handleGetDelivery).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/deliveries/{id}/eta", s.handleETA).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/deliveries/{id}/status", s.handleStatus).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/positions", s.handlePosition).Methods(http.MethodPost)
	s.mux.HandleFunc("/ws/deliveries/{id}", s.handleWS).Methods(http.MethodGet)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type matchRequest struct {
	Subject  models.UserProfile      `json:"subject"`
	Criteria models.MatchingCriteria `json:"criteria"`
}

func (s *Server) handleMatches(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Subject.Location != nil {
		if err := req.Subject.Location.Validate(); err != nil {
			s.writeError(w, r, fmt.Errorf("subject location: %w: %w", models.ErrInvalidCriteria, err))
			return
		}
	}
	results, err := s.Matcher.RankFor(r.Context(), req.Subject, req.Criteria)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if results == nil {
		results = []models.MatchResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"subject_id": req.Subject.ID, "matches": results})
}

func (s *Server) handleUpsertUser(w http.ResponseWriter, r *http.Request) {
	var u models.UserProfile
	if !s.decode(w, r, &u) {
		return
	}
	if err := validateProfile(u); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Users.Upsert(r.Context(), u); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func validateProfile(u models.UserProfile) error {
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("user id required: %w", models.ErrInvalidCriteria)
	}
	if !u.Role.Valid() {
		return fmt.Errorf("role %q: %w", u.Role, models.ErrInvalidCriteria)
	}
	if u.Location != nil {
		if err := u.Location.Validate(); err != nil {
			return fmt.Errorf("user %s: %w: %w", u.ID, models.ErrInvalidCriteria, err)
		}
	}
	for _, rt := range u.Ratings {
		if rt.Value < 0 || rt.Value > 5 {
			return fmt.Errorf("user %s rating %v: %w", u.ID, rt.Value, models.ErrInvalidCriteria)
		}
	}
	return nil
}

func (s *Server) handleClusters(w http.ResponseWriter, r *http.Request) {
	bbox, err := parseBBox(r.URL.Query().Get("bbox"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	zoom, err := intParam(r, "zoom", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	features, err := s.Clusters.Current().Query(bbox, zoom)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster.ToGeoJSON(features))
}

// parseBBox reads "minLon,minLat,maxLon,maxLat". An empty value is the world.
func parseBBox(raw string) (models.BoundingBox, error) {
	if raw == "" {
		return models.BoundingBox{MinLat: -90, MaxLat: 90, MinLon: -180, MaxLon: 180}, nil
	}
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return models.BoundingBox{}, fmt.Errorf("bbox %q needs 4 values: %w", raw, models.ErrInvalidCriteria)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return models.BoundingBox{}, fmt.Errorf("bbox %q: %w", raw, models.ErrInvalidCriteria)
		}
		v[i] = f
	}
	return models.BoundingBox{MinLon: v[0], MinLat: v[1], MaxLon: v[2], MaxLat: v[3]}, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s=%q: %w", name, raw, models.ErrInvalidCriteria)
	}
	return n, nil
}

func clusterID(r *http.Request) (int, error) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		return 0, fmt.Errorf("cluster id: %w", models.ErrInvalidCriteria)
	}
	return id, nil
}

func (s *Server) handleClusterChildren(w http.ResponseWriter, r *http.Request) {
	id, err := clusterID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	features, err := s.Clusters.Current().Expand(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster.ToGeoJSON(features))
}

func (s *Server) handleClusterLeaves(w http.ResponseWriter, r *http.Request) {
	id, err := clusterID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := intParam(r, "limit", 10)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	features, err := s.Clusters.Current().LeavesOf(id, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster.ToGeoJSON(features))
}

func (s *Server) handleExpansionZoom(w http.ResponseWriter, r *http.Request) {
	id, err := clusterID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	zoom, err := s.Clusters.Current().ExpansionZoom(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cluster_id": id, "expansion_zoom": zoom})
}

type routeRequest struct {
	Start models.GeoPoint `json:"start"`
	End   models.GeoPoint `json:"end"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if !s.decode(w, r, &req) {
		return
	}
	route, err := s.Router.Route(r.Context(), req.Start, req.End)
	if err != nil {
		s.writeRouteError(w, r, err, req.Start, req.End)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

type trackRequest struct {
	OrderID string           `json:"order_id"`
	Pickup  models.GeoPoint  `json:"pickup"`
	Dropoff models.GeoPoint  `json:"dropoff"`
	Current *models.GeoPoint `json:"current,omitempty"`
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if !s.decode(w, r, &req) {
		return
	}
	current := req.Pickup
	if req.Current != nil {
		current = *req.Current
	}
	d, err := s.Tracker.Track(r.Context(), req.OrderID, req.Pickup, req.Dropoff, current)
	if err != nil {
		s.writeRouteError(w, r, err, req.Pickup, req.Dropoff)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": s.Tracker.List()})
}

func (s *Server) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := s.Tracker.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleETA(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	eta, err := s.Tracker.TrackedETA(r.Context(), id)
	if err != nil {
		d, gerr := s.Tracker.Get(id)
		if gerr != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeRouteError(w, r, err, d.CurrentPosition, d.Dropoff)
		return
	}
	writeJSON(w, http.StatusOK, eta)
}

type statusRequest struct {
	Status models.DeliveryStatus `json:"status"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !s.decode(w, r, &req) {
		return
	}
	d, err := s.Tracker.Advance(r.Context(), mux.Vars(r)["id"], req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	var u models.PositionUpdate
	if !s.decode(w, r, &u) {
		return
	}
	if u.OrderID == "" || u.Timestamp.IsZero() {
		s.writeError(w, r, fmt.Errorf("order_id and timestamp required: %w", models.ErrInvalidCriteria))
		return
	}
	if err := u.Point().Validate(); err != nil {
		s.writeError(w, r, fmt.Errorf("position: %w: %w", models.ErrInvalidCriteria, err))
		return
	}
	if s.Publisher != nil {
		if err := s.Publisher.PublishPosition(r.Context(), u); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"order_id": u.OrderID, "state": "queued"})
		return
	}
	d, err := s.Tracker.Apply(r.Context(), u)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.Tracker.Get(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "order_id", id, "error", err)
		return
	}
	session := s.Hub.Add(id, conn)
	detach := s.Stream.Attach(id)
	s.logger.Info("ws_connected", "order_id", id, "request_id", requestIDFromContext(r.Context()))

	go session.WritePump()
	session.ReadPump()

	s.Hub.Remove(session)
	detach()
	s.logger.Info("ws_disconnected", "order_id", id)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			s.logger.Warn("not_ready", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.writeError(w, r, fmt.Errorf("decode body: %w: %w", models.ErrInvalidCriteria, err))
		return false
	}
	return true
}
