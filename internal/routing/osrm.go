package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/example/agromatch/internal/models"
)

// Provider computes a driving route between two points.
type Provider interface {
	Route(ctx context.Context, start, end models.GeoPoint) (models.RouteResult, error)
}

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint    string
	Client      *http.Client
	MaxAttempts int
	Backoff     time.Duration
}

func NewOSRMClient(endpoint string, timeout time.Duration) *OSRMClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &OSRMClient{
		Endpoint:    strings.TrimRight(endpoint, "/"),
		Client:      &http.Client{Timeout: timeout},
		MaxAttempts: 4,
		Backoff:     200 * time.Millisecond,
	}
}

type osrmResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Routes  []osrmRoute `json:"routes"`
}

type osrmRoute struct {
	Distance float64        `json:"distance"`
	Duration float64        `json:"duration"`
	Geometry osrmLineString `json:"geometry"`
	Legs     []struct {
		Steps []osrmStep `json:"steps"`
	} `json:"legs"`
}

type osrmLineString struct {
	Coordinates [][2]float64 `json:"coordinates"`
}

type osrmStep struct {
	Distance float64        `json:"distance"`
	Duration float64        `json:"duration"`
	Name     string         `json:"name"`
	Geometry osrmLineString `json:"geometry"`
	Maneuver struct {
		Type     string `json:"type"`
		Modifier string `json:"modifier"`
	} `json:"maneuver"`
}

// Route queries /route/v1/driving with full GeoJSON geometry and steps.
func (o *OSRMClient) Route(ctx context.Context, start, end models.GeoPoint) (models.RouteResult, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=geojson&steps=true",
		o.Endpoint, start.Lon, start.Lat, end.Lon, end.Lat)

	resp, err := o.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return models.RouteResult{}, classify(ctx, err)
	}
	defer resp.Body.Close()

	var out osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.RouteResult{}, fmt.Errorf("osrm decode: %w: %w", models.ErrRouteUnavailable, err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return models.RouteResult{}, fmt.Errorf("osrm %s %s: %w", out.Code, out.Message, models.ErrRouteUnavailable)
	}
	return out.Routes[0].result(), nil
}

// classify maps transport failures onto the routing error taxonomy.
// Caller cancellation is returned unchanged.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("osrm: %w: %w", models.ErrProviderTimeout, err)
	}
	var he *httpStatusError
	if errors.As(err, &he) {
		return fmt.Errorf("osrm: %w: %w", models.ErrRouteUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("osrm: %w: %w", models.ErrProviderTimeout, err)
	}
	return fmt.Errorf("osrm: %w: %w", models.ErrRouteUnavailable, err)
}

func (r osrmRoute) result() models.RouteResult {
	res := models.RouteResult{
		Polyline:        r.Geometry.points(),
		DistanceMeters:  r.Distance,
		DurationSeconds: r.Duration,
	}
	for _, leg := range r.Legs {
		for _, s := range leg.Steps {
			res.Steps = append(res.Steps, models.RouteStep{
				Instruction:     instruction(s.Maneuver.Type, s.Maneuver.Modifier, s.Name),
				DistanceMeters:  s.Distance,
				DurationSeconds: s.Duration,
				Polyline:        s.Geometry.points(),
			})
		}
	}
	return res
}

func (l osrmLineString) points() []models.GeoPoint {
	out := make([]models.GeoPoint, len(l.Coordinates))
	for i, c := range l.Coordinates {
		out[i] = models.GeoPoint{Lat: c[1], Lon: c[0]}
	}
	return out
}

// instruction renders an OSRM maneuver, e.g. "Turn left onto Ring Road".
func instruction(kind, modifier, street string) string {
	var verb string
	switch kind {
	case "depart":
		verb = "Depart"
	case "arrive":
		return "Arrive at destination"
	case "roundabout", "rotary":
		verb = "Enter the roundabout"
		modifier = ""
	case "new name", "continue", "":
		verb = "Continue"
	default:
		verb = strings.ToUpper(kind[:1]) + kind[1:]
	}
	if modifier != "" {
		verb += " " + modifier
	}
	if street != "" {
		verb += " onto " + street
	}
	return verb
}
