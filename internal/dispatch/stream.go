package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/agromatch/internal/models"
	"github.com/example/agromatch/internal/routing"
	"github.com/example/agromatch/internal/tracking"
)

// Message types sent by the ETA stream.
const (
	TypePosition         = "position"
	TypeETA              = "eta"
	TypeRouteUnavailable = "route_unavailable"
	TypeTrackingEnded    = "tracking_ended"
)

// DeliveryTracker is the part of tracking.Tracker the stream consumes.
type DeliveryTracker interface {
	Get(orderID string) (models.TrackedDelivery, error)
	OnPositionUpdate(orderID string, cb func(models.TrackedDelivery)) (unsubscribe func())
	TrackedETA(ctx context.Context, orderID string) (models.ETA, error)
}

// Unavailable is the payload sent when no route can be computed. The
// straight-line estimate is flagged degraded and is never presented as a
// route ETA.
type Unavailable struct {
	State    string           `json:"state"`
	Reason   string           `json:"reason"`
	Fallback routing.Estimate `json:"fallback"`
}

// ETAStream publishes positions and throttled ETA recomputations for every
// order that has at least one attached session.
type ETAStream struct {
	hub           *Hub
	tracker       DeliveryTracker
	everyN        int
	interval      time.Duration
	fallbackSpeed float64
	logger        *slog.Logger
	now           func() time.Time

	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	refs        int
	unsubscribe func()
	cancel      context.CancelFunc
	kick        chan struct{}
	done        chan struct{}
}

func NewETAStream(hub *Hub, tracker DeliveryTracker, everyN int, interval time.Duration, fallbackSpeedMps float64, logger *slog.Logger) *ETAStream {
	return &ETAStream{
		hub:           hub,
		tracker:       tracker,
		everyN:        everyN,
		interval:      interval,
		fallbackSpeed: fallbackSpeedMps,
		logger:        logger,
		now:           time.Now,
		streams:       make(map[string]*stream),
	}
}

// Attach starts streaming orderID if it is not already streamed. An ETA is
// computed right away. The returned detach stops the stream once every
// attached caller has detached.
func (e *ETAStream) Attach(orderID string) (detach func()) {
	e.mu.Lock()
	s, ok := e.streams[orderID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		s = &stream{cancel: cancel, kick: make(chan struct{}, 1), done: make(chan struct{})}
		throttle := tracking.NewThrottle(e.everyN, e.interval)
		throttle.Allow(e.now())
		s.unsubscribe = sync.OnceFunc(e.tracker.OnPositionUpdate(orderID, func(d models.TrackedDelivery) {
			if d.Status == models.StatusDelivered {
				s.wake()
				return
			}
			e.hub.Publish(orderID, TypePosition, d)
			if throttle.Allow(e.now()) {
				s.wake()
			}
		}))
		s.kick <- struct{}{}
		e.streams[orderID] = s
		go e.run(ctx, orderID, s)
	}
	s.refs++
	e.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { e.detach(orderID, s) }) }
}

// wake schedules an ETA computation unless one is already pending.
func (s *stream) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (e *ETAStream) detach(orderID string, s *stream) {
	e.mu.Lock()
	s.refs--
	last := s.refs == 0
	if last && e.streams[orderID] == s {
		delete(e.streams, orderID)
	}
	e.mu.Unlock()
	if last {
		s.unsubscribe()
		s.cancel()
		<-s.done
	}
}

// Active reports how many orders are being streamed.
func (e *ETAStream) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.streams)
}

func (e *ETAStream) run(ctx context.Context, orderID string, s *stream) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			if !e.publishETA(ctx, orderID) {
				e.end(orderID, s)
				return
			}
		}
	}
}

// end forgets a stream whose delivery is gone and closes its sessions once
// tracking_ended has been queued.
func (e *ETAStream) end(orderID string, s *stream) {
	e.mu.Lock()
	if e.streams[orderID] == s {
		delete(e.streams, orderID)
	}
	e.mu.Unlock()
	s.unsubscribe()
	closed := e.hub.CloseOrder(orderID)
	e.logger.Info("eta_stream_ended", "order_id", orderID, "sessions", closed)
}

// publishETA returns false once the order is no longer tracked.
func (e *ETAStream) publishETA(ctx context.Context, orderID string) bool {
	eta, err := e.tracker.TrackedETA(ctx, orderID)
	switch {
	case err == nil:
		e.hub.Publish(orderID, TypeETA, eta)
	case errors.Is(err, models.ErrDeliveryNotFound):
		e.hub.Publish(orderID, TypeTrackingEnded, map[string]string{"order_id": orderID})
		return false
	case ctx.Err() != nil:
	case errors.Is(err, models.ErrRouteUnavailable), errors.Is(err, models.ErrProviderTimeout):
		d, gerr := e.tracker.Get(orderID)
		if gerr != nil {
			return true
		}
		reason := "route_unavailable"
		if errors.Is(err, models.ErrProviderTimeout) {
			reason = "provider_timeout"
		}
		e.hub.Publish(orderID, TypeRouteUnavailable, Unavailable{
			State:    "route_unavailable",
			Reason:   reason,
			Fallback: routing.StraightLine(d.CurrentPosition, d.Dropoff, e.fallbackSpeed),
		})
	default:
		e.logger.Error("eta_stream_failed", "order_id", orderID, "error", err)
	}
	return true
}
