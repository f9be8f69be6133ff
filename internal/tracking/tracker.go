// Package tracking keeps the live state of deliveries in transit: current
// position, status and the route used for ETA computation.
package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/agromatch/internal/models"
	"github.com/example/agromatch/internal/observability"
	"github.com/example/agromatch/internal/routing"
)

// Store persists tracked deliveries.
type Store interface {
	Save(ctx context.Context, d models.TrackedDelivery) error
	UpdatePosition(ctx context.Context, orderID string, pos models.GeoPoint, at time.Time) error
	UpdateStatus(ctx context.Context, orderID string, status models.DeliveryStatus, at time.Time) error
	Archive(ctx context.Context, orderID string) error
}

type entry struct {
	mu       sync.Mutex
	delivery models.TrackedDelivery
	archived bool
}

// Tracker is the registry of active deliveries. Updates to one order are
// serialised by that order's lock; different orders proceed independently.
type Tracker struct {
	mu         sync.RWMutex
	deliveries map[string]*entry
	subs       map[string]map[uint64]func(models.TrackedDelivery)
	nextSub    uint64

	router routing.Provider
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewTracker(router routing.Provider, store Store, logger *slog.Logger) *Tracker {
	return &Tracker{
		deliveries: make(map[string]*entry),
		subs:       make(map[string]map[uint64]func(models.TrackedDelivery)),
		router:     router,
		store:      store,
		logger:     logger,
		now:        time.Now,
	}
}

// Track starts tracking an order. The pickup to dropoff route is computed
// up front; routing errors are returned and nothing is stored. Tracking an
// order twice returns the existing delivery. PositionAt stays zero until
// the first update is applied, so the first fix is never stale.
func (t *Tracker) Track(ctx context.Context, orderID string, pickup, dropoff, current models.GeoPoint) (models.TrackedDelivery, error) {
	if orderID == "" {
		return models.TrackedDelivery{}, fmt.Errorf("order id required: %w", models.ErrInvalidCriteria)
	}
	for _, p := range []struct {
		name string
		pt   models.GeoPoint
	}{{"pickup", pickup}, {"dropoff", dropoff}, {"current", current}} {
		if err := p.pt.Validate(); err != nil {
			return models.TrackedDelivery{}, fmt.Errorf("%s: %w: %w", p.name, models.ErrInvalidCriteria, err)
		}
	}
	if d, err := t.Get(orderID); err == nil {
		return d, nil
	}

	route, err := t.router.Route(ctx, pickup, dropoff)
	if err != nil {
		return models.TrackedDelivery{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.TrackedDelivery{}, err
	}

	now := t.now()
	d := models.TrackedDelivery{
		OrderID:         orderID,
		Pickup:          pickup,
		Dropoff:         dropoff,
		CurrentPosition: current,
		Route:           route,
		Status:          models.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	t.mu.Lock()
	if existing, ok := t.deliveries[orderID]; ok {
		t.mu.Unlock()
		existing.mu.Lock()
		defer existing.mu.Unlock()
		return existing.delivery, nil
	}
	t.deliveries[orderID] = &entry{delivery: d}
	observability.ActiveDeliveries.Set(float64(len(t.deliveries)))
	t.mu.Unlock()

	if err := t.store.Save(ctx, d); err != nil {
		t.mu.Lock()
		delete(t.deliveries, orderID)
		observability.ActiveDeliveries.Set(float64(len(t.deliveries)))
		t.mu.Unlock()
		return models.TrackedDelivery{}, fmt.Errorf("save delivery %s: %w", orderID, err)
	}
	t.logger.Info("delivery_tracked", "order_id", orderID, "distance_m", route.DistanceMeters)
	return d, nil
}

// Restore loads previously persisted deliveries without routing or saving
// them again. Orders already tracked are left as they are.
func (t *Tracker) Restore(deliveries []models.TrackedDelivery) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, d := range deliveries {
		if d.Status == models.StatusDelivered {
			continue
		}
		if _, ok := t.deliveries[d.OrderID]; ok {
			continue
		}
		t.deliveries[d.OrderID] = &entry{delivery: d}
		n++
	}
	observability.ActiveDeliveries.Set(float64(len(t.deliveries)))
	return n
}

func (t *Tracker) lookup(orderID string) (*entry, error) {
	t.mu.RLock()
	e, ok := t.deliveries[orderID]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, models.ErrDeliveryNotFound)
	}
	return e, nil
}

func (t *Tracker) Get(orderID string) (models.TrackedDelivery, error) {
	e, err := t.lookup(orderID)
	if err != nil {
		return models.TrackedDelivery{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.delivery, nil
}

// List returns all active deliveries ordered by order id.
func (t *Tracker) List() []models.TrackedDelivery {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.deliveries))
	for _, e := range t.deliveries {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	out := make([]models.TrackedDelivery, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.delivery)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

// Apply records a position if it is newer than the last applied one.
// Older or equal timestamps return ErrStaleUpdate and leave state untouched.
func (t *Tracker) Apply(ctx context.Context, u models.PositionUpdate) (models.TrackedDelivery, error) {
	if err := u.Point().Validate(); err != nil {
		observability.PositionUpdates.WithLabelValues("invalid").Inc()
		return models.TrackedDelivery{}, fmt.Errorf("position for %s: %w: %w", u.OrderID, models.ErrInvalidCriteria, err)
	}
	if u.Timestamp.IsZero() {
		observability.PositionUpdates.WithLabelValues("invalid").Inc()
		return models.TrackedDelivery{}, fmt.Errorf("position for %s has no timestamp: %w", u.OrderID, models.ErrInvalidCriteria)
	}
	e, err := t.lookup(u.OrderID)
	if err != nil {
		observability.PositionUpdates.WithLabelValues("unknown").Inc()
		return models.TrackedDelivery{}, err
	}

	e.mu.Lock()
	if e.archived {
		e.mu.Unlock()
		observability.PositionUpdates.WithLabelValues("unknown").Inc()
		return models.TrackedDelivery{}, fmt.Errorf("order %s: %w", u.OrderID, models.ErrDeliveryNotFound)
	}
	if !u.Timestamp.After(e.delivery.PositionAt) {
		last := e.delivery.PositionAt
		e.mu.Unlock()
		observability.PositionUpdates.WithLabelValues("stale").Inc()
		t.logger.Debug("position_stale", "order_id", u.OrderID, "update_at", u.Timestamp, "last_at", last)
		return models.TrackedDelivery{}, fmt.Errorf("order %s at %s: %w", u.OrderID, u.Timestamp.Format(time.RFC3339Nano), models.ErrStaleUpdate)
	}
	if err := t.store.UpdatePosition(ctx, u.OrderID, u.Point(), u.Timestamp); err != nil {
		e.mu.Unlock()
		return models.TrackedDelivery{}, fmt.Errorf("persist position %s: %w", u.OrderID, err)
	}
	e.delivery.CurrentPosition = u.Point()
	e.delivery.PositionAt = u.Timestamp
	e.delivery.UpdatedAt = t.now()
	snapshot := e.delivery
	t.notify(snapshot, t.subscribers(u.OrderID))
	e.mu.Unlock()

	observability.PositionUpdates.WithLabelValues("applied").Inc()
	return snapshot, nil
}

// OnPositionUpdate registers cb for applied updates of orderID. Callbacks
// run on the applying goroutine with the order locked, in timestamp order;
// they must not block or call back into the Tracker. When the order is
// delivered every subscriber gets one last call with StatusDelivered and is
// then dropped. The returned func unsubscribes and may be called more than
// once.
func (t *Tracker) OnPositionUpdate(orderID string, cb func(models.TrackedDelivery)) (unsubscribe func()) {
	t.mu.Lock()
	t.nextSub++
	id := t.nextSub
	if t.subs[orderID] == nil {
		t.subs[orderID] = make(map[uint64]func(models.TrackedDelivery))
	}
	t.subs[orderID][id] = cb
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if m := t.subs[orderID]; m != nil {
				delete(m, id)
				if len(m) == 0 {
					delete(t.subs, orderID)
				}
			}
		})
	}
}

// subscribers snapshots the callbacks of orderID in subscription order.
func (t *Tracker) subscribers(orderID string) []func(models.TrackedDelivery) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]uint64, 0, len(t.subs[orderID]))
	for id := range t.subs[orderID] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	cbs := make([]func(models.TrackedDelivery), 0, len(ids))
	for _, id := range ids {
		cbs = append(cbs, t.subs[orderID][id])
	}
	return cbs
}

func (t *Tracker) notify(d models.TrackedDelivery, cbs []func(models.TrackedDelivery)) {
	for _, cb := range cbs {
		cb(d)
	}
}

// TrackedETA routes from the current position to the dropoff and returns
// now plus the route duration. Each call is a fresh computation.
func (t *Tracker) TrackedETA(ctx context.Context, orderID string) (models.ETA, error) {
	d, err := t.Get(orderID)
	if err != nil {
		return models.ETA{}, err
	}
	route, err := t.router.Route(ctx, d.CurrentPosition, d.Dropoff)
	if err != nil {
		return models.ETA{}, err
	}
	now := t.now()
	return models.ETA{
		OrderID:         orderID,
		DistanceMeters:  route.DistanceMeters,
		DurationSeconds: route.DurationSeconds,
		ETA:             now.Add(time.Duration(route.DurationSeconds * float64(time.Second))),
		ComputedAt:      now,
	}, nil
}

// Advance moves a delivery forward. Delivered archives it, sends subscribers
// the final state and drops them. The in-memory state only changes once the
// store has accepted the move, so a failed archive can be retried.
func (t *Tracker) Advance(ctx context.Context, orderID string, status models.DeliveryStatus) (models.TrackedDelivery, error) {
	if !status.Valid() {
		return models.TrackedDelivery{}, fmt.Errorf("status %q: %w", status, models.ErrInvalidTransition)
	}
	e, err := t.lookup(orderID)
	if err != nil {
		return models.TrackedDelivery{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.archived {
		return models.TrackedDelivery{}, fmt.Errorf("order %s: %w", orderID, models.ErrDeliveryNotFound)
	}
	if !e.delivery.Status.CanTransition(status) {
		return models.TrackedDelivery{}, fmt.Errorf("order %s %s -> %s: %w", orderID, e.delivery.Status, status, models.ErrInvalidTransition)
	}
	now := t.now()
	if err := t.store.UpdateStatus(ctx, orderID, status, now); err != nil {
		return models.TrackedDelivery{}, fmt.Errorf("persist status %s: %w", orderID, err)
	}
	if status == models.StatusDelivered {
		if err := t.store.Archive(ctx, orderID); err != nil {
			return models.TrackedDelivery{}, fmt.Errorf("archive %s: %w", orderID, err)
		}
	}
	e.delivery.Status = status
	e.delivery.UpdatedAt = now

	if status == models.StatusDelivered {
		e.archived = true
		cbs := t.subscribers(orderID)
		t.mu.Lock()
		delete(t.deliveries, orderID)
		delete(t.subs, orderID)
		observability.ActiveDeliveries.Set(float64(len(t.deliveries)))
		t.mu.Unlock()
		t.notify(e.delivery, cbs)
	}
	t.logger.Info("delivery_status", "order_id", orderID, "status", status)
	return e.delivery, nil
}
