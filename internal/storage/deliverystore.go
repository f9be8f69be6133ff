package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/agromatch/internal/models"
)

// DeliveryStore defines persistence operations for tracked deliveries.
type DeliveryStore interface {
	Save(ctx context.Context, d models.TrackedDelivery) error
	UpdatePosition(ctx context.Context, orderID string, pos models.GeoPoint, at time.Time) error
	UpdateStatus(ctx context.Context, orderID string, status models.DeliveryStatus, at time.Time) error
	Archive(ctx context.Context, orderID string) error
	Get(ctx context.Context, orderID string) (models.TrackedDelivery, error)
	Active(ctx context.Context) ([]models.TrackedDelivery, error)
}

type memoryRecord struct {
	delivery models.TrackedDelivery
	archived bool
}

type MemoryStore struct {
	mu         sync.RWMutex
	deliveries map[string]*memoryRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{deliveries: make(map[string]*memoryRecord)}
}

func (m *MemoryStore) Save(_ context.Context, d models.TrackedDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[d.OrderID] = &memoryRecord{delivery: d}
	return nil
}

// UpdatePosition ignores writes older than the stored position.
func (m *MemoryStore) UpdatePosition(_ context.Context, orderID string, pos models.GeoPoint, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.deliveries[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, models.ErrDeliveryNotFound)
	}
	if !at.After(r.delivery.PositionAt) {
		return nil
	}
	r.delivery.CurrentPosition = pos
	r.delivery.PositionAt = at
	r.delivery.UpdatedAt = at
	return nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, orderID string, status models.DeliveryStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.deliveries[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, models.ErrDeliveryNotFound)
	}
	r.delivery.Status = status
	r.delivery.UpdatedAt = at
	return nil
}

func (m *MemoryStore) Archive(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.deliveries[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, models.ErrDeliveryNotFound)
	}
	r.archived = true
	return nil
}

// Get returns a delivery, archived or not.
func (m *MemoryStore) Get(_ context.Context, orderID string) (models.TrackedDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.deliveries[orderID]
	if !ok {
		return models.TrackedDelivery{}, fmt.Errorf("order %s: %w", orderID, models.ErrDeliveryNotFound)
	}
	return r.delivery, nil
}

// Active lists deliveries that have not been archived, ordered by order id.
func (m *MemoryStore) Active(_ context.Context) ([]models.TrackedDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.TrackedDelivery, 0, len(m.deliveries))
	for _, r := range m.deliveries {
		if !r.archived {
			out = append(out, r.delivery)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}
