package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/agromatch/internal/logging"
	"github.com/example/agromatch/internal/models"
	"github.com/example/agromatch/internal/storage"
	"github.com/example/agromatch/internal/tracking"
)

var (
	farm   = models.GeoPoint{Lat: 30.7333, Lon: 76.7794}
	market = models.GeoPoint{Lat: 30.9010, Lon: 75.8573}
)

type fakeTracker struct {
	mu      sync.Mutex
	cbs     map[int]func(models.TrackedDelivery)
	nextID  int
	etaErr  error
	etas    int
	gone    bool
	unsubed int
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{cbs: map[int]func(models.TrackedDelivery){}}
}

func (f *fakeTracker) Get(orderID string) (models.TrackedDelivery, error) {
	return models.TrackedDelivery{OrderID: orderID, CurrentPosition: farm, Dropoff: market}, nil
}

func (f *fakeTracker) OnPositionUpdate(_ string, cb func(models.TrackedDelivery)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.cbs[id] = cb
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.cbs, id)
		f.unsubed++
	}
}

func (f *fakeTracker) TrackedETA(_ context.Context, orderID string) (models.ETA, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.etas++
	if f.gone {
		return models.ETA{}, fmt.Errorf("order %s: %w", orderID, models.ErrDeliveryNotFound)
	}
	if f.etaErr != nil {
		return models.ETA{}, f.etaErr
	}
	return models.ETA{OrderID: orderID, DurationSeconds: float64(f.etas * 60)}, nil
}

func (f *fakeTracker) push(d models.TrackedDelivery) {
	f.mu.Lock()
	cbs := make([]func(models.TrackedDelivery), 0, len(f.cbs))
	for _, cb := range f.cbs {
		cbs = append(cbs, cb)
	}
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(d)
	}
}

func (f *fakeTracker) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cbs)
}

// wsPair returns a server side session registered in hub and the client conn.
func wsPair(t *testing.T, hub *Hub, orderID string) (*Session, *websocket.Conn) {
	t.Helper()
	sessions := make(chan *Session, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := hub.Add(orderID, conn)
		sessions <- s
		go s.WritePump()
		s.ReadPump()
		hub.Remove(s)
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return <-sessions, client
}

func readMessage(t *testing.T, c *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	var m Message
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestHubPublishesEnvelopeToOrderSessions(t *testing.T) {
	hub := NewHub(logging.Discard())
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	hub.now = func() time.Time { return at }

	_, c1 := wsPair(t, hub, "o1")
	_, c2 := wsPair(t, hub, "o2")
	assert.Equal(t, 1, hub.Count("o1"))

	assert.Equal(t, 1, hub.Publish("o1", "position", map[string]float64{"lat": 1}))
	m := readMessage(t, c1)
	assert.Equal(t, "position", m.Type)
	assert.Equal(t, at, m.Timestamp)
	assert.Equal(t, map[string]any{"lat": 1.0}, m.Payload)

	assert.Equal(t, 0, hub.Publish("nobody", "position", nil))

	require.NoError(t, c2.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, _, err := c2.ReadMessage()
	assert.Error(t, err, "other orders receive nothing")
}

func TestHubRemoveClosesConnection(t *testing.T) {
	hub := NewHub(logging.Discard())
	s, c := wsPair(t, hub, "o1")

	hub.Remove(s)
	hub.Remove(s)
	assert.Equal(t, 0, hub.Count("o1"))

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c.ReadMessage()
	assert.Error(t, err, "server closed the stream")
}

func TestHubDropsSlowSessions(t *testing.T) {
	hub := NewHub(logging.Discard())
	s := &Session{OrderID: "o1", send: make(chan []byte, 1)}
	hub.sessions["o1"] = map[*Session]struct{}{s: {}}

	assert.Equal(t, 1, hub.Publish("o1", "eta", nil))
	assert.Equal(t, 0, hub.Publish("o1", "eta", nil))
	assert.Equal(t, 0, hub.Count("o1"))
}

func TestETAStreamPublishesInitialAndThrottledETAs(t *testing.T) {
	hub := NewHub(logging.Discard())
	tr := newFakeTracker()
	_, c := wsPair(t, hub, "o1")

	stream := NewETAStream(hub, tr, 2, time.Hour, 8, logging.Discard())
	detach := stream.Attach("o1")
	again := stream.Attach("o1")
	assert.Equal(t, 1, stream.Active())
	assert.Equal(t, 1, tr.subscribers())

	m := readMessage(t, c)
	assert.Equal(t, TypeETA, m.Type)

	tr.push(models.TrackedDelivery{OrderID: "o1", CurrentPosition: farm})
	assert.Equal(t, TypePosition, readMessage(t, c).Type)

	tr.push(models.TrackedDelivery{OrderID: "o1", CurrentPosition: market})
	assert.Equal(t, TypePosition, readMessage(t, c).Type)
	m = readMessage(t, c)
	assert.Equal(t, TypeETA, m.Type, "second update reaches the throttle count")
	assert.Equal(t, 120.0, m.Payload.(map[string]any)["duration_seconds"])

	again()
	assert.Equal(t, 1, stream.Active())
	detach()
	detach()
	assert.Equal(t, 0, stream.Active())
	assert.Equal(t, 0, tr.subscribers())
	assert.Equal(t, 1, tr.unsubed)
}

func TestETAStreamSendsDegradedFallback(t *testing.T) {
	hub := NewHub(logging.Discard())
	tr := newFakeTracker()
	tr.etaErr = fmt.Errorf("osrm: %w", models.ErrRouteUnavailable)
	_, c := wsPair(t, hub, "o1")

	stream := NewETAStream(hub, tr, 5, time.Hour, 10, logging.Discard())
	defer stream.Attach("o1")()

	m := readMessage(t, c)
	require.Equal(t, TypeRouteUnavailable, m.Type)
	payload := m.Payload.(map[string]any)
	assert.Equal(t, "route_unavailable", payload["state"])
	fallback := payload["fallback"].(map[string]any)
	assert.Equal(t, true, fallback["degraded"])
	assert.Greater(t, fallback["distance_meters"].(float64), 80000.0)
}

func TestETAStreamEndsWhenDeliveryCloses(t *testing.T) {
	hub := NewHub(logging.Discard())
	tr := newFakeTracker()
	tr.gone = true
	_, c := wsPair(t, hub, "o1")

	stream := NewETAStream(hub, tr, 1, 0, 8, logging.Discard())
	detach := stream.Attach("o1")
	assert.Equal(t, TypeTrackingEnded, readMessage(t, c).Type)
	assert.Eventually(t, func() bool { return stream.Active() == 0 && tr.subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
	detach()
	assert.Equal(t, 1, tr.unsubed)
}

type fixedRouter struct{}

func (fixedRouter) Route(context.Context, models.GeoPoint, models.GeoPoint) (models.RouteResult, error) {
	return models.RouteResult{DistanceMeters: 12000, DurationSeconds: 900}, nil
}

func TestETAStreamClosesSessionsWhenDelivered(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(logging.Discard())
	tr := tracking.NewTracker(fixedRouter{}, storage.NewMemoryStore(), logging.Discard())
	_, err := tr.Track(ctx, "o1", farm, market, farm)
	require.NoError(t, err)
	_, c := wsPair(t, hub, "o1")

	stream := NewETAStream(hub, tr, 100, time.Hour, 8, logging.Discard())
	defer stream.Attach("o1")()
	assert.Equal(t, TypeETA, readMessage(t, c).Type)

	for _, st := range []models.DeliveryStatus{models.StatusPickedUp, models.StatusInTransit, models.StatusDelivered} {
		_, err := tr.Advance(ctx, "o1", st)
		require.NoError(t, err)
	}

	m := readMessage(t, c)
	assert.Equal(t, TypeTrackingEnded, m.Type)
	assert.Equal(t, "o1", m.Payload.(map[string]any)["order_id"])

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNoStatusReceived, websocket.CloseNormalClosure), "got %v", err)
	assert.Eventually(t, func() bool { return stream.Active() == 0 && hub.Count("o1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubCloseOrder(t *testing.T) {
	hub := NewHub(logging.Discard())
	_, c1 := wsPair(t, hub, "o1")
	_, c2 := wsPair(t, hub, "o1")
	_, other := wsPair(t, hub, "o2")

	hub.Publish("o1", TypeTrackingEnded, nil)
	assert.Equal(t, 2, hub.CloseOrder("o1"))
	assert.Equal(t, 0, hub.Count("o1"))
	assert.Equal(t, 1, hub.Count("o2"))

	for _, c := range []*websocket.Conn{c1, c2} {
		assert.Equal(t, TypeTrackingEnded, readMessage(t, c).Type, "queued frames are flushed first")
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err := c.ReadMessage()
		assert.Error(t, err)
	}
	require.NoError(t, other.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err)
	assert.False(t, websocket.IsCloseError(err, websocket.CloseNoStatusReceived), "other orders stay open")
}
