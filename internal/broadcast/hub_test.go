package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"example.com/backstage/services/telemetry/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu       sync.Mutex
	messages []Event
	fail     bool
	closed   bool
}

func (s *recordingSink) Write(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("connection reset")
	}
	var ev Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		return err
	}
	s.messages = append(s.messages, ev)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) received() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *recordingSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type blockingSink struct {
	release chan struct{}
	closed  chan struct{}
}

func (s *blockingSink) Write([]byte) error {
	<-s.release
	return nil
}

func (s *blockingSink) Close() error {
	close(s.closed)
	return nil
}

func startHub(t *testing.T, queueSize int, m *metrics.Metrics) *Hub {
	t.Helper()
	hub := NewHub(queueSize, m)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub
}

func TestBroadcastIsolatesFailingSubscriber(t *testing.T) {
	m := metrics.NewMetrics()
	hub := startHub(t, 16, m)

	a, b, c := &recordingSink{}, &recordingSink{fail: true}, &recordingSink{}
	hub.Register(a)
	hub.Register(b)
	hub.Register(c)
	require.Equal(t, 3, hub.Count())

	hub.Broadcast(Event{Type: EventTelemetry, Data: map[string]interface{}{"device_id": "IMM-01"}})

	require.Eventually(t, func() bool {
		return len(a.received()) == 1 && len(c.received()) == 1 && hub.Count() == 2
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, b.isClosed, time.Second, 5*time.Millisecond)

	hub.Broadcast(Event{Type: EventAlert, Data: map[string]interface{}{"severity": "warning"}})

	require.Eventually(t, func() bool {
		return len(a.received()) == 2 && len(c.received()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, b.received())
	assert.Equal(t, EventTelemetry, a.received()[0].Type)
	assert.Equal(t, EventAlert, a.received()[1].Type)
	assert.Equal(t, EventAlert, c.received()[1].Type)
	assert.Equal(t, int64(1), m.GetCounters()[metrics.SubscribersDropped])
}

func TestBroadcastPreservesOrder(t *testing.T) {
	hub := startHub(t, 64, nil)
	sink := &recordingSink{}
	hub.Register(sink)

	for i := 0; i < 50; i++ {
		hub.Broadcast(Event{Type: EventTelemetry, Data: i})
	}

	require.Eventually(t, func() bool { return len(sink.received()) == 50 }, time.Second, 5*time.Millisecond)
	for i, ev := range sink.received() {
		assert.Equal(t, float64(i), ev.Data)
	}
}

func TestSlowSubscriberIsDisconnected(t *testing.T) {
	hub := startHub(t, 1, nil)

	slow := &blockingSink{release: make(chan struct{}), closed: make(chan struct{})}
	fast := &recordingSink{}
	hub.Register(slow)
	hub.Register(fast)

	for i := 0; i < 10; i++ {
		hub.Broadcast(Event{Type: EventTelemetry, Data: i})
		require.Eventually(t, func() bool { return len(fast.received()) == i+1 }, time.Second, time.Millisecond)
	}

	assert.Equal(t, 1, hub.Count())
	close(slow.release)

	select {
	case <-slow.closed:
	case <-time.After(time.Second):
		t.Fatal("slow subscriber sink was not closed")
	}
}

func TestUnregisterClosesSink(t *testing.T) {
	hub := startHub(t, 4, nil)
	sink := &recordingSink{}
	handle := hub.Register(sink)

	hub.Unregister(handle)
	hub.Unregister(handle)

	assert.Equal(t, 0, hub.Count())
	require.Eventually(t, sink.isClosed, time.Second, 5*time.Millisecond)
}

func TestRunStopDisconnectsSubscribers(t *testing.T) {
	hub := NewHub(4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	sink := &recordingSink{}
	hub.Register(sink)
	cancel()
	<-done

	assert.Equal(t, 0, hub.Count())
	require.Eventually(t, sink.isClosed, time.Second, 5*time.Millisecond)

	// must not block once the hub has stopped
	hub.Broadcast(Event{Type: EventTelemetry})
}

func TestServeWebsocket(t *testing.T) {
	hub := startHub(t, 16, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ServeWebsocket(hub, conn)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("hello")))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "Received: hello", string(msg))

	hub.Broadcast(Event{Type: EventTelemetry, Data: map[string]interface{}{"device_id": "IMM-01"}})
	_, msg, err = client.ReadMessage()
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, EventTelemetry, ev.Type)
	assert.Equal(t, "IMM-01", ev.Data.(map[string]interface{})["device_id"])

	client.Close()
	require.Eventually(t, func() bool { return hub.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}
