package activitystream

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	handler := NewHandler(hub, nil)
	RegisterRoutes(router.Group("/debug"), handler)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/debug/stream/" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubDeliversFrameOnlyToMatchingSessionSubscribers(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := newTestServer(t, hub)
	connA := dial(t, srv, "sess-a")
	connB := dial(t, srv, "sess-b")

	require.Eventually(t, func() bool {
		return hub.SubscriberCount("sess-a") == 1 && hub.SubscriberCount("sess-b") == 1
	}, time.Second, 10*time.Millisecond)

	hub.Publish(Frame{SessionID: "sess-a", ContentType: "thought", Body: "thinking about it"})

	connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := connA.ReadMessage()
	require.NoError(t, err)

	var frame Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "sess-a", frame.SessionID)
	assert.Equal(t, "thinking about it", frame.Body)

	connB.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = connB.ReadMessage()
	assert.Error(t, err, "sess-b subscriber must not receive a sess-a frame")
}

func TestHubUnregistersClientOnDisconnect(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := newTestServer(t, hub)
	conn := dial(t, srv, "sess-c")

	require.Eventually(t, func() bool {
		return hub.SubscriberCount("sess-c") == 1
	}, time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return hub.SubscriberCount("sess-c") == 0
	}, time.Second, 10*time.Millisecond)
}

func TestPublisherAdapterDeliversToSubscriber(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := newTestServer(t, hub)
	conn := dial(t, srv, "sess-d")

	require.Eventually(t, func() bool {
		return hub.SubscriberCount("sess-d") == 1
	}, time.Second, 10*time.Millisecond)

	pub := NewPublisher(hub)
	pub.Publish("sess-d", "thought", "considering options", false)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "considering options", frame.Body)
	assert.Equal(t, "thought", frame.ContentType)
}

func TestPublishWithNoSubscribersIsNoop(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	hub.Publish(Frame{SessionID: "nobody-listening", Body: "hello"})

	// The broadcast channel should drain without blocking or panicking;
	// a second publish proves the loop is still alive.
	hub.Publish(Frame{SessionID: "nobody-listening", Body: "hello again"})
	time.Sleep(50 * time.Millisecond)
}
