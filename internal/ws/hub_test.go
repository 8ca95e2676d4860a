package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// dial opens a real client connection registered under userID.
func dial(t *testing.T, hub *Hub, userID string) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		hub.Register(userID, conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	require.Eventually(t, func() bool { return hub.IsConnected(userID) },
		time.Second, 10*time.Millisecond)
	return client
}

func TestHubRegisterAndBroadcast(t *testing.T) {
	hub := NewHub(zap.NewNop())
	defer hub.Close()

	client := dial(t, hub, "user-1")

	sent := hub.Broadcast("user-1", map[string]string{"title": "Lab results"})
	assert.Equal(t, 1, sent)

	client.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "Lab results", got["title"])
}

func TestHubBroadcastToAbsentUser(t *testing.T) {
	hub := NewHub(zap.NewNop())
	defer hub.Close()

	assert.False(t, hub.IsConnected("nobody"))
	assert.Zero(t, hub.Broadcast("nobody", map[string]string{"title": "x"}))
}

func TestHubMultipleConnectionsPerUser(t *testing.T) {
	hub := NewHub(zap.NewNop())
	defer hub.Close()

	dial(t, hub, "user-1")
	dial(t, hub, "user-1")

	require.Eventually(t, func() bool { return hub.ConnectionCount("user-1") == 2 },
		time.Second, 10*time.Millisecond)

	sent := hub.Broadcast("user-1", map[string]string{"title": "fan-out"})
	assert.Equal(t, 2, sent)
	assert.Equal(t, 2, hub.TotalConnections())
}

func TestHubUnregisterDropsEmptySet(t *testing.T) {
	hub := NewHub(zap.NewNop())
	defer hub.Close()

	client := dial(t, hub, "user-1")
	client.Close()

	require.Eventually(t, func() bool { return !hub.IsConnected("user-1") },
		time.Second, 10*time.Millisecond)

	hub.mu.RLock()
	_, dangling := hub.conns["user-1"]
	hub.mu.RUnlock()
	assert.False(t, dangling, "closed user must not leave an empty set behind")
}

func TestHubConnectHookFires(t *testing.T) {
	hub := NewHub(zap.NewNop())
	defer hub.Close()

	connected := make(chan string, 1)
	hub.SetConnectHook(func(userID string) { connected <- userID })

	dial(t, hub, "user-1")

	select {
	case got := <-connected:
		assert.Equal(t, "user-1", got)
	case <-time.After(time.Second):
		t.Fatal("connect hook never fired")
	}
}
