package protocol

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsPair upgrades a real loopback WebSocket and wraps both ends.
func wsPair(t *testing.T) (client, server *WSConnection) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	serverCh := make(chan *WSConnection, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		serverCh <- NewWSConnection(conn)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	client = NewWSConnection(clientConn)
	server = <-serverCh
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

// TestWSConnection_SendReceive tests the JSON message round trip
func TestWSConnection_SendReceive(t *testing.T) {
	client, server := wsPair(t)

	req, err := NewChatMessageRequest("alice", "over websocket", 1, "tag-1")
	require.NoError(t, err)
	require.NoError(t, client.Send(req))

	got, err := server.Receive(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, KindChatMessageRequest, got.Kind)
	assert.Equal(t, "alice", got.UserName)
	assert.Equal(t, "over websocket", got.Message)
}

// TestWSConnection_SurvivesReceiveTimeout tests that idle receive windows
// leave the connection fully usable
func TestWSConnection_SurvivesReceiveTimeout(t *testing.T) {
	client, server := wsPair(t)

	_, err := server.Receive(100 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	_, err = server.Receive(50 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	// A message sent after the idle windows still arrives.
	req, err := NewLoginRequest("alice", "tag-1")
	require.NoError(t, err)
	require.NoError(t, client.Send(req))

	got, err := server.Receive(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, KindLoginRequest, got.Kind)
	assert.Equal(t, "alice", got.UserName)
}

// TestWSConnection_EndOfStream tests that a peer's close yields the sentinel
func TestWSConnection_EndOfStream(t *testing.T) {
	client, server := wsPair(t)

	require.NoError(t, client.Close())

	_, err := server.Receive(2 * time.Second)
	assert.ErrorIs(t, err, ErrEndOfStream)
}

// TestWSConnection_MessageBeforeCloseDelivered tests that a message pumped
// ahead of the peer's close is not swallowed by the terminal error
func TestWSConnection_MessageBeforeCloseDelivered(t *testing.T) {
	client, server := wsPair(t)

	req, err := NewLogoutRequest("alice", "tag-1")
	require.NoError(t, err)
	require.NoError(t, client.Send(req))
	require.NoError(t, client.Close())

	got, err := server.Receive(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, KindLogoutRequest, got.Kind)

	_, err = server.Receive(2 * time.Second)
	assert.ErrorIs(t, err, ErrEndOfStream)
}
