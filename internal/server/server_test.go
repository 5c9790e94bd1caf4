package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acknet/ackchat/internal/client"
	"github.com/acknet/ackchat/internal/config"
)

// startTestServer runs a server on ephemeral ports and tears it down with
// the test.
func startTestServer(t *testing.T, withWebSocket bool) *Server {
	t.Helper()

	cfg := config.Default()
	cfg.Server.ListenAddr = "localhost:0"
	cfg.Server.StatsIntervalSeconds = 0
	cfg.Server.ReceiveTimeoutSeconds = 2
	if withWebSocket {
		cfg.Server.WebSocketAddr = "localhost:0"
	}

	srv := New(cfg)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Stop)
	return srv
}

// testClient connects a client to the server over the given transport.
func testClient(t *testing.T, srv *Server, callbacks client.Callbacks, wsURL string) *client.Client {
	t.Helper()

	cfg := config.Default()
	cfg.Client.ServerAddr = srv.Addr()
	cfg.Client.ServerURL = wsURL
	cfg.Client.ResponseTimeoutSeconds = 5

	c := client.New(cfg, callbacks)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

// TestServer_StartStop tests the listener lifecycle
func TestServer_StartStop(t *testing.T) {
	srv := startTestServer(t, false)
	assert.True(t, srv.IsRunning())
	assert.NotEmpty(t, srv.Addr())

	srv.Stop()
	assert.False(t, srv.IsRunning())
}

// TestServer_ChatRoundTrip tests two full sessions end to end over TCP:
// login, broadcast, roster change, logout
func TestServer_ChatRoundTrip(t *testing.T) {
	srv := startTestServer(t, false)

	type msg struct{ from, text string }
	aliceMsgs := make(chan msg, 8)
	aliceJoins := make(chan string, 8)
	aliceLeaves := make(chan string, 8)

	alice := testClient(t, srv, client.Callbacks{
		OnMessage:    func(from, text string) { aliceMsgs <- msg{from, text} },
		OnUserJoined: func(name string, _ []string) { aliceJoins <- name },
		OnUserLeft:   func(name string, _ []string) { aliceLeaves <- name },
	}, "")
	require.NoError(t, alice.Login("alice"))

	bobMsgs := make(chan msg, 8)
	bob := testClient(t, srv, client.Callbacks{
		OnMessage: func(from, text string) { bobMsgs <- msg{from, text} },
	}, "")
	require.NoError(t, bob.Login("bob"))

	select {
	case name := <-aliceJoins:
		assert.Equal(t, "bob", name)
	case <-time.After(3 * time.Second):
		t.Fatal("alice never saw bob join")
	}

	// SendMessage returns only after everyone confirmed; both sides must
	// have the broadcast by then or shortly after.
	require.NoError(t, bob.SendMessage("hello from bob"))

	for name, ch := range map[string]chan msg{"alice": aliceMsgs, "bob": bobMsgs} {
		select {
		case got := <-ch:
			assert.Equal(t, "bob", got.from)
			assert.Equal(t, "hello from bob", got.text)
		case <-time.After(3 * time.Second):
			t.Fatalf("%s never received the broadcast", name)
		}
	}

	require.NoError(t, bob.Logout())

	select {
	case name := <-aliceLeaves:
		assert.Equal(t, "bob", name)
	case <-time.After(3 * time.Second):
		t.Fatal("alice never saw bob leave")
	}

	require.NoError(t, alice.Logout())

	// All sessions are reclaimed once the workers notice.
	require.Eventually(t, func() bool {
		return srv.Registry().Size() == 0
	}, 5*time.Second, 20*time.Millisecond)
}

// TestServer_DuplicateLogin tests that a second login under a taken name is
// rejected end to end
func TestServer_DuplicateLogin(t *testing.T) {
	srv := startTestServer(t, false)

	alice := testClient(t, srv, client.Callbacks{}, "")
	require.NoError(t, alice.Login("alice"))

	imposter := testClient(t, srv, client.Callbacks{}, "")
	err := imposter.Login("alice")
	require.ErrorIs(t, err, client.ErrUserNameTaken)

	assert.Equal(t, 1, srv.Registry().Size())
}

// TestServer_WebSocketTransport tests a login/message/logout cycle over the
// WebSocket endpoint
func TestServer_WebSocketTransport(t *testing.T) {
	srv := startTestServer(t, true)
	require.NotEmpty(t, srv.WSAddr())

	wsURL := "ws://" + srv.WSAddr() + "/chat"
	received := make(chan string, 8)
	alice := testClient(t, srv, client.Callbacks{
		OnMessage: func(_, text string) { received <- text },
	}, wsURL)

	require.NoError(t, alice.Login("alice"))
	require.NoError(t, alice.SendMessage("over websocket"))

	select {
	case text := <-received:
		assert.Equal(t, "over websocket", text)
	case <-time.After(3 * time.Second):
		t.Fatal("broadcast never came back over websocket")
	}

	require.NoError(t, alice.Logout())
}

// TestServer_DisconnectedClientReclaimed tests that an abruptly closed client
// does not leave a stale session behind
func TestServer_DisconnectedClientReclaimed(t *testing.T) {
	srv := startTestServer(t, false)

	alice := testClient(t, srv, client.Callbacks{}, "")
	require.NoError(t, alice.Login("alice"))
	require.Equal(t, 1, srv.Registry().Size())

	alice.Close()

	require.Eventually(t, func() bool {
		return srv.Registry().Size() == 0
	}, 5*time.Second, 20*time.Millisecond)
}
