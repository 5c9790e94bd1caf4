package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/acknet/ackchat/internal/config"
	"github.com/acknet/ackchat/internal/logger"
	"github.com/acknet/ackchat/internal/protocol"
)

// ErrUserNameTaken is returned by Login when the server rejected the name as
// already registered.
var ErrUserNameTaken = errors.New("client: user name already taken")

// ErrRosterDigestMismatch is reported through OnError when a roster snapshot
// fails its digest check.
var ErrRosterDigestMismatch = errors.New("client: roster digest mismatch")

// ErrNotLoggedIn is returned by operations that need a registered session.
var ErrNotLoggedIn = errors.New("client: not logged in")

// ErrResponseTimeout is returned when the server did not answer a request
// within the configured response window.
var ErrResponseTimeout = errors.New("client: timed out waiting for server response")

// LoginError carries a server-side login rejection code other than the
// duplicate-name case.
type LoginError struct {
	Code int
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("client: login rejected with error code %d", e.Code)
}

// chatAck is the listener's signal that the last chat message was confirmed
// by every peer.
type chatAck struct {
	seq        uint64
	serverTime time.Duration
}

// Client is the user-facing chat session. The usual lifecycle is Connect,
// Login, any number of SendMessage calls, Logout, Close. Login, SendMessage
// and Logout block until the server releases the corresponding response,
// which under confirmed delivery means every peer acknowledged the broadcast.
type Client struct {
	cfg       *config.Config
	callbacks Callbacks
	log       *logger.Logger

	mu       sync.Mutex
	conn     protocol.Connection
	data     *SharedData
	listener *Listener

	loginCh  chan error
	ackCh    chan chatAck
	logoutCh chan struct{}
	lostCh   chan struct{}
	lostErr  error
	lostOnce sync.Once

	wg sync.WaitGroup
}

// New creates a client from the given configuration. Callbacks may be zero.
func New(cfg *config.Config, callbacks Callbacks) *Client {
	return &Client{
		cfg:       cfg,
		callbacks: callbacks,
		log:       logger.Global().WithPrefix("client"),
		loginCh:   make(chan error, 1),
		ackCh:     make(chan chatAck, 1),
		logoutCh:  make(chan struct{}, 1),
		lostCh:    make(chan struct{}),
	}
}

// Connect dials the chat server over TCP, or over WebSocket when the config
// carries a server URL.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return errors.New("client: already connected")
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.conn = conn

	c.log.Debug("Connected to %s", conn.RemoteAddr())
	return nil
}

func (c *Client) dial(ctx context.Context) (protocol.Connection, error) {
	if url := c.cfg.Client.ServerURL; url != "" {
		dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout()}
		wsConn, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
		}
		return protocol.NewWSConnection(wsConn), nil
	}

	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Client.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.cfg.Client.ServerAddr, err)
	}
	return protocol.NewTCPConnection(conn), nil
}

// Login joins the chat under the given user name. It starts the message
// listener and blocks until the server released the login response, the name
// was rejected, or the response window expired.
func (c *Client) Login(userName string) error {
	if userName == "" {
		return errors.New("client: user name must not be empty")
	}

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return errors.New("client: not connected")
	}
	if c.data != nil && c.data.Status() != protocol.StatusUnregistered {
		c.mu.Unlock()
		return errors.New("client: already logged in")
	}

	c.data = NewSharedData(userName, uuid.New().String())
	c.data.SetStatus(protocol.StatusRegistering)
	drain(c.loginCh)
	drain(c.ackCh)
	drain(c.logoutCh)

	hooks := listenerHooks{
		loginResult: func(err error) { trySend(c.loginCh, err) },
		chatAck:     func(seq uint64, serverTime time.Duration) { trySend(c.ackCh, chatAck{seq, serverTime}) },
		logoutDone:  func() { trySend(c.logoutCh, struct{}{}) },
		connLost:    c.connectionLost,
	}
	c.listener = newListener(c.conn, c.data, c.cfg.ConfirmedDelivery, c.callbacks, hooks, c.log)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.listener.run()
	}()

	conn, data := c.conn, c.data
	c.mu.Unlock()

	req, err := protocol.NewLoginRequest(userName, data.ThreadTag)
	if err != nil {
		return err
	}
	if err := conn.Send(req); err != nil {
		return fmt.Errorf("failed to send login request: %w", err)
	}

	select {
	case err := <-c.loginCh:
		if err != nil {
			c.resetSession()
			return err
		}
		return nil
	case <-c.lostCh:
		return c.lostErr
	case <-time.After(c.cfg.ResponseTimeout()):
		c.resetSession()
		return fmt.Errorf("%w: login", ErrResponseTimeout)
	}
}

// SendMessage broadcasts one chat message and blocks until the server's
// response arrives, i.e. until every peer confirmed the delivery.
func (c *Client) SendMessage(text string) error {
	c.mu.Lock()
	conn, data := c.conn, c.data
	c.mu.Unlock()

	if data == nil || data.Status() != protocol.StatusRegistered {
		return ErrNotLoggedIn
	}

	seq := data.NextSequence()
	req, err := protocol.NewChatMessageRequest(data.UserName, text, seq, data.ThreadTag)
	if err != nil {
		return err
	}
	if err := conn.Send(req); err != nil {
		return fmt.Errorf("failed to send chat message: %w", err)
	}

	for {
		select {
		case ack := <-c.ackCh:
			if ack.seq != seq {
				continue
			}
			c.log.Debug("Message %d from %q confirmed, server time %v", seq, data.UserName, ack.serverTime)
			return nil
		case <-c.lostCh:
			return c.lostErr
		case <-time.After(c.cfg.ResponseTimeout()):
			return fmt.Errorf("%w: chat message %d", ErrResponseTimeout, seq)
		}
	}
}

// Logout leaves the chat. It blocks until the logout response arrived, which
// under confirmed delivery means every remaining peer saw the departure.
func (c *Client) Logout() error {
	c.mu.Lock()
	conn, data := c.conn, c.data
	c.mu.Unlock()

	if data == nil {
		return ErrNotLoggedIn
	}

	data.SetStatus(protocol.StatusUnregistering)

	req, err := protocol.NewLogoutRequest(data.UserName, data.ThreadTag)
	if err != nil {
		return err
	}
	if err := conn.Send(req); err != nil {
		return fmt.Errorf("failed to send logout request: %w", err)
	}

	// The listener exits on its own once it saw the logout response; the
	// session state stays readable for final tallies.
	select {
	case <-c.logoutCh:
		return nil
	case <-c.lostCh:
		return c.lostErr
	case <-time.After(c.cfg.ResponseTimeout()):
		return fmt.Errorf("%w: logout", ErrResponseTimeout)
	}
}

// Close tears the connection down and joins the listener. Safe to call after
// Logout or on an unused client.
func (c *Client) Close() error {
	c.mu.Lock()
	listener, conn := c.listener, c.conn
	c.listener = nil
	c.conn = nil
	c.data = nil
	c.mu.Unlock()

	if listener != nil {
		listener.stop()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.wg.Wait()
	return err
}

// UserName returns the logged-in name, empty when there is no session.
func (c *Client) UserName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		return ""
	}
	return c.data.UserName
}

// Roster returns the last roster snapshot received from the server.
func (c *Client) Roster() []string {
	c.mu.Lock()
	data := c.data
	c.mu.Unlock()
	if data == nil {
		return nil
	}
	return data.Roster()
}

// Tally returns the session's event and confirm counters.
func (c *Client) Tally() EventTally {
	c.mu.Lock()
	data := c.data
	c.mu.Unlock()
	if data == nil {
		return EventTally{}
	}
	return data.Tally()
}

// LastServerTime returns the server processing time reported on the most
// recent chat response.
func (c *Client) LastServerTime() time.Duration {
	c.mu.Lock()
	data := c.data
	c.mu.Unlock()
	if data == nil {
		return 0
	}
	return data.LastServerTime()
}

// connectionLost records the first fatal transport error and unblocks every
// waiting call.
func (c *Client) connectionLost(err error) {
	c.lostOnce.Do(func() {
		c.lostErr = fmt.Errorf("client: connection lost: %w", err)
		close(c.lostCh)
	})
	if c.callbacks.OnError != nil {
		c.callbacks.OnError(err)
	}
}

// resetSession drops the session state after a failed login. The connection
// stays open; Close tears it down.
func (c *Client) resetSession() {
	c.mu.Lock()
	listener := c.listener
	c.listener = nil
	c.data = nil
	c.mu.Unlock()

	if listener != nil {
		listener.stop()
	}
}

// trySend delivers without blocking the listener; the channels are buffered
// and a full buffer means nobody is waiting anymore.
func trySend[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

// drain discards a stale signal left over from a previous session.
func drain[T any](ch chan T) {
	select {
	case <-ch:
	default:
	}
}
