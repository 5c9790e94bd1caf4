package protocol

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSConnection carries PDUs as JSON text messages over a WebSocket. Browser
// clients use this transport; the protocol above it is identical to the TCP
// framing.
//
// Read errors on a gorilla connection are permanent, so the bounded Receive
// cannot be built on read deadlines the way the TCP codec is: the first
// routine idle timeout would kill the connection for good. Instead a pump
// goroutine owns all reads and Receive waits on its channel.
type WSConnection struct {
	conn *websocket.Conn

	sendMu sync.Mutex

	writeTimeout time.Duration

	inbound  chan *PDU
	readDone chan struct{}
	readErr  error

	stopCh    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewWSConnection wraps an upgraded or dialed WebSocket connection and starts
// its read pump.
func NewWSConnection(conn *websocket.Conn) *WSConnection {
	c := &WSConnection{
		conn:         conn,
		writeTimeout: defaultWriteTimeout,
		inbound:      make(chan *PDU, 16),
		readDone:     make(chan struct{}),
		stopCh:       make(chan struct{}),
	}
	go c.readPump()
	return c
}

// readPump is the only reader of the underlying connection. It runs until the
// first read error, which ends the connection's read side for good.
func (c *WSConnection) readPump() {
	defer close(c.readDone)

	for {
		var pdu PDU
		if err := c.conn.ReadJSON(&pdu); err != nil {
			c.readErr = classifyWSReceiveError(err)
			return
		}
		select {
		case c.inbound <- &pdu:
		case <-c.stopCh:
			return
		}
	}
}

// Send transmits one PDU as a JSON message.
func (c *WSConnection) Send(pdu *PDU) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	if err := c.conn.WriteJSON(pdu); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// Receive returns the next pumped PDU. A timeout only means nothing arrived
// within the window; the connection stays usable.
func (c *WSConnection) Receive(timeout time.Duration) (*PDU, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case pdu := <-c.inbound:
		return pdu, nil
	case <-c.readDone:
		// Messages pumped before the terminal error still get delivered.
		select {
		case pdu := <-c.inbound:
			return pdu, nil
		default:
		}
		return nil, c.readErr
	case <-expired:
		return nil, ErrTimeout
	}
}

// Close closes the WebSocket connection and releases the read pump.
func (c *WSConnection) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		deadline := time.Now().Add(time.Second)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the peer address.
func (c *WSConnection) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

func classifyWSReceiveError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ErrEndOfStream
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return ErrEndOfStream
	}
	return &TransportError{Op: "receive", Err: err}
}
