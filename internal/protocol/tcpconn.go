package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/acknet/ackchat/internal/logger"
)

const defaultWriteTimeout = 10 * time.Second

// TCPConnection frames PDUs as newline-delimited JSON over a stream
// connection. It satisfies Connection for both ends of the protocol.
type TCPConnection struct {
	conn   net.Conn
	reader *bufio.Reader

	// partial holds the prefix of a line whose read was cut short by the
	// receive deadline. The next Receive call completes the frame.
	partial string

	// Serializes writes: events from broadcasting workers and responses
	// from the owning worker interleave on the same connection.
	sendMu sync.Mutex

	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NewTCPConnection wraps an established stream connection.
func NewTCPConnection(conn net.Conn) *TCPConnection {
	return &TCPConnection{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		writeTimeout: defaultWriteTimeout,
	}
}

// Send marshals the PDU and writes it as one line.
func (c *TCPConnection) Send(pdu *PDU) error {
	data, err := json.Marshal(pdu)
	if err != nil {
		return fmt.Errorf("failed to marshal pdu: %w", err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	if _, err := fmt.Fprintf(c.conn, "%s\n", data); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// Receive reads the next PDU line. Malformed lines are discarded and reading
// continues until the deadline.
func (c *TCPConnection) Receive(timeout time.Duration) (*PDU, error) {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, &TransportError{Op: "receive", Err: err}
	}

	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			// A deadline can expire mid-frame. ReadString has already
			// consumed the prefix, so keep it for the next call instead
			// of losing the PDU.
			c.partial += line
			return nil, classifyReceiveError(err)
		}

		line = c.partial + line
		c.partial = ""

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var pdu PDU
		if err := json.Unmarshal([]byte(line), &pdu); err != nil {
			logger.Debug("Discarding malformed pdu from %s: %v", c.RemoteAddr(), err)
			continue
		}
		return &pdu, nil
	}
}

// Close closes the underlying connection.
func (c *TCPConnection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the peer address.
func (c *TCPConnection) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

func classifyReceiveError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrEndOfStream
	}
	return &TransportError{Op: "receive", Err: err}
}
