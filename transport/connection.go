package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the lifecycle state of one TCP link.
type State string

const (
	StateOpen    State = "OPEN"
	StateClosing State = "CLOSING"
	StateClosed  State = "CLOSED"
)

// ConnectionOptions controls runtime behavior of a Connection.
type ConnectionOptions struct {
	Outbound     bool
	WriteTimeout time.Duration
	Logger       logrus.FieldLogger

	// OnFrame is called from the read loop once per complete frame.
	OnFrame func(conn *Connection, payload []byte)
	// OnClose is called exactly once after the socket has been released.
	OnClose func(conn *Connection, err error)
}

// Connection manages one framed TCP link to a peer.
type Connection struct {
	conn     net.Conn
	remoteIP string
	outbound bool

	writeTimeout time.Duration
	log          logrus.FieldLogger
	onFrame      func(*Connection, []byte)
	onClose      func(*Connection, error)

	writeMu sync.Mutex

	stateMu sync.RWMutex
	state   State

	closeOnce sync.Once
	closed    chan struct{}
	readDone  chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// NewConnection wraps an established socket and starts its read loop.
func NewConnection(conn net.Conn, options ConnectionOptions) *Connection {
	writeTimeout := options.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	c := &Connection{
		conn:         conn,
		remoteIP:     hostIP(conn.RemoteAddr()),
		outbound:     options.Outbound,
		writeTimeout: writeTimeout,
		onFrame:      options.OnFrame,
		onClose:      options.OnClose,
		state:        StateOpen,
		closed:       make(chan struct{}),
		readDone:     make(chan struct{}),
	}
	c.log = logger.WithFields(logrus.Fields{
		"peer_ip":  c.remoteIP,
		"outbound": c.outbound,
	})

	go c.readLoop()
	return c
}

// RemoteIP returns the peer address without port.
func (c *Connection) RemoteIP() string {
	return c.remoteIP
}

// Outbound reports whether the link was actively opened by this side.
func (c *Connection) Outbound() bool {
	return c.outbound
}

// State returns the current connection state.
func (c *Connection) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Done is closed when the connection is fully closed.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// ReadDone is closed once the read loop has returned and no more frames will
// be handed to OnFrame.
func (c *Connection) ReadDone() <-chan struct{} {
	return c.readDone
}

// Err returns the error that closed the connection, if any.
func (c *Connection) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// Write sends one payload as a length-prefixed frame.
func (c *Connection) Write(payload []byte) error {
	if c.State() != StateOpen {
		return ErrStreamNotWritable
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// The link may have closed while this writer waited for the lock.
	if c.State() != StateOpen {
		return ErrStreamNotWritable
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		c.closeWithError(fmt.Errorf("set write deadline: %w", err))
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if err := WriteFrame(c.conn, payload); err != nil {
		if errors.Is(err, ErrEmptyFrame) || errors.Is(err, ErrFrameTooLarge) {
			return err
		}
		c.closeWithError(err)
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return nil
}

// Close releases the socket. Calling Close more than once is a no-op.
func (c *Connection) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *Connection) readLoop() {
	defer close(c.readDone)

	for {
		payload, err := ReadFrame(c.conn)
		if err != nil {
			if c.State() != StateOpen {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.closeWithError(nil)
				return
			}
			c.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		if c.onFrame != nil {
			c.onFrame(c, payload)
		}
	}
}

func (c *Connection) setState(state State) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = state
}

func (c *Connection) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		c.setState(StateClosing)
		_ = c.conn.Close()
		c.setState(StateClosed)
		close(c.closed)

		if err != nil {
			c.log.WithError(err).Debug("connection closed")
		} else {
			c.log.Debug("connection closed")
		}
		if c.onClose != nil {
			c.onClose(c, err)
		}
	})
}

func hostIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
