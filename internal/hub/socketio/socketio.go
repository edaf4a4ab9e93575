// Package socketio implements the hub transport over Socket.IO.
package socketio

import (
	"fmt"
	"sync"
	"time"

	socket "github.com/zishang520/socket.io/clients/socket/v3"
	sockettypes "github.com/zishang520/socket.io/v3/pkg/types"

	"github.com/ARCHER1511/techperts-dispatch/internal/hub"
	"github.com/ARCHER1511/techperts-dispatch/pkg/logger"
)

// Server-side hub method and event names.
const (
	eventReceiveMessage = "ReceivePrivateMessage"
	eventUserTyping     = "UserTyping"
	methodSendMessage   = "SendPrivateMessage"
	methodSendTyping    = "SendTyping"
)

const (
	dialTimeout = 10 * time.Second
	ackTimeout  = 5 * time.Second
)

// Transport dials Socket.IO hub connections.
type Transport struct {
	path  string
	debug bool
}

var _ hub.Transport = (*Transport)(nil)

// New creates a Socket.IO transport that connects on the given path.
func New(path string, debug bool) *Transport {
	return &Transport{path: path, debug: debug}
}

// Dial implements hub.Transport.
func (t *Transport) Dial(url string, creds hub.CredentialFactory) (hub.Conn, error) {
	if t.debug {
		logger.Debugf("socketio: connecting to %s (path: %s)", url, t.path)
	}

	opts := socket.DefaultOptions()
	opts.SetPath(t.path)
	opts.SetTransports(sockettypes.NewSet(socket.Polling, socket.WebSocket))
	opts.SetAuth(map[string]interface{}{
		"token": creds(),
	})

	sock, err := socket.Connect(url, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	conn := &Conn{sock: sock, debug: t.debug}

	connected := make(chan struct{}, 1)
	dialErr := make(chan error, 1)

	sock.On(sockettypes.EventName("connect"), func(args ...any) {
		select {
		case connected <- struct{}{}:
			// First connect resolves the dial.
		default:
			// Later connects are transport-level reconnects.
			conn.fireReconnected()
		}
	})

	sock.On(sockettypes.EventName("connect_error"), func(args ...any) {
		var detail any
		if len(args) > 0 {
			detail = args[0]
		}
		select {
		case dialErr <- fmt.Errorf("connect error: %v", detail):
		default:
			// During an established connection this is just the transport's
			// own retry cycle failing an attempt.
			if conn.debug {
				logger.Debugf("socketio: reconnect attempt failed: %v", detail)
			}
		}
	})

	sock.On(sockettypes.EventName("disconnect"), func(args ...any) {
		reason := ""
		if len(args) > 0 {
			if r, ok := args[0].(string); ok {
				reason = r
			}
		}
		conn.handleDisconnect(reason)
	})

	sock.On(sockettypes.EventName(eventReceiveMessage), func(args ...any) {
		senderID, body := stringArg(args, 0), stringArg(args, 1)
		conn.fireMessage(senderID, body)
	})

	sock.On(sockettypes.EventName(eventUserTyping), func(args ...any) {
		conn.fireTyping(stringArg(args, 0))
	})

	select {
	case <-connected:
		if t.debug {
			logger.Debugf("socketio: connected, id=%s", sock.Id())
		}
		return conn, nil
	case err := <-dialErr:
		sock.Disconnect()
		return nil, err
	case <-time.After(dialTimeout):
		sock.Disconnect()
		return nil, fmt.Errorf("connect timeout after %s", dialTimeout)
	}
}

// Conn is an established Socket.IO hub connection.
type Conn struct {
	sock  *socket.Socket
	debug bool

	mu             sync.RWMutex
	closed         bool
	onMessage      func(senderID, body string)
	onTyping       func(senderID string)
	onReconnecting func()
	onReconnected  func()
	onClose        func(reason string)
}

var _ hub.Conn = (*Conn)(nil)

// OnMessage implements hub.Conn.
func (c *Conn) OnMessage(fn func(senderID, body string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// OnTyping implements hub.Conn.
func (c *Conn) OnTyping(fn func(senderID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTyping = fn
}

// OnReconnecting implements hub.Conn.
func (c *Conn) OnReconnecting(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnecting = fn
}

// OnReconnected implements hub.Conn.
func (c *Conn) OnReconnected(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnected = fn
}

// OnClose implements hub.Conn.
func (c *Conn) OnClose(fn func(reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

// SendMessage implements hub.Conn.
func (c *Conn) SendMessage(recipientID, body string) error {
	return c.invoke(methodSendMessage, recipientID, body)
}

// SendTyping implements hub.Conn.
func (c *Conn) SendTyping(recipientID string) error {
	return c.invoke(methodSendTyping, recipientID)
}

// invoke emits a hub method and waits for the server ACK so delivery failures
// surface as errors instead of vanishing.
func (c *Conn) invoke(method string, args ...any) error {
	c.mu.RLock()
	sock, closed := c.sock, c.closed
	c.mu.RUnlock()

	if closed || sock == nil {
		return fmt.Errorf("not connected")
	}

	if c.debug {
		logger.Tracef("socketio: invoking %s", method)
	}

	ackErr := make(chan error, 1)
	emitArgs := append(args, func(ackArgs []any, err error) {
		ackErr <- err
	})
	sock.Emit(method, emitArgs...)

	select {
	case err := <-ackErr:
		if err != nil {
			return fmt.Errorf("%s failed: %w", method, err)
		}
		return nil
	case <-time.After(ackTimeout):
		return fmt.Errorf("%s: ack timeout", method)
	}
}

// Close implements hub.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sock := c.sock
	c.mu.Unlock()

	if sock != nil {
		sock.Disconnect()
	}
	return nil
}

func (c *Conn) handleDisconnect(reason string) {
	c.mu.RLock()
	closed := c.closed
	onClose := c.onClose
	onReconnecting := c.onReconnecting
	c.mu.RUnlock()

	if closed {
		return
	}

	// Socket.IO retries on its own for transient drops; explicit disconnects
	// (either side) are final.
	switch reason {
	case "io server disconnect", "io client disconnect":
		if c.debug {
			logger.Debugf("socketio: closed: %s", reason)
		}
		if onClose != nil {
			onClose(reason)
		}
	default:
		if c.debug {
			logger.Debugf("socketio: connection lost (%s), transport retrying", reason)
		}
		if onReconnecting != nil {
			onReconnecting()
		}
	}
}

func (c *Conn) fireReconnected() {
	c.mu.RLock()
	fn := c.onReconnected
	c.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (c *Conn) fireMessage(senderID, body string) {
	c.mu.RLock()
	fn := c.onMessage
	c.mu.RUnlock()
	if fn != nil {
		fn(senderID, body)
	}
}

func (c *Conn) fireTyping(senderID string) {
	c.mu.RLock()
	fn := c.onTyping
	c.mu.RUnlock()
	if fn != nil {
		fn(senderID)
	}
}

func stringArg(args []any, i int) string {
	if i >= len(args) {
		return ""
	}
	s, _ := args[i].(string)
	return s
}
