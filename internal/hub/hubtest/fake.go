// Package hubtest provides a scriptable in-memory hub transport for tests.
package hubtest

import (
	"sync"

	"github.com/ARCHER1511/techperts-dispatch/internal/hub"
)

// SentMessage records an outbound message passed to a fake connection.
type SentMessage struct {
	RecipientID string
	Body        string
}

// FakeConn is an in-memory hub.Conn. Tests fire inbound events through the
// Fire helpers and inspect what was sent.
type FakeConn struct {
	mu             sync.Mutex
	closed         bool
	sendErr        error
	sent           []SentMessage
	typingSent     []string
	onMessage      func(senderID, body string)
	onTyping       func(senderID string)
	onReconnecting func()
	onReconnected  func()
	onClose        func(reason string)
}

var _ hub.Conn = (*FakeConn)(nil)

func (c *FakeConn) OnMessage(fn func(senderID, body string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

func (c *FakeConn) OnTyping(fn func(senderID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTyping = fn
}

func (c *FakeConn) OnReconnecting(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnecting = fn
}

func (c *FakeConn) OnReconnected(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnected = fn
}

func (c *FakeConn) OnClose(fn func(reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

func (c *FakeConn) SendMessage(recipientID, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, SentMessage{RecipientID: recipientID, Body: body})
	return nil
}

func (c *FakeConn) SendTyping(recipientID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.typingSent = append(c.typingSent, recipientID)
	return nil
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// SetSendErr makes subsequent sends fail with err.
func (c *FakeConn) SetSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Closed reports whether Close was called.
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Sent returns the messages sent so far.
func (c *FakeConn) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SentMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

// TypingSent returns the recipients typed at so far.
func (c *FakeConn) TypingSent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.typingSent))
	copy(out, c.typingSent)
	return out
}

// FireMessage delivers an inbound message event.
func (c *FakeConn) FireMessage(senderID, body string) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(senderID, body)
	}
}

// FireTyping delivers an inbound typing event.
func (c *FakeConn) FireTyping(senderID string) {
	c.mu.Lock()
	fn := c.onTyping
	c.mu.Unlock()
	if fn != nil {
		fn(senderID)
	}
}

// FireReconnecting simulates the transport losing the connection and retrying.
func (c *FakeConn) FireReconnecting() {
	c.mu.Lock()
	fn := c.onReconnecting
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// FireReconnected simulates a successful transport-level reconnect.
func (c *FakeConn) FireReconnected() {
	c.mu.Lock()
	fn := c.onReconnected
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// FireClose simulates the connection closing for good.
func (c *FakeConn) FireClose(reason string) {
	c.mu.Lock()
	fn := c.onClose
	c.mu.Unlock()
	if fn != nil {
		fn(reason)
	}
}

// FakeTransport hands out FakeConns and records the credential presented on
// each dial.
type FakeTransport struct {
	mu      sync.Mutex
	dialErr error
	conns   []*FakeConn
	creds   []string
}

var _ hub.Transport = (*FakeTransport)(nil)

// Dial implements hub.Transport.
func (t *FakeTransport) Dial(url string, creds hub.CredentialFactory) (hub.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.creds = append(t.creds, creds())
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	conn := &FakeConn{}
	t.conns = append(t.conns, conn)
	return conn, nil
}

// SetDialErr makes subsequent dials fail with err (nil restores success).
func (t *FakeTransport) SetDialErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialErr = err
}

// DialCount returns how many dials were attempted.
func (t *FakeTransport) DialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.creds)
}

// Credentials returns the credential presented on each dial, in order.
func (t *FakeTransport) Credentials() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.creds))
	copy(out, t.creds)
	return out
}

// LastConn returns the most recently established connection, or nil.
func (t *FakeTransport) LastConn() *FakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}
