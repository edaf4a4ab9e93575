// Package chat maintains the client's realtime connection to the chat hub:
// lifecycle, bounded reconnect on initial connect failures, the credential
// divergence monitor, and the inbound message/typing surface.
package chat

import (
	"errors"
	"sync"
	"time"

	"github.com/ARCHER1511/techperts-dispatch/internal/clock"
	"github.com/ARCHER1511/techperts-dispatch/internal/hub"
	"github.com/ARCHER1511/techperts-dispatch/internal/session"
	"github.com/ARCHER1511/techperts-dispatch/pkg/logger"
	"github.com/ARCHER1511/techperts-dispatch/pkg/types"
)

var (
	// ErrNoCredential is returned by Start when the session has no bearer
	// credential. No connection attempt is made.
	ErrNoCredential = errors.New("no credential available")
	// ErrAlreadyStarted is returned by Start while a connection attempt or
	// live connection is active.
	ErrAlreadyStarted = errors.New("connection already started")
	// ErrNotConnected is surfaced on the send side channel when a send is
	// attempted without a live connection.
	ErrNotConnected = errors.New("not connected")
)

const (
	defaultMaxRetries      = 5
	defaultBaseDelay       = 2 * time.Second
	defaultMonitorInterval = 5 * time.Second
	defaultTypingWindow    = 3 * time.Second
)

// Options configures a Manager.
type Options struct {
	// HubURL is the address handed to the transport's Dial.
	HubURL string
	// MaxRetries bounds the backoff retry loop for initial connect failures.
	MaxRetries int
	// BaseDelay is the first retry delay; each retry doubles it.
	BaseDelay time.Duration
	// MonitorInterval is how often the session credential is re-checked
	// against the one used at dial time.
	MonitorInterval time.Duration
	// TypingWindow is how long a typing signal stays visible without refresh.
	TypingWindow time.Duration
	// Clock overrides the time source used for message stamps and typing
	// expiry deadlines.
	Clock clock.Clock
}

func (o *Options) withDefaults() {
	if o.MaxRetries == 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.BaseDelay == 0 {
		o.BaseDelay = defaultBaseDelay
	}
	if o.MonitorInterval == 0 {
		o.MonitorInterval = defaultMonitorInterval
	}
	if o.TypingWindow == 0 {
		o.TypingWindow = defaultTypingWindow
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
}

// Manager owns exactly one logical hub connection per authenticated session.
//
// All state (connection state, message log, typing signal) is mutated only by
// the Manager's own methods and event handlers; callers read through the
// accessor methods and the registered observers.
type Manager struct {
	opts      Options
	session   session.Context
	transport hub.Transport

	// afterFunc is a test seam for timer scheduling.
	afterFunc func(time.Duration, func()) *time.Timer

	mu sync.Mutex
	// gen is the connection generation. Every Start and Stop bumps it;
	// callbacks and timers capture the generation they were created under and
	// no-op once it is stale. This is what keeps completions that arrive
	// after teardown from mutating state.
	gen         int
	running     bool
	state       types.ConnectionState
	conn        hub.Conn
	dialCred    string
	messages    []types.ChatMessage
	typing      *types.TypingSignal
	typingSeq   int
	typingTimer *time.Timer
	retryTimer  *time.Timer
	monitorDone chan struct{}

	onState     func(types.ConnectionState)
	onMessage   func(types.ChatMessage)
	onTyping    func(*types.TypingSignal)
	onSendError func(op string, err error)
}

// NewManager creates a Manager. The connection is not started.
func NewManager(sess session.Context, transport hub.Transport, opts Options) *Manager {
	opts.withDefaults()
	return &Manager{
		opts:      opts,
		session:   sess,
		transport: transport,
		afterFunc: time.AfterFunc,
		state:     types.StateDisconnected,
	}
}

// OnStateChange registers the connection state observer.
func (m *Manager) OnStateChange(fn func(types.ConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

// OnMessage registers the inbound message observer.
func (m *Manager) OnMessage(fn func(types.ChatMessage)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = fn
}

// OnTyping registers the typing indicator observer. The observer receives nil
// when the indicator expires.
func (m *Manager) OnTyping(fn func(*types.TypingSignal)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTyping = fn
}

// OnSendError registers the side channel for send failures.
func (m *Manager) OnSendError(fn func(op string, err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSendError = fn
}

// Start begins a connection attempt.
//
// It fails immediately with ErrNoCredential when the session has no bearer
// credential. While a connection or attempt is live it returns
// ErrAlreadyStarted; once the manager has settled in StateError a fresh Start
// supersedes the dead attempt.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.running && m.state != types.StateError {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	conn := m.teardownLocked()

	cred := m.session.Credential()
	if cred == "" {
		notify := m.setStateLocked(types.StateDisconnected)
		m.mu.Unlock()
		notify()
		if conn != nil {
			_ = conn.Close()
		}
		logger.Errorf("chat: no credential available, not connecting")
		return ErrNoCredential
	}

	m.running = true
	m.dialCred = cred
	gen := m.gen
	done := make(chan struct{})
	m.monitorDone = done
	notify := m.setStateLocked(types.StateConnecting)
	m.mu.Unlock()
	notify()
	if conn != nil {
		_ = conn.Close()
	}

	go m.monitor(gen, done)
	go m.dial(gen, 0)
	return nil
}

// Stop gracefully closes the active connection, clears the message log and
// cancels all timers. Calling it with nothing active is a no-op.
func (m *Manager) Stop() {
	m.mu.Lock()
	conn := m.teardownLocked()
	notify := m.setStateLocked(types.StateDisconnected)
	m.mu.Unlock()
	notify()
	if conn != nil {
		_ = conn.Close()
	}
}

// teardownLocked invalidates the current generation and releases everything
// owned by it. The caller closes the returned connection after unlocking.
func (m *Manager) teardownLocked() hub.Conn {
	m.gen++
	m.running = false
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.typingTimer != nil {
		m.typingTimer.Stop()
		m.typingTimer = nil
	}
	m.typing = nil
	if m.monitorDone != nil {
		close(m.monitorDone)
		m.monitorDone = nil
	}
	conn := m.conn
	m.conn = nil
	m.messages = nil
	return conn
}

// dial performs one connect attempt. attempt 0 is the initial connect; failed
// attempts schedule retry attempt+1 with delay BaseDelay × 2^attempt, up to
// MaxRetries, after which the manager settles in StateError.
func (m *Manager) dial(gen, attempt int) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	url := m.opts.HubURL
	m.mu.Unlock()

	conn, err := m.transport.Dial(url, m.session.Credential)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if err != nil {
		notify := m.setStateLocked(types.StateError)
		if attempt < m.opts.MaxRetries {
			next := attempt + 1
			delay := m.opts.BaseDelay << (next - 1)
			m.retryTimer = m.afterFunc(delay, func() {
				m.dial(gen, next)
			})
			m.mu.Unlock()
			notify()
			logger.Warnf("chat: connect failed (attempt %d): %v, retrying in %s", attempt+1, err, delay)
			return
		}
		m.mu.Unlock()
		notify()
		logger.Errorf("chat: connect failed after %d retries, giving up: %v", m.opts.MaxRetries, err)
		return
	}

	m.conn = conn
	m.wireLocked(gen, conn)
	notify := m.setStateLocked(types.StateConnected)
	m.mu.Unlock()
	notify()
	logger.Infof("chat: connected to hub")
}

// wireLocked registers the connection's event handlers, binding them to the
// generation that produced the connection.
func (m *Manager) wireLocked(gen int, conn hub.Conn) {
	conn.OnMessage(func(senderID, body string) {
		m.handleMessage(gen, senderID, body)
	})
	conn.OnTyping(func(senderID string) {
		m.handleTyping(gen, senderID)
	})
	conn.OnReconnecting(func() {
		m.transition(gen, types.StateReconnecting)
	})
	conn.OnReconnected(func() {
		m.transition(gen, types.StateConnected)
	})
	conn.OnClose(func(reason string) {
		m.handleClose(gen, reason)
	})
}

func (m *Manager) handleMessage(gen int, senderID, body string) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	msg := types.ChatMessage{SenderID: senderID, Body: body, SentAt: m.opts.Clock.Now()}
	m.messages = append(m.messages, msg)
	fn := m.onMessage
	m.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (m *Manager) handleTyping(gen int, senderID string) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	// Last event wins: replace the signal and its timer unconditionally.
	if m.typingTimer != nil {
		m.typingTimer.Stop()
	}
	m.typingSeq++
	seq := m.typingSeq
	sig := &types.TypingSignal{
		UserID:    senderID,
		ExpiresAt: m.opts.Clock.Now().Add(m.opts.TypingWindow),
	}
	m.typing = sig
	m.typingTimer = m.afterFunc(m.opts.TypingWindow, func() {
		m.clearTyping(gen, seq)
	})
	fn := m.onTyping
	m.mu.Unlock()
	if fn != nil {
		fn(sig)
	}
}

func (m *Manager) clearTyping(gen, seq int) {
	m.mu.Lock()
	if gen != m.gen || seq != m.typingSeq || m.typing == nil {
		m.mu.Unlock()
		return
	}
	m.typing = nil
	m.typingTimer = nil
	fn := m.onTyping
	m.mu.Unlock()
	if fn != nil {
		fn(nil)
	}
}

func (m *Manager) transition(gen int, state types.ConnectionState) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	notify := m.setStateLocked(state)
	m.mu.Unlock()
	notify()
}

// handleClose handles the transport reporting the connection gone for good.
// The message log is cleared; the credential monitor keeps running so a token
// change can still trigger a fresh Start. The manager is no longer running, so
// a caller-issued Start can begin a new attempt directly.
func (m *Manager) handleClose(gen int, reason string) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.conn = nil
	m.messages = nil
	if m.typingTimer != nil {
		m.typingTimer.Stop()
		m.typingTimer = nil
	}
	m.typing = nil
	notify := m.setStateLocked(types.StateDisconnected)
	m.mu.Unlock()
	notify()
	logger.Warnf("chat: disconnected from hub: %s", reason)
}

// monitor periodically re-derives the session credential and restarts the
// connection when it diverges from the one used at dial time. This keeps the
// live connection's identity from silently drifting away from the session's.
func (m *Manager) monitor(gen int, done chan struct{}) {
	ticker := time.NewTicker(m.opts.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.mu.Lock()
			if gen != m.gen {
				m.mu.Unlock()
				return
			}
			want := m.dialCred
			m.mu.Unlock()

			if cur := m.session.Credential(); cur != want {
				logger.Infof("chat: credential changed, restarting connection")
				m.Stop()
				if err := m.Start(); err != nil {
					logger.Errorf("chat: restart after credential change failed: %v", err)
				}
				return
			}
		}
	}
}

// SendMessage delivers a private message. Sends are fire and forget: failures
// are logged and reported on the OnSendError side channel, never returned.
func (m *Manager) SendMessage(recipientID, body string) {
	m.send("message", func(conn hub.Conn) error {
		return conn.SendMessage(recipientID, body)
	})
}

// SendTyping signals that the local user is typing, with the same best-effort
// failure policy as SendMessage.
func (m *Manager) SendTyping(recipientID string) {
	m.send("typing", func(conn hub.Conn) error {
		return conn.SendTyping(recipientID)
	})
}

func (m *Manager) send(op string, fn func(hub.Conn) error) {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()

	if state != types.StateConnected || conn == nil {
		m.reportSendError(op, ErrNotConnected)
		return
	}
	go func() {
		if err := fn(conn); err != nil {
			m.reportSendError(op, err)
		}
	}()
}

func (m *Manager) reportSendError(op string, err error) {
	logger.Warnf("chat: %s send failed: %v", op, err)
	m.mu.Lock()
	fn := m.onSendError
	m.mu.Unlock()
	if fn != nil {
		fn(op, err)
	}
}

// State returns the current connection state.
func (m *Manager) State() types.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Messages returns a copy of the message log in arrival order.
func (m *Manager) Messages() []types.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ChatMessage, len(m.messages))
	copy(out, m.messages)
	return out
}

// Typing returns the active typing signal, if any.
func (m *Manager) Typing() (types.TypingSignal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.typing == nil {
		return types.TypingSignal{}, false
	}
	return *m.typing, true
}

// setStateLocked records the new state and returns the observer notification
// to run after the lock is released. Repeated states do not re-notify.
func (m *Manager) setStateLocked(state types.ConnectionState) func() {
	if m.state == state {
		return func() {}
	}
	m.state = state
	fn := m.onState
	if fn == nil {
		return func() {}
	}
	return func() { fn(state) }
}
