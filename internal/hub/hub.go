// Package hub defines the transport boundary between the chat manager and the
// realtime messaging endpoint. The manager is written against these
// interfaces; the socketio subpackage provides the production implementation
// and tests substitute a fake.
package hub

// CredentialFactory returns the bearer credential to present when dialing or
// re-authenticating. It is invoked per attempt so transport-level reconnects
// pick up refreshed tokens.
type CredentialFactory func() string

// Conn is an established hub connection.
//
// Handler registration is not synchronized with event delivery; callers
// register all handlers immediately after Dial returns, before events flow.
type Conn interface {
	// OnMessage registers the handler for inbound private messages.
	OnMessage(fn func(senderID, body string))
	// OnTyping registers the handler for inbound typing signals.
	OnTyping(fn func(senderID string))
	// OnReconnecting fires when the transport loses the connection and starts
	// its own retry cycle.
	OnReconnecting(fn func())
	// OnReconnected fires when a transport-level retry re-establishes the
	// connection.
	OnReconnected(fn func())
	// OnClose fires when the connection is gone for good (server kick, client
	// close, or the transport giving up).
	OnClose(fn func(reason string))

	// SendMessage delivers a private message to the recipient.
	SendMessage(recipientID, body string) error
	// SendTyping notifies the recipient that the local user is typing.
	SendTyping(recipientID string) error

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Transport dials hub connections.
type Transport interface {
	// Dial connects to the hub at url, authenticating with the credential
	// factory. It blocks until the connection is established or fails.
	Dial(url string, creds CredentialFactory) (Conn, error)
}
