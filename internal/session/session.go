package session

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/ARCHER1511/techperts-dispatch/internal/clock"
	"github.com/ARCHER1511/techperts-dispatch/pkg/logger"
)

// Context supplies the current authenticated identity to the dispatch client.
//
// The session store itself (login flow, token refresh, persistence) is owned
// by the embedding application; the client only reads through this interface
// and polls it for divergence.
type Context interface {
	// Credential returns the current bearer token, or "" when the session is
	// unauthenticated or the token is no longer usable.
	Credential() string
	// Identity returns the delivery-person id for the session, or "".
	Identity() string
}

// Static is a fixed-value Context, useful for tools and tests.
type Static struct {
	Token    string
	DriverID string
}

// Credential implements Context.
func (s Static) Credential() string { return s.Token }

// Identity implements Context.
func (s Static) Identity() string { return s.DriverID }

// TokenSource returns the current raw bearer token, or "" when absent.
type TokenSource func() string

// tokenClaims is the JWT payload shape issued by the backend.
type tokenClaims struct {
	DeliveryPersonID string `json:"deliveryPersonId,omitempty"`
	jwt.RegisteredClaims
}

// TokenContext derives both credential and identity from a bearer token
// source. Expired tokens are reported as absent so the connection manager's
// divergence monitor tears the connection down instead of carrying a dead
// credential.
type TokenContext struct {
	source TokenSource
	clk    clock.Clock
}

var _ Context = (*TokenContext)(nil)

// NewTokenContext creates a TokenContext over the given token source.
func NewTokenContext(source TokenSource, clk clock.Clock) *TokenContext {
	if clk == nil {
		clk = clock.Real{}
	}
	return &TokenContext{source: source, clk: clk}
}

// Credential implements Context.
func (t *TokenContext) Credential() string {
	raw := t.source()
	if raw == "" {
		return ""
	}
	claims, err := t.parse(raw)
	if err != nil {
		// An unparseable token is still forwarded; the server decides.
		return raw
	}
	if claims.ExpiresAt != nil && !t.clk.Now().Before(claims.ExpiresAt.Time) {
		logger.Debugf("session: bearer token expired at %s", claims.ExpiresAt.Time)
		return ""
	}
	return raw
}

// Identity implements Context.
func (t *TokenContext) Identity() string {
	raw := t.source()
	if raw == "" {
		return ""
	}
	claims, err := t.parse(raw)
	if err != nil {
		logger.Debugf("session: failed to parse bearer token: %v", err)
		return ""
	}
	if claims.DeliveryPersonID != "" {
		return claims.DeliveryPersonID
	}
	return claims.Subject
}

// parse decodes the token claims without signature verification. The client
// holds no verification key; the backend validates every request anyway.
func (t *TokenContext) parse(raw string) (*tokenClaims, error) {
	claims := &tokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, err
	}
	return claims, nil
}
