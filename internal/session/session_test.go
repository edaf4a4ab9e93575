package session

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/ARCHER1511/techperts-dispatch/internal/clock/clocktest"
)

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return raw
}

func TestTokenContext_Identity(t *testing.T) {
	t.Parallel()

	withID := signToken(t, jwt.MapClaims{
		"deliveryPersonId": "driver-42",
		"sub":              "user-42",
	})
	subOnly := signToken(t, jwt.MapClaims{"sub": "user-42"})

	tests := []struct {
		name  string
		token string
		want  string
	}{
		{"delivery person claim wins", withID, "driver-42"},
		{"falls back to subject", subOnly, "user-42"},
		{"empty token", "", ""},
		{"garbage token", "not-a-jwt", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sess := NewTokenContext(func() string { return tc.token }, nil)
			require.Equal(t, tc.want, sess.Identity())
		})
	}
}

func TestTokenContext_CredentialExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clocktest.New(now)
	raw := signToken(t, jwt.MapClaims{
		"deliveryPersonId": "driver-42",
		"exp":              now.Add(time.Hour).Unix(),
	})

	sess := NewTokenContext(func() string { return raw }, clk)
	require.Equal(t, raw, sess.Credential())

	// Crossing the expiry makes the credential read as absent, which is what
	// drives the connection manager's teardown.
	clk.Advance(2 * time.Hour)
	require.Equal(t, "", sess.Credential())
	// Identity is still derivable from the claims.
	require.Equal(t, "driver-42", sess.Identity())
}

func TestTokenContext_UnparseableTokenForwarded(t *testing.T) {
	t.Parallel()

	// The client holds no verification key, so an opaque blob is passed
	// through for the server to judge.
	sess := NewTokenContext(func() string { return "opaque-blob" }, nil)
	require.Equal(t, "opaque-blob", sess.Credential())
}

func TestStatic(t *testing.T) {
	t.Parallel()

	sess := Static{Token: "tok", DriverID: "driver-1"}
	require.Equal(t, "tok", sess.Credential())
	require.Equal(t, "driver-1", sess.Identity())
}
