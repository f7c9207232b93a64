package relayline

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource supplies the current access token and obtains a fresh one when
// the server stops accepting it. The durable credential (refresh cookie, API
// key, ...) behind Refresh is the implementation's concern.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticTokenSource returns a fixed token and "refreshes" to the same value.
// Intended for tests and single-shot tools.
func StaticTokenSource(token string) TokenSource {
	return staticTokenSource(token)
}

type staticTokenSource string

func (s staticTokenSource) Token(context.Context) (string, error)   { return string(s), nil }
func (s staticTokenSource) Refresh(context.Context) (string, error) { return string(s), nil }

// tokenExpired reports whether the JWT's exp claim is within leeway of
// expiry. The signature is not verified; the server remains the authority,
// this only lets the client refresh proactively instead of bouncing off a
// rejected handshake. Tokens that do not parse as JWTs are never treated as
// expired locally.
func tokenExpired(token string, leeway time.Duration) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Now().Add(leeway).After(exp.Time)
}
