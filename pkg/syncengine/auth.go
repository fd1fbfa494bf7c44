package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrReauthRequired halts sync: the bearer credential is absent or
// expired and the user must re-authenticate. Not retryable; offline data
// entry continues unaffected.
var ErrReauthRequired = errors.New("syncengine: re-authentication required")

// TokenProvider supplies the bearer credential for the remote endpoints.
// The enrollment/authentication flow owning it is out of scope.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenProvider serves a fixed token, rejecting it once its JWT
// expiry claim has passed. The signature is not verified here; that is
// the server's job; the client only needs to know when to stop trying.
type StaticTokenProvider struct {
	token string
	clock func() time.Time
}

// NewStaticTokenProvider wraps a bearer token.
func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{token: token, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (p *StaticTokenProvider) WithClock(clock func() time.Time) *StaticTokenProvider {
	p.clock = clock
	return p
}

// Token returns the credential or ErrReauthRequired.
func (p *StaticTokenProvider) Token(ctx context.Context) (string, error) {
	if p.token == "" {
		return "", ErrReauthRequired
	}
	exp, err := tokenExpiry(p.token)
	if err != nil {
		// Opaque (non-JWT) tokens are passed through; the server will
		// reject them with 401 if stale.
		return p.token, nil
	}
	if !exp.IsZero() && !p.clock().Before(exp) {
		return "", fmt.Errorf("%w: credential expired at %s", ErrReauthRequired, exp.Format(time.RFC3339))
	}
	return p.token, nil
}

func tokenExpiry(token string) (time.Time, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}
