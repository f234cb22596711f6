package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/omochice/foodshare-chat/internal/realtime"
)

// ErrTokenExpired is returned when the configured token is past its expiry.
var ErrTokenExpired = errors.New("token expired")

// StaticToken returns a provider that always hands out token. JWTs are
// inspected without verification and refused once expired, so the session
// stops reconnecting instead of retrying with a dead credential. Opaque
// tokens are passed through.
func StaticToken(token string) realtime.TokenProvider {
	return staticToken{token: token, now: time.Now}
}

type staticToken struct {
	token string
	now   func() time.Time
}

func (s staticToken) Token(ctx context.Context) (string, error) {
	if s.token == "" {
		return "", realtime.ErrNoToken
	}

	exp, err := Expiry(s.token)
	if err != nil || exp.IsZero() {
		return s.token, nil
	}
	if !s.now().Before(exp) {
		return "", fmt.Errorf("%w at %s", ErrTokenExpired, exp.Format(time.RFC3339))
	}
	return s.token, nil
}

// Expiry returns the exp claim of a JWT without verifying its signature.
// The zero time means the token carries no expiry.
func Expiry(token string) (time.Time, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("failed to parse token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}
