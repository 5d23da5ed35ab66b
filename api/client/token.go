package client

import (
	"context"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource supplies the bearer token for coordinator requests.
// An empty token means requests are sent without credentials.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// NoToken sends requests without credentials
type NoToken struct{}

// Token implements TokenSource
func (NoToken) Token(context.Context) (string, error) { return "", nil }

// StaticToken is a fixed bearer token
type StaticToken struct {
	token  string
	expiry *time.Time
}

// NewStaticToken creates a fixed token source.
// If the token is a JWT its expiry is read (without verification) so that
// an expired token is flagged in the logs instead of failing silently.
func NewStaticToken(token string) *StaticToken {
	s := &StaticToken{token: token}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return s
	}
	if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil {
		t := exp.Time
		s.expiry = &t
	}
	return s
}

// Expiry returns the JWT expiry, if the token carries one
func (s *StaticToken) Expiry() (time.Time, bool) {
	if s.expiry == nil {
		return time.Time{}, false
	}
	return *s.expiry, true
}

// Token implements TokenSource
func (s *StaticToken) Token(context.Context) (string, error) {
	if s.expiry != nil && time.Now().After(*s.expiry) {
		log.Printf("WARNING: static access token expired at %s", s.expiry.Format(time.RFC3339))
	}
	return s.token, nil
}
