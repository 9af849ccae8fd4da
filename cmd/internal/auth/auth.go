// Package auth turns bearer tokens (or a trusted gateway header) into a verified
// caller id. The messaging core trusts whatever id this package puts in the context.
package auth

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrInvalidToken    = errors.New("invalid token")
	ErrExpiredToken    = errors.New("token expired")
)

// Verifier checks a token and returns the user id it was issued for.
type Verifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

type callerKey struct{}

// WithCaller returns a copy of ctx carrying the verified caller id.
func WithCaller(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, callerKey{}, userID)
}

// CallerID returns the verified caller id, if any.
func CallerID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(callerKey{}).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(header[len(prefix):])
	return tok, tok != ""
}
