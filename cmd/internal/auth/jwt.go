package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const minHMACKeyBytes = 32

// JWTVerifier validates signed JWTs and yields their "sub" claim.
type JWTVerifier struct {
	parser *jwt.Parser
	key    any
}

// JWTOption tightens what a JWTVerifier accepts.
type JWTOption func(*jwtOptions)

type jwtOptions struct {
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// WithIssuer requires the "iss" claim to match.
func WithIssuer(iss string) JWTOption {
	return func(o *jwtOptions) { o.issuer = strings.TrimSpace(iss) }
}

// WithAudience requires the "aud" claim to contain aud.
func WithAudience(aud string) JWTOption {
	return func(o *jwtOptions) { o.audience = strings.TrimSpace(aud) }
}

// WithLeeway tolerates clock skew on exp/nbf/iat.
func WithLeeway(d time.Duration) JWTOption {
	return func(o *jwtOptions) {
		if d > 0 {
			o.leeway = d
		}
	}
}

// WithVerifyClock overrides the validation clock (tests).
func WithVerifyClock(now func() time.Time) JWTOption {
	return func(o *jwtOptions) { o.now = now }
}

// NewHS256Verifier validates tokens signed with a shared secret.
func NewHS256Verifier(secret []byte, opts ...JWTOption) (*JWTVerifier, error) {
	if len(secret) < minHMACKeyBytes {
		return nil, fmt.Errorf("auth: hmac secret must be at least %d bytes", minHMACKeyBytes)
	}
	return newJWTVerifier(jwt.SigningMethodHS256.Alg(), append([]byte(nil), secret...), opts), nil
}

// NewRS256Verifier validates tokens signed by the identity provider's RSA key.
func NewRS256Verifier(publicKeyPEM []byte, opts ...JWTOption) (*JWTVerifier, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("auth: parse rsa public key: %w", err)
	}
	return newJWTVerifier(jwt.SigningMethodRS256.Alg(), key, opts), nil
}

func newJWTVerifier(alg string, key any, opts []JWTOption) *JWTVerifier {
	o := collect(opts)

	popts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{alg}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if o.issuer != "" {
		popts = append(popts, jwt.WithIssuer(o.issuer))
	}
	if o.audience != "" {
		popts = append(popts, jwt.WithAudience(o.audience))
	}
	if o.leeway > 0 {
		popts = append(popts, jwt.WithLeeway(o.leeway))
	}
	if o.now != nil {
		popts = append(popts, jwt.WithTimeFunc(o.now))
	}
	return &JWTVerifier{parser: jwt.NewParser(popts...), key: key}
}

func collect(opts []JWTOption) jwtOptions {
	var o jwtOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrUnauthenticated
	}

	var claims jwt.RegisteredClaims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) { return v.key, nil })
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return "", fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	return sub, nil
}

// IssueHS256 mints a token for userID. It serves dev tooling and tests;
// production tokens come from the identity provider.
func IssueHS256(secret []byte, userID string, ttl time.Duration, now time.Time, opts ...JWTOption) (string, error) {
	if len(secret) < minHMACKeyBytes {
		return "", fmt.Errorf("auth: hmac secret must be at least %d bytes", minHMACKeyBytes)
	}
	o := collect(opts)

	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    o.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if o.audience != "" {
		claims.Audience = jwt.ClaimStrings{o.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
