package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Claims is the payload of every access token the server issues. Subject is
// the effective user; during impersonation ImpersonatorID names the admin
// actually driving the session.
type Claims struct {
	jwt.RegisteredClaims
	Email                  string   `json:"email,omitempty"`
	Practice               string   `json:"practice,omitempty"`
	Roles                  []string `json:"roles"`
	ImpersonatorID         string   `json:"impersonator_id,omitempty"`
	ImpersonationSessionID string   `json:"impersonation_session_id,omitempty"`
}

// IsImpersonated reports whether the token was minted for an impersonation session.
func (c *Claims) IsImpersonated() bool {
	return c.ImpersonationSessionID != ""
}

// TokenSubject is what the issuer needs to know about a user.
type TokenSubject struct {
	UserID   uuid.UUID
	Email    string
	Practice string
	Roles    []string
}

// TokenIssuer mints and verifies HS256 access tokens.
type TokenIssuer struct {
	secret    []byte
	issuer    string
	accessTTL time.Duration
	now       func() time.Time
}

// IssuerOption configures a TokenIssuer.
type IssuerOption func(*TokenIssuer)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) IssuerOption {
	return func(t *TokenIssuer) { t.now = now }
}

func NewTokenIssuer(secret []byte, issuer string, accessTTL time.Duration, opts ...IssuerOption) *TokenIssuer {
	t := &TokenIssuer{
		secret:    secret,
		issuer:    issuer,
		accessTTL: accessTTL,
		now:       time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// IssueAccess returns a signed access token for s and its expiry.
func (t *TokenIssuer) IssueAccess(s TokenSubject) (string, time.Time, error) {
	return t.sign(s, t.accessTTL, "", "")
}

// IssueImpersonation returns a token acting as target on behalf of
// impersonatorID, bound to sessionID and valid for ttl.
func (t *TokenIssuer) IssueImpersonation(target TokenSubject, impersonatorID, sessionID uuid.UUID, ttl time.Duration) (string, time.Time, error) {
	return t.sign(target, ttl, impersonatorID.String(), sessionID.String())
}

func (t *TokenIssuer) sign(s TokenSubject, ttl time.Duration, impersonator, session string) (string, time.Time, error) {
	if s.UserID == uuid.Nil {
		return "", time.Time{}, fmt.Errorf("user id is required")
	}
	now := t.now()
	exp := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.UserID.String(),
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
		Email:                  s.Email,
		Practice:               s.Practice,
		Roles:                  s.Roles,
		ImpersonatorID:         impersonator,
		ImpersonationSessionID: session,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Parse verifies signature, algorithm, issuer and expiry.
func (t *TokenIssuer) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithTimeFunc(t.now),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrTokenExpired
	}
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// NewRefreshToken returns an opaque 32-byte hex token. Only its hash is stored.
func NewRefreshToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashRefreshToken returns the hex sha256 digest persisted for a refresh token.
func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
