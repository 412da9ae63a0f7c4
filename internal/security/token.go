// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"crypto/rand"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// =============================================================================
// ACCESS TOKENS
// =============================================================================

const (
	// DefaultAccessTokenTTL is the lifetime of an issued access token.
	DefaultAccessTokenTTL = 30 * time.Minute

	// MinSigningKeyBytes is the shortest accepted HS256 key.
	MinSigningKeyBytes = 32
)

// AccessToken is the credential issued when a login reaches COMPLETE.
// Its subject is fixed at issuance.
type AccessToken struct {
	ID       string           `json:"id"`
	Subject  OperatorIdentity `json:"subject"`
	IssuedAt time.Time        `json:"issued_at"`
	Expiry   time.Time        `json:"expiry"`
	Raw      string           `json:"-"`
}

// accessClaims is the JWT body.
type accessClaims struct {
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	Clearance Clearance `json:"clearance"`
	jwt.RegisteredClaims
}

// TokenService issues, verifies and revokes access tokens. Issuing is
// unexported: the only caller is the Authenticator after a consumed
// pre-auth session and a verified one-time code.
type TokenService struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	live    map[string]AccessToken
	revoked map[string]time.Time
}

// TokenServiceOption configures a TokenService.
type TokenServiceOption func(*TokenService)

// WithTokenTTL sets the access-token lifetime.
func WithTokenTTL(d time.Duration) TokenServiceOption {
	return func(t *TokenService) {
		if d > 0 {
			t.ttl = d
		}
	}
}

// WithTokenIssuer sets the iss claim.
func WithTokenIssuer(iss string) TokenServiceOption {
	return func(t *TokenService) {
		if iss != "" {
			t.issuer = iss
		}
	}
}

// WithTokenClock overrides the time source.
func WithTokenClock(now func() time.Time) TokenServiceOption {
	return func(t *TokenService) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTokenService creates a service signing with key.
func NewTokenService(key []byte, opts ...TokenServiceOption) (*TokenService, error) {
	if len(key) < MinSigningKeyBytes {
		return nil, fmt.Errorf("signing key must be at least %d bytes", MinSigningKeyBytes)
	}
	t := &TokenService{
		key:     append([]byte(nil), key...),
		issuer:  "ztgate",
		ttl:     DefaultAccessTokenTTL,
		now:     time.Now,
		live:    make(map[string]AccessToken),
		revoked: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// RandomSigningKey returns a fresh key for deployments that did not
// configure one. Tokens do not survive a restart with such a key.
func RandomSigningKey() ([]byte, error) {
	key := make([]byte, MinSigningKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// TTL returns the configured token lifetime.
func (t *TokenService) TTL() time.Duration {
	return t.ttl
}

// issue mints a token for op.
func (t *TokenService) issue(op OperatorIdentity) (AccessToken, error) {
	now := t.now().Truncate(time.Second)
	tok := AccessToken{
		ID:       uuid.NewString(),
		Subject:  op,
		IssuedAt: now,
		Expiry:   now.Add(t.ttl),
	}

	claims := accessClaims{
		Name:      op.DisplayName,
		Role:      op.Role,
		Clearance: op.Clearance,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   op.ID,
			Issuer:    t.issuer,
			ID:        tok.ID,
			IssuedAt:  jwt.NewNumericDate(tok.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(tok.Expiry),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return AccessToken{}, fmt.Errorf("sign access token: %w", err)
	}
	tok.Raw = signed

	t.mu.Lock()
	t.live[tok.ID] = tok
	t.pruneLocked(now)
	t.mu.Unlock()
	return tok, nil
}

// Verify parses raw and returns the token it encodes. Only HS256 tokens
// signed with this service's key, from this issuer, unexpired and not
// revoked are accepted.
func (t *TokenService) Verify(raw string) (AccessToken, error) {
	if raw == "" {
		return AccessToken{}, ErrTokenInvalid
	}

	claims := &accessClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil || !token.Valid {
		return AccessToken{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.ID == "" || claims.Subject == "" || !claims.Role.Valid() || !claims.Clearance.Valid() {
		return AccessToken{}, fmt.Errorf("%w: incomplete claims", ErrTokenInvalid)
	}

	t.mu.Lock()
	_, revoked := t.revoked[claims.ID]
	t.mu.Unlock()
	if revoked {
		return AccessToken{}, ErrTokenRevoked
	}

	return AccessToken{
		ID: claims.ID,
		Subject: OperatorIdentity{
			ID:          claims.Subject,
			DisplayName: claims.Name,
			Role:        claims.Role,
			Clearance:   claims.Clearance,
		},
		IssuedAt: claims.IssuedAt.Time,
		Expiry:   claims.ExpiresAt.Time,
		Raw:      raw,
	}, nil
}

// Sessions returns the unexpired, unrevoked tokens issued by this process,
// newest first.
func (t *TokenService) Sessions() []AccessToken {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.pruneLocked(now)
	out := make([]AccessToken, 0, len(t.live))
	for _, tok := range t.live {
		tok.Raw = ""
		out = append(out, tok)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].IssuedAt.After(out[j].IssuedAt)
	})
	return out
}

// Revoke invalidates the token with id until its natural expiry.
func (t *TokenService) Revoke(id string) (AccessToken, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tok, ok := t.live[id]
	if !ok {
		return AccessToken{}, ErrNoSuchSession
	}
	delete(t.live, id)
	t.revoked[id] = tok.Expiry
	tok.Raw = ""
	return tok, nil
}

// pruneLocked forgets expired tokens and revocations that can no longer matter.
func (t *TokenService) pruneLocked(now time.Time) {
	for id, tok := range t.live {
		if !now.Before(tok.Expiry) {
			delete(t.live, id)
		}
	}
	for id, exp := range t.revoked {
		if !now.Before(exp) {
			delete(t.revoked, id)
		}
	}
}
