// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"
)

// =============================================================================
// PRE-AUTH SESSIONS
// =============================================================================

const (
	// DefaultPreAuthTTL is the lifetime of a pre-auth session.
	DefaultPreAuthTTL = 120 * time.Second

	// DefaultTombstoneRetention is how long a dead session is remembered
	// after its expires_at so that late step-2 calls still see Expired or
	// AlreadyConsumed instead of NotFound.
	DefaultTombstoneRetention = 10 * time.Minute

	// DefaultSweepInterval is how often the memory store drops tombstones.
	DefaultSweepInterval = 15 * time.Second

	// preAuthTokenBytes is the entropy of a pre-auth token.
	preAuthTokenBytes = 32
)

// PreAuthSession binds a verified operator and its trust assessment between
// step 1 and step 2.
type PreAuthSession struct {
	Token          string           `json:"token"`
	Operator       OperatorIdentity `json:"operator"`
	Trust          TrustAssessment  `json:"trust"`
	CreatedAt      time.Time        `json:"created_at"`
	ExpiresAt      time.Time        `json:"expires_at"`
	Consumed       bool             `json:"consumed"`
	FailedAttempts int              `json:"failed_attempts"`
}

// ExpiresIn returns the whole seconds left at now, never negative. It is a
// display value only; validity is always decided against ExpiresAt.
func (p PreAuthSession) ExpiresIn(now time.Time) int {
	left := p.ExpiresAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(left.Round(time.Second) / time.Second)
}

// state classifies the session at now.
func (p PreAuthSession) state(now time.Time) error {
	if !now.Before(p.ExpiresAt) {
		return ErrSessionExpired
	}
	if p.Consumed {
		return ErrSessionAlreadyConsumed
	}
	return nil
}

// PreAuthStore holds pre-auth sessions. Implementations must make Consume
// atomic: for any token at most one call ever succeeds.
type PreAuthStore interface {
	// Create stores a new session that expires ttl from now.
	Create(ctx context.Context, op OperatorIdentity, trust TrustAssessment, ttl time.Duration) (PreAuthSession, error)

	// Lookup returns the session if it is still usable, without changing it.
	Lookup(ctx context.Context, token string) (PreAuthSession, error)

	// RecordFailure counts a wrong one-time code against the session. When
	// the count reaches max the session is destroyed. It returns the number
	// of attempts left.
	RecordFailure(ctx context.Context, token string, max int) (int, error)

	// Consume marks the session used and returns its operator.
	Consume(ctx context.Context, token string) (OperatorIdentity, error)

	// Active returns the number of sessions that are neither consumed nor expired.
	Active(ctx context.Context) (int, error)

	Close() error
}

// NewPreAuthToken returns an unguessable hex token.
func NewPreAuthToken() (string, error) {
	b := make([]byte, preAuthTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate pre-auth token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// =============================================================================
// MEMORY STORE
// =============================================================================

const preAuthShards = 32

type preAuthShard struct {
	mu       sync.Mutex
	sessions map[string]*PreAuthSession
}

// MemoryPreAuthStore keeps sessions in a sharded map. Each shard has its own
// lock, so operations on unrelated tokens rarely contend. Expiry is checked
// on every access; a background sweep only reclaims memory.
type MemoryPreAuthStore struct {
	shards    [preAuthShards]preAuthShard
	retention time.Duration
	interval  time.Duration
	now       func() time.Time

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// MemoryStoreOption configures a MemoryPreAuthStore.
type MemoryStoreOption func(*MemoryPreAuthStore)

// WithTombstoneRetention sets how long dead sessions are remembered.
func WithTombstoneRetention(d time.Duration) MemoryStoreOption {
	return func(s *MemoryPreAuthStore) {
		if d >= 0 {
			s.retention = d
		}
	}
}

// WithSweepInterval sets the sweep period. Zero disables the background sweep.
func WithSweepInterval(d time.Duration) MemoryStoreOption {
	return func(s *MemoryPreAuthStore) {
		if d >= 0 {
			s.interval = d
		}
	}
}

// WithStoreClock overrides the time source.
func WithStoreClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryPreAuthStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryPreAuthStore creates a store and starts its sweeper.
func NewMemoryPreAuthStore(opts ...MemoryStoreOption) *MemoryPreAuthStore {
	s := &MemoryPreAuthStore{
		retention: DefaultTombstoneRetention,
		interval:  DefaultSweepInterval,
		now:       time.Now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.shards {
		s.shards[i].sessions = make(map[string]*PreAuthSession)
	}

	if s.interval > 0 {
		go s.sweepLoop()
	} else {
		close(s.done)
	}
	return s
}

func (s *MemoryPreAuthStore) shard(token string) *preAuthShard {
	h := fnv.New32a()
	h.Write([]byte(token))
	return &s.shards[h.Sum32()%preAuthShards]
}

// Create implements PreAuthStore.
func (s *MemoryPreAuthStore) Create(ctx context.Context, op OperatorIdentity, trust TrustAssessment, ttl time.Duration) (PreAuthSession, error) {
	if err := ctx.Err(); err != nil {
		return PreAuthSession{}, err
	}
	if ttl <= 0 {
		ttl = DefaultPreAuthTTL
	}
	token, err := NewPreAuthToken()
	if err != nil {
		return PreAuthSession{}, err
	}

	now := s.now()
	sess := &PreAuthSession{
		Token:     token,
		Operator:  op,
		Trust:     trust,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	sh := s.shard(token)
	sh.mu.Lock()
	sh.sessions[token] = sess
	sh.mu.Unlock()
	return *sess, nil
}

// Lookup implements PreAuthStore.
func (s *MemoryPreAuthStore) Lookup(ctx context.Context, token string) (PreAuthSession, error) {
	if err := ctx.Err(); err != nil {
		return PreAuthSession{}, err
	}
	sh := s.shard(token)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess, ok := sh.sessions[token]
	if !ok {
		return PreAuthSession{}, ErrSessionNotFound
	}
	if err := sess.state(s.now()); err != nil {
		return PreAuthSession{}, err
	}
	return *sess, nil
}

// RecordFailure implements PreAuthStore.
func (s *MemoryPreAuthStore) RecordFailure(ctx context.Context, token string, max int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	sh := s.shard(token)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess, ok := sh.sessions[token]
	if !ok {
		return 0, ErrSessionNotFound
	}
	if err := sess.state(s.now()); err != nil {
		return 0, err
	}
	sess.FailedAttempts++
	if max > 0 && sess.FailedAttempts >= max {
		delete(sh.sessions, token)
		return 0, nil
	}
	if max <= 0 {
		return -1, nil
	}
	return max - sess.FailedAttempts, nil
}

// Consume implements PreAuthStore.
func (s *MemoryPreAuthStore) Consume(ctx context.Context, token string) (OperatorIdentity, error) {
	if err := ctx.Err(); err != nil {
		return OperatorIdentity{}, err
	}
	sh := s.shard(token)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess, ok := sh.sessions[token]
	if !ok {
		return OperatorIdentity{}, ErrSessionNotFound
	}
	if err := sess.state(s.now()); err != nil {
		return OperatorIdentity{}, err
	}
	sess.Consumed = true
	return sess.Operator, nil
}

// Active implements PreAuthStore.
func (s *MemoryPreAuthStore) Active(ctx context.Context) (int, error) {
	now := s.now()
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, sess := range sh.sessions {
			if sess.state(now) == nil {
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n, ctx.Err()
}

// Sweep removes sessions whose tombstone retention has passed and returns
// how many were removed.
func (s *MemoryPreAuthStore) Sweep() int {
	now := s.now()
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for token, sess := range sh.sessions {
			if !now.Before(sess.ExpiresAt.Add(s.retention)) {
				delete(sh.sessions, token)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (s *MemoryPreAuthStore) sweepLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				log.Printf("PREAUTH_SWEEP | removed=%d", n)
			}
		}
	}
}

// Close stops the sweeper.
func (s *MemoryPreAuthStore) Close() error {
	s.once.Do(func() {
		close(s.stop)
	})
	<-s.done
	return nil
}
