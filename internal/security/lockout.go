// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// =============================================================================
// LOCKOUT CONSTANTS
// =============================================================================

const (
	// DefaultMaxAttempts is the number of consecutive failures before lockout.
	DefaultMaxAttempts = 5

	// DefaultLockoutDuration is how long a key stays locked.
	DefaultLockoutDuration = 5 * time.Minute
)

// LockoutKey builds the key failed attempts are counted under. Counting per
// client and identifier keeps one noisy client from locking out an operator
// everywhere.
func LockoutKey(clientIP, identifier string) string {
	return clientIP + ":" + identifier
}

// =============================================================================
// ATTEMPT RECORD
// =============================================================================

// AttemptRecord tracks consecutive failures for one key.
type AttemptRecord struct {
	Count        int       `json:"count"`
	FirstAttempt time.Time `json:"first_attempt,omitempty"`
	LastAttempt  time.Time `json:"last_attempt"`
	LockedUntil  time.Time `json:"locked_until,omitempty"`
	LockoutCount int       `json:"lockout_count,omitempty"`
}

// lockedAt reports whether the record is locked at now.
func (a *AttemptRecord) lockedAt(now time.Time) bool {
	return !a.LockedUntil.IsZero() && now.Before(a.LockedUntil)
}

// =============================================================================
// LOCKOUT MANAGER
// =============================================================================

// LockoutManager counts failed step-1 attempts and locks keys that exceed
// the threshold. It is safe for concurrent use.
type LockoutManager struct {
	attempts        map[string]*AttemptRecord
	maxAttempts     int
	lockoutDuration time.Duration
	enabled         bool
	now             func() time.Time
	mu              sync.Mutex
}

// LockoutManagerOption is a functional option for configuring LockoutManager.
type LockoutManagerOption func(*LockoutManager)

// WithMaxAttempts sets the failure threshold. Values below 1 are ignored.
func WithMaxAttempts(max int) LockoutManagerOption {
	return func(l *LockoutManager) {
		if max >= 1 {
			l.maxAttempts = max
		}
	}
}

// WithLockoutDuration sets how long a lockout lasts.
func WithLockoutDuration(d time.Duration) LockoutManagerOption {
	return func(l *LockoutManager) {
		if d > 0 {
			l.lockoutDuration = d
		}
	}
}

// WithLockoutEnabled turns counting on or off.
func WithLockoutEnabled(enabled bool) LockoutManagerOption {
	return func(l *LockoutManager) {
		l.enabled = enabled
	}
}

// WithLockoutClock overrides the time source.
func WithLockoutClock(now func() time.Time) LockoutManagerOption {
	return func(l *LockoutManager) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLockoutManager creates a LockoutManager with default thresholds.
func NewLockoutManager(opts ...LockoutManagerOption) *LockoutManager {
	l := &LockoutManager{
		attempts:        make(map[string]*AttemptRecord),
		maxAttempts:     DefaultMaxAttempts,
		lockoutDuration: DefaultLockoutDuration,
		enabled:         true,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// IsLocked reports whether key is currently locked.
func (l *LockoutManager) IsLocked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return false
	}
	record, ok := l.attempts[key]
	return ok && record.lockedAt(l.now())
}

// RecordAttempt records the outcome of an attempt for key. It returns
// ErrLocked when the key is locked, including when this failure locks it.
func (l *LockoutManager) RecordAttempt(key string, success bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return nil
	}

	now := l.now()
	masked := maskIdentifier(key)

	record, ok := l.attempts[key]
	if !ok {
		record = &AttemptRecord{}
		l.attempts[key] = record
	}

	if record.lockedAt(now) {
		log.Printf("AUTH_ATTEMPT_BLOCKED | key=%s remaining=%s", masked, record.LockedUntil.Sub(now).Round(time.Second))
		return ErrLocked
	}

	// An expired lockout starts a fresh series.
	if !record.LockedUntil.IsZero() {
		record.LockedUntil = time.Time{}
		record.Count = 0
		record.FirstAttempt = time.Time{}
	}

	record.LastAttempt = now

	if success {
		delete(l.attempts, key)
		return nil
	}

	if record.FirstAttempt.IsZero() {
		record.FirstAttempt = now
	}
	record.Count++

	if record.Count >= l.maxAttempts {
		record.LockedUntil = now.Add(l.lockoutDuration)
		record.LockoutCount++
		log.Printf("AUTH_LOCKOUT | key=%s attempts=%d duration=%s lockout_number=%d",
			masked, record.Count, l.lockoutDuration, record.LockoutCount)
		return ErrLocked
	}

	log.Printf("AUTH_ATTEMPT | key=%s success=false attempt_count=%s", masked, fmt.Sprintf("%d/%d", record.Count, l.maxAttempts))
	return nil
}

// Reset clears all state for key.
func (l *LockoutManager) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, key)
}

// GetStatus returns a copy of the record for key, or nil.
func (l *LockoutManager) GetStatus(key string) *AttemptRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.attempts[key]
	if !ok {
		return nil
	}
	cp := *record
	return &cp
}

// LockoutEntry describes one locked key.
type LockoutEntry struct {
	Key         string        `json:"key"`
	LockedUntil time.Time     `json:"locked_until"`
	Remaining   time.Duration `json:"remaining"`
}

// ListLocked returns every currently locked key, masked, soonest expiry first.
func (l *LockoutManager) ListLocked() []LockoutEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var entries []LockoutEntry
	for key, record := range l.attempts {
		if record.lockedAt(now) {
			entries = append(entries, LockoutEntry{
				Key:         maskIdentifier(key),
				LockedUntil: record.LockedUntil,
				Remaining:   record.LockedUntil.Sub(now),
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LockedUntil.Before(entries[j].LockedUntil)
	})
	return entries
}

// Cleanup drops records whose lockout has expired or whose failure series is
// older than the lockout window. Returns the number removed.
func (l *LockoutManager) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, record := range l.attempts {
		if record.lockedAt(now) {
			continue
		}
		if !record.LockedUntil.IsZero() || now.Sub(record.LastAttempt) > l.lockoutDuration {
			delete(l.attempts, key)
			removed++
		}
	}
	return removed
}

// MaxAttempts returns the configured threshold.
func (l *LockoutManager) MaxAttempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxAttempts
}
