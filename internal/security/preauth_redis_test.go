// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRedisTestStore connects to ZTGATE_TEST_REDIS or skips.
func newRedisTestStore(t *testing.T) (*RedisPreAuthStore, *fakeClock) {
	t.Helper()
	addr := os.Getenv("ZTGATE_TEST_REDIS")
	if addr == "" {
		t.Skip("ZTGATE_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable at %s: %v", addr, err)
	}

	// Redis expires keys on wall-clock time, so the fake clock starts now.
	clock := &fakeClock{t: time.Now().Truncate(time.Millisecond)}
	s := NewRedisPreAuthStore(client, time.Minute, clock.Now)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func TestRedisConsumeExactlyOnce(t *testing.T) {
	s, _ := newRedisTestStore(t)
	ctx := context.Background()

	sess, err := s.Create(ctx, testOperator, TrustAssessment{Score: 75, RiskLevel: RiskLow}, time.Minute)
	require.NoError(t, err)

	got, err := s.Lookup(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, testOperator, got.Operator)
	assert.Equal(t, 75, got.Trust.Score)

	op, err := s.Consume(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, testOperator, op)

	_, err = s.Consume(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrSessionAlreadyConsumed)
}

func TestRedisExpiryAndFailures(t *testing.T) {
	s, clock := newRedisTestStore(t)
	ctx := context.Background()

	sess, err := s.Create(ctx, testOperator, TrustAssessment{}, 30*time.Second)
	require.NoError(t, err)

	left, err := s.RecordFailure(ctx, sess.Token, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, left)

	clock.Advance(30 * time.Second)
	_, err = s.Consume(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrSessionExpired)
	_, err = s.RecordFailure(ctx, sess.Token, 3)
	assert.ErrorIs(t, err, ErrSessionExpired)

	burned, err := s.Create(ctx, testOperator, TrustAssessment{}, time.Minute)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.RecordFailure(ctx, burned.Token, 3)
		require.NoError(t, err)
	}
	_, err = s.Lookup(ctx, burned.Token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
