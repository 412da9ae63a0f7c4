// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// REDIS STORE
// =============================================================================

// redisKeyPrefix namespaces pre-auth keys.
const redisKeyPrefix = "ztgate:preauth:"

// Script status codes shared by the Lua scripts below.
const (
	redisNotFound = 0
	redisExpired  = 1
	redisConsumed = 2
	redisOK       = 3
)

// consumeScript checks and flips the consumed flag in one round trip.
// ARGV[1] is the caller's clock in unix milliseconds.
var consumeScript = redis.NewScript(`
local k = KEYS[1]
if redis.call('EXISTS', k) == 0 then return {0, ''} end
local exp = tonumber(redis.call('HGET', k, 'expires_at'))
if tonumber(ARGV[1]) >= exp then return {1, ''} end
if redis.call('HGET', k, 'consumed') == '1' then return {2, ''} end
redis.call('HSET', k, 'consumed', '1')
return {3, redis.call('HGET', k, 'session')}
`)

// failureScript counts a wrong code. ARGV[1] is now in unix milliseconds and
// ARGV[2] is the attempt budget (0 = unlimited).
var failureScript = redis.NewScript(`
local k = KEYS[1]
if redis.call('EXISTS', k) == 0 then return {0, 0} end
local exp = tonumber(redis.call('HGET', k, 'expires_at'))
if tonumber(ARGV[1]) >= exp then return {1, 0} end
if redis.call('HGET', k, 'consumed') == '1' then return {2, 0} end
local n = redis.call('HINCRBY', k, 'failures', 1)
local max = tonumber(ARGV[2])
if max > 0 and n >= max then
  redis.call('DEL', k)
end
return {3, n}
`)

// RedisPreAuthStore keeps sessions in Redis hashes so several gateway
// instances can share step-1/step-2 state. Keys expire on their own
// retention deadline.
type RedisPreAuthStore struct {
	client    redis.UniversalClient
	retention time.Duration
	now       func() time.Time
}

// NewRedisPreAuthStore wraps an existing client.
func NewRedisPreAuthStore(client redis.UniversalClient, retention time.Duration, now func() time.Time) *RedisPreAuthStore {
	if retention < 0 {
		retention = DefaultTombstoneRetention
	}
	if now == nil {
		now = time.Now
	}
	return &RedisPreAuthStore{client: client, retention: retention, now: now}
}

// OpenRedisPreAuthStore connects to addr and pings it.
func OpenRedisPreAuthStore(ctx context.Context, addr, password string, db int, retention time.Duration) (*RedisPreAuthStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedisPreAuthStore(client, retention, nil), nil
}

func redisKey(token string) string {
	return redisKeyPrefix + token
}

// Create implements PreAuthStore.
func (s *RedisPreAuthStore) Create(ctx context.Context, op OperatorIdentity, trust TrustAssessment, ttl time.Duration) (PreAuthSession, error) {
	if ttl <= 0 {
		ttl = DefaultPreAuthTTL
	}
	token, err := NewPreAuthToken()
	if err != nil {
		return PreAuthSession{}, err
	}

	now := s.now()
	sess := PreAuthSession{
		Token:     token,
		Operator:  op,
		Trust:     trust,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return PreAuthSession{}, fmt.Errorf("encode pre-auth session: %w", err)
	}

	key := redisKey(token)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"session", payload,
		"expires_at", sess.ExpiresAt.UnixMilli(),
		"consumed", "0",
		"failures", 0,
	)
	pipe.PExpireAt(ctx, key, sess.ExpiresAt.Add(s.retention))
	if _, err := pipe.Exec(ctx); err != nil {
		return PreAuthSession{}, fmt.Errorf("store pre-auth session: %w", err)
	}
	return sess, nil
}

// Lookup implements PreAuthStore.
func (s *RedisPreAuthStore) Lookup(ctx context.Context, token string) (PreAuthSession, error) {
	fields, err := s.client.HGetAll(ctx, redisKey(token)).Result()
	if err != nil {
		return PreAuthSession{}, fmt.Errorf("load pre-auth session: %w", err)
	}
	if len(fields) == 0 {
		return PreAuthSession{}, ErrSessionNotFound
	}

	var sess PreAuthSession
	if err := json.Unmarshal([]byte(fields["session"]), &sess); err != nil {
		return PreAuthSession{}, fmt.Errorf("decode pre-auth session: %w", err)
	}
	sess.Consumed = fields["consumed"] == "1"
	sess.FailedAttempts, _ = strconv.Atoi(fields["failures"])

	if err := sess.state(s.now()); err != nil {
		return PreAuthSession{}, err
	}
	return sess, nil
}

// RecordFailure implements PreAuthStore.
func (s *RedisPreAuthStore) RecordFailure(ctx context.Context, token string, max int) (int, error) {
	res, err := failureScript.Run(ctx, s.client, []string{redisKey(token)}, s.now().UnixMilli(), max).Slice()
	if err != nil {
		return 0, fmt.Errorf("record pre-auth failure: %w", err)
	}
	status, count, err := scriptPair(res)
	if err != nil {
		return 0, err
	}
	if err := statusError(status); err != nil {
		return 0, err
	}
	n, _ := count.(int64)
	if max <= 0 {
		return -1, nil
	}
	if left := max - int(n); left > 0 {
		return left, nil
	}
	return 0, nil
}

// Consume implements PreAuthStore.
func (s *RedisPreAuthStore) Consume(ctx context.Context, token string) (OperatorIdentity, error) {
	res, err := consumeScript.Run(ctx, s.client, []string{redisKey(token)}, s.now().UnixMilli()).Slice()
	if err != nil {
		return OperatorIdentity{}, fmt.Errorf("consume pre-auth session: %w", err)
	}
	status, payload, err := scriptPair(res)
	if err != nil {
		return OperatorIdentity{}, err
	}
	if err := statusError(status); err != nil {
		return OperatorIdentity{}, err
	}

	raw, _ := payload.(string)
	var sess PreAuthSession
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return OperatorIdentity{}, fmt.Errorf("decode pre-auth session: %w", err)
	}
	return sess.Operator, nil
}

// Active implements PreAuthStore by scanning the key space.
func (s *RedisPreAuthStore) Active(ctx context.Context) (int, error) {
	now := s.now().UnixMilli()
	n := 0
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		vals, err := s.client.HMGet(ctx, iter.Val(), "expires_at", "consumed").Result()
		if err != nil || len(vals) != 2 {
			continue
		}
		expStr, _ := vals[0].(string)
		consumed, _ := vals[1].(string)
		exp, err := strconv.ParseInt(expStr, 10, 64)
		if err == nil && now < exp && consumed != "1" {
			n++
		}
	}
	return n, iter.Err()
}

// Close closes the Redis client.
func (s *RedisPreAuthStore) Close() error {
	return s.client.Close()
}

func scriptPair(res []interface{}) (int64, interface{}, error) {
	if len(res) != 2 {
		return 0, nil, errors.New("unexpected pre-auth script reply")
	}
	status, ok := res[0].(int64)
	if !ok {
		return 0, nil, errors.New("unexpected pre-auth script status")
	}
	return status, res[1], nil
}

func statusError(status int64) error {
	switch status {
	case redisOK:
		return nil
	case redisNotFound:
		return ErrSessionNotFound
	case redisExpired:
		return ErrSessionExpired
	case redisConsumed:
		return ErrSessionAlreadyConsumed
	default:
		return fmt.Errorf("unexpected pre-auth script status %d", status)
	}
}
