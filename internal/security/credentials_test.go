// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubCredentialStore returns a fixed error or blocks until the context ends.
type stubCredentialStore struct {
	err   error
	block bool
}

func (s stubCredentialStore) Lookup(ctx context.Context, _ string) (OperatorRecord, bool, error) {
	if s.block {
		<-ctx.Done()
		return OperatorRecord{}, false, ctx.Err()
	}
	return OperatorRecord{}, false, s.err
}

func TestCredentialVerifier(t *testing.T) {
	v := NewCredentialVerifier(NewOperatorStore(testOperators(t)), time.Second)
	ctx := context.Background()

	op, err := v.Verify(ctx, "commander", testPassword)
	require.NoError(t, err)
	assert.Equal(t, OperatorIdentity{ID: "commander", DisplayName: "Col. Hayes", Role: RoleCommander, Clearance: ClearanceTopSecret}, op)

	for _, tc := range []struct{ id, secret string }{
		{"commander", "wrong"},
		{"nobody", testPassword},
		{"retired", testPassword},
		{"", ""},
	} {
		_, err := v.Verify(ctx, tc.id, tc.secret)
		assert.ErrorIs(t, err, ErrInvalidCredentials, "%q", tc.id)
	}
}

func TestCredentialVerifierStoreFailure(t *testing.T) {
	v := NewCredentialVerifier(stubCredentialStore{err: errStoreDown}, time.Second)

	_, err := v.Verify(context.Background(), "commander", testPassword)
	require.ErrorIs(t, err, errStoreDown)
	assert.False(t, errors.Is(err, ErrInvalidCredentials))
}

func TestCredentialVerifierTimeout(t *testing.T) {
	v := NewCredentialVerifier(stubCredentialStore{block: true}, 20*time.Millisecond)

	start := time.Now()
	_, err := v.Verify(context.Background(), "commander", testPassword)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestHashSecret(t *testing.T) {
	hash, err := HashSecret("hunter2")
	require.NoError(t, err)

	v := NewCredentialVerifier(NewOperatorStore([]OperatorRecord{
		{ID: "x", Role: RoleRedTeam, Clearance: ClearanceConfidential, PasswordHash: hash},
	}), 0)
	_, err = v.Verify(context.Background(), "x", "hunter2")
	assert.NoError(t, err)

	_, err = HashSecret("")
	assert.Error(t, err)
}
