// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOperatorStore(t *testing.T) {
	s, err := DefaultOperatorStore()
	require.NoError(t, err)
	assert.Equal(t, 3, s.Len())

	for _, id := range []string{"commander", "analyst", "redteam"} {
		r, ok, err := s.Lookup(context.Background(), id)
		require.NoError(t, err)
		require.True(t, ok, id)
		assert.NotEmpty(t, r.TOTPSecret)
	}
}

func TestParseOperatorsValidation(t *testing.T) {
	hash := testHash(t, "x")
	tests := map[string]string{
		"missing id":     "operators:\n  - role: COMMANDER\n    clearance: SECRET\n    password_hash: " + hash,
		"bad role":       "operators:\n  - id: a\n    role: JANITOR\n    clearance: SECRET\n    password_hash: " + hash,
		"bad clearance":  "operators:\n  - id: a\n    role: COMMANDER\n    clearance: COSMIC\n    password_hash: " + hash,
		"plaintext hash": "operators:\n  - id: a\n    role: COMMANDER\n    clearance: SECRET\n    password_hash: hunter2",
		"secret not base32": "operators:\n  - id: a\n    role: COMMANDER\n    clearance: SECRET\n    totp_secret: not-base32!\n    password_hash: " + hash,
		"duplicate": "operators:\n  - id: a\n    role: COMMANDER\n    clearance: SECRET\n    password_hash: " + hash +
			"\n  - id: a\n    role: COMMANDER\n    clearance: SECRET\n    password_hash: " + hash,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseOperators([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestMarshalOperatorsRoundTrip(t *testing.T) {
	records := testOperators(t)
	data, err := MarshalOperators(records)
	require.NoError(t, err)

	back, err := ParseOperators(data)
	require.NoError(t, err)
	assert.Equal(t, records, back)
}

func TestOperatorStoreSecrets(t *testing.T) {
	records := testOperators(t)
	records[2].TOTPSecret = ""
	s := NewOperatorStore(records)
	ctx := context.Background()

	secret, err := s.TOTPSecret(ctx, "commander")
	require.NoError(t, err)
	assert.Equal(t, commanderSecret, secret)

	_, err = s.TOTPSecret(ctx, "redteam")
	assert.ErrorIs(t, err, ErrNotEnrolled)

	_, err = s.TOTPSecret(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotEnrolled)
}

func TestOperatorStoreReloadKeepsSnapshotOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "operators.yaml")
	data, err := MarshalOperators(testOperators(t))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	s, err := LoadOperatorStore(path)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Len())

	require.NoError(t, os.WriteFile(path, []byte("operators: [::"), 0o600))
	assert.Error(t, s.Reload())
	assert.Equal(t, 4, s.Len())
}

func TestOperatorStoreWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "operators.yaml")
	records := testOperators(t)
	data, err := MarshalOperators(records[:1])
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	s, err := LoadOperatorStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Watch())
	defer s.Close()

	data, err = MarshalOperators(records)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	require.Eventually(t, func() bool { return s.Len() == len(records) }, 5*time.Second, 50*time.Millisecond)
}
