// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClearanceRankIsTotalOrder(t *testing.T) {
	all := AllClearances()
	for i := 1; i < len(all); i++ {
		if all[i-1].Rank() >= all[i].Rank() {
			t.Errorf("Rank(%s) = %d, want < Rank(%s) = %d", all[i-1], all[i-1].Rank(), all[i], all[i].Rank())
		}
	}
	if ClearanceNone.Rank() != 0 {
		t.Errorf("Rank(NONE) = %d, want 0", ClearanceNone.Rank())
	}
}

func TestPermitsNoReadUp(t *testing.T) {
	for _, subject := range AllClearances() {
		for _, resource := range AllClearances() {
			want := subject.Rank() >= resource.Rank()
			if got := Permits(subject, resource); got != want {
				t.Errorf("Permits(%s, %s) = %v, want %v", subject, resource, got, want)
			}
		}
	}

	if Permits(ClearanceNone, ClearanceConfidential) {
		t.Error("NONE must not satisfy CONFIDENTIAL")
	}
	if Permits(ClearanceTopSecret, ClearanceNone) {
		t.Error("an invalid resource clearance must not be satisfiable")
	}
}

func TestClearanceGap(t *testing.T) {
	tests := []struct {
		subject, resource Clearance
		want              int
	}{
		{ClearanceConfidential, ClearanceTopSecret, 2},
		{ClearanceSecret, ClearanceTopSecret, 1},
		{ClearanceTopSecret, ClearanceConfidential, 0},
		{ClearanceSecret, ClearanceSecret, 0},
	}
	for _, tt := range tests {
		if got := ClearanceGap(tt.subject, tt.resource); got != tt.want {
			t.Errorf("ClearanceGap(%s, %s) = %d, want %d", tt.subject, tt.resource, got, tt.want)
		}
	}
}

func TestParseClearance(t *testing.T) {
	tests := []struct {
		in   string
		want Clearance
	}{
		{"CONFIDENTIAL", ClearanceConfidential},
		{"secret", ClearanceSecret},
		{"TOP_SECRET", ClearanceTopSecret},
		{"Top Secret", ClearanceTopSecret},
		{"top-secret", ClearanceTopSecret},
		{"TS", ClearanceTopSecret},
		{" S ", ClearanceSecret},
	}
	for _, tt := range tests {
		got, err := ParseClearance(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseClearance("COSMIC")
	assert.True(t, errors.Is(err, ErrUnknownClearance))
}

func TestClearanceJSON(t *testing.T) {
	data, err := json.Marshal(map[string]Clearance{"c": ClearanceTopSecret})
	require.NoError(t, err)
	assert.JSONEq(t, `{"c":"TOP_SECRET"}`, string(data))

	var back map[string]Clearance
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, ClearanceTopSecret, back["c"])

	_, err = json.Marshal(ClearanceNone)
	assert.Error(t, err)
}

func TestRoleAllowedIgnoresClearance(t *testing.T) {
	r := ResourceDescriptor{ID: "X", RequiredClearance: ClearanceTopSecret, AllowedRoles: []Role{RoleRedTeam}}
	assert.True(t, RoleAllowed(RoleRedTeam, r))
	assert.False(t, RoleAllowed(RoleCommander, r))
}

func TestParseRole(t *testing.T) {
	role, err := ParseRole("soc_analyst")
	require.NoError(t, err)
	assert.Equal(t, RoleSOCAnalyst, role)

	_, err = ParseRole("janitor")
	assert.ErrorIs(t, err, ErrUnknownRole)
}
