// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/ztgate/internal/audit"
)

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestPipelineCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.step1(t, "analyst")
	assert.Equal(t, StateMFA, res.State)
	assert.Equal(t, 120, res.ExpiresIn)
	assert.Len(t, res.Session.Token, 64)
	assert.Equal(t, "analyst", res.Session.Operator.ID)
	assert.Equal(t, RoleSOCAnalyst, res.Session.Operator.Role)
	assert.Equal(t, ClearanceSecret, res.Session.Operator.Clearance)

	h.clock.Advance(20 * time.Second)
	out, err := h.auth.Step2(ctx, Step2Request{
		Identifier:   "analyst",
		Code:         h.code(t, analystSecret),
		SessionToken: res.Session.Token,
		Signals:      goodSignals(),
	})
	require.NoError(t, err)
	assert.Equal(t, StateComplete, out.State)
	assert.NotEmpty(t, out.Token.Raw)
	assert.Equal(t, res.Session.Operator, out.Token.Subject)
	assert.Equal(t, h.clock.Now().Add(DefaultAccessTokenTTL), out.Token.Expiry)

	verified, err := h.auth.Authenticate(out.Token.Raw)
	require.NoError(t, err)
	assert.Equal(t, out.Token.ID, verified.ID)
	assert.Equal(t, res.Session.Operator, verified.Subject)

	assert.Equal(t, []string{audit.TypeCredVerified, audit.TypeLoginSuccess}, h.eventTypes())
}

func TestTrustImprovesAfterCompletedLogin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.step1(t, "commander")
	assert.Equal(t, 80, first.Session.Trust.Score, "unknown device costs its weight")
	assert.Equal(t, RiskLow, first.Session.Trust.RiskLevel)

	_, err := h.auth.Step2(ctx, Step2Request{
		Identifier:   "commander",
		Code:         h.code(t, commanderSecret),
		SessionToken: first.Session.Token,
		Signals:      goodSignals(),
	})
	require.NoError(t, err)

	second := h.step1(t, "commander")
	assert.Equal(t, 100, second.Session.Trust.Score)
}

// =============================================================================
// STEP 1 FAILURES
// =============================================================================

func TestStep1RejectsWithoutEnumeration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name, id, secret string
	}{
		{"wrong secret", "analyst", "nope"},
		{"unknown identifier", "ghost", testPassword},
		{"disabled operator", "retired", testPassword},
		{"empty identifier", "", testPassword},
		{"empty secret", "analyst", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.auth.Step1(ctx, Step1Request{Identifier: tc.id, Secret: tc.secret, Signals: goodSignals()})
			require.ErrorIs(t, err, ErrInvalidCredentials)
			assert.Equal(t, ErrInvalidCredentials.Error(), err.Error())
		})
	}

	active, err := h.sessions.Active(ctx)
	require.NoError(t, err)
	assert.Zero(t, active, "failed step 1 must not create a session")

	for _, e := range h.ledger.Query(audit.Filter{}) {
		assert.Equal(t, audit.TypeLoginFail, e.Type)
		assert.False(t, e.Success)
	}
}

func TestStep1LocksOutRepeatedFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := Step1Request{Identifier: "analyst", Secret: "wrong", Signals: goodSignals()}

	for i := 1; i <= DefaultMaxAttempts; i++ {
		_, err := h.auth.Step1(ctx, req)
		require.ErrorIs(t, err, ErrInvalidCredentials, "attempt %d", i)
	}
	fails := h.ledger.Query(audit.Filter{Type: audit.TypeLoginFail})
	require.Len(t, fails, DefaultMaxAttempts)
	last := fails[len(fails)-1]
	assert.Equal(t, "true", last.Metadata["locked"])
	assert.Equal(t, "5", last.Metadata["failures"])
	assert.Equal(t, "false", fails[0].Metadata["locked"])
	assert.Equal(t, "1", fails[0].Metadata["failures"])

	// Locked from the next attempt, even with the correct secret.
	req.Secret = testPassword
	_, err := h.auth.Step1(ctx, req)
	require.ErrorIs(t, err, ErrLocked)

	locked := h.ledger.Query(audit.Filter{Type: audit.TypeLoginLocked})
	assert.Len(t, locked, 1)

	// Another client address is not affected.
	other := req
	other.Signals.ClientIP = "10.20.30.41"
	_, err = h.auth.Step1(ctx, other)
	require.NoError(t, err)

	h.clock.Advance(DefaultLockoutDuration)
	_, err = h.auth.Step1(ctx, req)
	require.NoError(t, err)
}

func TestHighRiskShortensPreAuthTTL(t *testing.T) {
	h := newHarness(t)

	res, err := h.auth.Step1(context.Background(), Step1Request{
		Identifier: "redteam",
		Secret:     testPassword,
		Signals:    Signals{UserAgent: "curl/8.5", ClientIP: "203.0.113.9", Origin: "https://evil.example"},
	})
	require.NoError(t, err)
	assert.Equal(t, RiskHigh, res.Session.Trust.RiskLevel)
	assert.Equal(t, 0, res.Session.Trust.Score)
	assert.Equal(t, 60, res.ExpiresIn)
	assert.Equal(t, h.clock.Now().Add(60*time.Second), res.Session.ExpiresAt)
}

func TestHighRiskTTLCanBeDisabled(t *testing.T) {
	h := newHarness(t, func(d *AuthenticatorDeps) {
		d.Config.HighRiskShortensTTL = false
	})

	res, err := h.auth.Step1(context.Background(), Step1Request{
		Identifier: "redteam",
		Secret:     testPassword,
		Signals:    Signals{UserAgent: "curl/8.5", ClientIP: "203.0.113.9"},
	})
	require.NoError(t, err)
	assert.Equal(t, RiskHigh, res.Session.Trust.RiskLevel)
	assert.Equal(t, 120, res.ExpiresIn)
}

// =============================================================================
// STEP 2 SCENARIOS
// =============================================================================

func TestStep2AfterExpiryFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.step1(t, "analyst")
	h.clock.Advance(121 * time.Second)

	_, err := h.auth.Step2(ctx, Step2Request{
		Identifier:   "analyst",
		Code:         h.code(t, analystSecret),
		SessionToken: res.Session.Token,
	})
	require.ErrorIs(t, err, ErrSessionExpired)
	assert.True(t, IsSessionError(err))

	invalid := h.ledger.Query(audit.Filter{Type: audit.TypeSessionInvalid})
	require.Len(t, invalid, 1)
	assert.Equal(t, "analyst", invalid[0].Actor)

	// Restarting at step 1 works.
	fresh := h.step1(t, "analyst")
	_, err = h.auth.Step2(ctx, Step2Request{
		Identifier:   "analyst",
		Code:         h.code(t, analystSecret),
		SessionToken: fresh.Session.Token,
	})
	require.NoError(t, err)
}

func TestStep2ExactlyAtExpiryFails(t *testing.T) {
	h := newHarness(t)

	res := h.step1(t, "analyst")
	h.clock.Advance(DefaultPreAuthTTL)

	_, err := h.auth.Step2(context.Background(), Step2Request{
		Identifier:   "analyst",
		Code:         h.code(t, analystSecret),
		SessionToken: res.Session.Token,
	})
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestWrongCodeKeepsSessionValid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.step1(t, "commander")
	_, err := h.auth.Step2(ctx, Step2Request{
		Identifier:   "commander",
		Code:         h.wrongCode(t, commanderSecret),
		SessionToken: res.Session.Token,
	})
	require.ErrorIs(t, err, ErrInvalidCode)

	sess, err := h.sessions.Lookup(ctx, res.Session.Token)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.FailedAttempts)

	out, err := h.auth.Step2(ctx, Step2Request{
		Identifier:   "commander",
		Code:         h.code(t, commanderSecret),
		SessionToken: res.Session.Token,
	})
	require.NoError(t, err)
	assert.Equal(t, "commander", out.Token.Subject.ID)

	fails := h.ledger.Query(audit.Filter{Type: audit.TypeMFAFail})
	require.Len(t, fails, 1)
	_, budgeted := fails[0].Metadata["attempts_left"]
	assert.False(t, budgeted, "no code budget by default")
}

func TestManyWrongCodesThenCorrectCodeWithinTTL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.step1(t, "analyst")
	const wrong = 10
	for i := 0; i < wrong; i++ {
		h.clock.Advance(5 * time.Second)
		_, err := h.auth.Step2(ctx, Step2Request{
			Identifier:   "analyst",
			Code:         h.wrongCode(t, analystSecret),
			SessionToken: res.Session.Token,
		})
		require.ErrorIs(t, err, ErrInvalidCode, "attempt %d", i+1)
	}

	sess, err := h.sessions.Lookup(ctx, res.Session.Token)
	require.NoError(t, err)
	assert.Equal(t, wrong, sess.FailedAttempts)

	h.clock.Advance(5 * time.Second)
	out, err := h.auth.Step2(ctx, Step2Request{
		Identifier:   "analyst",
		Code:         h.code(t, analystSecret),
		SessionToken: res.Session.Token,
	})
	require.NoError(t, err)
	assert.Equal(t, "analyst", out.Token.Subject.ID)
	assert.Len(t, h.ledger.Query(audit.Filter{Type: audit.TypeMFAFail}), wrong)
}

func TestWrongCodeBudgetDestroysSession(t *testing.T) {
	const budget = 3
	h := newHarness(t, func(d *AuthenticatorDeps) {
		d.Config.MaxCodeAttempts = budget
	})
	ctx := context.Background()

	res := h.step1(t, "commander")
	bad := Step2Request{Identifier: "commander", Code: h.wrongCode(t, commanderSecret), SessionToken: res.Session.Token}
	for i := 0; i < budget; i++ {
		_, err := h.auth.Step2(ctx, bad)
		require.ErrorIs(t, err, ErrInvalidCode, "attempt %d", i+1)
	}
	fails := h.ledger.Query(audit.Filter{Type: audit.TypeMFAFail})
	require.Len(t, fails, budget)
	assert.Equal(t, "2", fails[0].Metadata["attempts_left"])
	assert.Equal(t, "0", fails[budget-1].Metadata["attempts_left"])

	_, err := h.auth.Step2(ctx, Step2Request{
		Identifier:   "commander",
		Code:         h.code(t, commanderSecret),
		SessionToken: res.Session.Token,
	})
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestUnusableSecretIsAudited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.step1(t, "commander")

	// A record loaded without validation carries a secret that cannot be decoded.
	records := testOperators(t)
	records[0].TOTPSecret = "not-base32!"
	h.store.replace(records)

	_, err := h.auth.Step2(ctx, Step2Request{
		Identifier:   "commander",
		Code:         "123456",
		SessionToken: res.Session.Token,
		Signals:      goodSignals(),
	})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidCode))

	fails := h.ledger.Query(audit.Filter{Type: audit.TypeMFAFail})
	require.Len(t, fails, 1)
	assert.Equal(t, "commander", fails[0].Actor)
	assert.Equal(t, "one-time code secret unusable", fails[0].Detail)
	assert.False(t, fails[0].Success)
	assert.Equal(t, []string{audit.TypeCredVerified, audit.TypeMFAFail}, h.eventTypes())
	assert.Empty(t, h.auth.Tokens().Sessions())
}

func TestStep2TwiceWithSameCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.step1(t, "redteam")
	req := Step2Request{Identifier: "redteam", Code: h.code(t, redTeamSecret), SessionToken: res.Session.Token}

	_, err := h.auth.Step2(ctx, req)
	require.NoError(t, err)

	_, err = h.auth.Step2(ctx, req)
	require.ErrorIs(t, err, ErrSessionAlreadyConsumed)
}

func TestStep2IdentifierMismatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.step1(t, "analyst")
	_, err := h.auth.Step2(ctx, Step2Request{
		Identifier:   "commander",
		Code:         h.code(t, commanderSecret),
		SessionToken: res.Session.Token,
	})
	require.ErrorIs(t, err, ErrSessionNotFound)

	// The rightful operator can still finish.
	_, err = h.auth.Step2(ctx, Step2Request{
		Identifier:   "analyst",
		Code:         h.code(t, analystSecret),
		SessionToken: res.Session.Token,
	})
	require.NoError(t, err)
}

func TestStep2UnknownToken(t *testing.T) {
	h := newHarness(t)

	_, err := h.auth.Step2(context.Background(), Step2Request{
		Identifier:   "analyst",
		Code:         "123456",
		SessionToken: "deadbeef",
	})
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestConcurrentStep2IssuesOneToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.step1(t, "commander")
	req := Step2Request{Identifier: "commander", Code: h.code(t, commanderSecret), SessionToken: res.Session.Token}

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.auth.Step2(ctx, req)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		assert.True(t, errors.Is(err, ErrInvalidCode) || IsSessionError(err), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, successes)
	assert.Len(t, h.auth.Tokens().Sessions(), 1)
}

func TestSuccessResetsLockoutCounter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < DefaultMaxAttempts-1; i++ {
		_, err := h.auth.Step1(ctx, Step1Request{Identifier: "analyst", Secret: "wrong", Signals: goodSignals()})
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	key := LockoutKey(goodSignals().ClientIP, "analyst")
	require.NotNil(t, h.auth.Lockout().GetStatus(key))

	res := h.step1(t, "analyst")
	_, err := h.auth.Step2(ctx, Step2Request{
		Identifier:   "analyst",
		Code:         h.code(t, analystSecret),
		SessionToken: res.Session.Token,
		Signals:      goodSignals(),
	})
	require.NoError(t, err)
	assert.Nil(t, h.auth.Lockout().GetStatus(key))
}

// =============================================================================
// TOKENS
// =============================================================================

func TestTokenClaimsFixedAtIssuance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.step1(t, "analyst")
	out, err := h.auth.Step2(ctx, Step2Request{Identifier: "analyst", Code: h.code(t, analystSecret), SessionToken: res.Session.Token})
	require.NoError(t, err)

	// Promote the operator after the token exists.
	records := testOperators(t)
	records[1].Clearance = ClearanceTopSecret
	h.store.replace(records)

	tok, err := h.auth.Authenticate(out.Token.Raw)
	require.NoError(t, err)
	assert.Equal(t, ClearanceSecret, tok.Subject.Clearance)
}

func TestRevokeIsAudited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.step1(t, "commander")
	out, err := h.auth.Step2(ctx, Step2Request{Identifier: "commander", Code: h.code(t, commanderSecret), SessionToken: res.Session.Token})
	require.NoError(t, err)

	revoked, err := h.auth.Revoke(ctx, "commander", out.Token.ID)
	require.NoError(t, err)
	assert.Equal(t, out.Token.ID, revoked.ID)

	_, err = h.auth.Authenticate(out.Token.Raw)
	require.ErrorIs(t, err, ErrTokenRevoked)

	events := h.ledger.Query(audit.Filter{Type: audit.TypeTokenRevoked})
	require.Len(t, events, 1)
	assert.Equal(t, out.Token.ID, events[0].Metadata["token_id"])

	_, err = h.auth.Revoke(ctx, "commander", out.Token.ID)
	require.ErrorIs(t, err, ErrNoSuchSession)
}

// =============================================================================
// AUDIT FAILURES
// =============================================================================

func TestAuditFailureFailsTheStep(t *testing.T) {
	h := newHarness(t, func(d *AuthenticatorDeps) {
		d.Ledger = failingLedger{}
	})
	ctx := context.Background()

	_, err := h.auth.Step1(ctx, Step1Request{Identifier: "analyst", Secret: testPassword, Signals: goodSignals()})
	require.ErrorIs(t, err, audit.ErrLedgerUnavailable)

	// An unrecorded credential check leaves no session behind.
	active, err := h.sessions.Active(ctx)
	require.NoError(t, err)
	assert.Zero(t, active)

	_, err = h.auth.Step1(ctx, Step1Request{Identifier: "analyst", Secret: "wrong", Signals: goodSignals()})
	require.ErrorIs(t, err, audit.ErrLedgerUnavailable)
	assert.False(t, errors.Is(err, ErrInvalidCredentials))
}

func TestNewAuthenticatorRequiresDependencies(t *testing.T) {
	_, err := NewAuthenticator(AuthenticatorDeps{})
	require.Error(t, err)
}
