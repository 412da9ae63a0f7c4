// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jeranaias/ztgate/internal/audit"
)

// fakeClock is a manually advanced time source shared by every component
// under test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// failingLedger rejects every append.
type failingLedger struct{}

func (failingLedger) Append(context.Context, audit.Event) (uint64, error) {
	return 0, audit.ErrLedgerUnavailable
}

// testPassword is the secret of every operator built by testOperators.
const testPassword = "correct horse battery staple"

// Secrets are base32 and distinct per operator.
const (
	commanderSecret = "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"
	analystSecret   = "KRSXG5CTMVRXEZLUKRSXG5CTMVRXEZLU"
	redTeamSecret   = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"
)

func testHash(t *testing.T, secret string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func testOperators(t *testing.T) []OperatorRecord {
	t.Helper()
	hash := testHash(t, testPassword)
	return []OperatorRecord{
		{ID: "commander", DisplayName: "Col. Hayes", Role: RoleCommander, Clearance: ClearanceTopSecret, PasswordHash: hash, TOTPSecret: commanderSecret},
		{ID: "analyst", DisplayName: "SSgt. Reyes", Role: RoleSOCAnalyst, Clearance: ClearanceSecret, PasswordHash: hash, TOTPSecret: analystSecret},
		{ID: "redteam", DisplayName: "Sgt. Okafor", Role: RoleRedTeam, Clearance: ClearanceConfidential, PasswordHash: hash, TOTPSecret: redTeamSecret},
		{ID: "retired", DisplayName: "Maj. Vance", Role: RoleCommander, Clearance: ClearanceSecret, PasswordHash: hash, TOTPSecret: commanderSecret, Disabled: true},
	}
}

// goodSignals look like a routine login from a managed workstation.
func goodSignals() Signals {
	return Signals{
		UserAgent:         "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0",
		ClientIP:          "10.20.30.40",
		Origin:            "http://localhost:5173",
		SecureTransport:   true,
		DeviceFingerprint: "fp-workstation-01",
		Attestation:       "tpm-quote",
	}
}

// harness is a fully wired pipeline over fakes.
type harness struct {
	clock    *fakeClock
	store    *OperatorStore
	ledger   *audit.Ledger
	sessions *MemoryPreAuthStore
	codes    *OneTimeCodeVerifier
	auth     *Authenticator
	pdp      *PolicyDecisionPoint
}

func newHarness(t *testing.T, mutate ...func(*AuthenticatorDeps)) *harness {
	t.Helper()
	clock := newFakeClock()
	store := NewOperatorStore(testOperators(t))
	ledger := audit.NewLedger(audit.WithClock(clock.Now))
	sessions := NewMemoryPreAuthStore(WithSweepInterval(0), WithStoreClock(clock.Now))
	codes := NewOneTimeCodeVerifier(DefaultOTPConfig())
	trust, err := NewDeviceTrustEvaluator(DefaultTrustConfig())
	require.NoError(t, err)
	tokens, err := NewTokenService([]byte("0123456789abcdef0123456789abcdef"), WithTokenClock(clock.Now))
	require.NoError(t, err)

	deps := AuthenticatorDeps{
		Credentials: NewCredentialVerifier(store, time.Second),
		Secrets:     store,
		Lockout:     NewLockoutManager(WithLockoutClock(clock.Now)),
		Trust:       trust,
		Sessions:    sessions,
		Codes:       codes,
		Tokens:      tokens,
		Ledger:      ledger,
		Config:      DefaultAuthConfig(),
		Now:         clock.Now,
	}
	for _, m := range mutate {
		m(&deps)
	}
	auth, err := NewAuthenticator(deps)
	require.NoError(t, err)

	catalog, err := DefaultCatalog()
	require.NoError(t, err)
	pdp := NewPolicyDecisionPoint(catalog, ledger)
	pdp.now = clock.Now

	t.Cleanup(func() {
		sessions.Close()
		ledger.Close()
	})
	return &harness{clock: clock, store: store, ledger: ledger, sessions: sessions, codes: codes, auth: auth, pdp: pdp}
}

// code returns the valid one-time code for secret at the harness clock.
func (h *harness) code(t *testing.T, secret string) string {
	t.Helper()
	code, err := h.codes.CodeAt(secret, h.clock.Now())
	require.NoError(t, err)
	return code
}

// wrongCode returns a well-formed code that is not valid anywhere in the window.
func (h *harness) wrongCode(t *testing.T, secret string) string {
	t.Helper()
	valid := map[string]bool{}
	for _, d := range []time.Duration{-30 * time.Second, 0, 30 * time.Second} {
		c, err := h.codes.CodeAt(secret, h.clock.Now().Add(d))
		require.NoError(t, err)
		valid[c] = true
	}
	for _, candidate := range []string{"000000", "111111", "222222", "333333"} {
		if !valid[candidate] {
			return candidate
		}
	}
	t.Fatal("no invalid code candidate")
	return ""
}

func (h *harness) step1(t *testing.T, id string) Step1Result {
	t.Helper()
	res, err := h.auth.Step1(context.Background(), Step1Request{Identifier: id, Secret: testPassword, Signals: goodSignals()})
	require.NoError(t, err)
	return res
}

func (h *harness) eventTypes() []string {
	var types []string
	for _, e := range h.ledger.Query(audit.Filter{}) {
		types = append(types, e.Type)
	}
	return types
}

var errStoreDown = errors.New("store down")
