// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/jeranaias/ztgate/internal/audit"
)

// =============================================================================
// AUTHENTICATION STATES
// =============================================================================

// AuthState is a client-visible step of the login pipeline.
//
//	CREDENTIALS --(valid id+secret)--> TRUST_EVAL --(auto)--> MFA --(valid code within TTL)--> COMPLETE
//
// An invalid secret stays in CREDENTIALS without creating a session. An
// invalid code stays in MFA while the session lives. An expired session
// sends the client back to CREDENTIALS.
type AuthState string

const (
	StateCredentials AuthState = "CREDENTIALS"
	StateTrustEval   AuthState = "TRUST_EVAL"
	StateMFA         AuthState = "MFA"
	StateComplete    AuthState = "COMPLETE"
)

// DefaultMaxCodeAttempts is how many wrong codes a pre-auth session absorbs
// before it is destroyed. Zero means no limit: the session lives until its
// TTL or until a correct code consumes it.
const DefaultMaxCodeAttempts = 0

// =============================================================================
// AUTHENTICATOR
// =============================================================================

// AuthConfig holds the pipeline's tunables.
type AuthConfig struct {
	PreAuthTTL          time.Duration
	HighRiskPreAuthTTL  time.Duration
	HighRiskShortensTTL bool
	MaxCodeAttempts     int
}

// DefaultAuthConfig returns the standard pipeline settings.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		PreAuthTTL:          DefaultPreAuthTTL,
		HighRiskPreAuthTTL:  60 * time.Second,
		HighRiskShortensTTL: true,
		MaxCodeAttempts:     DefaultMaxCodeAttempts,
	}
}

// AuthenticatorDeps are the collaborators of an Authenticator.
type AuthenticatorDeps struct {
	Credentials *CredentialVerifier
	Secrets     SecretStore
	Lockout     *LockoutManager
	Trust       *DeviceTrustEvaluator
	Sessions    PreAuthStore
	Codes       *OneTimeCodeVerifier
	Tokens      *TokenService
	Ledger      Appender
	Config      AuthConfig
	Now         func() time.Time
}

// Authenticator runs the two-step login pipeline. Every attempt, successful
// or not, is recorded in the ledger; a failed ledger write fails the step.
type Authenticator struct {
	credentials *CredentialVerifier
	secrets     SecretStore
	lockout     *LockoutManager
	trust       *DeviceTrustEvaluator
	sessions    PreAuthStore
	codes       *OneTimeCodeVerifier
	tokens      *TokenService
	ledger      Appender
	cfg         AuthConfig
	now         func() time.Time
}

// NewAuthenticator wires an Authenticator. Lockout may be nil to disable it.
func NewAuthenticator(d AuthenticatorDeps) (*Authenticator, error) {
	switch {
	case d.Credentials == nil:
		return nil, errors.New("authenticator: credential verifier is required")
	case d.Secrets == nil:
		return nil, errors.New("authenticator: secret store is required")
	case d.Trust == nil:
		return nil, errors.New("authenticator: trust evaluator is required")
	case d.Sessions == nil:
		return nil, errors.New("authenticator: pre-auth store is required")
	case d.Codes == nil:
		return nil, errors.New("authenticator: one-time code verifier is required")
	case d.Tokens == nil:
		return nil, errors.New("authenticator: token service is required")
	case d.Ledger == nil:
		return nil, errors.New("authenticator: audit ledger is required")
	}
	if d.Config.PreAuthTTL <= 0 {
		d.Config.PreAuthTTL = DefaultPreAuthTTL
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Lockout == nil {
		d.Lockout = NewLockoutManager(WithLockoutEnabled(false))
	}
	return &Authenticator{
		credentials: d.Credentials,
		secrets:     d.Secrets,
		lockout:     d.Lockout,
		trust:       d.Trust,
		sessions:    d.Sessions,
		codes:       d.Codes,
		tokens:      d.Tokens,
		ledger:      d.Ledger,
		cfg:         d.Config,
		now:         d.Now,
	}, nil
}

// Tokens returns the token service used to verify and revoke access tokens.
func (a *Authenticator) Tokens() *TokenService {
	return a.tokens
}

// Sessions returns the pre-auth store.
func (a *Authenticator) Sessions() PreAuthStore {
	return a.sessions
}

// Lockout returns the lockout manager.
func (a *Authenticator) Lockout() *LockoutManager {
	return a.lockout
}

// =============================================================================
// STEP 1: CREDENTIALS -> TRUST_EVAL -> MFA
// =============================================================================

// Step1Request is a credential submission.
type Step1Request struct {
	Identifier string
	Secret     string
	Signals    Signals
}

// Step1Result is returned when credentials were accepted.
type Step1Result struct {
	Session   PreAuthSession
	State     AuthState
	ExpiresIn int
}

// Step1 verifies credentials, scores the device and opens a pre-auth session.
func (a *Authenticator) Step1(ctx context.Context, req Step1Request) (Step1Result, error) {
	signals := a.signals(req.Signals)
	key := LockoutKey(signals.ClientIP, req.Identifier)

	if a.lockout.IsLocked(key) {
		if err := a.record(ctx, audit.TypeLoginLocked, req.Identifier, signals, false, "locked out", nil); err != nil {
			return Step1Result{}, err
		}
		return Step1Result{}, ErrLocked
	}

	op, err := a.credentials.Verify(ctx, req.Identifier, req.Secret)
	if err != nil {
		if !errors.Is(err, ErrInvalidCredentials) {
			log.Printf("AUTH_STEP1_ERROR | id=%s | error=%v", maskIdentifier(req.Identifier), err)
			if aerr := a.record(ctx, audit.TypeLoginFail, req.Identifier, signals, false, "credential store unavailable", nil); aerr != nil {
				return Step1Result{}, aerr
			}
			return Step1Result{}, err
		}

		// The failure that reaches the threshold is answered like any other;
		// the lockout applies from the next attempt.
		lockErr := a.lockout.RecordAttempt(key, false)
		md := map[string]string{"locked": strconv.FormatBool(lockErr != nil)}
		if status := a.lockout.GetStatus(key); status != nil {
			md["failures"] = strconv.Itoa(status.Count)
		}
		if aerr := a.record(ctx, audit.TypeLoginFail, req.Identifier, signals, false, "invalid credentials", md); aerr != nil {
			return Step1Result{}, aerr
		}
		return Step1Result{}, ErrInvalidCredentials
	}

	// TRUST_EVAL is informational and never blocks the login by itself.
	assessment := a.trust.Evaluate(op.ID, signals)
	ttl := a.preAuthTTL(assessment)

	// Recorded before the session exists so an audit failure leaves nothing
	// a step 2 could complete.
	md := map[string]string{
		"trust_score": strconv.Itoa(assessment.Score),
		"risk_level":  string(assessment.RiskLevel),
		"ttl_secs":    strconv.Itoa(int(ttl / time.Second)),
	}
	if err := a.record(ctx, audit.TypeCredVerified, op.ID, signals, true, "", md); err != nil {
		return Step1Result{}, err
	}

	sess, err := a.sessions.Create(ctx, op, assessment, ttl)
	if err != nil {
		return Step1Result{}, fmt.Errorf("create pre-auth session: %w", err)
	}

	log.Printf("AUTH_STEP1 | id=%s | trust=%d | risk=%s", maskIdentifier(op.ID), assessment.Score, assessment.RiskLevel)
	return Step1Result{
		Session:   sess,
		State:     StateMFA,
		ExpiresIn: sess.ExpiresIn(a.now()),
	}, nil
}

// preAuthTTL picks the session lifetime for an assessment.
func (a *Authenticator) preAuthTTL(t TrustAssessment) time.Duration {
	ttl := a.cfg.PreAuthTTL
	if a.cfg.HighRiskShortensTTL && t.RiskLevel == RiskHigh &&
		a.cfg.HighRiskPreAuthTTL > 0 && a.cfg.HighRiskPreAuthTTL < ttl {
		ttl = a.cfg.HighRiskPreAuthTTL
	}
	return ttl
}

// =============================================================================
// STEP 2: MFA -> COMPLETE
// =============================================================================

// Step2Request is a one-time code submission.
type Step2Request struct {
	Identifier   string
	Code         string
	SessionToken string
	Signals      Signals
}

// Step2Result carries the issued access token.
type Step2Result struct {
	Token AccessToken
	State AuthState
}

// Step2 checks the one-time code against the session's operator, consumes
// the session and issues an access token. This is the only path that
// creates access tokens.
func (a *Authenticator) Step2(ctx context.Context, req Step2Request) (Step2Result, error) {
	signals := a.signals(req.Signals)

	sess, err := a.sessions.Lookup(ctx, req.SessionToken)
	if err != nil {
		return Step2Result{}, a.sessionFailure(ctx, req.Identifier, signals, err)
	}
	if sess.Operator.ID != req.Identifier {
		return Step2Result{}, a.sessionFailure(ctx, req.Identifier, signals, ErrSessionNotFound)
	}
	op := sess.Operator

	secret, err := a.secrets.TOTPSecret(ctx, op.ID)
	if err != nil {
		if aerr := a.record(ctx, audit.TypeMFAFail, op.ID, signals, false, "not enrolled", nil); aerr != nil {
			return Step2Result{}, aerr
		}
		if errors.Is(err, ErrNotEnrolled) {
			return Step2Result{}, fmt.Errorf("%w: %w", ErrInvalidCode, err)
		}
		return Step2Result{}, fmt.Errorf("load one-time code secret: %w", err)
	}

	if err := a.codes.Verify(op.ID, secret, req.Code, signals.Time); err != nil {
		if !errors.Is(err, ErrInvalidCode) {
			log.Printf("AUTH_STEP2_ERROR | id=%s | error=%v", maskIdentifier(op.ID), err)
			if aerr := a.record(ctx, audit.TypeMFAFail, op.ID, signals, false, "one-time code secret unusable", nil); aerr != nil {
				return Step2Result{}, aerr
			}
			return Step2Result{}, err
		}
		return Step2Result{}, a.codeFailure(ctx, op, req.SessionToken, signals)
	}

	// A concurrent step 2 may have won the race since Lookup.
	op, err = a.sessions.Consume(ctx, req.SessionToken)
	if err != nil {
		return Step2Result{}, a.sessionFailure(ctx, req.Identifier, signals, err)
	}

	a.lockout.Reset(LockoutKey(signals.ClientIP, op.ID))

	tok, err := a.tokens.issue(op)
	if err != nil {
		return Step2Result{}, err
	}

	md := map[string]string{
		"token_id":  tok.ID,
		"role":      string(op.Role),
		"clearance": op.Clearance.String(),
	}
	if err := a.record(ctx, audit.TypeLoginSuccess, op.ID, signals, true, "", md); err != nil {
		// An unrecorded login must not leave a usable token behind.
		_, _ = a.tokens.Revoke(tok.ID)
		return Step2Result{}, err
	}

	a.trust.Remember(op.ID, signals)
	log.Printf("AUTH_COMPLETE | id=%s | role=%s | clearance=%s", maskIdentifier(op.ID), op.Role, op.Clearance)
	return Step2Result{Token: tok, State: StateComplete}, nil
}

// codeFailure counts a wrong code against the session.
func (a *Authenticator) codeFailure(ctx context.Context, op OperatorIdentity, token string, signals Signals) error {
	left, err := a.sessions.RecordFailure(ctx, token, a.cfg.MaxCodeAttempts)
	if err != nil {
		if IsSessionError(err) {
			return a.sessionFailure(ctx, op.ID, signals, err)
		}
		return fmt.Errorf("record code failure: %w", err)
	}

	var md map[string]string
	if left >= 0 {
		md = map[string]string{"attempts_left": strconv.Itoa(left)}
	}
	if aerr := a.record(ctx, audit.TypeMFAFail, op.ID, signals, false, "invalid code", md); aerr != nil {
		return aerr
	}
	if left == 0 {
		log.Printf("AUTH_SESSION_BURNED | id=%s", maskIdentifier(op.ID))
	}
	return ErrInvalidCode
}

// sessionFailure audits a dead or unknown session and returns cause.
func (a *Authenticator) sessionFailure(ctx context.Context, actor string, signals Signals, cause error) error {
	if !IsSessionError(cause) {
		return fmt.Errorf("pre-auth store: %w", cause)
	}
	if err := a.record(ctx, audit.TypeSessionInvalid, actor, signals, false, cause.Error(), nil); err != nil {
		return err
	}
	return cause
}

// =============================================================================
// TOKENS
// =============================================================================

// Authenticate verifies a bearer token.
func (a *Authenticator) Authenticate(raw string) (AccessToken, error) {
	return a.tokens.Verify(raw)
}

// Revoke invalidates tokenID on behalf of actor and records it.
func (a *Authenticator) Revoke(ctx context.Context, actor, tokenID string) (AccessToken, error) {
	tok, err := a.tokens.Revoke(tokenID)
	if err != nil {
		return AccessToken{}, err
	}
	md := map[string]string{"token_id": tok.ID, "subject": tok.Subject.ID}
	if err := a.record(ctx, audit.TypeTokenRevoked, actor, Signals{}, true, "", md); err != nil {
		return AccessToken{}, err
	}
	log.Printf("AUTH_REVOKE | actor=%s | subject=%s", maskIdentifier(actor), maskIdentifier(tok.Subject.ID))
	return tok, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (a *Authenticator) signals(s Signals) Signals {
	if s.Time.IsZero() {
		s.Time = a.now()
	}
	return s
}

func (a *Authenticator) record(ctx context.Context, typ, actor string, s Signals, success bool, detail string, md map[string]string) error {
	_, err := a.ledger.Append(ctx, audit.Event{
		Kind:     audit.KindAuth,
		Type:     typ,
		Actor:    actor,
		ClientIP: s.ClientIP,
		Success:  success,
		Detail:   detail,
		Metadata: md,
	})
	if err != nil {
		return fmt.Errorf("record %s: %w", typ, err)
	}
	return nil
}
