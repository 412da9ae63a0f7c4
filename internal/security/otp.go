// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"crypto/subtle"
	"encoding/base32"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// =============================================================================
// ONE-TIME CODE CONFIGURATION
// =============================================================================

// OTPConfig holds the TOTP parameters shared by enrollment and verification.
type OTPConfig struct {
	Period    uint
	Skew      uint
	Digits    otp.Digits
	Algorithm otp.Algorithm
	Issuer    string
}

// DefaultOTPConfig returns RFC 6238 defaults: 30s steps, one step of
// tolerance either side, six digits, HMAC-SHA1.
func DefaultOTPConfig() OTPConfig {
	return OTPConfig{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
		Issuer:    "C5ISR Zero Trust",
	}
}

// ParseOTPAlgorithm maps a config name to an otp.Algorithm.
func ParseOTPAlgorithm(name string) (otp.Algorithm, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", "SHA1":
		return otp.AlgorithmSHA1, nil
	case "SHA256":
		return otp.AlgorithmSHA256, nil
	case "SHA512":
		return otp.AlgorithmSHA512, nil
	default:
		return otp.AlgorithmSHA1, fmt.Errorf("unsupported one-time code algorithm %q", name)
	}
}

func (c OTPConfig) validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    c.Period,
		Skew:      0,
		Digits:    c.Digits,
		Algorithm: c.Algorithm,
	}
}

// =============================================================================
// VERIFIER
// =============================================================================

// OneTimeCodeVerifier checks TOTP codes and refuses to accept a time step
// that was already used by the same operator.
//
// The replay guard keeps, per operator, the highest step ever accepted.
// A code is accepted only if its step is strictly newer, which also rejects
// an older code still inside the tolerance window.
type OneTimeCodeVerifier struct {
	cfg OTPConfig

	mu       sync.Mutex
	lastStep map[string]int64
}

// NewOneTimeCodeVerifier creates a verifier.
func NewOneTimeCodeVerifier(cfg OTPConfig) *OneTimeCodeVerifier {
	if cfg.Period == 0 {
		cfg.Period = 30
	}
	if cfg.Digits == 0 {
		cfg.Digits = otp.DigitsSix
	}
	return &OneTimeCodeVerifier{
		cfg:      cfg,
		lastStep: make(map[string]int64),
	}
}

// Verify checks code for operatorID against secret at time at. Every
// rejection returns ErrInvalidCode; a secret that cannot be used returns a
// different, internal error.
func (v *OneTimeCodeVerifier) Verify(operatorID, secret, code string, at time.Time) error {
	code = strings.TrimSpace(code)
	if !v.wellFormed(code) {
		return ErrInvalidCode
	}

	step := at.Unix() / int64(v.cfg.Period)
	skew := int64(v.cfg.Skew)

	// Every window value is computed and compared so that timing does not
	// reveal which step matched.
	matched := int64(-1)
	for offset := -skew; offset <= skew; offset++ {
		s := step + offset
		if s < 0 {
			continue
		}
		expected, err := totp.GenerateCodeCustom(secret, time.Unix(s*int64(v.cfg.Period), 0), v.cfg.validateOpts())
		if err != nil {
			return fmt.Errorf("one-time code secret unusable: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 && matched < 0 {
			matched = s
		}
	}
	if matched < 0 {
		return ErrInvalidCode
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if last, ok := v.lastStep[operatorID]; ok && matched <= last {
		return ErrInvalidCode
	}
	v.lastStep[operatorID] = matched
	return nil
}

func (v *OneTimeCodeVerifier) wellFormed(code string) bool {
	if len(code) != v.cfg.Digits.Length() {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// CodeAt returns the code for secret at t. Used by tooling and tests.
func (v *OneTimeCodeVerifier) CodeAt(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t, v.cfg.validateOpts())
}

// =============================================================================
// ENROLLMENT
// =============================================================================

// Enrollment is a newly generated or re-rendered one-time-code secret.
type Enrollment struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

// accountName renders the label shown in authenticator apps.
func accountName(operatorID string) string {
	return operatorID + "@c5isr"
}

// GenerateEnrollment creates a fresh secret for operatorID.
func GenerateEnrollment(cfg OTPConfig, operatorID string) (Enrollment, error) {
	return enroll(cfg, operatorID, nil)
}

// decodeSecret decodes a base32 one-time-code secret, with or without
// padding and in either case.
func decodeSecret(secret string) ([]byte, error) {
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.TrimRight(strings.ToUpper(strings.TrimSpace(secret)), "="))
	if err != nil {
		return nil, fmt.Errorf("secret is not base32: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("secret is empty")
	}
	return raw, nil
}

// ProvisioningURI renders the otpauth:// URI for an existing base32 secret.
func ProvisioningURI(cfg OTPConfig, operatorID, secret string) (string, error) {
	raw, err := decodeSecret(secret)
	if err != nil {
		return "", err
	}
	e, err := enroll(cfg, operatorID, raw)
	if err != nil {
		return "", err
	}
	return e.ProvisioningURI, nil
}

func enroll(cfg OTPConfig, operatorID string, secret []byte) (Enrollment, error) {
	if operatorID == "" {
		return Enrollment{}, fmt.Errorf("operator id is required")
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      cfg.Issuer,
		AccountName: accountName(operatorID),
		Period:      cfg.Period,
		SecretSize:  20,
		Secret:      secret,
		Digits:      cfg.Digits,
		Algorithm:   cfg.Algorithm,
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("generate one-time code key: %w", err)
	}
	return Enrollment{Secret: key.Secret(), ProvisioningURI: key.URL()}, nil
}
