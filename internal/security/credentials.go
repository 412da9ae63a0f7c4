// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// DefaultCredentialTimeout bounds a single credential-store lookup.
const DefaultCredentialTimeout = 2 * time.Second

// dummyHash is compared against when the identifier is unknown so that
// unknown and known identifiers take the same time to reject.
var dummyHash = []byte("$2a$10$aUDJXBt3DtHmiGzOUb2MSOan.AcyBWHeLDRmUGLHM3Okgw.iKIx4u")

// CredentialVerifier checks identifier/secret pairs against a CredentialStore.
type CredentialVerifier struct {
	store   CredentialStore
	timeout time.Duration
}

// NewCredentialVerifier creates a verifier. A non-positive timeout selects
// DefaultCredentialTimeout.
func NewCredentialVerifier(store CredentialStore, timeout time.Duration) *CredentialVerifier {
	if timeout <= 0 {
		timeout = DefaultCredentialTimeout
	}
	return &CredentialVerifier{store: store, timeout: timeout}
}

// Verify returns the operator identity when secret matches the stored hash.
// Every mismatch returns ErrInvalidCredentials, whatever the cause. Store
// failures are returned wrapped so callers can report them as internal.
func (v *CredentialVerifier) Verify(ctx context.Context, identifier, secret string) (OperatorIdentity, error) {
	if identifier == "" || secret == "" {
		return OperatorIdentity{}, ErrInvalidCredentials
	}

	lookupCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	record, found, err := v.store.Lookup(lookupCtx, identifier)
	if err != nil {
		return OperatorIdentity{}, fmt.Errorf("credential store: %w", err)
	}

	hash := dummyHash
	if found {
		hash = []byte(record.PasswordHash)
	}
	// bcrypt compares the derived key in constant time.
	cmpErr := bcrypt.CompareHashAndPassword(hash, []byte(secret))

	if !found || record.Disabled || cmpErr != nil {
		if cmpErr != nil && !errors.Is(cmpErr, bcrypt.ErrMismatchedHashAndPassword) && found {
			return OperatorIdentity{}, fmt.Errorf("%w: stored hash unusable", ErrInvalidCredentials)
		}
		return OperatorIdentity{}, ErrInvalidCredentials
	}
	return record.Identity(), nil
}

// HashSecret returns a bcrypt hash suitable for an operators file.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
