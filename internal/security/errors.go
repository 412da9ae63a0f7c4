// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Authentication failures. Messages are deliberately generic; the HTTP layer
// collapses them further before they reach a client.
var (
	// ErrInvalidCredentials covers unknown identifiers, wrong secrets and
	// disabled operators alike.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrLocked is returned while a client/identifier pair is locked out.
	ErrLocked = errors.New("too many failed attempts")

	// ErrSessionNotFound means the pre-auth token was never issued, was
	// destroyed, or does not belong to the submitted identifier.
	ErrSessionNotFound = errors.New("pre-auth session not found")

	// ErrSessionExpired means the pre-auth session passed its expires_at.
	ErrSessionExpired = errors.New("pre-auth session expired")

	// ErrSessionAlreadyConsumed means step 2 already completed on this token.
	ErrSessionAlreadyConsumed = errors.New("pre-auth session already consumed")

	// ErrInvalidCode covers malformed, wrong, stale, future and replayed codes.
	ErrInvalidCode = errors.New("invalid one-time code")

	// ErrNotEnrolled means the operator has no one-time-code secret.
	ErrNotEnrolled = errors.New("operator not enrolled for one-time codes")

	// ErrTokenInvalid covers malformed, forged and expired access tokens.
	ErrTokenInvalid = errors.New("access token invalid")

	// ErrTokenRevoked is returned for a well-formed token that was revoked.
	ErrTokenRevoked = errors.New("access token revoked")

	// ErrNoSuchSession is returned when revoking an unknown or expired token id.
	ErrNoSuchSession = errors.New("no live session with that id")
)

// IsSessionError reports whether err requires the client to restart at step 1.
func IsSessionError(err error) bool {
	return errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrSessionAlreadyConsumed)
}

// maskIdentifier returns a stable, non-reversible tag for log lines.
func maskIdentifier(id string) string {
	hash := sha256.Sum256([]byte(id))
	return "hash:" + hex.EncodeToString(hash[:])[:12]
}
