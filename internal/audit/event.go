// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audit provides the append-only audit ledger that records every
// authentication step and every policy decision.
//
// Events are numbered with a gap-free, strictly increasing sequence and
// linked with a SHA-256 hash chain so that edits and deletions are
// detectable. The ledger can optionally persist to SQLite and forward
// events to Kafka.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// GenesisHash is the prev_hash of the first event in a ledger.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Kind groups events into the two families the ledger records.
type Kind string

const (
	KindAuth   Kind = "AUTH"
	KindPolicy Kind = "POLICY"
)

// ParseKind parses a kind name case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToUpper(strings.TrimSpace(s))) {
	case KindAuth:
		return KindAuth, nil
	case KindPolicy:
		return KindPolicy, nil
	default:
		return "", fmt.Errorf("unknown event kind %q", s)
	}
}

// Event types written by the authentication pipeline and the PDP.
const (
	TypeLoginFail      = "LOGIN_FAIL"
	TypeLoginLocked    = "LOGIN_LOCKED"
	TypeCredVerified   = "CRED_VERIFIED"
	TypeMFAFail        = "MFA_FAIL"
	TypeSessionInvalid = "MFA_SESSION_INVALID"
	TypeLoginSuccess   = "LOGIN_SUCCESS"
	TypeTokenRevoked   = "TOKEN_REVOKED"
	TypePolicyDecision = "POLICY_DECISION"
)

// Event is one immutable ledger record. Seq, ID, PrevHash and Hash are
// assigned by the ledger on append.
type Event struct {
	Seq        uint64            `json:"seq"`
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Kind       Kind              `json:"kind"`
	Type       string            `json:"type"`
	Actor      string            `json:"actor,omitempty"`
	ClientIP   string            `json:"client_ip,omitempty"`
	Success    bool              `json:"success"`
	ResourceID string            `json:"resource_id,omitempty"`
	Decision   string            `json:"decision,omitempty"`
	RiskScore  int               `json:"risk_score"`
	Detail     string            `json:"detail,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	PrevHash   string            `json:"prev_hash"`
	Hash       string            `json:"hash"`
}

// ComputeHash returns "sha256:<hex>" over the event's JSON encoding with the
// Hash field cleared. Map keys marshal in sorted order, so the result is
// stable across a store round trip.
func ComputeHash(e Event) (string, error) {
	e.Hash = ""
	line, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("audit: marshal event: %w", err)
	}
	sum := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// clone returns a copy that shares nothing mutable with e.
func (e Event) clone() Event {
	if e.Metadata != nil {
		md := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		e.Metadata = md
	}
	return e
}
