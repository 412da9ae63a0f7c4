// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security implements the operator authentication pipeline and the
// clearance-based policy decision point.
//
// Clearance levels form a total order (CONFIDENTIAL < SECRET < TOP_SECRET) and
// every resource access requires both role membership and "no read up"
// clearance sufficiency.
package security

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// CLEARANCE LEVELS
// =============================================================================

// Clearance is a sensitivity tier held by an operator or required by a resource.
type Clearance int

const (
	// ClearanceNone is the zero value and never satisfies any resource.
	ClearanceNone Clearance = iota
	ClearanceConfidential
	ClearanceSecret
	ClearanceTopSecret
)

// Banner text per clearance tier.
const (
	BannerConfidential = "CONFIDENTIAL"
	BannerSecret       = "SECRET"
	BannerTopSecret    = "TOP_SECRET"
)

// ErrUnknownClearance is returned when a clearance string cannot be parsed.
var ErrUnknownClearance = errors.New("unknown clearance level")

// String returns the canonical wire name of the clearance.
func (c Clearance) String() string {
	switch c {
	case ClearanceConfidential:
		return BannerConfidential
	case ClearanceSecret:
		return BannerSecret
	case ClearanceTopSecret:
		return BannerTopSecret
	default:
		return "NONE"
	}
}

// Rank returns the position of the clearance in the total order.
// Higher ranks dominate lower ones.
func (c Clearance) Rank() int {
	switch c {
	case ClearanceConfidential, ClearanceSecret, ClearanceTopSecret:
		return int(c)
	default:
		return 0
	}
}

// Valid reports whether c is one of the defined tiers.
func (c Clearance) Valid() bool {
	return c >= ClearanceConfidential && c <= ClearanceTopSecret
}

// MarshalText implements encoding.TextMarshaler.
func (c Clearance) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownClearance, int(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Clearance) UnmarshalText(text []byte) error {
	parsed, err := ParseClearance(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseClearance parses a clearance name. "TOP SECRET", "top_secret" and
// "TS" are all accepted for the top tier.
func ParseClearance(s string) (Clearance, error) {
	normalized := strings.ToUpper(strings.TrimSpace(s))
	normalized = strings.ReplaceAll(normalized, " ", "_")
	normalized = strings.ReplaceAll(normalized, "-", "_")

	switch normalized {
	case "CONFIDENTIAL", "C":
		return ClearanceConfidential, nil
	case "SECRET", "S":
		return ClearanceSecret, nil
	case "TOP_SECRET", "TS":
		return ClearanceTopSecret, nil
	default:
		return ClearanceNone, fmt.Errorf("%w: %q", ErrUnknownClearance, s)
	}
}

// AllClearances returns every tier in ascending order.
func AllClearances() []Clearance {
	return []Clearance{ClearanceConfidential, ClearanceSecret, ClearanceTopSecret}
}

// Permits implements "no read up": the subject may access the resource only
// when its rank is at least the resource's rank.
func Permits(subject, resource Clearance) bool {
	if !subject.Valid() || !resource.Valid() {
		return false
	}
	return subject.Rank() >= resource.Rank()
}

// ClearanceGap returns how many tiers the subject falls short of the resource.
// Zero when the subject is sufficient.
func ClearanceGap(subject, resource Clearance) int {
	gap := resource.Rank() - subject.Rank()
	if gap < 0 {
		return 0
	}
	return gap
}

// =============================================================================
// ROLES
// =============================================================================

// Role is an operator's duty function.
type Role string

const (
	RoleCommander  Role = "COMMANDER"
	RoleSOCAnalyst Role = "SOC_ANALYST"
	RoleRedTeam    Role = "RED_TEAM"
)

// ErrUnknownRole is returned when a role string cannot be parsed.
var ErrUnknownRole = errors.New("unknown role")

// AllRoles returns every defined role.
func AllRoles() []Role {
	return []Role{RoleCommander, RoleSOCAnalyst, RoleRedTeam}
}

// Valid reports whether r is a defined role.
func (r Role) Valid() bool {
	switch r {
	case RoleCommander, RoleSOCAnalyst, RoleRedTeam:
		return true
	}
	return false
}

// String returns the role name.
func (r Role) String() string {
	return string(r)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRole parses a role name case-insensitively.
func ParseRole(s string) (Role, error) {
	role := Role(strings.ToUpper(strings.TrimSpace(s)))
	if !role.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return role, nil
}

// RoleAllowed reports whether role is a member of the resource's allowed set.
// Clearance is not considered.
func RoleAllowed(role Role, resource ResourceDescriptor) bool {
	for _, allowed := range resource.AllowedRoles {
		if allowed == role {
			return true
		}
	}
	return false
}

// =============================================================================
// OPERATOR IDENTITY
// =============================================================================

// OperatorIdentity is the verified identity produced by step 1.
// It is passed by value and never mutated after creation.
type OperatorIdentity struct {
	ID          string    `json:"identifier"`
	DisplayName string    `json:"display_name"`
	Role        Role      `json:"role"`
	Clearance   Clearance `json:"clearance"`
}

// Subject returns the role/clearance pair the policy decision point evaluates.
func (o OperatorIdentity) Subject() Subject {
	return Subject{Actor: o.ID, Role: o.Role, Clearance: o.Clearance}
}

// Subject is the input side of a policy evaluation.
type Subject struct {
	Actor     string
	Role      Role
	Clearance Clearance
}
