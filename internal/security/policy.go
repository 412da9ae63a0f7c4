// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jeranaias/ztgate/internal/audit"
)

// =============================================================================
// DECISIONS
// =============================================================================

// Decision is the binary outcome of a policy evaluation.
type Decision string

const (
	Permit Decision = "PERMIT"
	Deny   Decision = "DENY"
)

// Deny reasons.
const (
	ReasonRoleNotAllowed        = "ROLE_NOT_ALLOWED"
	ReasonInsufficientClearance = "INSUFFICIENT_CLEARANCE"
)

// Risk score parameters. A DENY starts at denyBaseRisk and adds
// riskPerClearanceTier for each tier the subject falls short.
const (
	denyBaseRisk         = 40
	riskPerClearanceTier = 20
	maxRiskScore         = 100
)

// PolicyDecision is the immutable record of one evaluation.
type PolicyDecision struct {
	Seq               uint64    `json:"seq"`
	Actor             string    `json:"actor"`
	Role              Role      `json:"role"`
	Clearance         Clearance `json:"clearance"`
	ResourceID        string    `json:"resource_id"`
	RequiredClearance Clearance `json:"required_clearance"`
	Decision          Decision  `json:"decision"`
	RiskScore         int       `json:"risk_score"`
	Reasons           []string  `json:"reasons,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// Decide is the pure decision rule: PERMIT iff the role is allowed and the
// clearance dominates the resource's. Both checks always run so that every
// failing reason is reported.
func Decide(s Subject, r ResourceDescriptor) (Decision, int, []string) {
	var reasons []string
	if !RoleAllowed(s.Role, r) {
		reasons = append(reasons, ReasonRoleNotAllowed)
	}
	if !Permits(s.Clearance, r.RequiredClearance) {
		reasons = append(reasons, ReasonInsufficientClearance)
	}
	if len(reasons) == 0 {
		return Permit, 0, nil
	}
	return Deny, RiskScore(s.Clearance, r.RequiredClearance), reasons
}

// RiskScore returns the observability score of a DENY. It grows with the
// clearance gap and is always positive.
func RiskScore(subject, resource Clearance) int {
	gap := ClearanceGap(subject, resource)
	if !subject.Valid() {
		gap = resource.Rank()
	}
	return min(denyBaseRisk+riskPerClearanceTier*gap, maxRiskScore)
}

// =============================================================================
// POLICY DECISION POINT
// =============================================================================

// Appender is the part of the audit ledger the PDP and the pipeline need.
type Appender interface {
	Append(ctx context.Context, e audit.Event) (uint64, error)
}

// PolicyStats are aggregate decision counters over the whole ledger,
// including decisions replayed from a persistent store.
type PolicyStats struct {
	Total   int64 `json:"total_evaluations"`
	Permits int64 `json:"permits"`
	Denies  int64 `json:"denies"`
}

// PolicyDecisionPoint evaluates subject/resource pairs and records every
// decision in the ledger. Evaluation holds no locks and may run in parallel.
type PolicyDecisionPoint struct {
	catalog *Catalog
	ledger  Appender
	now     func() time.Time

	permits atomic.Int64
	denies  atomic.Int64
}

// eventCounter is implemented by ledgers that can count what they hold.
type eventCounter interface {
	Count(f audit.Filter) int
}

// NewPolicyDecisionPoint creates a PDP over catalog writing to ledger. When
// ledger can count its events, the counters start from the decisions it
// already holds.
func NewPolicyDecisionPoint(catalog *Catalog, ledger Appender) *PolicyDecisionPoint {
	p := &PolicyDecisionPoint{catalog: catalog, ledger: ledger, now: time.Now}
	if c, ok := ledger.(eventCounter); ok {
		p.permits.Store(int64(c.Count(audit.Filter{Kind: audit.KindPolicy, Decision: string(Permit)})))
		p.denies.Store(int64(c.Count(audit.Filter{Kind: audit.KindPolicy, Decision: string(Deny)})))
	}
	return p
}

// Catalog returns the resource catalog the PDP evaluates against.
func (p *PolicyDecisionPoint) Catalog() *Catalog {
	return p.catalog
}

// Evaluate decides s against r and appends exactly one audit event. A DENY
// is returned as a decision with a nil error; the error is non-nil only
// when the audit append failed, in which case the decision must not be
// acted on.
func (p *PolicyDecisionPoint) Evaluate(ctx context.Context, s Subject, r ResourceDescriptor) (PolicyDecision, error) {
	decision, risk, reasons := Decide(s, r)
	pd := PolicyDecision{
		Actor:             s.Actor,
		Role:              s.Role,
		Clearance:         s.Clearance,
		ResourceID:        r.ID,
		RequiredClearance: r.RequiredClearance,
		Decision:          decision,
		RiskScore:         risk,
		Reasons:           reasons,
		Timestamp:         p.now().UTC(),
	}

	metadata := map[string]string{
		"role":               string(s.Role),
		"clearance":          s.Clearance.String(),
		"required_clearance": r.RequiredClearance.String(),
	}
	for i, reason := range reasons {
		metadata["reason_"+strconv.Itoa(i)] = reason
	}

	seq, err := p.ledger.Append(ctx, audit.Event{
		Timestamp:  pd.Timestamp,
		Kind:       audit.KindPolicy,
		Type:       audit.TypePolicyDecision,
		Actor:      s.Actor,
		Success:    decision == Permit,
		ResourceID: r.ID,
		Decision:   string(decision),
		RiskScore:  risk,
		Metadata:   metadata,
	})
	if err != nil {
		return pd, fmt.Errorf("record policy decision: %w", err)
	}
	pd.Seq = seq

	if decision == Permit {
		p.permits.Add(1)
	} else {
		p.denies.Add(1)
	}
	return pd, nil
}

// EvaluateID looks up resourceID in the catalog and evaluates it. Unknown
// ids return ErrUnknownResource without an evaluation.
func (p *PolicyDecisionPoint) EvaluateID(ctx context.Context, s Subject, resourceID string) (PolicyDecision, error) {
	r, err := p.catalog.Lookup(resourceID)
	if err != nil {
		return PolicyDecision{}, err
	}
	return p.Evaluate(ctx, s, r)
}

// Stats returns decision counters.
func (p *PolicyDecisionPoint) Stats() PolicyStats {
	permits := p.permits.Load()
	denies := p.denies.Load()
	return PolicyStats{Total: permits + denies, Permits: permits, Denies: denies}
}

// DecisionFromEvent rebuilds a PolicyDecision from its ledger record.
func DecisionFromEvent(e audit.Event) PolicyDecision {
	pd := PolicyDecision{
		Seq:        e.Seq,
		Actor:      e.Actor,
		ResourceID: e.ResourceID,
		Decision:   Decision(e.Decision),
		RiskScore:  e.RiskScore,
		Timestamp:  e.Timestamp,
		Role:       Role(e.Metadata["role"]),
	}
	pd.Clearance, _ = ParseClearance(e.Metadata["clearance"])
	pd.RequiredClearance, _ = ParseClearance(e.Metadata["required_clearance"])
	for i := 0; ; i++ {
		reason, ok := e.Metadata["reason_"+strconv.Itoa(i)]
		if !ok {
			break
		}
		pd.Reasons = append(pd.Reasons, reason)
	}
	return pd
}
