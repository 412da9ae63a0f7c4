// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// TRUST ASSESSMENT
// =============================================================================

// FactorStatus is the outcome of one trust factor.
type FactorStatus string

const (
	FactorPass FactorStatus = "PASS"
	FactorWarn FactorStatus = "WARN"
	FactorFail FactorStatus = "FAIL"
)

// RiskLevel is derived from a trust score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// RiskLevelFor maps a score to its risk level: >=70 LOW, 40-69 MEDIUM, <40 HIGH.
func RiskLevelFor(score int) RiskLevel {
	switch {
	case score >= 70:
		return RiskLow
	case score >= 40:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// FactorResult is one evaluated factor. Impact is 0 for PASS and the
// negated factor weight for WARN or FAIL.
type FactorResult struct {
	Name   string       `json:"name"`
	Status FactorStatus `json:"status"`
	Impact int          `json:"impact"`
	Detail string       `json:"detail,omitempty"`
}

// TrustAssessment is the immutable result of evaluating one login attempt.
type TrustAssessment struct {
	Score     int            `json:"score"`
	RiskLevel RiskLevel      `json:"risk_level"`
	Factors   []FactorResult `json:"factors"`
}

// =============================================================================
// SIGNALS AND FACTORS
// =============================================================================

// Signals is the request context a trust evaluation looks at.
type Signals struct {
	UserAgent         string
	ClientIP          string
	Origin            string
	SecureTransport   bool
	DeviceFingerprint string
	Attestation       string
	Time              time.Time
}

// Factor names accepted in configuration.
const (
	FactorKnownClient       = "known_client"
	FactorTransportSecurity = "transport_security"
	FactorTimeOfDay         = "time_of_day"
	FactorTrustedOrigin     = "trusted_origin"
	FactorNetworkReputation = "network_reputation"
	FactorDeviceNovelty     = "device_novelty"
	FactorGeoConsistency    = "geo_consistency"
	FactorClientAttestation = "client_attestation"
)

// FactorConfig enables a factor and sets its weight.
type FactorConfig struct {
	Name    string
	Weight  int
	Enabled bool
}

// DefaultFactors returns the built-in factor set and weights.
func DefaultFactors() []FactorConfig {
	return []FactorConfig{
		{Name: FactorKnownClient, Weight: 10, Enabled: true},
		{Name: FactorTransportSecurity, Weight: 10, Enabled: true},
		{Name: FactorTimeOfDay, Weight: 15, Enabled: true},
		{Name: FactorTrustedOrigin, Weight: 15, Enabled: true},
		{Name: FactorNetworkReputation, Weight: 40, Enabled: true},
		{Name: FactorDeviceNovelty, Weight: 20, Enabled: true},
		{Name: FactorGeoConsistency, Weight: 15, Enabled: true},
		{Name: FactorClientAttestation, Weight: 10, Enabled: true},
	}
}

// checkFunc evaluates one factor. It returns a status and a short detail.
type checkFunc func(e *DeviceTrustEvaluator, operatorID string, s Signals) (FactorStatus, string)

var factorChecks = map[string]checkFunc{
	FactorKnownClient:       checkKnownClient,
	FactorTransportSecurity: checkTransportSecurity,
	FactorTimeOfDay:         checkTimeOfDay,
	FactorTrustedOrigin:     checkTrustedOrigin,
	FactorNetworkReputation: checkNetworkReputation,
	FactorDeviceNovelty:     checkDeviceNovelty,
	FactorGeoConsistency:    checkGeoConsistency,
	FactorClientAttestation: checkClientAttestation,
}

// KnownFactor reports whether name is a factor the evaluator can run.
func KnownFactor(name string) bool {
	_, ok := factorChecks[name]
	return ok
}

// =============================================================================
// EVALUATOR
// =============================================================================

// TrustConfig configures a DeviceTrustEvaluator.
type TrustConfig struct {
	Baseline       int
	Factors        []FactorConfig
	TrustedOrigins []string
	TrustedCIDRs   []string
	BlockedCIDRs   []string
	WorkHoursStart int
	WorkHoursEnd   int
}

// DefaultTrustConfig returns the configuration used when none is supplied.
func DefaultTrustConfig() TrustConfig {
	return TrustConfig{
		Baseline:       100,
		Factors:        DefaultFactors(),
		TrustedOrigins: []string{"http://localhost:3000", "http://localhost:5173", "http://127.0.0.1:3000"},
		TrustedCIDRs:   []string{"127.0.0.0/8", "::1/128", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"},
		WorkHoursStart: 6,
		WorkHoursEnd:   22,
	}
}

// operatorHistory is what the evaluator remembers about completed logins.
type operatorHistory struct {
	fingerprints map[string]time.Time
	networks     map[string]time.Time
}

// maxHistoryPerOperator bounds remembered fingerprints and networks.
const maxHistoryPerOperator = 32

// DeviceTrustEvaluator scores a login attempt against the configured
// factors. Scores are advisory and never block step 1 by themselves.
type DeviceTrustEvaluator struct {
	cfg     TrustConfig
	trusted []*net.IPNet
	blocked []*net.IPNet
	origins map[string]bool

	mu      sync.RWMutex
	history map[string]*operatorHistory
}

// NewDeviceTrustEvaluator validates cfg and builds an evaluator.
func NewDeviceTrustEvaluator(cfg TrustConfig) (*DeviceTrustEvaluator, error) {
	if cfg.Baseline < 0 || cfg.Baseline > 100 {
		return nil, fmt.Errorf("trust baseline %d out of range 0-100", cfg.Baseline)
	}
	for _, f := range cfg.Factors {
		if !KnownFactor(f.Name) {
			return nil, fmt.Errorf("unknown trust factor %q", f.Name)
		}
		if f.Weight < 0 {
			return nil, fmt.Errorf("trust factor %q has negative weight", f.Name)
		}
	}

	e := &DeviceTrustEvaluator{
		cfg:     cfg,
		origins: make(map[string]bool, len(cfg.TrustedOrigins)),
		history: make(map[string]*operatorHistory),
	}
	var err error
	if e.trusted, err = parseCIDRs(cfg.TrustedCIDRs); err != nil {
		return nil, fmt.Errorf("trusted_cidrs: %w", err)
	}
	if e.blocked, err = parseCIDRs(cfg.BlockedCIDRs); err != nil {
		return nil, fmt.Errorf("blocked_cidrs: %w", err)
	}
	for _, o := range cfg.TrustedOrigins {
		e.origins[strings.TrimRight(strings.ToLower(o), "/")] = true
	}
	return e, nil
}

// Evaluate scores s for operatorID. The result depends only on s, the
// configuration and previously remembered completed logins.
func (e *DeviceTrustEvaluator) Evaluate(operatorID string, s Signals) TrustAssessment {
	if s.Time.IsZero() {
		s.Time = time.Now()
	}

	results := make([]FactorResult, 0, len(e.cfg.Factors))
	penalty := 0
	for _, f := range e.cfg.Factors {
		if !f.Enabled {
			continue
		}
		status, detail := factorChecks[f.Name](e, operatorID, s)
		impact := 0
		if status != FactorPass {
			impact = -f.Weight
			penalty += f.Weight
		}
		results = append(results, FactorResult{Name: f.Name, Status: status, Impact: impact, Detail: detail})
	}

	score := clamp(e.cfg.Baseline-penalty, 0, 100)
	return TrustAssessment{
		Score:     score,
		RiskLevel: RiskLevelFor(score),
		Factors:   results,
	}
}

// Remember records the device and network of a login that reached
// COMPLETE so later attempts can be compared against it.
func (e *DeviceTrustEvaluator) Remember(operatorID string, s Signals) {
	if s.Time.IsZero() {
		s.Time = time.Now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	h, ok := e.history[operatorID]
	if !ok {
		h = &operatorHistory{
			fingerprints: make(map[string]time.Time),
			networks:     make(map[string]time.Time),
		}
		e.history[operatorID] = h
	}
	if s.DeviceFingerprint != "" {
		rememberBounded(h.fingerprints, s.DeviceFingerprint, s.Time)
	}
	if network := networkPrefix(s.ClientIP); network != "" {
		rememberBounded(h.networks, network, s.Time)
	}
}

// rememberBounded stores key, evicting the oldest entry when full.
func rememberBounded(m map[string]time.Time, key string, at time.Time) {
	if _, ok := m[key]; !ok && len(m) >= maxHistoryPerOperator {
		var oldestKey string
		var oldest time.Time
		for k, t := range m {
			if oldestKey == "" || t.Before(oldest) {
				oldestKey, oldest = k, t
			}
		}
		delete(m, oldestKey)
	}
	m[key] = at
}

// =============================================================================
// FACTOR CHECKS
// =============================================================================

var knownBrowsers = []string{"chrome", "firefox", "safari", "edg"}

func checkKnownClient(_ *DeviceTrustEvaluator, _ string, s Signals) (FactorStatus, string) {
	ua := strings.ToLower(s.UserAgent)
	for _, b := range knownBrowsers {
		if strings.Contains(ua, b) {
			return FactorPass, "recognized browser"
		}
	}
	return FactorWarn, "unrecognized client"
}

func checkTransportSecurity(_ *DeviceTrustEvaluator, _ string, s Signals) (FactorStatus, string) {
	if s.SecureTransport {
		return FactorPass, "encrypted transport"
	}
	return FactorWarn, "plaintext transport"
}

func checkTimeOfDay(e *DeviceTrustEvaluator, _ string, s Signals) (FactorStatus, string) {
	hour := s.Time.UTC().Hour()
	if hour >= e.cfg.WorkHoursStart && hour <= e.cfg.WorkHoursEnd {
		return FactorPass, "within operating hours"
	}
	return FactorWarn, "outside operating hours"
}

func checkTrustedOrigin(e *DeviceTrustEvaluator, _ string, s Signals) (FactorStatus, string) {
	if e.origins[strings.TrimRight(strings.ToLower(s.Origin), "/")] {
		return FactorPass, "trusted origin"
	}
	return FactorWarn, "unlisted origin"
}

func checkNetworkReputation(e *DeviceTrustEvaluator, _ string, s Signals) (FactorStatus, string) {
	ip := net.ParseIP(s.ClientIP)
	if ip == nil {
		return FactorWarn, "unparseable client address"
	}
	if containsIP(e.blocked, ip) {
		return FactorFail, "blocked network"
	}
	if containsIP(e.trusted, ip) {
		return FactorPass, "trusted network"
	}
	return FactorWarn, "unknown network"
}

func checkDeviceNovelty(e *DeviceTrustEvaluator, operatorID string, s Signals) (FactorStatus, string) {
	if s.DeviceFingerprint == "" {
		return FactorFail, "no device fingerprint"
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if h, ok := e.history[operatorID]; ok {
		if _, seen := h.fingerprints[s.DeviceFingerprint]; seen {
			return FactorPass, "known device"
		}
	}
	return FactorWarn, "new device"
}

func checkGeoConsistency(e *DeviceTrustEvaluator, operatorID string, s Signals) (FactorStatus, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.history[operatorID]
	if !ok || len(h.networks) == 0 {
		return FactorPass, "no prior logins"
	}
	if _, seen := h.networks[networkPrefix(s.ClientIP)]; seen {
		return FactorPass, "consistent with prior logins"
	}
	return FactorWarn, "network differs from prior logins"
}

func checkClientAttestation(_ *DeviceTrustEvaluator, _ string, s Signals) (FactorStatus, string) {
	if strings.TrimSpace(s.Attestation) != "" {
		return FactorPass, "attestation presented"
	}
	return FactorWarn, "no attestation"
}

// =============================================================================
// HELPERS
// =============================================================================

// networkPrefix returns the /16 (IPv4) or /48 (IPv6) network of ip.
func networkPrefix(ipStr string) string {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(16, 32)).String() + "/16"
	}
	return ip.Mask(net.CIDRMask(48, 128)).String() + "/48"
}

func parseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(strings.TrimSpace(c))
		if err != nil {
			return nil, err
		}
		nets = append(nets, n)
	}
	return nets, nil
}

func containsIP(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
