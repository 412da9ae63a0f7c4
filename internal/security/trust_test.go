// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRiskLevelFor(t *testing.T) {
	tests := []struct {
		score int
		want  RiskLevel
	}{
		{100, RiskLow}, {70, RiskLow}, {69, RiskMedium}, {40, RiskMedium}, {39, RiskHigh}, {0, RiskHigh},
	}
	for _, tt := range tests {
		if got := RiskLevelFor(tt.score); got != tt.want {
			t.Errorf("RiskLevelFor(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func newEvaluator(t *testing.T) *DeviceTrustEvaluator {
	t.Helper()
	e, err := NewDeviceTrustEvaluator(DefaultTrustConfig())
	require.NoError(t, err)
	return e
}

func factor(a TrustAssessment, name string) FactorResult {
	for _, f := range a.Factors {
		if f.Name == name {
			return f
		}
	}
	return FactorResult{}
}

func TestEvaluateScoresAgainstWeights(t *testing.T) {
	e := newEvaluator(t)
	s := goodSignals()
	s.Time = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

	a := e.Evaluate("analyst", s)
	assert.Equal(t, 80, a.Score)
	assert.Equal(t, RiskLow, a.RiskLevel)
	assert.Len(t, a.Factors, len(DefaultFactors()))

	novelty := factor(a, FactorDeviceNovelty)
	assert.Equal(t, FactorWarn, novelty.Status)
	assert.Equal(t, -20, novelty.Impact)
	assert.Zero(t, factor(a, FactorKnownClient).Impact)
}

func TestEvaluateHostileSignalsClampToZero(t *testing.T) {
	e, err := NewDeviceTrustEvaluator(TrustConfig{
		Baseline:     100,
		Factors:      DefaultFactors(),
		BlockedCIDRs: []string{"198.51.100.0/24"},
	})
	require.NoError(t, err)

	a := e.Evaluate("analyst", Signals{
		UserAgent: "python-requests/2.31",
		ClientIP:  "198.51.100.7",
		Time:      time.Date(2025, 3, 14, 3, 0, 0, 0, time.UTC),
	})
	assert.Equal(t, 0, a.Score)
	assert.Equal(t, RiskHigh, a.RiskLevel)
	assert.Equal(t, FactorFail, factor(a, FactorNetworkReputation).Status)
}

func TestEvaluateMediumRisk(t *testing.T) {
	e := newEvaluator(t)
	s := goodSignals()
	s.Time = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	s.ClientIP = "203.0.113.50"

	a := e.Evaluate("analyst", s)
	assert.Equal(t, 40, a.Score)
	assert.Equal(t, RiskMedium, a.RiskLevel)
}

func TestRememberMakesDeviceKnownAndTracksNetwork(t *testing.T) {
	e := newEvaluator(t)
	s := goodSignals()
	s.Time = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

	e.Remember("analyst", s)
	assert.Equal(t, 100, e.Evaluate("analyst", s).Score)

	// Other operators do not share history.
	assert.Equal(t, 80, e.Evaluate("commander", s).Score)

	moved := s
	moved.ClientIP = "10.99.1.1"
	a := e.Evaluate("analyst", moved)
	assert.Equal(t, FactorWarn, factor(a, FactorGeoConsistency).Status)
	assert.Equal(t, 85, a.Score)
}

func TestRememberIsBounded(t *testing.T) {
	e := newEvaluator(t)
	base := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	for i := 0; i < maxHistoryPerOperator+10; i++ {
		s := goodSignals()
		s.DeviceFingerprint = "fp-" + string(rune('A'+i))
		s.Time = base.Add(time.Duration(i) * time.Minute)
		e.Remember("analyst", s)
	}
	assert.Len(t, e.history["analyst"].fingerprints, maxHistoryPerOperator)
	_, oldest := e.history["analyst"].fingerprints["fp-A"]
	assert.False(t, oldest, "oldest fingerprint should be evicted")
}

func TestDisabledFactorIsSkipped(t *testing.T) {
	cfg := DefaultTrustConfig()
	for i := range cfg.Factors {
		if cfg.Factors[i].Name == FactorDeviceNovelty {
			cfg.Factors[i].Enabled = false
		}
	}
	e, err := NewDeviceTrustEvaluator(cfg)
	require.NoError(t, err)

	s := goodSignals()
	s.Time = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	a := e.Evaluate("analyst", s)
	assert.Equal(t, 100, a.Score)
	assert.Len(t, a.Factors, len(cfg.Factors)-1)
}

func TestNewDeviceTrustEvaluatorRejectsBadConfig(t *testing.T) {
	tests := map[string]TrustConfig{
		"unknown factor":  {Baseline: 100, Factors: []FactorConfig{{Name: "astrology", Weight: 5, Enabled: true}}},
		"negative weight": {Baseline: 100, Factors: []FactorConfig{{Name: FactorTimeOfDay, Weight: -5, Enabled: true}}},
		"bad cidr":        {Baseline: 100, TrustedCIDRs: []string{"10.0.0.0/33"}},
		"baseline":        {Baseline: 101},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewDeviceTrustEvaluator(cfg)
			assert.Error(t, err)
		})
	}
}
