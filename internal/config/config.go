// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/ztgate/internal/security"
	"github.com/jeranaias/ztgate/internal/util"
)

// DefaultConfigFile is read from the working directory when no path is given.
const DefaultConfigFile = "ztgate.toml"

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete ztgate configuration.
type Config struct {
	Server    ServerConfig    `toml:"server" json:"server"`
	Auth      AuthConfig      `toml:"auth" json:"auth"`
	Lockout   LockoutConfig   `toml:"lockout" json:"lockout"`
	TOTP      TOTPConfig      `toml:"totp" json:"totp"`
	Trust     TrustConfig     `toml:"trust" json:"trust"`
	Storage   StorageConfig   `toml:"storage" json:"storage"`
	Audit     AuditConfig     `toml:"audit" json:"audit"`
	Catalog   CatalogConfig   `toml:"catalog" json:"catalog"`
	Operators OperatorsConfig `toml:"operators" json:"operators"`
}

// ServerConfig contains HTTP listener settings.
type ServerConfig struct {
	Host             string   `toml:"host" json:"host"`
	Port             int      `toml:"port" json:"port"`
	CORSOrigins      []string `toml:"cors_origins" json:"cors_origins"`
	ReadTimeoutSecs  int      `toml:"read_timeout_secs" json:"read_timeout_secs"`
	WriteTimeoutSecs int      `toml:"write_timeout_secs" json:"write_timeout_secs"`
	// RateLimitPerSec and RateLimitBurst apply per client IP on /auth/*.
	RateLimitPerSec float64 `toml:"rate_limit_per_sec" json:"rate_limit_per_sec"`
	RateLimitBurst  int     `toml:"rate_limit_burst" json:"rate_limit_burst"`
	// TrustedProxies may set X-Forwarded-For and X-Forwarded-Proto.
	TrustedProxies []string `toml:"trusted_proxies" json:"trusted_proxies"`
}

// AuthConfig contains login pipeline settings.
type AuthConfig struct {
	PreAuthTTLSecs         int `toml:"pre_auth_ttl_secs" json:"pre_auth_ttl_secs"`
	HighRiskPreAuthTTLSecs int `toml:"high_risk_pre_auth_ttl_secs" json:"high_risk_pre_auth_ttl_secs"`
	AccessTokenTTLSecs     int `toml:"access_token_ttl_secs" json:"access_token_ttl_secs"`
	// SigningKey is the HS256 key. Empty generates a per-process key.
	SigningKey             string `toml:"signing_key" json:"signing_key"`
	Issuer                 string `toml:"issuer" json:"issuer"`
	MaxCodeAttempts        int    `toml:"max_code_attempts" json:"max_code_attempts"`
	TombstoneRetentionSecs int    `toml:"tombstone_retention_secs" json:"tombstone_retention_secs"`
	SweepIntervalSecs      int    `toml:"sweep_interval_secs" json:"sweep_interval_secs"`
	CredentialTimeoutSecs  int    `toml:"credential_timeout_secs" json:"credential_timeout_secs"`
}

// LockoutConfig contains failed-attempt lockout settings.
type LockoutConfig struct {
	Enabled      bool `toml:"enabled" json:"enabled"`
	MaxAttempts  int  `toml:"max_attempts" json:"max_attempts"`
	DurationSecs int  `toml:"duration_secs" json:"duration_secs"`
}

// TOTPConfig contains one-time code parameters.
type TOTPConfig struct {
	PeriodSecs int    `toml:"period_secs" json:"period_secs"`
	Skew       int    `toml:"skew" json:"skew"`
	Digits     int    `toml:"digits" json:"digits"`
	Algorithm  string `toml:"algorithm" json:"algorithm"`
	Issuer     string `toml:"issuer" json:"issuer"`
}

// FactorConfig enables one trust factor.
type FactorConfig struct {
	Name    string `toml:"name" json:"name"`
	Weight  int    `toml:"weight" json:"weight"`
	Enabled bool   `toml:"enabled" json:"enabled"`
}

// TrustConfig contains device trust scoring settings.
type TrustConfig struct {
	Baseline            int            `toml:"baseline" json:"baseline"`
	HighRiskShortensTTL bool           `toml:"high_risk_shortens_ttl" json:"high_risk_shortens_ttl"`
	TrustedOrigins      []string       `toml:"trusted_origins" json:"trusted_origins"`
	TrustedCIDRs        []string       `toml:"trusted_cidrs" json:"trusted_cidrs"`
	BlockedCIDRs        []string       `toml:"blocked_cidrs" json:"blocked_cidrs"`
	WorkHoursStart      int            `toml:"work_hours_start" json:"work_hours_start"`
	WorkHoursEnd        int            `toml:"work_hours_end" json:"work_hours_end"`
	Factors             []FactorConfig `toml:"factors" json:"factors"`
}

// StorageConfig selects backends.
type StorageConfig struct {
	// SessionBackend is "memory" or "redis".
	SessionBackend string `toml:"session_backend" json:"session_backend"`
	RedisAddr      string `toml:"redis_addr" json:"redis_addr"`
	RedisPassword  string `toml:"redis_password" json:"redis_password"`
	RedisDB        int    `toml:"redis_db" json:"redis_db"`
	// AuditDBPath is the SQLite ledger file. Empty keeps the ledger in memory.
	AuditDBPath string `toml:"audit_db_path" json:"audit_db_path"`
}

// AuditConfig contains ledger export and reporting settings.
type AuditConfig struct {
	KafkaBrokers    []string `toml:"kafka_brokers" json:"kafka_brokers"`
	KafkaTopic      string   `toml:"kafka_topic" json:"kafka_topic"`
	RecentDecisions int      `toml:"recent_decisions" json:"recent_decisions"`
}

// CatalogConfig locates the resource catalog. Empty uses the built-in one.
type CatalogConfig struct {
	Path string `toml:"path" json:"path"`
}

// OperatorsConfig locates the operators file. Empty uses the demo operators.
type OperatorsConfig struct {
	Path  string `toml:"path" json:"path"`
	Watch bool   `toml:"watch" json:"watch"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a configuration with every value set.
func Default() *Config {
	trust := security.DefaultTrustConfig()
	factors := make([]FactorConfig, 0, len(trust.Factors))
	for _, f := range trust.Factors {
		factors = append(factors, FactorConfig{Name: f.Name, Weight: f.Weight, Enabled: f.Enabled})
	}

	return &Config{
		Server: ServerConfig{
			Host:             "127.0.0.1",
			Port:             8000,
			CORSOrigins:      []string{"http://localhost:3000", "http://localhost:5173"},
			ReadTimeoutSecs:  15,
			WriteTimeoutSecs: 30,
			RateLimitPerSec:  10,
			RateLimitBurst:   20,
		},
		Auth: AuthConfig{
			PreAuthTTLSecs:         120,
			HighRiskPreAuthTTLSecs: 60,
			AccessTokenTTLSecs:     1800,
			Issuer:                 "ztgate",
			MaxCodeAttempts:        security.DefaultMaxCodeAttempts,
			TombstoneRetentionSecs: 600,
			SweepIntervalSecs:      15,
			CredentialTimeoutSecs:  2,
		},
		Lockout: LockoutConfig{
			Enabled:      true,
			MaxAttempts:  security.DefaultMaxAttempts,
			DurationSecs: 300,
		},
		TOTP: TOTPConfig{
			PeriodSecs: 30,
			Skew:       1,
			Digits:     6,
			Algorithm:  "SHA1",
			Issuer:     "C5ISR Zero Trust",
		},
		Trust: TrustConfig{
			Baseline:            trust.Baseline,
			HighRiskShortensTTL: true,
			TrustedOrigins:      trust.TrustedOrigins,
			TrustedCIDRs:        trust.TrustedCIDRs,
			WorkHoursStart:      trust.WorkHoursStart,
			WorkHoursEnd:        trust.WorkHoursEnd,
			Factors:             factors,
		},
		Storage: StorageConfig{
			SessionBackend: "memory",
			RedisAddr:      "127.0.0.1:6379",
		},
		Audit: AuditConfig{
			KafkaTopic:      "ztgate.audit",
			RecentDecisions: 20,
		},
		Operators: OperatorsConfig{
			Watch: true,
		},
	}
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads the file named by ZTGATE_CONFIG, or ztgate.toml in the working
// directory if present, else the defaults. Env overrides always apply.
func Load() (*Config, error) {
	path := os.Getenv("ZTGATE_CONFIG")
	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		}
	}
	return LoadFromPath(path)
}

// LoadFromPath loads path over the defaults. An empty path loads only
// defaults and env overrides.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes path into cfg. Keys missing from the file keep cfg's values.
func LoadTOML(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// SaveTOML writes cfg to path atomically with owner-only permissions.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# ztgate configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return util.AtomicWriteFile(path, buf.Bytes(), 0o600)
}

// ApplyEnvOverrides applies ZTGATE_* environment variables:
//   - ZTGATE_HOST, ZTGATE_PORT: server listener
//   - ZTGATE_CORS_ORIGINS: comma-separated origins
//   - ZTGATE_SIGNING_KEY: auth.signing_key
//   - ZTGATE_SESSION_BACKEND, ZTGATE_REDIS_ADDR, ZTGATE_REDIS_PASSWORD: storage
//   - ZTGATE_AUDIT_DB: storage.audit_db_path
//   - ZTGATE_KAFKA_BROKERS (comma-separated), ZTGATE_KAFKA_TOPIC: audit export
//   - ZTGATE_CATALOG, ZTGATE_OPERATORS: file locations
//   - ZTGATE_LOCKOUT_ENABLED: lockout.enabled
func (c *Config) ApplyEnvOverrides() {
	if host := os.Getenv("ZTGATE_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("ZTGATE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if origins := os.Getenv("ZTGATE_CORS_ORIGINS"); origins != "" {
		c.Server.CORSOrigins = splitList(origins)
	}
	if key := os.Getenv("ZTGATE_SIGNING_KEY"); key != "" {
		c.Auth.SigningKey = key
	}
	if backend := os.Getenv("ZTGATE_SESSION_BACKEND"); backend != "" {
		c.Storage.SessionBackend = strings.ToLower(backend)
	}
	if addr := os.Getenv("ZTGATE_REDIS_ADDR"); addr != "" {
		c.Storage.RedisAddr = addr
	}
	if pw := os.Getenv("ZTGATE_REDIS_PASSWORD"); pw != "" {
		c.Storage.RedisPassword = pw
	}
	if db := os.Getenv("ZTGATE_AUDIT_DB"); db != "" {
		c.Storage.AuditDBPath = db
	}
	if brokers := os.Getenv("ZTGATE_KAFKA_BROKERS"); brokers != "" {
		c.Audit.KafkaBrokers = splitList(brokers)
	}
	if topic := os.Getenv("ZTGATE_KAFKA_TOPIC"); topic != "" {
		c.Audit.KafkaTopic = topic
	}
	if path := os.Getenv("ZTGATE_CATALOG"); path != "" {
		c.Catalog.Path = path
	}
	if path := os.Getenv("ZTGATE_OPERATORS"); path != "" {
		c.Operators.Path = path
	}
	if enabled := os.Getenv("ZTGATE_LOCKOUT_ENABLED"); enabled != "" {
		c.Lockout.Enabled = enabled == "1" || strings.EqualFold(enabled, "true")
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors collects every problem found in one pass.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every section and returns ValidateErrors if anything is wrong.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.ReadTimeoutSecs <= 0 {
		add("server.read_timeout_secs", "must be positive")
	}
	if c.Server.WriteTimeoutSecs <= 0 {
		add("server.write_timeout_secs", "must be positive")
	}
	if c.Server.RateLimitPerSec <= 0 {
		add("server.rate_limit_per_sec", "must be positive")
	}
	if c.Server.RateLimitBurst < 1 {
		add("server.rate_limit_burst", "must be at least 1")
	}
	for _, cidr := range c.Server.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			add("server.trusted_proxies", "invalid CIDR %q", cidr)
		}
	}

	// Auth
	if c.Auth.PreAuthTTLSecs <= 0 {
		add("auth.pre_auth_ttl_secs", "must be positive")
	}
	if c.Auth.HighRiskPreAuthTTLSecs < 0 || c.Auth.HighRiskPreAuthTTLSecs > c.Auth.PreAuthTTLSecs {
		add("auth.high_risk_pre_auth_ttl_secs", "must be between 0 and pre_auth_ttl_secs")
	}
	if c.Auth.AccessTokenTTLSecs <= 0 {
		add("auth.access_token_ttl_secs", "must be positive")
	}
	if c.Auth.SigningKey != "" && len(c.Auth.SigningKey) < security.MinSigningKeyBytes {
		add("auth.signing_key", "must be at least %d bytes", security.MinSigningKeyBytes)
	}
	if c.Auth.Issuer == "" {
		add("auth.issuer", "must not be empty")
	}
	if c.Auth.MaxCodeAttempts < 0 {
		add("auth.max_code_attempts", "cannot be negative")
	}
	if c.Auth.TombstoneRetentionSecs < 0 {
		add("auth.tombstone_retention_secs", "cannot be negative")
	}
	if c.Auth.SweepIntervalSecs < 0 {
		add("auth.sweep_interval_secs", "cannot be negative")
	}
	if c.Auth.CredentialTimeoutSecs <= 0 {
		add("auth.credential_timeout_secs", "must be positive")
	}

	// Lockout
	if c.Lockout.Enabled {
		if c.Lockout.MaxAttempts < 1 {
			add("lockout.max_attempts", "must be at least 1")
		}
		if c.Lockout.DurationSecs <= 0 {
			add("lockout.duration_secs", "must be positive")
		}
	}

	// TOTP
	if c.TOTP.PeriodSecs <= 0 {
		add("totp.period_secs", "must be positive")
	}
	if c.TOTP.Skew < 0 || c.TOTP.Skew > 3 {
		add("totp.skew", "must be between 0 and 3")
	}
	if c.TOTP.Digits != 6 && c.TOTP.Digits != 8 {
		add("totp.digits", "must be 6 or 8, got %d", c.TOTP.Digits)
	}
	if _, err := security.ParseOTPAlgorithm(c.TOTP.Algorithm); err != nil {
		add("totp.algorithm", "%v", err)
	}

	// Trust
	if c.Trust.Baseline < 0 || c.Trust.Baseline > 100 {
		add("trust.baseline", "must be between 0 and 100")
	}
	if c.Trust.WorkHoursStart < 0 || c.Trust.WorkHoursStart > 23 ||
		c.Trust.WorkHoursEnd < 0 || c.Trust.WorkHoursEnd > 23 ||
		c.Trust.WorkHoursStart > c.Trust.WorkHoursEnd {
		add("trust.work_hours", "need 0 <= start <= end <= 23")
	}
	seen := make(map[string]bool)
	for _, f := range c.Trust.Factors {
		switch {
		case !security.KnownFactor(f.Name):
			add("trust.factors", "unknown factor %q", f.Name)
		case seen[f.Name]:
			add("trust.factors", "duplicate factor %q", f.Name)
		case f.Weight < 0:
			add("trust.factors", "factor %q has negative weight", f.Name)
		}
		seen[f.Name] = true
	}
	for field, cidrs := range map[string][]string{"trust.trusted_cidrs": c.Trust.TrustedCIDRs, "trust.blocked_cidrs": c.Trust.BlockedCIDRs} {
		for _, cidr := range cidrs {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				add(field, "invalid CIDR %q", cidr)
			}
		}
	}

	// Storage
	switch c.Storage.SessionBackend {
	case "memory":
	case "redis":
		if c.Storage.RedisAddr == "" {
			add("storage.redis_addr", "required when session_backend is redis")
		}
	default:
		add("storage.session_backend", "invalid backend '%s', must be one of: memory, redis", c.Storage.SessionBackend)
	}
	if c.Storage.RedisDB < 0 {
		add("storage.redis_db", "cannot be negative")
	}

	// Audit
	if len(c.Audit.KafkaBrokers) > 0 && c.Audit.KafkaTopic == "" {
		add("audit.kafka_topic", "required when kafka_brokers is set")
	}
	if c.Audit.RecentDecisions < 1 || c.Audit.RecentDecisions > 1000 {
		add("audit.recent_decisions", "must be between 1 and 1000")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// DERIVED VALUES
// =============================================================================

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Addr returns host:port for the listener.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ReadTimeout returns the read timeout.
func (s ServerConfig) ReadTimeout() time.Duration { return secs(s.ReadTimeoutSecs) }

// WriteTimeout returns the write timeout.
func (s ServerConfig) WriteTimeout() time.Duration { return secs(s.WriteTimeoutSecs) }

// PreAuthTTL returns the pre-auth session lifetime.
func (a AuthConfig) PreAuthTTL() time.Duration { return secs(a.PreAuthTTLSecs) }

// HighRiskPreAuthTTL returns the shortened lifetime for HIGH-risk logins.
func (a AuthConfig) HighRiskPreAuthTTL() time.Duration { return secs(a.HighRiskPreAuthTTLSecs) }

// AccessTokenTTL returns the access token lifetime.
func (a AuthConfig) AccessTokenTTL() time.Duration { return secs(a.AccessTokenTTLSecs) }

// TombstoneRetention returns how long dead sessions are remembered.
func (a AuthConfig) TombstoneRetention() time.Duration { return secs(a.TombstoneRetentionSecs) }

// SweepInterval returns the memory store sweep period.
func (a AuthConfig) SweepInterval() time.Duration { return secs(a.SweepIntervalSecs) }

// CredentialTimeout bounds a credential store lookup.
func (a AuthConfig) CredentialTimeout() time.Duration { return secs(a.CredentialTimeoutSecs) }

// Duration returns the lockout duration.
func (l LockoutConfig) Duration() time.Duration { return secs(l.DurationSecs) }

// OTP converts the section to verifier settings. Call after Validate.
func (t TOTPConfig) OTP() security.OTPConfig {
	cfg := security.DefaultOTPConfig()
	cfg.Period = uint(t.PeriodSecs)
	cfg.Skew = uint(t.Skew)
	if t.Digits == 8 {
		cfg.Digits = 8
	}
	cfg.Algorithm, _ = security.ParseOTPAlgorithm(t.Algorithm)
	if t.Issuer != "" {
		cfg.Issuer = t.Issuer
	}
	return cfg
}

// Evaluator converts the section to evaluator settings.
func (t TrustConfig) Evaluator() security.TrustConfig {
	factors := make([]security.FactorConfig, 0, len(t.Factors))
	for _, f := range t.Factors {
		factors = append(factors, security.FactorConfig{Name: f.Name, Weight: f.Weight, Enabled: f.Enabled})
	}
	return security.TrustConfig{
		Baseline:       t.Baseline,
		Factors:        factors,
		TrustedOrigins: t.TrustedOrigins,
		TrustedCIDRs:   t.TrustedCIDRs,
		BlockedCIDRs:   t.BlockedCIDRs,
		WorkHoursStart: t.WorkHoursStart,
		WorkHoursEnd:   t.WorkHoursEnd,
	}
}

// Pipeline converts the auth and trust sections to authenticator settings.
func (c *Config) Pipeline() security.AuthConfig {
	return security.AuthConfig{
		PreAuthTTL:          c.Auth.PreAuthTTL(),
		HighRiskPreAuthTTL:  c.Auth.HighRiskPreAuthTTL(),
		HighRiskShortensTTL: c.Trust.HighRiskShortensTTL,
		MaxCodeAttempts:     c.Auth.MaxCodeAttempts,
	}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	data, err := json.Marshal(c)
	if err != nil {
		return Default()
	}
	var out Config
	if err := json.Unmarshal(data, &out); err != nil {
		return Default()
	}
	return &out
}

// String renders the config as JSON with secrets redacted.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.Auth.SigningKey != "" {
		safe.Auth.SigningKey = "[REDACTED]"
	}
	if safe.Storage.RedisPassword != "" {
		safe.Storage.RedisPassword = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the global configuration, loading it on first access.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			cfg = Default()
		}
		globalConfigMu.Lock()
		if globalConfig == nil {
			globalConfig = cfg
		}
		globalConfigMu.Unlock()
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// ReloadGlobal reloads the global configuration from disk.
func ReloadGlobal() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	SetGlobal(cfg)
	return nil
}

// SetGlobal sets the global configuration instance.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state. Tests only.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
