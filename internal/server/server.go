// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/ztgate/internal/audit"
	"github.com/jeranaias/ztgate/internal/config"
	"github.com/jeranaias/ztgate/internal/security"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// Version is the server version reported by /health.
	Version = "1.0.0"

	// MaxRequestBodySize caps login request bodies.
	MaxRequestBodySize = 64 * 1024

	// ResourceZeroTrust gates session and decision administration.
	ResourceZeroTrust = "ZT"

	// ResourceAuditLog gates ledger queries.
	ResourceAuditLog = "AL"
)

// ============================================================================
// SERVER
// ============================================================================

// Config holds listener and HTTP-layer settings.
type Config struct {
	Addr            string
	CORSOrigins     []string
	RateLimitPerSec float64
	RateLimitBurst  int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	TrustedProxies  []string
	RecentDecisions int
	SessionBackend  string
}

// ConfigFrom extracts the HTTP settings from a loaded configuration.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Addr:            c.Server.Addr(),
		CORSOrigins:     c.Server.CORSOrigins,
		RateLimitPerSec: c.Server.RateLimitPerSec,
		RateLimitBurst:  c.Server.RateLimitBurst,
		ReadTimeout:     c.Server.ReadTimeout(),
		WriteTimeout:    c.Server.WriteTimeout(),
		TrustedProxies:  c.Server.TrustedProxies,
		RecentDecisions: c.Audit.RecentDecisions,
		SessionBackend:  c.Storage.SessionBackend,
	}
}

// LedgerReader is the read side of the audit ledger.
type LedgerReader interface {
	Query(f audit.Filter) []audit.Event
	Verify() audit.VerifyResult
	LastSeq() uint64
}

// Server is the HTTP front end of the login pipeline and the PDP.
type Server struct {
	cfg     Config
	auth    *security.Authenticator
	pdp     *security.PolicyDecisionPoint
	ledger  LedgerReader
	proxies *TrustedProxies
	limiter *RateLimiter
	router  *http.ServeMux
	handler http.Handler

	mu     sync.Mutex
	server *http.Server
}

// NewServer wires routes and middleware. The catalog must contain the
// resources the administrative endpoints are gated on.
func NewServer(cfg Config, auth *security.Authenticator, pdp *security.PolicyDecisionPoint, ledger LedgerReader) (*Server, error) {
	if auth == nil || pdp == nil || ledger == nil {
		return nil, errors.New("server: authenticator, policy decision point and ledger are required")
	}
	for _, id := range []string{ResourceZeroTrust, ResourceAuditLog} {
		if _, err := pdp.Catalog().Lookup(id); err != nil {
			return nil, fmt.Errorf("server: catalog has no %q resource: %w", id, err)
		}
	}
	proxies, err := NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = 10
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 20
	}
	if cfg.RecentDecisions <= 0 {
		cfg.RecentDecisions = 20
	}

	s := &Server{
		cfg:     cfg,
		auth:    auth,
		pdp:     pdp,
		ledger:  ledger,
		proxies: proxies,
		limiter: NewRateLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst),
		router:  http.NewServeMux(),
	}
	s.setupRoutes()
	s.handler = Chain(
		RecoveryMiddleware(),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(log.Default()),
		CORSMiddleware(DefaultCORSConfig(cfg.CORSOrigins)),
	)(s.router)
	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) setupRoutes() {
	limited := RateLimitMiddleware(s.limiter, s.proxies)
	authed := RequireToken(s.auth, s.proxies)
	gated := func(resourceID string, h http.HandlerFunc) http.Handler {
		return Chain(authed, RequireResource(s.pdp, resourceID))(h)
	}

	s.router.Handle("POST /auth/step1", limited(http.HandlerFunc(s.handleStep1)))
	s.router.Handle("POST /auth/step2", limited(http.HandlerFunc(s.handleStep2)))
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.Handle("GET /auth/me", authed(http.HandlerFunc(s.handleMe)))

	s.router.Handle("GET /auth/sessions", gated(ResourceZeroTrust, s.handleListSessions))
	s.router.Handle("DELETE /auth/sessions/{id}", gated(ResourceZeroTrust, s.handleRevokeSession))

	s.router.Handle("GET /api/access/{resource}", authed(http.HandlerFunc(s.handleAccess)))
	s.router.Handle("GET /api/resources", authed(http.HandlerFunc(s.handleResources)))
	s.router.Handle("GET /api/policy-decisions", gated(ResourceZeroTrust, s.handlePolicyDecisions))
	s.router.Handle("GET /api/audit-logs", gated(ResourceAuditLog, s.handleAuditLogs))
	s.router.Handle("GET /api/audit-logs/verify", gated(ResourceAuditLog, s.handleAuditVerify))
}

// ============================================================================
// AUTHENTICATION HANDLERS
// ============================================================================

// Step1Response is returned when credentials are accepted.
type Step1Response struct {
	SessionToken string                   `json:"session_token"`
	DeviceTrust  security.TrustAssessment `json:"device_trust"`
	Identifier   string                   `json:"identifier"`
	DisplayName  string                   `json:"display_name"`
	Role         security.Role            `json:"role"`
	Clearance    security.Clearance       `json:"clearance"`
	ExpiresIn    int                      `json:"expires_in"`
	State        security.AuthState       `json:"state"`
}

// formValue returns the first non-empty form field among names.
func formValue(r *http.Request, names ...string) string {
	for _, name := range names {
		if v := r.PostFormValue(name); v != "" {
			return v
		}
	}
	return ""
}

// handleStep1 handles POST /auth/step1 (form-encoded identifier and secret).
// The OAuth2 password-form field names username and password are accepted
// as aliases.
func (s *Server) handleStep1(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := r.ParseForm(); err != nil {
		writeDetail(w, http.StatusBadRequest, detailMalformed)
		return
	}

	res, err := s.auth.Step1(r.Context(), security.Step1Request{
		Identifier: strings.TrimSpace(formValue(r, "identifier", "username")),
		Secret:     formValue(r, "secret", "password"),
		Signals:    s.proxies.Signals(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	op := res.Session.Operator
	writeJSON(w, http.StatusOK, Step1Response{
		SessionToken: res.Session.Token,
		DeviceTrust:  res.Session.Trust,
		Identifier:   op.ID,
		DisplayName:  op.DisplayName,
		Role:         op.Role,
		Clearance:    op.Clearance,
		ExpiresIn:    res.ExpiresIn,
		State:        res.State,
	})
}

// Step2Request is the JSON body of POST /auth/step2. Username and MFACode
// are accepted as aliases of Identifier and OneTimeCode.
type Step2Request struct {
	Identifier   string `json:"identifier"`
	Username     string `json:"username,omitempty"`
	OneTimeCode  string `json:"one_time_code"`
	MFACode      string `json:"mfa_code,omitempty"`
	SessionToken string `json:"session_token"`
}

// Step2Response carries the access token.
type Step2Response struct {
	AccessToken string                    `json:"access_token"`
	TokenType   string                    `json:"token_type"`
	ExpiresIn   int                       `json:"expires_in"`
	Subject     security.OperatorIdentity `json:"subject"`
	State       security.AuthState        `json:"state"`
}

// handleStep2 handles POST /auth/step2.
func (s *Server) handleStep2(w http.ResponseWriter, r *http.Request) {
	var req Step2Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBodySize))
	if err := dec.Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, detailMalformed)
		return
	}
	if req.Identifier == "" {
		req.Identifier = req.Username
	}
	if req.OneTimeCode == "" {
		req.OneTimeCode = req.MFACode
	}

	res, err := s.auth.Step2(r.Context(), security.Step2Request{
		Identifier:   strings.TrimSpace(req.Identifier),
		Code:         req.OneTimeCode,
		SessionToken: req.SessionToken,
		Signals:      s.proxies.Signals(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	tok := res.Token
	writeJSON(w, http.StatusOK, Step2Response{
		AccessToken: tok.Raw,
		TokenType:   "bearer",
		ExpiresIn:   int(tok.Expiry.Sub(tok.IssuedAt) / time.Second),
		Subject:     tok.Subject,
		State:       res.State,
	})
}

// MeResponse describes the caller's token.
type MeResponse struct {
	Subject   security.OperatorIdentity `json:"subject"`
	TokenID   string                    `json:"token_id"`
	IssuedAt  time.Time                 `json:"issued_at"`
	ExpiresAt time.Time                 `json:"expires_at"`
}

// handleMe handles GET /auth/me.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	tok, _ := tokenFromContext(r.Context())
	writeJSON(w, http.StatusOK, MeResponse{
		Subject:   tok.Subject,
		TokenID:   tok.ID,
		IssuedAt:  tok.IssuedAt,
		ExpiresAt: tok.Expiry,
	})
}

// SessionsResponse lists live access tokens, pending logins and locked
// step-1 keys.
type SessionsResponse struct {
	Sessions        []security.AccessToken  `json:"sessions"`
	PendingPreAuths int                     `json:"pending_pre_auth"`
	LockedKeys      []security.LockoutEntry `json:"locked_keys"`
}

// handleListSessions handles GET /auth/sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	pending, err := s.auth.Sessions().Active(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionsResponse{
		Sessions:        s.auth.Tokens().Sessions(),
		PendingPreAuths: pending,
		LockedKeys:      s.auth.Lockout().ListLocked(),
	})
}

// handleRevokeSession handles DELETE /auth/sessions/{id}.
func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	caller, _ := tokenFromContext(r.Context())
	tok, err := s.auth.Revoke(r.Context(), caller.Subject.ID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"revoked": tok.ID, "subject": tok.Subject.ID})
}

// ============================================================================
// POLICY HANDLERS
// ============================================================================

// handleAccess handles GET /api/access/{resource}. A DENY is a normal 200
// response carrying the decision.
func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request) {
	tok, _ := tokenFromContext(r.Context())
	pd, err := s.pdp.EvaluateID(r.Context(), tok.Subject.Subject(), r.PathValue("resource"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pd)
}

// ResourceView is a catalog entry with the caller's decision.
type ResourceView struct {
	security.ResourceDescriptor
	Decision  security.Decision `json:"decision"`
	RiskScore int               `json:"risk_score"`
	Reasons   []string          `json:"reasons,omitempty"`
}

// ResourcesResponse lists the catalog as seen by the caller.
type ResourcesResponse struct {
	CatalogVersion string         `json:"catalog_version"`
	Resources      []ResourceView `json:"resources"`
}

// handleResources handles GET /api/resources.
func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	tok, _ := tokenFromContext(r.Context())
	subject := tok.Subject.Subject()
	catalog := s.pdp.Catalog()

	views := make([]ResourceView, 0, len(catalog.IDs()))
	for _, res := range catalog.List() {
		pd, err := s.pdp.Evaluate(r.Context(), subject, res)
		if err != nil {
			writeError(w, err)
			return
		}
		views = append(views, ResourceView{
			ResourceDescriptor: res,
			Decision:           pd.Decision,
			RiskScore:          pd.RiskScore,
			Reasons:            pd.Reasons,
		})
	}
	writeJSON(w, http.StatusOK, ResourcesResponse{CatalogVersion: catalog.Version(), Resources: views})
}

// PolicyDecisionsResponse is the PDP observability view.
type PolicyDecisionsResponse struct {
	security.PolicyStats
	RecentDecisions    []security.PolicyDecision `json:"recent_decisions"`
	ClearanceHierarchy []security.Clearance      `json:"clearance_hierarchy"`
	CatalogVersion     string                    `json:"catalog_version"`
}

// handlePolicyDecisions handles GET /api/policy-decisions. Recent decisions
// are newest first.
func (s *Server) handlePolicyDecisions(w http.ResponseWriter, r *http.Request) {
	events := s.ledger.Query(audit.Filter{Kind: audit.KindPolicy, Limit: s.cfg.RecentDecisions})
	recent := make([]security.PolicyDecision, 0, len(events))
	for _, e := range slices.Backward(events) {
		recent = append(recent, security.DecisionFromEvent(e))
	}
	writeJSON(w, http.StatusOK, PolicyDecisionsResponse{
		PolicyStats:        s.pdp.Stats(),
		RecentDecisions:    recent,
		ClearanceHierarchy: security.AllClearances(),
		CatalogVersion:     s.pdp.Catalog().Version(),
	})
}

// ============================================================================
// AUDIT HANDLERS
// ============================================================================

// AuditLogsResponse is a filtered ledger slice.
type AuditLogsResponse struct {
	Count  int           `json:"count"`
	Events []audit.Event `json:"events"`
}

// handleAuditLogs handles GET /api/audit-logs.
func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	f, err := audit.ParseFilter(r.URL.Query())
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	events := s.ledger.Query(f)
	writeJSON(w, http.StatusOK, AuditLogsResponse{Count: len(events), Events: events})
}

// handleAuditVerify handles GET /api/audit-logs/verify.
func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.Verify())
}

// ============================================================================
// HEALTH HANDLER
// ============================================================================

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	LedgerSeq      uint64 `json:"ledger_seq"`
	SessionBackend string `json:"session_backend"`
}

// handleHealth handles GET /health. A session store that cannot answer
// marks the service degraded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:         "ok",
		Version:        Version,
		LedgerSeq:      s.ledger.LastSeq(),
		SessionBackend: s.cfg.SessionBackend,
	}
	if health.SessionBackend == "" {
		health.SessionBackend = "memory"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.auth.Sessions().Active(ctx); err != nil {
		log.Printf("HEALTH_DEGRADED | session_backend=%s error=%v", health.SessionBackend, err)
		health.Status = "degraded"
		writeJSON(w, http.StatusServiceUnavailable, health)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(l)
}

// Serve serves on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	log.Printf("SERVER_START | addr=%s version=%s", l.Addr(), Version)
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server and its rate limiter.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Close()

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	log.Printf("SERVER_SHUTDOWN | starting graceful shutdown")
	return srv.Shutdown(ctx)
}
