// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the HTTP API of the zero-trust gateway.
//
// # Endpoints
//
//   - POST   /auth/step1              - credentials (form), returns a pre-auth session
//   - POST   /auth/step2              - one-time code (JSON), returns an access token
//   - GET    /health                  - liveness and ledger position
//   - GET    /auth/me                 - subject of the bearer token
//   - GET    /auth/sessions           - live tokens and locked keys (gated on ZT)
//   - DELETE /auth/sessions/{id}      - revoke a token (gated on ZT)
//   - GET    /api/access/{resource}   - the caller's decision on one resource
//   - GET    /api/resources           - the catalog with the caller's decisions
//   - GET    /api/policy-decisions    - PDP counters and recent decisions (gated on ZT)
//   - GET    /api/audit-logs          - filtered ledger events (gated on AL)
//   - GET    /api/audit-logs/verify   - hash-chain check (gated on AL)
//
// # Security Features
//
//   - Per-client token-bucket rate limiting on /auth/*
//   - Forwarded headers honoured only from configured proxies
//   - CORS allowlist
//   - Security headers and no-store caching
//   - Generic {detail} error bodies that never reveal which check failed
//
// Gated endpoints run through RequireResource, which evaluates the caller
// with the policy decision point (and so records the decision) before the
// handler runs.
package server
