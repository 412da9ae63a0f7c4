// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/jeranaias/ztgate/internal/security"
)

// Client-facing error details. They never say which check failed.
const (
	detailInvalidCredentials = "Invalid credentials"
	detailLocked             = "Too many failed attempts. Try again later."
	detailSession            = "Session invalid or expired. Restart authentication."
	detailInvalidCode        = "Invalid one-time code"
	detailNotAuthenticated   = "Not authenticated"
	detailUnknownResource    = "Unknown resource"
	detailUnknownSession     = "Unknown session"
	detailAccessDenied       = "Access denied"
	detailMalformed          = "Malformed request"
	detailInternal           = "Internal error"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// statusFor maps a pipeline or PDP error to a status code and detail.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, security.ErrInvalidCredentials):
		return http.StatusUnauthorized, detailInvalidCredentials
	case errors.Is(err, security.ErrLocked):
		return http.StatusTooManyRequests, detailLocked
	case security.IsSessionError(err):
		return http.StatusUnauthorized, detailSession
	case errors.Is(err, security.ErrInvalidCode):
		return http.StatusUnauthorized, detailInvalidCode
	case errors.Is(err, security.ErrTokenInvalid), errors.Is(err, security.ErrTokenRevoked):
		return http.StatusUnauthorized, detailNotAuthenticated
	case errors.Is(err, security.ErrUnknownResource):
		return http.StatusNotFound, detailUnknownResource
	case errors.Is(err, security.ErrNoSuchSession):
		return http.StatusNotFound, detailUnknownSession
	default:
		return http.StatusInternalServerError, detailInternal
	}
}

// writeError writes the mapped response for err. Internal errors are
// logged in full; the client only sees the generic detail.
func writeError(w http.ResponseWriter, err error) {
	status, detail := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("INTERNAL_ERROR | error=%v", err)
	}
	writeDetail(w, status, detail)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, ErrorResponse{Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("RESPONSE_ENCODE_FAIL | error=%v", err)
	}
}
