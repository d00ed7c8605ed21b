// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package apierror

import (
	"encoding/json"
	"net/http"
)

// OAuth error codes (RFC 6749 §5.2), returned by the OIDC token endpoint.
const (
	OAuthInvalidRequest       = "invalid_request"
	OAuthInvalidClient        = "invalid_client"
	OAuthInvalidGrant         = "invalid_grant"
	OAuthUnauthorizedClient   = "unauthorized_client"
	OAuthUnsupportedGrantType = "unsupported_grant_type"
	OAuthUnsupportedResponse  = "unsupported_response_type"
	OAuthInvalidScope         = "invalid_scope"
	OAuthServerError          = "server_error"
)

// OAuthError is an OAuth 2.0 protocol error with the RFC 6749 wire format,
// distinct from the "detail" body the rest of the API uses.
type OAuthError struct {
	// Code is the RFC 6749 error code.
	Code string `json:"error"`

	// Description is the human-readable error_description.
	Description string `json:"error_description,omitempty"`

	// Status is the HTTP status; 400 when zero.
	Status int `json:"-"`
}

// Error implements the error interface.
func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// InvalidClient builds the 401 returned when client authentication fails.
func InvalidClient(desc string) *OAuthError {
	return &OAuthError{Code: OAuthInvalidClient, Description: desc, Status: http.StatusUnauthorized}
}

// InvalidGrant builds the 400 returned for a bad, expired, or replayed code.
func InvalidGrant(desc string) *OAuthError {
	return &OAuthError{Code: OAuthInvalidGrant, Description: desc}
}

// OAuthRequestError builds a generic 400 invalid_request protocol error.
func OAuthRequestError(desc string) *OAuthError {
	return &OAuthError{Code: OAuthInvalidRequest, Description: desc}
}

// WriteOAuth renders an OAuth error body and status onto the response.
func WriteOAuth(w http.ResponseWriter, e *OAuthError) {
	status := e.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(e)
}
