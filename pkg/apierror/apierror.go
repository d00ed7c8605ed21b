// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package apierror defines the error taxonomy surfaced by the HTTP API.
//
// Every client-facing failure is an *Error carrying the machine-readable
// kind, the HTTP status, and the request component that triggered it. The
// wire format is a "detail" body: validation failures render the detail as
// a list (one entry per failed field), standalone failures as an object.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Location names the request component an error refers to.
type Location string

// Error locations.
const (
	LocBody   Location = "body"
	LocHeader Location = "header"
	LocPath   Location = "path"
	LocQuery  Location = "query"
)

// Error kinds.
const (
	TypeValidationFailed   = "validation_failed"
	TypeDuplicateTokenName = "duplicate_token_name"
	TypeInvalidCSRF        = "invalid_csrf"
	TypeInvalidCursor      = "invalid_cursor"
	TypeInvalidDelegateTo  = "invalid_delegate_to"
	TypeInvalidExpires     = "invalid_expires"
	TypeInvalidIPAddress   = "invalid_ip_address"
	TypeInvalidReturnURL   = "invalid_return_url"
	TypeInvalidScopes      = "invalid_scopes"
	TypeNotFound           = "not_found"
	TypeNotSupported       = "not_supported"
	TypePermissionDenied   = "permission_denied"

	// RFC 6750 kinds, returned with a WWW-Authenticate challenge.
	TypeInvalidRequest    = "invalid_request"
	TypeInvalidToken      = "invalid_token"
	TypeInsufficientScope = "insufficient_scope"

	TypeInternal = "internal_error"
)

// Error is a client-facing API error.
type Error struct {
	// Type is the machine-readable error kind.
	Type string

	// Message is the human-readable description.
	Message string

	// Location and Field name the offending request component, when known.
	Location Location
	Field    string

	// Status is the HTTP status code.
	Status int

	// validation marks kinds derived from input validation, which render
	// the detail as a list to match per-field validation output.
	validation bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// detail is one entry of the wire body.
type detail struct {
	Loc  []string `json:"loc,omitempty"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

func (e *Error) detail() detail {
	d := detail{Msg: e.Message, Type: e.Type}
	if e.Location != "" {
		d.Loc = []string{string(e.Location), e.Field}
	}
	return d
}

// Write renders the error body and status onto the response.
func Write(w http.ResponseWriter, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)

	var body any
	if e.validation {
		body = map[string]any{"detail": []detail{e.detail()}}
	} else {
		body = map[string]any{"detail": e.detail()}
	}
	_ = json.NewEncoder(w).Encode(body)
}

// WriteError maps any error onto the response: *Error values render
// themselves, everything else becomes an opaque 500 carrying the request
// correlation id.
func WriteError(w http.ResponseWriter, err error, requestID string) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		Write(w, apiErr)
		return
	}
	Write(w, Internal(requestID))
}

// Validation failures (422 unless noted).

// DuplicateTokenName signals a token name already used by the same owner.
func DuplicateTokenName(msg string) *Error {
	return &Error{
		Type: TypeDuplicateTokenName, Message: msg,
		Location: LocBody, Field: "token_name",
		Status: http.StatusUnprocessableEntity, validation: true,
	}
}

// InvalidCursor signals a malformed pagination cursor.
func InvalidCursor(msg string) *Error {
	return &Error{
		Type: TypeInvalidCursor, Message: msg,
		Location: LocQuery, Field: "cursor",
		Status: http.StatusUnprocessableEntity, validation: true,
	}
}

// InvalidDelegateTo signals a malformed delegate_to parameter.
func InvalidDelegateTo(msg string) *Error {
	return &Error{
		Type: TypeInvalidDelegateTo, Message: msg,
		Location: LocQuery, Field: "delegate_to",
		Status: http.StatusUnprocessableEntity, validation: true,
	}
}

// InvalidExpires signals an expiry in the past or closer than the minimum
// lifetime.
func InvalidExpires(msg string) *Error {
	return &Error{
		Type: TypeInvalidExpires, Message: msg,
		Location: LocBody, Field: "expires",
		Status: http.StatusUnprocessableEntity, validation: true,
	}
}

// InvalidIPAddress signals a history filter that is neither an address nor
// a CIDR block.
func InvalidIPAddress(msg string) *Error {
	return &Error{
		Type: TypeInvalidIPAddress, Message: msg,
		Location: LocQuery, Field: "ip_address",
		Status: http.StatusUnprocessableEntity, validation: true,
	}
}

// InvalidReturnURL signals an unsafe return destination.
func InvalidReturnURL(msg, field string) *Error {
	return &Error{
		Type: TypeInvalidReturnURL, Message: msg,
		Location: LocQuery, Field: field,
		Status: http.StatusUnprocessableEntity, validation: true,
	}
}

// InvalidScopes signals unknown scopes or scopes broader than the caller's.
func InvalidScopes(msg string) *Error {
	return &Error{
		Type: TypeInvalidScopes, Message: msg,
		Location: LocBody, Field: "scopes",
		Status: http.StatusUnprocessableEntity, validation: true,
	}
}

// InvalidCSRF signals a missing or mismatched CSRF token.
func InvalidCSRF(msg string) *Error {
	return &Error{
		Type: TypeInvalidCSRF, Message: msg,
		Location: LocHeader, Field: "X-CSRF-Token",
		Status: http.StatusForbidden, validation: true,
	}
}

// ValidationFailed signals a generic input validation failure.
func ValidationFailed(msg string, loc Location, field string) *Error {
	return &Error{
		Type: TypeValidationFailed, Message: msg,
		Location: loc, Field: field,
		Status: http.StatusUnprocessableEntity, validation: true,
	}
}

// Standalone failures.

// NotFound signals a missing token, user, or history record.
func NotFound(msg string) *Error {
	return &Error{Type: TypeNotFound, Message: msg, Status: http.StatusNotFound}
}

// NotSupported signals a feature that is not configured in this deployment.
func NotSupported(msg string) *Error {
	return &Error{Type: TypeNotSupported, Message: msg, Status: http.StatusNotFound}
}

// PermissionDenied signals an action the authenticated user may not take.
func PermissionDenied(msg string) *Error {
	return &Error{Type: TypePermissionDenied, Message: msg, Status: http.StatusForbidden}
}

// Bearer failures (RFC 6750). The caller attaches the WWW-Authenticate
// challenge; realm and challenge scheme are deployment configuration.

// InvalidRequest signals an Authorization header that could not be parsed.
func InvalidRequest(msg string) *Error {
	return &Error{
		Type: TypeInvalidRequest, Message: msg,
		Location: LocHeader, Field: "Authorization",
		Status: http.StatusBadRequest,
	}
}

// InvalidToken signals an expired, revoked, or malformed token.
func InvalidToken(msg string) *Error {
	return &Error{
		Type: TypeInvalidToken, Message: msg,
		Location: LocHeader, Field: "Authorization",
		Status: http.StatusUnauthorized,
	}
}

// InsufficientScope signals a token lacking a required scope.
func InsufficientScope(msg string) *Error {
	return &Error{
		Type: TypeInsufficientScope, Message: msg,
		Location: LocHeader, Field: "Authorization",
		Status: http.StatusForbidden,
	}
}

// Internal is the opaque 500 shown for infrastructure failures. Details stay
// in the logs, keyed by the correlation id.
func Internal(requestID string) *Error {
	msg := "Internal server error"
	if requestID != "" {
		msg = fmt.Sprintf("Internal server error (request %s)", requestID)
	}
	return &Error{Type: TypeInternal, Message: msg, Status: http.StatusInternalServerError}
}
