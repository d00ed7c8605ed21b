// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth extracts bearer credentials from incoming requests and builds
// the WWW-Authenticate challenges returned when they are missing or bad.
//
// Three presentations are accepted, in order of precedence: an Authorization
// header with the Bearer scheme, an Authorization header with the Basic
// scheme carrying the token on either side of an "x-oauth-basic" marker, and
// the session cookie.
package auth

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/stacklok/gafaelfawr/pkg/apierror"
	"github.com/stacklok/gafaelfawr/pkg/cookie"
	"github.com/stacklok/gafaelfawr/pkg/token"
)

// Source labels where the request credential came from. It is logged with
// every authentication decision.
type Source string

// Credential sources.
const (
	SourceBearer        Source = "bearer"
	SourceBasicUsername Source = "basic-username"
	SourceBasicPassword Source = "basic-password"
	SourceCookie        Source = "cookie"
)

// basicMarker is the placeholder GitHub popularized for token-over-Basic:
// the token sits in the other field.
const basicMarker = "x-oauth-basic"

// ErrNoToken means the request carried no credentials at all. Distinct from
// malformed credentials, which surface as *apierror.Error.
var ErrNoToken = errors.New("no token found in request")

// Extract pulls the request token out of the Authorization header or the
// session cookie. A syntactically broken header is an invalid_request error;
// a well-formed header holding a malformed token is an invalid_token error.
func Extract(r *http.Request, codec *cookie.Codec) (token.Token, Source, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		return fromAuthorization(header)
	}

	session, err := codec.Get(r)
	if err != nil {
		// Undecryptable cookie: treated as logged out.
		return token.Token{}, "", ErrNoToken
	}
	if t, ok := session.SessionToken(); ok {
		return t, SourceCookie, nil
	}
	return token.Token{}, "", ErrNoToken
}

func fromAuthorization(header string) (token.Token, Source, error) {
	scheme, credentials, found := strings.Cut(header, " ")
	if !found {
		return token.Token{}, "", apierror.InvalidRequest("Malformed Authorization header")
	}

	switch strings.ToLower(scheme) {
	case "bearer":
		t, err := token.Parse(strings.TrimSpace(credentials))
		if err != nil {
			return token.Token{}, "", apierror.InvalidToken("Token is malformed")
		}
		return t, SourceBearer, nil
	case "basic":
		return fromBasic(strings.TrimSpace(credentials))
	default:
		return token.Token{}, "", apierror.InvalidRequest("Unknown Authorization scheme " + scheme)
	}
}

// fromBasic unpacks token-over-Basic. The token may sit in the username with
// the marker as password, in the password with the marker as username, or,
// for clients that send an arbitrary password, in the username alone.
func fromBasic(credentials string) (token.Token, Source, error) {
	decoded, err := base64.StdEncoding.DecodeString(credentials)
	if err != nil {
		return token.Token{}, "", apierror.InvalidRequest("Invalid Basic credentials")
	}
	username, password, found := strings.Cut(string(decoded), ":")
	if !found {
		return token.Token{}, "", apierror.InvalidRequest("Invalid Basic credentials")
	}

	var candidate, other string
	var source Source
	switch {
	case password == basicMarker:
		candidate, source = username, SourceBasicUsername
	case username == basicMarker:
		candidate, source = password, SourceBasicPassword
	default:
		candidate, source = username, SourceBasicUsername
		other = password
	}

	t, err := token.Parse(candidate)
	if err != nil {
		// Some clients put the token in the password field with a
		// human-readable username.
		if other != "" {
			if t, err := token.Parse(other); err == nil {
				return t, SourceBasicPassword, nil
			}
		}
		return token.Token{}, "", apierror.InvalidToken("Token is malformed")
	}
	return t, source, nil
}
