// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stacklok/gafaelfawr/pkg/apierror"
	"github.com/stacklok/gafaelfawr/pkg/storage"
	"github.com/stacklok/gafaelfawr/pkg/token"
)

const defaultHistoryLimit = 100

// history returns one page of the token change audit log. Non-admins only
// see their own tokens; the service enforces that.
func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	query, err := historyQuery(r.URL.Query())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	page, err := h.tokens.ListHistory(r.Context(), ident.Caller, query)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if link := linkHeader(r.URL, page); link != "" {
		w.Header().Set("Link", link)
	}
	w.Header().Set("X-Total-Count", strconv.Itoa(page.Count))
	entries := page.Entries
	if entries == nil {
		entries = []*token.ChangeHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// historyQuery parses the filter parameters of the history route.
func historyQuery(values url.Values) (*storage.HistoryQuery, error) {
	q := &storage.HistoryQuery{
		Username: values.Get("username"),
		Actor:    values.Get("actor"),
		Key:      values.Get("key"),
		Token:    values.Get("token"),
		Limit:    defaultHistoryLimit,
	}
	if tokenType := values.Get("token_type"); tokenType != "" {
		tt := token.Type(tokenType)
		if !tt.Valid() {
			return nil, apierror.ValidationFailed(
				fmt.Sprintf("Unknown token type %q", tokenType), apierror.LocQuery, "token_type")
		}
		q.TokenType = tt
	}
	if address := values.Get("ip_address"); address != "" {
		switch {
		case strings.Contains(address, "/"):
			_, ipNet, err := net.ParseCIDR(address)
			if err != nil {
				return nil, apierror.InvalidIPAddress(fmt.Sprintf("Invalid CIDR block %q", address))
			}
			q.IPNet = ipNet
		case net.ParseIP(address) == nil:
			return nil, apierror.InvalidIPAddress(fmt.Sprintf("Invalid IP address %q", address))
		default:
			q.IPAddress = address
		}
	}
	var err error
	if q.Since, err = timeParam(values, "since"); err != nil {
		return nil, err
	}
	if q.Until, err = timeParam(values, "until"); err != nil {
		return nil, err
	}
	if cursor := values.Get("cursor"); cursor != "" {
		parsed, err := token.ParseCursor(cursor)
		if err != nil {
			return nil, apierror.InvalidCursor(fmt.Sprintf("Invalid cursor %q", cursor))
		}
		q.Cursor = &parsed
	}
	if limit := values.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			return nil, apierror.ValidationFailed(
				fmt.Sprintf("Invalid limit %q", limit), apierror.LocQuery, "limit")
		}
		q.Limit = n
	}
	return q, nil
}

// timeParam accepts RFC 3339 or epoch seconds.
func timeParam(values url.Values, name string) (time.Time, error) {
	raw := values.Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, apierror.ValidationFailed(
			fmt.Sprintf("Invalid %s value %q", name, raw), apierror.LocQuery, name)
	}
	return t.UTC(), nil
}

// linkHeader builds the RFC 8288 pagination links for a history page.
func linkHeader(current *url.URL, page *token.PaginatedHistory) string {
	var links []string
	add := func(cursor string, rel string) {
		u := *current
		q := u.Query()
		if cursor == "" {
			q.Del("cursor")
		} else {
			q.Set("cursor", cursor)
		}
		u.RawQuery = q.Encode()
		links = append(links, fmt.Sprintf("<%s>; rel=%q", u.String(), rel))
	}

	add("", "first")
	if page.PrevCursor != nil {
		add(page.PrevCursor.String(), "prev")
	}
	if page.NextCursor != nil {
		add(page.NextCursor.String(), "next")
	}
	return strings.Join(links, ", ")
}
