// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/gafaelfawr/pkg/apierror"
	"github.com/stacklok/gafaelfawr/pkg/service"
	"github.com/stacklok/gafaelfawr/pkg/storage"
	"github.com/stacklok/gafaelfawr/pkg/token"
)

// tokenInfo introspects the presenting token's database row.
func (h *Handler) tokenInfo(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if ident.Caller.Bootstrap {
		h.writeError(w, r, apierror.NotFound("Token not found"))
		return
	}
	info, err := h.tokens.GetTokenInfoUnchecked(r.Context(), ident.Token.Key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// userInfo returns the identity attached to the presenting token.
func (h *Handler) userInfo(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	data := ident.Caller.Data
	if data == nil {
		h.writeError(w, r, apierror.InvalidToken("Token is not valid"))
		return
	}
	writeJSON(w, http.StatusOK, data.UserInfo)
}

type createTokenResponse struct {
	Token string `json:"token"`
}

// createAdminToken mints a user or service token for any user; admin only.
func (h *Handler) createAdminToken(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if err := requireCSRF(r, ident); err != nil {
		h.writeError(w, r, err)
		return
	}

	var req service.AdminTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apierror.ValidationFailed("Invalid request body", apierror.LocBody, ""))
		return
	}
	minted, err := h.tokens.CreateAdminToken(r.Context(), ident.Caller, &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location",
		fmt.Sprintf("/auth/api/v1/users/%s/tokens/%s", req.Username, minted.Key))
	writeJSON(w, http.StatusCreated, createTokenResponse{Token: minted.String()})
}

// listTokens returns username's tokens, newest first.
func (h *Handler) listTokens(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	infos, err := h.tokens.ListTokens(r.Context(), ident.Caller, chi.URLParam(r, "username"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if infos == nil {
		infos = []*token.Info{}
	}
	writeJSON(w, http.StatusOK, infos)
}

type createUserTokenRequest struct {
	Name    string     `json:"token_name"`
	Scopes  []string   `json:"scopes"`
	Expires *time.Time `json:"expires"`
}

// createToken mints a user token owned by the path username.
func (h *Handler) createToken(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if err := requireCSRF(r, ident); err != nil {
		h.writeError(w, r, err)
		return
	}

	var req createUserTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apierror.ValidationFailed("Invalid request body", apierror.LocBody, ""))
		return
	}
	username := chi.URLParam(r, "username")
	minted, err := h.tokens.CreateUserToken(r.Context(), ident.Caller, username, req.Name, req.Scopes, req.Expires)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location",
		fmt.Sprintf("/auth/api/v1/users/%s/tokens/%s", username, minted.Key))
	writeJSON(w, http.StatusCreated, createTokenResponse{Token: minted.String()})
}

// getToken returns one token's metadata.
func (h *Handler) getToken(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	info, err := h.tokens.GetTokenInfo(r.Context(),
		ident.Caller, chi.URLParam(r, "username"), chi.URLParam(r, "key"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// modifyToken applies a partial update. A field absent from the body is left
// alone; an explicit "expires": null removes the expiry.
func (h *Handler) modifyToken(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if err := requireCSRF(r, ident); err != nil {
		h.writeError(w, r, err)
		return
	}

	var fields map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		h.writeError(w, r, apierror.ValidationFailed("Invalid request body", apierror.LocBody, ""))
		return
	}
	mods := &storage.TokenModifications{}
	if raw, present := fields["token_name"]; present {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			h.writeError(w, r, apierror.ValidationFailed("Invalid token_name", apierror.LocBody, "token_name"))
			return
		}
		mods.Name = &name
	}
	if raw, present := fields["scopes"]; present {
		if err := json.Unmarshal(raw, &mods.Scopes); err != nil {
			h.writeError(w, r, apierror.InvalidScopes("Invalid scopes"))
			return
		}
	}
	if raw, present := fields["expires"]; present {
		if string(raw) == "null" {
			mods.ClearExpires = true
		} else {
			var expires time.Time
			if err := json.Unmarshal(raw, &expires); err != nil {
				h.writeError(w, r, apierror.InvalidExpires("Invalid expires"))
				return
			}
			mods.Expires = &expires
		}
	}

	info, err := h.tokens.Modify(r.Context(),
		ident.Caller, chi.URLParam(r, "username"), chi.URLParam(r, "key"), mods)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// deleteToken revokes a token and every token derived from it.
func (h *Handler) deleteToken(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if err := requireCSRF(r, ident); err != nil {
		h.writeError(w, r, err)
		return
	}
	err := h.tokens.Delete(r.Context(),
		ident.Caller, chi.URLParam(r, "username"), chi.URLParam(r, "key"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// tokenChangeHistory returns the audit trail of one token.
func (h *Handler) tokenChangeHistory(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	entries, err := h.tokens.TokenChangeHistory(r.Context(),
		ident.Caller, chi.URLParam(r, "username"), chi.URLParam(r, "key"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*token.ChangeHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
