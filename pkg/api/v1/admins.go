// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/gafaelfawr/pkg/apierror"
)

type adminEntry struct {
	Username string `json:"username"`
}

// listAdmins returns the admin roster; admin only.
func (h *Handler) listAdmins(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	admins, err := h.admins.List(r.Context(), ident.Caller)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	entries := make([]adminEntry, 0, len(admins))
	for _, username := range admins {
		entries = append(entries, adminEntry{Username: username})
	}
	writeJSON(w, http.StatusOK, entries)
}

// addAdmin puts a username on the roster; admin only.
func (h *Handler) addAdmin(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if err := requireCSRF(r, ident); err != nil {
		h.writeError(w, r, err)
		return
	}
	var entry adminEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		h.writeError(w, r, apierror.ValidationFailed("Invalid request body", apierror.LocBody, ""))
		return
	}
	if err := h.admins.Add(r.Context(), ident.Caller, entry.Username); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// deleteAdmin removes a username from the roster; admin only. Removing the
// last admin is refused.
func (h *Handler) deleteAdmin(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if err := requireCSRF(r, ident); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.admins.Delete(r.Context(), ident.Caller, chi.URLParam(r, "username")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
