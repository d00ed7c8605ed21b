// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/stacklok/gafaelfawr/pkg/apierror"
	"github.com/stacklok/gafaelfawr/pkg/config"
	"github.com/stacklok/gafaelfawr/pkg/crypto"
	"github.com/stacklok/gafaelfawr/pkg/logger"
	"github.com/stacklok/gafaelfawr/pkg/storage"
	"github.com/stacklok/gafaelfawr/pkg/token"
)

// TokenService is the only writer of tokens and the sole authority on
// derivation and authorization rules. The database is the system of record;
// Redis failures after a committed write are logged, not propagated, because
// the next read re-materializes the mirror from the database.
type TokenService struct {
	cfg      *config.Config
	tokens   storage.TokenStore
	history  storage.HistoryStore
	sessions SessionStore
	derived  *derivedCache
}

// NewTokenService wires the token service over its stores.
func NewTokenService(cfg *config.Config, tokens storage.TokenStore, history storage.HistoryStore, sessions SessionStore) *TokenService {
	return &TokenService{
		cfg:      cfg,
		tokens:   tokens,
		history:  history,
		sessions: sessions,
		derived:  newDerivedCache(),
	}
}

// AdminTokenRequest is the body of admin-driven token creation: a user or
// service token minted for any user.
type AdminTokenRequest struct {
	Username string     `json:"username"`
	Type     token.Type `json:"token_type"`
	Name     string     `json:"token_name,omitempty"`
	Scopes   []string   `json:"scopes,omitempty"`
	Expires  *time.Time `json:"expires,omitempty"`

	// Optional identity attached to the Redis record.
	UID      int           `json:"uid,omitempty"`
	GID      int           `json:"gid,omitempty"`
	Email    string        `json:"email,omitempty"`
	FullName string        `json:"name,omitempty"`
	Groups   []token.Group `json:"groups,omitempty"`
}

// Resolve authenticates a presented token: Redis first, database fallback.
// Failures of every kind surface as ErrInvalidToken so callers cannot
// distinguish unknown keys from bad secrets.
func (s *TokenService) Resolve(ctx context.Context, t token.Token) (*token.Data, error) {
	data, err := s.sessions.Get(ctx, t.Key)
	switch {
	case err == nil:
		if subtle.ConstantTimeCompare([]byte(data.Token.Secret), []byte(t.Secret)) != 1 {
			logger.Warnw("Token secret mismatch", "token", t.Key)
			return nil, ErrInvalidToken
		}
	case errors.Is(err, crypto.ErrUndecryptable):
		logger.Errorw("Token record undecryptable, rebuilding from database",
			"token", t.Key, "error", err)
		fallthrough
	case errors.Is(err, storage.ErrNotFound):
		data, err = s.rebuild(ctx, t)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("fetching token data: %w", err)
	}

	if data.Expired(time.Now()) {
		return nil, ErrInvalidToken
	}
	return data, nil
}

// rebuild re-materializes the Redis record from the database row after a
// cache miss.
func (s *TokenService) rebuild(ctx context.Context, t token.Token) (*token.Data, error) {
	info, err := s.tokens.Get(ctx, t.Key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("loading token row: %w", err)
	}

	data := dataFromInfo(info, t)
	if err := s.sessions.Store(ctx, data); err != nil {
		logger.Errorw("Failed to refill token mirror", "token", t.Key, "error", err)
	}
	return data, nil
}

// CreateSessionToken mints the top-level token for a completed login.
func (s *TokenService) CreateSessionToken(ctx context.Context, info token.UserInfo, scopes []string, ip string) (*token.Data, error) {
	if !token.ValidUsername(info.Username) {
		return nil, apierror.ValidationFailed(
			fmt.Sprintf("Invalid username %q", info.Username), apierror.LocBody, "username")
	}

	now := token.CurrentTime()
	expires := now.Add(s.cfg.TokenLifetime())
	data := &token.Data{
		UserInfo: info,
		Token:    token.New(),
		Type:     token.TypeSession,
		Scopes:   token.SortScopes(scopes),
		Created:  now,
		Expires:  &expires,
	}
	if err := s.persistNew(ctx, data, "", "", info.Username, ip); err != nil {
		return nil, err
	}
	return data, nil
}

// CreateUserToken mints a long-lived named token owned by username.
func (s *TokenService) CreateUserToken(ctx context.Context, caller *Caller, username, name string, scopes []string, expires *time.Time) (token.Token, error) {
	if !caller.canWrite(username) {
		return token.Token{}, apierror.PermissionDenied("Token does not authorize access to this user")
	}
	if name == "" {
		return token.Token{}, apierror.ValidationFailed("token_name is required", apierror.LocBody, "token_name")
	}
	if err := s.validateScopes(scopes, caller); err != nil {
		return token.Token{}, err
	}
	if err := validateExpires(expires); err != nil {
		return token.Token{}, err
	}

	now := token.CurrentTime()
	data := &token.Data{
		UserInfo: s.identityFor(caller, username),
		Token:    token.New(),
		Type:     token.TypeUser,
		Scopes:   token.SortScopes(scopes),
		Created:  now,
		Expires:  expires,
	}
	if err := s.persistNew(ctx, data, name, "", caller.Actor(), caller.IP); err != nil {
		return token.Token{}, err
	}
	logger.Infow("Created new user token",
		"user", username, "token", data.Token.Key, "actor", caller.Actor())
	return data.Token, nil
}

// CreateAdminToken mints a user or service token for any user on behalf of
// an administrator.
func (s *TokenService) CreateAdminToken(ctx context.Context, caller *Caller, req *AdminTokenRequest) (token.Token, error) {
	if !caller.HasAdmin() {
		return token.Token{}, apierror.PermissionDenied("Only administrators may create tokens for other users")
	}
	if !token.ValidUsername(req.Username) {
		return token.Token{}, apierror.ValidationFailed(
			fmt.Sprintf("Invalid username %q", req.Username), apierror.LocBody, "username")
	}
	switch req.Type {
	case token.TypeUser:
		if req.Name == "" {
			return token.Token{}, apierror.ValidationFailed("token_name is required for user tokens", apierror.LocBody, "token_name")
		}
	case token.TypeService:
		if req.Name != "" {
			return token.Token{}, apierror.ValidationFailed("service tokens cannot be named", apierror.LocBody, "token_name")
		}
	default:
		return token.Token{}, apierror.ValidationFailed(
			fmt.Sprintf("Cannot create tokens of type %q", req.Type), apierror.LocBody, "token_type")
	}
	if !token.ValidScopes(req.Scopes) {
		return token.Token{}, apierror.InvalidScopes("Scope name is malformed")
	}
	if err := validateExpires(req.Expires); err != nil {
		return token.Token{}, err
	}

	now := token.CurrentTime()
	data := &token.Data{
		UserInfo: token.UserInfo{
			Username: req.Username,
			Name:     req.FullName,
			Email:    req.Email,
			UID:      req.UID,
			GID:      req.GID,
			Groups:   req.Groups,
		},
		Token:   token.New(),
		Type:    req.Type,
		Scopes:  token.SortScopes(req.Scopes),
		Created: now,
		Expires: req.Expires,
	}
	if err := s.persistNew(ctx, data, req.Name, "", caller.Actor(), caller.IP); err != nil {
		return token.Token{}, err
	}
	logger.Infow("Created new service token",
		"user", req.Username, "token", data.Token.Key,
		"token_type", req.Type, "actor", caller.Actor())
	return data.Token, nil
}

// GetTokenInfo returns the database metadata of one of username's tokens.
func (s *TokenService) GetTokenInfo(ctx context.Context, caller *Caller, username, key string) (*token.Info, error) {
	if !caller.canRead(username) {
		return nil, apierror.PermissionDenied("Token does not authorize access to this user")
	}
	info, err := s.tokens.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierror.NotFound("Token not found")
		}
		return nil, err
	}
	if info.Username != username {
		return nil, apierror.NotFound("Token not found")
	}
	return info, nil
}

// GetTokenInfoUnchecked returns token metadata without an ownership check,
// for introspection of the caller's own presented token.
func (s *TokenService) GetTokenInfoUnchecked(ctx context.Context, key string) (*token.Info, error) {
	info, err := s.tokens.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierror.NotFound("Token not found")
		}
		return nil, err
	}
	return info, nil
}

// ListTokens returns username's tokens, newest first.
func (s *TokenService) ListTokens(ctx context.Context, caller *Caller, username string) ([]*token.Info, error) {
	if !caller.canRead(username) {
		return nil, apierror.PermissionDenied("Token does not authorize access to this user")
	}
	return s.tokens.List(ctx, username)
}

// ListHistory returns one page of change history. Non-admin callers are
// restricted to their own tokens.
func (s *TokenService) ListHistory(ctx context.Context, caller *Caller, q *storage.HistoryQuery) (*token.PaginatedHistory, error) {
	if !caller.HasAdmin() {
		if q.Username != "" && q.Username != caller.Username() {
			return nil, apierror.PermissionDenied("Token does not authorize access to this user")
		}
		q.Username = caller.Username()
	}
	return s.history.List(ctx, q)
}

// TokenChangeHistory returns the change history of one of username's tokens.
func (s *TokenService) TokenChangeHistory(ctx context.Context, caller *Caller, username, key string) ([]*token.ChangeHistoryEntry, error) {
	if _, err := s.GetTokenInfo(ctx, caller, username, key); err != nil {
		return nil, err
	}
	return s.history.ListForToken(ctx, key)
}

// Modify changes a token's name, scopes, or expiry. Shrinking the expiry
// truncates every descendant whose expiry would otherwise exceed it.
func (s *TokenService) Modify(ctx context.Context, caller *Caller, username, key string, mods *storage.TokenModifications) (*token.Info, error) {
	if !caller.canWrite(username) {
		return nil, apierror.PermissionDenied("Token does not authorize access to this user")
	}
	info, err := s.GetTokenInfo(ctx, caller, username, key)
	if err != nil {
		return nil, err
	}

	if mods.Name != nil {
		if *mods.Name == "" {
			return nil, apierror.ValidationFailed("token_name cannot be empty", apierror.LocBody, "token_name")
		}
		existing, err := s.tokens.GetByName(ctx, username, *mods.Name)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if existing != nil && existing.Token != key {
			return nil, apierror.DuplicateTokenName(
				fmt.Sprintf("Token name %q already used", *mods.Name))
		}
	}
	if mods.Scopes != nil {
		if err := s.validateScopes(mods.Scopes, caller); err != nil {
			return nil, err
		}
		mods.Scopes = token.SortScopes(mods.Scopes)
	}
	if mods.Expires != nil {
		if err := validateExpires(mods.Expires); err != nil {
			return nil, err
		}
	}

	if err := s.tokens.Modify(ctx, key, mods); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierror.NotFound("Token not found")
		}
		return nil, err
	}
	updated, err := s.tokens.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	s.recordEdit(ctx, info, updated, caller)
	s.refreshMirror(ctx, updated)

	if mods.Expires != nil {
		if err := s.truncateChildren(ctx, key, *mods.Expires, caller); err != nil {
			return nil, err
		}
	}
	logger.Infow("Modified token",
		"user", username, "token", key, "actor", caller.Actor())
	return updated, nil
}

// truncateChildren walks the subtoken tree and pulls in every expiry later
// than the parent's new one.
func (s *TokenService) truncateChildren(ctx context.Context, key string, expires time.Time, caller *Caller) error {
	children, err := s.tokens.Subtokens(ctx, key)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.Expires != nil && !child.Expires.After(expires) {
			continue
		}
		old := *child
		if err := s.tokens.Modify(ctx, child.Token, &storage.TokenModifications{Expires: &expires}); err != nil {
			return err
		}
		updated, err := s.tokens.Get(ctx, child.Token)
		if err != nil {
			return err
		}
		s.recordEdit(ctx, &old, updated, caller)
		s.refreshMirror(ctx, updated)
		if err := s.truncateChildren(ctx, child.Token, expires, caller); err != nil {
			return err
		}
	}
	return nil
}

// Delete revokes a token and every descendant, deepest first.
func (s *TokenService) Delete(ctx context.Context, caller *Caller, username, key string) error {
	if !caller.canWrite(username) {
		return apierror.PermissionDenied("Token does not authorize access to this user")
	}
	info, err := s.GetTokenInfo(ctx, caller, username, key)
	if err != nil {
		return err
	}

	// Breadth-first collection, then reverse order so children go before
	// their parents.
	doomed := []*token.Info{info}
	for i := 0; i < len(doomed); i++ {
		children, err := s.tokens.Subtokens(ctx, doomed[i].Token)
		if err != nil {
			return err
		}
		doomed = append(doomed, children...)
	}
	for i := len(doomed) - 1; i >= 0; i-- {
		if err := s.revokeOne(ctx, doomed[i], caller); err != nil {
			return err
		}
	}
	logger.Infow("Deleted token",
		"user", username, "token", key, "actor", caller.Actor(),
		"revoked", len(doomed))
	return nil
}

func (s *TokenService) revokeOne(ctx context.Context, info *token.Info, caller *Caller) error {
	if err := s.tokens.Delete(ctx, info.Token); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := s.sessions.Delete(ctx, info.Token); err != nil {
		logger.Warnw("Failed to delete token mirror", "token", info.Token, "error", err)
	}
	s.derived.forget(info.Token)
	entry := historyFromInfo(info, token.ChangeRevoke, caller.Actor(), caller.IP)
	if err := s.history.Add(ctx, entry); err != nil {
		return fmt.Errorf("recording revocation: %w", err)
	}
	return nil
}

// persistNew writes the database row, the create history entry, and the
// Redis mirror for a freshly minted token.
func (s *TokenService) persistNew(ctx context.Context, data *token.Data, name, service, actor, ip string) error {
	info := infoFromData(data, name, service, "")
	if err := s.tokens.Add(ctx, info); err != nil {
		if errors.Is(err, storage.ErrDuplicateTokenName) {
			return apierror.DuplicateTokenName(
				fmt.Sprintf("Token name %q already used", name))
		}
		return fmt.Errorf("inserting token row: %w", err)
	}
	entry := historyFromInfo(info, token.ChangeCreate, actor, ip)
	if err := s.history.Add(ctx, entry); err != nil {
		return fmt.Errorf("recording creation: %w", err)
	}
	if err := s.sessions.Store(ctx, data); err != nil {
		logger.Errorw("Failed to write token mirror", "token", data.Token.Key, "error", err)
	}
	return nil
}

// recordEdit writes an edit history entry carrying the old values of every
// changed field.
func (s *TokenService) recordEdit(ctx context.Context, old, updated *token.Info, caller *Caller) {
	entry := historyFromInfo(updated, token.ChangeEdit, caller.Actor(), caller.IP)
	if old.Name != updated.Name {
		entry.OldName = old.Name
	}
	if !scopesEqual(old.Scopes, updated.Scopes) {
		entry.OldScopes = old.Scopes
	}
	if !timestampsEqual(old.Expires, updated.Expires) {
		entry.OldExpires = old.Expires
	}
	if err := s.history.Add(ctx, entry); err != nil {
		logger.Errorw("Failed to record token edit", "token", updated.Token, "error", err)
	}
}

// refreshMirror pushes updated metadata into an existing Redis record,
// keeping the stored secret and identity.
func (s *TokenService) refreshMirror(ctx context.Context, info *token.Info) {
	data, err := s.sessions.Get(ctx, info.Token)
	if err != nil {
		// Nothing cached; the next resolve refills from the database.
		return
	}
	data.Scopes = info.Scopes
	if info.Expires != nil {
		t := info.Expires.Time
		data.Expires = &t
	} else {
		data.Expires = nil
	}
	if err := s.sessions.Store(ctx, data); err != nil {
		logger.Errorw("Failed to refresh token mirror", "token", info.Token, "error", err)
	}
}

// identityFor picks the identity attached to a new token: the caller's own
// when acting for themselves, a bare username otherwise.
func (s *TokenService) identityFor(caller *Caller, username string) token.UserInfo {
	if !caller.Bootstrap && caller.Data.Username == username {
		return caller.Data.UserInfo
	}
	return token.UserInfo{Username: username}
}

// validateScopes checks the scope grammar and, for non-admin callers, that
// the requested scopes do not exceed the caller's own.
func (s *TokenService) validateScopes(scopes []string, caller *Caller) error {
	if !token.ValidScopes(scopes) {
		return apierror.InvalidScopes("Scope name is malformed")
	}
	if caller.HasAdmin() {
		return nil
	}
	if !token.ScopesSubset(scopes, caller.Data.Scopes) {
		return apierror.InvalidScopes("Requested scopes are broader than the authenticating token's")
	}
	return nil
}

func validateExpires(expires *time.Time) error {
	if expires == nil {
		return nil
	}
	if expires.Before(time.Now().Add(token.MinimumLifetime)) {
		return apierror.InvalidExpires(
			fmt.Sprintf("Expiry must be at least %s in the future", token.MinimumLifetime))
	}
	return nil
}

// infoFromData builds the database row for freshly minted token data.
func infoFromData(data *token.Data, name, service, parent string) *token.Info {
	return &token.Info{
		Token:    data.Token.Key,
		Username: data.Username,
		Type:     data.Type,
		Name:     name,
		Scopes:   data.Scopes,
		Service:  service,
		Created:  token.NewTimestamp(data.Created),
		Expires:  token.NewTimestampPtr(data.Expires),
		Parent:   parent,
	}
}

// dataFromInfo rebuilds Redis token data from a database row and the
// presented token.
func dataFromInfo(info *token.Info, t token.Token) *token.Data {
	data := &token.Data{
		UserInfo: token.UserInfo{Username: info.Username},
		Token:    t,
		Type:     info.Type,
		Scopes:   info.Scopes,
		Created:  info.Created.Time,
	}
	if info.Expires != nil {
		expires := info.Expires.Time
		data.Expires = &expires
	}
	return data
}

func historyFromInfo(info *token.Info, action token.Change, actor, ip string) *token.ChangeHistoryEntry {
	return &token.ChangeHistoryEntry{
		Token:     info.Token,
		Username:  info.Username,
		Type:      info.Type,
		Name:      info.Name,
		Parent:    info.Parent,
		Scopes:    info.Scopes,
		Service:   info.Service,
		Expires:   info.Expires,
		Actor:     actor,
		Action:    action,
		IPAddress: ip,
		EventTime: token.NewTimestamp(time.Now()),
	}
}

func scopesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func timestampsEqual(a, b *token.Timestamp) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(b.Time)
}
