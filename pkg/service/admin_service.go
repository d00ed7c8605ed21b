// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/stacklok/gafaelfawr/pkg/apierror"
	"github.com/stacklok/gafaelfawr/pkg/logger"
	"github.com/stacklok/gafaelfawr/pkg/storage"
	"github.com/stacklok/gafaelfawr/pkg/token"
)

// AdminService manages the token administrator roster.
type AdminService struct {
	admins storage.AdminStore
}

// NewAdminService creates an AdminService over the admin store.
func NewAdminService(admins storage.AdminStore) *AdminService {
	return &AdminService{admins: admins}
}

// Bootstrap merges the configured initial admins into the database. Called
// once at startup; existing rows are left alone.
func (s *AdminService) Bootstrap(ctx context.Context, initialAdmins []string) error {
	for _, username := range initialAdmins {
		if err := s.admins.Add(ctx, username, token.BootstrapActor, ""); err != nil {
			return fmt.Errorf("seeding admin %s: %w", username, err)
		}
	}
	return nil
}

// List returns the admin roster.
func (s *AdminService) List(ctx context.Context, caller *Caller) ([]string, error) {
	if !caller.HasAdmin() {
		return nil, apierror.PermissionDenied("Only administrators may view the admin list")
	}
	return s.admins.List(ctx)
}

// IsAdmin reports whether username is on the roster.
func (s *AdminService) IsAdmin(ctx context.Context, username string) (bool, error) {
	return s.admins.IsAdmin(ctx, username)
}

// Add puts a username on the roster.
func (s *AdminService) Add(ctx context.Context, caller *Caller, username string) error {
	if !caller.HasAdmin() {
		return apierror.PermissionDenied("Only administrators may add admins")
	}
	if !token.ValidUsername(username) {
		return apierror.ValidationFailed(
			fmt.Sprintf("Invalid username %q", username), apierror.LocBody, "username")
	}
	if err := s.admins.Add(ctx, username, caller.Actor(), caller.IP); err != nil {
		return err
	}
	logger.Infow("Added admin", "user", username, "actor", caller.Actor())
	return nil
}

// Delete removes a username from the roster. The last admin cannot be
// removed: a deployment with an empty roster could never repair itself.
func (s *AdminService) Delete(ctx context.Context, caller *Caller, username string) error {
	if !caller.HasAdmin() {
		return apierror.PermissionDenied("Only administrators may remove admins")
	}
	count, err := s.admins.Count(ctx)
	if err != nil {
		return err
	}
	isAdmin, err := s.admins.IsAdmin(ctx, username)
	if err != nil {
		return err
	}
	if isAdmin && count <= 1 {
		return apierror.PermissionDenied("cannot delete last admin")
	}
	if err := s.admins.Delete(ctx, username, caller.Actor(), caller.IP); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apierror.NotFound(fmt.Sprintf("%s is not an admin", username))
		}
		return err
	}
	logger.Infow("Removed admin", "user", username, "actor", caller.Actor())
	return nil
}
