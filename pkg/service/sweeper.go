// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"time"

	"github.com/stacklok/gafaelfawr/pkg/logger"
	"github.com/stacklok/gafaelfawr/pkg/storage"
	"github.com/stacklok/gafaelfawr/pkg/token"
)

// Sweeper periodically records expiry events for tokens whose lifetime has
// passed. Database rows are kept so history stays queryable; Redis entries
// are dropped best-effort (their TTL usually got there first).
type Sweeper struct {
	tokens   storage.TokenStore
	history  storage.HistoryStore
	sessions SessionStore
	interval time.Duration
}

// NewSweeper creates a sweeper running at the given interval.
func NewSweeper(tokens storage.TokenStore, history storage.HistoryStore, sessions SessionStore, interval time.Duration) *Sweeper {
	return &Sweeper{tokens: tokens, history: history, sessions: sessions, interval: interval}
}

// Run sweeps on a ticker until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				logger.Errorw("Expiry sweep failed", "error", err)
			}
		}
	}
}

// Sweep performs one pass over the expired tokens.
func (s *Sweeper) Sweep(ctx context.Context) error {
	expired, err := s.tokens.ListExpired(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("listing expired tokens: %w", err)
	}

	// ListExpired filters out rows with a recorded expire event, so every
	// token here needs a history entry.
	swept := 0
	for _, info := range expired {
		entry := historyFromInfo(info, token.ChangeExpire, token.BootstrapActor, "")
		if err := s.history.Add(ctx, entry); err != nil {
			return fmt.Errorf("recording expiry of %s: %w", info.Token, err)
		}
		if err := s.sessions.Delete(ctx, info.Token); err != nil {
			logger.Warnw("Failed to delete expired token mirror",
				"token", info.Token, "error", err)
		}
		swept++
	}
	if swept > 0 {
		logger.Infow("Swept expired tokens", "count", swept)
	}
	return nil
}
