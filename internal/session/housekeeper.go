package session

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	slogctx "github.com/veqryn/slog-context"
)

// TriggerHousekeeping deletes sessions past their expiry and refreshes
// credentials that expire within refreshLeeway. Per-session failures are
// logged and do not stop the run.
func (m *Manager) TriggerHousekeeping(ctx context.Context, concurrencyLimit int, refreshLeeway time.Duration) error {
	sessions, err := m.sessions.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	var g errgroup.Group
	if concurrencyLimit > 0 {
		g.SetLimit(concurrencyLimit)
	}

	for _, s := range sessions {
		g.Go(func() error {
			m.housekeep(ctx, s, refreshLeeway)
			return nil
		})
	}

	return g.Wait()
}

func (m *Manager) housekeep(ctx context.Context, s Session, refreshLeeway time.Duration) {
	ctx = slogctx.With(ctx, "session_id", s.ID, "user", s.Username())
	now := m.now()

	if !s.Expiry.IsZero() && now.After(s.Expiry) {
		if err := m.sessions.DeleteSession(ctx, s.ID); err != nil {
			slogctx.Warn(ctx, "Could not delete expired session", "error", err)
			return
		}
		slogctx.Info(ctx, "Deleted expired session")
		return
	}

	if s.Credentials == nil || !s.Credentials.Expired(now.Add(refreshLeeway)) {
		return
	}

	if _, err := m.refreshShared(ctx, s.ID, refreshLeeway); err != nil {
		slogctx.Warn(ctx, "Could not refresh token", "error", err)
	}
}
