package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	slogctx "github.com/veqryn/slog-context"

	"github.com/usagipass/gateway/internal/config"
	"github.com/usagipass/gateway/internal/randid"
	"github.com/usagipass/gateway/internal/serviceerr"
)

type Manager struct {
	sessions Repository
	tokens   TokenSource
	ids      randid.Source

	// refreshes are collapsed per session ID
	refreshes singleflight.Group

	sessionDuration       time.Duration
	refreshTimeout        time.Duration
	bindFingerprint       bool
	sessionCookieTemplate config.CookieTemplate

	now func() time.Time
}

func NewManager(
	cfg *config.SessionProxy,
	upstream *config.Upstream,
	sessions Repository,
	tokens TokenSource,
) *Manager {
	return &Manager{
		sessions:              sessions,
		tokens:                tokens,
		sessionDuration:       cfg.SessionDuration,
		refreshTimeout:        upstream.RequestTimeout,
		bindFingerprint:       cfg.BindFingerprint,
		sessionCookieTemplate: cfg.SessionCookie,
		now:                   time.Now,
	}
}

// Load returns the session identified by sessionID. Unknown, expired or
// foreign sessions are reported as errors; callers treat them as anonymous.
func (m *Manager) Load(ctx context.Context, sessionID, fingerprint string) (Session, error) {
	if sessionID == "" {
		return Session{}, serviceerr.ErrNotFound
	}

	s, err := m.sessions.LoadSession(ctx, sessionID)
	if err != nil {
		return Session{}, fmt.Errorf("loading session: %w", err)
	}

	if !s.Expiry.IsZero() && m.now().After(s.Expiry) {
		return Session{}, serviceerr.ErrNotFound
	}

	if m.bindFingerprint && s.Fingerprint != fingerprint {
		return Session{}, serviceerr.ErrFingerprintMismatch
	}

	return s, nil
}

// ResolveCredentials returns credentials that are valid for forwarding.
// Anonymous sessions yield nil. Expired credentials are refreshed once per
// session no matter how many requests ask concurrently. When the refresh
// grant is rejected the session is deleted and serviceerr.ErrUnauthenticated
// is returned.
func (m *Manager) ResolveCredentials(ctx context.Context, s Session) (*Credentials, error) {
	if s.Credentials == nil {
		return nil, nil
	}

	if !s.Credentials.Expired(m.now()) {
		return s.Credentials, nil
	}

	return m.refreshShared(ctx, s.ID, 0)
}

// refreshShared joins or starts the refresh of a session. The refresh runs
// detached from ctx so a disconnecting caller does not fail the others.
func (m *Manager) refreshShared(ctx context.Context, sessionID string, leeway time.Duration) (*Credentials, error) {
	ch := m.refreshes.DoChan(sessionID, func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx), sessionID, leeway)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		creds, _ := res.Val.(*Credentials)
		return creds, nil
	}
}

func (m *Manager) refresh(ctx context.Context, sessionID string, leeway time.Duration) (*Credentials, error) {
	if m.refreshTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.refreshTimeout)
		defer cancel()
	}

	ctx = slogctx.With(ctx, "session_id", sessionID)

	// Another instance may have refreshed already.
	current, err := m.sessions.LoadSession(ctx, sessionID)
	if errors.Is(err, serviceerr.ErrNotFound) {
		return nil, serviceerr.ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("reloading session: %w", err)
	}
	if current.Credentials == nil {
		return nil, serviceerr.ErrUnauthenticated
	}
	if !current.Credentials.Expired(m.now().Add(leeway)) {
		return current.Credentials, nil
	}

	fresh, err := m.tokens.Refresh(ctx, current.Credentials.RefreshToken)
	if errors.Is(err, serviceerr.ErrUnauthenticated) {
		slogctx.Info(ctx, "Refresh token rejected, logging out", "user", current.Username())
		if err := m.sessions.DeleteSession(ctx, sessionID); err != nil {
			slogctx.Error(ctx, "Could not delete session after rejected refresh", "error", err)
		}
		return nil, serviceerr.ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}

	swapped, err := m.sessions.CompareAndSwapCredentials(ctx, sessionID, current.Credentials, &fresh)
	if err != nil {
		return nil, fmt.Errorf("storing refreshed credentials: %w", err)
	}
	if swapped {
		slogctx.Debug(ctx, "Refreshed access token", "user", current.Username(), "expires_at", fresh.ExpiresAt)
		return &fresh, nil
	}

	// Lost the race against another instance; use the winner's credentials.
	winner, err := m.sessions.LoadSession(ctx, sessionID)
	if errors.Is(err, serviceerr.ErrNotFound) {
		return nil, serviceerr.ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("reloading session: %w", err)
	}
	if winner.Credentials == nil {
		return nil, serviceerr.ErrUnauthenticated
	}
	if winner.Credentials.Expired(m.now()) {
		return nil, serviceerr.ErrConflict
	}

	return winner.Credentials, nil
}

// Login performs the password grant, resolves the user and persists a new session.
func (m *Manager) Login(ctx context.Context, username, password, strategy, fingerprint string) (Session, error) {
	creds, err := m.tokens.Password(ctx, username, password, strategy)
	if err != nil {
		return Session{}, fmt.Errorf("requesting token: %w", err)
	}

	user, err := m.tokens.CurrentUser(ctx, creds.AccessToken)
	if err != nil {
		return Session{}, fmt.Errorf("getting current user: %w", err)
	}

	now := m.now()
	s := Session{
		ID:          m.ids.SessionID(),
		User:        &user,
		Credentials: &creds,
		Fingerprint: fingerprint,
		CreatedAt:   now,
		Expiry:      now.Add(m.sessionDuration),
	}

	if err := m.sessions.StoreSession(ctx, s); err != nil {
		return Session{}, fmt.Errorf("storing session: %w", err)
	}

	slogctx.Info(ctx, "User logged in", "user", user.Username, "strategy", strategy)

	return s, nil
}

func (m *Manager) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}

	if err := m.sessions.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	return nil
}

func (m *Manager) SessionCookieName() string {
	return m.sessionCookieTemplate.Name
}

func (m *Manager) MakeSessionCookie(ctx context.Context, value string) (*http.Cookie, error) {
	sessionCookie := m.sessionCookieTemplate.SessionCookie(value, m.sessionDuration)

	err := sessionCookie.Valid()
	if err != nil {
		return nil, fmt.Errorf("invalid session cookie: %w", err)
	}

	if !sessionCookie.Secure {
		slogctx.Warn(ctx, "Session cookie is not marked as Secure; this is not recommended in production environments")
	}
	if !sessionCookie.HttpOnly {
		slogctx.Warn(ctx, "Session cookie is not marked as HttpOnly; this is not recommended in production environments")
	}

	return sessionCookie, nil
}

// ClearSessionCookie returns a cookie that makes the browser drop the session.
func (m *Manager) ClearSessionCookie() *http.Cookie {
	return m.sessionCookieTemplate.ExpiredCookie()
}
