package session_test

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/usagipass/gateway/internal/session"
)

// fakeTokens is an in-memory TokenSource.
type fakeTokens struct {
	mu sync.Mutex

	refreshCalls atomic.Int32
	refreshGate  chan struct{}
	refreshErr   error
	refreshed    session.Credentials
	onRefresh    func()

	passwordErr error
	password    session.Credentials
	user        session.User
	userErr     error

	lastRefreshToken string
}

func (f *fakeTokens) Password(_ context.Context, _, _, _ string) (session.Credentials, error) {
	return f.password, f.passwordErr
}

func (f *fakeTokens) Refresh(ctx context.Context, refreshToken string) (session.Credentials, error) {
	f.refreshCalls.Add(1)
	f.mu.Lock()
	f.lastRefreshToken = refreshToken
	f.mu.Unlock()

	if f.refreshGate != nil {
		select {
		case <-f.refreshGate:
		case <-ctx.Done():
			return session.Credentials{}, ctx.Err()
		}
	}

	if f.onRefresh != nil {
		f.onRefresh()
	}

	return f.refreshed, f.refreshErr
}

func (f *fakeTokens) CurrentUser(_ context.Context, _ string) (session.User, error) {
	return f.user, f.userErr
}

var testNow = time.Date(2024, 11, 9, 0, 0, 0, 0, time.UTC)

func validCreds() *session.Credentials {
	return &session.Credentials{
		AccessToken:  "access-valid",
		RefreshToken: "refresh-valid",
		ExpiresAt:    testNow.Add(time.Hour).UnixMilli(),
	}
}

func expiredCreds() *session.Credentials {
	return &session.Credentials{
		AccessToken:  "access-old",
		RefreshToken: "refresh-old",
		ExpiresAt:    testNow.Add(-time.Minute).UnixMilli(),
	}
}
