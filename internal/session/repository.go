package session

import "context"

type Repository interface {
	// LoadSession returns serviceerr.ErrNotFound if the session does not exist.
	LoadSession(ctx context.Context, sessionID string) (Session, error)
	StoreSession(ctx context.Context, session Session) error
	ListSessions(ctx context.Context) ([]Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	// CompareAndSwapCredentials replaces the credentials of a session only if
	// the stored ones equal old. A nil old matches absent credentials and a
	// nil new clears them. It reports whether the swap happened.
	CompareAndSwapCredentials(ctx context.Context, sessionID string, old, new *Credentials) (bool, error)
}

// TokenSource talks to the upstream authorization server.
type TokenSource interface {
	Password(ctx context.Context, username, password, strategy string) (Credentials, error)
	Refresh(ctx context.Context, refreshToken string) (Credentials, error)
	CurrentUser(ctx context.Context, accessToken string) (User, error)
}
