package sessionmock

import (
	"context"
	"sync"

	"github.com/usagipass/gateway/internal/serviceerr"
	"github.com/usagipass/gateway/internal/session"
)

type RepositoryOption func(*Repository)

type Repository struct {
	mu       sync.Mutex
	sessions map[string]session.Session

	loadSessionErr, storeSessionErr, deleteSessionErr error
	listSessionsErr, casErr                           error
}

func WithSession(sess session.Session) RepositoryOption {
	return func(r *Repository) { r.sessions[sess.ID] = sess }
}
func WithLoadSessionError(err error) RepositoryOption {
	return func(r *Repository) { r.loadSessionErr = err }
}
func WithStoreSessionError(err error) RepositoryOption {
	return func(r *Repository) { r.storeSessionErr = err }
}
func WithDeleteSessionError(err error) RepositoryOption {
	return func(r *Repository) { r.deleteSessionErr = err }
}
func WithListSessionsError(err error) RepositoryOption {
	return func(r *Repository) { r.listSessionsErr = err }
}
func WithCompareAndSwapError(err error) RepositoryOption {
	return func(r *Repository) { r.casErr = err }
}

var _ = session.Repository(&Repository{})

func NewInMemRepository(opts ...RepositoryOption) *Repository {
	r := &Repository{
		sessions: make(map[string]session.Session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Repository) ListSessions(_ context.Context) ([]session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.listSessionsErr != nil {
		return nil, r.listSessionsErr
	}
	sessions := make([]session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func (r *Repository) LoadSession(_ context.Context, sessionID string) (session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loadSessionErr != nil {
		return session.Session{}, r.loadSessionErr
	}
	if s, ok := r.sessions[sessionID]; ok {
		return s, nil
	}
	return session.Session{}, serviceerr.ErrNotFound
}

func (r *Repository) StoreSession(_ context.Context, s session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.storeSessionErr != nil {
		return r.storeSessionErr
	}
	r.sessions[s.ID] = s
	return nil
}

func (r *Repository) DeleteSession(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deleteSessionErr != nil {
		return r.deleteSessionErr
	}
	delete(r.sessions, sessionID)
	return nil
}

func (r *Repository) CompareAndSwapCredentials(_ context.Context, sessionID string, old, new *session.Credentials) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.casErr != nil {
		return false, r.casErr
	}
	s, ok := r.sessions[sessionID]
	if !ok || !s.Credentials.Equal(old) {
		return false, nil
	}
	if new != nil {
		c := *new
		s.Credentials = &c
	} else {
		s.Credentials = nil
	}
	r.sessions[sessionID] = s
	return true, nil
}

// Session returns the stored session, for assertions.
func (r *Repository) Session(sessionID string) (session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	return s, ok
}

// SetCredentials overwrites stored credentials, simulating a concurrent writer.
func (r *Repository) SetCredentials(sessionID string, creds *session.Credentials) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[sessionID]
	s.Credentials = creds
	r.sessions[sessionID] = s
}
