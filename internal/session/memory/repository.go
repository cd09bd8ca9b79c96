// Package sessionmemory keeps sessions in process memory. Sessions do not
// survive a restart and are not shared between instances.
package sessionmemory

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/usagipass/gateway/internal/serviceerr"
	"github.com/usagipass/gateway/internal/session"
)

type Repository struct {
	// mu guards read-modify-write sequences; the cache itself is safe for single calls.
	mu    sync.Mutex
	cache *cache.Cache
}

var _ = session.Repository(&Repository{})

func NewRepository(cleanupInterval time.Duration) *Repository {
	return &Repository{
		cache: cache.New(cache.NoExpiration, cleanupInterval),
	}
}

func (r *Repository) LoadSession(_ context.Context, sessionID string) (session.Session, error) {
	v, ok := r.cache.Get(sessionID)
	if !ok {
		return session.Session{}, serviceerr.ErrNotFound
	}

	return clone(v.(session.Session)), nil
}

func (r *Repository) StoreSession(_ context.Context, s session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cache.Set(s.ID, clone(s), ttl(s.Expiry))

	return nil
}

func (r *Repository) ListSessions(_ context.Context) ([]session.Session, error) {
	items := r.cache.Items()
	sessions := make([]session.Session, 0, len(items))
	for _, item := range items {
		sessions = append(sessions, clone(item.Object.(session.Session)))
	}

	return sessions, nil
}

func (r *Repository) DeleteSession(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cache.Delete(sessionID)

	return nil
}

func (r *Repository) CompareAndSwapCredentials(_ context.Context, sessionID string, old, new *session.Credentials) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, expiration, ok := r.cache.GetWithExpiration(sessionID)
	if !ok {
		return false, nil
	}

	s := v.(session.Session)
	if !s.Credentials.Equal(old) {
		return false, nil
	}

	s.Credentials = nil
	if new != nil {
		c := *new
		s.Credentials = &c
	}

	d := cache.NoExpiration
	if !expiration.IsZero() {
		d = time.Until(expiration)
		if d <= 0 {
			return false, nil
		}
	}
	r.cache.Set(sessionID, s, d)

	return true, nil
}

func ttl(expiry time.Time) time.Duration {
	if expiry.IsZero() {
		return cache.NoExpiration
	}

	if d := time.Until(expiry); d > 0 {
		return d
	}

	// already expired; let the janitor drop it
	return time.Millisecond
}

// clone detaches pointer fields so callers cannot mutate stored state.
func clone(s session.Session) session.Session {
	if s.User != nil {
		u := *s.User
		u.Permissions = append([]string(nil), s.User.Permissions...)
		s.User = &u
	}
	if s.Credentials != nil {
		c := *s.Credentials
		s.Credentials = &c
	}

	return s
}
