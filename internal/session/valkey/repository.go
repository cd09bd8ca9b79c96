package sessionvalkey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"

	slogctx "github.com/veqryn/slog-context"

	"github.com/usagipass/gateway/internal/serviceerr"
	"github.com/usagipass/gateway/internal/session"
)

const (
	objectTypeSession     ObjectType = "session"
	objectTypeCredentials ObjectType = "credentials"
)

var (
	ErrGetSessions     = errors.New("getting sessions from store")
	ErrGetSession      = errors.New("getting session from store")
	ErrStoreSession    = errors.New("setting session into storage")
	ErrDeleteSession   = errors.New("deleting session from storage")
	ErrSwapCredentials = errors.New("swapping credentials in storage")
)

// casScript replaces the credentials only while they still hold the
// expected encoding (empty string for absent) and the session exists.
// The new value inherits the session TTL.
var casScript = valkey.NewLuaScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then cur = '' end
if cur ~= ARGV[1] then return 0 end
if redis.call('EXISTS', KEYS[2]) == 0 then return 0 end
if ARGV[2] == '' then
  redis.call('DEL', KEYS[1])
  return 1
end
local ttl = redis.call('PTTL', KEYS[2])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// Repository keeps a session as two keys: the session record and its
// credentials. Credentials are read together with the record in one MGET and
// are only ever replaced through casScript.
type Repository struct {
	store *store
}

var _ = session.Repository(&Repository{})

func NewRepository(valkeyClient valkey.Client, prefix string) *Repository {
	return &Repository{
		store: newStore(valkeyClient, prefix),
	}
}

func (r *Repository) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	s, err := r.load(ctx, sessionID)
	if err != nil {
		return session.Session{}, errors.Join(ErrGetSession, err)
	}

	return s, nil
}

func (r *Repository) load(ctx context.Context, sessionID string) (session.Session, error) {
	values, err := r.store.getMany(ctx,
		r.store.key(objectTypeSession, sessionID),
		r.store.key(objectTypeCredentials, sessionID),
	)
	if err != nil {
		return session.Session{}, err
	}
	if values[0] == nil {
		return session.Session{}, serviceerr.ErrNotFound
	}

	var s session.Session
	if err := r.store.decode(values[0], &s); err != nil {
		return session.Session{}, fmt.Errorf("decoding session: %w", err)
	}

	s.Credentials = nil
	if values[1] != nil {
		var creds session.Credentials
		if err := r.store.decode(values[1], &creds); err != nil {
			return session.Session{}, fmt.Errorf("decoding credentials: %w", err)
		}
		s.Credentials = &creds
	}

	return s, nil
}

func (r *Repository) StoreSession(ctx context.Context, s session.Session) error {
	var ttl time.Duration
	if !s.Expiry.IsZero() {
		ttl = time.Until(s.Expiry)
		if ttl <= 0 {
			return errors.Join(ErrStoreSession, errors.New("session already expired"))
		}
	}

	creds := s.Credentials
	s.Credentials = nil

	record, err := r.store.encode(s)
	if err != nil {
		return errors.Join(ErrStoreSession, err)
	}

	sessionKey := r.store.key(objectTypeSession, s.ID)
	credsKey := r.store.key(objectTypeCredentials, s.ID)

	cmds := []valkey.Completed{
		r.store.valkey.B().Multi().Build(),
		r.store.setCmd(sessionKey, record, ttl),
	}
	if creds != nil {
		encoded, err := r.store.encode(creds)
		if err != nil {
			return errors.Join(ErrStoreSession, err)
		}
		cmds = append(cmds, r.store.setCmd(credsKey, encoded, ttl))
	} else {
		cmds = append(cmds, r.store.valkey.B().Del().Key(credsKey).Build())
	}
	cmds = append(cmds, r.store.valkey.B().Exec().Build())

	for _, resp := range r.store.valkey.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return errors.Join(ErrStoreSession, err)
		}
	}

	return nil
}

func (r *Repository) ListSessions(ctx context.Context) ([]session.Session, error) {
	var sessions []session.Session
	err := r.store.scan(ctx, objectTypeSession, func(key string) error {
		id, ok := r.store.objectID(objectTypeSession, key)
		if !ok {
			return nil
		}

		s, err := r.load(ctx, id)
		if errors.Is(err, serviceerr.ErrNotFound) {
			// expired between SCAN and MGET
			return nil
		}
		if err != nil {
			slogctx.Warn(ctx, "Skipping unreadable session", "key", key, "error", err)
			return nil
		}

		sessions = append(sessions, s)
		return nil
	})
	if err != nil {
		return nil, errors.Join(ErrGetSessions, err)
	}

	return sessions, nil
}

func (r *Repository) DeleteSession(ctx context.Context, sessionID string) error {
	err := r.store.destroy(ctx,
		r.store.key(objectTypeSession, sessionID),
		r.store.key(objectTypeCredentials, sessionID),
	)
	if err != nil {
		return errors.Join(ErrDeleteSession, err)
	}

	return nil
}

func (r *Repository) CompareAndSwapCredentials(ctx context.Context, sessionID string, old, new *session.Credentials) (bool, error) {
	oldArg, err := r.encodeCredentials(old)
	if err != nil {
		return false, errors.Join(ErrSwapCredentials, err)
	}
	newArg, err := r.encodeCredentials(new)
	if err != nil {
		return false, errors.Join(ErrSwapCredentials, err)
	}

	keys := []string{
		r.store.key(objectTypeCredentials, sessionID),
		r.store.key(objectTypeSession, sessionID),
	}

	swapped, err := casScript.Exec(ctx, r.store.valkey, keys, []string{oldArg, newArg}).AsInt64()
	if err != nil {
		return false, errors.Join(ErrSwapCredentials, err)
	}

	return swapped == 1, nil
}

func (r *Repository) encodeCredentials(c *session.Credentials) (string, error) {
	if c == nil {
		return "", nil
	}

	b, err := r.store.encode(c)
	if err != nil {
		return "", err
	}

	return string(b), nil
}
