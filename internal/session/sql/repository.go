package sessionsql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/usagipass/gateway/internal/serviceerr"
	"github.com/usagipass/gateway/internal/session"
)

const selectSession = `SELECT id, user_info, access_token, refresh_token, expires_at, fingerprint, created_at, expiry
FROM gateway_sessions`

type Repository struct {
	db *pgxpool.Pool
}

var _ = session.Repository(&Repository{})

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{
		db: db,
	}
}

func (r *Repository) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	s, err := scanSession(r.db.QueryRow(ctx, selectSession+`
WHERE id = $1
	AND expiry > now();`,
		sessionID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.Session{}, serviceerr.ErrNotFound
		}

		if err, ok := handlePgError(err); ok {
			return session.Session{}, err
		}

		return session.Session{}, fmt.Errorf("selecting from gateway_sessions: %w", err)
	}

	return s, nil
}

func (r *Repository) StoreSession(ctx context.Context, s session.Session) error {
	userInfo, err := encodeUser(s.User)
	if err != nil {
		return err
	}
	access, refresh, expiresAt := credentialColumns(s.Credentials)

	if _, err := r.db.Exec(
		ctx, `INSERT INTO gateway_sessions (id, user_info, access_token, refresh_token, expires_at, fingerprint, created_at, expiry)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (id)
	DO UPDATE SET (user_info, access_token, refresh_token, expires_at, fingerprint, created_at, expiry) =
		(EXCLUDED.user_info, EXCLUDED.access_token, EXCLUDED.refresh_token, EXCLUDED.expires_at, EXCLUDED.fingerprint, EXCLUDED.created_at, EXCLUDED.expiry);`,
		s.ID, userInfo, access, refresh, expiresAt, s.Fingerprint, s.CreatedAt, s.Expiry,
	); err != nil {
		if err, ok := handlePgError(err); ok {
			return err
		}

		return fmt.Errorf("inserting into gateway_sessions: %w", err)
	}

	return nil
}

func (r *Repository) ListSessions(ctx context.Context) ([]session.Session, error) {
	rows, err := r.db.Query(ctx, selectSession+";")
	if err != nil {
		return nil, fmt.Errorf("selecting from gateway_sessions: %w", err)
	}
	defer rows.Close()

	var sessions []session.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}

	return sessions, nil
}

func (r *Repository) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM gateway_sessions WHERE id = $1;`, sessionID); err != nil {
		return fmt.Errorf("deleting from gateway_sessions: %w", err)
	}

	return nil
}

func (r *Repository) CompareAndSwapCredentials(ctx context.Context, sessionID string, old, new *session.Credentials) (bool, error) {
	oldAccess, oldRefresh, oldExpiresAt := credentialColumns(old)
	newAccess, newRefresh, newExpiresAt := credentialColumns(new)

	tag, err := r.db.Exec(ctx, `UPDATE gateway_sessions
SET (access_token, refresh_token, expires_at) = ($2, $3, $4)
WHERE id = $1
	AND access_token IS NOT DISTINCT FROM $5
	AND refresh_token IS NOT DISTINCT FROM $6
	AND expires_at IS NOT DISTINCT FROM $7;`,
		sessionID, newAccess, newRefresh, newExpiresAt, oldAccess, oldRefresh, oldExpiresAt,
	)
	if err != nil {
		if err, ok := handlePgError(err); ok {
			return false, err
		}

		return false, fmt.Errorf("updating gateway_sessions: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

func scanSession(row pgx.Row) (session.Session, error) {
	var (
		s               session.Session
		userInfo        []byte
		access, refresh *string
		expiresAt       *int64
	)

	if err := row.Scan(&s.ID, &userInfo, &access, &refresh, &expiresAt, &s.Fingerprint, &s.CreatedAt, &s.Expiry); err != nil {
		return session.Session{}, err
	}

	if len(userInfo) > 0 {
		var u session.User
		if err := json.Unmarshal(userInfo, &u); err != nil {
			return session.Session{}, fmt.Errorf("decoding user_info: %w", err)
		}
		s.User = &u
	}

	if access != nil && refresh != nil && expiresAt != nil {
		s.Credentials = &session.Credentials{
			AccessToken:  *access,
			RefreshToken: *refresh,
			ExpiresAt:    *expiresAt,
		}
	}

	return s, nil
}

func encodeUser(u *session.User) ([]byte, error) {
	if u == nil {
		return nil, nil
	}

	b, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("encoding user_info: %w", err)
	}

	return b, nil
}

// credentialColumns maps credentials to nullable columns. nil maps to NULLs.
func credentialColumns(c *session.Credentials) (*string, *string, *int64) {
	if c == nil {
		return nil, nil, nil
	}

	return &c.AccessToken, &c.RefreshToken, &c.ExpiresAt
}
