package session

import "time"

// User is the identity returned by the upstream user-info endpoint at login.
type User struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	Email       string   `json:"email"`
	Permissions []string `json:"permissions"`
}

// Credentials is the upstream OAuth2 grant bound to a session.
// ExpiresAt is in epoch milliseconds.
type Credentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"`
}

func (c *Credentials) Expired(now time.Time) bool {
	return now.UnixMilli() >= c.ExpiresAt
}

// Equal reports whether both credentials hold the same tuple. Two nil values are equal.
func (c *Credentials) Equal(other *Credentials) bool {
	if c == nil || other == nil {
		return c == other
	}

	return *c == *other
}

// Session is a browser session. A nil Credentials marks an anonymous session.
type Session struct {
	ID          string       `json:"id"`
	User        *User        `json:"user,omitempty"`
	Credentials *Credentials `json:"credentials,omitempty"`
	Fingerprint string       `json:"fingerprint"`
	CreatedAt   time.Time    `json:"createdAt"`
	Expiry      time.Time    `json:"expiry"`
}

// Username returns the user name for logging, or "anonymous".
func (s Session) Username() string {
	if s.User == nil || s.User.Username == "" {
		return "anonymous"
	}

	return s.User.Username
}
