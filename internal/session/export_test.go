package session

import "time"

// SetNow replaces the clock for testing purposes.
func (m *Manager) SetNow(now func() time.Time) {
	m.now = now
}
