package upstream

import "time"

// SetNow replaces the clock for testing purposes.
func (c *Client) SetNow(now func() time.Time) {
	c.now = now
}

var JWTExpiry = jwtExpiry
