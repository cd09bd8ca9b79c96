package config

import (
	"net/http"
	"time"
)

func (s CookieSameSite) mode() http.SameSite {
	switch s {
	case CookieSameSiteNone:
		return http.SameSiteNoneMode
	case CookieSameSiteLax:
		return http.SameSiteLaxMode
	case CookieSameSiteStrict:
		return http.SameSiteStrictMode
	default:
		return http.SameSiteDefaultMode
	}
}

// SessionCookie carries value for lifetime unless MaxAge is set explicitly.
func (ct *CookieTemplate) SessionCookie(value string, lifetime time.Duration) *http.Cookie {
	maxAge := ct.MaxAge
	if maxAge == 0 && lifetime > 0 {
		maxAge = int(lifetime.Seconds())
	}

	return &http.Cookie{
		Name:     ct.Name,
		Value:    value,
		MaxAge:   maxAge,
		Path:     ct.Path,
		Domain:   ct.Domain,
		Secure:   ct.Secure,
		HttpOnly: ct.HTTPOnly,
		SameSite: ct.SameSite.mode(),
	}
}

// ExpiredCookie makes the browser drop the cookie. Path and Domain must
// match the issued cookie or the browser keeps it.
func (ct *CookieTemplate) ExpiredCookie() *http.Cookie {
	c := ct.SessionCookie("", 0)
	c.MaxAge = -1

	return c
}
