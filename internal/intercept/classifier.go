// Package intercept answers the cleartext traffic of the game client. Every
// request is classified by host and path and gets exactly one canned answer:
// a redirect toward the companion app, a diagnostic probe reply, or nothing.
package intercept

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

const (
	QRCodePathPrefix     = "/qrcode/req"
	OAuthCallbackPrefix  = "/wc_auth/oauth/callback/maimai-dx"
	DiagnosticPathPrefix = "/test"
)

type Kind int

const (
	KindMalformed Kind = iota
	KindQRRedirect
	KindOAuthRedirect
	KindDiagnostic
	KindBlock
)

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindQRRedirect:
		return "qr-redirect"
	case KindOAuthRedirect:
		return "oauth-redirect"
	case KindDiagnostic:
		return "diagnostic"
	case KindBlock:
		return "block"
	default:
		return "unknown"
	}
}

// Request is the part of an inbound request the classifier looks at.
type Request struct {
	Host  string
	Path  string
	Query url.Values
}

// RequestFromHTTP extracts the classification input from r. The host is
// lower-cased and stripped of its port.
func RequestFromHTTP(r *http.Request) Request {
	req := Request{Host: hostname(r.Host)}
	if r.URL != nil {
		req.Path = r.URL.Path
		req.Query = r.URL.Query()
		// An absolute-form request line may omit the path.
		if req.Path == "" && r.URL.IsAbs() {
			req.Path = "/"
		}
	}
	if r.Method == http.MethodConnect {
		req.Path = ""
	}

	return req
}

func hostname(hostport string) string {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")

	return strings.ToLower(host)
}

// Rule pairs a predicate with the kind it yields.
type Rule struct {
	Kind  Kind
	Match func(Request) bool
}

// Classifier evaluates its rules in order and the first match wins.
type Classifier struct {
	rules []Rule
}

type hostSet map[string]struct{}

func newHostSet(hosts []string) hostSet {
	set := make(hostSet, len(hosts))
	for _, h := range hosts {
		set[strings.ToLower(h)] = struct{}{}
	}

	return set
}

func (s hostSet) has(host string) bool {
	_, ok := s[host]
	return ok
}

// NewClassifier builds the classification table for the given host groups.
func NewClassifier(gameDataHosts, oauthRelayHosts []string) *Classifier {
	gameData := newHostSet(gameDataHosts)
	oauthRelay := newHostSet(oauthRelayHosts)

	return &Classifier{rules: []Rule{
		{
			Kind:  KindMalformed,
			Match: func(r Request) bool { return r.Host == "" || r.Path == "" },
		},
		{
			Kind: KindQRRedirect,
			Match: func(r Request) bool {
				return gameData.has(r.Host) && strings.HasPrefix(r.Path, QRCodePathPrefix)
			},
		},
		{
			Kind: KindOAuthRedirect,
			Match: func(r Request) bool {
				return oauthRelay.has(r.Host) && strings.HasPrefix(r.Path, OAuthCallbackPrefix)
			},
		},
		{
			Kind: KindDiagnostic,
			Match: func(r Request) bool {
				return oauthRelay.has(r.Host) && strings.HasPrefix(r.Path, DiagnosticPathPrefix)
			},
		},
	}}
}

// Rules returns a copy of the classification table in evaluation order.
func (c *Classifier) Rules() []Rule {
	return append([]Rule(nil), c.rules...)
}

// Classify returns the kind of the first matching rule, KindBlock if none match.
func (c *Classifier) Classify(r Request) Kind {
	for _, rule := range c.rules {
		if rule.Match(r) {
			return rule.Kind
		}
	}

	return KindBlock
}

// MachineID returns the path segment between /qrcode/req/ and .html, or
// an empty string when the path does not have that shape.
func MachineID(path string) string {
	rest, ok := strings.CutPrefix(path, QRCodePathPrefix+"/")
	if !ok {
		return ""
	}
	id, _, found := strings.Cut(rest, ".html")
	if !found {
		return ""
	}

	return id
}
