// Package proxy forwards browser API calls to the upstream service and
// attaches the session's bearer token on the way.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/usagipass/gateway/internal/config"
	"github.com/usagipass/gateway/internal/middleware/responsewriter"
	"github.com/usagipass/gateway/internal/serviceerr"
	"github.com/usagipass/gateway/internal/session"
	"github.com/usagipass/gateway/internal/upstream"
	"github.com/usagipass/gateway/pkg/fingerprint"
)

type credentialsKey struct{}

type route struct {
	prefix        string
	target        *url.URL
	authenticated bool
	proxy         *httputil.ReverseProxy
}

// targetFor maps an inbound URL onto the route's upstream. The path keeps
// the client's percent-encoding so upstream sees the same segments.
func (rt *route) targetFor(in *url.URL) *url.URL {
	u := *rt.target
	u.RawQuery = ""

	rest, ok := strings.CutPrefix(in.EscapedPath(), rt.prefix)
	if !ok {
		rest = (&url.URL{Path: strings.TrimPrefix(in.Path, rt.prefix)}).EscapedPath()
	}
	rawPath := joinPath(rt.target.EscapedPath(), rest)

	path, err := url.PathUnescape(rawPath)
	if err != nil {
		u.Path = joinPath(rt.target.Path, strings.TrimPrefix(in.Path, rt.prefix))
		u.RawPath = ""
		return &u
	}
	u.Path = path
	u.RawPath = rawPath

	return &u
}

func joinPath(base, rest string) string {
	if rest == "" {
		return base
	}

	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(rest, "/")
}

// Handler is the session proxy. The route with the longest matching prefix
// serves a request; only the session route reads the session.
type Handler struct {
	manager *session.Manager
	routes  []*route
}

var _ http.Handler = (*Handler)(nil)

type Option func(*options)

type options struct {
	transport http.RoundTripper
}

// WithTransport replaces the transport used to reach upstreams.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) {
		o.transport = rt
	}
}

func NewHandler(cfg *config.SessionProxy, up *config.Upstream, manager *session.Manager, opts ...Option) (*Handler, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ResponseHeaderTimeout = up.RequestTimeout
		o.transport = t
	}

	h := &Handler{manager: manager}

	defs := make([]config.Route, 0, len(cfg.Routes)+1)
	defs = append(defs, config.Route{Prefix: cfg.PathPrefix, Upstream: up.BaseURL})
	defs = append(defs, cfg.Routes...)

	for i, def := range defs {
		target, err := url.Parse(def.Upstream)
		if err != nil {
			return nil, fmt.Errorf("parsing upstream of route %q: %w", def.Prefix, err)
		}
		if target.Scheme == "" || target.Host == "" {
			return nil, fmt.Errorf("upstream of route %q is not absolute: %q", def.Prefix, def.Upstream)
		}

		rt := &route{
			prefix:        def.Prefix,
			target:        target,
			authenticated: i == 0,
		}
		rt.proxy = &httputil.ReverseProxy{
			Rewrite:      h.rewrite(rt),
			Transport:    o.transport,
			ErrorHandler: h.forwardError,
		}
		h.routes = append(h.routes, rt)
	}

	sort.SliceStable(h.routes, func(i, j int) bool {
		return len(h.routes[i].prefix) > len(h.routes[j].prefix)
	})

	return h, nil
}

func (h *Handler) match(path string) *route {
	for _, rt := range h.routes {
		if strings.HasPrefix(path, rt.prefix) {
			return rt
		}
	}

	return nil
}

func (h *Handler) rewrite(rt *route) func(*httputil.ProxyRequest) {
	return func(pr *httputil.ProxyRequest) {
		pr.Out.URL = rt.targetFor(pr.In.URL)
		pr.Out.URL.RawQuery = pr.In.URL.RawQuery
		pr.Out.Host = ""

		creds, _ := pr.In.Context().Value(credentialsKey{}).(*session.Credentials)
		if creds != nil && pr.In.Header.Get("Authorization") == "" {
			pr.Out.Header.Set("Authorization", "Bearer "+creds.AccessToken)
		}
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := responsewriter.Wrap(w)
	ctx := r.Context()

	user := "anonymous"
	target := ""
	defer func() {
		slogctx.Info(ctx, "Proxied request",
			"method", r.Method,
			"path", r.URL.EscapedPath(),
			"user", user,
			"upstream", target,
			"status", rec.Status(),
			"duration", time.Since(start),
		)
	}()

	rt := h.match(r.URL.Path)
	if rt == nil {
		serviceerr.WriteJSON(rec, serviceerr.ErrNotFound)
		return
	}
	target = rt.targetFor(r.URL).String()

	if rt.authenticated {
		if s, ok := loadSession(ctx, h.manager, r); ok {
			user = s.Username()

			creds, err := h.manager.ResolveCredentials(ctx, s)
			if err != nil {
				h.refreshError(ctx, rec, err)
				return
			}
			if creds != nil {
				ctx = context.WithValue(ctx, credentialsKey{}, creds)
			}
		}
	}

	rt.proxy.ServeHTTP(rec, r.WithContext(ctx))
}

// loadSession loads the caller's session. Every failure means anonymous.
func loadSession(ctx context.Context, manager *session.Manager, r *http.Request) (session.Session, bool) {
	cookie, err := r.Cookie(manager.SessionCookieName())
	if err != nil || cookie.Value == "" {
		return session.Session{}, false
	}

	fp, err := fingerprint.ExtractFingerprint(ctx)
	if err != nil {
		fp, _ = fingerprint.FromHTTPRequest(r)
	}

	s, err := manager.Load(ctx, cookie.Value, fp)
	switch {
	case err == nil:
		return s, true
	case errors.Is(err, serviceerr.ErrNotFound):
	case errors.Is(err, serviceerr.ErrFingerprintMismatch):
		slogctx.Warn(ctx, "Session used from a different client")
	default:
		slogctx.Warn(ctx, "Could not load session, continuing anonymously", "error", err)
	}

	return session.Session{}, false
}

func (h *Handler) refreshError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, serviceerr.ErrUnauthenticated) {
		http.SetCookie(w, h.manager.ClearSessionCookie())
	}
	if ctx.Err() != nil {
		slogctx.Debug(ctx, "Client went away during refresh", "error", err)
	} else {
		slogctx.Warn(ctx, "Could not resolve credentials", "error", err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		err = serviceerr.ErrGatewayTimeout
	}
	serviceerr.WriteJSON(w, err)
}

func (h *Handler) forwardError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	if ctx.Err() != nil {
		slogctx.Debug(ctx, "Client went away during forward", "error", err)
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	slogctx.Warn(ctx, "Forwarding to upstream failed", "error", err)
	serviceerr.WriteJSON(w, upstream.Classify(err))
}
