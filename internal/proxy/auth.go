package proxy

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	slogctx "github.com/veqryn/slog-context"

	"github.com/usagipass/gateway/internal/config"
	"github.com/usagipass/gateway/internal/serviceerr"
	"github.com/usagipass/gateway/internal/session"
	"github.com/usagipass/gateway/internal/upstream"
	"github.com/usagipass/gateway/pkg/fingerprint"
)

const (
	maxLoginBody = 1 << 16

	// limiterIdle is how long an unused per-client limiter is kept.
	limiterIdle = 10 * time.Minute
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Strategy string `json:"strategy"`
}

// envelope is the response shape the companion frontend expects from the auth endpoints.
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

type sessionInfo struct {
	User     *session.User `json:"user"`
	LoggedIn bool          `json:"loggedIn"`
}

// AuthHandler serves login, logout and session introspection under the auth prefix.
type AuthHandler struct {
	manager  *session.Manager
	limiters *limiters
	mux      *http.ServeMux
}

var _ http.Handler = (*AuthHandler)(nil)

func NewAuthHandler(cfg *config.SessionProxy, manager *session.Manager) *AuthHandler {
	h := &AuthHandler{
		manager:  manager,
		limiters: newLimiters(cfg.LoginRateLimit, cfg.LoginBurst),
		mux:      http.NewServeMux(),
	}

	h.mux.HandleFunc("POST "+cfg.AuthPrefix+"login", h.login)
	h.mux.HandleFunc("POST "+cfg.AuthPrefix+"logout", h.logout)
	h.mux.HandleFunc("GET "+cfg.AuthPrefix+"session", h.session)

	return h
}

func (h *AuthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !h.limiters.get(clientIP(r)).Allow() {
		slogctx.Warn(ctx, "Login rate limit exceeded", "client", clientIP(r))
		w.Header().Set("Retry-After", "5")
		writeLoginError(w, serviceerr.ErrTooManyRequests)
		return
	}

	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLoginBody)).Decode(&req); err != nil {
		slogctx.Debug(ctx, "Invalid login request", "error", err)
		writeLoginError(w, serviceerr.ErrInvalidRequest)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeLoginError(w, serviceerr.ErrInvalidRequest)
		return
	}

	fp, err := fingerprint.ExtractFingerprint(ctx)
	if err != nil {
		fp, _ = fingerprint.FromHTTPRequest(r)
	}

	s, err := h.manager.Login(ctx, req.Username, req.Password, req.Strategy, fp)
	if err != nil {
		slogctx.Info(ctx, "Login failed", "user", req.Username, "error", err)
		writeLoginError(w, err)
		return
	}

	cookie, err := h.manager.MakeSessionCookie(ctx, s.ID)
	if err != nil {
		slogctx.Error(ctx, "Could not create session cookie", "error", err)
		writeLoginError(w, serviceerr.ErrServerError)
		return
	}
	http.SetCookie(w, cookie)

	writeJSON(w, http.StatusOK, envelope{Code: http.StatusOK, Message: "ok", Data: struct{}{}})
}

func (h *AuthHandler) logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if cookie, err := r.Cookie(h.manager.SessionCookieName()); err == nil {
		if err := h.manager.Logout(ctx, cookie.Value); err != nil {
			slogctx.Error(ctx, "Could not delete session", "error", err)
			serviceerr.WriteJSON(w, serviceerr.ErrServerError)
			return
		}
	}

	http.SetCookie(w, h.manager.ClearSessionCookie())
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) session(w http.ResponseWriter, r *http.Request) {
	var info sessionInfo
	if s, ok := loadSession(r.Context(), h.manager, r); ok && s.User != nil {
		info.User = s.User
		info.LoggedIn = true
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, info)
}

// writeLoginError answers a failed login in the same envelope as a successful
// one. A refusal from the token endpoint keeps its status and message.
func writeLoginError(w http.ResponseWriter, err error) {
	se := serviceerr.From(err)
	status, message := se.HTTPStatus(), se.Description
	if message == "" {
		message = string(se.Err)
	}

	var re *upstream.RejectedError
	if errors.As(err, &re) {
		status, message = re.StatusCode, re.Message
	}

	writeJSON(w, status, envelope{Code: status, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// limiters hands out one token bucket per client and forgets idle ones.
type limiters struct {
	mu    sync.Mutex
	cache *cache.Cache
	limit rate.Limit
	burst int
}

func newLimiters(perSecond float64, burst int) *limiters {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}

	return &limiters{
		cache: cache.New(limiterIdle, limiterIdle),
		limit: limit,
		burst: burst,
	}
}

func (l *limiters) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if v, ok := l.cache.Get(key); ok {
		if lim, ok := v.(*rate.Limiter); ok {
			l.cache.SetDefault(key, lim)
			return lim
		}
	}

	lim := rate.NewLimiter(l.limit, l.burst)
	l.cache.SetDefault(key, lim)

	return lim
}
