package proxy_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	slogctx "github.com/veqryn/slog-context"

	"github.com/usagipass/gateway/internal/config"
	"github.com/usagipass/gateway/internal/proxy"
	"github.com/usagipass/gateway/internal/session"
	sessionmock "github.com/usagipass/gateway/internal/session/mock"
	"github.com/usagipass/gateway/internal/upstream"
)

const cookieName = "usagipass-session"

// seenRequest is what the fake upstream API observed.
type seenRequest struct {
	Method        string
	Path          string
	EscapedPath   string
	RawQuery      string
	Authorization string
	Body          string
}

// fakeUpstream serves the token endpoint, the user info endpoint and echoes
// every other request.
type fakeUpstream struct {
	*httptest.Server

	refreshStatus int
	refreshGate   chan struct{}

	// loginStatus and loginBody, when set, answer every password grant.
	loginStatus int
	loginBody   string

	refreshCalls  atomic.Int32
	apiCalls      atomic.Int32

	hangStarted   chan struct{}
	hangCancelled chan struct{}

	mu   sync.Mutex
	seen []seenRequest
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()

	f := &fakeUpstream{
		refreshStatus: http.StatusOK,
		hangStarted:   make(chan struct{}, 1),
		hangCancelled: make(chan struct{}, 1),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)

	return f
}

func (f *fakeUpstream) serve(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/auth/token":
		f.token(w, r)
		return
	case "/users/me":
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": testUser})
		return
	}

	f.apiCalls.Add(1)
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.seen = append(f.seen, seenRequest{
		Method:        r.Method,
		Path:          r.URL.Path,
		EscapedPath:   r.URL.EscapedPath(),
		RawQuery:      r.URL.RawQuery,
		Authorization: r.Header.Get("Authorization"),
		Body:          string(body),
	})
	f.mu.Unlock()

	switch r.URL.Path {
	case "/hang", "/slow":
		if r.URL.Path == "/hang" {
			f.hangStarted <- struct{}{}
		}
		select {
		case <-r.Context().Done():
			if r.URL.Path == "/hang" {
				f.hangCancelled <- struct{}{}
			}
		case <-time.After(5 * time.Second):
		}
		return
	}

	w.Header().Set("X-Upstream", "yes")
	w.WriteHeader(http.StatusCreated)
	_, _ = io.WriteString(w, "upstream:"+r.URL.Path)
}

func (f *fakeUpstream) token(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	w.Header().Set("Content-Type", "application/json")

	switch r.PostForm.Get("grant_type") {
	case "refresh_token":
		f.refreshCalls.Add(1)
		if f.refreshGate != nil {
			<-f.refreshGate
		}
		if f.refreshStatus != http.StatusOK {
			w.WriteHeader(f.refreshStatus)
			_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}
		_, _ = io.WriteString(w, `{"access_token":"access-new","refresh_token":"refresh-new","token_type":"bearer","expires_in":3600}`)
	case "password":
		if f.loginStatus != 0 {
			w.WriteHeader(f.loginStatus)
			_, _ = io.WriteString(w, f.loginBody)
			return
		}
		if r.PostForm.Get("username") != "usagi" || r.PostForm.Get("password") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"code":401,"message":"bad credentials"}`)
			return
		}
		_, _ = io.WriteString(w, `{"access_token":"access-login","refresh_token":"refresh-login","token_type":"bearer","expires_in":3600}`)
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func (f *fakeUpstream) requests() []seenRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]seenRequest(nil), f.seen...)
}

var testUser = session.User{ID: "42", Username: "usagi", Email: "usagi@example.com", Permissions: []string{"user"}}

type testEnv struct {
	upstream *fakeUpstream
	repo     *sessionmock.Repository
	manager  *session.Manager
	proxy    *proxy.Handler
	auth     *proxy.AuthHandler
	cfg      *config.SessionProxy
}

func newTestEnv(t *testing.T, up *fakeUpstream, repo *sessionmock.Repository) *testEnv {
	t.Helper()

	return newTestEnvWithStore(t, up, repo, repo)
}

// newTestEnvWithStore lets the manager use store while tests inspect repo.
func newTestEnvWithStore(t *testing.T, up *fakeUpstream, store session.Repository, repo *sessionmock.Repository) *testEnv {
	t.Helper()

	upCfg := &config.Upstream{
		BaseURL:              up.URL,
		TokenEndpoint:        "/auth/token",
		UserInfoPath:         "/users/me",
		RequestTimeout:       300 * time.Millisecond,
		DefaultTokenLifetime: time.Hour,
	}
	cfg := &config.SessionProxy{
		PathPrefix: "/api/",
		AuthPrefix: "/api/nuxt/auth/",
		Routes: []config.Route{
			{Prefix: "/api/otoge/", Upstream: up.URL + "/otoge"},
		},
		SessionDuration: time.Hour,
		SessionCookie: config.CookieTemplate{
			Name:     cookieName,
			Path:     "/",
			SameSite: config.CookieSameSiteLax,
			HTTPOnly: true,
		},
		LoginRateLimit: 0.001,
		LoginBurst:     3,
	}

	tokens, err := upstream.NewClient(upCfg, nil)
	require.NoError(t, err)

	manager := session.NewManager(cfg, upCfg, store, tokens)

	p, err := proxy.NewHandler(cfg, upCfg, manager)
	require.NoError(t, err)

	return &testEnv{
		upstream: up,
		repo:     repo,
		manager:  manager,
		proxy:    p,
		auth:     proxy.NewAuthHandler(cfg, manager),
		cfg:      cfg,
	}
}

func liveSession(id string, creds *session.Credentials) session.Session {
	user := testUser
	return session.Session{
		ID:          id,
		User:        &user,
		Credentials: creds,
		CreatedAt:   time.Now(),
		Expiry:      time.Now().Add(time.Hour),
	}
}

func freshCreds() *session.Credentials {
	return &session.Credentials{
		AccessToken:  "access-valid",
		RefreshToken: "refresh-valid",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
	}
}

func staleCreds() *session.Credentials {
	return &session.Credentials{
		AccessToken:  "access-old",
		RefreshToken: "refresh-old",
		ExpiresAt:    time.Now().Add(-time.Minute).UnixMilli(),
	}
}

func withSessionCookie(r *http.Request, id string) *http.Request {
	r.AddCookie(&http.Cookie{Name: cookieName, Value: id})
	return r
}

// countingRepository records how often the session store is read.
type countingRepository struct {
	session.Repository

	loads atomic.Int32
}

func (c *countingRepository) LoadSession(ctx context.Context, id string) (session.Session, error) {
	c.loads.Add(1)
	return c.Repository.LoadSession(ctx, id)
}

// logCapture collects JSON log records written through a context logger.
type logCapture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.buf.Write(p)
}

func (c *logCapture) context(ctx context.Context) context.Context {
	logger := slog.New(slog.NewJSONHandler(c, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return slogctx.NewCtx(ctx, logger)
}

// messages returns the decoded records whose msg is msg.
func (c *logCapture) messages(msg string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []map[string]any
	for line := range strings.Lines(c.buf.String()) {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec["msg"] == msg {
			out = append(out, rec)
		}
	}

	return out
}
