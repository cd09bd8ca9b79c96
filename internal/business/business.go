package business

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/valkey-io/valkey-go"

	slogctx "github.com/veqryn/slog-context"

	"github.com/usagipass/gateway/internal/business/server"
	"github.com/usagipass/gateway/internal/config"
	"github.com/usagipass/gateway/internal/proxy"
	"github.com/usagipass/gateway/internal/session"
	sessionmemory "github.com/usagipass/gateway/internal/session/memory"
	sessionsql "github.com/usagipass/gateway/internal/session/sql"
	sessionvalkey "github.com/usagipass/gateway/internal/session/valkey"
	"github.com/usagipass/gateway/internal/upstream"
)

// Main starts the session proxy and, when enabled, the interception gateway.
func Main(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// errChan is used to capture the first error and shutdown the servers.
	errChan := make(chan error, 3)

	// wg is used to wait for all servers to shutdown.
	var wg sync.WaitGroup

	wg.Go(func() {
		errChan <- ProxyMain(ctx, cfg)
	})

	if cfg.Gateway.Enabled {
		wg.Go(func() {
			errChan <- GatewayMain(ctx, cfg)
		})
	}

	// wait for any error to initiate the shutdown
	if err := <-errChan; err != nil {
		slogctx.Error(ctx, "Shutting down servers", "error", err)
	}
	cancel()

	// wait for all servers to shutdown
	wg.Wait()

	return nil
}

// ProxyMain starts the session proxy. With the in-memory store the
// housekeeping loop runs in the same process, since nothing else can see
// its sessions.
func ProxyMain(ctx context.Context, cfg *config.Config) error {
	deps, err := initSessionManager(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the session manager: %w", err)
	}
	defer deps.close()

	if cfg.SessionStore.Backend == config.SessionStoreMemory {
		go runHousekeeping(ctx, deps.manager, &cfg.Housekeeper)
	}

	return server.StartProxyServer(ctx, cfg, deps.manager, proxy.WithTransport(deps.transport))
}

// GatewayMain starts the interception gateway only. It needs no session store.
func GatewayMain(ctx context.Context, cfg *config.Config) error {
	return server.StartGatewayServer(ctx, cfg)
}

type sessionDeps struct {
	manager   *session.Manager
	transport http.RoundTripper
	close     func()
}

func initSessionManager(ctx context.Context, cfg *config.Config) (*sessionDeps, error) {
	transport, err := loadUpstreamTransport(&cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("loading upstream transport: %w", err)
	}

	tokens, err := upstream.NewClient(&cfg.Upstream, &http.Client{
		Transport: transport,
		Timeout:   cfg.Upstream.RequestTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("creating upstream client: %w", err)
	}

	repo, closeFn, err := initRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}

	slogctx.Info(ctx, "Session store ready", "backend", cfg.SessionStore.Backend)

	return &sessionDeps{
		manager:   session.NewManager(&cfg.SessionProxy, &cfg.Upstream, repo, tokens),
		transport: transport,
		close:     closeFn,
	}, nil
}

func initRepository(ctx context.Context, cfg *config.Config) (session.Repository, func(), error) {
	switch cfg.SessionStore.Backend {
	case config.SessionStoreValkey:
		client, err := newValkeyClient(&cfg.ValKey)
		if err != nil {
			return nil, nil, err
		}
		return sessionvalkey.NewRepository(client, cfg.ValKey.Prefix), client.Close, nil
	case config.SessionStorePostgres:
		connStr, err := config.MakeConnStr(cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("making dsn from config: %w", err)
		}

		poolCfg, err := pgxpool.ParseConfig(connStr)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing dsn: %w", err)
		}
		poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

		db, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("initialising pgxpool connection: %w", err)
		}
		return sessionsql.NewRepository(db), db.Close, nil
	case config.SessionStoreMemory:
		return sessionmemory.NewRepository(cfg.Housekeeper.TriggerInterval), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown session store backend %q", cfg.SessionStore.Backend)
	}
}

func newValkeyClient(cfg *config.ValKey) (valkey.Client, error) {
	valkeyHost, err := commoncfg.LoadValueFromSourceRef(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("loading valkey host: %w", err)
	}

	valkeyUsername, err := commoncfg.LoadValueFromSourceRef(cfg.User)
	if err != nil {
		return nil, fmt.Errorf("loading valkey username: %w", err)
	}

	valkeyPassword, err := commoncfg.LoadValueFromSourceRef(cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("loading valkey password: %w", err)
	}

	valkeyOpts := valkey.ClientOption{
		InitAddress: []string{string(valkeyHost)},
		Username:    string(valkeyUsername),
		Password:    string(valkeyPassword),
	}

	if cfg.MTLS != nil {
		tlsConfig, err := commoncfg.LoadMTLSConfig(cfg.MTLS)
		if err != nil {
			return nil, fmt.Errorf("loading valkey mTLS config: %w", err)
		}

		valkeyOpts.TLSConfig = tlsConfig
	}

	valkeyClient, err := valkey.NewClient(valkeyOpts)
	if err != nil {
		return nil, fmt.Errorf("creating a new valkey client: %w", err)
	}

	return valkeyClient, nil
}

// loadUpstreamTransport builds the transport shared by the token client and
// the proxy. The response header wait is bounded by the request timeout.
func loadUpstreamTransport(cfg *config.Upstream) (*http.Transport, error) {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, errors.New("default transport is not an *http.Transport")
	}

	transport := base.Clone()
	transport.ResponseHeaderTimeout = cfg.RequestTimeout

	if cfg.MTLS != nil {
		tlsConfig, err := commoncfg.LoadMTLSConfig(cfg.MTLS)
		if err != nil {
			return nil, fmt.Errorf("loading mTLS config: %w", err)
		}

		transport.TLSClientConfig = tlsConfig
	}

	return transport, nil
}
