package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/usagipass/gateway/internal/config"
	"github.com/usagipass/gateway/internal/intercept"
	"github.com/usagipass/gateway/internal/proxy"
	"github.com/usagipass/gateway/internal/session"
	"github.com/usagipass/gateway/pkg/fingerprint"
)

// NewProxyHandler routes the auth endpoints to the auth handler and
// everything else to the session proxy.
func NewProxyHandler(ctx context.Context, cfg *config.Config, sManager *session.Manager, opts ...proxy.Option) (http.Handler, error) {
	m, err := newMeters(ctx, cfg)
	if err != nil {
		return nil, err
	}

	p, err := proxy.NewHandler(&cfg.SessionProxy, &cfg.Upstream, sManager, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating session proxy: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.SessionProxy.AuthPrefix, proxy.NewAuthHandler(&cfg.SessionProxy, sManager))
	mux.Handle("/", p)

	return m.instrument(cfg, "session-proxy", fingerprint.CtxMiddleware(mux)), nil
}

// NewGatewayHandler returns the interception gateway handler. Every request
// reaches it, whatever its host or path.
func NewGatewayHandler(ctx context.Context, cfg *config.Config) (http.Handler, error) {
	m, err := newMeters(ctx, cfg)
	if err != nil {
		return nil, err
	}

	h, err := intercept.NewHandler(&cfg.Gateway)
	if err != nil {
		return nil, fmt.Errorf("creating interception gateway: %w", err)
	}

	return m.instrument(cfg, "intercept-gateway", h), nil
}
