package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/samber/oops"

	slogctx "github.com/veqryn/slog-context"

	"github.com/usagipass/gateway/internal/config"
	"github.com/usagipass/gateway/internal/proxy"
	"github.com/usagipass/gateway/internal/session"
)

// StartProxyServer serves the session proxy and its auth endpoints until ctx is done.
func StartProxyServer(ctx context.Context, cfg *config.Config, sManager *session.Manager, opts ...proxy.Option) error {
	handler, err := NewProxyHandler(ctx, cfg, sManager, opts...)
	if err != nil {
		return err
	}

	return StartHTTPServer(ctx, "session-proxy", cfg.HTTP.Address, cfg.HTTP.ShutdownTimeout, handler)
}

// StartGatewayServer serves the traffic interception gateway until ctx is done.
func StartGatewayServer(ctx context.Context, cfg *config.Config) error {
	handler, err := NewGatewayHandler(ctx, cfg)
	if err != nil {
		return err
	}

	return StartHTTPServer(ctx, "intercept-gateway", cfg.Gateway.Address(), cfg.Gateway.ShutdownTimeout, handler)
}

func createHTTPServer(address string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// splitNetwork parses addresses in the format of network://address.
// Otherwise tcp is used. Some tests are easier to implement by binding a
// listener to a unix socket rather than a TCP port.
func splitNetwork(address string) (network, addr string) {
	if idx := strings.Index(address, "://"); idx > 0 {
		return address[:idx], address[idx+3:]
	}

	return "tcp", address
}

// StartHTTPServer listens on address and serves handler until ctx is done,
// then shuts down gracefully within shutdownTimeout.
func StartHTTPServer(ctx context.Context, name, address string, shutdownTimeout time.Duration, handler http.Handler) error {
	ctx = slogctx.With(ctx, "server", name)
	server := createHTTPServer(address, handler)

	slogctx.Info(ctx, "Starting a listener", "address", server.Addr)

	network, addr := splitNetwork(server.Addr)
	listener, err := new(net.ListenConfig).Listen(ctx, network, addr)
	if err != nil {
		return oops.In("HTTP Server").
			WithContext(ctx).
			With("server", name).
			Wrapf(err, "Failed to create a listener")
	}

	slogctx.Info(ctx, "A listener started", "address", listener.Addr().String())

	serveErr := make(chan error, 1)
	go func() {
		slogctx.Info(ctx, "Serving an HTTP server", "address", listener.Addr().String())
		err := server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slogctx.Error(ctx, "Failed to serve an HTTP server", "error", err)
			serveErr <- err
		}
		close(serveErr)

		slogctx.Info(ctx, "Stopped an HTTP server")
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok && err != nil {
			return oops.In("HTTP Server").
				WithContext(ctx).
				With("server", name).
				Wrapf(err, "Failed serving HTTP")
		}
	}

	shutdownCtx, shutdownRelease := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer shutdownRelease()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return oops.In("HTTP Server").
			WithContext(ctx).
			With("server", name).
			Wrapf(err, "Failed shutting down HTTP server")
	}

	slogctx.Info(ctx, "Completed graceful shutdown of HTTP server")

	return nil
}
