// Package valkeytest runs a throwaway ValKey container for tests of the
// valkey session store.
package valkeytest

import (
	"context"
	"net"

	"github.com/docker/go-connections/nat"
	"github.com/valkey-io/valkey-go"

	valkeycontainer "github.com/testcontainers/testcontainers-go/modules/valkey"
	slogctx "github.com/veqryn/slog-context"
)

const Image = "valkey/valkey:8-alpine"

// Address is the host:port a client on the test host dials.
func Address(port nat.Port) string {
	return net.JoinHostPort("localhost", port.Port())
}

// Start runs a ValKey container and returns a client without client-side
// caching, the mapped port, and a termination function. It panics on failure.
func Start(ctx context.Context) (valkey.Client, nat.Port, func(ctx context.Context)) {
	container, err := valkeycontainer.Run(ctx, Image)
	if err != nil {
		slogctx.Error(ctx, "Failed to start ValKey container", "error", err)
		panic(err)
	}

	port, err := container.MappedPort(ctx, nat.Port("6379/tcp"))
	if err != nil {
		slogctx.Error(ctx, "Failed to map a port for the ValKey container", "error", err)
		panic(err)
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:  []string{Address(port)},
		DisableCache: true,
	})
	if err != nil {
		slogctx.Error(ctx, "Failed to initialise a ValKey client", "error", err)
		panic(err)
	}

	terminate := func(ctx context.Context) {
		client.Close()
		if err := container.Terminate(ctx); err != nil {
			slogctx.Error(ctx, "Failed to terminate ValKey container", "error", err)
		}
	}

	return client, port, terminate
}

// Flush drops every key so tests sharing one container start clean.
func Flush(ctx context.Context, client valkey.Client) error {
	return client.Do(ctx, client.B().Flushall().Build()).Error()
}
