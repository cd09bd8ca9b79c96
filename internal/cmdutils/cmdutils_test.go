package cmdutils

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/openkcm/common-sdk/pkg/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usagipass/gateway/internal/config"
)

func TestCobraCommand(t *testing.T) {
	businessFunc := func(ctx context.Context, cfg *config.Config) error {
		return nil
	}

	t.Run("creates command with correct properties", func(t *testing.T) {
		wrapperFunc := func(ctx context.Context, fn BusinessFunc, cfg *config.Config) error {
			return fn(ctx, cfg)
		}

		cmd := CobraCommand("test-cmd", "short desc", "long description", "v1.0.0", wrapperFunc, businessFunc)

		assert.Equal(t, "test-cmd", cmd.Use)
		assert.Equal(t, "short desc", cmd.Short)
		assert.Equal(t, "long description", cmd.Long)
		assert.NotNil(t, cmd.RunE)
	})

	t.Run("RunE returns error when config loading fails", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("HOME", t.TempDir())

		called := false
		wrapperFunc := func(ctx context.Context, fn BusinessFunc, cfg *config.Config) error {
			called = true
			return errors.New("wrapper error")
		}

		cmd := CobraCommand("test", "short", "long", "v1.0.0", wrapperFunc, businessFunc)
		cmd.SetArgs([]string{})

		err := cmd.Execute()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "loading config")
		assert.False(t, called)
	})
}

func TestStatusListener(t *testing.T) {
	tests := []struct {
		name  string
		state health.State
	}{
		{
			name:  "empty state",
			state: health.State{Status: "up", CheckState: map[string]health.CheckState{}},
		},
		{
			name: "single check",
			state: health.State{
				Status: "up",
				CheckState: map[string]health.CheckState{
					"database": {Status: "up"},
				},
			},
		},
		{
			name: "failing check",
			state: health.State{
				Status: "down",
				CheckState: map[string]health.CheckState{
					"database": {Status: "down", Result: errors.New("connection refused")},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				statusListener(t.Context(), tt.state)
			})
		})
	}
}

func TestReadinessOptions(t *testing.T) {
	t.Run("no database checker without postgres", func(t *testing.T) {
		for _, backend := range []config.SessionStoreBackend{config.SessionStoreValkey, config.SessionStoreMemory} {
			cfg := &config.Config{SessionStore: config.SessionStore{Backend: backend}}

			opts, err := readinessOptions(cfg)
			require.NoError(t, err, backend)
			assert.Len(t, opts, 3, backend)
		}
	})

	t.Run("database checker with postgres", func(t *testing.T) {
		cfg := &config.Config{
			SessionStore: config.SessionStore{Backend: config.SessionStorePostgres},
			Database: config.Database{
				Name:     "gateway",
				Port:     "5432",
				Host:     commoncfg.SourceRef{Source: "embedded", Value: "localhost"},
				User:     commoncfg.SourceRef{Source: "embedded", Value: "user"},
				Password: commoncfg.SourceRef{Source: "embedded", Value: "pass"},
			},
		}

		opts, err := readinessOptions(cfg)
		require.NoError(t, err)
		assert.Len(t, opts, 4)
	})

	t.Run("invalid database config", func(t *testing.T) {
		cfg := &config.Config{
			SessionStore: config.SessionStore{Backend: config.SessionStorePostgres},
			Database: config.Database{
				Host: commoncfg.SourceRef{Source: "file", File: commoncfg.CredentialFile{Path: "/nonexistent/file"}},
			},
		}

		_, err := readinessOptions(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "making connection string from config")
	})
}

func TestStartStatusServer(t *testing.T) {
	t.Run("returns error when connection string creation fails", func(t *testing.T) {
		cfg := &config.Config{
			SessionStore: config.SessionStore{Backend: config.SessionStorePostgres},
			Database: config.Database{
				Host: commoncfg.SourceRef{Source: "file", File: commoncfg.CredentialFile{Path: "/nonexistent/file"}},
			},
		}
		ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
		defer cancel()

		err := startStatusServer(ctx, cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "making connection string from config")
	})
}

func TestHealthStatusTimeout(t *testing.T) {
	assert.Equal(t, 5*time.Second, healthStatusTimeout)
}

func ExampleCobraCommand() {
	businessFunc := func(ctx context.Context, cfg *config.Config) error {
		fmt.Println("Running business logic")
		return nil
	}

	wrapperFunc := func(ctx context.Context, fn BusinessFunc, cfg *config.Config) error {
		fmt.Println("Wrapper function called")
		return fn(ctx, cfg)
	}

	cmd := CobraCommand(
		"example",
		"Example command",
		"This is an example of how to use CobraCommand",
		"v1.0.0",
		wrapperFunc,
		businessFunc,
	)

	fmt.Printf("Command use: %s\n", cmd.Use)
	// Output: Command use: example
}
