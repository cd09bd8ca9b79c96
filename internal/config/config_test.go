package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		Gateway: Gateway{
			Enabled:          true,
			ListenHost:       "127.0.0.1",
			ListenPort:       7300,
			CompanionBaseURL: "http://localhost:7200",
		},
		Upstream: Upstream{BaseURL: "http://localhost:8000"},
		SessionProxy: SessionProxy{
			PathPrefix: "/api/",
			AuthPrefix: "/api/nuxt/auth/",
		},
		SessionStore: SessionStore{Backend: SessionStoreMemory},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		assertErr assert.ErrorAssertionFunc
	}{
		{
			name:      "valid",
			mutate:    func(*Config) {},
			assertErr: assert.NoError,
		}, {
			name:      "missing companion url",
			mutate:    func(c *Config) { c.Gateway.CompanionBaseURL = "" },
			assertErr: assert.Error,
		}, {
			name:      "port out of range",
			mutate:    func(c *Config) { c.Gateway.ListenPort = 0 },
			assertErr: assert.Error,
		}, {
			name: "port ignored when gateway disabled",
			mutate: func(c *Config) {
				c.Gateway.Enabled = false
				c.Gateway.ListenPort = 0
			},
			assertErr: assert.NoError,
		}, {
			name:      "missing upstream",
			mutate:    func(c *Config) { c.Upstream.BaseURL = "" },
			assertErr: assert.Error,
		}, {
			name:      "incomplete route",
			mutate:    func(c *Config) { c.SessionProxy.Routes = []Route{{Prefix: "/api/otoge/"}} },
			assertErr: assert.Error,
		}, {
			name:      "relative path prefix",
			mutate:    func(c *Config) { c.SessionProxy.PathPrefix = "api/" },
			assertErr: assert.Error,
		}, {
			name:      "auth prefix without trailing slash",
			mutate:    func(c *Config) { c.SessionProxy.AuthPrefix = "/api/nuxt/auth" },
			assertErr: assert.Error,
		}, {
			name:      "unknown backend",
			mutate:    func(c *Config) { c.SessionStore.Backend = "etcd" },
			assertErr: assert.Error,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			tt.assertErr(t, cfg.Validate())
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	assert.Equal(t, DefaultGameDataHosts, cfg.Gateway.GameDataHosts)
	assert.Equal(t, DefaultOAuthRelayHosts, cfg.Gateway.OAuthRelayHosts)

	cfg = &Config{Gateway: Gateway{GameDataHosts: []string{"example.com"}}}
	cfg.ApplyDefaults()
	assert.Equal(t, []string{"example.com"}, cfg.Gateway.GameDataHosts)
}

func TestGatewayAddress(t *testing.T) {
	assert.Equal(t, "127.0.0.1:7300", Gateway{ListenHost: "127.0.0.1", ListenPort: 7300}.Address())
	assert.Equal(t, "[::1]:80", Gateway{ListenHost: "::1", ListenPort: 80}.Address())
}
