// Package config defines the necessary types to configure the application.
// An example config file config.yaml is provided in the repository.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

type Config struct {
	commoncfg.BaseConfig `mapstructure:",squash" yaml:",inline"`

	HTTP    HTTPServer `yaml:"http"`
	Gateway Gateway    `yaml:"gateway"`

	Upstream     Upstream     `yaml:"upstream"`
	SessionProxy SessionProxy `yaml:"sessionProxy"`
	SessionStore SessionStore `yaml:"sessionStore"`

	Database    Database    `yaml:"database"`
	ValKey      ValKey      `yaml:"valkey"`
	Housekeeper Housekeeper `yaml:"housekeeper"`
}

type HTTPServer struct {
	Address         string        `yaml:"address" default:":7200"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"5s"`
}

// Gateway configures the traffic interception listener.
type Gateway struct {
	Enabled          bool          `yaml:"enabled" default:"true"`
	ListenHost       string        `yaml:"listenHost" default:"127.0.0.1"`
	ListenPort       int           `yaml:"listenPort" default:"7300"`
	ShutdownTimeout  time.Duration `yaml:"shutdownTimeout" default:"5s"`
	Name             string        `yaml:"name" default:"UsagiPass"`
	CompanionBaseURL string        `yaml:"companionBaseURL" default:"http://localhost:7200"`
	GameDataHosts    []string      `yaml:"gameDataHosts"`
	OAuthRelayHosts  []string      `yaml:"oauthRelayHosts"`
}

// Address is the host:port the gateway listens on.
func (g Gateway) Address() string {
	return net.JoinHostPort(g.ListenHost, strconv.Itoa(g.ListenPort))
}

// Upstream describes the API the session proxy forwards to and its token endpoint.
type Upstream struct {
	BaseURL              string              `yaml:"baseURL" default:"http://localhost:8000"`
	TokenEndpoint        string              `yaml:"tokenEndpoint" default:"/auth/token"`
	UserInfoPath         string              `yaml:"userInfoPath" default:"/users/me"`
	ClientID             string              `yaml:"clientID"`
	ClientSecret         commoncfg.SourceRef `yaml:"clientSecret"`
	RequestTimeout       time.Duration       `yaml:"requestTimeout" default:"10s"`
	DefaultTokenLifetime time.Duration       `yaml:"defaultTokenLifetime" default:"1h"`
	// MTLS is optional client TLS for both token and API calls.
	MTLS *commoncfg.MTLS `yaml:"mtls"`
}

type SessionProxy struct {
	PathPrefix      string         `yaml:"pathPrefix" default:"/api/"`
	AuthPrefix      string         `yaml:"authPrefix" default:"/api/nuxt/auth/"`
	Routes          []Route        `yaml:"routes"`
	SessionDuration time.Duration  `yaml:"sessionDuration" default:"168h"`
	SessionCookie   CookieTemplate `yaml:"sessionCookie"`
	BindFingerprint bool           `yaml:"bindFingerprint"`
	LoginRateLimit  float64        `yaml:"loginRateLimit" default:"0.2"`
	LoginBurst      int            `yaml:"loginBurst" default:"5"`
}

// Route forwards requests under Prefix to Upstream without touching the session.
type Route struct {
	Prefix   string `yaml:"prefix"`
	Upstream string `yaml:"upstream"`
}

type SessionStoreBackend string

const (
	SessionStoreValkey   SessionStoreBackend = "valkey"
	SessionStorePostgres SessionStoreBackend = "postgres"
	SessionStoreMemory   SessionStoreBackend = "memory"
)

type SessionStore struct {
	Backend SessionStoreBackend `yaml:"backend" default:"valkey"`
}

type Database struct {
	Name     string              `yaml:"name"`
	Port     string              `yaml:"port"`
	Host     commoncfg.SourceRef `yaml:"host"`
	User     commoncfg.SourceRef `yaml:"user"`
	Password commoncfg.SourceRef `yaml:"password"`
	// SSLMode is passed to pgx as is; empty leaves the driver default.
	SSLMode string `yaml:"sslMode"`
}

type ValKey struct {
	Host     commoncfg.SourceRef `yaml:"host"`
	User     commoncfg.SourceRef `yaml:"user"`
	Password commoncfg.SourceRef `yaml:"password"`
	Prefix   string              `yaml:"prefix" default:"usagipass"`
	MTLS     *commoncfg.MTLS     `yaml:"mtls"`
}

type Housekeeper struct {
	TriggerInterval  time.Duration `yaml:"triggerInterval" default:"1m"`
	RefreshLeeway    time.Duration `yaml:"refreshLeeway" default:"5m"`
	ConcurrencyLimit int           `yaml:"concurrencyLimit" default:"10"`
}

type CookieSameSite string

const (
	CookieSameSiteNone   CookieSameSite = "None"
	CookieSameSiteLax    CookieSameSite = "Lax"
	CookieSameSiteStrict CookieSameSite = "Strict"
)

type CookieTemplate struct {
	Name     string         `yaml:"name" default:"usagipass-session"`
	MaxAge   int            `yaml:"maxAge"`
	Path     string         `yaml:"path" default:"/"`
	Domain   string         `yaml:"domain"`
	Secure   bool           `yaml:"secure"`
	SameSite CookieSameSite `yaml:"sameSite" default:"Lax"`
	HTTPOnly bool           `yaml:"httpOnly" default:"true"`
}

// DefaultGameDataHosts are the title-server hosts whose QR login page is intercepted.
var DefaultGameDataHosts = []string{
	"42.193.74.107",
	"129.28.248.89",
	"43.137.91.207",
	"81.71.193.236",
	"43.145.45.124",
	"wq.sys-all.cn",
	"wq.sys-allnet.cn",
}

// DefaultOAuthRelayHosts are the hosts relaying the game's WeChat OAuth callback.
var DefaultOAuthRelayHosts = []string{
	"152.136.21.46",
	"tgk-wcaime.wahlap.com",
}

// ApplyDefaults fills the fields that struct tags cannot express.
func (c *Config) ApplyDefaults() {
	if len(c.Gateway.GameDataHosts) == 0 {
		c.Gateway.GameDataHosts = DefaultGameDataHosts
	}
	if len(c.Gateway.OAuthRelayHosts) == 0 {
		c.Gateway.OAuthRelayHosts = DefaultOAuthRelayHosts
	}
}

func (c *Config) Validate() error {
	var errs []error

	if c.Gateway.CompanionBaseURL == "" {
		errs = append(errs, errors.New("gateway.companionBaseURL is required"))
	}
	if c.Gateway.Enabled && (c.Gateway.ListenPort <= 0 || c.Gateway.ListenPort > 65535) {
		errs = append(errs, fmt.Errorf("gateway.listenPort %d is out of range", c.Gateway.ListenPort))
	}
	if c.Upstream.BaseURL == "" {
		errs = append(errs, errors.New("upstream.baseURL is required"))
	}
	if !strings.HasPrefix(c.SessionProxy.PathPrefix, "/") {
		errs = append(errs, fmt.Errorf("sessionProxy.pathPrefix %q must start with /", c.SessionProxy.PathPrefix))
	}
	if !strings.HasPrefix(c.SessionProxy.AuthPrefix, "/") || !strings.HasSuffix(c.SessionProxy.AuthPrefix, "/") {
		errs = append(errs, fmt.Errorf("sessionProxy.authPrefix %q must start and end with /", c.SessionProxy.AuthPrefix))
	}
	for i, r := range c.SessionProxy.Routes {
		if r.Prefix == "" || r.Upstream == "" {
			errs = append(errs, fmt.Errorf("sessionProxy.routes[%d] needs prefix and upstream", i))
		}
	}
	switch c.SessionStore.Backend {
	case SessionStoreValkey, SessionStorePostgres, SessionStoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown sessionStore.backend %q", c.SessionStore.Backend))
	}

	return errors.Join(errs...)
}
