//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/usagipass/gateway/internal/config"
	"github.com/usagipass/gateway/internal/dbtest/postgrestest"
	"github.com/usagipass/gateway/internal/dbtest/valkeytest"
)

type closeFunc func(ctx context.Context)

type infraStat struct {
	PostgresPort   nat.Port
	ValKeyPort     nat.Port
	ConfigFilePath string
	Procdir        string
	Cfg            config.Config

	closeFuncs []closeFunc
}

func initInfra(t *testing.T, exeName string) (istat infraStat) {
	t.Helper()

	// The config is read from $PWD/config.yaml, so every process runs in
	// its own subdirectory.
	wd, err := os.Getwd()
	require.NoError(t, err, "failed to get wd")
	istat.Procdir = filepath.Join(wd, exeName+"-test")
	istat.ConfigFilePath = filepath.Join(istat.Procdir, "config.yaml")

	err = os.MkdirAll(istat.Procdir, fs.ModePerm)
	require.NoError(t, err, "failed to create a dir for the process")

	err = os.WriteFile(istat.ConfigFilePath, []byte(validConfig), fs.ModePerm)
	require.NoError(t, err, "failed to write config file")

	err = commoncfg.LoadConfig(&istat.Cfg, nil, istat.Procdir)
	require.NoError(t, err, "failed to load config")

	istat.Cfg.HTTP.Address = "unix://" + filepath.Join(istat.Procdir, exeName+".sock")
	istat.Cfg.Gateway.ListenHost = "127.0.0.1"
	istat.Cfg.Gateway.ListenPort = freePort(t)

	return istat
}

func (istat *infraStat) PreparePostgres(t *testing.T) {
	t.Helper()

	pgClient, pgPort, pgTerminate := postgrestest.Start(t.Context())
	pgClient.Close()

	istat.PostgresPort = pgPort
	istat.closeFuncs = append(istat.closeFuncs, pgTerminate)

	istat.Cfg.SessionStore.Backend = config.SessionStorePostgres
	istat.Cfg.Database.Name = postgrestest.DBName
	istat.Cfg.Database.User = commoncfg.SourceRef{Source: "embedded", Value: postgrestest.DBUser}
	istat.Cfg.Database.Password = commoncfg.SourceRef{Source: "embedded", Value: postgrestest.DBPassword}
	istat.Cfg.Database.Host = commoncfg.SourceRef{Source: "embedded", Value: postgrestest.DBHost}
	istat.Cfg.Database.Port = pgPort.Port()
}

func (istat *infraStat) PrepareValKey(t *testing.T) {
	t.Helper()

	vkClient, vkPort, vkTerminate := valkeytest.Start(t.Context())
	vkClient.Close()

	istat.ValKeyPort = vkPort
	istat.closeFuncs = append(istat.closeFuncs, vkTerminate)

	istat.Cfg.SessionStore.Backend = config.SessionStoreValkey
	istat.Cfg.ValKey.Host = commoncfg.SourceRef{Source: "embedded", Value: valkeytest.Address(vkPort)}
	istat.Cfg.ValKey.User = commoncfg.SourceRef{Source: "embedded", Value: ""}
	istat.Cfg.ValKey.Password = commoncfg.SourceRef{Source: "embedded", Value: ""}
}

// PrepareUpstream points the session proxy at a fake upstream API.
func (istat *infraStat) PrepareUpstream(t *testing.T) *httptest.Server {
	t.Helper()

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/token":
			_ = r.ParseForm()
			if r.PostForm.Get("username") != "usagi" || r.PostForm.Get("password") != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "access-it",
				"refresh_token": "refresh-it",
				"token_type":    "bearer",
				"expires_in":    3600,
			})
		case "/users/me":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"1","username":"usagi"}`))
		default:
			_, _ = fmt.Fprintf(w, "%s %s", r.URL.Path, r.Header.Get("Authorization"))
		}
	}))
	istat.closeFuncs = append(istat.closeFuncs, func(context.Context) { up.Close() })

	istat.Cfg.Upstream.BaseURL = up.URL
	istat.Cfg.SessionProxy.Routes = nil

	return up
}

// PrepareConfig writes the config used by the process into ConfigFilePath.
func (istat *infraStat) PrepareConfig(t *testing.T) {
	t.Helper()

	configFile, err := os.Create(istat.ConfigFilePath)
	require.NoError(t, err, "failed to create config file")

	err = yaml.NewEncoder(configFile).Encode(istat.Cfg)
	require.NoError(t, err, "failed to write config")
	configFile.Close()
}

// Start runs the binary with args from Procdir until the returned stop func is called.
func (istat *infraStat) Start(t *testing.T, args ...string) (stop func()) {
	t.Helper()

	currdir, err := os.Getwd()
	require.NoError(t, err, "failed to get wd")

	cmdOutPath := filepath.Join(currdir, strings.Join(args, "-")+".log")
	cmdOut, err := os.Create(cmdOutPath)
	require.NoError(t, err, "failed to create a log file")

	cmd := exec.CommandContext(t.Context(), filepath.Join(currdir, binary), args...)
	cmd.Dir = istat.Procdir
	cmd.Stdout = cmdOut
	cmd.Stderr = cmdOut

	t.Logf("starting %v. Logs will be saved into %s", args, cmdOutPath)
	require.NoError(t, cmd.Start(), "could not start command")

	return func() {
		_ = syscall.Kill(cmd.Process.Pid, syscall.SIGTERM)
		_ = cmd.Wait()
		cmdOut.Close()
	}
}

// ProxyClient talks to the session proxy over its unix socket.
func (istat *infraStat) ProxyClient() *http.Client {
	socket := strings.TrimPrefix(istat.Cfg.HTTP.Address, "unix://")

	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return new(net.Dialer).DialContext(ctx, "unix", socket)
			},
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (istat *infraStat) Close(ctx context.Context) {
	os.Remove(istat.ConfigFilePath)
	os.RemoveAll(istat.Procdir)

	for _, close := range istat.closeFuncs {
		close(ctx)
	}
}

func freePort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	return l.Addr().(*net.TCPAddr).Port
}
