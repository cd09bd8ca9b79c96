package config

import (
	"fmt"
	"net"
	"net/url"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

// MakeConnStr builds a postgres URL from conf. Credentials are escaped, so
// they may contain any character.
func MakeConnStr(conf Database) (string, error) {
	host, err := commoncfg.LoadValueFromSourceRef(conf.Host)
	if err != nil {
		return "", fmt.Errorf("loading db host: %w", err)
	}

	user, err := commoncfg.LoadValueFromSourceRef(conf.User)
	if err != nil {
		return "", fmt.Errorf("loading db user: %w", err)
	}

	password, err := commoncfg.LoadValueFromSourceRef(conf.Password)
	if err != nil {
		return "", fmt.Errorf("loading db password: %w", err)
	}

	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(string(user), string(password)),
		Host:   string(host),
		Path:   "/" + conf.Name,
	}
	if conf.Port != "" {
		u.Host = net.JoinHostPort(string(host), conf.Port)
	}
	if conf.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {conf.SSLMode}}.Encode()
	}

	return u.String(), nil
}
