// Package upstream is the client of the upstream API's authorization server.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"golang.org/x/oauth2"

	"github.com/usagipass/gateway/internal/config"
	"github.com/usagipass/gateway/internal/serviceerr"
	"github.com/usagipass/gateway/internal/session"
)

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 1 << 16

var tokenAlgorithms = []jose.SignatureAlgorithm{
	jose.HS256, jose.HS384, jose.HS512,
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.EdDSA,
}

type Client struct {
	httpClient      *http.Client
	oauth           *oauth2.Config
	userInfoURL     string
	defaultLifetime time.Duration

	now func() time.Time
}

var _ = session.TokenSource(&Client{})

// NewClient builds a client for cfg. A nil httpClient gets one bounded by cfg.RequestTimeout.
func NewClient(cfg *config.Upstream, httpClient *http.Client) (*Client, error) {
	tokenURL, err := resolve(cfg.BaseURL, cfg.TokenEndpoint)
	if err != nil {
		return nil, fmt.Errorf("resolving token endpoint: %w", err)
	}

	userInfoURL, err := resolve(cfg.BaseURL, cfg.UserInfoPath)
	if err != nil {
		return nil, fmt.Errorf("resolving user info endpoint: %w", err)
	}

	var clientSecret string
	if cfg.ClientSecret.Source != "" {
		secret, err := commoncfg.LoadValueFromSourceRef(cfg.ClientSecret)
		if err != nil {
			return nil, fmt.Errorf("loading client secret: %w", err)
		}
		clientSecret = string(secret)
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	return &Client{
		httpClient: httpClient,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		userInfoURL:     userInfoURL,
		defaultLifetime: cfg.DefaultTokenLifetime,
		now:             time.Now,
	}, nil
}

// resolve joins ref onto base unless ref is already absolute.
func resolve(base, ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	if u.IsAbs() {
		return u.String(), nil
	}

	return url.JoinPath(base, ref)
}

// Refresh exchanges a refresh token for a new credential pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (session.Credentials, error) {
	if refreshToken == "" {
		return session.Credentials{}, serviceerr.ErrUnauthenticated
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	tok, err := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return session.Credentials{}, Classify(err)
	}

	return c.credentials(tok), nil
}

// Password performs the resource owner password grant. strategy selects the
// upstream identity backend and is sent as an extra form field.
func (c *Client) Password(ctx context.Context, username, password, strategy string) (session.Credentials, error) {
	data := url.Values{}
	data.Set("grant_type", "password")
	data.Set("username", username)
	data.Set("password", password)
	if strategy != "" {
		data.Set("strategy", strategy)
	}
	if c.oauth.ClientID != "" {
		data.Set("client_id", c.oauth.ClientID)
	}
	if c.oauth.ClientSecret != "" {
		data.Set("client_secret", c.oauth.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.oauth.Endpoint.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return session.Credentials{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return session.Credentials{}, Classify(fmt.Errorf("executing request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return session.Credentials{}, rejected(resp)
	}
	if resp.StatusCode != http.StatusOK {
		return session.Credentials{}, Classify(retrieveError(resp))
	}

	var tokens struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return session.Credentials{}, errors.Join(serviceerr.ErrBadGateway, fmt.Errorf("decoding response: %w", err))
	}
	if tokens.AccessToken == "" {
		return session.Credentials{}, errors.Join(serviceerr.ErrBadGateway, errors.New("response is missing access_token"))
	}

	tok := &oauth2.Token{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		TokenType:    tokens.TokenType,
	}
	if tokens.ExpiresIn > 0 {
		tok.Expiry = c.now().Add(time.Duration(tokens.ExpiresIn) * time.Second)
	}

	return c.credentials(tok), nil
}

// CurrentUser fetches the profile of the bearer of accessToken.
func (c *Client) CurrentUser(ctx context.Context, accessToken string) (session.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userInfoURL, nil)
	if err != nil {
		return session.User{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return session.User{}, Classify(fmt.Errorf("executing request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return session.User{}, Classify(retrieveError(resp))
	}

	var body struct {
		Data session.User `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return session.User{}, errors.Join(serviceerr.ErrBadGateway, fmt.Errorf("decoding response: %w", err))
	}

	return body.Data, nil
}

// credentials converts tok, taking the expiry from expires_in, then from the
// access token's exp claim, then from the configured default lifetime.
func (c *Client) credentials(tok *oauth2.Token) session.Credentials {
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = jwtExpiry(tok.AccessToken)
	}
	if expiry.IsZero() {
		expiry = c.now().Add(c.defaultLifetime)
	}

	return session.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiry.UnixMilli(),
	}
}

// jwtExpiry reads the exp claim without verifying the signature. The token
// is only forwarded, never trusted here.
func jwtExpiry(accessToken string) time.Time {
	tok, err := jwt.ParseSigned(accessToken, tokenAlgorithms)
	if err != nil {
		return time.Time{}
	}

	var claims jwt.Claims
	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil || claims.Expiry == nil {
		return time.Time{}
	}

	return claims.Expiry.Time()
}

// RejectedError is the token endpoint refusing a login, with the status and
// message it answered.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("token endpoint rejected the login with %d: %s", e.StatusCode, e.Message)
}

// rejected reads a 4xx token response. 401 keeps meaning bad credentials;
// any other client error is an invalid login request.
func rejected(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var payload struct {
		Message     string `json:"message"`
		Description string `json:"error_description"`
		Error       string `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)

	re := &RejectedError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	for _, msg := range []string{payload.Message, payload.Description, payload.Error} {
		if msg != "" {
			re.Message = msg
			break
		}
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return errors.Join(serviceerr.ErrUnauthenticated, re)
	case http.StatusTooManyRequests:
		return errors.Join(serviceerr.ErrTooManyRequests, re)
	default:
		return errors.Join(serviceerr.ErrInvalidRequest, re)
	}
}

func retrieveError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &oauth2.RetrieveError{Response: resp, Body: body}
}

// Classify maps upstream failures onto service errors. Only an explicit 401
// means the grant is gone.
func Classify(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && re.Response.StatusCode == http.StatusUnauthorized {
			return errors.Join(serviceerr.ErrUnauthenticated, err)
		}
		return errors.Join(serviceerr.ErrBadGateway, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(serviceerr.ErrGatewayTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return errors.Join(serviceerr.ErrGatewayTimeout, err)
	}

	var ue *url.Error
	var oe *net.OpError
	if errors.As(err, &ue) || errors.As(err, &oe) {
		return errors.Join(serviceerr.ErrUpstreamUnavailable, err)
	}

	return errors.Join(serviceerr.ErrBadGateway, err)
}
