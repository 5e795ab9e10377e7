// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package scmapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/scmtools/tenantsync/core/failure"
)

// defaultTokenLifetime is assumed when the token endpoint omits
// expires_in.
const defaultTokenLifetime = 15 * time.Minute

// ClientCredentialsConfig describes an OAuth2 client-credentials grant
// against a tenant's token endpoint.
type ClientCredentialsConfig struct {
	// TokenURL is the token endpoint.
	TokenURL string

	// ClientID and ClientSecret authenticate the grant.
	ClientID     string
	ClientSecret string

	// Scope restricts the token to one tenant service group, e.g.
	// "tsg_id:12345". Optional.
	Scope string

	// Transport defaults to a plain http.Client.
	Transport Transport

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Validate checks the configuration.
func (c ClientCredentialsConfig) Validate() error {
	if c.TokenURL == "" {
		return errors.NotValidf("missing TokenURL")
	}
	if _, err := url.Parse(c.TokenURL); err != nil {
		return errors.NotValidf("TokenURL %q", c.TokenURL)
	}
	if c.ClientID == "" {
		return errors.NotValidf("missing ClientID")
	}
	if c.ClientSecret == "" {
		return errors.NotValidf("missing ClientSecret")
	}
	return nil
}

// clientCredentials implements TokenProvider with the client-credentials
// grant.
type clientCredentials struct {
	tokenURL  string
	clientID  string
	secret    string
	scope     string
	transport Transport
	clock     clock.Clock
}

// NewClientCredentials returns a TokenProvider performing the
// client-credentials grant cfg describes.
func NewClientCredentials(cfg ClientCredentialsConfig) (TokenProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Transport == nil {
		cfg.Transport = DefaultTransport()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &clientCredentials{
		tokenURL:  cfg.TokenURL,
		clientID:  cfg.ClientID,
		secret:    cfg.ClientSecret,
		scope:     cfg.Scope,
		transport: cfg.Transport,
		clock:     cfg.Clock,
	}, nil
}

// tokenResponse is the grant response body.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// GetValidToken implements TokenProvider.
func (p *clientCredentials) GetValidToken(ctx context.Context) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	if p.scope != "" {
		form.Set("scope", p.scope)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, errors.Annotate(err, "building token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(p.clientID, p.secret)

	resp, err := p.transport.Do(req)
	if err != nil {
		return Token{}, classifyTransportError("acquiring token", err)
	}

	if resp.StatusCode != http.StatusOK {
		data, readErr := readBodyCapped(resp.Body, errorBodyCap, "acquiring token")
		if readErr != nil {
			logger.Debugf("acquiring token: discarding unreadable error body: %v", readErr)
		}
		message := strings.TrimSpace(string(data))
		err := errors.Errorf("token endpoint returned %s: %s", resp.Status, message)
		// Bad credentials never get better on retry.
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return Token{}, failure.Wrap(err, failure.Fatal)
		}
		return Token{}, failure.Wrap(err, failure.Transient)
	}

	data, err := readBodyCapped(resp.Body, errorBodyCap, "acquiring token")
	if err != nil {
		return Token{}, errors.Annotate(err, "reading token response")
	}
	var body tokenResponse
	if err := json.Unmarshal(data, &body); err != nil {
		return Token{}, errors.Annotate(err, "decoding token response")
	}
	if body.AccessToken == "" {
		return Token{}, errors.New("token endpoint returned no access_token")
	}
	lifetime := defaultTokenLifetime
	if body.ExpiresIn > 0 {
		lifetime = time.Duration(body.ExpiresIn) * time.Second
	}
	logger.Debugf("acquired bearer token, expires in %s", lifetime)
	return Token{
		Value:     body.AccessToken,
		ExpiresAt: p.clock.Now().Add(lifetime),
	}, nil
}

// StaticToken is a TokenProvider returning one fixed token, useful for
// tests and for pre-issued tokens.
type StaticToken string

// staticTokenExpiry keeps the token cache from ever refreshing a
// static token. No clock is consulted; the token has no real expiry.
var staticTokenExpiry = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// GetValidToken implements TokenProvider.
func (t StaticToken) GetValidToken(ctx context.Context) (Token, error) {
	if t == "" {
		return Token{}, errors.NotValidf("empty static token")
	}
	return Token{
		Value:     string(t),
		ExpiresAt: staticTokenExpiry,
	}, nil
}
