// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package scmapi

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
)

// Token is one bearer token with a finite lifetime.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenProvider acquires bearer tokens for one tenant. The acquisition
// protocol is a collaborator concern; the client only caches and
// refreshes.
type TokenProvider interface {
	// GetValidToken returns a token expected to be valid now. It is
	// called again when the cached token expires or is rejected.
	GetValidToken(ctx context.Context) (Token, error)
}

// expirySlack refreshes tokens slightly before their reported expiry
// so in-flight requests do not race the deadline.
const expirySlack = 30 * time.Second

// tokenCache caches the current bearer token across concurrent
// callers of one client.
type tokenCache struct {
	provider TokenProvider
	clock    clock.Clock

	mu    sync.Mutex
	token Token
}

func newTokenCache(provider TokenProvider, clk clock.Clock) *tokenCache {
	return &tokenCache{provider: provider, clock: clk}
}

// get returns a cached token, fetching a fresh one when the cache is
// empty or near expiry.
func (c *tokenCache) get(ctx context.Context) (Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token.Value != "" && c.clock.Now().Before(c.token.ExpiresAt.Add(-expirySlack)) {
		return c.token, nil
	}
	token, err := c.provider.GetValidToken(ctx)
	if err != nil {
		return Token{}, errors.Annotate(err, "acquiring bearer token")
	}
	c.token = token
	return token, nil
}

// invalidate drops the cached token if it is still the one the caller
// saw rejected, forcing the next get to hit the provider.
func (c *tokenCache) invalidate(rejected string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token.Value == rejected {
		c.token = Token{}
	}
}
