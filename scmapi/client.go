// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package scmapi is the authenticated, rate-limited, retrying client
// for one tenant of the management API. It owns token lifecycle,
// request pacing, pagination and the initial classification of every
// failure; callers never see wire-level envelope shapes or raw HTTP
// status codes.
package scmapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"
	"gopkg.in/httprequest.v1"

	"github.com/scmtools/tenantsync/core/config"
	"github.com/scmtools/tenantsync/core/failure"
	"github.com/scmtools/tenantsync/scmapi/transport"
)

var logger = loggo.GetLogger("tenantsync.scmapi")

const (
	defaultRequestsPerSecond = 10
	defaultBurst             = 4
	defaultRetryAttempts     = 4
	defaultRetryDelay        = 500 * time.Millisecond
	defaultRetryMaxDelay     = 15 * time.Second
	defaultCallTimeout       = 30 * time.Second
	defaultMaxResponseSize   = 8 << 20
	defaultPageSize          = 200

	// errorBodyCap bounds how much of an error response is read for
	// its message.
	errorBodyCap = 64 << 10
)

// Config holds everything a Client needs to talk to one tenant.
type Config struct {
	// BaseURL is the API root, e.g.
	// "https://api.example.com/config/v1".
	BaseURL string

	// TokenProvider supplies bearer tokens; required.
	TokenProvider TokenProvider

	// Transport defaults to a plain http.Client.
	Transport Transport

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// Limiter overrides the built-in token bucket when set. Exactly
	// one limiter instance is shared by all callers of the client.
	Limiter RateLimiter

	// RequestsPerSecond and Burst configure the built-in limiter.
	// Zero RequestsPerSecond disables pacing.
	RequestsPerSecond float64
	Burst             int64

	// RetryAttempts bounds retries of idempotent GET calls on
	// transient failures; mutating calls are never retried.
	RetryAttempts int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration

	// CallTimeout bounds the wall-clock time of one request attempt.
	CallTimeout time.Duration

	// MaxResponseSize caps response bodies; exceeding it is Fatal.
	MaxResponseSize int64

	// PageSize is the limit requested from paginated list endpoints.
	PageSize int
}

// Validate implements the config validation contract.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.NotValidf("missing BaseURL")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return errors.NotValidf("BaseURL %q", c.BaseURL)
	}
	if c.TokenProvider == nil {
		return errors.NotValidf("missing TokenProvider")
	}
	return nil
}

// Client is a RemoteConfigClient for one tenant.
type Client struct {
	baseURL         string
	requester       *apiRequester
	tokens          *tokenCache
	limiter         RateLimiter
	clock           clock.Clock
	retryAttempts   int
	retryDelay      time.Duration
	retryMaxDelay   time.Duration
	callTimeout     time.Duration
	maxResponseSize int64
	pageSize        int
}

// NewClient returns a client for the tenant cfg describes.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Transport == nil {
		cfg.Transport = DefaultTransport()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Limiter == nil {
		rps := cfg.RequestsPerSecond
		if rps == 0 {
			rps = defaultRequestsPerSecond
		}
		burst := cfg.Burst
		if burst <= 0 {
			burst = defaultBurst
		}
		if rps < 0 {
			cfg.Limiter = unlimited{}
		} else {
			cfg.Limiter = NewRateLimiter(rps, burst)
		}
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = defaultRetryMaxDelay
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.MaxResponseSize <= 0 {
		cfg.MaxResponseSize = defaultMaxResponseSize
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	return &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		requester:       &apiRequester{transport: cfg.Transport},
		tokens:          newTokenCache(cfg.TokenProvider, cfg.Clock),
		limiter:         cfg.Limiter,
		clock:           cfg.Clock,
		retryAttempts:   cfg.RetryAttempts,
		retryDelay:      cfg.RetryDelay,
		retryMaxDelay:   cfg.RetryMaxDelay,
		callTimeout:     cfg.CallTimeout,
		maxResponseSize: cfg.MaxResponseSize,
		pageSize:        cfg.PageSize,
	}, nil
}

// List returns a lazy sequence over every record of the given type in
// scope. No request is issued until the first Next call.
func (c *Client) List(scope Scope, t config.ItemType) (*Pager, error) {
	ep, err := endpointFor(t)
	if err != nil {
		return nil, errors.Trace(err)
	}
	query := url.Values{}
	if ep.containerScoped {
		scope.query(query)
	}
	return newPager(c, ep.segment, query), nil
}

// ListAll drains List into a slice.
func (c *Client) ListAll(ctx context.Context, scope Scope, t config.ItemType) ([]json.RawMessage, error) {
	pager, err := c.List(scope, t)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var records []json.RawMessage
	for {
		record, err := pager.Next(ctx)
		if err == ErrDone {
			return records, nil
		}
		if err != nil {
			return nil, errors.Trace(err)
		}
		records = append(records, record)
	}
}

// Get fetches one record by its remote id.
func (c *Client) Get(ctx context.Context, t config.ItemType, id string) (json.RawMessage, error) {
	ep, err := endpointFor(t)
	if err != nil {
		return nil, errors.Trace(err)
	}
	op := "getting " + string(t) + " " + id
	var result json.RawMessage
	if err := c.getJSON(ctx, op, ep.segment+"/"+url.PathEscape(id), nil, &result); err != nil {
		return nil, errors.Trace(err)
	}
	return result, nil
}

// Create creates one record in scope and returns the assigned id.
func (c *Client) Create(ctx context.Context, t config.ItemType, scope Scope, payload json.RawMessage) (transport.IDResponse, error) {
	ep, err := endpointFor(t)
	if err != nil {
		return transport.IDResponse{}, errors.Trace(err)
	}
	query := url.Values{}
	if ep.containerScoped {
		scope.query(query)
	}
	op := "creating " + string(t)
	var result transport.IDResponse
	if err := c.mutate(ctx, op, http.MethodPost, ep.segment, query, payload, &result); err != nil {
		return transport.IDResponse{}, errors.Trace(err)
	}
	return result, nil
}

// Update replaces the record with the given id.
func (c *Client) Update(ctx context.Context, t config.ItemType, id string, payload json.RawMessage) (transport.IDResponse, error) {
	ep, err := endpointFor(t)
	if err != nil {
		return transport.IDResponse{}, errors.Trace(err)
	}
	op := "updating " + string(t) + " " + id
	var result transport.IDResponse
	if err := c.mutate(ctx, op, http.MethodPut, ep.segment+"/"+url.PathEscape(id), nil, payload, &result); err != nil {
		return transport.IDResponse{}, errors.Trace(err)
	}
	return result, nil
}

// Delete removes the record with the given id.
func (c *Client) Delete(ctx context.Context, t config.ItemType, id string) error {
	ep, err := endpointFor(t)
	if err != nil {
		return errors.Trace(err)
	}
	op := "deleting " + string(t) + " " + id
	return errors.Trace(c.mutate(ctx, op, http.MethodDelete, ep.segment+"/"+url.PathEscape(id), nil, nil, nil))
}

// ListFolders enumerates the folder hierarchy.
func (c *Client) ListFolders(ctx context.Context) ([]transport.FolderRecord, error) {
	pager := newPager(c, "folders", url.Values{})
	var result []transport.FolderRecord
	for {
		raw, err := pager.Next(ctx)
		if errors.Is(err, ErrDone) {
			return result, nil
		} else if err != nil {
			return nil, errors.Trace(err)
		}
		var record transport.FolderRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, failure.Wrap(errors.Annotate(err, "decoding folder record"), failure.Fatal)
		}
		result = append(result, record)
	}
}

// ListSnippets enumerates all snippets.
func (c *Client) ListSnippets(ctx context.Context) ([]transport.SnippetRecord, error) {
	pager := newPager(c, "snippets", url.Values{})
	var result []transport.SnippetRecord
	for {
		raw, err := pager.Next(ctx)
		if errors.Is(err, ErrDone) {
			return result, nil
		} else if err != nil {
			return nil, errors.Trace(err)
		}
		var record transport.SnippetRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, failure.Wrap(errors.Annotate(err, "decoding snippet record"), failure.Fatal)
		}
		result = append(result, record)
	}
}

// GetSnippet fetches one snippet container record by name, used when a
// selective pull names snippets directly instead of enumerating.
func (c *Client) GetSnippet(ctx context.Context, name string) (transport.SnippetRecord, error) {
	query := url.Values{}
	query.Set("name", name)
	var envelope transport.ListEnvelope
	op := "getting snippet " + name
	if err := c.getJSON(ctx, op, "snippets", query, &envelope); err != nil {
		return transport.SnippetRecord{}, errors.Trace(err)
	}
	if len(envelope.Data) == 0 {
		return transport.SnippetRecord{}, failure.Wrap(errors.NotFoundf("snippet %q", name), failure.PermanentItem)
	}
	var record transport.SnippetRecord
	if err := json.Unmarshal(envelope.Data[0], &record); err != nil {
		return transport.SnippetRecord{}, failure.Wrap(errors.Annotate(err, op), failure.PermanentItem)
	}
	return record, nil
}

// CreateFolder creates a folder container at the destination.
func (c *Client) CreateFolder(ctx context.Context, record transport.FolderRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.mutate(ctx, "creating folder "+record.Name, http.MethodPost, "folders", nil, body, nil))
}

// CreateSnippet creates a snippet container at the destination.
func (c *Client) CreateSnippet(ctx context.Context, record transport.SnippetRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.mutate(ctx, "creating snippet "+record.Name, http.MethodPost, "snippets", nil, body, nil))
}

// getJSON performs an idempotent GET with bounded retries on transient
// failures. When the attempt budget is exhausted the last transient
// error is returned; escalation to PermanentItem or Fatal is the
// orchestrator's call.
func (c *Client) getJSON(ctx context.Context, op, path string, query url.Values, result any) error {
	var retryAfter time.Duration
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return c.attempt(ctx, op, http.MethodGet, path, query, nil, result)
		},
		IsFatalError: func(err error) bool {
			return failure.Classify(err) != failure.Transient
		},
		NotifyFunc: func(err error, attempt int) {
			retryAfter = retryAfterHint(err)
			logger.Debugf("%s: attempt %d failed: %v", op, attempt, err)
		},
		BackoffFunc: func(delay time.Duration, attempt int) time.Duration {
			next := retry.DoubleDelay(delay, attempt)
			if retryAfter > next {
				next = retryAfter
			}
			if next > c.retryMaxDelay {
				next = c.retryMaxDelay
			}
			return next
		},
		Attempts: c.retryAttempts,
		Delay:    c.retryDelay,
		Clock:    c.clock,
		Stop:     ctx.Done(),
	})
	if retry.IsAttemptsExceeded(err) || retry.IsDurationExceeded(err) {
		err = retry.LastError(err)
	}
	return errors.Trace(err)
}

// mutate performs a non-idempotent call exactly once.
func (c *Client) mutate(ctx context.Context, op, method, path string, query url.Values, body []byte, result any) error {
	return errors.Trace(c.attempt(ctx, op, method, path, query, body, result))
}

// attempt performs one exchange, refreshing the bearer token once on a
// 401 before letting the Fatal classification stand.
func (c *Client) attempt(ctx context.Context, op, method, path string, query url.Values, body []byte, result any) error {
	token, err := c.tokens.get(ctx)
	if err != nil {
		return failure.Wrap(err, failure.Fatal)
	}
	err = c.exchange(ctx, op, method, path, query, body, token.Value, result)
	if !isUnauthorized(err) {
		return errors.Trace(err)
	}

	logger.Debugf("%s: token rejected, refreshing", op)
	c.tokens.invalidate(token.Value)
	token, tokenErr := c.tokens.get(ctx)
	if tokenErr != nil {
		return failure.Wrap(tokenErr, failure.Fatal)
	}
	return errors.Trace(c.exchange(ctx, op, method, path, query, body, token.Value, result))
}

// exchange performs exactly one HTTP round trip with the per-call
// timeout applied.
func (c *Client) exchange(ctx context.Context, op, method, path string, query url.Values, body []byte, token string, result any) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	u := c.baseURL + "/" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return errors.Annotate(err, op)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	c.limiter.Acquire()
	resp, err := c.requester.Do(req)
	if err != nil {
		return classifyTransportError(op, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode > http.StatusNoContent {
		data, readErr := readBodyCapped(resp.Body, errorBodyCap, op)
		if readErr != nil {
			logger.Debugf("%s: discarding unreadable error body: %v", op, readErr)
		}
		var apiErr transport.APIErrorBody
		_ = json.Unmarshal(data, &apiErr)
		message := apiErr.Combine()
		if message == "" {
			message = strings.TrimSpace(string(data))
		}
		return classifyStatus(op, resp, message)
	}

	if result == nil {
		drainAndClose(resp.Body)
		return nil
	}
	capped := newCappedBody(resp.Body, c.maxResponseSize)
	defer drainAndClose(capped)
	resp.Body = capped
	if err := httprequest.UnmarshalJSONResponse(resp, result); err != nil {
		if capped.exceeded || errors.Is(err, errResponseTooLarge) {
			return failure.Wrap(errors.Annotate(err, op), failure.Fatal)
		}
		return failure.Wrap(errors.Annotate(err, op), failure.Transient)
	}
	return nil
}
