// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package scmapi

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"

	"github.com/juju/errors"

	"github.com/scmtools/tenantsync/core/failure"
)

// Transport defines a type for making the actual request.
type Transport interface {
	// Do performs the *http.Request and returns a *http.Response or an
	// error if it fails to construct the transport.
	Do(*http.Request) (*http.Response, error)
}

// DefaultTransport returns the stock HTTP transport.
func DefaultTransport() Transport {
	return &http.Client{}
}

// apiRequester wraps a transport with trace logging of the raw
// request/response exchange.
type apiRequester struct {
	transport Transport
}

func (r *apiRequester) Do(req *http.Request) (*http.Response, error) {
	if logger.IsTraceEnabled() {
		if data, err := httputil.DumpRequestOut(req, true); err == nil {
			logger.Tracef("%s request %s", req.Method, data)
		}
	}
	resp, err := r.transport.Do(req)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if logger.IsTraceEnabled() {
		if data, err := httputil.DumpResponse(resp, false); err == nil {
			logger.Tracef("%s response %s", req.Method, data)
		}
	}
	return resp, nil
}

// errResponseTooLarge marks a response that blew the configured size
// cap. It is Fatal: the cap exists to protect the process, and a
// retried request would hit it again.
const errResponseTooLarge = errors.ConstError("response exceeds configured size cap")

// cappedBody bounds how much of a response body will be read. One byte
// of headroom distinguishes "exactly at the cap" from "over it".
type cappedBody struct {
	body      io.ReadCloser
	remaining int64
	exceeded  bool
}

func newCappedBody(body io.ReadCloser, limit int64) *cappedBody {
	return &cappedBody{body: body, remaining: limit + 1}
}

// Read implements io.Reader.
func (b *cappedBody) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		b.exceeded = true
		return 0, failure.Wrap(errResponseTooLarge, failure.Fatal)
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.body.Read(p)
	b.remaining -= int64(n)
	if b.remaining <= 0 && err == nil {
		b.exceeded = true
		return n, failure.Wrap(errResponseTooLarge, failure.Fatal)
	}
	return n, err
}

// Close implements io.Closer.
func (b *cappedBody) Close() error {
	return b.body.Close()
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

// readBodyCapped reads at most limit bytes of body, failing Fatal when
// the cap is exceeded.
func readBodyCapped(body io.ReadCloser, limit int64, op string) ([]byte, error) {
	defer drainAndClose(body)
	data, err := io.ReadAll(newCappedBody(body, limit))
	if err != nil {
		return nil, errors.Annotate(err, fmt.Sprintf("%s: reading response", op))
	}
	return data, nil
}
