// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package scmapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/juju/errors"

	"github.com/scmtools/tenantsync/core/failure"
)

// statusError carries a classified non-2xx response. The retry-after
// hint, when the server sent one, bounds the next attempt's delay.
type statusError struct {
	op         string
	statusCode int
	message    string
	retryAfter time.Duration
	class      failure.Class
}

// Error implements error.
func (e *statusError) Error() string {
	if e.message != "" {
		return fmt.Sprintf("%s: server returned %d: %s", e.op, e.statusCode, e.message)
	}
	return fmt.Sprintf("%s: server returned %d", e.op, e.statusCode)
}

// Is lets errors.Is match the failure-class sentinels.
func (e *statusError) Is(target error) bool {
	switch e.class {
	case failure.Transient:
		return target == failure.ErrTransient
	case failure.PermanentItem:
		return target == failure.ErrPermanentItem
	case failure.Fatal:
		return target == failure.ErrFatal
	}
	return false
}

// classifyStatus buckets a non-2xx response per the taxonomy:
// 429 and 5xx are Transient, authentication and authorization
// failures are Fatal, every other 4xx is scoped to the item.
func classifyStatus(op string, resp *http.Response, message string) error {
	err := &statusError{
		op:         op,
		statusCode: resp.StatusCode,
		message:    message,
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		err.class = failure.Fatal
	case resp.StatusCode == http.StatusTooManyRequests:
		err.class = failure.Transient
		err.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 500:
		err.class = failure.Transient
	default:
		err.class = failure.PermanentItem
	}
	return err
}

// classifyTransportError buckets request-level failures. Cancellation
// passes through unclassified so callers can tell a cancelled run from
// a failed one.
func classifyTransportError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return errors.Trace(err)
	}
	return failure.Wrap(errors.Annotate(err, op), failure.Transient)
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// isUnauthorized reports whether err is a 401 from the server, which
// triggers a one-shot token refresh before the Fatal verdict stands.
func isUnauthorized(err error) bool {
	var statusErr *statusError
	if errors.As(err, &statusErr) {
		return statusErr.statusCode == http.StatusUnauthorized
	}
	return false
}

func retryAfterHint(err error) time.Duration {
	var statusErr *statusError
	if errors.As(err, &statusErr) {
		return statusErr.retryAfter
	}
	return 0
}
