// Copyright (c) 2025, the mikanarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"
)

// EndpointSuspendedError is the fail-fast signal while an endpoint sits
// inside its suspend window. Callers should treat it as "service
// unavailable, retry after RetryAfter" rather than a generic failure.
type EndpointSuspendedError struct {
	Endpoint   string
	Reason     string
	RetryAfter time.Duration
}

func (e *EndpointSuspendedError) Error() string {
	return fmt.Sprintf("endpoint %s suspended (%s), retry after %s", e.Endpoint, e.Reason, e.RetryAfter.Round(time.Second))
}

func (e *EndpointSuspendedError) Is(target error) bool {
	_, ok := target.(*EndpointSuspendedError)
	return ok
}

// CredentialLockedError rejects login attempts for a credential that
// failed repeatedly, without any network call.
type CredentialLockedError struct {
	RetryAfter time.Duration
}

func (e *CredentialLockedError) Error() string {
	return fmt.Sprintf("credentials locked out after repeated login failures, retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *CredentialLockedError) Is(target error) bool {
	_, ok := target.(*CredentialLockedError)
	return ok
}

// LoginError means the client rejected the credentials themselves.
type LoginError struct {
	Endpoint string
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("login to %s rejected", e.Endpoint)
}

func (e *LoginError) Is(target error) bool {
	_, ok := target.(*LoginError)
	return ok
}

// isNetworkError classifies transport-level failures that should trip
// the endpoint breaker. Plain cancellation is neither success nor
// failure and must not mutate breaker state; a timeout is
// indistinguishable from a dead endpoint and does.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Timeout() || isNetworkError(urlErr.Err)
	}

	return false
}
