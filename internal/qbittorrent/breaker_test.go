// Copyright (c) 2025, the mikanarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"errors"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(cfg BreakerConfig) (*BreakerRegistry, *time.Time) {
	registry := NewBreakerRegistry(cfg)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	registry.now = func() time.Time { return now }
	return registry, &now
}

func TestBreakerRegistry_CredentialLockout(t *testing.T) {
	registry, now := newTestRegistry(BreakerConfig{CredentialCooldown: 10 * time.Minute})
	key := CredentialKey("http://localhost:8080", "admin", "hunter2")

	require.NoError(t, registry.AllowCredential(key))

	registry.RecordLoginFailure(key)
	assert.NoError(t, registry.AllowCredential(key), "one failure must not lock out")

	registry.RecordLoginFailure(key)
	err := registry.AllowCredential(key)
	require.Error(t, err)

	var locked *CredentialLockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, 10*time.Minute, locked.RetryAfter)

	*now = now.Add(10*time.Minute + time.Second)
	assert.NoError(t, registry.AllowCredential(key), "lockout must expire with the window")
}

func TestBreakerRegistry_CredentialSuccessResetsFailures(t *testing.T) {
	registry, _ := newTestRegistry(BreakerConfig{})
	key := CredentialKey("http://localhost:8080", "admin", "hunter2")

	registry.RecordLoginFailure(key)
	registry.RecordLoginSuccess(key)
	registry.RecordLoginFailure(key)

	assert.NoError(t, registry.AllowCredential(key), "success must reset the failure count")
}

func TestBreakerRegistry_CredentialKeyIdentity(t *testing.T) {
	base := CredentialKey("http://localhost:8080", "admin", "hunter2")

	assert.Equal(t, base, CredentialKey("http://localhost:8080", "admin", "hunter2"))
	assert.NotEqual(t, base, CredentialKey("http://localhost:8080", "admin", "other"))
	assert.NotEqual(t, base, CredentialKey("http://localhost:8080", "other", "hunter2"))
	assert.NotEqual(t, base, CredentialKey("http://other:8080", "admin", "hunter2"))
}

func TestBreakerRegistry_EndpointSuspend(t *testing.T) {
	registry, now := newTestRegistry(BreakerConfig{EndpointSuspend: time.Minute})
	endpoint := "http://localhost:8080"

	require.NoError(t, registry.AllowEndpoint(endpoint))

	registry.SuspendEndpoint(endpoint, "connection refused")

	err := registry.AllowEndpoint(endpoint)
	require.Error(t, err)

	var suspended *EndpointSuspendedError
	require.ErrorAs(t, err, &suspended)
	assert.Equal(t, endpoint, suspended.Endpoint)
	assert.Equal(t, "connection refused", suspended.Reason)
	assert.Equal(t, time.Minute, suspended.RetryAfter)

	*now = now.Add(time.Minute + time.Second)
	assert.NoError(t, registry.AllowEndpoint(endpoint), "suspension must expire with the window")
}

func TestBreakerRegistry_EndpointClear(t *testing.T) {
	registry, _ := newTestRegistry(BreakerConfig{EndpointSuspend: time.Minute})
	endpoint := "http://localhost:8080"

	registry.SuspendEndpoint(endpoint, "timeout")
	registry.ClearEndpoint(endpoint)

	assert.NoError(t, registry.AllowEndpoint(endpoint))
}

func TestNewBreakerRegistry_Defaults(t *testing.T) {
	tests := []struct {
		name        string
		cfg         BreakerConfig
		wantSuspend time.Duration
	}{
		{
			name:        "explicit window wins",
			cfg:         BreakerConfig{EndpointSuspend: 2 * time.Minute, RequestTimeout: 10 * time.Minute},
			wantSuspend: 2 * time.Minute,
		},
		{
			name:        "floor of 30s with a short timeout",
			cfg:         BreakerConfig{RequestTimeout: 5 * time.Second},
			wantSuspend: 30 * time.Second,
		},
		{
			name:        "long timeout raises the default",
			cfg:         BreakerConfig{RequestTimeout: 2 * time.Minute},
			wantSuspend: 2 * time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewBreakerRegistry(tt.cfg)
			assert.Equal(t, tt.wantSuspend, registry.endpointSuspend)
		})
	}
}

func TestIsNetworkError(t *testing.T) {
	assert.False(t, isNetworkError(nil))
	assert.False(t, isNetworkError(errors.New("parse failure")))
	assert.False(t, isNetworkError(context.Canceled), "cancellation is not an endpoint failure")
	assert.True(t, isNetworkError(context.DeadlineExceeded), "a timeout counts as an endpoint failure")
	assert.True(t, isNetworkError(&net.OpError{Op: "dial", Err: errors.New("connection refused")}))
	assert.True(t, isNetworkError(&url.Error{Op: "Post", URL: "http://localhost", Err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}}))
}
