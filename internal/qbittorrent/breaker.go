// Copyright (c) 2025, the mikanarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Consecutive login rejections before a credential set is locked out.
const credentialFailureThreshold = 2

// BreakerRegistry tracks two independent failure domains: credential
// sets that the remote client keeps rejecting, and endpoints that are
// unreachable at the transport level. Both fail fast during their
// window so a polling loop cannot hammer a dead or lockout-prone
// target.
type BreakerRegistry struct {
	mu          sync.Mutex
	credentials map[string]*credentialState
	endpoints   map[string]*endpointState

	credentialCooldown time.Duration
	endpointSuspend    time.Duration

	now func() time.Time
}

type credentialState struct {
	failures     int
	blockedUntil time.Time
}

type endpointState struct {
	reason         string
	suspendedUntil time.Time
}

// BreakerConfig carries the tunable windows. Zero values select the
// defaults: 30 minutes credential cooldown, and an endpoint suspend of
// max(30s, requestTimeout).
type BreakerConfig struct {
	CredentialCooldown time.Duration
	EndpointSuspend    time.Duration
	RequestTimeout     time.Duration
}

func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	cooldown := cfg.CredentialCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Minute
	}

	suspend := cfg.EndpointSuspend
	if suspend <= 0 {
		suspend = 30 * time.Second
		if cfg.RequestTimeout > suspend {
			suspend = cfg.RequestTimeout
		}
	}

	return &BreakerRegistry{
		credentials:        make(map[string]*credentialState),
		endpoints:          make(map[string]*endpointState),
		credentialCooldown: cooldown,
		endpointSuspend:    suspend,
		now:                time.Now,
	}
}

// CredentialKey derives the lockout key from the full connection
// identity. Changing any of endpoint, username or password starts a
// fresh failure count.
func CredentialKey(endpoint, username, password string) string {
	h := fnv.New64a()
	h.Write([]byte(endpoint))
	h.Write([]byte{0})
	h.Write([]byte(username))
	h.Write([]byte{0})
	h.Write([]byte(password))
	return strconv.FormatUint(h.Sum64(), 16)
}

// AllowCredential reports whether a login attempt may touch the
// network. Inside the lockout window it returns CredentialLockedError
// without any side effect.
func (b *BreakerRegistry) AllowCredential(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.credentials[key]
	if !ok {
		return nil
	}
	if remaining := state.blockedUntil.Sub(b.now()); remaining > 0 {
		return &CredentialLockedError{RetryAfter: remaining}
	}
	return nil
}

// RecordLoginFailure counts a credential rejection. Reaching the
// threshold starts the lockout window.
func (b *BreakerRegistry) RecordLoginFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.credentials[key]
	if !ok {
		state = &credentialState{}
		b.credentials[key] = state
	}

	state.failures++
	if state.failures >= credentialFailureThreshold {
		state.blockedUntil = b.now().Add(b.credentialCooldown)
		log.Warn().
			Int("failures", state.failures).
			Dur("cooldown", b.credentialCooldown).
			Msg("Credentials locked out after repeated login rejections")
	}
}

// RecordLoginSuccess clears any accumulated failure state for the key.
func (b *BreakerRegistry) RecordLoginSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.credentials, key)
}

// AllowEndpoint reports whether the endpoint may be contacted. Inside
// the suspend window it returns EndpointSuspendedError without any
// side effect.
func (b *BreakerRegistry) AllowEndpoint(endpoint string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.endpoints[endpoint]
	if !ok {
		return nil
	}
	if remaining := state.suspendedUntil.Sub(b.now()); remaining > 0 {
		return &EndpointSuspendedError{
			Endpoint:   endpoint,
			Reason:     state.reason,
			RetryAfter: remaining,
		}
	}
	return nil
}

// SuspendEndpoint starts (or restarts) the suspend window after a
// transport-level failure.
func (b *BreakerRegistry) SuspendEndpoint(endpoint, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.endpoints[endpoint] = &endpointState{
		reason:         reason,
		suspendedUntil: b.now().Add(b.endpointSuspend),
	}
	log.Warn().
		Str("endpoint", endpoint).
		Str("reason", reason).
		Dur("suspend", b.endpointSuspend).
		Msg("Endpoint suspended after network failure")
}

// ClearEndpoint removes suspension state after a successful request.
func (b *BreakerRegistry) ClearEndpoint(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.endpoints, endpoint)
}
