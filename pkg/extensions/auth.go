// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
)

// ErrUnauthorized is returned when authentication fails.
//
// Implementations should wrap this error for consistent handling:
//
//	return nil, fmt.Errorf("token expired: %w", extensions.ErrUnauthorized)
var ErrUnauthorized = errors.New("unauthorized")

// ErrForbidden is returned when an authenticated user may not perform an
// action.
var ErrForbidden = errors.New("forbidden")

// Roles understood by RoleAuthzProvider.
const (
	// RoleViewer may read status, metrics and the stream.
	RoleViewer = "viewer"

	// RoleOperator may also pause, resume, reset and stop the engine.
	RoleOperator = "operator"
)

// AuthInfo is the identity behind a request.
type AuthInfo struct {
	// UserID is the unique identifier for the caller. Never empty.
	UserID string

	// Roles contains the caller's role memberships.
	Roles []string
}

// HasRole checks if the user has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// AuthProvider validates authentication tokens and returns the caller.
type AuthProvider interface {
	// Validate returns the identity behind token, or an error wrapping
	// ErrUnauthorized. The token is the bearer value without its scheme
	// and may be empty.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// AuthzRequest describes an authorization check.
type AuthzRequest struct {
	// User comes from AuthProvider.Validate.
	User *AuthInfo

	// Action is the operation, e.g. "status", "pause", "stop".
	Action string

	// Mutating is true for actions that change the engine.
	Mutating bool
}

// AuthzProvider decides whether a user may perform an action.
type AuthzProvider interface {
	// Authorize returns nil if allowed, or an error wrapping ErrForbidden.
	Authorize(ctx context.Context, req AuthzRequest) error
}

// -----------------------------------------------------------------------------
// No-op implementations
// -----------------------------------------------------------------------------

// NopAuthProvider always returns the local operator.
//
// The token is ignored. This is for local single-user deployments.
type NopAuthProvider struct{}

// Validate always succeeds.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Roles:  []string{RoleOperator},
	}, nil
}

// NopAuthzProvider allows every action.
type NopAuthzProvider struct{}

// Authorize always returns nil.
func (p *NopAuthzProvider) Authorize(_ context.Context, _ AuthzRequest) error {
	return nil
}

// -----------------------------------------------------------------------------
// Token and role implementations
// -----------------------------------------------------------------------------

// TokenAuthProvider maps static bearer tokens to identities.
//
// Tokens are compared in constant time. The map is copied at construction
// and never modified, so Validate needs no locking.
type TokenAuthProvider struct {
	tokens []tokenEntry
}

type tokenEntry struct {
	token []byte
	info  AuthInfo
}

// NewTokenAuthProvider creates a provider from token to identity. Empty
// tokens are skipped.
func NewTokenAuthProvider(tokens map[string]AuthInfo) *TokenAuthProvider {
	p := &TokenAuthProvider{}
	for tok, info := range tokens {
		if tok == "" {
			continue
		}
		p.tokens = append(p.tokens, tokenEntry{token: []byte(tok), info: info})
	}
	return p
}

// Validate returns the identity registered for token.
func (p *TokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing bearer token: %w", ErrUnauthorized)
	}
	var found *AuthInfo
	for i := range p.tokens {
		// Every entry is compared so timing does not reveal the match.
		if subtle.ConstantTimeCompare(p.tokens[i].token, []byte(token)) == 1 {
			info := p.tokens[i].info
			info.Roles = slices.Clone(info.Roles)
			found = &info
		}
	}
	if found == nil {
		return nil, fmt.Errorf("unknown token: %w", ErrUnauthorized)
	}
	return found, nil
}

// RoleAuthzProvider lets viewers read and operators do everything.
type RoleAuthzProvider struct{}

// NewRoleAuthzProvider creates the role-based provider.
func NewRoleAuthzProvider() *RoleAuthzProvider { return &RoleAuthzProvider{} }

// Authorize checks the caller's roles against the action.
func (p *RoleAuthzProvider) Authorize(_ context.Context, req AuthzRequest) error {
	if req.User == nil {
		return fmt.Errorf("%s: no user: %w", req.Action, ErrForbidden)
	}
	if req.User.HasRole(RoleOperator) {
		return nil
	}
	if !req.Mutating && req.User.HasRole(RoleViewer) {
		return nil
	}
	return fmt.Errorf("user %s cannot %s: %w", req.User.UserID, req.Action, ErrForbidden)
}

// Compile-time interface compliance checks.
var (
	_ AuthProvider  = (*NopAuthProvider)(nil)
	_ AuthzProvider = (*NopAuthzProvider)(nil)
	_ AuthProvider  = (*TokenAuthProvider)(nil)
	_ AuthzProvider = (*RoleAuthzProvider)(nil)
)
