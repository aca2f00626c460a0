// Package auth implements API key authentication and scope-based
// authorization: opaque bearer keys carrying scopes, a rate limit tier,
// an optional IP whitelist, and an optional expiry. Raw key material is
// never persisted; only its SHA-256 is stored, and authentication
// resolves the hash through a reverse index in the KV store.
package auth

import (
	"net"
	"strings"
	"time"
)

// Scope is a permission granted to an API key, written as
// "resource:action" (e.g. "jobs:create").
type Scope string

const (
	ScopeAnalysisSubmit Scope = "analysis:submit"
	ScopeAnalysisRead   Scope = "analysis:read"
	ScopeAnalysisDelete Scope = "analysis:delete"
	ScopeJobsCreate     Scope = "jobs:create"
	ScopeJobsRead       Scope = "jobs:read"
	ScopeJobsCancel     Scope = "jobs:cancel"
	ScopeJobsRetry      Scope = "jobs:retry"
	ScopeUploadCreate   Scope = "upload:create"
	ScopeProvidersRead  Scope = "providers:read"
	ScopeAdminRead      Scope = "admin:read"
	ScopeAdminWrite     Scope = "admin:write"
	ScopeKeysRead       Scope = "keys:read"
	ScopeKeysWrite      Scope = "keys:write"
)

// adminScopes require at least TierEnterprise regardless of what scopes
// are listed on the key — an operator-tier key request is denied by
// tier rather than by scope per the external interface contract ("denies
// by tier if the tier lacks the scope").
var adminScopes = map[Scope]bool{
	ScopeAdminRead:  true,
	ScopeAdminWrite: true,
	ScopeKeysRead:   true,
	ScopeKeysWrite:  true,
}

// tierRank orders tiers for the admin-scope floor check below.
var tierRank = map[string]int{
	"basic":      0,
	"standard":   1,
	"premium":    2,
	"enterprise": 3,
	"unlimited":  4,
}

// TierAllowsScope reports whether tier is permitted to exercise scope at
// all, independent of whether the key lists it. Only admin/key-management
// scopes are tier-gated; every other scope is available to any tier that
// has been granted it.
func TierAllowsScope(tier string, scope Scope) bool {
	if !adminScopes[scope] {
		return true
	}
	return tierRank[tier] >= tierRank["enterprise"]
}

// Status is the lifecycle state of an API key.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// APIKey is a persisted credential. SecretHash is the SHA-256 of the
// full raw key string; the raw key itself is never stored and is
// returned to the caller exactly once, at creation.
type APIKey struct {
	ID            string     `json:"id"`
	SecretHash    string     `json:"secret_hash"`
	DisplayPrefix string     `json:"display_prefix"`
	Name          string     `json:"name"`
	Scopes        []Scope    `json:"scopes"`
	Tier          string     `json:"tier"`
	IPWhitelist   []string   `json:"ip_whitelist,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
}

// IsExpired reports whether the key's expiry, if any, has passed as of
// now.
func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// IsRevoked reports whether the key has been explicitly revoked.
func (k *APIKey) IsRevoked() bool {
	return k.RevokedAt != nil
}

// Status derives the key's current lifecycle status.
func (k *APIKey) Status(now time.Time) Status {
	if k.IsRevoked() {
		return StatusRevoked
	}
	if k.IsExpired(now) {
		return StatusExpired
	}
	return StatusActive
}

// HasScope reports whether the key was granted scope.
func (k *APIKey) HasScope(scope Scope) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// HasAnyScope reports whether the key was granted at least one of scopes.
func (k *APIKey) HasAnyScope(scopes ...Scope) bool {
	for _, s := range scopes {
		if k.HasScope(s) {
			return true
		}
	}
	return false
}

// IsIPAllowed reports whether remoteIP may use this key. An empty
// whitelist means no IP restriction. Whitelist entries may be bare IPs
// or CIDR ranges.
func (k *APIKey) IsIPAllowed(remoteIP string) bool {
	if len(k.IPWhitelist) == 0 {
		return true
	}
	ip := net.ParseIP(strings.TrimSpace(remoteIP))
	if ip == nil {
		return false
	}
	for _, entry := range k.IPWhitelist {
		entry = strings.TrimSpace(entry)
		if !strings.Contains(entry, "/") {
			if net.ParseIP(entry).Equal(ip) {
				return true
			}
			continue
		}
		_, network, err := net.ParseCIDR(entry)
		if err == nil && network.Contains(ip) {
			return true
		}
	}
	return false
}
