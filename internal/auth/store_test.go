package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/Onegaishimas/bin2nlp/internal/kvstore"
	"github.com/Onegaishimas/bin2nlp/types"
)

func newTestAuthStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewStore(kvstore.NewWithClient(client, nil), "b2n_")
}

func TestStore_CreateAndAuthenticate(t *testing.T) {
	s := newTestAuthStore(t)
	ctx := context.Background()

	key, raw, err := s.Create(ctx, CreateParams{
		Name:   "CI key",
		Scopes: []Scope{ScopeJobsCreate, ScopeJobsRead},
		Tier:   "standard",
	})
	require.NoError(t, err)
	require.True(t, len(raw) > len("b2n_"))
	require.NotEmpty(t, key.SecretHash)

	authed, err := s.Authenticate(ctx, raw, "203.0.113.9")
	require.NoError(t, err)
	require.Equal(t, key.ID, authed.ID)
	require.NotNil(t, authed.LastUsedAt)

	_, err = s.Authenticate(ctx, "not-a-real-key", "203.0.113.9")
	require.Error(t, err)
	terr, ok := types.AsError(err)
	require.True(t, ok)
	require.Equal(t, types.ErrAuthentication, terr.Code)
}

func TestStore_AuthenticateRejectsRevokedAndExpired(t *testing.T) {
	s := newTestAuthStore(t)
	ctx := context.Background()

	revoked, rawRevoked, err := s.Create(ctx, CreateParams{Name: "to revoke", Scopes: []Scope{ScopeJobsRead}})
	require.NoError(t, err)
	require.NoError(t, s.Revoke(ctx, revoked.ID))
	_, err = s.Authenticate(ctx, rawRevoked, "10.0.0.1")
	require.Error(t, err)

	past := time.Now().Add(-time.Hour)
	_, rawExpired, err := s.Create(ctx, CreateParams{Name: "expired", Scopes: []Scope{ScopeJobsRead}, ExpiresAt: &past})
	require.NoError(t, err)
	_, err = s.Authenticate(ctx, rawExpired, "10.0.0.1")
	require.Error(t, err)
}

func TestStore_AuthenticateEnforcesIPWhitelist(t *testing.T) {
	s := newTestAuthStore(t)
	ctx := context.Background()

	_, raw, err := s.Create(ctx, CreateParams{
		Name:        "ip restricted",
		Scopes:      []Scope{ScopeJobsRead},
		IPWhitelist: []string{"192.168.1.0/24"},
	})
	require.NoError(t, err)

	_, err = s.Authenticate(ctx, raw, "192.168.1.42")
	require.NoError(t, err)

	_, err = s.Authenticate(ctx, raw, "203.0.113.9")
	require.Error(t, err)
}

func TestStore_RevokeIsIdempotent(t *testing.T) {
	s := newTestAuthStore(t)
	ctx := context.Background()

	key, _, err := s.Create(ctx, CreateParams{Name: "x", Scopes: []Scope{ScopeJobsRead}})
	require.NoError(t, err)

	require.NoError(t, s.Revoke(ctx, key.ID))
	require.NoError(t, s.Revoke(ctx, key.ID))

	fetched, err := s.Get(ctx, key.ID)
	require.NoError(t, err)
	require.True(t, fetched.IsRevoked())
}

func TestStore_ListReturnsAllKeys(t *testing.T) {
	s := newTestAuthStore(t)
	ctx := context.Background()

	_, _, err := s.Create(ctx, CreateParams{Name: "one", Scopes: []Scope{ScopeJobsRead}})
	require.NoError(t, err)
	_, _, err = s.Create(ctx, CreateParams{Name: "two", Scopes: []Scope{ScopeJobsRead}})
	require.NoError(t, err)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestAuthorize_DeniesMissingScopeAndTierGatedScope(t *testing.T) {
	reader := &APIKey{Scopes: []Scope{ScopeJobsRead}, Tier: "standard"}
	require.NoError(t, Authorize(reader, ScopeJobsRead))

	err := Authorize(reader, ScopeJobsCreate)
	require.Error(t, err)
	terr, ok := types.AsError(err)
	require.True(t, ok)
	require.Equal(t, types.ErrAuthorization, terr.Code)

	standardAdmin := &APIKey{Scopes: []Scope{ScopeAdminRead}, Tier: "standard"}
	require.Error(t, Authorize(standardAdmin, ScopeAdminRead), "admin scope requires enterprise+ tier even if granted")

	enterpriseAdmin := &APIKey{Scopes: []Scope{ScopeAdminRead}, Tier: "enterprise"}
	require.NoError(t, Authorize(enterpriseAdmin, ScopeAdminRead))
}

func TestAPIKey_IsIPAllowedWithBareIPAndCIDR(t *testing.T) {
	k := &APIKey{IPWhitelist: []string{"10.1.2.3", "192.168.0.0/16"}}
	require.True(t, k.IsIPAllowed("10.1.2.3"))
	require.True(t, k.IsIPAllowed("192.168.5.6"))
	require.False(t, k.IsIPAllowed("8.8.8.8"))

	unrestricted := &APIKey{}
	require.True(t, unrestricted.IsIPAllowed("anything"))
}
