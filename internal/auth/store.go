package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Onegaishimas/bin2nlp/internal/kvstore"
	"github.com/Onegaishimas/bin2nlp/types"
)

const (
	keyNS      = "auth:key:"
	hashNS     = "auth:hash:"
	allKeysKey = "auth:keys:all"
)

func dataKey(id string) string   { return keyNS + id }
func hashKey(hash string) string { return hashNS + hash }

// CreateParams describes a new key request.
type CreateParams struct {
	Name        string
	Scopes      []Scope
	Tier        string
	IPWhitelist []string
	ExpiresAt   *time.Time
}

// Store is the KV-backed persistence layer for APIKey, grounded on the
// same Hash/Set indexing idiom internal/jobs.Store uses: one JSON blob
// per key plus a reverse index (raw-key hash -> id) for O(1)
// authentication lookups.
type Store struct {
	kv     kvstore.Store
	prefix string
}

// NewStore builds a Store. prefix is the display/identification prefix
// prepended to every generated raw key (spec: "keys are opaque strings
// with a short prefix suitable for identification-by-prefix in logs"),
// e.g. "b2n_".
func NewStore(kv kvstore.Store, prefix string) *Store {
	if prefix == "" {
		prefix = "key_"
	}
	return &Store{kv: kv, prefix: prefix}
}

// Create mints a new key, persists it, and returns both the record and
// the one-time raw secret the caller must relay to the key owner. The
// raw secret is never persisted; only its SHA-256 hash is.
func (s *Store) Create(ctx context.Context, params CreateParams) (*APIKey, string, error) {
	raw, err := s.generateRawKey()
	if err != nil {
		return nil, "", fmt.Errorf("auth: generate key: %w", err)
	}
	hash := hashRawKey(raw)

	displayPrefix := raw
	if len(displayPrefix) > 12 {
		displayPrefix = displayPrefix[:12]
	}

	key := &APIKey{
		ID:            uuid.New().String(),
		SecretHash:    hash,
		DisplayPrefix: displayPrefix,
		Name:          params.Name,
		Scopes:        params.Scopes,
		Tier:          params.Tier,
		IPWhitelist:   params.IPWhitelist,
		CreatedAt:     time.Now(),
		ExpiresAt:     params.ExpiresAt,
	}
	if key.Tier == "" {
		key.Tier = "standard"
	}

	if err := s.persist(ctx, key); err != nil {
		return nil, "", err
	}
	if err := s.kv.Set(ctx, hashKey(hash), key.ID, 0); err != nil {
		return nil, "", fmt.Errorf("auth: index hash: %w", err)
	}
	if err := s.kv.SAdd(ctx, allKeysKey, key.ID); err != nil {
		return nil, "", fmt.Errorf("auth: index all: %w", err)
	}
	return key, raw, nil
}

func (s *Store) persist(ctx context.Context, key *APIKey) error {
	data, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("auth: marshal: %w", err)
	}
	if err := s.kv.Set(ctx, dataKey(key.ID), string(data), 0); err != nil {
		return fmt.Errorf("auth: persist: %w", err)
	}
	return nil
}

// Get retrieves a key by id.
func (s *Store) Get(ctx context.Context, id string) (*APIKey, error) {
	raw, ok, err := s.kv.Get(ctx, dataKey(id))
	if err != nil {
		return nil, fmt.Errorf("auth: get: %w", err)
	}
	if !ok {
		return nil, ErrKeyNotFound
	}
	var key APIKey
	if err := json.Unmarshal([]byte(raw), &key); err != nil {
		return nil, fmt.Errorf("auth: unmarshal: %w", err)
	}
	return &key, nil
}

// Authenticate resolves rawKey to its APIKey record, failing with a
// types.Error carrying ErrAuthentication for any invalid, revoked,
// expired, or IP-disallowed key so the HTTP layer can surface a uniform
// 401 without leaking which condition failed.
func (s *Store) Authenticate(ctx context.Context, rawKey string, remoteIP string) (*APIKey, error) {
	hash := hashRawKey(rawKey)
	id, ok, err := s.kv.Get(ctx, hashKey(hash))
	if err != nil {
		return nil, fmt.Errorf("auth: lookup: %w", err)
	}
	if !ok {
		return nil, authError("invalid API key")
	}
	key, err := s.Get(ctx, id)
	if err != nil {
		return nil, authError("invalid API key")
	}
	now := time.Now()
	if key.Status(now) != StatusActive {
		return nil, authError("API key is " + string(key.Status(now)))
	}
	if !key.IsIPAllowed(remoteIP) {
		return nil, authError("request origin not permitted for this API key")
	}

	key.LastUsedAt = &now
	_ = s.persist(ctx, key) // best-effort; auth must not fail on a bookkeeping write

	return key, nil
}

func authError(message string) error {
	return types.NewError(types.ErrAuthentication, message)
}

// Revoke marks a key revoked. The reverse hash index is left in place
// so future authentication attempts still resolve to the (now inactive)
// record rather than falling through to "not found".
func (s *Store) Revoke(ctx context.Context, id string) error {
	key, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if key.IsRevoked() {
		return nil
	}
	now := time.Now()
	key.RevokedAt = &now
	return s.persist(ctx, key)
}

// List returns every key on file, for key-management endpoints.
func (s *Store) List(ctx context.Context) ([]*APIKey, error) {
	ids, err := s.kv.SMembers(ctx, allKeysKey)
	if err != nil {
		return nil, fmt.Errorf("auth: list: %w", err)
	}
	out := make([]*APIKey, 0, len(ids))
	for _, id := range ids {
		key, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, key)
	}
	return out, nil
}

func (s *Store) generateRawKey() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return s.prefix + hex.EncodeToString(buf), nil
}

func hashRawKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
