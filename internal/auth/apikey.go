package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/conversa/pkg/models"
)

var (
	// ErrKeyNotFound indicates no key matches the given prefix.
	ErrKeyNotFound = errors.New("api key not found")
	// ErrKeyExpired indicates the key matched but its ExpiresAt has passed.
	ErrKeyExpired = errors.New("api key expired")
	// ErrKeyRevoked indicates the key was issued but later revoked.
	ErrKeyRevoked = errors.New("api key revoked")
	// ErrScopeDenied indicates the key is valid but lacks a required scope.
	ErrScopeDenied = errors.New("api key missing required scope")
)

// keyPrefixLen is the number of characters of the raw secret that are
// stored in the clear for lookup, matching models.APIKey.Prefix's doc
// comment ("first 8 chars for identification").
const keyPrefixLen = 8

// apiKeyRecord is the durable representation of an issued key: the public
// metadata in models.APIKey plus the salted hash needed to verify a
// presented secret without ever storing it in the clear.
type apiKeyRecord struct {
	key     models.APIKey
	hash    string // hex sha256 of the full secret
	revoked bool
}

// APIKeyService issues and validates long-lived, prefix-indexed API keys
// (the `X-API-Key` header path), distinct from Service's static
// config-file key list: keys here are generated at runtime, individually
// revocable, scoped, and tracked for last use.
type APIKeyService struct {
	mu      sync.RWMutex
	byID    map[string]*apiKeyRecord
	byUser  map[string][]string // userID -> key IDs
	nowFunc func() time.Time
}

// NewAPIKeyService constructs an empty APIKeyService.
func NewAPIKeyService() *APIKeyService {
	return &APIKeyService{
		byID:    make(map[string]*apiKeyRecord),
		byUser:  make(map[string][]string),
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the service's clock, for deterministic tests.
func (s *APIKeyService) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		fn = time.Now
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = fn
}

// Issue generates a new random secret for userID, stores its metadata and
// salted hash, and returns the models.APIKey record alongside the one-time
// plaintext secret (which the caller must hand to the user now — it is
// never retrievable again).
func (s *APIKeyService) Issue(userID, name string, scopes []string, ttl time.Duration) (*models.APIKey, string, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, "", errors.New("user id required")
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, "", err
	}

	now := s.now()
	rec := models.APIKey{
		ID:        newKeyID(secret),
		UserID:    userID,
		Name:      strings.TrimSpace(name),
		Prefix:    secret[:keyPrefixLen],
		Scopes:    append([]string(nil), scopes...),
		CreatedAt: now,
	}
	if ttl > 0 {
		rec.ExpiresAt = now.Add(ttl)
	}

	s.mu.Lock()
	s.byID[rec.ID] = &apiKeyRecord{key: rec, hash: hashSecret(secret)}
	s.byUser[userID] = append(s.byUser[userID], rec.ID)
	s.mu.Unlock()

	return &rec, secret, nil
}

// Validate looks up the presented secret by its prefix, verifies the full
// secret against the stored hash in constant time, and returns the
// matching key's metadata. It also updates LastUsedAt.
func (s *APIKeyService) Validate(secret string) (*models.APIKey, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < keyPrefixLen {
		return nil, ErrKeyNotFound
	}
	prefix := secret[:keyPrefixLen]
	want := hashSecret(secret)

	s.mu.RLock()
	var matched *apiKeyRecord
	for _, rec := range s.byID {
		if rec.key.Prefix != prefix {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(rec.hash), []byte(want)) == 1 {
			matched = rec
			break
		}
	}
	s.mu.RUnlock()

	if matched == nil {
		return nil, ErrKeyNotFound
	}
	if matched.revoked {
		return nil, ErrKeyRevoked
	}
	now := s.now()
	if !matched.key.ExpiresAt.IsZero() && now.After(matched.key.ExpiresAt) {
		return nil, ErrKeyExpired
	}

	s.mu.Lock()
	matched.key.LastUsedAt = now
	result := matched.key
	s.mu.Unlock()

	return &result, nil
}

// RequireScope validates secret and additionally requires it carry scope
// (or no scopes at all, which is treated as unrestricted).
func (s *APIKeyService) RequireScope(secret, scope string) (*models.APIKey, error) {
	key, err := s.Validate(secret)
	if err != nil {
		return nil, err
	}
	if len(key.Scopes) == 0 {
		return key, nil
	}
	for _, sc := range key.Scopes {
		if sc == scope {
			return key, nil
		}
	}
	return nil, ErrScopeDenied
}

// Revoke disables a key by ID. Revoking an unknown ID is a no-op.
func (s *APIKeyService) Revoke(keyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.byID[keyID]; ok {
		rec.revoked = true
	}
}

// ListForUser returns the metadata (not secrets) of every key issued to
// userID, revoked or not.
func (s *APIKeyService) ListForUser(userID string) []models.APIKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byUser[userID]
	out := make([]models.APIKey, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.byID[id]; ok {
			out = append(out, rec.key)
		}
	}
	return out
}

func (s *APIKeyService) now() time.Time {
	s.mu.RLock()
	fn := s.nowFunc
	s.mu.RUnlock()
	if fn == nil {
		return time.Now()
	}
	return fn()
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func newKeyID(secret string) string {
	sum := sha256.Sum256([]byte("id:" + secret))
	return "key_" + hex.EncodeToString(sum[:8])
}

func generateSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "sk_" + base64.RawURLEncoding.EncodeToString(buf), nil
}
