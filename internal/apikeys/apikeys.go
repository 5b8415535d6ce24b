// Package apikeys is the API key registry: issuance, hashed-at-rest
// lookup and revocation.
package apikeys

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/audrey/textai-server/internal/store"
)

var (
	ErrInvalidKey  = errors.New("invalid API key")
	ErrExpiredKey  = errors.New("API key has expired")
	ErrKeyNotFound = errors.New("API key not found")
)

const (
	// KeyPrefix marks every issued secret.
	KeyPrefix = "sk_"

	// keyLength is the random payload size in bytes (32 bytes = 256 bits)
	keyLength = 32
)

// Key is the persisted record for one issued key. Only the hash of the
// secret is stored; the plaintext is returned exactly once at issue time.
type Key struct {
	ID            string     `json:"id"`
	KeyHash       string     `json:"key_hash"`
	OwnerUsername string     `json:"owner_username"`
	CreatedAt     time.Time  `json:"created_at"`
	Revoked       bool       `json:"revoked"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

const storeID = "api_keys"

// Generate produces a new random API key secret.
func Generate() (string, error) {
	buf := make([]byte, keyLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return KeyPrefix + base64.URLEncoding.EncodeToString(buf), nil
}

// Hash returns the SHA-256 digest of a key, hex encoded, for storage
// and lookup.
func Hash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ValidFormat checks if a key has the expected shape.
func ValidFormat(key string) bool {
	if len(key) <= len(KeyPrefix) {
		return false
	}
	return key[:len(KeyPrefix)] == KeyPrefix
}

// Redact shortens a key for log output. The full plaintext must never
// be logged or echoed.
func Redact(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:8] + "..."
}

// Registry manages key lifecycle against the "api_keys" store, a
// key-hash -> record map.
type Registry struct {
	store store.Store

	// retention stamps a default expiry on new keys; 0 means keys
	// never expire.
	retention time.Duration
}

// NewRegistry creates the registry. retentionDays sets the default
// validity window for issued keys (0 disables expiry).
func NewRegistry(s store.Store, retentionDays int) *Registry {
	return &Registry{
		store:     s,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}
}

func decode(snapshot []byte) (map[string]Key, error) {
	keys := make(map[string]Key)
	if len(snapshot) == 0 {
		return keys, nil
	}
	if err := json.Unmarshal(snapshot, &keys); err != nil {
		return nil, fmt.Errorf("failed to decode api_keys store: %w", err)
	}
	return keys, nil
}

// Issue creates a key for owner and returns the plaintext secret once,
// along with the persisted record.
func (r *Registry) Issue(ctx context.Context, owner string) (string, *Key, error) {
	plaintext, err := Generate()
	if err != nil {
		return "", nil, err
	}

	record := Key{
		ID:            uuid.NewString(),
		KeyHash:       Hash(plaintext),
		OwnerUsername: owner,
		CreatedAt:     time.Now().UTC(),
	}
	if r.retention > 0 {
		expires := record.CreatedAt.Add(r.retention)
		record.ExpiresAt = &expires
	}

	_, err = r.store.Modify(ctx, storeID, func(current []byte) ([]byte, error) {
		keys, err := decode(current)
		if err != nil {
			return nil, err
		}
		if _, exists := keys[record.KeyHash]; exists {
			// 256 random bits colliding means the RNG is broken.
			return nil, fmt.Errorf("key hash collision")
		}
		keys[record.KeyHash] = record
		return json.Marshal(keys)
	})
	if err != nil {
		return "", nil, err
	}

	return plaintext, &record, nil
}

// Validate resolves a plaintext key to its owner's username.
func (r *Registry) Validate(ctx context.Context, plaintext string) (string, error) {
	if !ValidFormat(plaintext) {
		return "", ErrInvalidKey
	}

	snapshot, err := r.store.Read(ctx, storeID)
	if err != nil {
		return "", err
	}
	keys, err := decode(snapshot)
	if err != nil {
		return "", err
	}

	record, ok := keys[Hash(plaintext)]
	if !ok || record.Revoked {
		return "", ErrInvalidKey
	}
	if record.ExpiresAt != nil && record.ExpiresAt.Before(time.Now()) {
		return "", ErrExpiredKey
	}

	return record.OwnerUsername, nil
}

// Revoke marks a key revoked by its record ID. Revoking an
// already-revoked key is not an error. The record is never removed,
// so history referencing it stays intact.
func (r *Registry) Revoke(ctx context.Context, keyID string) error {
	_, err := r.store.Modify(ctx, storeID, func(current []byte) ([]byte, error) {
		keys, err := decode(current)
		if err != nil {
			return nil, err
		}
		for hash, record := range keys {
			if record.ID == keyID {
				record.Revoked = true
				keys[hash] = record
				return json.Marshal(keys)
			}
		}
		return nil, ErrKeyNotFound
	})
	return err
}

// ListByOwner returns an owner's key records, newest first.
func (r *Registry) ListByOwner(ctx context.Context, owner string) ([]Key, error) {
	snapshot, err := r.store.Read(ctx, storeID)
	if err != nil {
		return nil, err
	}
	keys, err := decode(snapshot)
	if err != nil {
		return nil, err
	}

	var out []Key
	for _, record := range keys {
		if record.OwnerUsername == owner {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
