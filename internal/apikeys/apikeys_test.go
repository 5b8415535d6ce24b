package apikeys

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audrey/textai-server/internal/store"
)

func TestGenerate(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, KeyPrefix))
	assert.True(t, ValidFormat(key))

	other, err := Generate()
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestValidFormat(t *testing.T) {
	assert.False(t, ValidFormat(""))
	assert.False(t, ValidFormat("sk_"))
	assert.False(t, ValidFormat("pk_abcdef"))
	assert.True(t, ValidFormat("sk_abcdef"))
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "****", Redact("sk_a"))
	assert.Equal(t, "sk_abcde...", Redact("sk_abcdefghij"))
}

func TestIssueAndValidate(t *testing.T) {
	reg := NewRegistry(store.NewMemStore(), 0)
	ctx := context.Background()

	plaintext, record, err := reg.Issue(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ValidFormat(plaintext))
	assert.NotEmpty(t, record.ID)
	assert.Equal(t, "alice", record.OwnerUsername)
	assert.Nil(t, record.ExpiresAt)

	// Only the hash is persisted.
	assert.Equal(t, Hash(plaintext), record.KeyHash)
	assert.NotContains(t, record.KeyHash, plaintext)

	owner, err := reg.Validate(ctx, plaintext)
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)
}

func TestValidateRejectsMalformedAndUnknownKeys(t *testing.T) {
	reg := NewRegistry(store.NewMemStore(), 0)
	ctx := context.Background()

	_, err := reg.Validate(ctx, "not-a-key")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = reg.Validate(ctx, "sk_never-issued")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestRevoke(t *testing.T) {
	reg := NewRegistry(store.NewMemStore(), 0)
	ctx := context.Background()

	plaintext, record, err := reg.Issue(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, reg.Revoke(ctx, record.ID))

	_, err = reg.Validate(ctx, plaintext)
	assert.ErrorIs(t, err, ErrInvalidKey)

	// Revoking again is not an error; the record stays around.
	require.NoError(t, reg.Revoke(ctx, record.ID))
	records, err := reg.ListByOwner(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Revoked)
}

func TestRevokeUnknownKey(t *testing.T) {
	reg := NewRegistry(store.NewMemStore(), 0)

	err := reg.Revoke(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestExpiredKey(t *testing.T) {
	s := store.NewMemStore()
	reg := NewRegistry(s, 30)
	ctx := context.Background()

	plaintext, record, err := reg.Issue(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, record.ExpiresAt)

	// Backdate the expiry in the store.
	_, err = s.Modify(ctx, storeID, func(current []byte) ([]byte, error) {
		var keys map[string]Key
		require.NoError(t, json.Unmarshal(current, &keys))
		k := keys[record.KeyHash]
		past := time.Now().Add(-time.Hour)
		k.ExpiresAt = &past
		keys[record.KeyHash] = k
		return json.Marshal(keys)
	})
	require.NoError(t, err)

	_, err = reg.Validate(ctx, plaintext)
	assert.ErrorIs(t, err, ErrExpiredKey)
}

func TestListByOwnerNewestFirst(t *testing.T) {
	reg := NewRegistry(store.NewMemStore(), 0)
	ctx := context.Background()

	_, first, err := reg.Issue(ctx, "alice")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, second, err := reg.Issue(ctx, "alice")
	require.NoError(t, err)
	_, _, err = reg.Issue(ctx, "bob")
	require.NoError(t, err)

	records, err := reg.ListByOwner(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, second.ID, records[0].ID)
	assert.Equal(t, first.ID, records[1].ID)
}
