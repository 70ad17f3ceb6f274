package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDAO(t *testing.T) DAO {
	t.Helper()
	dbFile := filepath.Join(t.TempDir(), "test.db")
	dao, err := New(WithDatabaseFile(dbFile))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dao.Close() })
	return dao
}

func TestCreateAndGetAPIKeyByHash(t *testing.T) {
	dao := newTestDAO(t)
	ctx := context.Background()

	key := APIKeyRecord{
		KeyID:       "key_abc123",
		KeyHash:     "deadbeef",
		Role:        "admin",
		Description: "integration test key",
		ExpiresAt:   time.Now().Add(24 * time.Hour),
		Active:      true,
		AllowedIPs:  IPList{"127.0.0.1"},
	}
	require.NoError(t, dao.CreateAPIKey(ctx, key))

	got, err := dao.GetAPIKeyByHash(ctx, "deadbeef")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "key_abc123", got.KeyID)
	assert.Equal(t, "admin", got.Role)
	assert.True(t, got.Active)
	assert.Equal(t, IPList{"127.0.0.1"}, got.AllowedIPs)
}

func TestGetAPIKeyByHashMissingReturnsNil(t *testing.T) {
	dao := newTestDAO(t)
	got, err := dao.GetAPIKeyByHash(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDuplicateKeyHashRejected(t *testing.T) {
	dao := newTestDAO(t)
	ctx := context.Background()

	key := APIKeyRecord{KeyID: "key_1", KeyHash: "samehash", Role: "operator", ExpiresAt: time.Now().Add(time.Hour), Active: true}
	require.NoError(t, dao.CreateAPIKey(ctx, key))

	dupe := APIKeyRecord{KeyID: "key_2", KeyHash: "samehash", Role: "operator", ExpiresAt: time.Now().Add(time.Hour), Active: true}
	err := dao.CreateAPIKey(ctx, dupe)
	require.Error(t, err)
	assert.True(t, IsDuplicateKeyError(err))
}

func TestRecordAPIKeyUsageIncrements(t *testing.T) {
	dao := newTestDAO(t)
	ctx := context.Background()

	key := APIKeyRecord{KeyID: "key_u", KeyHash: "usagehash", Role: "readonly", ExpiresAt: time.Now().Add(time.Hour), Active: true}
	require.NoError(t, dao.CreateAPIKey(ctx, key))

	require.NoError(t, dao.RecordAPIKeyUsage(ctx, "key_u", time.Now()))
	require.NoError(t, dao.RecordAPIKeyUsage(ctx, "key_u", time.Now()))

	got, err := dao.GetAPIKeyByHash(ctx, "usagehash")
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.UsageCount)
	assert.NotNil(t, got.LastUsedAt)
}

func TestDeactivateAndDeleteAPIKey(t *testing.T) {
	dao := newTestDAO(t)
	ctx := context.Background()

	key := APIKeyRecord{KeyID: "key_d", KeyHash: "deacthash", Role: "monitor", ExpiresAt: time.Now().Add(time.Hour), Active: true}
	require.NoError(t, dao.CreateAPIKey(ctx, key))

	require.NoError(t, dao.DeactivateAPIKey(ctx, "key_d"))
	got, err := dao.GetAPIKeyByHash(ctx, "deacthash")
	require.NoError(t, err)
	assert.False(t, got.Active)

	active, err := dao.ListActiveAPIKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, dao.DeleteAPIKey(ctx, "key_d"))
	got, err = dao.GetAPIKeyByHash(ctx, "deacthash")
	require.NoError(t, err)
	assert.Nil(t, got)
}
