package apikey

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loxone-mcp/gateway/pkg/db"
	"github.com/loxone-mcp/gateway/pkg/errs"
)

func newTestAuthenticator(t *testing.T) (*Authenticator, db.DAO) {
	t.Helper()
	store, err := db.New(db.WithDatabaseFile(filepath.Join(t.TempDir(), "test.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store), store
}

func TestCreateKeyThenAuthenticateSucceeds(t *testing.T) {
	auth, _ := newTestAuthenticator(t)
	ctx := context.Background()

	raw, keyID, err := auth.CreateKey(ctx, RoleOperator, "ci test key", time.Hour, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
	assert.Contains(t, raw, "loxmcp_operator_")

	rec, err := auth.Authenticate(ctx, raw, "127.0.0.1", "tools/call", "tools/call")
	require.NoError(t, err)
	assert.Equal(t, keyID, rec.KeyID)
	assert.Equal(t, RoleOperator, rec.Role)
}

func TestAuthenticateRejectsWrongKey(t *testing.T) {
	auth, _ := newTestAuthenticator(t)
	ctx := context.Background()

	_, _, err := auth.CreateKey(ctx, RoleAdmin, "", time.Hour, nil)
	require.NoError(t, err)

	_, err = auth.Authenticate(ctx, "totally-wrong-key", "127.0.0.1", "/health", "health")
	require.Error(t, err)
	assert.Equal(t, errs.Unauthorized, errs.KindOf(err))
}

func TestAuthenticateRejectsExpiredKey(t *testing.T) {
	auth, _ := newTestAuthenticator(t)
	ctx := context.Background()

	raw, _, err := auth.CreateKey(ctx, RoleAdmin, "", -time.Hour, nil)
	require.NoError(t, err)

	_, err = auth.Authenticate(ctx, raw, "127.0.0.1", "/health", "health")
	require.Error(t, err)
	assert.Equal(t, errs.Unauthorized, errs.KindOf(err))
}

func TestReadOnlyRoleDeniedAdminEndpoint(t *testing.T) {
	auth, _ := newTestAuthenticator(t)
	ctx := context.Background()

	raw, _, err := auth.CreateKey(ctx, RoleReadOnly, "", time.Hour, nil)
	require.NoError(t, err)

	_, err = auth.Authenticate(ctx, raw, "127.0.0.1", "/admin/status", "admin")
	require.Error(t, err)
	assert.Equal(t, errs.Forbidden, errs.KindOf(err))
}

func TestAllowedIPsEnforced(t *testing.T) {
	auth, _ := newTestAuthenticator(t)
	ctx := context.Background()

	raw, _, err := auth.CreateKey(ctx, RoleAdmin, "", time.Hour, []string{"10.0.0.1"})
	require.NoError(t, err)

	_, err = auth.Authenticate(ctx, raw, "192.168.1.1", "/health", "health")
	require.Error(t, err)
	assert.Equal(t, errs.Forbidden, errs.KindOf(err))

	rec, err := auth.Authenticate(ctx, raw, "10.0.0.1", "/health", "health")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, rec.Role)
}

func TestRotateKeyDeactivatesPredecessor(t *testing.T) {
	auth, store := newTestAuthenticator(t)
	ctx := context.Background()

	rawOld, keyID, err := auth.CreateKey(ctx, RoleOperator, "v1", time.Hour, nil)
	require.NoError(t, err)

	rawNew, newKeyID, err := auth.RotateKey(ctx, keyID, time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, keyID, newKeyID)
	assert.NotEqual(t, rawOld, rawNew)

	_, err = auth.Authenticate(ctx, rawOld, "127.0.0.1", "tools/call", "tools/call")
	require.Error(t, err)

	_, err = auth.Authenticate(ctx, rawNew, "127.0.0.1", "tools/call", "tools/call")
	require.NoError(t, err)

	all, err := store.ListAllAPIKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestHashRejectsSingleByteMutation(t *testing.T) {
	auth, _ := newTestAuthenticator(t)
	ctx := context.Background()

	raw, _, err := auth.CreateKey(ctx, RoleOperator, "", time.Hour, nil)
	require.NoError(t, err)

	mutated := []byte(raw)
	mutated[len(mutated)-1] ^= 0x01

	_, err = auth.Authenticate(ctx, string(mutated), "127.0.0.1", "tools/call", "tools/call")
	require.Error(t, err)
	assert.Equal(t, errs.Unauthorized, errs.KindOf(err))
}

func TestRecentAuditRecordsBothOutcomes(t *testing.T) {
	auth, _ := newTestAuthenticator(t)
	ctx := context.Background()

	raw, _, err := auth.CreateKey(ctx, RoleAdmin, "", time.Hour, nil)
	require.NoError(t, err)

	_, _ = auth.Authenticate(ctx, raw, "127.0.0.1", "/health", "health")
	_, _ = auth.Authenticate(ctx, "bad", "127.0.0.1", "/health", "health")

	entries := auth.RecentAudit(10)
	require.Len(t, entries, 2)
	assert.False(t, entries[0].Success) // most recent first
	assert.True(t, entries[1].Success)
}

func TestRevokeKeyDeactivatesButKeepsRecord(t *testing.T) {
	auth, store := newTestAuthenticator(t)
	ctx := context.Background()

	raw, keyID, err := auth.CreateKey(ctx, RoleOperator, "", time.Hour, nil)
	require.NoError(t, err)

	require.NoError(t, auth.RevokeKey(ctx, keyID))

	_, err = auth.Authenticate(ctx, raw, "127.0.0.1", "tools/call", "tools/call")
	require.Error(t, err)
	assert.Equal(t, errs.Unauthorized, errs.KindOf(err))

	recs, err := store.ListAllAPIKeys(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, keyID, recs[0].KeyID)
	assert.False(t, recs[0].Active)
}
