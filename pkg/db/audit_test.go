package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAndListRecentAudit(t *testing.T) {
	dao := newTestDAO(t)
	ctx := context.Background()

	keyID := "key_a"
	for i := 0; i < 3; i++ {
		require.NoError(t, dao.InsertAuditEntry(ctx, AuditEntry{
			KeyID:    &keyID,
			Role:     "admin",
			ClientIP: "10.0.0.1",
			Endpoint: "/message",
			Method:   "tools/call",
			Success:  true,
		}))
	}

	entries, err := dao.ListRecentAudit(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestTrimAuditLogDropsOldest(t *testing.T) {
	dao := newTestDAO(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, dao.InsertAuditEntry(ctx, AuditEntry{
			Role:     "admin",
			ClientIP: "10.0.0.1",
			Endpoint: "/health",
			Method:   "health",
			Success:  true,
		}))
	}

	require.NoError(t, dao.TrimAuditLog(ctx, 5, 3))

	entries, err := dao.ListRecentAudit(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, entries, 7)
}

func TestTrimAuditLogNoopUnderThreshold(t *testing.T) {
	dao := newTestDAO(t)
	ctx := context.Background()

	require.NoError(t, dao.InsertAuditEntry(ctx, AuditEntry{Role: "admin", Success: true}))
	require.NoError(t, dao.TrimAuditLog(ctx, 1000, 100))

	entries, err := dao.ListRecentAudit(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
