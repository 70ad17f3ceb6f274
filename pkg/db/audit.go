package db

import (
	"context"
	"time"
)

// AuditDAO persists the API-Key Authenticator's audit trail (spec
// §4.L): one row per validation outcome, trimmed to the same bounded
// "drop oldest 1000 when full" discipline as the in-memory ring buffer
// it backs, so restarts don't lose the audit history entirely.
type AuditDAO interface {
	InsertAuditEntry(ctx context.Context, entry AuditEntry) error
	ListRecentAudit(ctx context.Context, limit int) ([]AuditEntry, error)
	TrimAuditLog(ctx context.Context, maxRows, dropCount int) error
}

// AuditEntry mirrors one outcome of API-key request validation.
type AuditEntry struct {
	ID          *int64    `db:"id"`
	OccurredAt  time.Time `db:"occurred_at"`
	KeyID       *string   `db:"key_id"`
	Role        string    `db:"role"`
	ClientIP    string    `db:"client_ip"`
	Endpoint    string    `db:"endpoint"`
	Method      string    `db:"method"`
	Success     bool      `db:"success"`
	ErrorReason *string   `db:"error_reason"`
}

func (d *dao) InsertAuditEntry(ctx context.Context, entry AuditEntry) error {
	const query = `INSERT INTO audit_log (
		key_id, role, client_ip, endpoint, method, success, error_reason
	) VALUES (:key_id, :role, :client_ip, :endpoint, :method, :success, :error_reason)`

	_, err := d.db.NamedExecContext(ctx, query, entry)
	return err
}

func (d *dao) ListRecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	const query = `SELECT id, occurred_at, key_id, role, client_ip, endpoint, method, success, error_reason
		FROM audit_log ORDER BY id DESC LIMIT $1`

	var entries []AuditEntry
	err := d.db.SelectContext(ctx, &entries, query, limit)
	return entries, err
}

// TrimAuditLog implements spec §3's "ring buffer of 10000 entries; drop
// oldest 1000 when full" at the persistence layer: once the table
// exceeds maxRows, the oldest dropCount rows are deleted in one pass.
func (d *dao) TrimAuditLog(ctx context.Context, maxRows, dropCount int) error {
	const countQuery = `SELECT COUNT(*) FROM audit_log`
	var count int
	if err := d.db.GetContext(ctx, &count, countQuery); err != nil {
		return err
	}
	if count <= maxRows {
		return nil
	}

	const deleteQuery = `DELETE FROM audit_log WHERE id IN (
		SELECT id FROM audit_log ORDER BY id ASC LIMIT $1
	)`
	_, err := d.db.ExecContext(ctx, deleteQuery, dropCount)
	return err
}
