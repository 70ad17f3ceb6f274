package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// APIKeyDAO persists the API key records backing spec §4.L's role-based
// authenticator: created once by an admin, mutated on use and rotation,
// removed on delete.
type APIKeyDAO interface {
	CreateAPIKey(ctx context.Context, key APIKeyRecord) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*APIKeyRecord, error)
	ListActiveAPIKeys(ctx context.Context) ([]APIKeyRecord, error)
	ListAllAPIKeys(ctx context.Context) ([]APIKeyRecord, error)
	RecordAPIKeyUsage(ctx context.Context, keyID string, usedAt time.Time) error
	DeactivateAPIKey(ctx context.Context, keyID string) error
	DeleteAPIKey(ctx context.Context, keyID string) error
}

// IPList is a small string-slice that round-trips through sqlite as a
// JSON array column, the same json.Marshal/Scan idiom the teacher uses
// for its own JSON-shaped columns.
type IPList []string

func (ips IPList) Value() (driver.Value, error) {
	if len(ips) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ips)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (ips *IPList) Scan(value any) error {
	if value == nil {
		*ips = nil
		return nil
	}
	var str string
	switch v := value.(type) {
	case string:
		str = v
	case []byte:
		str = string(v)
	default:
		return errors.New("failed to scan allowed_ips")
	}
	if str == "" {
		*ips = nil
		return nil
	}
	return json.Unmarshal([]byte(str), ips)
}

// APIKeyRecord mirrors spec §3's "API key record": a closed set of
// fields whose hash is irreversible and whose raw key is never stored.
type APIKeyRecord struct {
	ID          *int64     `db:"id"`
	KeyID       string     `db:"key_id"`
	KeyHash     string     `db:"key_hash"`
	Role        string     `db:"role"`
	Description string     `db:"description"`
	CreatedAt   time.Time  `db:"created_at"`
	ExpiresAt   time.Time  `db:"expires_at"`
	Active      bool       `db:"active"`
	LastUsedAt  *time.Time `db:"last_used_at"`
	UsageCount  int64      `db:"usage_count"`
	AllowedIPs  IPList     `db:"allowed_ips"`
	RotatedFrom *string    `db:"rotated_from"`
}

func (d *dao) CreateAPIKey(ctx context.Context, key APIKeyRecord) error {
	const query = `INSERT INTO api_keys (
		key_id, key_hash, role, description, expires_at, active, allowed_ips, rotated_from
	) VALUES (:key_id, :key_hash, :role, :description, :expires_at, :active, :allowed_ips, :rotated_from)`

	_, err := d.db.NamedExecContext(ctx, query, key)
	return err
}

func (d *dao) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKeyRecord, error) {
	const query = `SELECT id, key_id, key_hash, role, description, created_at, expires_at,
		active, last_used_at, usage_count, allowed_ips, rotated_from
		FROM api_keys WHERE key_hash = $1`

	var rec APIKeyRecord
	if err := d.db.GetContext(ctx, &rec, query, hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (d *dao) ListActiveAPIKeys(ctx context.Context) ([]APIKeyRecord, error) {
	const query = `SELECT id, key_id, key_hash, role, description, created_at, expires_at,
		active, last_used_at, usage_count, allowed_ips, rotated_from
		FROM api_keys WHERE active = 1`

	var recs []APIKeyRecord
	err := d.db.SelectContext(ctx, &recs, query)
	return recs, err
}

func (d *dao) ListAllAPIKeys(ctx context.Context) ([]APIKeyRecord, error) {
	const query = `SELECT id, key_id, key_hash, role, description, created_at, expires_at,
		active, last_used_at, usage_count, allowed_ips, rotated_from
		FROM api_keys ORDER BY created_at DESC`

	var recs []APIKeyRecord
	err := d.db.SelectContext(ctx, &recs, query)
	return recs, err
}

func (d *dao) RecordAPIKeyUsage(ctx context.Context, keyID string, usedAt time.Time) error {
	const query = `UPDATE api_keys SET usage_count = usage_count + 1, last_used_at = $2 WHERE key_id = $1`
	_, err := d.db.ExecContext(ctx, query, keyID, usedAt)
	return err
}

func (d *dao) DeactivateAPIKey(ctx context.Context, keyID string) error {
	const query = `UPDATE api_keys SET active = 0 WHERE key_id = $1`
	_, err := d.db.ExecContext(ctx, query, keyID)
	return err
}

func (d *dao) DeleteAPIKey(ctx context.Context, keyID string) error {
	const query = `DELETE FROM api_keys WHERE key_id = $1`
	_, err := d.db.ExecContext(ctx, query, keyID)
	return err
}

// IsDuplicateKeyError reports whether err is a uniqueness violation on
// api_keys, the same sqlite-error-code inspection the teacher uses for
// its own duplicate-digest check.
func IsDuplicateKeyError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
