// Package apikey implements the API-Key Authenticator (spec §4.L):
// role-scoped keys stored hashed, request validation against a closed
// role table, usage bookkeeping, and a bounded audit trail. Grounded on
// the teacher's sqlx-backed DAO pattern (pkg/db) for persistence and
// its constant-time bearer-token comparison idiom for the hash check.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/loxone-mcp/gateway/pkg/db"
	"github.com/loxone-mcp/gateway/pkg/errs"
)

// Role is one of the closed roles from spec §4.L.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleReadOnly Role = "readonly"
	RoleLimited  Role = "limited"
	RoleMonitor  Role = "monitor"
)

// allowedEndpoints is the closed role -> endpoint/method table from
// spec §4.L. Endpoint strings are matched literally against what the
// caller passes to Authenticate; "*" means every endpoint is allowed.
var allowedEndpoints = map[Role]map[string]bool{
	RoleAdmin: {"*": true},
	RoleOperator: {
		"tools/list": true, "tools/call": true,
		"resources/list": true, "resources/read": true,
		"prompts/list": true, "prompts/get": true,
		"/health": true,
	},
	RoleReadOnly: {
		"tools/list": true, "resources/list": true, "resources/read": true,
		"prompts/list": true, "/health": true,
	},
	RoleLimited: {
		"/health": true, "/mcp/sse": true, "/sse": true,
		"tools/list": true, "resources/list": true,
	},
	RoleMonitor: {
		"/health": true, "/admin/status": true,
	},
}

// Allows reports whether role may access endpoint, per spec §4.L.
func (r Role) Allows(endpoint string) bool {
	table, ok := allowedEndpoints[r]
	if !ok {
		return false
	}
	if table["*"] {
		return true
	}
	return table[endpoint]
}

func (r Role) Valid() bool {
	_, ok := allowedEndpoints[r]
	return ok
}

// Record is the in-process view of an API key, never carrying the raw
// key material once issued.
type Record struct {
	KeyID       string
	Role        Role
	Description string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Active      bool
	LastUsedAt  *time.Time
	UsageCount  int64
	AllowedIPs  []string
}

// AuditEntry is one outcome of request validation, per spec §4.L: every
// outcome (success or failure) produces an entry.
type AuditEntry struct {
	OccurredAt time.Time
	KeyID      string
	Role       Role
	ClientIP   string
	Endpoint   string
	Method     string
	Success    bool
	Reason     string
}

// Authenticator is the API-Key Authenticator (spec §4.L). It owns a
// bounded in-memory audit ring buffer for fast recent-activity reads
// and a sqlite-backed store (pkg/db) for durable key records and
// long-lived audit history.
type Authenticator struct {
	store DAOStore
	audit *ringBuffer
}

// DAOStore is the subset of db.DAO the authenticator depends on,
// narrowed to an interface so tests can swap in a fake.
type DAOStore interface {
	db.APIKeyDAO
	db.AuditDAO
}

const (
	ringCapacity = 10000
	ringDropBatch = 1000
)

func New(store DAOStore) *Authenticator {
	return &Authenticator{
		store: store,
		audit: newRingBuffer(ringCapacity, ringDropBatch),
	}
}

// hash is the one-way, salted hash stored in place of the raw key, per
// spec §3 "Hash is irreversible" and §8's bcrypt testable property: a
// single mutated byte in the presented key must never verify against a
// stored hash, which a bcrypt compare (unlike a bare digest) also
// guards against length-extension and rainbow-table lookup.
func hash(raw string) (string, error) {
	sum, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(sum), nil
}

// CreateKey mints a new key for role, persists its hash, and returns
// the raw key exactly once — callers must store it themselves; the
// authenticator never retains it.
func (a *Authenticator) CreateKey(ctx context.Context, role Role, description string, ttl time.Duration, allowedIPs []string) (rawKey string, keyID string, err error) {
	if !role.Valid() {
		return "", "", errs.New(errs.InvalidParams, "unknown role "+string(role))
	}

	keyID = "key_" + uuid.NewString()
	raw, err := generateRawKey(role)
	if err != nil {
		return "", "", errs.Wrap(errs.Internal, "generating api key", err)
	}

	keyHash, err := hash(raw)
	if err != nil {
		return "", "", errs.Wrap(errs.Internal, "hashing api key", err)
	}
	rec := db.APIKeyRecord{
		KeyID:       keyID,
		KeyHash:     keyHash,
		Role:        string(role),
		Description: description,
		ExpiresAt:   time.Now().Add(ttl),
		Active:      true,
		AllowedIPs:  db.IPList(allowedIPs),
	}
	if err := a.store.CreateAPIKey(ctx, rec); err != nil {
		return "", "", errs.Wrap(errs.Internal, "persisting api key", err)
	}
	return raw, keyID, nil
}

// generateRawKey builds `prefix_<rolelower>_<short_uuid>_<16 random hex>`,
// per spec §4.L's key-creation format.
func generateRawKey(role Role) (string, error) {
	shortUUID := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	suffix := make([]byte, 8)
	if _, err := rand.Read(suffix); err != nil {
		return "", err
	}
	return fmt.Sprintf("loxmcp_%s_%s_%s", strings.ToLower(string(role)), shortUUID, hex.EncodeToString(suffix)), nil
}

// RotateKey deactivates predecessor (preserving its record for audit)
// and mints a fresh key of the same role, per spec §4.L.
func (a *Authenticator) RotateKey(ctx context.Context, predecessorKeyID string, ttl time.Duration) (rawKey, newKeyID string, err error) {
	recs, err := a.store.ListActiveAPIKeys(ctx)
	if err != nil {
		return "", "", errs.Wrap(errs.Internal, "listing active keys", err)
	}
	var predecessor *db.APIKeyRecord
	for i := range recs {
		if recs[i].KeyID == predecessorKeyID {
			predecessor = &recs[i]
			break
		}
	}
	if predecessor == nil {
		return "", "", errs.New(errs.InvalidParams, "unknown or inactive key_id "+predecessorKeyID)
	}

	if err := a.store.DeactivateAPIKey(ctx, predecessorKeyID); err != nil {
		return "", "", errs.Wrap(errs.Internal, "deactivating predecessor key", err)
	}
	return a.CreateKey(ctx, Role(predecessor.Role), predecessor.Description, ttl, predecessor.AllowedIPs)
}

func (a *Authenticator) DeleteKey(ctx context.Context, keyID string) error {
	if err := a.store.DeleteAPIKey(ctx, keyID); err != nil {
		return errs.Wrap(errs.Internal, "deleting api key", err)
	}
	return nil
}

// RevokeKey deactivates keyID without deleting its record, per spec
// §4.L: a revoked key must still show up in `apikey list`/`audit` for
// accountability, it just no longer authenticates.
func (a *Authenticator) RevokeKey(ctx context.Context, keyID string) error {
	if err := a.store.DeactivateAPIKey(ctx, keyID); err != nil {
		return errs.Wrap(errs.Internal, "revoking api key", err)
	}
	return nil
}

// ExtractKey pulls the presented key from X-API-Key or Authorization:
// Bearer, per spec §4.L step 1.
func ExtractKey(header http.Header) string {
	if k := header.Get("X-API-Key"); k != "" {
		return k
	}
	auth := header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimPrefix(auth, prefix)
	}
	return ""
}

// Authenticate runs the six validation steps from spec §4.L and always
// produces an audit entry, regardless of outcome.
func (a *Authenticator) Authenticate(ctx context.Context, presented, clientIP, endpoint, method string) (Record, error) {
	now := time.Now()
	entry := AuditEntry{OccurredAt: now, ClientIP: clientIP, Endpoint: endpoint, Method: method}

	rec, err := a.authenticate(ctx, presented, clientIP, endpoint, &entry)
	entry.Success = err == nil
	if err != nil {
		entry.Reason = err.Error()
	}
	a.recordAudit(ctx, entry)
	return rec, err
}

func (a *Authenticator) authenticate(ctx context.Context, presented, clientIP, endpoint string, entry *AuditEntry) (Record, error) {
	if presented == "" {
		return Record{}, errs.New(errs.Unauthorized, "no API key presented")
	}

	stored, err := a.findByRawKey(ctx, presented)
	if err != nil {
		return Record{}, errs.Wrap(errs.Internal, "looking up api key", err)
	}
	if stored == nil {
		return Record{}, errs.New(errs.Unauthorized, "api key not recognized")
	}
	entry.KeyID = stored.KeyID
	entry.Role = Role(stored.Role)

	if !stored.Active {
		return Record{}, errs.New(errs.Unauthorized, "api key is inactive")
	}
	if time.Now().After(stored.ExpiresAt) {
		return Record{}, errs.New(errs.Unauthorized, "api key has expired")
	}
	if len(stored.AllowedIPs) > 0 && !ipAllowed(clientIP, stored.AllowedIPs) {
		return Record{}, errs.New(errs.Forbidden, "client IP not in allowed_ips")
	}

	role := Role(stored.Role)
	if !role.Allows(endpoint) {
		return Record{}, errs.New(errs.Forbidden, "role "+stored.Role+" may not access "+endpoint)
	}

	if err := a.store.RecordAPIKeyUsage(ctx, stored.KeyID, time.Now()); err != nil {
		return Record{}, errs.Wrap(errs.Internal, "recording api key usage", err)
	}

	return Record{
		KeyID:       stored.KeyID,
		Role:        role,
		Description: stored.Description,
		CreatedAt:   stored.CreatedAt,
		ExpiresAt:   stored.ExpiresAt,
		Active:      stored.Active,
		LastUsedAt:  stored.LastUsedAt,
		UsageCount:  stored.UsageCount + 1,
		AllowedIPs:  stored.AllowedIPs,
	}, nil
}

// findByRawKey scans every stored key (active or not, so that an
// inactive/expired match still reports its specific reason rather than
// "not recognized") comparing presented against each bcrypt hash.
// Bounded by the number of admin-issued keys, not request volume.
func (a *Authenticator) findByRawKey(ctx context.Context, presented string) (*db.APIKeyRecord, error) {
	recs, err := a.store.ListAllAPIKeys(ctx)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		if bcrypt.CompareHashAndPassword([]byte(recs[i].KeyHash), []byte(presented)) == nil {
			return &recs[i], nil
		}
	}
	return nil, nil
}

func ipAllowed(clientIP string, allowed []string) bool {
	for _, a := range allowed {
		if constantTimeEqual(a, clientIP) {
			return true
		}
		if _, cidr, err := net.ParseCIDR(a); err == nil {
			if ip := net.ParseIP(clientIP); ip != nil && cidr.Contains(ip) {
				return true
			}
		}
	}
	return false
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (a *Authenticator) recordAudit(ctx context.Context, entry AuditEntry) {
	a.audit.push(entry)

	var keyID *string
	if entry.KeyID != "" {
		keyID = &entry.KeyID
	}
	var reason *string
	if entry.Reason != "" {
		reason = &entry.Reason
	}
	_ = a.store.InsertAuditEntry(ctx, db.AuditEntry{
		KeyID:       keyID,
		Role:        string(entry.Role),
		ClientIP:    entry.ClientIP,
		Endpoint:    entry.Endpoint,
		Method:      entry.Method,
		Success:     entry.Success,
		ErrorReason: reason,
	})
	_ = a.store.TrimAuditLog(ctx, ringCapacity, ringDropBatch)
}

// RecentAudit returns the most recent in-memory audit entries, newest
// first, bypassing the database for the common "tail the log" case.
func (a *Authenticator) RecentAudit(limit int) []AuditEntry {
	return a.audit.recent(limit)
}
