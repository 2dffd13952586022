package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Store defines the persistence interface for the summary cache, the
// per-account seen sets, and tenant preferences.
type Store interface {
	// === Summary cache ===

	// GetSummary returns the cached summary for a fingerprint.
	// The second return value reports whether an entry was found.
	GetSummary(ctx context.Context, fingerprint string) (string, bool, error)

	// PutSummary stores a summary for a fingerprint, replacing any
	// existing entry.
	PutSummary(ctx context.Context, fingerprint, summary string) error

	// PruneSummaries deletes cache entries older than the horizon and
	// returns the number deleted.
	PruneSummaries(ctx context.Context, olderThan time.Duration) (int64, error)

	// === Seen sets ===

	// LoadSeen returns the ordered processed-message ids for an account.
	// A missing or corrupt record yields an empty slice, not an error.
	LoadSeen(ctx context.Context, tenantID, label string) ([]string, error)

	// SaveSeen replaces the processed-message ids for an account.
	SaveSeen(ctx context.Context, tenantID, label string, ids []string) error

	// === Tenant preferences ===

	// ProtectedTenants returns the set of tenants with forward
	// protection enabled.
	ProtectedTenants(ctx context.Context) (map[string]bool, error)

	// SetProtected records the forward-protection flag for a tenant.
	SetProtected(ctx context.Context, tenantID string, protected bool) error

	Close() error
}

// Fingerprint computes the deterministic cache key for a message: the
// SHA-256 hex digest of "sender|subject|body". Invalid UTF-8 bytes are
// dropped so that the same logical content always hashes identically.
func Fingerprint(sender, subject, body string) string {
	data := strings.ToValidUTF8(sender+"|"+subject+"|"+body, "")
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
