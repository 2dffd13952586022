package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// GetSummary returns the cached summary for a fingerprint.
func (s *SQLiteStore) GetSummary(
	ctx context.Context,
	fingerprint string,
) (string, bool, error) {
	var summary string
	err := s.db.GetContext(ctx, &summary,
		"SELECT summary FROM summary_cache WHERE fingerprint = ?", fingerprint,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading summary cache: %w", err)
	}
	return summary, true, nil
}

// PutSummary stores a summary for a fingerprint, replacing any existing entry.
func (s *SQLiteStore) PutSummary(
	ctx context.Context,
	fingerprint, summary string,
) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO summary_cache (fingerprint, summary, created_at)
		VALUES (?, ?, ?)`,
		fingerprint, summary, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("writing summary cache: %w", err)
	}
	return nil
}

// PruneSummaries deletes cache entries whose creation time is older than
// the horizon and returns the number of rows deleted.
func (s *SQLiteStore) PruneSummaries(
	ctx context.Context,
	olderThan time.Duration,
) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM summary_cache WHERE created_at < ?", cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning summary cache: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned rows: %w", err)
	}
	return deleted, nil
}

// LoadSeen returns the ordered processed-message ids for an account.
// A missing or unparseable record yields an empty slice: the worst
// consequence is re-delivery, never lost mail.
func (s *SQLiteStore) LoadSeen(
	ctx context.Context,
	tenantID, label string,
) ([]string, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw,
		"SELECT ids FROM seen_messages WHERE tenant = ? AND label = ?",
		tenantID, label,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading seen set: %w", err)
	}

	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return []string{}, nil
	}
	return ids, nil
}

// SaveSeen replaces the processed-message ids for an account.
func (s *SQLiteStore) SaveSeen(
	ctx context.Context,
	tenantID, label string,
	ids []string,
) error {
	if ids == nil {
		ids = []string{}
	}

	raw, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshaling seen set: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO seen_messages (tenant, label, ids, updated_at)
		VALUES (?, ?, ?, ?)`,
		tenantID, label, string(raw), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("writing seen set: %w", err)
	}
	return nil
}

// ProtectedTenants returns all tenants with forward protection enabled.
func (s *SQLiteStore) ProtectedTenants(
	ctx context.Context,
) (map[string]bool, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT tenant FROM tenant_prefs WHERE protect_forward = 1",
	)
	if err != nil {
		return nil, fmt.Errorf("querying tenant prefs: %w", err)
	}
	defer rows.Close()

	protected := make(map[string]bool)
	for rows.Next() {
		var tenant string
		if err := rows.Scan(&tenant); err != nil {
			return nil, fmt.Errorf("scanning tenant pref row: %w", err)
		}
		protected[tenant] = true
	}

	return protected, rows.Err()
}

// SetProtected records the forward-protection flag for a tenant.
func (s *SQLiteStore) SetProtected(
	ctx context.Context,
	tenantID string,
	protected bool,
) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO tenant_prefs (tenant, protect_forward, updated_at)
		VALUES (?, ?, ?)`,
		tenantID, boolToInt(protected), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("writing tenant pref %s: %w", tenantID, err)
	}
	return nil
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
