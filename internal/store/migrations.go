package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS summary_cache (
	fingerprint TEXT PRIMARY KEY,
	summary     TEXT NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS seen_messages (
	tenant     TEXT NOT NULL,
	label      TEXT NOT NULL DEFAULT '',
	ids        TEXT NOT NULL DEFAULT '[]',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (tenant, label)
);

CREATE TABLE IF NOT EXISTS tenant_prefs (
	tenant          TEXT PRIMARY KEY,
	protect_forward INTEGER NOT NULL DEFAULT 0 CHECK(protect_forward IN (0, 1)),
	updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_summary_cache_created ON summary_cache(created_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
