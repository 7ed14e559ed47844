// Package sqlite provides a SQLite implementation of storage interfaces.
package sqlite

// Schema contains the SQL statements to create the database schema for
// SQLite. All statements are idempotent (IF NOT EXISTS) so the schema can be
// applied on every startup.
const Schema = `
-- Profiles table: one versioned document per tenant.
-- version is the optimistic-concurrency token. SQLite has no row locks;
-- the store serializes writers on a single connection instead, which gives
-- the same lost-update protection the PostgreSQL backend gets from FOR UPDATE.
CREATE TABLE IF NOT EXISTS profiles (
    tenant_id TEXT PRIMARY KEY,
    data TEXT NOT NULL DEFAULT '{}',
    version INTEGER NOT NULL DEFAULT 1,
    last_interaction_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Episodes table: append-only per-tenant event log.
CREATE TABLE IF NOT EXISTS episodes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant_id TEXT NOT NULL,
    episode_type TEXT NOT NULL,
    channel TEXT NOT NULL,
    content TEXT NOT NULL,
    metadata TEXT,
    is_superseded INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_episodes_tenant_created ON episodes(tenant_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_episodes_tenant_type ON episodes(tenant_id, episode_type);

-- Concerns table: at most one row per (tenant_id, concern_key).
-- evidence is an append-only JSON array, trimmed oldest-first at the cap
-- inside the upsert statement (JSON1 functions).
CREATE TABLE IF NOT EXISTS concerns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant_id TEXT NOT NULL,
    concern_key TEXT NOT NULL,
    display_name TEXT NOT NULL,
    severity TEXT NOT NULL DEFAULT 'low',
    status TEXT NOT NULL DEFAULT 'active',
    mention_count INTEGER NOT NULL DEFAULT 1,
    evidence TEXT NOT NULL DEFAULT '[]',
    first_seen_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_seen_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    resolved_at TIMESTAMP,
    followup_due TIMESTAMP,
    UNIQUE(tenant_id, concern_key)
);

CREATE INDEX IF NOT EXISTS idx_concerns_tenant_status ON concerns(tenant_id, status);

-- Bootstrap files table: named rendered artifacts per tenant (e.g. MEMORY.md).
CREATE TABLE IF NOT EXISTS bootstrap_files (
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    content TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (tenant_id, name)
);
`
