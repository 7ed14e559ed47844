// Package postgres provides a PostgreSQL implementation of storage interfaces.
package postgres

// Schema contains the SQL statements to create the database schema for
// PostgreSQL. All statements are idempotent (IF NOT EXISTS) so the schema can
// be applied on every startup.
const Schema = `
-- Profiles table: one versioned document per tenant.
-- version is the optimistic-concurrency token; it starts at 1 on the first
-- write and increments by exactly 1 on every successful update. The row is
-- also the exclusive-lock anchor for the ingest orchestrator (FOR UPDATE).
CREATE TABLE IF NOT EXISTS profiles (
    tenant_id TEXT PRIMARY KEY,
    data JSONB NOT NULL DEFAULT '{}',
    version BIGINT NOT NULL DEFAULT 1,
    last_interaction_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Episodes table: append-only per-tenant event log.
-- Rows are immutable except for is_superseded, which hides a row from reads.
CREATE TABLE IF NOT EXISTS episodes (
    id BIGSERIAL PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    episode_type TEXT NOT NULL,
    channel TEXT NOT NULL,
    content TEXT NOT NULL,
    metadata JSONB,
    is_superseded BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_episodes_tenant_created ON episodes(tenant_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_episodes_tenant_type ON episodes(tenant_id, episode_type);

-- Concerns table: at most one row per (tenant_id, concern_key).
-- evidence is an append-only JSON array of {text, source, date} entries,
-- trimmed oldest-first at 50 entries inside the upsert statement.
CREATE TABLE IF NOT EXISTS concerns (
    id BIGSERIAL PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    concern_key TEXT NOT NULL,
    display_name TEXT NOT NULL,
    severity TEXT NOT NULL DEFAULT 'low',
    status TEXT NOT NULL DEFAULT 'active',
    mention_count INTEGER NOT NULL DEFAULT 1,
    evidence JSONB NOT NULL DEFAULT '[]',
    first_seen_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_seen_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    resolved_at TIMESTAMPTZ,
    followup_due TIMESTAMPTZ,
    UNIQUE(tenant_id, concern_key)
);

CREATE INDEX IF NOT EXISTS idx_concerns_tenant_status ON concerns(tenant_id, status);

-- Bootstrap files table: named rendered artifacts per tenant (e.g. MEMORY.md).
-- Always overwritable by recomputation; never a source of truth.
CREATE TABLE IF NOT EXISTS bootstrap_files (
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    content TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (tenant_id, name)
);
`
