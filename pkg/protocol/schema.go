package protocol

// SchemaDDL defines the SQLite schema for the loom runtime database.
// Tables: events, jobs, usage_samples.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Durable event log: every state change the daemon publishes
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    severity TEXT NOT NULL DEFAULT 'info',
    story_id TEXT,
    job_id TEXT,
    metadata TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
CREATE INDEX IF NOT EXISTS idx_events_story ON events(story_id);

-- Job mirror: authoritative state lives in memory, this table survives
-- restarts for inspection and post-mortems
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    story_id TEXT NOT NULL,
    stage TEXT NOT NULL,
    predecessors TEXT,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    priority INTEGER NOT NULL,
    attempt INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL,
    estimated_tokens INTEGER NOT NULL DEFAULT 0,
    max_tokens INTEGER NOT NULL DEFAULT 0,
    state TEXT NOT NULL,
    eligible_at TEXT,
    created_at TEXT NOT NULL,
    started_at TEXT,
    completed_at TEXT,
    last_error TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_story ON jobs(story_id);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);

-- Token usage samples backing the guardian's sliding windows. Persisted so
-- a restart does not loosen budgets mid-window.
CREATE TABLE IF NOT EXISTS usage_samples (
    id INTEGER PRIMARY KEY,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    tokens INTEGER NOT NULL,
    job_id TEXT,
    recorded_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_usage_window ON usage_samples(provider, model, recorded_at);
`
