package taskstore

const schema = `
CREATE TABLE IF NOT EXISTS agent_runs (
    id TEXT PRIMARY KEY,
    tier TEXT NOT NULL,
    description TEXT,
    status TEXT NOT NULL,
    submitted_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    finished_at TIMESTAMP,
    success BOOLEAN,
    cost_usd REAL DEFAULT 0,
    tokens_input INTEGER DEFAULT 0,
    tokens_output INTEGER DEFAULT 0,
    duration_ms INTEGER DEFAULT 0,
    changed_files TEXT,
    error TEXT,
    output TEXT,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_agent_runs_status ON agent_runs(status);
CREATE INDEX IF NOT EXISTS idx_agent_runs_tier ON agent_runs(tier);
CREATE INDEX IF NOT EXISTS idx_agent_runs_submitted ON agent_runs(submitted_at);
`
