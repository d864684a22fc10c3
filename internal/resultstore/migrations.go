package resultstore

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    plan TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'running',
    passes INTEGER DEFAULT 0,
    failed_passes INTEGER DEFAULT 0,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

CREATE TABLE IF NOT EXISTS executions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id),
    job TEXT NOT NULL,
    pass INTEGER NOT NULL,
    result TEXT NOT NULL,
    restarts INTEGER DEFAULT 0,
    cancelled BOOLEAN DEFAULT FALSE,
    detail TEXT,
    first_ready_check_at TIMESTAMP,
    pre_start_at TIMESTAMP,
    post_start_at TIMESTAMP,
    ended_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_executions_run_id ON executions(run_id);

CREATE TABLE IF NOT EXISTS problem_devices (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id),
    job TEXT NOT NULL,
    device TEXT NOT NULL,
    platform TEXT NOT NULL,
    recorded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(run_id, job, device)
);

CREATE INDEX IF NOT EXISTS idx_problem_devices_run_id ON problem_devices(run_id);
`
