package jobstore

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL DEFAULT 'preparing',
    config_hash TEXT,
    config_json TEXT,
    system_profile TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    finished_at TIMESTAMP,
    total_jobs INTEGER DEFAULT 0,
    status_note TEXT
);

CREATE TABLE IF NOT EXISTS jobs (
    job_id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES runs(id),
    engine_name TEXT NOT NULL,
    pattern_count INTEGER NOT NULL,
    input_size TEXT NOT NULL,
    input_size_bytes INTEGER NOT NULL,
    iteration INTEGER NOT NULL,
    pattern_suite TEXT,
    corpus_name TEXT,
    status TEXT NOT NULL DEFAULT 'queued',
    created_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    duration_seconds REAL,
    attempt_count INTEGER NOT NULL DEFAULT 0,
    timeout_seconds INTEGER NOT NULL,
    error_message TEXT,
    compilation_ns INTEGER,
    scanning_ns INTEGER,
    total_ns INTEGER,
    match_count INTEGER,
    patterns_compiled INTEGER,
    memory_peak_bytes INTEGER,
    memory_compilation_bytes INTEGER,
    cpu_user_ms INTEGER,
    cpu_system_ms INTEGER,
    throughput_mbps REAL,
    matches_per_second REAL,
    result_json TEXT,
    raw_stdout TEXT,
    raw_stderr TEXT,
    config_hash TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_run_status ON jobs(run_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_combo ON jobs(engine_name, pattern_count, input_size, status);
`
