package processstore

const schema = `
CREATE TABLE IF NOT EXISTS processes (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    scope TEXT NOT NULL,
    scope_id TEXT NOT NULL,
    type TEXT NOT NULL,
    command TEXT NOT NULL,
    cwd TEXT NOT NULL DEFAULT '',
    env TEXT,
    cols INTEGER NOT NULL,
    rows INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'starting',
    exit_code INTEGER,
    label TEXT NOT NULL DEFAULT '',
    service_id TEXT NOT NULL DEFAULT '',
    log_path TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    started_at INTEGER,
    ended_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_processes_project_id ON processes(project_id);
CREATE INDEX IF NOT EXISTS idx_processes_scope ON processes(scope, scope_id);
CREATE INDEX IF NOT EXISTS idx_processes_status ON processes(status);

CREATE TABLE IF NOT EXISTS process_output (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    process_id TEXT NOT NULL REFERENCES processes(id) ON DELETE CASCADE,
    timestamp INTEGER NOT NULL,
    stream TEXT NOT NULL,
    data BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_process_output_process_ts ON process_output(process_id, timestamp);
`
