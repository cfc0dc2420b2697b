package history

const schema = `
-- One row per distinct target: the latest outcome. Rows conflict on
-- user_id when known; handle-only rows are keyed by screen_name in
-- application code.
CREATE TABLE IF NOT EXISTS block_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    screen_name TEXT NOT NULL,
    user_id TEXT,
    display_name TEXT,
    blocked_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    status TEXT NOT NULL DEFAULT 'blocked',
    response_code INTEGER,
    error_message TEXT,
    error_kind TEXT,
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_retry_at TIMESTAMP,
    user_status TEXT,
    UNIQUE(user_id)
);

CREATE INDEX IF NOT EXISTS idx_block_history_screen_name ON block_history(screen_name);
CREATE INDEX IF NOT EXISTS idx_block_history_status ON block_history(status);

-- One row per engine invocation.
CREATE TABLE IF NOT EXISTS process_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_start TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    total_targets INTEGER,
    processed INTEGER NOT NULL DEFAULT 0,
    blocked INTEGER NOT NULL DEFAULT 0,
    skipped INTEGER NOT NULL DEFAULT 0,
    errors INTEGER NOT NULL DEFAULT 0,
    completed BOOLEAN NOT NULL DEFAULT FALSE
);
`
