package taskstore

const schema = `
CREATE TABLE IF NOT EXISTS kv (
    key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    version INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS changes (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    key TEXT NOT NULL,
    value BLOB,
    version INTEGER NOT NULL,
    deleted BOOLEAN NOT NULL DEFAULT FALSE,
    committed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_changes_key ON changes(key);
CREATE INDEX IF NOT EXISTS idx_changes_committed_at ON changes(committed_at);
`
