package db

const schemaDDL = `
CREATE TABLE IF NOT EXISTS events (
  id TEXT PRIMARY KEY,
  ts INTEGER NOT NULL,
  monitor TEXT NOT NULL,
  priority TEXT NOT NULL DEFAULT 'normal',
  payload BLOB,
  segment TEXT NOT NULL,
  imported_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS import_ledger (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  monitor TEXT NOT NULL,
  segment TEXT NOT NULL,
  record_count INTEGER NOT NULL DEFAULT 0,
  imported_at INTEGER NOT NULL,
  UNIQUE (monitor, segment)
);

CREATE INDEX IF NOT EXISTS idx_events_monitor_ts ON events (monitor, ts);
CREATE INDEX IF NOT EXISTS idx_events_segment ON events (segment);
`
