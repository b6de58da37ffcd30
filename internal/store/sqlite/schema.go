package sqlite

// layoutVersion identifies the table layout written by this package.
const layoutVersion = "1"

// initialSchema holds the bucket registry and the ordered entries table.
// BLOB keys compare with memcmp, which gives bytewise ordering.
const initialSchema = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS buckets (
    name TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS kv (
    bucket TEXT NOT NULL,
    k BLOB NOT NULL,
    v BLOB NOT NULL,
    PRIMARY KEY (bucket, k)
) WITHOUT ROWID;
`
