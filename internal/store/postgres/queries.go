package postgres

const querySchema = `
CREATE TABLE IF NOT EXISTS kv_records (
    key        TEXT PRIMARY KEY,
    value      BYTEA NOT NULL,
    expires_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS kv_records_expires_at_idx
    ON kv_records (expires_at) WHERE expires_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS queue_entries (
    queue TEXT NOT NULL,
    id    TEXT NOT NULL,
    score DOUBLE PRECISION NOT NULL,
    seq   BIGSERIAL,
    PRIMARY KEY (queue, id)
);

CREATE INDEX IF NOT EXISTS queue_entries_pop_idx
    ON queue_entries (queue, score DESC, seq ASC);
`

const queryPut = `
INSERT INTO kv_records (key, value, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE
SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
`

// Overwrites only when the existing row has expired.
const queryPutIfAbsent = `
INSERT INTO kv_records (key, value, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE
SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
WHERE kv_records.expires_at IS NOT NULL AND kv_records.expires_at <= $4
`

const queryGet = `
SELECT value FROM kv_records
WHERE key = $1
  AND (expires_at IS NULL OR expires_at > $2)
`

const queryDelete = `
DELETE FROM kv_records WHERE key = $1
`

// Re-enqueueing keeps the original seq so FIFO order among equal scores
// reflects first insertion.
const queryEnqueue = `
INSERT INTO queue_entries (queue, id, score)
VALUES ($1, $2, $3)
ON CONFLICT (queue, id) DO UPDATE
SET score = EXCLUDED.score
`

const queryPopMax = `
DELETE FROM queue_entries
WHERE (queue, id) = (
    SELECT queue, id FROM queue_entries
    WHERE queue = $1
    ORDER BY score DESC, seq ASC
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING id, score
`

const queryRemoveFromQueue = `
DELETE FROM queue_entries WHERE queue = $1 AND id = $2
`

const querySize = `
SELECT COUNT(*) FROM queue_entries WHERE queue = $1
`

const queryPurgeExpired = `
DELETE FROM kv_records
WHERE expires_at IS NOT NULL AND expires_at <= $1
`
