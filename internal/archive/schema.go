package archive

// Schema is the DDL for the archive's two tables. It is idempotent
// (CREATE ... IF NOT EXISTS) and exported so that operators and the
// integration tests can apply it without a separate migrations tree.
const Schema = `
CREATE TABLE IF NOT EXISTS capture_sessions (
    session_id          UUID PRIMARY KEY,
    hostname            TEXT NOT NULL,
    target_pid          BIGINT NOT NULL,
    executable_path     TEXT,
    producer_name       TEXT,
    client_version      TEXT,
    started_at          TIMESTAMPTZ NOT NULL,
    stopped_at          TIMESTAMPTZ,
    status              TEXT NOT NULL,
    options             JSONB,
    events_total        BIGINT NOT NULL DEFAULT 0,
    lost_records_total  BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_capture_sessions_started
    ON capture_sessions (started_at DESC);
CREATE INDEX IF NOT EXISTS idx_capture_sessions_hostname
    ON capture_sessions (hostname, started_at DESC);

CREATE TABLE IF NOT EXISTS diagnostics (
    diagnostic_id  UUID PRIMARY KEY,
    session_id     UUID NOT NULL REFERENCES capture_sessions (session_id),
    timestamp_ns   BIGINT NOT NULL,
    kind           TEXT NOT NULL,
    event          JSONB,
    received_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_diagnostics_session
    ON diagnostics (session_id, received_at);
`
