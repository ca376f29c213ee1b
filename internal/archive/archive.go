package archive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of diagnostic rows held
	// in-memory before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending diagnostics even when the batch has not yet reached
	// DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Archive is the PostgreSQL-backed store for capture session metadata.
//
// Diagnostic ingestion is batched: callers enqueue individual Diagnostic
// values via BatchInsertDiagnostics, which accumulates them in memory and
// flushes to the database either when the buffer reaches batchSize or when
// the background ticker fires, whichever comes first. Session operations are
// executed immediately.
type Archive struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []Diagnostic
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and starts
// the background flush goroutine.
//
// batchSize ≤ 0 is replaced with DefaultBatchSize.
// flushInterval ≤ 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Archive, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	a := &Archive{
		pool:          pool,
		batch:         make([]Diagnostic, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go a.flushLoop()
	return a, nil
}

// Close stops the background flush goroutine, flushes any remaining buffered
// diagnostics, and closes the connection pool. It is safe to call Close more
// than once; subsequent calls are no-ops.
func (a *Archive) Close(ctx context.Context) {
	select {
	case <-a.stopCh:
		// already closed
	default:
		close(a.stopCh)
		<-a.doneCh
		// Best-effort final flush; errors are not propagated on close.
		_ = a.Flush(ctx)
	}
	a.pool.Close()
}

// flushLoop is the background goroutine that ticks on flushInterval and
// calls Flush. It exits when stopCh is closed.
func (a *Archive) flushLoop() {
	defer close(a.doneCh)
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			_ = a.Flush(context.Background())
		}
	}
}

// --- Session operations ---

// UpsertSession inserts a new session or, on session_id conflict, updates
// all mutable fields. A reconnecting producer re-registers the same session
// id; the upsert keeps the original started_at row authoritative while
// refreshing the metadata the client reports.
func (a *Archive) UpsertSession(ctx context.Context, s Session) error {
	options := []byte(s.Options)
	if options == nil {
		options = []byte("null")
	}
	_, err := a.pool.Exec(ctx, `
		INSERT INTO capture_sessions
			(session_id, hostname, target_pid, executable_path, producer_name,
			 client_version, started_at, stopped_at, status, options,
			 events_total, lost_records_total)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (session_id) DO UPDATE SET
			hostname        = EXCLUDED.hostname,
			target_pid      = EXCLUDED.target_pid,
			executable_path = EXCLUDED.executable_path,
			producer_name   = EXCLUDED.producer_name,
			client_version  = EXCLUDED.client_version,
			status          = EXCLUDED.status`,
		s.SessionID,
		s.Hostname,
		int64(s.TargetPID),
		nullableStr(s.ExecutablePath),
		nullableStr(s.ProducerName),
		nullableStr(s.ClientVersion),
		s.StartedAt,
		s.StoppedAt,
		string(s.Status),
		options,
		s.EventsTotal,
		s.LostRecordsTotal,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// FinishSession records the terminal state of a session: when it stopped,
// whether it succeeded, and the summary counters accumulated over its
// lifetime.
func (a *Archive) FinishSession(ctx context.Context, sessionID string, status SessionStatus, stoppedAt time.Time, eventsTotal, lostRecordsTotal int64) error {
	tag, err := a.pool.Exec(ctx, `
		UPDATE capture_sessions
		SET    stopped_at         = $2,
		       status             = $3,
		       events_total       = $4,
		       lost_records_total = $5
		WHERE  session_id = $1`,
		sessionID, stoppedAt, string(status), eventsTotal, lostRecordsTotal,
	)
	if err != nil {
		return fmt.Errorf("finish session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish session %s: %w", sessionID, pgx.ErrNoRows)
	}
	return nil
}

// GetSession returns the session with the given UUID, or an error wrapping
// pgx.ErrNoRows when not found.
func (a *Archive) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := a.pool.QueryRow(ctx, `
		SELECT session_id, hostname, target_pid, executable_path, producer_name,
		       client_version, started_at, stopped_at, status, options,
		       events_total, lost_records_total
		FROM   capture_sessions
		WHERE  session_id = $1`, sessionID)
	s, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return s, nil
}

// QuerySessions returns paginated sessions whose started_at falls within
// [q.From, q.To).
//
// Optional filters: q.Hostname (exact match), q.Status (exact match).
// q.Limit defaults to 100; q.Offset enables cursor-style pagination.
// Results are ordered by started_at DESC, session_id ASC.
func (a *Archive) QuerySessions(ctx context.Context, q SessionQuery) ([]Session, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	// Base args: $1=from, $2=to, $3=limit, $4=offset
	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE started_at >= $1 AND started_at < $2"
	argIdx := 5

	if q.Hostname != "" {
		where += fmt.Sprintf(" AND hostname = $%d", argIdx)
		args = append(args, q.Hostname)
		argIdx++
	}
	if q.Status != nil {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(*q.Status))
		argIdx++ //nolint:ineffassign // reserved for future filters
	}

	sql := fmt.Sprintf(`
		SELECT session_id, hostname, target_pid, executable_path, producer_name,
		       client_version, started_at, stopped_at, status, options,
		       events_total, lost_records_total
		FROM   capture_sessions
		%s
		ORDER  BY started_at DESC, session_id
		LIMIT  $3 OFFSET $4`, where)

	rows, err := a.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// --- Diagnostic operations ---

// BatchInsertDiagnostics enqueues d for deferred batch insertion.
//
// If the internal buffer reaches batchSize after appending, Flush is called
// synchronously before returning so that the caller observes back-pressure
// rather than unbounded memory growth.
func (a *Archive) BatchInsertDiagnostics(ctx context.Context, d Diagnostic) error {
	a.mu.Lock()
	a.batch = append(a.batch, d)
	full := len(a.batch) >= a.batchSize
	a.mu.Unlock()

	if full {
		return a.Flush(ctx)
	}
	return nil
}

// Flush drains the current diagnostic buffer and sends all rows to
// PostgreSQL in a single pgx.Batch round-trip. Rows that conflict on the
// primary key are silently ignored (idempotent replay support: the
// transport's at-least-once spool may re-deliver).
//
// Flush is safe to call concurrently: a mutex swap ensures each call drains
// a distinct snapshot of the buffer.
func (a *Archive) Flush(ctx context.Context) error {
	a.mu.Lock()
	if len(a.batch) == 0 {
		a.mu.Unlock()
		return nil
	}
	toInsert := a.batch
	a.batch = make([]Diagnostic, 0, a.batchSize)
	a.mu.Unlock()

	const query = `
		INSERT INTO diagnostics
			(diagnostic_id, session_id, timestamp_ns, kind, event, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		d := &toInsert[i]
		event := []byte(d.Event)
		if event == nil {
			event = []byte("null")
		}
		b.Queue(query,
			d.DiagnosticID, d.SessionID, d.TimestampNS, d.Kind,
			event,
			d.ReceivedAt,
		)
	}

	br := a.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec diagnostic: %w", err)
		}
	}
	return nil
}

// QueryDiagnostics returns diagnostics for sessionID with received_at in
// [from, to), ordered by received_at ascending.
func (a *Archive) QueryDiagnostics(ctx context.Context, sessionID string, from, to time.Time) ([]Diagnostic, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT diagnostic_id, session_id, timestamp_ns, kind, event, received_at
		FROM   diagnostics
		WHERE  session_id = $1 AND received_at >= $2 AND received_at < $3
		ORDER  BY received_at ASC`,
		sessionID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("query diagnostics: %w", err)
	}
	defer rows.Close()

	var diags []Diagnostic
	for rows.Next() {
		var d Diagnostic
		var event []byte
		err := rows.Scan(
			&d.DiagnosticID, &d.SessionID, &d.TimestampNS, &d.Kind,
			&event,
			&d.ReceivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan diagnostic: %w", err)
		}
		d.Event = event
		diags = append(diags, d)
	}
	return diags, rows.Err()
}

// --- internal helpers ---

// scanner is satisfied by both pgx.Row and pgx.Rows, allowing shared scan
// helpers across single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

// scanSession reads one capture_sessions row from s.
func scanSession(s scanner) (*Session, error) {
	var sess Session
	var targetPID int64
	var execPath, producerName, clientVersion *string
	var status string
	var options []byte
	err := s.Scan(
		&sess.SessionID, &sess.Hostname, &targetPID,
		&execPath, &producerName, &clientVersion,
		&sess.StartedAt, &sess.StoppedAt,
		&status, &options,
		&sess.EventsTotal, &sess.LostRecordsTotal,
	)
	if err != nil {
		return nil, err
	}
	sess.TargetPID = uint32(targetPID)
	sess.Status = SessionStatus(status)
	sess.Options = options
	if execPath != nil {
		sess.ExecutablePath = *execPath
	}
	if producerName != nil {
		sess.ProducerName = *producerName
	}
	if clientVersion != nil {
		sess.ClientVersion = *clientVersion
	}
	return &sess, nil
}

// nullableStr converts an empty string to a nil pointer, which pgx stores as
// SQL NULL. A non-empty string is returned as-is.
func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
