package rest

import (
	"context"
	"time"

	"github.com/captrace/captrace/internal/archive"
)

// Store is the subset of archive.Archive methods used by the REST handlers.
// Defining an interface allows handlers to be tested with a mock store
// without a live PostgreSQL connection.
type Store interface {
	// QuerySessions returns sessions matching the given filter and pagination
	// params.
	QuerySessions(ctx context.Context, q archive.SessionQuery) ([]archive.Session, error)

	// GetSession returns the session with the given UUID, or an error
	// wrapping pgx.ErrNoRows when not found.
	GetSession(ctx context.Context, sessionID string) (*archive.Session, error)

	// QueryDiagnostics returns diagnostics for sessionID within [from, to).
	QueryDiagnostics(ctx context.Context, sessionID string, from, to time.Time) ([]archive.Diagnostic, error)
}
