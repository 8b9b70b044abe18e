package interfaces

import (
	"context"
	"time"

	"fanout/pkg/types"
)

// ConnectionJournal keeps a durable history of connection sessions.
// Journal writes are best effort; callers log failures and move on.
type ConnectionJournal interface {
	// RecordConnect stores the opening of a connection session.
	RecordConnect(ctx context.Context, session *types.ConnectionSession) error

	// RecordDisconnect closes a previously recorded session.
	RecordDisconnect(ctx context.Context, connectionID string, at time.Time, reason string) error

	// RecentSessions returns the newest sessions of a user, newest first.
	RecentSessions(ctx context.Context, userID string, limit int) ([]*types.ConnectionSession, error)

	// HealthCheck verifies the journal database is reachable.
	HealthCheck(ctx context.Context) error

	// Close stops the writer and closes the database.
	Close() error
}
