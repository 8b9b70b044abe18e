package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	dbconfig "fanout/pkg/database"
	"fanout/pkg/types"
)

// Manager is the SQLite connection journal. Reads go straight to the pool;
// writes are serialized through one goroutine. It implements
// interfaces.ConnectionJournal.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	logger       zerolog.Logger
}

type writeOperation struct {
	ctx       context.Context
	operation func(context.Context, *sql.DB) error
	result    chan error
}

// NewManager opens the database, applies the embedded migrations and starts
// the writer.
func NewManager(ctx context.Context, config *dbconfig.Config, logger zerolog.Logger) (*Manager, error) {
	db, err := dbconfig.Open(config)
	if err != nil {
		return nil, err
	}

	applied, err := dbconfig.NewMigrationManager(db, dbconfig.Migrations()).ApplyMigrations(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	if err := dbconfig.NewSchemaValidator(db).Validate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("validate journal schema: %w", err)
	}

	m := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		logger:       logger.With().Str("component", "journal").Logger(),
	}
	if len(applied) > 0 {
		m.logger.Info().Strs("versions", applied).Msg("journal migrations applied")
	}

	m.wg.Add(1)
	go m.writeLoop()
	return m, nil
}

// writeLoop runs every write. A failed write is retried once after the
// configured delay unless its context is done.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(op.ctx, m.db)
			if err != nil && !isPermanent(err) && op.ctx.Err() == nil {
				m.logger.Warn().Err(err).Dur("retry_in", m.config.WriteRetryDelay).Msg("journal write failed, retrying")
				select {
				case <-time.After(m.config.WriteRetryDelay):
					err = op.operation(op.ctx, m.db)
				case <-op.ctx.Done():
					err = op.ctx.Err()
				case <-m.shutdown:
				}
			}
			op.result <- err

		case <-m.shutdown:
			return
		}
	}
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrInvalidSession)
}

// executeWrite queues operation and waits for its result or ctx.
func (m *Manager) executeWrite(ctx context.Context, operation func(context.Context, *sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// RecordConnect stores the opening of a session. Recording the same id
// twice keeps the first record.
func (m *Manager) RecordConnect(ctx context.Context, session *types.ConnectionSession) error {
	if session == nil || session.ID == "" || session.UserID == "" {
		return ErrInvalidSession
	}
	connectedAt := session.ConnectedAt
	if connectedAt.IsZero() {
		connectedAt = time.Now()
	}

	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO connection_sessions (id, user_id, remote_addr, connected_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, session.ID, session.UserID, session.RemoteAddr, connectedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// RecordDisconnect closes an open session. Closing an already closed
// session keeps the first close.
func (m *Manager) RecordDisconnect(ctx context.Context, connectionID string, at time.Time, reason string) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE connection_sessions
			SET disconnected_at = ?, close_reason = ?
			WHERE id = ? AND disconnected_at IS NULL
		`, at.UTC(), reason, connectionID)
		if err != nil {
			return fmt.Errorf("close session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists int
			err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM connection_sessions WHERE id = ?", connectionID).Scan(&exists)
			if err != nil {
				return err
			}
			if exists == 0 {
				return ErrSessionNotFound
			}
		}
		return nil
	})
}

// RecentSessions returns up to limit sessions of userID, newest first.
func (m *Manager) RecentSessions(ctx context.Context, userID string, limit int) ([]*types.ConnectionSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, user_id, remote_addr, connected_at, disconnected_at, close_reason
		FROM connection_sessions
		WHERE user_id = ?
		ORDER BY connected_at DESC, rowid DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.ConnectionSession
	for rows.Next() {
		var (
			s            types.ConnectionSession
			disconnected sql.NullTime
		)
		if err := rows.Scan(&s.ID, &s.UserID, &s.RemoteAddr, &s.ConnectedAt, &disconnected, &s.CloseReason); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if disconnected.Valid {
			t := disconnected.Time
			s.DisconnectedAt = &t
		}
		sessions = append(sessions, &s)
	}
	return sessions, rows.Err()
}

// CountOpenSessions returns sessions with no recorded disconnect.
func (m *Manager) CountOpenSessions(ctx context.Context) (int, error) {
	var n int
	err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM connection_sessions WHERE disconnected_at IS NULL").Scan(&n)
	return n, err
}

// CloseOpenSessions marks every open session closed with reason. Used at
// startup to settle sessions left open by a crash.
func (m *Manager) CloseOpenSessions(ctx context.Context, at time.Time, reason string) (int64, error) {
	var n int64
	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE connection_sessions
			SET disconnected_at = ?, close_reason = ?
			WHERE disconnected_at IS NULL
		`, at.UTC(), reason)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func (m *Manager) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrManagerClosed
	}
	return m.db.PingContext(ctx)
}

// Close stops the writer and closes the database. It is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.shutdown)
	m.mu.Unlock()

	m.wg.Wait()
	return m.db.Close()
}
