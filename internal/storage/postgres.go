package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS chat_sessions (
	id          UUID PRIMARY KEY,
	session_id  TEXT NOT NULL UNIQUE,
	user_id     TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	is_deleted  BOOLEAN NOT NULL DEFAULT FALSE,
	deleted_at  TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS chat_sessions_user_updated ON chat_sessions (user_id, updated_at DESC);
CREATE INDEX IF NOT EXISTS chat_sessions_deleted ON chat_sessions (deleted_at) WHERE is_deleted;

CREATE TABLE IF NOT EXISTS chat_checkpoints (
	session_id  TEXT NOT NULL,
	thread_id   TEXT NOT NULL DEFAULT '',
	step        BIGINT NOT NULL,
	pending     TEXT NOT NULL,
	state       BYTEA NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, step)
);

DO $$
BEGIN
	IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'chat_checkpoints_session_fk') THEN
		DELETE FROM chat_checkpoints c
		WHERE NOT EXISTS (SELECT 1 FROM chat_sessions s WHERE s.session_id = c.session_id);
		ALTER TABLE chat_checkpoints ADD CONSTRAINT chat_checkpoints_session_fk
			FOREIGN KEY (session_id) REFERENCES chat_sessions (session_id) ON DELETE CASCADE;
	END IF;
END
$$;
`

const sessionColumns = `id::text, session_id, user_id, title, is_deleted, deleted_at, created_at, updated_at`

// PostgresStore implements Store on PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	opts Options
}

// NewPostgresStore connects to databaseURL and creates the tables when missing.
func NewPostgresStore(ctx context.Context, databaseURL string, opts Options) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &PostgresStore{pool: pool, opts: opts}, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sessionID, userID, title string) (*Session, error) {
	if err := validateIDs(sessionID, userID); err != nil {
		return nil, err
	}

	now := s.opts.now()
	sess := &Session{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		Title:     TitleFromMessage(title),
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_sessions (id, session_id, user_id, title, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.ID, sess.SessionID, sess.UserID, sess.Title, sess.CreatedAt, sess.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: %s", ErrSessionConflict, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string, includeDeleted bool) (*Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions
		 WHERE session_id = $1 AND ($2 OR NOT is_deleted)`, sessionID, includeDeleted,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, userID string, includeDeleted bool) ([]*Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions
		 WHERE user_id = $1 AND ($2 OR NOT is_deleted)
		 ORDER BY updated_at DESC`, userID, includeDeleted,
	)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) UpdateTitle(ctx context.Context, sessionID, title string) (*Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`UPDATE chat_sessions SET title = $2, updated_at = $3
		 WHERE session_id = $1 AND NOT is_deleted
		 RETURNING `+sessionColumns, sessionID, TitleFromMessage(title), s.opts.now(),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("updating title: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) TouchSession(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chat_sessions SET updated_at = $2 WHERE session_id = $1`, sessionID, s.opts.now(),
	)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

func (s *PostgresStore) SoftDelete(ctx context.Context, sessionID string) (bool, error) {
	now := s.opts.now()
	tag, err := s.pool.Exec(ctx,
		`UPDATE chat_sessions SET is_deleted = TRUE, deleted_at = $2, updated_at = $2
		 WHERE session_id = $1 AND NOT is_deleted`, sessionID, now,
	)
	if err != nil {
		return false, fmt.Errorf("soft deleting session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Restore(ctx context.Context, sessionID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chat_sessions SET is_deleted = FALSE, deleted_at = NULL, updated_at = $2
		 WHERE session_id = $1 AND is_deleted`, sessionID, s.opts.now(),
	)
	if err != nil {
		return false, fmt.Errorf("restoring session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Purge(ctx context.Context, sessionID string) (bool, error) {
	// checkpoints go with the session through ON DELETE CASCADE
	tag, err := s.pool.Exec(ctx, `DELETE FROM chat_sessions WHERE session_id = $1`, sessionID)
	if err != nil {
		return false, fmt.Errorf("purging session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Cleanup(ctx context.Context, maxAgeDays int) (int, error) {
	var removed int
	err := s.pool.QueryRow(ctx,
		`WITH expired AS (
			DELETE FROM chat_sessions
			WHERE is_deleted AND deleted_at < $1
			RETURNING session_id
		)
		SELECT count(*) FROM expired`, cutoff(s.opts.now(), maxAgeDays),
	).Scan(&removed)
	if err != nil {
		return 0, fmt.Errorf("cleaning up sessions: %w", err)
	}
	return removed, nil
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, sessionID string, cp *Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}
	createdAt := cp.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.opts.now()
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sessionID); err != nil {
			return err
		}

		var latest *int64
		if err := tx.QueryRow(ctx,
			`SELECT max(step) FROM chat_checkpoints WHERE session_id = $1`, sessionID,
		).Scan(&latest); err != nil {
			return err
		}
		if latest != nil && cp.Step <= *latest {
			return fmt.Errorf("%w: step %d <= %d", ErrStaleCheckpoint, cp.Step, *latest)
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO chat_checkpoints (session_id, thread_id, step, pending, state, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			sessionID, cp.ThreadID, cp.Step, cp.Pending, cp.State, createdAt,
		)
		return err
	})
	if errors.Is(err, ErrStaleCheckpoint) {
		return err
	}
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: step %d already stored", ErrStaleCheckpoint, cp.Step)
	}
	if err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error) {
	cp := &Checkpoint{SessionID: sessionID}
	err := s.pool.QueryRow(ctx,
		`SELECT thread_id, step, pending, state, created_at FROM chat_checkpoints
		 WHERE session_id = $1 ORDER BY step DESC LIMIT 1`, sessionID,
	).Scan(&cp.ThreadID, &cp.Step, &cp.Pending, &cp.State, &cp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying checkpoint: %w", err)
	}
	cp.CreatedAt = cp.CreatedAt.UTC()
	return cp, nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanSession(row pgx.Row) (*Session, error) {
	sess := &Session{}
	var deletedAt *time.Time
	if err := row.Scan(
		&sess.ID, &sess.SessionID, &sess.UserID, &sess.Title,
		&sess.IsDeleted, &deletedAt, &sess.CreatedAt, &sess.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.UpdatedAt = sess.UpdatedAt.UTC()
	if deletedAt != nil {
		t := deletedAt.UTC()
		sess.DeletedAt = &t
	}
	return sess, nil
}

func isUniqueViolation(err error) bool {
	if pgerr := new(pgconn.PgError); errors.As(err, &pgerr) {
		return pgerr.Code == pgerrcode.UniqueViolation
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	if pgerr := new(pgconn.PgError); errors.As(err, &pgerr) {
		return pgerr.Code == pgerrcode.ForeignKeyViolation
	}
	return false
}
