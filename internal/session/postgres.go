package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists sessions in the game_sessions table. The table
// carries an index on expires_at so DeleteExpired stays a range scan:
//
//	CREATE TABLE game_sessions (
//	    session_id      UUID PRIMARY KEY,
//	    secret          TEXT NOT NULL,
//	    seed            BIGINT NOT NULL,
//	    created_at      TIMESTAMPTZ NOT NULL,
//	    expires_at      TIMESTAMPTZ NOT NULL,
//	    is_active       BOOLEAN NOT NULL,
//	    validated_score BIGINT
//	);
//	CREATE INDEX game_sessions_expires_at_idx ON game_sessions (expires_at);
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Insert(ctx context.Context, s *Session) error {
	const stmt = `
INSERT INTO game_sessions (session_id, secret, seed, created_at, expires_at, is_active)
VALUES ($1, $2, $3, $4, $5, $6);`

	_, err := p.db.Exec(ctx, stmt, s.ID, s.Secret, s.Seed, s.CreatedAt, s.ExpiresAt, s.IsActive)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	const stmt = `
SELECT session_id, secret, seed, created_at, expires_at, is_active, validated_score
FROM game_sessions
WHERE session_id = $1;`

	var s Session
	err := p.db.QueryRow(ctx, stmt, id).Scan(
		&s.ID, &s.Secret, &s.Seed, &s.CreatedAt, &s.ExpiresAt, &s.IsActive, &s.ValidatedScore,
	)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}

	return &s, nil
}

// Consume is a single conditional UPDATE, so concurrent submissions against
// one session race on the row, not in application code: exactly one update
// matches the active row.
func (p *PostgresStore) Consume(ctx context.Context, id string, validatedScore int64, now time.Time) error {
	const stmt = `
UPDATE game_sessions
SET is_active = FALSE, validated_score = $2
WHERE session_id = $1 AND is_active AND expires_at > $3;`

	tag, err := p.db.Exec(ctx, stmt, id, validatedScore, now)
	if err != nil {
		return fmt.Errorf("consume session: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Nothing matched; classify why for the caller.
	const classify = `SELECT is_active, expires_at FROM game_sessions WHERE session_id = $1;`

	var (
		active    bool
		expiresAt time.Time
	)
	err = p.db.QueryRow(ctx, classify, id).Scan(&active, &expiresAt)
	switch {
	case stderrors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("classify session: %w", err)
	case !now.Before(expiresAt):
		return ErrExpired
	default:
		return ErrConsumed
	}
}

func (p *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	const stmt = `DELETE FROM game_sessions WHERE expires_at < $1;`

	tag, err := p.db.Exec(ctx, stmt, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}

	return int(tag.RowsAffected()), nil
}
