package db

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// Session is the per-request transactional unit: opened at request entry,
// committed on the success path, rolled back otherwise. All writes of one
// request see each other and become visible atomically on commit.
type Session struct {
	Store
	tx   *sql.Tx
	done bool
}

// Begin opens a Session bound to a new transaction.
func (p *Postgres) Begin(ctx context.Context) (*Session, error) {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin session: %w", err)
	}
	return &Session{Store: Store{q: tx}, tx: tx}, nil
}

// Commit finalises the session. Calling it twice is an error in the caller.
func (s *Session) Commit() error {
	if s.done {
		return nil
	}
	s.done = true
	if err := s.tx.Commit(); err != nil {
		return fmt.Errorf("commit session: %w", err)
	}
	return nil
}

// Rollback discards the session. Safe to defer after Commit: it becomes a no-op.
func (s *Session) Rollback() {
	if s.done {
		return
	}
	s.done = true
	if err := s.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		zap.L().Error("session rollback", zap.Error(err))
	}
}
