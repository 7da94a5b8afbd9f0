package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const sessionColumns = `id, capability_id, query, status, work_dir, cost, created_at, updated_at`

// now returns a strictly increasing unix-nano timestamp.
func (s *Store) now() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := time.Now().UnixNano()
	if t <= s.last {
		t = s.last + 1
	}
	s.last = t
	return t
}

// Upsert creates the session or updates it in place. Moving a finished
// session back to running fails with ErrInvalidTransition.
func (s *Store) Upsert(ctx context.Context, sess Session) error {
	sess.ID = strings.TrimSpace(sess.ID)
	if sess.ID == "" {
		return fmt.Errorf("%w: empty session id", ErrInvalidPayload)
	}
	if sess.Status == "" {
		sess.Status = StatusRunning
	}
	if _, ok := ParseStatus(string(sess.Status)); !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, sess.Status)
	}

	ts := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := statusOf(ctx, tx, sess.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			_, err = tx.ExecContext(ctx,
				`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				sess.ID, sess.CapabilityID, sess.Query, string(sess.Status), sess.WorkDir, sess.Cost, ts, ts)
			if err != nil {
				return fmt.Errorf("inserting session %s: %w", sess.ID, err)
			}
			return nil
		case err != nil:
			return err
		}

		if current.Terminal() && sess.Status == StatusRunning {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, sess.ID, current)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET
				capability_id = CASE WHEN ? = '' THEN capability_id ELSE ? END,
				query = CASE WHEN ? = '' THEN query ELSE ? END,
				work_dir = CASE WHEN ? = '' THEN work_dir ELSE ? END,
				status = ?, updated_at = ?
			WHERE id = ?`,
			sess.CapabilityID, sess.CapabilityID,
			sess.Query, sess.Query,
			sess.WorkDir, sess.WorkDir,
			string(sess.Status), ts, sess.ID)
		if err != nil {
			return fmt.Errorf("updating session %s: %w", sess.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Debug("session upserted",
		zap.String("session_id", sess.ID),
		zap.String("capability_id", sess.CapabilityID),
		zap.String("status", string(sess.Status)))
	return nil
}

// SetStatus changes a session's status. Unknown values are coerced with
// NormalizeStatus; validate with ParseStatus first when that matters.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	next := NormalizeStatus(string(status))
	ts := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := statusOf(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Terminal() && next == StatusRunning {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, current)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
			string(next), ts, id); err != nil {
			return fmt.Errorf("updating status of %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Debug("session status set", zap.String("session_id", id), zap.String("status", string(next)))
	return nil
}

// AddCost accumulates model cost on a session.
func (s *Store) AddCost(ctx context.Context, id string, cost float64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET cost = cost + ? WHERE id = ?`, cost, id)
	if err != nil {
		return fmt.Errorf("adding cost to %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Get returns the session and its ordered transcript.
func (s *Store) Get(ctx context.Context, id string) (*Detail, error) {
	var d *Detail
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
		sess, err := scanSession(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("reading session %s: %w", id, err)
		}
		turns, err := listTurns(ctx, tx, id)
		if err != nil {
			return err
		}
		d = &Detail{Session: sess, Turns: turns}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// List returns sessions, most recently created first. limit <= 0 means all.
func (s *Store) List(ctx context.Context, limit int) ([]Session, error) {
	return s.query(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC LIMIT ?`, sqlLimit(limit))
}

// ListByStatus returns sessions with the given status, most recent first.
func (s *Store) ListByStatus(ctx context.Context, status Status, limit int) ([]Session, error) {
	return s.query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = ? ORDER BY created_at DESC LIMIT ?`,
		string(status), sqlLimit(limit))
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var sess Session
	var status string
	var created, updated int64
	if err := row.Scan(&sess.ID, &sess.CapabilityID, &sess.Query, &status, &sess.WorkDir, &sess.Cost, &created, &updated); err != nil {
		return Session{}, err
	}
	sess.Status = Status(status)
	sess.CreatedAt = time.Unix(0, created).UTC()
	sess.UpdatedAt = time.Unix(0, updated).UTC()
	return sess, nil
}

func statusOf(ctx context.Context, tx *sql.Tx, id string) (Status, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("reading status of %s: %w", id, err)
	}
	return Status(status), nil
}
