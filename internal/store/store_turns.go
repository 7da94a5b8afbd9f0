package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// AppendTurn adds an entry to the end of a session's transcript.
func (s *Store) AppendTurn(ctx context.Context, sessionID string, in TurnInput) (Turn, error) {
	if !in.Kind.Valid() {
		return Turn{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, in.Kind)
	}
	if in.Content == "" && in.ToolName == "" && in.ToolResult == "" {
		return Turn{}, fmt.Errorf("%w: empty %s turn", ErrInvalidPayload, in.Kind)
	}

	turn := Turn{
		SessionID:  sessionID,
		Kind:       in.Kind,
		Content:    in.Content,
		ToolName:   in.ToolName,
		ToolInput:  in.ToolInput,
		ToolResult: in.ToolResult,
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := statusOf(ctx, tx, sessionID); err != nil {
			return err
		}
		// Stamped while holding the connection so timestamps follow commit order.
		ts := s.now()
		turn.CreatedAt = time.Unix(0, ts).UTC()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO turns (session_id, kind, content, tool_name, tool_input, tool_result, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sessionID, string(in.Kind), in.Content, in.ToolName, string(in.ToolInput), in.ToolResult, ts)
		if err != nil {
			return fmt.Errorf("inserting turn for %s: %w", sessionID, err)
		}
		turn.ID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading turn id: %w", err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, ts, sessionID)
		return err
	})
	if err != nil {
		return Turn{}, err
	}
	s.log.Debug("turn appended",
		zap.String("session_id", sessionID),
		zap.String("kind", string(in.Kind)),
		zap.Int64("turn_id", turn.ID))
	return turn, nil
}

func listTurns(ctx context.Context, tx *sql.Tx, sessionID string) ([]Turn, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, session_id, kind, content, tool_name, tool_input, tool_result, created_at
		FROM turns WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing turns of %s: %w", sessionID, err)
	}
	defer rows.Close()

	turns := []Turn{}
	for rows.Next() {
		var t Turn
		var kind, input string
		var created int64
		if err := rows.Scan(&t.ID, &t.SessionID, &kind, &t.Content, &t.ToolName, &input, &t.ToolResult, &created); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		t.Kind = TurnKind(kind)
		if strings.TrimSpace(input) != "" {
			t.ToolInput = []byte(input)
		}
		t.CreatedAt = time.Unix(0, created).UTC()
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
