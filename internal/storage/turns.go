package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var turnColumns = []string{
	"id", "conversation_id", "role", "content", "generating",
	"error_text", "error_code", "prompt_tokens", "completion_tokens",
	"total_tokens", "finish_reason", "provider_key", "model",
	"created_at", "updated_at",
}

func (s *Store) InsertTurn(ctx context.Context, t Turn) error {
	q := s.sql.Insert("turns").
		Columns(turnColumns...).
		Values(t.ID, t.ConversationID, t.Role, t.Content, t.Generating,
			t.ErrorText, t.ErrorCode, t.PromptTokens, t.CompletionTokens,
			t.TotalTokens, t.FinishReason, t.ProviderKey, t.Model,
			t.CreatedAt, t.UpdatedAt)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert turn query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

func (s *Store) GetTurn(ctx context.Context, id string) (Turn, error) {
	q := s.sql.Select(turnColumns...).
		From("turns").
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Turn{}, fmt.Errorf("build get turn query: %w", err)
	}

	t, err := scanTurn(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Turn{}, ErrNotFound
		}
		return Turn{}, fmt.Errorf("get turn: %w", err)
	}
	return t, nil
}

// UpdateTurnContent replaces the turn's content and touches its timestamp.
// Called for every streamed chunk so a crash mid-stream leaves the partial
// answer durable.
func (s *Store) UpdateTurnContent(ctx context.Context, id, content string, at time.Time) error {
	q := s.sql.Update("turns").
		Set("content", content).
		Set("updated_at", at).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update turn content query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("update turn content: %w", err)
	}
	return nil
}

// FinalizeTurn clears the generating flag and records finish reason and
// token usage on a successful completion.
func (s *Store) FinalizeTurn(ctx context.Context, id, content, finishReason string, promptTokens, completionTokens, totalTokens *int, at time.Time) error {
	q := s.sql.Update("turns").
		Set("content", content).
		Set("generating", false).
		Set("finish_reason", nullIfEmpty(finishReason)).
		Set("prompt_tokens", promptTokens).
		Set("completion_tokens", completionTokens).
		Set("total_tokens", totalTokens).
		Set("updated_at", at).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build finalize turn query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("finalize turn: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailTurn clears the generating flag and records the error while keeping
// whatever partial content accumulated before the failure.
func (s *Store) FailTurn(ctx context.Context, id, content, errText, errCode string, at time.Time) error {
	q := s.sql.Update("turns").
		Set("content", content).
		Set("generating", false).
		Set("error_text", nullIfEmpty(errText)).
		Set("error_code", nullIfEmpty(errCode)).
		Set("updated_at", at).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build fail turn query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("fail turn: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecentTurns returns up to limit most recent turns of a conversation,
// newest first. A limit of zero or less means no limit.
func (s *Store) RecentTurns(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	q := s.sql.Select(turnColumns...).
		From("turns").
		Where(sq.Eq{"conversation_id": conversationID}).
		OrderBy("created_at DESC", "id DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build recent turns query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}
	defer rows.Close()

	out := make([]Turn, 0)
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return out, nil
}

// RecentContextTurns returns up to limit most recent turns that qualify for
// an outbound context window, newest first: user or assistant role, finished,
// no error and non-empty content.
func (s *Store) RecentContextTurns(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	q := s.sql.Select(turnColumns...).
		From("turns").
		Where(sq.Eq{"conversation_id": conversationID}).
		Where(sq.Eq{"role": []string{"user", "assistant"}}).
		Where(sq.Eq{"generating": false}).
		Where("error_text IS NULL").
		Where(sq.NotEq{"content": ""}).
		OrderBy("created_at DESC", "id DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build context turns query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("context turns: %w", err)
	}
	defer rows.Close()

	out := make([]Turn, 0)
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return out, nil
}

// ListTurns returns all turns of a conversation in chronological order.
func (s *Store) ListTurns(ctx context.Context, conversationID string) ([]Turn, error) {
	q := s.sql.Select(turnColumns...).
		From("turns").
		Where(sq.Eq{"conversation_id": conversationID}).
		OrderBy("created_at ASC", "id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list turns query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	out := make([]Turn, 0)
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return out, nil
}

// FailInterruptedTurns fails every turn still flagged as generating,
// keeping whatever content it accumulated. A turn only stays in that state
// when the process died mid-stream, so this runs once at startup; without
// it the stale flag would block the conversation forever.
func (s *Store) FailInterruptedTurns(ctx context.Context, at time.Time) (int64, error) {
	q := s.sql.Update("turns").
		Set("generating", false).
		Set("error_text", "interrupted before completion").
		Set("error_code", "interrupted").
		Set("updated_at", at).
		Where(sq.Eq{"generating": true})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build interrupted turns query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted turns: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count interrupted turns: %w", err)
	}
	return n, nil
}

// HasGeneratingTurn reports whether any turn of the conversation still has
// the generating flag set.
func (s *Store) HasGeneratingTurn(ctx context.Context, conversationID string) (bool, error) {
	q := s.sql.Select("COUNT(1)").
		From("turns").
		Where(sq.Eq{"conversation_id": conversationID, "generating": true})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build generating turn query: %w", err)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("count generating turns: %w", err)
	}
	return n > 0, nil
}

func scanTurn(row rowScanner) (Turn, error) {
	var t Turn
	var errText, errCode, finishReason sql.NullString
	var promptTokens, completionTokens, totalTokens sql.NullInt64
	err := row.Scan(
		&t.ID, &t.ConversationID, &t.Role, &t.Content, &t.Generating,
		&errText, &errCode, &promptTokens, &completionTokens,
		&totalTokens, &finishReason, &t.ProviderKey, &t.Model,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return Turn{}, err
	}
	if errText.Valid {
		t.ErrorText = &errText.String
	}
	if errCode.Valid {
		t.ErrorCode = &errCode.String
	}
	if finishReason.Valid {
		t.FinishReason = &finishReason.String
	}
	if promptTokens.Valid {
		v := int(promptTokens.Int64)
		t.PromptTokens = &v
	}
	if completionTokens.Valid {
		v := int(completionTokens.Int64)
		t.CompletionTokens = &v
	}
	if totalTokens.Valid {
		v := int(totalTokens.Int64)
		t.TotalTokens = &v
	}
	return t, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
