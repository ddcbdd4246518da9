package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var conversationColumns = []string{
	"id", "name", "provider_key", "model", "system_prompt",
	"temperature", "top_p", "max_tokens", "max_context_messages",
	"stream", "starred", "hidden", "created_at", "updated_at",
}

func (s *Store) CreateConversation(ctx context.Context, c Conversation) error {
	q := s.sql.Insert("conversations").
		Columns(conversationColumns...).
		Values(c.ID, c.Name, c.ProviderKey, c.Model, c.SystemPrompt,
			c.Temperature, c.TopP, c.MaxTokens, c.MaxContextMessages,
			c.Stream, c.Starred, c.Hidden, c.CreatedAt, c.UpdatedAt)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build create conversation query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	q := s.sql.Select(conversationColumns...).
		From("conversations").
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build get conversation query: %w", err)
	}

	c, err := scanConversation(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *Store) ListConversations(ctx context.Context, includeHidden bool) ([]Conversation, error) {
	q := s.sql.Select(conversationColumns...).
		From("conversations").
		OrderBy("updated_at DESC")
	if !includeHidden {
		q = q.Where(sq.Eq{"hidden": false})
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list conversations query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

// UpdateConversationSettings rewrites the user-editable fields and touches
// the updated-at timestamp.
func (s *Store) UpdateConversationSettings(ctx context.Context, c Conversation) error {
	q := s.sql.Update("conversations").
		Set("name", c.Name).
		Set("provider_key", c.ProviderKey).
		Set("model", c.Model).
		Set("system_prompt", c.SystemPrompt).
		Set("temperature", c.Temperature).
		Set("top_p", c.TopP).
		Set("max_tokens", c.MaxTokens).
		Set("max_context_messages", c.MaxContextMessages).
		Set("stream", c.Stream).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": c.ID})

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update conversation query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	q := s.sql.Update("conversations").
		Set("updated_at", at).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build touch conversation query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

func (s *Store) SetConversationStarred(ctx context.Context, id string, starred bool) error {
	return s.setConversationFlag(ctx, id, "starred", starred)
}

func (s *Store) SetConversationHidden(ctx context.Context, id string, hidden bool) error {
	return s.setConversationFlag(ctx, id, "hidden", hidden)
}

func (s *Store) setConversationFlag(ctx context.Context, id, column string, value bool) error {
	q := s.sql.Update("conversations").
		Set(column, value).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set %s query: %w", column, err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("set conversation %s: %w", column, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes a conversation and all its turns. Turns are
// deleted explicitly so the cascade does not depend on driver pragmas.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	delTurns := s.sql.Delete("turns").Where(sq.Eq{"conversation_id": id})
	sqlStr, args, err := delTurns.ToSql()
	if err != nil {
		return fmt.Errorf("build delete turns query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete turns: %w", err)
	}

	delConv := s.sql.Delete("conversations").Where(sq.Eq{"id": id})
	sqlStr, args, err = delConv.ToSql()
	if err != nil {
		return fmt.Errorf("build delete conversation query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var c Conversation
	var temperature, topP sql.NullFloat64
	err := row.Scan(
		&c.ID, &c.Name, &c.ProviderKey, &c.Model, &c.SystemPrompt,
		&temperature, &topP, &c.MaxTokens, &c.MaxContextMessages,
		&c.Stream, &c.Starred, &c.Hidden, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return Conversation{}, err
	}
	if temperature.Valid {
		c.Temperature = &temperature.Float64
	}
	if topP.Valid {
		c.TopP = &topP.Float64
	}
	return c, nil
}
