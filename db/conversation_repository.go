package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/andkhong/Takehome-SWE/db/models"
)

func (p *Postgres) CreateConversation(ctx context.Context, title string) (*models.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = models.DefaultConversationTitle
	}

	conv := &models.Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	conv.UpdatedAt = conv.CreatedAt

	const query = `INSERT INTO conversations (id, title, created_at, updated_at) VALUES ($1, $2, $3, $4)`
	if _, err := p.Pool.Exec(ctx, query, conv.ID, conv.Title, conv.CreatedAt, conv.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	return conv, nil
}

func (p *Postgres) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	const query = `SELECT id, title, created_at, updated_at FROM conversations ORDER BY updated_at DESC`

	rows, err := p.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		var conv models.Conversation
		if err := rows.Scan(&conv.ID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}

	return conversations, nil
}

func (p *Postgres) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	const query = `SELECT id, title, created_at, updated_at FROM conversations WHERE id = $1`

	var conv models.Conversation
	if err := p.Pool.QueryRow(ctx, query, id).Scan(&conv.ID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("query conversation: %w", err)
	}

	return &conv, nil
}

func (p *Postgres) RenameConversation(ctx context.Context, id, title string) error {
	const query = `UPDATE conversations SET title = $2, updated_at = NOW() WHERE id = $1`

	tag, err := p.Pool.Exec(ctx, query, id, title)
	if err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}

	return nil
}

// DeleteConversation removes the conversation row; its messages go with
// it through the ON DELETE CASCADE constraint.
func (p *Postgres) DeleteConversation(ctx context.Context, id string) error {
	const query = `DELETE FROM conversations WHERE id = $1`

	tag, err := p.Pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}

	return nil
}
