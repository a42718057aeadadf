package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/andkhong/Takehome-SWE/db/models"
)

func (p *Postgres) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	const query = `
		SELECT id, conversation_id, role, content, status, COALESCE(error_message, ''), created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC`

	rows, err := p.Pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.Status, &msg.ErrorMessage, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := msg.Validate(); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, nil
}

// CreateExchange inserts the user message and its assistant placeholder
// and touches the conversation's updated_at, all in one transaction. The
// placeholder's created_at is nudged one microsecond past the user row's
// so the pair always sorts user-first.
func (p *Postgres) CreateExchange(ctx context.Context, conversationID, userText string) (*models.Exchange, error) {
	now := time.Now().UTC()

	exchange := &models.Exchange{
		UserMessage: models.Message{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			Role:           models.RoleUser,
			Content:        userText,
			Status:         models.StatusSent,
			CreatedAt:      now,
		},
		Placeholder: models.Message{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			Role:           models.RoleAssistant,
			Content:        "",
			Status:         models.StatusSending,
			CreatedAt:      now.Add(time.Microsecond),
		},
	}

	tx, err := p.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin exchange: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertMessage = `
		INSERT INTO messages (id, conversation_id, role, content, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	for _, msg := range []models.Message{exchange.UserMessage, exchange.Placeholder} {
		if _, err := tx.Exec(ctx, insertMessage, msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.Status, msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("insert %s message: %w", msg.Role, err)
		}
	}

	const touchConversation = `UPDATE conversations SET updated_at = NOW() WHERE id = $1`
	if _, err := tx.Exec(ctx, touchConversation, conversationID); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit exchange: %w", err)
	}

	return exchange, nil
}

// FinalizeMessage is the single terminal update for an assistant
// placeholder row.
func (p *Postgres) FinalizeMessage(ctx context.Context, id string, status models.Status, content, errorMessage string) error {
	const query = `UPDATE messages SET status = $2, content = $3, error_message = NULLIF($4, '') WHERE id = $1`

	tag, err := p.Pool.Exec(ctx, query, id, status, content, errorMessage)
	if err != nil {
		return fmt.Errorf("finalize message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}

	return nil
}
