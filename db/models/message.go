package models

import (
	"fmt"
	"time"
)

// Role is the author of a message. Only the two persisted roles exist;
// the system prompt is never stored as a message row.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Status is the delivery state of a message. User messages are born
// `sent` and never move; an assistant placeholder is born `sending` and
// transitions exactly once to `sent` or `failed`.
type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

func (s Status) IsValid() bool {
	return s == StatusSending || s == StatusSent || s == StatusFailed
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Status         Status    `json:"status"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Validate guards rows read back from storage against values the closed
// enumerations cannot represent.
func (m *Message) Validate() error {
	if !m.Role.IsValid() {
		return fmt.Errorf("message %s: invalid role %q", m.ID, m.Role)
	}
	if !m.Status.IsValid() {
		return fmt.Errorf("message %s: invalid status %q", m.ID, m.Status)
	}
	return nil
}
