// Package memory holds the per-session conversation state: the recent
// message window, the rolling summary and the pending background job, along
// with the policy that decides when older messages are folded into the summary.
package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is the speaker of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is one immutable conversation entry.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage validates role and content and stamps a fresh id and timestamp.
func NewMessage(role Role, content string) (Message, error) {
	if !role.Valid() {
		return Message{}, fmt.Errorf("%w: unknown role %q", ErrValidation, role)
	}
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return Message{}, fmt.Errorf("%w: %s message content is empty", ErrValidation, role)
	}
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   trimmed,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Render formats the message as "ROLE: content" for transcripts.
func (m Message) Render() string {
	return strings.ToUpper(string(m.Role)) + ": " + m.Content
}

func (m Message) validate() error {
	if !m.Role.Valid() {
		return fmt.Errorf("message %s: unknown role %q", m.ID, m.Role)
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("message %s: empty content", m.ID)
	}
	return nil
}
