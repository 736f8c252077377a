package domain

import (
	"errors"
	"time"
)

// MessageRole identifies the author of a conversation message.
type MessageRole string

const (
	// RoleUser marks a message written by the supplier.
	RoleUser MessageRole = "user"
	// RoleModel marks a message written by this system.
	RoleModel MessageRole = "model"
)

// ErrRoleOrder is returned when an append would break user/model alternation.
var ErrRoleOrder = errors.New("domain: message roles must alternate")

// Valid reports whether r is a known role.
func (r MessageRole) Valid() bool {
	return r == RoleUser || r == RoleModel
}

// Message is a single persisted email exchanged in a thread.
type Message struct {
	Role    MessageRole
	Content string
	At      time.Time
}

// ConversationRecord is the ordered email exchange tied to one supplier.
type ConversationRecord struct {
	ThreadID   string
	SupplierID string
	Messages   []Message
	CreatedAt  time.Time
}

// LastMessage returns the newest message, if any.
func (c ConversationRecord) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// Append adds a message while keeping roles alternating and timestamps
// non-decreasing. The first message of a thread is always the system's own
// first contact, so it must carry RoleModel.
func (c *ConversationRecord) Append(role MessageRole, content string, now time.Time) (Message, error) {
	if !role.Valid() {
		return Message{}, ErrRoleOrder
	}
	at := now.UTC()
	last, ok := c.LastMessage()
	switch {
	case !ok && role != RoleModel:
		return Message{}, ErrRoleOrder
	case ok && last.Role == role:
		return Message{}, ErrRoleOrder
	}
	if ok && at.Before(last.At) {
		at = last.At
	}
	msg := Message{Role: role, Content: content, At: at}
	c.Messages = append(c.Messages, msg)
	return msg, nil
}
