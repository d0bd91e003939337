// Package scheduler handles future task scheduling and execution.
package scheduler

import (
	"time"

	"github.com/google/uuid"
)

// Task is the definition of a scheduled wake-up. When a task fires, its
// message is injected into the agent loop as if the user had sent it.
type Task struct {
	ID   string `json:"id"`   // UUIDv7
	Name string `json:"name"` // human-readable label

	// Cron is a cron expression for recurring tasks. Mutually exclusive
	// with At.
	Cron string `json:"cron,omitempty"`
	// At is the fire time for one-shot tasks. One-shots are disabled
	// after firing.
	At *time.Time `json:"at,omitempty"`

	// Message is handed to the agent loop when the task fires.
	Message string `json:"message"`
	// ConversationID scopes the wake-up to the conversation that created
	// the task, so responses land in the right thread.
	ConversationID string `json:"conversation_id"`
	// Origin and ChatID carry the channel routing of the creating
	// conversation (web or bot).
	Origin string `json:"origin"`
	ChatID string `json:"chat_id,omitempty"`

	Enabled   bool       `json:"enabled"`
	CreatedAt time.Time  `json:"created_at"`
	CreatedBy string     `json:"created_by"`
	LastRun   *time.Time `json:"last_run,omitempty"`
}

// Recurring reports whether the task has a cron schedule.
func (t *Task) Recurring() bool {
	return t.Cron != ""
}

// NewID generates a new UUIDv7, falling back to v4 if the clock source
// fails.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
