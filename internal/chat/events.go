package chat

import "time"

// Event types published while a turn runs.
const (
	EventTurnStarted  = "turn_started"
	EventToolCall     = "tool_call"
	EventTurnFinished = "turn_finished"
	EventTurnFailed   = "turn_failed"
)

// Event describes one step of a chat turn, for operators watching the bot.
type Event struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id,omitempty"`
	Prompt         string    `json:"prompt,omitempty"`
	Tool           string    `json:"tool,omitempty"`
	Answer         string    `json:"answer,omitempty"`
	Rounds         int       `json:"rounds,omitempty"`
	Error          string    `json:"error,omitempty"`
	Time           time.Time `json:"time"`
}

// Publisher receives turn events. Publish must not block.
type Publisher interface {
	Publish(Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}
