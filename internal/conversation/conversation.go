// Package conversation stores chat histories keyed by conversation id.
package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/clawplaza/monody/internal/llm"
)

// ErrNotFound is returned when a conversation that must exist does not,
// typically because it expired.
var ErrNotFound = errors.New("conversation not found")

// DefaultTTL is how long an idle conversation is kept.
const DefaultTTL = time.Hour

// Addressing identifies where a conversation takes place.
type Addressing struct {
	GuildID   string `json:"guild_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
}

// Conversation is the persisted history of one exchange. It is created on
// the first turn and saved wholesale after each successful turn.
type Conversation struct {
	ID               string        `json:"id"`
	GuildID          string        `json:"guild_id,omitempty"`
	ChannelID        string        `json:"channel_id,omitempty"`
	InitiatingUserID string        `json:"initiating_user_id,omitempty"`
	Messages         []llm.Message `json:"messages"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// New starts an empty conversation.
func New(id string, addr Addressing, userID string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:               id,
		GuildID:          addr.GuildID,
		ChannelID:        addr.ChannelID,
		InitiatingUserID: userID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Clone returns a copy that shares no message slice with c.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Messages = make([]llm.Message, len(c.Messages))
	for i, m := range c.Messages {
		if len(m.ToolCalls) > 0 {
			m.ToolCalls = append([]llm.ToolCall(nil), m.ToolCalls...)
		}
		out.Messages[i] = m
	}
	return &out
}

// Store persists conversations. Implementations are safe for concurrent use;
// callers serialize turns on the same id with a KeyedMutex.
type Store interface {
	// Get returns the conversation, or ok=false if it does not exist or expired.
	Get(ctx context.Context, id string) (conv *Conversation, ok bool, err error)
	// Save inserts or replaces the conversation and refreshes its TTL.
	Save(ctx context.Context, conv *Conversation) error
	Delete(ctx context.Context, id string) error
	Close() error
}
