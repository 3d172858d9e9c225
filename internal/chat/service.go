// Package chat is the caller-facing surface of the bot: it runs one user
// turn against a stored conversation and persists the outcome.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/clawplaza/monody/internal/agent"
	"github.com/clawplaza/monody/internal/conversation"
	"github.com/clawplaza/monody/internal/llm"
)

// Service runs chat turns. Turns on the same conversation are serialized;
// different conversations proceed in parallel.
type Service struct {
	agent  *agent.Agent
	images llm.Provider
	store  conversation.Store
	locks  *conversation.KeyedMutex
	events Publisher
}

// NewService wires a service. images may be nil to disable image
// generation; events may be nil.
func NewService(a *agent.Agent, images llm.Provider, store conversation.Store, events Publisher) *Service {
	if events == nil {
		events = nopPublisher{}
	}
	return &Service{
		agent:  a,
		images: images,
		store:  store,
		locks:  conversation.NewKeyedMutex(),
		events: events,
	}
}

// User identifies who sent a prompt.
type User struct {
	ID       string
	Username string
}

// TurnRequest is one user prompt addressed to a conversation.
type TurnRequest struct {
	ConversationID string
	Addressing     conversation.Addressing
	User           User
	Prompt         string
	// ChannelContext is recent channel chatter, sent ahead of the prompt.
	ChannelContext string
	// FollowUp requires the conversation to exist already; a missing one
	// yields conversation.ErrNotFound instead of a fresh conversation.
	FollowUp bool
}

// DeliverFunc hands the final answer to the user. Returning an error
// leaves the conversation as it was before the turn.
type DeliverFunc func(ctx context.Context, answer string) error

// userPrompt is the JSON shape of a user message. The context block tells
// the model who is speaking.
type userPrompt struct {
	DiscordContext discordContext `json:"DiscordContext"`
	Prompt         string         `json:"Prompt"`
}

type discordContext struct {
	User discordUser `json:"User"`
}

type discordUser struct {
	ID       string `json:"Id"`
	Username string `json:"Username"`
}

// UserContent renders the user message content for prompt.
func UserContent(u User, prompt string) string {
	b, _ := json.Marshal(userPrompt{
		DiscordContext: discordContext{User: discordUser{ID: u.ID, Username: u.Username}},
		Prompt:         prompt,
	})
	return string(b)
}

// GetChatCompletion runs one turn and returns the answer. The conversation
// is created on first use and persisted once the turn succeeds.
func (s *Service) GetChatCompletion(ctx context.Context, conversationID string, addr conversation.Addressing, userID, prompt string) (string, error) {
	return s.Converse(ctx, TurnRequest{
		ConversationID: conversationID,
		Addressing:     addr,
		User:           User{ID: userID},
		Prompt:         prompt,
	}, nil)
}

// Converse runs one turn. When deliver is non-nil the answer is handed to
// it before anything is persisted, and a delivery failure discards the turn.
func (s *Service) Converse(ctx context.Context, req TurnRequest, deliver DeliverFunc) (string, error) {
	if req.ConversationID == "" {
		return "", errors.New("conversation id is required")
	}
	log := slog.With("conversation", req.ConversationID)

	unlock, err := s.locks.Lock(ctx, req.ConversationID)
	if err != nil {
		return "", err
	}
	defer unlock()

	conv, ok, err := s.store.Get(ctx, req.ConversationID)
	if err != nil {
		return "", fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		if req.FollowUp {
			return "", conversation.ErrNotFound
		}
		conv = conversation.New(req.ConversationID, req.Addressing, req.User.ID)
	}

	start := time.Now()
	s.events.Publish(Event{Type: EventTurnStarted, ConversationID: conv.ID, UserID: req.User.ID, Prompt: req.Prompt})

	var pending []llm.Message
	if req.ChannelContext != "" {
		pending = append(pending, llm.UserMessage("Context:\n"+req.ChannelContext))
	}
	pending = append(pending, llm.UserMessage(UserContent(req.User, req.Prompt)))
	res, err := s.agent.Run(ctx, append(slices.Clone(conv.Messages), pending...))
	if err != nil {
		log.Error("chat turn failed", "status", llm.StatusCode(err), "err", err)
		s.events.Publish(Event{Type: EventTurnFailed, ConversationID: conv.ID, Error: err.Error()})
		return "", err
	}
	answer := res.Answer()

	for _, m := range res.Turn() {
		for _, tc := range m.ToolCalls {
			s.events.Publish(Event{Type: EventToolCall, ConversationID: conv.ID, Tool: tc.Name})
		}
	}

	if deliver != nil {
		if err := deliver(ctx, answer); err != nil {
			log.Warn("answer delivery failed; turn discarded", "err", err)
			s.events.Publish(Event{Type: EventTurnFailed, ConversationID: conv.ID, Error: err.Error()})
			return "", fmt.Errorf("deliver answer: %w", err)
		}
	}

	conv.Messages = appendTurn(conv.Messages, pending, res)
	conv.UpdatedAt = time.Now().UTC()
	if err := s.store.Save(ctx, conv); err != nil {
		log.Error("save conversation failed", "err", err)
		return answer, fmt.Errorf("save conversation: %w", err)
	}

	log.Info("chat turn complete", "rounds", res.Rounds, "messages", len(conv.Messages),
		"elapsed", time.Since(start).Round(time.Millisecond))
	s.events.Publish(Event{Type: EventTurnFinished, ConversationID: conv.ID, Answer: answer, Rounds: res.Rounds})
	return answer, nil
}

// appendTurn extends stored history with this turn's user messages and the
// model's output. The agent may have sent a trimmed history; storage keeps
// every earlier message. The first turn also stores the system prompt.
func appendTurn(stored, pending []llm.Message, res *llm.ChatResult) []llm.Message {
	out := make([]llm.Message, 0, len(stored)+len(pending)+len(res.Messages))
	hasSystem := slices.ContainsFunc(stored, func(m llm.Message) bool { return m.Role == llm.RoleSystem })
	if !hasSystem && len(res.Messages) > 0 && res.Messages[0].Role == llm.RoleSystem {
		out = append(out, res.Messages[0])
	}
	out = append(out, stored...)
	out = append(out, pending...)
	return append(out, res.Turn()...)
}

// History returns the stored messages of a conversation.
func (s *Service) History(ctx context.Context, conversationID string) ([]llm.Message, error) {
	conv, ok, err := s.store.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conversation.ErrNotFound
	}
	return conv.Messages, nil
}

// GenerateImage creates one image for prompt and returns its URI.
func (s *Service) GenerateImage(ctx context.Context, prompt string) (string, error) {
	if s.images == nil {
		return "", llm.ErrImagesUnsupported
	}
	uri, err := s.images.GenerateImage(ctx, prompt)
	if err != nil {
		slog.Error("image generation failed", "status", llm.StatusCode(err), "err", err)
		return "", err
	}
	return uri, nil
}
