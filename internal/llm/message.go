package llm

import (
	"context"
	"encoding/json"

	"github.com/clawplaza/monody/internal/tools"
)

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single chat message. Tool-role messages carry the ID of the
// call they answer; assistant messages may carry the calls they request.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON as emitted by the model
}

// SystemMessage, UserMessage and AssistantMessage build plain text messages.
func SystemMessage(content string) Message { return Message{Role: RoleSystem, Content: content} }

func UserMessage(content string) Message { return Message{Role: RoleUser, Content: content} }

func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ToolMessage builds the result message for call.
func ToolMessage(call ToolCall, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolName: call.Name, ToolCallID: call.ID}
}

// Sampling holds the per-request generation parameters.
type Sampling struct {
	Temperature float64
	MaxTokens   int
	TopP        float64
}

// DefaultSampling is temperature 0.7, 1000 output tokens, top_p 1.
func DefaultSampling() Sampling {
	return Sampling{Temperature: 0.7, MaxTokens: 1000, TopP: 1}
}

// ChatRequest is the provider-agnostic input of Provider.Complete.
type ChatRequest struct {
	Messages    []Message
	Sampling    Sampling
	EnableTools bool
}

// ChatResult is the outcome of a completed turn. Messages is the full
// working list: the request messages followed by everything the loop
// appended, ending with the final assistant message.
type ChatResult struct {
	Messages []Message
	Provider string
	Model    string
	Rounds   int
}

// Answer returns the content of the final assistant message.
func (r *ChatResult) Answer() string {
	if r == nil || len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[len(r.Messages)-1].Content
}

// Turn returns what the model and tools produced after the last user
// message: tool-call requests, tool results and the final answer.
func (r *ChatResult) Turn() []Message {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i+1:]
		}
	}
	return r.Messages
}

// FinishReason is the normalized reason a model response ended.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
	FinishOther     FinishReason = "other"
)

// ChatCall is one vendor round trip.
type ChatCall struct {
	Messages []Message
	Tools    []tools.Metadata
	Sampling Sampling
}

// Reply is the model's response to one ChatCall.
type Reply struct {
	Message      Message
	FinishReason FinishReason
}

// ChatClient is a vendor adapter: it translates one ChatCall to the vendor
// wire format and back. It does not loop.
type ChatClient interface {
	Chat(ctx context.Context, call ChatCall) (*Reply, error)
	Model() string
}

// Dispatcher runs tools on behalf of the loop. *tools.Registry implements it.
type Dispatcher interface {
	Metadata() []tools.Metadata
	Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}
