package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/clawplaza/monody/internal/config"
	"github.com/clawplaza/monody/internal/tools"
)

// AnthropicProvider implements Provider for the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
	loop   *Loop
}

// NewAnthropic creates an Anthropic-backed provider that runs turns through loop.
func NewAnthropic(cfg *config.LLMConfig, loop *Loop) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	p := &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		model:  cfg.Model,
		loop:   loop,
	}
	loop.Client = p
	return p
}

func (p *AnthropicProvider) Name() string {
	return fmt.Sprintf("anthropic (%s)", p.model)
}

func (p *AnthropicProvider) Model() string { return p.model }

func (p *AnthropicProvider) Complete(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	return complete(ctx, p.loop, "anthropic", req)
}

// GenerateImage is not available on Anthropic.
func (p *AnthropicProvider) GenerateImage(context.Context, string) (string, error) {
	return "", ErrImagesUnsupported
}

// Chat performs one Messages API request.
func (p *AnthropicProvider) Chat(ctx context.Context, call ChatCall) (*Reply, error) {
	system, msgs := toAnthropicMessages(call.Messages)

	maxTokens := int64(call.Sampling.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = int64(DefaultSampling().MaxTokens)
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(p.model),
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(call.Sampling.Temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(call.Tools) > 0 {
		params.Tools = toAnthropicTools(call.Tools)
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, &ProviderError{Provider: "anthropic", StatusCode: apiErr.StatusCode, Err: err}
		}
		return nil, &ProviderError{Provider: "anthropic", Err: err}
	}

	msg := fromAnthropicMessage(resp)
	finish := FinishStop
	switch resp.StopReason {
	case anthropic.StopReasonToolUse:
		finish = FinishToolCalls
	case anthropic.StopReasonMaxTokens:
		finish = FinishLength
	}
	return &Reply{Message: msg, FinishReason: finish}, nil
}

// toAnthropicTools converts tool metadata to Anthropic tool params. The
// Messages API rejects a top-level oneOf, so alternatives are spelled out
// in the description instead.
func toAnthropicTools(defs []tools.Metadata) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(defs))
	for i, d := range defs {
		desc := d.Description
		if len(d.Parameters.OneOf) > 0 {
			alts := make([]string, len(d.Parameters.OneOf))
			for j, set := range d.Parameters.OneOf {
				alts[j] = strings.Join(set.Required, "+")
			}
			desc += " Provide exactly one of: " + strings.Join(alts, " OR ") + "."
		}
		props := d.Parameters.Map()["properties"]
		out[i] = anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        d.Name,
				Description: anthropic.String(desc),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: props,
					Required:   d.Parameters.Required,
				},
			},
		}
	}
	return out
}

// toAnthropicMessages maps messages to the Messages API shape: system text
// moves to the top-level system field, and consecutive tool results are
// grouped into one user message of tool_result blocks.
func toAnthropicMessages(msgs []Message) (string, []anthropic.MessageParam) {
	var system []string
	out := make([]anthropic.MessageParam, 0, len(msgs))
	var results []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(results) > 0 {
			out = append(out, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for _, m := range msgs {
		if m.Role == RoleTool {
			results = append(results, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
			continue
		}
		flush()
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.Arguments)
				if strings.TrimSpace(tc.Arguments) == "" || !json.Valid(input) {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{ID: tc.ID, Name: tc.Name, Input: input},
				})
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		}
	}
	flush()
	return strings.Join(system, "\n\n"), out
}

func fromAnthropicMessage(resp *anthropic.Message) Message {
	msg := Message{Role: RoleAssistant}
	var text []string
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text = append(text, block.AsText().Text)
		case "tool_use":
			tu := block.AsToolUse()
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:        tu.ID,
				Name:      tu.Name,
				Arguments: string(tu.Input),
			})
		}
	}
	msg.Content = strings.Join(text, "\n")
	return msg
}
