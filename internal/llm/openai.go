package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/clawplaza/monody/internal/config"
	"github.com/clawplaza/monody/internal/tools"
)

// OpenAIProvider implements Provider for OpenAI and any OpenAI-compatible
// API (Ollama, vLLM, Groq, ...) via a configurable base URL.
type OpenAIProvider struct {
	client     openai.Client
	model      string
	imageModel string
	imageSize  string
	loop       *Loop
}

// NewOpenAI creates an OpenAI-backed provider that runs turns through loop.
func NewOpenAI(cfg *config.LLMConfig, loop *Loop) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	p := &OpenAIProvider{
		client:     openai.NewClient(opts...),
		model:      cfg.Model,
		imageModel: cfg.ImageModel,
		imageSize:  cfg.ImageSize,
		loop:       loop,
	}
	loop.Client = p
	return p
}

func (p *OpenAIProvider) Name() string {
	return fmt.Sprintf("openai (%s)", p.model)
}

func (p *OpenAIProvider) Model() string { return p.model }

func (p *OpenAIProvider) Complete(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	return complete(ctx, p.loop, "openai", req)
}

// Chat performs one chat completion request.
func (p *OpenAIProvider) Chat(ctx context.Context, call ChatCall) (*Reply, error) {
	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(p.model),
		Messages:    toOpenAIMessages(call.Messages),
		Temperature: openai.Float(call.Sampling.Temperature),
	}
	if call.Sampling.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(call.Sampling.MaxTokens))
	}
	if call.Sampling.TopP > 0 {
		params.TopP = openai.Float(call.Sampling.TopP)
	}
	if len(call.Tools) > 0 {
		params.Tools = toOpenAITools(call.Tools)
		params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("auto")}
		params.ParallelToolCalls = openai.Bool(true)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, openAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: "openai", Err: errors.New("empty choices")}
	}

	choice := resp.Choices[0]
	return &Reply{
		Message:      fromOpenAIMessage(choice.Message),
		FinishReason: openAIFinish(string(choice.FinishReason)),
	}, nil
}

// GenerateImage creates a single image and returns its URL (or a data URI
// for models that only return base64).
func (p *OpenAIProvider) GenerateImage(ctx context.Context, prompt string) (string, error) {
	params := openai.ImageGenerateParams{
		Prompt: prompt,
		Model:  openai.ImageModel(p.imageModel),
		N:      openai.Int(1),
	}
	if p.imageSize != "" {
		params.Size = openai.ImageGenerateParamsSize(p.imageSize)
	}

	resp, err := p.client.Images.Generate(ctx, params)
	if err != nil {
		return "", openAIError(err)
	}
	if len(resp.Data) == 0 {
		return "", &ProviderError{Provider: "openai", Err: errors.New("no image returned")}
	}

	img := resp.Data[0]
	switch {
	case img.URL != "":
		return img.URL, nil
	case img.B64JSON != "":
		return "data:image/png;base64," + img.B64JSON, nil
	default:
		return "", &ProviderError{Provider: "openai", Err: errors.New("image has neither url nor data")}
	}
}

func openAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: "openai", StatusCode: apiErr.StatusCode, Err: err}
	}
	return &ProviderError{Provider: "openai", Err: err}
}

func openAIFinish(reason string) FinishReason {
	switch reason {
	case "stop":
		return FinishStop
	case "tool_calls", "function_call":
		return FinishToolCalls
	case "length":
		return FinishLength
	default:
		return FinishOther
	}
}

// toOpenAITools converts tool metadata to the OpenAI function tool format.
func toOpenAITools(defs []tools.Metadata) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, len(defs))
	for i, d := range defs {
		out[i] = openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        d.Name,
				Description: openai.String(d.Description),
				Parameters:  shared.FunctionParameters(d.Parameters.Map()),
			},
		}
	}
	return out
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		case RoleAssistant:
			asst := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = openai.String(m.Content)
			}
			if len(m.ToolCalls) > 0 {
				asst.ToolCalls = make([]openai.ChatCompletionMessageToolCallParam, len(m.ToolCalls))
				for i, tc := range m.ToolCalls {
					asst.ToolCalls[i] = openai.ChatCompletionMessageToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: tc.Arguments,
						},
					}
				}
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		}
	}
	return out
}

func fromOpenAIMessage(m openai.ChatCompletionMessage) Message {
	msg := Message{Role: RoleAssistant, Content: m.Content}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return msg
}
