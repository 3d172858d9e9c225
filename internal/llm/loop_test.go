package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawplaza/monody/internal/tools"
)

// scriptedClient replays a fixed sequence of replies and records each call.
type scriptedClient struct {
	mu      sync.Mutex
	calls   []ChatCall
	replies []Reply
	err     error
	always  *Reply // returned on every call when set
}

func (c *scriptedClient) Model() string { return "test-model" }

func (c *scriptedClient) Chat(ctx context.Context, call ChatCall) (*Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make([]Message, len(call.Messages))
	copy(snapshot, call.Messages)
	call.Messages = snapshot
	c.calls = append(c.calls, call)

	if c.err != nil {
		return nil, c.err
	}
	if c.always != nil {
		r := *c.always
		return &r, nil
	}
	if len(c.replies) == 0 {
		return nil, errors.New("script exhausted")
	}
	r := c.replies[0]
	c.replies = c.replies[1:]
	return &r, nil
}

func toolCallsReply(calls ...ToolCall) Reply {
	return Reply{Message: Message{Role: RoleAssistant, ToolCalls: calls}, FinishReason: FinishToolCalls}
}

func stopReply(text string) Reply {
	return Reply{Message: AssistantMessage(text), FinishReason: FinishStop}
}

type echoReq struct {
	Text string `json:"text" tool:"required"`
}

type echoResp struct {
	Echo string `json:"echo"`
}

func echoTool(name string, delay time.Duration) tools.Handler {
	return tools.New(name, "echo", func(ctx context.Context, req echoReq) (echoResp, error) {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return echoResp{}, ctx.Err()
		}
		return echoResp{Echo: name + ":" + req.Text}, nil
	})
}

func newRegistry(t *testing.T, handlers ...tools.Handler) *tools.Registry {
	t.Helper()
	reg, err := tools.NewRegistry(handlers...)
	require.NoError(t, err)
	return reg
}

func userRequest(prompt string) ChatRequest {
	return ChatRequest{
		Messages:    []Message{SystemMessage("sys"), UserMessage(prompt)},
		Sampling:    DefaultSampling(),
		EnableTools: true,
	}
}

// ── terminal answer ──

func TestLoop_StopReturnsAnswer(t *testing.T) {
	client := &scriptedClient{replies: []Reply{stopReply("hello")}}
	loop := &Loop{Client: client, Tools: newRegistry(t, echoTool("echo", 0))}

	res, err := loop.Run(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Answer())
	assert.Equal(t, 1, res.Rounds)
	assert.Len(t, res.Messages, 3)
	require.Len(t, client.calls, 1)
	assert.Len(t, client.calls[0].Tools, 1)
}

func TestLoop_ToolsDisabled(t *testing.T) {
	client := &scriptedClient{replies: []Reply{stopReply("ok")}}
	loop := &Loop{Client: client, Tools: newRegistry(t, echoTool("echo", 0))}

	req := userRequest("hi")
	req.EnableTools = false
	_, err := loop.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, client.calls[0].Tools)
}

func TestLoop_DoesNotMutateRequest(t *testing.T) {
	client := &scriptedClient{replies: []Reply{
		toolCallsReply(ToolCall{ID: "c1", Name: "echo", Arguments: `{"text":"a"}`}),
		stopReply("done"),
	}}
	loop := &Loop{Client: client, Tools: newRegistry(t, echoTool("echo", 0))}

	req := userRequest("hi")
	before := append([]Message(nil), req.Messages...)
	res, err := loop.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, before, req.Messages)
	assert.Len(t, res.Messages, 5)
	assert.Equal(t, req.Messages, res.Messages[:2])
}

// ── parallel fan-out ──

func TestLoop_ParallelFanOutTagsResultsByCallID(t *testing.T) {
	client := &scriptedClient{replies: []Reply{
		toolCallsReply(
			ToolCall{ID: "slow", Name: "slow", Arguments: `{"text":"one"}`},
			ToolCall{ID: "fast", Name: "fast", Arguments: `{"text":"two"}`},
		),
		stopReply("both done"),
	}}
	loop := &Loop{Client: client, Tools: newRegistry(t,
		echoTool("slow", 200*time.Millisecond),
		echoTool("fast", 10*time.Millisecond),
	)}

	res, err := loop.Run(context.Background(), userRequest("go"))
	require.NoError(t, err)
	assert.Equal(t, "both done", res.Answer())

	require.Len(t, client.calls, 2)
	second := client.calls[1].Messages
	require.Len(t, second, 5) // sys, user, assistant(tool calls), 2 × tool

	byID := map[string]Message{}
	for _, m := range second[3:] {
		assert.Equal(t, RoleTool, m.Role)
		byID[m.ToolCallID] = m
	}
	assert.JSONEq(t, `{"echo":"slow:one"}`, byID["slow"].Content)
	assert.JSONEq(t, `{"echo":"fast:two"}`, byID["fast"].Content)
	assert.Equal(t, "slow", byID["slow"].ToolName)
}

func TestLoop_ToolsRunConcurrently(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	barrier := func(name string) tools.Handler {
		return tools.New(name, "waits for its sibling", func(ctx context.Context, _ struct{}) (echoResp, error) {
			started.Done()
			done := make(chan struct{})
			go func() { started.Wait(); close(done) }()
			select {
			case <-done:
				return echoResp{Echo: name}, nil
			case <-time.After(2 * time.Second):
				return echoResp{}, errors.New("sibling never started")
			}
		})
	}

	client := &scriptedClient{replies: []Reply{
		toolCallsReply(ToolCall{ID: "a", Name: "a"}, ToolCall{ID: "b", Name: "b"}),
		stopReply("ok"),
	}}
	loop := &Loop{Client: client, Tools: newRegistry(t, barrier("a"), barrier("b"))}

	res, err := loop.Run(context.Background(), userRequest("go"))
	require.NoError(t, err)
	for _, m := range res.Messages[3:5] {
		assert.NotContains(t, m.Content, "failureKind")
	}
}

// ── failure isolation ──

func TestLoop_ToolFailureIsFedBackToModel(t *testing.T) {
	broken := tools.New("broken", "always fails", func(ctx context.Context, _ struct{}) (echoResp, error) {
		return echoResp{}, errors.New("upstream exploded")
	})
	client := &scriptedClient{replies: []Reply{
		toolCallsReply(
			ToolCall{ID: "c1", Name: "broken", Arguments: `{}`},
			ToolCall{ID: "c2", Name: "echo", Arguments: `{"text":"fine"}`},
		),
		stopReply("recovered"),
	}}
	loop := &Loop{Client: client, Tools: newRegistry(t, broken, echoTool("echo", 0))}

	res, err := loop.Run(context.Background(), userRequest("go"))
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Answer())

	var payload struct {
		FailureKind string `json:"failureKind"`
		Reason      string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Messages[3].Content), &payload))
	assert.Equal(t, "ExecutionFailed", payload.FailureKind)
	assert.Contains(t, payload.Reason, "broken")
	assert.Contains(t, payload.Reason, "upstream exploded")
	assert.JSONEq(t, `{"echo":"echo:fine"}`, res.Messages[4].Content)
}

func TestLoop_UnknownToolIsFedBackToModel(t *testing.T) {
	client := &scriptedClient{replies: []Reply{
		toolCallsReply(ToolCall{ID: "c1", Name: "nope", Arguments: `{}`}),
		stopReply("sorry"),
	}}
	loop := &Loop{Client: client, Tools: newRegistry(t, echoTool("echo", 0))}

	res, err := loop.Run(context.Background(), userRequest("go"))
	require.NoError(t, err)
	assert.Contains(t, res.Messages[3].Content, `"failureKind":"UnknownTool"`)
}

func TestLoop_ToolTimeoutIsNotFatal(t *testing.T) {
	client := &scriptedClient{replies: []Reply{
		toolCallsReply(ToolCall{ID: "c1", Name: "sleepy", Arguments: `{"text":"zz"}`}),
		stopReply("gave up on it"),
	}}
	loop := &Loop{
		Client:      client,
		Tools:       newRegistry(t, echoTool("sleepy", time.Second)),
		ToolTimeout: 50 * time.Millisecond,
	}

	res, err := loop.Run(context.Background(), userRequest("go"))
	require.NoError(t, err)
	assert.Contains(t, res.Messages[3].Content, `"failureKind":"Unreachable"`)
	assert.Equal(t, "gave up on it", res.Answer())
}

// ── termination ──

func TestLoop_RunawayToolCallsTerminate(t *testing.T) {
	always := toolCallsReply(ToolCall{ID: "x", Name: "echo", Arguments: `{"text":"again"}`})
	client := &scriptedClient{always: &always}
	loop := &Loop{Client: client, Tools: newRegistry(t, echoTool("echo", 0)), MaxRounds: 3}

	done := make(chan error, 1)
	go func() {
		_, err := loop.Run(context.Background(), userRequest("loop forever"))
		done <- err
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrToolLoopExceeded)
		assert.Len(t, client.calls, 3)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not terminate")
	}
}

func TestLoop_DefaultRoundCap(t *testing.T) {
	always := toolCallsReply(ToolCall{ID: "x", Name: "echo", Arguments: `{"text":"again"}`})
	client := &scriptedClient{always: &always}
	loop := &Loop{Client: client, Tools: newRegistry(t, echoTool("echo", 0))}

	_, err := loop.Run(context.Background(), userRequest("go"))
	require.ErrorIs(t, err, ErrToolLoopExceeded)
	assert.Len(t, client.calls, DefaultMaxRounds)
}

// ── fatal errors ──

func TestLoop_ProviderErrorIsFatal(t *testing.T) {
	client := &scriptedClient{err: &ProviderError{Provider: "test", StatusCode: 503, Err: errors.New("overloaded")}}
	loop := &Loop{Client: client}

	_, err := loop.Run(context.Background(), userRequest("go"))
	require.Error(t, err)
	assert.Equal(t, 503, StatusCode(err))

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.IsRetryable())
	assert.False(t, pe.IsClientError())
}

func TestLoop_CancellationAbortsTurn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	blocking := tools.New("block", "blocks until cancelled", func(ctx context.Context, _ struct{}) (echoResp, error) {
		cancel()
		<-ctx.Done()
		return echoResp{}, ctx.Err()
	})
	client := &scriptedClient{replies: []Reply{
		toolCallsReply(ToolCall{ID: "c1", Name: "block"}),
		stopReply("never reached"),
	}}
	loop := &Loop{Client: client, Tools: newRegistry(t, blocking)}

	res, err := loop.Run(ctx, userRequest("go"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)
	assert.Len(t, client.calls, 1)
}

func ExampleLoop() {
	client := &scriptedClient{replies: []Reply{stopReply("42")}}
	loop := &Loop{Client: client}
	res, _ := loop.Run(context.Background(), ChatRequest{Messages: []Message{UserMessage("meaning of life?")}})
	fmt.Println(res.Answer())
	// Output: 42
}
