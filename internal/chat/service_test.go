package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawplaza/monody/internal/agent"
	"github.com/clawplaza/monody/internal/config"
	"github.com/clawplaza/monody/internal/conversation"
	"github.com/clawplaza/monody/internal/llm"
	"github.com/clawplaza/monody/internal/tools"
)

// stubProvider answers every turn with a fixed reply.
type stubProvider struct {
	mu       sync.Mutex
	requests []llm.ChatRequest
	answer   string
	err      error
	hold     chan struct{} // when set, Complete waits on it
	active   atomic.Int32
	peak     atomic.Int32
}

func (p *stubProvider) Complete(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			break
		}
	}
	if p.hold != nil {
		select {
		case <-p.hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	msgs := append(append([]llm.Message(nil), req.Messages...), llm.AssistantMessage(p.answer))
	return &llm.ChatResult{Messages: msgs, Provider: "stub", Rounds: 1}, nil
}

func (p *stubProvider) GenerateImage(_ context.Context, prompt string) (string, error) {
	return "https://img.example/" + prompt, nil
}

func (p *stubProvider) Name() string { return "stub" }

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func newService(p llm.Provider) (*Service, conversation.Store, *recorder) {
	store := conversation.NewMemoryStore(100, time.Hour)
	rec := &recorder{}
	return NewService(agent.General(p), p, store, rec), store, rec
}

var addr = conversation.Addressing{GuildID: "g", ChannelID: "c"}

func TestUserContent(t *testing.T) {
	got := UserContent(User{ID: "42", Username: "ada"}, "hello")
	assert.JSONEq(t, `{"DiscordContext":{"User":{"Id":"42","Username":"ada"}},"Prompt":"hello"}`, got)
}

func TestContinuity_BudgetTrimsRequestNotStorage(t *testing.T) {
	p := &stubProvider{answer: strings.Repeat("lorem ipsum dolor sit amet ", 40)}
	store := conversation.NewMemoryStore(100, time.Hour)
	a := agent.General(p)
	a.Budget = 500
	svc := NewService(a, p, store, nil)
	ctx := context.Background()

	var counts []int
	for i := 0; i < 5; i++ {
		_, err := svc.GetChatCompletion(ctx, "conv", addr, "u1", fmt.Sprintf("turn %d", i))
		require.NoError(t, err)
		conv, _, _ := store.Get(ctx, "conv")
		counts = append(counts, len(conv.Messages))
	}
	assert.Equal(t, []int{3, 5, 7, 9, 11}, counts)

	last := p.requests[len(p.requests)-1].Messages
	assert.Less(t, len(last), 10, "the request sent to the model is trimmed")
	conv, _, _ := store.Get(ctx, "conv")
	assert.Equal(t, llm.RoleSystem, conv.Messages[0].Role)
	assert.Contains(t, conv.Messages[1].Content, `"Prompt":"turn 0"`)
}

func TestContinuity_AppendsAndKeepsOneSystemMessage(t *testing.T) {
	p := &stubProvider{answer: "hi there"}
	svc, store, _ := newService(p)
	ctx := context.Background()

	_, err := svc.GetChatCompletion(ctx, "conv", addr, "u1", "first")
	require.NoError(t, err)
	_, err = svc.GetChatCompletion(ctx, "conv", addr, "u1", "second")
	require.NoError(t, err)

	second := p.requests[1].Messages
	require.Len(t, second, 4) // system, user, assistant, user
	systems := 0
	for _, m := range second {
		if m.Role == llm.RoleSystem {
			systems++
		}
	}
	assert.Equal(t, 1, systems)
	assert.Contains(t, second[1].Content, `"Prompt":"first"`)
	assert.Contains(t, second[3].Content, `"Prompt":"second"`)

	conv, ok, err := store.Get(ctx, "conv")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, conv.Messages, 5)
	assert.Equal(t, "u1", conv.InitiatingUserID)
	assert.Equal(t, "g", conv.GuildID)
}

func TestConverse_DeliveryFailureDiscardsTurn(t *testing.T) {
	p := &stubProvider{answer: "lost"}
	svc, store, rec := newService(p)
	ctx := context.Background()

	_, err := svc.Converse(ctx, TurnRequest{ConversationID: "c1", Prompt: "hi"}, func(context.Context, string) error {
		return errors.New("discord unavailable")
	})
	require.Error(t, err)

	_, ok, _ := store.Get(ctx, "c1")
	assert.False(t, ok, "nothing may be stored when delivery fails")
	assert.Equal(t, []string{EventTurnStarted, EventTurnFailed}, rec.types())
}

func TestConverse_DeliversBeforePersisting(t *testing.T) {
	p := &stubProvider{answer: "delivered"}
	svc, store, _ := newService(p)
	ctx := context.Background()

	var got string
	answer, err := svc.Converse(ctx, TurnRequest{ConversationID: "c1", Prompt: "hi"}, func(ctx context.Context, a string) error {
		_, ok, _ := store.Get(ctx, "c1")
		assert.False(t, ok, "store written before delivery")
		got = a
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "delivered", answer)
	assert.Equal(t, "delivered", got)

	_, ok, _ := store.Get(ctx, "c1")
	assert.True(t, ok)
}

func TestConverse_ProviderFailureLeavesHistory(t *testing.T) {
	p := &stubProvider{answer: "ok"}
	svc, store, _ := newService(p)
	ctx := context.Background()

	_, err := svc.GetChatCompletion(ctx, "c1", addr, "u", "one")
	require.NoError(t, err)

	p.err = &llm.ProviderError{Provider: "stub", StatusCode: 500, Err: errors.New("boom")}
	_, err = svc.GetChatCompletion(ctx, "c1", addr, "u", "two")
	require.Error(t, err)
	assert.Equal(t, 500, llm.StatusCode(err))

	conv, _, _ := store.Get(ctx, "c1")
	assert.Len(t, conv.Messages, 3)
}

func TestConverse_FollowUpNeedsExistingConversation(t *testing.T) {
	svc, _, _ := newService(&stubProvider{answer: "x"})
	_, err := svc.Converse(context.Background(), TurnRequest{ConversationID: "gone", Prompt: "and?", FollowUp: true}, nil)
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}

func TestConverse_ChannelContextPrecedesPrompt(t *testing.T) {
	p := &stubProvider{answer: "ok"}
	svc, _, _ := newService(p)

	_, err := svc.Converse(context.Background(), TurnRequest{
		ConversationID: "c1",
		Prompt:         "summarize",
		ChannelContext: "[10:00] ada: ship it",
	}, nil)
	require.NoError(t, err)

	sent := p.requests[0].Messages
	require.Len(t, sent, 3)
	assert.Equal(t, "Context:\n[10:00] ada: ship it", sent[1].Content)
	assert.Contains(t, sent[2].Content, `"Prompt":"summarize"`)
}

func TestConverse_RequiresID(t *testing.T) {
	svc, _, _ := newService(&stubProvider{})
	_, err := svc.Converse(context.Background(), TurnRequest{Prompt: "x"}, nil)
	assert.Error(t, err)
}

func TestConverse_SerializesSameConversation(t *testing.T) {
	p := &stubProvider{answer: "ok", hold: make(chan struct{})}
	svc, store, _ := newService(p)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.GetChatCompletion(ctx, "same", addr, "u", "hi")
			assert.NoError(t, err)
		}()
	}
	for i := 0; i < 4; i++ {
		p.hold <- struct{}{}
	}
	wg.Wait()

	assert.EqualValues(t, 1, p.peak.Load())
	conv, _, _ := store.Get(ctx, "same")
	assert.Len(t, conv.Messages, 1+4*2, "every turn must see the previous one")
}

func TestConverse_DistinctConversationsRunInParallel(t *testing.T) {
	p := &stubProvider{answer: "ok", hold: make(chan struct{})}
	svc, _, _ := newService(p)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.GetChatCompletion(ctx, id, addr, "u", "hi")
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return p.active.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	close(p.hold)
	wg.Wait()
}

func TestGenerateImage(t *testing.T) {
	svc, _, _ := newService(&stubProvider{})
	uri, err := svc.GenerateImage(context.Background(), "cat")
	require.NoError(t, err)
	assert.Equal(t, "https://img.example/cat", uri)

	none := NewService(agent.General(&stubProvider{}), nil, conversation.NewMemoryStore(1, time.Hour), nil)
	_, err = none.GenerateImage(context.Background(), "cat")
	assert.ErrorIs(t, err, llm.ErrImagesUnsupported)
}

// ── end to end through the OpenAI adapter ──

const weatherAndFetchCalls = `{
  "id":"r1","object":"chat.completion","created":1,"model":"gpt-4.1-mini",
  "choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":null,"tool_calls":[
    {"id":"call_weather","type":"function","function":{"name":"weather","arguments":"{\"locationQuery\":\"Raleigh, NC\"}"}},
    {"id":"call_fetch","type":"function","function":{"name":"fetch_url","arguments":"{\"url\":\"https://example.com\"}"}}
  ]}}]
}`

const finalAnswer = `{
  "id":"r2","object":"chat.completion","created":2,"model":"gpt-4.1-mini",
  "choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Raleigh is 72F and sunny. example.com is a placeholder domain."}}]
}`

func TestEndToEnd_WeatherAndFetch(t *testing.T) {
	var (
		mu   sync.Mutex
		reqs []map[string]any
	)
	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		mu.Lock()
		reqs = append(reqs, body)
		n := len(reqs)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			_, _ = io.WriteString(w, weatherAndFetchCalls)
			return
		}
		_, _ = io.WriteString(w, finalAnswer)
	}))
	defer vendor.Close()

	// fetch is fast, weather slow: results must still follow call order
	weather := tools.New("weather", "weather", func(ctx context.Context, req tools.WeatherRequest) (map[string]any, error) {
		time.Sleep(100 * time.Millisecond)
		return map[string]any{"location": req.LocationQuery, "temperature": 72}, nil
	})
	fetch := tools.New("fetch_url", "fetch", func(ctx context.Context, req tools.FetchRequest) (tools.FetchResponse, error) {
		return tools.FetchResponse{StatusCode: 200, Body: "Example Domain"}, nil
	})
	reg, err := tools.NewRegistry(weather, fetch)
	require.NoError(t, err)

	cfg := config.DefaultConfig().LLM
	cfg.APIKey = "sk-test"
	cfg.BaseURL = vendor.URL + "/"
	provider, err := llm.NewProvider(&cfg, reg)
	require.NoError(t, err)

	store := conversation.NewMemoryStore(10, time.Hour)
	svc := NewService(agent.General(provider), provider, store, nil)

	ctx := context.Background()
	answer, err := svc.GetChatCompletion(ctx, "interaction-1", addr, "u1",
		"What's the weather in Raleigh, NC and also fetch https://example.com")
	require.NoError(t, err)
	assert.Equal(t, "Raleigh is 72F and sunny. example.com is a placeholder domain.", answer)

	require.Len(t, reqs, 2)
	second := reqs[1]["messages"].([]any)
	require.Len(t, second, 5)
	assert.Equal(t, "call_weather", second[3].(map[string]any)["tool_call_id"])
	assert.Equal(t, "call_fetch", second[4].(map[string]any)["tool_call_id"])

	conv, ok, err := store.Get(ctx, "interaction-1")
	require.NoError(t, err)
	require.True(t, ok)
	roles := make([]llm.Role, len(conv.Messages))
	for i, m := range conv.Messages {
		roles[i] = m.Role
	}
	assert.Equal(t, []llm.Role{
		llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleTool, llm.RoleTool, llm.RoleAssistant,
	}, roles)
	assert.Len(t, conv.Messages[2].ToolCalls, 2)
	assert.Contains(t, conv.Messages[3].Content, "Raleigh, NC")
	assert.Contains(t, conv.Messages[4].Content, "Example Domain")
}
