package discord

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawplaza/monody/internal/agent"
	"github.com/clawplaza/monody/internal/chat"
	"github.com/clawplaza/monody/internal/config"
	"github.com/clawplaza/monody/internal/conversation"
	"github.com/clawplaza/monody/internal/llm"
)

// fakeAPI records what the bot sends to Discord.
type fakeAPI struct {
	mu        sync.Mutex
	responses []*discordgo.InteractionResponse
	followups []*discordgo.WebhookParams
	files     map[string][]byte
	replies   []string
	refs      []*discordgo.MessageReference
	history   []*discordgo.Message
	overwrite []*discordgo.ApplicationCommand
	failSend  bool
	nextID    int
}

func (f *fakeAPI) id() string {
	f.nextID++
	return fmt.Sprintf("msg-%d", f.nextID)
}

func (f *fakeAPI) InteractionRespond(_ *discordgo.Interaction, r *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, r)
	return nil
}

func (f *fakeAPI) FollowupMessageCreate(_ *discordgo.Interaction, _ bool, data *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend && data.Content != "" && !strings.HasPrefix(data.Content, "Sorry") {
		return nil, errors.New("webhook gone")
	}
	f.followups = append(f.followups, data)
	for _, file := range data.Files {
		b, _ := io.ReadAll(file.Reader)
		if f.files == nil {
			f.files = map[string][]byte{}
		}
		f.files[file.Name] = b
	}
	return &discordgo.Message{ID: f.id()}, nil
}

func (f *fakeAPI) ChannelMessageSendReply(_ string, content string, ref *discordgo.MessageReference, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, content)
	f.refs = append(f.refs, ref)
	return &discordgo.Message{ID: f.id()}, nil
}

func (f *fakeAPI) ChannelMessages(_ string, limit int, _, _, _ string, _ ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	if limit < len(f.history) {
		return f.history[:limit], nil
	}
	return f.history, nil
}

func (f *fakeAPI) ChannelTyping(string, ...discordgo.RequestOption) error { return nil }

func (f *fakeAPI) ApplicationCommandBulkOverwrite(_, _ string, cmds []*discordgo.ApplicationCommand, _ ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error) {
	f.overwrite = cmds
	return cmds, nil
}

// scripted answers each turn with the next reply and records requests.
type scripted struct {
	mu      sync.Mutex
	answers []string
	err     error
	image   string
	reqs    []llm.ChatRequest
}

func (s *scripted) Complete(_ context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, s.err
	}
	answer := "ok"
	if len(s.answers) > 0 {
		answer, s.answers = s.answers[0], s.answers[1:]
	}
	msgs := append(append([]llm.Message(nil), req.Messages...), llm.AssistantMessage(answer))
	return &llm.ChatResult{Messages: msgs, Rounds: 1}, nil
}

func (s *scripted) GenerateImage(context.Context, string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.image, nil
}

func (s *scripted) Name() string { return "scripted" }

type pauser bool

func (p pauser) IsPaused() bool { return bool(p) }

func newTestBot(p *scripted, pause Pauser) (*Bot, *fakeAPI, conversation.Store) {
	cfg := config.DefaultConfig().Discord
	api := &fakeAPI{}
	store := conversation.NewMemoryStore(100, time.Hour)
	svc := chat.NewService(agent.General(p), p, store, nil)
	return newBot(&cfg, api, svc, pause), api, store
}

func slop(id, sub string, opts ...*discordgo.ApplicationCommandInteractionDataOption) *discordgo.Interaction {
	return &discordgo.Interaction{
		ID:        id,
		Type:      discordgo.InteractionApplicationCommand,
		GuildID:   "guild",
		ChannelID: "chan",
		Member:    &discordgo.Member{User: &discordgo.User{ID: "u1", Username: "ada"}},
		Data: discordgo.ApplicationCommandInteractionData{
			Name: commandName,
			Options: []*discordgo.ApplicationCommandInteractionDataOption{{
				Name:    sub,
				Type:    discordgo.ApplicationCommandOptionSubCommand,
				Options: opts,
			}},
		},
	}
}

func str(name, v string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{Name: name, Type: discordgo.ApplicationCommandOptionString, Value: v}
}

func boolean(name string, v bool) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{Name: name, Type: discordgo.ApplicationCommandOptionBoolean, Value: v}
}

func integer(name string, v int) *discordgo.ApplicationCommandInteractionDataOption {
	// The gateway decodes numbers as float64.
	return &discordgo.ApplicationCommandInteractionDataOption{Name: name, Type: discordgo.ApplicationCommandOptionInteger, Value: float64(v)}
}

func TestAsk_DefersThenAnswers(t *testing.T) {
	p := &scripted{answers: []string{strings.Repeat("a", 2500)}}
	bot, api, store := newTestBot(p, nil)

	bot.HandleInteraction(context.Background(), slop("int-1", subAsk, str(optPrompt, "tell me everything")))

	require.Len(t, api.responses, 1)
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, api.responses[0].Type)
	assert.Zero(t, api.responses[0].Data.Flags)

	require.Len(t, api.followups, 1)
	content := api.followups[0].Content
	assert.Equal(t, MaxAnswerChars+1, len([]rune(content)))
	assert.True(t, strings.HasSuffix(content, "…"))

	conv, ok, err := store.Get(context.Background(), "int-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "guild", conv.GuildID)
	assert.Equal(t, "u1", conv.InitiatingUserID)
	assert.Contains(t, conv.Messages[1].Content, `"Username":"ada"`)

	id, ok := bot.replies.Get("msg-1")
	assert.True(t, ok)
	assert.Equal(t, "int-1", id)
}

func TestAsk_Private(t *testing.T) {
	bot, api, _ := newTestBot(&scripted{}, nil)
	bot.HandleInteraction(context.Background(), slop("int-1", subAsk, str(optPrompt, "psst"), boolean(optPrivate, true)))

	assert.Equal(t, discordgo.MessageFlagsEphemeral, api.responses[0].Data.Flags)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, api.followups[0].Flags)
}

func TestAsk_Paused(t *testing.T) {
	p := &scripted{}
	bot, api, _ := newTestBot(p, pauser(true))
	bot.HandleInteraction(context.Background(), slop("int-1", subAsk, str(optPrompt, "hi")))

	require.Len(t, api.responses, 1)
	assert.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, api.responses[0].Type)
	assert.Equal(t, msgPaused, api.responses[0].Data.Content)
	assert.Empty(t, p.reqs)
}

func TestAsk_ProviderFailure(t *testing.T) {
	p := &scripted{err: &llm.ProviderError{Provider: "openai", StatusCode: 401, Err: errors.New("Incorrect API key provided: sk-abc***xyz")}}
	bot, api, store := newTestBot(p, nil)
	bot.HandleInteraction(context.Background(), slop("int-1", subAsk, str(optPrompt, "hi")))

	require.Len(t, api.followups, 1)
	assert.Equal(t, msgFailed, api.followups[0].Content)
	assert.NotContains(t, api.followups[0].Content, "API key")
	_, ok, _ := store.Get(context.Background(), "int-1")
	assert.False(t, ok)
}

func TestFollowUp_ProviderFailureShowsNoDetail(t *testing.T) {
	p := &scripted{answers: []string{"first"}}
	bot, api, _ := newTestBot(p, nil)
	ctx := context.Background()
	bot.HandleInteraction(ctx, slop("int-1", subAsk, str(optPrompt, "hello")))

	p.err = &llm.ProviderError{Provider: "openai", StatusCode: 500, Err: errors.New("upstream exploded")}
	bot.HandleMessage(ctx, reply("m-user-1", "msg-1", "and then?"))
	assert.Equal(t, []string{msgFailed}, api.replies)
}

func TestAsk_DeliveryFailureIsNotPersisted(t *testing.T) {
	bot, api, store := newTestBot(&scripted{answers: []string{"answer"}}, nil)
	api.failSend = true
	bot.HandleInteraction(context.Background(), slop("int-1", subAsk, str(optPrompt, "hi")))

	_, ok, _ := store.Get(context.Background(), "int-1")
	assert.False(t, ok)
	require.Len(t, api.followups, 1)
	assert.Equal(t, msgFailed, api.followups[0].Content)
}

func TestAsk_LookbackAddsChannelContext(t *testing.T) {
	p := &scripted{}
	bot, api, _ := newTestBot(p, nil)
	bot.loc = time.UTC
	now := time.Date(2026, 1, 2, 15, 4, 0, 0, time.UTC)
	api.history = []*discordgo.Message{
		{ID: "2", Content: "second", Timestamp: now.Add(time.Minute), Author: &discordgo.User{Username: "bob"}},
		{ID: "1", Content: "first", Timestamp: now, Author: &discordgo.User{Username: "ada", GlobalName: "Ada"}},
	}

	bot.HandleInteraction(context.Background(), slop("int-1", subAsk, str(optPrompt, "summarize"), integer(optLookback, 5)))

	sent := p.reqs[0].Messages
	require.Len(t, sent, 3)
	assert.Equal(t, "Context:\n[Context: last 2 message(s) from this channel]\n[15:04] Ada: first\n[15:05] bob: second", sent[1].Content)
}

// ── follow-ups ──

func reply(id, to, content string) *discordgo.Message {
	return &discordgo.Message{
		ID:               id,
		ChannelID:        "chan",
		GuildID:          "guild",
		Content:          content,
		Author:           &discordgo.User{ID: "u2", Username: "bob"},
		MessageReference: &discordgo.MessageReference{MessageID: to, ChannelID: "chan"},
	}
}

func TestFollowUp_ContinuesConversation(t *testing.T) {
	p := &scripted{answers: []string{"first answer", "second answer", "third answer"}}
	bot, api, store := newTestBot(p, nil)
	ctx := context.Background()

	bot.HandleInteraction(ctx, slop("int-1", subAsk, str(optPrompt, "hello")))
	bot.HandleMessage(ctx, reply("m-user-1", "msg-1", "and then?"))

	require.Equal(t, []string{"second answer"}, api.replies)
	assert.Equal(t, "m-user-1", api.refs[0].MessageID)
	second := p.reqs[1].Messages
	require.Len(t, second, 4)
	assert.Equal(t, "first answer", second[2].Content)

	// replying to the follow-up answer keeps the same conversation
	bot.HandleMessage(ctx, reply("m-user-2", "msg-2", "more"))
	conv, _, _ := store.Get(ctx, "int-1")
	assert.Len(t, conv.Messages, 7)
	assert.Equal(t, "u1", conv.InitiatingUserID)
}

func TestFollowUp_LostContext(t *testing.T) {
	bot, api, _ := newTestBot(&scripted{}, nil)
	bot.replies.Add("old-answer", "int-gone")

	bot.HandleMessage(context.Background(), reply("m1", "old-answer", "still there?"))
	assert.Equal(t, []string{msgLost}, api.replies)
}

func TestFollowUp_FromInteractionMetadata(t *testing.T) {
	p := &scripted{answers: []string{"first", "second"}}
	bot, api, _ := newTestBot(p, nil)
	bot.botID.Store("bot")
	ctx := context.Background()
	bot.HandleInteraction(ctx, slop("int-1", subAsk, str(optPrompt, "hello")))
	bot.replies.Purge()

	m := reply("m1", "msg-1", "again")
	m.ReferencedMessage = &discordgo.Message{
		ID:          "msg-1",
		Author:      &discordgo.User{ID: "bot", Bot: true},
		Interaction: &discordgo.MessageInteraction{ID: "int-1"},
	}
	bot.HandleMessage(ctx, m)
	assert.Equal(t, []string{"second"}, api.replies)
}

func TestFollowUp_Ignored(t *testing.T) {
	p := &scripted{}
	bot, api, _ := newTestBot(p, nil)
	bot.replies.Add("known", "int-1")

	botAuthor := reply("m1", "known", "hi")
	botAuthor.Author.Bot = true
	bot.HandleMessage(context.Background(), botAuthor)

	plain := reply("m2", "known", "hi")
	plain.MessageReference = nil
	bot.HandleMessage(context.Background(), plain)

	bot.HandleMessage(context.Background(), reply("m3", "unknown", "hi"))

	assert.Empty(t, api.replies)
	assert.Empty(t, p.reqs)
}

func TestFollowUp_TooLong(t *testing.T) {
	p := &scripted{}
	bot, api, _ := newTestBot(p, nil)
	bot.replies.Add("known", "int-1")

	bot.HandleMessage(context.Background(), reply("m1", "known", strings.Repeat("x", 1801)))
	require.Len(t, api.replies, 1)
	assert.Contains(t, api.replies[0], "too long")
	assert.Empty(t, p.reqs)
}

// ── images ──

func TestImage_DataURI(t *testing.T) {
	png := []byte("\x89PNG fake")
	p := &scripted{image: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)}
	bot, api, _ := newTestBot(p, nil)

	bot.HandleInteraction(context.Background(), slop("int-1", subImage, str(optPrompt, "a cat")))

	require.Len(t, api.followups, 1)
	require.Len(t, api.followups[0].Files, 1)
	f := api.followups[0].Files[0]
	assert.Regexp(t, `^monody_u1_\d{14}\.png$`, f.Name)
	assert.Equal(t, png, api.files[f.Name])
}

func TestImage_URL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/webp")
		_, _ = w.Write([]byte("webp-bytes"))
	}))
	defer srv.Close()

	p := &scripted{image: srv.URL + "/gen/abc.WEBP?sig=1"}
	bot, api, _ := newTestBot(p, nil)
	bot.HandleInteraction(context.Background(), slop("int-1", subImage, str(optPrompt, "a dog")))

	require.Len(t, api.followups[0].Files, 1)
	f := api.followups[0].Files[0]
	assert.True(t, strings.HasSuffix(f.Name, ".webp"))
	assert.Equal(t, []byte("webp-bytes"), api.files[f.Name])
}

func TestImage_Failures(t *testing.T) {
	bot, api, _ := newTestBot(&scripted{err: llm.ErrImagesUnsupported}, nil)
	bot.HandleInteraction(context.Background(), slop("int-1", subImage, str(optPrompt, "x")))
	assert.Equal(t, msgImageFail, api.followups[0].Content)

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	bot, api, _ = newTestBot(&scripted{image: srv.URL + "/missing.png"}, nil)
	bot.HandleInteraction(context.Background(), slop("int-2", subImage, str(optPrompt, "x")))
	assert.Equal(t, msgUploadFail, api.followups[0].Content)
}

func TestRegisterCommands(t *testing.T) {
	bot, api, _ := newTestBot(&scripted{}, nil)
	require.Error(t, bot.RegisterCommands(""))
	require.NoError(t, bot.RegisterCommands("app"))
	require.Len(t, api.overwrite, 1)

	cmd := api.overwrite[0]
	assert.Equal(t, "slop", cmd.Name)
	require.Len(t, cmd.Options, 2)
	assert.Equal(t, 1800, cmd.Options[0].Options[0].MaxLength)
	assert.Equal(t, 800, cmd.Options[1].Options[0].MaxLength)
}
