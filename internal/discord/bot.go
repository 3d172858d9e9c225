// Package discord connects the chat service to Discord: the /slop slash
// command, reply-based follow-ups and image uploads.
package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/clawplaza/monody/internal/chat"
	"github.com/clawplaza/monody/internal/config"
	"github.com/clawplaza/monody/internal/conversation"
)

const (
	turnTimeout   = 5 * time.Minute
	replyCapacity = 10000
	maxImageBytes = 20 << 20
)

// API is the part of the Discord REST client the bot uses.
// *discordgo.Session implements it.
type API interface {
	InteractionRespond(i *discordgo.Interaction, r *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	FollowupMessageCreate(i *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendReply(channelID, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	ApplicationCommandBulkOverwrite(appID, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
}

// Chatter runs chat turns. *chat.Service implements it.
type Chatter interface {
	Converse(ctx context.Context, req chat.TurnRequest, deliver chat.DeliverFunc) (string, error)
	GenerateImage(ctx context.Context, prompt string) (string, error)
}

// Pauser reports whether the operator has paused the bot.
type Pauser interface {
	IsPaused() bool
}

type running struct{}

func (running) IsPaused() bool { return false }

// Bot answers Discord interactions.
type Bot struct {
	cfg     *config.DiscordConfig
	api     API
	session *discordgo.Session
	chat    Chatter
	pause   Pauser
	replies *expirable.LRU[string, string] // bot message id -> conversation id
	http    *http.Client
	loc     *time.Location
	botID   atomic.Value // string
}

// New creates a bot with a gateway session for cfg.Token. pause may be nil.
func New(cfg *config.DiscordConfig, c Chatter, pause Pauser) (*Bot, error) {
	s, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	b := newBot(cfg, s, c, pause)
	b.session = s
	return b, nil
}

func newBot(cfg *config.DiscordConfig, api API, c Chatter, pause Pauser) *Bot {
	if pause == nil {
		pause = running{}
	}
	b := &Bot{
		cfg:     cfg,
		api:     api,
		chat:    c,
		pause:   pause,
		replies: expirable.NewLRU[string, string](replyCapacity, nil, conversation.DefaultTTL),
		http: &http.Client{
			Timeout:   60 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		loc: time.Local,
	}
	b.botID.Store("")
	return b
}

// RegisterCommands publishes the slash commands for appID, to the
// configured guild or globally.
func (b *Bot) RegisterCommands(appID string) error {
	if appID == "" {
		return errors.New("application id is required to register commands")
	}
	cmds, err := b.api.ApplicationCommandBulkOverwrite(appID, b.cfg.GuildID, Commands(b.cfg))
	if err != nil {
		return fmt.Errorf("register commands: %w", err)
	}
	slog.Info("slash commands registered", "count", len(cmds), "guild", b.cfg.GuildID)
	return nil
}

// Run connects to the gateway and serves events until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	if b.session == nil {
		return errors.New("bot has no gateway session")
	}
	b.session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		b.botID.Store(r.User.ID)
		slog.Info("connected to discord", "user", r.User.Username, "guilds", len(r.Guilds))
		appID := b.cfg.AppID
		if appID == "" {
			appID = r.User.ID
		}
		if err := b.RegisterCommands(appID); err != nil {
			slog.Error("command registration failed", "err", err)
		}
	})
	b.session.AddHandler(func(_ *discordgo.Session, ic *discordgo.InteractionCreate) {
		b.HandleInteraction(ctx, ic.Interaction)
	})
	b.session.AddHandler(func(_ *discordgo.Session, mc *discordgo.MessageCreate) {
		b.HandleMessage(ctx, mc.Message)
	})

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	<-ctx.Done()
	slog.Info("disconnecting from discord")
	return b.session.Close()
}

func flags(private bool) discordgo.MessageFlags {
	if private {
		return discordgo.MessageFlagsEphemeral
	}
	return 0
}

func interactionUser(i *discordgo.Interaction) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	if i.User != nil {
		return i.User
	}
	return &discordgo.User{}
}

// HandleInteraction serves one /slop invocation.
func (b *Bot) HandleInteraction(ctx context.Context, i *discordgo.Interaction) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	if data.Name != commandName || len(data.Options) == 0 {
		return
	}
	sub := data.Options[0]
	opts := options(sub.Options)
	private := opts[optPrivate] != nil && opts[optPrivate].BoolValue()
	log := slog.With("interaction", i.ID, "command", sub.Name)

	if b.pause.IsPaused() {
		err := b.api.InteractionRespond(i, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Content: msgPaused, Flags: discordgo.MessageFlagsEphemeral},
		})
		if err != nil {
			log.Warn("paused response failed", "err", err)
		}
		return
	}

	err := b.api.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: flags(private)},
	})
	if err != nil {
		log.Error("defer failed", "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, turnTimeout)
	defer cancel()

	prompt := ""
	if o := opts[optPrompt]; o != nil {
		prompt = strings.TrimSpace(o.StringValue())
	}
	switch sub.Name {
	case subAsk:
		lookback := 0
		if o := opts[optLookback]; o != nil {
			lookback = int(o.IntValue())
		}
		b.ask(ctx, i, prompt, lookback, private)
	case subImage:
		b.image(ctx, i, prompt, private)
	}
}

func (b *Bot) ask(ctx context.Context, i *discordgo.Interaction, prompt string, lookback int, private bool) {
	u := interactionUser(i)
	req := chat.TurnRequest{
		ConversationID: i.ID,
		Addressing:     conversation.Addressing{GuildID: i.GuildID, ChannelID: i.ChannelID},
		User:           chat.User{ID: u.ID, Username: u.Username},
		Prompt:         prompt,
	}
	if lookback > 0 {
		req.ChannelContext = b.channelContext(i.ChannelID, lookback)
	}

	answer, err := b.chat.Converse(ctx, req, func(_ context.Context, answer string) error {
		msg, err := b.api.FollowupMessageCreate(i, true, &discordgo.WebhookParams{
			Content: answerText(answer),
			Flags:   flags(private),
		})
		if err != nil {
			return err
		}
		b.replies.Add(msg.ID, i.ID)
		return nil
	})
	if err != nil && answer == "" {
		slog.Error("unable to complete interaction", "interaction", i.ID, "err", err)
		b.followupText(i, msgFailed, private)
	}
}

func (b *Bot) channelContext(channelID string, n int) string {
	msgs, err := b.api.ChannelMessages(channelID, min(n, maxLookback), "", "", "")
	if err != nil {
		slog.Warn("channel lookback failed", "channel", channelID, "err", err)
		return ""
	}
	return ContextBlock(msgs, b.loc)
}

func (b *Bot) followupText(i *discordgo.Interaction, text string, private bool) {
	_, err := b.api.FollowupMessageCreate(i, true, &discordgo.WebhookParams{Content: text, Flags: flags(private)})
	if err != nil {
		slog.Warn("followup failed", "interaction", i.ID, "err", err)
	}
}

func answerText(answer string) string {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return msgEmpty
	}
	return Truncate(answer, MaxAnswerChars)
}

func (b *Bot) image(ctx context.Context, i *discordgo.Interaction, prompt string, private bool) {
	log := slog.With("interaction", i.ID)
	uri, err := b.chat.GenerateImage(ctx, prompt)
	if err != nil {
		log.Error("image generation failed", "err", err)
		b.followupText(i, msgImageFail, private)
		return
	}

	data, contentType, err := b.fetchImage(ctx, uri)
	if err != nil {
		log.Error("image fetch failed", "err", err)
		b.followupText(i, msgUploadFail, private)
		return
	}
	name := imageName(uri, contentType, interactionUser(i).ID, time.Now())
	_, err = b.api.FollowupMessageCreate(i, true, &discordgo.WebhookParams{
		Flags: flags(private),
		Files: []*discordgo.File{{Name: name, ContentType: contentType, Reader: bytes.NewReader(data)}},
	})
	if err != nil {
		log.Error("image upload failed", "err", err)
		b.followupText(i, msgUploadFail, private)
	}
}

// fetchImage resolves an image URI to bytes. Providers return either a
// hosted URL or an inline base64 data URI.
func (b *Bot) fetchImage(ctx context.Context, uri string) ([]byte, string, error) {
	if strings.HasPrefix(uri, "data:") {
		return decodeDataURI(uri)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("image download: %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) > maxImageBytes {
		return nil, "", fmt.Errorf("image larger than %d bytes", maxImageBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// conversationFor maps a replied-to bot message to its conversation.
func (b *Bot) conversationFor(m *discordgo.Message) (string, bool) {
	ref := m.MessageReference
	if ref == nil || ref.MessageID == "" {
		return "", false
	}
	if id, ok := b.replies.Get(ref.MessageID); ok {
		return id, true
	}
	// Answers posted before a restart still carry their interaction.
	rm := m.ReferencedMessage
	botID, _ := b.botID.Load().(string)
	if rm != nil && rm.Interaction != nil && rm.Author != nil && botID != "" && rm.Author.ID == botID {
		return rm.Interaction.ID, true
	}
	return "", false
}

// HandleMessage continues a conversation when a user replies to one of the
// bot's answers.
func (b *Bot) HandleMessage(ctx context.Context, m *discordgo.Message) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	convID, ok := b.conversationFor(m)
	if !ok {
		return
	}
	log := slog.With("conversation", convID, "message", m.ID)
	reply := func(text string) (*discordgo.Message, error) {
		return b.api.ChannelMessageSendReply(m.ChannelID, text, m.Reference())
	}

	if b.pause.IsPaused() {
		_, _ = reply(msgPaused)
		return
	}
	prompt := strings.TrimSpace(m.Content)
	if prompt == "" {
		return
	}
	if limit := b.cfg.AskMaxChars; limit > 0 && utf8.RuneCountInString(prompt) > limit {
		_, _ = reply(fmt.Sprintf("That follow-up is too long (max %d characters).", limit))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, turnTimeout)
	defer cancel()
	if err := b.api.ChannelTyping(m.ChannelID); err != nil {
		log.Debug("typing indicator failed", "err", err)
	}

	answer, err := b.chat.Converse(ctx, chat.TurnRequest{
		ConversationID: convID,
		Addressing:     conversation.Addressing{GuildID: m.GuildID, ChannelID: m.ChannelID},
		User:           chat.User{ID: m.Author.ID, Username: m.Author.Username},
		Prompt:         prompt,
		FollowUp:       true,
	}, func(_ context.Context, answer string) error {
		sent, err := reply(answerText(answer))
		if err != nil {
			return err
		}
		b.replies.Add(sent.ID, convID)
		return nil
	})
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		log.Info("follow-up on expired conversation")
		_, _ = reply(msgLost)
	case err != nil && answer == "":
		log.Error("follow-up failed", "err", err)
		_, _ = reply(msgFailed)
	}
}
