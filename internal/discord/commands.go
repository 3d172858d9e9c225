package discord

import (
	"github.com/bwmarrin/discordgo"

	"github.com/clawplaza/monody/internal/config"
)

const (
	commandName = "slop"
	subAsk      = "ask"
	subImage    = "image"
	optPrompt   = "prompt"
	optPrivate  = "private"
	optLookback = "lookback"
	maxLookback = 100
)

// Commands returns the application commands the bot answers.
func Commands(cfg *config.DiscordConfig) []*discordgo.ApplicationCommand {
	minLookback := float64(1)
	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
		discordgo.InteractionContextBotDM,
		discordgo.InteractionContextPrivateChannel,
	}
	return []*discordgo.ApplicationCommand{{
		Name:        commandName,
		Description: "Talk to Monody",
		Contexts:    &contexts,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subAsk,
				Description: "Ask a question and get an answer",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        optPrompt,
						Description: "What do you want to ask?",
						Required:    true,
						MaxLength:   cfg.AskMaxChars,
					},
					{
						Type:        discordgo.ApplicationCommandOptionBoolean,
						Name:        optPrivate,
						Description: "Only you can see the answer",
					},
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        optLookback,
						Description: "Include the last N messages from this channel (1-100)",
						MinValue:    &minLookback,
						MaxValue:    maxLookback,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subImage,
				Description: "Generate an image",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        optPrompt,
						Description: "What do you want to see?",
						Required:    true,
						MaxLength:   cfg.ImageMaxChars,
					},
					{
						Type:        discordgo.ApplicationCommandOptionBoolean,
						Name:        optPrivate,
						Description: "Only you can see the image",
					},
				},
			},
		},
	}}
}

// options flattens a subcommand's options by name.
func options(opts []*discordgo.ApplicationCommandInteractionDataOption) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	m := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(opts))
	for _, o := range opts {
		m[o.Name] = o
	}
	return m
}
