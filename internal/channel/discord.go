package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"img2url/internal/domain"
)

const (
	discordChannelName = "discord"
	discordMaxMsgLen   = 2000
)

// Discord implements domain.Channel for a Discord bot. Image attachments are
// forwarded as image messages without an envelope.
type Discord struct {
	token   string
	guildID string
	session *discordgo.Session
	bus     domain.MessageBus
	logger  *slog.Logger
}

type DiscordConfig struct {
	Token   string
	GuildID string // empty = every guild the bot is in
	Logger  *slog.Logger
}

func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Discord{token: cfg.Token, guildID: cfg.GuildID, logger: cfg.Logger}
}

func (d *Discord) Name() string { return discordChannelName }

// Start opens the gateway session and blocks until ctx is cancelled.
func (d *Discord) Start(ctx context.Context, bus domain.MessageBus) error {
	d.bus = bus

	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	d.session = session

	bus.OnOutbound(discordChannelName, func(msg domain.OutboundMessage) {
		if msg.Content != "" {
			d.sendMessage(msg.ChatID, msg.Content)
		}
	})

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		var selfID string
		if s.State != nil && s.State.User != nil {
			selfID = s.State.User.ID
		}
		if msg, ok := d.toInbound(m.Message, selfID); ok {
			bus.Publish(msg)
		}
	})

	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		})

		var sender string
		switch {
		case i.Member != nil && i.Member.User != nil:
			sender = i.Member.User.ID
		case i.User != nil:
			sender = i.User.ID
		}
		bus.Publish(domain.InboundMessage{
			ID:       i.ID,
			Channel:  discordChannelName,
			ChatID:   i.ChannelID,
			SenderID: sender,
			Type:     domain.ContentText,
			Content:  "/" + i.ApplicationCommandData().Name,
		})
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	d.logger.Info("discord bot connected", "user", session.State.User.Username)
	d.registerSlashCommands()

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return session.Close()
}

// Stop is a no-op; the session closes when Start's context is cancelled.
func (d *Discord) Stop() error { return nil }

func (d *Discord) Send(ctx context.Context, chatID string, content string) error {
	if d.session == nil {
		return fmt.Errorf("discord session not started")
	}
	d.sendMessage(chatID, content)
	return nil
}

// toInbound converts a Discord message. The bot's own messages and messages
// from other guilds (when a guild filter is set) are dropped.
func (d *Discord) toInbound(m *discordgo.Message, selfID string) (domain.InboundMessage, bool) {
	if m == nil || m.Author == nil || m.Author.ID == selfID {
		return domain.InboundMessage{}, false
	}
	if d.guildID != "" && m.GuildID != d.guildID {
		return domain.InboundMessage{}, false
	}

	msg := domain.InboundMessage{
		ID:        m.ID,
		Channel:   discordChannelName,
		ChatID:    m.ChannelID,
		SenderID:  m.Author.ID,
		Type:      domain.ContentText,
		Content:   strings.TrimSpace(m.Content),
		Timestamp: m.Timestamp,
	}
	for _, a := range m.Attachments {
		if strings.HasPrefix(a.ContentType, "image/") {
			msg.Type = domain.ContentImage
			break
		}
	}
	if msg.Type == domain.ContentText && msg.Content == "" {
		return domain.InboundMessage{}, false
	}

	d.logger.Info("discord message received", "author", m.Author.Username, "channel_id", m.ChannelID, "type", msg.Type)
	return msg, true
}

func (d *Discord) sendMessage(channelID, content string) {
	for _, chunk := range splitMessage(content, discordMaxMsgLen) {
		if _, err := d.session.ChannelMessageSend(channelID, chunk); err != nil {
			d.logger.Error("discord send failed", "channel", channelID, "err", err)
		}
	}
}

func (d *Discord) registerSlashCommands() {
	commands := []*discordgo.ApplicationCommand{
		{Name: "help", Description: "Show usage"},
		{Name: "status", Description: "Show bot status"},
		{Name: "plugins", Description: "List loaded plugins"},
	}
	for _, cmd := range commands {
		if _, err := d.session.ApplicationCommandCreate(d.session.State.User.ID, d.guildID, cmd); err != nil {
			d.logger.Warn("failed to register slash command", "command", cmd.Name, "err", err)
		}
	}
}
