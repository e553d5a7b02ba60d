package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"img2url/internal/domain"
)

const (
	slackChannelName = "slack"
	slackMaxMsgLen   = 4000
)

// Slack implements domain.Channel over Socket Mode. Messages with an image
// file are forwarded as image messages without an envelope.
type Slack struct {
	botToken string
	appToken string
	client   *slack.Client
	bus      domain.MessageBus
	logger   *slog.Logger
	botUID   string // the bot's own user ID, to avoid replying to self
}

type SlackConfig struct {
	BotToken string
	AppToken string
	Logger   *slog.Logger
}

func NewSlack(cfg SlackConfig) *Slack {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Slack{botToken: cfg.BotToken, appToken: cfg.AppToken, logger: cfg.Logger}
}

func (s *Slack) Name() string { return slackChannelName }

// Start connects via Socket Mode and blocks until ctx is cancelled.
func (s *Slack) Start(ctx context.Context, bus domain.MessageBus) error {
	s.bus = bus

	api := slack.New(s.botToken, slack.OptionAppLevelToken(s.appToken))
	s.client = api

	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.botUID = auth.UserID
	s.logger.Info("slack bot connected", "user", auth.User, "user_id", auth.UserID)

	socket := socketmode.New(api)

	bus.OnOutbound(slackChannelName, func(msg domain.OutboundMessage) {
		if msg.Content != "" {
			s.sendMessage(msg.ChatID, msg.Content)
		}
	})

	go func() {
		for evt := range socket.Events {
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				event, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				socket.Ack(*evt.Request)
				if msg, ok := s.toInbound(event); ok {
					s.bus.Publish(msg)
				}
			case socketmode.EventTypeSlashCommand:
				cmd, ok := evt.Data.(slack.SlashCommand)
				if !ok {
					continue
				}
				socket.Ack(*evt.Request)
				s.bus.Publish(domain.InboundMessage{
					Channel:  slackChannelName,
					ChatID:   cmd.ChannelID,
					SenderID: cmd.UserID,
					Type:     domain.ContentText,
					Content:  strings.TrimSpace(cmd.Command + " " + cmd.Text),
				})
			default:
				// Unacknowledged events make Socket Mode reconnect.
				if evt.Request != nil {
					socket.Ack(*evt.Request)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- socket.RunContext(ctx)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("slack bot disconnecting")
		return nil
	case err := <-errCh:
		return fmt.Errorf("slack socket mode: %w", err)
	}
}

// Stop is a no-op; Socket Mode stops with Start's context.
func (s *Slack) Stop() error { return nil }

func (s *Slack) Send(ctx context.Context, chatID string, content string) error {
	if s.client == nil {
		return fmt.Errorf("slack client not started")
	}
	s.sendMessage(chatID, content)
	return nil
}

// toInbound converts an Events API callback into a bus message.
func (s *Slack) toInbound(event slackevents.EventsAPIEvent) (domain.InboundMessage, bool) {
	if event.Type != slackevents.CallbackEvent {
		return domain.InboundMessage{}, false
	}

	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if ev.User == "" || ev.User == s.botUID {
			return domain.InboundMessage{}, false
		}
		msg := domain.InboundMessage{
			ID:       ev.TimeStamp,
			Channel:  slackChannelName,
			ChatID:   ev.Channel,
			SenderID: ev.User,
			Type:     domain.ContentText,
			Content:  strings.TrimSpace(ev.Text),
		}
		switch ev.SubType {
		case "":
		case "file_share":
			if ev.Message != nil && hasSlackImage(ev.Message.Files) {
				msg.Type = domain.ContentImage
			}
		default:
			return domain.InboundMessage{}, false
		}
		if msg.Type == domain.ContentText && msg.Content == "" {
			return domain.InboundMessage{}, false
		}
		s.logger.Info("slack message received", "user", ev.User, "channel", ev.Channel, "type", msg.Type)
		return msg, true

	case *slackevents.AppMentionEvent:
		content := ev.Text
		if idx := strings.Index(content, ">"); idx >= 0 {
			content = strings.TrimSpace(content[idx+1:])
		}
		return domain.InboundMessage{
			ID:       ev.TimeStamp,
			Channel:  slackChannelName,
			ChatID:   ev.Channel,
			SenderID: ev.User,
			Type:     domain.ContentText,
			Content:  content,
		}, ev.User != "" && content != ""
	}
	return domain.InboundMessage{}, false
}

func hasSlackImage(files []slack.File) bool {
	for _, f := range files {
		if strings.HasPrefix(f.Mimetype, "image/") {
			return true
		}
	}
	return false
}

func (s *Slack) sendMessage(channelID, content string) {
	for _, chunk := range splitMessage(content, slackMaxMsgLen) {
		if _, _, err := s.client.PostMessage(channelID, slack.MsgOptionText(chunk, false)); err != nil {
			s.logger.Error("slack send failed", "channel", channelID, "err", err)
		}
	}
}
