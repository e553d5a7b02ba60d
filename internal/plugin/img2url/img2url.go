// Package img2url is the chat plugin that turns an image into a public link:
// the user sends the trigger phrase, then an image, and gets back its URL.
package img2url

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"img2url/internal/bus"
	"img2url/internal/config"
	"img2url/internal/domain"
	"img2url/internal/metrics"
	"img2url/internal/plugin"
	"img2url/internal/relay"
	"img2url/internal/session"
)

const (
	Name           = "img2url"
	Priority       = 200
	Version        = "1.0"
	DefaultTrigger = "图转链接"
	description    = "图片转链接插件（仅支持gewechat通道）"
)

// Reply texts.
const (
	MsgPrompt       = "请发送需要转换的图片"
	MsgFetchFailed  = "无法获取图片数据，请确保使用gewechat通道"
	MsgUploadFailed = "上传图片失败"
	MsgStoreFailed  = "会话状态暂时不可用，请稍后再试"
	successTemplate = "====== 图片上传成功 ======\n链接: %s\n====================="
	helpText        = "图片转链接插件使用说明：\n1. 发送'图转链接'，收到反馈消息后再发送图片\n2. 插件会自动上传图片并返回可访问的URL\n注意：仅支持gewechat通道使用\n"
)

// SuccessText formats the reply for an uploaded image.
func SuccessText(url string) string {
	return fmt.Sprintf(successTemplate, url)
}

// Relayer turns an image message into a hosted URL.
type Relayer interface {
	Run(ctx context.Context, msg domain.InboundMessage) (string, error)
}

// Plugin implements the two-step trigger-then-image protocol.
type Plugin struct {
	trigger string
	tracker *session.Tracker
	relay   Relayer
	events  *bus.EventBus
	logger  *slog.Logger
}

type Config struct {
	Tracker *session.Tracker
	Events  *bus.EventBus // optional
	Logger  *slog.Logger
	Trigger string // defaults to DefaultTrigger

	// Relay is used as is when set. Otherwise one is built from the
	// fields below and the plugin's own config file.
	Relay       Relayer
	ChannelType string
	Gewechat    config.GewechatConfig
	PluginsDir  string
}

// New builds the plugin. A missing or unreadable plugin config, or an empty
// imgbb_api_key, is logged and leaves the plugin loaded; uploads then fail.
func New(cfg Config) *Plugin {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("plugin", Name)
	if cfg.Trigger == "" {
		cfg.Trigger = DefaultTrigger
	}

	r := cfg.Relay
	if r == nil {
		r = relay.New(relay.Config{
			ChannelType: cfg.ChannelType,
			Gewechat:    cfg.Gewechat,
			APIKey:      loadAPIKey(cfg.PluginsDir, logger),
			Logger:      logger,
		})
	}

	logger.Info("plugin initialized", "trigger", cfg.Trigger)
	return &Plugin{
		trigger: cfg.Trigger,
		tracker: cfg.Tracker,
		relay:   r,
		events:  cfg.Events,
		logger:  logger,
	}
}

func loadAPIKey(dir string, logger *slog.Logger) string {
	var pc config.ImageRelayConfig
	if err := config.LoadPluginConfig(dir, Name, &pc); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Error("plugin config not found", "path", config.PluginConfigPath(dir, Name))
		} else {
			logger.Error("plugin config load failed", "error", err)
		}
		return ""
	}
	if pc.ImgbbAPIKey == "" {
		logger.Error("imgbb_api_key is not set", "path", config.PluginConfigPath(dir, Name))
	}
	return pc.ImgbbAPIKey
}

func (p *Plugin) Info() plugin.Info {
	return plugin.Info{
		Name:        Name,
		Description: description,
		Version:     Version,
		Priority:    Priority,
	}
}

func (p *Plugin) HelpText() string { return helpText }

func (p *Plugin) HandleMessage(ctx context.Context, ec *plugin.EventContext) {
	msg := ec.Message
	if msg.SenderID == "" {
		return
	}

	switch msg.Type {
	case domain.ContentText:
		if strings.Contains(msg.Content, p.trigger) {
			p.arm(ctx, ec)
		}
	case domain.ContentImage:
		p.relayImage(ctx, ec)
	}
}

func (p *Plugin) arm(ctx context.Context, ec *plugin.EventContext) {
	user := ec.Message.SenderID
	if err := p.tracker.MarkPending(ctx, user); err != nil {
		p.logger.Error("mark pending failed", "user", user, "error", err)
		ec.SetReply(plugin.ReplyError, MsgStoreFailed, plugin.BreakPass)
		return
	}
	metrics.PendingMarked.Inc()
	p.refreshPendingGauge(ctx)
	p.emit(bus.EventImagePending, map[string]any{"user": user, "chat_id": ec.Message.ChatID})

	p.logger.Debug("waiting for image", "user", user)
	ec.SetReply(plugin.ReplyText, MsgPrompt, plugin.BreakPass)
}

func (p *Plugin) relayImage(ctx context.Context, ec *plugin.EventContext) {
	msg := ec.Message
	unlock := p.tracker.Lock(msg.SenderID)
	defer unlock()

	pending, err := p.tracker.IsPending(ctx, msg.SenderID)
	if err != nil {
		p.logger.Error("pending lookup failed", "user", msg.SenderID, "error", err)
		return
	}
	if !pending {
		return
	}

	start := time.Now()
	url, err := p.relay.Run(ctx, msg)
	metrics.RelayLatency.ObserveSince(start)
	if err != nil {
		p.fail(ec, err)
		return
	}

	if err := p.tracker.ClearPending(ctx, msg.SenderID); err != nil {
		p.logger.Error("clear pending failed", "user", msg.SenderID, "error", err)
	}
	metrics.RelaySuccess.Inc()
	p.refreshPendingGauge(ctx)
	p.emit(bus.EventImageRelayed, map[string]any{"user": msg.SenderID, "url": url, "msg_id": msg.ID})
	p.logger.Info("image relayed", "user", msg.SenderID, "url", url, "elapsed", time.Since(start).Round(time.Millisecond))

	ec.SetReply(plugin.ReplyText, SuccessText(url), plugin.BreakPass)
	ec.Kwargs[plugin.KwargNoImageParse] = true
}

// fail replies with the fetch or upload error text. The pending flag stays set
// so the user can simply send the image again.
func (p *Plugin) fail(ec *plugin.EventContext, err error) {
	stage, text := "upload", MsgUploadFailed
	if relay.IsFetchError(err) {
		stage, text = "fetch", MsgFetchFailed
		metrics.RelayFetchFail.Inc()
	} else {
		metrics.RelayUploadFail.Inc()
	}
	p.logger.Error("image relay failed", "user", ec.Message.SenderID, "stage", stage, "error", err)
	p.emit(bus.EventImageFailed, map[string]any{
		"user":  ec.Message.SenderID,
		"stage": stage,
		"error": err.Error(),
	})
	ec.SetReply(plugin.ReplyError, text, plugin.BreakPass)
}

func (p *Plugin) refreshPendingGauge(ctx context.Context) {
	if n, err := p.tracker.Len(ctx); err == nil {
		metrics.PendingUsers.Set(int64(n))
	}
}

func (p *Plugin) emit(eventType string, payload map[string]any) {
	if p.events == nil {
		return
	}
	p.events.Emit(bus.Event{Type: eventType, Source: Name, Payload: payload})
}
