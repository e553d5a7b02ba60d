package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"img2url/internal/bus"
	"img2url/internal/channel"
	"img2url/internal/config"
	"img2url/internal/domain"
	"img2url/internal/gewechat"
	"img2url/internal/httpclient"
	"img2url/internal/plugin"
	"img2url/internal/plugin/img2url"
	"img2url/internal/session"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bot on the configured channel",
		Long:  "Starts the configured channel, the plugin dispatcher and the session store. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := newLogger(cfg.General)
	if err != nil {
		return err
	}
	defer closeLog()
	logger = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(100, logger)
	events := bus.NewEventBus(logger)
	events.On("*", func(e bus.Event) {
		logger.Debug("event", "type", e.Type, "source", e.Source, "payload", e.Payload)
	})

	store, err := openSessionStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	defer store.Close()
	go session.RunPruner(ctx, store, time.Duration(cfg.Session.PruneIntervalSeconds)*time.Second, logger)

	plugin.SetVersion(version)
	registry := plugin.NewRegistry(logger)
	if err := registry.Register(plugin.NewCommands(plugin.CommandsConfig{
		Registry:    registry,
		ChannelType: cfg.General.ChannelType,
		Pending:     store.Len,
	})); err != nil {
		return err
	}
	if err := registry.Register(img2url.New(img2url.Config{
		Tracker:     session.NewTracker(store),
		Events:      events,
		Logger:      logger,
		ChannelType: cfg.General.ChannelType,
		Gewechat:    cfg.Channels.Gewechat,
		PluginsDir:  cfg.Plugins.Dir,
	})); err != nil {
		return err
	}
	for _, name := range cfg.Plugins.Disabled {
		if err := registry.SetEnabled(name, false); err != nil {
			logger.Warn("cannot disable plugin", "name", name, "err", err)
		}
	}

	ch, err := buildChannel(cfg, logger)
	if err != nil {
		return err
	}

	dispatcher := plugin.NewDispatcher(plugin.DispatcherConfig{
		Registry:    registry,
		Bus:         messageBus,
		Events:      events,
		Logger:      logger,
		Concurrency: cfg.General.MaxConcurrentMessages,
	})
	go dispatcher.Run(ctx)

	logger.Info("img2url started", "version", version, "channel", ch.Name(), "session", cfg.Session.Backend)

	chErr := make(chan error, 1)
	go func() {
		chErr <- ch.Start(ctx, messageBus)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down...")
	case runErr = <-chErr:
		if runErr != nil {
			logger.Error("channel stopped", "channel", ch.Name(), "err", runErr)
		}
		stop()
	}

	const shutdownTimeout = 10 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := ch.Stop(); err != nil {
			logger.Warn("channel stop failed", "err", err)
		}
		messageBus.Close()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		if runErr == nil {
			runErr = fmt.Errorf("shutdown timed out")
		}
	}
	return runErr
}

func openSessionStore(ctx context.Context, cfg *config.Config) (session.Store, error) {
	return session.NewFromConfig(ctx, cfg.Session, logger)
}

// buildChannel creates the channel selected by general.channelType.
func buildChannel(cfg *config.Config, logger *slog.Logger) (domain.Channel, error) {
	ch := cfg.Channels
	switch cfg.General.ChannelType {
	case config.ChannelGewechat:
		gw := ch.Gewechat
		metricsPath := ""
		if cfg.Metrics.Enabled {
			metricsPath = cfg.Metrics.Endpoint
		}
		return channel.NewGewechat(channel.GewechatConfig{
			Host:    gw.CallbackHost,
			Port:    gw.CallbackPort,
			Path:    gw.CallbackPath,
			AppID:   gw.AppID,
			BotWxid: gw.BotWxid,
			Client: gewechat.NewClient(gewechat.ClientConfig{
				BaseURL:    gw.BaseURL,
				Token:      gw.Token,
				HTTPClient: httpclient.New(30 * time.Second),
				Logger:     logger,
			}),
			MetricsPath: metricsPath,
			Debug:       strings.EqualFold(cfg.General.LogLevel, "debug"),
			Logger:      logger,
		}), nil
	case config.ChannelTelegram:
		return channel.NewTelegram(channel.TelegramConfig{
			Token:     ch.Telegram.Token,
			AllowFrom: ch.Telegram.AllowFrom,
			Logger:    logger,
		}), nil
	case config.ChannelDiscord:
		return channel.NewDiscord(channel.DiscordConfig{
			Token:   ch.Discord.Token,
			GuildID: ch.Discord.GuildID,
			Logger:  logger,
		}), nil
	case config.ChannelSlack:
		return channel.NewSlack(channel.SlackConfig{
			BotToken: ch.Slack.BotToken,
			AppToken: ch.Slack.AppToken,
			Logger:   logger,
		}), nil
	case config.ChannelWebSocket:
		return channel.NewWebSocket(channel.WSConfig{
			Host:   ch.WebSocket.Host,
			Port:   ch.WebSocket.Port,
			Path:   ch.WebSocket.Path,
			Logger: logger,
		}), nil
	case config.ChannelCLI:
		return channel.NewCLI(channel.CLIConfig{Logger: logger}), nil
	default:
		return nil, fmt.Errorf("unsupported channel type: %s", cfg.General.ChannelType)
	}
}

// newLogger builds the process logger from general.logLevel and
// general.logFile. The returned func closes the log file, if any.
func newLogger(cfg config.GeneralConfig) (*slog.Logger, func(), error) {
	var out io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
		closeFn = func() { f.Close() }
	}
	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)})
	return slog.New(handler), closeFn, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
