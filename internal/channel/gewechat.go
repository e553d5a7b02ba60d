package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"img2url/internal/domain"
	"img2url/internal/gewechat"
	"img2url/internal/metrics"
)

const (
	gewechatChannelName  = "gewechat"
	maxCallbackBodyBytes = 1 << 20
)

// TextPoster sends a text message through the gewechat gateway.
type TextPoster interface {
	PostText(ctx context.Context, appID, toWxid, content string) error
}

type GewechatConfig struct {
	Host        string
	Port        int
	Path        string // callback path registered with the gateway
	AppID       string
	BotWxid     string // messages sent by this wxid are dropped
	Client      TextPoster
	MetricsPath string // empty disables the metrics endpoint
	Debug       bool   // gin debug mode
	Logger      *slog.Logger
}

// Gewechat receives message callbacks from a gewechat gateway over HTTP and
// replies through the gateway's postText API.
type Gewechat struct {
	addr   string
	path   string
	appID  string
	self   string
	client TextPoster
	bus    domain.MessageBus
	engine *gin.Engine
	server *http.Server
	logger *slog.Logger
}

func NewGewechat(cfg GewechatConfig) *Gewechat {
	if cfg.Path == "" {
		cfg.Path = "/v2/api/callback/collect"
	}
	if cfg.Port == 0 {
		cfg.Port = 9919
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	g := &Gewechat{
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		path:   cfg.Path,
		appID:  cfg.AppID,
		self:   cfg.BotWxid,
		client: cfg.Client,
		logger: cfg.Logger,
	}
	g.engine = g.buildRouter(cfg)
	return g
}

func (g *Gewechat) buildRouter(cfg GewechatConfig) *gin.Engine {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(g.loggingMiddleware())

	engine.POST(g.path, g.handleCallback)
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.MetricsPath != "" {
		engine.GET(cfg.MetricsPath, gin.WrapF(metrics.Collector.Handler()))
	}
	return engine
}

func (g *Gewechat) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		g.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (g *Gewechat) Name() string { return gewechatChannelName }

// Handler exposes the router, mainly for tests.
func (g *Gewechat) Handler() http.Handler { return g.engine }

// Attach binds the bus and routes replies to postText without starting a
// listener. Start calls it.
func (g *Gewechat) Attach(ctx context.Context, bus domain.MessageBus) {
	g.bus = bus
	bus.OnOutbound(gewechatChannelName, func(msg domain.OutboundMessage) {
		if msg.Content == "" {
			return
		}
		if err := g.Send(ctx, msg.ChatID, msg.Content); err != nil {
			g.logger.Error("gewechat reply failed", "chat_id", msg.ChatID, "err", err)
		}
	})
}

// Start serves callbacks until ctx is cancelled.
func (g *Gewechat) Start(ctx context.Context, bus domain.MessageBus) error {
	g.Attach(ctx, bus)

	g.server = &http.Server{
		Addr:              g.addr,
		Handler:           g.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	g.logger.Info("gewechat callback server starting", "addr", g.addr, "path", g.path)

	errCh := make(chan error, 1)
	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		g.logger.Info("gewechat callback server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return g.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("gewechat callback server: %w", err)
	}
}

// Stop is a no-op; the server stops when Start's context is cancelled.
func (g *Gewechat) Stop() error { return nil }

func (g *Gewechat) Send(ctx context.Context, chatID string, content string) error {
	if g.client == nil {
		return fmt.Errorf("gewechat client not configured")
	}
	return g.client.PostText(ctx, g.appID, chatID, content)
}

func (g *Gewechat) handleCallback(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
		return
	}

	var cb gewechat.CallbackMessage
	if err := json.Unmarshal(body, &cb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	if cb.TestMsg != "" {
		g.logger.Info("gewechat callback check received", "msg", cb.TestMsg)
		c.JSON(http.StatusOK, gin.H{"ret": gewechat.RetSuccess})
		return
	}

	msg, ok := cb.ToInbound(gewechatChannelName)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"ret": gewechat.RetSuccess, "ignored": true})
		return
	}
	if g.self != "" && msg.SenderID == g.self {
		c.JSON(http.StatusOK, gin.H{"ret": gewechat.RetSuccess, "ignored": true})
		return
	}
	if g.appID != "" && cb.Appid != "" && cb.Appid != g.appID {
		g.logger.Warn("gewechat callback for another app ignored", "appid", cb.Appid)
		c.JSON(http.StatusOK, gin.H{"ret": gewechat.RetSuccess, "ignored": true})
		return
	}

	g.logger.Info("gewechat message received",
		"chat_id", msg.ChatID,
		"sender", msg.SenderID,
		"type", msg.Type,
	)
	if g.bus != nil {
		g.bus.Publish(msg)
	}
	c.JSON(http.StatusOK, gin.H{"ret": gewechat.RetSuccess})
}
