package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"img2url/internal/domain"
)

const websocketChannelName = "websocket"

// Frame types of the websocket protocol.
const (
	FrameMessage = "message"
	FrameImage   = "image"
	FrameStatus  = "status"
)

type WSConfig struct {
	Host   string
	Port   int
	Path   string // default /ws
	Logger *slog.Logger
}

// WebSocket accepts JSON frames from connected clients. An "image" frame
// carries a raw message body in its xml field, which lets a gateway bridge
// forward gewechat image XML without the HTTP callback.
type WebSocket struct {
	addr   string
	path   string
	bus    domain.MessageBus
	engine *gin.Engine
	server *http.Server
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*wsClient
}

type wsClient struct {
	conn   *websocket.Conn
	chatID string
	mu     sync.Mutex
}

// WSMessage is one JSON frame in either direction.
type WSMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	XML     string `json:"xml,omitempty"`
	ChatID  string `json:"chat_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func NewWebSocket(cfg WSConfig) *WebSocket {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Port == 0 {
		cfg.Port = 9920
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ws := &WebSocket{
		addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		path:    cfg.Path,
		logger:  cfg.Logger,
		clients: make(map[string]*wsClient),
	}
	gin.SetMode(gin.ReleaseMode)
	ws.engine = gin.New()
	ws.engine.Use(gin.Recovery())
	ws.engine.GET(ws.path, ws.handleUpgrade)
	return ws
}

func (ws *WebSocket) Name() string { return websocketChannelName }

// Handler exposes the router, mainly for tests.
func (ws *WebSocket) Handler() http.Handler { return ws.engine }

// Attach binds the bus without starting a listener. Start calls it.
func (ws *WebSocket) Attach(bus domain.MessageBus) {
	ws.bus = bus
	bus.OnOutbound(websocketChannelName, func(msg domain.OutboundMessage) {
		ws.broadcast(msg.ChatID, WSMessage{Type: FrameMessage, Content: msg.Content, ChatID: msg.ChatID})
	})
}

// Start serves websocket clients until ctx is cancelled.
func (ws *WebSocket) Start(ctx context.Context, bus domain.MessageBus) error {
	ws.Attach(bus)
	ws.server = &http.Server{
		Addr:              ws.addr,
		Handler:           ws.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ws.logger.Info("websocket server starting", "addr", ws.addr, "path", ws.path)

	errCh := make(chan error, 1)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		ws.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return ws.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("websocket server: %w", err)
	}
}

// Stop is a no-op; the server stops when Start's context is cancelled.
func (ws *WebSocket) Stop() error { return nil }

func (ws *WebSocket) Send(ctx context.Context, chatID string, content string) error {
	ws.broadcast(chatID, WSMessage{Type: FrameMessage, Content: content, ChatID: chatID})
	return nil
}

func (ws *WebSocket) handleUpgrade(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		ws.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	chatID := c.Query("chat_id")
	if chatID == "" {
		chatID = "ws-" + uuid.NewString()
	}
	client := &wsClient{conn: conn, chatID: chatID}
	clientID := fmt.Sprintf("%s-%p", chatID, conn)

	ws.mu.Lock()
	ws.clients[clientID] = client
	ws.mu.Unlock()
	ws.logger.Info("websocket client connected", "client_id", clientID)

	defer func() {
		ws.mu.Lock()
		delete(ws.clients, clientID)
		ws.mu.Unlock()
		conn.Close()
		ws.logger.Info("websocket client disconnected", "client_id", clientID)
	}()

	client.send(WSMessage{Type: FrameStatus, Content: "connected", ChatID: chatID})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Error("websocket read error", "err", err)
			}
			return
		}
		var frame WSMessage
		if err := json.Unmarshal(data, &frame); err != nil {
			ws.logger.Warn("invalid websocket frame", "err", err)
			continue
		}
		msg, ok := frameToInbound(frame, chatID)
		if !ok {
			continue
		}
		if ws.bus != nil {
			ws.bus.Publish(msg)
		}
	}
}

// frameToInbound maps a client frame to a bus message. Unknown frame types
// are dropped.
func frameToInbound(frame WSMessage, chatID string) (domain.InboundMessage, bool) {
	msg := domain.InboundMessage{
		ID:        uuid.NewString(),
		Channel:   websocketChannelName,
		ChatID:    chatID,
		SenderID:  frame.UserID,
		Timestamp: time.Now(),
	}
	switch frame.Type {
	case FrameMessage:
		msg.Type = domain.ContentText
		msg.Content = frame.Content
	case FrameImage:
		msg.Type = domain.ContentImage
		if frame.XML != "" {
			msg.Envelope = rawEnvelope(frame.XML)
		}
	default:
		return domain.InboundMessage{}, false
	}
	return msg, true
}

func (ws *WebSocket) broadcast(chatID string, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	for _, client := range ws.clients {
		if chatID != "" && client.chatID != chatID {
			continue
		}
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()
		if err != nil {
			ws.logger.Debug("websocket write failed", "err", err)
		}
	}
}

func (c *wsClient) send(msg WSMessage) {
	data, _ := json.Marshal(msg)
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

func (ws *WebSocket) closeAll() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for id, client := range ws.clients {
		client.conn.Close()
		delete(ws.clients, id)
	}
}
