package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"img2url/internal/config"
	"img2url/internal/domain"
)

const (
	cliChannelName = "cli"
	cliChatID      = "direct"
	cliSenderID    = "cli-user"
)

// rawEnvelope carries a captured message body, e.g. a gewechat image XML
// saved to disk, so image handling can be replayed from the terminal.
type rawEnvelope string

func (e rawEnvelope) XMLPayload() (string, error) {
	if e == "" {
		return "", errors.New("empty envelope")
	}
	return string(e), nil
}

// CLI implements domain.Channel for an interactive terminal session.
// "/image <file>" sends the file content as an image message envelope.
type CLI struct {
	bus      domain.MessageBus
	logger   *slog.Logger
	in       io.Reader
	out      io.Writer
	outMu    sync.Mutex
	waiting  bool
	waitMu   sync.Mutex
	waitStop chan struct{}
}

type CLIConfig struct {
	Logger *slog.Logger
	In     io.Reader
	Out    io.Writer
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CLI{logger: cfg.Logger, in: cfg.In, out: cfg.Out}
}

func (c *CLI) Name() string { return cliChannelName }

// Start runs the REPL and blocks until EOF, /quit, or ctx is cancelled.
func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	c.bus = bus

	bus.OnOutbound(cliChannelName, func(msg domain.OutboundMessage) {
		c.stopWaiting()
		c.printf("\r\033[K%s\nYou> ", msg.Content)
	})

	c.printf("img2url CLI. Type a message, /image <file> to send an image, /quit to exit.\nYou> ")

	scanner := bufio.NewScanner(c.in)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			c.printf("You> ")
			continue
		case line == "/quit" || line == "/exit" || line == "/q":
			c.logger.Info("user requested quit")
			return nil
		}

		msg, err := c.parseLine(line)
		if err != nil {
			c.printf("%v\nYou> ", err)
			continue
		}
		c.startWaiting()
		c.bus.Publish(msg)
	}
}

// parseLine turns one input line into an inbound message.
func (c *CLI) parseLine(line string) (domain.InboundMessage, error) {
	msg := domain.InboundMessage{
		ID:        uuid.NewString(),
		Channel:   cliChannelName,
		ChatID:    cliChatID,
		SenderID:  cliSenderID,
		Type:      domain.ContentText,
		Content:   line,
		Timestamp: time.Now(),
	}

	path, ok := strings.CutPrefix(line, "/image")
	if !ok || (path != "" && path[0] != ' ') {
		return msg, nil
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return msg, errors.New("usage: /image <file>")
	}
	data, err := os.ReadFile(config.ExpandPath(path))
	if err != nil {
		return msg, fmt.Errorf("read image envelope: %w", err)
	}
	msg.Type = domain.ContentImage
	msg.Content = ""
	msg.Envelope = rawEnvelope(data)
	return msg, nil
}

func (c *CLI) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func (c *CLI) startWaiting() {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	if c.waiting {
		return
	}
	c.waiting = true
	c.waitStop = make(chan struct{})
	stop := c.waitStop
	go func() {
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.printf("\r%s Working...", frames[i%len(frames)])
			}
		}
	}()
}

func (c *CLI) stopWaiting() {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	if !c.waiting {
		return
	}
	c.waiting = false
	close(c.waitStop)
}

// Stop is a no-op; the REPL exits when Start returns.
func (c *CLI) Stop() error { return nil }

func (c *CLI) Send(ctx context.Context, chatID string, content string) error {
	c.printf("%s\n", content)
	return nil
}
