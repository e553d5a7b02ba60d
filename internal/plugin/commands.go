package plugin

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// version is set by the build system.
var version = "1.0.0"

// SetVersion sets the version string reported by /version and /status.
func SetVersion(v string) {
	version = v
}

// startTime records when the process started, for /status.
var startTime = time.Now()

// ChatCommand is a parsed "/name args..." message.
type ChatCommand struct {
	Name string // lower-case, without "/"
	Args []string
	Raw  string
}

// ParseCommand parses text starting with "/" into a ChatCommand, or returns nil.
func ParseCommand(text string) *ChatCommand {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}
	parts := strings.Fields(text)
	name := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if name == "" {
		return nil
	}
	return &ChatCommand{Name: name, Args: parts[1:], Raw: text}
}

// Commands answers the host's own chat commands. Unknown commands pass through.
type Commands struct {
	registry    *Registry
	channelType string
	pending     func(ctx context.Context) (int, error)
}

type CommandsConfig struct {
	Registry    *Registry
	ChannelType string
	// Pending counts users waiting to send an image; optional.
	Pending func(ctx context.Context) (int, error)
}

func NewCommands(cfg CommandsConfig) *Commands {
	return &Commands{registry: cfg.Registry, channelType: cfg.ChannelType, pending: cfg.Pending}
}

func (c *Commands) Info() Info {
	return Info{
		Name:        "commands",
		Description: "host chat commands",
		Version:     version,
		Priority:    1000,
	}
}

func (c *Commands) HelpText() string {
	return "/help 查看帮助\n/plugins 插件列表\n/status 运行状态\n/version 版本信息\n"
}

func (c *Commands) HandleMessage(ctx context.Context, ec *EventContext) {
	cmd := ParseCommand(ec.Message.Content)
	if cmd == nil {
		return
	}

	var response string
	switch cmd.Name {
	case "help":
		response = c.helpText()
	case "plugins":
		response = c.pluginsText()
	case "status":
		response = c.statusText(ctx)
	case "version":
		response = fmt.Sprintf("img2url v%s (%s/%s, Go %s)", version, runtime.GOOS, runtime.GOARCH, runtime.Version())
	default:
		return
	}
	ec.SetReply(ReplyText, response, BreakPass)
}

func (c *Commands) helpText() string {
	var sb strings.Builder
	for _, p := range c.registry.Chain() {
		if text := p.HelpText(); text != "" {
			sb.WriteString(text)
			if !strings.HasSuffix(text, "\n") {
				sb.WriteString("\n")
			}
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (c *Commands) pluginsText() string {
	var sb strings.Builder
	for _, s := range c.registry.List() {
		state := "enabled"
		if !s.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(&sb, "%s v%s (priority %d, %s): %s\n", s.Name, s.Version, s.Priority, state, s.Description)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (c *Commands) statusText(ctx context.Context) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "img2url v%s\n", version)
	fmt.Fprintf(&sb, "Channel: %s\n", c.channelType)
	fmt.Fprintf(&sb, "Plugins: %d enabled\n", len(c.registry.Chain()))
	if c.pending != nil {
		if n, err := c.pending(ctx); err == nil {
			fmt.Fprintf(&sb, "Pending users: %d\n", n)
		}
	}
	fmt.Fprintf(&sb, "Uptime: %s", time.Since(startTime).Round(time.Second))
	return sb.String()
}
