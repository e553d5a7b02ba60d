package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Channel types understood by the host. Only gewechat can resolve image media.
const (
	ChannelGewechat  = "gewechat"
	ChannelTelegram  = "telegram"
	ChannelDiscord   = "discord"
	ChannelSlack     = "slack"
	ChannelWebSocket = "websocket"
	ChannelCLI       = "cli"
)

// Config is the root configuration for the img2url host.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Channels ChannelsConfig `json:"channels"`
	Session  SessionConfig  `json:"session"`
	Plugins  PluginsConfig  `json:"plugins"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	ChannelType           string `json:"channelType"` // gewechat | telegram | discord | slack | websocket | cli
	LogLevel              string `json:"logLevel"`
	LogFile               string `json:"logFile,omitempty"`
	DataDir               string `json:"dataDir"`
	MaxConcurrentMessages int    `json:"maxConcurrentMessages"`
}

type ChannelsConfig struct {
	Gewechat  GewechatConfig  `json:"gewechat"`
	Telegram  TelegramConfig  `json:"telegram"`
	Discord   DiscordConfig   `json:"discord"`
	Slack     SlackConfig     `json:"slack"`
	WebSocket WebSocketConfig `json:"websocket"`
}

// GewechatConfig holds the gewechat connection values shared by every plugin.
type GewechatConfig struct {
	BaseURL      string `json:"baseUrl"`
	AppID        string `json:"appId"`
	Token        string `json:"token"`
	DownloadURL  string `json:"downloadUrl"`
	BotWxid      string `json:"botWxid,omitempty"` // messages from this wxid are ignored
	CallbackHost string `json:"callbackHost"`
	CallbackPort int    `json:"callbackPort"`
	CallbackPath string `json:"callbackPath"`
}

// Missing returns the config paths of the required gewechat values that are empty.
func (g GewechatConfig) Missing() []string {
	var missing []string
	if g.BaseURL == "" {
		missing = append(missing, "channels.gewechat.baseUrl")
	}
	if g.AppID == "" {
		missing = append(missing, "channels.gewechat.appId")
	}
	if g.Token == "" {
		missing = append(missing, "channels.gewechat.token")
	}
	if g.DownloadURL == "" {
		missing = append(missing, "channels.gewechat.downloadUrl")
	}
	return missing
}

type TelegramConfig struct {
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom"`
}

type DiscordConfig struct {
	Token   string `json:"token"`
	GuildID string `json:"guildId,omitempty"` // empty = every guild
}

// SlackConfig uses Socket Mode, which needs both a bot and an app-level token.
type SlackConfig struct {
	BotToken string `json:"botToken"`
	AppToken string `json:"appToken"`
}

type WebSocketConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Path string `json:"path"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// SessionConfig selects where pending-image flags live.
type SessionConfig struct {
	Backend              string      `json:"backend"` // memory | sqlite | redis
	DBPath               string      `json:"dbPath,omitempty"`
	PendingTTLSeconds    int         `json:"pendingTTLSeconds"` // 0 = flags never expire
	PruneIntervalSeconds int         `json:"pruneIntervalSeconds"`
	Redis                RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

type PluginsConfig struct {
	Dir      string   `json:"dir"` // per-plugin config lives in <dir>/<plugin>/config.json
	Disabled []string `json:"disabled,omitempty"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.img2url).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".img2url"
	}
	return filepath.Join(home, ".img2url")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a JSON (or .yaml/.yml) config file on top of Defaults and validates it.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	if isYAML(path) {
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Session.DBPath = ExpandPath(cfg.Session.DBPath)
	cfg.Plugins.Dir = ExpandPath(cfg.Plugins.Dir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset ${VAR}
// without default is left as is.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes the config, as YAML when the path ends in .yaml/.yml and JSON otherwise.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if isYAML(path) {
		data, err = jsonToYAML(data)
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values. Missing gewechat values are
// not an error: the relay degrades instead of the host refusing to start.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.ChannelType {
	case ChannelGewechat, ChannelTelegram, ChannelDiscord, ChannelSlack, ChannelWebSocket, ChannelCLI:
	default:
		errs = append(errs, "general.channelType must be one of: gewechat, telegram, discord, slack, websocket, cli")
	}
	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.MaxConcurrentMessages < 1 || cfg.General.MaxConcurrentMessages > 100 {
		errs = append(errs, "general.maxConcurrentMessages must be between 1 and 100")
	}

	gw := cfg.Channels.Gewechat
	if gw.CallbackPort < 0 || gw.CallbackPort > 65535 {
		errs = append(errs, "channels.gewechat.callbackPort must be between 0 and 65535")
	}
	if gw.CallbackPath != "" && !strings.HasPrefix(gw.CallbackPath, "/") {
		errs = append(errs, "channels.gewechat.callbackPath must start with /")
	}
	switch cfg.General.ChannelType {
	case ChannelTelegram:
		if cfg.Channels.Telegram.Token == "" {
			errs = append(errs, "channels.telegram.token is required when channelType is telegram")
		}
	case ChannelDiscord:
		if cfg.Channels.Discord.Token == "" {
			errs = append(errs, "channels.discord.token is required when channelType is discord")
		}
	case ChannelSlack:
		if cfg.Channels.Slack.BotToken == "" || cfg.Channels.Slack.AppToken == "" {
			errs = append(errs, "channels.slack.botToken and channels.slack.appToken are required when channelType is slack")
		}
	case ChannelWebSocket:
		ws := cfg.Channels.WebSocket
		if ws.Port < 0 || ws.Port > 65535 {
			errs = append(errs, "channels.websocket.port must be between 0 and 65535")
		}
		if ws.Path != "" && !strings.HasPrefix(ws.Path, "/") {
			errs = append(errs, "channels.websocket.path must start with /")
		}
	}

	switch cfg.Session.Backend {
	case "memory":
	case "sqlite":
		if cfg.Session.DBPath == "" {
			errs = append(errs, "session.dbPath is required for the sqlite backend")
		}
	case "redis":
		if cfg.Session.Redis.Addr == "" {
			errs = append(errs, "session.redis.addr is required for the redis backend")
		}
	default:
		errs = append(errs, "session.backend must be one of: memory, sqlite, redis")
	}
	if cfg.Session.PendingTTLSeconds < 0 {
		errs = append(errs, "session.pendingTTLSeconds must be >= 0")
	}
	if cfg.Session.PruneIntervalSeconds < 0 {
		errs = append(errs, "session.pruneIntervalSeconds must be >= 0")
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// yamlToJSON lets YAML files reuse the json struct tags.
func yamlToJSON(data []byte) ([]byte, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func jsonToYAML(data []byte) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return yaml.Marshal(m)
}
