package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_MissingGewechatValuesAreNotFatal(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.Gewechat = GewechatConfig{CallbackPort: 9919}
	if err := Validate(cfg); err != nil {
		t.Fatalf("missing gewechat values must not fail validation: %v", err)
	}
}

func TestValidate_InvalidChannelType(t *testing.T) {
	cfg := Defaults()
	cfg.General.ChannelType = "wechaty"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown channel type")
	}
}

func TestValidate_TelegramNeedsToken(t *testing.T) {
	cfg := Defaults()
	cfg.General.ChannelType = ChannelTelegram
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for telegram without token")
	}
	cfg.Channels.Telegram.Token = "123:abc"
	if err := Validate(cfg); err != nil {
		t.Fatalf("telegram with token should be valid: %v", err)
	}
}

func TestValidate_ChatChannelsNeedTokens(t *testing.T) {
	cfg := Defaults()
	cfg.General.ChannelType = ChannelDiscord
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for discord without token")
	}
	cfg.Channels.Discord.Token = "discord-token"
	if err := Validate(cfg); err != nil {
		t.Fatalf("discord with token should be valid: %v", err)
	}

	cfg.General.ChannelType = ChannelSlack
	cfg.Channels.Slack.BotToken = "xoxb-1"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for slack without app token")
	}
	cfg.Channels.Slack.AppToken = "xapp-1"
	if err := Validate(cfg); err != nil {
		t.Fatalf("slack with both tokens should be valid: %v", err)
	}
}

func TestValidate_WebSocketPath(t *testing.T) {
	cfg := Defaults()
	cfg.General.ChannelType = ChannelWebSocket
	if err := Validate(cfg); err != nil {
		t.Fatalf("default websocket config should be valid: %v", err)
	}
	cfg.Channels.WebSocket.Path = "ws"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for websocket path without leading slash")
	}
}

func TestValidate_MaxConcurrentMessages_Boundary(t *testing.T) {
	cfg := Defaults()
	for _, n := range []int{1, 100} {
		cfg.General.MaxConcurrentMessages = n
		if err := Validate(cfg); err != nil {
			t.Fatalf("maxConcurrentMessages=%d should be valid: %v", n, err)
		}
	}
	for _, n := range []int{0, 101} {
		cfg.General.MaxConcurrentMessages = n
		if err := Validate(cfg); err == nil {
			t.Fatalf("maxConcurrentMessages=%d should be invalid", n)
		}
	}
}

func TestValidate_InvalidCallbackPort(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.Gewechat.CallbackPort = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_SessionBackends(t *testing.T) {
	cfg := Defaults()
	cfg.Session.Backend = "etcd"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown backend")
	}

	cfg = Defaults()
	cfg.Session.Backend = "redis"
	cfg.Session.Redis.Addr = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for redis without addr")
	}

	cfg = Defaults()
	cfg.Session.Backend = "sqlite"
	if err := Validate(cfg); err != nil {
		t.Fatalf("sqlite with default dbPath should be valid: %v", err)
	}
}

func TestValidate_NegativeTTL(t *testing.T) {
	cfg := Defaults()
	cfg.Session.PendingTTLSeconds = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative ttl")
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.General.ChannelType = ""
	cfg.Session.Backend = ""
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "channelType") || !strings.Contains(err.Error(), "session.backend") {
		t.Fatalf("expected both errors reported, got: %v", err)
	}
}

func TestGewechatConfig_Missing(t *testing.T) {
	g := GewechatConfig{BaseURL: "http://gewe:2531/v2/api", Token: "tok"}
	missing := g.Missing()
	if len(missing) != 2 {
		t.Fatalf("expected 2 missing values, got %v", missing)
	}
	if missing[0] != "channels.gewechat.appId" || missing[1] != "channels.gewechat.downloadUrl" {
		t.Fatalf("unexpected missing list: %v", missing)
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	original := Defaults()
	original.Channels.Gewechat.AppID = "wx_app"

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Channels.Gewechat.AppID != "wx_app" {
		t.Fatalf("expected 'wx_app', got %q", loaded.Channels.Gewechat.AppID)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
general:
  channelType: cli
channels:
  gewechat:
    baseUrl: http://127.0.0.1:2531/v2/api
    callbackPort: 9000
session:
  backend: memory
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if cfg.General.ChannelType != ChannelCLI {
		t.Fatalf("expected cli, got %q", cfg.General.ChannelType)
	}
	if cfg.Channels.Gewechat.CallbackPort != 9000 {
		t.Fatalf("expected port 9000, got %d", cfg.Channels.Gewechat.CallbackPort)
	}
	// Defaults survive for keys the file omits.
	if cfg.General.MaxConcurrentMessages != 5 {
		t.Fatalf("expected default concurrency, got %d", cfg.General.MaxConcurrentMessages)
	}
}

func TestSave_YAMLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	cfg := Defaults()
	cfg.Session.Backend = "sqlite"

	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Session.Backend != "sqlite" {
		t.Fatalf("expected sqlite, got %q", loaded.Session.Backend)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.json"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"general": {"maxConcurrentMessages": 0}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for maxConcurrentMessages=0")
	}
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("GEWE_TOKEN", "tok-from-env")
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"channels": {"gewechat": {"token": "${GEWE_TOKEN}"}}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Channels.Gewechat.Token != "tok-from-env" {
		t.Fatalf("expected env token, got %q", cfg.Channels.Gewechat.Token)
	}
}

// --- Plugin config ---

func TestPluginConfig_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	if PluginConfigExists(dir, "img2url") {
		t.Fatal("config should not exist yet")
	}
	if err := SavePluginConfig(dir, "img2url", ImageRelayConfig{ImgbbAPIKey: "k123"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	var got ImageRelayConfig
	if err := LoadPluginConfig(dir, "img2url", &got); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.ImgbbAPIKey != "k123" {
		t.Fatalf("expected k123, got %q", got.ImgbbAPIKey)
	}
}

func TestPluginConfig_MissingFile(t *testing.T) {
	var got ImageRelayConfig
	err := LoadPluginConfig(t.TempDir(), "img2url", &got)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestPluginConfig_IgnoresUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := PluginConfigPath(dir, "img2url")
	os.MkdirAll(filepath.Dir(path), 0o755)
	os.WriteFile(path, []byte(`{"imgbb_api_key": "abc", "other": 1}`), 0o644)

	var got ImageRelayConfig
	if err := LoadPluginConfig(dir, "img2url", &got); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.ImgbbAPIKey != "abc" {
		t.Fatalf("expected abc, got %q", got.ImgbbAPIKey)
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	val, err := GetByPath(Defaults(), "general.channelType")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "gewechat" {
		t.Fatalf("expected 'gewechat', got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	if _, err := GetByPath(Defaults(), "nonexistent.path"); err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_String(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "channels.gewechat.appId", "wx_123"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Channels.Gewechat.AppID != "wx_123" {
		t.Fatalf("expected 'wx_123', got %q", cfg.Channels.Gewechat.AppID)
	}
}

func TestSetByPath_EmptyPath(t *testing.T) {
	if err := SetByPath(Defaults(), "", "x"); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestSetByPath_BoolConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "metrics.enabled", "false"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if cfg.Metrics.Enabled {
		t.Fatal("expected metrics.enabled=false")
	}
}

func TestSetByPath_IntConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "session.pendingTTLSeconds", "600"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.Session.PendingTTLSeconds != 600 {
		t.Fatalf("expected 600, got %d", cfg.Session.PendingTTLSeconds)
	}
}

// --- Sanitize ---

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.Gewechat.Token = "gewe-token-1234567890"
	cfg.Channels.Telegram.Token = "123456789:ABCdefGHIjklMNOpqrSTUvwxyz"
	cfg.Session.Redis.Password = "hunter2"
	cfg.Channels.Slack.AppToken = "xapp-1-A0000000000-abcdef"

	sanitized := Sanitize(cfg)

	if sanitized.Channels.Gewechat.Token == cfg.Channels.Gewechat.Token {
		t.Fatal("gewechat token should be masked")
	}
	if sanitized.Channels.Telegram.Token == cfg.Channels.Telegram.Token {
		t.Fatal("telegram token should be masked")
	}
	if sanitized.Channels.Slack.AppToken == cfg.Channels.Slack.AppToken {
		t.Fatal("slack app token should be masked")
	}
	if sanitized.Session.Redis.Password != "***" {
		t.Fatalf("redis password should be masked, got %q", sanitized.Session.Redis.Password)
	}
	if cfg.Channels.Gewechat.Token != "gewe-token-1234567890" {
		t.Fatal("original config should not be modified")
	}
}

func TestSanitize_ShortSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.Gewechat.Token = "short"
	if got := Sanitize(cfg).Channels.Gewechat.Token; got != "***" {
		t.Fatalf("short secret should be '***', got %q", got)
	}
}

// --- ListPaths ---

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	paths := ListPaths(Defaults())
	for _, expected := range []string{"general.channelType", "channels.gewechat.baseUrl", "session.backend"} {
		if _, ok := paths[expected]; !ok {
			t.Errorf("missing expected path: %s", expected)
		}
	}
}

// --- FlexStringList ---

func TestFlexStringList_MixedTypes(t *testing.T) {
	var list FlexStringList
	if err := json.Unmarshal([]byte(`["hello", 123, "world", 456.0]`), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 4 || list[1] != "123" || list[3] != "456" {
		t.Fatalf("unexpected: %v", list)
	}
}

func TestFlexStringList_InvalidJSON(t *testing.T) {
	var list FlexStringList
	if err := json.Unmarshal([]byte(`not json`), &list); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_API_KEY", "k-abc123")
	if got := ExpandEnvVars(`{"imgbb_api_key": "${TEST_API_KEY}"}`); got != `{"imgbb_api_key": "k-abc123"}` {
		t.Fatalf("got %q", got)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR_12345")
	if got := ExpandEnvVars(`{"port": "${NONEXISTENT_VAR_12345:-8080}"}`); got != `{"port": "8080"}` {
		t.Fatalf("got %q", got)
	}
}

func TestExpandEnvVars_SetVarOverridesDefault(t *testing.T) {
	t.Setenv("MY_PORT", "9090")
	if got := ExpandEnvVars(`{"port": "${MY_PORT:-8080}"}`); got != `{"port": "9090"}` {
		t.Fatalf("got %q", got)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")
	if got := ExpandEnvVars(`"${TOTALLY_UNSET_VAR_XYZ}"`); got != `"${TOTALLY_UNSET_VAR_XYZ}"` {
		t.Fatalf("got %q", got)
	}
}

func TestExpandEnvVars_EmptyVarUsesDefault(t *testing.T) {
	t.Setenv("EMPTY_VAR", "")
	if got := ExpandEnvVars(`"${EMPTY_VAR:-fallback}"`); got != `"fallback"` {
		t.Fatalf("got %q", got)
	}
}
