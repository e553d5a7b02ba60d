package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// PluginConfigFile is the per-plugin config file name under <plugins.dir>/<plugin>/.
const PluginConfigFile = "config.json"

// ImageRelayConfig is the img2url plugin's own config file. imgbb_api_key is
// the only recognized key.
type ImageRelayConfig struct {
	ImgbbAPIKey string `json:"imgbb_api_key"`
}

// PluginConfigPath returns <dir>/<plugin>/config.json.
func PluginConfigPath(dir, plugin string) string {
	return filepath.Join(ExpandPath(dir), plugin, PluginConfigFile)
}

// LoadPluginConfig decodes a plugin's JSON config file into dest.
// ${VAR} references are expanded. A missing file wraps fs.ErrNotExist.
func LoadPluginConfig(dir, plugin string, dest any) error {
	path := PluginConfigPath(dir, plugin)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read plugin config %s: %w", path, err)
	}
	data = []byte(ExpandEnvVars(string(data)))
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("parse plugin config %s: %w", path, err)
	}
	return nil
}

// SavePluginConfig writes v as the plugin's config file, creating parent dirs.
func SavePluginConfig(dir, plugin string, v any) error {
	path := PluginConfigPath(dir, plugin)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create plugin config dir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal plugin config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// PluginConfigExists reports whether the plugin's config file exists.
func PluginConfigExists(dir, plugin string) bool {
	_, err := os.Stat(PluginConfigPath(dir, plugin))
	return err == nil
}
