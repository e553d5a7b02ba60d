package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"img2url/internal/config"
	"img2url/internal/imgbb"
	"img2url/internal/plugin/img2url"
)

var (
	version    = "1.0.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	// .env is optional; values it sets feed ${VAR} expansion in the config file.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("cannot load .env", "err", err)
	}

	root := &cobra.Command{
		Use:   "img2url",
		Short: "img2url: turn chat images into public links",
		Long:  "img2url is a chat bot host that uploads images sent after the trigger phrase to ImgBB and replies with the link.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.img2url/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(uploadCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(daemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	var apiKey string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and plugin config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists: %s", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			if err := os.MkdirAll(config.ExpandPath(cfg.General.DataDir), 0o755); err != nil {
				return err
			}
			if !config.PluginConfigExists(cfg.Plugins.Dir, img2url.Name) {
				pc := config.ImageRelayConfig{ImgbbAPIKey: apiKey}
				if err := config.SavePluginConfig(cfg.Plugins.Dir, img2url.Name, pc); err != nil {
					return err
				}
			}
			logger.Info("initialized",
				"config", cfgPath,
				"plugin_config", config.PluginConfigPath(cfg.Plugins.Dir, img2url.Name),
			)
			return nil
		},
	}
	cmd.Flags().StringVar(&apiKey, "imgbb-key", "", "ImgBB API key to store in the plugin config")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and session status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false, "err", err)
				cfg = config.Defaults()
			} else {
				logger.Info("config", "path", cfgPath, "loaded", true)
			}

			logger.Info("channel", "type", cfg.General.ChannelType)
			if missing := cfg.Channels.Gewechat.Missing(); len(missing) > 0 {
				logger.Info("gewechat", "configured", false, "missing", missing)
			} else {
				logger.Info("gewechat", "configured", true, "base_url", cfg.Channels.Gewechat.BaseURL)
			}

			var pc config.ImageRelayConfig
			keyErr := config.LoadPluginConfig(cfg.Plugins.Dir, img2url.Name, &pc)
			logger.Info("plugin",
				"name", img2url.Name,
				"config", config.PluginConfigPath(cfg.Plugins.Dir, img2url.Name),
				"api_key_set", keyErr == nil && pc.ImgbbAPIKey != "",
			)

			store, err := openSessionStore(cmd.Context(), cfg)
			if err != nil {
				logger.Info("session", "backend", cfg.Session.Backend, "available", false, "err", err)
				return nil
			}
			defer store.Close()
			n, err := store.Len(cmd.Context())
			if err != nil {
				logger.Info("session", "backend", cfg.Session.Backend, "available", false, "err", err)
				return nil
			}
			logger.Info("session", "backend", cfg.Session.Backend, "pending_users", n)
			return nil
		},
	}
}

func uploadCmd() *cobra.Command {
	var apiKey string
	cmd := &cobra.Command{
		Use:   "upload [file]",
		Short: "Upload a local image to ImgBB and print its URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiKey == "" {
				cfg, err := config.Load(resolveConfigPath())
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				var pc config.ImageRelayConfig
				if err := config.LoadPluginConfig(cfg.Plugins.Dir, img2url.Name, &pc); err != nil {
					return fmt.Errorf("load plugin config: %w", err)
				}
				apiKey = pc.ImgbbAPIKey
			}

			data, err := os.ReadFile(config.ExpandPath(args[0]))
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}
			client := imgbb.NewClient(imgbb.ClientConfig{Logger: logger})
			url, err := client.Upload(cmd.Context(), apiKey, base64.StdEncoding.EncodeToString(data))
			if err != nil {
				return fmt.Errorf("upload: %w", err)
			}
			fmt.Println(img2url.SuccessText(url))
			return nil
		},
	}
	cmd.Flags().StringVar(&apiKey, "key", "", "ImgBB API key (default: plugin config)")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. channels.gewechat.baseUrl)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. general.channelType gewechat)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	var flat bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			if !flat {
				data, _ := json.MarshalIndent(sanitized, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			paths := config.ListPaths(sanitized)
			keys := make([]string, 0, len(paths))
			for k := range paths {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%s = %v\n", k, paths[k])
			}
			return nil
		},
	}
	listCmd.Flags().BoolVar(&flat, "flat", false, "print one dot path per line")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "imgbb-key [key]",
		Short: "Store the ImgBB API key in the plugin config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			pc := config.ImageRelayConfig{ImgbbAPIKey: args[0]}
			if err := config.SavePluginConfig(cfg.Plugins.Dir, img2url.Name, pc); err != nil {
				return err
			}
			logger.Info("plugin config updated", "file", config.PluginConfigPath(cfg.Plugins.Dir, img2url.Name))
			return nil
		},
	})

	return cmd
}
