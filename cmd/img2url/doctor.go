package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"img2url/internal/config"
	"img2url/internal/plugin/img2url"
	"img2url/internal/relay"
)

// checkResult counts doctor outcomes.
type checkResult struct {
	passed, warned, failed int
}

func (r *checkResult) pass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *checkResult) warn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func (r *checkResult) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your img2url installation",
		Long: `Verifies the configuration, gewechat settings, plugin config and
session store. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			fmt.Printf("img2url doctor v%s\n\n", version)

			var r checkResult

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'img2url init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", r.passed, r.failed)
				return fmt.Errorf("config invalid")
			}
			r.pass("Config validation", "valid")

			if !relay.ResolvesGewechatMedia(cfg.General.ChannelType) {
				r.warn("Channel", fmt.Sprintf("%s cannot supply gewechat images", cfg.General.ChannelType))
			} else {
				r.pass("Channel", cfg.General.ChannelType)
			}

			if missing := cfg.Channels.Gewechat.Missing(); len(missing) > 0 {
				r.fail("Gewechat", fmt.Sprintf("missing %v", missing))
			} else {
				r.pass("Gewechat", cfg.Channels.Gewechat.BaseURL)
			}

			var pc config.ImageRelayConfig
			pluginPath := config.PluginConfigPath(cfg.Plugins.Dir, img2url.Name)
			switch err := config.LoadPluginConfig(cfg.Plugins.Dir, img2url.Name, &pc); {
			case err != nil:
				r.fail("Plugin config", err.Error())
			case pc.ImgbbAPIKey == "":
				r.fail("Plugin config", "imgbb_api_key is empty in "+pluginPath)
			default:
				r.pass("Plugin config", pluginPath)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			store, err := openSessionStore(ctx, cfg)
			if err != nil {
				r.fail("Session store", err.Error())
			} else {
				if _, err := store.Len(ctx); err != nil {
					r.fail("Session store", err.Error())
				} else {
					r.pass("Session store", cfg.Session.Backend)
				}
				store.Close()
			}

			if cfg.General.ChannelType == config.ChannelGewechat {
				gw := cfg.Channels.Gewechat
				addr := net.JoinHostPort(gw.CallbackHost, strconv.Itoa(gw.CallbackPort))
				if err := checkPort(addr); err != nil {
					r.warn("Callback port", fmt.Sprintf("%s may be in use: %v", addr, err))
				} else {
					r.pass("Callback port", addr+" available")
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			return nil
		},
	}
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
