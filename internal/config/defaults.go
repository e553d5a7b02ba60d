package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			ChannelType:           ChannelGewechat,
			LogLevel:              "info",
			DataDir:               "~/.img2url/data",
			MaxConcurrentMessages: 5,
		},
		Channels: ChannelsConfig{
			Gewechat: GewechatConfig{
				CallbackHost: "0.0.0.0",
				CallbackPort: 9919,
				CallbackPath: "/v2/api/callback/collect",
			},
			WebSocket: WebSocketConfig{
				Host: "127.0.0.1",
				Port: 9920,
				Path: "/ws",
			},
		},
		Session: SessionConfig{
			Backend:              "memory",
			DBPath:               "~/.img2url/data/sessions.db",
			PendingTTLSeconds:    0,
			PruneIntervalSeconds: 300,
			Redis: RedisConfig{
				Addr:   "127.0.0.1:6379",
				Prefix: "img2url:pending:",
			},
		},
		Plugins: PluginsConfig{
			Dir: "~/.img2url/plugins",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
