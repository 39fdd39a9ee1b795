package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all draftpipe server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr     string  `json:"listen_addr"`
	DBPath         string  `json:"db_path"`
	LogLevel       string  `json:"log_level"`
	GatewayURL     string  `json:"gateway_url"`
	GatewayToken   string  `json:"gateway_token"`
	GatewayTimeout string  `json:"gateway_timeout"`
	CacheCapacity  int     `json:"cache_capacity"`
	CacheTTL       string  `json:"cache_ttl"`
	CacheThreshold float64 `json:"cache_threshold"`
	MCP            bool    `json:"mcp"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr: ":4200",
		DBPath:     "file:" + filepath.Join(draftpipeDir(), "draftpipe.db"),
		LogLevel:   "info",
	}
}

func draftpipeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".draftpipe"
	}
	return filepath.Join(home, ".draftpipe")
}

func settingsPath() string {
	return filepath.Join(draftpipeDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("DRAFTPIPE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DRAFTPIPE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("DRAFTPIPE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DRAFTPIPE_GATEWAY_URL"); v != "" {
		cfg.GatewayURL = v
	}
	if v := os.Getenv("DRAFTPIPE_GATEWAY_TOKEN"); v != "" {
		cfg.GatewayToken = v
	}
	if v := os.Getenv("DRAFTPIPE_GATEWAY_TIMEOUT"); v != "" {
		cfg.GatewayTimeout = v
	}
	if v := os.Getenv("DRAFTPIPE_CACHE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CacheCapacity = n
		}
	}
	if v := os.Getenv("DRAFTPIPE_CACHE_TTL"); v != "" {
		cfg.CacheTTL = v
	}
	if v := os.Getenv("DRAFTPIPE_CACHE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.CacheThreshold = f
		}
	}
	if v := os.Getenv("DRAFTPIPE_MCP"); v != "" {
		cfg.MCP = v == "true" || v == "1"
	}

	return cfg
}

func (c Config) gatewayTimeout() time.Duration {
	d, err := time.ParseDuration(c.GatewayTimeout)
	if err != nil || d <= 0 {
		return 0 // client default
	}
	return d
}

func (c Config) cacheTTL() time.Duration {
	d, err := time.ParseDuration(c.CacheTTL)
	if err != nil || d <= 0 {
		return 0 // cache default
	}
	return d
}
