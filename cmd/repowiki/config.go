package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/lifecycle"
)

// Config holds all repowiki client configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	APIURL        string `json:"api_url"`
	DBPath        string `json:"db_path"`
	LogLevel      string `json:"log_level"`
	PollInterval  string `json:"poll_interval"`
	ErrorInterval string `json:"error_interval"`
	MermaidASCII  string `json:"mermaid_ascii"`
}

func defaultConfig() Config {
	return Config{
		APIURL:        "http://localhost:8000",
		DBPath:        filepath.Join(repowikiDir(), "repowiki.db"),
		LogLevel:      "warn",
		PollInterval:  lifecycle.DefaultPollInterval.String(),
		ErrorInterval: lifecycle.DefaultErrorInterval.String(),
		MermaidASCII:  filepath.Join(repowikiDir(), "bin", "mermaid-ascii"),
	}
}

func repowikiDir() string {
	if v := os.Getenv("REPOWIKI_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".repowiki"
	}
	return filepath.Join(home, ".repowiki")
}

func settingsPath() string {
	return filepath.Join(repowikiDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("REPOWIKI_API_URL"); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv("REPOWIKI_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("REPOWIKI_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("REPOWIKI_POLL_INTERVAL"); v != "" {
		cfg.PollInterval = v
	}
	if v := os.Getenv("REPOWIKI_ERROR_INTERVAL"); v != "" {
		cfg.ErrorInterval = v
	}
	if v := os.Getenv("REPOWIKI_MERMAID_ASCII"); v != "" {
		cfg.MermaidASCII = v
	}

	return cfg
}

// pollPolicy converts the interval settings. Unparseable or non-positive
// values fall back to the lifecycle defaults.
func (c Config) pollPolicy() lifecycle.PollPolicy {
	return lifecycle.PollPolicy{
		Interval:      parseInterval(c.PollInterval),
		ErrorInterval: parseInterval(c.ErrorInterval),
	}
}

func parseInterval(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}
