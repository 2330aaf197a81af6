package config

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override values from the YAML file.
// Secrets (webhook, DSN) usually live here rather than in the committed config.
const (
	EnvWebhookURL   = "LISTING_WATCH_DISCORD_WEBHOOK_URL"
	EnvDatabaseDSN  = "LISTING_WATCH_DATABASE_DSN"
	EnvDatabasePath = "LISTING_WATCH_DATABASE_PATH"
	EnvLogLevel     = "LISTING_WATCH_LOG_LEVEL"
)

// Load reads the YAML config at path, loads a .env file next to it (if any),
// applies environment overrides and merges the optional URLs file.
// It does not validate; call Validate on the result.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file %s: %w", envFile, err)
	}
	cfg.applyEnvOverrides()

	if cfg.URLsFile != "" {
		urlsPath := cfg.URLsFile
		if !filepath.IsAbs(urlsPath) {
			urlsPath = filepath.Join(filepath.Dir(path), urlsPath)
		}
		fileURLs, err := ReadURLsFile(urlsPath)
		if err != nil {
			return nil, err
		}
		cfg.URLs = append(cfg.URLs, fileURLs...)
	}

	return &cfg, nil
}

// ReadURLsFile reads one URL per line. Blank lines and lines starting with '#' are skipped.
func ReadURLsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read urls file: %w", err)
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read urls file: %w", err)
	}
	return urls, nil
}

func (c *AppConfig) applyEnvOverrides() {
	if v := os.Getenv(EnvWebhookURL); v != "" {
		c.Notify.DiscordWebhookURL = v
	}
	if v := os.Getenv(EnvDatabaseDSN); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(EnvDatabasePath); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}
