// Package config loads application settings with the precedence
// flags > environment > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config holds the settings for the CLI, the sync engine, and the token
// proxy. GoogleClientSecret is only used by the proxy command; the client
// side never sees it.
type Config struct {
	GoogleClientID     string `json:"google_client_id,omitempty"`
	GoogleClientSecret string `json:"google_client_secret,omitempty"`
	ProxyURL           string `json:"proxy_url,omitempty"`
	ProxyListenAddr    string `json:"proxy_listen_addr,omitempty"`
	TokenPath          string `json:"token_path,omitempty"`
	CalendarID         string `json:"calendar_id,omitempty"`
	DBPath             string `json:"db_path,omitempty"`
	LogLevel           string `json:"log_level,omitempty"`
}

// Overrides carries command-line flag values; an empty string means "not
// set".
type Overrides struct {
	GoogleClientID string
	ProxyURL       string
	TokenPath      string
	CalendarID     string
	DBPath         string
	LogLevel       string
}

// LoadFromFile loads configuration from a JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// Load composes the configuration with the following precedence (highest
// to lowest):
//  1. Command-line flags (overrides)
//  2. Environment variables
//  3. Config file (configFile, optional)
//  4. Defaults
//
// Returns an error if a required value is missing.
func Load(configFile string, overrides Overrides) (*Config, error) {
	var config Config

	// Step 1: Load from config file if provided
	if configFile != "" {
		fileConfig, err := LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
		config = *fileConfig
	}

	// Step 2: Override with environment variables
	applyEnv(&config.GoogleClientID, "GOOGLE_CLIENT_ID")
	applyEnv(&config.GoogleClientSecret, "GOOGLE_CLIENT_SECRET")
	applyEnv(&config.ProxyURL, "OAUTH_PROXY_URL")
	applyEnv(&config.ProxyListenAddr, "OAUTH_PROXY_LISTEN_ADDR")
	applyEnv(&config.TokenPath, "TOKEN_PATH")
	applyEnv(&config.CalendarID, "CALENDAR_ID")
	applyEnv(&config.DBPath, "DB_PATH")
	applyEnv(&config.LogLevel, "LOG_LEVEL")

	// Step 3: Override with command-line flags (highest priority)
	applyFlag(&config.GoogleClientID, overrides.GoogleClientID)
	applyFlag(&config.ProxyURL, overrides.ProxyURL)
	applyFlag(&config.TokenPath, overrides.TokenPath)
	applyFlag(&config.CalendarID, overrides.CalendarID)
	applyFlag(&config.DBPath, overrides.DBPath)
	applyFlag(&config.LogLevel, overrides.LogLevel)

	// Step 4: Apply defaults and validate required fields
	if config.GoogleClientID == "" {
		return nil, fmt.Errorf("google_client_id must be provided via --client-id flag, GOOGLE_CLIENT_ID environment variable, or config file")
	}

	if config.ProxyURL == "" {
		return nil, fmt.Errorf("proxy_url must be provided via --proxy-url flag, OAUTH_PROXY_URL environment variable, or config file")
	}

	if config.ProxyListenAddr == "" {
		config.ProxyListenAddr = ":8090"
	}

	if config.TokenPath == "" {
		config.TokenPath = "google_token.json"
	}

	if config.CalendarID == "" {
		config.CalendarID = "primary"
	}

	if config.DBPath == "" {
		config.DBPath = "agendasync.db"
	}

	if config.LogLevel == "" {
		config.LogLevel = "info"
	}

	return &config, nil
}

func applyEnv(target *string, key string) {
	if value := os.Getenv(key); value != "" {
		*target = value
	}
}

func applyFlag(target *string, value string) {
	if value != "" {
		*target = value
	}
}
