package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `{
		"google_client_id": "file-client-id",
		"proxy_url": "https://crm.example.com/api/google-oauth",
		"calendar_id": "work@example.com"
	}`)

	config, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "file-client-id", config.GoogleClientID)
	require.Equal(t, "work@example.com", config.CalendarID)
}

func TestLoadFromFileErrors(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/config.json")
	require.ErrorContains(t, err, "failed to read config file")

	path := writeConfigFile(t, `{not json`)
	_, err = LoadFromFile(path)
	require.ErrorContains(t, err, "failed to parse config file")
}

func TestLoadDefaults(t *testing.T) {
	config, err := Load("", Overrides{
		GoogleClientID: "cli-client-id",
		ProxyURL:       "https://crm.example.com/api/google-oauth",
	})
	require.NoError(t, err)
	require.Equal(t, ":8090", config.ProxyListenAddr)
	require.Equal(t, "google_token.json", config.TokenPath)
	require.Equal(t, "primary", config.CalendarID)
	require.Equal(t, "agendasync.db", config.DBPath)
	require.Equal(t, "info", config.LogLevel)
}

func TestLoadRequiredFields(t *testing.T) {
	_, err := Load("", Overrides{ProxyURL: "https://crm.example.com"})
	require.ErrorContains(t, err, "google_client_id must be provided")

	_, err = Load("", Overrides{GoogleClientID: "cli-client-id"})
	require.ErrorContains(t, err, "proxy_url must be provided")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `{
		"google_client_id": "file-client-id",
		"proxy_url": "https://file.example.com",
		"token_path": "file_token.json"
	}`)

	t.Setenv("GOOGLE_CLIENT_ID", "env-client-id")
	t.Setenv("TOKEN_PATH", "env_token.json")

	config, err := Load(path, Overrides{})
	require.NoError(t, err)
	require.Equal(t, "env-client-id", config.GoogleClientID)
	require.Equal(t, "env_token.json", config.TokenPath)
	require.Equal(t, "https://file.example.com", config.ProxyURL)
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	t.Setenv("GOOGLE_CLIENT_ID", "env-client-id")
	t.Setenv("OAUTH_PROXY_URL", "https://env.example.com")
	t.Setenv("CALENDAR_ID", "env@example.com")

	config, err := Load("", Overrides{
		GoogleClientID: "flag-client-id",
		CalendarID:     "flag@example.com",
	})
	require.NoError(t, err)
	require.Equal(t, "flag-client-id", config.GoogleClientID)
	require.Equal(t, "flag@example.com", config.CalendarID)
	require.Equal(t, "https://env.example.com", config.ProxyURL)
}

func TestLoadSecretNeverRequired(t *testing.T) {
	// The client secret is proxy-only; client commands load fine without it.
	config, err := Load("", Overrides{
		GoogleClientID: "cli-client-id",
		ProxyURL:       "https://crm.example.com",
	})
	require.NoError(t, err)
	require.Empty(t, config.GoogleClientSecret)
}
