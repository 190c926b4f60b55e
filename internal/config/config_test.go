// Copyright (c) 2025, the mikanarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_CreatesDefaultConfig(t *testing.T) {
	tmpDir := t.TempDir()

	cfg, err := New(tmpDir)
	require.NoError(t, err)

	configPath := filepath.Join(tmpDir, "config.toml")
	_, err = os.Stat(configPath)
	require.NoError(t, err, "a missing config file must be generated on first run")

	assert.Equal(t, "INFO", cfg.Config.LogLevel)
	assert.Equal(t, "https://mikanani.me", cfg.Config.MikanBaseURL)
	assert.Equal(t, 30, cfg.Config.CheckIntervalMinutes)
	assert.Equal(t, "http://localhost:8080", cfg.Config.QbitHost)
	assert.Equal(t, "Bangumi", cfg.Config.Category)
	assert.True(t, cfg.Config.ShowSubfolder)
	assert.Equal(t, 30, cfg.Config.RequestTimeoutSeconds)
	assert.Equal(t, 15, cfg.Config.CredentialCooldownMinutes)
}

func TestNew_CreatesDefaultConfigAtExplicitPath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "custom.toml")

	cfg, err := New(configPath)
	require.NoError(t, err)

	_, err = os.Stat(configPath)
	require.NoError(t, err, "a missing config file must be generated on first run")
	assert.Equal(t, "INFO", cfg.Config.LogLevel)
}

func TestNew_ReadsExistingConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	content := "logLevel = \"DEBUG\"\nqbitHost = \"http://qbit:9090\"\ncheckIntervalMinutes = 5\ntags = \"mikanarr,anime\"\n"
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	cfg, err := New(configPath)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Config.LogLevel)
	assert.Equal(t, "http://qbit:9090", cfg.Config.QbitHost)
	assert.Equal(t, 5, cfg.Config.CheckIntervalMinutes)
	assert.Equal(t, "mikanarr,anime", cfg.Config.Tags)
	assert.Equal(t, "Bangumi", cfg.Config.Category, "unset keys keep their defaults")
}

func TestNew_EnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()

	t.Setenv(envPrefix+"QBIT_HOST", "http://env-host:8080")
	t.Setenv(envPrefix+"QBIT_PASSWORD", "from-env")
	t.Setenv(envPrefix+"CHECK_ALL_LIMIT", "7")

	cfg, err := New(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, "http://env-host:8080", cfg.Config.QbitHost)
	assert.Equal(t, "from-env", cfg.Config.QbitPassword)
	assert.Equal(t, 7, cfg.Config.CheckAllLimit)
}

func TestNew_PasswordFromFile(t *testing.T) {
	tmpDir := t.TempDir()

	secretPath := filepath.Join(tmpDir, "qbit_password")
	require.NoError(t, os.WriteFile(secretPath, []byte("secret-from-file\n"), 0o600))
	t.Setenv(envPrefix+"QBIT_PASSWORD_FILE", secretPath)

	cfg, err := New(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, "secret-from-file", cfg.Config.QbitPassword, "trailing whitespace in the secret file is trimmed")
}

func TestDatabasePathResolution(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, tmpDir string) (configPath string, envDataDir string, expectedDBPath string)
	}{
		{
			name: "default_next_to_config",
			prepare: func(t *testing.T, tmpDir string) (string, string, string) {
				configPath := filepath.Join(tmpDir, "config.toml")
				require.NoError(t, os.WriteFile(configPath, []byte("logLevel = \"INFO\"\n"), 0o644))
				return configPath, "", filepath.Join(tmpDir, "mikanarr.db")
			},
		},
		{
			name: "explicit_data_dir_in_config",
			prepare: func(t *testing.T, tmpDir string) (string, string, string) {
				configPath := filepath.Join(tmpDir, "config.toml")
				dataDir := filepath.Join(tmpDir, "data")
				require.NoError(t, os.MkdirAll(dataDir, 0o755))
				content := fmt.Sprintf("dataDir = %q\n", dataDir)
				require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
				return configPath, "", filepath.Join(dataDir, "mikanarr.db")
			},
		},
		{
			name: "env_var_override",
			prepare: func(t *testing.T, tmpDir string) (string, string, string) {
				configPath := filepath.Join(tmpDir, "config.toml")
				configDataDir := filepath.Join(tmpDir, "config-data")
				envDataDir := filepath.Join(tmpDir, "env-data")
				require.NoError(t, os.MkdirAll(configDataDir, 0o755))
				require.NoError(t, os.MkdirAll(envDataDir, 0o755))
				content := fmt.Sprintf("dataDir = %q\n", configDataDir)
				require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
				return configPath, envDataDir, filepath.Join(envDataDir, "mikanarr.db")
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath, envValue, expectedDBPath := tt.prepare(t, tmpDir)
			if envValue != "" {
				t.Setenv(envPrefix+"DATA_DIR", envValue)
			}

			cfg, err := New(configPath)
			require.NoError(t, err)

			assert.Equal(t, filepath.Clean(expectedDBPath), filepath.Clean(cfg.GetDatabasePath()))
		})
	}
}

func TestResolveConfigPath(t *testing.T) {
	c := &AppConfig{}

	assert.Equal(t, "/etc/mikanarr/custom.toml", c.resolveConfigPath("/etc/mikanarr/custom.toml"))
	assert.Equal(t, filepath.Join("/etc/mikanarr", "config.toml"), c.resolveConfigPath("/etc/mikanarr"))
}

func TestWriteDefaultConfig_DoesNotOverwrite(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	original := []byte("logLevel = \"TRACE\"\n")
	require.NoError(t, os.WriteFile(configPath, original, 0o644))

	require.NoError(t, WriteDefaultConfig(configPath))

	got, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, original, got)
}

func TestIsDevBuild(t *testing.T) {
	assert.True(t, isDevBuild("dev"))
	assert.True(t, isDevBuild(""))
	assert.True(t, isDevBuild("1.2.0-dev"))
	assert.False(t, isDevBuild("1.2.0"))
}
