// Copyright (c) 2025, the mikanarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mikanarr/mikanarr/internal/domain"
)

var envPrefix = "MIKANARR__"

type AppConfig struct {
	Config  *domain.Config
	viper   *viper.Viper
	dataDir string
	version string
}

func New(configDirOrPath string, versions ...string) (*AppConfig, error) {
	version := "dev"
	if len(versions) > 0 && strings.TrimSpace(versions[0]) != "" {
		version = versions[0]
	}

	c := &AppConfig{
		viper:   viper.New(),
		Config:  &domain.Config{},
		version: version,
	}

	c.defaults()

	if err := c.load(configDirOrPath); err != nil {
		return nil, err
	}

	c.loadFromEnv()

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	c.Config.Version = c.version

	c.resolveDataDir()

	c.watchConfig()

	return c, nil
}

func (c *AppConfig) defaults() {
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)
	c.viper.SetDefault("dataDir", "") // Empty means auto-detect (next to config file)

	c.viper.SetDefault("mikanBaseUrl", "https://mikanani.me")

	c.viper.SetDefault("checkIntervalMinutes", 30)
	c.viper.SetDefault("checkAllLimit", 30)
	c.viper.SetDefault("checkDelaySeconds", 2)

	c.viper.SetDefault("qbitHost", "http://localhost:8080")
	c.viper.SetDefault("qbitUsername", "admin")
	c.viper.SetDefault("qbitPassword", "")
	c.viper.SetDefault("savePath", "")
	c.viper.SetDefault("category", "Bangumi")
	c.viper.SetDefault("tags", "")
	c.viper.SetDefault("addPaused", false)
	c.viper.SetDefault("showSubfolder", true)
	c.viper.SetDefault("requestTimeoutSeconds", 30)

	c.viper.SetDefault("endpointSuspendSeconds", 0)
	c.viper.SetDefault("credentialCooldownMinutes", 15)
}

func (c *AppConfig) load(configDirOrPath string) error {
	c.viper.SetConfigType("toml")

	if configDirOrPath != "" {
		configPath := c.resolveConfigPath(configDirOrPath)
		c.viper.SetConfigFile(configPath)

		if err := c.viper.ReadInConfig(); err != nil {
			// If file doesn't exist, create it. With an explicit config
			// file viper surfaces the miss as fs.ErrNotExist rather than
			// ConfigFileNotFoundError, which it only uses for search paths.
			if isConfigMissing(err) {
				if err := c.writeDefaultConfig(configPath); err != nil {
					return err
				}
				if err := c.viper.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read newly created config: %w", err)
				}
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		c.viper.SetConfigName("config")
		c.viper.AddConfigPath(".")
		c.viper.AddConfigPath(GetDefaultConfigDir())

		if err := c.viper.ReadInConfig(); err != nil {
			if isConfigMissing(err) {
				defaultConfigPath := filepath.Join(GetDefaultConfigDir(), "config.toml")
				if err := c.writeDefaultConfig(defaultConfigPath); err != nil {
					return err
				}
				c.viper.SetConfigFile(defaultConfigPath)
				if err := c.viper.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read newly created config: %w", err)
				}
				c.dataDir = filepath.Dir(defaultConfigPath)
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	return nil
}

func isConfigMissing(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}

func (c *AppConfig) loadFromEnv() {
	// DO NOT use AutomaticEnv() - it reads ALL env vars and causes conflicts with K8s
	// Instead, explicitly bind only the environment variables we want

	c.viper.BindEnv("logLevel", envPrefix+"LOG_LEVEL")
	c.viper.BindEnv("logPath", envPrefix+"LOG_PATH")
	c.viper.BindEnv("logMaxSize", envPrefix+"LOG_MAX_SIZE")
	c.viper.BindEnv("logMaxBackups", envPrefix+"LOG_MAX_BACKUPS")
	c.viper.BindEnv("dataDir", envPrefix+"DATA_DIR")

	c.viper.BindEnv("mikanBaseUrl", envPrefix+"MIKAN_BASE_URL")

	c.viper.BindEnv("checkIntervalMinutes", envPrefix+"CHECK_INTERVAL_MINUTES")
	c.viper.BindEnv("checkAllLimit", envPrefix+"CHECK_ALL_LIMIT")
	c.viper.BindEnv("checkDelaySeconds", envPrefix+"CHECK_DELAY_SECONDS")

	c.viper.BindEnv("qbitHost", envPrefix+"QBIT_HOST")
	c.viper.BindEnv("qbitUsername", envPrefix+"QBIT_USERNAME")
	c.bindOrReadFromFile("qbitPassword", envPrefix+"QBIT_PASSWORD")
	c.viper.BindEnv("savePath", envPrefix+"SAVE_PATH")
	c.viper.BindEnv("category", envPrefix+"CATEGORY")
	c.viper.BindEnv("tags", envPrefix+"TAGS")
	c.viper.BindEnv("addPaused", envPrefix+"ADD_PAUSED")
	c.viper.BindEnv("showSubfolder", envPrefix+"SHOW_SUBFOLDER")
	c.viper.BindEnv("requestTimeoutSeconds", envPrefix+"REQUEST_TIMEOUT_SECONDS")

	c.viper.BindEnv("endpointSuspendSeconds", envPrefix+"ENDPOINT_SUSPEND_SECONDS")
	c.viper.BindEnv("credentialCooldownMinutes", envPrefix+"CREDENTIAL_COOLDOWN_MINUTES")
}

func (c *AppConfig) watchConfig() {
	c.viper.WatchConfig()
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Msgf("Config file changed: %s", e.Name)

		if err := c.viper.Unmarshal(c.Config); err != nil {
			log.Error().Err(err).Msg("Failed to reload configuration")
			return
		}

		c.Config.Version = c.version
		c.ApplyLogConfig()
	})
}

func (c *AppConfig) writeDefaultConfig(path string) error {
	// Check if config already exists
	if _, err := os.Stat(path); err == nil {
		log.Debug().Msgf("Config file already exists at: %s", path)
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	log.Debug().Msgf("Created config directory: %s", dir)

	configTemplate := `# config.toml - Auto-generated on first run

# Log level
# Default: "INFO"
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "{{ .logLevel }}"

# Log file path
# If not defined, logs to stdout
# Optional
#logPath = "log/mikanarr.log"

# Log rotation
# Maximum log file size in megabytes before rotation
# Default: {{ .logMaxSize }}
#logMaxSize = {{ .logMaxSize }}

# Number of rotated log files to retain (0 keeps all)
# Default: {{ .logMaxBackups }}
#logMaxBackups = {{ .logMaxBackups }}

# Data directory (default: next to config file)
# Database file (mikanarr.db) will be created inside this directory
#dataDir = "/var/db/mikanarr"

# Feed source base URL
# Default: "https://mikanani.me"
mikanBaseUrl = "{{ .mikanBaseUrl }}"

# Minutes between subscription check-all runs
# Default: {{ .checkIntervalMinutes }}
checkIntervalMinutes = {{ .checkIntervalMinutes }}

# Maximum number of subscriptions processed per check-all run
# Default: {{ .checkAllLimit }}
#checkAllLimit = {{ .checkAllLimit }}

# Seconds to sleep between subscriptions inside one check-all run.
# Deliberate rate cap on the feed source.
# Default: {{ .checkDelaySeconds }}
#checkDelaySeconds = {{ .checkDelaySeconds }}

# qBittorrent WebUI
qbitHost = "{{ .qbitHost }}"
qbitUsername = "{{ .qbitUsername }}"
qbitPassword = ""

# Save path sent with every add. Empty uses the client default.
#savePath = "/downloads/bangumi"

# Category assigned to submitted torrents
# Default: "Bangumi"
#category = "Bangumi"

# Comma-separated tags assigned to submitted torrents
#tags = "mikanarr"

# Add torrents paused
# Default: false
#addPaused = false

# Create a per-show subfolder under savePath
# Default: true
#showSubfolder = true

# Per-request timeout in seconds for all outbound calls
# Default: {{ .requestTimeoutSeconds }}
#requestTimeoutSeconds = {{ .requestTimeoutSeconds }}

# Endpoint suspend window in seconds after a network failure.
# 0 derives the window from the request timeout (minimum 30s).
#endpointSuspendSeconds = 0

# Credential lockout window in minutes after repeated login failures
# Default: {{ .credentialCooldownMinutes }}
#credentialCooldownMinutes = {{ .credentialCooldownMinutes }}
`

	data := map[string]any{
		"logLevel":                  c.viper.GetString("logLevel"),
		"logMaxSize":                c.viper.GetInt("logMaxSize"),
		"logMaxBackups":             c.viper.GetInt("logMaxBackups"),
		"mikanBaseUrl":              c.viper.GetString("mikanBaseUrl"),
		"checkIntervalMinutes":      c.viper.GetInt("checkIntervalMinutes"),
		"checkAllLimit":             c.viper.GetInt("checkAllLimit"),
		"checkDelaySeconds":         c.viper.GetInt("checkDelaySeconds"),
		"qbitHost":                  c.viper.GetString("qbitHost"),
		"qbitUsername":              c.viper.GetString("qbitUsername"),
		"requestTimeoutSeconds":     c.viper.GetInt("requestTimeoutSeconds"),
		"credentialCooldownMinutes": c.viper.GetInt("credentialCooldownMinutes"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse config template: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Info().Msgf("Created default config file: %s", path)
	return nil
}

// GetDefaultConfigDir returns the OS-specific config directory
func GetDefaultConfigDir() string {
	// First check if XDG_CONFIG_HOME is set (Docker containers set this to /config)
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		if xdgConfig == "/config" {
			return xdgConfig
		}
		return filepath.Join(xdgConfig, "mikanarr")
	}

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "mikanarr")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "mikanarr")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "mikanarr")
	}
}

func (c *AppConfig) ApplyLogConfig() {
	zerolog.TimeFieldFormat = time.RFC3339

	setLogLevel(c.Config.LogLevel)

	writer := c.baseLogWriter()

	if c.Config.LogPath != "" {
		multiWriter, err := setupLogFile(c.Config.LogPath, writer, c.Config.LogMaxSize, c.Config.LogMaxBackups)
		if err != nil {
			log.Error().Err(err).Msg("Failed to setup log file")
		} else {
			writer = multiWriter
		}
	}

	log.Logger = log.Logger.Output(writer)
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Logger.Level(lvl)
}

func setupLogFile(path string, base io.Writer, maxSize, maxBackups int) (io.Writer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if maxSize <= 0 {
		maxSize = 50
	}

	if maxBackups < 0 {
		maxBackups = 0
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	}

	return io.MultiWriter(base, rotator), nil
}

func baseLogWriter(version string) io.Writer {
	if isDevBuild(version) {
		writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		writer.PartsOrder = []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName}
		return writer
	}
	return os.Stderr
}

func (c *AppConfig) baseLogWriter() io.Writer {
	return baseLogWriter(c.version)
}

// InitDefaultLogger configures zerolog with the default writer for this version.
// This is used by CLI entry points before a configuration file is loaded.
func InitDefaultLogger(version string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Logger.Output(baseLogWriter(version))
}

func isDevBuild(version string) bool {
	v := strings.ToLower(strings.TrimSpace(version))
	return v == "" || v == "dev" || strings.HasSuffix(v, "-dev")
}

// resolveConfigPath determines the actual config file path from the provided directory or file path
func (c *AppConfig) resolveConfigPath(configDirOrPath string) string {
	if strings.HasSuffix(strings.ToLower(configDirOrPath), ".toml") {
		return configDirOrPath
	}

	if info, err := os.Stat(configDirOrPath); err == nil && !info.IsDir() {
		return configDirOrPath
	}

	return filepath.Join(configDirOrPath, "config.toml")
}

// resolveDataDir sets the data directory based on configuration
func (c *AppConfig) resolveDataDir() {
	switch {
	case c.Config.DataDir != "":
		c.dataDir = c.Config.DataDir
	case c.viper.ConfigFileUsed() != "":
		c.dataDir = filepath.Dir(c.viper.ConfigFileUsed())
	default:
		c.dataDir = "."
	}
}

// GetDatabasePath returns the path to the database file
func (c *AppConfig) GetDatabasePath() string {
	return filepath.Join(c.dataDir, "mikanarr.db")
}

// GetDataDir returns the resolved data directory path.
func (c *AppConfig) GetDataDir() string {
	return c.dataDir
}

// SetDataDir sets the data directory (used by CLI flags)
func (c *AppConfig) SetDataDir(dir string) {
	c.dataDir = dir
}

func WriteDefaultConfig(path string) error {
	c := &AppConfig{
		viper: viper.New(),
	}

	c.defaults()

	return c.writeDefaultConfig(path)
}

// Sets viper variable if environment variable with _FILE suffix is present
func (c *AppConfig) bindOrReadFromFile(viperVar string, envVar string) {
	envVarFile := envVar + "_FILE"
	if filePath := os.Getenv(envVarFile); filePath != "" {
		content, err := os.ReadFile(filePath)
		if err != nil {
			log.Fatal().Err(err).Str("path", filePath).Msg("Could not read " + envVarFile)
		}
		c.viper.Set(viperVar, strings.TrimSpace(string(content)))
	} else {
		c.viper.BindEnv(viperVar, envVar)
	}
}
