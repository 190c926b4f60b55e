// Copyright (c) 2025, the mikanarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

// Config is the unmarshal target for the TOML configuration file.
type Config struct {
	Version string `mapstructure:"-"`

	LogLevel      string `mapstructure:"logLevel"`
	LogPath       string `mapstructure:"logPath"`
	LogMaxSize    int    `mapstructure:"logMaxSize"`
	LogMaxBackups int    `mapstructure:"logMaxBackups"`

	DataDir string `mapstructure:"dataDir"`

	// Feed source
	MikanBaseURL string `mapstructure:"mikanBaseUrl"`

	// Polling
	CheckIntervalMinutes int `mapstructure:"checkIntervalMinutes"`
	CheckAllLimit        int `mapstructure:"checkAllLimit"`
	CheckDelaySeconds    int `mapstructure:"checkDelaySeconds"`

	// Download client
	QbitHost              string `mapstructure:"qbitHost"`
	QbitUsername          string `mapstructure:"qbitUsername"`
	QbitPassword          string `mapstructure:"qbitPassword"`
	SavePath              string `mapstructure:"savePath"`
	Category              string `mapstructure:"category"`
	Tags                  string `mapstructure:"tags"`
	AddPaused             bool   `mapstructure:"addPaused"`
	ShowSubfolder         bool   `mapstructure:"showSubfolder"`
	RequestTimeoutSeconds int    `mapstructure:"requestTimeoutSeconds"`

	// Breaker windows. Zero means derive from the request timeout.
	EndpointSuspendSeconds    int `mapstructure:"endpointSuspendSeconds"`
	CredentialCooldownMinutes int `mapstructure:"credentialCooldownMinutes"`
}
