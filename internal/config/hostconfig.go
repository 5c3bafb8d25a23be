package config

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// HostConfig is the root config.json. Unknown keys are rejected so that
// typos and stale fields never silently go unused.
type HostConfig struct {
	Port           int    `json:"port"`
	Host           string `json:"host"`
	LogLevel       string `json:"logLevel"`
	ServiceProgram string `json:"serviceProgram"`
	CorsOrigin     string `json:"corsOrigin"`
	WebuiDir       string `json:"webuiDir"`
	LogMaxBytes    int64  `json:"logMaxBytes"`
	LogMaxFiles    int    `json:"logMaxFiles"`

	// DBURL, when set, is the Postgres DSN of the optional event archive
	// (internal/pgarchive). The project store stays file-backed either way.
	DBURL string `json:"dbURL,omitempty"`
	// MetricsEnabled gates the /metrics route.
	MetricsEnabled bool `json:"metricsEnabled,omitempty"`
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Default returns the config applied when config.json is absent.
func Default() HostConfig {
	return HostConfig{
		Port:        8080,
		Host:        "127.0.0.1",
		LogLevel:    "info",
		LogMaxBytes: 10 * 1024 * 1024,
		LogMaxFiles: 5,
	}
}

// ParseHostConfig decodes raw config.json bytes, rejecting unknown keys and
// filling in unset fields from Default(), then validates the result.
func ParseHostConfig(raw []byte) (HostConfig, error) {
	cfg := Default()
	if len(raw) == 0 {
		return cfg, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var overlay struct {
		Port           *int    `json:"port"`
		Host           *string `json:"host"`
		LogLevel       *string `json:"logLevel"`
		ServiceProgram *string `json:"serviceProgram"`
		CorsOrigin     *string `json:"corsOrigin"`
		WebuiDir       *string `json:"webuiDir"`
		LogMaxBytes    *int64  `json:"logMaxBytes"`
		LogMaxFiles    *int    `json:"logMaxFiles"`
		DBURL          *string `json:"dbURL"`
		MetricsEnabled *bool   `json:"metricsEnabled"`
	}
	if err := dec.Decode(&overlay); err != nil {
		return HostConfig{}, fmt.Errorf("parse config.json: %w", err)
	}

	if overlay.Port != nil {
		cfg.Port = *overlay.Port
	}
	if overlay.Host != nil {
		cfg.Host = *overlay.Host
	}
	if overlay.LogLevel != nil {
		cfg.LogLevel = *overlay.LogLevel
	}
	if overlay.ServiceProgram != nil {
		cfg.ServiceProgram = *overlay.ServiceProgram
	}
	if overlay.CorsOrigin != nil {
		cfg.CorsOrigin = *overlay.CorsOrigin
	}
	if overlay.WebuiDir != nil {
		cfg.WebuiDir = *overlay.WebuiDir
	}
	if overlay.LogMaxBytes != nil {
		cfg.LogMaxBytes = *overlay.LogMaxBytes
	}
	if overlay.LogMaxFiles != nil {
		cfg.LogMaxFiles = *overlay.LogMaxFiles
	}
	if overlay.DBURL != nil {
		cfg.DBURL = *overlay.DBURL
	}
	if overlay.MetricsEnabled != nil {
		cfg.MetricsEnabled = *overlay.MetricsEnabled
	}

	if err := cfg.Validate(); err != nil {
		return HostConfig{}, err
	}
	return cfg, nil
}

// Validate enforces the constraints spec.md §6 places on config.json.
func (c HostConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be in [1,65535], got %d", c.Port)
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("logLevel must be one of debug|info|warn|error, got %q", c.LogLevel)
	}
	if c.LogMaxBytes < 1024 {
		return fmt.Errorf("logMaxBytes must be >= 1024, got %d", c.LogMaxBytes)
	}
	if c.LogMaxFiles < 1 || c.LogMaxFiles > 100 {
		return fmt.Errorf("logMaxFiles must be in [1,100], got %d", c.LogMaxFiles)
	}
	return nil
}
