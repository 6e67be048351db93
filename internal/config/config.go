package config

import (
	"errors"
	"fmt"
	"os"

	"go-sd-launcher/internal/models"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// Defaults applied to any value left unset in config.toml.
const (
	DefaultApiBaseURL          = "https://civitai.com/api/v1"
	DefaultConcurrency         = 3
	DefaultApiClientTimeoutSec = 30
	DefaultRetryAttempts       = 3
	DefaultRetryDelayMs        = 2000
	DefaultCacheTTLSec         = 300
	DefaultPreviewWidth        = 512
	DefaultTunnelTimeoutSec    = 15
	DefaultHealthIntervalSec   = 30
	DefaultTunnelMaxRetries    = 3
	DefaultSecurityMode        = "medium"
)

// LoadConfig reads the configuration from the specified path (defaulting to "config.toml").
// A missing file is not an error: defaults and environment values are returned instead.
func LoadConfig(configFilePath string) (models.Config, error) {
	if configFilePath == "" {
		configFilePath = "config.toml"
	}
	var cfg models.Config
	_, err := toml.DecodeFile(configFilePath, &cfg)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return models.Config{}, fmt.Errorf("error loading config file %s: %w", configFilePath, err)
		}
		log.Debugf("Config file %s not found, using defaults", configFilePath)
	} else {
		log.Infof("Configuration loaded from %s", configFilePath)
	}

	ApplyEnv(&cfg)
	ApplyDefaults(&cfg)
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set.
func LoadDotEnv(files ...string) {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			log.WithError(err).Warnf("Failed to load environment file %s", f)
			continue
		}
		log.Debugf("Loaded environment from %s", f)
	}
}

// ApplyEnv fills empty token fields from CIVITAI_TOKEN and HF_TOKEN.
func ApplyEnv(cfg *models.Config) {
	if cfg.CivitaiToken == "" {
		cfg.CivitaiToken = os.Getenv("CIVITAI_TOKEN")
	}
	if cfg.HuggingFaceToken == "" {
		cfg.HuggingFaceToken = os.Getenv("HF_TOKEN")
	}
}

// ApplyDefaults sets every zero-valued tunable to its default.
func ApplyDefaults(cfg *models.Config) {
	if cfg.ApiBaseURL == "" {
		cfg.ApiBaseURL = DefaultApiBaseURL
	}
	if cfg.SavePath == "" {
		cfg.SavePath = "models"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "downloads.db"
	}
	if cfg.BleveIndexPath == "" {
		cfg.BleveIndexPath = "launcher.bleve"
	}
	if cfg.SettingsPath == "" {
		cfg.SettingsPath = "settings.json"
	}
	if cfg.CatalogPath == "" {
		cfg.CatalogPath = "data/catalog.toml"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.ApiClientTimeoutSec <= 0 {
		cfg.ApiClientTimeoutSec = DefaultApiClientTimeoutSec
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.RetryDelayMs <= 0 {
		cfg.RetryDelayMs = DefaultRetryDelayMs
	}
	if cfg.CacheTTLSec <= 0 {
		cfg.CacheTTLSec = DefaultCacheTTLSec
	}
	if cfg.PreviewWidth <= 0 {
		cfg.PreviewWidth = DefaultPreviewWidth
	}

	t := &cfg.Tunnel
	if t.TimeoutSec == 0 {
		t.TimeoutSec = DefaultTunnelTimeoutSec
	}
	if t.HealthCheckIntervalSec <= 0 {
		t.HealthCheckIntervalSec = DefaultHealthIntervalSec
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = DefaultTunnelMaxRetries
	}
	if t.SecurityMode == "" {
		t.SecurityMode = DefaultSecurityMode
	}
	if t.LogDir == "" {
		t.LogDir = "logs"
	}
}
