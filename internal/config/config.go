package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	PackageName string `envconfig:"PACKAGE_NAME" required:"true"`
	StorageRoot string `envconfig:"STORAGE_ROOT" required:"true"`
	VersionCode int    `envconfig:"VERSION_CODE" default:"1"`

	LicenseURL          string `envconfig:"LICENSE_URL"`
	LicenseToken        string `envconfig:"LICENSE_TOKEN"`
	LicenseClientID     string `envconfig:"LICENSE_CLIENT_ID"`
	LicenseClientSecret string `envconfig:"LICENSE_CLIENT_SECRET"`
	LicenseTokenURL     string `envconfig:"LICENSE_TOKEN_URL"`

	DBPath             string        `envconfig:"DB_PATH" default:"downloads.db"`
	LogLevel           string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL  string        `envconfig:"DISCORD_WEBHOOK_URL"`
	AllowCellular      bool          `envconfig:"ALLOW_CELLULAR" default:"false"`
	MaxBytesOverMobile int64         `envconfig:"MAX_BYTES_OVER_MOBILE" default:"0"`
	MaxBytesPerSecond  int           `envconfig:"MAX_BYTES_PER_SECOND" default:"0"`
	WatchdogInterval   time.Duration `envconfig:"WATCHDOG_INTERVAL" default:"60s"`

	Transfer struct {
		BufferSize          int           `split_words:"true" default:"4096"`
		ProgressMinBytes    int64         `split_words:"true" default:"4096"`
		ProgressMinInterval time.Duration `split_words:"true" default:"1s"`
		MaxRetries          int           `split_words:"true" default:"5"`
		MinRetryAfter       time.Duration `split_words:"true" default:"30s"`
		MaxRetryAfter       time.Duration `split_words:"true" default:"24h"`
		MaxRedirects        int           `split_words:"true" default:"5"`
		ConnectTimeout      time.Duration `split_words:"true" default:"60s"`
		ReadTimeout         time.Duration `split_words:"true" default:"60s"`
		ContentType         string        `split_words:"true" default:"application/vnd.android.obb"`
		UserAgent           string        `split_words:"true" default:"obb_downloader"`
	}

	Control struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Telemetry struct {
		Enabled        bool          `split_words:"true" default:"true"`
		ServiceName    string        `split_words:"true" default:"obb_downloader"`
		OTLPEndpoint   string        `envconfig:"OTLP_ENDPOINT"`
		OTLPInsecure   bool          `envconfig:"OTLP_INSECURE" default:"false"`
		ExportInterval time.Duration `split_words:"true" default:"30s"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.Control.Username != "" && cfg.Control.Password == "" {
		return nil, fmt.Errorf("CONTROL_PASSWORD is required when CONTROL_USERNAME is set")
	}

	if cfg.LicenseClientID != "" && cfg.LicenseTokenURL == "" {
		return nil, fmt.Errorf("LICENSE_TOKEN_URL is required when LICENSE_CLIENT_ID is set")
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
