// Package config содержит логику чтения конфигурации сервиса обмена баллов.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса обмена баллов.
type Config struct {
	RunAddress    string `env:"RUN_ADDRESS"`
	DatabaseURI   string `env:"DATABASE_URI"`
	SessionSecret string `env:"SESSION_SECRET"`
	CatalogPath   string `env:"CATALOG_PATH"`

	SessionTTL time.Duration `env:"SESSION_TTL" envDefault:"168h"`

	OAuthClientID     string `env:"OAUTH_CLIENT_ID"`
	OAuthClientSecret string `env:"OAUTH_CLIENT_SECRET"`
	OAuthRedirectURI  string `env:"OAUTH_REDIRECT_URI"`
	OAuthAPIBase      string `env:"OAUTH_API_BASE" envDefault:"https://discord.com/api"`

	DiscordBotToken string `env:"DISCORD_BOT_TOKEN"`
	DiscordAPIBase  string `env:"DISCORD_API_BASE" envDefault:"https://discord.com/api/v10"`
	ReviewChannelID string `env:"REVIEW_CHANNEL_ID"`
	ReviewerToken   string `env:"REVIEWER_TOKEN"`

	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	LoginRatePerSec float64       `env:"LOGIN_RATE_PER_SEC" envDefault:"1"`
	LoginRateBurst  int           `env:"LOGIN_RATE_BURST" envDefault:"5"`
	// TrustProxy включает разбор X-Forwarded-For и X-Real-IP.
	// Только для запуска за собственным обратным прокси.
	TrustProxy bool `env:"TRUST_PROXY"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envSessionSecret := cfg.SessionSecret
	envCatalogPath := cfg.CatalogPath

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.SessionSecret, "s", "", "session signing secret")
	flag.StringVar(&cfg.CatalogPath, "c", "", "path to catalog YAML file")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envSessionSecret != "" {
		cfg.SessionSecret = envSessionSecret
	}
	if envCatalogPath != "" {
		cfg.CatalogPath = envCatalogPath
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.SessionTTL <= 0 {
		return nil, fmt.Errorf("SESSION_TTL must be positive, got %s", cfg.SessionTTL)
	}

	return cfg, nil
}
