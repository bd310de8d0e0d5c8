package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	internalconfig "github.com/taralok/consult/internal/config"
)

type envConfig struct {
	Env               string `env:"ENV" envDefault:"production"`
	ListenAddr        string `env:"LISTEN_ADDR" envDefault:":8080"`
	DatabaseURL       string `env:"DATABASE_URL,required"`
	RequestTimeoutSec int    `env:"REQUEST_TIMEOUT_SEC" envDefault:"60"`
	BillingTickMS     int    `env:"BILLING_TICK_MS" envDefault:"1000"`
	MediaTokenSecret  string `env:"MEDIA_TOKEN_SECRET,required"`
	MediaTokenTTLMin  int    `env:"MEDIA_TOKEN_TTL_MIN" envDefault:"60"`
	AllowedOrigins    string `env:"ALLOWED_ORIGINS" envDefault:"*"`
}

func Load() (*internalconfig.Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}

	cfg := &internalconfig.Config{
		Env:               raw.Env,
		ListenAddr:        raw.ListenAddr,
		DatabaseURL:       raw.DatabaseURL,
		RequestTimeoutSec: raw.RequestTimeoutSec,
		BillingTickMS:     raw.BillingTickMS,
		MediaTokenSecret:  raw.MediaTokenSecret,
		MediaTokenTTLMin:  raw.MediaTokenTTLMin,
		AllowedOrigins:    splitOrigins(raw.AllowedOrigins),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}
