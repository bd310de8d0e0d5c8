package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Env               string
	ListenAddr        string
	DatabaseURL       string
	RequestTimeoutSec int
	BillingTickMS     int
	MediaTokenSecret  string
	MediaTokenTTLMin  int
	AllowedOrigins    []string
}

func (c *Config) Validate() error {
	for _, req := range c.requiredFieldChecks() {
		if req.value == "" {
			return fmt.Errorf("%s is required", req.name)
		}
	}
	if c.RequestTimeoutSec <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT_SEC must be positive, got %d", c.RequestTimeoutSec)
	}
	if c.BillingTickMS <= 0 {
		return fmt.Errorf("BILLING_TICK_MS must be positive, got %d", c.BillingTickMS)
	}
	if c.MediaTokenTTLMin <= 0 {
		return fmt.Errorf("MEDIA_TOKEN_TTL_MIN must be positive, got %d", c.MediaTokenTTLMin)
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("ALLOWED_ORIGINS must not be empty")
	}
	return nil
}

type requiredEnvField struct {
	name  string
	value string
}

func (c *Config) requiredFieldChecks() []requiredEnvField {
	return []requiredEnvField{
		{name: "LISTEN_ADDR", value: c.ListenAddr},
		{name: "DATABASE_URL", value: c.DatabaseURL},
		{name: "MEDIA_TOKEN_SECRET", value: c.MediaTokenSecret},
	}
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) OriginAllowed(origin string) bool {
	for _, o := range c.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
