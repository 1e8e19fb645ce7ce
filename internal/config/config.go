// Package config loads service configuration from the environment,
// with an optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries everything the ledger process needs to start.
type Config struct {
	HTTPAddr    string
	DatabaseURL string
	NatsURL     string
	RedisAddr   string

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	EtcdEndpoints []string

	JWTSecret string
	TokenTTL  time.Duration

	ShutdownGrace    time.Duration
	AlertHeadroomMin uint64
}

// Load reads the environment. A missing .env file is fine; malformed
// values are not.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		NatsURL:       getEnv("NATS_URL", "nats://localhost:4222"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		InfluxURL:     os.Getenv("INFLUX_URL"),
		InfluxToken:   os.Getenv("INFLUX_TOKEN"),
		InfluxOrg:     os.Getenv("INFLUX_ORG"),
		InfluxBucket:  os.Getenv("INFLUX_BUCKET"),
		EtcdEndpoints: splitList(os.Getenv("ETCD_ENDPOINTS")),
		JWTSecret:     getEnv("JWT_SECRET", "dev-secret"),
	}

	ttl, err := getDuration("TOKEN_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	cfg.TokenTTL = ttl

	grace, err := getDuration("SHUTDOWN_GRACE", 10*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.ShutdownGrace = grace

	headroom, err := getUint("ALERT_HEADROOM_MIN", 3)
	if err != nil {
		return nil, err
	}
	cfg.AlertHeadroomMin = headroom

	return cfg, nil
}

// UsingDefaultSecret reports whether the JWT secret was never set.
func (c *Config) UsingDefaultSecret() bool {
	return c.JWTSecret == "dev-secret"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func getUint(key string, fallback uint64) (uint64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
