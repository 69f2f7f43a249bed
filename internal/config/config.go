package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	ListenAddr string
	// The websocket push plane listens separately from the command API.
	WSListenAddr string

	RedisURL    string
	DatabaseURL string

	// Lifetimes for the negotiation entities.
	ChallengeTTL time.Duration
	RematchTTL   time.Duration

	// Matchmaking.
	WavePeriod         time.Duration
	DefaultRatingRange float64

	// Entity runtime.
	EntityIdleTTL time.Duration

	// Optional directory of notification template overrides.
	MsgTemplateDir string
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:         ":8080",
		WSListenAddr:       ":8081",
		ChallengeTTL:       5 * time.Minute,
		RematchTTL:         2 * time.Minute,
		WavePeriod:         4 * time.Second,
		DefaultRatingRange: 300,
		EntityIdleTTL:      10 * time.Minute,
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("WS_LISTEN_ADDR")); v != "" {
		cfg.WSListenAddr = v
	}
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.MsgTemplateDir = strings.TrimSpace(os.Getenv("MSG_TEMPLATE_DIR"))

	if d, ok := envDuration("CHALLENGE_TTL"); ok {
		cfg.ChallengeTTL = d
	}
	if d, ok := envDuration("REMATCH_TTL"); ok {
		cfg.RematchTTL = d
	}
	if d, ok := envDuration("WAVE_PERIOD"); ok {
		cfg.WavePeriod = d
	}
	if d, ok := envDuration("ENTITY_IDLE_TTL"); ok {
		cfg.EntityIdleTTL = d
	}
	if v := strings.TrimSpace(os.Getenv("DEFAULT_RATING_RANGE")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.DefaultRatingRange = f
		}
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.ChallengeTTL <= 0 || cfg.RematchTTL <= 0 {
		return nil, errors.New("challenge/rematch lifetimes must be positive")
	}
	if cfg.WavePeriod <= 0 {
		return nil, errors.New("WAVE_PERIOD must be positive")
	}
	return cfg, nil
}

// envDuration accepts Go duration strings ("90s") and bare seconds ("90").
func envDuration(key string) (time.Duration, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d, true
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second, true
	}
	return 0, false
}
