package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ListenAddr string
	AdminAddr  string
	DBPath     string
	RedisAddr  string // empty = keep status in memory
	JWTSecret  string

	RatePerMinute float64
	CommissionPct float64

	BillingInterval time.Duration
	RingTimeout     time.Duration
	StaleAfter      time.Duration
	ConflictWindow  time.Duration
	QueueTimeout    time.Duration

	// MatchRole restricts random matching to users of this role;
	// empty disables role filtering.
	MatchRole string
}

func Load() *Config {
	cfg := &Config{
		ListenAddr:      ":9030",
		AdminAddr:       ":8080",
		DBPath:          "callbridge.db",
		RedisAddr:       "",
		JWTSecret:       "callbridge-dev-secret",
		RatePerMinute:   10.0,
		CommissionPct:   10.0,
		BillingInterval: 60 * time.Second,
		RingTimeout:     30 * time.Second,
		StaleAfter:      5 * time.Second,
		ConflictWindow:  5 * time.Second,
		QueueTimeout:    60 * time.Second,
		MatchRole:       "",
	}

	if v := os.Getenv("CB_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CB_ADMIN_ADDR"); v != "" {
		cfg.AdminAddr = v
	}
	if v := os.Getenv("CB_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CB_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("CB_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("CB_RATE_PER_MINUTE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RatePerMinute = rate
		}
	}
	if v := os.Getenv("CB_COMMISSION_PCT"); v != "" {
		if pct, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.CommissionPct = pct
		}
	}
	if v := os.Getenv("CB_BILLING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.BillingInterval = d
		}
	}
	if v := os.Getenv("CB_MATCH_ROLE"); v != "" {
		cfg.MatchRole = v
	}

	return cfg
}
