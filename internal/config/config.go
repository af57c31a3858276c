package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string
	RabbitURL   string

	EventsExchange string
	OutboxInterval time.Duration
	OutboxBatch    int

	// Settlement timing. Deterministic mode replaces the random
	// window with SettleFixedDelay, and ForcedOutcome, when set to
	// "success" or "failed", bypasses the validator entirely.
	SettleMinDelay   time.Duration
	SettleMaxDelay   time.Duration
	Deterministic    bool
	SettleFixedDelay time.Duration
	ForcedOutcome    string

	SettleRetryMax int
	StaleAfter     time.Duration
	SweepInterval  time.Duration

	ShutdownGracePeriod time.Duration
}

func Load() Config {
	return Config{
		HTTPAddr:    getEnv("GATEWAY_HTTP_ADDR", ":8080"),
		DatabaseURL: getEnv("GATEWAY_DATABASE_URL", ""),
		RabbitURL:   getEnv("GATEWAY_RABBIT_URL", ""),

		EventsExchange: getEnv("GATEWAY_EVENTS_EXCHANGE", "gateway.settlements"),
		OutboxInterval: parseDuration("GATEWAY_OUTBOX_INTERVAL", 2*time.Second),
		OutboxBatch:    parseInt("GATEWAY_OUTBOX_BATCH", 32),

		SettleMinDelay:   parseDuration("GATEWAY_SETTLE_MIN_DELAY", 2*time.Second),
		SettleMaxDelay:   parseDuration("GATEWAY_SETTLE_MAX_DELAY", 5*time.Second),
		Deterministic:    parseBool("GATEWAY_DETERMINISTIC", false),
		SettleFixedDelay: parseDuration("GATEWAY_SETTLE_FIXED_DELAY", 50*time.Millisecond),
		ForcedOutcome:    getEnv("GATEWAY_FORCED_OUTCOME", ""),

		SettleRetryMax: parseInt("GATEWAY_SETTLE_RETRY_MAX", 5),
		StaleAfter:     parseDuration("GATEWAY_STALE_AFTER", time.Minute),
		SweepInterval:  parseDuration("GATEWAY_SWEEP_INTERVAL", 30*time.Second),

		ShutdownGracePeriod: parseDuration("GATEWAY_SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	if raw, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(raw); err == nil {
			return d
		}
	}
	return def
}

func parseInt(key string, def int) int {
	if raw, ok := os.LookupEnv(key); ok {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if raw, ok := os.LookupEnv(key); ok {
		if v, err := strconv.ParseBool(raw); err == nil {
			return v
		}
	}
	return def
}
