package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all daemon configuration loaded from environment variables.
// The core packages never read the environment themselves; everything flows
// through here.
type Config struct {
	DatabaseURL string
	Port        string
	LogLevel    string

	SeedRelays []string

	StatusInterval     time.Duration
	QueueInterval      time.Duration
	FlushInterval      time.Duration
	SubRefreshInterval time.Duration
	RecoveryThreshold  time.Duration
}

// Load reads configuration from environment variables, falling back to the
// documented defaults.
func Load() *Config {
	seedRelays := parseList(os.Getenv("SEED_RELAYS"))
	if len(seedRelays) == 0 {
		seedRelays = []string{
			"wss://relay.damus.io",
			"wss://nos.lol",
			"wss://relay.nostr.band",
		}
	}

	return &Config{
		DatabaseURL:        getEnv("DATABASE_URL", "gamestr.db"),
		Port:               getEnv("PORT", "8140"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		SeedRelays:         seedRelays,
		StatusInterval:     parseSeconds(os.Getenv("STATUS_INTERVAL_SECONDS"), 15),
		QueueInterval:      parseSeconds(os.Getenv("QUEUE_INTERVAL_SECONDS"), 30),
		FlushInterval:      parseSeconds(os.Getenv("FLUSH_INTERVAL_SECONDS"), 10),
		SubRefreshInterval: parseSeconds(os.Getenv("SUBSCRIPTION_REFRESH_SECONDS"), 600),
		RecoveryThreshold:  parseSeconds(os.Getenv("OUTGOING_RECOVERY_SECONDS"), 600),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func parseSeconds(s string, fallback int) time.Duration {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}
