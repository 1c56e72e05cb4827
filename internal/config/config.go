// Package config loads the coordinator service settings from the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Foundup/Foundups-Agent-sub000/internal/models"
)

// Config is the coordinator service configuration.
type Config struct {
	Addr string

	// Pool is the set of endpoints known at startup.
	Pool []models.ResourceKey

	// Tiers is the speed-first default tier order with per-tier timeouts.
	Tiers []TierConfig

	// Breaker settings shared by every tier.
	FailureThreshold int
	Cooldown         time.Duration

	// Allocation TTL and health cadence.
	TTL             time.Duration
	HealthInterval  time.Duration
	MissThreshold   int
	SpawnCap        int
	SuggestionLimit int

	// Auth (empty secret disables).
	AuthSecret   string
	AuthIssuer   string
	AuthAudience string

	// Optional telemetry pipeline.
	DatabaseURL  string
	KafkaBrokers []string
	KafkaTopic   string
	S3Bucket     string
	S3Prefix     string
}

// TierConfig is one execution tier's startup settings.
type TierConfig struct {
	ID      string
	Timeout time.Duration
}

const (
	defaultAddr     = ":8071"
	defaultPool     = "browser:default:9222"
	defaultTiers    = "dom:2000,vision-local:8000,vision-remote:15000"
	defaultSpawnCap = 4
)

// Load reads the configuration from the environment.
func Load() (Config, error) {
	cfg := Config{
		Addr:             getEnv("COORDINATOR_ADDR", defaultAddr),
		Pool:             parsePool(getEnv("COORDINATOR_POOL", defaultPool)),
		Tiers:            parseTiers(getEnv("COORDINATOR_TIERS", defaultTiers)),
		FailureThreshold: getInt("COORDINATOR_FAILURE_THRESHOLD", 3),
		Cooldown:         getSeconds("COORDINATOR_COOLDOWN_SECONDS", 30),
		TTL:              getSeconds("COORDINATOR_TTL_SECONDS", 300),
		HealthInterval:   getSeconds("COORDINATOR_HEALTH_INTERVAL_SECONDS", 30),
		MissThreshold:    getInt("COORDINATOR_MISS_THRESHOLD", 3),
		SpawnCap:         getInt("COORDINATOR_SPAWN_CAP", defaultSpawnCap),
		SuggestionLimit:  getInt("COORDINATOR_SUGGESTION_LIMIT", 3),
		AuthSecret:       os.Getenv("COORDINATOR_AUTH_SECRET"),
		AuthIssuer:       os.Getenv("COORDINATOR_AUTH_ISSUER"),
		AuthAudience:     os.Getenv("COORDINATOR_AUTH_AUDIENCE"),
		DatabaseURL:      firstNonEmpty(os.Getenv("COORDINATOR_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		KafkaBrokers:     parseCSV(os.Getenv("COORDINATOR_KAFKA_BROKERS")),
		KafkaTopic:       getEnv("COORDINATOR_KAFKA_TOPIC", "coordinator.telemetry"),
		S3Bucket:         os.Getenv("COORDINATOR_S3_BUCKET"),
		S3Prefix:         os.Getenv("COORDINATOR_S3_PREFIX"),
	}
	if len(cfg.Tiers) == 0 {
		return Config{}, fmt.Errorf("COORDINATOR_TIERS must name at least one tier")
	}
	return cfg, nil
}

// TierOrder returns the configured speed-first order.
func (c Config) TierOrder() []string {
	out := make([]string, 0, len(c.Tiers))
	for _, t := range c.Tiers {
		out = append(out, t.ID)
	}
	return out
}

// parsePool parses "kind:profile[:port]" entries separated by commas,
// e.g. "browser:studio:9222,browser:scout".
func parsePool(raw string) []models.ResourceKey {
	chunks := strings.Split(raw, ",")
	keys := make([]models.ResourceKey, 0, len(chunks))
	for _, chunk := range chunks {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		parts := strings.Split(chunk, ":")
		if len(parts) < 2 {
			continue
		}
		key := models.ResourceKey{Kind: parts[0], Profile: parts[1]}
		if len(parts) > 2 {
			if port, err := strconv.Atoi(parts[2]); err == nil {
				key.Port = port
			}
		}
		keys = append(keys, key)
	}
	return keys
}

// parseTiers parses "id:timeoutMs" entries separated by commas.
func parseTiers(raw string) []TierConfig {
	chunks := strings.Split(raw, ",")
	tiers := make([]TierConfig, 0, len(chunks))
	for _, chunk := range chunks {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		parts := strings.Split(chunk, ":")
		tier := TierConfig{ID: parts[0], Timeout: 10 * time.Second}
		if len(parts) > 1 {
			if ms, err := strconv.Atoi(parts[1]); err == nil && ms > 0 {
				tier.Timeout = time.Duration(ms) * time.Millisecond
			}
		}
		tiers = append(tiers, tier)
	}
	return tiers
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getSeconds(key string, fallback int) time.Duration {
	return time.Duration(getInt(key, fallback)) * time.Second
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
