// Package config loads service configuration from the environment.
package config

import (
	"math"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DispatchPath is the route both the delay queue and the local timer POST to.
const DispatchPath = "/api/campaigns/dispatch"

// Dedupe TTL bounds, in seconds.
const (
	DefaultDedupeTTLSeconds = 7 * 24 * 60 * 60
	MinDedupeTTLSeconds     = 60
	MaxDedupeTTLSeconds     = 30 * 24 * 60 * 60
)

const defaultQStashURL = "https://qstash.upstash.io"

// Config holds configuration for campaignd.
type Config struct {
	Addr       string
	DBPath     string
	Production bool
	LogLevel   string

	// BaseURL is the externally reachable origin used to build callback URLs.
	BaseURL string

	QStashURL   string
	QStashToken string

	RedisURL   string
	RedisToken string

	DedupeTTL time.Duration

	WebhookVerifyToken string
	PipelineURL        string
	DispatchWorkers    int
	AuditCron          string
	ShutdownTimeout    time.Duration
}

// Load reads configuration from the environment, after overlaying a .env file if present.
func Load() *Config {
	_ = godotenv.Load()

	addr := GetEnv("CAMPAIGND_ADDR", ":8080")
	return &Config{
		Addr:       addr,
		DBPath:     GetEnv("CAMPAIGND_DB", "campaignd.db"),
		Production: IsProduction(GetEnv("APP_ENV", "development")),
		LogLevel:   GetEnv("LOG_LEVEL", "info"),
		BaseURL: ResolveBaseURL(
			os.Getenv("APP_BASE_URL"),
			os.Getenv("PRODUCTION_URL"),
			os.Getenv("PREVIEW_URL"),
			addr,
		),
		QStashURL:          GetEnv("QSTASH_URL", defaultQStashURL),
		QStashToken:        GetEnv("QSTASH_TOKEN", ""),
		RedisURL:           GetEnv("REDIS_URL", ""),
		RedisToken:         GetEnv("REDIS_TOKEN", ""),
		DedupeTTL:          time.Duration(DedupeTTLSeconds(os.Getenv("WA_STATUS_DEDUPE_TTL_SECONDS"))) * time.Second,
		WebhookVerifyToken: GetEnv("WA_WEBHOOK_VERIFY_TOKEN", ""),
		PipelineURL:        GetEnv("DISPATCH_PIPELINE_URL", ""),
		DispatchWorkers:    GetIntEnv("DISPATCH_WORKERS", 4),
		AuditCron:          GetEnv("AUDIT_CRON", "@every 1m"),
		ShutdownTimeout:    GetDurationEnv("SHUTDOWN_TIMEOUT", 5*time.Second),
	}
}

// CallbackURL is the absolute dispatch callback URL.
func (c *Config) CallbackURL() string {
	return c.BaseURL + DispatchPath
}

// IsProduction reports whether the execution-mode flag names production.
func IsProduction(mode string) bool {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "production", "prod":
		return true
	}
	return false
}

// ResolveBaseURL picks the callback origin: explicit override, then the
// inferred production host, then the inferred preview host, then localhost
// on the listen port.
func ResolveBaseURL(explicit, production, preview, addr string) string {
	for _, candidate := range []string{explicit, production, preview} {
		if u := normalizeOrigin(candidate); u != "" {
			return u
		}
	}
	port := "8080"
	if _, p, err := net.SplitHostPort(addr); err == nil && p != "" {
		port = p
	}
	return "http://localhost:" + port
}

func normalizeOrigin(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	return strings.TrimRight(raw, "/")
}

// DedupeTTLSeconds parses the TTL override. Absent, unparseable or non-finite
// values fall back to seven days; anything else is clamped to [60s, 30d].
func DedupeTTLSeconds(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultDedupeTTLSeconds
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return DefaultDedupeTTLSeconds
	}
	if v > MaxDedupeTTLSeconds {
		return MaxDedupeTTLSeconds
	}
	return ClampTTLSeconds(int(math.Floor(v)))
}

// ClampTTLSeconds bounds a TTL to the accepted claim window.
func ClampTTLSeconds(s int) int {
	if s < MinDedupeTTLSeconds {
		return MinDedupeTTLSeconds
	}
	if s > MaxDedupeTTLSeconds {
		return MaxDedupeTTLSeconds
	}
	return s
}
