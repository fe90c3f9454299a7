// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration. Every numeric policy value in
// the routing engine is surfaced here rather than hardcoded.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64

	// State store settings.
	RedisURL           string        // Empty = in-process store only.
	StoreOpTimeout     time.Duration // Per-operation bound on store calls.
	StoreProbeInterval time.Duration // How often the failover wrapper reprobes Redis.
	SessionTTL         time.Duration // Sessions expire without a terminal event.

	// Supervisor settings.
	RouteTimeout  time.Duration // Total deadline for one Route() call.
	CommitRetries int           // CAS attempts before ConcurrentUpdateError.

	// Healing policy.
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffMaxDelay time.Duration
	SwitchThreshold int      // Retries before switching provider.
	Providers       []string // Ordered provider cycle for switches/reroutes.

	// Quality thresholds (soft: one exceeded recommends codec adaptation)
	// and ceilings (hard: any exceeded drops the session).
	RTPLossThreshold float64
	RTPLossCeiling   float64
	JitterThreshold  float64
	JitterCeiling    float64
	LatencyThreshold float64
	LatencyCeiling   float64

	// SLA window.
	SLAWindow        time.Duration
	SLABucket        time.Duration
	BreachThreshold  float64 // Failure ratio that opens a breach.
	RecoverThreshold float64 // Lower hysteresis bound that clears it.
	MinSampleSize    int

	// Admission token buckets.
	BucketCapacity  float64
	BucketRefill    float64           // Tokens per second.
	BucketOverrides map[string]Bucket // Per-resource overrides.
	SMSFallback     bool              // Shed load to SMS instead of throttling.

	// HTTP ingest rate limit.
	IngestRateLimit float64 // Requests per second per source; 0 disables.
	IngestBurst     int

	// Decision journal.
	JournalPath string // Empty = journal disabled.

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Bucket is a per-resource token bucket override.
type Bucket struct {
	Capacity float64
	Refill   float64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("CALLGUARD_PORT", 8080),
		ReadTimeout:         envDuration("CALLGUARD_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("CALLGUARD_WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBodyBytes: int64(envInt("CALLGUARD_MAX_REQUEST_BODY_BYTES", 1<<20)),

		RedisURL:           envStr("REDIS_URL", "redis://localhost:6379/0"),
		StoreOpTimeout:     envDuration("CALLGUARD_STORE_OP_TIMEOUT", 500*time.Millisecond),
		StoreProbeInterval: envDuration("CALLGUARD_STORE_PROBE_INTERVAL", 10*time.Second),
		SessionTTL:         envDuration("CALLGUARD_SESSION_TTL", time.Hour),

		RouteTimeout:  envDuration("CALLGUARD_ROUTE_TIMEOUT", 2*time.Second),
		CommitRetries: envInt("CALLGUARD_COMMIT_RETRIES", 3),

		MaxRetries:      envInt("CALLGUARD_MAX_RETRIES", 3),
		BackoffBase:     envDuration("CALLGUARD_BACKOFF_BASE", 200*time.Millisecond),
		BackoffMaxDelay: envDuration("CALLGUARD_BACKOFF_MAX_DELAY", 30*time.Second),
		SwitchThreshold: envInt("CALLGUARD_SWITCH_THRESHOLD", 2),
		Providers:       envList("CALLGUARD_PROVIDERS", []string{"primary", "secondary"}),

		RTPLossThreshold: envFloat("CALLGUARD_RTP_LOSS_THRESHOLD", 5.0),
		RTPLossCeiling:   envFloat("CALLGUARD_RTP_LOSS_CEILING", 20.0),
		JitterThreshold:  envFloat("CALLGUARD_JITTER_THRESHOLD_MS", 30),
		JitterCeiling:    envFloat("CALLGUARD_JITTER_CEILING_MS", 120),
		LatencyThreshold: envFloat("CALLGUARD_LATENCY_THRESHOLD_MS", 400),
		LatencyCeiling:   envFloat("CALLGUARD_LATENCY_CEILING_MS", 2000),

		SLAWindow:        envDuration("CALLGUARD_SLA_WINDOW", time.Hour),
		SLABucket:        envDuration("CALLGUARD_SLA_BUCKET", time.Minute),
		BreachThreshold:  envFloat("CALLGUARD_SLA_BREACH_THRESHOLD", 0.03),
		RecoverThreshold: envFloat("CALLGUARD_SLA_RECOVER_THRESHOLD", 0.01),
		MinSampleSize:    envInt("CALLGUARD_SLA_MIN_SAMPLE", 20),

		BucketCapacity:  envFloat("CALLGUARD_BUCKET_CAPACITY", 100),
		BucketRefill:    envFloat("CALLGUARD_BUCKET_REFILL", 10),
		BucketOverrides: envBuckets("CALLGUARD_BUCKET_OVERRIDES"),
		SMSFallback:     envBool("CALLGUARD_SMS_FALLBACK", false),

		IngestRateLimit: envFloat("CALLGUARD_INGEST_RATE_LIMIT", 300),
		IngestBurst:     envInt("CALLGUARD_INGEST_BURST", 50),

		JournalPath: envStr("CALLGUARD_JOURNAL_PATH", "callguard.db"),

		OTELEndpoint: envStr("CALLGUARD_OTEL_ENDPOINT", ""),
		OTELInsecure: envBool("CALLGUARD_OTEL_INSECURE", false),
		ServiceName:  envStr("CALLGUARD_SERVICE_NAME", "callguard"),

		LogLevel: envStr("CALLGUARD_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency of policy values.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: CALLGUARD_MAX_RETRIES must not be negative")
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("config: CALLGUARD_BACKOFF_BASE must be positive")
	}
	if c.CommitRetries < 1 {
		return fmt.Errorf("config: CALLGUARD_COMMIT_RETRIES must be at least 1")
	}
	if c.RecoverThreshold >= c.BreachThreshold {
		return fmt.Errorf("config: SLA recover threshold %.3f must be below breach threshold %.3f",
			c.RecoverThreshold, c.BreachThreshold)
	}
	if c.SLABucket <= 0 || c.SLAWindow < c.SLABucket {
		return fmt.Errorf("config: SLA window must be at least one bucket wide")
	}
	if c.BucketCapacity <= 0 || c.BucketRefill <= 0 {
		return fmt.Errorf("config: token bucket capacity and refill rate must be positive")
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: CALLGUARD_PROVIDERS must name at least one provider")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: CALLGUARD_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

// envBuckets parses per-resource overrides of the form
// "route-a=200:20,route-b=50:5" (capacity:refill per second).
func envBuckets(key string) map[string]Bucket {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	out := make(map[string]Bucket)
	for _, part := range strings.Split(v, ",") {
		name, spec, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		capStr, rateStr, ok := strings.Cut(spec, ":")
		if !ok {
			continue
		}
		capacity, err1 := strconv.ParseFloat(capStr, 64)
		refill, err2 := strconv.ParseFloat(rateStr, 64)
		if err1 != nil || err2 != nil || capacity <= 0 || refill <= 0 {
			continue
		}
		out[name] = Bucket{Capacity: capacity, Refill: refill}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
