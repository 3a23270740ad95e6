// Package config loads the core's environment-variable configuration
// once at boot into package-level vars rather than a struct threaded
// through every call site.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

var (
	// DatabaseURL is the relational configuration store DSN.
	DatabaseURL string
	// RedisURL is the shared fast store address; empty disables it.
	RedisURL string
	// RequireRedis fails boot if RedisURL is set but unreachable.
	RequireRedis bool
	// Production gates the non-PostgreSQL DSN check.
	Production bool

	LLMAPIRateLimit    int
	PublicAPIRateLimit int

	HealthWindowSize              int
	HealthWindowSeconds           int
	HealthErrorRateThreshold      float64
	HealthMinRequests             int
	HealthHalfOpenDuration        time.Duration
	HealthHalfOpenSuccessThresh   int
	HealthHalfOpenFailureThresh   int
	HealthInitialRecoverySeconds  int
	HealthMaxRecoverySeconds      int
	HealthBackoffBase             float64

	CacheAffinityL1TTL      time.Duration
	CacheAffinityDefaultTTL time.Duration
	CacheAffinityL1MaxSize  int

	ProbePhaseRequests    int64
	ProbeReservation      float64
	StableMinReservation  float64
	StableMaxReservation  float64
	LowLoadThreshold      float64
	HighLoadThreshold     float64

	AdaptiveHardCap         int
	AdaptiveColdStartLimit  int
	AdaptiveMultDecrease    float64
	AdaptiveAddIncrease     int
	AdaptiveSuccessSteps    int

	SessionSecret string
	ListenAddr    string

	// UpstreamProxy, when set, routes all outbound upstream requests through
	// it.
	UpstreamProxy        string
	UpstreamTimeout      time.Duration
	ImpatientHTTPTimeout time.Duration
)

func init() {
	_ = godotenv.Load()

	DatabaseURL = getEnv("DATABASE_URL", "postgres://localhost/gateway?sslmode=disable")
	RedisURL = getEnv("REDIS_URL", "")
	RequireRedis = getBool("REQUIRE_REDIS", false)
	Production = getBool("PRODUCTION", false)

	LLMAPIRateLimit = getInt("LLM_API_RATE_LIMIT", 600)
	PublicAPIRateLimit = getInt("PUBLIC_API_RATE_LIMIT", 60)

	HealthWindowSize = getInt("HEALTH_WINDOW_SIZE", 20)
	HealthWindowSeconds = getInt("HEALTH_WINDOW_SECONDS", 120)
	HealthErrorRateThreshold = getFloat("HEALTH_ERROR_RATE_THRESHOLD", 0.6)
	HealthMinRequests = getInt("HEALTH_MIN_REQUESTS", 5)
	HealthHalfOpenDuration = time.Duration(getInt("HEALTH_HALF_OPEN_DURATION_SECONDS", 30)) * time.Second
	HealthHalfOpenSuccessThresh = getInt("HEALTH_HALF_OPEN_SUCCESS_THRESHOLD", 3)
	HealthHalfOpenFailureThresh = getInt("HEALTH_HALF_OPEN_FAILURE_THRESHOLD", 2)
	HealthInitialRecoverySeconds = getInt("HEALTH_INITIAL_RECOVERY_SECONDS", 5)
	HealthMaxRecoverySeconds = getInt("HEALTH_MAX_RECOVERY_SECONDS", 300)
	HealthBackoffBase = getFloat("HEALTH_BACKOFF_BASE", 2.0)

	CacheAffinityL1TTL = time.Duration(getInt("CACHE_AFFINITY_L1_TTL", 15)) * time.Second
	CacheAffinityDefaultTTL = time.Duration(getInt("CACHE_AFFINITY_DEFAULT_TTL", 300)) * time.Second
	CacheAffinityL1MaxSize = getInt("CACHE_AFFINITY_L1_MAX_SIZE", 10000)

	ProbePhaseRequests = int64(getInt("PROBE_PHASE_REQUESTS", 50))
	ProbeReservation = getFloat("PROBE_RESERVATION", 0.10)
	StableMinReservation = getFloat("STABLE_MIN_RESERVATION", 0.10)
	StableMaxReservation = getFloat("STABLE_MAX_RESERVATION", 0.40)
	LowLoadThreshold = getFloat("LOW_LOAD_THRESHOLD", 0.5)
	HighLoadThreshold = getFloat("HIGH_LOAD_THRESHOLD", 0.8)

	AdaptiveHardCap = getInt("ADAPTIVE_HARD_CAP", 256)
	AdaptiveColdStartLimit = getInt("ADAPTIVE_COLD_START_LIMIT", 8)
	AdaptiveMultDecrease = getFloat("ADAPTIVE_MULT_DECREASE", 0.7)
	AdaptiveAddIncrease = getInt("ADAPTIVE_ADD_INCREASE", 1)
	AdaptiveSuccessSteps = getInt("ADAPTIVE_SUCCESS_STEPS_BEFORE_INCREASE", 20)

	SessionSecret = getEnv("SESSION_SECRET", "")
	ListenAddr = getEnv("LISTEN_ADDR", ":3000")

	UpstreamProxy = getEnv("UPSTREAM_PROXY", "")
	UpstreamTimeout = time.Duration(getInt("UPSTREAM_TIMEOUT_SECONDS", 0)) * time.Second
	ImpatientHTTPTimeout = time.Duration(getInt("IMPATIENT_HTTP_TIMEOUT_SECONDS", 5)) * time.Second
}

func getEnv(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func getBool(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getFloat(name string, def float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
