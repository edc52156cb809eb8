// Package config provides the resource-governed extraction core's
// configuration, loaded from environment variables with bounds validation.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/riptide/rgec/internal/security"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxBrowserPoolSize = 20
	maxWasmPoolSize    = 64
	maxMaxSessions     = 10000
	maxMaxMemoryMB     = 16384
	maxTimeout         = 10 * time.Minute
	maxRateLimitRPM    = 10000
)

// Config holds every tunable of the RGEC, mirrored from spec.md's component
// tables (§4.2-§4.8) and the cascading deadlines of §5.
type Config struct {
	// Browser Pool (spec.md §4.3)
	Headless             bool
	BrowserPath          string
	BrowserPoolInitial   int
	BrowserPoolMax       int
	BrowserPoolTimeout   time.Duration
	BrowserMaxLifetime   time.Duration
	BrowserMaxPages      int
	BrowserIdleTimeout   time.Duration
	BrowserHealthCheckEvery time.Duration

	// CDP Connection Broker (spec.md §4.4)
	CDPMaxConnsPerBrowser int
	CDPMaxBatchSize       int
	CDPBatchTimeout       time.Duration
	CDPIdleEvict          time.Duration

	// WASM Sandbox Pool (spec.md §4.5)
	WasmPoolSize            int
	WasmFuelPerExtraction   uint64
	WasmMaxPages            uint32
	WasmMaxExtractionsPerInstance int

	// Resource Arbiter (spec.md §4.2)
	MaxMemoryMB           int
	MemoryPressureWarn    float64 // default 0.85
	MemoryPressureHard    float64 // default 0.95
	DefaultRatePerSecond  float64
	DefaultRateBurst      int
	AdmissionDeadline     time.Duration

	// Cascading deadlines (spec.md §5)
	RenderTimeout  time.Duration
	WasmTimeout    time.Duration
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration

	// Cache Tier (spec.md §4.6)
	LocalCacheTTL      time.Duration
	PersistentCacheTTL time.Duration

	// Circuit Breaker / Retry (spec.md §4.7)
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerRecoveryTimeout  time.Duration
	RetryInitialDelay       time.Duration
	RetryMaxDelay           time.Duration
	RetryMultiplier         float64
	RetryMaxAttempts        int

	// Engine Selector (spec.md §4.1)
	DomainCacheTTL time.Duration

	// Sessions (spec.md §3)
	SessionTTL             time.Duration
	SessionCleanupInterval time.Duration
	MaxSessions            int
	SessionBaseDir         string

	// Proxy defaults for the Headless engine
	ProxyURL      string
	ProxyUsername string
	ProxyPassword string
	IgnoreCertErrors bool

	// Logging
	LogLevel    string
	LogFullURLs bool

	// Static hints (engine selector)
	HintsPath      string
	HintsHotReload bool

	// Degradation scoring (spec.md §4.8)
	DegradationInterval      time.Duration
	DegradationHeadlessLimit float64 // above this, refuse new headless admissions
	DegradationWasmLimit     float64 // above this, refuse wasm admissions too

	// Demonstration HTTP surface (spec.md §6.1, out of core scope)
	Host               string
	Port               int
	CORSAllowedOrigins []string
	APIKeyEnabled      bool
	APIKey             string
	RateLimitEnabled   bool
	RateLimitRPM       int
	TrustProxy         bool
	PProfEnabled       bool
	PProfBindAddr      string
	PProfPort          int
}

// Load reads configuration from the environment, applying the same
// sensible-default-per-key pattern as the rest of this repo's ambient stack.
func Load() *Config {
	return &Config{
		Headless:               getEnvBool("RGEC_HEADLESS", true),
		BrowserPath:            getEnvString("RGEC_BROWSER_PATH", ""),
		BrowserPoolInitial:     getEnvInt("RGEC_BROWSER_POOL_INITIAL", 2),
		BrowserPoolMax:         getEnvInt("RGEC_BROWSER_POOL_MAX", 6),
		BrowserPoolTimeout:     getEnvDuration("RGEC_BROWSER_POOL_TIMEOUT", 30*time.Second),
		BrowserMaxLifetime:     getEnvDuration("RGEC_BROWSER_MAX_LIFETIME", 30*time.Minute),
		BrowserMaxPages:        getEnvInt("RGEC_BROWSER_MAX_PAGES", 100),
		BrowserIdleTimeout:     getEnvDuration("RGEC_BROWSER_IDLE_TIMEOUT", 5*time.Minute),
		BrowserHealthCheckEvery: getEnvDuration("RGEC_BROWSER_HEALTH_CHECK_INTERVAL", 30*time.Second),

		CDPMaxConnsPerBrowser: getEnvInt("RGEC_CDP_MAX_CONNS_PER_BROWSER", 4),
		CDPMaxBatchSize:       getEnvInt("RGEC_CDP_MAX_BATCH_SIZE", 8),
		CDPBatchTimeout:       getEnvDuration("RGEC_CDP_BATCH_TIMEOUT", 15*time.Millisecond),
		CDPIdleEvict:          getEnvDuration("RGEC_CDP_IDLE_EVICT", 2*time.Minute),

		WasmPoolSize:          getEnvInt("RGEC_WASM_POOL_SIZE", 8),
		WasmFuelPerExtraction: uint64(getEnvInt("RGEC_WASM_FUEL_PER_EXTRACTION", 10_000_000)),
		WasmMaxPages:          uint32(getEnvInt("RGEC_WASM_MAX_PAGES", 256)), // 256 * 64KiB = 16MiB
		WasmMaxExtractionsPerInstance: getEnvInt("RGEC_WASM_MAX_EXTRACTIONS_PER_INSTANCE", 500),

		MaxMemoryMB:          getEnvInt("RGEC_MAX_MEMORY_MB", 4096),
		MemoryPressureWarn:   getEnvFloat("RGEC_MEMORY_PRESSURE_WARN", 0.85),
		MemoryPressureHard:   getEnvFloat("RGEC_MEMORY_PRESSURE_HARD", 0.95),
		DefaultRatePerSecond: getEnvFloat("RGEC_DEFAULT_RATE_PER_SECOND", 1.0),
		DefaultRateBurst:     getEnvInt("RGEC_DEFAULT_RATE_BURST", 3),
		AdmissionDeadline:    getEnvDuration("RGEC_ADMISSION_DEADLINE", 5*time.Second),

		RenderTimeout:  getEnvDuration("RGEC_RENDER_TIMEOUT", 30*time.Second),
		WasmTimeout:    getEnvDuration("RGEC_WASM_TIMEOUT", 10*time.Second),
		DefaultTimeout: getEnvDuration("RGEC_DEFAULT_TIMEOUT", 60*time.Second),
		MaxTimeout:     getEnvDuration("RGEC_MAX_TIMEOUT", 120*time.Second),

		LocalCacheTTL:      getEnvDuration("RGEC_LOCAL_CACHE_TTL", 5*time.Minute),
		PersistentCacheTTL: getEnvDuration("RGEC_PERSISTENT_CACHE_TTL", 1*time.Hour),

		BreakerFailureThreshold: getEnvInt("RGEC_BREAKER_FAILURE_THRESHOLD", 3),
		BreakerSuccessThreshold: getEnvInt("RGEC_BREAKER_SUCCESS_THRESHOLD", 2),
		BreakerRecoveryTimeout:  getEnvDuration("RGEC_BREAKER_RECOVERY_TIMEOUT", 30*time.Second),
		RetryInitialDelay:       getEnvDuration("RGEC_RETRY_INITIAL_DELAY", 100*time.Millisecond),
		RetryMaxDelay:           getEnvDuration("RGEC_RETRY_MAX_DELAY", 10*time.Second),
		RetryMultiplier:         getEnvFloat("RGEC_RETRY_MULTIPLIER", 2.0),
		RetryMaxAttempts:        getEnvInt("RGEC_RETRY_MAX_ATTEMPTS", 3),

		DomainCacheTTL: getEnvDuration("RGEC_DOMAIN_CACHE_TTL", 1*time.Hour),

		SessionTTL:             getEnvDuration("RGEC_SESSION_TTL", 30*time.Minute),
		SessionCleanupInterval: getEnvDuration("RGEC_SESSION_CLEANUP_INTERVAL", 1*time.Minute),
		MaxSessions:            getEnvInt("RGEC_MAX_SESSIONS", 100),
		SessionBaseDir:         getEnvString("RGEC_SESSION_BASE_DIR", "./data/sessions"),

		ProxyURL:         getEnvString("RGEC_PROXY_URL", ""),
		ProxyUsername:    getEnvString("RGEC_PROXY_USERNAME", ""),
		ProxyPassword:    getEnvString("RGEC_PROXY_PASSWORD", ""),
		IgnoreCertErrors: getEnvBool("RGEC_IGNORE_CERT_ERRORS", false),

		LogLevel:    getEnvString("RGEC_LOG_LEVEL", "info"),
		LogFullURLs: getEnvBool("RGEC_LOG_FULL_URLS", false),

		HintsPath:      getEnvString("RGEC_HINTS_PATH", ""),
		HintsHotReload: getEnvBool("RGEC_HINTS_HOT_RELOAD", false),

		DegradationInterval:      getEnvDuration("RGEC_DEGRADATION_INTERVAL", 5*time.Second),
		DegradationHeadlessLimit: getEnvFloat("RGEC_DEGRADATION_HEADLESS_LIMIT", 0.5),
		DegradationWasmLimit:     getEnvFloat("RGEC_DEGRADATION_WASM_LIMIT", 0.8),

		Host:               getEnvString("RGEC_HOST", "0.0.0.0"),
		Port:               getEnvInt("RGEC_PORT", 8191),
		CORSAllowedOrigins: getEnvStringSlice("RGEC_CORS_ALLOWED_ORIGINS", nil),
		APIKeyEnabled:      getEnvBool("RGEC_API_KEY_ENABLED", false),
		APIKey:             getEnvString("RGEC_API_KEY", ""),
		RateLimitEnabled:   getEnvBool("RGEC_RATE_LIMIT_ENABLED", true),
		RateLimitRPM:       getEnvInt("RGEC_RATE_LIMIT_RPM", 60),
		TrustProxy:         getEnvBool("RGEC_TRUST_PROXY", false),
		PProfEnabled:       getEnvBool("RGEC_PPROF_ENABLED", false),
		PProfBindAddr:      getEnvString("RGEC_PPROF_BIND_ADDR", "127.0.0.1"),
		PProfPort:          getEnvInt("RGEC_PPROF_PORT", 6060),
	}
}

// Validate clamps out-of-range values to sensible defaults, logging a
// warning for each adjustment, matching the teacher's bounds-validation
// idiom.
func (c *Config) Validate() {
	if c.BrowserPoolInitial < 0 {
		log.Warn().Int("initial", c.BrowserPoolInitial).Msg("invalid browser pool initial size, using 2")
		c.BrowserPoolInitial = 2
	}
	if c.BrowserPoolMax < 1 {
		log.Warn().Int("max", c.BrowserPoolMax).Msg("invalid browser pool max size, using 6")
		c.BrowserPoolMax = 6
	} else if c.BrowserPoolMax > maxBrowserPoolSize {
		log.Warn().Int("max", c.BrowserPoolMax).Int("cap", maxBrowserPoolSize).Msg("browser pool max too large, capping")
		c.BrowserPoolMax = maxBrowserPoolSize
	}
	if c.BrowserPoolInitial > c.BrowserPoolMax {
		log.Warn().Int("initial", c.BrowserPoolInitial).Int("max", c.BrowserPoolMax).Msg("browser pool initial exceeds max, clamping")
		c.BrowserPoolInitial = c.BrowserPoolMax
	}

	if c.WasmPoolSize < 1 {
		log.Warn().Int("size", c.WasmPoolSize).Msg("invalid wasm pool size, using 8")
		c.WasmPoolSize = 8
	} else if c.WasmPoolSize > maxWasmPoolSize {
		log.Warn().Int("size", c.WasmPoolSize).Int("cap", maxWasmPoolSize).Msg("wasm pool size too large, capping")
		c.WasmPoolSize = maxWasmPoolSize
	}

	if c.MaxMemoryMB < 256 {
		log.Warn().Int("mb", c.MaxMemoryMB).Msg("memory limit too low, using 4096")
		c.MaxMemoryMB = 4096
	} else if c.MaxMemoryMB > maxMaxMemoryMB {
		log.Warn().Int("mb", c.MaxMemoryMB).Int("cap", maxMaxMemoryMB).Msg("memory limit too high, capping")
		c.MaxMemoryMB = maxMaxMemoryMB
	}

	if c.MemoryPressureWarn <= 0 || c.MemoryPressureWarn >= 1 {
		log.Warn().Float64("warn", c.MemoryPressureWarn).Msg("invalid memory pressure warn threshold, using 0.85")
		c.MemoryPressureWarn = 0.85
	}
	if c.MemoryPressureHard <= c.MemoryPressureWarn || c.MemoryPressureHard > 1 {
		log.Warn().Float64("hard", c.MemoryPressureHard).Msg("invalid memory pressure hard threshold, using 0.95")
		c.MemoryPressureHard = 0.95
	}

	if c.MaxTimeout < time.Second {
		log.Warn().Dur("timeout", c.MaxTimeout).Msg("max timeout too short, using 120s")
		c.MaxTimeout = 120 * time.Second
	}
	if c.MaxTimeout > maxTimeout {
		log.Warn().Dur("timeout", c.MaxTimeout).Dur("cap", maxTimeout).Msg("max timeout too long, capping")
		c.MaxTimeout = maxTimeout
	}
	if c.DefaultTimeout > c.MaxTimeout {
		log.Warn().Dur("default", c.DefaultTimeout).Dur("max", c.MaxTimeout).Msg("default timeout exceeds max, clamping")
		c.DefaultTimeout = c.MaxTimeout
	}
	// Inner deadlines must be strictly shorter than their enclosing deadline (spec.md §5).
	if c.RenderTimeout >= c.DefaultTimeout {
		log.Warn().Dur("render", c.RenderTimeout).Dur("default", c.DefaultTimeout).Msg("render timeout must be shorter than default timeout, clamping")
		c.RenderTimeout = c.DefaultTimeout - time.Second
	}
	if c.WasmTimeout >= c.DefaultTimeout {
		log.Warn().Dur("wasm", c.WasmTimeout).Dur("default", c.DefaultTimeout).Msg("wasm timeout must be shorter than default timeout, clamping")
		c.WasmTimeout = c.DefaultTimeout - time.Second
	}
	if c.AdmissionDeadline >= c.RenderTimeout {
		log.Warn().Dur("admission", c.AdmissionDeadline).Dur("render", c.RenderTimeout).Msg("admission deadline must be shorter than render timeout, clamping")
		c.AdmissionDeadline = c.RenderTimeout / 2
	}

	if c.MaxSessions < 1 {
		log.Warn().Int("max", c.MaxSessions).Msg("invalid max sessions, using 100")
		c.MaxSessions = 100
	} else if c.MaxSessions > maxMaxSessions {
		log.Warn().Int("max", c.MaxSessions).Int("cap", maxMaxSessions).Msg("max sessions too high, capping")
		c.MaxSessions = maxMaxSessions
	}

	if c.BreakerFailureThreshold < 1 {
		log.Warn().Int("threshold", c.BreakerFailureThreshold).Msg("invalid breaker failure threshold, using 3")
		c.BreakerFailureThreshold = 3
	}
	if c.BreakerSuccessThreshold < 1 {
		log.Warn().Int("threshold", c.BreakerSuccessThreshold).Msg("invalid breaker success threshold, using 2")
		c.BreakerSuccessThreshold = 2
	}
	if c.RetryMultiplier < 1.0 {
		log.Warn().Float64("multiplier", c.RetryMultiplier).Msg("invalid retry multiplier, using 2.0")
		c.RetryMultiplier = 2.0
	}

	if c.DefaultRatePerSecond <= 0 {
		log.Warn().Float64("rate", c.DefaultRatePerSecond).Msg("invalid default rate, using 1.0/s")
		c.DefaultRatePerSecond = 1.0
	}
	if c.DefaultRateBurst < 1 {
		log.Warn().Int("burst", c.DefaultRateBurst).Msg("invalid default burst, using 3")
		c.DefaultRateBurst = 3
	}

	validLogLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	if c.BrowserPath != "" && strings.Contains(c.BrowserPath, "..") {
		log.Error().Str("path", c.BrowserPath).Msg("browser path contains path traversal sequence, ignoring")
		c.BrowserPath = ""
	}
	if c.HintsPath != "" && strings.Contains(c.HintsPath, "..") {
		log.Error().Str("path", c.HintsPath).Msg("hints path contains path traversal sequence, ignoring")
		c.HintsPath = ""
		c.HintsHotReload = false
	}
	if c.HintsHotReload && c.HintsPath == "" {
		log.Warn().Msg("hints hot-reload enabled but no path set, disabling")
		c.HintsHotReload = false
	}

	// Local proxies (127.0.0.1, private LAN ranges) are a normal operator
	// setup, so private IPs are allowed here; cloud metadata endpoints never
	// are, regardless.
	if c.ProxyURL != "" {
		if err := security.ValidateProxyURL(c.ProxyURL, true); err != nil {
			log.Error().Err(err).Str("proxy", security.RedactProxyURL(c.ProxyURL)).Msg("invalid proxy URL, disabling proxy")
			c.ProxyURL = ""
		}
	}

	if c.DegradationHeadlessLimit <= 0 || c.DegradationHeadlessLimit >= 1 {
		log.Warn().Float64("limit", c.DegradationHeadlessLimit).Msg("invalid degradation headless limit, using 0.5")
		c.DegradationHeadlessLimit = 0.5
	}
	if c.DegradationWasmLimit <= c.DegradationHeadlessLimit || c.DegradationWasmLimit > 1 {
		log.Warn().Float64("limit", c.DegradationWasmLimit).Msg("invalid degradation wasm limit, using 0.8")
		c.DegradationWasmLimit = 0.8
	}

	if c.Port <= 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("invalid port, using 8191")
		c.Port = 8191
	}
	if c.RateLimitRPM <= 0 || c.RateLimitRPM > maxRateLimitRPM {
		log.Warn().Int("rpm", c.RateLimitRPM).Msg("invalid rate limit rpm, using 60")
		c.RateLimitRPM = 60
	}
	if c.APIKeyEnabled && c.APIKey == "" {
		log.Error().Msg("API key auth enabled but no key configured, disabling")
		c.APIKeyEnabled = false
	}
	if c.PProfEnabled && (c.PProfPort <= 0 || c.PProfPort > 65535) {
		log.Warn().Int("port", c.PProfPort).Msg("invalid pprof port, using 6060")
		c.PProfPort = 6060
	}
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().Str("key", key).Str("value", value).Err(err).Int("default", defaultValue).Msg("invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		floatValue, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return floatValue
		}
		log.Warn().Str("key", key).Str("value", value).Err(err).Float64("default", defaultValue).Msg("invalid float in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().Str("key", key).Str("value", value).Err(err).Bool("default", defaultValue).Msg("invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil && duration > 0 {
			return duration
		}
		log.Warn().Str("key", key).Str("value", value).Dur("default", defaultValue).Msg("invalid duration in environment variable, using default")
	}
	return defaultValue
}
