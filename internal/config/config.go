package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	RateLimit   RateLimitConfig
	Lockout     LockoutConfig
	Anomaly     AnomalyConfig
	Session     SessionConfig
	ThreatIntel ThreatIntelConfig
	StepUp      StepUpConfig
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	AllowedOrigins []string
	JWTSecret      string
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// RedisConfig enables the shared-cache window and baseline stores for
// multi-instance deployments. Empty Addr selects the in-memory stores.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// EndpointLimit is the rate limit for one endpoint class.
type EndpointLimit struct {
	MaxRequests   int
	WindowSeconds time.Duration
}

type RateLimitConfig struct {
	Auth    EndpointLimit
	API     EndpointLimit
	Default EndpointLimit
	// EdgeRequestsPerMinute is the per-IP httprate limit applied ahead of
	// the core limiter on public endpoints.
	EdgeRequestsPerMinute int `validate:"gt=0"`
}

type LockoutConfig struct {
	MaxAttempts       int           `validate:"gt=0"`
	ObservationWindow time.Duration `validate:"gt=0"`
	LockoutDuration   time.Duration `validate:"gt=0"`
}

type AnomalyConfig struct {
	NewLocationWeight  float64 `validate:"gte=0,lte=1"`
	NewDeviceWeight    float64 `validate:"gte=0,lte=1"`
	OffHoursWeight     float64 `validate:"gte=0,lte=1"`
	HighVelocityWeight float64 `validate:"gte=0,lte=1"`
	DeviationWeight    float64 `validate:"gte=0,lte=1"`

	VelocityMultiplier    float64 `validate:"gt=0"`
	OffHoursTolerance     int     `validate:"gte=0,lte=12"`
	AnomalousThreshold    float64 `validate:"gt=0,lte=1"`
	DeviationThreshold    float64 `validate:"gt=0,lte=1"`
	AnomalousLearningRate float64 `validate:"gt=0,lte=1"`
	MaxSmoothingSamples   int     `validate:"gt=0"`
	MaxTrackedValues      int     `validate:"gt=0"`
}

type SessionConfig struct {
	TTL             time.Duration `validate:"gt=0"`
	CleanupInterval time.Duration `validate:"gt=0"`
	// StepUpGrace is how long a verified step-up challenge keeps satisfying
	// challenge decisions for the session.
	StepUpGrace time.Duration `validate:"gt=0"`
}

type ThreatIntelConfig struct {
	FeedURL         string
	EntryTTL        time.Duration `validate:"gt=0"`
	RefreshInterval time.Duration `validate:"gt=0"`
	// FailClosed blocks previously blacklisted IPs when the feed is stale
	// instead of degrading to allow-with-log.
	FailClosed bool
}

type StepUpConfig struct {
	Issuer string
	// EncryptionKey is 32 bytes, hex encoded in the environment, for
	// AES-256-GCM encryption of TOTP secrets at rest.
	EncryptionKey []byte
}

var validate = validator.New()

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")

	if err := validateJWTSecret(jwtSecret, env); err != nil {
		return nil, err
	}

	stepUpKey, err := parseStepUpKey(getEnv("STEPUP_ENCRYPTION_KEY", ""))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			AllowedOrigins: parseAllowedOrigins(env),
			JWTSecret:      jwtSecret,
		},
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "palisade"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			Auth: EndpointLimit{
				MaxRequests:   getEnvAsInt("RATE_LIMIT_AUTH_MAX", 10),
				WindowSeconds: getEnvAsDuration("RATE_LIMIT_AUTH_WINDOW", 1*time.Minute),
			},
			API: EndpointLimit{
				MaxRequests:   getEnvAsInt("RATE_LIMIT_API_MAX", 120),
				WindowSeconds: getEnvAsDuration("RATE_LIMIT_API_WINDOW", 1*time.Minute),
			},
			Default: EndpointLimit{
				MaxRequests:   getEnvAsInt("RATE_LIMIT_DEFAULT_MAX", 60),
				WindowSeconds: getEnvAsDuration("RATE_LIMIT_DEFAULT_WINDOW", 1*time.Minute),
			},
			EdgeRequestsPerMinute: getEnvAsInt("RATE_LIMIT_EDGE_PER_MINUTE", 30),
		},
		Lockout: LockoutConfig{
			MaxAttempts:       getEnvAsInt("LOCKOUT_MAX_ATTEMPTS", 5),
			ObservationWindow: getEnvAsDuration("LOCKOUT_OBSERVATION_WINDOW", 15*time.Minute),
			LockoutDuration:   getEnvAsDuration("LOCKOUT_DURATION", 15*time.Minute),
		},
		Anomaly: AnomalyConfig{
			NewLocationWeight:     getEnvAsFloat("ANOMALY_WEIGHT_NEW_LOCATION", 0.3),
			NewDeviceWeight:       getEnvAsFloat("ANOMALY_WEIGHT_NEW_DEVICE", 0.25),
			OffHoursWeight:        getEnvAsFloat("ANOMALY_WEIGHT_OFF_HOURS", 0.15),
			HighVelocityWeight:    getEnvAsFloat("ANOMALY_WEIGHT_HIGH_VELOCITY", 0.3),
			DeviationWeight:       getEnvAsFloat("ANOMALY_WEIGHT_DEVIATION", 0.2),
			VelocityMultiplier:    getEnvAsFloat("ANOMALY_VELOCITY_MULTIPLIER", 3.0),
			OffHoursTolerance:     getEnvAsInt("ANOMALY_OFF_HOURS_TOLERANCE", 1),
			AnomalousThreshold:    getEnvAsFloat("ANOMALY_THRESHOLD", 0.5),
			DeviationThreshold:    getEnvAsFloat("ANOMALY_DEVIATION_THRESHOLD", 0.5),
			AnomalousLearningRate: getEnvAsFloat("ANOMALY_LEARNING_RATE", 0.1),
			MaxSmoothingSamples:   getEnvAsInt("ANOMALY_MAX_SMOOTHING_SAMPLES", 100),
			MaxTrackedValues:      getEnvAsInt("ANOMALY_MAX_TRACKED_VALUES", 12),
		},
		Session: SessionConfig{
			TTL:             getEnvAsDuration("SESSION_TTL", 24*time.Hour),
			CleanupInterval: getEnvAsDuration("SESSION_CLEANUP_INTERVAL", 10*time.Minute),
			StepUpGrace:     getEnvAsDuration("SESSION_STEPUP_GRACE", 15*time.Minute),
		},
		ThreatIntel: ThreatIntelConfig{
			FeedURL:         getEnv("THREAT_FEED_URL", ""),
			EntryTTL:        getEnvAsDuration("THREAT_ENTRY_TTL", 30*time.Minute),
			RefreshInterval: getEnvAsDuration("THREAT_REFRESH_INTERVAL", 5*time.Minute),
			FailClosed:      getEnvAsBool("THREAT_FAIL_CLOSED", true),
		},
		StepUp: StepUpConfig{
			Issuer:        getEnv("STEPUP_ISSUER", "palisade"),
			EncryptionKey: stepUpKey,
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := validateEndpointLimits(&cfg.RateLimit); err != nil {
		return nil, err
	}

	if err := validateWeights(&cfg.Anomaly); err != nil {
		return nil, err
	}

	return cfg, nil
}

func validateEndpointLimits(rl *RateLimitConfig) error {
	for name, limit := range map[string]EndpointLimit{
		"auth": rl.Auth, "api": rl.API, "default": rl.Default,
	} {
		if limit.MaxRequests <= 0 {
			return fmt.Errorf("rate limit for %s endpoints must be positive, got %d", name, limit.MaxRequests)
		}
		if limit.WindowSeconds <= 0 {
			return fmt.Errorf("rate limit window for %s endpoints must be positive, got %s", name, limit.WindowSeconds)
		}
	}
	return nil
}

// validateWeights rejects weight sets that could never flag any event.
func validateWeights(a *AnomalyConfig) error {
	total := a.NewLocationWeight + a.NewDeviceWeight + a.OffHoursWeight + a.HighVelocityWeight
	if total < a.AnomalousThreshold {
		return fmt.Errorf("anomaly weights sum to %.2f, below the anomalous threshold %.2f", total, a.AnomalousThreshold)
	}
	return nil
}

// validateJWTSecret enforces minimum security standards for the JWT secret
func validateJWTSecret(secret, env string) error {
	minLength := 16
	if env == "production" {
		minLength = 32
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

// parseStepUpKey decodes the TOTP secret encryption key. An unset key is a
// configuration error: startup is the only sane place to catch it.
func parseStepUpKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, fmt.Errorf("STEPUP_ENCRYPTION_KEY is required (32 bytes, hex encoded)")
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("STEPUP_ENCRYPTION_KEY must be hex encoded: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("STEPUP_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func parseAllowedOrigins(env string) []string {
	if env == "production" {
		originsStr := getEnv("ALLOWED_ORIGINS", "")
		if originsStr == "" {
			return []string{}
		}
		origins := strings.Split(originsStr, ",")
		for i, origin := range origins {
			origins[i] = strings.TrimSpace(origin)
		}
		return origins
	}

	// Development: allow localhost variants
	return []string{
		"http://localhost:3000",
		"http://localhost:8080",
		"http://127.0.0.1:3000",
		"http://127.0.0.1:8080",
	}
}
