package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "agentdeck.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error. AGENTDECK_CONFIG
// overrides the file path.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if p := os.Getenv("AGENTDECK_CONFIG"); p != "" {
		path = p
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied config path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "AGENTDECK_PORT")
	setString(&cfg.Server.CORSOrigin, "AGENTDECK_CORS_ORIGIN")
	setDuration(&cfg.Server.ReadTimeout, "AGENTDECK_READ_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "AGENTDECK_SHUTDOWN_TIMEOUT")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "AGENTDECK_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "AGENTDECK_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "AGENTDECK_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "AGENTDECK_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "AGENTDECK_PG_HEALTH_CHECK")

	// Redis: "memory" selects the in-process store.
	setString(&cfg.Redis.URL, "REDIS_URL")
	if cfg.Redis.URL == "memory" {
		cfg.Redis.URL = ""
	}
	setDuration(&cfg.Redis.DialTimeout, "AGENTDECK_REDIS_DIAL_TIMEOUT")
	setDuration(&cfg.Redis.ReadTimeout, "AGENTDECK_REDIS_READ_TIMEOUT")
	setDuration(&cfg.Redis.WriteTimeout, "AGENTDECK_REDIS_WRITE_TIMEOUT")
	setInt(&cfg.Redis.PoolSize, "AGENTDECK_REDIS_POOL_SIZE")

	setString(&cfg.NATS.URL, "NATS_URL")
	if cfg.NATS.URL == "none" {
		cfg.NATS.URL = ""
	}

	setString(&cfg.LLM.BaseURL, "LITELLM_URL")
	setString(&cfg.LLM.BaseURL, "AGENTDECK_LLM_BASE_URL")
	setString(&cfg.LLM.APIKey, "LITELLM_MASTER_KEY")
	setString(&cfg.LLM.APIKey, "AGENTDECK_LLM_API_KEY")
	setDuration(&cfg.LLM.RequestTimeout, "AGENTDECK_LLM_TIMEOUT")

	setString(&cfg.Logging.Level, "AGENTDECK_LOG_LEVEL")
	setString(&cfg.Logging.Service, "AGENTDECK_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "AGENTDECK_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "AGENTDECK_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "AGENTDECK_BREAKER_TIMEOUT")

	// Lockout
	setInt(&cfg.Lockout.MaxAttempts, "AGENTDECK_LOCKOUT_MAX_ATTEMPTS")
	setDuration(&cfg.Lockout.Window, "AGENTDECK_LOCKOUT_WINDOW")
	setDuration(&cfg.Lockout.Duration, "AGENTDECK_LOCKOUT_DURATION")

	// Rate limits
	setBool(&cfg.RateLimit.Enabled, "AGENTDECK_RATE_ENABLED")
	setInt(&cfg.RateLimit.Auth.Limit, "AGENTDECK_RATE_AUTH_LIMIT")
	setDuration(&cfg.RateLimit.Auth.Window, "AGENTDECK_RATE_AUTH_WINDOW")
	setInt(&cfg.RateLimit.Execution.Limit, "AGENTDECK_RATE_EXECUTION_LIMIT")
	setDuration(&cfg.RateLimit.Execution.Window, "AGENTDECK_RATE_EXECUTION_WINDOW")
	setInt(&cfg.RateLimit.API.Limit, "AGENTDECK_RATE_API_LIMIT")
	setDuration(&cfg.RateLimit.API.Window, "AGENTDECK_RATE_API_WINDOW")

	// Auth
	setString(&cfg.Auth.JWTSecret, "AGENTDECK_JWT_SECRET")
	setString(&cfg.Auth.Issuer, "AGENTDECK_JWT_ISSUER")
	setDuration(&cfg.Auth.AccessTokenExpiry, "AGENTDECK_ACCESS_TOKEN_EXPIRY")
	setInt(&cfg.Auth.BcryptCost, "AGENTDECK_BCRYPT_COST")

	setDuration(&cfg.Runtime.ExecutionTimeout, "AGENTDECK_EXECUTION_TIMEOUT")
	setInt(&cfg.Runtime.MaxSteps, "AGENTDECK_MAX_STEPS")

	setDuration(&cfg.Gateway.AuthTimeout, "AGENTDECK_WS_AUTH_TIMEOUT")
	setDuration(&cfg.Gateway.WriteTimeout, "AGENTDECK_WS_WRITE_TIMEOUT")
	setInt64(&cfg.Gateway.MaxMessageBytes, "AGENTDECK_WS_MAX_MESSAGE_BYTES")

	setString(&cfg.Sandbox.BaseDir, "AGENTDECK_SANDBOX_DIR")
	setBool(&cfg.Sandbox.AllowAbsolute, "AGENTDECK_SANDBOX_ALLOW_ABSOLUTE")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "AGENTDECK_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "AGENTDECK_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "AGENTDECK_CACHE_L2_TTL")

	// Telemetry
	setBool(&cfg.Telemetry.Enabled, "AGENTDECK_OTEL_ENABLED")
	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.Telemetry.Insecure, "AGENTDECK_OTEL_INSECURE")
	setString(&cfg.Telemetry.ServiceName, "OTEL_SERVICE_NAME")
	setFloat64(&cfg.Telemetry.SampleRate, "AGENTDECK_OTEL_SAMPLE_RATE")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Lockout.MaxAttempts < 1 {
		return errors.New("lockout.max_attempts must be >= 1")
	}
	if cfg.Lockout.Window <= 0 || cfg.Lockout.Duration <= 0 {
		return errors.New("lockout.window and lockout.duration must be positive")
	}
	for name, rc := range map[string]RateClass{
		"auth":      cfg.RateLimit.Auth,
		"execution": cfg.RateLimit.Execution,
		"api":       cfg.RateLimit.API,
	} {
		if rc.Limit < 1 || rc.Window <= 0 {
			return fmt.Errorf("rate_limit.%s needs limit >= 1 and a positive window", name)
		}
	}
	if len(cfg.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 characters")
	}
	if cfg.Auth.AccessTokenExpiry <= 0 {
		return errors.New("auth.access_token_expiry must be positive")
	}
	if cfg.Auth.BcryptCost < 4 || cfg.Auth.BcryptCost > 31 {
		return errors.New("auth.bcrypt_cost must be between 4 and 31")
	}
	if cfg.Runtime.ExecutionTimeout < 0 {
		return errors.New("runtime.execution_timeout must not be negative")
	}
	if cfg.Runtime.MaxSteps < 1 {
		return errors.New("runtime.max_steps must be >= 1")
	}
	if cfg.Gateway.AuthTimeout <= 0 {
		return errors.New("gateway.auth_timeout must be positive")
	}
	if cfg.Sandbox.BaseDir == "" {
		return errors.New("sandbox.base_dir is required")
	}
	if cfg.Telemetry.SampleRate < 0 || cfg.Telemetry.SampleRate > 1 {
		return errors.New("telemetry.sample_rate must be between 0 and 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
