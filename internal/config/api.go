package config

import "time"

// APIConfig holds runtime configuration for the API gateway service.
type APIConfig struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	ServiceTokenSecret string
	AuthServiceURL     string
	AuthTimeout        time.Duration
	OrchestratorURL    string
	OrchestratorToken  string
	OrchestratorWait   time.Duration
	RolloutTimeout     time.Duration
	HealthPollInterval time.Duration
	DefaultBranch      string
	DefaultDockerfile  string
	EventBuffer        int
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	StoreRetryAttempts int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":4000"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://cloudexpress:cloudexpress@db:5432/cloudexpress?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		ServiceTokenSecret: GetString("SERVICE_TOKEN_SECRET", "supersecuresecret"),
		AuthServiceURL:     GetString("AUTH_SERVICE_URL", "http://auth:6000"),
		AuthTimeout:        GetSeconds("AUTH_TIMEOUT_SECONDS", 5),
		OrchestratorURL:    GetString("ORCHESTRATOR_URL", "http://orchestrator:7000"),
		OrchestratorToken:  GetString("ORCHESTRATOR_TOKEN", ""),
		OrchestratorWait:   GetSeconds("ORCHESTRATOR_TIMEOUT_SECONDS", 10),
		RolloutTimeout:     GetSeconds("ROLLOUT_TIMEOUT_SECONDS", 300),
		HealthPollInterval: GetSeconds("HEALTH_POLL_SECONDS", 10),
		DefaultBranch:      GetString("DEFAULT_BRANCH", "main"),
		DefaultDockerfile:  GetString("DEFAULT_DOCKERFILE", "Dockerfile"),
		EventBuffer:        GetInt("WS_EVENT_BUFFER", 100),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		StoreRetryAttempts: GetInt("STORE_RETRY_ATTEMPTS", 4),
	}
}
