package config

import "time"

// WorkerConfig holds runtime configuration for the worker pool process.
type WorkerConfig struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	APIBaseURL         string
	ServiceTokenSecret string
	ServiceTokenTTL    time.Duration
	DockerHost         string
	Registry           string
	RegistryUsername   string
	RegistryPassword   string
	Workdir            string
	Concurrency        int
	LeaseDuration      time.Duration
	HeartbeatInterval  time.Duration
	MaxStallRetries    int
	StallSweepInterval time.Duration
	DequeuePoll        time.Duration
	DrainGracePeriod   time.Duration
	GitTimeout         time.Duration
	BuildTimeout       time.Duration
	StoreRetryAttempts int
}

// LoadWorkerConfig constructs a WorkerConfig from environment variables.
//
// LeaseDuration, HeartbeatInterval and MaxStallRetries are deliberate
// tunables rather than inferred values; the defaults below are the
// documented starting points. HeartbeatInterval must stay strictly
// shorter than LeaseDuration or workers lose their claims mid-build.
func LoadWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("WORKER_ADDR", ":5000"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://cloudexpress:cloudexpress@db:5432/cloudexpress?sslmode=disable"),
		APIBaseURL:         GetString("API_BASE_URL", "http://api:4000"),
		ServiceTokenSecret: GetString("SERVICE_TOKEN_SECRET", "supersecuresecret"),
		ServiceTokenTTL:    GetSeconds("SERVICE_TOKEN_TTL_SECONDS", 86400),
		DockerHost:         GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		Registry:           GetString("DOCKER_REGISTRY", "registry.cloudexpress.local"),
		RegistryUsername:   GetString("DOCKER_REGISTRY_USERNAME", ""),
		RegistryPassword:   GetString("DOCKER_REGISTRY_PASSWORD", ""),
		Workdir:            GetString("WORKER_WORKDIR", "/tmp/cloudexpress"),
		Concurrency:        GetInt("WORKER_CONCURRENCY", 4),
		LeaseDuration:      GetSeconds("LEASE_DURATION_SECONDS", 60),
		HeartbeatInterval:  GetSeconds("HEARTBEAT_INTERVAL_SECONDS", 15),
		MaxStallRetries:    GetInt("MAX_STALL_RETRIES", 3),
		StallSweepInterval: GetSeconds("STALL_SWEEP_SECONDS", 10),
		DequeuePoll:        GetSeconds("DEQUEUE_POLL_SECONDS", 2),
		DrainGracePeriod:   GetSeconds("DRAIN_GRACE_SECONDS", 30),
		GitTimeout:         GetSeconds("GIT_TIMEOUT_SECONDS", 60),
		BuildTimeout:       GetSeconds("BUILD_TIMEOUT_SECONDS", 600),
		StoreRetryAttempts: GetInt("STORE_RETRY_ATTEMPTS", 4),
	}
}
