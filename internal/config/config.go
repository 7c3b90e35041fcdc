package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"

	"thread-orchestrator/internal/errs"
)

// Queue drivers selectable through QUEUE_DRIVER.
const (
	QueueDriverPostgres = "postgres"
	QueueDriverMemory   = "memory"
)

// Config holds runtime configuration for the orchestrator control process.
type Config struct {
	Env       string
	HTTPPort  string
	LogLevel  string
	LogFormat string

	DatabaseURL  string
	DBHost       string
	DBPort       int
	DBName       string
	DBUser       string
	DBPassword   string
	DBSSLMode    string
	WorkerDBHost string

	QueueDriver         string
	InboundQueue        string
	QueueConcurrency    int
	QueuePollInterval   time.Duration
	QueueRetryLimit     int
	QueueRetryDelay     time.Duration
	QueueRetryBackoff   bool
	QueueExpireIn       time.Duration
	QueueRetention      time.Duration
	QueueDeleteAfter    time.Duration
	MaintenanceInterval time.Duration

	Namespace  string
	Kubeconfig string

	WorkerImageRepository string
	WorkerImageTag        string
	WorkerImagePullPolicy string
	WorkerCPURequest      string
	WorkerCPULimit        string
	WorkerMemoryRequest   string
	WorkerMemoryLimit     string
	WorkerWorkspaceSize   string
	WorkerServiceAccount  string
	WorkerSharedSecret    string
	WorkerAllowedTools    string
	WorkerDisallowedTools string

	IdleCleanupMinutes int
	MaxDeployments     int
	MaxDeploymentAge   time.Duration
	ReconcileInterval  time.Duration
	OrphanCleanup      bool

	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	DeployRateLimitCap    int
	DeployRateLimitRefill float64
	ThreadLinkBaseURL     string
}

// Load reads configuration from environment variables with sane defaults for local development.
func Load() Config {
	cfg := Config{
		Env:       getEnv("APP_ENV", "dev"),
		HTTPPort:  getEnv("HTTP_PORT", "8080"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		DBHost:      getEnv("DB_HOST", "localhost"),
		DBPort:      getEnvInt("DB_PORT", 5432),
		DBName:      getEnv("DB_NAME", "orchestrator"),
		DBUser:      getEnv("DB_USER", "postgres"),
		DBPassword:  getEnv("DB_PASSWORD", "postgres"),
		DBSSLMode:   getEnv("DB_SSLMODE", "disable"),

		QueueDriver:         getEnv("QUEUE_DRIVER", QueueDriverPostgres),
		InboundQueue:        getEnv("INBOUND_QUEUE", "messages"),
		QueueConcurrency:    getEnvInt("QUEUE_CONCURRENCY", 10),
		QueuePollInterval:   getEnvDuration("QUEUE_POLL_INTERVAL", time.Second),
		QueueRetryLimit:     getEnvInt("QUEUE_RETRY_LIMIT", 3),
		QueueRetryDelay:     getEnvDuration("QUEUE_RETRY_DELAY", 5*time.Second),
		QueueRetryBackoff:   getEnvBool("QUEUE_RETRY_BACKOFF", true),
		QueueExpireIn:       getEnvDuration("QUEUE_EXPIRE_IN", 15*time.Minute),
		QueueRetention:      getEnvDuration("QUEUE_RETENTION", 24*time.Hour),
		QueueDeleteAfter:    getEnvDuration("QUEUE_DELETE_AFTER", 7*24*time.Hour),
		MaintenanceInterval: getEnvDuration("QUEUE_MAINTENANCE_INTERVAL", time.Minute),

		Namespace:  getEnv("KUBERNETES_NAMESPACE", "default"),
		Kubeconfig: getEnv("KUBECONFIG", ""),

		WorkerImageRepository: getEnv("WORKER_IMAGE_REPOSITORY", "thread-worker"),
		WorkerImageTag:        getEnv("WORKER_IMAGE_TAG", "latest"),
		WorkerImagePullPolicy: getEnv("WORKER_IMAGE_PULL_POLICY", "IfNotPresent"),
		WorkerCPURequest:      getEnv("WORKER_CPU_REQUEST", "100m"),
		WorkerCPULimit:        getEnv("WORKER_CPU_LIMIT", "1000m"),
		WorkerMemoryRequest:   getEnv("WORKER_MEMORY_REQUEST", "256Mi"),
		WorkerMemoryLimit:     getEnv("WORKER_MEMORY_LIMIT", "2Gi"),
		WorkerWorkspaceSize:   getEnv("WORKER_WORKSPACE_SIZE", "10Gi"),
		WorkerServiceAccount:  getEnv("WORKER_SERVICE_ACCOUNT", ""),
		WorkerSharedSecret:    getEnv("WORKER_SHARED_SECRET", "worker-shared-credentials"),
		WorkerAllowedTools:    getEnv("WORKER_ALLOWED_TOOLS", ""),
		WorkerDisallowedTools: getEnv("WORKER_DISALLOWED_TOOLS", ""),

		IdleCleanupMinutes: getEnvInt("IDLE_CLEANUP_MINUTES", 60),
		MaxDeployments:     getEnvInt("MAX_DEPLOYMENTS", 20),
		MaxDeploymentAge:   getEnvDuration("MAX_DEPLOYMENT_AGE", 7*24*time.Hour),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		OrphanCleanup:      getEnvBool("ORPHAN_CLEANUP", true),

		RedisAddr:             getEnv("REDIS_ADDR", ""),
		RedisPassword:         getEnv("REDIS_PASSWORD", ""),
		RedisDB:               getEnvInt("REDIS_DB", 0),
		DeployRateLimitCap:    getEnvInt("DEPLOY_RATE_LIMIT_CAPACITY", 10),
		DeployRateLimitRefill: getEnvFloat("DEPLOY_RATE_LIMIT_REFILL_PER_SEC", 0.05),
		ThreadLinkBaseURL:     getEnv("THREAD_LINK_BASE_URL", "https://app.slack.com/client"),
	}
	cfg.WorkerDBHost = getEnv("WORKER_DB_HOST", cfg.DBHost)
	return cfg
}

// Validate rejects configurations the control process cannot start with.
func (c Config) Validate() error {
	var problems []string
	if c.PostgresDSN() == "" {
		problems = append(problems, "database connection is not configured")
	}
	if c.QueueDriver != QueueDriverPostgres && c.QueueDriver != QueueDriverMemory {
		problems = append(problems, fmt.Sprintf("unknown QUEUE_DRIVER %q", c.QueueDriver))
	}
	if c.InboundQueue == "" {
		problems = append(problems, "INBOUND_QUEUE must not be empty")
	}
	if c.MaxDeployments < 1 {
		problems = append(problems, "MAX_DEPLOYMENTS must be at least 1")
	}
	if c.IdleCleanupMinutes < 1 {
		problems = append(problems, "IDLE_CLEANUP_MINUTES must be at least 1")
	}
	if c.ReconcileInterval <= 0 {
		problems = append(problems, "RECONCILE_INTERVAL must be positive")
	}
	if c.QueueConcurrency < 1 {
		problems = append(problems, "QUEUE_CONCURRENCY must be at least 1")
	}
	if c.WorkerImageRepository == "" {
		problems = append(problems, "WORKER_IMAGE_REPOSITORY must not be empty")
	}
	for name, q := range map[string]string{
		"WORKER_CPU_REQUEST":    c.WorkerCPURequest,
		"WORKER_CPU_LIMIT":      c.WorkerCPULimit,
		"WORKER_MEMORY_REQUEST": c.WorkerMemoryRequest,
		"WORKER_MEMORY_LIMIT":   c.WorkerMemoryLimit,
		"WORKER_WORKSPACE_SIZE": c.WorkerWorkspaceSize,
	} {
		if _, err := resource.ParseQuantity(q); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return errs.New(errs.KindInvalidConfiguration, "config.Validate", strings.Join(problems, "; "))
}

// PostgresDSN returns DATABASE_URL when set, otherwise a URL assembled from the DB_* parts.
func (c Config) PostgresDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	if c.DBHost == "" || c.DBName == "" {
		return ""
	}
	return databaseURL(c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// TenantDatabaseURL builds the connection string handed to a worker pod for a
// tenant role. With DATABASE_URL set, only the credentials are swapped, plus
// the host when WORKER_DB_HOST names a different one.
func (c Config) TenantDatabaseURL(username, password string) string {
	if c.DatabaseURL != "" {
		if u, err := url.Parse(c.DatabaseURL); err == nil && u.Host != "" {
			u.User = url.UserPassword(username, password)
			if c.WorkerDBHost != "" && c.WorkerDBHost != c.DBHost {
				if port := u.Port(); port != "" {
					u.Host = c.WorkerDBHost + ":" + port
				} else {
					u.Host = c.WorkerDBHost
				}
			}
			return u.String()
		}
	}
	return databaseURL(username, password, c.WorkerDBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// WorkerImage returns the fully qualified worker image reference.
func (c Config) WorkerImage() string {
	if c.WorkerImageTag == "" {
		return c.WorkerImageRepository
	}
	return c.WorkerImageRepository + ":" + c.WorkerImageTag
}

// IdleThreshold is IdleCleanupMinutes as a duration.
func (c Config) IdleThreshold() time.Duration {
	return time.Duration(c.IdleCleanupMinutes) * time.Minute
}

func databaseURL(user, password, host string, port int, name, sslmode string) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, password),
		Host:   fmt.Sprintf("%s:%d", host, port),
		Path:   "/" + name,
	}
	if sslmode != "" {
		u.RawQuery = url.Values{"sslmode": []string{sslmode}}.Encode()
	}
	return u.String()
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
