package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"supervisor-escalation/pkg/constants"
)

type Config struct {
	Port                  string
	LogLevel              string
	PodID                 string
	StoreBackend          string
	RedisURL              string
	DatabaseURL           string
	SQLiteDir             string
	RequestTimeoutSeconds int
	SweepIntervalMS       int64
	LeaderElection        bool
	LeaderElectionTTL     int
	ListLimit             int
	KnowledgeSeedFile     string
	RateLimitRPS          float64
	RateLimitBurst        int
	NotifyStream          string
}

func Load() *Config {
	backend := getEnv(constants.EnvStoreBackend, constants.BackendRedis)

	config := &Config{
		Port:                  getEnv(constants.EnvPort, "8080"),
		LogLevel:              getEnv(constants.EnvLogLevel, "info"),
		PodID:                 getEnv(constants.EnvPodID, generatePodID()),
		StoreBackend:          backend,
		RedisURL:              getEnv(constants.EnvRedisURL, "redis://localhost:6379"),
		DatabaseURL:           getEnv(constants.EnvDatabaseURL, "postgres://localhost:5432/escalation?sslmode=disable"),
		SQLiteDir:             getEnv(constants.EnvSQLiteDir, "./data"),
		RequestTimeoutSeconds: getEnvInt(constants.EnvRequestTimeout, constants.DefaultRequestTimeoutSeconds),
		SweepIntervalMS:       getEnvInt64(constants.EnvSweepInterval, constants.DefaultSweepIntervalMS),
		LeaderElection:        getEnvBool(constants.EnvLeaderElection, backend == constants.BackendRedis),
		LeaderElectionTTL:     getEnvInt(constants.EnvLeaderElectionTTL, constants.DefaultLeaderElectionTTLSeconds),
		ListLimit:             getEnvInt(constants.EnvListLimit, constants.DefaultListLimit),
		KnowledgeSeedFile:     getEnv(constants.EnvKnowledgeSeedFile, ""),
		RateLimitRPS:          getEnvFloat(constants.EnvRateLimitRPS, 50),
		RateLimitBurst:        getEnvInt(constants.EnvRateLimitBurst, 100),
		NotifyStream:          getEnv(constants.EnvNotifyStream, ""),
	}

	return config
}

// Validate reports configuration that would make the service misbehave at runtime.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case constants.BackendRedis, constants.BackendPostgres, constants.BackendSQLite:
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if c.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("%s must be positive, got %d", constants.EnvRequestTimeout, c.RequestTimeoutSeconds)
	}
	if c.SweepIntervalMS <= 0 {
		return fmt.Errorf("%s must be positive, got %d", constants.EnvSweepInterval, c.SweepIntervalMS)
	}
	if c.ListLimit <= 0 {
		return fmt.Errorf("%s must be positive, got %d", constants.EnvListLimit, c.ListLimit)
	}
	return nil
}

func (c *Config) RequestTimeout() time.Duration {
	return constants.SecondsToDuration(c.RequestTimeoutSeconds)
}

func (c *Config) SweepInterval() time.Duration {
	return constants.MillisecondsToDuration(c.SweepIntervalMS)
}

func (c *Config) LeaderElectionTTLDuration() time.Duration {
	return constants.SecondsToDuration(c.LeaderElectionTTL)
}

// EffectiveListLimit clamps a caller-supplied limit to (0, ListLimit].
func (c *Config) EffectiveListLimit(limit int) int {
	max := c.ListLimit
	if max <= 0 {
		max = constants.DefaultListLimit
	}
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func generatePodID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return uuid.New().String()
	}
	return hostname + "-" + uuid.New().String()[:8]
}
