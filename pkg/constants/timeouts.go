package constants

import "time"

// Help request lifecycle defaults
const (
	// DefaultRequestTimeoutSeconds - A pending help request expires one hour after creation
	DefaultRequestTimeoutSeconds = 60 * 60

	// DefaultSweepIntervalMS - How often the sweeper expires overdue pending requests
	DefaultSweepIntervalMS = 60 * 1000

	// DefaultLeaderElectionTTLSeconds - Default leader election TTL in seconds
	DefaultLeaderElectionTTLSeconds = 10

	// DefaultLeaderElectionIntervalSeconds - Default leader election check interval
	DefaultLeaderElectionIntervalSeconds = 5

	// DefaultListLimit - Cap applied to "recent" listings of requests and knowledge entries
	DefaultListLimit = 100
)

// Knowledge matching thresholds
const (
	// MinSignificantTokenLength - tokens must be longer than this many runes to count
	MinSignificantTokenLength = 3

	// MinKeywordScore - keyword overlap needed to accept a multi-token query
	MinKeywordScore = 2

	// MinSingleTokenScore - keyword overlap needed when the query has one significant token
	MinSingleTokenScore = 1
)

// Session defaults used when the agent runtime has not identified the caller yet
const (
	UnknownRoomName            = "unknown-room"
	UnknownParticipantIdentity = "unknown"
)

// Store backends
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Redis key prefixes and names
const (
	HelpRequestKeyPrefix     = "help_request:"
	HelpRequestsByCreatedKey = "help_requests:created"
	PendingHelpRequestsKey   = "help_requests:pending"
	KnowledgeKeyPrefix       = "knowledge:"
	KnowledgeByUsageKey      = "knowledge:usage"
	LeaderElectionKey        = "escalation:sweeper:leader"
)

// Notification stream
const (
	// DefaultNotifyStreamMaxLen - Approximate cap on entries kept in the notification stream
	DefaultNotifyStreamMaxLen = 10000
)

// Configuration environment variable names
const (
	EnvPort              = "PORT"
	EnvLogLevel          = "LOG_LEVEL"
	EnvPodID             = "POD_ID"
	EnvStoreBackend      = "STORE_BACKEND"
	EnvRedisURL          = "REDIS_URL"
	EnvDatabaseURL       = "DATABASE_URL"
	EnvSQLiteDir         = "SQLITE_DIR"
	EnvRequestTimeout    = "REQUEST_TIMEOUT_SECONDS"
	EnvSweepInterval     = "SWEEP_INTERVAL_MS"
	EnvLeaderElection    = "LEADER_ELECTION"
	EnvLeaderElectionTTL = "LEADER_ELECTION_TTL"
	EnvListLimit         = "LIST_LIMIT"
	EnvKnowledgeSeedFile = "KNOWLEDGE_SEED_FILE"
	EnvRateLimitRPS      = "RATE_LIMIT_RPS"
	EnvRateLimitBurst    = "RATE_LIMIT_BURST"
	EnvNotifyStream      = "NOTIFY_STREAM"
)

// Helper functions for time conversions
func SecondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

func MillisecondsToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
