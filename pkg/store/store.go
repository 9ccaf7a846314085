// Package store persists help requests and knowledge entries.
//
// Every backend expresses state transitions as conditional updates guarded by the
// current status, so racing transitions on the same request resolve inside the store:
// exactly one applies and the others change nothing.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"supervisor-escalation/pkg/config"
	"supervisor-escalation/pkg/constants"
	"supervisor-escalation/pkg/models"
	redisClient "supervisor-escalation/pkg/redis"
)

// HelpRequestStore holds help request records.
type HelpRequestStore interface {
	// CreateHelpRequest inserts req and returns the persisted record.
	CreateHelpRequest(ctx context.Context, req *models.HelpRequest) (*models.HelpRequest, error)

	// GetHelpRequest returns models.ErrNotFound for unknown ids.
	GetHelpRequest(ctx context.Context, id string) (*models.HelpRequest, error)

	// ListHelpRequests returns requests newest first.
	ListHelpRequests(ctx context.Context, filter models.HelpRequestFilter) ([]models.HelpRequest, error)

	// TransitionHelpRequest applies t only while the request is in t.From. When the
	// request exists but is no longer in t.From it returns the current record and
	// applied=false without error.
	TransitionHelpRequest(ctx context.Context, t models.Transition) (req *models.HelpRequest, applied bool, err error)

	// ExpireHelpRequests moves every pending request with timeout_at < now to
	// unresolved and returns the requests it changed.
	ExpireHelpRequests(ctx context.Context, now time.Time) ([]models.HelpRequest, error)
}

// KnowledgeStore holds knowledge base entries.
type KnowledgeStore interface {
	CreateKnowledgeEntry(ctx context.Context, entry *models.KnowledgeEntry) (*models.KnowledgeEntry, error)
	GetKnowledgeEntry(ctx context.Context, id string) (*models.KnowledgeEntry, error)

	// ListKnowledgeEntries returns entries by usage_count desc, then most recently
	// updated. limit <= 0 returns every entry.
	ListKnowledgeEntries(ctx context.Context, limit int) ([]models.KnowledgeEntry, error)

	// IncrementKnowledgeUsage atomically adds one to usage_count.
	IncrementKnowledgeUsage(ctx context.Context, id string) (*models.KnowledgeEntry, error)
}

type Store interface {
	HelpRequestStore
	KnowledgeStore
	Ping(ctx context.Context) error
	Close() error
}

// Open connects to the backend selected by cfg.StoreBackend.
func Open(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (Store, error) {
	switch cfg.StoreBackend {
	case constants.BackendRedis:
		redisConfig := redisClient.DefaultConnectionConfig()
		redisConfig.URL = cfg.RedisURL

		client, err := redisClient.NewClient(redisConfig, logger)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client.GetRedisClient()), nil

	case constants.BackendPostgres:
		s, err := OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info("Connected to PostgreSQL store")
		return s, nil

	case constants.BackendSQLite:
		s, err := OpenSQLite(cfg.SQLiteDir)
		if err != nil {
			return nil, err
		}
		logger.WithField("dir", cfg.SQLiteDir).Info("Opened SQLite store")
		return s, nil
	}

	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}
