// Package service assembles the escalation service from its parts and runs it.
package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"supervisor-escalation/pkg/config"
	"supervisor-escalation/pkg/constants"
	"supervisor-escalation/pkg/escalation"
	"supervisor-escalation/pkg/handlers"
	"supervisor-escalation/pkg/knowledge"
	"supervisor-escalation/pkg/lifecycle"
	"supervisor-escalation/pkg/metrics"
	"supervisor-escalation/pkg/notify"
	redisClient "supervisor-escalation/pkg/redis"
	"supervisor-escalation/pkg/server"
	"supervisor-escalation/pkg/store"
	"supervisor-escalation/pkg/sweeper"
)

type Service struct {
	config      *config.Config
	logger      *logrus.Logger
	metrics     *metrics.Metrics
	store       store.Store
	knowledge   *knowledge.Service
	requests    *lifecycle.Manager
	coordinator *escalation.Coordinator
	sweeper     *sweeper.Sweeper
	ownedRDB    *redis.Client
	server      *http.Server
}

// New opens the configured store and wires every component on top of it.
func New(ctx context.Context, config *config.Config, logger *logrus.Logger, metrics *metrics.Metrics) (*Service, error) {
	s, err := store.Open(ctx, config, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", config.StoreBackend, err)
	}

	svc, err := NewWithStore(s, config, logger, metrics)
	if err != nil {
		s.Close()
		return nil, err
	}
	return svc, nil
}

// NewWithStore wires the service around an already opened store.
func NewWithStore(s store.Store, config *config.Config, logger *logrus.Logger, metrics *metrics.Metrics) (*Service, error) {
	svc := &Service{
		config:  config,
		logger:  logger,
		metrics: metrics,
		store:   s,
	}

	notifier, err := svc.newNotifier()
	if err != nil {
		return nil, err
	}
	elector, err := svc.newElector()
	if err != nil {
		svc.closeRedis()
		return nil, err
	}

	svc.knowledge = knowledge.NewService(s, logger, metrics)
	svc.requests = lifecycle.NewManager(s, config, logger, metrics, notifier)
	svc.coordinator = escalation.NewCoordinator(svc.knowledge, svc.requests, notifier, logger, metrics)
	svc.sweeper = sweeper.New(svc.requests, elector, config.SweepInterval(), logger)

	handler := handlers.NewHandler(svc.coordinator, svc.requests, svc.knowledge, s, config, logger, svc.sweeper.IsLeader)
	svc.server = server.NewHTTPServer(config, handler, logger)

	return svc, nil
}

// redisConn shares the store's Redis connection when there is one and dials REDIS_URL
// once otherwise.
func (s *Service) redisConn() (*redis.Client, error) {
	if rs, ok := s.store.(*store.RedisStore); ok {
		return rs.Client(), nil
	}
	if s.ownedRDB != nil {
		return s.ownedRDB, nil
	}

	redisConfig := redisClient.DefaultConnectionConfig()
	redisConfig.URL = s.config.RedisURL
	client, err := redisClient.NewClient(redisConfig, s.logger)
	if err != nil {
		return nil, err
	}
	s.ownedRDB = client.GetRedisClient()
	return s.ownedRDB, nil
}

func (s *Service) closeRedis() {
	if s.ownedRDB == nil {
		return
	}
	if err := s.ownedRDB.Close(); err != nil {
		s.logger.WithError(err).Warn("Failed to close Redis connection")
	}
	s.ownedRDB = nil
}

func (s *Service) newNotifier() (notify.Notifier, error) {
	logNotifier := notify.NewLogNotifier(s.logger)
	if s.config.NotifyStream == "" {
		return logNotifier, nil
	}

	rdb, err := s.redisConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis for the notification stream: %w", err)
	}
	s.logger.WithField("stream", s.config.NotifyStream).Info("Publishing notification events to Redis stream")
	return notify.Multi{
		logNotifier,
		notify.NewStreamNotifier(rdb, s.config.NotifyStream, constants.DefaultNotifyStreamMaxLen, s.logger, s.metrics),
	}, nil
}

func (s *Service) newElector() (sweeper.Elector, error) {
	if !s.config.LeaderElection {
		return sweeper.StaticElector{Leader: true}, nil
	}

	rdb, err := s.redisConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis for leader election: %w", err)
	}
	return sweeper.NewRedisElector(rdb, s.config, s.logger, s.metrics), nil
}

// Seed loads the knowledge seed file when one is configured.
func (s *Service) Seed(ctx context.Context) error {
	if s.config.KnowledgeSeedFile == "" {
		return nil
	}

	added, err := s.knowledge.Seed(ctx, s.config.KnowledgeSeedFile)
	if err != nil {
		return fmt.Errorf("failed to seed knowledge base: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"file":  s.config.KnowledgeSeedFile,
		"added": added,
	}).Info("Seeded knowledge base")
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	s.logger.WithField("store_backend", s.config.StoreBackend).Info("Starting supervisor escalation service")

	if err := s.Seed(ctx); err != nil {
		return err
	}

	// Start the timeout sweeper
	s.sweeper.Start(ctx)

	// Start HTTP server
	go func() {
		s.logger.WithField("port", s.config.Port).Info("Starting HTTP server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	s.logger.WithField("pod_id", s.config.PodID).Info("Supervisor escalation service started successfully")
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info("Stopping supervisor escalation service")

	var shutdownErr error
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Error("Failed to shutdown HTTP server gracefully")
			shutdownErr = err
		}
	}

	// Stops the election loop and resigns leadership
	s.sweeper.Stop()

	s.closeRedis()
	if err := s.store.Close(); err != nil {
		s.logger.WithError(err).Error("Failed to close store")
		if shutdownErr == nil {
			shutdownErr = err
		}
	}

	s.logger.Info("Supervisor escalation service stopped")
	return shutdownErr
}

func (s *Service) IsLeader(ctx context.Context) bool {
	return s.sweeper.IsLeader(ctx)
}

func (s *Service) Coordinator() *escalation.Coordinator {
	return s.coordinator
}

func (s *Service) Requests() *lifecycle.Manager {
	return s.requests
}

func (s *Service) Knowledge() *knowledge.Service {
	return s.knowledge
}
