package sweeper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"supervisor-escalation/pkg/config"
	"supervisor-escalation/pkg/constants"
	"supervisor-escalation/pkg/metrics"
)

// Elector reports whether this replica should run the timeout sweep.
type Elector interface {
	Start(ctx context.Context)
	Stop()
	IsLeader(ctx context.Context) bool
}

// StaticElector is used when leader election is off. The sweep is idempotent, so every
// replica may run it.
type StaticElector struct {
	Leader bool
}

func (e StaticElector) Start(ctx context.Context) {}
func (e StaticElector) Stop() {}
func (e StaticElector) IsLeader(ctx context.Context) bool { return e.Leader }

var renewScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("EXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

var resignScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// RedisElector holds a TTL'd key in Redis naming the leader pod.
type RedisElector struct {
	rdb      *redis.Client
	config   *config.Config
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	key      string
	interval time.Duration
	isLeader atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewRedisElector(rdb *redis.Client, config *config.Config, logger *logrus.Logger, metrics *metrics.Metrics) *RedisElector {
	return &RedisElector{
		rdb:      rdb,
		config:   config,
		logger:   logger,
		metrics:  metrics,
		key:      constants.LeaderElectionKey,
		interval: constants.SecondsToDuration(constants.DefaultLeaderElectionIntervalSeconds),
		stopCh:   make(chan struct{}),
	}
}

func (le *RedisElector) Start(ctx context.Context) {
	le.logger.WithField("pod_id", le.config.PodID).Info("Starting sweeper leader election")

	// Try to become leader immediately
	le.tryBecomeLeader(ctx)

	le.wg.Add(1)
	go le.electionLoop(ctx)
}

func (le *RedisElector) Stop() {
	le.stopOnce.Do(func() {
		close(le.stopCh)
		le.wg.Wait()
		if le.isLeader.Load() {
			le.resignLeadership(context.Background())
		}
	})
}

// IsLeader checks the leader key in Redis and updates the local view to match.
func (le *RedisElector) IsLeader(ctx context.Context) bool {
	currentLeader, err := le.rdb.Get(ctx, le.key).Result()
	if err != nil {
		if err != redis.Nil {
			le.logger.WithError(err).Warn("Failed to read sweeper leader")
		}
		le.setLeader(false)
		return false
	}

	isActualLeader := currentLeader == le.config.PodID
	le.setLeader(isActualLeader)
	return isActualLeader
}

func (le *RedisElector) setLeader(leader bool) {
	if le.isLeader.Swap(leader) == leader {
		return
	}
	if leader {
		le.metrics.SweeperLeaderChanges.Inc()
		le.logger.WithField("pod_id", le.config.PodID).Info("Became sweeper leader")
	} else {
		le.logger.WithField("pod_id", le.config.PodID).Info("Lost sweeper leadership")
	}
}

func (le *RedisElector) electionLoop(ctx context.Context) {
	defer le.wg.Done()

	ticker := time.NewTicker(le.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-le.stopCh:
			return
		case <-ticker.C:
			le.tryBecomeLeader(ctx)
		}
	}
}

func (le *RedisElector) tryBecomeLeader(ctx context.Context) {
	start := time.Now()
	defer func() {
		le.metrics.LeaderElectionDuration.Observe(time.Since(start).Seconds())
	}()

	acquired, err := le.rdb.SetNX(ctx, le.key, le.config.PodID, le.config.LeaderElectionTTLDuration()).Result()
	if err != nil {
		le.logger.WithError(err).Error("Failed to attempt leader election")
		le.setLeader(false)
		return
	}
	if acquired {
		le.setLeader(true)
		return
	}

	// Key exists: extend it if it is ours.
	le.renewLeadership(ctx)
}

func (le *RedisElector) renewLeadership(ctx context.Context) {
	renewed, err := renewScript.Run(ctx, le.rdb, []string{le.key}, le.config.PodID, le.config.LeaderElectionTTL).Int64()
	if err != nil {
		le.logger.WithError(err).Error("Failed to renew leadership")
		le.setLeader(false)
		return
	}
	le.setLeader(renewed == 1)
}

func (le *RedisElector) resignLeadership(ctx context.Context) {
	if err := resignScript.Run(ctx, le.rdb, []string{le.key}, le.config.PodID).Err(); err != nil {
		le.logger.WithError(err).Error("Failed to resign leadership")
	} else {
		le.logger.Info("Resigned sweeper leadership")
	}
	le.isLeader.Store(false)
}
