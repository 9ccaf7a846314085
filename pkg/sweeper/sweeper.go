// Package sweeper runs the help request timeout sweep on a timer. Only the elected
// replica sweeps when leader election is on.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TimeoutSweeper expires overdue pending help requests; lifecycle.Manager implements it.
type TimeoutSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type Sweeper struct {
	target   TimeoutSweeper
	elector  Elector
	interval time.Duration
	logger   *logrus.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(target TimeoutSweeper, elector Elector, interval time.Duration, logger *logrus.Logger) *Sweeper {
	return &Sweeper{
		target:   target,
		elector:  elector,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.elector.Start(ctx)

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.WithField("interval", s.interval).Info("Started timeout sweeper")
}

func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.elector.Stop()
	})
}

func (s *Sweeper) IsLeader(ctx context.Context) bool {
	return s.elector.IsLeader(ctx)
}

// RunOnce sweeps if this replica is the leader. ran is false when it is not.
func (s *Sweeper) RunOnce(ctx context.Context) (expired int, ran bool, err error) {
	if !s.elector.IsLeader(ctx) {
		return 0, false, nil
	}
	expired, err = s.target.Sweep(ctx)
	return expired, true, err
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, _, err := s.RunOnce(ctx); err != nil {
				s.logger.WithError(err).Error("Timeout sweep failed")
			}
		}
	}
}
