// Package sweeper closes sessions that have sat idle past their TTL.
package sweeper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mindhaven/backend/internal/store"
)

// Sweeper periodically closes idle sessions on a cron schedule.
type Sweeper struct {
	store   store.Store
	idleTTL time.Duration
	cron    *cron.Cron
	logger  *zap.Logger
}

// New schedules the sweep. schedule is a standard cron expression.
func New(st store.Store, idleTTL time.Duration, schedule string, logger *zap.Logger) (*Sweeper, error) {
	s := &Sweeper{
		store:   st,
		idleTTL: idleTTL,
		cron:    cron.New(),
		logger:  logger,
	}
	if _, err := s.cron.AddFunc(schedule, func() {
		s.RunOnce(context.Background())
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce closes sessions idle longer than the TTL. Safe to call
// directly; the cron schedule just calls it on a timer.
func (s *Sweeper) RunOnce(ctx context.Context) {
	closed, err := s.store.CloseIdleSessions(ctx, time.Now().UTC().Add(-s.idleTTL))
	if err != nil {
		s.logger.Error("idle session sweep failed", zap.Error(err))
		return
	}
	if closed > 0 {
		s.logger.Info("closed idle sessions", zap.Int64("count", closed))
	}
}
