package service

import (
	"context"
	"time"

	"courier/internal/constants"

	"github.com/sirupsen/logrus"
)

// Cleaner evicts aged records from the durable store.
type Cleaner interface {
	CleanupOldMessages(ctx context.Context, retentionDays int) error
	CleanupExpiredChallenges(ctx context.Context, maxAge time.Duration) error
}

// Scheduler runs periodic store maintenance: old message records and
// stale challenge registrations.
type Scheduler struct {
	store           Cleaner
	retentionDays   int
	challengeMaxAge time.Duration
	intervalHours   int
	logger          *logrus.Logger
	stopCh          chan struct{}
}

func NewScheduler(store Cleaner, retentionDays, intervalHours int, challengeMaxAge time.Duration, logger *logrus.Logger) *Scheduler {
	if intervalHours <= 0 {
		intervalHours = constants.DefaultCleanupIntervalHours
	}
	if retentionDays <= 0 {
		retentionDays = constants.DefaultRetentionDays
	}
	if challengeMaxAge <= 0 {
		challengeMaxAge = constants.DefaultChallengeMaxAgeHours * time.Hour
	}
	return &Scheduler{
		store:           store,
		retentionDays:   retentionDays,
		challengeMaxAge: challengeMaxAge,
		intervalHours:   intervalHours,
		logger:          logger,
		stopCh:          make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.intervalHours) * time.Hour)
	defer ticker.Stop()

	s.logger.Info("Starting cleanup scheduler")

	s.runCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler context cancelled, stopping")
			return
		case <-s.stopCh:
			s.logger.Info("Scheduler stop signal received, stopping")
			return
		case <-ticker.C:
			s.runCleanup(ctx)
		}
	}
}

func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	s.logger.WithField("retentionDays", s.retentionDays).Info("Running scheduled cleanup")

	if err := s.store.CleanupOldMessages(ctx, s.retentionDays); err != nil {
		s.logger.WithError(err).Error("Failed to cleanup old message records")
	}
	if err := s.store.CleanupExpiredChallenges(ctx, s.challengeMaxAge); err != nil {
		s.logger.WithError(err).Error("Failed to cleanup expired challenge blocks")
	}
}
