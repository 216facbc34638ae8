package settlement

import (
	"context"
	"time"

	"github.com/groupcart/groupcart-api/internal/clock"
	"github.com/groupcart/groupcart-api/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Scanner periodically discovers groups requiring settlement and drives the
// coordinator for each. Because Settle is idempotent, overlapping or
// repeated scans produce no duplicate side effects.
type Scanner struct {
	db          *Database
	coordinator *Coordinator
	clk         clock.Clock
	interval    time.Duration
}

func NewScanner(gormDB *gorm.DB, coordinator *Coordinator, clk clock.Clock, interval time.Duration) *Scanner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scanner{
		db:          NewDatabase(gormDB),
		coordinator: coordinator,
		clk:         clk,
		interval:    interval,
	}
}

// Start begins the expiry scanning loop
func (s *Scanner) Start(ctx context.Context) {
	logger := log.With().Str("component", "expiry_scanner").Logger()
	logger.Info().Dur("interval", s.interval).Msg("starting expiry scanner")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down expiry scanner")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(); err != nil {
				logger.Error().Err(err).Msg("expiry scan failed")
			}
		}
	}
}

// RunOnce settles every group whose deadline has passed (plus ACTIVE groups
// left behind by an interrupted inline settlement) and tallies outcomes by
// resulting terminal status. A single group failing never aborts the batch.
func (s *Scanner) RunOnce() (*BatchStats, error) {
	logger := log.With().Str("component", "expiry_scanner").Logger()

	groups, err := s.db.FindSettleable(s.clk.Now())
	if err != nil {
		return nil, err
	}

	logger.Info().Int("due_count", len(groups)).Msg("processing groups due for settlement")

	stats := &BatchStats{}
	for _, group := range groups {
		outcome, err := s.coordinator.Settle(group.GroupID)
		if err != nil {
			logger.Error().
				Err(err).
				Str("group_id", group.GroupID).
				Msg("settlement failed, continuing batch")
			stats.Errors++
			continue
		}

		stats.TotalProcessed++
		switch outcome.FinalStatus {
		case types.GroupStatusCompleted:
			stats.Successful++
		case types.GroupStatusFailed:
			stats.Failed++
		}
	}

	logger.Info().
		Int("total_processed", stats.TotalProcessed).
		Int("successful", stats.Successful).
		Int("failed", stats.Failed).
		Int("errors", stats.Errors).
		Msg("expiry scan completed")

	return stats, nil
}
