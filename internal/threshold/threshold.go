// Package threshold notifies progress milestones (50%, 80%) exactly once per
// group. De-duplication relies on the (group_id, milestone) unique index,
// not on control-flow ordering, so a group that jumps past two milestones in
// one commitment still triggers both in the same pass.
package threshold

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/groupcart/groupcart-api/internal/clock"
	"github.com/groupcart/groupcart-api/internal/errs"
	"github.com/groupcart/groupcart-api/internal/notify"
	"github.com/groupcart/groupcart-api/internal/types"
	"github.com/groupcart/groupcart-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// DefaultMilestones in descending order of magnitude.
var DefaultMilestones = []int{80, 50}

// ScanStats summarizes one threshold scan.
type ScanStats struct {
	GroupsScanned int `json:"groups_scanned"`
	Notified      int `json:"notified"`
}

type Detector struct {
	db         *gorm.DB
	sink       notify.Sink
	clk        clock.Clock
	milestones []int
	interval   time.Duration
}

func NewDetector(gormDB *gorm.DB, sink notify.Sink, clk clock.Clock, milestones []int, interval time.Duration) *Detector {
	if len(milestones) == 0 {
		milestones = DefaultMilestones
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Detector{
		db:         gormDB,
		sink:       sink,
		clk:        clk,
		milestones: milestones,
		interval:   interval,
	}
}

// Start begins the threshold scanning loop
func (d *Detector) Start(ctx context.Context) {
	logger := log.With().Str("component", "threshold_detector").Logger()
	logger.Info().Dur("interval", d.interval).Msg("starting threshold detector")

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down threshold detector")
			return
		case <-ticker.C:
			if _, err := d.RunOnce(); err != nil {
				logger.Error().Err(err).Msg("threshold scan failed")
			}
		}
	}
}

// RunOnce checks every open, non-expired group against every configured
// milestone. Each milestone is evaluated independently; the unique index
// makes repeat notifications impossible even when the counter oscillates
// around a threshold.
func (d *Detector) RunOnce() (*ScanStats, error) {
	logger := log.With().Str("component", "threshold_detector").Logger()
	now := d.clk.Now()

	var groups []types.BuyingGroup
	if err := d.db.
		Where("status = ? AND expires_at > ?", types.GroupStatusOpen, now).
		Find(&groups).Error; err != nil {
		return nil, errs.Transient(err, "failed to list open groups for threshold scan")
	}

	stats := &ScanStats{GroupsScanned: len(groups)}
	for _, group := range groups {
		progress := group.ProgressPercent()
		for _, milestone := range d.milestones {
			if progress < float64(milestone) {
				continue
			}

			record := &types.ThresholdRecord{
				GroupID:    group.GroupID,
				Milestone:  milestone,
				NotifiedAt: now,
			}
			if err := d.db.Create(record).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					// Milestone already notified for this group.
					continue
				}
				logger.Error().
					Err(err).
					Str("group_id", group.GroupID).
					Int("milestone", milestone).
					Msg("failed to record threshold, continuing scan")
				continue
			}

			logger.Info().
				Str("group_id", group.GroupID).
				Int("milestone", milestone).
				Float64("progress", progress).
				Msg("milestone reached")

			d.sink.Publish(group.GroupID, notify.ThresholdEvent{
				Milestone:       milestone,
				ProgressPercent: progress,
			})
			stats.Notified++
		}
	}

	return stats, nil
}

// GinHandlers contains HTTP handlers for threshold endpoints
type GinHandlers struct {
	detector *Detector
}

func NewGinHandlers(detector *Detector) *GinHandlers {
	return &GinHandlers{
		detector: detector,
	}
}

// RunThresholdScanHandler handles POST requests to run a threshold scan
// Requires internal authentication
func (h *GinHandlers) RunThresholdScanHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := h.detector.RunOnce()
		response.Handle(c, stats, err)
	}
}
