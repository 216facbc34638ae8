package migrations

import (
	"github.com/groupcart/groupcart-api/internal/types"
	"gorm.io/gorm"
)

// AddThresholdRecords creates the threshold records table and required indexes
func AddThresholdRecords(db *gorm.DB) error {
	// Create the threshold records table. AutoMigrate also creates the
	// (group_id, milestone) unique index declared on the model, which is
	// the milestone de-duplication mechanism.
	if err := db.AutoMigrate(&types.ThresholdRecord{}); err != nil {
		return err
	}

	// Add indexes for better query performance
	indexes := []string{
		// Index for per-group milestone lookups during scans
		`CREATE INDEX IF NOT EXISTS idx_threshold_records_group
		 ON threshold_records(group_id)`,

		// Index for notified_at timestamp (useful for time-based queries)
		`CREATE INDEX IF NOT EXISTS idx_threshold_records_notified_at
		 ON threshold_records(notified_at)`,
	}

	// Execute each index creation
	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
