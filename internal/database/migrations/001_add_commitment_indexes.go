package migrations

import (
	"github.com/groupcart/groupcart-api/internal/types"
	"gorm.io/gorm"
)

// AddCommitmentIndexes creates the commitments table and required indexes
func AddCommitmentIndexes(db *gorm.DB) error {
	// Create the commitments table
	if err := db.AutoMigrate(&types.Commitment{}); err != nil {
		return err
	}

	// Add indexes for better query performance
	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Partial unique index enforcing at most one non-cancelled
		// commitment per (group, buyer). Cancelled rows fall out of the
		// index, so a buyer can commit again after cancelling.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_commitments_active_buyer
		 ON commitments(group_id, buyer_id) WHERE status != 'CANCELLED'`,

		// Index for settlement's pending-commitment scans
		`CREATE INDEX IF NOT EXISTS idx_commitments_group_status
		 ON commitments(group_id, status)`,

		// Index for buyer history lookups
		`CREATE INDEX IF NOT EXISTS idx_commitments_buyer
		 ON commitments(buyer_id)`,
	}

	// Execute each index creation
	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
