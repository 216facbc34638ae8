package database

import (
	"fmt"

	"github.com/groupcart/groupcart-api/internal/database/migrations"
	"github.com/groupcart/groupcart-api/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase initializes and returns a new GORM DB connection.
// TranslateError is enabled so unique-index violations surface as
// gorm.ErrDuplicatedKey; the threshold detector and order materializer
// rely on that for race de-duplication.
func NewDatabase(path string) (*gorm.DB, error) {
	if path == "" {
		path = "groupcart.db"
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddCommitmentIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddThresholdRecords(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Auto-migrate other schemas
	err = db.AutoMigrate(
		&types.BuyingGroup{},
		&types.Order{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
