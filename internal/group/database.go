package group

import (
	"errors"
	"time"

	"github.com/groupcart/groupcart-api/internal/errs"
	"github.com/groupcart/groupcart-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateGroup(group *types.BuyingGroup) error {
	if err := d.db.Create(group).Error; err != nil {
		return errs.Transient(err, "failed to create group")
	}
	return nil
}

func (d *Database) GetGroup(groupID string) (*types.BuyingGroup, error) {
	var group types.BuyingGroup
	if err := d.db.Where("group_id = ?", groupID).First(&group).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFound("group %s not found", groupID)
		}
		return nil, errs.Transient(err, "failed to fetch group %s", groupID)
	}
	return &group, nil
}

func (d *Database) ListOpen() ([]types.BuyingGroup, error) {
	var groups []types.BuyingGroup
	if err := d.db.Where("status = ?", types.GroupStatusOpen).
		Order("expires_at ASC").
		Find(&groups).Error; err != nil {
		return nil, errs.Transient(err, "failed to list open groups")
	}
	return groups, nil
}

// TransitionStatus performs a compare-and-swap on the group's status. It
// returns false when the group was not in any of the from statuses, which
// callers use to distinguish a lost race from success.
func (d *Database) TransitionStatus(groupID string, from []string, to string, now time.Time) (bool, error) {
	result := d.db.Model(&types.BuyingGroup{}).
		Where("group_id = ? AND status IN ?", groupID, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": now,
		})

	if result.Error != nil {
		return false, errs.Transient(result.Error, "failed to transition group %s to %s", groupID, to)
	}

	return result.RowsAffected > 0, nil
}

// ResetGroup reopens a group for demo repopulation: cancels every
// commitment, zeroes the counter, clears threshold markers and pushes the
// expiry out. Never called from any automatic path.
func (d *Database) ResetGroup(groupID string, expiresAt, now time.Time) error {
	err := d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&types.Commitment{}).
			Where("group_id = ? AND status != ?", groupID, types.CommitmentStatusCancelled).
			Updates(map[string]interface{}{
				"status":     types.CommitmentStatusCancelled,
				"updated_at": now,
			}).Error; err != nil {
			return err
		}

		if err := tx.Where("group_id = ?", groupID).
			Delete(&types.ThresholdRecord{}).Error; err != nil {
			return err
		}

		result := tx.Model(&types.BuyingGroup{}).
			Where("group_id = ?", groupID).
			Updates(map[string]interface{}{
				"status":           types.GroupStatusOpen,
				"current_quantity": 0,
				"expires_at":       expiresAt,
				"updated_at":       now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errs.NotFound("group %s not found", groupID)
	}
	if err != nil {
		return errs.Transient(err, "failed to reset group %s", groupID)
	}
	return nil
}
