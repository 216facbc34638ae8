package settlement

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

func (d *Database) GetPendingCommitments(groupID string) ([]types.Commitment, error) {
	var commitments []types.Commitment
	if err := d.db.Where("group_id = ? AND status = ?", groupID, types.CommitmentStatusPending).
		Order("created_at ASC").
		Find(&commitments).Error; err != nil {
		return nil, errs.Transient(err, "failed to fetch pending commitments for group %s", groupID)
	}
	return commitments, nil
}

// ConfirmCommitment flips a commitment to CONFIRMED with its order linkage,
// conditional on it still being pending. RowsAffected 0 means another
// settler resolved it first.
func (d *Database) ConfirmCommitment(commitmentID, orderRef string, paymentReview bool, now time.Time) (bool, error) {
	result := d.db.Model(&types.Commitment{}).
		Where("commitment_id = ? AND status = ?", commitmentID, types.CommitmentStatusPending).
		Updates(map[string]interface{}{
			"status":         types.CommitmentStatusConfirmed,
			"order_ref":      orderRef,
			"payment_review": paymentReview,
			"updated_at":     now,
		})
	if result.Error != nil {
		return false, errs.Transient(result.Error, "failed to confirm commitment %s", commitmentID)
	}
	return result.RowsAffected > 0, nil
}

// CancelCommitment flips a commitment to CANCELLED, conditional on it still
// being pending.
func (d *Database) CancelCommitment(commitmentID string, now time.Time) (bool, error) {
	result := d.db.Model(&types.Commitment{}).
		Where("commitment_id = ? AND status = ?", commitmentID, types.CommitmentStatusPending).
		Updates(map[string]interface{}{
			"status":     types.CommitmentStatusCancelled,
			"updated_at": now,
		})
	if result.Error != nil {
		return false, errs.Transient(result.Error, "failed to cancel commitment %s", commitmentID)
	}
	return result.RowsAffected > 0, nil
}

// TransitionStatus performs a compare-and-swap on the group status.
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

// FindSettleable returns groups the scanner must visit: open groups past
// their expiry, plus ACTIVE groups whose inline settlement did not finish
// (crash or inline failure) and can be safely re-driven.
func (d *Database) FindSettleable(now time.Time) ([]types.BuyingGroup, error) {
	var groups []types.BuyingGroup
	err := d.db.
		Where("(status = ? AND expires_at <= ?) OR status = ?",
			types.GroupStatusOpen, now, types.GroupStatusActive).
		Order("expires_at ASC").
		Find(&groups).Error
	if err != nil {
		return nil, errs.Transient(err, "failed to find settleable groups")
	}
	return groups, nil
}
