package ledger

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

// GetActiveCommitment returns the buyer's non-cancelled commitment on the
// group, or nil when there is none.
func (d *Database) GetActiveCommitment(groupID, buyerID string) (*types.Commitment, error) {
	var commitment types.Commitment
	err := d.db.Where("group_id = ? AND buyer_id = ? AND status != ?",
		groupID, buyerID, types.CommitmentStatusCancelled).
		First(&commitment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errs.Transient(err, "failed to look up commitment for buyer %s", buyerID)
	}
	return &commitment, nil
}

// ApplyCommit performs the commit critical section in one transaction: a
// guarded atomic increment of the group counter, target-reached detection
// from the same transaction's read, the OPEN->ACTIVE flip when the target is
// newly met, and the commitment insert. Two racing commits can never both
// apply against a stale counter because the increment's WHERE clause is the
// compare-and-swap.
func (d *Database) ApplyCommit(groupID string, commitment *types.Commitment, now time.Time) (*types.BuyingGroup, bool, error) {
	var fresh types.BuyingGroup
	var targetReached bool

	txErr := d.db.Transaction(func(tx *gorm.DB) error {
		quantity := commitment.Quantity
		result := tx.Model(&types.BuyingGroup{}).
			Where("group_id = ? AND status = ? AND current_quantity + ? <= target_quantity",
				groupID, types.GroupStatusOpen, quantity).
			Updates(map[string]interface{}{
				"current_quantity": gorm.Expr("current_quantity + ?", quantity),
				"updated_at":       now,
			})
		if result.Error != nil {
			return result.Error
		}

		if result.RowsAffected == 0 {
			// The guard rejected us: closed group or overshoot. Classify
			// inside the same transaction.
			var g types.BuyingGroup
			if err := tx.Where("group_id = ?", groupID).First(&g).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return errs.NotFound("group %s not found", groupID)
				}
				return err
			}
			if g.Status != types.GroupStatusOpen {
				return errs.Conflict("group %s is not accepting commitments (status %s)", groupID, g.Status)
			}
			return errs.Conflict("quantity %d exceeds remaining capacity %d",
				quantity, g.TargetQuantity-g.CurrentQuantity)
		}

		if err := tx.Where("group_id = ?", groupID).First(&fresh).Error; err != nil {
			return err
		}
		if fresh.CurrentQuantity > fresh.TargetQuantity {
			return errs.Integrity("group %s counter %d exceeds target %d after guarded increment",
				groupID, fresh.CurrentQuantity, fresh.TargetQuantity)
		}

		// Target-reached is derived from this transaction's own read, not a
		// second independent one, so exactly one commit observes the crossing.
		targetReached = fresh.CurrentQuantity >= fresh.TargetQuantity &&
			fresh.CurrentQuantity-commitment.Quantity < fresh.TargetQuantity
		if targetReached {
			flip := tx.Model(&types.BuyingGroup{}).
				Where("group_id = ? AND status = ?", groupID, types.GroupStatusOpen).
				Updates(map[string]interface{}{
					"status":     types.GroupStatusActive,
					"updated_at": now,
				})
			if flip.Error != nil {
				return flip.Error
			}
			if flip.RowsAffected == 0 {
				return errs.Integrity("group %s left OPEN state mid-commit", groupID)
			}
			fresh.Status = types.GroupStatusActive
		}

		if err := tx.Create(commitment).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				// The partial unique index is the backstop for a racing
				// duplicate that slipped past the precondition check.
				return errs.Conflict("buyer %s already has an active commitment on group %s",
					commitment.BuyerID, groupID)
			}
			return err
		}
		return nil
	})

	if txErr != nil {
		var appErr *errs.Error
		if errors.As(txErr, &appErr) {
			return nil, false, appErr
		}
		return nil, false, errs.Transient(txErr, "commit transaction failed for group %s", groupID)
	}
	return &fresh, targetReached, nil
}

// ApplyCancel releases a commitment's quantity in one transaction. The
// commitment flip is conditional on it still being pending and the decrement
// is guarded against driving the counter negative, which would indicate
// corrupted bookkeeping rather than a business rejection.
func (d *Database) ApplyCancel(groupID string, commitment *types.Commitment, now time.Time) (*types.BuyingGroup, error) {
	var fresh types.BuyingGroup

	txErr := d.db.Transaction(func(tx *gorm.DB) error {
		flip := tx.Model(&types.Commitment{}).
			Where("commitment_id = ? AND status = ?",
				commitment.CommitmentID, types.CommitmentStatusPending).
			Updates(map[string]interface{}{
				"status":     types.CommitmentStatusCancelled,
				"updated_at": now,
			})
		if flip.Error != nil {
			return flip.Error
		}
		if flip.RowsAffected == 0 {
			return errs.Conflict("commitment %s was already resolved", commitment.CommitmentID)
		}

		result := tx.Model(&types.BuyingGroup{}).
			Where("group_id = ? AND status = ? AND current_quantity >= ?",
				groupID, types.GroupStatusOpen, commitment.Quantity).
			Updates(map[string]interface{}{
				"current_quantity": gorm.Expr("current_quantity - ?", commitment.Quantity),
				"updated_at":       now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var g types.BuyingGroup
			if err := tx.Where("group_id = ?", groupID).First(&g).Error; err != nil {
				return err
			}
			if g.Status != types.GroupStatusOpen {
				return errs.Conflict("group %s is no longer open", groupID)
			}
			return errs.Integrity("releasing %d from group %s would drive counter %d negative",
				commitment.Quantity, groupID, g.CurrentQuantity)
		}

		return tx.Where("group_id = ?", groupID).First(&fresh).Error
	})

	if txErr != nil {
		var appErr *errs.Error
		if errors.As(txErr, &appErr) {
			return nil, appErr
		}
		return nil, errs.Transient(txErr, "cancel transaction failed for group %s", groupID)
	}
	return &fresh, nil
}

// SumUnresolvedQuantity totals pending and confirmed commitment quantities
// for a group, used by the reconciliation check.
func (d *Database) SumUnresolvedQuantity(groupID string) (int, error) {
	var total int64
	err := d.db.Model(&types.Commitment{}).
		Where("group_id = ? AND status != ?", groupID, types.CommitmentStatusCancelled).
		Select("COALESCE(SUM(quantity), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, errs.Transient(err, "failed to sum commitments for group %s", groupID)
	}
	return int(total), nil
}
