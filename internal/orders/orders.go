package orders

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/groupcart/groupcart-api/internal/errs"
	"github.com/groupcart/groupcart-api/internal/types"
	"gorm.io/gorm"
)

// Materializer turns a confirmed commitment into a persisted order. It must
// be idempotent per commitment: calling twice never creates two orders.
type Materializer interface {
	CreateFromCommitment(commitment *types.Commitment, group *types.BuyingGroup) (string, error)
}

// GormMaterializer persists orders through the shared GORM connection.
type GormMaterializer struct {
	db *gorm.DB
}

func NewGormMaterializer(db *gorm.DB) *GormMaterializer {
	return &GormMaterializer{db: db}
}

// CreateFromCommitment creates an order for the commitment, or returns the
// existing order reference when one was already materialized. The unique
// index on commitment_id closes the race between two settlers.
func (m *GormMaterializer) CreateFromCommitment(commitment *types.Commitment, group *types.BuyingGroup) (string, error) {
	if existing, err := m.findByCommitment(commitment.CommitmentID); err != nil {
		return "", err
	} else if existing != nil {
		return existing.OrderID, nil
	}

	order := &types.Order{
		OrderID:         "ORD_" + uuid.New().String(),
		CommitmentID:    commitment.CommitmentID,
		GroupID:         group.GroupID,
		BuyerID:         commitment.BuyerID,
		ProductID:       group.ProductID,
		Quantity:        commitment.Quantity,
		UnitPrice:       group.UnitPrice,
		DiscountPercent: group.DiscountPercent,
		TotalAmount:     group.DiscountedAmount(commitment.Quantity),
		DeliveryRef:     commitment.DeliveryRef,
		Status:          "CREATED",
		CreatedAt:       time.Now(),
	}

	if err := m.db.Create(order).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost the race; the winner's order is the order.
			existing, ferr := m.findByCommitment(commitment.CommitmentID)
			if ferr != nil {
				return "", ferr
			}
			if existing != nil {
				return existing.OrderID, nil
			}
		}
		return "", errs.Transient(err, "failed to create order for commitment %s", commitment.CommitmentID)
	}

	return order.OrderID, nil
}

func (m *GormMaterializer) findByCommitment(commitmentID string) (*types.Order, error) {
	var order types.Order
	if err := m.db.Where("commitment_id = ?", commitmentID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errs.Transient(err, "failed to look up order for commitment %s", commitmentID)
	}
	return &order, nil
}
