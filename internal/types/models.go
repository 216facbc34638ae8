package types

import (
	"time"

	"gorm.io/gorm"
)

// Group statuses. Transitions are one-way: OPEN -> ACTIVE -> COMPLETED,
// OPEN -> FAILED, and any non-terminal -> CANCELLED.
const (
	GroupStatusOpen      = "OPEN"
	GroupStatusActive    = "ACTIVE"
	GroupStatusCompleted = "COMPLETED"
	GroupStatusFailed    = "FAILED"
	GroupStatusCancelled = "CANCELLED"
)

// Commitment statuses.
const (
	CommitmentStatusPending   = "PENDING"
	CommitmentStatusConfirmed = "CONFIRMED"
	CommitmentStatusCancelled = "CANCELLED"
)

// IsTerminalGroupStatus reports whether a group can no longer change state.
func IsTerminalGroupStatus(status string) bool {
	switch status {
	case GroupStatusCompleted, GroupStatusFailed, GroupStatusCancelled:
		return true
	}
	return false
}

type BuyingGroup struct {
	gorm.Model      `json:"-"`
	GroupID         string    `gorm:"uniqueIndex" json:"group_id"`
	ProductID       string    `json:"product_id"`
	TargetQuantity  int       `json:"target_quantity"`
	MinQuantity     int       `json:"min_quantity"`
	CurrentQuantity int       `json:"current_quantity"`
	UnitPrice       float64   `json:"unit_price"`
	DiscountPercent int       `json:"discount_percent"`
	Status          string    `json:"status"` // OPEN, ACTIVE, COMPLETED, FAILED, CANCELLED
	CenterLat       float64   `json:"center_lat"`
	CenterLng       float64   `json:"center_lng"`
	RadiusKm        float64   `json:"radius_km"`
	ExpiresAt       time.Time `json:"expires_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ProgressPercent returns current progress toward the target as a percentage.
func (g *BuyingGroup) ProgressPercent() float64 {
	if g.TargetQuantity <= 0 {
		return 0
	}
	return float64(g.CurrentQuantity) / float64(g.TargetQuantity) * 100
}

// DiscountedAmount is the amount a buyer owes for the given quantity.
func (g *BuyingGroup) DiscountedAmount(quantity int) float64 {
	return g.UnitPrice * float64(quantity) * (1 - float64(g.DiscountPercent)/100)
}

type Commitment struct {
	gorm.Model     `json:"-"`
	CommitmentID   string    `gorm:"uniqueIndex" json:"commitment_id"`
	GroupID        string    `gorm:"index" json:"group_id"`
	BuyerID        string    `json:"buyer_id"`
	Quantity       int       `json:"quantity"`
	Status         string    `json:"status"` // PENDING, CONFIRMED, CANCELLED
	PaymentHoldRef string    `json:"payment_hold_ref,omitempty"`
	OrderRef       string    `json:"order_ref,omitempty"`
	DeliveryRef    string    `json:"delivery_ref"`
	PaymentReview  bool      `json:"payment_review"` // confirmed without a captured payment
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ThresholdRecord marks that a progress milestone notification has been sent
// for a group. The (group_id, milestone) unique index is the de-duplication
// mechanism: inserts race, at most one wins.
type ThresholdRecord struct {
	gorm.Model `json:"-"`
	GroupID    string    `gorm:"uniqueIndex:idx_threshold_group_milestone" json:"group_id"`
	Milestone  int       `gorm:"uniqueIndex:idx_threshold_group_milestone" json:"milestone"`
	NotifiedAt time.Time `json:"notified_at"`
}

type Order struct {
	gorm.Model      `json:"-"`
	OrderID         string    `gorm:"uniqueIndex" json:"order_id"`
	CommitmentID    string    `gorm:"uniqueIndex" json:"commitment_id"`
	GroupID         string    `json:"group_id"`
	BuyerID         string    `json:"buyer_id"`
	ProductID       string    `json:"product_id"`
	Quantity        int       `json:"quantity"`
	UnitPrice       float64   `json:"unit_price"`
	DiscountPercent int       `json:"discount_percent"`
	TotalAmount     float64   `json:"total_amount"`
	DeliveryRef     string    `json:"delivery_ref"`
	Status          string    `json:"status"` // CREATED
	CreatedAt       time.Time `json:"created_at"`
}

// GroupSnapshot is the read model returned alongside commitment mutations.
type GroupSnapshot struct {
	GroupID         string    `json:"group_id"`
	Status          string    `json:"status"`
	CurrentQuantity int       `json:"current_quantity"`
	TargetQuantity  int       `json:"target_quantity"`
	MinQuantity     int       `json:"min_quantity"`
	ProgressPercent float64   `json:"progress_percent"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Snapshot builds a GroupSnapshot from the group's current fields.
func (g *BuyingGroup) Snapshot() *GroupSnapshot {
	return &GroupSnapshot{
		GroupID:         g.GroupID,
		Status:          g.Status,
		CurrentQuantity: g.CurrentQuantity,
		TargetQuantity:  g.TargetQuantity,
		MinQuantity:     g.MinQuantity,
		ProgressPercent: g.ProgressPercent(),
		ExpiresAt:       g.ExpiresAt,
	}
}
