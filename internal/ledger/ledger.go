package ledger

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/groupcart/groupcart-api/internal/auth"
	"github.com/groupcart/groupcart-api/internal/clock"
	"github.com/groupcart/groupcart-api/internal/errs"
	"github.com/groupcart/groupcart-api/internal/notify"
	"github.com/groupcart/groupcart-api/internal/payment"
	"github.com/groupcart/groupcart-api/internal/settlement"
	"github.com/groupcart/groupcart-api/internal/types"
	"github.com/groupcart/groupcart-api/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	commitAttempts = 3
	retryBackoff   = 50 * time.Millisecond
)

// Settler is the settlement entry point invoked inline when a commit pushes
// a group to its target.
type Settler interface {
	Settle(groupID string) (*settlement.Outcome, error)
}

// Ledger accepts and releases buyer commitments against open groups. All
// counter mutations go through guarded conditional updates, so correctness
// holds under concurrent commits without any in-process locking.
type Ledger struct {
	db       *Database
	sink     notify.Sink
	clk      clock.Clock
	payments payment.Authority // nil disables payment holds
	settler  Settler           // nil disables inline settlement
}

func NewLedger(gormDB *gorm.DB, sink notify.Sink, clk clock.Clock, payments payment.Authority, settler Settler) *Ledger {
	return &Ledger{
		db:       NewDatabase(gormDB),
		sink:     sink,
		clk:      clk,
		payments: payments,
		settler:  settler,
	}
}

// CancellationResult reports a released commitment.
type CancellationResult struct {
	CommitmentID     string               `json:"commitment_id"`
	ReleasedQuantity int                  `json:"released_quantity"`
	Group            *types.GroupSnapshot `json:"group"`
}

// Commit pledges quantity for the buyer against the group. Preconditions are
// checked in order, each with a distinct error kind: group exists, group is
// open, group has not expired, the buyer holds no active commitment, and the
// quantity is positive.
func (l *Ledger) Commit(groupID, buyerID string, quantity int, deliveryRef string) (*types.Commitment, *types.GroupSnapshot, error) {
	logger := log.With().
		Str("service", "ledger").
		Str("group_id", groupID).
		Str("buyer_id", buyerID).
		Int("quantity", quantity).
		Logger()

	group, err := l.db.GetGroup(groupID)
	if err != nil {
		return nil, nil, err
	}
	if group.Status != types.GroupStatusOpen {
		return nil, nil, errs.Conflict("group %s is not accepting commitments (status %s)", groupID, group.Status)
	}
	if !group.ExpiresAt.After(l.clk.Now()) {
		return nil, nil, errs.Conflict("group %s has expired", groupID)
	}
	existing, err := l.db.GetActiveCommitment(groupID, buyerID)
	if err != nil {
		return nil, nil, err
	}
	if existing != nil {
		return nil, nil, errs.Conflict("buyer %s already has an active commitment on group %s", buyerID, groupID)
	}
	if quantity <= 0 {
		return nil, nil, errs.Validation("quantity must be positive")
	}

	// Authorize the payment hold up front so settlement can capture it.
	// A declined authorization does not block the commitment; the source
	// policy is to carry holdless commitments and flag them at settlement.
	var holdRef string
	if l.payments != nil {
		amount := group.DiscountedAmount(quantity)
		holdRef, err = l.payments.AuthorizeHold(buyerID, amount)
		if err != nil {
			logger.Warn().Err(err).Msg("payment hold authorization failed, committing without hold")
			holdRef = ""
		}
	}

	now := l.clk.Now()
	commitment := &types.Commitment{
		CommitmentID:   "CMT_" + uuid.New().String(),
		GroupID:        groupID,
		BuyerID:        buyerID,
		Quantity:       quantity,
		Status:         types.CommitmentStatusPending,
		PaymentHoldRef: holdRef,
		DeliveryRef:    deliveryRef,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	fresh, targetReached, err := l.applyWithRetry(func() (*types.BuyingGroup, bool, error) {
		return l.db.ApplyCommit(groupID, commitment, l.clk.Now())
	})
	if err != nil {
		l.releaseHold(holdRef, logger)
		if errs.IsKind(err, errs.KindIntegrity) {
			logger.Error().Err(err).Msg("integrity violation during commit")
		}
		return nil, nil, err
	}

	logger.Info().
		Str("commitment_id", commitment.CommitmentID).
		Int("current_quantity", fresh.CurrentQuantity).
		Bool("target_reached", targetReached).
		Msg("commitment accepted")

	l.sink.Publish(groupID, notify.CommitmentEvent{
		CommitmentID:    commitment.CommitmentID,
		BuyerID:         buyerID,
		Quantity:        quantity,
		CurrentQuantity: fresh.CurrentQuantity,
	})
	l.sink.Publish(groupID, notify.ProgressEvent{
		CurrentQuantity: fresh.CurrentQuantity,
		TargetQuantity:  fresh.TargetQuantity,
		ProgressPercent: fresh.ProgressPercent(),
	})

	if targetReached {
		l.sink.Publish(groupID, notify.StatusChangeEvent{
			OldStatus: types.GroupStatusOpen,
			NewStatus: types.GroupStatusActive,
			Reason:    "target_reached",
		})
		l.settleInline(groupID, logger)
	}

	return commitment, fresh.Snapshot(), nil
}

// Cancel releases the buyer's active commitment. Valid only while the group
// is open.
func (l *Ledger) Cancel(groupID, buyerID string) (*CancellationResult, error) {
	logger := log.With().
		Str("service", "ledger").
		Str("group_id", groupID).
		Str("buyer_id", buyerID).
		Logger()

	group, err := l.db.GetGroup(groupID)
	if err != nil {
		return nil, err
	}
	if group.Status != types.GroupStatusOpen {
		return nil, errs.Conflict("commitments can only be cancelled while group %s is open (status %s)",
			groupID, group.Status)
	}

	commitment, err := l.db.GetActiveCommitment(groupID, buyerID)
	if err != nil {
		return nil, err
	}
	if commitment == nil {
		return nil, errs.NotFound("no active commitment for buyer %s on group %s", buyerID, groupID)
	}

	var fresh *types.BuyingGroup
	fresh, _, err = l.applyWithRetry(func() (*types.BuyingGroup, bool, error) {
		g, aerr := l.db.ApplyCancel(groupID, commitment, l.clk.Now())
		return g, false, aerr
	})
	if err != nil {
		if errs.IsKind(err, errs.KindIntegrity) {
			logger.Error().Err(err).Msg("integrity violation during cancellation")
		}
		return nil, err
	}

	l.releaseHold(commitment.PaymentHoldRef, logger)

	logger.Info().
		Str("commitment_id", commitment.CommitmentID).
		Int("released_quantity", commitment.Quantity).
		Int("current_quantity", fresh.CurrentQuantity).
		Msg("commitment cancelled")

	l.sink.Publish(groupID, notify.CancellationEvent{
		CommitmentID:    commitment.CommitmentID,
		BuyerID:         buyerID,
		Quantity:        commitment.Quantity,
		CurrentQuantity: fresh.CurrentQuantity,
	})
	l.sink.Publish(groupID, notify.ProgressEvent{
		CurrentQuantity: fresh.CurrentQuantity,
		TargetQuantity:  fresh.TargetQuantity,
		ProgressPercent: fresh.ProgressPercent(),
	})

	return &CancellationResult{
		CommitmentID:     commitment.CommitmentID,
		ReleasedQuantity: commitment.Quantity,
		Group:            fresh.Snapshot(),
	}, nil
}

// applyWithRetry re-runs the critical section on transient store errors
// (lock contention) with a short backoff. Business rejections return
// immediately.
func (l *Ledger) applyWithRetry(apply func() (*types.BuyingGroup, bool, error)) (*types.BuyingGroup, bool, error) {
	var fresh *types.BuyingGroup
	var targetReached bool
	var err error

	for attempt := 1; attempt <= commitAttempts; attempt++ {
		fresh, targetReached, err = apply()
		if err == nil || !errs.IsKind(err, errs.KindTransient) {
			return fresh, targetReached, err
		}
		time.Sleep(retryBackoff * time.Duration(attempt))
	}
	return nil, false, err
}

func (l *Ledger) releaseHold(holdRef string, logger zerolog.Logger) {
	if holdRef == "" || l.payments == nil {
		return
	}
	if err := l.payments.Cancel(holdRef); err != nil {
		logger.Warn().Err(err).Str("hold_ref", holdRef).Msg("failed to release payment hold")
	}
}

// settleInline runs settlement synchronously for a group that just reached
// its target. A failure here is recoverable: the expiry scanner also picks
// up ACTIVE groups and Settle is idempotent.
func (l *Ledger) settleInline(groupID string, logger zerolog.Logger) {
	if l.settler == nil {
		return
	}
	if _, err := l.settler.Settle(groupID); err != nil {
		logger.Error().Err(err).Msg("inline settlement failed, deferring to scanner")
	}
}

// GinHandlers contains HTTP handlers for commitment endpoints
type GinHandlers struct {
	ledger *Ledger
}

func NewGinHandlers(ledger *Ledger) *GinHandlers {
	return &GinHandlers{
		ledger: ledger,
	}
}

// CommitmentResult is the commit response payload.
type CommitmentResult struct {
	Commitment *types.Commitment    `json:"commitment"`
	Group      *types.GroupSnapshot `json:"group"`
}

// CommitHandler handles POST requests pledging quantity to a group
// Requires a valid JWT token; buyer identity comes from the token claims
// URL parameter: group_id
func (h *GinHandlers) CommitHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, exists := c.Get("claims")
		if !exists {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}
		buyerID := auth.GetBuyerID(claims)
		if buyerID == "" {
			response.Unauthorized(c, "Invalid buyer ID in token")
			return
		}

		var req struct {
			Quantity    int    `json:"quantity"`
			DeliveryRef string `json:"delivery_ref"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		commitment, snapshot, err := h.ledger.Commit(c.Param("group_id"), buyerID, req.Quantity, req.DeliveryRef)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, CommitmentResult{Commitment: commitment, Group: snapshot})
	}
}

// CancelHandler handles DELETE requests releasing the buyer's commitment
// Requires a valid JWT token
// URL parameter: group_id
func (h *GinHandlers) CancelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, exists := c.Get("claims")
		if !exists {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}
		buyerID := auth.GetBuyerID(claims)
		if buyerID == "" {
			response.Unauthorized(c, "Invalid buyer ID in token")
			return
		}

		result, err := h.ledger.Cancel(c.Param("group_id"), buyerID)
		response.Handle(c, result, err)
	}
}
