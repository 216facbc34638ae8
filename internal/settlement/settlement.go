package settlement

import (
	"github.com/gin-gonic/gin"
	"github.com/groupcart/groupcart-api/internal/clock"
	"github.com/groupcart/groupcart-api/internal/errs"
	"github.com/groupcart/groupcart-api/internal/notify"
	"github.com/groupcart/groupcart-api/internal/orders"
	"github.com/groupcart/groupcart-api/internal/payment"
	"github.com/groupcart/groupcart-api/internal/types"
	"github.com/groupcart/groupcart-api/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Coordinator resolves a group that reached its target or aged out:
// captures payment holds, materializes orders and finalizes the group
// status. Settle is idempotent and safe to race: already-terminal groups
// short-circuit, and every per-commitment effect is either idempotent by
// contract or guarded by a conditional status update.
type Coordinator struct {
	db       *Database
	payments payment.Authority
	orders   orders.Materializer
	sink     notify.Sink
	clk      clock.Clock
}

func NewCoordinator(gormDB *gorm.DB, payments payment.Authority, materializer orders.Materializer, sink notify.Sink, clk clock.Clock) *Coordinator {
	return &Coordinator{
		db:       NewDatabase(gormDB),
		payments: payments,
		orders:   materializer,
		sink:     sink,
		clk:      clk,
	}
}

// Settle drives the settlement workflow for one group.
func (c *Coordinator) Settle(groupID string) (*Outcome, error) {
	logger := log.With().
		Str("service", "settlement").
		Str("group_id", groupID).
		Logger()

	group, err := c.db.GetGroup(groupID)
	if err != nil {
		return nil, err
	}

	// Idempotency guard: terminal groups are never re-processed.
	if types.IsTerminalGroupStatus(group.Status) {
		logger.Debug().Str("status", group.Status).Msg("group already terminal, settlement is a no-op")
		return &Outcome{
			GroupID:     groupID,
			Settled:     false,
			Success:     group.Status == types.GroupStatusCompleted,
			FinalStatus: group.Status,
		}, nil
	}

	now := c.clk.Now()
	var success bool
	var reason string
	switch {
	case group.Status == types.GroupStatusActive:
		success = true
		reason = ReasonTargetReached
	case group.Status == types.GroupStatusOpen && !group.ExpiresAt.After(now) &&
		group.CurrentQuantity >= group.MinQuantity:
		success = true
		reason = ReasonExpiredAboveMinimum
	case group.Status == types.GroupStatusOpen && !group.ExpiresAt.After(now):
		success = false
		reason = ReasonExpiredBelowMinimum
	default:
		return nil, errs.Conflict("group %s is open and not yet expired, nothing to settle", groupID)
	}

	logger.Info().
		Bool("success", success).
		Str("reason", reason).
		Int("current_quantity", group.CurrentQuantity).
		Int("min_quantity", group.MinQuantity).
		Msg("starting settlement")

	oldStatus := group.Status
	if success && group.Status == types.GroupStatusOpen {
		// Expired-but-successful groups pass through ACTIVE like the
		// target-reached path does.
		ok, terr := c.db.TransitionStatus(groupID,
			[]string{types.GroupStatusOpen}, types.GroupStatusActive, now)
		if terr != nil {
			return nil, terr
		}
		if !ok {
			// Lost a race; re-read and either short-circuit or continue
			// against the racer's ACTIVE state.
			fresh, ferr := c.db.GetGroup(groupID)
			if ferr != nil {
				return nil, ferr
			}
			if types.IsTerminalGroupStatus(fresh.Status) {
				return &Outcome{
					GroupID:     groupID,
					Settled:     false,
					Success:     fresh.Status == types.GroupStatusCompleted,
					FinalStatus: fresh.Status,
				}, nil
			}
		}
	}

	pending, err := c.db.GetPendingCommitments(groupID)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{GroupID: groupID, Settled: true, Success: success, Reason: reason}
	for i := range pending {
		// One commitment failing must not abort the rest of the batch.
		if success {
			c.confirmCommitment(group, &pending[i], outcome, logger)
		} else {
			c.releaseCommitment(&pending[i], outcome, logger)
		}
	}

	// The terminal write happens only after every commitment was attempted;
	// a crash before this point leaves the group re-processable.
	finalStatus := types.GroupStatusFailed
	fromStatuses := []string{types.GroupStatusOpen}
	if success {
		finalStatus = types.GroupStatusCompleted
		fromStatuses = []string{types.GroupStatusActive}
	}
	ok, err := c.db.TransitionStatus(groupID, fromStatuses, finalStatus, c.clk.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		fresh, ferr := c.db.GetGroup(groupID)
		if ferr != nil {
			return nil, ferr
		}
		outcome.FinalStatus = fresh.Status
		logger.Warn().Str("status", fresh.Status).Msg("group finalized by a concurrent settler")
		return outcome, nil
	}
	outcome.FinalStatus = finalStatus

	logger.Info().
		Str("final_status", finalStatus).
		Int("orders_created", outcome.OrdersCreated).
		Int("confirmed", outcome.Confirmed).
		Int("cancelled", outcome.Cancelled).
		Int("payment_review", len(outcome.PaymentReview)).
		Int("failures", len(outcome.Failures)).
		Msg("settlement completed")

	c.sink.Publish(groupID, notify.StatusChangeEvent{
		OldStatus: oldStatus,
		NewStatus: finalStatus,
		Reason:    reason,
	})

	return outcome, nil
}

// confirmCommitment resolves one pending commitment on the success path:
// capture the hold, materialize the order, flip to CONFIRMED. A capture or
// order failure leaves the commitment pending for the next Settle retry.
func (c *Coordinator) confirmCommitment(group *types.BuyingGroup, commitment *types.Commitment, outcome *Outcome, logger zerolog.Logger) {
	clogger := logger.With().Str("commitment_id", commitment.CommitmentID).Logger()

	paymentReview := false
	if commitment.PaymentHoldRef == "" {
		// No hold was ever authorized. Policy: confirm anyway and flag for
		// manual payment follow-up rather than blocking the group.
		paymentReview = true
		clogger.Warn().Msg("commitment has no payment hold, confirming with payment review flag")
	} else {
		result, err := c.payments.Capture(commitment.PaymentHoldRef)
		if err != nil {
			clogger.Error().Err(err).Msg("payment capture failed, leaving commitment pending")
			outcome.Failures = append(outcome.Failures, CommitmentFailure{
				CommitmentID: commitment.CommitmentID,
				Stage:        "capture",
				Reason:       err.Error(),
			})
			return
		}
		if result.AlreadyCaptured {
			clogger.Debug().Msg("payment hold was already captured")
		}
	}

	orderRef, err := c.orders.CreateFromCommitment(commitment, group)
	if err != nil {
		clogger.Error().Err(err).Msg("order materialization failed, leaving commitment pending")
		outcome.Failures = append(outcome.Failures, CommitmentFailure{
			CommitmentID: commitment.CommitmentID,
			Stage:        "order",
			Reason:       err.Error(),
		})
		return
	}

	confirmed, err := c.db.ConfirmCommitment(commitment.CommitmentID, orderRef, paymentReview, c.clk.Now())
	if err != nil {
		clogger.Error().Err(err).Msg("failed to confirm commitment")
		outcome.Failures = append(outcome.Failures, CommitmentFailure{
			CommitmentID: commitment.CommitmentID,
			Stage:        "confirm",
			Reason:       err.Error(),
		})
		return
	}
	if !confirmed {
		clogger.Debug().Msg("commitment already resolved by a concurrent settler")
		return
	}

	outcome.Confirmed++
	outcome.OrdersCreated++
	if paymentReview {
		outcome.PaymentReview = append(outcome.PaymentReview, commitment.CommitmentID)
	}
}

// releaseCommitment resolves one pending commitment on the failure path:
// release the hold and flip to CANCELLED.
func (c *Coordinator) releaseCommitment(commitment *types.Commitment, outcome *Outcome, logger zerolog.Logger) {
	clogger := logger.With().Str("commitment_id", commitment.CommitmentID).Logger()

	if commitment.PaymentHoldRef != "" {
		if err := c.payments.Cancel(commitment.PaymentHoldRef); err != nil {
			// Hold release failure is recorded but does not block the
			// cancellation; holds expire provider-side.
			clogger.Warn().Err(err).Msg("failed to release payment hold")
			outcome.Failures = append(outcome.Failures, CommitmentFailure{
				CommitmentID: commitment.CommitmentID,
				Stage:        "capture",
				Reason:       err.Error(),
			})
		}
	}

	cancelled, err := c.db.CancelCommitment(commitment.CommitmentID, c.clk.Now())
	if err != nil {
		clogger.Error().Err(err).Msg("failed to cancel commitment")
		outcome.Failures = append(outcome.Failures, CommitmentFailure{
			CommitmentID: commitment.CommitmentID,
			Stage:        "cancel",
			Reason:       err.Error(),
		})
		return
	}
	if !cancelled {
		clogger.Debug().Msg("commitment already resolved by a concurrent settler")
		return
	}
	outcome.Cancelled++
}

// GinHandlers contains HTTP handlers for settlement endpoints
type GinHandlers struct {
	coordinator *Coordinator
	scanner     *Scanner
}

func NewGinHandlers(coordinator *Coordinator, scanner *Scanner) *GinHandlers {
	return &GinHandlers{
		coordinator: coordinator,
		scanner:     scanner,
	}
}

// SettleGroupHandler handles POST requests to manually trigger settlement
// Requires internal authentication
// URL parameter: group_id
func (h *GinHandlers) SettleGroupHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		groupID := c.Param("group_id")

		outcome, err := h.coordinator.Settle(groupID)
		response.Handle(c, outcome, err)
	}
}

// RunExpiryScanHandler handles POST requests to run an expiry scan batch
// Requires internal authentication
func (h *GinHandlers) RunExpiryScanHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := h.scanner.RunOnce()
		response.Handle(c, stats, err)
	}
}
