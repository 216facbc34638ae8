package settlement

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/groupcart/groupcart-api/internal/clock"
	"github.com/groupcart/groupcart-api/internal/database"
	"github.com/groupcart/groupcart-api/internal/errs"
	"github.com/groupcart/groupcart-api/internal/notify"
	"github.com/groupcart/groupcart-api/internal/orders"
	"github.com/groupcart/groupcart-api/internal/payment"
	"github.com/groupcart/groupcart-api/internal/types"
	"gorm.io/gorm"
)

var baseTime = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

// scriptedAuthority is a payment provider whose capture behavior is
// controlled per hold reference. Repeat captures and cancels succeed, per
// the provider contract.
type scriptedAuthority struct {
	mu          sync.Mutex
	nextHold    int
	failCapture map[string]bool
	captured    map[string]bool
	cancelled   map[string]bool
}

func newScriptedAuthority() *scriptedAuthority {
	return &scriptedAuthority{
		failCapture: make(map[string]bool),
		captured:    make(map[string]bool),
		cancelled:   make(map[string]bool),
	}
}

func (s *scriptedAuthority) AuthorizeHold(buyerID string, amount float64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHold++
	return fmt.Sprintf("HOLD_%d", s.nextHold), nil
}

func (s *scriptedAuthority) Capture(holdRef string) (*payment.CaptureResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.captured[holdRef] {
		return &payment.CaptureResult{PaymentRef: "PAY_" + holdRef, AlreadyCaptured: true}, nil
	}
	if s.failCapture[holdRef] {
		return nil, errs.External(nil, "capture declined for %s", holdRef)
	}
	s.captured[holdRef] = true
	return &payment.CaptureResult{PaymentRef: "PAY_" + holdRef}, nil
}

func (s *scriptedAuthority) Cancel(holdRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled[holdRef] = true
	return nil
}

func (s *scriptedAuthority) Refund(orderRef string, amount float64) error { return nil }

type settlementFixture struct {
	coordinator *Coordinator
	gormDB      *gorm.DB
	clk         *clock.Fake
	sink        *notify.Recorder
	payments    *scriptedAuthority
}

func newSettlementFixture(t *testing.T) *settlementFixture {
	t.Helper()
	gormDB, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	clk := clock.NewFake(baseTime)
	sink := notify.NewRecorder()
	payments := newScriptedAuthority()
	materializer := orders.NewGormMaterializer(gormDB)

	return &settlementFixture{
		coordinator: NewCoordinator(gormDB, payments, materializer, sink, clk),
		gormDB:      gormDB,
		clk:         clk,
		sink:        sink,
		payments:    payments,
	}
}

func (f *settlementFixture) createGroup(t *testing.T, groupID, status string, target, min, current int, expiresAt time.Time) *types.BuyingGroup {
	t.Helper()
	group := &types.BuyingGroup{
		GroupID:         groupID,
		ProductID:       "PROD_COFFEE_3KG",
		TargetQuantity:  target,
		MinQuantity:     min,
		CurrentQuantity: current,
		UnitPrice:       20,
		DiscountPercent: 10,
		Status:          status,
		ExpiresAt:       expiresAt,
		CreatedAt:       baseTime,
		UpdatedAt:       baseTime,
	}
	if err := f.gormDB.Create(group).Error; err != nil {
		t.Fatalf("failed to seed group: %v", err)
	}
	return group
}

// addCommitment seeds a pending commitment with a freshly authorized hold.
// An empty buyer prefix "noheld" seeds it without a hold.
func (f *settlementFixture) addCommitment(t *testing.T, groupID, buyerID string, quantity int, withHold bool) *types.Commitment {
	t.Helper()
	holdRef := ""
	if withHold {
		var err error
		holdRef, err = f.payments.AuthorizeHold(buyerID, float64(quantity)*20)
		if err != nil {
			t.Fatalf("failed to authorize hold: %v", err)
		}
	}
	commitment := &types.Commitment{
		CommitmentID:   "CMT_" + groupID + "_" + buyerID,
		GroupID:        groupID,
		BuyerID:        buyerID,
		Quantity:       quantity,
		Status:         types.CommitmentStatusPending,
		PaymentHoldRef: holdRef,
		DeliveryRef:    "ADDR_1",
		CreatedAt:      baseTime,
		UpdatedAt:      baseTime,
	}
	if err := f.gormDB.Create(commitment).Error; err != nil {
		t.Fatalf("failed to seed commitment: %v", err)
	}
	return commitment
}

func (f *settlementFixture) commitmentState(t *testing.T, commitmentID string) *types.Commitment {
	t.Helper()
	var commitment types.Commitment
	if err := f.gormDB.Where("commitment_id = ?", commitmentID).First(&commitment).Error; err != nil {
		t.Fatalf("failed to read commitment: %v", err)
	}
	return &commitment
}

func (f *settlementFixture) groupStatus(t *testing.T, groupID string) string {
	t.Helper()
	var group types.BuyingGroup
	if err := f.gormDB.Where("group_id = ?", groupID).First(&group).Error; err != nil {
		t.Fatalf("failed to read group: %v", err)
	}
	return group.Status
}

func (f *settlementFixture) orderCount(t *testing.T, groupID string) int {
	t.Helper()
	var n int64
	if err := f.gormDB.Model(&types.Order{}).Where("group_id = ?", groupID).Count(&n).Error; err != nil {
		t.Fatalf("failed to count orders: %v", err)
	}
	return int(n)
}

func TestSettleTargetReached(t *testing.T) {
	f := newSettlementFixture(t)
	f.createGroup(t, "GRP_1", types.GroupStatusActive, 30, 15, 30, baseTime.Add(24*time.Hour))
	c1 := f.addCommitment(t, "GRP_1", "buyer-1", 18, true)
	c2 := f.addCommitment(t, "GRP_1", "buyer-2", 12, true)

	outcome, err := f.coordinator.Settle("GRP_1")
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if !outcome.Settled || !outcome.Success {
		t.Fatalf("expected a successful settlement, got %+v", outcome)
	}
	if outcome.Reason != ReasonTargetReached {
		t.Errorf("expected reason %s, got %s", ReasonTargetReached, outcome.Reason)
	}
	if outcome.FinalStatus != types.GroupStatusCompleted {
		t.Errorf("expected COMPLETED, got %s", outcome.FinalStatus)
	}
	if outcome.Confirmed != 2 || outcome.OrdersCreated != 2 {
		t.Errorf("expected 2 confirmations and 2 orders, got %+v", outcome)
	}

	for _, c := range []*types.Commitment{c1, c2} {
		state := f.commitmentState(t, c.CommitmentID)
		if state.Status != types.CommitmentStatusConfirmed {
			t.Errorf("commitment %s: expected CONFIRMED, got %s", c.CommitmentID, state.Status)
		}
		if state.OrderRef == "" {
			t.Errorf("commitment %s: missing order reference", c.CommitmentID)
		}
	}
	if n := f.orderCount(t, "GRP_1"); n != 2 {
		t.Errorf("expected 2 orders, got %d", n)
	}
	if n := f.sink.CountByType("GRP_1", "group.status_change"); n != 1 {
		t.Errorf("expected 1 status change event, got %d", n)
	}
}

func TestSettleExpiredAboveMinimum(t *testing.T) {
	f := newSettlementFixture(t)
	f.createGroup(t, "GRP_1", types.GroupStatusOpen, 50, 20, 25, baseTime.Add(time.Hour))
	f.addCommitment(t, "GRP_1", "buyer-1", 25, true)
	f.clk.Advance(2 * time.Hour)

	outcome, err := f.coordinator.Settle("GRP_1")
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if !outcome.Success || outcome.Reason != ReasonExpiredAboveMinimum {
		t.Fatalf("expected success via %s, got %+v", ReasonExpiredAboveMinimum, outcome)
	}
	if outcome.FinalStatus != types.GroupStatusCompleted {
		t.Errorf("expected COMPLETED, got %s", outcome.FinalStatus)
	}
	if f.groupStatus(t, "GRP_1") != types.GroupStatusCompleted {
		t.Errorf("group not persisted as COMPLETED")
	}
}

func TestSettleExpiredBelowMinimum(t *testing.T) {
	f := newSettlementFixture(t)
	f.createGroup(t, "GRP_1", types.GroupStatusOpen, 50, 20, 8, baseTime.Add(time.Hour))
	c1 := f.addCommitment(t, "GRP_1", "buyer-1", 8, true)
	f.clk.Advance(2 * time.Hour)

	outcome, err := f.coordinator.Settle("GRP_1")
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if outcome.Success {
		t.Fatalf("expected failure outcome, got %+v", outcome)
	}
	if outcome.Reason != ReasonExpiredBelowMinimum {
		t.Errorf("expected reason %s, got %s", ReasonExpiredBelowMinimum, outcome.Reason)
	}
	if outcome.FinalStatus != types.GroupStatusFailed {
		t.Errorf("expected FAILED, got %s", outcome.FinalStatus)
	}
	if outcome.Cancelled != 1 {
		t.Errorf("expected 1 cancelled commitment, got %d", outcome.Cancelled)
	}

	state := f.commitmentState(t, c1.CommitmentID)
	if state.Status != types.CommitmentStatusCancelled {
		t.Errorf("expected CANCELLED commitment, got %s", state.Status)
	}
	if !f.payments.cancelled[c1.PaymentHoldRef] {
		t.Errorf("expected hold %s released", c1.PaymentHoldRef)
	}
	if n := f.orderCount(t, "GRP_1"); n != 0 {
		t.Errorf("failed settlement must create no orders, got %d", n)
	}
}

func TestSettleNotDue(t *testing.T) {
	f := newSettlementFixture(t)
	f.createGroup(t, "GRP_1", types.GroupStatusOpen, 50, 20, 10, baseTime.Add(24*time.Hour))

	_, err := f.coordinator.Settle("GRP_1")
	if !errs.IsKind(err, errs.KindConflict) {
		t.Fatalf("expected conflict for an open unexpired group, got %v", err)
	}
}

func TestSettleIdempotent(t *testing.T) {
	f := newSettlementFixture(t)
	f.createGroup(t, "GRP_1", types.GroupStatusActive, 30, 15, 30, baseTime.Add(24*time.Hour))
	f.addCommitment(t, "GRP_1", "buyer-1", 30, true)

	first, err := f.coordinator.Settle("GRP_1")
	if err != nil {
		t.Fatalf("first settle failed: %v", err)
	}
	if !first.Settled || first.Confirmed != 1 {
		t.Fatalf("unexpected first outcome: %+v", first)
	}

	second, err := f.coordinator.Settle("GRP_1")
	if err != nil {
		t.Fatalf("second settle failed: %v", err)
	}
	if second.Settled {
		t.Errorf("second settle must be a no-op, got %+v", second)
	}
	if second.FinalStatus != types.GroupStatusCompleted {
		t.Errorf("expected COMPLETED from the no-op, got %s", second.FinalStatus)
	}
	if n := f.orderCount(t, "GRP_1"); n != 1 {
		t.Errorf("repeat settlement must not duplicate orders, got %d", n)
	}
	if n := f.sink.CountByType("GRP_1", "group.status_change"); n != 1 {
		t.Errorf("repeat settlement must not re-publish status changes, got %d", n)
	}
}

// TestSettleCaptureFailureIsolation verifies one declined capture does not
// block the rest of the batch or the terminal write.
func TestSettleCaptureFailureIsolation(t *testing.T) {
	f := newSettlementFixture(t)
	f.createGroup(t, "GRP_1", types.GroupStatusActive, 30, 15, 30, baseTime.Add(24*time.Hour))
	bad := f.addCommitment(t, "GRP_1", "buyer-1", 10, true)
	good := f.addCommitment(t, "GRP_1", "buyer-2", 20, true)
	f.payments.failCapture[bad.PaymentHoldRef] = true

	outcome, err := f.coordinator.Settle("GRP_1")
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if outcome.Confirmed != 1 {
		t.Errorf("expected 1 confirmation, got %d", outcome.Confirmed)
	}
	if len(outcome.Failures) != 1 || outcome.Failures[0].Stage != "capture" {
		t.Errorf("expected one capture-stage failure, got %+v", outcome.Failures)
	}
	if outcome.FinalStatus != types.GroupStatusCompleted {
		t.Errorf("batch failure must not block the terminal write, got %s", outcome.FinalStatus)
	}

	if state := f.commitmentState(t, bad.CommitmentID); state.Status != types.CommitmentStatusPending {
		t.Errorf("failed capture must leave the commitment pending, got %s", state.Status)
	}
	if state := f.commitmentState(t, good.CommitmentID); state.Status != types.CommitmentStatusConfirmed {
		t.Errorf("expected the healthy commitment confirmed, got %s", state.Status)
	}
}

func TestSettleHoldlessCommitmentFlagged(t *testing.T) {
	f := newSettlementFixture(t)
	f.createGroup(t, "GRP_1", types.GroupStatusActive, 30, 15, 30, baseTime.Add(24*time.Hour))
	holdless := f.addCommitment(t, "GRP_1", "buyer-1", 30, false)

	outcome, err := f.coordinator.Settle("GRP_1")
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if outcome.Confirmed != 1 {
		t.Errorf("expected the holdless commitment confirmed, got %+v", outcome)
	}
	if len(outcome.PaymentReview) != 1 || outcome.PaymentReview[0] != holdless.CommitmentID {
		t.Errorf("expected %s flagged for payment review, got %v", holdless.CommitmentID, outcome.PaymentReview)
	}

	state := f.commitmentState(t, holdless.CommitmentID)
	if state.Status != types.CommitmentStatusConfirmed || !state.PaymentReview {
		t.Errorf("expected CONFIRMED with review flag, got status=%s review=%v", state.Status, state.PaymentReview)
	}
}

func TestScannerRunOnce(t *testing.T) {
	f := newSettlementFixture(t)
	// Expired below minimum, stranded ACTIVE, and one not yet due.
	f.createGroup(t, "GRP_EXPIRED", types.GroupStatusOpen, 50, 20, 5, baseTime.Add(time.Hour))
	f.createGroup(t, "GRP_STRANDED", types.GroupStatusActive, 10, 5, 10, baseTime.Add(48*time.Hour))
	f.createGroup(t, "GRP_FRESH", types.GroupStatusOpen, 50, 20, 5, baseTime.Add(48*time.Hour))
	f.addCommitment(t, "GRP_STRANDED", "buyer-1", 10, true)
	f.clk.Advance(2 * time.Hour)

	scanner := NewScanner(f.gormDB, f.coordinator, f.clk, time.Hour)
	stats, err := scanner.RunOnce()
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if stats.TotalProcessed != 2 {
		t.Errorf("expected 2 groups processed, got %d", stats.TotalProcessed)
	}
	if stats.Successful != 1 || stats.Failed != 1 {
		t.Errorf("expected 1 successful and 1 failed, got %+v", stats)
	}

	if got := f.groupStatus(t, "GRP_EXPIRED"); got != types.GroupStatusFailed {
		t.Errorf("expected GRP_EXPIRED FAILED, got %s", got)
	}
	if got := f.groupStatus(t, "GRP_STRANDED"); got != types.GroupStatusCompleted {
		t.Errorf("expected GRP_STRANDED COMPLETED, got %s", got)
	}
	if got := f.groupStatus(t, "GRP_FRESH"); got != types.GroupStatusOpen {
		t.Errorf("expected GRP_FRESH untouched, got %s", got)
	}
}
