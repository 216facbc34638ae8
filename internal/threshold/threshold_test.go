package threshold

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/groupcart/groupcart-api/internal/clock"
	"github.com/groupcart/groupcart-api/internal/database"
	"github.com/groupcart/groupcart-api/internal/notify"
	"github.com/groupcart/groupcart-api/internal/types"
	"gorm.io/gorm"
)

var baseTime = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

type thresholdFixture struct {
	detector *Detector
	gormDB   *gorm.DB
	clk      *clock.Fake
	sink     *notify.Recorder
}

func newThresholdFixture(t *testing.T) *thresholdFixture {
	t.Helper()
	gormDB, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	clk := clock.NewFake(baseTime)
	sink := notify.NewRecorder()

	return &thresholdFixture{
		detector: NewDetector(gormDB, sink, clk, DefaultMilestones, time.Minute),
		gormDB:   gormDB,
		clk:      clk,
		sink:     sink,
	}
}

func (f *thresholdFixture) createGroup(t *testing.T, groupID, status string, target, current int, expiresAt time.Time) {
	t.Helper()
	group := &types.BuyingGroup{
		GroupID:         groupID,
		ProductID:       "PROD_FLOUR_10KG",
		TargetQuantity:  target,
		MinQuantity:     target / 2,
		CurrentQuantity: current,
		UnitPrice:       8,
		Status:          status,
		ExpiresAt:       expiresAt,
		CreatedAt:       baseTime,
		UpdatedAt:       baseTime,
	}
	if err := f.gormDB.Create(group).Error; err != nil {
		t.Fatalf("failed to seed group: %v", err)
	}
}

func (f *thresholdFixture) setQuantity(t *testing.T, groupID string, quantity int) {
	t.Helper()
	if err := f.gormDB.Model(&types.BuyingGroup{}).
		Where("group_id = ?", groupID).
		Update("current_quantity", quantity).Error; err != nil {
		t.Fatalf("failed to update quantity: %v", err)
	}
}

func TestRunOnce(t *testing.T) {
	t.Run("fires both milestones when progress jumps past them in one pass", func(t *testing.T) {
		f := newThresholdFixture(t)
		f.createGroup(t, "GRP_1", types.GroupStatusOpen, 100, 85, baseTime.Add(24*time.Hour))

		stats, err := f.detector.RunOnce()
		if err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		if stats.Notified != 2 {
			t.Errorf("expected 2 notifications (50 and 80), got %d", stats.Notified)
		}
		if n := f.sink.CountByType("GRP_1", "group.threshold"); n != 2 {
			t.Errorf("expected 2 threshold events, got %d", n)
		}
	})

	t.Run("never repeats a milestone", func(t *testing.T) {
		f := newThresholdFixture(t)
		f.createGroup(t, "GRP_1", types.GroupStatusOpen, 100, 55, baseTime.Add(24*time.Hour))

		if _, err := f.detector.RunOnce(); err != nil {
			t.Fatalf("first scan failed: %v", err)
		}
		stats, err := f.detector.RunOnce()
		if err != nil {
			t.Fatalf("second scan failed: %v", err)
		}
		if stats.Notified != 0 {
			t.Errorf("repeat scan must notify nothing, got %d", stats.Notified)
		}
		if n := f.sink.CountByType("GRP_1", "group.threshold"); n != 1 {
			t.Errorf("expected exactly 1 threshold event, got %d", n)
		}
	})

	t.Run("counter oscillating around a milestone notifies once", func(t *testing.T) {
		f := newThresholdFixture(t)
		f.createGroup(t, "GRP_1", types.GroupStatusOpen, 100, 52, baseTime.Add(24*time.Hour))

		if _, err := f.detector.RunOnce(); err != nil {
			t.Fatalf("first scan failed: %v", err)
		}
		// Cancellation drops the counter below the milestone, then a new
		// commitment pushes it back over.
		f.setQuantity(t, "GRP_1", 45)
		if _, err := f.detector.RunOnce(); err != nil {
			t.Fatalf("second scan failed: %v", err)
		}
		f.setQuantity(t, "GRP_1", 58)
		stats, err := f.detector.RunOnce()
		if err != nil {
			t.Fatalf("third scan failed: %v", err)
		}
		if stats.Notified != 0 {
			t.Errorf("re-crossing must not re-notify, got %d", stats.Notified)
		}
		if n := f.sink.CountByType("GRP_1", "group.threshold"); n != 1 {
			t.Errorf("expected exactly 1 threshold event across oscillation, got %d", n)
		}
	})

	t.Run("skips closed and expired groups", func(t *testing.T) {
		f := newThresholdFixture(t)
		f.createGroup(t, "GRP_DONE", types.GroupStatusCompleted, 100, 90, baseTime.Add(24*time.Hour))
		f.createGroup(t, "GRP_EXPIRED", types.GroupStatusOpen, 100, 90, baseTime.Add(-time.Hour))

		stats, err := f.detector.RunOnce()
		if err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		if stats.GroupsScanned != 0 {
			t.Errorf("expected no groups scanned, got %d", stats.GroupsScanned)
		}
		if stats.Notified != 0 {
			t.Errorf("expected no notifications, got %d", stats.Notified)
		}
	})

	t.Run("below every milestone notifies nothing", func(t *testing.T) {
		f := newThresholdFixture(t)
		f.createGroup(t, "GRP_1", types.GroupStatusOpen, 100, 30, baseTime.Add(24*time.Hour))

		stats, err := f.detector.RunOnce()
		if err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		if stats.GroupsScanned != 1 || stats.Notified != 0 {
			t.Errorf("expected 1 scanned and 0 notified, got %+v", stats)
		}
	})
}
