package group

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/groupcart/groupcart-api/internal/clock"
	"github.com/groupcart/groupcart-api/internal/database"
	"github.com/groupcart/groupcart-api/internal/errs"
	"github.com/groupcart/groupcart-api/internal/notify"
	"github.com/groupcart/groupcart-api/internal/types"
	"gorm.io/gorm"
)

var baseTime = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

type groupFixture struct {
	service *Service
	gormDB  *gorm.DB
	clk     *clock.Fake
	sink    *notify.Recorder
}

func newGroupFixture(t *testing.T) *groupFixture {
	t.Helper()
	gormDB, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	clk := clock.NewFake(baseTime)
	sink := notify.NewRecorder()

	return &groupFixture{
		service: NewService(gormDB, sink, clk),
		gormDB:  gormDB,
		clk:     clk,
		sink:    sink,
	}
}

func validRequest() CreateGroupRequest {
	return CreateGroupRequest{
		ProductID:       "PROD_HONEY_2KG",
		TargetQuantity:  100,
		MinQuantity:     40,
		UnitPrice:       12.5,
		DiscountPercent: 20,
		CenterLat:       51.4545,
		CenterLng:       -2.5879,
		RadiusKm:        5,
		ExpiresAt:       baseTime.Add(48 * time.Hour),
	}
}

func TestCreateGroup(t *testing.T) {
	t.Run("creates an open group", func(t *testing.T) {
		f := newGroupFixture(t)

		group, err := f.service.CreateGroup(validRequest())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if group.Status != types.GroupStatusOpen {
			t.Errorf("expected OPEN, got %s", group.Status)
		}
		if group.GroupID == "" {
			t.Error("expected a group ID")
		}
		if group.CurrentQuantity != 0 {
			t.Errorf("expected zero counter, got %d", group.CurrentQuantity)
		}
	})

	t.Run("validation", func(t *testing.T) {
		cases := []struct {
			name   string
			mutate func(*CreateGroupRequest)
		}{
			{"missing product", func(r *CreateGroupRequest) { r.ProductID = "" }},
			{"zero target", func(r *CreateGroupRequest) { r.TargetQuantity = 0 }},
			{"zero minimum", func(r *CreateGroupRequest) { r.MinQuantity = 0 }},
			{"minimum above target", func(r *CreateGroupRequest) { r.MinQuantity = 101 }},
			{"zero price", func(r *CreateGroupRequest) { r.UnitPrice = 0 }},
			{"discount above 100", func(r *CreateGroupRequest) { r.DiscountPercent = 101 }},
			{"negative radius", func(r *CreateGroupRequest) { r.RadiusKm = -1 }},
			{"expiry in the past", func(r *CreateGroupRequest) { r.ExpiresAt = baseTime.Add(-time.Hour) }},
		}

		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				f := newGroupFixture(t)
				req := validRequest()
				tc.mutate(&req)

				_, err := f.service.CreateGroup(req)
				if !errs.IsKind(err, errs.KindValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
			})
		}
	})
}

func TestGetGroup(t *testing.T) {
	f := newGroupFixture(t)

	_, err := f.service.GetGroup("GRP_MISSING")
	if !errs.IsKind(err, errs.KindNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}

	created, err := f.service.CreateGroup(validRequest())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	fetched, err := f.service.GetGroup(created.GroupID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if fetched.ProductID != created.ProductID {
		t.Errorf("expected product %s, got %s", created.ProductID, fetched.ProductID)
	}
}

func TestListOpenNear(t *testing.T) {
	f := newGroupFixture(t)

	// A group in central Bristol with a 5km radius and one in Bath.
	bristol := validRequest()
	bath := validRequest()
	bath.CenterLat, bath.CenterLng = 51.3811, -2.3590

	bristolGroup, err := f.service.CreateGroup(bristol)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := f.service.CreateGroup(bath); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	t.Run("without a point returns all open groups", func(t *testing.T) {
		groups, err := f.service.ListOpenNear(0, 0, false)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(groups) != 2 {
			t.Errorf("expected 2 groups, got %d", len(groups))
		}
	})

	t.Run("filters to groups whose radius covers the point", func(t *testing.T) {
		groups, err := f.service.ListOpenNear(51.46, -2.59, true)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(groups) != 1 || groups[0].GroupID != bristolGroup.GroupID {
			t.Errorf("expected only the Bristol group, got %d groups", len(groups))
		}
	})

	t.Run("excludes non-open groups", func(t *testing.T) {
		f.gormDB.Model(&types.BuyingGroup{}).
			Where("group_id = ?", bristolGroup.GroupID).
			Update("status", types.GroupStatusCancelled)

		groups, err := f.service.ListOpenNear(0, 0, false)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(groups) != 1 {
			t.Errorf("expected 1 open group, got %d", len(groups))
		}
	})
}

func TestCancelGroup(t *testing.T) {
	t.Run("cancels an open group and publishes the change", func(t *testing.T) {
		f := newGroupFixture(t)
		created, err := f.service.CreateGroup(validRequest())
		if err != nil {
			t.Fatalf("create failed: %v", err)
		}

		if err := f.service.CancelGroup(created.GroupID, "supplier withdrew"); err != nil {
			t.Fatalf("cancel failed: %v", err)
		}

		fetched, err := f.service.GetGroup(created.GroupID)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if fetched.Status != types.GroupStatusCancelled {
			t.Errorf("expected CANCELLED, got %s", fetched.Status)
		}
		if n := f.sink.CountByType(created.GroupID, "group.status_change"); n != 1 {
			t.Errorf("expected 1 status change event, got %d", n)
		}
	})

	t.Run("rejects cancelling a terminal group", func(t *testing.T) {
		f := newGroupFixture(t)
		created, err := f.service.CreateGroup(validRequest())
		if err != nil {
			t.Fatalf("create failed: %v", err)
		}
		f.gormDB.Model(&types.BuyingGroup{}).
			Where("group_id = ?", created.GroupID).
			Update("status", types.GroupStatusCompleted)

		err = f.service.CancelGroup(created.GroupID, "too late")
		if !errs.IsKind(err, errs.KindConflict) {
			t.Fatalf("expected conflict error, got %v", err)
		}
	})
}

func TestResetForDemo(t *testing.T) {
	f := newGroupFixture(t)
	created, err := f.service.CreateGroup(validRequest())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Seed the state a populated demo group accumulates.
	seed := []interface{}{
		&types.Commitment{
			CommitmentID: "CMT_1", GroupID: created.GroupID, BuyerID: "buyer-1",
			Quantity: 60, Status: types.CommitmentStatusPending,
			CreatedAt: baseTime, UpdatedAt: baseTime,
		},
		&types.ThresholdRecord{GroupID: created.GroupID, Milestone: 50, NotifiedAt: baseTime},
	}
	for _, row := range seed {
		if err := f.gormDB.Create(row).Error; err != nil {
			t.Fatalf("failed to seed: %v", err)
		}
	}
	f.gormDB.Model(&types.BuyingGroup{}).
		Where("group_id = ?", created.GroupID).
		Updates(map[string]interface{}{"current_quantity": 60, "status": types.GroupStatusActive})

	t.Run("rejects a past expiry", func(t *testing.T) {
		err := f.service.ResetForDemo(created.GroupID, baseTime.Add(-time.Hour))
		if !errs.IsKind(err, errs.KindValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("reopens the group with a clean slate", func(t *testing.T) {
		newExpiry := baseTime.Add(72 * time.Hour)
		if err := f.service.ResetForDemo(created.GroupID, newExpiry); err != nil {
			t.Fatalf("reset failed: %v", err)
		}

		fetched, err := f.service.GetGroup(created.GroupID)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if fetched.Status != types.GroupStatusOpen {
			t.Errorf("expected OPEN, got %s", fetched.Status)
		}
		if fetched.CurrentQuantity != 0 {
			t.Errorf("expected zero counter, got %d", fetched.CurrentQuantity)
		}
		if !fetched.ExpiresAt.Equal(newExpiry) {
			t.Errorf("expected expiry %v, got %v", newExpiry, fetched.ExpiresAt)
		}

		var commitment types.Commitment
		if err := f.gormDB.Where("commitment_id = ?", "CMT_1").First(&commitment).Error; err != nil {
			t.Fatalf("failed to read commitment: %v", err)
		}
		if commitment.Status != types.CommitmentStatusCancelled {
			t.Errorf("expected seeded commitment CANCELLED, got %s", commitment.Status)
		}

		var markers int64
		f.gormDB.Model(&types.ThresholdRecord{}).
			Where("group_id = ?", created.GroupID).Count(&markers)
		if markers != 0 {
			t.Errorf("expected threshold markers wiped, got %d", markers)
		}
	})

	t.Run("unknown group", func(t *testing.T) {
		err := f.service.ResetForDemo("GRP_MISSING", baseTime.Add(time.Hour))
		if !errs.IsKind(err, errs.KindNotFound) {
			t.Fatalf("expected not-found error, got %v", err)
		}
	})
}
