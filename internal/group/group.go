package group

import (
	"math"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/groupcart/groupcart-api/internal/clock"
	"github.com/groupcart/groupcart-api/internal/errs"
	"github.com/groupcart/groupcart-api/internal/notify"
	"github.com/groupcart/groupcart-api/internal/types"
	"github.com/groupcart/groupcart-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service owns the buying-group lifecycle: creation, discovery reads and the
// administrative transitions. The commitment counter itself is mutated by the
// ledger, never here.
type Service struct {
	db   *Database
	sink notify.Sink
	clk  clock.Clock
}

func NewService(gormDB *gorm.DB, sink notify.Sink, clk clock.Clock) *Service {
	return &Service{
		db:   NewDatabase(gormDB),
		sink: sink,
		clk:  clk,
	}
}

// CreateGroupRequest carries the parameters for opening a new buying round.
type CreateGroupRequest struct {
	ProductID       string    `json:"product_id" binding:"required"`
	TargetQuantity  int       `json:"target_quantity"`
	MinQuantity     int       `json:"min_quantity"`
	UnitPrice       float64   `json:"unit_price"`
	DiscountPercent int       `json:"discount_percent"`
	CenterLat       float64   `json:"center_lat"`
	CenterLng       float64   `json:"center_lng"`
	RadiusKm        float64   `json:"radius_km"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// CreateGroup validates and persists a new open group.
func (s *Service) CreateGroup(req CreateGroupRequest) (*types.BuyingGroup, error) {
	switch {
	case req.ProductID == "":
		return nil, errs.Validation("product_id is required")
	case req.TargetQuantity <= 0:
		return nil, errs.Validation("target_quantity must be positive")
	case req.MinQuantity <= 0:
		return nil, errs.Validation("min_quantity must be positive")
	case req.MinQuantity > req.TargetQuantity:
		return nil, errs.Validation("min_quantity cannot exceed target_quantity")
	case req.UnitPrice <= 0:
		return nil, errs.Validation("unit_price must be positive")
	case req.DiscountPercent < 0 || req.DiscountPercent > 100:
		return nil, errs.Validation("discount_percent must be between 0 and 100")
	case req.RadiusKm < 0:
		return nil, errs.Validation("radius_km cannot be negative")
	case !req.ExpiresAt.After(s.clk.Now()):
		return nil, errs.Validation("expires_at must be in the future")
	}

	now := s.clk.Now()
	group := &types.BuyingGroup{
		GroupID:         "GRP_" + uuid.New().String(),
		ProductID:       req.ProductID,
		TargetQuantity:  req.TargetQuantity,
		MinQuantity:     req.MinQuantity,
		UnitPrice:       req.UnitPrice,
		DiscountPercent: req.DiscountPercent,
		Status:          types.GroupStatusOpen,
		CenterLat:       req.CenterLat,
		CenterLng:       req.CenterLng,
		RadiusKm:        req.RadiusKm,
		ExpiresAt:       req.ExpiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.db.CreateGroup(group); err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "group").
		Str("group_id", group.GroupID).
		Str("product_id", group.ProductID).
		Int("target_quantity", group.TargetQuantity).
		Int("min_quantity", group.MinQuantity).
		Time("expires_at", group.ExpiresAt).
		Msg("buying group created")

	return group, nil
}

// GetGroup retrieves a group by ID.
func (s *Service) GetGroup(groupID string) (*types.BuyingGroup, error) {
	return s.db.GetGroup(groupID)
}

// ListOpenNear returns open groups whose delivery radius covers the given
// point, ordered by soonest expiry. With no coordinates it returns all open
// groups.
func (s *Service) ListOpenNear(lat, lng float64, hasPoint bool) ([]types.BuyingGroup, error) {
	groups, err := s.db.ListOpen()
	if err != nil {
		return nil, err
	}
	if !hasPoint {
		return groups, nil
	}

	matched := make([]types.BuyingGroup, 0, len(groups))
	for _, g := range groups {
		if haversineKm(lat, lng, g.CenterLat, g.CenterLng) <= g.RadiusKm {
			matched = append(matched, g)
		}
	}
	return matched, nil
}

// CancelGroup administratively cancels a non-terminal group.
func (s *Service) CancelGroup(groupID, reason string) error {
	group, err := s.db.GetGroup(groupID)
	if err != nil {
		return err
	}
	if types.IsTerminalGroupStatus(group.Status) {
		return errs.Conflict("group %s is already %s", groupID, group.Status)
	}

	ok, err := s.db.TransitionStatus(groupID,
		[]string{types.GroupStatusOpen, types.GroupStatusActive},
		types.GroupStatusCancelled, s.clk.Now())
	if err != nil {
		return err
	}
	if !ok {
		// Lost a race against settlement finishing first.
		return errs.Conflict("group %s changed state during cancellation", groupID)
	}

	log.Warn().
		Str("service", "group").
		Str("group_id", groupID).
		Str("reason", reason).
		Msg("group administratively cancelled")

	s.sink.Publish(groupID, notify.StatusChangeEvent{
		OldStatus: group.Status,
		NewStatus: types.GroupStatusCancelled,
		Reason:    reason,
	})
	return nil
}

// ResetForDemo reopens a group and wipes its commitments so demo data can be
// repopulated. This is an operator escape hatch: nothing in the normal
// lifecycle calls it and it is not routed on the API.
func (s *Service) ResetForDemo(groupID string, newExpiry time.Time) error {
	now := s.clk.Now()
	if !newExpiry.After(now) {
		return errs.Validation("new expiry must be in the future")
	}

	if err := s.db.ResetGroup(groupID, newExpiry, now); err != nil {
		return err
	}

	log.Warn().
		Str("service", "group").
		Str("group_id", groupID).
		Time("new_expiry", newExpiry).
		Msg("group reset for demo repopulation")
	return nil
}

// haversineKm returns the great-circle distance between two points.
func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadiusKm = 6371.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

// GinHandlers contains HTTP handlers for group endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateGroupHandler handles POST requests to open new buying groups
func (h *GinHandlers) CreateGroupHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateGroupRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		group, err := h.service.CreateGroup(req)
		response.Handle(c, group, err)
	}
}

// GetGroupHandler handles GET requests for a single group
// URL parameter: group_id
func (h *GinHandlers) GetGroupHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		groupID := c.Param("group_id")

		group, err := h.service.GetGroup(groupID)
		response.Handle(c, group, err)
	}
}

// ListGroupsHandler handles GET requests listing open groups, optionally
// filtered to those covering a lat/lng point
func (h *GinHandlers) ListGroupsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var query struct {
			Lat *float64 `form:"lat"`
			Lng *float64 `form:"lng"`
		}
		if err := c.ShouldBindQuery(&query); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		hasPoint := query.Lat != nil && query.Lng != nil
		var lat, lng float64
		if hasPoint {
			lat, lng = *query.Lat, *query.Lng
		}

		groups, err := h.service.ListOpenNear(lat, lng, hasPoint)
		response.Handle(c, groups, err)
	}
}

// CancelGroupHandler handles POST requests to administratively cancel a group
// Requires internal authentication
func (h *GinHandlers) CancelGroupHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		groupID := c.Param("group_id")
		var req struct {
			Reason string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		if err := h.service.CancelGroup(groupID, req.Reason); err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{"message": "group cancelled"})
	}
}
