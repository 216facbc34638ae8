package payment

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/groupcart/groupcart-api/internal/errs"
	"github.com/rs/zerolog/log"
)

// CaptureResult reports the outcome of capturing a payment hold.
type CaptureResult struct {
	PaymentRef      string `json:"payment_ref"`
	AlreadyCaptured bool   `json:"already_captured"`
}

// Authority is the payment-provider capability the engine depends on.
// Capture and Cancel must tolerate repeats: capturing an already-captured
// hold or cancelling an already-cancelled one is success, not an error.
type Authority interface {
	AuthorizeHold(buyerID string, amount float64) (string, error)
	Capture(holdRef string) (*CaptureResult, error)
	Cancel(holdRef string) error
	Refund(orderRef string, amount float64) error
}

// Hold states for the simulated provider.
const (
	holdAuthorized = "AUTHORIZED"
	holdCaptured   = "CAPTURED"
	holdCancelled  = "CANCELLED"
)

type hold struct {
	buyerID    string
	amount     float64
	status     string
	paymentRef string
}

// Simulated is a mock payment provider with configurable latency and
// capture success rate, used by the server and simulation binaries.
type Simulated struct {
	mu          sync.Mutex
	holds       map[string]*hold
	refunds     map[string]float64
	MinLatency  int     // in milliseconds
	MaxLatency  int     // in milliseconds
	SuccessRate float64 // 0-1, probability of successful capture
}

func NewSimulated(successRate float64) *Simulated {
	return &Simulated{
		holds:       make(map[string]*hold),
		refunds:     make(map[string]float64),
		MinLatency:  5,
		MaxLatency:  30,
		SuccessRate: successRate,
	}
}

func (s *Simulated) simulateLatency() {
	if s.MaxLatency <= s.MinLatency {
		return
	}
	latency := rand.Intn(s.MaxLatency-s.MinLatency+1) + s.MinLatency
	time.Sleep(time.Duration(latency) * time.Millisecond)
}

func (s *Simulated) AuthorizeHold(buyerID string, amount float64) (string, error) {
	logger := log.With().
		Str("component", "payment_simulator").
		Str("buyer_id", buyerID).
		Float64("amount", amount).
		Logger()

	if amount <= 0 {
		return "", errs.Validation("hold amount must be positive")
	}

	s.simulateLatency()

	holdRef := "HOLD_" + uuid.New().String()
	s.mu.Lock()
	s.holds[holdRef] = &hold{buyerID: buyerID, amount: amount, status: holdAuthorized}
	s.mu.Unlock()

	logger.Debug().Str("hold_ref", holdRef).Msg("payment hold authorized")
	return holdRef, nil
}

func (s *Simulated) Capture(holdRef string) (*CaptureResult, error) {
	s.simulateLatency()

	s.mu.Lock()
	defer s.mu.Unlock()

	h, exists := s.holds[holdRef]
	if !exists {
		return nil, errs.External(nil, "unknown payment hold %s", holdRef)
	}

	switch h.status {
	case holdCaptured:
		// Repeat capture is success by contract.
		return &CaptureResult{PaymentRef: h.paymentRef, AlreadyCaptured: true}, nil
	case holdCancelled:
		return nil, errs.External(nil, "payment hold %s already cancelled", holdRef)
	}

	if rand.Float64() > s.SuccessRate {
		return nil, errs.External(nil, "payment provider declined capture for %s", holdRef)
	}

	h.status = holdCaptured
	h.paymentRef = "PAY_" + uuid.New().String()
	return &CaptureResult{PaymentRef: h.paymentRef}, nil
}

func (s *Simulated) Cancel(holdRef string) error {
	s.simulateLatency()

	s.mu.Lock()
	defer s.mu.Unlock()

	h, exists := s.holds[holdRef]
	if !exists {
		return errs.External(nil, "unknown payment hold %s", holdRef)
	}

	switch h.status {
	case holdCancelled:
		// Repeat cancel is success by contract.
		return nil
	case holdCaptured:
		return errs.Conflict("payment hold %s already captured", holdRef)
	}

	h.status = holdCancelled
	return nil
}

func (s *Simulated) Refund(orderRef string, amount float64) error {
	if amount <= 0 {
		return errs.Validation("refund amount must be positive")
	}

	s.simulateLatency()

	s.mu.Lock()
	s.refunds[orderRef] += amount
	s.mu.Unlock()

	log.Info().
		Str("component", "payment_simulator").
		Str("order_ref", orderRef).
		Float64("amount", amount).
		Msg("refund issued")
	return nil
}

// HoldStatus exposes the state of a hold for the simulation binary.
func (s *Simulated) HoldStatus(holdRef string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, exists := s.holds[holdRef]
	if !exists {
		return "", false
	}
	return h.status, true
}
