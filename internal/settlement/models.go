package settlement

// Settlement reasons reported on the terminal status change.
const (
	ReasonTargetReached       = "target_reached"
	ReasonExpiredAboveMinimum = "expired_above_minimum"
	ReasonExpiredBelowMinimum = "expired_below_minimum"
)

// CommitmentFailure records one commitment that could not be resolved in a
// settlement pass. The commitment stays pending and is retried on the next
// Settle invocation.
type CommitmentFailure struct {
	CommitmentID string `json:"commitment_id"`
	Stage        string `json:"stage"` // capture, order
	Reason       string `json:"reason"`
}

// Outcome is the return contract of Settle. Settled is false when the group
// was already terminal and the call was a no-op.
type Outcome struct {
	GroupID        string              `json:"group_id"`
	Settled        bool                `json:"settled"`
	Success        bool                `json:"success"`
	FinalStatus    string              `json:"final_status"`
	Reason         string              `json:"reason,omitempty"`
	OrdersCreated  int                 `json:"orders_created"`
	Confirmed      int                 `json:"confirmed"`
	Cancelled      int                 `json:"cancelled"`
	PaymentReview  []string            `json:"payment_review,omitempty"` // confirmed without captured payment
	Failures       []CommitmentFailure `json:"failures,omitempty"`
}

// BatchStats summarizes one expiry scan.
type BatchStats struct {
	TotalProcessed int `json:"total_processed"`
	Successful     int `json:"successful"`
	Failed         int `json:"failed"`
	Errors         int `json:"errors"`
}
