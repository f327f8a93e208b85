package dispute

import (
	"time"

	"trondeal/native/deal"
)

// Status of the dispute record itself, separate from the deal status.
type Status string

const (
	StatusOpen      Status = "open"
	StatusResolved  Status = "resolved"
	StatusCancelled Status = "cancelled"
)

// Decision is the arbiter's ruling.
type Decision string

const (
	DecisionRefundBuyer   Decision = "refund_buyer"
	DecisionReleaseSeller Decision = "release_seller"
)

func (d Decision) Valid() bool {
	return d == DecisionRefundBuyer || d == DecisionReleaseSeller
}

// Winner returns the side the decision favours.
func (d Decision) Winner() deal.Role {
	if d == DecisionReleaseSeller {
		return deal.RoleSeller
	}
	return deal.RoleBuyer
}

// Dispute is one conflict record per deal; a deal admits at most one.
type Dispute struct {
	ID             int64
	DealID         string
	OpenerID       int64
	Reason         string
	MediaIDs       []string
	PriorStatus    deal.Status
	Status         Status
	Decision       Decision
	DecisionReason string
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

// Stats tracks per-user dispute outcomes. LossStreak counts consecutive
// losses; reaching AutobanThreshold flips the blacklist flag.
type Stats struct {
	UserID      int64
	Wins        int
	Losses      int
	LossStreak  int
	Blacklisted bool
	UpdatedAt   time.Time
}

// AutobanThreshold is the consecutive-loss count that triggers a blacklist.
const AutobanThreshold = 3

// MinReasonLength is the shortest accepted dispute reason.
const MinReasonLength = 20
