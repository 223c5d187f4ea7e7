/**
 * @description
 * Event payloads exchanged over RabbitMQ. The service publishes ledger and
 * deal lifecycle events for downstream consumers (community, notification and
 * analytics services) and consumes governance fee-update events produced when
 * a fee vote passes.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// FeeUpdatedEvent announces that a community fee schedule changed.
type FeeUpdatedEvent struct {
	CommunityID  uint64    `json:"community_id"`
	Kind         FeeKind   `json:"kind"`
	OwnerFeeBps  uint64    `json:"owner_fee"`
	ModeratorBps uint64    `json:"moderator_fee"`
	TreasuryBps  uint64    `json:"treasury_fee"`
	TotalBps     uint64    `json:"total"`
	Timestamp    time.Time `json:"timestamp"`
}

// BalanceChangedEvent announces a mint, burn, deposit or withdrawal.
// Amounts are base-10 strings of token base units.
type BalanceChangedEvent struct {
	UserID    uuid.UUID `json:"user_id"`
	Operation string    `json:"operation"` // mint, burn, deposit, withdraw
	Amount    string    `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// DealEvent announces a deal lifecycle transition.
type DealEvent struct {
	DealID      int64     `json:"deal_id"`
	Transition  string    `json:"transition"` // created, issue_flagged, start_approved, end_approved, cancelled, finished
	BuyerID     uuid.UUID `json:"buyer_id"`
	SellerID    uuid.UUID `json:"seller_id"`
	GuarantorID uuid.UUID `json:"guarantor_id"`
	Amount      string    `json:"amount,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// GovernanceFeeEvent is consumed from the governance service when a fee vote
// has been executed. Field order matches the vote payload (owner, moderator,
// treasury, total).
type GovernanceFeeEvent struct {
	CommunityID  uint64  `json:"community_id"`
	Kind         FeeKind `json:"kind"`
	OwnerFeeBps  uint64  `json:"owner_fee"`
	ModeratorBps uint64  `json:"moderator_fee"`
	TreasuryBps  uint64  `json:"treasury_fee"`
	TotalBps     uint64  `json:"total"`
	VoteID       string  `json:"vote_id,omitempty"`
}
