/**
 * @description
 * This file defines the fee-ledger domain models: per-community fee schedules
 * for post and comment actions, user token balances, and the named global fee
 * defaults the administrator can tune. These structs map directly to the
 * `fee_schedules`, `accounts` and `global_fees` tables.
 *
 * @notes
 * - Fee splits are basis points out of 10000. The bootstrap default credits
 *   4500 to the content owner, 4500 to the acting user and 0 to the treasury,
 *   with a recorded total of 9000; the remaining 1000 accrues to the ledger
 *   reserve on every mint.
 */

package domain

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// FeeKind distinguishes the two content actions a schedule can price.
type FeeKind string

const (
	FeeKindPost    FeeKind = "post"
	FeeKindComment FeeKind = "comment"
)

// Default bootstrap splits applied by DefinePostFee / DefineCommentFee.
const (
	DefaultOwnerFeeBps     = 4500
	DefaultModeratorFeeBps = 4500
	DefaultTreasuryFeeBps  = 0
	DefaultTotalFeeBps     = 9000
)

// Named global fee defaults settable by the ledger administrator. Values are
// basis points out of 10000: the removal fees scale the burn debited for a
// content removal, the treasury percent feeds newly bootstrapped schedules.
const (
	GlobalFeePostOwnerRemoval    = "post_owner_removal_fee"
	GlobalFeeCommentOwnerRemoval = "comment_owner_removal_fee"
	GlobalFeeTreasuryPercent     = "treasury_fee_percent"
)

// DefaultRemovalFeeBps applies when no removal fee has been stored: a removal
// burns half of what the matching mint credited, so a mint-then-burn round
// trip always leaves every party with a positive remainder.
const DefaultRemovalFeeBps = 5000

// RemovalFeeName returns the global fee name scaling the burn for a kind.
func RemovalFeeName(kind FeeKind) string {
	if kind == FeeKindComment {
		return GlobalFeeCommentOwnerRemoval
	}
	return GlobalFeePostOwnerRemoval
}

// FeeSchedule is the fee split applied to one content action within one
// community. A schedule exists independently per (community, kind) pair.
type FeeSchedule struct {
	CommunityID  uint64    `json:"community_id"`
	Kind         FeeKind   `json:"kind"`
	OwnerFeeBps  uint64    `json:"owner_fee"`
	ModeratorBps uint64    `json:"moderator_fee"`
	TreasuryBps  uint64    `json:"treasury_fee"`
	TotalBps     uint64    `json:"total"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Consistent reports whether the recorded total equals the sum of the parts.
// Governance may install an inconsistent split on purpose; the service only
// warns about it.
func (s FeeSchedule) Consistent() bool {
	return s.OwnerFeeBps+s.ModeratorBps+s.TreasuryBps == s.TotalBps
}

// DefaultFeeSchedule returns the bootstrap schedule for a community action.
func DefaultFeeSchedule(communityID uint64, kind FeeKind) FeeSchedule {
	return FeeSchedule{
		CommunityID:  communityID,
		Kind:         kind,
		OwnerFeeBps:  DefaultOwnerFeeBps,
		ModeratorBps: DefaultModeratorFeeBps,
		TreasuryBps:  DefaultTreasuryFeeBps,
		TotalBps:     DefaultTotalFeeBps,
	}
}

// Account is a user's internal token balance held by the ledger.
type Account struct {
	UserID    uuid.UUID `json:"user_id"`
	Balance   *big.Int  `json:"balance"` // token base units (1e18 scale)
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerTotals is a snapshot of the ledger-held reserve and treasury pools.
type LedgerTotals struct {
	Reserve  *big.Int `json:"reserve"`
	Treasury *big.Int `json:"treasury"`
}

// MintSplit is the computed distribution of one mint or burn operation.
type MintSplit struct {
	Total    *big.Int
	Owner    *big.Int
	User     *big.Int
	Treasury *big.Int
	Reserve  *big.Int
}

// SplitFeeAmount distributes a total mint amount according to a schedule.
// Truncation remainders stay in the reserve share so the split always sums
// exactly to the total.
func SplitFeeAmount(total *big.Int, schedule FeeSchedule) MintSplit {
	owner := ApplyBasisPoints(total, schedule.OwnerFeeBps)
	user := ApplyBasisPoints(total, schedule.ModeratorBps)
	treasury := ApplyBasisPoints(total, schedule.TreasuryBps)

	reserve := new(big.Int).Set(total)
	reserve.Sub(reserve, owner)
	reserve.Sub(reserve, user)
	reserve.Sub(reserve, treasury)

	return MintSplit{
		Total:    new(big.Int).Set(total),
		Owner:    owner,
		User:     user,
		Treasury: treasury,
		Reserve:  reserve,
	}
}
