/**
 * @description
 * This file defines the escrowed-deal domain model. A deal is a three-party
 * agreement (buyer pays, seller delivers, guarantor arbitrates) with a
 * time-boxed approval window. Both parties approve the start, both approve
 * the end once the window has opened, and the guarantor then finishes the
 * deal — or cancels it after an issue has been flagged.
 *
 * @notes
 * - Deal ids are sequential int64 starting at 1 (BIGSERIAL in the database).
 * - Amounts are token base units; see amount.go.
 */

package domain

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// DealStatus is the tri-state completion flag of a deal.
type DealStatus string

const (
	DealStatusPending   DealStatus = "pending"
	DealStatusCancelled DealStatus = "cancelled"
	DealStatusFinished  DealStatus = "finished"
)

// Reputation token ids minted on terminal deal transitions.
const (
	ReputationTokenGuarantor int64 = 11
	ReputationTokenSeller    int64 = 12
	ReputationTokenBuyer     int64 = 13
)

// Deal is the full escrow record as stored in the `deals` table.
type Deal struct {
	ID          int64      `json:"id"`
	Description string     `json:"description"`
	SellerID    uuid.UUID  `json:"seller_id"`
	BuyerID     uuid.UUID  `json:"buyer_id"`
	GuarantorID uuid.UUID  `json:"guarantor_id"`
	Amount      *big.Int   `json:"amount"` // native payment value escrowed for the seller
	StartTime   time.Time  `json:"start_time"`
	EndTime     time.Time  `json:"end_time"`
	HasIssue    bool       `json:"has_issue"`
	IssueNote   *string    `json:"issue_note,omitempty"`

	SellerStartApproved bool `json:"seller_start_approved"`
	BuyerStartApproved  bool `json:"buyer_start_approved"`
	SellerEndApproved   bool `json:"seller_end_approved"`
	BuyerEndApproved    bool `json:"buyer_end_approved"`

	Status       DealStatus `json:"status"`
	GuarantorFee *big.Int   `json:"guarantor_fee"` // token base units, escrowed at creation
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Terminal reports whether the deal can no longer change state.
func (d *Deal) Terminal() bool {
	return d.Status == DealStatusCancelled || d.Status == DealStatusFinished
}

// StartApproved reports whether both parties approved the start of the deal.
func (d *Deal) StartApproved() bool {
	return d.SellerStartApproved && d.BuyerStartApproved
}

// EndApproved reports whether both parties approved the end of the deal.
func (d *Deal) EndApproved() bool {
	return d.SellerEndApproved && d.BuyerEndApproved
}

// IsParty reports whether the given user is the seller or the buyer.
func (d *Deal) IsParty(userID uuid.UUID) bool {
	return userID == d.SellerID || userID == d.BuyerID
}

// CommonDealView exposes the description/parties/value/window of a deal.
type CommonDealView struct {
	ID          int64     `json:"id"`
	Description string    `json:"description"`
	SellerID    uuid.UUID `json:"seller_id"`
	BuyerID     uuid.UUID `json:"buyer_id"`
	GuarantorID uuid.UUID `json:"guarantor_id"`
	Amount      *big.Int  `json:"amount"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
}

// BoolDealView exposes the boolean flags of a deal.
type BoolDealView struct {
	ID        int64      `json:"id"`
	HasIssue  bool       `json:"has_issue"`
	IssueNote *string    `json:"issue_note,omitempty"`
	Status    DealStatus `json:"status"`
}

// ApproveDealView exposes the four approval flags of a deal.
type ApproveDealView struct {
	ID                  int64 `json:"id"`
	SellerStartApproved bool  `json:"seller_start_approved"`
	BuyerStartApproved  bool  `json:"buyer_start_approved"`
	SellerEndApproved   bool  `json:"seller_end_approved"`
	BuyerEndApproved    bool  `json:"buyer_end_approved"`
}

// CommonView projects the deal onto its common read accessor.
func (d *Deal) CommonView() CommonDealView {
	return CommonDealView{
		ID:          d.ID,
		Description: d.Description,
		SellerID:    d.SellerID,
		BuyerID:     d.BuyerID,
		GuarantorID: d.GuarantorID,
		Amount:      d.Amount,
		StartTime:   d.StartTime,
		EndTime:     d.EndTime,
	}
}

// BoolView projects the deal onto its boolean-flag read accessor.
func (d *Deal) BoolView() BoolDealView {
	return BoolDealView{ID: d.ID, HasIssue: d.HasIssue, IssueNote: d.IssueNote, Status: d.Status}
}

// ApproveView projects the deal onto its approval-flag read accessor.
func (d *Deal) ApproveView() ApproveDealView {
	return ApproveDealView{
		ID:                  d.ID,
		SellerStartApproved: d.SellerStartApproved,
		BuyerStartApproved:  d.BuyerStartApproved,
		SellerEndApproved:   d.SellerEndApproved,
		BuyerEndApproved:    d.BuyerEndApproved,
	}
}

// MakeDealRequest is the DTO for the deal-creation API endpoint.
type MakeDealRequest struct {
	Description string    `json:"description"`
	SellerID    uuid.UUID `json:"seller_id"`
	GuarantorID uuid.UUID `json:"guarantor_id"`
	StartTime   int64     `json:"start_time"` // unix seconds
	EndTime     int64     `json:"end_time"`   // unix seconds
	Amount      string    `json:"amount"`     // base-10 token base units
}

// SetIssueRequest is the DTO for flagging an issue on a deal.
type SetIssueRequest struct {
	Note string `json:"note"`
}
