/**
 * @description
 * Escrowed-deal business logic. A deal moves through start approval, end
 * approval and a terminal transition (finish or cancel) driven by three
 * parties; every transition validates the caller and the deal state, and the
 * repository guarantees each transition lands exactly once.
 *
 * Reputation credentials are minted on terminal transitions: the guarantor
 * earns one on either outcome, seller and buyer earn theirs only when the
 * deal finishes.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/communio/bank-service/internal/domain"
)

// MakeDeal opens a new escrowed deal on behalf of the buyer. The guarantor
// fee, a fixed native-denominated constant converted at the current oracle
// price, is escrowed from the buyer's ledger balance until the deal reaches
// a terminal state.
func (s *Service) MakeDeal(ctx context.Context, buyerID uuid.UUID, description string, sellerID, guarantorID uuid.UUID, startTime, endTime time.Time, amount *big.Int) (*domain.Deal, error) {
	if err := s.consumeDealRateLimit(ctx, "deal_create", buyerID.String(), s.dealCreateLimitPerMin); err != nil {
		return nil, err
	}
	if !endTime.After(startTime) {
		return nil, ErrInvalidWindow
	}
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("deal amount must not be negative")
	}

	fee := big.NewInt(0)
	if domain.IsPositive(s.guarantorFeeNative) {
		price, err := s.oracle.GetExchangeRate(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInsufficientPrice, err)
		}
		if !domain.IsPositive(price) {
			return nil, ErrInsufficientPrice
		}
		fee = domain.ConvertNativeToToken(s.guarantorFeeNative, price)
	}

	deal := &domain.Deal{
		Description:  description,
		SellerID:     sellerID,
		BuyerID:      buyerID,
		GuarantorID:  guarantorID,
		Amount:       new(big.Int).Set(amount),
		StartTime:    startTime.UTC(),
		EndTime:      endTime.UTC(),
		Status:       domain.DealStatusPending,
		GuarantorFee: fee,
	}

	dealID, err := s.repo.CreateDealWithFee(ctx, deal)
	if err != nil {
		return nil, err
	}
	deal.ID = dealID

	s.publishDealEvent(ctx, deal, "created")
	return deal, nil
}

// SetIssue flags an issue on a deal. Only the seller or the buyer may flag;
// flagging an already-flagged deal is a no-op beyond replacing the note.
func (s *Service) SetIssue(ctx context.Context, callerID uuid.UUID, dealID int64, note string) error {
	deal, err := s.repo.GetDeal(ctx, dealID)
	if err != nil {
		return err
	}
	if !deal.IsParty(callerID) {
		return ErrWrongDealUser
	}
	if err := s.repo.SetDealIssue(ctx, dealID, note); err != nil {
		return err
	}
	s.publishDealEvent(ctx, deal, "issue_flagged")
	return nil
}

// MakeStartApprove records the caller's approval of the deal start. Once both
// parties have approved, the deal is considered start-approved.
func (s *Service) MakeStartApprove(ctx context.Context, callerID uuid.UUID, dealID int64) error {
	deal, err := s.repo.GetDeal(ctx, dealID)
	if err != nil {
		return err
	}
	if !deal.IsParty(callerID) {
		return ErrWrongDealUser
	}
	bySeller := callerID == deal.SellerID
	if err := s.repo.SetDealStartApproval(ctx, dealID, bySeller); err != nil {
		return err
	}

	if bySeller {
		deal.SellerStartApproved = true
	} else {
		deal.BuyerStartApproved = true
	}
	if deal.StartApproved() {
		s.publishDealEvent(ctx, deal, "start_approved")
	}
	return nil
}

// MakeEndApprove records the caller's approval of the deal end. Rejected
// until the deal's start time has elapsed; the guarantor is never a valid
// caller here.
func (s *Service) MakeEndApprove(ctx context.Context, callerID uuid.UUID, dealID int64) error {
	deal, err := s.repo.GetDeal(ctx, dealID)
	if err != nil {
		return err
	}
	if !deal.IsParty(callerID) {
		return ErrWrongDealUser
	}
	if s.now().Before(deal.StartTime) {
		return ErrWrongStartTime
	}
	bySeller := callerID == deal.SellerID
	if err := s.repo.SetDealEndApproval(ctx, dealID, bySeller); err != nil {
		return err
	}

	if bySeller {
		deal.SellerEndApproved = true
	} else {
		deal.BuyerEndApproved = true
	}
	if deal.EndApproved() {
		s.publishDealEvent(ctx, deal, "end_approved")
	}
	return nil
}

// CancelDeal cancels a deal with a flagged issue. Guarantor only. The
// escrowed guarantor fee is released to the guarantor and a guarantor
// reputation credential is minted; the payments side refunds the native
// value to the buyer on the published event.
func (s *Service) CancelDeal(ctx context.Context, callerID uuid.UUID, dealID int64) error {
	deal, err := s.repo.GetDeal(ctx, dealID)
	if err != nil {
		return err
	}
	if callerID != deal.GuarantorID {
		return ErrNotAuthorized
	}
	if !deal.HasIssue {
		return ErrNoIssue
	}
	if err := s.repo.FinalizeDeal(ctx, dealID, domain.DealStatusCancelled); err != nil {
		return err
	}

	s.mintReputation(ctx, deal.GuarantorID, domain.ReputationTokenGuarantor)
	deal.Status = domain.DealStatusCancelled
	s.publishDealEvent(ctx, deal, "cancelled")
	return nil
}

// FinishDeal completes a deal once both parties have approved the end.
// Guarantor only. Reputation credentials are minted to all three parties and
// the payments side releases the native value to the seller on the published
// event.
func (s *Service) FinishDeal(ctx context.Context, callerID uuid.UUID, dealID int64) error {
	deal, err := s.repo.GetDeal(ctx, dealID)
	if err != nil {
		return err
	}
	if callerID != deal.GuarantorID {
		return ErrNotAuthorized
	}
	if !deal.EndApproved() {
		return ErrNotApproved
	}
	if err := s.repo.FinalizeDeal(ctx, dealID, domain.DealStatusFinished); err != nil {
		return err
	}

	s.mintReputation(ctx, deal.GuarantorID, domain.ReputationTokenGuarantor)
	s.mintReputation(ctx, deal.SellerID, domain.ReputationTokenSeller)
	s.mintReputation(ctx, deal.BuyerID, domain.ReputationTokenBuyer)
	deal.Status = domain.DealStatusFinished
	s.publishDealEvent(ctx, deal, "finished")
	return nil
}

// ReadCommonDeal exposes the description/parties/value/window of a deal. The
// details limit is keyed by the requester, so one client exhausting its
// budget never blocks reads of the same deal by anyone else.
func (s *Service) ReadCommonDeal(ctx context.Context, requester string, dealID int64) (*domain.CommonDealView, error) {
	if err := s.consumeDealRateLimit(ctx, "deal_details", requester, s.dealDetailsLimitPerMin); err != nil {
		return nil, err
	}
	deal, err := s.repo.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	view := deal.CommonView()
	return &view, nil
}

// ReadBoolDeal exposes the boolean flags of a deal.
func (s *Service) ReadBoolDeal(ctx context.Context, dealID int64) (*domain.BoolDealView, error) {
	deal, err := s.repo.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	view := deal.BoolView()
	return &view, nil
}

// ReadApproveDeal exposes the approval flags of a deal.
func (s *Service) ReadApproveDeal(ctx context.Context, dealID int64) (*domain.ApproveDealView, error) {
	deal, err := s.repo.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	view := deal.ApproveView()
	return &view, nil
}

// mintReputation credits one reputation credential. Minting is advisory: a
// failure is logged but never rolls back the terminal transition.
func (s *Service) mintReputation(ctx context.Context, userID uuid.UUID, tokenID int64) {
	if s.reputation == nil {
		return
	}
	if err := s.reputation.Mint(ctx, userID.String(), tokenID, 1); err != nil {
		log.Printf("level=warn component=escrow_deal msg=\"reputation mint failed\" user_id=%s token_id=%d err=%v", userID, tokenID, err)
	}
}

func (s *Service) publishDealEvent(ctx context.Context, deal *domain.Deal, transition string) {
	if s.eventProducer == nil {
		return
	}
	event := domain.DealEvent{
		DealID:      deal.ID,
		Transition:  transition,
		BuyerID:     deal.BuyerID,
		SellerID:    deal.SellerID,
		GuarantorID: deal.GuarantorID,
		Amount:      deal.Amount.String(),
		Timestamp:   s.now(),
	}
	routingKey := "bank.deal." + transition
	if err := s.eventProducer.Publish(ctx, EventsExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=escrow_deal msg=\"deal event publish failed\" routing_key=%s deal_id=%d err=%v", routingKey, deal.ID, err)
	}
}
