/**
 * @description
 * This file contains the core business logic of the bank-service's fee-ledger
 * side. The `Service` struct coordinates the database repository, the price
 * oracle, the external token service and the message broker to implement fee
 * schedule management and mint/burn/deposit/withdraw flows.
 *
 * Key features:
 * - Single role gate consulted before every mutating operation.
 * - Mint/burn amounts derive from the oracle price with integer arithmetic
 *   only (token base units, 1e18 scale).
 * - Every multi-balance movement is delegated to an atomic repository method,
 *   so a precondition failure leaves no partial state behind.
 *
 * @dependencies
 * - context, errors, fmt, log, math/big, time: Standard Go libraries.
 * - github.com/google/uuid: For user identifiers.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For event publication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/communio/bank-service/internal/domain"
	"github.com/communio/bank-service/internal/store"
	"github.com/communio/bank-service/pkg/rabbitmq"
)

// Business-rule errors. Data-level errors (insufficient balance, not found)
// come from the store package; transfer failures from the token client.
var (
	ErrNotAuthorized     = errors.New("caller is not authorized for this operation")
	ErrInsufficientPrice = errors.New("oracle price is not positive")
	ErrInvalidWindow     = errors.New("deal end time must be after start time")
	ErrWrongStartTime    = errors.New("deal start time has not elapsed")
	ErrWrongDealUser     = errors.New("caller is not a party to this deal")
	ErrNoIssue           = errors.New("deal has no flagged issue")
	ErrNotApproved       = errors.New("deal end is not approved by both parties")
	ErrUnknownGlobalFee  = errors.New("unknown global fee name")
)

// EventsExchange is the topic exchange all bank events are published to.
const EventsExchange = "bank.events"

// Role identifies the capability of a caller. Handlers resolve the role from
// the request (internal API key or user JWT) and pass it down; the service
// consults a single gate before every mutating operation.
type Role string

const (
	RoleCommunity  Role = "community"
	RoleGovernance Role = "governance"
	RoleAdmin      Role = "admin"
	RoleUser       Role = "user"
)

// PriceSource is the oracle capability the service depends on.
type PriceSource interface {
	GetExchangeRate(ctx context.Context) (*big.Int, error)
	ConvertNativeToToken(ctx context.Context, amount *big.Int) (*big.Int, error)
}

// TokenMover is the external token capability the service depends on.
type TokenMover interface {
	TransferIn(ctx context.Context, userID string, amount *big.Int) error
	TransferOut(ctx context.Context, userID string, amount *big.Int) error
	Mint(ctx context.Context, amount *big.Int) error
	Burn(ctx context.Context, amount *big.Int) error
}

// ReputationMinter mints semi-fungible reputation credentials.
type ReputationMinter interface {
	Mint(ctx context.Context, userID string, tokenID int64, amount int64) error
}

// Service provides the core business logic of the bank-service.
type Service struct {
	repo          store.Repository
	oracle        PriceSource
	token         TokenMover
	reputation    ReputationMinter
	eventProducer rabbitmq.Publisher

	// guarantorFeeNative is the fixed native-denominated guarantor fee,
	// converted into token units at deal creation time.
	guarantorFeeNative *big.Int

	// now is the clock used for deal window comparisons; injectable for tests.
	now func() time.Time

	dealLimiter            RateLimiter
	dealCreateLimitPerMin  int
	dealDetailsLimitPerMin int
}

// NewService creates a new bank service instance.
func NewService(
	repo store.Repository,
	oracle PriceSource,
	token TokenMover,
	reputation ReputationMinter,
	producer rabbitmq.Publisher,
	guarantorFeeNative *big.Int,
) *Service {
	if guarantorFeeNative == nil {
		guarantorFeeNative = big.NewInt(0)
	}
	return &Service{
		repo:               repo,
		oracle:             oracle,
		token:              token,
		reputation:         reputation,
		eventProducer:      producer,
		guarantorFeeNative: guarantorFeeNative,
		now:                func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the service clock. Intended for tests.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// authorize is the single capability gate consulted before every mutating
// operation.
func (s *Service) authorize(role Role, allowed ...Role) error {
	for _, a := range allowed {
		if role == a {
			return nil
		}
	}
	return ErrNotAuthorized
}

// DefinePostFee installs the default post fee schedule for a community.
// Re-invocation overwrites, matching the source system's observed behavior.
func (s *Service) DefinePostFee(ctx context.Context, role Role, communityID uint64) error {
	return s.defineFee(ctx, role, communityID, domain.FeeKindPost)
}

// DefineCommentFee installs the default comment fee schedule for a community.
func (s *Service) DefineCommentFee(ctx context.Context, role Role, communityID uint64) error {
	return s.defineFee(ctx, role, communityID, domain.FeeKindComment)
}

func (s *Service) defineFee(ctx context.Context, role Role, communityID uint64, kind domain.FeeKind) error {
	if err := s.authorize(role, RoleCommunity, RoleAdmin); err != nil {
		return err
	}
	schedule := domain.DefaultFeeSchedule(communityID, kind)

	// The administrator's stored treasury share feeds every newly
	// bootstrapped schedule; the recorded total grows to match.
	treasuryBps, defined, err := s.globalFeeBps(ctx, domain.GlobalFeeTreasuryPercent)
	if err != nil {
		return fmt.Errorf("failed to read treasury share for %s fee: %w", kind, err)
	}
	if defined {
		schedule.TreasuryBps = treasuryBps
		schedule.TotalBps = schedule.OwnerFeeBps + schedule.ModeratorBps + treasuryBps
	}

	if err := s.repo.UpsertFeeSchedule(ctx, schedule); err != nil {
		return fmt.Errorf("failed to define %s fee: %w", kind, err)
	}
	s.publishFeeEvent(ctx, "bank.fee.defined", schedule)
	return nil
}

// UpdatePostFee overwrites the post fee schedule for a community. The sum of
// the parts is not validated against the total: that policy belongs to the
// governance process that voted the values in.
func (s *Service) UpdatePostFee(ctx context.Context, role Role, communityID uint64, ownerBps, moderatorBps, treasuryBps, totalBps uint64) error {
	return s.updateFee(ctx, role, communityID, domain.FeeKindPost, ownerBps, moderatorBps, treasuryBps, totalBps)
}

// UpdateCommentFee overwrites the comment fee schedule for a community.
func (s *Service) UpdateCommentFee(ctx context.Context, role Role, communityID uint64, ownerBps, moderatorBps, treasuryBps, totalBps uint64) error {
	return s.updateFee(ctx, role, communityID, domain.FeeKindComment, ownerBps, moderatorBps, treasuryBps, totalBps)
}

func (s *Service) updateFee(ctx context.Context, role Role, communityID uint64, kind domain.FeeKind, ownerBps, moderatorBps, treasuryBps, totalBps uint64) error {
	if err := s.authorize(role, RoleGovernance, RoleAdmin); err != nil {
		return err
	}
	schedule := domain.FeeSchedule{
		CommunityID:  communityID,
		Kind:         kind,
		OwnerFeeBps:  ownerBps,
		ModeratorBps: moderatorBps,
		TreasuryBps:  treasuryBps,
		TotalBps:     totalBps,
	}
	if !schedule.Consistent() {
		log.Printf("level=warn component=fee_ledger msg=\"fee schedule parts do not sum to total\" community_id=%d kind=%s owner=%d moderator=%d treasury=%d total=%d",
			communityID, kind, ownerBps, moderatorBps, treasuryBps, totalBps)
	}
	if err := s.repo.UpsertFeeSchedule(ctx, schedule); err != nil {
		return fmt.Errorf("failed to update %s fee: %w", kind, err)
	}
	s.publishFeeEvent(ctx, "bank.fee.updated", schedule)
	return nil
}

// ReadPostFee returns the post fee schedule for a community.
func (s *Service) ReadPostFee(ctx context.Context, communityID uint64) (*domain.FeeSchedule, error) {
	return s.repo.GetFeeSchedule(ctx, communityID, domain.FeeKindPost)
}

// ReadCommentFee returns the comment fee schedule for a community.
func (s *Service) ReadCommentFee(ctx context.Context, communityID uint64) (*domain.FeeSchedule, error) {
	return s.repo.GetFeeSchedule(ctx, communityID, domain.FeeKindComment)
}

// MintForPost mints ledger tokens for a new post, splitting the amount
// between the content owner, the acting user, the treasury and the reserve
// according to the community's post schedule.
func (s *Service) MintForPost(ctx context.Context, role Role, communityID uint64, ownerID, userID uuid.UUID, gasHint uint64) (*domain.MintSplit, error) {
	return s.mintForAction(ctx, role, communityID, domain.FeeKindPost, ownerID, userID, gasHint)
}

// MintForComment mints ledger tokens for a new comment.
func (s *Service) MintForComment(ctx context.Context, role Role, communityID uint64, ownerID, userID uuid.UUID, gasHint uint64) (*domain.MintSplit, error) {
	return s.mintForAction(ctx, role, communityID, domain.FeeKindComment, ownerID, userID, gasHint)
}

// BurnForPost debits both parties for a post removal. The debit is the
// removal fee, the stored fraction of the matching mint amount: a mint
// followed by a burn with the same inputs always leaves both balances
// positive, below their post-mint values.
func (s *Service) BurnForPost(ctx context.Context, role Role, communityID uint64, ownerID, userID uuid.UUID, gasHint uint64) (*domain.MintSplit, error) {
	return s.burnForAction(ctx, role, communityID, domain.FeeKindPost, ownerID, userID, gasHint)
}

// BurnForComment debits both parties for a comment removal at the stored
// comment removal fee.
func (s *Service) BurnForComment(ctx context.Context, role Role, communityID uint64, ownerID, userID uuid.UUID, gasHint uint64) (*domain.MintSplit, error) {
	return s.burnForAction(ctx, role, communityID, domain.FeeKindComment, ownerID, userID, gasHint)
}

// actionAmount converts a gas hint into a token amount at the current oracle
// price: gasHint (native base units) * price / 1e18, truncating toward zero.
func (s *Service) actionAmount(ctx context.Context, gasHint uint64) (*big.Int, error) {
	price, err := s.oracle.GetExchangeRate(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientPrice, err)
	}
	if !domain.IsPositive(price) {
		return nil, ErrInsufficientPrice
	}
	return domain.ConvertNativeToToken(new(big.Int).SetUint64(gasHint), price), nil
}

func (s *Service) mintForAction(ctx context.Context, role Role, communityID uint64, kind domain.FeeKind, ownerID, userID uuid.UUID, gasHint uint64) (*domain.MintSplit, error) {
	if err := s.authorize(role, RoleCommunity); err != nil {
		return nil, err
	}
	schedule, err := s.repo.GetFeeSchedule(ctx, communityID, kind)
	if err != nil {
		return nil, err
	}
	amount, err := s.actionAmount(ctx, gasHint)
	if err != nil {
		return nil, err
	}
	split := domain.SplitFeeAmount(amount, *schedule)

	// Grow external supply first; if the ledger write then fails, burn the
	// minted supply back so the custody account stays consistent.
	if err := s.token.Mint(ctx, split.Total); err != nil {
		return nil, fmt.Errorf("token supply mint failed: %w", err)
	}
	if err := s.repo.ApplyMintSplit(ctx, ownerID, userID, split); err != nil {
		if burnErr := s.token.Burn(ctx, split.Total); burnErr != nil {
			log.Printf("level=error component=fee_ledger msg=\"CRITICAL: failed to burn supply after mint rollback\" amount=%s err=%v", split.Total, burnErr)
		}
		return nil, fmt.Errorf("failed to apply mint split: %w", err)
	}

	s.publishBalanceEvent(ctx, ownerID, "mint", split.Owner)
	s.publishBalanceEvent(ctx, userID, "mint", split.User)
	return &split, nil
}

func (s *Service) burnForAction(ctx context.Context, role Role, communityID uint64, kind domain.FeeKind, ownerID, userID uuid.UUID, gasHint uint64) (*domain.MintSplit, error) {
	if err := s.authorize(role, RoleCommunity); err != nil {
		return nil, err
	}
	schedule, err := s.repo.GetFeeSchedule(ctx, communityID, kind)
	if err != nil {
		return nil, err
	}
	amount, err := s.actionAmount(ctx, gasHint)
	if err != nil {
		return nil, err
	}

	// A removal never claws back the full mint: the debited total is the
	// removal-fee fraction of the mint amount, split on the same schedule.
	removalBps, defined, err := s.globalFeeBps(ctx, domain.RemovalFeeName(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s removal fee: %w", kind, err)
	}
	if !defined {
		removalBps = domain.DefaultRemovalFeeBps
	}
	split := domain.SplitFeeAmount(domain.ApplyBasisPoints(amount, removalBps), *schedule)

	if err := s.repo.ApplyBurnSplit(ctx, ownerID, userID, split); err != nil {
		return nil, err
	}
	// Shrinking external supply is best-effort: the ledger is authoritative
	// and a supply burn can be replayed by reconciliation.
	if err := s.token.Burn(ctx, split.Total); err != nil {
		log.Printf("level=warn component=fee_ledger msg=\"token supply burn failed; will reconcile\" amount=%s err=%v", split.Total, err)
	}

	s.publishBalanceEvent(ctx, ownerID, "burn", split.Owner)
	s.publishBalanceEvent(ctx, userID, "burn", split.User)
	return &split, nil
}

// AddBalance deposits external tokens into the caller's ledger balance.
func (s *Service) AddBalance(ctx context.Context, userID uuid.UUID, amount *big.Int) error {
	if !domain.IsPositive(amount) {
		return fmt.Errorf("deposit amount must be positive")
	}
	if err := s.token.TransferIn(ctx, userID.String(), amount); err != nil {
		return err
	}
	if err := s.repo.CreditBalance(ctx, userID, amount); err != nil {
		if refundErr := s.token.TransferOut(ctx, userID.String(), amount); refundErr != nil {
			log.Printf("level=error component=fee_ledger msg=\"CRITICAL: failed to return tokens after credit failure\" user_id=%s amount=%s err=%v", userID, amount, refundErr)
		}
		return fmt.Errorf("failed to credit balance: %w", err)
	}
	s.publishBalanceEvent(ctx, userID, "deposit", amount)
	return nil
}

// Withdraw returns external tokens to the caller, debiting the ledger
// balance first. A rejected transfer refunds the debit.
func (s *Service) Withdraw(ctx context.Context, userID uuid.UUID, amount *big.Int) error {
	if !domain.IsPositive(amount) {
		return fmt.Errorf("withdrawal amount must be positive")
	}
	if err := s.repo.DebitBalance(ctx, userID, amount); err != nil {
		return err
	}
	if err := s.token.TransferOut(ctx, userID.String(), amount); err != nil {
		if refundErr := s.repo.CreditBalance(ctx, userID, amount); refundErr != nil {
			log.Printf("level=error component=fee_ledger msg=\"CRITICAL: failed to refund debit after transfer failure\" user_id=%s amount=%s err=%v", userID, amount, refundErr)
		}
		return err
	}
	s.publishBalanceEvent(ctx, userID, "withdraw", amount)
	return nil
}

// GetBalance returns the caller's ledger balance.
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (*big.Int, error) {
	return s.repo.GetBalance(ctx, userID)
}

// GetLedgerTotals returns the reserve and treasury pool balances.
func (s *Service) GetLedgerTotals(ctx context.Context) (*domain.LedgerTotals, error) {
	return s.repo.GetLedgerTotals(ctx)
}

// SetDefaultFee sets a named global fee default. Administrator only.
func (s *Service) SetDefaultFee(ctx context.Context, role Role, name string, value *big.Int) error {
	if err := s.authorize(role, RoleAdmin); err != nil {
		return err
	}
	switch name {
	case domain.GlobalFeePostOwnerRemoval, domain.GlobalFeeCommentOwnerRemoval, domain.GlobalFeeTreasuryPercent:
	default:
		return ErrUnknownGlobalFee
	}
	return s.repo.SetGlobalFee(ctx, name, value)
}

// SetTreasuryFee sets the treasury fee percentage default.
func (s *Service) SetTreasuryFee(ctx context.Context, role Role, value *big.Int) error {
	return s.SetDefaultFee(ctx, role, domain.GlobalFeeTreasuryPercent, value)
}

// GetDefaultFee reads a named global fee default.
func (s *Service) GetDefaultFee(ctx context.Context, name string) (*big.Int, error) {
	return s.repo.GetGlobalFee(ctx, name)
}

// globalFeeBps reads a stored global fee as basis points. An unset fee
// reports defined=false; a stored value outside [0, 10000) is ignored with a
// warning so a bad admin write cannot zero out a removal round trip.
func (s *Service) globalFeeBps(ctx context.Context, name string) (bps uint64, defined bool, err error) {
	value, err := s.repo.GetGlobalFee(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrGlobalFeeNotDefined) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if value == nil || value.Sign() < 0 || value.Cmp(big.NewInt(10_000)) >= 0 {
		log.Printf("level=warn component=fee_ledger msg=\"stored global fee out of basis-point range; ignoring\" name=%s value=%s", name, value)
		return 0, false, nil
	}
	return value.Uint64(), true, nil
}

func (s *Service) publishFeeEvent(ctx context.Context, routingKey string, schedule domain.FeeSchedule) {
	if s.eventProducer == nil {
		return
	}
	event := domain.FeeUpdatedEvent{
		CommunityID:  schedule.CommunityID,
		Kind:         schedule.Kind,
		OwnerFeeBps:  schedule.OwnerFeeBps,
		ModeratorBps: schedule.ModeratorBps,
		TreasuryBps:  schedule.TreasuryBps,
		TotalBps:     schedule.TotalBps,
		Timestamp:    s.now(),
	}
	if err := s.eventProducer.Publish(ctx, EventsExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=fee_ledger msg=\"fee event publish failed\" routing_key=%s err=%v", routingKey, err)
	}
}

func (s *Service) publishBalanceEvent(ctx context.Context, userID uuid.UUID, operation string, amount *big.Int) {
	if s.eventProducer == nil {
		return
	}
	event := domain.BalanceChangedEvent{
		UserID:    userID,
		Operation: operation,
		Amount:    amount.String(),
		Timestamp: s.now(),
	}
	routingKey := "bank.balance." + operation
	if err := s.eventProducer.Publish(ctx, EventsExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=fee_ledger msg=\"balance event publish failed\" routing_key=%s user_id=%s err=%v", routingKey, userID, err)
	}
}
