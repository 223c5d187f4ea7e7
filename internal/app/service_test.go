package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/google/uuid"

	"github.com/communio/bank-service/internal/domain"
	"github.com/communio/bank-service/internal/store"
)

type ledgerRepoStub struct {
	store.Repository

	schedules map[string]domain.FeeSchedule
	upserted  []domain.FeeSchedule

	mintSplitErr error
	appliedMint  *domain.MintSplit
	appliedBurn  *domain.MintSplit
	burnSplitErr error
	creditErr    error
	creditCalled int
	debitErr     error
	debitCalled  int
	globalFees   map[string]*big.Int
}

func scheduleKey(communityID uint64, kind domain.FeeKind) string {
	return fmt.Sprintf("%d/%s", communityID, kind)
}

func (s *ledgerRepoStub) UpsertFeeSchedule(ctx context.Context, schedule domain.FeeSchedule) error {
	if s.schedules == nil {
		s.schedules = make(map[string]domain.FeeSchedule)
	}
	s.schedules[scheduleKey(schedule.CommunityID, schedule.Kind)] = schedule
	s.upserted = append(s.upserted, schedule)
	return nil
}

func (s *ledgerRepoStub) GetFeeSchedule(ctx context.Context, communityID uint64, kind domain.FeeKind) (*domain.FeeSchedule, error) {
	schedule, ok := s.schedules[scheduleKey(communityID, kind)]
	if !ok {
		return nil, store.ErrFeeNotDefined
	}
	return &schedule, nil
}

func (s *ledgerRepoStub) ApplyMintSplit(ctx context.Context, ownerID, userID uuid.UUID, split domain.MintSplit) error {
	if s.mintSplitErr != nil {
		return s.mintSplitErr
	}
	s.appliedMint = &split
	return nil
}

func (s *ledgerRepoStub) ApplyBurnSplit(ctx context.Context, ownerID, userID uuid.UUID, split domain.MintSplit) error {
	if s.burnSplitErr != nil {
		return s.burnSplitErr
	}
	s.appliedBurn = &split
	return nil
}

func (s *ledgerRepoStub) CreditBalance(ctx context.Context, userID uuid.UUID, amount *big.Int) error {
	s.creditCalled++
	return s.creditErr
}

func (s *ledgerRepoStub) DebitBalance(ctx context.Context, userID uuid.UUID, amount *big.Int) error {
	s.debitCalled++
	return s.debitErr
}

func (s *ledgerRepoStub) SetGlobalFee(ctx context.Context, name string, value *big.Int) error {
	if s.globalFees == nil {
		s.globalFees = make(map[string]*big.Int)
	}
	s.globalFees[name] = new(big.Int).Set(value)
	return nil
}

func (s *ledgerRepoStub) GetGlobalFee(ctx context.Context, name string) (*big.Int, error) {
	value, ok := s.globalFees[name]
	if !ok {
		return nil, store.ErrGlobalFeeNotDefined
	}
	return new(big.Int).Set(value), nil
}

type oracleStub struct {
	price *big.Int
	err   error
}

func (o *oracleStub) GetExchangeRate(ctx context.Context) (*big.Int, error) {
	return o.price, o.err
}

func (o *oracleStub) ConvertNativeToToken(ctx context.Context, amount *big.Int) (*big.Int, error) {
	if o.err != nil {
		return nil, o.err
	}
	return domain.ConvertNativeToToken(amount, o.price), nil
}

type tokenStub struct {
	mintCalled        int
	burnCalled        int
	transferInCalled  int
	transferOutCalled int
	mintErr           error
	burnErr           error
	transferInErr     error
	transferOutErr    error
}

func (t *tokenStub) TransferIn(ctx context.Context, userID string, amount *big.Int) error {
	t.transferInCalled++
	return t.transferInErr
}

func (t *tokenStub) TransferOut(ctx context.Context, userID string, amount *big.Int) error {
	t.transferOutCalled++
	return t.transferOutErr
}

func (t *tokenStub) Mint(ctx context.Context, amount *big.Int) error {
	t.mintCalled++
	return t.mintErr
}

func (t *tokenStub) Burn(ctx context.Context, amount *big.Int) error {
	t.burnCalled++
	return t.burnErr
}

func newLedgerService(repo *ledgerRepoStub, oracle *oracleStub, token *tokenStub) *Service {
	return NewService(repo, oracle, token, nil, nil, big.NewInt(0))
}

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), domain.TokenScale)
}

func TestDefinePostFee_InstallsDefaultSchedule(t *testing.T) {
	repo := &ledgerRepoStub{}
	svc := newLedgerService(repo, &oracleStub{price: domain.TokenScale}, &tokenStub{})

	if err := svc.DefinePostFee(context.Background(), RoleCommunity, 7); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	schedule, err := svc.ReadPostFee(context.Background(), 7)
	if err != nil {
		t.Fatalf("expected schedule to be readable, got %v", err)
	}
	if schedule.OwnerFeeBps != domain.DefaultOwnerFeeBps ||
		schedule.ModeratorBps != domain.DefaultModeratorFeeBps ||
		schedule.TreasuryBps != domain.DefaultTreasuryFeeBps ||
		schedule.TotalBps != domain.DefaultTotalFeeBps {
		t.Fatalf("unexpected default schedule: %+v", schedule)
	}
}

func TestDefinePostFee_UsesStoredTreasuryShare(t *testing.T) {
	repo := &ledgerRepoStub{}
	svc := newLedgerService(repo, &oracleStub{price: domain.TokenScale}, &tokenStub{})

	if err := svc.SetTreasuryFee(context.Background(), RoleAdmin, big.NewInt(700)); err != nil {
		t.Fatalf("set treasury fee failed: %v", err)
	}
	if err := svc.DefinePostFee(context.Background(), RoleCommunity, 7); err != nil {
		t.Fatalf("define failed: %v", err)
	}

	schedule, err := svc.ReadPostFee(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if schedule.TreasuryBps != 700 {
		t.Fatalf("expected treasury share 700, got %d", schedule.TreasuryBps)
	}
	if schedule.TotalBps != domain.DefaultOwnerFeeBps+domain.DefaultModeratorFeeBps+700 {
		t.Fatalf("expected total to grow with the treasury share, got %d", schedule.TotalBps)
	}
	if !schedule.Consistent() {
		t.Fatalf("expected bootstrapped schedule to stay consistent: %+v", schedule)
	}
}

func TestDefinePostFee_RejectsUserRole(t *testing.T) {
	repo := &ledgerRepoStub{}
	svc := newLedgerService(repo, &oracleStub{price: domain.TokenScale}, &tokenStub{})

	err := svc.DefinePostFee(context.Background(), RoleUser, 7)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if len(repo.upserted) != 0 {
		t.Fatal("expected no schedule write for unauthorized caller")
	}
}

func TestUpdateCommentFee_OverwritesWithoutSumValidation(t *testing.T) {
	repo := &ledgerRepoStub{}
	svc := newLedgerService(repo, &oracleStub{price: domain.TokenScale}, &tokenStub{})

	if err := svc.DefineCommentFee(context.Background(), RoleCommunity, 3); err != nil {
		t.Fatalf("define failed: %v", err)
	}
	// Parts deliberately do not sum to the total; the update must still land.
	if err := svc.UpdateCommentFee(context.Background(), RoleGovernance, 3, 1000, 2000, 500, 9999); err != nil {
		t.Fatalf("expected inconsistent update to succeed, got %v", err)
	}

	schedule, err := svc.ReadCommentFee(context.Background(), 3)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if schedule.OwnerFeeBps != 1000 || schedule.ModeratorBps != 2000 || schedule.TreasuryBps != 500 || schedule.TotalBps != 9999 {
		t.Fatalf("expected overwritten schedule, got %+v", schedule)
	}
}

func TestMintForPost_SplitsAtOraclePrice(t *testing.T) {
	repo := &ledgerRepoStub{}
	if err := repo.UpsertFeeSchedule(context.Background(), domain.DefaultFeeSchedule(1, domain.FeeKindPost)); err != nil {
		t.Fatal(err)
	}
	token := &tokenStub{}
	// Price of 2e18 means one native unit buys two token units.
	svc := newLedgerService(repo, &oracleStub{price: tokens(2)}, token)

	split, err := svc.MintForPost(context.Background(), RoleCommunity, 1, uuid.New(), uuid.New(), 10_000)
	if err != nil {
		t.Fatalf("expected mint to succeed, got %v", err)
	}

	wantTotal := big.NewInt(20_000)
	if split.Total.Cmp(wantTotal) != 0 {
		t.Fatalf("expected total %s, got %s", wantTotal, split.Total)
	}
	if split.Owner.Cmp(big.NewInt(9_000)) != 0 {
		t.Fatalf("expected owner share 9000, got %s", split.Owner)
	}
	if split.User.Cmp(big.NewInt(9_000)) != 0 {
		t.Fatalf("expected user share 9000, got %s", split.User)
	}
	if split.Reserve.Cmp(big.NewInt(2_000)) != 0 {
		t.Fatalf("expected reserve share 2000, got %s", split.Reserve)
	}
	if token.mintCalled != 1 {
		t.Fatalf("expected one supply mint, got %d", token.mintCalled)
	}
	if repo.appliedMint == nil {
		t.Fatal("expected mint split to be applied")
	}
}

func TestMintForPost_RejectsNonPositivePrice(t *testing.T) {
	repo := &ledgerRepoStub{}
	if err := repo.UpsertFeeSchedule(context.Background(), domain.DefaultFeeSchedule(1, domain.FeeKindPost)); err != nil {
		t.Fatal(err)
	}
	svc := newLedgerService(repo, &oracleStub{price: big.NewInt(0)}, &tokenStub{})

	_, err := svc.MintForPost(context.Background(), RoleCommunity, 1, uuid.New(), uuid.New(), 500)
	if !errors.Is(err, ErrInsufficientPrice) {
		t.Fatalf("expected ErrInsufficientPrice, got %v", err)
	}
}

func TestMintForPost_BurnsSupplyBackWhenLedgerWriteFails(t *testing.T) {
	repo := &ledgerRepoStub{mintSplitErr: errors.New("db down")}
	if err := repo.UpsertFeeSchedule(context.Background(), domain.DefaultFeeSchedule(1, domain.FeeKindPost)); err != nil {
		t.Fatal(err)
	}
	token := &tokenStub{}
	svc := newLedgerService(repo, &oracleStub{price: tokens(1)}, token)

	_, err := svc.MintForPost(context.Background(), RoleCommunity, 1, uuid.New(), uuid.New(), 500)
	if err == nil {
		t.Fatal("expected mint to fail")
	}
	if token.mintCalled != 1 || token.burnCalled != 1 {
		t.Fatalf("expected compensating burn after failed ledger write, mint=%d burn=%d", token.mintCalled, token.burnCalled)
	}
}

func TestBurnForComment_PropagatesInsufficientBalance(t *testing.T) {
	repo := &ledgerRepoStub{burnSplitErr: store.ErrInsufficientBalance}
	if err := repo.UpsertFeeSchedule(context.Background(), domain.DefaultFeeSchedule(1, domain.FeeKindComment)); err != nil {
		t.Fatal(err)
	}
	token := &tokenStub{}
	svc := newLedgerService(repo, &oracleStub{price: tokens(1)}, token)

	_, err := svc.BurnForComment(context.Background(), RoleCommunity, 1, uuid.New(), uuid.New(), 500)
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if token.burnCalled != 0 {
		t.Fatal("expected no supply burn when the ledger debit fails")
	}
}

func TestBurnForPost_HonorsStoredRemovalFee(t *testing.T) {
	repo := &ledgerRepoStub{}
	if err := repo.UpsertFeeSchedule(context.Background(), domain.DefaultFeeSchedule(1, domain.FeeKindPost)); err != nil {
		t.Fatal(err)
	}
	repo.globalFees = map[string]*big.Int{
		domain.GlobalFeePostOwnerRemoval: big.NewInt(2000),
	}
	svc := newLedgerService(repo, &oracleStub{price: tokens(2)}, &tokenStub{})

	split, err := svc.BurnForPost(context.Background(), RoleCommunity, 1, uuid.New(), uuid.New(), 10_000)
	if err != nil {
		t.Fatalf("expected burn to succeed, got %v", err)
	}

	// Mint-equivalent amount is 20000; a 2000 bps removal fee burns 4000 of
	// it, split on the same schedule.
	if split.Total.Cmp(big.NewInt(4_000)) != 0 {
		t.Fatalf("expected burn total 4000, got %s", split.Total)
	}
	if split.Owner.Cmp(big.NewInt(1_800)) != 0 {
		t.Fatalf("expected owner debit 1800, got %s", split.Owner)
	}
}

func TestMintForPost_RejectsNonCommunityRole(t *testing.T) {
	repo := &ledgerRepoStub{}
	svc := newLedgerService(repo, &oracleStub{price: tokens(1)}, &tokenStub{})

	_, err := svc.MintForPost(context.Background(), RoleGovernance, 1, uuid.New(), uuid.New(), 500)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestAddBalance_RefundsTransferWhenCreditFails(t *testing.T) {
	repo := &ledgerRepoStub{creditErr: errors.New("db down")}
	token := &tokenStub{}
	svc := newLedgerService(repo, &oracleStub{price: tokens(1)}, token)

	err := svc.AddBalance(context.Background(), uuid.New(), tokens(5))
	if err == nil {
		t.Fatal("expected deposit to fail")
	}
	if token.transferInCalled != 1 || token.transferOutCalled != 1 {
		t.Fatalf("expected compensating transfer-out, in=%d out=%d", token.transferInCalled, token.transferOutCalled)
	}
}

func TestWithdraw_RefundsDebitWhenTransferFails(t *testing.T) {
	repo := &ledgerRepoStub{}
	token := &tokenStub{transferOutErr: errors.New("token service down")}
	svc := newLedgerService(repo, &oracleStub{price: tokens(1)}, token)

	err := svc.Withdraw(context.Background(), uuid.New(), tokens(5))
	if err == nil {
		t.Fatal("expected withdrawal to fail")
	}
	if repo.debitCalled != 1 || repo.creditCalled != 1 {
		t.Fatalf("expected debit then compensating credit, debit=%d credit=%d", repo.debitCalled, repo.creditCalled)
	}
}

func TestWithdraw_StopsOnInsufficientBalance(t *testing.T) {
	repo := &ledgerRepoStub{debitErr: store.ErrInsufficientBalance}
	token := &tokenStub{}
	svc := newLedgerService(repo, &oracleStub{price: tokens(1)}, token)

	err := svc.Withdraw(context.Background(), uuid.New(), tokens(5))
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if token.transferOutCalled != 0 {
		t.Fatal("expected no transfer attempt after failed debit")
	}
}

type balanceTrackingRepoStub struct {
	ledgerRepoStub

	balances map[uuid.UUID]*big.Int
}

func (s *balanceTrackingRepoStub) GetBalance(ctx context.Context, userID uuid.UUID) (*big.Int, error) {
	balance, ok := s.balances[userID]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(balance), nil
}

func (s *balanceTrackingRepoStub) CreditBalance(ctx context.Context, userID uuid.UUID, amount *big.Int) error {
	if s.balances == nil {
		s.balances = make(map[uuid.UUID]*big.Int)
	}
	balance, ok := s.balances[userID]
	if !ok {
		balance = big.NewInt(0)
	}
	s.balances[userID] = new(big.Int).Add(balance, amount)
	return nil
}

func (s *balanceTrackingRepoStub) DebitBalance(ctx context.Context, userID uuid.UUID, amount *big.Int) error {
	balance, ok := s.balances[userID]
	if !ok || balance.Cmp(amount) < 0 {
		return store.ErrInsufficientBalance
	}
	s.balances[userID] = new(big.Int).Sub(balance, amount)
	return nil
}

type roundTripRepoStub struct {
	balanceTrackingRepoStub

	reserve *big.Int
}

func newRoundTripRepoStub() *roundTripRepoStub {
	return &roundTripRepoStub{reserve: big.NewInt(0)}
}

func (s *roundTripRepoStub) ApplyMintSplit(ctx context.Context, ownerID, userID uuid.UUID, split domain.MintSplit) error {
	if err := s.CreditBalance(ctx, ownerID, split.Owner); err != nil {
		return err
	}
	if err := s.CreditBalance(ctx, userID, split.User); err != nil {
		return err
	}
	s.reserve.Add(s.reserve, split.Reserve)
	return nil
}

func (s *roundTripRepoStub) ApplyBurnSplit(ctx context.Context, ownerID, userID uuid.UUID, split domain.MintSplit) error {
	if err := s.DebitBalance(ctx, ownerID, split.Owner); err != nil {
		return err
	}
	if err := s.DebitBalance(ctx, userID, split.User); err != nil {
		return err
	}
	s.reserve.Sub(s.reserve, split.Reserve)
	return nil
}

func TestMintThenBurnLeavesResidualBalances(t *testing.T) {
	repo := newRoundTripRepoStub()
	if err := repo.UpsertFeeSchedule(context.Background(), domain.DefaultFeeSchedule(1, domain.FeeKindPost)); err != nil {
		t.Fatal(err)
	}
	svc := NewService(repo, &oracleStub{price: tokens(2)}, &tokenStub{}, nil, nil, big.NewInt(0))
	owner, user := uuid.New(), uuid.New()

	if _, err := svc.MintForPost(context.Background(), RoleCommunity, 1, owner, user, 10_000); err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	postMintOwner, err := repo.GetBalance(context.Background(), owner)
	if err != nil {
		t.Fatal(err)
	}
	reserveAfterMint := new(big.Int).Set(repo.reserve)

	// A removal with the same gas/price inputs burns only the removal fee.
	if _, err := svc.BurnForPost(context.Background(), RoleCommunity, 1, owner, user, 10_000); err != nil {
		t.Fatalf("burn failed: %v", err)
	}

	ownerBalance, err := repo.GetBalance(context.Background(), owner)
	if err != nil {
		t.Fatal(err)
	}
	userBalance, err := repo.GetBalance(context.Background(), user)
	if err != nil {
		t.Fatal(err)
	}
	if ownerBalance.Sign() <= 0 || userBalance.Sign() <= 0 {
		t.Fatalf("expected positive residual balances, owner=%s user=%s", ownerBalance, userBalance)
	}
	if ownerBalance.Cmp(postMintOwner) >= 0 {
		t.Fatalf("expected owner balance below post-mint %s, got %s", postMintOwner, ownerBalance)
	}
	if userBalance.Cmp(postMintOwner) >= 0 {
		t.Fatalf("expected user balance below post-mint %s, got %s", postMintOwner, userBalance)
	}
	if repo.reserve.Cmp(reserveAfterMint) >= 0 {
		t.Fatalf("expected reserve to strictly decrease from %s, got %s", reserveAfterMint, repo.reserve)
	}
}

func TestDepositThenPartialWithdrawLeavesRemainder(t *testing.T) {
	repo := &balanceTrackingRepoStub{}
	svc := NewService(repo, &oracleStub{price: tokens(1)}, &tokenStub{}, nil, nil, big.NewInt(0))
	userID := uuid.New()

	if err := svc.AddBalance(context.Background(), userID, tokens(10)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := svc.Withdraw(context.Background(), userID, tokens(5)); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}

	balance, err := svc.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatal(err)
	}
	if balance.Cmp(tokens(5)) != 0 {
		t.Fatalf("expected remaining balance %s, got %s", tokens(5), balance)
	}

	// The remainder is all the user can still withdraw.
	if err := svc.Withdraw(context.Background(), userID, tokens(6)); !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestSetDefaultFee_RejectsUnknownName(t *testing.T) {
	repo := &ledgerRepoStub{}
	svc := newLedgerService(repo, &oracleStub{price: tokens(1)}, &tokenStub{})

	err := svc.SetDefaultFee(context.Background(), RoleAdmin, "no_such_fee", big.NewInt(100))
	if !errors.Is(err, ErrUnknownGlobalFee) {
		t.Fatalf("expected ErrUnknownGlobalFee, got %v", err)
	}

	if err := svc.SetTreasuryFee(context.Background(), RoleAdmin, big.NewInt(250)); err != nil {
		t.Fatalf("expected treasury fee set to succeed, got %v", err)
	}
	if repo.globalFees[domain.GlobalFeeTreasuryPercent].Cmp(big.NewInt(250)) != 0 {
		t.Fatal("expected treasury fee to be persisted")
	}
}

func TestSetDefaultFee_AdminOnly(t *testing.T) {
	repo := &ledgerRepoStub{}
	svc := newLedgerService(repo, &oracleStub{price: tokens(1)}, &tokenStub{})

	err := svc.SetDefaultFee(context.Background(), RoleCommunity, domain.GlobalFeeTreasuryPercent, big.NewInt(1))
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}
