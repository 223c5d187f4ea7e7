package app

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/communio/bank-service/internal/domain"
	"github.com/communio/bank-service/internal/store"
)

type dealRepoStub struct {
	store.Repository

	nextID int64
	deals  map[int64]*domain.Deal

	createErr   error
	createdFee  *big.Int
	finalized   []domain.DealStatus
	finalizeErr error
}

func newDealRepoStub() *dealRepoStub {
	return &dealRepoStub{nextID: 1, deals: make(map[int64]*domain.Deal)}
}

func (s *dealRepoStub) CreateDealWithFee(ctx context.Context, deal *domain.Deal) (int64, error) {
	if s.createErr != nil {
		return 0, s.createErr
	}
	id := s.nextID
	s.nextID++
	s.createdFee = new(big.Int).Set(deal.GuarantorFee)
	stored := *deal
	stored.ID = id
	s.deals[id] = &stored
	return id, nil
}

func (s *dealRepoStub) GetDeal(ctx context.Context, dealID int64) (*domain.Deal, error) {
	deal, ok := s.deals[dealID]
	if !ok {
		return nil, store.ErrDealNotFound
	}
	copied := *deal
	return &copied, nil
}

func (s *dealRepoStub) SetDealIssue(ctx context.Context, dealID int64, note string) error {
	deal, ok := s.deals[dealID]
	if !ok {
		return store.ErrDealNotFound
	}
	if deal.Terminal() {
		return store.ErrDealFinalized
	}
	deal.HasIssue = true
	deal.IssueNote = &note
	return nil
}

func (s *dealRepoStub) SetDealStartApproval(ctx context.Context, dealID int64, bySeller bool) error {
	deal, ok := s.deals[dealID]
	if !ok {
		return store.ErrDealNotFound
	}
	if deal.Terminal() {
		return store.ErrDealFinalized
	}
	if bySeller {
		deal.SellerStartApproved = true
	} else {
		deal.BuyerStartApproved = true
	}
	return nil
}

func (s *dealRepoStub) SetDealEndApproval(ctx context.Context, dealID int64, bySeller bool) error {
	deal, ok := s.deals[dealID]
	if !ok {
		return store.ErrDealNotFound
	}
	if deal.Terminal() {
		return store.ErrDealFinalized
	}
	if bySeller {
		deal.SellerEndApproved = true
	} else {
		deal.BuyerEndApproved = true
	}
	return nil
}

func (s *dealRepoStub) FinalizeDeal(ctx context.Context, dealID int64, status domain.DealStatus) error {
	if s.finalizeErr != nil {
		return s.finalizeErr
	}
	deal, ok := s.deals[dealID]
	if !ok {
		return store.ErrDealNotFound
	}
	if deal.Terminal() {
		return store.ErrDealFinalized
	}
	deal.Status = status
	s.finalized = append(s.finalized, status)
	return nil
}

type reputationStub struct {
	minted map[int64][]uuid.UUID
	err    error
}

func (r *reputationStub) Mint(ctx context.Context, userID string, tokenID int64, amount int64) error {
	if r.err != nil {
		return r.err
	}
	if r.minted == nil {
		r.minted = make(map[int64][]uuid.UUID)
	}
	r.minted[tokenID] = append(r.minted[tokenID], uuid.MustParse(userID))
	return nil
}

type dealFixture struct {
	svc        *Service
	repo       *dealRepoStub
	reputation *reputationStub
	buyer      uuid.UUID
	seller     uuid.UUID
	guarantor  uuid.UUID
	base       time.Time
}

func newDealFixture(t *testing.T, guarantorFeeNative *big.Int, price *big.Int) *dealFixture {
	t.Helper()
	repo := newDealRepoStub()
	reputation := &reputationStub{}
	svc := NewService(repo, &oracleStub{price: price}, &tokenStub{}, reputation, nil, guarantorFeeNative)

	base := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return base })

	return &dealFixture{
		svc:        svc,
		repo:       repo,
		reputation: reputation,
		buyer:      uuid.New(),
		seller:     uuid.New(),
		guarantor:  uuid.New(),
		base:       base,
	}
}

func (f *dealFixture) makeDeal(t *testing.T, startOffset, endOffset time.Duration) *domain.Deal {
	t.Helper()
	deal, err := f.svc.MakeDeal(
		context.Background(),
		f.buyer,
		"web build",
		f.seller,
		f.guarantor,
		f.base.Add(startOffset),
		f.base.Add(endOffset),
		tokens(100),
	)
	if err != nil {
		t.Fatalf("make deal failed: %v", err)
	}
	return deal
}

func TestMakeDeal_RejectsInvertedWindow(t *testing.T) {
	f := newDealFixture(t, big.NewInt(0), tokens(1))

	_, err := f.svc.MakeDeal(
		context.Background(),
		f.buyer, "web build", f.seller, f.guarantor,
		f.base.Add(100*time.Second), f.base.Add(10*time.Second),
		tokens(100),
	)
	if !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("expected ErrInvalidWindow, got %v", err)
	}

	_, err = f.svc.MakeDeal(
		context.Background(),
		f.buyer, "web build", f.seller, f.guarantor,
		f.base.Add(10*time.Second), f.base.Add(10*time.Second),
		tokens(100),
	)
	if !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("expected ErrInvalidWindow for equal bounds, got %v", err)
	}
}

func TestMakeDeal_EscrowsOraclePricedGuarantorFee(t *testing.T) {
	// Native fee of 5 units at a price of 3 tokens per native unit.
	f := newDealFixture(t, big.NewInt(5), tokens(3))

	deal := f.makeDeal(t, 10*time.Second, 100*time.Second)

	if deal.ID != 1 {
		t.Fatalf("expected first deal id 1, got %d", deal.ID)
	}
	wantFee := new(big.Int).Mul(big.NewInt(5), tokens(3))
	wantFee.Quo(wantFee, domain.TokenScale)
	if f.repo.createdFee.Cmp(wantFee) != 0 {
		t.Fatalf("expected escrowed fee %s, got %s", wantFee, f.repo.createdFee)
	}

	second := f.makeDeal(t, 10*time.Second, 100*time.Second)
	if second.ID != 2 {
		t.Fatalf("expected sequential deal id 2, got %d", second.ID)
	}
}

func TestMakeDeal_FailsOnNonPositivePrice(t *testing.T) {
	f := newDealFixture(t, big.NewInt(5), big.NewInt(0))

	_, err := f.svc.MakeDeal(
		context.Background(),
		f.buyer, "web build", f.seller, f.guarantor,
		f.base.Add(10*time.Second), f.base.Add(100*time.Second),
		tokens(100),
	)
	if !errors.Is(err, ErrInsufficientPrice) {
		t.Fatalf("expected ErrInsufficientPrice, got %v", err)
	}
}

func TestMakeDeal_PropagatesInsufficientBalance(t *testing.T) {
	f := newDealFixture(t, big.NewInt(5), tokens(1))
	f.repo.createErr = store.ErrInsufficientBalance

	_, err := f.svc.MakeDeal(
		context.Background(),
		f.buyer, "web build", f.seller, f.guarantor,
		f.base.Add(10*time.Second), f.base.Add(100*time.Second),
		tokens(100),
	)
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestDealApprovals_RejectStrangers(t *testing.T) {
	f := newDealFixture(t, big.NewInt(0), tokens(1))
	deal := f.makeDeal(t, 10*time.Second, 100*time.Second)

	stranger := uuid.New()
	if err := f.svc.MakeStartApprove(context.Background(), stranger, deal.ID); !errors.Is(err, ErrWrongDealUser) {
		t.Fatalf("expected ErrWrongDealUser for stranger, got %v", err)
	}
	// The guarantor arbitrates; it never approves.
	if err := f.svc.MakeStartApprove(context.Background(), f.guarantor, deal.ID); !errors.Is(err, ErrWrongDealUser) {
		t.Fatalf("expected ErrWrongDealUser for guarantor, got %v", err)
	}
	if err := f.svc.SetIssue(context.Background(), stranger, deal.ID, "bad"); !errors.Is(err, ErrWrongDealUser) {
		t.Fatalf("expected ErrWrongDealUser for stranger issue, got %v", err)
	}
}

func TestEndApprove_GatedOnStartTime(t *testing.T) {
	f := newDealFixture(t, big.NewInt(0), tokens(1))
	// Window opens 10s from now and closes at 100s.
	deal := f.makeDeal(t, 10*time.Second, 100*time.Second)

	// Before the window opens the end approval is rejected.
	if err := f.svc.MakeEndApprove(context.Background(), f.seller, deal.ID); !errors.Is(err, ErrWrongStartTime) {
		t.Fatalf("expected ErrWrongStartTime before window, got %v", err)
	}

	// Advance past the start time and both parties approve.
	f.svc.SetClock(func() time.Time { return f.base.Add(11 * time.Second) })
	if err := f.svc.MakeEndApprove(context.Background(), f.seller, deal.ID); err != nil {
		t.Fatalf("seller end approve failed: %v", err)
	}
	if err := f.svc.MakeEndApprove(context.Background(), f.buyer, deal.ID); err != nil {
		t.Fatalf("buyer end approve failed: %v", err)
	}

	view, err := f.svc.ReadApproveDeal(context.Background(), deal.ID)
	if err != nil {
		t.Fatalf("read approvals failed: %v", err)
	}
	if !view.SellerEndApproved || !view.BuyerEndApproved {
		t.Fatalf("expected both end approvals recorded, got %+v", view)
	}
}

func TestFinishDeal_RequiresBothEndApprovals(t *testing.T) {
	f := newDealFixture(t, big.NewInt(0), tokens(1))
	deal := f.makeDeal(t, 10*time.Second, 100*time.Second)
	f.svc.SetClock(func() time.Time { return f.base.Add(20 * time.Second) })

	if err := f.svc.MakeEndApprove(context.Background(), f.seller, deal.ID); err != nil {
		t.Fatalf("seller end approve failed: %v", err)
	}

	// Only one approval so far.
	if err := f.svc.FinishDeal(context.Background(), f.guarantor, deal.ID); !errors.Is(err, ErrNotApproved) {
		t.Fatalf("expected ErrNotApproved, got %v", err)
	}

	if err := f.svc.MakeEndApprove(context.Background(), f.buyer, deal.ID); err != nil {
		t.Fatalf("buyer end approve failed: %v", err)
	}
	// Only the guarantor may finish.
	if err := f.svc.FinishDeal(context.Background(), f.buyer, deal.ID); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for buyer, got %v", err)
	}
	if err := f.svc.FinishDeal(context.Background(), f.guarantor, deal.ID); err != nil {
		t.Fatalf("finish failed: %v", err)
	}

	// Reputation credentials land exactly once per party.
	for tokenID, want := range map[int64]uuid.UUID{
		domain.ReputationTokenGuarantor: f.guarantor,
		domain.ReputationTokenSeller:    f.seller,
		domain.ReputationTokenBuyer:     f.buyer,
	} {
		got := f.reputation.minted[tokenID]
		if len(got) != 1 || got[0] != want {
			t.Fatalf("expected one credential of id %d for %s, got %v", tokenID, want, got)
		}
	}

	// A finished deal accepts no further transitions.
	if err := f.svc.FinishDeal(context.Background(), f.guarantor, deal.ID); !errors.Is(err, store.ErrDealFinalized) {
		t.Fatalf("expected ErrDealFinalized on second finish, got %v", err)
	}
	if err := f.svc.MakeStartApprove(context.Background(), f.seller, deal.ID); !errors.Is(err, store.ErrDealFinalized) {
		t.Fatalf("expected ErrDealFinalized on post-finish approval, got %v", err)
	}
}

func TestCancelDeal_RequiresGuarantorAndIssue(t *testing.T) {
	f := newDealFixture(t, big.NewInt(0), tokens(1))
	deal := f.makeDeal(t, 10*time.Second, 100*time.Second)

	if err := f.svc.CancelDeal(context.Background(), f.buyer, deal.ID); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for buyer cancel, got %v", err)
	}
	if err := f.svc.CancelDeal(context.Background(), f.guarantor, deal.ID); !errors.Is(err, ErrNoIssue) {
		t.Fatalf("expected ErrNoIssue without a flagged issue, got %v", err)
	}

	if err := f.svc.SetIssue(context.Background(), f.buyer, deal.ID, "seller unresponsive"); err != nil {
		t.Fatalf("set issue failed: %v", err)
	}
	if err := f.svc.CancelDeal(context.Background(), f.guarantor, deal.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	// Only the guarantor credential is minted on cancellation.
	if got := f.reputation.minted[domain.ReputationTokenGuarantor]; len(got) != 1 || got[0] != f.guarantor {
		t.Fatalf("expected one guarantor credential, got %v", got)
	}
	if len(f.reputation.minted[domain.ReputationTokenSeller]) != 0 || len(f.reputation.minted[domain.ReputationTokenBuyer]) != 0 {
		t.Fatal("expected no seller or buyer credentials on cancellation")
	}

	// Cancelled is terminal.
	if err := f.svc.SetIssue(context.Background(), f.buyer, deal.ID, "again"); !errors.Is(err, store.ErrDealFinalized) {
		t.Fatalf("expected ErrDealFinalized on post-cancel issue, got %v", err)
	}
}

func TestFinishDeal_SurvivesReputationOutage(t *testing.T) {
	f := newDealFixture(t, big.NewInt(0), tokens(1))
	f.reputation.err = errors.New("reputation service down")
	deal := f.makeDeal(t, 10*time.Second, 100*time.Second)
	f.svc.SetClock(func() time.Time { return f.base.Add(20 * time.Second) })

	if err := f.svc.MakeEndApprove(context.Background(), f.seller, deal.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.MakeEndApprove(context.Background(), f.buyer, deal.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.FinishDeal(context.Background(), f.guarantor, deal.ID); err != nil {
		t.Fatalf("expected finish to succeed despite reputation outage, got %v", err)
	}

	view, err := f.svc.ReadBoolDeal(context.Background(), deal.ID)
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != domain.DealStatusFinished {
		t.Fatalf("expected finished status, got %s", view.Status)
	}
}

func TestReadDealViews(t *testing.T) {
	f := newDealFixture(t, big.NewInt(0), tokens(1))
	deal := f.makeDeal(t, 10*time.Second, 100*time.Second)

	common, err := f.svc.ReadCommonDeal(context.Background(), f.buyer.String(), deal.ID)
	if err != nil {
		t.Fatal(err)
	}
	if common.SellerID != f.seller || common.BuyerID != f.buyer || common.GuarantorID != f.guarantor {
		t.Fatalf("unexpected parties in common view: %+v", common)
	}
	if common.Amount.Cmp(tokens(100)) != 0 {
		t.Fatalf("expected amount %s, got %s", tokens(100), common.Amount)
	}

	if _, err := f.svc.ReadCommonDeal(context.Background(), f.buyer.String(), 99); !errors.Is(err, store.ErrDealNotFound) {
		t.Fatalf("expected ErrDealNotFound, got %v", err)
	}
}
