package app

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"
)

type rateLimiterStub struct {
	count      int
	retryAfter int
	err        error
	calls      int

	lastScope   string
	lastSubject string
}

func (r *rateLimiterStub) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	r.calls++
	r.lastScope = scope
	r.lastSubject = subject
	return r.count, r.retryAfter, r.err
}

func TestMakeDeal_RejectsWhenRateLimitExceeded(t *testing.T) {
	f := newDealFixture(t, big.NewInt(0), tokens(1))
	limiter := &rateLimiterStub{count: 31, retryAfter: 42}
	f.svc.SetDealRateLimiter(limiter, 30, 120)

	_, err := f.svc.MakeDeal(
		context.Background(),
		f.buyer, "web build", f.seller, f.guarantor,
		f.base.Add(10*time.Second), f.base.Add(100*time.Second),
		tokens(100),
	)

	var rateErr *RateLimitedError
	if !errors.As(err, &rateErr) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rateErr.RetryAfterSeconds != 42 {
		t.Fatalf("expected retry-after 42, got %d", rateErr.RetryAfterSeconds)
	}
	if limiter.calls != 1 {
		t.Fatalf("expected one limiter consultation, got %d", limiter.calls)
	}
}

func TestMakeDeal_FailsOpenOnLimiterOutage(t *testing.T) {
	f := newDealFixture(t, big.NewInt(0), tokens(1))
	limiter := &rateLimiterStub{err: errors.New("redis down")}
	f.svc.SetDealRateLimiter(limiter, 30, 120)

	if _, err := f.svc.MakeDeal(
		context.Background(),
		f.buyer, "web build", f.seller, f.guarantor,
		f.base.Add(10*time.Second), f.base.Add(100*time.Second),
		tokens(100),
	); err != nil {
		t.Fatalf("expected limiter outage to fail open, got %v", err)
	}
}

func TestReadCommonDeal_ConsultsDetailsLimit(t *testing.T) {
	f := newDealFixture(t, big.NewInt(0), tokens(1))
	deal := f.makeDeal(t, 10*time.Second, 100*time.Second)

	limiter := &rateLimiterStub{count: 121, retryAfter: 7}
	f.svc.SetDealRateLimiter(limiter, 0, 120)

	_, err := f.svc.ReadCommonDeal(context.Background(), f.buyer.String(), deal.ID)
	var rateErr *RateLimitedError
	if !errors.As(err, &rateErr) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
}

func TestReadCommonDeal_LimitsPerRequesterNotPerDeal(t *testing.T) {
	f := newDealFixture(t, big.NewInt(0), tokens(1))
	deal := f.makeDeal(t, 10*time.Second, 100*time.Second)

	limiter := &rateLimiterStub{count: 1}
	f.svc.SetDealRateLimiter(limiter, 0, 120)

	// The window counter is keyed by the requester, so one client burning
	// its budget cannot block reads of the same deal by anyone else.
	if _, err := f.svc.ReadCommonDeal(context.Background(), "203.0.113.9", deal.ID); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if limiter.lastScope != "deal_details" {
		t.Fatalf("expected deal_details scope, got %q", limiter.lastScope)
	}
	if limiter.lastSubject != "203.0.113.9" {
		t.Fatalf("expected limiter keyed by requester, got %q", limiter.lastSubject)
	}
}
