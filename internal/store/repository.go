/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access operations the bank-service needs. Defining an interface decouples
 * the business logic from the PostgreSQL implementation and lets the
 * application layer be tested against in-memory stubs.
 *
 * @dependencies
 * - context, math/big: Standard Go libraries.
 * - github.com/google/uuid: For user identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"math/big"

	"github.com/google/uuid"

	"github.com/communio/bank-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
// Every method that touches more than one row executes as a single database
// transaction: a precondition failure rolls the whole operation back.
type Repository interface {
	// Fee schedule methods
	UpsertFeeSchedule(ctx context.Context, schedule domain.FeeSchedule) error
	GetFeeSchedule(ctx context.Context, communityID uint64, kind domain.FeeKind) (*domain.FeeSchedule, error)

	// Global fee defaults
	SetGlobalFee(ctx context.Context, name string, value *big.Int) error
	GetGlobalFee(ctx context.Context, name string) (*big.Int, error)

	// Balance methods
	GetBalance(ctx context.Context, userID uuid.UUID) (*big.Int, error)
	CreditBalance(ctx context.Context, userID uuid.UUID, amount *big.Int) error
	DebitBalance(ctx context.Context, userID uuid.UUID, amount *big.Int) error
	GetLedgerTotals(ctx context.Context) (*domain.LedgerTotals, error)

	// ApplyMintSplit credits the owner, the acting user, the treasury pool and
	// the ledger reserve in one transaction.
	ApplyMintSplit(ctx context.Context, ownerID, userID uuid.UUID, split domain.MintSplit) error
	// ApplyBurnSplit debits the same parties and pools; fails with
	// ErrInsufficientBalance when either party cannot cover its share.
	ApplyBurnSplit(ctx context.Context, ownerID, userID uuid.UUID, split domain.MintSplit) error

	// Deal methods
	// CreateDealWithFee inserts the deal and escrows the guarantor fee from
	// the buyer's balance into the ledger reserve, all in one transaction.
	CreateDealWithFee(ctx context.Context, deal *domain.Deal) (int64, error)
	GetDeal(ctx context.Context, dealID int64) (*domain.Deal, error)
	SetDealIssue(ctx context.Context, dealID int64, note string) error
	SetDealStartApproval(ctx context.Context, dealID int64, bySeller bool) error
	SetDealEndApproval(ctx context.Context, dealID int64, bySeller bool) error
	// FinalizeDeal moves a pending deal into a terminal state and releases the
	// escrowed guarantor fee from the reserve to the guarantor's balance.
	FinalizeDeal(ctx context.Context, dealID int64, status domain.DealStatus) error
}
