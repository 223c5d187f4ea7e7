/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface for the fee-ledger side of the service: fee schedules, global fee
 * defaults, user balances and the ledger-held reserve/treasury pools.
 *
 * Balances are NUMERIC(78,0) columns carrying token base units (1e18 scale);
 * they travel through pgtype.Numeric and are converted to *big.Int at the
 * edge. Debits are guarded with `balance >= amount` predicates so an
 * insufficient balance can never go negative, and multi-row movements run
 * inside one database transaction.
 *
 * @dependencies
 * - context, errors, math/big: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/communio/bank-service/internal/domain"
)

var (
	ErrFeeNotDefined       = errors.New("fee schedule not defined")
	ErrGlobalFeeNotDefined = errors.New("global fee not defined")
	ErrAccountNotFound     = errors.New("account not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDealNotFound        = errors.New("deal not found")
	ErrDealFinalized       = errors.New("deal already finalized")
)

// Keys of the ledger_state pool rows.
const (
	ledgerStateReserve  = "reserve"
	ledgerStateTreasury = "treasury"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// bigToNumeric wraps a big.Int for use as a NUMERIC query argument.
func bigToNumeric(v *big.Int) pgtype.Numeric {
	if v == nil {
		v = big.NewInt(0)
	}
	return pgtype.Numeric{Int: new(big.Int).Set(v), Valid: true}
}

// numericToBig converts a scanned NUMERIC into a big.Int. The amount columns
// are declared with scale 0, so a non-zero exponent only ever widens the value.
func numericToBig(n pgtype.Numeric) (*big.Int, error) {
	if !n.Valid || n.Int == nil {
		return big.NewInt(0), nil
	}
	v := new(big.Int).Set(n.Int)
	switch {
	case n.Exp > 0:
		v.Mul(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n.Exp)), nil))
	case n.Exp < 0:
		return nil, fmt.Errorf("unexpected fractional numeric (exp=%d)", n.Exp)
	}
	return v, nil
}

// UpsertFeeSchedule installs or overwrites the fee schedule for one
// (community, kind) pair. Re-definition overwrites by design of the source
// system; there is no "already defined" error.
func (r *PostgresRepository) UpsertFeeSchedule(ctx context.Context, schedule domain.FeeSchedule) error {
	query := `
		INSERT INTO fee_schedules (community_id, kind, owner_fee, moderator_fee, treasury_fee, total_fee, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (community_id, kind) DO UPDATE
		SET owner_fee = EXCLUDED.owner_fee,
		    moderator_fee = EXCLUDED.moderator_fee,
		    treasury_fee = EXCLUDED.treasury_fee,
		    total_fee = EXCLUDED.total_fee,
		    updated_at = NOW()
	`
	_, err := r.db.Exec(ctx, query,
		schedule.CommunityID, schedule.Kind,
		schedule.OwnerFeeBps, schedule.ModeratorBps, schedule.TreasuryBps, schedule.TotalBps,
	)
	return err
}

// GetFeeSchedule retrieves the fee schedule for one (community, kind) pair.
func (r *PostgresRepository) GetFeeSchedule(ctx context.Context, communityID uint64, kind domain.FeeKind) (*domain.FeeSchedule, error) {
	var schedule domain.FeeSchedule
	query := `
		SELECT community_id, kind, owner_fee, moderator_fee, treasury_fee, total_fee, updated_at
		FROM fee_schedules
		WHERE community_id = $1 AND kind = $2
	`
	err := r.db.QueryRow(ctx, query, communityID, kind).Scan(
		&schedule.CommunityID, &schedule.Kind,
		&schedule.OwnerFeeBps, &schedule.ModeratorBps, &schedule.TreasuryBps, &schedule.TotalBps,
		&schedule.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrFeeNotDefined
		}
		return nil, err
	}
	return &schedule, nil
}

// SetGlobalFee upserts a named global fee default.
func (r *PostgresRepository) SetGlobalFee(ctx context.Context, name string, value *big.Int) error {
	query := `
		INSERT INTO global_fees (name, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`
	_, err := r.db.Exec(ctx, query, name, bigToNumeric(value))
	return err
}

// GetGlobalFee retrieves a named global fee default.
func (r *PostgresRepository) GetGlobalFee(ctx context.Context, name string) (*big.Int, error) {
	var value pgtype.Numeric
	err := r.db.QueryRow(ctx, `SELECT value FROM global_fees WHERE name = $1`, name).Scan(&value)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrGlobalFeeNotDefined
		}
		return nil, err
	}
	return numericToBig(value)
}

// GetBalance returns the user's ledger balance. Accounts are created
// implicitly at first mutation, so an absent row reads as zero.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID uuid.UUID) (*big.Int, error) {
	var balance pgtype.Numeric
	err := r.db.QueryRow(ctx, `SELECT balance FROM accounts WHERE user_id = $1`, userID).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return big.NewInt(0), nil
		}
		return nil, err
	}
	return numericToBig(balance)
}

// CreditBalance adds to a user's balance, creating the account row on first use.
func (r *PostgresRepository) CreditBalance(ctx context.Context, userID uuid.UUID, amount *big.Int) error {
	query := `
		INSERT INTO accounts (user_id, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET balance = accounts.balance + EXCLUDED.balance, updated_at = NOW()
	`
	_, err := r.db.Exec(ctx, query, userID, bigToNumeric(amount))
	return err
}

// DebitBalance subtracts from a user's balance. The predicate guards against
// overdraft; zero rows affected means the balance was short (or absent).
func (r *PostgresRepository) DebitBalance(ctx context.Context, userID uuid.UUID, amount *big.Int) error {
	query := `
		UPDATE accounts
		SET balance = balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND balance >= $2
	`
	result, err := r.db.Exec(ctx, query, userID, bigToNumeric(amount))
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// GetLedgerTotals returns the reserve and treasury pool balances.
func (r *PostgresRepository) GetLedgerTotals(ctx context.Context) (*domain.LedgerTotals, error) {
	rows, err := r.db.Query(ctx, `SELECT key, value FROM ledger_state WHERE key IN ($1, $2)`,
		ledgerStateReserve, ledgerStateTreasury)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := &domain.LedgerTotals{Reserve: big.NewInt(0), Treasury: big.NewInt(0)}
	for rows.Next() {
		var key string
		var value pgtype.Numeric
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		v, err := numericToBig(value)
		if err != nil {
			return nil, err
		}
		switch key {
		case ledgerStateReserve:
			totals.Reserve = v
		case ledgerStateTreasury:
			totals.Treasury = v
		}
	}
	return totals, rows.Err()
}

// ApplyMintSplit credits the owner, the acting user, the treasury pool and
// the reserve pool atomically.
func (r *PostgresRepository) ApplyMintSplit(ctx context.Context, ownerID, userID uuid.UUID, split domain.MintSplit) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	creditQuery := `
		INSERT INTO accounts (user_id, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET balance = accounts.balance + EXCLUDED.balance, updated_at = NOW()
	`
	if _, err := tx.Exec(ctx, creditQuery, ownerID, bigToNumeric(split.Owner)); err != nil {
		return fmt.Errorf("failed to credit owner: %w", err)
	}
	if _, err := tx.Exec(ctx, creditQuery, userID, bigToNumeric(split.User)); err != nil {
		return fmt.Errorf("failed to credit user: %w", err)
	}

	if err := adjustPool(ctx, tx, ledgerStateTreasury, split.Treasury); err != nil {
		return err
	}
	if err := adjustPool(ctx, tx, ledgerStateReserve, split.Reserve); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ApplyBurnSplit debits the owner, the acting user, the treasury pool and the
// reserve pool atomically. Any short balance aborts the whole operation.
func (r *PostgresRepository) ApplyBurnSplit(ctx context.Context, ownerID, userID uuid.UUID, split domain.MintSplit) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	debitQuery := `
		UPDATE accounts
		SET balance = balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND balance >= $2
	`
	result, err := tx.Exec(ctx, debitQuery, ownerID, bigToNumeric(split.Owner))
	if err != nil {
		return fmt.Errorf("failed to debit owner: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrInsufficientBalance
	}
	result, err = tx.Exec(ctx, debitQuery, userID, bigToNumeric(split.User))
	if err != nil {
		return fmt.Errorf("failed to debit user: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrInsufficientBalance
	}

	if err := adjustPool(ctx, tx, ledgerStateTreasury, new(big.Int).Neg(split.Treasury)); err != nil {
		return err
	}
	if err := adjustPool(ctx, tx, ledgerStateReserve, new(big.Int).Neg(split.Reserve)); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// adjustPool moves a ledger_state pool by delta (which may be negative).
// Pools are never allowed to go negative.
func adjustPool(ctx context.Context, tx pgx.Tx, key string, delta *big.Int) error {
	if delta == nil || delta.Sign() == 0 {
		return nil
	}
	query := `
		INSERT INTO ledger_state (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE
		SET value = ledger_state.value + EXCLUDED.value, updated_at = NOW()
		WHERE ledger_state.value + EXCLUDED.value >= 0
	`
	result, err := tx.Exec(ctx, query, key, bigToNumeric(delta))
	if err != nil {
		return fmt.Errorf("failed to adjust %s pool: %w", key, err)
	}
	if result.RowsAffected() == 0 {
		return ErrInsufficientBalance
	}
	return nil
}
