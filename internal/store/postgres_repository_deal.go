/**
 * @description
 * PostgreSQL implementation of the deal-related Repository methods. Deal
 * state transitions are single guarded UPDATE statements (`status =
 * 'pending'` predicates), so concurrent callers serialize on the row lock and
 * a deal can never leave a terminal state. Creation and finalization move
 * the escrowed guarantor fee inside the same database transaction as the
 * deal row change.
 */

package store

import (
	"context"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/communio/bank-service/internal/domain"
)

// CreateDealWithFee inserts the deal and escrows the guarantor fee from the
// buyer's balance into the ledger reserve in one transaction. The returned id
// is assigned by the deals BIGSERIAL sequence, starting at 1.
func (r *PostgresRepository) CreateDealWithFee(ctx context.Context, deal *domain.Deal) (int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if domain.IsPositive(deal.GuarantorFee) {
		debitQuery := `
			UPDATE accounts
			SET balance = balance - $2, updated_at = NOW()
			WHERE user_id = $1 AND balance >= $2
		`
		result, err := tx.Exec(ctx, debitQuery, deal.BuyerID, bigToNumeric(deal.GuarantorFee))
		if err != nil {
			return 0, fmt.Errorf("failed to escrow guarantor fee: %w", err)
		}
		if result.RowsAffected() == 0 {
			return 0, ErrInsufficientBalance
		}
		if err := adjustPool(ctx, tx, ledgerStateReserve, deal.GuarantorFee); err != nil {
			return 0, err
		}
	}

	var dealID int64
	insertQuery := `
		INSERT INTO deals (
			description, seller_id, buyer_id, guarantor_id, amount,
			start_time, end_time, guarantor_fee, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending')
		RETURNING id
	`
	err = tx.QueryRow(ctx, insertQuery,
		deal.Description, deal.SellerID, deal.BuyerID, deal.GuarantorID,
		bigToNumeric(deal.Amount), deal.StartTime, deal.EndTime, bigToNumeric(deal.GuarantorFee),
	).Scan(&dealID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert deal: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return dealID, nil
}

// GetDeal retrieves a deal by id.
func (r *PostgresRepository) GetDeal(ctx context.Context, dealID int64) (*domain.Deal, error) {
	var deal domain.Deal
	var amount, fee pgtype.Numeric
	query := `
		SELECT id, description, seller_id, buyer_id, guarantor_id, amount,
		       start_time, end_time, has_issue, issue_note,
		       seller_start_approved, buyer_start_approved,
		       seller_end_approved, buyer_end_approved,
		       status, guarantor_fee, created_at, updated_at
		FROM deals
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, dealID).Scan(
		&deal.ID, &deal.Description, &deal.SellerID, &deal.BuyerID, &deal.GuarantorID, &amount,
		&deal.StartTime, &deal.EndTime, &deal.HasIssue, &deal.IssueNote,
		&deal.SellerStartApproved, &deal.BuyerStartApproved,
		&deal.SellerEndApproved, &deal.BuyerEndApproved,
		&deal.Status, &fee, &deal.CreatedAt, &deal.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrDealNotFound
		}
		return nil, err
	}
	if deal.Amount, err = numericToBig(amount); err != nil {
		return nil, err
	}
	if deal.GuarantorFee, err = numericToBig(fee); err != nil {
		return nil, err
	}
	return &deal, nil
}

// SetDealIssue flags an issue on a pending deal. Flagging twice is a no-op
// beyond updating the note.
func (r *PostgresRepository) SetDealIssue(ctx context.Context, dealID int64, note string) error {
	query := `
		UPDATE deals
		SET has_issue = TRUE, issue_note = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	return r.guardedDealUpdate(ctx, dealID, query, note)
}

// SetDealStartApproval records one party's start approval.
func (r *PostgresRepository) SetDealStartApproval(ctx context.Context, dealID int64, bySeller bool) error {
	var query string
	if bySeller {
		query = `UPDATE deals SET seller_start_approved = TRUE, updated_at = NOW() WHERE id = $1 AND status = 'pending'`
	} else {
		query = `UPDATE deals SET buyer_start_approved = TRUE, updated_at = NOW() WHERE id = $1 AND status = 'pending'`
	}
	return r.guardedDealUpdate(ctx, dealID, query)
}

// SetDealEndApproval records one party's end approval.
func (r *PostgresRepository) SetDealEndApproval(ctx context.Context, dealID int64, bySeller bool) error {
	var query string
	if bySeller {
		query = `UPDATE deals SET seller_end_approved = TRUE, updated_at = NOW() WHERE id = $1 AND status = 'pending'`
	} else {
		query = `UPDATE deals SET buyer_end_approved = TRUE, updated_at = NOW() WHERE id = $1 AND status = 'pending'`
	}
	return r.guardedDealUpdate(ctx, dealID, query)
}

// guardedDealUpdate runs a status-guarded update and maps a zero row count to
// the right error: the deal either does not exist or is already terminal.
func (r *PostgresRepository) guardedDealUpdate(ctx context.Context, dealID int64, query string, args ...any) error {
	queryArgs := append([]any{dealID}, args...)
	result, err := r.db.Exec(ctx, query, queryArgs...)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM deals WHERE id = $1)`, dealID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrDealNotFound
		}
		return ErrDealFinalized
	}
	return nil
}

// FinalizeDeal moves a pending deal into a terminal state exactly once and
// releases the escrowed guarantor fee from the reserve to the guarantor. The
// status predicate makes double finalization impossible.
func (r *PostgresRepository) FinalizeDeal(ctx context.Context, dealID int64, status domain.DealStatus) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var guarantorID pgtype.UUID
	var fee pgtype.Numeric
	updateQuery := `
		UPDATE deals
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING guarantor_id, guarantor_fee
	`
	err = tx.QueryRow(ctx, updateQuery, dealID, status).Scan(&guarantorID, &fee)
	if err != nil {
		if err == pgx.ErrNoRows {
			var exists bool
			if qErr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM deals WHERE id = $1)`, dealID).Scan(&exists); qErr != nil {
				return qErr
			}
			if !exists {
				return ErrDealNotFound
			}
			return ErrDealFinalized
		}
		return fmt.Errorf("failed to finalize deal: %w", err)
	}

	feeAmount, err := numericToBig(fee)
	if err != nil {
		return err
	}
	if feeAmount.Sign() > 0 {
		if err := adjustPool(ctx, tx, ledgerStateReserve, new(big.Int).Neg(feeAmount)); err != nil {
			return err
		}
		creditQuery := `
			INSERT INTO accounts (user_id, balance, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (user_id) DO UPDATE
			SET balance = accounts.balance + EXCLUDED.balance, updated_at = NOW()
		`
		if _, err := tx.Exec(ctx, creditQuery, guarantorID, bigToNumeric(feeAmount)); err != nil {
			return fmt.Errorf("failed to credit guarantor fee: %w", err)
		}
	}

	return tx.Commit(ctx)
}
