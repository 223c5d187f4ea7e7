/**
 * @description
 * This file contains the HTTP handlers for the bank-service's fee-ledger
 * endpoints. Handlers parse the request, call the application service and map
 * the returned error to an HTTP status. They act as the bridge between the
 * web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, errors, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain, internal/store: Service logic, models, errors.
 * - pkg/tokenclient: Transfer failure sentinel.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/communio/bank-service/internal/app"
	"github.com/communio/bank-service/internal/domain"
	"github.com/communio/bank-service/internal/store"
	"github.com/communio/bank-service/pkg/tokenclient"
)

// BankHandlers holds the application service that handlers will use.
type BankHandlers struct {
	service *app.Service
}

// NewBankHandlers creates a new instance of BankHandlers.
func NewBankHandlers(service *app.Service) *BankHandlers {
	return &BankHandlers{service: service}
}

type feeUpdateRequest struct {
	OwnerFeeBps  uint64 `json:"owner_fee"`
	ModeratorBps uint64 `json:"moderator_fee"`
	TreasuryBps  uint64 `json:"treasury_fee"`
	TotalBps     uint64 `json:"total"`
}

type contentActionRequest struct {
	OwnerID uuid.UUID `json:"owner_id"`
	UserID  uuid.UUID `json:"user_id"`
	GasHint uint64    `json:"gas_hint"`
}

type amountRequest struct {
	Amount string `json:"amount"` // base-10 token base units
}

type globalFeeRequest struct {
	Value string `json:"value"` // base-10
}

type balanceResponse struct {
	UserID  uuid.UUID `json:"user_id"`
	Balance string    `json:"balance"`
}

type splitResponse struct {
	Total    string `json:"total"`
	Owner    string `json:"owner"`
	User     string `json:"user"`
	Treasury string `json:"treasury"`
	Reserve  string `json:"reserve"`
}

func buildSplitResponse(split *domain.MintSplit) splitResponse {
	return splitResponse{
		Total:    split.Total.String(),
		Owner:    split.Owner.String(),
		User:     split.User.String(),
		Treasury: split.Treasury.String(),
		Reserve:  split.Reserve.String(),
	}
}

// DefineFeeHandler installs the default fee schedule for a community action.
func (h *BankHandlers) DefineFeeHandler(w http.ResponseWriter, r *http.Request) {
	role, communityID, kind, ok := h.feeRouteParams(w, r)
	if !ok {
		return
	}

	var err error
	switch kind {
	case domain.FeeKindPost:
		err = h.service.DefinePostFee(r.Context(), role, communityID)
	default:
		err = h.service.DefineCommentFee(r.Context(), role, communityID)
	}
	if err != nil {
		log.Printf("level=warn component=api endpoint=define_fee outcome=failed community_id=%d kind=%s err=%v", communityID, kind, err)
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"status": "defined"})
}

// UpdateFeeHandler overwrites the fee schedule for a community action.
func (h *BankHandlers) UpdateFeeHandler(w http.ResponseWriter, r *http.Request) {
	role, communityID, kind, ok := h.feeRouteParams(w, r)
	if !ok {
		return
	}
	var req feeUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	var err error
	switch kind {
	case domain.FeeKindPost:
		err = h.service.UpdatePostFee(r.Context(), role, communityID, req.OwnerFeeBps, req.ModeratorBps, req.TreasuryBps, req.TotalBps)
	default:
		err = h.service.UpdateCommentFee(r.Context(), role, communityID, req.OwnerFeeBps, req.ModeratorBps, req.TreasuryBps, req.TotalBps)
	}
	if err != nil {
		log.Printf("level=warn component=api endpoint=update_fee outcome=failed community_id=%d kind=%s err=%v", communityID, kind, err)
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// ReadFeeHandler returns the fee schedule for a community action.
func (h *BankHandlers) ReadFeeHandler(w http.ResponseWriter, r *http.Request) {
	communityID, ok := h.communityIDParam(w, r)
	if !ok {
		return
	}
	kind, ok := h.kindParam(w, r)
	if !ok {
		return
	}

	var schedule *domain.FeeSchedule
	var err error
	switch kind {
	case domain.FeeKindPost:
		schedule, err = h.service.ReadPostFee(r.Context(), communityID)
	default:
		schedule, err = h.service.ReadCommentFee(r.Context(), communityID)
	}
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, schedule)
}

// MintHandler mints ledger tokens for a content action.
func (h *BankHandlers) MintHandler(w http.ResponseWriter, r *http.Request) {
	role, communityID, kind, ok := h.feeRouteParams(w, r)
	if !ok {
		return
	}
	var req contentActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	var split *domain.MintSplit
	var err error
	switch kind {
	case domain.FeeKindPost:
		split, err = h.service.MintForPost(r.Context(), role, communityID, req.OwnerID, req.UserID, req.GasHint)
	default:
		split, err = h.service.MintForComment(r.Context(), role, communityID, req.OwnerID, req.UserID, req.GasHint)
	}
	if err != nil {
		log.Printf("level=warn component=api endpoint=mint outcome=failed community_id=%d kind=%s err=%v", communityID, kind, err)
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, buildSplitResponse(split))
}

// BurnHandler burns ledger tokens for a content removal.
func (h *BankHandlers) BurnHandler(w http.ResponseWriter, r *http.Request) {
	role, communityID, kind, ok := h.feeRouteParams(w, r)
	if !ok {
		return
	}
	var req contentActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	var split *domain.MintSplit
	var err error
	switch kind {
	case domain.FeeKindPost:
		split, err = h.service.BurnForPost(r.Context(), role, communityID, req.OwnerID, req.UserID, req.GasHint)
	default:
		split, err = h.service.BurnForComment(r.Context(), role, communityID, req.OwnerID, req.UserID, req.GasHint)
	}
	if err != nil {
		log.Printf("level=warn component=api endpoint=burn outcome=failed community_id=%d kind=%s err=%v", communityID, kind, err)
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildSplitResponse(split))
}

// GetBalanceHandler returns the authenticated user's ledger balance.
func (h *BankHandlers) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}
	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, balanceResponse{UserID: userID, Balance: balance.String()})
}

// DepositHandler transfers external tokens into the caller's ledger balance.
func (h *BankHandlers) DepositHandler(w http.ResponseWriter, r *http.Request) {
	userID, amount, ok := h.userAmountParams(w, r)
	if !ok {
		return
	}
	if err := h.service.AddBalance(r.Context(), userID, amount); err != nil {
		log.Printf("level=warn component=api endpoint=deposit outcome=failed user_id=%s err=%v", userID, err)
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "deposited", "amount": amount.String()})
}

// WithdrawHandler returns external tokens to the caller.
func (h *BankHandlers) WithdrawHandler(w http.ResponseWriter, r *http.Request) {
	userID, amount, ok := h.userAmountParams(w, r)
	if !ok {
		return
	}
	if err := h.service.Withdraw(r.Context(), userID, amount); err != nil {
		log.Printf("level=warn component=api endpoint=withdraw outcome=failed user_id=%s err=%v", userID, err)
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "withdrawn", "amount": amount.String()})
}

// LedgerTotalsHandler returns the reserve and treasury pool balances.
func (h *BankHandlers) LedgerTotalsHandler(w http.ResponseWriter, r *http.Request) {
	totals, err := h.service.GetLedgerTotals(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"reserve":  totals.Reserve.String(),
		"treasury": totals.Treasury.String(),
	})
}

// SetGlobalFeeHandler sets a named global fee default. Administrator only.
func (h *BankHandlers) SetGlobalFeeHandler(w http.ResponseWriter, r *http.Request) {
	role, ok := GetRole(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get role from context")
		return
	}
	name := chi.URLParam(r, "name")

	var req globalFeeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	value, ok := new(big.Int).SetString(req.Value, 10)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "Invalid fee value")
		return
	}

	if err := h.service.SetDefaultFee(r.Context(), role, name, value); err != nil {
		if errors.Is(err, app.ErrUnknownGlobalFee) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "set", "name": name})
}

// GetGlobalFeeHandler reads a named global fee default.
func (h *BankHandlers) GetGlobalFeeHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	value, err := h.service.GetDefaultFee(r.Context(), name)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"name": name, "value": value.String()})
}

// feeRouteParams extracts the caller role, community id and fee kind shared by
// the fee mutation endpoints.
func (h *BankHandlers) feeRouteParams(w http.ResponseWriter, r *http.Request) (app.Role, uint64, domain.FeeKind, bool) {
	role, ok := GetRole(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get role from context")
		return "", 0, "", false
	}
	communityID, ok := h.communityIDParam(w, r)
	if !ok {
		return "", 0, "", false
	}
	kind, ok := h.kindParam(w, r)
	if !ok {
		return "", 0, "", false
	}
	return role, communityID, kind, true
}

func (h *BankHandlers) communityIDParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	communityID, err := strconv.ParseUint(chi.URLParam(r, "communityID"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid community ID")
		return 0, false
	}
	return communityID, true
}

func (h *BankHandlers) kindParam(w http.ResponseWriter, r *http.Request) (domain.FeeKind, bool) {
	kind := domain.FeeKind(chi.URLParam(r, "kind"))
	if kind != domain.FeeKindPost && kind != domain.FeeKindComment {
		h.writeError(w, http.StatusBadRequest, "Invalid fee kind")
		return "", false
	}
	return kind, true
}

func (h *BankHandlers) userAmountParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, *big.Int, bool) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return uuid.Nil, nil, false
	}
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return uuid.Nil, nil, false
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		h.writeError(w, http.StatusBadRequest, "Invalid amount")
		return uuid.Nil, nil, false
	}
	return userID, amount, true
}

// writeServiceError maps service and store errors onto HTTP statuses.
func (h *BankHandlers) writeServiceError(w http.ResponseWriter, err error) {
	var rateErr *app.RateLimitedError
	switch {
	case errors.Is(err, app.ErrNotAuthorized), errors.Is(err, app.ErrWrongDealUser):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrInvalidWindow), errors.Is(err, app.ErrInsufficientPrice):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrWrongStartTime):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, app.ErrNoIssue), errors.Is(err, app.ErrNotApproved), errors.Is(err, store.ErrDealFinalized):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrInsufficientBalance):
		h.writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, store.ErrAccountNotFound), errors.Is(err, store.ErrDealNotFound),
		errors.Is(err, store.ErrFeeNotDefined), errors.Is(err, store.ErrGlobalFeeNotDefined):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, tokenclient.ErrTransferFailed):
		h.writeError(w, http.StatusBadGateway, err.Error())
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
		h.writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *BankHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *BankHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
