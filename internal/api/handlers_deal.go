/**
 * @description
 * HTTP handlers for the escrowed-deal endpoints. The authenticated user is
 * the acting party for every mutation; deal reads are public.
 */

package api

import (
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/communio/bank-service/internal/domain"
)

// MakeDealHandler opens a new escrowed deal with the caller as buyer.
func (h *BankHandlers) MakeDealHandler(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}

	var req domain.MakeDealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() < 0 {
		h.writeError(w, http.StatusBadRequest, "Invalid amount")
		return
	}

	deal, err := h.service.MakeDeal(
		r.Context(),
		buyerID,
		req.Description,
		req.SellerID,
		req.GuarantorID,
		time.Unix(req.StartTime, 0).UTC(),
		time.Unix(req.EndTime, 0).UTC(),
		amount,
	)
	if err != nil {
		log.Printf("level=warn component=api endpoint=make_deal outcome=failed buyer_id=%s err=%v", buyerID, err)
		h.writeServiceError(w, err)
		return
	}

	log.Printf("level=info component=api endpoint=make_deal outcome=created deal_id=%d buyer_id=%s seller_id=%s", deal.ID, buyerID, req.SellerID)
	h.writeJSON(w, http.StatusCreated, deal)
}

// SetIssueHandler flags an issue on a deal.
func (h *BankHandlers) SetIssueHandler(w http.ResponseWriter, r *http.Request) {
	callerID, dealID, ok := h.dealRouteParams(w, r)
	if !ok {
		return
	}
	var req domain.SetIssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if err := h.service.SetIssue(r.Context(), callerID, dealID, req.Note); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "issue_flagged"})
}

// StartApproveHandler records the caller's start approval.
func (h *BankHandlers) StartApproveHandler(w http.ResponseWriter, r *http.Request) {
	callerID, dealID, ok := h.dealRouteParams(w, r)
	if !ok {
		return
	}
	if err := h.service.MakeStartApprove(r.Context(), callerID, dealID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "start_approved"})
}

// EndApproveHandler records the caller's end approval.
func (h *BankHandlers) EndApproveHandler(w http.ResponseWriter, r *http.Request) {
	callerID, dealID, ok := h.dealRouteParams(w, r)
	if !ok {
		return
	}
	if err := h.service.MakeEndApprove(r.Context(), callerID, dealID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "end_approved"})
}

// CancelDealHandler cancels a deal. Guarantor only.
func (h *BankHandlers) CancelDealHandler(w http.ResponseWriter, r *http.Request) {
	callerID, dealID, ok := h.dealRouteParams(w, r)
	if !ok {
		return
	}
	if err := h.service.CancelDeal(r.Context(), callerID, dealID); err != nil {
		log.Printf("level=warn component=api endpoint=cancel_deal outcome=failed deal_id=%d caller_id=%s err=%v", dealID, callerID, err)
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// FinishDealHandler completes a deal. Guarantor only.
func (h *BankHandlers) FinishDealHandler(w http.ResponseWriter, r *http.Request) {
	callerID, dealID, ok := h.dealRouteParams(w, r)
	if !ok {
		return
	}
	if err := h.service.FinishDeal(r.Context(), callerID, dealID); err != nil {
		log.Printf("level=warn component=api endpoint=finish_deal outcome=failed deal_id=%d caller_id=%s err=%v", dealID, callerID, err)
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "finished"})
}

// ReadCommonDealHandler returns the description/parties/value/window of a deal.
func (h *BankHandlers) ReadCommonDealHandler(w http.ResponseWriter, r *http.Request) {
	dealID, ok := h.dealIDParam(w, r)
	if !ok {
		return
	}
	view, err := h.service.ReadCommonDeal(r.Context(), requesterKey(r), dealID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// ReadBoolDealHandler returns the boolean flags of a deal.
func (h *BankHandlers) ReadBoolDealHandler(w http.ResponseWriter, r *http.Request) {
	dealID, ok := h.dealIDParam(w, r)
	if !ok {
		return
	}
	view, err := h.service.ReadBoolDeal(r.Context(), dealID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// ReadApproveDealHandler returns the approval flags of a deal.
func (h *BankHandlers) ReadApproveDealHandler(w http.ResponseWriter, r *http.Request) {
	dealID, ok := h.dealIDParam(w, r)
	if !ok {
		return
	}
	view, err := h.service.ReadApproveDeal(r.Context(), dealID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *BankHandlers) dealRouteParams(w http.ResponseWriter, r *http.Request) (callerID uuid.UUID, dealID int64, ok bool) {
	callerID, idOK := GetUserID(r.Context())
	if !idOK {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return uuid.Nil, 0, false
	}
	dealID, dealOK := h.dealIDParam(w, r)
	if !dealOK {
		return uuid.Nil, 0, false
	}
	return callerID, dealID, true
}

// requesterKey identifies the caller for rate limiting: the authenticated
// user id when present, otherwise the remote address.
func requesterKey(r *http.Request) string {
	if userID, ok := GetUserID(r.Context()); ok {
		return userID.String()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *BankHandlers) dealIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	dealID, err := strconv.ParseInt(chi.URLParam(r, "dealID"), 10, 64)
	if err != nil || dealID < 1 {
		h.writeError(w, http.StatusBadRequest, "Invalid deal ID")
		return 0, false
	}
	return dealID, true
}
