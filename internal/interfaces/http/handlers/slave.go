package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/sawpanic/copyrelay/internal/domain"
	httpContracts "github.com/sawpanic/copyrelay/internal/http"
)

// GetSignals handles GET /api/getsignals. The caller is authenticated before
// its presence is recorded.
func (h *Handlers) GetSignals(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !h.authorize(w, r, body, RoleSlave) {
		return
	}

	var lastSync *int64
	if raw := r.URL.Query().Get("lastsync"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			h.fail(w, r, domain.NewValidationError("lastsync", "must be a non-negative millisecond timestamp"))
			return
		}
		lastSync = &n
	}

	snap, err := h.sync.GetSignals(r.Context(), ClientIdentity(r), lastSync)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

type slaveFilledRequest struct {
	Ticket json.RawMessage `json:"ticket"`
}

// SlaveFilled handles POST /api/slave-filled. A ticket that is no longer
// filled answers not_found with HTTP 200.
func (h *Handlers) SlaveFilled(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !h.authorize(w, r, body, RoleSlave) {
		return
	}

	var req slaveFilledRequest
	if err := decodeObject(body, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	var ticket int64
	if len(req.Ticket) > 0 {
		ticket, err = domain.ParseTicket(req.Ticket)
	} else {
		ticket, err = domain.ParseTicketString(r.URL.Query().Get("ticket"))
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status, err := h.sync.ConfirmFilled(r.Context(), ticket)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.rec.FillConfirmed(string(status))
	h.writeJSON(w, http.StatusOK, httpContracts.StatusResponse{Status: string(status)})
}

// TradeCount handles GET /api/tradecount.
func (h *Handlers) TradeCount(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, nil, RoleSlave) {
		return
	}
	tc, reset, err := h.sync.TradeCount(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, httpContracts.TradeCountResponse{
		PendingOrders:  tc.PendingOrders,
		FilledTrades:   tc.FilledTrades,
		TotalTrades:    tc.TotalTrades,
		IsReset:        reset.IsReset,
		ResetTimestamp: reset.ResetTimestamp,
		ServerTime:     h.serverTime(),
		Status:         "success",
	})
}

// VerifySlave handles /api/verify-slave, letting a slave check its key at
// startup. A wrong key answers 401 with its own body.
func (h *Handlers) VerifySlave(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !h.auth.ValidSlaveKey(keyFrom(r, body, "slavekey")) {
		h.rec.AuthFailed(RoleSlave)
		h.writeJSON(w, http.StatusUnauthorized, httpContracts.VerifySlaveResponse{
			Status:  "unauthorized",
			Message: "Invalid slave key",
		})
		return
	}

	tc, reset, err := h.sync.TradeCount(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, httpContracts.VerifySlaveResponse{
		Status:     "authorized",
		Message:    "Slave key valid",
		ServerTime: h.serverTime(),
		TradeCount: &tc,
		ResetInfo:  &httpContracts.ResetState{IsReset: reset.IsReset, ResetTimestamp: reset.ResetTimestamp},
	})
}
