package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/copyrelay/internal/domain"
	httpContracts "github.com/sawpanic/copyrelay/internal/http"
	"github.com/sawpanic/copyrelay/internal/persistence"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Signals handles POST /api/signals, the master's signal endpoint.
func (h *Handlers) Signals(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !h.authorize(w, r, body, RoleMaster) {
		return
	}

	sig, err := domain.DecodeSignal(body)
	if err != nil {
		h.rec.SignalApplied("invalid", "rejected")
		h.fail(w, r, err)
		return
	}

	res, err := h.engine.ApplySignal(r.Context(), sig)
	if err != nil {
		h.rec.SignalApplied(string(sig.Action()), outcome(err))
		h.fail(w, r, err)
		return
	}
	h.rec.SignalApplied(string(sig.Action()), string(res.Status))

	log.Debug().Str("action", string(sig.Action())).Int64("ticket", sig.TicketID()).
		Str("status", string(res.Status)).Str("request_id", RequestID(r.Context())).Msg("Signal applied")
	h.writeJSON(w, http.StatusOK, httpContracts.StatusResponse{Status: string(res.Status)})
}

// BrokerTime handles GET /api/broker-time. Reading is unauthenticated.
func (h *Handlers) BrokerTime(w http.ResponseWriter, r *http.Request) {
	bt, err := h.control.BrokerTime(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := "available"
	if bt.BrokerTime == "" {
		status = "not_synced"
	}
	h.writeJSON(w, http.StatusOK, httpContracts.BrokerTimeResponse{
		BrokerTime: bt.BrokerTime,
		LastUpdate: bt.LastUpdate,
		ServerTime: h.serverTime(),
		Status:     status,
	})
}

type brokerTimeRequest struct {
	BrokerTime                 json.RawMessage `json:"brokerTime"`
	SlaveAutoCloseFilledTrades *bool           `json:"slaveAutoCloseFilledTrades"`
}

// UpdateBrokerTime handles POST /api/broker-time.
func (h *Handlers) UpdateBrokerTime(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !h.authorize(w, r, body, RoleMaster) {
		return
	}

	var req brokerTimeRequest
	if err := decodeObject(body, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	var brokerTime string
	if len(req.BrokerTime) == 0 || json.Unmarshal(req.BrokerTime, &brokerTime) != nil || brokerTime == "" {
		h.fail(w, r, domain.NewValidationError("brokerTime", "must be a non-empty string"))
		return
	}

	cfg, err := h.control.UpdateBrokerTime(r.Context(), brokerTime, req.SlaveAutoCloseFilledTrades)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, httpContracts.BrokerTimeUpdateResponse{
		Status:                     "success",
		BrokerTime:                 brokerTime,
		SlaveAutoCloseFilledTrades: cfg.AutoCloseFilledTrades,
		ServerTime:                 h.serverTime(),
	})
}

// Reset handles POST /api/reset: every trading collection is cleared and the
// reset flag raised.
func (h *Handlers) Reset(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !h.authorize(w, r, body, RoleMaster) {
		return
	}
	info, err := h.control.FullReset(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, httpContracts.ResetResponse{
		Status:         "success",
		Message:        "Complete reset performed",
		IsReset:        info.IsReset,
		ResetTimestamp: info.ResetTimestamp,
	})
}

type resetFlagRequest struct {
	Value  any    `json:"value"`
	Reason string `json:"reason"`
}

// ResetFlag handles POST /api/reset-flag. Only a literal true raises the flag.
func (h *Handlers) ResetFlag(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !h.authorize(w, r, body, RoleMaster) {
		return
	}
	var req resetFlagRequest
	if err := decodeObject(body, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	value, _ := req.Value.(bool)

	info, err := h.control.SetResetFlag(r.Context(), value, req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	msg := "Reset flag cleared"
	if info.IsReset {
		msg = "Reset flag set"
	}
	h.writeJSON(w, http.StatusOK, httpContracts.ResetResponse{
		Status:         "success",
		Message:        msg,
		IsReset:        info.IsReset,
		ResetTimestamp: info.ResetTimestamp,
	})
}

// Debug handles GET /api/debug, a full ledger dump for operators.
func (h *Handlers) Debug(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, nil, RoleMaster) {
		return
	}
	dump, err := h.inspector.Debug(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, dump)
}

// History handles GET /api/history, reading closed trades from the archive.
func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, nil, RoleMaster) {
		return
	}
	if h.archive == nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "archive_disabled",
			"Closed trade archive is not configured")
		return
	}

	q := r.URL.Query()
	limit := defaultHistoryLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.fail(w, r, domain.NewValidationError("limit", "must be a positive integer"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	var (
		tr     persistence.TimeRange
		trades []persistence.ClosedTrade
		err    error
	)
	if tr.From, err = timeParam(q.Get("from"), "from"); err != nil {
		h.fail(w, r, err)
		return
	}
	if tr.To, err = timeParam(q.Get("to"), "to"); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := tr.Validate(); err != nil {
		h.fail(w, r, domain.NewValidationError("to", err.Error()))
		return
	}

	if symbol := q.Get("symbol"); symbol != "" {
		trades, err = h.archive.ListBySymbol(r.Context(), symbol, tr, limit)
	} else {
		trades, err = h.archive.Latest(r.Context(), limit)
	}
	if err != nil {
		h.fail(w, r, domain.NewStoreError("ClosedTrades", err))
		return
	}
	total, err := h.archive.Count(r.Context(), tr)
	if err != nil {
		h.fail(w, r, domain.NewStoreError("CountClosedTrades", err))
		return
	}
	if trades == nil {
		trades = []persistence.ClosedTrade{}
	}
	h.writeJSON(w, http.StatusOK, httpContracts.HistoryResponse{Trades: trades, Count: len(trades), Total: total})
}

// timeParam parses an optional RFC3339 query value.
func timeParam(raw, field string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, domain.NewValidationError(field, "must be an RFC3339 timestamp")
	}
	return t, nil
}

// outcome labels a failed signal for metrics.
func outcome(err error) string {
	switch {
	case domain.IsValidation(err):
		return "rejected"
	case domain.IsStore(err):
		return "store_error"
	default:
		return "error"
	}
}
