package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/copyrelay/internal/domain"
	httpContracts "github.com/sawpanic/copyrelay/internal/http"
	"github.com/sawpanic/copyrelay/internal/ledger"
	"github.com/sawpanic/copyrelay/internal/persistence"
	"github.com/sawpanic/copyrelay/internal/relay"
)

const (
	masterKey = "master-secret"
	slaveKey  = "slave-secret"
)

type countingRecorder struct {
	mu      sync.Mutex
	signals map[string]int
	auth    map[string]int
	fills   map[string]int
	store   map[string]int
	streams int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		signals: map[string]int{},
		auth:    map[string]int{},
		fills:   map[string]int{},
		store:   map[string]int{},
	}
}

func (c *countingRecorder) SignalApplied(action, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals[action+"/"+status]++
}

func (c *countingRecorder) AuthFailed(role string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth[role]++
}

func (c *countingRecorder) FillConfirmed(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fills[status]++
}

func (c *countingRecorder) StoreFailed(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[op]++
}

func (c *countingRecorder) StreamOpened() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streams++
}

func (c *countingRecorder) StreamClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streams--
}

type stubArchive struct {
	trades     []persistence.ClosedTrade
	err        error
	total      int64
	countErr   error
	lastSymbol string
	lastLimit  int
	lastRange  persistence.TimeRange
}

func (s *stubArchive) Insert(ctx context.Context, trade persistence.ClosedTrade) error {
	s.trades = append(s.trades, trade)
	return nil
}

func (s *stubArchive) Latest(ctx context.Context, limit int) ([]persistence.ClosedTrade, error) {
	s.lastLimit = limit
	return s.trades, s.err
}

func (s *stubArchive) ListBySymbol(ctx context.Context, symbol string, tr persistence.TimeRange, limit int) ([]persistence.ClosedTrade, error) {
	s.lastSymbol, s.lastLimit = symbol, limit
	return s.trades, s.err
}

func (s *stubArchive) Count(ctx context.Context, tr persistence.TimeRange) (int64, error) {
	s.lastRange = tr
	return s.total, s.countErr
}

type fixture struct {
	store *ledger.Memory
	rec   *countingRecorder
	feed  *Feed
	h     *Handlers
}

func newFixture(t *testing.T, archive persistence.ClosedTradeArchive) *fixture {
	t.Helper()
	store := ledger.NewMemory(100)
	clock := relay.NewMonotonicClock()
	feed := NewFeed()
	presence := relay.NewPresence(store, clock)
	opts := []relay.EngineOption{relay.WithNotifier(feed)}
	if archive != nil {
		opts = append(opts, relay.WithArchive(archive))
	}
	rec := newCountingRecorder()
	h := NewHandlers(Deps{
		Engine:     relay.NewEngine(store, clock, opts...),
		Sync:       relay.NewSyncResponder(store, presence, clock, feed),
		Presence:   presence,
		Control:    relay.NewControl(store, clock, feed),
		Inspector:  relay.NewInspector(store, presence, clock, "test_"),
		Maintainer: relay.NewMaintainer(store, presence, clock, relay.MaintenanceConfig{}),
		Archive:    archive,
		Auth:       NewAuthenticator(masterKey, slaveKey),
		Feed:       feed,
		Clock:      clock,
		Recorder:   rec,
	})
	t.Cleanup(feed.Close)
	return &fixture{store: store, rec: rec, feed: feed, h: h}
}

func do(handler http.HandlerFunc, method, target, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	r.Header.Set("User-Agent", "MetaTrader 5 Terminal/5.0.36")
	w := httptest.NewRecorder()
	handler(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

const pendingBody = `{"masterkey":"master-secret","action":"pending","ticket":1001,"symbol":"EURUSD",
	"type":"BUY_LIMIT","lots":0.1,"price":1.085,"sl":1.08,"tp":1.095,"time":"2024.03.04 10:00"}`

func (f *fixture) post(t *testing.T, body string) {
	t.Helper()
	w := do(f.h.Signals, http.MethodPost, "/api/signals", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestSignals_WrongMasterKey(t *testing.T) {
	f := newFixture(t, nil)
	body := strings.Replace(pendingBody, "master-secret", "guess", 1)

	w := do(f.h.Signals, http.MethodPost, "/api/signals", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	resp := decode[httpContracts.ErrorResponse](t, w)
	assert.Equal(t, "unauthorized", resp.Code)
	assert.Equal(t, 1, f.rec.auth[RoleMaster])

	n, err := f.store.CountPendingOrders(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSignals_PendingStored(t *testing.T) {
	f := newFixture(t, nil)

	w := do(f.h.Signals, http.MethodPost, "/api/signals", pendingBody)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"success"}`, w.Body.String())
	assert.Equal(t, 1, f.rec.signals["pending/success"])

	o, err := f.store.PendingOrder(context.Background(), 1001)
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, "EURUSD", o.Symbol)
}

func TestSignals_KeyFromQuery(t *testing.T) {
	f := newFixture(t, nil)
	w := do(f.h.Signals, http.MethodPost, "/api/signals?masterkey=master-secret",
		`{"action":"cancel","ticket":"77","time":"2024.03.04 10:05"}`)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestSignals_Invalid(t *testing.T) {
	f := newFixture(t, nil)
	w := do(f.h.Signals, http.MethodPost, "/api/signals", `{"masterkey":"master-secret","action":"pending","ticket":5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", decode[httpContracts.ErrorResponse](t, w).Code)
	assert.Equal(t, 1, f.rec.signals["invalid/rejected"])
}

func TestSignals_StoreFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.store.FailOn("PutPendingOrder", errors.New("connection refused"))

	w := do(f.h.Signals, http.MethodPost, "/api/signals", pendingBody)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "store_error", decode[httpContracts.ErrorResponse](t, w).Code)
	assert.Equal(t, 1, f.rec.store["PutPendingOrder"])
	assert.Equal(t, 1, f.rec.signals["pending/store_error"])
}

func TestSignals_BodyTooLarge(t *testing.T) {
	f := newFixture(t, nil)
	big := `{"masterkey":"master-secret","comment":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	w := do(f.h.Signals, http.MethodPost, "/api/signals", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestGetSignals(t *testing.T) {
	f := newFixture(t, nil)
	f.post(t, pendingBody)

	w := do(f.h.GetSignals, http.MethodGet, "/api/getsignals?slavekey=slave-secret", "")
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[relay.Snapshot](t, w)
	require.Len(t, snap.PendingOrders, 1)
	assert.Equal(t, int64(1001), snap.PendingOrders[0].Ticket)
	assert.Empty(t, snap.FilledTrades)
	assert.Equal(t, int64(1), snap.TradeCount.TotalTrades)
	assert.NotZero(t, snap.ServerTime)

	n, err := f.store.CountSlaves(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestGetSignals_WrongKeyLeavesNoPresence(t *testing.T) {
	f := newFixture(t, nil)
	w := do(f.h.GetSignals, http.MethodGet, "/api/getsignals?slavekey=nope", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 1, f.rec.auth[RoleSlave])

	n, err := f.store.CountSlaves(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGetSignals_BadLastSync(t *testing.T) {
	f := newFixture(t, nil)
	for _, v := range []string{"abc", "-5", "1.5"} {
		w := do(f.h.GetSignals, http.MethodGet, "/api/getsignals?slavekey=slave-secret&lastsync="+v, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, v)
	}
}

func TestSlaveFilled(t *testing.T) {
	f := newFixture(t, nil)
	f.post(t, pendingBody)
	f.post(t, `{"masterkey":"master-secret","action":"filled","ticket":1001,"price":1.085,"time":"2024.03.04 10:02"}`)

	w := do(f.h.SlaveFilled, http.MethodPost, "/api/slave-filled", `{"slavekey":"slave-secret","ticket":"1001"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"confirmed"}`, w.Body.String())

	w = do(f.h.SlaveFilled, http.MethodPost, "/api/slave-filled?slavekey=slave-secret&ticket=1001", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"not_found"}`, w.Body.String())

	assert.Equal(t, 1, f.rec.fills["confirmed"])
	assert.Equal(t, 1, f.rec.fills["not_found"])
}

func TestSlaveFilled_MissingTicket(t *testing.T) {
	f := newFixture(t, nil)
	w := do(f.h.SlaveFilled, http.MethodPost, "/api/slave-filled", `{"slavekey":"slave-secret"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTradeCountAndVerify(t *testing.T) {
	f := newFixture(t, nil)
	f.post(t, pendingBody)

	w := do(f.h.TradeCount, http.MethodGet, "/api/tradecount?slavekey=slave-secret", "")
	require.Equal(t, http.StatusOK, w.Code)
	tc := decode[httpContracts.TradeCountResponse](t, w)
	assert.Equal(t, int64(1), tc.PendingOrders)
	assert.Equal(t, "success", tc.Status)

	w = do(f.h.VerifySlave, http.MethodPost, "/api/verify-slave", `{"slavekey":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"status":"unauthorized","message":"Invalid slave key"}`, w.Body.String())

	w = do(f.h.VerifySlave, http.MethodPost, "/api/verify-slave", `{"slavekey":"slave-secret"}`)
	require.Equal(t, http.StatusOK, w.Code)
	vr := decode[httpContracts.VerifySlaveResponse](t, w)
	assert.Equal(t, "authorized", vr.Status)
	require.NotNil(t, vr.TradeCount)
	assert.Equal(t, int64(1), vr.TradeCount.TotalTrades)
	require.NotNil(t, vr.ResetInfo)
	assert.False(t, vr.ResetInfo.IsReset)
}

func TestBrokerTime(t *testing.T) {
	f := newFixture(t, nil)

	w := do(f.h.BrokerTime, http.MethodGet, "/api/broker-time", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "not_synced", decode[httpContracts.BrokerTimeResponse](t, w).Status)

	w = do(f.h.UpdateBrokerTime, http.MethodPost, "/api/broker-time", `{"masterkey":"master-secret","brokerTime":12345}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(f.h.UpdateBrokerTime, http.MethodPost, "/api/broker-time",
		`{"masterkey":"master-secret","brokerTime":"2024.03.04 12:00:00","slaveAutoCloseFilledTrades":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	upd := decode[httpContracts.BrokerTimeUpdateResponse](t, w)
	assert.True(t, upd.SlaveAutoCloseFilledTrades)

	w = do(f.h.BrokerTime, http.MethodGet, "/api/broker-time", "")
	bt := decode[httpContracts.BrokerTimeResponse](t, w)
	assert.Equal(t, "available", bt.Status)
	assert.Equal(t, "2024.03.04 12:00:00", bt.BrokerTime)
	assert.NotNil(t, bt.LastUpdate)
}

func TestResetEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	f.post(t, pendingBody)

	w := do(f.h.Reset, http.MethodPost, "/api/reset", `{"masterkey":"master-secret"}`)
	require.Equal(t, http.StatusOK, w.Code)
	rr := decode[httpContracts.ResetResponse](t, w)
	assert.Equal(t, "Complete reset performed", rr.Message)
	assert.True(t, rr.IsReset)
	n, _ := f.store.CountPendingOrders(context.Background())
	assert.Zero(t, n)

	w = do(f.h.ResetFlag, http.MethodPost, "/api/reset-flag", `{"masterkey":"master-secret","value":"true"}`)
	require.Equal(t, http.StatusOK, w.Code)
	rr = decode[httpContracts.ResetResponse](t, w)
	assert.Equal(t, "Reset flag cleared", rr.Message, "only a JSON true raises the flag")
	assert.False(t, rr.IsReset)

	w = do(f.h.ResetFlag, http.MethodPost, "/api/reset-flag", `{"masterkey":"master-secret","value":true,"reason":"manual"}`)
	rr = decode[httpContracts.ResetResponse](t, w)
	assert.Equal(t, "Reset flag set", rr.Message)
	assert.True(t, rr.IsReset)

	w = do(f.h.Reset, http.MethodPost, "/api/reset", `{}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDebugRequiresMasterKey(t *testing.T) {
	f := newFixture(t, nil)
	w := do(f.h.Debug, http.MethodGet, "/api/debug", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(f.h.Debug, http.MethodGet, "/api/debug?masterkey=master-secret", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHistory(t *testing.T) {
	f := newFixture(t, nil)
	w := do(f.h.History, http.MethodGet, "/api/history?masterkey=master-secret", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	archive := &stubArchive{trades: []persistence.ClosedTrade{{ID: 1, Ticket: 9, Symbol: "EURUSD"}}}
	f = newFixture(t, archive)

	w = do(f.h.History, http.MethodGet, "/api/history?masterkey=master-secret&limit=0", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(f.h.History, http.MethodGet, "/api/history?masterkey=master-secret&limit=9999", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, maxHistoryLimit, archive.lastLimit)
	assert.Equal(t, 1, decode[httpContracts.HistoryResponse](t, w).Count)

	w = do(f.h.History, http.MethodGet,
		"/api/history?masterkey=master-secret&symbol=EURUSD&from=2024-03-05T00:00:00Z&to=2024-03-04T00:00:00Z", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(f.h.History, http.MethodGet, "/api/history?masterkey=master-secret&symbol=EURUSD&from=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(f.h.History, http.MethodGet, "/api/history?masterkey=master-secret&symbol=EURUSD", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "EURUSD", archive.lastSymbol)
	assert.Equal(t, defaultHistoryLimit, archive.lastLimit)

	archive.err = errors.New("pq: connection refused")
	w = do(f.h.History, http.MethodGet, "/api/history?masterkey=master-secret", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 1, f.rec.store["ClosedTrades"])
}

func TestHistory_TotalCoversWindow(t *testing.T) {
	archive := &stubArchive{
		trades: []persistence.ClosedTrade{{ID: 2, Ticket: 11, Symbol: "GBPUSD"}},
		total:  42,
	}
	f := newFixture(t, archive)

	w := do(f.h.History, http.MethodGet,
		"/api/history?masterkey=master-secret&from=2024-03-04T00:00:00Z&to=2024-03-05T00:00:00Z&limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[httpContracts.HistoryResponse](t, w)
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, int64(42), resp.Total)
	assert.Equal(t, time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), archive.lastRange.From)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), archive.lastRange.To)

	archive.countErr = errors.New("pq: canceling statement due to statement timeout")
	w = do(f.h.History, http.MethodGet, "/api/history?masterkey=master-secret", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 1, f.rec.store["CountClosedTrades"])
}

func TestTradeClosedReachesArchive(t *testing.T) {
	archive := &stubArchive{}
	f := newFixture(t, archive)
	f.post(t, pendingBody)
	f.post(t, `{"masterkey":"master-secret","action":"filled","ticket":1001,"price":1.085,"time":"t1"}`)
	f.post(t, `{"masterkey":"master-secret","action":"trade_closed","ticket":1001,"openPrice":1.085,
		"closePrice":1.095,"openTime":"t1","closeTime":"t2","profit":100}`)

	require.Len(t, archive.trades, 1)
	assert.Equal(t, int64(1001), archive.trades[0].Ticket)
}

func TestOpsEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	f.post(t, pendingBody)

	w := do(f.h.Health, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	health := decode[relay.Health](t, w)
	assert.Equal(t, int64(1), health.PendingOrders)

	w = do(f.h.Stats, http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(f.h.Cleanup, http.MethodGet, "/api/cleanup", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "success", decode[httpContracts.CleanupResponse](t, w).Status)

	f.store.FailOn("CountPendingOrders", errors.New("timeout"))
	w = do(f.h.Health, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	f := newFixture(t, nil)
	r := httptest.NewRequest(http.MethodGet, "/api/nope", nil)
	r = r.WithContext(WithRequestID(r.Context(), "abc12345"))
	w := httptest.NewRecorder()
	f.h.NotFound(w, r)
	assert.Equal(t, http.StatusNotFound, w.Code)
	resp := decode[httpContracts.ErrorResponse](t, w)
	assert.Equal(t, "abc12345", resp.RequestID)
	assert.WithinDuration(t, time.Now(), resp.Timestamp, time.Minute)

	w = do(f.h.MethodNotAllowed, http.MethodDelete, "/api/signals", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "method_not_allowed", decode[httpContracts.ErrorResponse](t, w).Code)
}

func TestRequestIDDefault(t *testing.T) {
	assert.Equal(t, "unknown", RequestID(context.Background()))
	assert.Equal(t, "x", RequestID(WithRequestID(context.Background(), "x")))
}


func TestOutcome(t *testing.T) {
	assert.Equal(t, "rejected", outcome(domain.NewValidationError("action", "is required")))
	assert.Equal(t, "store_error", outcome(domain.NewStoreError("PutPendingOrder", errors.New("connection refused"))))
	assert.Equal(t, "error", outcome(errors.New("boom")))
}
