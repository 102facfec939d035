package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/copyrelay/internal/domain"
	"github.com/sawpanic/copyrelay/internal/ledger"
	"github.com/sawpanic/copyrelay/internal/persistence"
)

// EngineStore is what reconciliation may touch. Slave config is deliberately
// absent: account updates cannot reach it.
type EngineStore interface {
	ledger.PendingOrders
	ledger.FilledTrades
	ledger.EventLog
	ledger.AccountWriter
	ledger.ResetFlags
}

// CloseArchive receives closed trades for long-term history.
type CloseArchive interface {
	Insert(ctx context.Context, trade persistence.ClosedTrade) error
}

// Status is the payload discriminator returned to the master.
type Status string

const (
	StatusSuccess       Status = "success"
	StatusAlreadyFilled Status = "already_filled"
)

type Result struct {
	Status Status `json:"status"`
}

// Engine applies master signals to the ledger.
//
// Each signal is a short sequence of independent store calls with no lock
// around them. Racing signals for one ticket (filled against cancel or
// modify) resolve as last write wins and may leave either terminal state.
//
// Events are stamped immediately before they are appended. A poll whose
// serverTime falls between the stamp and the store write still misses the
// event for good; that window is one store round trip wide and is accepted.
type Engine struct {
	store    EngineStore
	clock    Clock
	notifier Notifier
	archive  CloseArchive
}

type EngineOption func(*Engine)

func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithArchive records every trade_closed signal in a. Archive failures are
// logged and never change the signal result.
func WithArchive(a CloseArchive) EngineOption {
	return func(e *Engine) { e.archive = a }
}

func NewEngine(store EngineStore, clock Clock, opts ...EngineOption) *Engine {
	e := &Engine{store: store, clock: clock, notifier: nopNotifier{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ApplySignal runs sig through the ticket state machine.
func (e *Engine) ApplySignal(ctx context.Context, sig domain.Signal) (Result, error) {
	if sig == nil {
		return Result{}, domain.NewValidationError("action", "is required")
	}
	now := e.clock.Now()

	if acct := sig.AccountPayload(); len(acct) > 0 {
		if err := e.store.SetMasterAccount(ctx, domain.AccountSnapshot{Attributes: acct, LastUpdated: now}); err != nil {
			return Result{}, err
		}
		log.Debug().Interface("balance", acct["balance"]).Interface("equity", acct["equity"]).Msg("Master account updated")
	}

	if sig.Action().ClearsReset() {
		if err := e.clearReset(ctx, sig, now); err != nil {
			return Result{}, err
		}
	}

	var (
		res Result
		err error
	)
	switch s := sig.(type) {
	case domain.PendingSignal:
		res, err = e.applyPending(ctx, s, now)
	case domain.ModifySignal:
		res, err = e.applyModify(ctx, s, now)
	case domain.BarsUpdateSignal:
		res, err = e.applyBarsUpdate(ctx, s, now)
	case domain.FilledSignal:
		res, err = e.applyFilled(ctx, s, now)
	case domain.TradeClosedSignal:
		res, err = e.applyTradeClosed(ctx, s)
	case domain.CancelSignal:
		res, err = e.applyCancel(ctx, s)
	default:
		return Result{}, domain.NewValidationError("action", fmt.Sprintf("unsupported signal %T", sig))
	}
	if err != nil {
		return Result{}, err
	}

	if sig.Action() != domain.ActionBarsUpdate {
		e.notifier.Publish(Notification{
			Type:       NotifySignal,
			Action:     string(sig.Action()),
			Ticket:     sig.TicketID(),
			Status:     string(res.Status),
			ServerTime: e.clock.Now().UnixMilli(),
		})
	}
	return res, nil
}

func (e *Engine) clearReset(ctx context.Context, sig domain.Signal, now time.Time) error {
	info, err := e.store.ResetInfo(ctx)
	if err != nil {
		return err
	}
	if !info.IsReset {
		return nil
	}
	reason := fmt.Sprintf("master sent %s for ticket #%d", sig.Action(), sig.TicketID())
	if err := e.store.SetResetInfo(ctx, domain.ResetInfo{IsReset: false, Reason: reason}); err != nil {
		return err
	}
	log.Info().Str("reason", reason).Msg("Reset flag cleared")
	return nil
}

func (e *Engine) applyPending(ctx context.Context, s domain.PendingSignal, now time.Time) (Result, error) {
	filled, err := e.store.FilledTrade(ctx, s.Ticket)
	if err != nil {
		return Result{}, err
	}
	if filled != nil {
		log.Warn().Int64("ticket", s.Ticket).Msg("Pending signal for already filled ticket, possible desync")
		return Result{Status: StatusAlreadyFilled}, nil
	}

	order := domain.PendingOrder{
		SignalType:        string(domain.ActionPending),
		Ticket:            s.Ticket,
		Symbol:            s.Symbol,
		Type:              s.Type,
		Lots:              s.Lots,
		Price:             s.Price,
		SL:                s.SL,
		TP:                s.TP,
		Time:              s.Time,
		Comment:           s.Comment,
		Expiration:        s.Expiration,
		BarsFromPlacement: intOr(s.BarsFromPlacement, 0),
		Timeframe:         intOr(s.Timeframe, 0),
		TimeframeName:     strOr(s.TimeframeName, "Unknown"),
		BarTimestamp:      strOr(s.BarTimestamp, ""),
		Timestamp:         now,
	}
	if err := e.store.PutPendingOrder(ctx, order); err != nil {
		return Result{}, err
	}
	log.Info().Int64("ticket", s.Ticket).Str("symbol", s.Symbol).Float64("price", s.Price).Msg("Pending order stored")
	return Result{Status: StatusSuccess}, nil
}

func (e *Engine) applyModify(ctx context.Context, s domain.ModifySignal, now time.Time) (Result, error) {
	filled, err := e.store.FilledTrade(ctx, s.Ticket)
	if err != nil {
		return Result{}, err
	}
	if filled != nil {
		log.Warn().Int64("ticket", s.Ticket).Msg("Modify ignored, ticket already filled")
		return Result{Status: StatusAlreadyFilled}, nil
	}
	order, err := e.store.PendingOrder(ctx, s.Ticket)
	if err != nil {
		return Result{}, err
	}
	if order == nil {
		log.Warn().Int64("ticket", s.Ticket).Msg("Modify for unknown pending order")
		return Result{Status: StatusSuccess}, nil
	}

	o := *order
	setFloat(&o.Lots, s.Lots)
	setFloat(&o.Price, s.Price)
	setFloat(&o.SL, s.SL)
	setFloat(&o.TP, s.TP)
	setString(&o.Expiration, s.Expiration)
	mergeBars(&o, s.BarsFromPlacement, s.Timeframe, s.TimeframeName, s.BarTimestamp)
	o.Modified = true
	o.Timestamp = now
	if err := e.store.PutPendingOrder(ctx, o); err != nil {
		return Result{}, err
	}

	symbol := s.Symbol
	if symbol == "" {
		symbol = o.Symbol
	}
	ev := domain.RecentEvent{
		SignalType:        domain.EventModify,
		Action:            string(domain.ActionModify),
		Ticket:            o.Ticket,
		Symbol:            symbol,
		Price:             f64(o.Price),
		SL:                f64(o.SL),
		TP:                f64(o.TP),
		Expiration:        o.Expiration,
		BarsFromPlacement: intp(o.BarsFromPlacement),
		Timeframe:         intp(o.Timeframe),
		TimeframeName:     o.TimeframeName,
		BarTimestamp:      o.BarTimestamp,
	}
	if err := e.appendEvent(ctx, &ev); err != nil {
		return Result{}, err
	}
	log.Info().Int64("ticket", o.Ticket).Str("symbol", o.Symbol).Float64("price", o.Price).Msg("Pending order modified")
	return Result{Status: StatusSuccess}, nil
}

func (e *Engine) applyBarsUpdate(ctx context.Context, s domain.BarsUpdateSignal, now time.Time) (Result, error) {
	order, err := e.store.PendingOrder(ctx, s.Ticket)
	if err != nil {
		return Result{}, err
	}
	if order == nil {
		log.Warn().Int64("ticket", s.Ticket).Msg("Bars update for unknown pending order")
		return Result{Status: StatusSuccess}, nil
	}
	o := *order
	mergeBars(&o, s.BarsFromPlacement, s.Timeframe, s.TimeframeName, s.BarTimestamp)
	o.LastBarsUpdate = &now
	if err := e.store.PutPendingOrder(ctx, o); err != nil {
		return Result{}, err
	}
	log.Debug().Int64("ticket", o.Ticket).Int("bars", o.BarsFromPlacement).Msg("Bars tracking updated")
	return Result{Status: StatusSuccess}, nil
}

func (e *Engine) applyFilled(ctx context.Context, s domain.FilledSignal, now time.Time) (Result, error) {
	order, err := e.store.PendingOrder(ctx, s.Ticket)
	if err != nil {
		return Result{}, err
	}
	if order == nil {
		log.Warn().Int64("ticket", s.Ticket).Msg("Fill for unknown pending order")
		return Result{Status: StatusSuccess}, nil
	}

	trade := domain.FilledTrade{
		PendingOrder:   *order,
		OriginalTicket: order.Ticket,
		FillPrice:      s.Price,
		FilledTime:     s.Time,
	}
	trade.SignalType = string(domain.ActionFilled)
	trade.Timestamp = now

	// Write the successor first so a failure in between leaves the ticket in
	// both sets rather than in neither.
	if err := e.store.PutFilledTrade(ctx, trade); err != nil {
		return Result{}, err
	}
	if _, err := e.store.DeletePendingOrder(ctx, s.Ticket); err != nil {
		return Result{}, err
	}
	purged, err := e.purgeTicket(ctx, s.Ticket)
	if err != nil {
		return Result{}, err
	}
	log.Info().Int64("ticket", s.Ticket).Str("symbol", order.Symbol).Float64("fill_price", s.Price).
		Int("events_purged", purged).Msg("Pending order filled")
	return Result{Status: StatusSuccess}, nil
}

func (e *Engine) applyTradeClosed(ctx context.Context, s domain.TradeClosedSignal) (Result, error) {
	filled, err := e.store.FilledTrade(ctx, s.Ticket)
	if err != nil {
		return Result{}, err
	}
	if filled != nil {
		if _, err := e.store.DeleteFilledTrade(ctx, s.Ticket); err != nil {
			return Result{}, err
		}
	} else {
		log.Info().Int64("ticket", s.Ticket).Msg("Trade closed without a filled entry")
	}

	ev := domain.RecentEvent{
		SignalType: domain.EventTradeClosed,
		Action:     string(domain.ActionTradeClosed),
		Ticket:     s.Ticket,
		Symbol:     s.Symbol,
		Type:       s.Type,
		Lots:       s.Lots,
		OpenPrice:  f64(s.OpenPrice),
		ClosePrice: f64(s.ClosePrice),
		OpenTime:   s.OpenTime,
		CloseTime:  s.CloseTime,
		Profit:     f64(s.Profit),
		Swap:       f64(s.Swap),
		Commission: f64(s.Commission),
		Comment:    s.Comment,
	}
	if filled != nil {
		if ev.Symbol == "" {
			ev.Symbol = filled.Symbol
		}
		if ev.Type == "" {
			ev.Type = filled.Type
		}
		if ev.Lots == nil {
			ev.Lots = f64(filled.Lots)
		}
	}
	if err := e.appendEvent(ctx, &ev); err != nil {
		return Result{}, err
	}
	log.Info().Int64("ticket", s.Ticket).Str("symbol", ev.Symbol).Float64("close_price", s.ClosePrice).
		Float64("profit", s.Profit).Msg("Trade closed")

	if e.archive != nil {
		if err := e.archive.Insert(ctx, closedTradeRecord(ev)); err != nil {
			log.Warn().Err(err).Int64("ticket", s.Ticket).Msg("Closed trade not archived")
		}
	}
	return Result{Status: StatusSuccess}, nil
}

func (e *Engine) applyCancel(ctx context.Context, s domain.CancelSignal) (Result, error) {
	order, err := e.store.PendingOrder(ctx, s.Ticket)
	if err != nil {
		return Result{}, err
	}
	if order == nil {
		filled, err := e.store.FilledTrade(ctx, s.Ticket)
		if err != nil {
			return Result{}, err
		}
		if filled != nil {
			log.Info().Int64("ticket", s.Ticket).Msg("Cancel ignored, ticket already filled")
		} else {
			log.Warn().Int64("ticket", s.Ticket).Msg("Cancel for unknown ticket")
		}
		return Result{Status: StatusSuccess}, nil
	}

	if _, err := e.store.DeletePendingOrder(ctx, s.Ticket); err != nil {
		return Result{}, err
	}
	if _, err := e.purgeTicket(ctx, s.Ticket); err != nil {
		return Result{}, err
	}
	ev := domain.RecentEvent{
		SignalType: domain.EventCancel,
		Action:     string(domain.ActionCancel),
		Ticket:     s.Ticket,
		Symbol:     order.Symbol,
		CancelTime: s.Time,
	}
	if err := e.appendEvent(ctx, &ev); err != nil {
		return Result{}, err
	}
	log.Info().Int64("ticket", s.Ticket).Str("symbol", order.Symbol).Msg("Pending order cancelled")
	return Result{Status: StatusSuccess}, nil
}

// appendEvent stamps ev after every earlier store call of the signal so it
// sorts after any serverTime handed out while those calls ran.
func (e *Engine) appendEvent(ctx context.Context, ev *domain.RecentEvent) error {
	ev.Timestamp = e.clock.Now()
	return e.store.AppendEvent(ctx, *ev)
}

// purgeTicket drops the superseded events of ticket. Close events stay as history.
func (e *Engine) purgeTicket(ctx context.Context, ticket int64) (int, error) {
	return e.store.FilterEvents(ctx, func(ev domain.RecentEvent) bool {
		return ev.Ticket == ticket && ev.SignalType != domain.EventTradeClosed
	})
}

func closedTradeRecord(ev domain.RecentEvent) persistence.ClosedTrade {
	return persistence.ClosedTrade{
		Ticket:     ev.Ticket,
		Symbol:     ev.Symbol,
		Type:       ev.Type,
		Lots:       deref(ev.Lots),
		OpenPrice:  deref(ev.OpenPrice),
		ClosePrice: deref(ev.ClosePrice),
		OpenTime:   ev.OpenTime,
		CloseTime:  ev.CloseTime,
		Profit:     deref(ev.Profit),
		Swap:       deref(ev.Swap),
		Commission: deref(ev.Commission),
		Comment:    ev.Comment,
		RecordedAt: ev.Timestamp,
	}
}

func mergeBars(o *domain.PendingOrder, bars, timeframe *int, timeframeName, barTimestamp *string) {
	if bars != nil {
		o.BarsFromPlacement = *bars
	}
	if timeframe != nil && *timeframe != 0 {
		o.Timeframe = *timeframe
	}
	if timeframeName != nil && *timeframeName != "" {
		o.TimeframeName = *timeframeName
	}
	if barTimestamp != nil && *barTimestamp != "" {
		o.BarTimestamp = *barTimestamp
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func strOr(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

func f64(v float64) *float64 { return &v }

func intp(v int) *int { return &v }

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
