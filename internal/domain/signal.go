package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Action discriminates master signals.
type Action string

const (
	ActionPending     Action = "pending"
	ActionModify      Action = "modify"
	ActionBarsUpdate  Action = "silentBarsUpdate"
	ActionFilled      Action = "filled"
	ActionTradeClosed Action = "trade_closed"
	ActionCancel      Action = "cancel"
)

// ClearsReset reports whether the action is a fresh trading signal that
// lowers the global reset flag.
func (a Action) ClearsReset() bool {
	return a == ActionPending || a == ActionModify || a == ActionFilled
}

// Signal is one master instruction. Concrete types are PendingSignal,
// ModifySignal, BarsUpdateSignal, FilledSignal, TradeClosedSignal and
// CancelSignal.
type Signal interface {
	Action() Action
	TicketID() int64
	AccountPayload() map[string]any
}

type PendingSignal struct {
	Ticket            int64
	Symbol            string
	Type              string
	Lots              float64
	Price             float64
	SL                float64
	TP                float64
	Time              string
	Comment           string
	Expiration        string
	BarsFromPlacement *int
	Timeframe         *int
	TimeframeName     *string
	BarTimestamp      *string
	Account           map[string]any
}

func (s PendingSignal) Action() Action                 { return ActionPending }
func (s PendingSignal) TicketID() int64                { return s.Ticket }
func (s PendingSignal) AccountPayload() map[string]any { return s.Account }

// ModifySignal carries only the fields being changed; nil keeps the stored value.
type ModifySignal struct {
	Ticket            int64
	Symbol            string
	Lots              *float64
	Price             *float64
	SL                *float64
	TP                *float64
	Expiration        *string
	BarsFromPlacement *int
	Timeframe         *int
	TimeframeName     *string
	BarTimestamp      *string
	Account           map[string]any
}

func (s ModifySignal) Action() Action                 { return ActionModify }
func (s ModifySignal) TicketID() int64                { return s.Ticket }
func (s ModifySignal) AccountPayload() map[string]any { return s.Account }

// BarsUpdateSignal refreshes bar tracking without notifying slaves.
type BarsUpdateSignal struct {
	Ticket            int64
	BarsFromPlacement *int
	Timeframe         *int
	TimeframeName     *string
	BarTimestamp      *string
	Account           map[string]any
}

func (s BarsUpdateSignal) Action() Action                 { return ActionBarsUpdate }
func (s BarsUpdateSignal) TicketID() int64                { return s.Ticket }
func (s BarsUpdateSignal) AccountPayload() map[string]any { return s.Account }

type FilledSignal struct {
	Ticket  int64
	Price   float64
	Time    string
	Account map[string]any
}

func (s FilledSignal) Action() Action                 { return ActionFilled }
func (s FilledSignal) TicketID() int64                { return s.Ticket }
func (s FilledSignal) AccountPayload() map[string]any { return s.Account }

type TradeClosedSignal struct {
	Ticket     int64
	Symbol     string
	Type       string
	Lots       *float64
	OpenPrice  float64
	ClosePrice float64
	OpenTime   string
	CloseTime  string
	Profit     float64
	Swap       float64
	Commission float64
	Comment    string
	Account    map[string]any
}

func (s TradeClosedSignal) Action() Action                 { return ActionTradeClosed }
func (s TradeClosedSignal) TicketID() int64                { return s.Ticket }
func (s TradeClosedSignal) AccountPayload() map[string]any { return s.Account }

type CancelSignal struct {
	Ticket  int64
	Time    string
	Account map[string]any
}

func (s CancelSignal) Action() Action                 { return ActionCancel }
func (s CancelSignal) TicketID() int64                { return s.Ticket }
func (s CancelSignal) AccountPayload() map[string]any { return s.Account }

// wireSignal is the loosely typed body posted by master terminals.
type wireSignal struct {
	Action            string          `json:"action"`
	Ticket            json.RawMessage `json:"ticket"`
	Symbol            *flexString     `json:"symbol"`
	Type              *flexString     `json:"type"`
	Lots              *flexFloat      `json:"lots"`
	Price             *flexFloat      `json:"price"`
	SL                *flexFloat      `json:"sl"`
	TP                *flexFloat      `json:"tp"`
	Time              *flexString     `json:"time"`
	Comment           *flexString     `json:"comment"`
	Expiration        *flexString     `json:"expiration"`
	BarsFromPlacement *flexInt        `json:"barsFromPlacement"`
	Timeframe         *flexInt        `json:"timeframe"`
	TimeframeName     *flexString     `json:"timeframeName"`
	BarTimestamp      *flexString     `json:"barTimestamp"`
	OpenPrice         *flexFloat      `json:"openPrice"`
	ClosePrice        *flexFloat      `json:"closePrice"`
	OpenTime          *flexString     `json:"openTime"`
	CloseTime         *flexString     `json:"closeTime"`
	Profit            *flexFloat      `json:"profit"`
	Swap              *flexFloat      `json:"swap"`
	Commission        *flexFloat      `json:"commission"`
	Account           json.RawMessage `json:"account"`
}

// DecodeSignal parses a master request body into its typed Signal.
func DecodeSignal(body []byte) (Signal, error) {
	var w wireSignal
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, NewValidationError("", fmt.Sprintf("malformed signal body: %v", err))
	}
	if w.Action == "" {
		return nil, NewValidationError("action", "is required")
	}
	ticket, err := ParseTicket(w.Ticket)
	if err != nil {
		return nil, err
	}
	account, err := decodeAccount(w.Account)
	if err != nil {
		return nil, err
	}

	switch Action(w.Action) {
	case ActionPending:
		if err := require(map[string]bool{
			"symbol": w.Symbol != nil && *w.Symbol != "",
			"type":   w.Type != nil,
			"lots":   w.Lots != nil,
			"price":  w.Price != nil,
			"sl":     w.SL != nil,
			"tp":     w.TP != nil,
			"time":   w.Time != nil,
		}); err != nil {
			return nil, err
		}
		return PendingSignal{
			Ticket:            ticket,
			Symbol:            string(*w.Symbol),
			Type:              string(*w.Type),
			Lots:              float64(*w.Lots),
			Price:             float64(*w.Price),
			SL:                float64(*w.SL),
			TP:                float64(*w.TP),
			Time:              string(*w.Time),
			Comment:           w.Comment.value(),
			Expiration:        w.Expiration.value(),
			BarsFromPlacement: w.BarsFromPlacement.ptr(),
			Timeframe:         w.Timeframe.ptr(),
			TimeframeName:     w.TimeframeName.ptr(),
			BarTimestamp:      w.BarTimestamp.ptr(),
			Account:           account,
		}, nil

	case ActionModify:
		return ModifySignal{
			Ticket:            ticket,
			Symbol:            w.Symbol.value(),
			Lots:              w.Lots.ptr(),
			Price:             w.Price.ptr(),
			SL:                w.SL.ptr(),
			TP:                w.TP.ptr(),
			Expiration:        w.Expiration.ptr(),
			BarsFromPlacement: w.BarsFromPlacement.ptr(),
			Timeframe:         w.Timeframe.ptr(),
			TimeframeName:     w.TimeframeName.ptr(),
			BarTimestamp:      w.BarTimestamp.ptr(),
			Account:           account,
		}, nil

	case ActionBarsUpdate:
		return BarsUpdateSignal{
			Ticket:            ticket,
			BarsFromPlacement: w.BarsFromPlacement.ptr(),
			Timeframe:         w.Timeframe.ptr(),
			TimeframeName:     w.TimeframeName.ptr(),
			BarTimestamp:      w.BarTimestamp.ptr(),
			Account:           account,
		}, nil

	case ActionFilled:
		if err := require(map[string]bool{
			"price": w.Price != nil,
			"time":  w.Time != nil,
		}); err != nil {
			return nil, err
		}
		return FilledSignal{
			Ticket:  ticket,
			Price:   float64(*w.Price),
			Time:    string(*w.Time),
			Account: account,
		}, nil

	case ActionTradeClosed:
		if err := require(map[string]bool{
			"openPrice":  w.OpenPrice != nil,
			"closePrice": w.ClosePrice != nil,
			"openTime":   w.OpenTime != nil,
			"closeTime":  w.CloseTime != nil,
			"profit":     w.Profit != nil,
		}); err != nil {
			return nil, err
		}
		return TradeClosedSignal{
			Ticket:     ticket,
			Symbol:     w.Symbol.value(),
			Type:       w.Type.value(),
			Lots:       w.Lots.ptr(),
			OpenPrice:  float64(*w.OpenPrice),
			ClosePrice: float64(*w.ClosePrice),
			OpenTime:   string(*w.OpenTime),
			CloseTime:  string(*w.CloseTime),
			Profit:     float64(*w.Profit),
			Swap:       w.Swap.value(),
			Commission: w.Commission.value(),
			Comment:    w.Comment.value(),
			Account:    account,
		}, nil

	case ActionCancel:
		if err := require(map[string]bool{"time": w.Time != nil}); err != nil {
			return nil, err
		}
		return CancelSignal{
			Ticket:  ticket,
			Time:    string(*w.Time),
			Account: account,
		}, nil
	}

	return nil, NewValidationError("action", fmt.Sprintf("unknown action %q", w.Action))
}

// ParseTicket accepts a JSON number or numeric string holding an integer.
func ParseTicket(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, NewValidationError("ticket", "is required")
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, NewValidationError("ticket", "is not a valid string")
		}
	}
	return ParseTicketString(s)
}

// ParseTicketString parses a ticket supplied as text.
func ParseTicketString(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, NewValidationError("ticket", "is required")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, NewValidationError("ticket", fmt.Sprintf("%q is not an integer", s))
	}
	return int64(f), nil
}

func decodeAccount(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, NewValidationError("account", err.Error())
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func require(fields map[string]bool) error {
	var missing []string
	for name, ok := range fields {
		if !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return NewValidationError(strings.Join(missing, ","), "is required")
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

func (f *flexString) value() string {
	if f == nil {
		return ""
	}
	return string(*f)
}

func (f *flexString) ptr() *string {
	if f == nil {
		return nil
	}
	s := string(*f)
	return &s
}

// flexFloat accepts a JSON number or numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	s := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return fmt.Errorf("%q is not a number", s)
	}
	*f = flexFloat(v)
	return nil
}

func (f *flexFloat) value() float64 {
	if f == nil {
		return 0
	}
	return float64(*f)
}

func (f *flexFloat) ptr() *float64 {
	if f == nil {
		return nil
	}
	v := float64(*f)
	return &v
}

// flexInt accepts a JSON integer or integral numeric string.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	var v flexFloat
	if err := v.UnmarshalJSON(b); err != nil {
		return err
	}
	*f = flexInt(int(math.Round(float64(v))))
	return nil
}

func (f *flexInt) ptr() *int {
	if f == nil {
		return nil
	}
	v := int(*f)
	return &v
}
