package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// PendingOrder is an order the master has placed but not yet executed.
type PendingOrder struct {
	SignalType        string     `json:"signalType"`
	Ticket            int64      `json:"ticket"`
	Symbol            string     `json:"symbol"`
	Type              string     `json:"type"`
	Lots              float64    `json:"lots"`
	Price             float64    `json:"price"`
	SL                float64    `json:"sl"`
	TP                float64    `json:"tp"`
	Time              string     `json:"time"`
	Comment           string     `json:"comment,omitempty"`
	Expiration        string     `json:"expiration,omitempty"`
	BarsFromPlacement int        `json:"barsFromPlacement"`
	Timeframe         int        `json:"timeframe"`
	TimeframeName     string     `json:"timeframeName"`
	BarTimestamp      string     `json:"barTimestamp,omitempty"`
	Modified          bool       `json:"modified,omitempty"`
	LastBarsUpdate    *time.Time `json:"lastBarsUpdate,omitempty"`
	Timestamp         time.Time  `json:"timestamp"`
}

// FilledTrade is a pending order that executed at the master. It carries every
// field of the originating order.
type FilledTrade struct {
	PendingOrder
	OriginalTicket int64   `json:"originalTicket"`
	FillPrice      float64 `json:"fillPrice"`
	FilledTime     string  `json:"filledTime"`
}

// EventType tags a RecentEvent.
type EventType string

const (
	EventModify      EventType = "modify"
	EventCancel      EventType = "cancel"
	EventTradeClosed EventType = "trade_closed"
)

// RecentEvent is one entry of the bounded event log. Only the fields relevant
// to its SignalType are populated.
type RecentEvent struct {
	SignalType EventType `json:"signalType"`
	Action     string    `json:"action,omitempty"`
	Ticket     int64     `json:"ticket"`
	Symbol     string    `json:"symbol,omitempty"`

	// modify
	Price             *float64 `json:"price,omitempty"`
	SL                *float64 `json:"sl,omitempty"`
	TP                *float64 `json:"tp,omitempty"`
	Expiration        string   `json:"expiration,omitempty"`
	BarsFromPlacement *int     `json:"barsFromPlacement,omitempty"`
	Timeframe         *int     `json:"timeframe,omitempty"`
	TimeframeName     string   `json:"timeframeName,omitempty"`
	BarTimestamp      string   `json:"barTimestamp,omitempty"`

	// cancel
	CancelTime string `json:"canceltime,omitempty"`

	// trade_closed
	Type       string   `json:"type,omitempty"`
	Lots       *float64 `json:"lots,omitempty"`
	OpenPrice  *float64 `json:"openPrice,omitempty"`
	ClosePrice *float64 `json:"closePrice,omitempty"`
	OpenTime   string   `json:"openTime,omitempty"`
	CloseTime  string   `json:"closeTime,omitempty"`
	Profit     *float64 `json:"profit,omitempty"`
	Swap       *float64 `json:"swap,omitempty"`
	Commission *float64 `json:"commission,omitempty"`
	Comment    string   `json:"comment,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// AccountSnapshot is the last account payload sent by the master. The payload
// is kept verbatim and replaced as a whole on every update.
type AccountSnapshot struct {
	Attributes  map[string]any
	LastUpdated time.Time
}

// IsEmpty reports whether no account payload has been recorded.
func (a AccountSnapshot) IsEmpty() bool {
	return len(a.Attributes) == 0 && a.LastUpdated.IsZero()
}

// Number returns the master account number or "N/A".
func (a AccountSnapshot) Number() string {
	v, ok := a.Attributes["number"]
	if !ok || v == nil {
		return "N/A"
	}
	switch n := v.(type) {
	case string:
		if n == "" {
			return "N/A"
		}
		return n
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	default:
		return fmt.Sprint(n)
	}
}

// MarshalJSON flattens the payload and appends lastUpdated.
func (a AccountSnapshot) MarshalJSON() ([]byte, error) {
	if a.IsEmpty() {
		return []byte("{}"), nil
	}
	out := make(map[string]any, len(a.Attributes)+1)
	for k, v := range a.Attributes {
		out[k] = v
	}
	if !a.LastUpdated.IsZero() {
		out["lastUpdated"] = a.LastUpdated.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

func (a *AccountSnapshot) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	a.Attributes = nil
	a.LastUpdated = time.Time{}
	if s, ok := raw["lastUpdated"].(string); ok {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("account lastUpdated: %w", err)
		}
		a.LastUpdated = t
	}
	delete(raw, "lastUpdated")
	if len(raw) > 0 {
		a.Attributes = raw
	}
	return nil
}

// SlaveConfig is runtime configuration pushed to every slave. It is written
// only through the broker-time control channel.
type SlaveConfig struct {
	AutoCloseFilledTrades bool       `json:"autoCloseFilledTrades"`
	LastUpdate            *time.Time `json:"lastUpdate"`
}

// ResetInfo is the global advisory reset flag.
type ResetInfo struct {
	IsReset        bool       `json:"isReset"`
	ResetTimestamp *time.Time `json:"resetTimestamp"`
	Reason         string     `json:"reason"`
}

// BrokerTime is the master terminal's broker clock as last reported.
type BrokerTime struct {
	BrokerTime string     `json:"brokerTime"`
	LastUpdate *time.Time `json:"lastUpdate"`
}

// SlaveIdentity is derived from the caller's connection attributes.
type SlaveIdentity struct {
	IP        string
	UserAgent string
}

// ID is the presence key for the caller.
func (s SlaveIdentity) ID() string {
	return s.IP + "_" + s.UserAgent
}

// SlavePresence is the liveness record of one slave.
type SlavePresence struct {
	ID         string    `json:"-"`
	LastAccess time.Time `json:"lastAccess"`
	IP         string    `json:"ip"`
	UserAgent  string    `json:"userAgent"`
}

// TradeCount summarises the active collections.
type TradeCount struct {
	PendingOrders int64 `json:"pendingOrders"`
	FilledTrades  int64 `json:"filledTrades"`
	TotalTrades   int64 `json:"totalTrades"`
}
