package http

import (
	"time"

	"github.com/sawpanic/copyrelay/internal/domain"
	"github.com/sawpanic/copyrelay/internal/persistence"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusResponse carries a payload-level status. already_filled and
// not_found travel here with HTTP 200.
type StatusResponse struct {
	Status string `json:"status"`
}

type ResetState struct {
	IsReset        bool       `json:"isReset"`
	ResetTimestamp *time.Time `json:"resetTimestamp"`
}

type TradeCountResponse struct {
	PendingOrders  int64      `json:"pendingOrders"`
	FilledTrades   int64      `json:"filledTrades"`
	TotalTrades    int64      `json:"totalTrades"`
	IsReset        bool       `json:"isReset"`
	ResetTimestamp *time.Time `json:"resetTimestamp"`
	ServerTime     int64      `json:"serverTime"`
	Status         string     `json:"status"`
}

type VerifySlaveResponse struct {
	Status     string             `json:"status"`
	Message    string             `json:"message"`
	ServerTime int64              `json:"serverTime,omitempty"`
	TradeCount *domain.TradeCount `json:"tradeCount,omitempty"`
	ResetInfo  *ResetState        `json:"resetInfo,omitempty"`
}

type BrokerTimeResponse struct {
	BrokerTime string     `json:"brokerTime"`
	LastUpdate *time.Time `json:"lastUpdate"`
	ServerTime int64      `json:"serverTime"`
	Status     string     `json:"status"`
}

type BrokerTimeUpdateResponse struct {
	Status                     string `json:"status"`
	BrokerTime                 string `json:"brokerTime"`
	SlaveAutoCloseFilledTrades bool   `json:"slaveAutoCloseFilledTrades"`
	ServerTime                 int64  `json:"serverTime"`
}

type ResetResponse struct {
	Status         string     `json:"status"`
	Message        string     `json:"message"`
	IsReset        bool       `json:"isReset"`
	ResetTimestamp *time.Time `json:"resetTimestamp"`
}

type CleanupResponse struct {
	Status          string    `json:"status"`
	EventsRemoved   int       `json:"eventsRemoved"`
	SlavesRemoved   int       `json:"slavesRemoved"`
	RemainingEvents int       `json:"remainingEvents"`
	Timestamp       time.Time `json:"timestamp"`
}

// HistoryResponse carries one page of archived trades. Total counts every
// archived trade (all symbols) recorded within the from/to window.
type HistoryResponse struct {
	Trades []persistence.ClosedTrade `json:"trades"`
	Count  int                       `json:"count"`
	Total  int64                     `json:"total"`
}
