package http

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/copyrelay/internal/persistence"
)

// Pinger is a dependency that can answer a liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadinessHandler reports whether the relay can serve traffic. The ledger
// is required; the closed-trade archive only degrades readiness.
type ReadinessHandler struct {
	ledger       Pinger
	archive      persistence.RepositoryHealth
	breakerState func() string
	startTime    time.Time
	version      string
	timeout      time.Duration
}

func NewReadinessHandler(ledger Pinger, archive persistence.RepositoryHealth, breakerState func() string, version string) *ReadinessHandler {
	return &ReadinessHandler{
		ledger:       ledger,
		archive:      archive,
		breakerState: breakerState,
		startTime:    time.Now(),
		version:      version,
		timeout:      2 * time.Second,
	}
}

type ReadinessResponse struct {
	Status    string                 `json:"status"` // "ready", "degraded", "unavailable"
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
	System    SystemInfo             `json:"system"`
	Checks    map[string]CheckResult `json:"checks"`
}

type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	MemAlloc      uint64 `json:"mem_alloc_bytes"`
	NumGC         uint32 `json:"num_gc"`
}

type CheckResult struct {
	Status   string        `json:"status"` // "pass", "warn", "fail"
	Message  string        `json:"message"`
	Duration time.Duration `json:"duration"`
}

func (h *ReadinessHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := h.gather(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	if resp.Status == "unavailable" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode readiness response")
	}
}

func (h *ReadinessHandler) gather(ctx context.Context) ReadinessResponse {
	resp := ReadinessResponse{
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Version:   h.version,
		System:    systemInfo(),
		Checks:    make(map[string]CheckResult),
	}

	resp.Checks["ledger"] = h.probe(ctx, h.ledger.Ping, "fail")
	if h.archive != nil {
		resp.Checks["archive"] = h.probe(ctx, h.archive.Ping, "warn")
	}
	if h.breakerState != nil {
		switch state := h.breakerState(); state {
		case "closed":
			resp.Checks["breaker"] = CheckResult{Status: "pass", Message: "Store circuit closed"}
		case "half-open":
			resp.Checks["breaker"] = CheckResult{Status: "warn", Message: "Store circuit probing"}
		default:
			resp.Checks["breaker"] = CheckResult{Status: "fail", Message: "Store circuit " + state}
		}
	}

	resp.Status = "ready"
	for _, c := range resp.Checks {
		switch c.Status {
		case "fail":
			resp.Status = "unavailable"
			return resp
		case "warn":
			resp.Status = "degraded"
		}
	}
	return resp
}

// probe runs ping with a deadline and grades a failure as failStatus.
func (h *ReadinessHandler) probe(ctx context.Context, ping func(context.Context) error, failStatus string) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	start := time.Now()
	if err := ping(ctx); err != nil {
		return CheckResult{Status: failStatus, Message: err.Error(), Duration: time.Since(start)}
	}
	return CheckResult{Status: "pass", Message: "reachable", Duration: time.Since(start)}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		MemAlloc:      m.Alloc,
		NumGC:         m.NumGC,
	}
}
