package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/copyrelay/internal/domain"
	httpContracts "github.com/sawpanic/copyrelay/internal/http"
	"github.com/sawpanic/copyrelay/internal/persistence"
	"github.com/sawpanic/copyrelay/internal/relay"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Recorder receives relay outcomes for metrics.
type Recorder interface {
	SignalApplied(action, status string)
	AuthFailed(role string)
	FillConfirmed(status string)
	StoreFailed(op string)
	StreamOpened()
	StreamClosed()
}

type nopRecorder struct{}

func (nopRecorder) SignalApplied(string, string) {}
func (nopRecorder) AuthFailed(string)            {}
func (nopRecorder) FillConfirmed(string)         {}
func (nopRecorder) StoreFailed(string)           {}
func (nopRecorder) StreamOpened()                {}
func (nopRecorder) StreamClosed()                {}

// Deps are the services behind the endpoints. Archive is optional.
type Deps struct {
	Engine     *relay.Engine
	Sync       *relay.SyncResponder
	Presence   *relay.Presence
	Control    *relay.Control
	Inspector  *relay.Inspector
	Maintainer *relay.Maintainer
	Archive    persistence.ClosedTradeArchive
	Auth       *Authenticator
	Feed       *Feed
	Clock      relay.Clock
	Recorder   Recorder
}

// Handlers serves the relay API.
type Handlers struct {
	engine     *relay.Engine
	sync       *relay.SyncResponder
	presence   *relay.Presence
	control    *relay.Control
	inspector  *relay.Inspector
	maintainer *relay.Maintainer
	archive    persistence.ClosedTradeArchive
	auth       *Authenticator
	feed       *Feed
	clock      relay.Clock
	rec        Recorder
}

func NewHandlers(d Deps) *Handlers {
	h := &Handlers{
		engine:     d.Engine,
		sync:       d.Sync,
		presence:   d.Presence,
		control:    d.Control,
		inspector:  d.Inspector,
		maintainer: d.Maintainer,
		archive:    d.Archive,
		auth:       d.Auth,
		feed:       d.Feed,
		clock:      d.Clock,
		rec:        d.Recorder,
	}
	if h.rec == nil {
		h.rec = nopRecorder{}
	}
	if h.clock == nil {
		h.clock = relay.NewMonotonicClock()
	}
	return h
}

type ctxKey int

const requestIDKey ctxKey = iota

// WithRequestID stores the request id for error bodies and logs.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return "unknown"
}

func (h *Handlers) serverTime() int64 { return h.clock.Now().UnixMilli() }

// writeJSON writes JSON response with proper error handling
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError writes standardized error response
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.writeJSON(w, status, httpContracts.ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: RequestID(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}

// fail maps err onto the error taxonomy.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr   *domain.ValidationError
		aerr   *domain.AuthenticationError
		serr   *domain.StoreError
		tooBig *http.MaxBytesError
	)
	switch {
	case errors.As(err, &verr):
		h.writeError(w, r, http.StatusBadRequest, "validation_error", verr.Error())
	case errors.As(err, &tooBig):
		h.writeError(w, r, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
	case errors.As(err, &aerr):
		h.writeError(w, r, http.StatusUnauthorized, "unauthorized", "Valid "+aerr.Role+" key required")
	case errors.As(err, &serr):
		h.rec.StoreFailed(serr.Op)
		log.Error().Err(err).Str("op", serr.Op).Str("path", r.URL.Path).Str("request_id", RequestID(r.Context())).
			Msg("Store operation failed")
		h.writeError(w, r, http.StatusInternalServerError, "store_error", err.Error())
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", RequestID(r.Context())).Msg("Request failed")
		h.writeError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// readBody returns the request body, which may be empty.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
}

// decodeObject unmarshals a JSON object body into v. An empty body leaves v
// untouched.
func decodeObject(body []byte, v any) error {
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return domain.NewValidationError("", "malformed JSON body: "+err.Error())
	}
	return nil
}

// NotFound handles 404 responses
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found",
		"The requested endpoint does not exist")
}

// MethodNotAllowed handles 405 responses
func (h *Handlers) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed",
		"Method "+r.Method+" not allowed on "+r.URL.Path)
}
