package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/copyrelay/internal/relay"
)

const (
	feedBuffer   = 16
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
)

// Feed fans relay notifications out to websocket subscribers. A subscriber
// whose buffer is full misses the notification; polling stays authoritative.
type Feed struct {
	mu     sync.Mutex
	subs   map[chan relay.Notification]struct{}
	closed bool
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[chan relay.Notification]struct{})}
}

// Publish implements relay.Notifier and never blocks.
func (f *Feed) Publish(n relay.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- n:
		default:
			log.Debug().Str("type", n.Type).Msg("Dropped notification for slow subscriber")
		}
	}
}

// Subscribe registers a subscriber. The returned channel is closed by
// Unsubscribe or Close. ok is false once the feed is closed.
func (f *Feed) Subscribe() (ch chan relay.Notification, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, false
	}
	ch = make(chan relay.Notification, feedBuffer)
	f.subs[ch] = struct{}{}
	return ch, true
}

func (f *Feed) Unsubscribe(ch chan relay.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[ch]; ok {
		delete(f.subs, ch)
		close(ch)
	}
}

func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close disconnects every subscriber.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for ch := range f.subs {
		delete(f.subs, ch)
		close(ch)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Slave terminals connect from anywhere, as with the CORS policy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type helloMessage struct {
	Type       string `json:"type"`
	ServerTime int64  `json:"serverTime"`
}

// Stream handles GET /api/stream?slavekey=, pushing notifications over a
// websocket until either side goes away.
func (h *Handlers) Stream(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, nil, RoleSlave) {
		return
	}
	if h.feed == nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "stream_disabled", "Change feed is not enabled")
		return
	}
	sub, ok := h.feed.Subscribe()
	if !ok {
		h.writeError(w, r, http.StatusServiceUnavailable, "stream_closed", "Change feed is shutting down")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.feed.Unsubscribe(sub)
		log.Warn().Err(err).Str("remote", ClientIdentity(r).IP).Msg("Websocket upgrade failed")
		return
	}
	h.rec.StreamOpened()
	remote := ClientIdentity(r).IP
	log.Info().Str("remote", remote).Int("subscribers", h.feed.Subscribers()).Msg("Stream subscriber connected")

	defer func() {
		h.feed.Unsubscribe(sub)
		conn.Close()
		h.rec.StreamClosed()
		log.Info().Str("remote", remote).Int("subscribers", h.feed.Subscribers()).Msg("Stream subscriber disconnected")
	}()

	done := make(chan struct{})
	go readPump(conn, done)

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(helloMessage{Type: "hello", ServerTime: h.serverTime()}); err != nil {
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case n, ok := <-sub:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := conn.WriteJSON(n); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames so control messages are processed, and
// closes done when the connection drops.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
