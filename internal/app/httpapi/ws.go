package httpapi

import (
	"net/http"
	"time"

	"github.com/R3E-Network/contract_gateway/internal/engine/events"
	"github.com/R3E-Network/contract_gateway/platform/contracts/gateway"
	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 50 * time.Second
	wsQueueSize    = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origins are enforced by the CORS middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamEvents pushes gateway events to a websocket client as they are observed.
// Optional filters: request_id and event.
func (h *handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("request_id")
	kind := gateway.EventKind(r.URL.Query().Get("event"))
	if kind != "" && !kind.Valid() {
		http.Error(w, "unknown event kind", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	queue := make(chan events.Event, wsQueueSize)
	unsubscribe := h.feed.SubscribeFiltered(func(e events.Event) bool {
		return (requestID == "" || e.RequestID() == requestID) && (kind == "" || e.Kind == kind)
	}, func(e events.Event) {
		select {
		case queue <- e:
		default:
			h.log.WithField("request_id", e.RequestID()).Warn("websocket client is slow, dropping event")
		}
	})
	defer unsubscribe()

	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case e := <-queue:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
