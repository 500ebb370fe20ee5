package events

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

// WSHub streams bus events to websocket clients. Each connection gets its
// own subscription; a connection that stops reading is dropped.
type WSHub struct {
	bus      *Bus
	upgrader websocket.Upgrader
	logger   *log.Logger
}

// NewWSHub creates the hub over a bus.
func NewWSHub(bus *Bus) *WSHub {
	return &WSHub{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Events are observability data; cross-origin dashboards are fine.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.New(log.Writer(), "[EventsWS] ", log.LstdFlags),
	}
}

// Handler upgrades the request and streams events until the client closes.
func (h *WSHub) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed: %v", err)
		return
	}

	ch, unsubscribe := h.bus.Subscribe(256)

	// Reader goroutine: we ignore client frames but need the read loop to
	// notice closes.
	go func() {
		defer unsubscribe()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	go func() {
		defer conn.Close()
		for ev := range ch {
			payload, err := ev.JSON()
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}()
}
