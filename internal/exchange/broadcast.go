package exchange

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Broadcaster fans out every Snapshot published by a Publisher to whatever
// websocket clients are currently attached — the concrete realization of
// spec §3's "never shared cross-process by reference" rule for a
// network-attached UI: each client gets its own JSON-encoded value copy.
type Broadcaster struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]chan Snapshot
}

// NewBroadcaster creates an empty Broadcaster. Attach it to a Publisher via
// SetListener(b.Publish).
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[*websocket.Conn]chan Snapshot),
	}
}

// ServeHTTP upgrades the connection and streams every subsequent Snapshot
// to it until the client disconnects.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("exchange: websocket upgrade failed", "err", err)
		return
	}

	ch := make(chan Snapshot, 4)
	b.mu.Lock()
	b.clients[conn] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.clients, conn)
		b.mu.Unlock()
		conn.Close()
	}()

	for snap := range ch {
		if err := conn.WriteJSON(snap); err != nil {
			return
		}
	}
}

// Publish fans snap out to every attached client's buffered channel,
// dropping it for any client whose buffer is already full rather than
// blocking the tick that produced it.
func (b *Broadcaster) Publish(snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn, ch := range b.clients {
		select {
		case ch <- snap:
		default:
			b.logger.Warn("exchange: dropping snapshot for slow client", "remote", conn.RemoteAddr())
		}
	}
}
