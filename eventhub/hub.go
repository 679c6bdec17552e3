// Package eventhub streams manager events to websocket clients as JSON.
package eventhub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/davidroman0O/blelink/ble"
	"github.com/davidroman0O/blelink/logger"
)

const (
	defaultWriteTimeout = 100 * time.Millisecond
	defaultBacklog      = 256
)

// Option configures a Hub
type Option func(*Hub)

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(h *Hub) { h.log = l }
}

// WithWriteTimeout bounds how long one slow client may hold a broadcast
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) { h.writeTimeout = d }
}

// Hub fans manager events out to every connected client. The manager's
// subscriber only enqueues; Run does the network writes.
type Hub struct {
	log          logger.Logger
	upgrader     websocket.Upgrader
	writeTimeout time.Duration

	mu      sync.Mutex
	clients map[*websocket.Conn]bool

	out     chan Message
	dropped int
	detach  func()
}

// New creates a hub
func New(opts ...Option) *Hub {
	h := &Hub{
		log:          logger.NewDefaultLogger(),
		writeTimeout: defaultWriteTimeout,
		clients:      map[*websocket.Conn]bool{},
		out:          make(chan Message, defaultBacklog),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Attach subscribes the hub to m. Call it once, before Run.
func (h *Hub) Attach(m *ble.Manager) {
	h.detach = m.Subscribe(func(ev ble.Event) {
		msg, ok := FromEvent(ev, m.Now())
		if !ok {
			return
		}
		h.enqueue(msg)
	})
}

func (h *Hub) enqueue(msg Message) {
	select {
	case h.out <- msg:
	default:
		h.mu.Lock()
		h.dropped++
		n := h.dropped
		h.mu.Unlock()
		h.log.Warn("eventhub: backlog full, dropped %s (%d total)", msg.Type, n)
	}
}

// Run broadcasts queued messages until ctx is done
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-h.out:
			h.Broadcast(msg)
		}
	}
}

// ServeHTTP upgrades the request and keeps the client until it goes away
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("eventhub: upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	h.AddClient(conn)
	h.log.Debug("eventhub: client %s connected", r.RemoteAddr)

	// clients never send anything meaningful; reading detects the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.RemoveClient(conn)
}

// AddClient registers a connection
func (h *Hub) AddClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = true
}

// RemoveClient closes and forgets a connection
func (h *Hub) RemoveClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// Clients is the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast writes msg to every client and drops the ones that fail
func (h *Hub) Broadcast(msg Message) {
	h.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	var failedMu sync.Mutex
	var failed []*websocket.Conn
	for _, conn := range clients {
		wg.Add(1)
		go func(c *websocket.Conn) {
			defer wg.Done()
			c.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.WriteJSON(msg); err != nil {
				failedMu.Lock()
				failed = append(failed, c)
				failedMu.Unlock()
			}
		}(conn)
	}
	wg.Wait()

	for _, c := range failed {
		h.RemoveClient(c)
	}
}

// Close detaches from the manager and disconnects every client
func (h *Hub) Close() error {
	if h.detach != nil {
		h.detach()
		h.detach = nil
	}
	h.mu.Lock()
	clients := h.clients
	h.clients = map[*websocket.Conn]bool{}
	h.mu.Unlock()
	for c := range clients {
		c.Close()
	}
	return nil
}

// ListenAndServe serves the hub on addr at /events until ctx is done
func (h *Hub) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/events", h)
	srv := &http.Server{Addr: addr, Handler: mux}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "eventhub shutdown")
		}
		return ctx.Err()
	case err := <-errc:
		return errors.Wrapf(err, "eventhub listen on %s", addr)
	}
}
