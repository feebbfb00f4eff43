package alerts

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/callshield/pkg/logging"
)

// observerConn is the subset of *websocket.Conn the hub needs; tests
// substitute stubs.
type observerConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (int, []byte, error)
	Close() error
}

// Observer is one registered alert subscriber.
type Observer struct {
	conn   observerConn
	sendCh chan []byte
	mu     sync.Mutex
	closed atomic.Bool
}

func newObserver(conn observerConn) *Observer {
	return &Observer{
		conn:   conn,
		sendCh: make(chan []byte, 32),
	}
}

func (o *Observer) loop() {
	for msg := range o.sendCh {
		_ = o.conn.WriteMessage(websocket.TextMessage, msg)
	}
}

func (o *Observer) close() {
	o.mu.Lock()
	if o.closed.CompareAndSwap(false, true) {
		close(o.sendCh)
	}
	o.mu.Unlock()
	_ = o.conn.Close()
}

// Hub maintains the process-wide set of live observer connections and fans
// alert payloads out to all of them. Delivery is best-effort: closed or
// slow observers are skipped, never retried.
type Hub struct {
	mu        sync.Mutex
	observers map[*Observer]struct{}
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

func NewHub() *Hub {
	return &Hub{
		observers: make(map[*Observer]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logging.NewComponentLogger(slog.Default(), "alert_hub"),
	}
}

// Register adds a connection to the registry and sends the handshake
// message so the observer knows monitoring is active.
func (h *Hub) Register(conn observerConn) *Observer {
	obs := newObserver(conn)
	h.mu.Lock()
	h.observers[obs] = struct{}{}
	count := len(h.observers)
	h.mu.Unlock()
	go obs.loop()

	handshake, _ := json.Marshal(map[string]string{
		"type":    "SYSTEM",
		"message": "Monitoring Active",
	})
	obs.enqueue(handshake)

	h.logger.Info("observer_connected", slog.Int("observers", count))
	return obs
}

// Unregister removes an observer; removing one that is absent or already
// removed is a no-op.
func (h *Hub) Unregister(obs *Observer) {
	if obs == nil {
		return
	}
	h.mu.Lock()
	_, present := h.observers[obs]
	delete(h.observers, obs)
	count := len(h.observers)
	h.mu.Unlock()
	if !present {
		return
	}
	obs.close()
	h.logger.Info("observer_disconnected", slog.Int("observers", count))
}

// Broadcast serializes the payload once and pushes it to every live
// observer. Observers whose buffers are full miss the alert.
func (h *Hub) Broadcast(payload Payload) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("alert_marshal_failed", slog.String("error", err.Error()))
		return
	}
	h.mu.Lock()
	targets := make([]*Observer, 0, len(h.observers))
	for obs := range h.observers {
		targets = append(targets, obs)
	}
	h.mu.Unlock()

	sent := 0
	for _, obs := range targets {
		if obs.enqueue(data) {
			sent++
		}
	}
	h.logger.Info("alert_broadcast",
		slog.Int("risk_score", payload.RiskScore),
		slog.String("severity", payload.Severity),
		slog.Int("delivered", sent))
}

// Count returns the number of registered observers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// CloseAll tears every observer connection down.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	targets := make([]*Observer, 0, len(h.observers))
	for obs := range h.observers {
		targets = append(targets, obs)
	}
	h.observers = make(map[*Observer]struct{})
	h.mu.Unlock()
	for _, obs := range targets {
		obs.close()
	}
}

// ServeHTTP upgrades an observer connection and keeps it registered until
// the peer goes away. Observers send nothing after the upgrade; the read
// loop exists only to detect disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	obs := h.Register(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.Unregister(obs)
}

func (o *Observer) enqueue(msg []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed.Load() {
		return false
	}
	select {
	case o.sendCh <- msg:
		return true
	default:
		return false
	}
}
