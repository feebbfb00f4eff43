package alerts

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type stubConn struct {
	mu       sync.Mutex
	messages [][]byte
	writeErr error
	closed   bool
}

func (c *stubConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.messages = append(c.messages, append([]byte(nil), data...))
	return nil
}

func (c *stubConn) ReadMessage() (int, []byte, error) {
	return 0, nil, errors.New("closed")
}

func (c *stubConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *stubConn) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.messages))
	copy(out, c.messages)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestHubHandshakeOnRegister(t *testing.T) {
	hub := NewHub()
	conn := &stubConn{}
	obs := hub.Register(conn)
	defer hub.Unregister(obs)

	waitFor(t, func() bool { return len(conn.received()) == 1 })
	var msg map[string]string
	if err := json.Unmarshal(conn.received()[0], &msg); err != nil {
		t.Fatalf("handshake not json: %v", err)
	}
	if msg["type"] != "SYSTEM" {
		t.Fatalf("expected SYSTEM handshake, got %v", msg)
	}
}

func TestHubBroadcastReachesAllObservers(t *testing.T) {
	hub := NewHub()
	a := &stubConn{}
	b := &stubConn{}
	obsA := hub.Register(a)
	obsB := hub.Register(b)
	defer hub.Unregister(obsA)
	defer hub.Unregister(obsB)

	hub.Broadcast(Payload{Type: "ALERT", RiskScore: 90, Severity: SeverityCritical, Timestamp: time.Now()})

	waitFor(t, func() bool { return len(a.received()) == 2 && len(b.received()) == 2 })
	var got Payload
	if err := json.Unmarshal(a.received()[1], &got); err != nil {
		t.Fatalf("payload not json: %v", err)
	}
	if got.RiskScore != 90 || got.Severity != SeverityCritical {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestHubUnregisterIdempotent(t *testing.T) {
	hub := NewHub()
	conn := &stubConn{}
	obs := hub.Register(conn)

	hub.Unregister(obs)
	hub.Unregister(obs)
	hub.Unregister(nil)

	if hub.Count() != 0 {
		t.Fatalf("expected empty registry, got %d", hub.Count())
	}
}

func TestHubBroadcastSkipsClosedObserver(t *testing.T) {
	hub := NewHub()
	live := &stubConn{}
	dead := &stubConn{}
	obsLive := hub.Register(live)
	obsDead := hub.Register(dead)
	hub.Unregister(obsDead)

	hub.Broadcast(Payload{Type: "ALERT", RiskScore: 70, Severity: SeveritySuspicious})

	waitFor(t, func() bool { return len(live.received()) == 2 })
	hub.Unregister(obsLive)
	// The dead observer got only its handshake, never the alert.
	if n := len(dead.received()); n > 1 {
		t.Fatalf("closed observer received %d messages", n)
	}
}

func TestSeverityForScore(t *testing.T) {
	if SeverityForScore(84, 0) != SeveritySuspicious {
		t.Fatalf("84 should be suspicious at the default boundary")
	}
	if SeverityForScore(85, 0) != SeverityCritical {
		t.Fatalf("85 should be critical at the default boundary")
	}
	if SeverityForScore(90, 0) != SeverityCritical {
		t.Fatalf("90 should be critical at the default boundary")
	}
	if SeverityForScore(80, 75) != SeverityCritical {
		t.Fatalf("80 should be critical with a 75 boundary")
	}
	if SeverityForScore(74, 75) != SeveritySuspicious {
		t.Fatalf("74 should be suspicious with a 75 boundary")
	}
}
