package twilio

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/callshield/pkg/transcribe"
)

type recordingHandler struct {
	mu     sync.Mutex
	starts []StartInfo
	media  []string
	stops  []string
}

func (h *recordingHandler) HandleStart(info StartInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts = append(h.starts, info)
}

func (h *recordingHandler) HandleMedia(streamID string, track transcribe.Track, payload string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.media = append(h.media, string(track)+":"+payload)
}

func (h *recordingHandler) HandleStop(streamID string, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stops = append(h.stops, streamID+":"+reason)
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

func dialStream(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestStreamLifecycle(t *testing.T) {
	handler := &recordingHandler{}
	tr := New(Config{}, handler)
	srv := httptest.NewServer(tr)
	defer srv.Close()

	conn := dialStream(t, srv)
	defer conn.Close()

	write := func(v any) {
		b, _ := json.Marshal(v)
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	write(map[string]any{"event": "start", "start": map[string]any{
		"callSid": "CA1", "streamSid": "MZ1", "from": "+100",
	}})
	write(map[string]any{"event": "media", "media": map[string]any{
		"track": "inbound", "payload": "AAAA",
	}})
	write(map[string]any{"event": "media", "media": map[string]any{
		"track": "outbound", "payload": "BBBB",
	}})
	write(map[string]any{"event": "stop", "stop": map[string]any{"callSid": "CA1"}})

	// The server closes its side after stop; reading surfaces that.
	_, _, _ = conn.ReadMessage()

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.starts) != 1 || handler.starts[0].CallSID != "CA1" || handler.starts[0].StreamID != "MZ1" {
		t.Fatalf("start not handled: %+v", handler.starts)
	}
	if handler.starts[0].TraceID == "" {
		t.Fatalf("trace id not assigned")
	}
	if len(handler.media) != 2 || handler.media[0] != "inbound:AAAA" || handler.media[1] != "outbound:BBBB" {
		t.Fatalf("media not handled in order: %v", handler.media)
	}
	if len(handler.stops) != 1 || handler.stops[0] != "MZ1:completed" {
		t.Fatalf("stop not handled: %v", handler.stops)
	}
}

func TestStreamMalformedEventsDropped(t *testing.T) {
	handler := &recordingHandler{}
	tr := New(Config{}, handler)
	srv := httptest.NewServer(tr)
	defer srv.Close()

	conn := dialStream(t, srv)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, _ := json.Marshal(map[string]any{"event": "start", "start": map[string]any{
		"callSid": "CA2", "streamSid": "MZ2",
	}})
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.Close()
	_, _, _ = conn.ReadMessage()

	waitFor(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.stops) == 1
	})
	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.starts) != 1 {
		t.Fatalf("connection should survive malformed event, starts=%d", len(handler.starts))
	}
	if handler.stops[0] != "MZ2:transport_closed" {
		t.Fatalf("disconnect without stop should report transport_closed, got %v", handler.stops)
	}
}

func TestTwimlBridgesBothTracks(t *testing.T) {
	tr := New(Config{PublicURL: "https://shield.example.com", FromNumber: "+15550001111"}, &recordingHandler{})

	req := httptest.NewRequest(http.MethodPost, "/api/twiml?customerNumber=%2B15552223333", nil)
	rec := httptest.NewRecorder()
	tr.handleTwiml(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `track="both_tracks"`) {
		t.Fatalf("stream must request both tracks: %s", body)
	}
	if !strings.Contains(body, `wss://shield.example.com/stream`) {
		t.Fatalf("stream url wrong: %s", body)
	}
	if !strings.Contains(body, "<Number>+15552223333</Number>") {
		t.Fatalf("customer not dialed: %s", body)
	}
}

func TestTwimlRequiresCustomerNumber(t *testing.T) {
	tr := New(Config{}, &recordingHandler{})
	req := httptest.NewRequest(http.MethodPost, "/api/twiml", nil)
	rec := httptest.NewRecorder()
	tr.handleTwiml(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleCallValidation(t *testing.T) {
	tr := New(Config{}, &recordingHandler{})
	req := httptest.NewRequest(http.MethodPost, "/api/call", strings.NewReader(`{"agent_number":""}`))
	rec := httptest.NewRecorder()
	tr.handleCall(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing numbers, got %d", rec.Code)
	}
}
