package twilio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/callshield/pkg/errorsx"
	"github.com/harunnryd/callshield/pkg/transcribe"
	twilioclient "github.com/twilio/twilio-go/client"
)

type Config struct {
	ServerAddr     string   `mapstructure:"server_addr"`
	PublicURL      string   `mapstructure:"public_url"`
	AccountSID     string   `mapstructure:"account_sid"`
	AuthToken      string   `mapstructure:"auth_token"`
	FromNumber     string   `mapstructure:"from_number"`
	CallPath       string   `mapstructure:"call_path"`
	TwimlPath      string   `mapstructure:"twiml_path"`
	WebsocketPath  string   `mapstructure:"ws_path"`
	AlertsPath     string   `mapstructure:"alerts_path"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.CallPath == "" {
		c.CallPath = "/api/call"
	}
	if c.TwimlPath == "" {
		c.TwimlPath = "/api/twiml"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/stream"
	}
	if c.AlertsPath == "" {
		c.AlertsPath = "/alerts"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// StartInfo carries the identity of a newly opened media stream.
type StartInfo struct {
	StreamID string
	CallSID  string
	TraceID  string
	From     string
}

// StreamHandler consumes the media-stream lifecycle. The transport calls
// it from each connection's single read loop, so per-stream calls are
// ordered.
type StreamHandler interface {
	HandleStart(info StartInfo)
	HandleMedia(streamID string, track transcribe.Track, payload string)
	HandleStop(streamID string, reason string)
}

// Transport terminates the Twilio Media Streams websocket, serves the
// TwiML webhook that splits a call into both tracks, and exposes the
// outbound call-initiation endpoint.
type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	handler  StreamHandler
	alerts   http.Handler
	logger   *slog.Logger

	draining atomic.Bool
}

func New(cfg Config, handler StreamHandler) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		handler: handler,
		logger:  slog.Default().With(slog.String("component", "twilio_transport")),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

// SetAlertsHandler mounts the observer websocket endpoint. Must be called
// before Start.
func (t *Transport) SetAlertsHandler(h http.Handler) { t.alerts = h }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"twiml_url":  t.twimlURL(""),
		"call_url":   t.publicHTTPURL(t.cfg.CallPath),
		"stream_url": t.websocketURL(),
		"alerts_url": t.publicHTTPURL(t.cfg.AlertsPath),
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.CallPath, t.handleCall)
	mux.HandleFunc(t.cfg.TwimlPath, t.handleTwiml)
	mux.Handle(t.cfg.WebsocketPath, t)
	if t.alerts != nil {
		mux.Handle(t.cfg.AlertsPath, t.alerts)
	}
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("twilio_transport_server_error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	return nil
}

// ServeHTTP runs one media-stream connection. Twilio sends a start event,
// a stream of media events tagged with their track, and a stop event.
// Malformed events are dropped with a warning; the connection stays up.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var streamID string
	started := false
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt StreamEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			t.logger.Warn("stream_event_malformed", slog.String("error", err.Error()))
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil {
				t.logger.Warn("stream_event_malformed", slog.String("event", "start"))
				continue
			}
			streamID = evt.Start.StreamID
			started = true
			info := StartInfo{
				StreamID: streamID,
				CallSID:  evt.Start.CallSID,
				TraceID:  uuid.NewString(),
				From:     evt.Start.From,
			}
			t.logger.Info("call_stream_started",
				slog.String("stream_id", info.StreamID),
				slog.String("call_sid", info.CallSID),
				slog.String("trace_id", info.TraceID))
			t.handler.HandleStart(info)
		case "media":
			if evt.Media == nil || evt.Media.Payload == "" {
				continue
			}
			t.handler.HandleMedia(streamID, transcribe.Track(evt.Media.Track), evt.Media.Payload)
		case "stop":
			t.logger.Info("call_stream_stopped", slog.String("stream_id", streamID))
			t.handler.HandleStop(streamID, "completed")
			return
		}
	}
	if started {
		t.logger.Info("call_stream_disconnected", slog.String("stream_id", streamID))
		t.handler.HandleStop(streamID, "transport_closed")
	}
}

// handleTwiml answers Twilio's webhook once the agent picks up: open the
// media stream on both tracks, then dial the customer into the call.
func (t *Transport) handleTwiml(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_invalid_signature",
			slog.String("reason_code", string(errorsx.ReasonTransportInvalidSignature)))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	customer := strings.TrimSpace(r.URL.Query().Get("customerNumber"))
	if customer == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	twiml := `<Response>` +
		`<Start><Stream url="` + t.websocketURL() + `" track="both_tracks"/></Start>` +
		`<Dial callerId="` + xmlEscape(t.cfg.FromNumber) + `"><Number>` + xmlEscape(customer) + `</Number></Dial>` +
		`</Response>`
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

type callRequest struct {
	AgentNumber    string `json:"agent_number"`
	CustomerNumber string `json:"customer_number"`
}

// handleCall starts the whole flow: dial the agent, pointing the voice
// webhook at the TwiML endpoint that will bridge in the customer.
func (t *Transport) handleCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AgentNumber == "" || req.CustomerNumber == "" {
		http.Error(w, "agent_number and customer_number required", http.StatusBadRequest)
		return
	}
	dialer := NewDialer(t.cfg)
	callSID, err := dialer.Dial(r.Context(), req.AgentNumber, t.cfg.FromNumber, t.twimlURL(req.CustomerNumber))
	if err != nil {
		t.logger.Error("call_create_failed",
			slog.String("agent", req.AgentNumber),
			slog.String("error", err.Error()))
		http.Error(w, "call creation failed", http.StatusBadGateway)
		return
	}
	t.logger.Info("call_created",
		slog.String("call_sid", callSID),
		slog.String("agent", req.AgentNumber))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"call_sid": callSID})
}

func (t *Transport) websocketURL() string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "ws://" + addr + t.cfg.WebsocketPath
}

func (t *Transport) twimlURL(customerNumber string) string {
	base := t.publicHTTPURL(t.cfg.TwimlPath)
	if customerNumber == "" {
		return base
	}
	return base + "?customerNumber=" + url.QueryEscape(customerNumber)
}

func (t *Transport) publicHTTPURL(path string) string {
	if t.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(t.cfg.PublicURL) + path
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimSpace(allowed)
		if a == "" {
			continue
		}
		a = strings.TrimRight(a, "/")
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

// StreamEvent is the discriminated Media Streams message.
type StreamEvent struct {
	Event string       `json:"event"`
	Start *StreamStart `json:"start,omitempty"`
	Media *StreamMedia `json:"media,omitempty"`
	Stop  *StreamStop  `json:"stop,omitempty"`
}

type StreamStart struct {
	CallSID  string `json:"callSid"`
	StreamID string `json:"streamSid"`
	From     string `json:"from"`
}

type StreamMedia struct {
	Track   string `json:"track"`
	Payload string `json:"payload"`
}

type StreamStop struct {
	CallSID string `json:"callSid"`
}
