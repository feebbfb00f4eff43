package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/callshield/pkg/errorsx"
	"github.com/harunnryd/callshield/pkg/logging"
	"github.com/harunnryd/callshield/pkg/transcribe"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey     string
	Model      string
	Language   string
	SampleRate int
	Encoding   string
	Track      transcribe.Track
	StreamID   string
	CallSID    string
	TraceID    string
}

// Bridge streams one track's audio to a Deepgram live websocket and
// surfaces finalized transcripts. Interim hypotheses are suppressed.
type Bridge struct {
	cfg        Config
	dgClient   *client.WSCallback
	out        chan transcribe.Result
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	open       atomic.Bool
	closeOnce  sync.Once
	logger     *slog.Logger

	// outMu serializes result sends against Close. The SDK's listen
	// goroutine outlives Stop, so a trailing transcript can still reach
	// the callback after teardown began.
	outMu  sync.Mutex
	closed bool
}

func New(cfg Config) *Bridge {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "mulaw"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2-phonecall"
	}
	logger := logging.NewComponentLogger(slog.Default(), "deepgram_bridge").With(
		slog.String("track", string(cfg.Track)))
	return &Bridge{
		cfg:    cfg,
		out:    make(chan transcribe.Result, 64),
		logger: logger,
	}
}

func (b *Bridge) Name() string { return "deepgram" }

func (b *Bridge) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.pipeReader, b.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          b.cfg.Model,
		Language:       b.cfg.Language,
		Encoding:       b.cfg.Encoding,
		SampleRate:     b.cfg.SampleRate,
		Channels:       1,
		InterimResults: true,
		SmartFormat:    true,
	}

	b.logger.Info("deepgram_connecting",
		slog.String("stream_id", b.cfg.StreamID),
		slog.String("call_sid", b.cfg.CallSID),
		slog.String("model", b.cfg.Model),
		slog.Int("sample_rate", b.cfg.SampleRate))

	cb := &callback{parent: b}
	dgClient, err := client.NewWSUsingCallback(b.ctx, b.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		b.logger.Error("deepgram_client_create_error",
			slog.String("stream_id", b.cfg.StreamID),
			slog.String("error", err.Error()))
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	b.dgClient = dgClient

	if connected := b.dgClient.Connect(); !connected {
		b.logger.Error("deepgram_connect_failed",
			slog.String("stream_id", b.cfg.StreamID))
		return errorsx.Wrap(fmt.Errorf("deepgram connection failed"), errorsx.ReasonSTTConnect)
	}
	b.open.Store(true)

	b.logger.Info("deepgram_connected",
		slog.String("stream_id", b.cfg.StreamID),
		slog.String("call_sid", b.cfg.CallSID))

	go func() {
		if err := b.dgClient.Stream(b.pipeReader); err != nil && b.ctx.Err() == nil {
			b.logger.Error("deepgram_stream_error",
				slog.String("stream_id", b.cfg.StreamID),
				slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Forward sends one audio batch upstream. Audio arriving while the
// connection is down is dropped: stale audio has no value and queueing it
// would only delay live transcription further.
func (b *Bridge) Forward(audio []byte) error {
	if !b.open.Load() || b.pipeWriter == nil {
		return nil
	}
	if _, err := b.pipeWriter.Write(audio); err != nil {
		b.logger.Warn("deepgram_send_failed",
			slog.String("stream_id", b.cfg.StreamID),
			slog.String("error", err.Error()))
		return errorsx.Wrap(err, errorsx.ReasonSTTSend)
	}
	return nil
}

func (b *Bridge) Results() <-chan transcribe.Result { return b.out }

// emit hands one result to the consumer without blocking the SDK's read
// loop. Results arriving after Close are dropped.
func (b *Bridge) emit(result transcribe.Result) bool {
	b.outMu.Lock()
	defer b.outMu.Unlock()
	if b.closed {
		return false
	}
	select {
	case b.out <- result:
	default:
		b.logger.Warn("deepgram_out_channel_full",
			slog.String("stream_id", b.cfg.StreamID))
	}
	return true
}

func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.open.Store(false)
		b.logger.Info("deepgram_closing",
			slog.String("stream_id", b.cfg.StreamID))
		b.outMu.Lock()
		b.closed = true
		close(b.out)
		b.outMu.Unlock()
		if b.cancel != nil {
			b.cancel()
		}
		if b.pipeWriter != nil {
			_ = b.pipeWriter.Close()
		}
		if b.dgClient != nil {
			b.dgClient.Stop()
		}
	})
	return nil
}

// --- Callback Implementation ---

type callback struct {
	parent *Bridge
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened",
		slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return nil
	}
	isFinal := mr.IsFinal || mr.SpeechFinal
	if !isFinal {
		// Interim hypotheses are noise downstream: only stabilized text
		// enters the transcript window.
		c.parent.logger.Debug("interim_suppressed",
			slog.String("stream_id", c.parent.cfg.StreamID))
		return nil
	}

	result := transcribe.Result{
		Track:      c.parent.cfg.Track,
		Text:       alt.Transcript,
		Final:      true,
		Confidence: alt.Confidence,
	}
	if !c.parent.emit(result) {
		c.parent.logger.Debug("final_after_close_dropped",
			slog.String("stream_id", c.parent.cfg.StreamID))
	}
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.parent.logger.Debug("deepgram_metadata_received",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.String("request_id", md.RequestID))
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.open.Store(false)
	c.parent.logger.Info("deepgram_connection_closed",
		slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	reason := errorsx.ReasonSTTConnect
	if isAuthError(er.ErrCode, er.ErrMsg) {
		reason = errorsx.ReasonSTTAuth
	}
	c.parent.logger.Error("deepgram_error",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg),
		slog.String("reason_code", string(reason)))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.String("data", string(byData)))
	return nil
}

// isAuthError separates rejected credentials from protocol-level failures
// so the two are distinguishable in logs.
func isAuthError(code, msg string) bool {
	lowered := strings.ToLower(code + " " + msg)
	return strings.Contains(lowered, "401") ||
		strings.Contains(lowered, "403") ||
		strings.Contains(lowered, "unauthorized") ||
		strings.Contains(lowered, "forbidden") ||
		strings.Contains(lowered, "invalid credentials")
}

var _ transcribe.Bridge = (*Bridge)(nil)
