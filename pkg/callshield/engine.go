package callshield

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/harunnryd/callshield/pkg/alerts"
	"github.com/harunnryd/callshield/pkg/analysis"
	"github.com/harunnryd/callshield/pkg/configutil"
	"github.com/harunnryd/callshield/pkg/logging"
	"github.com/harunnryd/callshield/pkg/metrics"
	"github.com/harunnryd/callshield/pkg/reasoning"
	"github.com/harunnryd/callshield/pkg/recorder"
	"github.com/harunnryd/callshield/pkg/redact"
	"github.com/harunnryd/callshield/pkg/transcribe"
	"github.com/harunnryd/callshield/pkg/transports/twilio"
)

// Engine is the process-level coordinator. It terminates the Twilio media
// stream, owns one Session per stream, shares a single reasoning backend
// across all of them, and fans alerts out to the observer hub.
type Engine struct {
	cfg       Config
	providers *ProviderRegistry
	registry  *SessionRegistry
	transport *twilio.Transport
	hub       *alerts.Hub
	analyzer  reasoning.Analyzer
	observer  metrics.Observer
	audioObs  metrics.Observer
	asyncObs  *metrics.AsyncObserver
	metricsF  *os.File
	logger    *slog.Logger
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	logging.SetDefault(cfg.LogLevel, cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviderRegistry()
	}

	e := &Engine{
		cfg:       cfg,
		providers: providers,
		hub:       alerts.NewHub(),
		logger:    logging.NewComponentLogger(slog.Default(), "engine"),
	}

	slog.Info("callshield_init",
		slog.String("environment", cfg.Environment),
		slog.String("transport", cfg.Transports.Provider),
		slog.String("stt_provider", cfg.Vendors.STT.Provider),
		slog.String("reasoning_provider", cfg.Vendors.Reasoning.Provider),
	)

	var sinks []metrics.Observer
	if path := strings.TrimSpace(cfg.Observability.MetricsFile); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open metrics file: %w", err)
		}
		e.metricsF = f
		sinks = append(sinks, metrics.NewJSONLObserver(f))
	}
	e.asyncObs = metrics.NewAsyncObserver(metrics.NewMultiObserver(sinks...), 2048)
	e.observer = e.asyncObs

	audioRate := cfg.Observability.AudioSampleRate
	if audioRate <= 0 || audioRate > 1 {
		audioRate = 1
	}
	e.audioObs = metrics.NewSamplingObserver(e.observer, audioRate)

	analyzer, err := providers.Analyzer(cfg.Vendors.Reasoning.Provider, cfg.Vendors.Reasoning.Settings)
	if err != nil {
		return nil, fmt.Errorf("build reasoning provider: %w", err)
	}
	e.analyzer = analyzer

	bridgeBuilder, err := providers.BridgeBuilder(cfg.Vendors.STT.Provider)
	if err != nil {
		return nil, fmt.Errorf("build stt provider: %w", err)
	}
	e.registry = NewSessionRegistry(e.sessionFactory(bridgeBuilder))

	if cfg.Transports.Provider != "twilio" {
		return nil, fmt.Errorf("unknown transport provider: %s", cfg.Transports.Provider)
	}
	var transportCfg twilio.Config
	if err := configutil.DecodeSettings(cfg.Transports.Settings, &transportCfg); err != nil {
		return nil, fmt.Errorf("decode transport settings: %w", err)
	}
	e.transport = twilio.New(transportCfg, e)
	e.transport.SetAlertsHandler(e.hub)

	return e, nil
}

// sessionFactory builds the per-stream pipeline: one speech bridge per
// track, the shared analyzer behind a per-stream analysis engine, and
// optionally an audio recorder.
func (e *Engine) sessionFactory(buildBridge BridgeBuilder) SessionFactory {
	return func(info SessionInfo) (*Session, error) {
		bridges := make(map[transcribe.Track]transcribe.Bridge, 2)
		for _, track := range []transcribe.Track{transcribe.TrackInbound, transcribe.TrackOutbound} {
			bridge, err := buildBridge(e.cfg.Vendors.STT.Settings, transcribe.Config{
				Track:      track,
				StreamID:   info.StreamID,
				CallSID:    info.CallSID,
				TraceID:    info.TraceID,
				SampleRate: e.cfg.Audio.SampleRate,
				Encoding:   "mulaw",
			})
			if err != nil {
				for _, b := range bridges {
					_ = b.Close()
				}
				return nil, fmt.Errorf("build %s bridge: %w", track, err)
			}
			bridges[track] = bridge
		}

		analysisEngine := analysis.NewEngine(context.Background(), e.analyzer, e.hub, analysis.Config{
			WindowLines:       e.cfg.Analysis.WindowLines,
			MinSentences:      e.cfg.Analysis.MinSentences,
			MinWords:          e.cfg.Analysis.MinWords,
			AlertThreshold:    e.cfg.Analysis.AlertThreshold,
			CriticalThreshold: e.cfg.Analysis.CriticalThreshold,
			StreamID:          info.StreamID,
			CallSID:           info.CallSID,
			TraceID:           info.TraceID,
		})
		analysisEngine.SetObserver(e.observer)

		var rec *recorder.Recorder
		if e.cfg.Observability.RecordAudio && e.cfg.Observability.ArtifactsDir != "" {
			rec = recorder.New(e.cfg.Observability.ArtifactsDir, info.CallSID, e.cfg.Audio.SampleRate)
		}

		return newSession(sessionConfig{
			streamID:   info.StreamID,
			callSID:    info.CallSID,
			traceID:    info.TraceID,
			batchBytes: e.cfg.Audio.BatchBytes,
		}, bridges, analysisEngine, rec, e.observer, e.audioObs), nil
	}
}

// HandleStart opens the pipeline for a new media stream. A duplicate
// start for a live stream is ignored.
func (e *Engine) HandleStart(info twilio.StartInfo) {
	_, created, err := e.registry.GetOrCreate(SessionInfo{
		StreamID: info.StreamID,
		CallSID:  info.CallSID,
		TraceID:  info.TraceID,
		From:     info.From,
	})
	if err != nil {
		e.logger.Error("session_create_failed",
			slog.String("stream_id", info.StreamID),
			slog.String("call_sid", info.CallSID),
			slog.String("error", err.Error()))
		return
	}
	if created {
		e.logger.Info("stream_started",
			slog.String("stream_id", info.StreamID),
			slog.String("call_sid", info.CallSID),
			slog.String("trace_id", info.TraceID),
			slog.Int64("active_sessions", e.registry.Count()))
	}
}

// HandleMedia routes one media frame to its stream's session. Frames for
// unknown streams are dropped.
func (e *Engine) HandleMedia(streamID string, track transcribe.Track, payload string) {
	sess, ok := e.registry.Get(streamID)
	if !ok {
		return
	}
	sess.HandleMedia(track, payload)
}

// HandleStop tears the stream's session down.
func (e *Engine) HandleStop(streamID string, reason string) {
	e.registry.Remove(streamID)
	e.logger.Info("stream_stopped",
		slog.String("stream_id", streamID),
		slog.String("reason", reason),
		slog.Int64("active_sessions", e.registry.Count()))
}

// Start brings the transport up.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.transport.Start(ctx); err != nil {
		return err
	}
	e.logger.Info("callshield_ready", slog.Any("endpoints", e.transport.ReadyFields()))
	return nil
}

// Drain stops accepting new streams, closes every live session and the
// observer hub, and flushes metrics.
func (e *Engine) Drain() error {
	_ = e.transport.Stop()
	e.registry.Drain()
	e.hub.CloseAll()
	e.asyncObs.Close()
	if e.metricsF != nil {
		_ = e.metricsF.Close()
	}
	e.logger.Info("callshield_drained")
	return nil
}

// Hub exposes the alert hub, for tests and custom mounting.
func (e *Engine) Hub() *alerts.Hub { return e.hub }

// Registry exposes the live session registry.
func (e *Engine) Registry() *SessionRegistry { return e.registry }

var _ twilio.StreamHandler = (*Engine)(nil)
