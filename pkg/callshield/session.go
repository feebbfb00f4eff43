package callshield

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/callshield/pkg/analysis"
	"github.com/harunnryd/callshield/pkg/demux"
	"github.com/harunnryd/callshield/pkg/logging"
	"github.com/harunnryd/callshield/pkg/metrics"
	"github.com/harunnryd/callshield/pkg/recorder"
	"github.com/harunnryd/callshield/pkg/redact"
	"github.com/harunnryd/callshield/pkg/transcribe"
)

// Session owns the full per-stream pipeline: the demultiplexer that
// batches each track's audio, one speech bridge per track, the optional
// audio recorder, and the analysis engine that scores the shared
// transcript window.
type Session struct {
	streamID string
	callSID  string
	traceID  string
	created  time.Time

	demux    *demux.Demux
	bridges  map[transcribe.Track]transcribe.Bridge
	engine   *analysis.Engine
	recorder *recorder.Recorder
	observer metrics.Observer
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// teeSink forwards one track's audio batch to the speech bridge and, when
// recording is enabled, captures the same bytes first.
type teeSink struct {
	track    transcribe.Track
	bridge   transcribe.Bridge
	recorder *recorder.Recorder
	observer metrics.Observer
	streamID string
}

func (s *teeSink) Forward(audio []byte) error {
	if s.recorder != nil {
		s.recorder.Append(s.track, audio)
	}
	s.observer.RecordEvent(metrics.Event{
		Name:  "audio_batch",
		Time:  time.Now(),
		Value: float64(len(audio)),
		Tags:  map[string]string{"track": string(s.track), "stream_id": s.streamID},
	})
	return s.bridge.Forward(audio)
}

type sessionConfig struct {
	streamID   string
	callSID    string
	traceID    string
	batchBytes int
	analysis   analysis.Config
}

func newSession(cfg sessionConfig, bridges map[transcribe.Track]transcribe.Bridge,
	engine *analysis.Engine, rec *recorder.Recorder, observer, audioObserver metrics.Observer) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	if audioObserver == nil {
		audioObserver = observer
	}
	s := &Session{
		streamID: cfg.streamID,
		callSID:  cfg.callSID,
		traceID:  cfg.traceID,
		created:  time.Now(),
		bridges:  bridges,
		engine:   engine,
		recorder: rec,
		observer: observer,
		ctx:      ctx,
		cancel:   cancel,
		logger: logging.NewComponentLogger(slog.Default(), "session").With(
			slog.String("stream_id", cfg.streamID),
			slog.String("call_sid", cfg.callSID),
			slog.String("trace_id", cfg.traceID)),
	}

	sinks := make(map[transcribe.Track]demux.BatchSink, len(bridges))
	for track, bridge := range bridges {
		sinks[track] = &teeSink{
			track:    track,
			bridge:   bridge,
			recorder: rec,
			observer: audioObserver,
			streamID: cfg.streamID,
		}
	}
	s.demux = demux.New(cfg.batchBytes, sinks)
	return s
}

// start opens both bridges and begins pumping their results into the
// analysis engine. Bridges opened before a failure are closed again so a
// half-started session never leaks a vendor connection.
func (s *Session) start() error {
	var started []transcribe.Bridge
	for track, bridge := range s.bridges {
		if err := bridge.Start(s.ctx); err != nil {
			for _, b := range started {
				_ = b.Close()
			}
			s.cancel()
			s.logger.Error("bridge_start_failed",
				slog.String("track", string(track)),
				slog.String("error", err.Error()))
			return err
		}
		started = append(started, bridge)
	}
	for _, bridge := range s.bridges {
		s.wg.Add(1)
		go s.pump(bridge)
	}
	s.logger.Info("session_started", slog.Int("bridges", len(s.bridges)))
	return nil
}

// pump drains one bridge's result stream into the shared analysis engine.
// It exits when the bridge closes its channel.
func (s *Session) pump(bridge transcribe.Bridge) {
	defer s.wg.Done()
	for result := range bridge.Results() {
		if !result.Final {
			continue
		}
		s.logger.Debug("transcript_line",
			slog.String("track", string(result.Track)),
			slog.String("text", redact.Text(result.Text)))
		s.engine.Submit(result.Track, result.Text)
	}
}

// HandleMedia routes one media frame into the demultiplexer.
func (s *Session) HandleMedia(track transcribe.Track, payload string) {
	s.demux.HandleMedia(track, payload)
}

// Close tears the session down: bridges are closed so their result
// channels drain, the pumps are joined, and any recording is finalized.
// Closing twice is a no-op.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		for track, bridge := range s.bridges {
			if err := bridge.Close(); err != nil {
				s.logger.Warn("bridge_close_failed",
					slog.String("track", string(track)),
					slog.String("error", err.Error()))
			}
		}
		s.wg.Wait()
		s.cancel()
		if s.recorder != nil {
			s.recorder.Close()
		}
		s.logger.Info("session_closed",
			slog.Duration("lifetime", time.Since(s.created)))
	})
}
