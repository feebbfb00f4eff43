package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/callshield/pkg/alerts"
	"github.com/harunnryd/callshield/pkg/logging"
	"github.com/harunnryd/callshield/pkg/metrics"
	"github.com/harunnryd/callshield/pkg/reasoning"
	"github.com/harunnryd/callshield/pkg/transcribe"
)

// AlertSink receives alert payloads for fan-out.
type AlertSink interface {
	Broadcast(payload alerts.Payload)
}

// Config tunes the trigger heuristics. Zero values fall back to the
// defaults below.
type Config struct {
	WindowLines       int
	MinSentences      int
	MinWords          int
	AlertThreshold    int
	CriticalThreshold int
	StreamID          string
	CallSID           string
	TraceID           string
}

func (c Config) withDefaults() Config {
	if c.WindowLines <= 0 {
		c.WindowLines = 15
	}
	if c.MinSentences <= 0 {
		c.MinSentences = 5
	}
	if c.MinWords <= 0 {
		c.MinWords = 35
	}
	if c.AlertThreshold <= 0 {
		c.AlertThreshold = 60
	}
	if c.CriticalThreshold <= 0 {
		c.CriticalThreshold = 85
	}
	return c
}

// Engine accumulates finalized transcript lines from both tracks of one
// call and decides when to score them. At most one scoring request is in
// flight per call; the single-flight lock is a compare-and-swap so a
// concurrent qualifying line skips the trigger instead of queueing behind
// it.
type Engine struct {
	cfg      Config
	analyzer reasoning.Analyzer
	sink     AlertSink
	observer metrics.Observer
	logger   *slog.Logger
	ctx      context.Context

	mu        sync.Mutex
	window    []string
	sentences int
	words     int

	inFlight atomic.Bool
	rounds   atomic.Int64
}

func NewEngine(ctx context.Context, analyzer reasoning.Analyzer, sink AlertSink, cfg Config) *Engine {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Engine{
		cfg:      cfg.withDefaults(),
		analyzer: analyzer,
		sink:     sink,
		observer: metrics.NoopObserver{},
		logger:   logging.NewComponentLogger(slog.Default(), "analysis_engine"),
		ctx:      ctx,
	}
}

// SetObserver installs a metrics observer. Must be called before the
// first Submit.
func (e *Engine) SetObserver(obs metrics.Observer) {
	if obs != nil {
		e.observer = obs
	}
}

// Submit records one finalized transcript line. Safe to call from both
// track bridges concurrently; window and counters are mutated under one
// lock so lines from the two tracks interleave in arrival order.
func (e *Engine) Submit(track transcribe.Track, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	e.mu.Lock()
	line := fmt.Sprintf("[%s]: %s", track.Label(), text)
	e.window = append(e.window, line)
	if len(e.window) > e.cfg.WindowLines {
		e.window = e.window[len(e.window)-e.cfg.WindowLines:]
	}
	e.sentences++
	e.words += len(strings.Fields(text))
	sentences, words := e.sentences, e.words

	fire := sentences >= e.cfg.MinSentences && words >= e.cfg.MinWords
	var snapshot string
	if fire {
		if e.inFlight.CompareAndSwap(false, true) {
			snapshot = strings.Join(e.window, "\n")
			// Counters restart immediately so lines arriving during the
			// in-flight call accumulate toward the next trigger. The
			// window text is deliberately kept.
			e.sentences = 0
			e.words = 0
		} else {
			fire = false
		}
	}
	e.mu.Unlock()

	e.logger.Debug("transcript_accepted",
		slog.String("track", string(track)),
		slog.Int("sentences", sentences),
		slog.Int("words", words),
		slog.Bool("trigger", fire))
	e.observer.RecordEvent(metrics.Event{
		Name: "transcript_line",
		Time: time.Now(),
		Tags: map[string]string{"stream_id": e.cfg.StreamID, "track": string(track)},
	})

	if fire {
		go e.analyze(snapshot)
	}
}

// Analyzing reports whether a scoring request is currently in flight.
func (e *Engine) Analyzing() bool {
	return e.inFlight.Load()
}

// Rounds returns how many scoring calls have completed, success or not.
func (e *Engine) Rounds() int64 {
	return e.rounds.Load()
}

func (e *Engine) analyze(snapshot string) {
	started := time.Now()
	// The lock must come off no matter how the call ends; a stuck lock
	// stalls analysis for the rest of the session.
	defer func() {
		e.inFlight.Store(false)
		e.rounds.Add(1)
	}()

	e.logger.Info("analysis_started",
		slog.String("stream_id", e.cfg.StreamID),
		slog.Int("snapshot_lines", strings.Count(snapshot, "\n")+1))

	assessment, err := e.analyzer.Analyze(e.ctx, snapshot)
	if err != nil {
		e.logger.Warn("analysis_failed",
			slog.String("stream_id", e.cfg.StreamID),
			slog.String("error", err.Error()))
		e.observer.RecordEvent(metrics.Event{
			Name: "analysis_error",
			Time: time.Now(),
			Tags: map[string]string{"stream_id": e.cfg.StreamID},
		})
		return
	}

	e.logger.Info("analysis_completed",
		slog.String("stream_id", e.cfg.StreamID),
		slog.Int("risk_score", assessment.RiskScore),
		slog.Duration("elapsed", time.Since(started)))
	e.observer.RecordEvent(metrics.Event{
		Name:  "analysis_round",
		Time:  time.Now(),
		Value: float64(assessment.RiskScore),
		Tags:  map[string]string{"stream_id": e.cfg.StreamID},
	})

	if assessment.RiskScore <= e.cfg.AlertThreshold {
		return
	}
	if e.sink == nil {
		return
	}
	e.sink.Broadcast(alerts.Payload{
		Type:      "ALERT",
		CallSID:   e.cfg.CallSID,
		StreamID:  e.cfg.StreamID,
		RiskScore: assessment.RiskScore,
		Tactics:   assessment.Tactics,
		Rationale: assessment.Rationale,
		Severity:  alerts.SeverityForScore(assessment.RiskScore, e.cfg.CriticalThreshold),
		Timestamp: time.Now().UTC(),
	})
}
