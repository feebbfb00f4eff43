package mock

import (
	"context"
	"sync"

	"github.com/harunnryd/callshield/pkg/transcribe"
)

type BridgeConfig struct {
	Track transcribe.Track
	// Transcripts are emitted in order, one per forwarded batch.
	Transcripts []string
}

// Bridge is a scripted transcription bridge for tests and local runs. Each
// forwarded batch surfaces the next scripted transcript as a final result.
type Bridge struct {
	cfg     BridgeConfig
	out     chan transcribe.Result
	mu      sync.Mutex
	started bool
	next    int
	batches [][]byte
}

func NewBridge(cfg BridgeConfig) *Bridge {
	if len(cfg.Transcripts) == 0 {
		cfg.Transcripts = []string{"mock transcript"}
	}
	return &Bridge{cfg: cfg, out: make(chan transcribe.Result, 16)}
}

func (b *Bridge) Name() string { return "mock" }

func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = true
	return nil
}

func (b *Bridge) Forward(audio []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return nil
	}
	b.batches = append(b.batches, append([]byte(nil), audio...))
	text := b.cfg.Transcripts[b.next%len(b.cfg.Transcripts)]
	b.next++
	select {
	case b.out <- transcribe.Result{Track: b.cfg.Track, Text: text, Final: true, Confidence: 1}:
	default:
	}
	return nil
}

func (b *Bridge) Results() <-chan transcribe.Result { return b.out }

func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return nil
	}
	b.started = false
	close(b.out)
	return nil
}

// Batches returns the audio handed to the bridge so far.
func (b *Bridge) Batches() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.batches))
	copy(out, b.batches)
	return out
}

var _ transcribe.Bridge = (*Bridge)(nil)
