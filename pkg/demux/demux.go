package demux

import (
	"bytes"
	"encoding/base64"
	"log/slog"

	"github.com/harunnryd/callshield/pkg/logging"
	"github.com/harunnryd/callshield/pkg/transcribe"
)

// DefaultBatchBytes is one second of 8 kHz 8-bit mu-law audio.
const DefaultBatchBytes = 8000

// BatchSink receives one contiguous audio batch for a single track.
type BatchSink interface {
	Forward(audio []byte) error
}

// channelBatch accumulates raw audio fragments for one track. The byte
// count always equals the sum of the held fragment lengths.
type channelBatch struct {
	fragments [][]byte
	size      int
}

func (b *channelBatch) append(chunk []byte) {
	b.fragments = append(b.fragments, chunk)
	b.size += len(chunk)
}

func (b *channelBatch) flush() []byte {
	out := bytes.Join(b.fragments, nil)
	b.fragments = nil
	b.size = 0
	return out
}

// Demux routes base64-encoded media payloads into per-track batches and
// hands full batches to that track's sink. It is owned by a single call
// session and mutated only from the session's message loop, so it needs
// no locking.
type Demux struct {
	threshold int
	batches   map[transcribe.Track]*channelBatch
	sinks     map[transcribe.Track]BatchSink
	logger    *slog.Logger
}

func New(threshold int, sinks map[transcribe.Track]BatchSink) *Demux {
	if threshold <= 0 {
		threshold = DefaultBatchBytes
	}
	d := &Demux{
		threshold: threshold,
		batches:   make(map[transcribe.Track]*channelBatch, len(sinks)),
		sinks:     make(map[transcribe.Track]BatchSink, len(sinks)),
		logger:    logging.NewComponentLogger(slog.Default(), "demux"),
	}
	for track, sink := range sinks {
		d.batches[track] = &channelBatch{}
		d.sinks[track] = sink
	}
	return d
}

// HandleMedia decodes one media payload and appends it to the track's
// batch, flushing downstream once the batch reaches the threshold.
// Decode failures drop the frame; unknown tracks are ignored.
func (d *Demux) HandleMedia(track transcribe.Track, payload string) {
	batch, ok := d.batches[track]
	if !ok {
		return
	}
	chunk, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		d.logger.Warn("media_decode_failed",
			slog.String("track", string(track)),
			slog.String("error", err.Error()))
		return
	}
	batch.append(chunk)
	if batch.size < d.threshold {
		return
	}
	merged := batch.flush()
	d.logger.Debug("batch_flushed",
		slog.String("track", string(track)),
		slog.Int("size_bytes", len(merged)))
	if err := d.sinks[track].Forward(merged); err != nil {
		d.logger.Warn("batch_forward_failed",
			slog.String("track", string(track)),
			slog.String("error", err.Error()))
	}
}

// Pending returns how many bytes the track's batch currently holds.
func (d *Demux) Pending(track transcribe.Track) int {
	if batch, ok := d.batches[track]; ok {
		return batch.size
	}
	return 0
}
